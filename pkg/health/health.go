// Package health tracks the reachability of remote files from the outcome of
// the reads made against them.
package health

import (
	"context"
	stderr "errors"
	"sort"
	"sync"
	"time"

	"github.com/plasticityai/supersqlite/pkg/errors"
)

// HealthState represents the health of one remote file
type HealthState int

const (
	// StateHealthy indicates reads are succeeding
	StateHealthy HealthState = iota

	// StateDegraded indicates recent reads failed but the server answered before
	StateDegraded

	// StateUnavailable indicates the server could not be reached for a while
	StateUnavailable
)

// String returns the string representation of a health state
func (s HealthState) String() string {
	switch s {
	case StateHealthy:
		return "healthy"
	case StateDegraded:
		return "degraded"
	case StateUnavailable:
		return "unavailable"
	default:
		return "unknown"
	}
}

// ComponentHealth is the health of one remote file
type ComponentHealth struct {
	Name              string      `json:"name"`
	State             HealthState `json:"-"`
	StateName         string      `json:"state"`
	LastStateChange   time.Time   `json:"last_state_change"`
	LastCheck         time.Time   `json:"last_check"`
	ConsecutiveErrors int         `json:"consecutive_errors"`
	LastErrorMessage  string      `json:"last_error_message,omitempty"`
}

// TrackerConfig configures health tracking behavior
type TrackerConfig struct {
	// ErrorThreshold is the number of consecutive errors before a file is degraded
	ErrorThreshold int `yaml:"error_threshold"`

	// UnavailableThreshold is the number of consecutive errors before a file is unavailable
	UnavailableThreshold int `yaml:"unavailable_threshold"`

	// RecoveryThreshold is the number of consecutive successes to become healthy again
	RecoveryThreshold int `yaml:"recovery_threshold"`
}

// StateChangeCallback is called when a file's health state changes
type StateChangeCallback func(component string, oldState, newState HealthState, err error)

// DefaultConfig returns a default tracker configuration
func DefaultConfig() TrackerConfig {
	return TrackerConfig{
		ErrorThreshold:       1,
		UnavailableThreshold: 3,
		RecoveryThreshold:    2,
	}
}

type component struct {
	ComponentHealth
	successes int
}

// Tracker tracks the health of every open remote file
type Tracker struct {
	mu         sync.RWMutex
	components map[string]*component
	config     TrackerConfig
	callbacks  []StateChangeCallback
}

// NewTracker creates a new health tracker
func NewTracker(config TrackerConfig) *Tracker {
	if config.ErrorThreshold <= 0 {
		config.ErrorThreshold = 1
	}
	if config.UnavailableThreshold < config.ErrorThreshold {
		config.UnavailableThreshold = config.ErrorThreshold
	}
	if config.RecoveryThreshold <= 0 {
		config.RecoveryThreshold = 1
	}
	return &Tracker{
		components: make(map[string]*component),
		config:     config,
	}
}

// RegisterComponent starts tracking name as healthy. Registering a tracked
// name again is a no-op.
func (t *Tracker) RegisterComponent(name string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.components[name]; !exists {
		now := time.Now()
		t.components[name] = &component{ComponentHealth: ComponentHealth{
			Name:            name,
			State:           StateHealthy,
			LastStateChange: now,
			LastCheck:       now,
		}}
	}
}

// UnregisterComponent stops tracking name
func (t *Tracker) UnregisterComponent(name string) {
	t.mu.Lock()
	delete(t.components, name)
	t.mu.Unlock()
}

// RecordSuccess records a successful read
func (t *Tracker) RecordSuccess(name string) {
	t.mu.Lock()
	c, exists := t.components[name]
	if !exists {
		t.mu.Unlock()
		return
	}

	old := c.State
	c.LastCheck = time.Now()
	c.successes++
	if c.State != StateHealthy && c.successes >= t.config.RecoveryThreshold {
		t.transition(c, StateHealthy)
		c.ConsecutiveErrors = 0
		c.LastErrorMessage = ""
	}
	if c.State == StateHealthy {
		c.ConsecutiveErrors = 0
	}
	callbacks, changed := t.callbacks, old != c.State
	t.mu.Unlock()

	if changed {
		notify(callbacks, name, old, StateHealthy, nil)
	}
}

// RecordError records a failed read. Failures that say nothing about the
// server, like a closed handle or a cancelled caller, are ignored.
func (t *Tracker) RecordError(name string, err error) {
	if !Counts(err) {
		return
	}

	t.mu.Lock()
	c, exists := t.components[name]
	if !exists {
		t.mu.Unlock()
		return
	}

	old := c.State
	c.LastCheck = time.Now()
	c.successes = 0
	c.ConsecutiveErrors++
	c.LastErrorMessage = err.Error()

	next := c.State
	switch {
	case c.ConsecutiveErrors >= t.config.UnavailableThreshold ||
		errors.CodeOf(err) == errors.ErrCodeNetworkUnavailable:
		next = StateUnavailable
	case c.ConsecutiveErrors >= t.config.ErrorThreshold && c.State == StateHealthy:
		next = StateDegraded
	}
	if next != old {
		t.transition(c, next)
	}
	callbacks := t.callbacks
	t.mu.Unlock()

	if next != old {
		notify(callbacks, name, old, next, err)
	}
}

// Counts reports whether err reflects on the health of the remote server
func Counts(err error) bool {
	if err == nil || stderr.Is(err, context.Canceled) {
		return false
	}
	switch errors.CodeOf(err) {
	case errors.ErrCodeHandleClosed, errors.ErrCodeOperationCanceled,
		errors.ErrCodeInvalidResource, errors.ErrCodeInvalidConfig:
		return false
	}
	return true
}

// GetState returns the state of name, StateUnavailable when it is not tracked
func (t *Tracker) GetState(name string) HealthState {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if c, exists := t.components[name]; exists {
		return c.State
	}
	return StateUnavailable
}

// GetAllComponents returns a copy of every tracked file's health, sorted by name
func (t *Tracker) GetAllComponents() []ComponentHealth {
	t.mu.RLock()
	out := make([]ComponentHealth, 0, len(t.components))
	for _, c := range t.components {
		h := c.ComponentHealth
		h.StateName = h.State.String()
		out = append(out, h)
	}
	t.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// GetOverallHealth returns the worst state of any tracked file
func (t *Tracker) GetOverallHealth() HealthState {
	t.mu.RLock()
	defer t.mu.RUnlock()

	overall := StateHealthy
	for _, c := range t.components {
		if c.State > overall {
			overall = c.State
		}
	}
	return overall
}

// AddStateChangeCallback registers a callback invoked on every state change
func (t *Tracker) AddStateChangeCallback(callback StateChangeCallback) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.callbacks = append(t.callbacks, callback)
}

// transition must be called with t.mu held
func (t *Tracker) transition(c *component, state HealthState) {
	c.State = state
	c.LastStateChange = time.Now()
}

func notify(callbacks []StateChangeCallback, name string, old, next HealthState, err error) {
	for _, cb := range callbacks {
		cb(name, old, next, err)
	}
}
