package health

import (
	"context"
	"fmt"
	"testing"

	"github.com/plasticityai/supersqlite/pkg/errors"
)

func transient() error {
	return errors.NewError(errors.ErrCodeNetworkTransient, "connection reset")
}

func TestTracker_RegisterComponent(t *testing.T) {
	tracker := NewTracker(DefaultConfig())

	if state := tracker.GetState("http://a/db"); state != StateUnavailable {
		t.Errorf("untracked state = %s, want unavailable", state)
	}

	tracker.RegisterComponent("http://a/db")
	if state := tracker.GetState("http://a/db"); state != StateHealthy {
		t.Errorf("Expected initial state to be StateHealthy, got %s", state)
	}

	tracker.UnregisterComponent("http://a/db")
	if got := len(tracker.GetAllComponents()); got != 0 {
		t.Errorf("components after unregister = %d, want 0", got)
	}
}

func TestTracker_DegradationAndRecovery(t *testing.T) {
	config := TrackerConfig{ErrorThreshold: 2, UnavailableThreshold: 4, RecoveryThreshold: 2}
	tracker := NewTracker(config)
	tracker.RegisterComponent("db")

	tracker.RecordError("db", transient())
	if state := tracker.GetState("db"); state != StateHealthy {
		t.Errorf("Expected StateHealthy before threshold, got %s", state)
	}

	tracker.RecordError("db", transient())
	if state := tracker.GetState("db"); state != StateDegraded {
		t.Errorf("Expected StateDegraded at threshold, got %s", state)
	}

	tracker.RecordError("db", transient())
	tracker.RecordError("db", transient())
	if state := tracker.GetState("db"); state != StateUnavailable {
		t.Errorf("Expected StateUnavailable, got %s", state)
	}

	tracker.RecordSuccess("db")
	if state := tracker.GetState("db"); state != StateUnavailable {
		t.Errorf("one success should not recover, got %s", state)
	}
	tracker.RecordSuccess("db")
	if state := tracker.GetState("db"); state != StateHealthy {
		t.Errorf("Expected recovery to StateHealthy, got %s", state)
	}

	all := tracker.GetAllComponents()
	if len(all) != 1 || all[0].ConsecutiveErrors != 0 || all[0].LastErrorMessage != "" {
		t.Errorf("recovered component = %+v", all)
	}
}

func TestTracker_NetworkUnavailableIsImmediate(t *testing.T) {
	tracker := NewTracker(DefaultConfig())
	tracker.RegisterComponent("db")

	tracker.RecordError("db", errors.Wrap(errors.ErrCodeNetworkUnavailable, fmt.Errorf("dial tcp"), "could not reach the server"))
	if state := tracker.GetState("db"); state != StateUnavailable {
		t.Errorf("state = %s, want unavailable", state)
	}
}

func TestTracker_IgnoresErrorsUnrelatedToTheServer(t *testing.T) {
	tracker := NewTracker(DefaultConfig())
	tracker.RegisterComponent("db")

	for _, err := range []error{
		nil,
		errors.ErrHandleClosed,
		errors.NewError(errors.ErrCodeOperationCanceled, "cancelled"),
		context.Canceled,
	} {
		tracker.RecordError("db", err)
	}

	tracker.RecordError("db", fmt.Errorf("read: %w", context.DeadlineExceeded))

	all := tracker.GetAllComponents()
	if all[0].ConsecutiveErrors != 1 {
		t.Errorf("ConsecutiveErrors = %d, want 1", all[0].ConsecutiveErrors)
	}
}

func TestTracker_OverallHealthAndCallbacks(t *testing.T) {
	tracker := NewTracker(DefaultConfig())
	tracker.RegisterComponent("a")
	tracker.RegisterComponent("b")

	var changes []string
	tracker.AddStateChangeCallback(func(name string, old, next HealthState, err error) {
		changes = append(changes, fmt.Sprintf("%s:%s->%s", name, old, next))
	})

	if overall := tracker.GetOverallHealth(); overall != StateHealthy {
		t.Errorf("overall = %s, want healthy", overall)
	}

	tracker.RecordError("b", transient())
	if overall := tracker.GetOverallHealth(); overall != StateDegraded {
		t.Errorf("overall = %s, want degraded", overall)
	}

	tracker.RecordSuccess("b")
	tracker.RecordSuccess("b")

	want := []string{"b:healthy->degraded", "b:degraded->healthy"}
	if fmt.Sprint(changes) != fmt.Sprint(want) {
		t.Errorf("changes = %v, want %v", changes, want)
	}

	all := tracker.GetAllComponents()
	if all[0].Name != "a" || all[1].StateName != "healthy" {
		t.Errorf("components = %+v", all)
	}
}

func TestHealthState_String(t *testing.T) {
	tests := map[HealthState]string{
		StateHealthy:     "healthy",
		StateDegraded:    "degraded",
		StateUnavailable: "unavailable",
		HealthState(42):  "unknown",
	}
	for state, want := range tests {
		if got := state.String(); got != want {
			t.Errorf("%d.String() = %q, want %q", state, got, want)
		}
	}
}
