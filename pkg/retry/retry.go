// Package retry provides retry logic for remote range reads
package retry

import (
	"context"
	stderr "errors"
	"math"
	"math/rand"
	"time"

	"github.com/plasticityai/supersqlite/pkg/errors"
)

// Config defines retry behavior configuration
type Config struct {
	// MaxAttempts is the maximum number of attempts (including the initial attempt)
	MaxAttempts int `yaml:"max_attempts" json:"max_attempts"`

	// ImmediateRetries is the number of failed attempts retried without any delay
	ImmediateRetries int `yaml:"immediate_retries" json:"immediate_retries"`

	// InitialDelay is the delay before the first delayed retry
	InitialDelay time.Duration `yaml:"initial_delay" json:"initial_delay"`

	// MaxDelay is the maximum delay between retries
	MaxDelay time.Duration `yaml:"max_delay" json:"max_delay"`

	// Multiplier is the factor by which delay increases after each delayed retry.
	// A multiplier of 1 keeps the delay fixed.
	Multiplier float64 `yaml:"multiplier" json:"multiplier"`

	// Jitter adds randomness to delay to prevent thundering herd
	Jitter bool `yaml:"jitter" json:"jitter"`

	// RetryableErrors is a list of error codes that should trigger retry
	RetryableErrors []errors.ErrorCode `yaml:"retryable_errors" json:"retryable_errors"`

	// OnRetry is called before each retry attempt
	OnRetry func(attempt int, err error, delay time.Duration) `yaml:"-" json:"-"`
}

// DefaultConfig returns the network retry configuration used for remote reads
func DefaultConfig() Config {
	return Config{
		MaxAttempts:      10,
		ImmediateRetries: 2,
		InitialDelay:     10 * time.Second,
		MaxDelay:         10 * time.Second,
		Multiplier:       1.0,
		RetryableErrors: []errors.ErrorCode{
			errors.ErrCodeNetworkTransient,
			errors.ErrCodeConnectionClosed,
		},
	}
}

// Retryer handles retry logic with backoff
type Retryer struct {
	config Config
}

// New creates a new Retryer with the given configuration
func New(config Config) *Retryer {
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = 1
	}
	if config.ImmediateRetries < 0 {
		config.ImmediateRetries = 0
	}
	if config.MaxDelay < config.InitialDelay {
		config.MaxDelay = config.InitialDelay
	}
	if config.Multiplier <= 0 {
		config.Multiplier = 1.0
	}

	return &Retryer{config: config}
}

// MaxAttempts returns the configured attempt budget
func (r *Retryer) MaxAttempts() int {
	return r.config.MaxAttempts
}

// Do executes the given function with retry logic
func (r *Retryer) Do(fn func() error) error {
	return r.DoWithContext(context.Background(), func(ctx context.Context) error {
		return fn()
	})
}

// DoWithContext executes the given function with retry logic and context support.
// When every attempt fails with a retryable error the returned error has code
// RETRY_EXHAUSTED and wraps the last failure.
func (r *Retryer) DoWithContext(ctx context.Context, fn func(context.Context) error) error {
	var lastErr error

	for attempt := 1; attempt <= r.config.MaxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return errors.Wrap(errors.ErrCodeOperationCanceled, ctx.Err(), "operation canceled")
		default:
		}

		err := fn(ctx)
		if err == nil {
			return nil
		}

		lastErr = err

		if !r.isRetryable(err) {
			return err
		}
		if attempt == r.config.MaxAttempts {
			break
		}

		delay := r.calculateDelay(attempt)

		if r.config.OnRetry != nil {
			r.config.OnRetry(attempt, err, delay)
		}

		if delay > 0 {
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return errors.Wrap(errors.ErrCodeOperationCanceled, ctx.Err(), "operation canceled").
					WithDetail("attempts", attempt)
			case <-timer.C:
			}
		}
	}

	return errors.Wrap(errors.ErrCodeRetryExhausted, lastErr, "max retry attempts exceeded").
		WithDetail("attempts", r.config.MaxAttempts)
}

// isRetryable determines if an error is retryable
func (r *Retryer) isRetryable(err error) bool {
	var vfsErr *errors.VFSError
	if stderr.As(err, &vfsErr) {
		if vfsErr.Retryable {
			return true
		}
		for _, code := range r.config.RetryableErrors {
			if vfsErr.Code == code {
				return true
			}
		}
	}

	return false
}

// calculateDelay calculates the delay after the given failed attempt
func (r *Retryer) calculateDelay(attempt int) time.Duration {
	if attempt <= r.config.ImmediateRetries {
		return 0
	}

	step := attempt - r.config.ImmediateRetries - 1
	delay := float64(r.config.InitialDelay) * math.Pow(r.config.Multiplier, float64(step))

	if delay > float64(r.config.MaxDelay) {
		delay = float64(r.config.MaxDelay)
	}

	if r.config.Jitter {
		// ±20%
		delay += delay * 0.2 * (rand.Float64()*2 - 1)
	}

	return time.Duration(delay)
}
