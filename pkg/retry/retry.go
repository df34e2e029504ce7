// Package retry provides retry logic with exponential backoff for chartsense operations.
package retry

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/chartsense/chartsense/pkg/errors"
)

// Config defines retry behavior configuration.
type Config struct {
	// MaxAttempts bounds the total number of attempts, the initial one
	// included.
	MaxAttempts int `yaml:"max_attempts" json:"max_attempts"`

	// InitialDelay is the wait before the first retry.
	InitialDelay time.Duration `yaml:"initial_delay" json:"initial_delay"`

	// MaxDelay caps the delay between retries.
	MaxDelay time.Duration `yaml:"max_delay" json:"max_delay"`

	// Multiplier grows the delay after every failed attempt.
	Multiplier float64 `yaml:"multiplier" json:"multiplier"`

	// Jitter randomizes each delay so concurrent retriers spread out.
	Jitter bool `yaml:"jitter" json:"jitter"`

	// RetryableCodes is a list of error codes that should trigger retry
	// in addition to errors flagged retryable.
	RetryableCodes []errors.ErrorCode `yaml:"retryable_codes" json:"retryable_codes"`

	// Classify maps opaque errors from external collaborators onto the
	// structured taxonomy before the retry decision. Optional.
	Classify func(err error) error `yaml:"-" json:"-"`

	// OnRetry runs before each retry with the failed attempt number,
	// the error, and the upcoming delay.
	OnRetry func(attempt int, err error, delay time.Duration) `yaml:"-" json:"-"`
}

// DefaultConfig returns a sensible default retry configuration.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:  5,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
		Jitter:       true,
		RetryableCodes: []errors.ErrorCode{
			errors.ErrCodeRateLimited,
			errors.ErrCodeQuotaExceeded,
			errors.ErrCodeConnectionFailed,
			errors.ErrCodeConnectionTimeout,
			errors.ErrCodeNetworkError,
			errors.ErrCodeOperationTimeout,
		},
	}
}

// Retryer handles retry logic with exponential backoff.
type Retryer struct {
	config Config
}

// New creates a new Retryer with the given configuration.
func New(config Config) *Retryer {
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = 5
	}
	if config.InitialDelay <= 0 {
		config.InitialDelay = 100 * time.Millisecond
	}
	if config.MaxDelay <= 0 {
		config.MaxDelay = 30 * time.Second
	}
	if config.Multiplier <= 0 {
		config.Multiplier = 2.0
	}

	return &Retryer{config: config}
}

// Do executes the given function with retry logic.
func (r *Retryer) Do(fn func() error) error {
	return r.DoWithContext(context.Background(), func(ctx context.Context) error {
		return fn()
	})
}

// DoWithContext executes the given function with retry logic and context support.
func (r *Retryer) DoWithContext(ctx context.Context, fn func(context.Context) error) error {
	var lastErr error

	for attempt := 1; attempt <= r.config.MaxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return errors.Wrap(errors.ErrCodeOperationCanceled, "operation canceled", ctx.Err())
		default:
		}

		err := fn(ctx)
		if err == nil {
			return nil
		}

		if r.config.Classify != nil {
			err = r.config.Classify(err)
		}
		lastErr = err

		if !r.shouldRetry(err) {
			return err
		}

		if attempt < r.config.MaxAttempts {
			delay := r.Delay(attempt)

			if r.config.OnRetry != nil {
				r.config.OnRetry(attempt, err, delay)
			}

			select {
			case <-ctx.Done():
				return errors.Wrap(errors.ErrCodeOperationCanceled,
					fmt.Sprintf("operation canceled after %d attempts", attempt), ctx.Err())
			case <-time.After(delay):
			}
		}
	}

	return errors.Wrap(errors.ErrCodeRetryExhausted,
		fmt.Sprintf("max retry attempts (%d) exceeded", r.config.MaxAttempts), lastErr).
		WithDetail("attempts", r.config.MaxAttempts)
}

// shouldRetry determines if an error is retryable.
func (r *Retryer) shouldRetry(err error) bool {
	if errors.IsRetryable(err) {
		return true
	}

	code := errors.Code(err)
	for _, c := range r.config.RetryableCodes {
		if code == c {
			return true
		}
	}

	return false
}

// Delay returns the wait the policy prescribes after the given failed
// attempt, jittered when the policy enables it. Callers that run their
// own retry loop use this to stay on the configured curve.
func (r *Retryer) Delay(attempt int) time.Duration {
	delay := Backoff(attempt, r.config.InitialDelay, r.config.Multiplier, r.config.MaxDelay)

	// +-20% jitter
	if r.config.Jitter {
		jitter := float64(delay) * 0.2 * (rand.Float64()*2 - 1)
		delay = time.Duration(float64(delay) + jitter)
	}

	return delay
}

// Backoff computes initial * multiplier^(attempt-1) capped at max. The
// same curve drives the rate limiter's per-API backoff windows.
func Backoff(attempt int, initial time.Duration, multiplier float64, max time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := float64(initial) * math.Pow(multiplier, float64(attempt-1))
	if delay > float64(max) {
		delay = float64(max)
	}
	return time.Duration(delay)
}

// WithMaxAttempts returns a new Retryer with modified max attempts.
func (r *Retryer) WithMaxAttempts(attempts int) *Retryer {
	newConfig := r.config
	newConfig.MaxAttempts = attempts
	return New(newConfig)
}

// WithOnRetry returns a new Retryer with a retry callback.
func (r *Retryer) WithOnRetry(callback func(attempt int, err error, delay time.Duration)) *Retryer {
	newConfig := r.config
	newConfig.OnRetry = callback
	return New(newConfig)
}
