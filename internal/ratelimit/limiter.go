// Package ratelimit tracks per-API call budgets over sliding windows and
// drives the wait/backoff contract for every outbound call the system
// makes against an external provider.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/chartsense/chartsense/pkg/errors"
	"github.com/chartsense/chartsense/pkg/logging"
	"github.com/chartsense/chartsense/pkg/retry"
	"github.com/chartsense/chartsense/pkg/types"
)

const (
	minuteWindow = time.Minute
	hourWindow   = time.Hour
	dayWindow    = 24 * time.Hour

	// Plain (non-rate-limit) failures back off exponentially up to this cap.
	plainBackoffBase = time.Second
	plainBackoffCap  = 60 * time.Second
)

// Operation is an opaque external call. The limiter knows nothing about
// its wire protocol; arguments are captured in the closure.
type Operation func(ctx context.Context) (interface{}, error)

// Limits is the call budget for one external API.
type Limits struct {
	CallsPerMinute int `yaml:"calls_per_minute"`
	CallsPerHour   int `yaml:"calls_per_hour"`
	CallsPerDay    int `yaml:"calls_per_day"`
}

// DefaultLimits returns a conservative budget for APIs registered lazily.
func DefaultLimits() Limits {
	return Limits{CallsPerMinute: 60, CallsPerHour: 1000, CallsPerDay: 10000}
}

// BackoffPolicy shapes the rate-limit backoff curve.
type BackoffPolicy struct {
	Base       time.Duration `yaml:"base"`
	Multiplier float64       `yaml:"multiplier"`
	Cap        time.Duration `yaml:"cap"`
}

// DefaultBackoffPolicy matches the provider-friendly defaults: 1s base,
// doubling, capped at five minutes.
func DefaultBackoffPolicy() BackoffPolicy {
	return BackoffPolicy{Base: time.Second, Multiplier: 2.0, Cap: 5 * time.Minute}
}

// window is the mutable per-API rate-limit state.
type window struct {
	limits Limits

	calls          []time.Time // rolling log, pruned to 24h
	retryCount     int
	lastErrorTime  time.Time
	currentBackoff time.Duration
}

// Limiter owns the registry of per-API windows. Construct one per
// process and pass it by reference wherever outbound calls are made;
// there is deliberately no package-level instance.
type Limiter struct {
	mu             sync.Mutex
	windows        map[string]*window
	policy         BackoffPolicy
	defaultRetries int

	// limitRetry shapes the backoff after rate-limit errors, plainRetry
	// the delays between ordinary failed attempts.
	limitRetry *retry.Retryer
	plainRetry *retry.Retryer

	logger  *logging.Logger
	metrics types.MetricsRecorder

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// NewLimiter creates a limiter with the given backoff policy.
func NewLimiter(policy BackoffPolicy, logger *logging.Logger) *Limiter {
	if policy.Base <= 0 {
		policy.Base = DefaultBackoffPolicy().Base
	}
	if policy.Multiplier <= 0 {
		policy.Multiplier = DefaultBackoffPolicy().Multiplier
	}
	if policy.Cap <= 0 {
		policy.Cap = DefaultBackoffPolicy().Cap
	}
	if logger == nil {
		logger = logging.Nop()
	}

	return &Limiter{
		windows: make(map[string]*window),
		policy:  policy,
		limitRetry: retry.New(retry.Config{
			InitialDelay: policy.Base,
			Multiplier:   policy.Multiplier,
			MaxDelay:     policy.Cap,
		}),
		plainRetry: retry.New(retry.Config{
			InitialDelay: plainBackoffBase,
			Multiplier:   2.0,
			MaxDelay:     plainBackoffCap,
		}),
		logger:  logger.With(logging.F("component", "ratelimit")),
		metrics: types.NopMetrics{},
		now:     time.Now,
		sleep:   sleepContext,
	}
}

// SetDefaultRetries sets the retry budget used when ExecuteWithRetry is
// called with a negative maxRetries.
func (l *Limiter) SetDefaultRetries(n int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if n >= 0 {
		l.defaultRetries = n
	}
}

// SetMetrics attaches a metrics recorder.
func (l *Limiter) SetMetrics(rec types.MetricsRecorder) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if rec != nil {
		l.metrics = rec
	}
}

// Register creates or replaces the budget for an API name.
func (l *Limiter) Register(api string, limits Limits) {
	l.mu.Lock()
	defer l.mu.Unlock()

	w := l.windowLocked(api)
	w.limits = limits
}

// IsRateLimited reports whether a call to the API must wait: any sliding
// window at or over budget, or an active backoff period.
func (l *Limiter) IsRateLimited(api string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.waitLocked(l.windowLocked(api)) > 0
}

// RecordCall appends the current timestamp to the API's rolling call log.
func (l *Limiter) RecordCall(api string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	w := l.windowLocked(api)
	w.calls = append(w.calls, l.now())
	l.pruneLocked(w)
}

// RecordError registers a rate-limit error: the retry count grows and the
// backoff window doubles (bounded by the policy cap).
func (l *Limiter) RecordError(api string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	w := l.windowLocked(api)
	w.retryCount++
	w.currentBackoff = l.limitRetry.Delay(w.retryCount)
	w.lastErrorTime = l.now()

	l.logger.Warn("rate limit error recorded",
		logging.F("api", api),
		logging.F("retry_count", w.retryCount),
		logging.F("backoff", w.currentBackoff.String()))
}

// ResetBackoff clears the backoff state after a successful call. The call
// log is kept: quota accounting continues across successes.
func (l *Limiter) ResetBackoff(api string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	w := l.windowLocked(api)
	w.retryCount = 0
	w.currentBackoff = 0
	w.lastErrorTime = time.Time{}
}

// Reset wipes all state for an API. Operator action only.
func (l *Limiter) Reset(api string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.windows, api)
}

// GetWaitTime returns how long a caller must wait before the next call:
// the remaining backoff if one is active, otherwise the time until the
// oldest call exits whichever window is over budget, otherwise zero.
func (l *Limiter) GetWaitTime(api string) time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.waitLocked(l.windowLocked(api))
}

// Status is a read-only snapshot of one API's window.
type Status struct {
	API            string        `json:"api"`
	CallsLastMin   int           `json:"calls_last_minute"`
	CallsLastHour  int           `json:"calls_last_hour"`
	CallsLastDay   int           `json:"calls_last_day"`
	RetryCount     int           `json:"retry_count"`
	CurrentBackoff time.Duration `json:"current_backoff"`
	WaitTime       time.Duration `json:"wait_time"`
}

// GetStatus returns a snapshot of the API's current window.
func (l *Limiter) GetStatus(api string) Status {
	l.mu.Lock()
	defer l.mu.Unlock()

	w := l.windowLocked(api)
	l.pruneLocked(w)
	now := l.now()
	return Status{
		API:            api,
		CallsLastMin:   countSince(w.calls, now.Add(-minuteWindow)),
		CallsLastHour:  countSince(w.calls, now.Add(-hourWindow)),
		CallsLastDay:   len(w.calls),
		RetryCount:     w.retryCount,
		CurrentBackoff: w.currentBackoff,
		WaitTime:       l.waitLocked(w),
	}
}

// ExecuteWithRetry runs the operation against the API honoring the
// wait/backoff contract. Rate-limit failures feed the backoff state and
// are retried up to maxRetries; other failures are retried with plain
// exponential backoff. A negative maxRetries means the configured
// default. Exhausting the retry budget is the only error this method
// propagates.
func (l *Limiter) ExecuteWithRetry(ctx context.Context, api string, op Operation, maxRetries int) (interface{}, error) {
	if maxRetries < 0 {
		l.mu.Lock()
		maxRetries = l.defaultRetries
		l.mu.Unlock()
	}

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if err := l.reserveCall(ctx, api); err != nil {
			return nil, errors.Wrap(errors.ErrCodeOperationCanceled, "canceled while waiting for rate limit", err).
				WithComponent("ratelimit").WithContext("api", api)
		}

		result, err := op(ctx)
		if err == nil {
			l.ResetBackoff(api)
			return result, nil
		}
		lastErr = err

		if IsRateLimitError(err) {
			l.RecordError(api)
			l.metrics.RecordRateLimitDeferred(api)
			continue // next iteration waits out the new backoff window
		}

		// Non-rate-limit failure: plain exponential backoff, capped.
		if attempt < maxRetries {
			delay := l.plainRetry.Delay(attempt + 1)
			l.logger.Debug("retrying after error",
				logging.F("api", api), logging.F("attempt", attempt+1),
				logging.F("delay", delay.String()), logging.Err(err))
			if err := l.sleep(ctx, delay); err != nil {
				return nil, errors.Wrap(errors.ErrCodeOperationCanceled, "canceled during retry backoff", err).
					WithComponent("ratelimit").WithContext("api", api)
			}
		}
	}

	return nil, errors.Wrap(errors.ErrCodeRetryExhausted,
		fmt.Sprintf("retries exhausted after %d attempts", maxRetries+1), lastErr).
		WithComponent("ratelimit").WithContext("api", api).
		WithDetail("max_retries", maxRetries)
}

// reserveCall admits one call, waiting out any backoff or quota window
// first. The headroom check and the log append happen under one lock,
// so concurrent callers cannot all observe room and overrun the budget:
// each admission is visible to the next caller's check.
func (l *Limiter) reserveCall(ctx context.Context, api string) error {
	for {
		l.mu.Lock()
		w := l.windowLocked(api)
		wait := l.waitLocked(w)
		if wait <= 0 {
			w.calls = append(w.calls, l.now())
			l.mu.Unlock()
			return nil
		}
		l.mu.Unlock()

		l.metrics.RecordRateLimitWait(api, wait.Seconds())
		l.logger.Debug("waiting for rate limit window",
			logging.F("api", api), logging.F("wait", wait.String()))
		if err := l.sleep(ctx, wait); err != nil {
			return err
		}
	}
}

// Internal helpers. All *Locked helpers assume l.mu is held.

func (l *Limiter) windowLocked(api string) *window {
	w, ok := l.windows[api]
	if !ok {
		w = &window{limits: DefaultLimits()}
		l.windows[api] = w
	}
	return w
}

func (l *Limiter) pruneLocked(w *window) {
	cutoff := l.now().Add(-dayWindow)
	i := 0
	for i < len(w.calls) && !w.calls[i].After(cutoff) {
		i++
	}
	if i > 0 {
		w.calls = append(w.calls[:0], w.calls[i:]...)
	}
}

func (l *Limiter) waitLocked(w *window) time.Duration {
	now := l.now()

	// Active backoff window takes precedence over quota accounting.
	if w.currentBackoff > 0 {
		if until := w.lastErrorTime.Add(w.currentBackoff); until.After(now) {
			return until.Sub(now)
		}
	}

	l.pruneLocked(w)

	var wait time.Duration
	check := func(windowDur time.Duration, limit int) {
		if limit <= 0 {
			return
		}
		cutoff := now.Add(-windowDur)
		count := countSince(w.calls, cutoff)
		if count < limit {
			return
		}
		// Wait until the oldest call inside this window slides out.
		oldest := oldestSince(w.calls, cutoff)
		if d := oldest.Add(windowDur).Sub(now); d > wait {
			wait = d
		}
	}

	check(minuteWindow, w.limits.CallsPerMinute)
	check(hourWindow, w.limits.CallsPerHour)
	check(dayWindow, w.limits.CallsPerDay)
	return wait
}

// countSince counts calls strictly after the cutoff. The log is append
// only, so it is sorted and a backwards scan terminates early.
func countSince(calls []time.Time, cutoff time.Time) int {
	count := 0
	for i := len(calls) - 1; i >= 0; i-- {
		if !calls[i].After(cutoff) {
			break
		}
		count++
	}
	return count
}

func oldestSince(calls []time.Time, cutoff time.Time) time.Time {
	for _, t := range calls {
		if t.After(cutoff) {
			return t
		}
	}
	return cutoff
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
