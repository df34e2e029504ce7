package batch

import (
	"context"
	stderrors "errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/chartsense/chartsense/internal/ratelimit"
	"github.com/chartsense/chartsense/pkg/errors"
)

func newTestScheduler(config Config) *Scheduler {
	limiter := ratelimit.NewLimiter(ratelimit.DefaultBackoffPolicy(), nil)
	limiter.Register("api", ratelimit.Limits{CallsPerMinute: 10000})
	if config.InterRequestDelay == 0 {
		config.InterRequestDelay = time.Millisecond
	}
	scheduler := NewScheduler(limiter, config, nil)
	scheduler.sleep = func(ctx context.Context, d time.Duration) error { return ctx.Err() }
	return scheduler
}

func okOp(result interface{}) ratelimit.Operation {
	return func(ctx context.Context) (interface{}, error) { return result, nil }
}

func failOp(err error) ratelimit.Operation {
	return func(ctx context.Context) (interface{}, error) { return nil, err }
}

// TestNewRequest tests request construction
func TestNewRequest(t *testing.T) {
	t.Parallel()

	req := NewRequest(okOp("x"), 5, 2)
	if req.ID == "" {
		t.Error("expected generated id")
	}
	if req.Status != StatusPending {
		t.Errorf("expected pending, got %s", req.Status)
	}
	if req.Priority != 5 || req.MaxRetries != 2 {
		t.Errorf("unexpected request fields: %+v", req)
	}

	other := NewRequest(okOp("y"), 0, 0)
	if req.ID == other.ID {
		t.Error("request ids collide")
	}
}

// TestScheduler_ProcessBatch_AllSucceed tests the aggregate result for
// a fully successful batch
func TestScheduler_ProcessBatch_AllSucceed(t *testing.T) {
	t.Parallel()

	scheduler := newTestScheduler(Config{MaxConcurrency: 4, CallRetries: 0})

	requests := make([]*Request, 10)
	for i := range requests {
		requests[i] = NewRequest(okOp(i), 0, 0)
	}

	result := scheduler.ProcessBatch(context.Background(), "api", requests)
	if result.Total != 10 || result.Completed != 10 || result.Failed != 0 {
		t.Errorf("unexpected totals: %+v", result)
	}
	if result.SuccessRate != 1.0 {
		t.Errorf("expected success rate 1.0, got %f", result.SuccessRate)
	}
	for _, req := range requests {
		if req.Status != StatusCompleted {
			t.Errorf("request %s not completed: %s", req.ID, req.Status)
		}
		if req.StartedAt.IsZero() || req.FinishedAt.IsZero() {
			t.Error("request timestamps not recorded")
		}
	}
}

// TestScheduler_ProcessBatch_PartialFailure tests failures are counted
// and never abort the batch
func TestScheduler_ProcessBatch_PartialFailure(t *testing.T) {
	t.Parallel()

	scheduler := newTestScheduler(Config{MaxConcurrency: 2, CallRetries: 0})

	boom := stderrors.New("upstream exploded")
	requests := []*Request{
		NewRequest(okOp("a"), 0, 0),
		NewRequest(failOp(boom), 0, 0),
		NewRequest(okOp("b"), 0, 0),
		NewRequest(failOp(boom), 0, 0),
	}

	result := scheduler.ProcessBatch(context.Background(), "api", requests)
	if result.Completed != 2 || result.Failed != 2 {
		t.Errorf("expected 2/2 split, got %d/%d", result.Completed, result.Failed)
	}
	if result.SuccessRate != 0.5 {
		t.Errorf("expected success rate 0.5, got %f", result.SuccessRate)
	}

	for _, req := range result.Requests {
		if req.Status != StatusFailed {
			continue
		}
		if req.Err == nil {
			t.Error("failed request carries no error")
		}
		// Propagated failures are the limiter's exhaustion wrapper.
		if errors.Code(req.Err) != errors.ErrCodeRetryExhausted {
			t.Errorf("expected RETRY_EXHAUSTED, got %s", errors.Code(req.Err))
		}
	}
}

// TestScheduler_ProcessBatch_Empty tests an empty batch returns a clean
// zeroed result
func TestScheduler_ProcessBatch_Empty(t *testing.T) {
	t.Parallel()

	scheduler := newTestScheduler(Config{MaxConcurrency: 2})
	result := scheduler.ProcessBatch(context.Background(), "api", nil)
	if result.Total != 0 || result.Completed != 0 || result.Failed != 0 {
		t.Errorf("unexpected totals for empty batch: %+v", result)
	}
	if result.SuccessRate != 0 {
		t.Errorf("expected zero success rate, got %f", result.SuccessRate)
	}
}

// TestScheduler_ConcurrencyBound tests in-flight requests never exceed
// the configured concurrency
func TestScheduler_ConcurrencyBound(t *testing.T) {
	t.Parallel()

	scheduler := newTestScheduler(Config{MaxConcurrency: 3, CallRetries: 0})

	var inFlight, peak int64
	var mu sync.Mutex
	op := func(ctx context.Context) (interface{}, error) {
		current := atomic.AddInt64(&inFlight, 1)
		mu.Lock()
		if current > peak {
			peak = current
		}
		mu.Unlock()
		time.Sleep(5 * time.Millisecond)
		atomic.AddInt64(&inFlight, -1)
		return nil, nil
	}

	requests := make([]*Request, 12)
	for i := range requests {
		requests[i] = NewRequest(op, 0, 0)
	}
	scheduler.ProcessBatch(context.Background(), "api", requests)

	mu.Lock()
	defer mu.Unlock()
	if peak > 3 {
		t.Errorf("concurrency bound exceeded: peak %d", peak)
	}
	if peak == 0 {
		t.Error("no requests observed in flight")
	}
}

// TestScheduler_PriorityOrdering tests dispatch follows descending
// priority and ties keep submission order
func TestScheduler_PriorityOrdering(t *testing.T) {
	t.Parallel()

	// Concurrency 1 makes dispatch order observable.
	scheduler := newTestScheduler(Config{MaxConcurrency: 1, PriorityOrdering: true, CallRetries: 0})

	var mu sync.Mutex
	var order []string
	op := func(name string) ratelimit.Operation {
		return func(ctx context.Context) (interface{}, error) {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			return nil, nil
		}
	}

	requests := []*Request{
		NewRequest(op("low"), 1, 0),
		NewRequest(op("high"), 9, 0),
		NewRequest(op("mid-first"), 5, 0),
		NewRequest(op("mid-second"), 5, 0),
	}
	scheduler.ProcessBatch(context.Background(), "api", requests)

	want := []string{"high", "mid-first", "mid-second", "low"}
	mu.Lock()
	defer mu.Unlock()
	if len(order) != len(want) {
		t.Fatalf("expected %d executions, got %d", len(want), len(order))
	}
	for i, name := range want {
		if order[i] != name {
			t.Errorf("position %d: expected %s, got %s", i, name, order[i])
		}
	}
}

// TestScheduler_SubBatchSize tests the adaptive partition size
func TestScheduler_SubBatchSize(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		config Config
		total  int
		want   int
	}{
		{
			name: "clamped to max batch size",
			// 4 * 30s / 450ms = 266, over the cap.
			config: Config{MaxConcurrency: 4, InterRequestDelay: 200 * time.Millisecond,
				MaxBatchSize: 50, TargetDuration: 30 * time.Second},
			total: 1000,
			want:  50,
		},
		{
			name: "clamped to total",
			config: Config{MaxConcurrency: 4, InterRequestDelay: 200 * time.Millisecond,
				MaxBatchSize: 50, TargetDuration: 30 * time.Second},
			total: 7,
			want:  7,
		},
		{
			name: "slow pacing shrinks the sub-batch",
			// 2 * 10s / 10.25s = 1.95 -> 1.
			config: Config{MaxConcurrency: 2, InterRequestDelay: 10 * time.Second,
				MaxBatchSize: 50, TargetDuration: 10 * time.Second},
			total: 100,
			want:  1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			scheduler := NewScheduler(nil, tt.config, nil)
			if got := scheduler.subBatchSize(tt.total); got != tt.want {
				t.Errorf("subBatchSize(%d) = %d, want %d", tt.total, got, tt.want)
			}
		})
	}
}

// TestScheduler_RetryFailed tests resubmission of failed requests with
// remaining budget
func TestScheduler_RetryFailed(t *testing.T) {
	t.Parallel()

	scheduler := newTestScheduler(Config{MaxConcurrency: 2, CallRetries: 0})

	var flaky int32
	flakyOp := func(ctx context.Context) (interface{}, error) {
		if atomic.AddInt32(&flaky, 1) == 1 {
			return nil, stderrors.New("transient")
		}
		return "ok", nil
	}

	requests := []*Request{
		NewRequest(okOp("fine"), 0, 0),
		NewRequest(flakyOp, 0, 2),                             // fails once, has budget
		NewRequest(failOp(stderrors.New("permanent")), 0, 0),  // no budget
	}

	first := scheduler.ProcessBatch(context.Background(), "api", requests)
	if first.Completed != 1 || first.Failed != 2 {
		t.Fatalf("unexpected first pass: %d/%d", first.Completed, first.Failed)
	}

	second := scheduler.RetryFailed(context.Background(), first)
	if second.Total != 1 {
		t.Fatalf("expected 1 resubmitted request, got %d", second.Total)
	}
	if second.Completed != 1 {
		t.Errorf("expected retry to succeed, got %d completed", second.Completed)
	}
	if second.Requests[0].RetryCount != 1 {
		t.Errorf("expected retry count 1, got %d", second.Requests[0].RetryCount)
	}

	// The budgetless request stays failed and untouched.
	if requests[2].Status != StatusFailed {
		t.Errorf("budgetless request status changed to %s", requests[2].Status)
	}
}

// TestScheduler_RetryFailed_NoCandidates tests an all-success prior
// result produces an empty retry batch
func TestScheduler_RetryFailed_NoCandidates(t *testing.T) {
	t.Parallel()

	scheduler := newTestScheduler(Config{MaxConcurrency: 2})
	first := scheduler.ProcessBatch(context.Background(), "api", []*Request{NewRequest(okOp("a"), 0, 0)})

	second := scheduler.RetryFailed(context.Background(), first)
	if second.Total != 0 {
		t.Errorf("expected empty retry batch, got %d", second.Total)
	}
}

// TestScheduler_HistoryAndCumulative tests per-batch history and the
// running totals
func TestScheduler_HistoryAndCumulative(t *testing.T) {
	t.Parallel()

	scheduler := newTestScheduler(Config{MaxConcurrency: 2, CallRetries: 0})

	scheduler.ProcessBatch(context.Background(), "api", []*Request{
		NewRequest(okOp("a"), 0, 0),
		NewRequest(okOp("b"), 0, 0),
	})
	scheduler.ProcessBatch(context.Background(), "api", []*Request{
		NewRequest(failOp(stderrors.New("nope")), 0, 0),
	})

	history := scheduler.History()
	if len(history) != 2 {
		t.Fatalf("expected 2 history entries, got %d", len(history))
	}
	if history[0].Completed != 2 || history[1].Failed != 1 {
		t.Errorf("unexpected history: %+v", history)
	}

	cumulative := scheduler.Cumulative()
	if cumulative.Batches != 2 || cumulative.Requests != 3 ||
		cumulative.Completed != 2 || cumulative.Failed != 1 {
		t.Errorf("unexpected cumulative stats: %+v", cumulative)
	}
}

// TestScheduler_HistoryBounded tests old batch results fall out of the
// retained history while the cumulative counters keep counting
func TestScheduler_HistoryBounded(t *testing.T) {
	t.Parallel()

	scheduler := newTestScheduler(Config{MaxConcurrency: 1, CallRetries: 0})

	var last *Result
	for i := 0; i < maxHistory+20; i++ {
		last = scheduler.ProcessBatch(context.Background(), "api", nil)
	}

	history := scheduler.History()
	if len(history) != maxHistory {
		t.Fatalf("history length = %d, want %d", len(history), maxHistory)
	}
	if history[len(history)-1].BatchID != last.BatchID {
		t.Error("newest batch missing from retained history")
	}
	if got := scheduler.Cumulative().Batches; got != maxHistory+20 {
		t.Errorf("cumulative batches = %d, want %d", got, maxHistory+20)
	}
}

// TestScheduler_CanceledContext tests cancellation marks the remaining
// requests failed instead of hanging
func TestScheduler_CanceledContext(t *testing.T) {
	t.Parallel()

	scheduler := newTestScheduler(Config{MaxConcurrency: 1, CallRetries: 0})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	requests := []*Request{NewRequest(okOp("a"), 0, 0), NewRequest(okOp("b"), 0, 0)}
	result := scheduler.ProcessBatch(ctx, "api", requests)
	if result.Completed != 0 {
		t.Errorf("expected no completions under canceled context, got %d", result.Completed)
	}
	if result.Failed != 2 {
		t.Errorf("expected 2 failures, got %d", result.Failed)
	}
}
