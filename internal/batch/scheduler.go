// Package batch executes groups of independent external-API requests
// under a shared concurrency bound while honoring the rate limiter.
package batch

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/chartsense/chartsense/internal/ratelimit"
	"github.com/chartsense/chartsense/pkg/logging"
	"github.com/chartsense/chartsense/pkg/types"
)

// Status is the lifecycle state of one request.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusRetrying  Status = "retrying"
)

// maxHistory bounds the retained batch results in a long-lived process;
// older batches survive only in the cumulative counters.
const maxHistory = 100

// Request is one logical unit of work against an external API.
type Request struct {
	ID        string
	Operation ratelimit.Operation
	Priority  int

	RetryCount int
	MaxRetries int

	Status     Status
	EnqueuedAt time.Time
	StartedAt  time.Time
	FinishedAt time.Time

	Result interface{}
	Err    error
}

// NewRequest creates a pending request with a generated id.
func NewRequest(op ratelimit.Operation, priority, maxRetries int) *Request {
	return &Request{
		ID:         uuid.NewString(),
		Operation:  op,
		Priority:   priority,
		MaxRetries: maxRetries,
		Status:     StatusPending,
		EnqueuedAt: time.Now(),
	}
}

// Result aggregates the outcome of one batch invocation.
type Result struct {
	BatchID     string        `json:"batch_id"`
	API         string        `json:"api"`
	Total       int           `json:"total"`
	Completed   int           `json:"completed"`
	Failed      int           `json:"failed"`
	SuccessRate float64       `json:"success_rate"`
	Duration    time.Duration `json:"duration"`
	AvgDuration time.Duration `json:"avg_duration"`
	StartedAt   time.Time     `json:"started_at"`
	FinishedAt  time.Time     `json:"finished_at"`

	Requests []*Request `json:"-"`
}

// CumulativeStats tracks totals across every batch the scheduler ran.
type CumulativeStats struct {
	Batches       int           `json:"batches"`
	Requests      int           `json:"requests"`
	Completed     int           `json:"completed"`
	Failed        int           `json:"failed"`
	TotalDuration time.Duration `json:"total_duration"`
}

// Config represents batch scheduler configuration.
type Config struct {
	// MaxConcurrency bounds in-flight requests within a sub-batch.
	MaxConcurrency int `yaml:"max_concurrency"`

	// InterRequestDelay paces issuance: each request holds its
	// concurrency slot this long after finishing.
	InterRequestDelay time.Duration `yaml:"inter_request_delay"`

	// MaxBatchSize is the hard upper bound on sub-batch size.
	MaxBatchSize int `yaml:"max_batch_size"`

	// TargetDuration is the wall-clock budget one sub-batch should not
	// dominate; it drives the adaptive sub-batch size.
	TargetDuration time.Duration `yaml:"target_duration"`

	// PriorityOrdering sorts each sub-batch descending by priority.
	PriorityOrdering bool `yaml:"priority_ordering"`

	// CallRetries is the per-call retry budget handed to the rate
	// limiter for each request execution.
	CallRetries int `yaml:"call_retries"`
}

// DefaultConfig returns a sensible default scheduler configuration.
func DefaultConfig() Config {
	return Config{
		MaxConcurrency:    4,
		InterRequestDelay: 200 * time.Millisecond,
		MaxBatchSize:      50,
		TargetDuration:    30 * time.Second,
		PriorityOrdering:  true,
		CallRetries:       2,
	}
}

// Scheduler partitions request lists into sub-batches and drains them
// one sub-batch at a time under an admission gate. One Scheduler serves
// one process; the rate limiter is shared by reference.
type Scheduler struct {
	limiter *ratelimit.Limiter
	config  Config

	logger  *logging.Logger
	metrics types.MetricsRecorder

	mu         sync.Mutex
	history    []Result
	cumulative CumulativeStats

	sleep func(ctx context.Context, d time.Duration) error
}

// NewScheduler creates a scheduler bound to a rate limiter.
func NewScheduler(limiter *ratelimit.Limiter, config Config, logger *logging.Logger) *Scheduler {
	if config.MaxConcurrency <= 0 {
		config.MaxConcurrency = DefaultConfig().MaxConcurrency
	}
	if config.MaxBatchSize <= 0 {
		config.MaxBatchSize = DefaultConfig().MaxBatchSize
	}
	if config.TargetDuration <= 0 {
		config.TargetDuration = DefaultConfig().TargetDuration
	}
	if config.CallRetries < 0 {
		config.CallRetries = 0
	}
	if logger == nil {
		logger = logging.Nop()
	}

	return &Scheduler{
		limiter: limiter,
		config:  config,
		logger:  logger.With(logging.F("component", "batch")),
		metrics: types.NopMetrics{},
		sleep:   sleepContext,
	}
}

// SetMetrics attaches a metrics recorder.
func (s *Scheduler) SetMetrics(rec types.MetricsRecorder) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec != nil {
		s.metrics = rec
	}
}

// ProcessBatch runs every request against one API and always returns a
// completed Result: individual failures are recorded on their request
// and never abort the batch.
func (s *Scheduler) ProcessBatch(ctx context.Context, api string, requests []*Request) *Result {
	result := &Result{
		BatchID:   uuid.NewString(),
		API:       api,
		Total:     len(requests),
		StartedAt: time.Now(),
		Requests:  requests,
	}

	if len(requests) > 0 {
		subSize := s.subBatchSize(len(requests))
		s.logger.Info("processing batch",
			logging.F("batch_id", result.BatchID),
			logging.F("api", api),
			logging.F("requests", len(requests)),
			logging.F("sub_batch_size", subSize))

		for start := 0; start < len(requests); start += subSize {
			end := start + subSize
			if end > len(requests) {
				end = len(requests)
			}
			s.runSubBatch(ctx, api, requests[start:end])
		}
	}

	result.FinishedAt = time.Now()
	result.Duration = result.FinishedAt.Sub(result.StartedAt)

	var totalExec time.Duration
	for _, req := range requests {
		switch req.Status {
		case StatusCompleted:
			result.Completed++
		default:
			result.Failed++
		}
		if !req.FinishedAt.IsZero() && !req.StartedAt.IsZero() {
			totalExec += req.FinishedAt.Sub(req.StartedAt)
		}
		s.metrics.RecordBatchRequest(api, string(req.Status))
	}
	if result.Total > 0 {
		result.SuccessRate = float64(result.Completed) / float64(result.Total)
		result.AvgDuration = totalExec / time.Duration(result.Total)
	}
	s.metrics.RecordBatchDuration(api, result.Duration.Seconds())

	s.mu.Lock()
	s.history = append(s.history, *result)
	if len(s.history) > maxHistory {
		s.history = append(s.history[:0], s.history[len(s.history)-maxHistory:]...)
	}
	s.cumulative.Batches++
	s.cumulative.Requests += result.Total
	s.cumulative.Completed += result.Completed
	s.cumulative.Failed += result.Failed
	s.cumulative.TotalDuration += result.Duration
	s.mu.Unlock()

	s.logger.Info("batch finished",
		logging.F("batch_id", result.BatchID),
		logging.F("completed", result.Completed),
		logging.F("failed", result.Failed),
		logging.F("duration", result.Duration.String()))
	return result
}

// RetryFailed builds a fresh batch from the prior result's failed
// requests that still have retry budget, increments their retry
// counters, and processes it. Requests with no budget left stay failed.
func (s *Scheduler) RetryFailed(ctx context.Context, prior *Result) *Result {
	var retryable []*Request
	for _, req := range prior.Requests {
		if req.Status != StatusFailed {
			continue
		}
		if req.RetryCount >= req.MaxRetries {
			continue
		}
		req.RetryCount++
		req.Status = StatusRetrying
		req.Err = nil
		retryable = append(retryable, req)
	}

	for _, req := range retryable {
		req.Status = StatusPending
	}
	return s.ProcessBatch(ctx, prior.API, retryable)
}

// History returns a copy of the retained batch results, newest last.
func (s *Scheduler) History() []Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	history := make([]Result, len(s.history))
	copy(history, s.history)
	return history
}

// Cumulative returns totals across all processed batches.
func (s *Scheduler) Cumulative() CumulativeStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cumulative
}

// subBatchSize adapts the partition size to the request volume: small
// volumes get one large sub-batch, large volumes are split so that no
// sub-batch's estimated wall-clock time dominates the target duration.
func (s *Scheduler) subBatchSize(total int) int {
	// Estimated per-request slot time: the pacing delay plus a nominal
	// call time. The true call time is unknowable; the delay dominates
	// for any pacing worth configuring.
	est := s.config.InterRequestDelay + 250*time.Millisecond

	size := int(float64(s.config.MaxConcurrency) * float64(s.config.TargetDuration) / float64(est))
	if size > s.config.MaxBatchSize {
		size = s.config.MaxBatchSize
	}
	if size > total {
		size = total
	}
	if size < 1 {
		size = 1
	}
	return size
}

// runSubBatch drains one sub-batch fully before returning. Dispatch
// order follows the priority sort; completion order is unconstrained.
func (s *Scheduler) runSubBatch(ctx context.Context, api string, sub []*Request) {
	if s.config.PriorityOrdering {
		// Stable: equal priorities keep their original order.
		sort.SliceStable(sub, func(i, j int) bool {
			return sub[i].Priority > sub[j].Priority
		})
	}

	sem := semaphore.NewWeighted(int64(s.config.MaxConcurrency))
	var wg sync.WaitGroup

	for _, req := range sub {
		if err := sem.Acquire(ctx, 1); err != nil {
			req.Status = StatusFailed
			req.Err = err
			continue
		}

		wg.Add(1)
		go func(req *Request) {
			defer wg.Done()
			defer sem.Release(1)

			s.execute(ctx, api, req)

			// Hold the slot through the pacing delay so issuance stays
			// spread out even at high concurrency.
			if s.config.InterRequestDelay > 0 {
				_ = s.sleep(ctx, s.config.InterRequestDelay)
			}
		}(req)
	}

	wg.Wait()
}

func (s *Scheduler) execute(ctx context.Context, api string, req *Request) {
	req.Status = StatusRunning
	req.StartedAt = time.Now()

	result, err := s.limiter.ExecuteWithRetry(ctx, api, req.Operation, s.config.CallRetries)
	req.FinishedAt = time.Now()

	if err != nil {
		req.Status = StatusFailed
		req.Err = err
		s.logger.Warn("request failed",
			logging.F("request_id", req.ID),
			logging.F("api", api),
			logging.F("retry_count", req.RetryCount),
			logging.Err(err))
		return
	}

	req.Status = StatusCompleted
	req.Result = result
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
