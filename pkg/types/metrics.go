package types

// MetricsRecorder receives cache, rate-limit, and batch events for export.
// internal/metrics provides the Prometheus-backed implementation; NopMetrics
// keeps the hot paths allocation-free when metrics are disabled.
type MetricsRecorder interface {
	RecordCacheOp(tier, op, outcome string)
	RecordTierUsage(tier string, entries int, bytes int64)
	RecordRateLimitWait(api string, seconds float64)
	RecordRateLimitDeferred(api string)
	RecordBatchRequest(api, status string)
	RecordBatchDuration(api string, seconds float64)
}

// NopMetrics is a MetricsRecorder that discards everything.
type NopMetrics struct{}

func (NopMetrics) RecordCacheOp(tier, op, outcome string)             {}
func (NopMetrics) RecordTierUsage(tier string, entries int, b int64)  {}
func (NopMetrics) RecordRateLimitWait(api string, seconds float64)    {}
func (NopMetrics) RecordRateLimitDeferred(api string)                 {}
func (NopMetrics) RecordBatchRequest(api, status string)              {}
func (NopMetrics) RecordBatchDuration(api string, seconds float64)    {}
