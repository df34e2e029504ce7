package cache

import (
	"context"
	"time"

	"github.com/chartsense/chartsense/pkg/logging"
	"github.com/chartsense/chartsense/pkg/types"
)

// AnalysisTier is the durable, queryable cache of computed analysis
// artifacts. It delegates storage to an AnalysisStore collaborator and is
// best effort relative to the source of truth: store faults are logged
// and reported as a miss on read or a failed set on write.
type AnalysisTier struct {
	store      types.AnalysisStore
	defaultTTL time.Duration
	logger     *logging.Logger
	metrics    types.MetricsRecorder

	now func() time.Time
}

// AnalysisConfig represents persistent tier configuration.
type AnalysisConfig struct {
	DefaultTTL time.Duration `yaml:"default_ttl"`
}

// NewAnalysisTier creates a new persistent analysis tier over a store.
func NewAnalysisTier(store types.AnalysisStore, config *AnalysisConfig, logger *logging.Logger) *AnalysisTier {
	if config == nil {
		config = &AnalysisConfig{DefaultTTL: 24 * time.Hour}
	}
	if config.DefaultTTL <= 0 {
		config.DefaultTTL = 24 * time.Hour
	}
	if logger == nil {
		logger = logging.Nop()
	}

	return &AnalysisTier{
		store:      store,
		defaultTTL: config.DefaultTTL,
		logger:     logger.With(logging.F("tier", "analysis")),
		metrics:    types.NopMetrics{},
		now:        time.Now,
	}
}

// SetMetrics attaches a metrics recorder.
func (a *AnalysisTier) SetMetrics(rec types.MetricsRecorder) {
	if rec != nil {
		a.metrics = rec
	}
}

// GetAnalysis retrieves one analysis artifact. Parameter order in params
// never affects the lookup key.
func (a *AnalysisTier) GetAnalysis(ctx context.Context, analysisType, instrument, timeframe string, params map[string]string) ([]byte, bool) {
	key := AnalysisKey(analysisType, instrument, timeframe, params)
	return a.GetByKey(ctx, key)
}

// GetByKey retrieves an artifact by its precomputed fingerprint. Expired
// rows are lazily deleted on read.
func (a *AnalysisTier) GetByKey(ctx context.Context, key string) ([]byte, bool) {
	entry, err := a.store.FindByKey(ctx, key)
	if err != nil {
		a.logger.Warn("store read failed", logging.Err(err), logging.F("key", key))
		a.metrics.RecordCacheOp("analysis", "get", "error")
		return nil, false
	}
	if entry == nil {
		a.metrics.RecordCacheOp("analysis", "get", "miss")
		return nil, false
	}

	if entry.Expired(a.now()) {
		if _, err := a.store.DeleteExpired(ctx); err != nil {
			a.logger.Warn("lazy expiry delete failed", logging.Err(err))
		}
		a.metrics.RecordCacheOp("analysis", "get", "miss")
		return nil, false
	}

	a.metrics.RecordCacheOp("analysis", "get", "hit")
	return entry.Payload, true
}

// SetAnalysis stores one analysis artifact. A non-positive ttl selects
// the configured default. Returns false when the store rejected the write.
func (a *AnalysisTier) SetAnalysis(ctx context.Context, analysisType, instrument, timeframe string, params map[string]string, payload []byte, ttl time.Duration) bool {
	key := AnalysisKey(analysisType, instrument, timeframe, params)
	return a.SetByKey(ctx, key, analysisType, instrument, timeframe, payload, ttl)
}

// SetByKey stores an artifact under a precomputed fingerprint.
func (a *AnalysisTier) SetByKey(ctx context.Context, key, analysisType, instrument, timeframe string, payload []byte, ttl time.Duration) bool {
	if ttl <= 0 {
		ttl = a.defaultTTL
	}
	now := a.now()

	entry := &types.AnalysisEntry{
		Key:        key,
		Type:       analysisType,
		Instrument: instrument,
		Timeframe:  timeframe,
		Payload:    payload,
		CreatedAt:  now,
		ExpiresAt:  now.Add(ttl),
	}

	if err := a.store.Save(ctx, entry); err != nil {
		a.logger.Warn("store write failed", logging.Err(err), logging.F("key", key))
		a.metrics.RecordCacheOp("analysis", "set", "error")
		return false
	}

	a.metrics.RecordCacheOp("analysis", "set", "ok")
	return true
}

// Invalidate removes artifacts by type and/or instrument. An empty type
// with a non-empty instrument removes everything for that instrument; an
// empty instrument with a non-empty type removes the whole type. Both
// empty removes every artifact. Returns the number of rows removed.
func (a *AnalysisTier) Invalidate(ctx context.Context, analysisType, instrument string) int {
	var (
		count int
		err   error
	)
	switch {
	case analysisType != "":
		count, err = a.store.DeleteByType(ctx, analysisType, instrument)
	case instrument != "":
		count, err = a.store.DeleteByInstrument(ctx, instrument)
	default:
		count, err = a.store.DeleteAll(ctx)
	}
	if err != nil {
		a.logger.Warn("invalidate failed", logging.Err(err),
			logging.F("type", analysisType), logging.F("instrument", instrument))
		return 0
	}
	return count
}

// CleanupExpired removes expired rows and returns how many were removed.
func (a *AnalysisTier) CleanupExpired(ctx context.Context) int {
	count, err := a.store.DeleteExpired(ctx)
	if err != nil {
		a.logger.Warn("cleanup failed", logging.Err(err))
		return 0
	}
	return count
}

// IsFresh reports whether an artifact of the given type exists for the
// instrument and was computed within maxAge.
func (a *AnalysisTier) IsFresh(ctx context.Context, analysisType, instrument string, maxAge time.Duration) bool {
	key := AnalysisKey(analysisType, instrument, "", nil)
	entry, err := a.store.FindByKey(ctx, key)
	if err != nil {
		a.logger.Warn("freshness check failed", logging.Err(err))
		return false
	}
	if entry == nil || entry.Expired(a.now()) {
		return false
	}
	return a.now().Sub(entry.CreatedAt) <= maxAge
}

// Statistics returns the store's statistics mapping.
func (a *AnalysisTier) Statistics(ctx context.Context) map[string]interface{} {
	stats, err := a.store.Statistics(ctx)
	if err != nil {
		a.logger.Warn("statistics failed", logging.Err(err))
		return map[string]interface{}{}
	}
	return stats
}
