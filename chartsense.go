// Package chartsense assembles the caching and batch-access subsystem
// from configuration. The wider system constructs one System per
// process and reaches the tiers, limiter, and scheduler through it.
package chartsense

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/chartsense/chartsense/internal/batch"
	"github.com/chartsense/chartsense/internal/cache"
	"github.com/chartsense/chartsense/internal/config"
	"github.com/chartsense/chartsense/internal/metrics"
	"github.com/chartsense/chartsense/internal/ratelimit"
	"github.com/chartsense/chartsense/internal/storage/s3"
	"github.com/chartsense/chartsense/internal/storage/sqlite"
	"github.com/chartsense/chartsense/internal/sweeper"
	"github.com/chartsense/chartsense/pkg/logging"
	"github.com/chartsense/chartsense/pkg/types"
)

// System is the assembled subsystem.
type System struct {
	Cache     *cache.Orchestrator
	Limiter   *ratelimit.Limiter
	Scheduler *batch.Scheduler
	Metrics   *metrics.Collector
	Sweeper   *sweeper.Sweeper

	logger *logging.Logger
	store  interface{ Close() error }
}

// New builds the subsystem from configuration.
func New(ctx context.Context, cfg *config.Configuration, logger *logging.Logger) (*System, error) {
	if cfg == nil {
		cfg = config.NewDefault()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if logger == nil {
		level, err := logging.ParseLevel(cfg.Logging.Level)
		if err != nil {
			return nil, err
		}
		format := logging.FormatText
		if strings.EqualFold(cfg.Logging.Format, "json") {
			format = logging.FormatJSON
		}
		logger = logging.New(&logging.Config{Level: level, Format: format})
	}

	collector := metrics.NewCollector(&metrics.Config{
		Enabled: cfg.Metrics.Enabled,
		Port:    cfg.Metrics.Port,
		Path:    cfg.Metrics.Path,
	}, logger)

	memory := cache.NewMemoryTier(&cache.MemoryConfig{
		MaxEntries: cfg.Memory.MaxEntries,
		TTL:        cfg.Memory.TTL,
	}, logger)
	memory.SetMetrics(collector)

	disk, err := cache.NewDiskTier(&cache.DiskConfig{
		Directory:   cfg.Disk.Directory,
		MaxSize:     cfg.DiskMaxSizeBytes(),
		TTL:         cfg.Disk.TTL,
		Compression: cfg.Disk.Compression,
	}, logger)
	if err != nil {
		return nil, err
	}
	disk.SetMetrics(collector)

	sys := &System{Metrics: collector, logger: logger}

	var analysis *cache.AnalysisTier
	if cfg.Persistent.Enabled {
		store, closer, err := newAnalysisStore(ctx, cfg)
		if err != nil {
			return nil, err
		}
		sys.store = closer
		analysis = cache.NewAnalysisTier(store, &cache.AnalysisConfig{
			DefaultTTL: cfg.Persistent.DefaultTTL,
		}, logger)
		analysis.SetMetrics(collector)
	}

	sys.Cache = cache.NewOrchestrator(memory, disk, analysis, logger)

	sys.Limiter = ratelimit.NewLimiter(ratelimit.BackoffPolicy{
		Base:       cfg.RateLimit.BackoffBase,
		Multiplier: cfg.RateLimit.BackoffMultiplier,
		Cap:        cfg.RateLimit.BackoffCap,
	}, logger)
	sys.Limiter.SetMetrics(collector)
	sys.Limiter.SetDefaultRetries(cfg.RateLimit.MaxRetries)
	for api, limits := range cfg.RateLimit.APIs {
		sys.Limiter.Register(api, ratelimit.Limits{
			CallsPerMinute: limits.CallsPerMinute,
			CallsPerHour:   limits.CallsPerHour,
			CallsPerDay:    limits.CallsPerDay,
		})
	}

	sys.Scheduler = batch.NewScheduler(sys.Limiter, batch.Config{
		MaxConcurrency:    cfg.Batch.MaxConcurrency,
		InterRequestDelay: cfg.Batch.InterRequestDelay,
		MaxBatchSize:      cfg.Batch.MaxBatchSize,
		TargetDuration:    cfg.Batch.TargetDuration,
		PriorityOrdering:  cfg.Batch.PriorityOrdering,
		CallRetries:       cfg.Batch.CallRetries,
	}, logger)
	sys.Scheduler.SetMetrics(collector)

	if cfg.Sweeper.Enabled {
		sys.Sweeper = sweeper.New(sys.Cache, &sweeper.Config{
			Interval: cfg.Sweeper.Interval,
		}, logger)
	}

	return sys, nil
}

// Start launches the background pieces: the metrics endpoint and the
// expiry sweeper.
func (s *System) Start() error {
	if err := s.Metrics.Start(); err != nil {
		return err
	}
	if s.Sweeper != nil {
		if err := s.Sweeper.Start(); err != nil {
			return err
		}
	}
	return nil
}

// Stop shuts the background pieces down and closes the analysis store.
func (s *System) Stop(ctx context.Context) error {
	if s.Sweeper != nil {
		s.Sweeper.Stop()
	}
	stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := s.Metrics.Stop(stopCtx); err != nil {
		return err
	}
	if s.store != nil {
		return s.store.Close()
	}
	return nil
}

func newAnalysisStore(ctx context.Context, cfg *config.Configuration) (types.AnalysisStore, interface{ Close() error }, error) {
	switch cfg.Persistent.Backend {
	case "sqlite":
		store, err := sqlite.Open(cfg.Persistent.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		return store, store, nil
	case "s3":
		store, err := s3.New(ctx, &s3.Config{
			Bucket:         cfg.Persistent.S3.Bucket,
			Prefix:         cfg.Persistent.S3.Prefix,
			Region:         cfg.Persistent.S3.Region,
			Endpoint:       cfg.Persistent.S3.Endpoint,
			AccessKey:      cfg.Persistent.S3.AccessKey,
			SecretKey:      cfg.Persistent.S3.SecretKey,
			ForcePathStyle: cfg.Persistent.S3.ForcePathStyle,
		})
		if err != nil {
			return nil, nil, err
		}
		return store, nil, nil
	default:
		return nil, nil, fmt.Errorf("unknown persistent backend: %s", cfg.Persistent.Backend)
	}
}
