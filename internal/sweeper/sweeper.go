// Package sweeper runs the periodic expiry sweeps across all cache tiers.
package sweeper

import (
	"context"
	"time"

	"github.com/go-co-op/gocron"

	"github.com/chartsense/chartsense/internal/cache"
	"github.com/chartsense/chartsense/pkg/logging"
)

// Config represents the sweep schedule.
type Config struct {
	Interval time.Duration `yaml:"interval"`
}

// Sweeper periodically fans a cleanup pass out to every tier through
// the orchestrator. Reads already purge lazily; the sweep bounds how
// long a never-read expired entry can occupy space.
type Sweeper struct {
	orchestrator *cache.Orchestrator
	cron         *gocron.Scheduler
	interval     time.Duration
	logger       *logging.Logger
}

// New creates a sweeper for the orchestrator.
func New(orchestrator *cache.Orchestrator, config *Config, logger *logging.Logger) *Sweeper {
	if config == nil {
		config = &Config{Interval: 10 * time.Minute}
	}
	if config.Interval <= 0 {
		config.Interval = 10 * time.Minute
	}
	if logger == nil {
		logger = logging.Nop()
	}

	return &Sweeper{
		orchestrator: orchestrator,
		cron:         gocron.NewScheduler(time.UTC),
		interval:     config.Interval,
		logger:       logger.With(logging.F("component", "sweeper")),
	}
}

// Start schedules the sweep and begins running it asynchronously.
func (s *Sweeper) Start() error {
	_, err := s.cron.Every(s.interval).Do(func() {
		s.RunOnce(context.Background())
	})
	if err != nil {
		return err
	}
	s.cron.StartAsync()
	s.logger.Info("sweeper started", logging.F("interval", s.interval.String()))
	return nil
}

// RunOnce performs a single cleanup pass and logs the per-tier counts.
func (s *Sweeper) RunOnce(ctx context.Context) map[string]int {
	counts := s.orchestrator.CleanupExpired(ctx)

	total := 0
	fields := make([]logging.Field, 0, len(counts)+1)
	for tier, count := range counts {
		total += count
		fields = append(fields, logging.F(tier, count))
	}
	if total > 0 {
		s.logger.Info("expired entries swept", fields...)
	}
	return counts
}

// Stop halts the schedule. Safe to call more than once.
func (s *Sweeper) Stop() {
	s.cron.Stop()
}
