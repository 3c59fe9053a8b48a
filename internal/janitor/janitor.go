// Package janitor prunes old finished runs from the history store on a
// schedule.
package janitor

import (
	"context"
	"fmt"
	"time"

	"github.com/go-co-op/gocron"
	"go.uber.org/zap"

	"github.com/jobwatch-dev/jobwatch/internal/clock"
	"github.com/jobwatch-dev/jobwatch/internal/store"
)

// Config controls retention.
type Config struct {
	// Retention is how long finished runs are kept.
	Retention time.Duration
	// Interval is how often the prune job fires.
	Interval time.Duration
	Clock    clock.Clock
	Logger   *zap.Logger
}

// Janitor runs the retention sweep.
type Janitor struct {
	history   store.HistoryRepository
	retention time.Duration
	interval  time.Duration
	clock     clock.Clock
	logger    *zap.Logger
	scheduler *gocron.Scheduler
}

// New builds a Janitor. Retention and interval must be positive.
func New(history store.HistoryRepository, cfg Config) (*Janitor, error) {
	if cfg.Retention <= 0 {
		return nil, fmt.Errorf("retention must be positive, got %s", cfg.Retention)
	}
	if cfg.Interval <= 0 {
		return nil, fmt.Errorf("interval must be positive, got %s", cfg.Interval)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.System{}
	}
	return &Janitor{
		history:   history,
		retention: cfg.Retention,
		interval:  cfg.Interval,
		clock:     clk,
		logger:    logger,
		scheduler: gocron.NewScheduler(time.UTC),
	}, nil
}

// Start schedules the sweep and returns immediately.
func (j *Janitor) Start() error {
	if _, err := j.scheduler.Every(j.interval).Do(j.Sweep); err != nil {
		return fmt.Errorf("schedule prune: %w", err)
	}
	j.scheduler.StartAsync()
	j.logger.Info("janitor started",
		zap.Duration("retention", j.retention),
		zap.Duration("interval", j.interval),
	)
	return nil
}

// Stop halts the scheduler. A sweep in flight finishes first.
func (j *Janitor) Stop() {
	j.scheduler.Stop()
}

// Sweep deletes finished runs older than the retention window.
func (j *Janitor) Sweep() {
	cutoff := j.clock.Now().Add(-j.retention)
	n, err := j.history.Prune(context.Background(), cutoff)
	if err != nil {
		j.logger.Error("history prune failed", zap.Error(err))
		return
	}
	if n > 0 {
		j.logger.Info("history pruned", zap.Int64("deleted", n), zap.Time("cutoff", cutoff))
	}
}
