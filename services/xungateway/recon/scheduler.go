package recon

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// Cycler runs a single reconciliation cycle.
type Cycler interface {
	RunCycle(ctx context.Context) (*Result, error)
}

// SchedulerConfig configures the periodic reconciliation trigger.
type SchedulerConfig struct {
	Engine     Cycler
	Interval   time.Duration
	RunOnStart bool
	Logger     *slog.Logger
}

// Scheduler triggers reconciliation on a fixed interval.
type Scheduler struct {
	engine     Cycler
	interval   time.Duration
	runOnStart bool
	logger     *slog.Logger
}

// NewScheduler constructs a scheduler with sane defaults.
func NewScheduler(cfg SchedulerConfig) *Scheduler {
	interval := cfg.Interval
	if interval <= 0 {
		interval = 2 * time.Minute
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		engine:     cfg.Engine,
		interval:   interval,
		runOnStart: cfg.RunOnStart,
		logger:     logger,
	}
}

// Start runs the scheduling loop until the context is cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	if s == nil || s.engine == nil {
		return
	}
	if s.runOnStart {
		s.tick(ctx)
	}
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	if _, err := s.engine.RunCycle(ctx); err != nil {
		if errors.Is(err, ErrCycleInProgress) {
			s.logger.DebugContext(ctx, "reconciliation skipped, cycle in progress")
			return
		}
		if ctx.Err() != nil {
			return
		}
		s.logger.ErrorContext(ctx, "scheduled reconciliation failed", slog.String("error", err.Error()))
	}
}
