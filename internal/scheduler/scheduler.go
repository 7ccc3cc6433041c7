// Package scheduler fires periodic ingestion runs.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/hvollmer/accesstrack/internal/collector"
)

// Scheduler triggers the runner on a fixed interval. Triggers that land
// while a run is in progress are dropped; the next tick simply tries again.
type Scheduler struct {
	cron   *cron.Cron
	runner *collector.Runner
	logger *zap.Logger
}

// New creates a scheduler around the runner.
func New(runner *collector.Runner, logger *zap.Logger) *Scheduler {
	return &Scheduler{
		cron:   cron.New(),
		runner: runner,
		logger: logger,
	}
}

// Start registers the interval job and begins ticking.
func (s *Scheduler) Start(ctx context.Context, interval time.Duration) error {
	spec := fmt.Sprintf("@every %s", interval)
	_, err := s.cron.AddFunc(spec, func() {
		if err := s.runner.Start(ctx); err != nil {
			if errors.Is(err, collector.ErrAlreadyRunning) {
				s.logger.Warn("Scheduled collection skipped, previous run still in progress")
				return
			}
			s.logger.Error("Scheduled collection failed to start", zap.Error(err))
		}
	})
	if err != nil {
		return fmt.Errorf("failed to schedule collection: %w", err)
	}

	s.cron.Start()
	s.logger.Info("Log collection scheduled", zap.Duration("interval", interval))
	return nil
}

// Stop halts scheduling and waits for a running job callback to return.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.logger.Info("Scheduler stopped")
}
