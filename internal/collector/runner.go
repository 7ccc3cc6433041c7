package collector

import (
	"context"
	"errors"

	"go.uber.org/zap"
)

// ErrAlreadyRunning is returned when a trigger arrives while a run is in
// progress.
var ErrAlreadyRunning = errors.New("log collection is already running")

// Runner gates Collector invocations through the status coordinator: at most
// one run executes at a time, and rejected triggers return immediately.
type Runner struct {
	collector *Collector
	coord     *Coordinator
	logger    *zap.Logger
}

// NewRunner wires a collector to its coordinator.
func NewRunner(c *Collector, coord *Coordinator, logger *zap.Logger) *Runner {
	return &Runner{collector: c, coord: coord, logger: logger}
}

// Start launches one collection run in the background. When a run is already
// in progress it returns ErrAlreadyRunning without starting anything and
// without changing the status.
func (r *Runner) Start(ctx context.Context) error {
	if !r.coord.Begin() {
		r.logger.Warn("Log collection is already running, skipping trigger")
		return ErrAlreadyRunning
	}
	go r.execute(ctx)
	return nil
}

func (r *Runner) execute(ctx context.Context) {
	report, err := r.collector.Run(ctx)
	if err != nil {
		r.logger.Error("Log collection failed", zap.Error(err))
		r.coord.Set(StatusError)
		return
	}
	r.logger.Info("Log collection finished",
		zap.Int("new_entries", report.Inserted),
		zap.Int("files", len(report.Files)))
	r.coord.Set(StatusFinished)
}

// Status returns the coordinator's current status.
func (r *Runner) Status() Status {
	return r.coord.Status()
}

// AcknowledgeStatus returns the current status, resetting a terminal one to
// idle.
func (r *Runner) AcknowledgeStatus() Status {
	return r.coord.Acknowledge()
}
