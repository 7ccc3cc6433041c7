package collector_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/hvollmer/accesstrack/internal/collector"
)

func newRunner(e *env) *collector.Runner {
	return collector.NewRunner(e.coll, collector.NewCoordinator(), zap.NewNop())
}

func TestCoordinatorTransitions(t *testing.T) {
	coord := collector.NewCoordinator()
	assert.Equal(t, collector.StatusIdle, coord.Status())

	assert.True(t, coord.Begin())
	assert.Equal(t, collector.StatusRunning, coord.Status())
	assert.False(t, coord.Begin(), "a running coordinator must reject Begin")

	coord.Set(collector.StatusFinished)
	assert.Equal(t, collector.StatusFinished, coord.Acknowledge())
	assert.Equal(t, collector.StatusIdle, coord.Status(), "terminal status resets on acknowledge")

	coord.Set(collector.StatusError)
	assert.Equal(t, collector.StatusError, coord.Acknowledge())
	assert.Equal(t, collector.StatusIdle, coord.Status())

	// Acknowledging idle or running changes nothing.
	assert.Equal(t, collector.StatusIdle, coord.Acknowledge())
	require.True(t, coord.Begin())
	assert.Equal(t, collector.StatusRunning, coord.Acknowledge())
	assert.Equal(t, collector.StatusRunning, coord.Status())
}

func TestRunnerRejectsConcurrentTrigger(t *testing.T) {
	e := newEnv(t, nil)
	writeFile(t, filepath.Join(e.dir, "proxy-host-1_access.log"),
		logLine(base, "203.0.113.5", "example.com", "/"),
	)
	// Hold the run open inside the store so the second trigger observes it.
	gate := make(chan struct{})
	e.store.maxGate = gate

	runner := newRunner(e)
	require.NoError(t, runner.Start(context.Background()))

	require.Eventually(t, func() bool {
		return runner.Status() == collector.StatusRunning
	}, time.Second, 5*time.Millisecond)

	err := runner.Start(context.Background())
	assert.ErrorIs(t, err, collector.ErrAlreadyRunning)
	assert.Equal(t, collector.StatusRunning, runner.Status(),
		"a rejected trigger must not alter the status")

	close(gate)
	require.Eventually(t, func() bool {
		return runner.Status() == collector.StatusFinished
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, e.store.count())

	// After completion a new trigger is accepted again.
	require.NoError(t, runner.Start(context.Background()))
	require.Eventually(t, func() bool {
		return runner.Status() == collector.StatusFinished
	}, 2*time.Second, 5*time.Millisecond)
}

func TestRunnerSetsErrorStatusOnFailedRun(t *testing.T) {
	e := newEnv(t, nil)
	writeFile(t, filepath.Join(e.dir, "proxy-host-1_access.log"),
		logLine(base, "203.0.113.5", "example.com", "/"),
	)
	e.store.appendErr = errors.New("database unreachable")

	runner := newRunner(e)
	require.NoError(t, runner.Start(context.Background()))

	require.Eventually(t, func() bool {
		return runner.Status() == collector.StatusError
	}, 2*time.Second, 5*time.Millisecond)

	assert.Equal(t, collector.StatusError, runner.AcknowledgeStatus())
	assert.Equal(t, collector.StatusIdle, runner.Status())
}
