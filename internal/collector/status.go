package collector

import "sync"

// Status is the process-wide state of log collection.
type Status string

const (
	StatusIdle     Status = "idle"
	StatusRunning  Status = "running"
	StatusFinished Status = "finished"
	StatusError    Status = "error"
)

// Coordinator owns the run status behind a lock. It is injected into both
// the scheduler and the on-demand trigger handler so neither reads ambient
// global state.
type Coordinator struct {
	mu     sync.Mutex
	status Status
}

// NewCoordinator starts out idle.
func NewCoordinator() *Coordinator {
	return &Coordinator{status: StatusIdle}
}

// Status returns the current status.
func (c *Coordinator) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Set records a new status.
func (c *Coordinator) Set(s Status) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.status = s
}

// Begin transitions to running and reports whether it won. A trigger that
// loses is rejected, never queued.
func (c *Coordinator) Begin() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.status == StatusRunning {
		return false
	}
	c.status = StatusRunning
	return true
}

// Acknowledge returns the current status and, if it is terminal
// (finished/error), resets it to idle so status polling sees each outcome
// exactly once.
func (c *Coordinator) Acknowledge() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.status
	if s == StatusFinished || s == StatusError {
		c.status = StatusIdle
	}
	return s
}
