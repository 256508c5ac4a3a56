// Package backpressure implements a sticky three-state admission
// controller over queue depth, shaped after a circuit breaker: once
// pressured or rejecting, the controller requires depth to fall back
// below the low watermark before it returns to accepting, rather than
// flapping state on every sample that crosses a threshold.
package backpressure

import "sync"

// State is the controller's current admission posture.
type State string

const (
	Accepting State = "accepting"
	Pressured State = "pressured"
	Rejecting State = "rejecting"
)

// Thresholds configures the three watermarks. LowWater must be < HighWater
// < MaxDepth.
type Thresholds struct {
	LowWater  int
	HighWater int
	MaxDepth  int
}

// Controller tracks admission state across successive depth samples.
type Controller struct {
	mu    sync.Mutex
	th    Thresholds
	state State
}

// New builds a Controller starting in the Accepting state.
func New(th Thresholds) *Controller {
	return &Controller{th: th, state: Accepting}
}

// Sample feeds the controller a fresh queue depth reading and returns the
// resulting state. Rejecting falls back to Pressured as soon as depth is
// under MaxDepth, and reaches Accepting only under LowWater; Pressured is
// sticky the same way, returning to Accepting only under LowWater.
func (c *Controller) Sample(depth int) State {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case Accepting:
		if depth >= c.th.MaxDepth {
			c.state = Rejecting
		} else if depth >= c.th.HighWater {
			c.state = Pressured
		}
	case Pressured:
		if depth >= c.th.MaxDepth {
			c.state = Rejecting
		} else if depth < c.th.LowWater {
			c.state = Accepting
		}
	case Rejecting:
		if depth < c.th.LowWater {
			c.state = Accepting
		} else if depth < c.th.MaxDepth {
			c.state = Pressured
		}
	}
	return c.state
}

// State returns the controller's current state without sampling.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Admit reports whether a new item should be accepted into the queue at
// the controller's current state. Pressured still admits — it is a
// signal for callers to start shedding low-priority work, not a hard
// stop — only Rejecting refuses outright.
func (c *Controller) Admit() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state != Rejecting
}
