// Package countdown steps the hold-still countdown toward a capture.
package countdown

import (
	"log/slog"
	"sync"

	"github.com/klyondx/facial-recognition-motion-detection-prototype/internal/types"
)

// DefaultSteps is the number of sustained one-face ticks before a capture
const DefaultSteps = 3

// Outcome is the result of one countdown tick
type Outcome int

const (
	// Frozen means no motion: the counter neither advances nor resets
	Frozen Outcome = iota
	// Reset means the counter went back to zero
	Reset
	// Advanced means the counter moved one step towards capture
	Advanced
	// Captured means the caller must commit a capture and schedule Settle
	Captured
)

// String returns the outcome name
func (o Outcome) String() string {
	switch o {
	case Frozen:
		return "frozen"
	case Reset:
		return "reset"
	case Advanced:
		return "advanced"
	case Captured:
		return "captured"
	default:
		return "unknown"
	}
}

// Stats contains controller counters
type Stats struct {
	Counter   int
	Capturing bool
	Captures  uint64
	Resets    uint64
}

// Controller owns the countdown counter and the capturing flag
type Controller struct {
	steps int

	mu        sync.Mutex
	counter   int
	capturing bool
	captures  uint64
	resets    uint64
}

// NewController creates a controller that captures on the steps-th sustained
// one-face tick. steps < 1 selects DefaultSteps.
func NewController(steps int) *Controller {
	if steps < 1 {
		steps = DefaultSteps
	}
	return &Controller{steps: steps}
}

// Tick evaluates one countdown step
func (c *Controller) Tick(motion bool, scene types.SceneState) Outcome {
	c.mu.Lock()
	defer c.mu.Unlock()

	// Without motion the countdown holds its value; it never times out.
	if !motion {
		return Frozen
	}

	// A committed capture only ends through Settle.
	if c.capturing || scene != types.SceneOneFace {
		c.reset()
		return Reset
	}

	if c.counter < c.steps-1 {
		c.counter++
		slog.Debug("countdown: advanced", "counter", c.counter, "steps", c.steps)
		return Advanced
	}

	c.capturing = true
	c.captures++
	slog.Info("countdown: capture committed", "captures", c.captures)
	return Captured
}

// Settle ends the capture window: counter back to zero, capturing cleared
func (c *Controller) Settle() {
	c.mu.Lock()
	c.counter = 0
	c.capturing = false
	c.mu.Unlock()
}

// Counter returns the current counter value
func (c *Controller) Counter() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counter
}

// Capturing reports whether a capture is committed and not yet settled
func (c *Controller) Capturing() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.capturing
}

// Steps returns the configured number of steps
func (c *Controller) Steps() int {
	return c.steps
}

// Stats returns a snapshot of the controller state
func (c *Controller) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Counter:   c.counter,
		Capturing: c.capturing,
		Captures:  c.captures,
		Resets:    c.resets,
	}
}

func (c *Controller) reset() {
	if c.counter != 0 {
		c.resets++
	}
	c.counter = 0
}
