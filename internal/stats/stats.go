package stats

import (
	"fmt"
	"sync"
)

// Counter tracks how many sessions are currently running and how many have
// finished in each terminal state. All workers share one Counter; the stats
// ticker reads it concurrently.
type Counter struct {
	mu     sync.Mutex
	run    int
	done   int
	failed int
}

// New creates an empty counter.
func New() *Counter {
	return &Counter{}
}

// Running records a session entering the run state.
func (c *Counter) Running() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.run++
}

// Done records a running session completing cleanly.
func (c *Counter) Done() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.run > 0 {
		c.run--
	}
	c.done++
}

// Failed records a session failing. Sessions that fail before reaching the
// run state (for example during login) are counted without decrementing run.
func (c *Counter) Failed() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.run > 0 {
		c.run--
	}
	c.failed++
}

// Snapshot returns the current counts.
func (c *Counter) Snapshot() (run, failed, done int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.run, c.failed, c.done
}

// String renders the progress line emitted by the stats ticker.
func (c *Counter) String() string {
	run, failed, done := c.Snapshot()
	return fmt.Sprintf("Running: %d, Failed: %d, Done: %d", run, failed, done)
}
