package trace

import (
	"sync"
	"time"
)

// Clock provides timestamps for trace events and signatures. The kernel
// never reads wall-clock time directly; tests inject a virtual clock.
type Clock interface {
	Now() time.Time
}

// ClockFunc adapts a function to Clock.
type ClockFunc func() time.Time

// Now implements Clock.
func (f ClockFunc) Now() time.Time { return f() }

// SystemClock reads wall-clock time in UTC.
type SystemClock struct{}

// Now implements Clock.
func (SystemClock) Now() time.Time { return time.Now().UTC() }

// VirtualClock is a deterministic clock that advances by a fixed step on
// every reading.
type VirtualClock struct {
	mu   sync.Mutex
	now  time.Time
	step time.Duration
}

// NewVirtualClock returns a clock starting at start.
func NewVirtualClock(start time.Time, step time.Duration) *VirtualClock {
	return &VirtualClock{now: start.UTC(), step: step}
}

// Now returns the current virtual time and then advances it.
func (c *VirtualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := c.now
	c.now = c.now.Add(c.step)
	return t
}
