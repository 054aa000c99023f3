package common

import "sync/atomic"

// Clock supplies the discrete block index all accrual math is keyed on. The
// surrounding platform serializes operations, so implementations only need to
// be monotonic, never synchronized with wall time.
type Clock interface {
	Height() uint64
}

// ManualClock is a Clock advanced explicitly by the host (or by tests).
type ManualClock struct {
	height atomic.Uint64
}

func NewManualClock(height uint64) *ManualClock {
	c := &ManualClock{}
	c.height.Store(height)
	return c
}

func (c *ManualClock) Height() uint64 {
	if c == nil {
		return 0
	}
	return c.height.Load()
}

// Advance moves the clock forward by delta blocks and returns the new height.
func (c *ManualClock) Advance(delta uint64) uint64 {
	return c.height.Add(delta)
}

// SetHeight jumps directly to the supplied height. Heights never move
// backwards; lower values are ignored.
func (c *ManualClock) SetHeight(height uint64) {
	for {
		current := c.height.Load()
		if height <= current {
			return
		}
		if c.height.CompareAndSwap(current, height) {
			return
		}
	}
}
