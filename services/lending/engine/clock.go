package engine

import (
	"sync"
	"time"
)

// Clock reports the current pool block height.
type Clock interface {
	Height() uint64
}

// WallClock derives the height from elapsed wall time since Genesis, one
// block per BlockTime.
type WallClock struct {
	Genesis   time.Time
	BlockTime time.Duration
	Now       func() time.Time
}

// Height implements Clock.
func (c WallClock) Height() uint64 {
	now := time.Now
	if c.Now != nil {
		now = c.Now
	}
	if c.BlockTime <= 0 || c.Genesis.IsZero() {
		return 0
	}
	elapsed := now().Sub(c.Genesis)
	if elapsed <= 0 {
		return 0
	}
	return uint64(elapsed / c.BlockTime)
}

// ManualClock is advanced explicitly. Tests and dev networks use it to step
// through interest accrual.
type ManualClock struct {
	mu     sync.Mutex
	height uint64
}

// NewManualClock starts a clock at height.
func NewManualClock(height uint64) *ManualClock {
	return &ManualClock{height: height}
}

// Height implements Clock.
func (c *ManualClock) Height() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.height
}

// Set moves the clock to height.
func (c *ManualClock) Set(height uint64) {
	c.mu.Lock()
	c.height = height
	c.mu.Unlock()
}

// Advance moves the clock forward by n blocks and returns the new height.
func (c *ManualClock) Advance(n uint64) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.height += n
	return c.height
}
