package play

import (
	"sync"
	"time"
)

// Clock is the playback clock frames are paced against: microseconds of
// wall time since the clock started, plus a seek offset. Seeking only
// affects future pacing decisions.
type Clock struct {
	mu     sync.Mutex
	start  time.Time
	offset time.Duration
}

// NewClock returns a clock whose zero point is now.
func NewClock() *Clock {
	return &Clock{start: time.Now()}
}

// Now returns the current playback position in microseconds. A seek that
// moved the position below zero reads as zero.
func (c *Clock) Now() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	pos := time.Since(c.start) + c.offset
	if pos < 0 {
		return 0
	}
	return uint64(pos.Microseconds())
}

// Seek shifts the playback position by delta. A negative delta makes
// upcoming frames appear early, so pacing waits longer before presenting
// them.
func (c *Clock) Seek(delta time.Duration) {
	c.mu.Lock()
	c.offset += delta
	c.mu.Unlock()
}
