package gateway

import (
	"sync"
	"time"

	"callstream-pipeline/internal/models"
)

// fallbackBuffer is a per-call ring of frames awaiting republication,
// bounded by total audio duration rather than frame count. Oldest
// frames are evicted first so the most recent audio survives an outage.
type fallbackBuffer struct {
	maxDuration time.Duration

	mu           sync.Mutex
	frames       []models.AudioFrame
	totalMs      int64
	lastActivity time.Time
}

// Append adds a frame, evicting from the front until the duration cap
// holds. Returns the number of evicted frames.
func (b *fallbackBuffer) Append(f models.AudioFrame) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.frames = append(b.frames, f)
	b.totalMs += f.DurationMs()
	b.lastActivity = time.Now()

	dropped := 0
	capMs := b.maxDuration.Milliseconds()
	for b.totalMs > capMs && len(b.frames) > 1 {
		b.totalMs -= b.frames[0].DurationMs()
		b.frames = b.frames[1:]
		dropped++
	}
	return dropped
}

// Peek returns the oldest frame without removing it.
func (b *fallbackBuffer) Peek() (models.AudioFrame, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.frames) == 0 {
		return models.AudioFrame{}, false
	}
	return b.frames[0], true
}

// Pop removes the oldest frame.
func (b *fallbackBuffer) Pop() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.frames) == 0 {
		return
	}
	b.totalMs -= b.frames[0].DurationMs()
	b.frames = b.frames[1:]
}

// Len reports the number of buffered frames.
func (b *fallbackBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.frames)
}

// DurationMs reports the total buffered audio duration.
func (b *fallbackBuffer) DurationMs() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.totalMs
}

// LastActivity reports when the buffer last accepted a frame.
func (b *fallbackBuffer) LastActivity() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastActivity
}
