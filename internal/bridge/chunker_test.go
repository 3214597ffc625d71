package bridge

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"callstream-pipeline/internal/models"
)

var testChunkerCfg = chunkerConfig{
	MinChunk:          100 * time.Millisecond,
	FirstChunkMin:     200 * time.Millisecond,
	MaxSendGap:        time.Second,
	MaxChunk:          2 * time.Second,
	StaleFlushCeiling: 3 * time.Second,
}

// pcmMs returns sampleRate-correct PCM16 bytes for a duration.
func pcmMs(ms int, sampleRate int) []byte {
	return make([]byte, ms*sampleRate/1000*models.BytesPerSample)
}

func TestChunkerFirstChunkNeedsLargerMinimum(t *testing.T) {
	now := time.Now()
	c := newChunker(testChunkerCfg, 8000, models.EncodingPCM16, now)

	// 120ms exceeds the steady-state minimum but not the first-chunk one.
	c.add(pcmMs(120, 8000), now)
	assert.False(t, c.ready(now))

	c.add(pcmMs(100, 8000), now)
	assert.True(t, c.ready(now))

	chunk := c.take(now)
	assert.Equal(t, len(pcmMs(220, 8000)), len(chunk))

	// After the first flush the steady-state minimum applies.
	c.add(pcmMs(120, 8000), now)
	assert.True(t, c.ready(now))
}

func TestChunkerMaxGapForcesSmallFlush(t *testing.T) {
	now := time.Now()
	c := newChunker(testChunkerCfg, 8000, models.EncodingPCM16, now)
	c.firstDone = true

	// 40ms buffered, below the minimum: not ready...
	c.add(pcmMs(40, 8000), now)
	assert.False(t, c.ready(now))

	// ...until the max send gap has elapsed since the last flush.
	later := now.Add(testChunkerCfg.MaxSendGap)
	assert.True(t, c.ready(later))
	assert.Equal(t, len(pcmMs(40, 8000)), len(c.take(later)))
}

func TestChunkerEmptyNeverReady(t *testing.T) {
	now := time.Now()
	c := newChunker(testChunkerCfg, 8000, models.EncodingPCM16, now)

	// Max gap elapsed with nothing buffered: nothing to flush.
	assert.False(t, c.ready(now.Add(10*time.Second)))
	assert.Nil(t, c.take(now))
}

func TestChunkerMaxChunkCapsTake(t *testing.T) {
	now := time.Now()
	c := newChunker(testChunkerCfg, 8000, models.EncodingPCM16, now)

	c.add(pcmMs(2500, 8000), now)
	require.True(t, c.ready(now))

	chunk := c.take(now)
	assert.Equal(t, len(pcmMs(2000, 8000)), len(chunk))

	// Remainder stays buffered for the next flush.
	assert.Equal(t, 500*time.Millisecond, c.buffered())
}

func TestChunkerStaleCeiling(t *testing.T) {
	now := time.Now()
	c := newChunker(testChunkerCfg, 8000, models.EncodingPCM16, now)
	c.firstDone = true

	// A tiny buffer that never met any threshold still flushes once it
	// has sat past the hard ceiling.
	c.add(pcmMs(10, 8000), now)
	c.lastFlush = now.Add(2500 * time.Millisecond) // keep the gap condition quiet
	stale := now.Add(testChunkerCfg.StaleFlushCeiling)
	assert.True(t, c.ready(stale))
}

func TestChunkerDurationAccounting(t *testing.T) {
	now := time.Now()
	c := newChunker(testChunkerCfg, 16000, models.EncodingPCM16, now)

	c.add(pcmMs(20, 16000), now)
	c.add(pcmMs(20, 16000), now)
	assert.Equal(t, 40*time.Millisecond, c.buffered())

	mu := newChunker(testChunkerCfg, 8000, models.EncodingMulaw, now)
	mu.add(make([]byte, 160), now) // mulaw: one byte per sample
	assert.Equal(t, 20*time.Millisecond, mu.buffered())
}
