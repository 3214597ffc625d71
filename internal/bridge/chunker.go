package bridge

import (
	"time"

	"callstream-pipeline/internal/models"
)

// chunkerConfig holds the timing thresholds for audio aggregation. All
// values come from validated configuration.
type chunkerConfig struct {
	// MinChunk is the smallest duration flushed in steady state.
	MinChunk time.Duration
	// FirstChunkMin replaces MinChunk before a call's first flush, so
	// the provider's first response has enough speech to work with.
	FirstChunkMin time.Duration
	// MaxSendGap forces a flush of whatever is buffered once this long
	// has passed since the previous flush. This is what keeps slow,
	// irregular frame arrival from tripping provider idle timeouts.
	MaxSendGap time.Duration
	// MaxChunk caps a single flush.
	MaxChunk time.Duration
	// StaleFlushCeiling force-flushes a buffer that has sat unflushed
	// past this hard ceiling, regardless of any other condition.
	StaleFlushCeiling time.Duration
}

// chunker accumulates per-call audio and decides when a chunk is ready
// for the provider. It is owned by a single call task; no locking.
type chunker struct {
	cfg        chunkerConfig
	sampleRate int
	encoding   string

	buf       []byte
	startedAt time.Time // first append since the last flush
	lastFlush time.Time
	firstDone bool
}

func newChunker(cfg chunkerConfig, sampleRate int, encoding string, now time.Time) *chunker {
	return &chunker{
		cfg:        cfg,
		sampleRate: sampleRate,
		encoding:   encoding,
		lastFlush:  now,
	}
}

// add appends one frame's payload.
func (c *chunker) add(payload []byte, now time.Time) {
	if len(payload) == 0 {
		return
	}
	if len(c.buf) == 0 {
		c.startedAt = now
	}
	c.buf = append(c.buf, payload...)
}

// buffered reports the duration of accumulated audio.
func (c *chunker) buffered() time.Duration {
	return c.duration(len(c.buf))
}

func (c *chunker) duration(bytes int) time.Duration {
	if c.sampleRate <= 0 {
		return 0
	}
	samples := bytes
	if c.encoding == models.EncodingPCM16 || c.encoding == "" {
		samples /= models.BytesPerSample
	}
	return time.Duration(samples) * time.Second / time.Duration(c.sampleRate)
}

func (c *chunker) bytesFor(d time.Duration) int {
	bytes := int(d * time.Duration(c.sampleRate) / time.Second)
	if c.encoding == models.EncodingPCM16 || c.encoding == "" {
		bytes *= models.BytesPerSample
	}
	return bytes
}

// ready reports whether a chunk should be flushed now. The conditions,
// in priority order: stale ceiling exceeded, minimum duration reached
// (larger minimum before the first flush), max send gap elapsed with
// anything buffered, max chunk size reached.
func (c *chunker) ready(now time.Time) bool {
	if len(c.buf) == 0 {
		return false
	}
	if now.Sub(c.startedAt) >= c.cfg.StaleFlushCeiling {
		return true
	}
	min := c.cfg.MinChunk
	if !c.firstDone {
		min = c.cfg.FirstChunkMin
	}
	dur := c.buffered()
	if dur >= min {
		return true
	}
	if now.Sub(c.lastFlush) >= c.cfg.MaxSendGap {
		return true
	}
	return dur >= c.cfg.MaxChunk
}

// take removes and returns up to MaxChunk of buffered audio. Callers
// must have checked ready.
func (c *chunker) take(now time.Time) []byte {
	if len(c.buf) == 0 {
		return nil
	}
	n := len(c.buf)
	if maxBytes := c.bytesFor(c.cfg.MaxChunk); n > maxBytes {
		n = maxBytes
		// PCM16 chunks must not split a sample.
		if (c.encoding == models.EncodingPCM16 || c.encoding == "") && n%models.BytesPerSample != 0 {
			n--
		}
	}
	chunk := make([]byte, n)
	copy(chunk, c.buf[:n])
	c.buf = c.buf[n:]
	if len(c.buf) == 0 {
		c.buf = nil
	} else {
		c.startedAt = now
	}
	c.lastFlush = now
	c.firstDone = true
	return chunk
}

// sinceLastFlush reports the elapsed time since the previous flush.
func (c *chunker) sinceLastFlush(now time.Time) time.Duration {
	return now.Sub(c.lastFlush)
}
