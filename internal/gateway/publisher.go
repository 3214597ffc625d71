package gateway

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"callstream-pipeline/internal/bus"
	"callstream-pipeline/internal/models"
	"callstream-pipeline/internal/observability/metrics"
)

// Publisher pushes frames and call events onto the bus. When a publish
// fails it diverts the frame into a per-call ring buffer bounded by
// audio duration, and a background loop retries until the bus recovers
// or the call goes idle.
type Publisher struct {
	bus     bus.Bus
	logger  zerolog.Logger
	metrics *metrics.Metrics

	fallbackBuffer time.Duration
	flushInterval  time.Duration
	idleTimeout    time.Duration

	mu      sync.Mutex
	buffers map[string]*fallbackBuffer
}

// NewPublisher creates a Publisher. Run must be started for fallback
// recovery to happen.
func NewPublisher(b bus.Bus, fallbackDuration, flushInterval, idleTimeout time.Duration, logger zerolog.Logger) *Publisher {
	return &Publisher{
		bus:            b,
		logger:         logger.With().Str("component", "publisher").Logger(),
		metrics:        metrics.Default,
		fallbackBuffer: fallbackDuration,
		flushInterval:  flushInterval,
		idleTimeout:    idleTimeout,
		buffers:        make(map[string]*fallbackBuffer),
	}
}

// PublishFrame sends one audio frame, engaging the fallback buffer on
// bus failure. Never returns an error: degraded delivery is preferred
// over closing the edge connection.
func (p *Publisher) PublishFrame(ctx context.Context, f models.AudioFrame) {
	// A call with backlogged frames must keep appending behind them,
	// or frames would reorder once the flush catches up.
	p.mu.Lock()
	if buf, ok := p.buffers[f.CallID]; ok {
		p.bufferLocked(buf, f)
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()

	if err := p.publishFrame(ctx, f); err != nil {
		p.mu.Lock()
		buf, ok := p.buffers[f.CallID]
		if !ok {
			buf = &fallbackBuffer{maxDuration: p.fallbackBuffer}
			p.buffers[f.CallID] = buf
			p.logger.Warn().Err(err).Str("callId", f.CallID).Msg("bus publish failed, engaging fallback buffer")
		}
		p.bufferLocked(buf, f)
		p.mu.Unlock()
	}
}

func (p *Publisher) bufferLocked(buf *fallbackBuffer, f models.AudioFrame) {
	dropped := buf.Append(f)
	p.metrics.FallbackBuffered.Inc()
	if dropped > 0 {
		p.metrics.FallbackDropped.Add(float64(dropped))
	}
}

func (p *Publisher) publishFrame(ctx context.Context, f models.AudioFrame) error {
	payload, err := models.Encode(f)
	if err != nil {
		return err
	}
	start := time.Now()
	err = p.bus.Publish(ctx, bus.TopicAudio, f.CallID, payload)
	p.metrics.RecordPublish(bus.TopicAudio, err, time.Since(start).Seconds())
	return err
}

// PublishEvent sends one call lifecycle event. Event publish failures
// are logged and counted; events are not buffered.
func (p *Publisher) PublishEvent(ctx context.Context, e models.CallEvent) {
	payload, err := models.Encode(e)
	if err != nil {
		p.logger.Error().Err(err).Str("callId", e.CallID).Msg("event encode failed")
		return
	}
	start := time.Now()
	err = p.bus.Publish(ctx, bus.TopicCallEvents, e.CallID, payload)
	p.metrics.RecordPublish(bus.TopicCallEvents, err, time.Since(start).Seconds())
	if err != nil {
		p.logger.Error().Err(err).Str("callId", e.CallID).Str("type", string(e.Type)).Msg("event publish failed")
	}
}

// Run drives the periodic fallback flush until ctx is cancelled.
func (p *Publisher) Run(ctx context.Context) {
	ticker := time.NewTicker(p.flushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.flushOnce(ctx)
		}
	}
}

// flushOnce attempts to drain each call's fallback buffer in order,
// stopping that call at the first failure. Buffers idle past the call
// idle timeout are discarded.
func (p *Publisher) flushOnce(ctx context.Context) {
	p.mu.Lock()
	calls := make(map[string]*fallbackBuffer, len(p.buffers))
	for id, buf := range p.buffers {
		calls[id] = buf
	}
	p.mu.Unlock()

	now := time.Now()
	for callID, buf := range calls {
		if now.Sub(buf.LastActivity()) > p.idleTimeout {
			p.mu.Lock()
			delete(p.buffers, callID)
			p.mu.Unlock()
			p.logger.Warn().Str("callId", callID).Int("frames", buf.Len()).Msg("discarding stale fallback buffer")
			continue
		}
		flushed := 0
		for {
			f, ok := buf.Peek()
			if !ok {
				break
			}
			if err := p.publishFrame(ctx, f); err != nil {
				break
			}
			buf.Pop()
			flushed++
		}
		if flushed > 0 {
			p.metrics.FallbackFlushed.Add(float64(flushed))
			p.logger.Info().Str("callId", callID).Int("frames", flushed).Msg("fallback buffer flushed")
		}
		if buf.Len() == 0 {
			p.mu.Lock()
			if b, ok := p.buffers[callID]; ok && b.Len() == 0 {
				delete(p.buffers, callID)
			}
			p.mu.Unlock()
		}
	}
}

// BufferedCalls reports how many calls currently hold fallback frames.
func (p *Publisher) BufferedCalls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.buffers)
}
