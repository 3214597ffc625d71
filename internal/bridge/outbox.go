package bridge

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"callstream-pipeline/internal/bus"
	"callstream-pipeline/internal/models"
	"callstream-pipeline/internal/observability/metrics"
)

const outboxDepth = 256

// outbox publishes a call's transcripts on a dedicated goroutine so bus
// hiccups never stall audio consumption. A single goroutine preserves
// emission order; publish failures retry with backoff in place, which
// also keeps later transcripts queued behind the failed one.
type outbox struct {
	bus     bus.Bus
	topic   string
	logger  zerolog.Logger
	metrics *metrics.Metrics
	queue   chan models.TranscriptMessage
	done    chan struct{}
}

func newOutbox(ctx context.Context, b bus.Bus, callID string, logger zerolog.Logger) *outbox {
	o := &outbox{
		bus:     b,
		topic:   bus.TranscriptTopic(callID),
		logger:  logger.With().Str("component", "outbox").Str("callId", callID).Logger(),
		metrics: metrics.Default,
		queue:   make(chan models.TranscriptMessage, outboxDepth),
		done:    make(chan struct{}),
	}
	go o.run(ctx)
	return o
}

// enqueue hands a transcript to the publish goroutine. Never blocks: if
// the queue is full the transcript is dropped with an error log, which
// only happens when the bus has been down for a long time.
func (o *outbox) enqueue(t models.TranscriptMessage) {
	select {
	case o.queue <- t:
	default:
		o.logger.Error().Uint64("seq", t.Sequence).Msg("outbox full, dropping transcript")
		o.metrics.PublishErrors.WithLabelValues(o.topic).Inc()
	}
}

// close stops the publish goroutine after draining what is already
// queued.
func (o *outbox) close() {
	close(o.queue)
	<-o.done
}

func (o *outbox) run(ctx context.Context) {
	defer close(o.done)
	for t := range o.queue {
		o.publish(ctx, t)
	}
}

func (o *outbox) publish(ctx context.Context, t models.TranscriptMessage) {
	payload, err := models.Encode(t)
	if err != nil {
		o.logger.Error().Err(err).Msg("transcript encode failed")
		return
	}
	delay := 100 * time.Millisecond
	for {
		start := time.Now()
		err := o.bus.Publish(ctx, o.topic, t.CallID, payload)
		o.metrics.RecordPublish(o.topic, err, time.Since(start).Seconds())
		if err == nil {
			return
		}
		o.logger.Warn().Err(err).Uint64("seq", t.Sequence).Dur("retryIn", delay).Msg("transcript publish failed")
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
		if delay < time.Second {
			delay *= 2
		}
	}
}
