package bridge

import (
	"context"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"callstream-pipeline/internal/asr"
	"callstream-pipeline/internal/bus"
	"callstream-pipeline/internal/models"
	"callstream-pipeline/internal/observability/metrics"
)

// seqGapLogLimit caps per-call sequence-gap warnings.
const seqGapLogLimit = 3

// endGrace is how long a stopping call waits for the provider to flush
// trailing finals before tearing down.
const endGrace = 2 * time.Second

// task owns every piece of one call's bridge state: the chunker, the
// provider connection, the pending queue and the transcript outbox.
// All mutation happens on the task's own goroutine; the worker only
// pushes into the frames and end channels.
type task struct {
	worker *Worker
	cfg    Config
	logger zerolog.Logger
	mx     *metrics.Metrics

	callID   string
	tenantID string

	frames chan models.AudioFrame
	endCh  chan models.CallEvent
	cancel context.CancelFunc

	// Everything below is owned by run().
	chunker    *chunker
	stream     asr.Stream
	streamOpen bool

	pending [][]byte

	reconnectCh   <-chan time.Time
	attempts      int
	lastClass     asr.Class
	keepaliveFail int

	lastSeq     uint64
	seqInit     bool
	gapWarns    int
	lastFrameAt time.Time
	lastSendAt  time.Time

	transcriptSeq   uint64
	firstChunkAt    time.Time
	firstTranscript bool

	outbox *outbox
	ending bool
	graceC <-chan time.Time
}

func newTask(ctx context.Context, w *Worker, callID, tenantID string, sampleRate int, encoding string) *task {
	taskCtx, cancel := context.WithCancel(ctx)
	t := &task{
		worker:      w,
		cfg:         w.cfg,
		logger:      w.logger.With().Str("callId", callID).Logger(),
		mx:          metrics.Default,
		callID:      callID,
		tenantID:    tenantID,
		frames:      make(chan models.AudioFrame, w.cfg.FrameQueueSize),
		endCh:       make(chan models.CallEvent, 1),
		cancel:      cancel,
		lastFrameAt: time.Now(),
		// The outbox outlives the task context so the final transcripts
		// of a failed call still drain.
		outbox: newOutbox(ctx, w.bus, callID, w.logger),
	}
	if sampleRate > 0 {
		t.chunker = newChunker(w.cfg.Chunker, sampleRate, encoding, time.Now())
	}
	t.mx.CallsActive.Inc()
	go t.run(taskCtx)
	return t
}

// offer hands a frame to the task without blocking. A full queue drops
// the frame; redelivery or the next frames keep the call moving.
func (t *task) offer(f models.AudioFrame) {
	select {
	case t.frames <- f:
	default:
		t.mx.RecordDrop("bridge_queue_full")
	}
}

// end signals a call lifecycle end. Non-blocking and idempotent.
func (t *task) end(ev models.CallEvent) {
	select {
	case t.endCh <- ev:
	default:
	}
}

func (t *task) run(ctx context.Context) {
	defer t.teardown()

	ticker := time.NewTicker(t.cfg.Chunker.MinChunk / 2)
	defer ticker.Stop()
	keepalive := time.NewTicker(t.cfg.KeepAliveInterval)
	defer keepalive.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case f := <-t.frames:
			t.onFrame(f)

		case <-ticker.C:
			if t.onTick() {
				return
			}

		case <-keepalive.C:
			t.onKeepalive()

		case <-t.reconnectCh:
			t.reconnectCh = nil
			t.openStream()

		case ev, ok := <-t.streamEvents():
			if done := t.onStreamEvent(ev, ok); done {
				return
			}

		case ev := <-t.endCh:
			t.beginEnd(ev)

		case <-t.graceC:
			t.logger.Warn().Msg("provider did not close within end grace, tearing down")
			return
		}
	}
}

// streamEvents returns the live stream's event channel, or nil (which
// blocks forever in select) when no stream exists.
func (t *task) streamEvents() <-chan asr.Event {
	if t.stream == nil {
		return nil
	}
	return t.stream.Events()
}

func (t *task) onFrame(f models.AudioFrame) {
	now := time.Now()
	t.lastFrameAt = now

	// Redelivery dedup: the bus is at-least-once, so the same sequence
	// can arrive twice; only forward progress is accepted.
	if f.Sequence > 0 {
		if t.seqInit && f.Sequence <= t.lastSeq {
			t.mx.DuplicateFrames.Inc()
			return
		}
		if t.seqInit && f.Sequence > t.lastSeq+1 && t.gapWarns < seqGapLogLimit {
			t.gapWarns++
			t.logger.Warn().
				Uint64("expected", t.lastSeq+1).
				Uint64("got", f.Sequence).
				Msg("sequence gap in audio stream")
		}
		t.lastSeq = f.Sequence
		t.seqInit = true
	}

	if t.chunker == nil {
		t.chunker = newChunker(t.cfg.Chunker, f.SampleRate, f.Encoding, now)
	}
	t.chunker.add(f.Payload, now)
}

// onTick runs the timing evaluation. Returns true when the call went
// idle and the task should exit.
func (t *task) onTick() bool {
	now := time.Now()
	if now.Sub(t.lastFrameAt) > t.cfg.CallIdleTimeout && !t.ending {
		t.logger.Info().Msg("call idle, releasing")
		return true
	}
	if t.chunker != nil && t.chunker.ready(now) {
		t.dispatch(t.chunker.take(now))
	}
	return false
}

// dispatch sends one chunk through the ready gate. The transport state
// is queried at this moment, never cached: a stream that is still
// connecting or already closing queues the chunk instead.
func (t *task) dispatch(chunk []byte) {
	if len(chunk) == 0 {
		return
	}
	if t.stream == nil && t.reconnectCh == nil {
		t.openStream()
	}
	if t.stream != nil && t.stream.TransportState() == asr.TransportOpen {
		if err := t.stream.Send(chunk); err != nil {
			t.logger.Warn().Err(err).Msg("provider send failed")
			t.enqueuePending(chunk)
			t.degrade(asr.Classify(err))
			return
		}
		now := time.Now()
		t.lastSendAt = now
		if t.firstChunkAt.IsZero() {
			t.firstChunkAt = now
		}
		t.mx.RecordChunk(len(chunk))
		return
	}
	t.enqueuePending(chunk)
}

// enqueuePending holds a chunk until the stream opens, bounded and
// oldest-first on overflow.
func (t *task) enqueuePending(chunk []byte) {
	t.pending = append(t.pending, chunk)
	for len(t.pending) > t.cfg.PendingQueueSize {
		t.pending = t.pending[1:]
		t.mx.PendingDropped.Inc()
	}
}

// flushPending replays queued chunks after the stream opens, in order.
func (t *task) flushPending() {
	pending := t.pending
	t.pending = nil
	for i, chunk := range pending {
		if t.stream == nil || t.stream.TransportState() != asr.TransportOpen {
			t.pending = append(t.pending, pending[i:]...)
			return
		}
		if err := t.stream.Send(chunk); err != nil {
			t.logger.Warn().Err(err).Msg("pending replay send failed")
			t.pending = append(t.pending, pending[i:]...)
			t.degrade(asr.Classify(err))
			return
		}
		now := time.Now()
		t.lastSendAt = now
		if t.firstChunkAt.IsZero() {
			t.firstChunkAt = now
		}
		t.mx.RecordChunk(len(chunk))
	}
}

func (t *task) openStream() {
	if t.chunker == nil || t.ending {
		return
	}
	stream, err := t.worker.provider.Open(context.Background(), asr.StreamConfig{
		CallID:     t.callID,
		SampleRate: t.chunker.sampleRate,
		Encoding:   t.chunker.encoding,
		Language:   t.cfg.Language,
		Interim:    t.cfg.Interim,
	})
	if err != nil {
		t.logger.Error().Err(err).Msg("provider open failed")
		t.scheduleReconnect(asr.Classify(err))
		return
	}
	t.stream = stream
	t.keepaliveFail = 0
	t.logger.Info().Int("attempt", t.attempts).Msg("provider stream opening")
}

// degrade closes a broken stream so the next flush dials fresh instead
// of reusing it, then arms the reconnect backoff.
func (t *task) degrade(class asr.Class) {
	if t.stream != nil {
		_ = t.stream.Close()
		t.stream = nil
	}
	t.markStreamClosed()
	t.scheduleReconnect(class)
}

// markStreamClosed balances the open-connection accounting; safe to
// call repeatedly.
func (t *task) markStreamClosed() {
	if !t.streamOpen {
		return
	}
	t.streamOpen = false
	t.mx.ProviderConnections.WithLabelValues(t.worker.provider.Name()).Dec()
	t.worker.openStreams.Add(-1)
}

func (t *task) scheduleReconnect(class asr.Class) {
	if t.ending {
		return
	}
	if class == asr.ClassPermanent {
		t.fail("permanent provider error")
		return
	}
	t.attempts++
	t.lastClass = class
	if t.cfg.Backoff.Exhausted(t.attempts) {
		t.fail("reconnect attempts exhausted")
		return
	}
	delay := t.cfg.Backoff.Delay(t.attempts, class)
	t.mx.ProviderReconnects.WithLabelValues(class.String()).Inc()
	t.logger.Warn().
		Int("attempt", t.attempts).
		Str("class", class.String()).
		Dur("delay", delay).
		Msg("scheduling provider reconnect")
	t.reconnectCh = time.After(delay)
}

// fail marks the call permanently failed: an explicit error transcript
// and a call.failed event, never a silent gap.
func (t *task) fail(reason string) {
	t.logger.Error().Str("reason", reason).Msg("call failed")
	t.transcriptSeq++
	t.outbox.enqueue(models.TranscriptMessage{
		CallID:      t.callID,
		TenantID:    t.tenantID,
		Sequence:    t.transcriptSeq,
		Kind:        models.TranscriptError,
		Text:        reason,
		EmittedAtMs: time.Now().UnixMilli(),
	})
	t.mx.TranscriptsError.Inc()

	ev := models.CallEvent{
		Type:        models.CallFailed,
		CallID:      t.callID,
		TenantID:    t.tenantID,
		Reason:      reason,
		TimestampMs: time.Now().UnixMilli(),
	}
	if payload, err := models.Encode(ev); err == nil {
		if err := t.worker.bus.Publish(context.Background(), bus.TopicCallEvents, t.callID, payload); err != nil {
			t.logger.Error().Err(err).Msg("call.failed publish failed")
		}
	}
	t.cancel()
}

func (t *task) onKeepalive() {
	if t.stream == nil || t.stream.TransportState() != asr.TransportOpen {
		return
	}
	if time.Since(t.lastSendAt) < t.cfg.KeepAliveInterval {
		return
	}
	if err := t.stream.KeepAlive(); err != nil {
		t.keepaliveFail++
		t.mx.KeepaliveFailures.Inc()
		t.logger.Warn().Err(err).Int("consecutive", t.keepaliveFail).Msg("keepalive failed")
		if t.keepaliveFail >= t.cfg.KeepAliveFailureLimit {
			t.logger.Warn().Msg("keepalive failure limit reached, degrading connection")
			t.degrade(asr.ClassTransient)
		}
		return
	}
	t.keepaliveFail = 0
}

// onStreamEvent handles one provider event. Returns true when the task
// should exit.
func (t *task) onStreamEvent(ev asr.Event, ok bool) bool {
	if !ok {
		// Channel closed without a Closed event; treat the same way.
		t.stream = nil
		t.markStreamClosed()
		if t.ending {
			return true
		}
		t.scheduleReconnect(t.lastClass)
		return false
	}
	switch ev.Kind {
	case asr.EventOpen:
		t.logger.Info().Msg("provider stream open")
		t.attempts = 0
		t.lastClass = asr.ClassTransient
		if !t.streamOpen {
			t.streamOpen = true
			t.mx.ProviderConnections.WithLabelValues(t.worker.provider.Name()).Inc()
			t.worker.openStreams.Add(1)
		}
		t.flushPending()
	case asr.EventTranscript:
		t.onTranscript(ev.Transcript)
	case asr.EventError:
		class := asr.Classify(ev.Err)
		t.logger.Warn().Err(ev.Err).Str("class", class.String()).Msg("provider error")
		t.lastClass = class
		if class == asr.ClassPermanent && !t.ending {
			t.fail(ev.Err.Error())
			return true
		}
	case asr.EventClosed:
		t.stream = nil
		t.markStreamClosed()
		if t.ending {
			return true
		}
		t.scheduleReconnect(t.lastClass)
	}
	return false
}

func (t *task) onTranscript(tr asr.Transcript) {
	if strings.TrimSpace(tr.Text) == "" {
		// Silence produces legitimate empty results; they are counted,
		// not published, and are distinct from provider failures.
		t.mx.TranscriptsEmpty.Inc()
		return
	}
	if !t.firstTranscript && !t.firstChunkAt.IsZero() {
		t.firstTranscript = true
		t.mx.FirstTranscriptLat.Observe(time.Since(t.firstChunkAt).Seconds())
	}
	t.transcriptSeq++
	kind := models.TranscriptPartial
	if tr.Final {
		kind = models.TranscriptFinal
		t.mx.TranscriptsFinal.Inc()
	} else {
		t.mx.TranscriptsPartial.Inc()
	}
	t.outbox.enqueue(models.TranscriptMessage{
		CallID:      t.callID,
		TenantID:    t.tenantID,
		Sequence:    t.transcriptSeq,
		Kind:        kind,
		Text:        tr.Text,
		Confidence:  tr.Confidence,
		EmittedAtMs: time.Now().UnixMilli(),
	})
}

// beginEnd flushes whatever audio remains and closes the send side,
// then waits (bounded) for the provider to deliver trailing finals.
func (t *task) beginEnd(ev models.CallEvent) {
	if t.ending {
		return
	}
	t.ending = true
	t.logger.Info().Str("type", string(ev.Type)).Msg("call end signal received")

	if t.chunker != nil {
		now := time.Now()
		for {
			chunk := t.chunker.take(now)
			if len(chunk) == 0 {
				break
			}
			t.dispatch(chunk)
		}
	}
	if t.stream != nil {
		_ = t.stream.Close()
		t.graceC = time.After(endGrace)
		return
	}
	t.cancel()
}

// teardown releases all per-call resources exactly once; safe under
// any of the three triggers (end event, idle timeout, failure).
func (t *task) teardown() {
	t.cancel()
	if t.stream != nil {
		_ = t.stream.Close()
		t.stream = nil
	}
	t.markStreamClosed()
	t.outbox.close()
	t.worker.remove(t.callID)
	t.mx.CallsActive.Dec()
	t.logger.Info().Uint64("transcripts", t.transcriptSeq).Msg("call released")
}
