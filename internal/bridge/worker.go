// Package bridge consumes call audio from the bus, aggregates it into
// provider-sized chunks and bridges each call to a streaming ASR
// provider, republishing ordered transcripts.
package bridge

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"callstream-pipeline/internal/asr"
	"callstream-pipeline/internal/bus"
	"callstream-pipeline/internal/config"
	"callstream-pipeline/internal/models"
)

// Config collects the bridge's tuning knobs. Built from validated
// configuration via ConfigFrom.
type Config struct {
	Group            string
	FrameQueueSize   int
	PendingQueueSize int
	Chunker          chunkerConfig

	KeepAliveInterval     time.Duration
	KeepAliveFailureLimit int
	CallIdleTimeout       time.Duration

	Backoff asr.BackoffPolicy

	Language string
	Interim  bool
}

// ConfigFrom maps the configuration tree onto the worker config.
func ConfigFrom(bc config.BridgeConfig, ac config.ASRConfig) Config {
	return Config{
		Group:            bc.Group,
		FrameQueueSize:   bc.FrameQueueSize,
		PendingQueueSize: bc.PendingQueueSize,
		Chunker: chunkerConfig{
			MinChunk:          bc.MinChunk,
			FirstChunkMin:     bc.FirstChunkMin,
			MaxSendGap:        bc.MaxSendGap,
			MaxChunk:          bc.MaxChunk,
			StaleFlushCeiling: bc.StaleFlushCeiling,
		},
		KeepAliveInterval:     bc.KeepAliveInterval,
		KeepAliveFailureLimit: bc.KeepAliveFailureLimit,
		CallIdleTimeout:       bc.CallIdleTimeout,
		Backoff: asr.BackoffPolicy{
			Initial:        bc.ReconnectInitial,
			TimeoutInitial: bc.ReconnectTimeoutInitial,
			Max:            bc.ReconnectMax,
			MaxAttempts:    bc.ReconnectMaxAttempts,
		},
		Language: ac.Language,
		Interim:  ac.Interim,
	}
}

// Worker subscribes to the audio and call-event topics and routes every
// message to the single task owning that call.
type Worker struct {
	bus      bus.Bus
	provider asr.Provider
	cfg      Config
	logger   zerolog.Logger

	ctx  context.Context
	mu   sync.Mutex
	subs []bus.Subscription

	tasksMu sync.Mutex
	tasks   map[string]*task

	openStreams atomic.Int64
}

// NewWorker creates the bridge worker.
func NewWorker(b bus.Bus, p asr.Provider, cfg Config, logger zerolog.Logger) *Worker {
	return &Worker{
		bus:      b,
		provider: p,
		cfg:      cfg,
		logger:   logger.With().Str("component", "bridge").Logger(),
		tasks:    make(map[string]*task),
	}
}

// Start subscribes to the audio and event topics. The consumer group
// makes horizontally scaled bridges share the call partitions.
func (w *Worker) Start(ctx context.Context) error {
	w.ctx = ctx

	audioSub, err := w.bus.Subscribe(ctx, bus.TopicAudio, w.cfg.Group, w.handleAudio)
	if err != nil {
		return fmt.Errorf("bridge: subscribe %s: %w", bus.TopicAudio, err)
	}
	eventSub, err := w.bus.Subscribe(ctx, bus.TopicCallEvents, w.cfg.Group, w.handleEvent)
	if err != nil {
		_ = audioSub.Unsubscribe()
		return fmt.Errorf("bridge: subscribe %s: %w", bus.TopicCallEvents, err)
	}

	w.mu.Lock()
	w.subs = append(w.subs, audioSub, eventSub)
	w.mu.Unlock()

	w.logger.Info().Str("group", w.cfg.Group).Str("provider", w.provider.Name()).Msg("bridge worker started")
	return nil
}

// handleAudio routes one audio frame to its call task. Returning nil
// acknowledges: once a frame is in the task's queue (or dropped by the
// bounded-queue policy), redelivery would only create duplicates.
func (w *Worker) handleAudio(_ context.Context, msg bus.Message) error {
	f, err := models.DecodeAudioFrame(msg.Value)
	if err != nil {
		w.logger.Error().Err(err).Str("topic", msg.Topic).Msg("undecodable audio frame")
		return nil
	}
	if f.CallID == "" {
		w.logger.Warn().Msg("audio frame without call id")
		return nil
	}
	w.getOrCreate(f.CallID, f.TenantID, f.SampleRate, f.Encoding).offer(f)
	return nil
}

// handleEvent routes call lifecycle events. Start events pre-create the
// task so the provider connection can be configured before audio lands;
// end events trigger flush-and-teardown.
func (w *Worker) handleEvent(_ context.Context, msg bus.Message) error {
	ev, err := models.DecodeCallEvent(msg.Value)
	if err != nil {
		w.logger.Error().Err(err).Msg("undecodable call event")
		return nil
	}
	switch ev.Type {
	case models.CallStarted:
		w.getOrCreate(ev.CallID, ev.TenantID, ev.SampleRate, ev.Encoding)
	case models.CallEnded:
		w.tasksMu.Lock()
		t := w.tasks[ev.CallID]
		w.tasksMu.Unlock()
		if t != nil {
			t.end(ev)
		}
	case models.CallFailed:
		// Emitted by this worker; nothing to do on the consume side.
	case models.CallDTMF, models.CallMark:
		w.logger.Debug().Str("callId", ev.CallID).Str("type", string(ev.Type)).Msg("signal event")
	}
	return nil
}

func (w *Worker) getOrCreate(callID, tenantID string, sampleRate int, encoding string) *task {
	w.tasksMu.Lock()
	defer w.tasksMu.Unlock()
	if t, ok := w.tasks[callID]; ok {
		return t
	}
	t := newTask(w.ctx, w, callID, tenantID, sampleRate, encoding)
	w.tasks[callID] = t
	w.logger.Info().Str("callId", callID).Int("active", len(w.tasks)).Msg("call task created")
	return t
}

// remove drops a task from the routing map. Called by the task itself
// during teardown.
func (w *Worker) remove(callID string) {
	w.tasksMu.Lock()
	delete(w.tasks, callID)
	w.tasksMu.Unlock()
}

// ActiveCalls reports the number of live call tasks.
func (w *Worker) ActiveCalls() int {
	w.tasksMu.Lock()
	defer w.tasksMu.Unlock()
	return len(w.tasks)
}

// ProviderConnections reports open provider streams keyed by provider
// name, for the status endpoint.
func (w *Worker) ProviderConnections() map[string]int {
	return map[string]int{w.provider.Name(): int(w.openStreams.Load())}
}

// Close unsubscribes and waits for nothing: task teardown is driven by
// the context passed to Start.
func (w *Worker) Close() {
	w.mu.Lock()
	subs := w.subs
	w.subs = nil
	w.mu.Unlock()
	for _, s := range subs {
		_ = s.Unsubscribe()
	}
}
