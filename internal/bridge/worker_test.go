package bridge

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"callstream-pipeline/internal/asr"
	"callstream-pipeline/internal/asr/mock"
	"callstream-pipeline/internal/bus"
	"callstream-pipeline/internal/bus/inproc"
	"callstream-pipeline/internal/models"
)

func testWorkerConfig() Config {
	return Config{
		Group:            "bridge-test",
		FrameQueueSize:   64,
		PendingQueueSize: 8,
		Chunker: chunkerConfig{
			MinChunk:          20 * time.Millisecond,
			FirstChunkMin:     20 * time.Millisecond,
			MaxSendGap:        100 * time.Millisecond,
			MaxChunk:          200 * time.Millisecond,
			StaleFlushCeiling: 500 * time.Millisecond,
		},
		KeepAliveInterval:     50 * time.Millisecond,
		KeepAliveFailureLimit: 3,
		CallIdleTimeout:       5 * time.Second,
		Backoff: asr.BackoffPolicy{
			Initial:        5 * time.Millisecond,
			TimeoutInitial: 5 * time.Millisecond,
			Max:            50 * time.Millisecond,
			MaxAttempts:    5,
		},
		Language: "en-IN",
		Interim:  true,
	}
}

type bridgeHarness struct {
	bus      *inproc.Bus
	provider *mock.Provider
	worker   *Worker
	cancel   context.CancelFunc

	mu          sync.Mutex
	transcripts []models.TranscriptMessage
	events      []models.CallEvent
}

func newBridgeHarness(t *testing.T, cfg Config, callID string) *bridgeHarness {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	h := &bridgeHarness{
		bus:      inproc.New(),
		provider: mock.NewProvider(),
		cancel:   cancel,
	}
	h.worker = NewWorker(h.bus, h.provider, cfg, zerolog.Nop())
	require.NoError(t, h.worker.Start(ctx))

	_, err := h.bus.Subscribe(ctx, bus.TranscriptTopic(callID), "test-sink", func(_ context.Context, msg bus.Message) error {
		tr, err := models.DecodeTranscript(msg.Value)
		if err != nil {
			return err
		}
		h.mu.Lock()
		h.transcripts = append(h.transcripts, tr)
		h.mu.Unlock()
		return nil
	})
	require.NoError(t, err)

	_, err = h.bus.Subscribe(ctx, bus.TopicCallEvents, "test-sink", func(_ context.Context, msg bus.Message) error {
		ev, err := models.DecodeCallEvent(msg.Value)
		if err != nil {
			return err
		}
		h.mu.Lock()
		h.events = append(h.events, ev)
		h.mu.Unlock()
		return nil
	})
	require.NoError(t, err)

	t.Cleanup(func() {
		h.worker.Close()
		cancel()
		h.bus.Close()
	})
	return h
}

func (h *bridgeHarness) startCall(t *testing.T, callID string) {
	t.Helper()
	h.publishEvent(t, models.CallEvent{
		Type:       models.CallStarted,
		CallID:     callID,
		TenantID:   "tenant-1",
		SampleRate: 8000,
		Encoding:   models.EncodingPCM16,
	})
}

func (h *bridgeHarness) endCall(t *testing.T, callID string) {
	t.Helper()
	h.publishEvent(t, models.CallEvent{Type: models.CallEnded, CallID: callID})
}

func (h *bridgeHarness) publishEvent(t *testing.T, ev models.CallEvent) {
	t.Helper()
	payload, err := models.Encode(ev)
	require.NoError(t, err)
	require.NoError(t, h.bus.Publish(context.Background(), bus.TopicCallEvents, ev.CallID, payload))
}

// publishFrames sends n sequential 20ms narrowband frames starting at seq.
func (h *bridgeHarness) publishFrames(t *testing.T, callID string, startSeq uint64, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		h.publishFrame(t, callID, startSeq+uint64(i))
	}
}

func (h *bridgeHarness) publishFrame(t *testing.T, callID string, seq uint64) {
	t.Helper()
	payload, err := models.Encode(models.AudioFrame{
		CallID:     callID,
		TenantID:   "tenant-1",
		Sequence:   seq,
		SampleRate: 8000,
		Encoding:   models.EncodingPCM16,
		Payload:    make([]byte, 320), // 20ms at 8kHz
	})
	require.NoError(t, err)
	require.NoError(t, h.bus.Publish(context.Background(), bus.TopicAudio, callID, payload))
}

func (h *bridgeHarness) snapshot() ([]models.TranscriptMessage, []models.CallEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	trs := append([]models.TranscriptMessage(nil), h.transcripts...)
	evs := append([]models.CallEvent(nil), h.events...)
	return trs, evs
}

func sentBytes(s *mock.Stream) int {
	total := 0
	for _, chunk := range s.Sent() {
		total += len(chunk)
	}
	return total
}

func TestBridgeHappyPath(t *testing.T) {
	h := newBridgeHarness(t, testWorkerConfig(), "c1")
	h.startCall(t, "c1")

	// 50 frames of 20ms: enough chunks to walk the whole script.
	h.publishFrames(t, "c1", 1, 50)

	require.Eventually(t, func() bool {
		trs, _ := h.snapshot()
		for _, tr := range trs {
			if tr.Kind == models.TranscriptFinal {
				return true
			}
		}
		return false
	}, 3*time.Second, 10*time.Millisecond)

	trs, _ := h.snapshot()
	assert.Equal(t, 1, h.provider.OpenCount())
	assert.GreaterOrEqual(t, len(trs), 2, "expected partials before the final")
	for i, tr := range trs {
		assert.Equal(t, "c1", tr.CallID)
		assert.Equal(t, uint64(i+1), tr.Sequence, "transcript sequence must be gapless")
	}
	last := trs[len(trs)-1]
	assert.Equal(t, models.TranscriptFinal, last.Kind)
	assert.Equal(t, mock.DefaultScript.Final, last.Text)
	assert.Equal(t, mock.DefaultScript.Confidence, last.Confidence)

	// Every published byte made it to the provider.
	require.Eventually(t, func() bool {
		return sentBytes(h.provider.Streams()[0]) == 50*320
	}, 3*time.Second, 10*time.Millisecond)
}

func TestBridgeReadyGateQueuesWhileConnecting(t *testing.T) {
	h := newBridgeHarness(t, testWorkerConfig(), "c1")
	h.provider.HoldConnecting = true
	h.startCall(t, "c1")

	h.publishFrames(t, "c1", 1, 10)

	require.Eventually(t, func() bool {
		return h.provider.OpenCount() == 1
	}, time.Second, 5*time.Millisecond)
	stream := h.provider.Streams()[0]

	// The stream is dialing; chunks must be queued, not transmitted.
	time.Sleep(100 * time.Millisecond)
	assert.Empty(t, stream.Sent())

	stream.Release()
	require.Eventually(t, func() bool {
		return sentBytes(stream) == 10*320
	}, time.Second, 5*time.Millisecond)
}

func TestBridgeReconnectKeepsTranscriptOrder(t *testing.T) {
	h := newBridgeHarness(t, testWorkerConfig(), "c1")
	h.startCall(t, "c1")

	h.publishFrames(t, "c1", 1, 10)
	require.Eventually(t, func() bool {
		trs, _ := h.snapshot()
		return len(trs) >= 1
	}, time.Second, 5*time.Millisecond)

	h.provider.Streams()[0].Fail(asr.WithClass(errors.New("connection reset"), asr.ClassTransient))

	require.Eventually(t, func() bool {
		return h.provider.OpenCount() == 2
	}, time.Second, 5*time.Millisecond)

	h.publishFrames(t, "c1", 11, 10)
	require.Eventually(t, func() bool {
		return sentBytes(h.provider.Streams()[1]) > 0
	}, time.Second, 5*time.Millisecond)

	require.Eventually(t, func() bool {
		trs, _ := h.snapshot()
		return len(trs) >= 2
	}, time.Second, 5*time.Millisecond)

	// Sequences keep increasing across the reconnect; the consumer never
	// sees a restart.
	trs, _ := h.snapshot()
	for i := 1; i < len(trs); i++ {
		assert.Greater(t, trs[i].Sequence, trs[i-1].Sequence)
	}
}

func TestBridgeDuplicateFramesDropped(t *testing.T) {
	h := newBridgeHarness(t, testWorkerConfig(), "c1")
	h.startCall(t, "c1")

	h.publishFrame(t, "c1", 1)
	h.publishFrame(t, "c1", 2)
	h.publishFrame(t, "c1", 2) // redelivery
	h.publishFrame(t, "c1", 3)

	require.Eventually(t, func() bool {
		streams := h.provider.Streams()
		return len(streams) == 1 && sentBytes(streams[0]) == 3*320
	}, time.Second, 5*time.Millisecond)

	// Give a late duplicate time to (not) show up.
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 3*320, sentBytes(h.provider.Streams()[0]))
}

func TestBridgeCallEndFlushesAndReleases(t *testing.T) {
	h := newBridgeHarness(t, testWorkerConfig(), "c1")
	h.startCall(t, "c1")

	h.publishFrames(t, "c1", 1, 5)
	require.Eventually(t, func() bool {
		streams := h.provider.Streams()
		return len(streams) == 1 && sentBytes(streams[0]) > 0
	}, time.Second, 5*time.Millisecond)

	h.endCall(t, "c1")

	require.Eventually(t, func() bool {
		return h.worker.ActiveCalls() == 0
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, asr.TransportClosed, h.provider.Streams()[0].TransportState())
	assert.Equal(t, 1, h.provider.OpenCount(), "an ending call must not reconnect")
}

func TestBridgePermanentProviderErrorFailsCall(t *testing.T) {
	h := newBridgeHarness(t, testWorkerConfig(), "c1")
	h.provider.OpenErr = asr.WithClass(errors.New("invalid api key"), asr.ClassPermanent)
	h.startCall(t, "c1")

	h.publishFrames(t, "c1", 1, 5)

	require.Eventually(t, func() bool {
		return h.worker.ActiveCalls() == 0
	}, time.Second, 5*time.Millisecond)

	require.Eventually(t, func() bool {
		trs, evs := h.snapshot()
		gotErr, gotFailed := false, false
		for _, tr := range trs {
			if tr.Kind == models.TranscriptError {
				gotErr = true
			}
		}
		for _, ev := range evs {
			if ev.Type == models.CallFailed {
				gotFailed = true
			}
		}
		return gotErr && gotFailed
	}, time.Second, 5*time.Millisecond)
}

func TestBridgeReconnectExhaustionFailsCall(t *testing.T) {
	cfg := testWorkerConfig()
	cfg.Backoff.MaxAttempts = 2
	h := newBridgeHarness(t, cfg, "c1")
	h.provider.OpenErr = asr.WithClass(errors.New("upstream unavailable"), asr.ClassTransient)
	h.startCall(t, "c1")

	h.publishFrames(t, "c1", 1, 5)

	require.Eventually(t, func() bool {
		_, evs := h.snapshot()
		for _, ev := range evs {
			if ev.Type == models.CallFailed {
				return ev.Reason == "reconnect attempts exhausted"
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		return h.worker.ActiveCalls() == 0
	}, time.Second, 5*time.Millisecond)
}

func TestBridgeKeepaliveFailureDegradesConnection(t *testing.T) {
	h := newBridgeHarness(t, testWorkerConfig(), "c1")
	h.startCall(t, "c1")

	h.publishFrames(t, "c1", 1, 5)
	require.Eventually(t, func() bool {
		streams := h.provider.Streams()
		return len(streams) == 1 && sentBytes(streams[0]) > 0
	}, time.Second, 5*time.Millisecond)

	// With no audio flowing, keepalives start; make them all fail.
	h.provider.Streams()[0].SetKeepAliveError(errors.New("write: broken pipe"))

	require.Eventually(t, func() bool {
		return h.provider.OpenCount() == 2
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, h.worker.ActiveCalls())
}

func TestBridgeIdleCallReleased(t *testing.T) {
	cfg := testWorkerConfig()
	cfg.CallIdleTimeout = 100 * time.Millisecond
	h := newBridgeHarness(t, cfg, "c1")
	h.startCall(t, "c1")

	require.Eventually(t, func() bool {
		return h.worker.ActiveCalls() == 1
	}, time.Second, 5*time.Millisecond)

	// No audio ever arrives; the task must reap itself.
	require.Eventually(t, func() bool {
		return h.worker.ActiveCalls() == 0
	}, time.Second, 5*time.Millisecond)
}
