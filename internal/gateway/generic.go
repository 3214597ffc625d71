package gateway

import (
	"encoding/json"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"callstream-pipeline/internal/models"
	"callstream-pipeline/internal/observability/metrics"
)

// Generic protocol: bearer-authenticated clients send JSON text control
// messages (start/stop) and raw little-endian PCM16 audio as binary
// messages. Sequence numbers are assigned by the gateway in arrival
// order.

type genericControl struct {
	Type       string `json:"type"`
	CallID     string `json:"callId"`
	TenantID   string `json:"tenantId"`
	SampleRate int    `json:"sampleRate"`
	Encoding   string `json:"encoding"`
	Reason     string `json:"reason"`
}

// Largest plausible single frame; anything longer suggests the client
// is batching whole utterances, which defeats real-time chunking.
const maxFrameDurationMs = 1000

// validationLogLimit caps per-call duration-mismatch warnings.
const validationLogLimit = 5

type genericDecoder struct {
	logger  zerolog.Logger
	metrics *metrics.Metrics

	state           connState
	callID          string
	tenantID        string
	sampleRate      int
	encoding        string
	seq             uint64
	validationWarns int
}

func newGenericDecoder(logger zerolog.Logger) *genericDecoder {
	return &genericDecoder{
		logger:  logger.With().Str("protocol", ProtocolGeneric).Logger(),
		metrics: metrics.Default,
		state:   StateAuthenticated,
	}
}

func (d *genericDecoder) Name() string     { return ProtocolGeneric }
func (d *genericDecoder) State() connState { return d.state }
func (d *genericDecoder) CallID() string   { return d.callID }

func (d *genericDecoder) HandleText(data []byte) action {
	var msg genericControl
	if err := json.Unmarshal(data, &msg); err != nil {
		d.logger.Error().Err(err).Msg("unparseable control message")
		return action{closeConn: true, closeReason: "malformed control message"}
	}
	switch msg.Type {
	case "start":
		return d.handleStart(msg)
	case "stop":
		return d.handleStop(msg)
	default:
		d.logger.Warn().Str("type", msg.Type).Msg("unknown control message")
		return action{}
	}
}

func (d *genericDecoder) handleStart(msg genericControl) action {
	if d.state != StateAuthenticated {
		d.logger.Error().Str("state", d.state.String()).Msg("start in wrong state")
		return action{closeConn: true, closeReason: "duplicate start"}
	}
	d.callID = msg.CallID
	if d.callID == "" {
		d.callID = uuid.NewString()
		d.logger.Info().Str("callId", d.callID).Msg("start without call id, generated one")
	}
	d.tenantID = msg.TenantID
	d.sampleRate = msg.SampleRate
	if d.sampleRate <= 0 {
		d.sampleRate = defaultSampleRate
	}
	d.encoding = msg.Encoding
	if d.encoding == "" {
		d.encoding = models.EncodingPCM16
	}
	d.state = StateStreamStarted

	d.logger.Info().
		Str("callId", d.callID).
		Int("sampleRate", d.sampleRate).
		Str("encoding", d.encoding).
		Msg("stream started")

	return action{events: []models.CallEvent{{
		Type:        models.CallStarted,
		CallID:      d.callID,
		TenantID:    d.tenantID,
		SampleRate:  d.sampleRate,
		Encoding:    d.encoding,
		TimestampMs: nowMs(),
	}}}
}

func (d *genericDecoder) handleStop(msg genericControl) action {
	if d.state == StateStopped || d.callID == "" {
		return action{stop: true}
	}
	d.state = StateStopped
	reason := msg.Reason
	if reason == "" {
		reason = "client stop"
	}
	d.logger.Info().Str("callId", d.callID).Str("reason", reason).Msg("stream stopped")
	return action{
		stop: true,
		events: []models.CallEvent{{
			Type:        models.CallEnded,
			CallID:      d.callID,
			TenantID:    d.tenantID,
			Reason:      reason,
			TimestampMs: nowMs(),
		}},
	}
}

// HandleBinary treats the message as one raw audio frame.
func (d *genericDecoder) HandleBinary(data []byte) action {
	if d.state != StateStreamStarted && d.state != StateStreaming {
		d.logger.Warn().Msg("audio received before start")
		d.metrics.RecordDrop("audio_before_start")
		return action{}
	}
	if len(data) == 0 {
		d.metrics.RecordDrop("empty_frame")
		return action{}
	}
	if d.encoding == models.EncodingPCM16 && len(data)%models.BytesPerSample != 0 {
		// Odd-length PCM16 cannot be decoded into samples at all.
		d.logger.Error().Int("bytes", len(data)).Msg("odd-length pcm16 frame dropped")
		d.metrics.RecordDrop("bad_pcm")
		return action{}
	}

	d.state = StateStreaming
	d.seq++

	frame := models.AudioFrame{
		CallID:      d.callID,
		TenantID:    d.tenantID,
		Sequence:    d.seq,
		TimestampMs: nowMs(),
		SampleRate:  d.sampleRate,
		Encoding:    d.encoding,
		Payload:     append([]byte(nil), data...),
	}

	// Implausible durations are forwarded anyway: upstream chunking
	// tolerates them, and dropping borderline audio loses speech.
	if dur := frame.DurationMs(); dur == 0 || dur > maxFrameDurationMs {
		if d.validationWarns < validationLogLimit {
			d.validationWarns++
			d.logger.Warn().
				Str("callId", d.callID).
				Int64("durationMs", dur).
				Int("bytes", len(data)).
				Msg("frame duration inconsistent with declared rate, forwarding")
		}
	}

	return action{frame: &frame}
}
