package gateway

import (
	"encoding/base64"
	"encoding/json"
	"regexp"
	"strconv"

	"github.com/rs/zerolog"

	"callstream-pipeline/internal/models"
	"callstream-pipeline/internal/observability/metrics"
)

// Telephony vendor (Exotel-style) protocol: every message is a JSON
// event object; audio rides base64-encoded inside media events.

// Sample rates the vendor is allowed to declare. Anything else falls
// back to narrowband; 24 kHz is downshifted to 16 kHz, which upstream
// recognizers handle better.
const (
	defaultSampleRate = 8000
	wideband          = 16000
	superWideband     = 24000
)

var base64Pattern = regexp.MustCompile(`^[A-Za-z0-9+/]*={0,2}$`)

// mediaLogLimit caps per-call media debug logging to the first frames.
const mediaLogLimit = 3

type exotelEvent struct {
	Event          string          `json:"event"`
	SequenceNumber int64           `json:"sequence_number"`
	StreamSid      string          `json:"stream_sid"`
	Start          *exotelStart    `json:"start,omitempty"`
	Media          *exotelMedia    `json:"media,omitempty"`
	Stop           *exotelStop     `json:"stop,omitempty"`
	DTMF           *exotelDTMF     `json:"dtmf,omitempty"`
	Mark           *exotelMarkBody `json:"mark,omitempty"`
}

type exotelStart struct {
	CallSid          string            `json:"call_sid"`
	AccountSid       string            `json:"account_sid"`
	From             string            `json:"from"`
	To               string            `json:"to"`
	MediaFormat      exotelMediaFormat `json:"media_format"`
	CustomParameters map[string]string `json:"custom_parameters,omitempty"`
}

type exotelMediaFormat struct {
	Encoding   string `json:"encoding"`
	SampleRate string `json:"sample_rate"`
	BitRate    string `json:"bit_rate"`
}

type exotelMedia struct {
	Chunk     int64  `json:"chunk"`
	Timestamp string `json:"timestamp"`
	Payload   string `json:"payload"`
}

type exotelStop struct {
	CallSid string `json:"call_sid"`
	Reason  string `json:"reason"`
}

type exotelDTMF struct {
	Duration string `json:"duration"`
	Digit    string `json:"digit"`
}

type exotelMarkBody struct {
	Name string `json:"name"`
}

// exotelDecoder implements the vendor protocol state machine for one
// connection.
type exotelDecoder struct {
	logger  zerolog.Logger
	metrics *metrics.Metrics

	state      connState
	streamSid  string
	callID     string
	tenantID   string
	sampleRate int
	encoding   string
	seq        uint64
	mediaSeen  int
}

func newExotelDecoder(logger zerolog.Logger) *exotelDecoder {
	return &exotelDecoder{
		logger:  logger.With().Str("protocol", ProtocolExotel).Logger(),
		metrics: metrics.Default,
		state:   StateAuthenticated,
	}
}

func (d *exotelDecoder) Name() string     { return ProtocolExotel }
func (d *exotelDecoder) State() connState { return d.state }
func (d *exotelDecoder) CallID() string   { return d.callID }

func (d *exotelDecoder) HandleText(data []byte) action {
	var ev exotelEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		d.logger.Error().Err(err).Msg("unparseable vendor event")
		d.metrics.RecordDrop("bad_json")
		return action{}
	}
	switch ev.Event {
	case "connected":
		d.logger.Info().Msg("vendor connected event")
		return action{}
	case "start":
		return d.handleStart(ev)
	case "media":
		return d.handleMedia(ev)
	case "stop":
		return d.handleStop(ev)
	case "dtmf":
		return d.handleDTMF(ev)
	case "mark":
		return d.handleMark(ev)
	default:
		d.logger.Warn().Str("event", ev.Event).Msg("unknown vendor event")
		return action{}
	}
}

// HandleBinary is invalid on the vendor protocol; the frame is dropped
// and the connection stays open.
func (d *exotelDecoder) HandleBinary([]byte) action {
	d.logger.Warn().Msg("unexpected binary message on vendor protocol")
	d.metrics.RecordDrop("binary_on_vendor")
	return action{}
}

func (d *exotelDecoder) handleStart(ev exotelEvent) action {
	if ev.Start == nil {
		d.logger.Error().Msg("start event missing body")
		return action{closeConn: true, closeReason: "malformed start event"}
	}
	d.streamSid = ev.StreamSid
	d.callID = ev.Start.CallSid
	if d.callID == "" {
		d.callID = ev.StreamSid
	}
	d.tenantID = ev.Start.AccountSid
	d.sampleRate = d.correctSampleRate(ev.Start.MediaFormat.SampleRate)
	d.encoding = ev.Start.MediaFormat.Encoding
	if d.encoding == "" {
		d.encoding = models.EncodingPCM16
	}
	d.state = StateStreamStarted

	d.logger.Info().
		Str("callId", d.callID).
		Str("streamSid", d.streamSid).
		Int("sampleRate", d.sampleRate).
		Msg("vendor stream started")

	return action{events: []models.CallEvent{{
		Type:        models.CallStarted,
		CallID:      d.callID,
		TenantID:    d.tenantID,
		SampleRate:  d.sampleRate,
		Encoding:    d.encoding,
		TimestampMs: nowMs(),
	}}}
}

// correctSampleRate enforces the allowed rate set. Invalid declarations
// fall back to 8 kHz with a warning; 24 kHz is mapped to 16 kHz.
func (d *exotelDecoder) correctSampleRate(declared string) int {
	rate, err := strconv.Atoi(declared)
	if err != nil {
		rate = defaultSampleRate
	}
	switch rate {
	case defaultSampleRate, wideband:
		return rate
	case superWideband:
		d.logger.Info().Msg("vendor declared 24kHz audio, using 16kHz for transcription")
		return wideband
	default:
		d.logger.Warn().Int("declared", rate).Msg("invalid vendor sample rate, defaulting to 8000 Hz")
		return defaultSampleRate
	}
}

func (d *exotelDecoder) handleMedia(ev exotelEvent) action {
	if d.state != StateStreamStarted && d.state != StateStreaming {
		d.logger.Warn().Msg("media received before start event")
		d.metrics.RecordDrop("media_before_start")
		return action{}
	}
	if ev.Media == nil || ev.Media.Payload == "" {
		d.logger.Error().Msg("invalid media payload: missing")
		d.metrics.RecordDrop("missing_payload")
		return action{}
	}
	if !base64Pattern.MatchString(ev.Media.Payload) {
		d.logger.Error().Msg("invalid base64 payload format")
		d.metrics.RecordDrop("bad_base64")
		return action{}
	}
	audio, err := base64.StdEncoding.DecodeString(ev.Media.Payload)
	if err != nil {
		d.logger.Error().Err(err).Msg("base64 decode failed")
		d.metrics.RecordDrop("bad_base64")
		return action{}
	}

	d.state = StateStreaming
	d.seq++
	d.mediaSeen++
	if d.mediaSeen <= mediaLogLimit {
		d.logger.Info().
			Str("callId", d.callID).
			Uint64("seq", d.seq).
			Int("audioSize", len(audio)).
			Msg("media frame received")
	}

	return action{frame: &models.AudioFrame{
		CallID:      d.callID,
		TenantID:    d.tenantID,
		Sequence:    d.seq,
		TimestampMs: nowMs(),
		SampleRate:  d.sampleRate,
		Encoding:    d.encoding,
		Payload:     audio,
	}}
}

func (d *exotelDecoder) handleStop(ev exotelEvent) action {
	reason := "unknown"
	if ev.Stop != nil && ev.Stop.Reason != "" {
		reason = ev.Stop.Reason
	}
	if d.state == StateStopped || d.callID == "" {
		d.logger.Warn().Str("streamSid", ev.StreamSid).Msg("stop event for unknown stream")
		return action{stop: true}
	}
	d.state = StateStopped
	d.logger.Info().Str("callId", d.callID).Str("reason", reason).Msg("vendor stream stopped")
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

// handleDTMF republishes keypad input on the events topic so downstream
// consumers (IVR logic, analytics) can react without parsing audio.
func (d *exotelDecoder) handleDTMF(ev exotelEvent) action {
	if ev.DTMF == nil || d.callID == "" {
		return action{}
	}
	d.logger.Info().Str("callId", d.callID).Str("digit", ev.DTMF.Digit).Msg("dtmf received")
	return action{events: []models.CallEvent{{
		Type:        models.CallDTMF,
		CallID:      d.callID,
		TenantID:    d.tenantID,
		Digit:       ev.DTMF.Digit,
		TimestampMs: nowMs(),
	}}}
}

func (d *exotelDecoder) handleMark(ev exotelEvent) action {
	if ev.Mark == nil || d.callID == "" {
		return action{}
	}
	d.logger.Info().Str("callId", d.callID).Str("mark", ev.Mark.Name).Msg("mark received")
	return action{events: []models.CallEvent{{
		Type:        models.CallMark,
		CallID:      d.callID,
		TenantID:    d.tenantID,
		Mark:        ev.Mark.Name,
		TimestampMs: nowMs(),
	}}}
}
