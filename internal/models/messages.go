// Package models defines the wire structures exchanged over the message bus.
package models

import "encoding/json"

// Audio encodings accepted at the edge. PCM16 is little-endian signed
// 16-bit mono unless a start event declares otherwise.
const (
	EncodingPCM16 = "pcm16"
	EncodingMulaw = "mulaw"
)

// BytesPerSample for fixed-width PCM16.
const BytesPerSample = 2

// AudioFrame is one unit of ingested audio, published on the audio topic
// keyed by call id. Sequence is monotonically non-decreasing per call;
// gaps are tolerated downstream but logged.
type AudioFrame struct {
	CallID      string `json:"callId"`
	TenantID    string `json:"tenantId,omitempty"`
	Sequence    uint64 `json:"sequence"`
	TimestampMs int64  `json:"timestampMs"`
	SampleRate  int    `json:"sampleRate"`
	Encoding    string `json:"encoding"`
	Payload     []byte `json:"payload"`
}

// DurationMs returns the audio duration represented by the payload.
// Returns 0 for unknown encodings or a zero sample rate.
func (f *AudioFrame) DurationMs() int64 {
	if f.SampleRate <= 0 {
		return 0
	}
	samples := len(f.Payload)
	if f.Encoding == EncodingPCM16 || f.Encoding == "" {
		samples /= BytesPerSample
	}
	return int64(samples) * 1000 / int64(f.SampleRate)
}

// TranscriptKind distinguishes in-progress, finalized and error results.
type TranscriptKind string

const (
	TranscriptPartial TranscriptKind = "partial"
	TranscriptFinal   TranscriptKind = "final"
	// TranscriptError is an explicit error marker published when a call's
	// provider connection is exhausted; consumers must never see a silent gap.
	TranscriptError TranscriptKind = "error"
)

// TranscriptMessage is produced by the bridge worker only. Sequence is
// monotonic per call, independent of AudioFrame sequence, and continues
// across provider reconnects.
type TranscriptMessage struct {
	CallID      string         `json:"callId"`
	TenantID    string         `json:"tenantId,omitempty"`
	Sequence    uint64         `json:"sequence"`
	Kind        TranscriptKind `json:"kind"`
	Text        string         `json:"text"`
	Confidence  float64        `json:"confidence,omitempty"`
	EmittedAtMs int64          `json:"emittedAtMs"`
}

// CallEventType enumerates lifecycle events on the call-events topic.
type CallEventType string

const (
	CallStarted CallEventType = "call.started"
	CallEnded   CallEventType = "call.ended"
	CallFailed  CallEventType = "call.failed"
	CallDTMF    CallEventType = "call.dtmf"
	CallMark    CallEventType = "call.mark"
)

// CallEvent signals call lifecycle transitions so downstream workers can
// create and release per-call resources.
type CallEvent struct {
	Type        CallEventType `json:"type"`
	CallID      string        `json:"callId"`
	TenantID    string        `json:"tenantId,omitempty"`
	SampleRate  int           `json:"sampleRate,omitempty"`
	Encoding    string        `json:"encoding,omitempty"`
	Reason      string        `json:"reason,omitempty"`
	Digit       string        `json:"digit,omitempty"`
	Mark        string        `json:"mark,omitempty"`
	TimestampMs int64         `json:"timestampMs"`
}

// Encode marshals any bus payload. Split out so adapters and tests agree
// on a single codec.
func Encode(v any) ([]byte, error) { return json.Marshal(v) }

// DecodeAudioFrame unmarshals an audio topic payload.
func DecodeAudioFrame(b []byte) (AudioFrame, error) {
	var f AudioFrame
	err := json.Unmarshal(b, &f)
	return f, err
}

// DecodeCallEvent unmarshals a call-events topic payload.
func DecodeCallEvent(b []byte) (CallEvent, error) {
	var e CallEvent
	err := json.Unmarshal(b, &e)
	return e, err
}

// DecodeTranscript unmarshals a transcript topic payload.
func DecodeTranscript(b []byte) (TranscriptMessage, error) {
	var t TranscriptMessage
	err := json.Unmarshal(b, &t)
	return t, err
}
