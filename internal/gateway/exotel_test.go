package gateway

import (
	"encoding/base64"
	"fmt"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"callstream-pipeline/internal/models"
)

func startEvent(sampleRate string) []byte {
	return []byte(fmt.Sprintf(`{
		"event": "start",
		"sequence_number": 1,
		"stream_sid": "stream-1",
		"start": {
			"call_sid": "call-1",
			"account_sid": "acct-1",
			"from": "+911234567890",
			"to": "+911098765432",
			"media_format": {"encoding": "pcm16", "sample_rate": %q, "bit_rate": "128kbps"}
		}
	}`, sampleRate))
}

func mediaEvent(payload string) []byte {
	return []byte(fmt.Sprintf(`{
		"event": "media",
		"sequence_number": 2,
		"stream_sid": "stream-1",
		"media": {"chunk": 1, "timestamp": "100", "payload": %q}
	}`, payload))
}

func newTestExotel() *exotelDecoder {
	return newExotelDecoder(zerolog.Nop())
}

func TestExotelStart(t *testing.T) {
	d := newTestExotel()

	act := d.HandleText([]byte(`{"event": "connected"}`))
	assert.Nil(t, act.frame)
	assert.Empty(t, act.events)

	act = d.HandleText(startEvent("8000"))
	require.Len(t, act.events, 1)
	ev := act.events[0]
	assert.Equal(t, models.CallStarted, ev.Type)
	assert.Equal(t, "call-1", ev.CallID)
	assert.Equal(t, "acct-1", ev.TenantID)
	assert.Equal(t, 8000, ev.SampleRate)
	assert.Equal(t, models.EncodingPCM16, ev.Encoding)
	assert.Equal(t, StateStreamStarted, d.State())
	assert.Equal(t, "call-1", d.CallID())
}

func TestExotelSampleRateCorrection(t *testing.T) {
	tests := []struct {
		declared string
		want     int
	}{
		{"8000", 8000},
		{"16000", 16000},
		{"24000", 16000}, // downshifted for recognition quality
		{"44100", 8000},  // not allowed, narrowband default
		{"abc", 8000},
		{"", 8000},
	}
	for _, tt := range tests {
		t.Run(tt.declared, func(t *testing.T) {
			d := newTestExotel()
			act := d.HandleText(startEvent(tt.declared))
			require.Len(t, act.events, 1)
			assert.Equal(t, tt.want, act.events[0].SampleRate)
		})
	}
}

func TestExotelMediaBeforeStart(t *testing.T) {
	d := newTestExotel()
	payload := base64.StdEncoding.EncodeToString([]byte{0x01, 0x02, 0x03, 0x04})

	act := d.HandleText(mediaEvent(payload))
	assert.Nil(t, act.frame)
	assert.False(t, act.closeConn)
}

func TestExotelMediaDecoding(t *testing.T) {
	d := newTestExotel()
	d.HandleText(startEvent("8000"))

	audio := []byte{0x01, 0x02, 0x03, 0x04, 0x05, 0x06}
	act := d.HandleText(mediaEvent(base64.StdEncoding.EncodeToString(audio)))
	require.NotNil(t, act.frame)
	assert.Equal(t, "call-1", act.frame.CallID)
	assert.Equal(t, uint64(1), act.frame.Sequence)
	assert.Equal(t, audio, act.frame.Payload)
	assert.Equal(t, 8000, act.frame.SampleRate)
	assert.Equal(t, StateStreaming, d.State())

	// Sequence increments per media frame.
	act = d.HandleText(mediaEvent(base64.StdEncoding.EncodeToString(audio)))
	require.NotNil(t, act.frame)
	assert.Equal(t, uint64(2), act.frame.Sequence)
}

func TestExotelMediaRejectsBadPayload(t *testing.T) {
	tests := []struct {
		name    string
		payload string
	}{
		{"invalid base64 characters", "!!!not-base64!!!"},
		{"misplaced padding", "ab=c"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := newTestExotel()
			d.HandleText(startEvent("8000"))
			act := d.HandleText(mediaEvent(tt.payload))
			assert.Nil(t, act.frame)
			assert.False(t, act.closeConn)
		})
	}

	t.Run("missing payload", func(t *testing.T) {
		d := newTestExotel()
		d.HandleText(startEvent("8000"))
		act := d.HandleText([]byte(`{"event": "media", "stream_sid": "stream-1", "media": {"chunk": 1}}`))
		assert.Nil(t, act.frame)
	})
}

func TestExotelStop(t *testing.T) {
	d := newTestExotel()
	d.HandleText(startEvent("8000"))

	act := d.HandleText([]byte(`{
		"event": "stop",
		"stream_sid": "stream-1",
		"stop": {"call_sid": "call-1", "reason": "hangup"}
	}`))
	assert.True(t, act.stop)
	require.Len(t, act.events, 1)
	assert.Equal(t, models.CallEnded, act.events[0].Type)
	assert.Equal(t, "hangup", act.events[0].Reason)
	assert.Equal(t, StateStopped, d.State())
}

func TestExotelDTMFAndMark(t *testing.T) {
	d := newTestExotel()
	d.HandleText(startEvent("8000"))

	act := d.HandleText([]byte(`{"event": "dtmf", "stream_sid": "stream-1", "dtmf": {"digit": "5", "duration": "120"}}`))
	require.Len(t, act.events, 1)
	assert.Equal(t, models.CallDTMF, act.events[0].Type)
	assert.Equal(t, "5", act.events[0].Digit)

	act = d.HandleText([]byte(`{"event": "mark", "stream_sid": "stream-1", "mark": {"name": "greeting-done"}}`))
	require.Len(t, act.events, 1)
	assert.Equal(t, models.CallMark, act.events[0].Type)
	assert.Equal(t, "greeting-done", act.events[0].Mark)
}

func TestExotelUnknownAndMalformed(t *testing.T) {
	d := newTestExotel()

	act := d.HandleText([]byte(`{"event": "teleport"}`))
	assert.Nil(t, act.frame)
	assert.Empty(t, act.events)

	act = d.HandleText([]byte(`not json`))
	assert.Nil(t, act.frame)
	assert.False(t, act.closeConn)

	act = d.HandleBinary([]byte{0x00, 0x01})
	assert.Nil(t, act.frame)
}

func TestExotelStartFallsBackToStreamSid(t *testing.T) {
	d := newTestExotel()
	act := d.HandleText([]byte(`{
		"event": "start",
		"stream_sid": "stream-9",
		"start": {"media_format": {"sample_rate": "8000"}}
	}`))
	require.Len(t, act.events, 1)
	assert.Equal(t, "stream-9", act.events[0].CallID)
	assert.Equal(t, models.EncodingPCM16, act.events[0].Encoding)
}
