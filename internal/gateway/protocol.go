package gateway

import (
	"time"

	"callstream-pipeline/internal/models"
)

// Protocol names, resolved once at handshake.
const (
	ProtocolGeneric = "generic"
	ProtocolExotel  = "exotel"
)

// Connection state machine. Authentication happens at handshake, so a
// decoder starts life in StateAuthenticated.
type connState int

const (
	StateConnecting connState = iota
	StateAuthenticated
	StateStreamStarted
	StateStreaming
	StateStopped
)

func (s connState) String() string {
	switch s {
	case StateConnecting:
		return "CONNECTING"
	case StateAuthenticated:
		return "AUTHENTICATED"
	case StateStreamStarted:
		return "STREAM_STARTED"
	case StateStreaming:
		return "STREAMING"
	case StateStopped:
		return "STOPPED"
	default:
		return "UNKNOWN"
	}
}

// action is what one decoded wire message asks the connection loop to
// do. Zero value means "nothing".
type action struct {
	frame  *models.AudioFrame
	events []models.CallEvent
	// stop ends the stream; closeConn additionally terminates the socket
	// with closeReason.
	stop        bool
	closeConn   bool
	closeReason string
}

// decoder turns wire messages of one protocol into actions. Decoders
// own the per-connection protocol state machine; the connection loop
// owns the socket and the publisher.
type decoder interface {
	Name() string
	State() connState
	CallID() string
	// HandleText processes a text (JSON) message.
	HandleText(data []byte) action
	// HandleBinary processes a binary message.
	HandleBinary(data []byte) action
}

func nowMs() int64 { return time.Now().UnixMilli() }
