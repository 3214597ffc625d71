// Package asr defines the contract between the bridge worker and
// streaming speech-recognition providers (Deepgram, Google, mock).
package asr

import (
	"context"
	"errors"
	"time"
)

// TransportState is the live state of a provider connection's transport.
// It must be queried at the moment of use: a cached "ready" flag can go
// stale while the underlying socket is still connecting or closing.
type TransportState int

const (
	TransportConnecting TransportState = iota
	TransportOpen
	TransportClosing
	TransportClosed
)

func (s TransportState) String() string {
	switch s {
	case TransportConnecting:
		return "CONNECTING"
	case TransportOpen:
		return "OPEN"
	case TransportClosing:
		return "CLOSING"
	case TransportClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// EventKind tags asynchronous provider events.
type EventKind int

const (
	// EventOpen fires once the provider handshake completes.
	EventOpen EventKind = iota
	// EventTranscript carries a partial or final recognition result.
	EventTranscript
	// EventError carries a provider-reported failure.
	EventError
	// EventClosed fires when the provider closes the stream.
	EventClosed
)

// Transcript is one recognition result. Empty Text is valid (silence)
// and is counted separately from failures downstream.
type Transcript struct {
	Text       string
	Confidence float64
	Final      bool
}

// Event is delivered on a Stream's event channel. The bridge consumes
// events and audio in a single per-call select loop, so all per-call
// logic stays sequential despite the provider's asynchronous API.
type Event struct {
	Kind       EventKind
	Transcript Transcript
	Err        error
}

// Stream is one live recognition connection, owned exclusively by the
// per-call bridge task.
type Stream interface {
	// Send writes an audio chunk. Callers must gate sends on
	// TransportState() == TransportOpen immediately beforehand.
	Send(audio []byte) error
	// KeepAlive signals liveness when no audio was sent recently,
	// keeping the provider's idle-disconnect timer from firing.
	KeepAlive() error
	// TransportState reports the live transport state.
	TransportState() TransportState
	// Events returns the stream's event channel. Closed when the
	// stream terminates.
	Events() <-chan Event
	// Close tears the connection down. Idempotent.
	Close() error
}

// StreamConfig carries per-call recognition parameters.
type StreamConfig struct {
	CallID     string
	SampleRate int
	Encoding   string
	Language   string
	Interim    bool
}

// Provider opens recognition streams.
type Provider interface {
	Name() string
	Open(ctx context.Context, cfg StreamConfig) (Stream, error)
}

// Class partitions provider failures for the reconnect policy.
type Class int

const (
	// ClassTransient errors reconnect with the standard backoff.
	ClassTransient Class = iota
	// ClassTimeout errors reconnect with a longer initial delay.
	ClassTimeout
	// ClassPermanent errors (auth, bad request) mark the call failed.
	ClassPermanent
)

func (c Class) String() string {
	switch c {
	case ClassTimeout:
		return "timeout"
	case ClassPermanent:
		return "permanent"
	default:
		return "transient"
	}
}

// ClassedError attaches a Class to a provider error.
type ClassedError struct {
	Err   error
	Class Class
}

func (e *ClassedError) Error() string { return e.Err.Error() }
func (e *ClassedError) Unwrap() error { return e.Err }

// WithClass wraps err with an explicit class. Nil-safe.
func WithClass(err error, c Class) error {
	if err == nil {
		return nil
	}
	return &ClassedError{Err: err, Class: c}
}

// Classify extracts the failure class from err. Unclassified errors
// default to transient so the worker retries rather than giving up;
// context deadline errors count as timeouts.
func Classify(err error) Class {
	if err == nil {
		return ClassTransient
	}
	var ce *ClassedError
	if errors.As(err, &ce) {
		return ce.Class
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ClassTimeout
	}
	var to interface{ Timeout() bool }
	if errors.As(err, &to) && to.Timeout() {
		return ClassTimeout
	}
	return ClassTransient
}

// BackoffPolicy computes reconnect delays: exponential growth from a
// class-dependent initial delay, capped at Max.
type BackoffPolicy struct {
	Initial        time.Duration // generic transient errors
	TimeoutInitial time.Duration // timeout-class errors start higher
	Max            time.Duration
	MaxAttempts    int
}

// Delay returns the wait before reconnect attempt n (1-based).
func (p BackoffPolicy) Delay(attempt int, class Class) time.Duration {
	initial := p.Initial
	if class == ClassTimeout {
		initial = p.TimeoutInitial
	}
	d := initial
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= p.Max {
			return p.Max
		}
	}
	if d > p.Max {
		return p.Max
	}
	return d
}

// Exhausted reports whether attempt exceeds the attempt cap.
func (p BackoffPolicy) Exhausted(attempt int) bool {
	return p.MaxAttempts > 0 && attempt > p.MaxAttempts
}
