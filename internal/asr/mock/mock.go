// Package mock provides a scripted in-memory ASR provider for tests.
// It simulates realistic provider behavior (progressive partials, one
// final per utterance) and exposes fault-injection hooks: streams can be
// held in the CONNECTING state, forced to fail mid-call, or made to
// reject sends and keepalives.
package mock

import (
	"context"
	"sync"

	"callstream-pipeline/internal/asr"
)

// Script is one simulated utterance: progressive partials followed by a
// final once the partials are exhausted.
type Script struct {
	Partials   []string
	Final      string
	Confidence float64
}

// DefaultScript mirrors a short customer-support utterance.
var DefaultScript = Script{
	Partials:   []string{"I want", "I want to", "I want to cancel"},
	Final:      "I want to cancel my subscription",
	Confidence: 0.94,
}

// Provider opens mock streams. Zero value is usable.
type Provider struct {
	mu sync.Mutex
	// HoldConnecting keeps new streams in CONNECTING until Release is
	// called on them; used by ready-gate tests.
	HoldConnecting bool
	// OpenErr, when set, makes Open fail outright.
	OpenErr error
	// ScriptFor returns the script for a call; nil means DefaultScript.
	ScriptFor func(callID string) Script

	streams []*Stream
}

// NewProvider creates a mock provider.
func NewProvider() *Provider { return &Provider{} }

func (p *Provider) Name() string { return "mock" }

func (p *Provider) Open(_ context.Context, cfg asr.StreamConfig) (asr.Stream, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.OpenErr != nil {
		return nil, p.OpenErr
	}
	script := DefaultScript
	if p.ScriptFor != nil {
		script = p.ScriptFor(cfg.CallID)
	}
	s := &Stream{
		cfg:    cfg,
		script: script,
		events: make(chan asr.Event, 64),
		state:  asr.TransportConnecting,
	}
	p.streams = append(p.streams, s)
	if !p.HoldConnecting {
		s.Release()
	}
	return s, nil
}

// Streams returns every stream opened so far, in order.
func (p *Provider) Streams() []*Stream {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*Stream, len(p.streams))
	copy(out, p.streams)
	return out
}

// OpenCount reports how many streams were opened (reconnects show up
// as additional streams).
func (p *Provider) OpenCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.streams)
}

// Stream is a scripted provider connection.
type Stream struct {
	cfg    asr.StreamConfig
	script Script
	events chan asr.Event

	mu           sync.Mutex
	state        asr.TransportState
	sent         [][]byte
	keepalives   int
	partialIdx   int
	finalSent    bool
	sendErr      error
	keepaliveErr error
	closed       bool
}

// Release transitions a held stream from CONNECTING to OPEN.
func (s *Stream) Release() {
	s.mu.Lock()
	if s.state != asr.TransportConnecting {
		s.mu.Unlock()
		return
	}
	s.state = asr.TransportOpen
	s.mu.Unlock()
	s.events <- asr.Event{Kind: asr.EventOpen}
}

// Fail simulates a provider fault: the stream closes and err is
// surfaced on the event channel.
func (s *Stream) Fail(err error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.state = asr.TransportClosed
	s.mu.Unlock()
	s.events <- asr.Event{Kind: asr.EventError, Err: err}
	s.events <- asr.Event{Kind: asr.EventClosed}
	close(s.events)
}

// Emit injects an arbitrary transcript event.
func (s *Stream) Emit(t asr.Transcript) {
	s.events <- asr.Event{Kind: asr.EventTranscript, Transcript: t}
}

// SetSendError makes subsequent Sends fail with err.
func (s *Stream) SetSendError(err error) {
	s.mu.Lock()
	s.sendErr = err
	s.mu.Unlock()
}

// SetKeepAliveError makes subsequent KeepAlives fail with err.
func (s *Stream) SetKeepAliveError(err error) {
	s.mu.Lock()
	s.keepaliveErr = err
	s.mu.Unlock()
}

// Sent returns copies of every audio chunk accepted so far.
func (s *Stream) Sent() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]byte, len(s.sent))
	copy(out, s.sent)
	return out
}

// KeepAlives reports how many keepalives were accepted.
func (s *Stream) KeepAlives() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.keepalives
}

func (s *Stream) Send(audio []byte) error {
	s.mu.Lock()
	if s.state != asr.TransportOpen {
		st := s.state
		s.mu.Unlock()
		return asr.WithClass(errSendState(st), asr.ClassTransient)
	}
	if s.sendErr != nil {
		err := s.sendErr
		s.mu.Unlock()
		return err
	}
	buf := make([]byte, len(audio))
	copy(buf, audio)
	s.sent = append(s.sent, buf)

	// Script playback: one partial per accepted chunk, then the final.
	var ev *asr.Event
	if s.partialIdx < len(s.script.Partials) {
		ev = &asr.Event{Kind: asr.EventTranscript, Transcript: asr.Transcript{
			Text: s.script.Partials[s.partialIdx],
		}}
		s.partialIdx++
	} else if !s.finalSent && s.script.Final != "" {
		s.finalSent = true
		ev = &asr.Event{Kind: asr.EventTranscript, Transcript: asr.Transcript{
			Text:       s.script.Final,
			Confidence: s.script.Confidence,
			Final:      true,
		}}
	}
	s.mu.Unlock()
	if ev != nil {
		select {
		case s.events <- *ev:
		default:
		}
	}
	return nil
}

func (s *Stream) KeepAlive() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.keepaliveErr != nil {
		return s.keepaliveErr
	}
	if s.state != asr.TransportOpen {
		return asr.WithClass(errSendState(s.state), asr.ClassTransient)
	}
	s.keepalives++
	return nil
}

func (s *Stream) TransportState() asr.TransportState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Stream) Events() <-chan asr.Event { return s.events }

func (s *Stream) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.state = asr.TransportClosed
	s.mu.Unlock()
	s.events <- asr.Event{Kind: asr.EventClosed}
	close(s.events)
	return nil
}

type errSendState asr.TransportState

func (e errSendState) Error() string {
	return "mock: stream not open (state " + asr.TransportState(e).String() + ")"
}

var _ asr.Provider = (*Provider)(nil)
var _ asr.Stream = (*Stream)(nil)
