// Package deepgram implements the asr contract against the Deepgram live
// transcription WebSocket API. The SDK is deliberately not used: the
// bridge needs the transport's live ready-state before every send, and a
// raw connection is the only way to observe it without a cached flag.
package deepgram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"callstream-pipeline/internal/asr"
)

const defaultBaseURL = "wss://api.deepgram.com/v1/listen"

// Config holds provider-level settings shared by all calls.
type Config struct {
	APIKey           string
	Model            string
	BaseURL          string
	HandshakeTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.BaseURL == "" {
		c.BaseURL = defaultBaseURL
	}
	if c.Model == "" {
		c.Model = "nova-2"
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 5 * time.Second
	}
	return c
}

// Provider opens one live stream per call.
type Provider struct {
	cfg    Config
	logger zerolog.Logger
}

// New creates the Deepgram provider. The API key is required.
func New(cfg Config, logger zerolog.Logger) (*Provider, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("deepgram: api key required")
	}
	return &Provider{
		cfg:    cfg.withDefaults(),
		logger: logger.With().Str("component", "deepgram").Logger(),
	}, nil
}

func (p *Provider) Name() string { return "deepgram" }

// Open returns immediately with a stream in the CONNECTING state and
// dials in the background; EventOpen is emitted once the handshake
// completes. Sends attempted before that are the caller's to queue.
func (p *Provider) Open(ctx context.Context, cfg asr.StreamConfig) (asr.Stream, error) {
	s := &stream{
		provider: p,
		cfg:      cfg,
		events:   make(chan asr.Event, 64),
		state:    asr.TransportConnecting,
		logger:   p.logger.With().Str("callId", cfg.CallID).Logger(),
	}
	go s.dial(ctx)
	return s, nil
}

type stream struct {
	provider *Provider
	cfg      asr.StreamConfig
	events   chan asr.Event
	logger   zerolog.Logger

	mu      sync.Mutex // guards conn, state and writes
	conn    *websocket.Conn
	state   asr.TransportState
	closeOn sync.Once
}

func (s *stream) dial(ctx context.Context) {
	u, err := url.Parse(s.provider.cfg.BaseURL)
	if err != nil {
		s.fail(asr.WithClass(err, asr.ClassPermanent))
		return
	}
	q := u.Query()
	q.Set("model", s.provider.cfg.Model)
	if s.cfg.Language != "" {
		q.Set("language", s.cfg.Language)
	}
	q.Set("encoding", wireEncoding(s.cfg.Encoding))
	q.Set("sample_rate", strconv.Itoa(s.cfg.SampleRate))
	q.Set("channels", "1")
	q.Set("interim_results", strconv.FormatBool(s.cfg.Interim))
	q.Set("smart_format", "true")
	u.RawQuery = q.Encode()

	header := http.Header{}
	header.Set("Authorization", "Token "+s.provider.cfg.APIKey)

	dialer := websocket.Dialer{HandshakeTimeout: s.provider.cfg.HandshakeTimeout}
	conn, resp, err := dialer.DialContext(ctx, u.String(), header)
	if err != nil {
		s.fail(classifyDial(err, resp))
		return
	}

	s.mu.Lock()
	if s.state == asr.TransportClosed {
		// Closed while the dial was in flight.
		s.mu.Unlock()
		_ = conn.Close()
		close(s.events)
		return
	}
	s.conn = conn
	s.state = asr.TransportOpen
	s.mu.Unlock()

	s.logger.Info().Str("model", s.provider.cfg.Model).Int("sampleRate", s.cfg.SampleRate).Msg("deepgram connected")
	s.emit(asr.Event{Kind: asr.EventOpen})
	s.readLoop(conn)
}

// fail marks the stream closed and surfaces the dial error.
func (s *stream) fail(err error) {
	s.mu.Lock()
	s.state = asr.TransportClosed
	s.mu.Unlock()
	s.logger.Error().Err(err).Msg("deepgram connect failed")
	s.emit(asr.Event{Kind: asr.EventError, Err: err})
	s.emit(asr.Event{Kind: asr.EventClosed})
	close(s.events)
}

// liveMessage is the subset of Deepgram's response schema the bridge
// consumes.
type liveMessage struct {
	Type        string `json:"type"`
	IsFinal     bool   `json:"is_final"`
	SpeechFinal bool   `json:"speech_final"`
	Channel     struct {
		Alternatives []struct {
			Transcript string  `json:"transcript"`
			Confidence float64 `json:"confidence"`
		} `json:"alternatives"`
	} `json:"channel"`
	Description string `json:"description"`
	ErrCode     string `json:"err_code"`
}

func (s *stream) readLoop(conn *websocket.Conn) {
	defer func() {
		s.mu.Lock()
		s.state = asr.TransportClosed
		s.mu.Unlock()
		s.emit(asr.Event{Kind: asr.EventClosed})
		close(s.events)
	}()
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.emit(asr.Event{Kind: asr.EventError, Err: asr.WithClass(err, asr.ClassTransient)})
			}
			return
		}
		var msg liveMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			s.logger.Warn().Err(err).Msg("unparseable provider message")
			continue
		}
		switch msg.Type {
		case "Results":
			if len(msg.Channel.Alternatives) == 0 {
				continue
			}
			alt := msg.Channel.Alternatives[0]
			s.emit(asr.Event{Kind: asr.EventTranscript, Transcript: asr.Transcript{
				Text:       alt.Transcript,
				Confidence: alt.Confidence,
				Final:      msg.IsFinal || msg.SpeechFinal,
			}})
		case "Error":
			err := fmt.Errorf("deepgram: %s (%s)", msg.Description, msg.ErrCode)
			s.emit(asr.Event{Kind: asr.EventError, Err: asr.WithClass(err, asr.ClassTransient)})
		case "Metadata", "UtteranceEnd", "SpeechStarted":
			// Informational only.
		default:
			s.logger.Debug().Str("type", msg.Type).Msg("unhandled provider event")
		}
	}
}

func (s *stream) Send(audio []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != asr.TransportOpen || s.conn == nil {
		return asr.WithClass(fmt.Errorf("deepgram: send in state %s", s.state), asr.ClassTransient)
	}
	return s.conn.WriteMessage(websocket.BinaryMessage, audio)
}

func (s *stream) KeepAlive() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != asr.TransportOpen || s.conn == nil {
		return asr.WithClass(fmt.Errorf("deepgram: keepalive in state %s", s.state), asr.ClassTransient)
	}
	return s.conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"KeepAlive"}`))
}

// TransportState reports the live transport state under the same lock
// that guards writes, so a caller that checks-then-sends cannot observe
// a socket mid-teardown.
func (s *stream) TransportState() asr.TransportState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *stream) Events() <-chan asr.Event { return s.events }

func (s *stream) Close() error {
	var err error
	s.closeOn.Do(func() {
		s.mu.Lock()
		conn := s.conn
		if s.state != asr.TransportClosed {
			s.state = asr.TransportClosing
		}
		s.mu.Unlock()
		if conn != nil {
			// Best effort: tell Deepgram the stream is done so it
			// flushes any pending final before the close.
			_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"CloseStream"}`))
			err = conn.Close()
		} else {
			s.mu.Lock()
			s.state = asr.TransportClosed
			s.mu.Unlock()
		}
	})
	return err
}

func (s *stream) emit(ev asr.Event) {
	select {
	case s.events <- ev:
	default:
		s.logger.Warn().Msg("provider event channel full, dropping event")
	}
}

func wireEncoding(enc string) string {
	switch enc {
	case "mulaw":
		return "mulaw"
	default:
		return "linear16"
	}
}

func classifyDial(err error, resp *http.Response) error {
	if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
		return asr.WithClass(fmt.Errorf("deepgram: handshake rejected: %s", resp.Status), asr.ClassPermanent)
	}
	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return asr.WithClass(err, asr.ClassTimeout)
	}
	return asr.WithClass(err, asr.ClassTransient)
}

var _ asr.Provider = (*Provider)(nil)
var _ asr.Stream = (*stream)(nil)
