// Package gateway terminates edge WebSocket connections, classifies the
// wire protocol at handshake, decodes and validates audio, and publishes
// frames and call events to the bus.
package gateway

import (
	"context"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"callstream-pipeline/internal/config"
	"callstream-pipeline/internal/models"
	"callstream-pipeline/internal/observability/metrics"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 1024,
	CheckOrigin: func(*http.Request) bool {
		// Telephony vendors connect server-to-server without an Origin.
		return true
	},
}

// Server accepts edge connections on /ws.
type Server struct {
	cfg       config.GatewayConfig
	publisher *Publisher
	logger    zerolog.Logger
	metrics   *metrics.Metrics

	mu     sync.Mutex
	active int
}

// NewServer creates the gateway server.
func NewServer(cfg config.GatewayConfig, publisher *Publisher, logger zerolog.Logger) *Server {
	return &Server{
		cfg:       cfg,
		publisher: publisher,
		logger:    logger.With().Str("component", "gateway").Logger(),
		metrics:   metrics.Default,
	}
}

// Handler returns the HTTP handler serving the WebSocket endpoint.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Get("/ws", s.handleWS)
	return r
}

// ActiveConnections reports currently open edge connections.
func (s *Server) ActiveConnections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	dec, err := s.authenticate(r)
	if err != nil {
		s.logger.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("connection rejected")
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error().Err(err).Msg("websocket upgrade failed")
		return
	}

	s.metrics.ConnectionsTotal.WithLabelValues(dec.Name()).Inc()
	s.metrics.ConnectionsActive.Inc()
	s.mu.Lock()
	s.active++
	s.mu.Unlock()

	// The request context dies when this handler returns; the hijacked
	// socket outlives it.
	go s.serveConn(context.Background(), conn, dec)
}

// authError marks a handshake rejection.
type authError struct{ reason string }

func (e *authError) Error() string { return e.reason }

// authenticate classifies the protocol from handshake headers and
// checks credentials: a bearer token selects the generic protocol; all
// other connections speak the vendor protocol and are gated by IP
// allow-list or basic credentials.
func (s *Server) authenticate(r *http.Request) (decoder, error) {
	authz := r.Header.Get("Authorization")
	if strings.HasPrefix(authz, "Bearer ") {
		token := strings.TrimPrefix(authz, "Bearer ")
		for _, want := range s.cfg.AuthTokens {
			if token == want {
				return newGenericDecoder(s.logger), nil
			}
		}
		return nil, &authError{reason: "invalid bearer token"}
	}

	switch s.cfg.ExotelAuthMethod {
	case "none":
		return newExotelDecoder(s.logger), nil
	case "basic":
		user, pass, ok := r.BasicAuth()
		if !ok || user != s.cfg.ExotelUsername || pass != s.cfg.ExotelPassword {
			return nil, &authError{reason: "invalid basic credentials"}
		}
		return newExotelDecoder(s.logger), nil
	default: // "ip"
		ip := clientIP(r)
		for _, allowed := range s.cfg.ExotelAllowedIPs {
			if ip == allowed {
				return newExotelDecoder(s.logger), nil
			}
		}
		return nil, &authError{reason: "ip not in allow-list: " + ip}
	}
}

func clientIP(r *http.Request) string {
	// middleware.RealIP already folded X-Forwarded-For into RemoteAddr.
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// serveConn owns one edge connection: it drains the socket, feeds the
// protocol decoder and applies the resulting actions. All per-call
// state lives in the decoder; nothing is shared across connections.
func (s *Server) serveConn(ctx context.Context, conn *websocket.Conn, dec decoder) {
	logger := s.logger.With().Str("protocol", dec.Name()).Logger()
	conn.SetReadLimit(s.cfg.MaxMessageBytes)

	defer func() {
		_ = conn.Close()
		s.metrics.ConnectionsActive.Dec()
		s.mu.Lock()
		s.active--
		s.mu.Unlock()

		// A socket drop without a stop message still ends the call.
		if dec.CallID() != "" && dec.State() != StateStopped {
			s.publisher.PublishEvent(ctx, models.CallEvent{
				Type:        models.CallEnded,
				CallID:      dec.CallID(),
				Reason:      "connection closed",
				TimestampMs: nowMs(),
			})
		}
	}()

	for {
		// The read deadline doubles as the idle timeout: a call that
		// sends nothing for that long is torn down and its state freed.
		_ = conn.SetReadDeadline(time.Now().Add(s.cfg.IdleTimeout))
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Warn().Err(err).Str("callId", dec.CallID()).Msg("connection read failed")
			}
			return
		}

		var act action
		switch msgType {
		case websocket.TextMessage:
			act = dec.HandleText(data)
		case websocket.BinaryMessage:
			act = dec.HandleBinary(data)
		default:
			continue
		}

		if act.frame != nil {
			s.metrics.RecordFrame(len(act.frame.Payload))
			s.publisher.PublishFrame(ctx, *act.frame)
		}
		for _, ev := range act.events {
			s.publisher.PublishEvent(ctx, ev)
		}
		if act.closeConn {
			logger.Warn().Str("reason", act.closeReason).Msg("closing connection")
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.ClosePolicyViolation, act.closeReason),
				time.Now().Add(time.Second))
			return
		}
		if act.stop {
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "stream stopped"),
				time.Now().Add(time.Second))
			return
		}
	}
}
