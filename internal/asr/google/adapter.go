// Package google implements the asr contract on Google Cloud
// Speech-to-Text streaming recognition. Requires
// GOOGLE_APPLICATION_CREDENTIALS in the environment.
package google

import (
	"context"
	"fmt"
	"io"
	"sync"

	speech "cloud.google.com/go/speech/apiv1"
	"cloud.google.com/go/speech/apiv1/speechpb"
	"github.com/rs/zerolog"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"callstream-pipeline/internal/asr"
)

// Provider shares one gRPC client across all call streams.
type Provider struct {
	client   *speech.Client
	language string
	logger   zerolog.Logger
}

// New creates the Google STT provider.
func New(ctx context.Context, language string, logger zerolog.Logger) (*Provider, error) {
	c, err := speech.NewClient(ctx)
	if err != nil {
		return nil, err
	}
	if language == "" {
		language = "en-US"
	}
	return &Provider{
		client:   c,
		language: language,
		logger:   logger.With().Str("component", "google_stt").Logger(),
	}, nil
}

func (p *Provider) Name() string { return "google" }

// Close releases the shared gRPC client.
func (p *Provider) Close() error { return p.client.Close() }

func (p *Provider) Open(ctx context.Context, cfg asr.StreamConfig) (asr.Stream, error) {
	s := &stream{
		provider: p,
		cfg:      cfg,
		events:   make(chan asr.Event, 64),
		state:    asr.TransportConnecting,
		logger:   p.logger.With().Str("callId", cfg.CallID).Logger(),
	}
	go s.open(ctx)
	return s, nil
}

type stream struct {
	provider *Provider
	cfg      asr.StreamConfig
	events   chan asr.Event
	logger   zerolog.Logger

	mu    sync.Mutex
	grpc  speechpb.Speech_StreamingRecognizeClient
	state asr.TransportState
	once  sync.Once
}

func (s *stream) open(ctx context.Context) {
	gs, err := s.provider.client.StreamingRecognize(ctx)
	if err == nil {
		// The streaming config must be the first request on the stream.
		err = gs.Send(&speechpb.StreamingRecognizeRequest{
			StreamingRequest: &speechpb.StreamingRecognizeRequest_StreamingConfig{
				StreamingConfig: &speechpb.StreamingRecognitionConfig{
					Config: &speechpb.RecognitionConfig{
						Encoding:        wireEncoding(s.cfg.Encoding),
						SampleRateHertz: int32(s.cfg.SampleRate),
						LanguageCode:    s.provider.language,
					},
					InterimResults: s.cfg.Interim,
				},
			},
		})
	}
	if err != nil {
		s.mu.Lock()
		s.state = asr.TransportClosed
		s.mu.Unlock()
		s.emit(asr.Event{Kind: asr.EventError, Err: classify(err)})
		s.emit(asr.Event{Kind: asr.EventClosed})
		close(s.events)
		return
	}

	s.mu.Lock()
	if s.state == asr.TransportClosed {
		s.mu.Unlock()
		_ = gs.CloseSend()
		close(s.events)
		return
	}
	s.grpc = gs
	s.state = asr.TransportOpen
	s.mu.Unlock()

	s.emit(asr.Event{Kind: asr.EventOpen})
	s.recvLoop(gs)
}

func (s *stream) recvLoop(gs speechpb.Speech_StreamingRecognizeClient) {
	defer func() {
		s.mu.Lock()
		s.state = asr.TransportClosed
		s.mu.Unlock()
		s.emit(asr.Event{Kind: asr.EventClosed})
		close(s.events)
	}()
	for {
		resp, err := gs.Recv()
		if err != nil {
			if err != io.EOF {
				s.emit(asr.Event{Kind: asr.EventError, Err: classify(err)})
			}
			return
		}
		for _, r := range resp.Results {
			if len(r.Alternatives) == 0 {
				continue
			}
			alt := r.Alternatives[0]
			s.emit(asr.Event{Kind: asr.EventTranscript, Transcript: asr.Transcript{
				Text:       alt.Transcript,
				Confidence: float64(alt.Confidence),
				Final:      r.IsFinal,
			}})
		}
	}
}

func (s *stream) Send(audio []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != asr.TransportOpen || s.grpc == nil {
		return asr.WithClass(fmt.Errorf("google: send in state %s", s.state), asr.ClassTransient)
	}
	return s.grpc.Send(&speechpb.StreamingRecognizeRequest{
		StreamingRequest: &speechpb.StreamingRecognizeRequest_AudioContent{
			AudioContent: audio,
		},
	})
}

// KeepAlive is a no-op: the gRPC channel carries HTTP/2 pings and Google
// tolerates idle streams up to its own limit, enforced by the worker's
// max-gap flushing.
func (s *stream) KeepAlive() error { return nil }

func (s *stream) TransportState() asr.TransportState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *stream) Events() <-chan asr.Event { return s.events }

func (s *stream) Close() error {
	var err error
	s.once.Do(func() {
		s.mu.Lock()
		gs := s.grpc
		if s.state != asr.TransportClosed {
			s.state = asr.TransportClosing
		}
		s.mu.Unlock()
		if gs != nil {
			err = gs.CloseSend()
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

func wireEncoding(enc string) speechpb.RecognitionConfig_AudioEncoding {
	switch enc {
	case "mulaw":
		return speechpb.RecognitionConfig_MULAW
	default:
		return speechpb.RecognitionConfig_LINEAR16
	}
}

// classify maps gRPC status codes onto reconnect classes.
func classify(err error) error {
	switch status.Code(err) {
	case codes.DeadlineExceeded:
		return asr.WithClass(err, asr.ClassTimeout)
	case codes.Unauthenticated, codes.PermissionDenied, codes.InvalidArgument:
		return asr.WithClass(err, asr.ClassPermanent)
	default:
		return asr.WithClass(err, asr.ClassTransient)
	}
}

var _ asr.Provider = (*Provider)(nil)
var _ asr.Stream = (*stream)(nil)
