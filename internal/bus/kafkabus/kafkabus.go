// Package kafkabus is the durable log-based bus backend. Topics are Kafka
// topics keyed by call id, consumer groups map to Kafka consumer groups,
// and the first-read backlog rule is provided by StartOffset=FirstOffset:
// a group with no committed offset begins at the earliest retained message.
package kafkabus

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"

	"callstream-pipeline/internal/bus"
)

// Config holds Kafka adapter configuration.
type Config struct {
	Brokers      []string
	DialTimeout  time.Duration
	WriteTimeout time.Duration
	// CommitInterval of 0 commits synchronously after each handled message,
	// which is what at-least-once delivery requires here.
}

func (c Config) withDefaults() Config {
	if c.DialTimeout <= 0 {
		c.DialTimeout = 10 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	return c
}

// Bus implements bus.Bus on Kafka.
type Bus struct {
	cfg       Config
	transport *kafka.Transport
	logger    zerolog.Logger

	// writers is a shared pool, one writer per topic, guarded by mu:
	// kafka-go writers are safe for concurrent use but creation is not.
	mu      sync.Mutex
	writers map[string]*kafka.Writer
	subs    []*subscription
	closed  bool
}

// New creates the Kafka adapter. Broker reachability is probed once so
// that bad configuration fails at startup rather than on first publish.
func New(ctx context.Context, cfg Config, logger zerolog.Logger) (*Bus, error) {
	cfg = cfg.withDefaults()
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("kafkabus: no brokers configured")
	}
	dialer := &kafka.Dialer{Timeout: cfg.DialTimeout, DualStack: true}
	b := &Bus{
		cfg:       cfg,
		transport: &kafka.Transport{Dial: dialer.DialFunc},
		logger:    logger.With().Str("component", "kafkabus").Logger(),
		writers:   make(map[string]*kafka.Writer),
	}
	conn, err := dialer.DialContext(ctx, "tcp", cfg.Brokers[0])
	if err != nil {
		return nil, err
	}
	_ = conn.Close()
	b.logger.Info().Strs("brokers", cfg.Brokers).Msg("kafka bus initialized")
	return b, nil
}

func (b *Bus) writer(topic string) (*kafka.Writer, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, bus.ErrClosed
	}
	if w, ok := b.writers[topic]; ok {
		return w, nil
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(b.cfg.Brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{}, // per-key ordering: same call id, same partition
		BatchTimeout: 10 * time.Millisecond,
		WriteTimeout: b.cfg.WriteTimeout,
		RequiredAcks: kafka.RequireOne,
		Transport:    b.transport,
		AllowAutoTopicCreation: true,
	}
	b.writers[topic] = w
	return w, nil
}

func (b *Bus) Publish(ctx context.Context, topic, key string, value []byte) error {
	if !bus.ValidTopic(topic) {
		return bus.ErrBadTopic
	}
	w, err := b.writer(topic)
	if err != nil {
		return err
	}
	msg := kafka.Message{Key: []byte(key), Value: value}
	if err := w.WriteMessages(ctx, msg); err != nil {
		b.logger.Error().Err(err).Str("topic", topic).Str("key", key).Msg("kafka write failed")
		// Saturation and connectivity failures are retryable; callers
		// engage fallback buffering instead of treating them as fatal.
		return errors.Join(bus.ErrUnavailable, err)
	}
	return nil
}

func (b *Bus) Subscribe(ctx context.Context, topic, group string, h bus.Handler) (bus.Subscription, error) {
	if !bus.ValidTopic(topic) {
		return nil, bus.ErrBadTopic
	}
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, bus.ErrClosed
	}
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers: b.cfg.Brokers,
		Topic:   topic,
		GroupID: group,
		// First read of a new group starts from the earliest retained
		// message so backlog published before the subscribe is not lost.
		StartOffset: kafka.FirstOffset,
		MinBytes:    1,
		MaxBytes:    10 << 20,
		MaxWait:     250 * time.Millisecond,
	})
	subCtx, cancel := context.WithCancel(ctx)
	s := &subscription{topic: topic, group: group, reader: reader, cancel: cancel}
	b.subs = append(b.subs, s)
	b.mu.Unlock()

	go b.consumeLoop(subCtx, s, h)
	return s, nil
}

// consumeLoop fetches, handles and commits one message at a time. A
// handler error leaves the offset uncommitted and the same message is
// retried with backoff, preserving at-least-once semantics.
func (b *Bus) consumeLoop(ctx context.Context, s *subscription, h bus.Handler) {
	backoff := 100 * time.Millisecond
	for {
		m, err := s.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			b.logger.Warn().Err(err).Str("topic", s.topic).Str("group", s.group).Msg("kafka fetch failed")
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			continue
		}
		msg := bus.Message{
			Topic: s.topic,
			Key:   string(m.Key),
			Value: m.Value,
		}
		if len(m.Headers) > 0 {
			msg.Headers = make(map[string]string, len(m.Headers))
			for _, hdr := range m.Headers {
				msg.Headers[hdr.Key] = string(hdr.Value)
			}
		}
		for {
			if err := h(ctx, msg); err == nil {
				break
			} else {
				b.logger.Warn().Err(err).Str("topic", s.topic).Uint64("offset", uint64(m.Offset)).Msg("handler failed, will redeliver")
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
		}
		if err := s.reader.CommitMessages(ctx, m); err != nil && ctx.Err() == nil {
			b.logger.Error().Err(err).Str("topic", s.topic).Msg("kafka commit failed")
		}
	}
}

func (b *Bus) Healthy(ctx context.Context) bool {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return false
	}
	b.mu.Unlock()
	dialer := &kafka.Dialer{Timeout: 2 * time.Second}
	conn, err := dialer.DialContext(ctx, "tcp", b.cfg.Brokers[0])
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}

func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	writers := b.writers
	subs := b.subs
	b.writers = nil
	b.subs = nil
	b.mu.Unlock()

	var err error
	for _, s := range subs {
		if e := s.Unsubscribe(); e != nil {
			err = e
		}
	}
	for topic, w := range writers {
		if e := w.Close(); e != nil {
			b.logger.Error().Err(e).Str("topic", topic).Msg("error closing writer")
			err = e
		}
	}
	return err
}

type subscription struct {
	topic  string
	group  string
	reader *kafka.Reader
	cancel context.CancelFunc
	once   sync.Once
	err    error
}

func (s *subscription) Topic() string { return s.topic }
func (s *subscription) Group() string { return s.group }

func (s *subscription) Unsubscribe() error {
	s.once.Do(func() {
		s.cancel()
		s.err = s.reader.Close()
	})
	return s.err
}

var _ bus.Bus = (*Bus)(nil)
