// Package amqpbus is the conventional broker bus backend (RabbitMQ).
// Each topic is a routing key on one topic exchange; a consumer group is
// a durable queue named <group>.<topic> bound to that key, which gives
// exactly-once-per-group fan-out and keeps backlog published before the
// first subscribe. Handlers ack manually; failures are nacked with
// requeue, so the cursor never advances past an unhandled message.
package amqpbus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"

	"callstream-pipeline/internal/bus"
)

const exchange = "callstream"

// Config holds broker adapter configuration.
type Config struct {
	URL            string
	ReconnectDelay time.Duration
}

func (c Config) withDefaults() Config {
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = 2 * time.Second
	}
	return c
}

// Bus implements bus.Bus on an AMQP 0.9.1 broker.
type Bus struct {
	cfg    Config
	logger zerolog.Logger

	// mu guards the shared connection and the publish channel; a single
	// underlying connection is reused across subscriptions.
	mu     sync.Mutex
	conn   *amqp.Connection
	pubCh  *amqp.Channel
	closed bool
}

// New dials the broker and declares the exchange. Bad credentials or an
// unreachable broker fail here, at startup.
func New(cfg Config, logger zerolog.Logger) (*Bus, error) {
	cfg = cfg.withDefaults()
	b := &Bus{cfg: cfg, logger: logger.With().Str("component", "amqpbus").Logger()}
	if err := b.connect(); err != nil {
		return nil, err
	}
	b.logger.Info().Msg("amqp bus initialized")
	return b, nil
}

// connect establishes the shared connection and publish channel.
// Callers must not hold mu.
func (b *Bus) connect() error {
	conn, err := amqp.Dial(b.cfg.URL)
	if err != nil {
		return fmt.Errorf("amqpbus: dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("amqpbus: channel: %w", err)
	}
	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		_ = conn.Close()
		return fmt.Errorf("amqpbus: exchange declare: %w", err)
	}
	b.mu.Lock()
	b.conn = conn
	b.pubCh = ch
	b.mu.Unlock()
	return nil
}

func (b *Bus) Publish(ctx context.Context, topic, key string, value []byte) error {
	if !bus.ValidTopic(topic) {
		return bus.ErrBadTopic
	}
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return bus.ErrClosed
	}
	ch := b.pubCh
	b.mu.Unlock()
	if ch == nil || ch.IsClosed() {
		if err := b.reconnect(); err != nil {
			return errors.Join(bus.ErrUnavailable, err)
		}
		b.mu.Lock()
		ch = b.pubCh
		b.mu.Unlock()
	}
	err := ch.PublishWithContext(ctx, exchange, topic, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    key,
		Timestamp:    time.Now(),
		Body:         value,
	})
	if err != nil {
		b.logger.Error().Err(err).Str("topic", topic).Msg("amqp publish failed")
		return errors.Join(bus.ErrUnavailable, err)
	}
	return nil
}

// reconnect re-dials after a dropped connection. Transient failures are
// retried by the caller's publish path or the consumer loops.
func (b *Bus) reconnect() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return bus.ErrClosed
	}
	if b.pubCh != nil && !b.pubCh.IsClosed() {
		b.mu.Unlock()
		return nil
	}
	b.mu.Unlock()
	return b.connect()
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
	b.mu.Unlock()

	subCtx, cancel := context.WithCancel(ctx)
	s := &subscription{topic: topic, group: group, cancel: cancel}
	go b.consumeLoop(subCtx, s, h)
	return s, nil
}

// consumeLoop owns one consumer channel and survives broker restarts by
// re-declaring its queue and binding on every (re)connect.
func (b *Bus) consumeLoop(ctx context.Context, s *subscription, h bus.Handler) {
	queue := s.group + "." + s.topic
	for ctx.Err() == nil {
		deliveries, ch, err := b.openConsumer(queue, s.topic)
		if err != nil {
			b.logger.Warn().Err(err).Str("queue", queue).Msg("consumer setup failed, retrying")
			select {
			case <-ctx.Done():
				return
			case <-time.After(b.cfg.ReconnectDelay):
			}
			continue
		}
		b.drain(ctx, deliveries, h, queue)
		_ = ch.Close()
	}
}

func (b *Bus) openConsumer(queue, topic string) (<-chan amqp.Delivery, *amqp.Channel, error) {
	b.mu.Lock()
	conn := b.conn
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return nil, nil, bus.ErrClosed
	}
	if conn == nil || conn.IsClosed() {
		if err := b.reconnect(); err != nil {
			return nil, nil, err
		}
		b.mu.Lock()
		conn = b.conn
		b.mu.Unlock()
	}
	ch, err := conn.Channel()
	if err != nil {
		return nil, nil, err
	}
	if err := ch.Qos(32, 0, false); err != nil {
		_ = ch.Close()
		return nil, nil, err
	}
	if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		_ = ch.Close()
		return nil, nil, err
	}
	if err := ch.QueueBind(queue, topic, exchange, false, nil); err != nil {
		_ = ch.Close()
		return nil, nil, err
	}
	deliveries, err := ch.Consume(queue, "", false, false, false, false, nil)
	if err != nil {
		_ = ch.Close()
		return nil, nil, err
	}
	return deliveries, ch, nil
}

func (b *Bus) drain(ctx context.Context, deliveries <-chan amqp.Delivery, h bus.Handler, queue string) {
	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-deliveries:
			if !ok {
				return
			}
			msg := bus.Message{
				Topic: d.RoutingKey,
				Key:   d.MessageId,
				Value: d.Body,
			}
			if err := h(ctx, msg); err != nil {
				b.logger.Warn().Err(err).Str("queue", queue).Msg("handler failed, requeueing")
				_ = d.Nack(false, true)
				continue
			}
			_ = d.Ack(false)
		}
	}
}

func (b *Bus) Healthy(context.Context) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return !b.closed && b.conn != nil && !b.conn.IsClosed()
}

func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	conn := b.conn
	b.mu.Unlock()
	if conn != nil {
		return conn.Close()
	}
	return nil
}

type subscription struct {
	topic  string
	group  string
	cancel context.CancelFunc
	once   sync.Once
}

func (s *subscription) Topic() string { return s.topic }
func (s *subscription) Group() string { return s.group }

func (s *subscription) Unsubscribe() error {
	s.once.Do(s.cancel)
	return nil
}

var _ bus.Bus = (*Bus)(nil)
