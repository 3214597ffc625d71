// Package inproc is a synchronous in-memory bus backend used for
// deterministic tests. No persistence: messages live in a per-topic
// append-only slice and are lost on process end. Consumer-group cursors
// survive unsubscribe, so a group that re-subscribes resumes where it
// left off, while a brand-new group starts from the beginning of the
// retained backlog.
package inproc

import (
	"context"
	"sync"
	"time"

	"callstream-pipeline/internal/bus"
)

// retryDelay paces redelivery after a handler error so failing handlers
// do not spin the scheduler in tests.
const retryDelay = 2 * time.Millisecond

type groupKey struct {
	topic string
	group string
}

// Bus implements bus.Bus entirely in memory.
type Bus struct {
	mu     sync.Mutex
	cond   *sync.Cond
	logs   map[string][]bus.Message
	groups map[groupKey]*groupState
	closed bool

	// publishErr, when set, makes Publish fail and Healthy report false.
	// Used by gateway fallback tests to simulate an outage.
	publishErr error
}

type groupState struct {
	cursor   int
	handlers []*subscription
	next     int // round-robin index over handlers
	running  bool
}

type subscription struct {
	b       *Bus
	topic   string
	group   string
	handler bus.Handler
	once    sync.Once
}

// New creates an empty in-process bus.
func New() *Bus {
	b := &Bus{
		logs:   make(map[string][]bus.Message),
		groups: make(map[groupKey]*groupState),
	}
	b.cond = sync.NewCond(&b.mu)
	return b
}

// SetPublishError forces every subsequent Publish to fail with err.
// Pass nil to restore normal operation.
func (b *Bus) SetPublishError(err error) {
	b.mu.Lock()
	b.publishErr = err
	b.mu.Unlock()
}

func (b *Bus) Publish(_ context.Context, topic, key string, value []byte) error {
	if !bus.ValidTopic(topic) {
		return bus.ErrBadTopic
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return bus.ErrClosed
	}
	if b.publishErr != nil {
		return b.publishErr
	}
	// Copy the payload so callers can reuse their buffers.
	v := make([]byte, len(value))
	copy(v, value)
	b.logs[topic] = append(b.logs[topic], bus.Message{Topic: topic, Key: key, Value: v})
	b.cond.Broadcast()
	return nil
}

func (b *Bus) Subscribe(ctx context.Context, topic, group string, h bus.Handler) (bus.Subscription, error) {
	if !bus.ValidTopic(topic) {
		return nil, bus.ErrBadTopic
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, bus.ErrClosed
	}
	key := groupKey{topic: topic, group: group}
	gs, ok := b.groups[key]
	if !ok {
		// First subscribe for this group: cursor 0 so the existing
		// backlog is delivered, not skipped.
		gs = &groupState{}
		b.groups[key] = gs
	}
	sub := &subscription{b: b, topic: topic, group: group, handler: h}
	gs.handlers = append(gs.handlers, sub)
	if !gs.running {
		gs.running = true
		go b.deliverLoop(ctx, key, gs)
	}
	return sub, nil
}

// deliverLoop drains the topic log for one consumer group. Exactly one
// loop runs per (topic, group); additional group members share it
// round-robin, which keeps per-key ordering intact.
func (b *Bus) deliverLoop(ctx context.Context, key groupKey, gs *groupState) {
	for {
		b.mu.Lock()
		for !b.closed && len(gs.handlers) > 0 && gs.cursor >= len(b.logs[key.topic]) {
			b.cond.Wait()
		}
		if b.closed || len(gs.handlers) == 0 {
			gs.running = false
			b.mu.Unlock()
			return
		}
		msg := b.logs[key.topic][gs.cursor]
		sub := gs.handlers[gs.next%len(gs.handlers)]
		b.mu.Unlock()

		if err := sub.handler(ctx, msg); err != nil {
			// Cursor stays put: the message is redelivered.
			time.Sleep(retryDelay)
			continue
		}

		b.mu.Lock()
		gs.cursor++
		gs.next++
		b.mu.Unlock()
	}
}

func (b *Bus) Healthy(context.Context) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return !b.closed && b.publishErr == nil
}

func (b *Bus) Close() error {
	b.mu.Lock()
	b.closed = true
	b.cond.Broadcast()
	b.mu.Unlock()
	return nil
}

func (s *subscription) Topic() string { return s.topic }
func (s *subscription) Group() string { return s.group }

func (s *subscription) Unsubscribe() error {
	s.once.Do(func() {
		s.b.mu.Lock()
		gs := s.b.groups[groupKey{topic: s.topic, group: s.group}]
		if gs != nil {
			for i, h := range gs.handlers {
				if h == s {
					gs.handlers = append(gs.handlers[:i], gs.handlers[i+1:]...)
					break
				}
			}
		}
		s.b.cond.Broadcast()
		s.b.mu.Unlock()
	})
	return nil
}

var _ bus.Bus = (*Bus)(nil)
