// Package bus defines the publish/subscribe contract shared by all
// backends. Delivery is at-least-once: a consumer group's cursor advances
// only after its handler returns nil, so handlers must be idempotent or
// de-duplicate by (callId, sequence).
package bus

import (
	"context"
	"errors"
)

// Message is one delivered bus entry. Key carries the partition key
// (the call id for audio frames); Headers are adapter-dependent metadata.
type Message struct {
	Topic   string
	Key     string
	Value   []byte
	Headers map[string]string
}

// Handler processes one message. Returning an error leaves the group
// cursor in place and the message is redelivered.
type Handler func(ctx context.Context, msg Message) error

// Subscription is a consumer group's binding to a topic.
type Subscription interface {
	// Topic returns the subscribed topic.
	Topic() string
	// Group returns the consumer group name.
	Group() string
	// Unsubscribe stops delivery and releases the binding. Idempotent.
	Unsubscribe() error
}

// Bus is the pluggable publish/subscribe abstraction.
//
// Ordering: within one topic partition (keyed by call id) delivery order
// matches publish order for a single producer. No cross-call guarantee.
//
// First-read boundary: a consumer group's FIRST subscribe to a topic reads
// from the start of any already-published backlog, not only new entries.
// Later reads resume from the committed cursor.
type Bus interface {
	// Publish writes one message. May return ErrUnavailable (retryable);
	// callers treat that as a signal to engage fallback buffering.
	Publish(ctx context.Context, topic, key string, value []byte) error
	// Subscribe binds a consumer group handler to a topic.
	Subscribe(ctx context.Context, topic, group string, h Handler) (Subscription, error)
	// Healthy reports whether the backend is currently reachable.
	Healthy(ctx context.Context) bool
	// Close releases all adapter resources.
	Close() error
}

// ErrUnavailable marks transient connectivity or saturation failures.
// Publishers retry or buffer; it is never fatal past startup.
var ErrUnavailable = errors.New("bus: backend unavailable")

// ErrBadTopic marks a permanent configuration error (malformed topic,
// bad credentials). Fatal at startup only.
var ErrBadTopic = errors.New("bus: invalid topic")

// ErrClosed is returned by operations on a closed bus.
var ErrClosed = errors.New("bus: closed")
