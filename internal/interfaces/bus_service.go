package interfaces

import (
	"context"
	"time"
)

// Delivery is one message handed to a subscription handler. Body is the
// raw JSON payload; decode it with bus.Decode so malformed payloads are
// classified as non-retryable.
type Delivery struct {
	MessageID     string
	Topic         string
	CorrelationID string
	Body          []byte
	ReceiveCount  int
	EnqueuedAt    time.Time
}

// BusHandler processes one delivery. Returning an error requeues the
// message with backoff until the receive limit moves it to the dead
// letter store; wrap errors with bus.NonRetryable to dead-letter
// immediately.
type BusHandler func(ctx context.Context, delivery Delivery) error

// Publisher is the write side of the bus. Payloads are JSON-marshaled;
// correlationID ties a message to the job that caused it.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload interface{}, correlationID string) error
}

// EventBus is the durable topic bus connecting the pipeline services.
// Delivery is at-least-once per consumer group: handlers must tolerate
// redelivery.
type EventBus interface {
	Publisher

	// Subscribe registers a handler for a topic under a consumer group.
	// Each group receives its own copy of every message published to the
	// topic. Must be called before Start.
	Subscribe(topic string, group string, handler BusHandler) error

	// Start launches the subscription dispatchers.
	Start() error

	// Stop drains the dispatchers and waits for in-flight handlers.
	Stop() error
}

// DeadLetter is a message that exhausted its retries or failed a
// non-retryable decode.
type DeadLetter struct {
	ID            string    `json:"id"`
	MessageID     string    `json:"message_id"`
	Topic         string    `json:"topic"`
	Group         string    `json:"group"`
	CorrelationID string    `json:"correlation_id,omitempty"`
	Body          []byte    `json:"body"`
	ReceiveCount  int       `json:"receive_count"`
	Reason        string    `json:"reason"`
	EnqueuedAt    time.Time `json:"enqueued_at"`
	DeadAt        time.Time `json:"dead_at"`
}

// DeadLetterStore exposes the dead-letter records for inspection.
type DeadLetterStore interface {
	List(ctx context.Context, limit int) ([]*DeadLetter, error)
	Count(ctx context.Context) (int, error)
	Purge(ctx context.Context) (int, error)
}
