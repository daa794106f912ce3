// Package queue implements the at-least-once work queue: a Kafka-backed
// broker with an in-process fallback used when the broker is unreachable
// at startup. A broker that fails after startup is not replaced by the
// fallback.
package queue

import (
	"context"
	"time"
)

// Job is the unit of work handed from the webhook gate to a reply-pipeline
// worker. It intentionally carries no send callback: callbacks cannot be
// serialized across a broker, so the consumer reconstructs one from
// AccountID/ConversationID (see replypipeline).
type Job struct {
	ConversationID string    `json:"conversation_id"`
	AccountID      string    `json:"account_id"`
	ContactID      string    `json:"contact_id,omitempty"`
	InboxTag       string    `json:"inbox_tag,omitempty"`
	RawMessage     string    `json:"raw_message"`
	ReceivedAt     time.Time `json:"received_at"`
}

// Handler processes one job. A Handler error carrying a non-retryable
// apperrors.Kind stops retrying at once; any other error is retried with
// backoff until the queue's retry budget runs out. A job that still fails
// is dead-lettered (KafkaQueue writes it to the <topic>.dlq topic,
// LocalQueue logs it).
type Handler func(ctx context.Context, job Job) error

// Queue is the contract both the Kafka-backed broker and the local
// in-process fallback satisfy.
type Queue interface {
	// Enqueue hands off a job for at-least-once delivery. Returns an
	// error classified apperrors.KindQueueOverflow when the backing
	// store is at capacity.
	Enqueue(ctx context.Context, job Job) error

	// Run starts consuming with the given handler until ctx is
	// cancelled. Run blocks; callers run it in a goroutine.
	Run(ctx context.Context, handler Handler) error

	// Close releases broker connections / stops worker goroutines.
	Close() error

	// HealthCheck reports whether the queue can currently accept work.
	HealthCheck(ctx context.Context) error
}
