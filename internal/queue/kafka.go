package queue

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"
	kafka "github.com/segmentio/kafka-go"

	"github.com/brewline/control-plane/internal/apperrors"
)

// KafkaQueue is the durable, broker-backed FIFO with retry and
// dead-letter semantics. When the broker cannot be dialed, NewKafkaQueue
// returns an error and the caller falls back to NewLocalQueue.
type KafkaQueue struct {
	writer     *kafka.Writer
	reader     *kafka.Reader
	dlqWriter  *kafka.Writer
	maxRetries int
}

// NewKafkaQueue dials the given brokers. Callers should treat a non-nil
// error as "broker unreachable" and fall back to NewLocalQueue.
func NewKafkaQueue(ctx context.Context, brokerURL, topic, consumerGroup string, maxRetries int) (*KafkaQueue, error) {
	dialCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	conn, err := kafka.DialContext(dialCtx, "tcp", brokerURL)
	if err != nil {
		return nil, err
	}
	conn.Close()

	writer := &kafka.Writer{
		Addr:         kafka.TCP(brokerURL),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
	}
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers: []string{brokerURL},
		Topic:   topic,
		GroupID: consumerGroup,
		MinBytes: 1,
		MaxBytes: 10e6,
	})
	dlqWriter := &kafka.Writer{
		Addr:     kafka.TCP(brokerURL),
		Topic:    topic + ".dlq",
		Balancer: &kafka.Hash{},
	}

	return &KafkaQueue{writer: writer, reader: reader, dlqWriter: dlqWriter, maxRetries: maxRetries}, nil
}

func (q *KafkaQueue) Enqueue(ctx context.Context, job Job) error {
	body, err := json.Marshal(job)
	if err != nil {
		return err
	}
	err = q.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(job.ConversationID),
		Value: body,
	})
	if err != nil {
		return apperrors.New(apperrors.KindQueueOverflow, "queue.Enqueue", "kafka write failed", err)
	}
	return nil
}

// Run consumes messages, committing an offset only after the handler
// succeeds or the message has been written to the dead-letter topic
// (at-least-once: a crash between handling and commit redelivers).
func (q *KafkaQueue) Run(ctx context.Context, handler Handler) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}
		msg, err := q.reader.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			log.Error().Err(err).Msg("kafka fetch failed")
			continue
		}
		var job Job
		if err := json.Unmarshal(msg.Value, &job); err != nil {
			log.Error().Err(err).Msg("malformed job, sending to dead letter")
			q.deadLetter(ctx, msg.Value)
			q.reader.CommitMessages(ctx, msg)
			continue
		}
		if err := q.deliver(ctx, job, handler); err != nil {
			q.deadLetter(ctx, msg.Value)
		}
		q.reader.CommitMessages(ctx, msg)
	}
}

func (q *KafkaQueue) deliver(ctx context.Context, job Job, handler Handler) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	bo := backoff.WithMaxRetries(b, uint64(q.maxRetries))

	return backoff.Retry(func() error {
		herr := handler(ctx, job)
		if herr == nil {
			return nil
		}
		var ae *apperrors.Error
		if errors.As(herr, &ae) && !apperrors.Retryable(ae.Kind) {
			return backoff.Permanent(herr)
		}
		return herr
	}, bo)
}

func (q *KafkaQueue) deadLetter(ctx context.Context, body []byte) {
	if err := q.dlqWriter.WriteMessages(ctx, kafka.Message{Value: body}); err != nil {
		log.Error().Err(err).Msg("failed to write dead letter")
	}
}

func (q *KafkaQueue) Close() error {
	_ = q.writer.Close()
	_ = q.dlqWriter.Close()
	return q.reader.Close()
}

func (q *KafkaQueue) HealthCheck(ctx context.Context) error {
	conn, err := kafka.DialContext(ctx, "tcp", q.writer.Addr.String())
	if err != nil {
		return apperrors.New(apperrors.KindStoreUnavailable, "queue.HealthCheck", "kafka unreachable", err)
	}
	return conn.Close()
}
