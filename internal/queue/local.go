package queue

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"

	"github.com/brewline/control-plane/internal/apperrors"
)

// LocalQueue is the in-process fallback queue: a bounded channel drained
// by N worker goroutines, each applying the same handler. It is used when
// the Kafka broker is unreachable at startup, and can also serve as the
// sole backend in development (QUEUE_BROKER_URL unset).
type LocalQueue struct {
	ch          chan Job
	workerCount int
	maxRetries  int

	mu      sync.Mutex
	cancel  context.CancelFunc
	closed  bool
}

// NewLocalQueue builds a bounded local queue with the given capacity and
// worker pool size.
func NewLocalQueue(capacity, workerCount, maxRetries int) *LocalQueue {
	if workerCount < 1 {
		workerCount = 1
	}
	return &LocalQueue{
		ch:          make(chan Job, capacity),
		workerCount: workerCount,
		maxRetries:  maxRetries,
	}
}

func (q *LocalQueue) Enqueue(ctx context.Context, job Job) error {
	select {
	case q.ch <- job:
		return nil
	default:
		return apperrors.New(apperrors.KindQueueOverflow, "queue.Enqueue", "local queue at capacity", nil)
	}
}

func (q *LocalQueue) Run(ctx context.Context, handler Handler) error {
	ctx, cancel := context.WithCancel(ctx)
	q.mu.Lock()
	q.cancel = cancel
	q.mu.Unlock()

	var wg sync.WaitGroup
	for i := 0; i < q.workerCount; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			q.worker(ctx, workerID, handler)
		}(i)
	}
	wg.Wait()
	return nil
}

func (q *LocalQueue) worker(ctx context.Context, id int, handler Handler) {
	for {
		select {
		case <-ctx.Done():
			return
		case job, ok := <-q.ch:
			if !ok {
				return
			}
			q.deliver(ctx, job, handler)
		}
	}
}

// deliver applies handler with exponential backoff on retryable failures,
// classified by the handler's returned apperrors.Kind. At-least-once:
// the handler MAY be retried, and MUST be idempotent.
func (q *LocalQueue) deliver(ctx context.Context, job Job, handler Handler) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	bo := backoff.WithMaxRetries(b, uint64(q.maxRetries))

	attempt := 0
	err := backoff.Retry(func() error {
		attempt++
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

	if err != nil {
		log.Error().Err(err).Str("conversation_id", job.ConversationID).Int("attempts", attempt).
			Msg("job delivery failed, sending to dead letter")
	}
}

func (q *LocalQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil
	}
	q.closed = true
	if q.cancel != nil {
		q.cancel()
	}
	close(q.ch)
	return nil
}

func (q *LocalQueue) HealthCheck(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return errors.New("local queue closed")
	}
	return nil
}
