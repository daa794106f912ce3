package resilience_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/brewline/control-plane/internal/resilience"
)

func TestLocalQueue_CapsConcurrency(t *testing.T) {
	q := resilience.NewLocalQueue(2)
	var inFlight int32
	var maxSeen int32
	var wg sync.WaitGroup

	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			q.Run(context.Background(), func(ctx context.Context) error {
				n := atomic.AddInt32(&inFlight, 1)
				for {
					cur := atomic.LoadInt32(&maxSeen)
					if n <= cur || atomic.CompareAndSwapInt32(&maxSeen, cur, n) {
						break
					}
				}
				time.Sleep(5 * time.Millisecond)
				atomic.AddInt32(&inFlight, -1)
				return nil
			})
		}()
	}
	wg.Wait()

	if maxSeen > 2 {
		t.Errorf("max concurrent = %d, want <= 2", maxSeen)
	}
}

func TestLocalQueue_RespectsContextCancellation(t *testing.T) {
	q := resilience.NewLocalQueue(1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	// Fill the only slot so the next Run call must wait on ctx.Done().
	block := make(chan struct{})
	go q.Run(context.Background(), func(ctx context.Context) error {
		<-block
		return nil
	})
	time.Sleep(5 * time.Millisecond)

	err := q.Run(ctx, func(ctx context.Context) error { return nil })
	close(block)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}

func TestShutdownRegistry_RunsHighestPriorityFirst(t *testing.T) {
	r := resilience.NewShutdownRegistry()
	var order []string
	var mu sync.Mutex
	record := func(name string) func(context.Context) error {
		return func(context.Context) error {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			return nil
		}
	}

	r.Register(resilience.ShutdownHandler{Name: "stop-http", Priority: 4, Fn: record("stop-http")})
	r.Register(resilience.ShutdownHandler{Name: "close-schedulers", Priority: 1, Fn: record("close-schedulers")})
	r.Register(resilience.ShutdownHandler{Name: "drain-sockets", Priority: 3, Fn: record("drain-sockets")})
	r.Register(resilience.ShutdownHandler{Name: "close-queue", Priority: 2, Fn: record("close-queue")})

	r.Shutdown(context.Background())

	want := []string{"stop-http", "drain-sockets", "close-queue", "close-schedulers"}
	if len(order) != len(want) {
		t.Fatalf("order = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Errorf("order[%d] = %q, want %q", i, order[i], want[i])
		}
	}
}

func TestShutdownRegistry_SkipsHandlerThatExceedsDeadline(t *testing.T) {
	r := resilience.NewShutdownRegistry()
	var ranSecond int32

	r.Register(resilience.ShutdownHandler{
		Name:     "hangs",
		Priority: 2,
		Deadline: 10 * time.Millisecond,
		Fn: func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		},
	})
	r.Register(resilience.ShutdownHandler{
		Name:     "runs-after",
		Priority: 1,
		Fn: func(ctx context.Context) error {
			atomic.StoreInt32(&ranSecond, 1)
			return nil
		},
	})

	start := time.Now()
	r.Shutdown(context.Background())
	if time.Since(start) > time.Second {
		t.Error("shutdown blocked far longer than the hung handler's deadline")
	}
	if atomic.LoadInt32(&ranSecond) != 1 {
		t.Error("expected the second handler to still run after the first timed out")
	}
}
