package resilience

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// ShutdownHandler is one named teardown step. Priority 1 closes last;
// higher priorities close first (stop accepting HTTP, then drain
// sockets, then close queue consumers, then close background
// schedulers — matching §4.N's ordering).
type ShutdownHandler struct {
	Name     string
	Priority int
	Fn       func(ctx context.Context) error
	Deadline time.Duration
}

// ShutdownRegistry runs registered handlers in descending priority
// order on Shutdown, bounding each to its own deadline so a hung
// handler never blocks the others.
type ShutdownRegistry struct {
	mu       sync.Mutex
	handlers []ShutdownHandler
}

func NewShutdownRegistry() *ShutdownRegistry {
	return &ShutdownRegistry{}
}

func (r *ShutdownRegistry) Register(h ShutdownHandler) {
	if h.Deadline <= 0 {
		h.Deadline = 10 * time.Second
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers = append(r.handlers, h)
}

// Shutdown runs every registered handler, highest priority first. A
// handler that errors or exceeds its deadline is logged and skipped —
// it never blocks the remaining handlers.
func (r *ShutdownRegistry) Shutdown(ctx context.Context) {
	r.mu.Lock()
	ordered := make([]ShutdownHandler, len(r.handlers))
	copy(ordered, r.handlers)
	r.mu.Unlock()

	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Priority > ordered[j].Priority })

	for _, h := range ordered {
		hctx, cancel := context.WithTimeout(ctx, h.Deadline)
		done := make(chan error, 1)
		go func(h ShutdownHandler) { done <- h.Fn(hctx) }(h)

		select {
		case err := <-done:
			if err != nil {
				log.Warn().Err(err).Str("handler", h.Name).Msg("resilience: shutdown handler returned an error")
			} else {
				log.Info().Str("handler", h.Name).Msg("resilience: shutdown handler completed")
			}
		case <-hctx.Done():
			log.Warn().Str("handler", h.Name).Msg("resilience: shutdown handler exceeded its deadline, skipping")
		}
		cancel()
	}
}
