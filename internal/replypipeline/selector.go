package replypipeline

import (
	"context"
	"math/rand"
	"time"

	"github.com/rs/zerolog/log"
)

// Mode controls which pipeline the Selector prefers.
type Mode string

const (
	ModeOptimized Mode = "optimized"
	ModeLegacy    Mode = "legacy"
)

// Selector dispatches each request to the optimized or legacy pipeline,
// grounded on the teacher's orderProviders strategy-switch idiom, and
// falls back to the legacy pipeline when the optimized path errors.
type Selector struct {
	optimized      Pipeline
	legacy         Pipeline
	mode           Mode
	optimizedRatio float64
}

func NewSelector(optimized, legacy Pipeline, mode Mode, optimizedRatio float64) *Selector {
	return &Selector{optimized: optimized, legacy: legacy, mode: mode, optimizedRatio: optimizedRatio}
}

func (s *Selector) Run(ctx context.Context, req Request) (Result, error) {
	start := time.Now()
	result, err := s.dispatch(ctx, req)
	if err != nil {
		return result, err
	}
	result.DurationMS = time.Since(start).Milliseconds()
	return result, nil
}

func (s *Selector) dispatch(ctx context.Context, req Request) (Result, error) {
	if s.mode == ModeLegacy || rand.Float64() >= s.optimizedRatio {
		return s.legacy.Run(ctx, req)
	}

	result, err := s.optimized.Run(ctx, req)
	if err != nil {
		log.Warn().Err(err).Str("conversation_id", req.ConversationID).Msg("selector: optimized pipeline failed, falling back to legacy")
		return s.legacy.Run(ctx, req)
	}
	return result, nil
}
