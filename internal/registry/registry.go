// Package registry implements the Knowledge Registry: a spreadsheet-backed
// configuration hub that publishes immutable ConfigSnapshots on a
// background refresh cycle, the way internal/catalog's background
// refresh + cache-fallback loop publishes its model catalog.
package registry

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/brewline/control-plane/pkg/models"
)

// SheetFetcher reads named tabs from the backing spreadsheet. The
// concrete implementation wraps google.golang.org/api/sheets/v4.
type SheetFetcher interface {
	FetchTab(ctx context.Context, title string) ([][]string, error)
}

// Projector pushes a freshly-fetched snapshot into the Vector Store,
// invalidating the prior config_hub-sourced rows first so stale
// projections don't accumulate.
type Projector interface {
	InvalidateBySource(ctx context.Context, source string) error
	ProjectSnapshot(ctx context.Context, snapshot *models.ConfigSnapshot) error
}

// Registry holds the current ConfigSnapshot behind an atomic pointer so
// readers always observe a complete snapshot: a refresh in progress
// never exposes a partially-built one.
type Registry struct {
	sheets       SheetFetcher
	projector    Projector
	syncInterval time.Duration

	current atomic.Pointer[models.ConfigSnapshot]
	version atomic.Int64
}

func New(sheets SheetFetcher, projector Projector, syncInterval time.Duration) *Registry {
	r := &Registry{sheets: sheets, projector: projector, syncInterval: syncInterval}
	r.current.Store(fallbackSnapshot())
	return r
}

// Current returns the most recently published snapshot. Always
// non-nil: falls back to a built-in snapshot if no refresh has
// succeeded yet.
func (r *Registry) Current() *models.ConfigSnapshot {
	return r.current.Load()
}

// Start runs the refresh loop until ctx is canceled, refreshing once
// immediately and then every syncInterval.
func (r *Registry) Start(ctx context.Context) {
	interval := r.syncInterval
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	r.Refresh(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Refresh(ctx)
		}
	}
}

// Refresh fetches every tab, builds a new snapshot, and swaps it in.
// On any fetch failure the previous snapshot remains current and a
// built-in fallback is published only if there was no prior success.
func (r *Registry) Refresh(ctx context.Context) {
	if r.sheets == nil {
		return
	}
	snapshot, err := r.fetchAll(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("knowledge registry refresh failed, keeping previous snapshot")
		return
	}
	snapshot.Version = r.version.Add(1)
	snapshot.FetchedAt = time.Now()
	r.current.Store(snapshot)

	if r.projector != nil {
		if err := r.projector.InvalidateBySource(ctx, "config_hub"); err != nil {
			log.Warn().Err(err).Msg("failed to invalidate stale config_hub vector rows")
		}
		if err := r.projector.ProjectSnapshot(ctx, snapshot); err != nil {
			log.Warn().Err(err).Msg("failed to project config snapshot into vector store")
		}
	}
}

func (r *Registry) fetchAll(ctx context.Context) (*models.ConfigSnapshot, error) {
	branches, err := r.fetchBranches(ctx)
	if err != nil {
		return nil, err
	}
	products, err := r.fetchProducts(ctx)
	if err != nil {
		return nil, err
	}
	faqs, err := r.fetchFAQs(ctx)
	if err != nil {
		return nil, err
	}
	canned, err := r.fetchCanned(ctx)
	if err != nil {
		return nil, err
	}
	seasonRules, err := r.fetchSeasonRules(ctx)
	if err != nil {
		return nil, err
	}
	routing, err := r.fetchModelRouting(ctx)
	if err != nil {
		return nil, err
	}
	return &models.ConfigSnapshot{
		Branches:     branches,
		Products:     products,
		FAQs:         faqs,
		Canned:       canned,
		SeasonRules:  seasonRules,
		ModelRouting: routing,
	}, nil
}

// fallbackSnapshot is published when credentials or the sheet are
// unavailable, flagged per §4.G's `_is_fallback` marker.
func fallbackSnapshot() *models.ConfigSnapshot {
	return &models.ConfigSnapshot{
		FetchedAt:  time.Now(),
		IsFallback: true,
		Canned: []models.CannedResponse{
			{ID: "fallback-greeting", Trigger: "hello", Response: "Hi! How can I help today?"},
		},
	}
}
