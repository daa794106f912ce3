package vectorstore

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/brewline/control-plane/internal/apperrors"
	"github.com/brewline/control-plane/pkg/models"
)

// DefaultMaxVectors is the default cap for the embedded store.
const DefaultMaxVectors = 50_000

// EmbeddedStore is a brute-force, in-memory Driver used when Postgres is
// unreachable. Suitable for development and as the degrade target for
// the "StoreUnavailable" error kind.
type EmbeddedStore struct {
	mu         sync.RWMutex
	docs       map[string]*models.VectorEmbedding // key: content_hash
	cache      map[string]*models.VectorResponseCacheEntry
	maxVectors int
	thresholds map[models.VectorCategory]float64
}

type EmbeddedOption func(*EmbeddedStore)

func WithMaxVectorsEmbedded(max int) EmbeddedOption {
	return func(s *EmbeddedStore) { s.maxVectors = max }
}

func NewEmbeddedStore(opts ...EmbeddedOption) *EmbeddedStore {
	s := &EmbeddedStore{
		docs:       make(map[string]*models.VectorEmbedding),
		cache:      make(map[string]*models.VectorResponseCacheEntry),
		maxVectors: DefaultMaxVectors,
		thresholds: map[models.VectorCategory]float64{
			models.CategoryBranch:  0.80,
			models.CategoryProduct: 0.75,
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	log.Info().Int("max_vectors", s.maxVectors).Msg("embedded vector store initialized (no postgres configured)")
	return s
}

func (s *EmbeddedStore) Kind() string { return "embedded" }

func (s *EmbeddedStore) thresholdFor(cat models.VectorCategory) float64 {
	if t, ok := s.thresholds[cat]; ok {
		return t
	}
	return 0.75
}

func (s *EmbeddedStore) Upsert(_ context.Context, doc models.VectorEmbedding) error {
	if doc.Embedding == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.docs[doc.ContentHash]; !exists && len(s.docs) >= s.maxVectors {
		return apperrors.New(apperrors.KindStoreUnavailable, "vectorstore.Upsert", "embedded store at capacity", nil)
	}
	if doc.ID == "" {
		doc.ID = uuid.NewString()
	}
	now := time.Now()
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = now
	}
	doc.UpdatedAt = now
	cp := doc
	s.docs[doc.ContentHash] = &cp
	return nil
}

func (s *EmbeddedStore) UpsertBatch(ctx context.Context, docs []models.VectorEmbedding) error {
	for _, d := range docs {
		if err := s.Upsert(ctx, d); err != nil {
			return err
		}
	}
	return nil
}

func (s *EmbeddedStore) Search(_ context.Context, queryEmbedding []float32, opts SearchOptions) ([]SearchResult, error) {
	threshold := opts.Threshold
	if threshold == 0 {
		threshold = s.thresholdFor(opts.Category)
	}
	limit := opts.Limit
	if limit <= 0 {
		limit = 5
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	type scored struct {
		doc   *models.VectorEmbedding
		score float64
	}
	now := time.Now()
	var candidates []scored
	for _, d := range s.docs {
		if d.ExpiresAt != nil && d.ExpiresAt.Before(now) {
			continue
		}
		if opts.Category != "" && d.Category != opts.Category {
			continue
		}
		if opts.Source != "" && d.Source != opts.Source {
			continue
		}
		score := cosineSimilarity32(queryEmbedding, d.Embedding)
		if score < threshold {
			continue
		}
		candidates = append(candidates, scored{doc: d, score: score})
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].score > candidates[j].score })
	if limit > len(candidates) {
		limit = len(candidates)
	}

	results := make([]SearchResult, limit)
	for i := 0; i < limit; i++ {
		cp := *candidates[i].doc
		cp.HitCount++
		cp.LastHitAt = &now
		s.docs[cp.ContentHash] = &cp
		results[i] = SearchResult{Doc: cp, Score: candidates[i].score}
	}
	return results, nil
}

func (s *EmbeddedStore) FindBestMatch(ctx context.Context, queryEmbedding []float32, opts SearchOptions) (*SearchResult, error) {
	opts.Limit = 1
	results, err := s.Search(ctx, queryEmbedding, opts)
	if err != nil || len(results) == 0 {
		return nil, err
	}
	return &results[0], nil
}

func (s *EmbeddedStore) GetCachedResponse(_ context.Context, queryEmbedding []float32, threshold float64) (*models.VectorResponseCacheEntry, float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	var best *models.VectorResponseCacheEntry
	var bestScore float64
	for _, e := range s.cache {
		if e.ExpiresAt != nil && e.ExpiresAt.Before(now) {
			continue
		}
		score := cosineSimilarity32(queryEmbedding, e.QueryEmbedding)
		if score < threshold || score <= bestScore {
			continue
		}
		best, bestScore = e, score
	}
	if best == nil {
		return nil, 0, nil
	}
	best.HitCount++
	best.LastHitAt = &now
	cp := *best
	return &cp, bestScore, nil
}

func (s *EmbeddedStore) SetCachedResponse(_ context.Context, queryText string, queryEmbedding []float32, response string, category models.VectorCategory, ttl time.Duration) error {
	if isErrorResponse(response) {
		return apperrors.New(apperrors.KindSchemaMismatch, "vectorstore.SetCachedResponse", "refusing to cache an error/apology response", nil)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	hash := contentHashText(queryText)
	var expiresAt *time.Time
	if ttl > 0 {
		t := time.Now().Add(ttl)
		expiresAt = &t
	}
	s.cache[hash] = &models.VectorResponseCacheEntry{
		ID:             uuid.NewString(),
		QueryHash:      hash,
		QueryText:      queryText,
		QueryEmbedding: queryEmbedding,
		ResponseText:   response,
		Category:       category,
		CreatedAt:      time.Now(),
		ExpiresAt:      expiresAt,
	}
	return nil
}

func (s *EmbeddedStore) InvalidateBySource(_ context.Context, source string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, d := range s.docs {
		if d.Source == source {
			delete(s.docs, k)
		}
	}
	return nil
}

func (s *EmbeddedStore) InvalidateByCategory(_ context.Context, category models.VectorCategory) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, d := range s.docs {
		if d.Category == category {
			delete(s.docs, k)
		}
	}
	return nil
}

func (s *EmbeddedStore) CleanupExpired(_ context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	var n int64
	for k, d := range s.docs {
		if d.ExpiresAt != nil && d.ExpiresAt.Before(now) {
			delete(s.docs, k)
			n++
		}
	}
	for k, e := range s.cache {
		if e.ExpiresAt != nil && e.ExpiresAt.Before(now) {
			delete(s.cache, k)
			n++
		}
	}
	return n, nil
}

func (s *EmbeddedStore) Stats(_ context.Context) ([]CategoryStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	byCategory := map[string]*CategoryStats{}
	for _, d := range s.docs {
		cs, ok := byCategory[string(d.Category)]
		if !ok {
			cs = &CategoryStats{Category: string(d.Category)}
			byCategory[string(d.Category)] = cs
		}
		cs.Count++
		cs.TotalHits += d.HitCount
	}
	out := make([]CategoryStats, 0, len(byCategory))
	for _, cs := range byCategory {
		if cs.Count > 0 {
			cs.AvgHits = float64(cs.TotalHits) / float64(cs.Count)
		}
		out = append(out, *cs)
	}
	return out, nil
}

func (s *EmbeddedStore) HealthCheck(_ context.Context) error { return nil }

func cosineSimilarity32(a, b []float32) float64 {
	var dot, normA, normB float64
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
