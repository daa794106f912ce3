package embeddings

import (
	"context"
	"hash/fnv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/brewline/control-plane/pkg/contracts"
)

const (
	maxTextLength   = 8000
	subBatchSize    = 100
	evictFraction   = 0.10
)

type cacheEntry struct {
	vector    []float32
	expiresAt time.Time
}

// Service wraps an embeddings driver with text normalization, content
// hashing, an in-memory LRU+TTL cache, and batch-splitting that preserves
// input order. Failures degrade to nil vectors rather than propagating:
// callers treat a nil vector as "cannot vectorize" and skip the semantic
// path (apperrors.KindEmbeddingUnavailable is never returned from here).
type Service struct {
	driver   contracts.EmbeddingDriver
	maxItems int
	ttl      time.Duration
	shared   *RedisCache // optional shared-process tier, checked before the local map

	mu    sync.Mutex
	cache map[uint64]cacheEntry
}

// WithSharedCache attaches a Redis-backed cache consulted before the
// local in-memory map, so multiple replicas of the reply pipeline share
// embedding cache hits instead of each warming its own.
func (s *Service) WithSharedCache(shared *RedisCache) *Service {
	s.shared = shared
	return s
}

func NewService(driver contracts.EmbeddingDriver, maxItems int, ttl time.Duration) *Service {
	return &Service{
		driver:   driver,
		maxItems: maxItems,
		ttl:      ttl,
		cache:    make(map[uint64]cacheEntry),
	}
}

func (s *Service) Dimensions() int { return s.driver.Dimensions() }

// Embed returns the embedding for a single text, or nil on provider error.
func (s *Service) Embed(ctx context.Context, text string) []float32 {
	vecs := s.EmbedBatch(ctx, []string{text})
	return vecs[0]
}

// EmbedBatch embeds a set of texts, splitting into sub-batches of ≤100 and
// preserving input order. A failed sub-batch produces nil at each of its
// indices without failing the whole call.
func (s *Service) EmbedBatch(ctx context.Context, texts []string) [][]float32 {
	results := make([][]float32, len(texts))
	normalized := make([]string, len(texts))
	hashes := make([]uint64, len(texts))
	pending := make([]int, 0, len(texts))

	for i, t := range texts {
		n := normalize(t)
		normalized[i] = n
		h := contentHash(n)
		hashes[i] = h
		if v, ok := s.cacheGet(h); ok {
			results[i] = v
			continue
		}
		pending = append(pending, i)
	}

	for start := 0; start < len(pending); start += subBatchSize {
		end := start + subBatchSize
		if end > len(pending) {
			end = len(pending)
		}
		idxs := pending[start:end]
		batch := make([]string, len(idxs))
		for j, idx := range idxs {
			batch[j] = normalized[idx]
		}

		vecs, err := s.driver.Embed(ctx, batch)
		if err != nil {
			log.Warn().Err(err).Int("batch_size", len(batch)).Msg("embedding provider error, degrading to nil vectors")
			continue
		}
		for j, idx := range idxs {
			if j >= len(vecs) || vecs[j] == nil {
				continue
			}
			v32 := toFloat32(vecs[j])
			results[idx] = v32
			s.cachePut(hashes[idx], v32)
		}
	}

	return results
}

func (s *Service) cacheGet(h uint64) ([]float32, bool) {
	if s.shared != nil {
		if v, ok := s.shared.Get(context.Background(), h); ok {
			return v, true
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.cache[h]
	if !ok {
		return nil, false
	}
	if time.Now().After(e.expiresAt) {
		delete(s.cache, h)
		return nil, false
	}
	return e.vector, true
}

func (s *Service) cachePut(h uint64, v []float32) {
	if s.shared != nil {
		s.shared.Set(context.Background(), h, v, s.ttl)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.cache) >= s.maxItems {
		s.evictOldestLocked()
	}
	s.cache[h] = cacheEntry{vector: v, expiresAt: time.Now().Add(s.ttl)}
}

// evictOldestLocked drops ~10% of entries with the earliest expiry.
// Caller holds s.mu.
func (s *Service) evictOldestLocked() {
	n := int(float64(len(s.cache)) * evictFraction)
	if n < 1 {
		n = 1
	}
	type kv struct {
		k uint64
		t time.Time
	}
	entries := make([]kv, 0, len(s.cache))
	for k, e := range s.cache {
		entries = append(entries, kv{k, e.expiresAt})
	}
	for i := 0; i < n && i < len(entries); i++ {
		oldestIdx := i
		for j := i + 1; j < len(entries); j++ {
			if entries[j].t.Before(entries[oldestIdx].t) {
				oldestIdx = j
			}
		}
		entries[i], entries[oldestIdx] = entries[oldestIdx], entries[i]
		delete(s.cache, entries[i].k)
	}
}

func normalize(text string) string {
	t := strings.ToLower(strings.Join(strings.Fields(text), " "))
	if len(t) > maxTextLength {
		t = t[:maxTextLength]
	}
	return t
}

func contentHash(normalized string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(normalized))
	return h.Sum64()
}

func toFloat32(in []float64) []float32 {
	out := make([]float32, len(in))
	for i, v := range in {
		out[i] = float32(v)
	}
	return out
}
