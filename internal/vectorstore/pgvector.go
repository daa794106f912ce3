package vectorstore

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"github.com/brewline/control-plane/internal/apperrors"
	"github.com/brewline/control-plane/pkg/models"
)

// errorPatterns classifies response text that must never be written to
// the semantic cache (apologies / retry prompts from a failed generation).
var errorPatterns = []string{
	"lo siento", "i'm sorry", "algo salió mal", "something went wrong",
	"try again", "intenta de nuevo",
}

// PgvectorStore implements Driver using PostgreSQL with the pgvector
// extension across two tables: vector_embeddings (knowledge) and
// vector_response_cache (semantic reply cache), each with a cosine HNSW
// index.
type PgvectorStore struct {
	pool               *pgxpool.Pool
	dimensions         int
	hnswM              int
	hnswEfConstruction int
	thresholds         map[models.VectorCategory]float64
	defaultThreshold   float64
}

type Option func(*PgvectorStore)

func WithHNSWParams(m, efConstruction int) Option {
	return func(s *PgvectorStore) { s.hnswM, s.hnswEfConstruction = m, efConstruction }
}

func WithCategoryThreshold(cat models.VectorCategory, threshold float64) Option {
	return func(s *PgvectorStore) { s.thresholds[cat] = threshold }
}

// NewPgvectorStore creates a pgvector-backed vector store and migrates
// both tables plus their HNSW indexes if they don't exist.
func NewPgvectorStore(ctx context.Context, connURL string, dimensions int, opts ...Option) (*PgvectorStore, error) {
	pool, err := pgxpool.New(ctx, connURL)
	if err != nil {
		return nil, fmt.Errorf("pgvector connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pgvector ping: %w", err)
	}

	s := &PgvectorStore{
		pool:               pool,
		dimensions:         dimensions,
		hnswM:              16,
		hnswEfConstruction: 64,
		defaultThreshold:   0.75,
		thresholds: map[models.VectorCategory]float64{
			models.CategoryBranch:  0.80,
			models.CategoryProduct: 0.75,
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pgvector migrate: %w", err)
	}

	log.Info().Int("dims", dimensions).Msg("pgvector store initialized")
	return s, nil
}

func (s *PgvectorStore) migrate(ctx context.Context) error {
	ddl := fmt.Sprintf(`
		CREATE EXTENSION IF NOT EXISTS vector;

		CREATE TABLE IF NOT EXISTS vector_embeddings (
			id           TEXT PRIMARY KEY,
			content_hash TEXT NOT NULL UNIQUE,
			category     TEXT NOT NULL,
			source       TEXT NOT NULL DEFAULT '',
			content_text TEXT NOT NULL,
			metadata     JSONB NOT NULL DEFAULT '{}',
			embedding    vector(%d) NOT NULL,
			created_at   TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at   TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			expires_at   TIMESTAMPTZ,
			hit_count    BIGINT NOT NULL DEFAULT 0,
			last_hit_at  TIMESTAMPTZ
		);
		CREATE INDEX IF NOT EXISTS idx_vector_embeddings_hnsw ON vector_embeddings
			USING hnsw (embedding vector_cosine_ops) WITH (m = %d, ef_construction = %d);
		CREATE INDEX IF NOT EXISTS idx_vector_embeddings_category ON vector_embeddings (category);
		CREATE INDEX IF NOT EXISTS idx_vector_embeddings_source ON vector_embeddings (source);
		CREATE INDEX IF NOT EXISTS idx_vector_embeddings_expires ON vector_embeddings (expires_at) WHERE expires_at IS NOT NULL;

		CREATE TABLE IF NOT EXISTS vector_response_cache (
			id                TEXT PRIMARY KEY,
			query_hash        TEXT NOT NULL UNIQUE,
			query_text        TEXT NOT NULL,
			query_embedding   vector(%d) NOT NULL,
			response_text     TEXT NOT NULL,
			response_metadata JSONB NOT NULL DEFAULT '{}',
			category          TEXT NOT NULL DEFAULT 'general',
			created_at        TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			expires_at        TIMESTAMPTZ,
			hit_count         BIGINT NOT NULL DEFAULT 0,
			last_hit_at       TIMESTAMPTZ
		);
		CREATE INDEX IF NOT EXISTS idx_vector_response_cache_hnsw ON vector_response_cache
			USING hnsw (query_embedding vector_cosine_ops) WITH (m = %d, ef_construction = %d);
	`, s.dimensions, s.hnswM, s.hnswEfConstruction, s.dimensions, s.hnswM, s.hnswEfConstruction)

	_, err := s.pool.Exec(ctx, ddl)
	return err
}

func (s *PgvectorStore) Kind() string { return "pgvector" }

func (s *PgvectorStore) thresholdFor(cat models.VectorCategory) float64 {
	if t, ok := s.thresholds[cat]; ok {
		return t
	}
	return s.defaultThreshold
}

// Upsert computes the content hash and writes a single knowledge document.
// The caller supplies the already-computed embedding (nil embeddings are
// the caller's signal to skip the row, per UpsertBatch).
func (s *PgvectorStore) Upsert(ctx context.Context, doc models.VectorEmbedding) error {
	if doc.Embedding == nil {
		return nil
	}
	if doc.ID == "" {
		doc.ID = uuid.NewString()
	}
	metadata := doc.Metadata
	if metadata == nil {
		metadata = map[string]interface{}{}
	}
	now := time.Now()

	_, err := s.pool.Exec(ctx, `
		INSERT INTO vector_embeddings (id, content_hash, category, source, content_text, metadata, embedding, created_at, updated_at, expires_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$8,$9)
		ON CONFLICT (content_hash) DO UPDATE SET
			content_text = EXCLUDED.content_text,
			metadata     = EXCLUDED.metadata,
			embedding    = EXCLUDED.embedding,
			category     = EXCLUDED.category,
			source       = EXCLUDED.source,
			updated_at   = EXCLUDED.updated_at,
			expires_at   = EXCLUDED.expires_at
	`, doc.ID, doc.ContentHash, string(doc.Category), doc.Source, doc.ContentText, metadata, pgvectorArray(doc.Embedding), now, doc.ExpiresAt)
	return err
}

// UpsertBatch upserts multiple documents, skipping any whose Embedding is
// nil (the embedding provider could not vectorize that row).
func (s *PgvectorStore) UpsertBatch(ctx context.Context, docs []models.VectorEmbedding) error {
	for _, d := range docs {
		if err := s.Upsert(ctx, d); err != nil {
			return err
		}
	}
	return nil
}

type SearchOptions struct {
	Category  models.VectorCategory
	Source    string
	Limit     int
	Threshold float64 // 0 means "use per-category default"
}

type SearchResult struct {
	Doc   models.VectorEmbedding
	Score float64
}

// Search finds knowledge rows above the similarity threshold, excluding
// expired rows, and bumps hit_count/last_hit_at on any non-empty result.
func (s *PgvectorStore) Search(ctx context.Context, queryEmbedding []float32, opts SearchOptions) ([]SearchResult, error) {
	threshold := opts.Threshold
	if threshold == 0 {
		threshold = s.thresholdFor(opts.Category)
	}
	limit := opts.Limit
	if limit <= 0 {
		limit = 5
	}

	query := strings.Builder{}
	query.WriteString(`SELECT id, content_hash, category, source, content_text, metadata, created_at, updated_at, expires_at, hit_count,
		1 - (embedding <=> $1) AS score
		FROM vector_embeddings
		WHERE (expires_at IS NULL OR expires_at > NOW())
		AND 1 - (embedding <=> $1) >= $2`)
	args := []interface{}{pgvectorArray(queryEmbedding), threshold}
	argIdx := 3
	if opts.Category != "" {
		query.WriteString(fmt.Sprintf(" AND category = $%d", argIdx))
		args = append(args, string(opts.Category))
		argIdx++
	}
	if opts.Source != "" {
		query.WriteString(fmt.Sprintf(" AND source = $%d", argIdx))
		args = append(args, opts.Source)
		argIdx++
	}
	query.WriteString(fmt.Sprintf(" ORDER BY embedding <=> $1 LIMIT $%d", argIdx))
	args = append(args, limit)

	rows, err := s.pool.Query(ctx, query.String(), args...)
	if err != nil {
		return nil, apperrors.New(apperrors.KindStoreUnavailable, "vectorstore.Search", "query failed", err)
	}
	defer rows.Close()

	var results []SearchResult
	var ids []string
	for rows.Next() {
		var doc models.VectorEmbedding
		var score float64
		var metadata map[string]interface{}
		if err := rows.Scan(&doc.ID, &doc.ContentHash, &doc.Category, &doc.Source, &doc.ContentText, &metadata,
			&doc.CreatedAt, &doc.UpdatedAt, &doc.ExpiresAt, &doc.HitCount, &score); err != nil {
			return nil, err
		}
		doc.Metadata = metadata
		results = append(results, SearchResult{Doc: doc, Score: score})
		ids = append(ids, doc.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if len(ids) > 0 {
		if _, err := s.pool.Exec(ctx, `UPDATE vector_embeddings SET hit_count = hit_count + 1, last_hit_at = NOW() WHERE id = ANY($1)`, ids); err != nil {
			log.Warn().Err(err).Msg("failed to bump hit_count")
		}
	}
	return results, nil
}

// FindBestMatch is Search with limit=1.
func (s *PgvectorStore) FindBestMatch(ctx context.Context, queryEmbedding []float32, opts SearchOptions) (*SearchResult, error) {
	opts.Limit = 1
	results, err := s.Search(ctx, queryEmbedding, opts)
	if err != nil || len(results) == 0 {
		return nil, err
	}
	return &results[0], nil
}

// GetCachedResponse looks up the semantic response cache by embedding
// similarity.
func (s *PgvectorStore) GetCachedResponse(ctx context.Context, queryEmbedding []float32, threshold float64) (*models.VectorResponseCacheEntry, float64, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, query_hash, query_text, response_text, response_metadata, category, created_at, expires_at, hit_count,
			1 - (query_embedding <=> $1) AS score
		FROM vector_response_cache
		WHERE (expires_at IS NULL OR expires_at > NOW())
		AND 1 - (query_embedding <=> $1) >= $2
		ORDER BY query_embedding <=> $1 LIMIT 1
	`, pgvectorArray(queryEmbedding), threshold)

	var e models.VectorResponseCacheEntry
	var score float64
	var metadata map[string]interface{}
	if err := row.Scan(&e.ID, &e.QueryHash, &e.QueryText, &e.ResponseText, &metadata, &e.Category, &e.CreatedAt, &e.ExpiresAt, &e.HitCount, &score); err != nil {
		if err == pgx.ErrNoRows {
			return nil, 0, nil
		}
		return nil, 0, err
	}
	e.ResponseMetadata = metadata

	if _, err := s.pool.Exec(ctx, `UPDATE vector_response_cache SET hit_count = hit_count + 1, last_hit_at = NOW() WHERE id = $1`, e.ID); err != nil {
		log.Warn().Err(err).Msg("failed to bump response cache hit_count")
	}
	return &e, score, nil
}

// SetCachedResponse rejects responses that look like error/apology text
// per the errorPatterns filter, satisfying the cache-purity invariant.
func (s *PgvectorStore) SetCachedResponse(ctx context.Context, queryText string, queryEmbedding []float32, response string, category models.VectorCategory, ttl time.Duration) error {
	if isErrorResponse(response) {
		return apperrors.New(apperrors.KindSchemaMismatch, "vectorstore.SetCachedResponse", "refusing to cache an error/apology response", nil)
	}
	var expiresAt *time.Time
	if ttl > 0 {
		t := time.Now().Add(ttl)
		expiresAt = &t
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO vector_response_cache (id, query_hash, query_text, query_embedding, response_text, category, created_at, expires_at)
		VALUES ($1,$2,$3,$4,$5,$6,NOW(),$7)
		ON CONFLICT (query_hash) DO UPDATE SET
			response_text = EXCLUDED.response_text,
			query_embedding = EXCLUDED.query_embedding,
			category = EXCLUDED.category,
			expires_at = EXCLUDED.expires_at
	`, uuid.NewString(), contentHashText(queryText), queryText, pgvectorArray(queryEmbedding), response, string(category), expiresAt)
	return err
}

func isErrorResponse(text string) bool {
	lower := strings.ToLower(text)
	for _, p := range errorPatterns {
		if strings.Contains(lower, p) {
			return true
		}
	}
	return false
}

func (s *PgvectorStore) InvalidateBySource(ctx context.Context, source string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM vector_embeddings WHERE source = $1`, source)
	return err
}

func (s *PgvectorStore) InvalidateByCategory(ctx context.Context, category models.VectorCategory) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM vector_embeddings WHERE category = $1`, string(category))
	return err
}

// CleanupExpired purges expired rows from both tables.
func (s *PgvectorStore) CleanupExpired(ctx context.Context) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM vector_embeddings WHERE expires_at IS NOT NULL AND expires_at <= NOW()`)
	if err != nil {
		return 0, err
	}
	tag2, err := s.pool.Exec(ctx, `DELETE FROM vector_response_cache WHERE expires_at IS NOT NULL AND expires_at <= NOW()`)
	if err != nil {
		return tag.RowsAffected(), err
	}
	return tag.RowsAffected() + tag2.RowsAffected(), nil
}

type CategoryStats struct {
	Category  string
	Count     int64
	TotalHits int64
	AvgHits   float64
}

func (s *PgvectorStore) Stats(ctx context.Context) ([]CategoryStats, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT category, COUNT(*), COALESCE(SUM(hit_count),0), COALESCE(AVG(hit_count),0)
		FROM vector_embeddings GROUP BY category
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []CategoryStats
	for rows.Next() {
		var cs CategoryStats
		if err := rows.Scan(&cs.Category, &cs.Count, &cs.TotalHits, &cs.AvgHits); err != nil {
			return nil, err
		}
		out = append(out, cs)
	}
	return out, rows.Err()
}

func (s *PgvectorStore) HealthCheck(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *PgvectorStore) Close() {
	s.pool.Close()
}

// pgvectorArray converts a float32 slice to pgvector's text literal format.
func pgvectorArray(v []float32) string {
	var sb strings.Builder
	sb.WriteByte('[')
	for i, f := range v {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(fmt.Sprintf("%g", f))
	}
	sb.WriteByte(']')
	return sb.String()
}
