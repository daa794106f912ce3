package vectorstore

import (
	"context"
	"time"

	"github.com/brewline/control-plane/pkg/models"
)

// Driver is the contract both PgvectorStore and the in-memory fallback
// EmbeddedStore satisfy. The fallback is used when Postgres is
// unreachable, reported to callers via apperrors.KindStoreUnavailable.
type Driver interface {
	Kind() string
	Upsert(ctx context.Context, doc models.VectorEmbedding) error
	UpsertBatch(ctx context.Context, docs []models.VectorEmbedding) error
	Search(ctx context.Context, queryEmbedding []float32, opts SearchOptions) ([]SearchResult, error)
	FindBestMatch(ctx context.Context, queryEmbedding []float32, opts SearchOptions) (*SearchResult, error)
	GetCachedResponse(ctx context.Context, queryEmbedding []float32, threshold float64) (*models.VectorResponseCacheEntry, float64, error)
	SetCachedResponse(ctx context.Context, queryText string, queryEmbedding []float32, response string, category models.VectorCategory, ttl time.Duration) error
	InvalidateBySource(ctx context.Context, source string) error
	InvalidateByCategory(ctx context.Context, category models.VectorCategory) error
	CleanupExpired(ctx context.Context) (int64, error)
	Stats(ctx context.Context) ([]CategoryStats, error)
	HealthCheck(ctx context.Context) error
}
