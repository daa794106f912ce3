// Package contracts defines the narrow service interfaces that sit at
// package boundaries, so a concrete implementation (embedding provider,
// archive backend) can be swapped without touching its callers.
package contracts

import (
	"context"

	"github.com/brewline/control-plane/pkg/models"
)

// ── Embedding Driver ─────────────────────────────────────────

// EmbeddingDriver generates vector embeddings from text. Ships: OpenAI
// (text-embedding-3-small/large), Ollama (nomic-embed-text).
type EmbeddingDriver interface {
	Kind() string
	Embed(ctx context.Context, texts []string) ([][]float64, error)
	Dimensions() int
	MaxBatchSize() int
	HealthCheck(ctx context.Context) error
}

// ── Archive Driver ───────────────────────────────────────────

// ArchiveDriver writes expired rows to a durable archive backend before
// the retention janitor purges them from the hot store.
type ArchiveDriver interface {
	Kind() string
	ArchiveActionRecords(ctx context.Context, records []models.ActionRecord) (uri string, err error)
	ArchiveConversationSummaries(ctx context.Context, summaries []models.ConversationSummary) (uri string, err error)
	HealthCheck(ctx context.Context) error
}

