// Package memory implements conversation memory: the per-conversation
// message log, summary/fact persistence, and the context assembly used
// by both reply pipelines.
package memory

import (
	"context"
	"time"

	"github.com/brewline/control-plane/pkg/models"
)

// Store is the persistence contract for conversation memory. PostgresStore
// is primary; InMemoryStore is the fallback used when the database is
// unavailable — callers can tell which is active via the Kind() result.
type Store interface {
	Kind() string

	AppendMessage(ctx context.Context, msg models.ConversationMessage) error
	LastMessage(ctx context.Context, conversationID string) (*models.ConversationMessage, error)
	RecentMessages(ctx context.Context, conversationID string, limit int, includeSystem bool) ([]models.ConversationMessage, error)
	ClearMessages(ctx context.Context, conversationID string) error

	// ConversationsToSummarize returns conversation IDs with enough aged,
	// unsummarized messages to be eligible for a summarization pass.
	ConversationsToSummarize(ctx context.Context, olderThanMs int64, minMessages, maxConversations int) ([]string, error)
	// MessagesForSummary returns up to maxMessages unsummarized messages
	// for a conversation in chronological order.
	MessagesForSummary(ctx context.Context, conversationID string, maxMessages int) ([]models.ConversationMessage, error)
	// CommitSummary atomically inserts the summary and marks the given
	// message IDs summarized. Must not partially apply on failure.
	CommitSummary(ctx context.Context, summary models.ConversationSummary, messageIDs []string) error

	RecentSummaries(ctx context.Context, conversationID string, limit int) ([]models.ConversationSummary, error)
	// ExpiredSummaries returns summaries whose expires_at has passed, for
	// the retention janitor.
	ExpiredSummaries(ctx context.Context, before time.Time, limit int) ([]models.ConversationSummary, error)
	DeleteSummary(ctx context.Context, summaryID string) error

	SaveFact(ctx context.Context, fact models.ConversationFact) error
	FactsByConfidence(ctx context.Context, contactID string, limit int) ([]models.ConversationFact, error)
	FactsBySimilarity(ctx context.Context, contactID string, queryEmbedding []float32, threshold float64, limit int) ([]models.ConversationFact, error)
	MarkFactsStale(ctx context.Context, contactID string, keys []string) error

	HealthCheck(ctx context.Context) error
}
