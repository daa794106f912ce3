package memory

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/brewline/control-plane/internal/apperrors"
	"github.com/brewline/control-plane/internal/embeddings"
	"github.com/brewline/control-plane/pkg/models"
)

// Service is the conversation-memory façade used by the reply pipelines
// and the summarizer scheduler. It picks Postgres when available and
// falls back to the in-process store, surfacing which tier served a
// given call via LLMContext.Source ("postgres" or "memory").
type Service struct {
	primary  Store
	fallback *InMemoryStore
	embed    *embeddings.Service

	maxRecentMessages int
	summaryLimit      int // K most-recent unexpired summaries folded into context
	factLimit         int
	similarityThreshold float64
}

func NewService(primary Store, fallback *InMemoryStore, embed *embeddings.Service, maxRecentMessages, summaryLimit, factLimit int, similarityThreshold float64) *Service {
	return &Service{
		primary:             primary,
		fallback:            fallback,
		embed:               embed,
		maxRecentMessages:   maxRecentMessages,
		summaryLimit:        summaryLimit,
		factLimit:           factLimit,
		similarityThreshold: similarityThreshold,
	}
}

// store picks the primary store, degrading to the in-process fallback
// when the primary reports it is unavailable. Degradation is evaluated
// per call rather than latched, so memory recovers automatically once
// Postgres comes back.
func (s *Service) store(ctx context.Context) Store {
	if s.primary == nil {
		return s.fallback
	}
	if err := s.primary.HealthCheck(ctx); err != nil {
		log.Warn().Err(err).Msg("memory store unavailable, degrading to in-process fallback")
		return s.fallback
	}
	return s.primary
}

func dedupeKey(role models.MessageRole, content string) string {
	h := sha256.Sum256([]byte(string(role) + "\x00" + content))
	return hex.EncodeToString(h[:])
}

// AddMessage appends a message, dropping it if it is a consecutive
// duplicate (same role+content hash as the last stored message for this
// conversation).
func (s *Service) AddMessage(ctx context.Context, conversationID, contactID string, role models.MessageRole, content string, metadata map[string]string) (*models.ConversationMessage, error) {
	store := s.store(ctx)

	last, err := store.LastMessage(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if last != nil && dedupeKey(last.Role, last.Content) == dedupeKey(role, content) {
		return last, nil
	}

	msg := models.ConversationMessage{
		ConversationID:   conversationID,
		ContactID:        contactID,
		Role:             role,
		Content:          content,
		MessageTimestamp: time.Now(),
		Metadata:         metadata,
	}
	if err := store.AppendMessage(ctx, msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// GetMessages returns the non-summarized tail for a conversation,
// defaulting limit to the configured recent-message cap.
func (s *Service) GetMessages(ctx context.Context, conversationID string, limit int, includeSystem bool) ([]models.ConversationMessage, error) {
	if limit <= 0 {
		limit = s.maxRecentMessages
	}
	return s.store(ctx).RecentMessages(ctx, conversationID, limit, includeSystem)
}

func (s *Service) ClearMessages(ctx context.Context, conversationID string) error {
	return s.store(ctx).ClearMessages(ctx, conversationID)
}

// LLMContext is the material GetContextForLLM assembles for a single
// reply-pipeline turn.
type LLMContext struct {
	Messages    []models.ConversationMessage
	Summaries   []models.ConversationSummary
	Facts       []models.ConversationFact
	ContextText string
	Source      string // "postgres" | "memory" — which tier served this call
	Stats       ContextStats
}

type ContextStats struct {
	MessageCount   int
	SummaryCount   int
	FactCount      int
	FactsBySimilar bool
}

// GetContextForLLM composes the non-summarized message tail, up to K
// unexpired recent summaries, and relevant facts (by cosine similarity
// to currentQuery when given, otherwise by confidence) into the context
// handed to a reply pipeline.
func (s *Service) GetContextForLLM(ctx context.Context, conversationID string, maxMessages int, contactID, currentQuery string) (*LLMContext, error) {
	store := s.store(ctx)
	source := store.Kind()

	if maxMessages <= 0 {
		maxMessages = s.maxRecentMessages
	}

	messages, err := store.RecentMessages(ctx, conversationID, maxMessages, false)
	if err != nil {
		return nil, err
	}

	summaries, err := store.RecentSummaries(ctx, conversationID, s.summaryLimit)
	if err != nil {
		return nil, err
	}

	var facts []models.ConversationFact
	usedSimilarity := false
	if contactID != "" {
		if currentQuery != "" && s.embed != nil {
			vec := s.embed.Embed(ctx, currentQuery)
			if vec != nil {
				facts, err = store.FactsBySimilarity(ctx, contactID, vec, s.similarityThreshold, s.factLimit)
				usedSimilarity = true
			} else {
				facts, err = store.FactsByConfidence(ctx, contactID, s.factLimit)
			}
		} else {
			facts, err = store.FactsByConfidence(ctx, contactID, s.factLimit)
		}
		if err != nil {
			return nil, err
		}
	}

	return &LLMContext{
		Messages:    messages,
		Summaries:   summaries,
		Facts:       facts,
		ContextText: renderContextText(summaries, messages, facts),
		Source:      source,
		Stats: ContextStats{
			MessageCount:   len(messages),
			SummaryCount:   len(summaries),
			FactCount:      len(facts),
			FactsBySimilar: usedSimilarity,
		},
	}, nil
}

func renderContextText(summaries []models.ConversationSummary, messages []models.ConversationMessage, facts []models.ConversationFact) string {
	var b strings.Builder
	if len(summaries) > 0 {
		b.WriteString("Prior conversation summary:\n")
		for i := len(summaries) - 1; i >= 0; i-- {
			b.WriteString("- ")
			b.WriteString(summaries[i].SummaryText)
			b.WriteString("\n")
		}
		b.WriteString("\n")
	}
	if len(facts) > 0 {
		b.WriteString("Known facts about this contact:\n")
		for _, f := range facts {
			fmt.Fprintf(&b, "- %s: %s\n", f.FactKey, f.FactValue)
		}
		b.WriteString("\n")
	}
	if len(messages) > 0 {
		b.WriteString("Recent messages:\n")
		for _, m := range messages {
			fmt.Fprintf(&b, "%s: %s\n", m.Role, m.Content)
		}
	}
	return b.String()
}

func (s *Service) SaveFact(ctx context.Context, fact models.ConversationFact) error {
	if fact.ContactID == "" {
		return apperrors.New(apperrors.KindSchemaMismatch, "memory.SaveFact", "contact_id is required", nil)
	}
	return s.store(ctx).SaveFact(ctx, fact)
}

// GetRelevantFacts retrieves facts by cosine similarity to query when
// given, otherwise ordered by (confidence desc, last_confirmed_at desc).
func (s *Service) GetRelevantFacts(ctx context.Context, contactID, query string, limit int) ([]models.ConversationFact, error) {
	if limit <= 0 {
		limit = s.factLimit
	}
	store := s.store(ctx)
	if query != "" && s.embed != nil {
		if vec := s.embed.Embed(ctx, query); vec != nil {
			return store.FactsBySimilarity(ctx, contactID, vec, s.similarityThreshold, limit)
		}
	}
	return store.FactsByConfidence(ctx, contactID, limit)
}

func (s *Service) MarkFactsStale(ctx context.Context, contactID string, keys []string) error {
	return s.store(ctx).MarkFactsStale(ctx, contactID, keys)
}

// ConversationsToSummarize and MessagesForSummary/CommitSummary are
// exposed passthrough for the summarizer scheduler. They use the same
// health-gated store selection as every other call; when the in-memory
// fallback is selected, summarization is a no-op (see
// InMemoryStore.ConversationsToSummarize).
func (s *Service) ConversationsToSummarize(ctx context.Context, olderThanMs int64, minMessages, maxConversations int) ([]string, error) {
	return s.store(ctx).ConversationsToSummarize(ctx, olderThanMs, minMessages, maxConversations)
}

func (s *Service) MessagesForSummary(ctx context.Context, conversationID string, maxMessages int) ([]models.ConversationMessage, error) {
	return s.store(ctx).MessagesForSummary(ctx, conversationID, maxMessages)
}

func (s *Service) CommitSummary(ctx context.Context, summary models.ConversationSummary, messageIDs []string) error {
	return s.store(ctx).CommitSummary(ctx, summary, messageIDs)
}

func (s *Service) HealthCheck(ctx context.Context) error {
	return s.store(ctx).HealthCheck(ctx)
}
