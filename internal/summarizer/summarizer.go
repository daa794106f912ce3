// Package summarizer runs the periodic conversation-summarization cycle
// (§4.F): find eligible conversations, summarize each via the model
// router's structured output, and commit atomically through Conversation
// Memory so a message is summarized at most once.
//
// Grounded on internal/retention/janitor.go's ticker skeleton
// (run-once-immediately, then on each tick) and its per-kitchen cycle
// loop, generalized from kitchen-scoped retention sweeps to
// conversation-scoped summarization sweeps.
package summarizer

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/brewline/control-plane/internal/embeddings"
	"github.com/brewline/control-plane/internal/memory"
	"github.com/brewline/control-plane/internal/router"
	"github.com/brewline/control-plane/pkg/models"
)

// CycleStats reports what one cycle accomplished, useful for tests and
// health endpoints.
type CycleStats struct {
	ConversationsSummarized int
	ConversationsFailed     int
}

// Config tunes the cycle per §4.F's configurable knobs.
type Config struct {
	Interval               time.Duration
	SummarizeAfter         time.Duration
	MinMessagesForSummary  int
	MaxConversationsPerRun int
	MaxMessagesPerSummary  int
	ExtractFacts           bool
}

func (c *Config) applyDefaults() {
	if c.Interval <= 0 {
		c.Interval = 30 * time.Minute
	}
	if c.SummarizeAfter <= 0 {
		c.SummarizeAfter = time.Hour
	}
	if c.MinMessagesForSummary <= 0 {
		c.MinMessagesForSummary = 6
	}
	if c.MaxConversationsPerRun <= 0 {
		c.MaxConversationsPerRun = 50
	}
	if c.MaxMessagesPerSummary <= 0 {
		c.MaxMessagesPerSummary = 200
	}
}

type llmSummary struct {
	Summary           string   `json:"summary"`
	PrimaryIntent     string   `json:"primary_intent"`
	ResolutionStatus  string   `json:"resolution_status"`
	Sentiment         string   `json:"sentiment"`
	ProductsMentioned []string `json:"products_mentioned"`
	ExtractedFacts    []struct {
		FactType   string  `json:"fact_type"`
		FactKey    string  `json:"fact_key"`
		FactValue  string  `json:"fact_value"`
		Confidence float64 `json:"confidence"`
	} `json:"extracted_facts"`
}

// Scheduler runs the summarization cycle on a ticker.
type Scheduler struct {
	memory *memory.Service
	embed  *embeddings.Service
	router *router.Service
	cfg    Config
}

func New(mem *memory.Service, embed *embeddings.Service, r *router.Service, cfg Config) *Scheduler {
	cfg.applyDefaults()
	return &Scheduler{memory: mem, embed: embed, router: r, cfg: cfg}
}

// Start runs the cycle once immediately, then on each tick, until ctx
// is cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	log.Info().Dur("interval", s.cfg.Interval).Msg("summarizer: scheduler started")

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	s.RunCycle(ctx)

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("summarizer: scheduler stopped")
			return
		case <-ticker.C:
			s.RunCycle(ctx)
		}
	}
}

// RunCycle performs one summarization sweep.
func (s *Scheduler) RunCycle(ctx context.Context) CycleStats {
	start := time.Now()
	olderThanMs := time.Now().Add(-s.cfg.SummarizeAfter).UnixMilli()

	conversationIDs, err := s.memory.ConversationsToSummarize(ctx, olderThanMs, s.cfg.MinMessagesForSummary, s.cfg.MaxConversationsPerRun)
	if err != nil {
		log.Warn().Err(err).Msg("summarizer: failed to list conversations to summarize")
		return CycleStats{}
	}

	var stats CycleStats
	for _, conversationID := range conversationIDs {
		if err := s.summarizeOne(ctx, conversationID); err != nil {
			log.Warn().Err(err).Str("conversation_id", conversationID).Msg("summarizer: cycle failed for conversation, leaving for retry")
			stats.ConversationsFailed++
			continue
		}
		stats.ConversationsSummarized++
	}

	log.Info().
		Int("summarized", stats.ConversationsSummarized).
		Int("failed", stats.ConversationsFailed).
		Dur("elapsed", time.Since(start)).
		Msg("summarizer: cycle complete")
	return stats
}

func (s *Scheduler) summarizeOne(ctx context.Context, conversationID string) error {
	messages, err := s.memory.MessagesForSummary(ctx, conversationID, s.cfg.MaxMessagesPerSummary)
	if err != nil {
		return err
	}
	if len(messages) == 0 {
		return nil
	}

	resp, err := s.router.Call(ctx, "summarizer", []models.ChatMessage{
		{Role: models.RoleSystem, Content: "Summarize this customer support conversation. Extract the primary intent, resolution status, sentiment, products mentioned, and any durable facts about the customer."},
		{Role: models.RoleUser, Content: renderTranscript(messages)},
	}, "conversation_summary")
	if err != nil {
		return err
	}

	var parsed llmSummary
	if err := json.Unmarshal([]byte(resp.Content), &parsed); err != nil {
		return err
	}

	contactID := messages[0].ContactID
	summaryEmbedding := s.embed.Embed(ctx, parsed.Summary)

	summary := models.ConversationSummary{
		ID:               uuid.NewString(),
		ConversationID:   conversationID,
		ContactID:        contactID,
		SummaryText:      parsed.Summary,
		MessagesStartAt:  messages[0].MessageTimestamp,
		MessagesEndAt:    messages[len(messages)-1].MessageTimestamp,
		MessageCount:     len(messages),
		SummaryEmbedding: summaryEmbedding,
		Metadata: models.SummaryMetadata{
			PrimaryIntent:     parsed.PrimaryIntent,
			ResolutionStatus:  parsed.ResolutionStatus,
			Sentiment:         parsed.Sentiment,
			ProductsMentioned: parsed.ProductsMentioned,
		},
		CreatedAt: time.Now(),
	}

	messageIDs := make([]string, len(messages))
	for i, m := range messages {
		messageIDs[i] = m.ID
	}

	if err := s.memory.CommitSummary(ctx, summary, messageIDs); err != nil {
		return err
	}

	if s.cfg.ExtractFacts && contactID != "" {
		for _, f := range parsed.ExtractedFacts {
			fact := models.ConversationFact{
				ID:                   uuid.NewString(),
				ContactID:            contactID,
				SourceConversationID: conversationID,
				FactType:             f.FactType,
				FactKey:              f.FactKey,
				FactValue:            f.FactValue,
				FactEmbedding:        s.embed.Embed(ctx, f.FactValue),
				Confidence:           f.Confidence,
				LastConfirmedAt:      time.Now(),
			}
			if err := s.memory.SaveFact(ctx, fact); err != nil {
				log.Warn().Err(err).Str("conversation_id", conversationID).Str("fact_key", f.FactKey).Msg("summarizer: failed to save extracted fact")
			}
		}
	}

	return nil
}

func renderTranscript(messages []models.ConversationMessage) string {
	var out string
	for _, m := range messages {
		out += string(m.Role) + ": " + m.Content + "\n"
	}
	return out
}
