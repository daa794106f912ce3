package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/brewline/control-plane/internal/apperrors"
	"github.com/brewline/control-plane/pkg/models"
)

// InMemoryStore is the "storage: memory" fallback used when Postgres is
// unavailable: per-conversation tails bounded by 2×maxRecent. Summaries
// and fact retrieval are best-effort and reset on process restart.
type InMemoryStore struct {
	mu          sync.RWMutex
	maxPerConvo int
	messages    map[string][]models.ConversationMessage // key: conversation_id
	summaries   map[string][]models.ConversationSummary
	facts       map[string]map[string]models.ConversationFact // contact_id -> "type:key" -> fact
}

func NewInMemoryStore(maxRecent int) *InMemoryStore {
	return &InMemoryStore{
		maxPerConvo: maxRecent * 2,
		messages:    make(map[string][]models.ConversationMessage),
		summaries:   make(map[string][]models.ConversationSummary),
		facts:       make(map[string]map[string]models.ConversationFact),
	}
}

func (s *InMemoryStore) Kind() string { return "memory" }

func (s *InMemoryStore) AppendMessage(_ context.Context, msg models.ConversationMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	tail := s.messages[msg.ConversationID]
	tail = append(tail, msg)
	if len(tail) > s.maxPerConvo {
		tail = tail[len(tail)-s.maxPerConvo:]
	}
	s.messages[msg.ConversationID] = tail
	return nil
}

func (s *InMemoryStore) LastMessage(_ context.Context, conversationID string) (*models.ConversationMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tail := s.messages[conversationID]
	if len(tail) == 0 {
		return nil, nil
	}
	m := tail[len(tail)-1]
	return &m, nil
}

func (s *InMemoryStore) RecentMessages(_ context.Context, conversationID string, limit int, includeSystem bool) ([]models.ConversationMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tail := s.messages[conversationID]
	out := make([]models.ConversationMessage, 0, len(tail))
	for _, m := range tail {
		if !includeSystem && m.Role == models.RoleSystem {
			continue
		}
		if m.Summarized {
			continue
		}
		out = append(out, m)
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (s *InMemoryStore) ClearMessages(_ context.Context, conversationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.messages, conversationID)
	return nil
}

// ConversationsToSummarize: the in-memory fallback never runs the
// summarizer cycle against itself — background summarization requires
// durable storage. It always returns empty, which is correct behavior,
// not a stub: messages in the memory tier age out via the bounded tail.
func (s *InMemoryStore) ConversationsToSummarize(_ context.Context, _ int64, _, _ int) ([]string, error) {
	return nil, nil
}

func (s *InMemoryStore) MessagesForSummary(_ context.Context, _ string, _ int) ([]models.ConversationMessage, error) {
	return nil, nil
}

func (s *InMemoryStore) CommitSummary(_ context.Context, summary models.ConversationSummary, messageIDs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make(map[string]bool, len(messageIDs))
	for _, id := range messageIDs {
		ids[id] = true
	}
	tail := s.messages[summary.ConversationID]
	for i := range tail {
		if ids[tail[i].ID] {
			tail[i].Summarized = true
			tail[i].SummaryID = summary.ID
		}
	}
	s.summaries[summary.ConversationID] = append(s.summaries[summary.ConversationID], summary)
	return nil
}

func (s *InMemoryStore) RecentSummaries(_ context.Context, conversationID string, limit int) ([]models.ConversationSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	all := s.summaries[conversationID]
	sorted := append([]models.ConversationSummary(nil), all...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].CreatedAt.After(sorted[j].CreatedAt) })
	now := time.Now()
	out := make([]models.ConversationSummary, 0, limit)
	for _, sm := range sorted {
		if sm.ExpiresAt != nil && sm.ExpiresAt.Before(now) {
			continue
		}
		out = append(out, sm)
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *InMemoryStore) ExpiredSummaries(_ context.Context, before time.Time, limit int) ([]models.ConversationSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.ConversationSummary
	for _, tail := range s.summaries {
		for _, sm := range tail {
			if sm.ExpiresAt != nil && sm.ExpiresAt.Before(before) {
				out = append(out, sm)
				if limit > 0 && len(out) >= limit {
					return out, nil
				}
			}
		}
	}
	return out, nil
}

func (s *InMemoryStore) DeleteSummary(_ context.Context, summaryID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for convID, tail := range s.summaries {
		for i, sm := range tail {
			if sm.ID == summaryID {
				s.summaries[convID] = append(tail[:i], tail[i+1:]...)
				return nil
			}
		}
	}
	return nil
}

func factKey(factType, key string) string { return factType + ":" + key }

func (s *InMemoryStore) SaveFact(_ context.Context, fact models.ConversationFact) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	byKey, ok := s.facts[fact.ContactID]
	if !ok {
		byKey = make(map[string]models.ConversationFact)
		s.facts[fact.ContactID] = byKey
	}
	k := factKey(fact.FactType, fact.FactKey)
	if existing, ok := byKey[k]; ok {
		if existing.Confidence > fact.Confidence {
			fact.Confidence = existing.Confidence
		}
	}
	fact.LastConfirmedAt = time.Now()
	fact.IsStale = false
	if fact.ID == "" {
		fact.ID = uuid.NewString()
	}
	byKey[k] = fact
	return nil
}

func (s *InMemoryStore) FactsByConfidence(_ context.Context, contactID string, limit int) ([]models.ConversationFact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	facts := make([]models.ConversationFact, 0, len(s.facts[contactID]))
	for _, f := range s.facts[contactID] {
		if f.IsStale {
			continue
		}
		facts = append(facts, f)
	}
	sort.Slice(facts, func(i, j int) bool {
		if facts[i].Confidence != facts[j].Confidence {
			return facts[i].Confidence > facts[j].Confidence
		}
		return facts[i].LastConfirmedAt.After(facts[j].LastConfirmedAt)
	})
	if limit > 0 && len(facts) > limit {
		facts = facts[:limit]
	}
	return facts, nil
}

// FactsBySimilarity falls back to confidence ordering: the in-memory
// tier keeps no embeddings (no DB, no vector index to search).
func (s *InMemoryStore) FactsBySimilarity(ctx context.Context, contactID string, _ []float32, _ float64, limit int) ([]models.ConversationFact, error) {
	return s.FactsByConfidence(ctx, contactID, limit)
}

func (s *InMemoryStore) MarkFactsStale(_ context.Context, contactID string, keys []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	byKey, ok := s.facts[contactID]
	if !ok {
		return nil
	}
	for _, k := range keys {
		for fk, f := range byKey {
			if f.FactKey == k {
				f.IsStale = true
				byKey[fk] = f
			}
		}
	}
	return nil
}

func (s *InMemoryStore) HealthCheck(_ context.Context) error { return nil }

var _ Store = (*InMemoryStore)(nil)

func wrapStoreUnavailable(op string, err error) error {
	if err == nil {
		return nil
	}
	return apperrors.New(apperrors.KindStoreUnavailable, op, "database unavailable", err)
}
