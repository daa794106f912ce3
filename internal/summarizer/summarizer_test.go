package summarizer_test

import (
	"context"
	"testing"
	"time"

	"github.com/brewline/control-plane/internal/embeddings"
	"github.com/brewline/control-plane/internal/memory"
	"github.com/brewline/control-plane/internal/router"
	"github.com/brewline/control-plane/internal/summarizer"
	"github.com/brewline/control-plane/pkg/models"
)

// fakeStore implements memory.Store with one conversation ready to
// summarize; CommitSummary records its own calls for assertions.
type fakeStore struct {
	conversationID string
	messages       []models.ConversationMessage
	committed      []models.ConversationSummary
	committedIDs   [][]string
}

func (f *fakeStore) Kind() string { return "fake" }
func (f *fakeStore) AppendMessage(context.Context, models.ConversationMessage) error { return nil }
func (f *fakeStore) LastMessage(context.Context, string) (*models.ConversationMessage, error) {
	return nil, nil
}
func (f *fakeStore) RecentMessages(context.Context, string, int, bool) ([]models.ConversationMessage, error) {
	return nil, nil
}
func (f *fakeStore) ClearMessages(context.Context, string) error { return nil }

func (f *fakeStore) ConversationsToSummarize(context.Context, int64, int, int) ([]string, error) {
	if f.conversationID == "" {
		return nil, nil
	}
	return []string{f.conversationID}, nil
}

func (f *fakeStore) MessagesForSummary(_ context.Context, conversationID string, _ int) ([]models.ConversationMessage, error) {
	if conversationID != f.conversationID {
		return nil, nil
	}
	return f.messages, nil
}

func (f *fakeStore) CommitSummary(_ context.Context, summary models.ConversationSummary, messageIDs []string) error {
	f.committed = append(f.committed, summary)
	f.committedIDs = append(f.committedIDs, messageIDs)
	return nil
}

func (f *fakeStore) RecentSummaries(context.Context, string, int) ([]models.ConversationSummary, error) {
	return nil, nil
}
func (f *fakeStore) SaveFact(context.Context, models.ConversationFact) error { return nil }
func (f *fakeStore) FactsByConfidence(context.Context, string, int) ([]models.ConversationFact, error) {
	return nil, nil
}
func (f *fakeStore) FactsBySimilarity(context.Context, string, []float32, float64, int) ([]models.ConversationFact, error) {
	return nil, nil
}
func (f *fakeStore) MarkFactsStale(context.Context, string, []string) error { return nil }
func (f *fakeStore) HealthCheck(context.Context) error                     { return nil }

var _ memory.Store = (*fakeStore)(nil)

type fakeEmbedDriver struct{}

func (fakeEmbedDriver) Kind() string { return "fake" }
func (fakeEmbedDriver) Embed(_ context.Context, texts []string) ([][]float64, error) {
	out := make([][]float64, len(texts))
	for i := range texts {
		out[i] = []float64{0.1, 0.2, 0.3}
	}
	return out, nil
}
func (fakeEmbedDriver) Dimensions() int               { return 3 }
func (fakeEmbedDriver) MaxBatchSize() int             { return 100 }
func (fakeEmbedDriver) HealthCheck(context.Context) error { return nil }

type fakeRouterDriver struct {
	content string
}

func (f *fakeRouterDriver) Kind() string { return "fake" }
func (f *fakeRouterDriver) Call(_ context.Context, _ *models.RouteRequest) (*models.RouteResponse, error) {
	return &models.RouteResponse{Content: f.content, Model: "test-model"}, nil
}
func (f *fakeRouterDriver) HealthCheck(context.Context) error { return nil }

func newRouterService(content string) *router.Service {
	reg := router.NewRegistry()
	d := &fakeRouterDriver{content: content}
	reg.Register(d)
	svc := router.NewService(reg, router.NewInMemoryKnowledgeStore(), 1, d.Kind())
	svc.SetRoutingRules([]models.ModelRoutingRule{{Task: "summarizer", Provider: d.Kind(), Model: "test-model"}})
	return svc
}

func TestScheduler_RunCycle_SummarizesEligibleConversation(t *testing.T) {
	now := time.Now()
	store := &fakeStore{
		conversationID: "conv-1",
		messages: []models.ConversationMessage{
			{ID: "m1", ConversationID: "conv-1", ContactID: "contact-1", Role: models.RoleUser, Content: "hi", MessageTimestamp: now.Add(-2 * time.Hour)},
			{ID: "m2", ConversationID: "conv-1", ContactID: "contact-1", Role: models.RoleAssistant, Content: "hello!", MessageTimestamp: now.Add(-time.Hour)},
		},
	}
	mem := memory.NewService(store, memory.NewInMemoryStore(10), embeddings.NewService(fakeEmbedDriver{}, 100, time.Hour), 10, 5, 5, 0.8)
	embed := embeddings.NewService(fakeEmbedDriver{}, 100, time.Hour)
	r := newRouterService(`{"summary":"Customer greeted, resolved.","primary_intent":"greeting","resolution_status":"resolved","sentiment":"positive","products_mentioned":[],"extracted_facts":[]}`)

	sched := summarizer.New(mem, embed, r, summarizer.Config{MinMessagesForSummary: 1})
	stats := sched.RunCycle(context.Background())

	if stats.ConversationsSummarized != 1 {
		t.Fatalf("summarized = %d, want 1", stats.ConversationsSummarized)
	}
	if len(store.committed) != 1 {
		t.Fatalf("committed summaries = %d, want 1", len(store.committed))
	}
	if store.committed[0].Metadata.PrimaryIntent != "greeting" {
		t.Errorf("primary_intent = %q, want greeting", store.committed[0].Metadata.PrimaryIntent)
	}
	if len(store.committedIDs[0]) != 2 {
		t.Errorf("committed message ids = %v, want 2 ids", store.committedIDs[0])
	}
}

func TestScheduler_RunCycle_NoEligibleConversationsIsANoOp(t *testing.T) {
	store := &fakeStore{}
	mem := memory.NewService(store, memory.NewInMemoryStore(10), embeddings.NewService(fakeEmbedDriver{}, 100, time.Hour), 10, 5, 5, 0.8)
	embed := embeddings.NewService(fakeEmbedDriver{}, 100, time.Hour)
	r := newRouterService(`{}`)

	sched := summarizer.New(mem, embed, r, summarizer.Config{})
	stats := sched.RunCycle(context.Background())

	if stats.ConversationsSummarized != 0 || stats.ConversationsFailed != 0 {
		t.Errorf("stats = %+v, want zero", stats)
	}
}
