package retention_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/brewline/control-plane/internal/actionbus"
	"github.com/brewline/control-plane/internal/memory"
	"github.com/brewline/control-plane/internal/retention"
	"github.com/brewline/control-plane/pkg/models"
)

type fakeArchiver struct {
	kind           string
	actionBatches  int
	summaryBatches int
	failActions    bool
}

func (f *fakeArchiver) Kind() string { return f.kind }

func (f *fakeArchiver) ArchiveActionRecords(_ context.Context, records []models.ActionRecord) (string, error) {
	if f.failActions {
		return "", context.DeadlineExceeded
	}
	f.actionBatches++
	return "file:///archive/actions", nil
}

func (f *fakeArchiver) ArchiveConversationSummaries(_ context.Context, summaries []models.ConversationSummary) (string, error) {
	f.summaryBatches++
	return "file:///archive/summaries", nil
}

func (f *fakeArchiver) HealthCheck(_ context.Context) error { return nil }

func expiredActionRecord() *models.ActionRecord {
	past := time.Now().Add(-time.Hour)
	return &models.ActionRecord{
		ActionID:      uuid.NewString(),
		ActionType:    "FREE_ITEM",
		RequestedBy:   "tania",
		AutonomyLevel: models.AutonomyApproval,
		Handler:       "sheets",
		State:         models.ActionExecuted,
		CreatedAt:     past,
		UpdatedAt:     past,
		ExpiresAt:     &past,
	}
}

func expiredSummary() models.ConversationSummary {
	past := time.Now().Add(-time.Hour)
	return models.ConversationSummary{
		ID:             uuid.NewString(),
		ConversationID: "conv-1",
		SummaryText:    "customer asked about hours",
		CreatedAt:      past,
		ExpiresAt:      &past,
	}
}

func TestJanitor_ArchivesThenPurgesExpiredActionRecords(t *testing.T) {
	actions := actionbus.NewInMemoryStore()
	rec := expiredActionRecord()
	if err := actions.Create(context.Background(), rec); err != nil {
		t.Fatalf("seed action record: %v", err)
	}

	mem := memory.NewInMemoryStore(20)
	archiver := &fakeArchiver{kind: "fake"}

	j := retention.NewJanitor(actions, mem, time.Hour)
	j.RegisterArchiver(archiver)

	j.RunOnce(context.Background())

	if archiver.actionBatches != 1 {
		t.Errorf("action batches archived = %d, want 1", archiver.actionBatches)
	}
	if _, err := actions.Get(context.Background(), rec.ActionID); err == nil {
		t.Error("expired action record should have been purged")
	}
}

func TestJanitor_ArchiveFailureSkipsPurge(t *testing.T) {
	actions := actionbus.NewInMemoryStore()
	rec := expiredActionRecord()
	if err := actions.Create(context.Background(), rec); err != nil {
		t.Fatalf("seed action record: %v", err)
	}

	mem := memory.NewInMemoryStore(20)
	archiver := &fakeArchiver{kind: "fake", failActions: true}

	j := retention.NewJanitor(actions, mem, time.Hour)
	j.RegisterArchiver(archiver)

	j.RunOnce(context.Background())

	if _, err := actions.Get(context.Background(), rec.ActionID); err != nil {
		t.Error("action record should survive a failed archive write (fail-safe)")
	}
}

func TestJanitor_PurgesWithoutArchiverRegistered(t *testing.T) {
	actions := actionbus.NewInMemoryStore()
	rec := expiredActionRecord()
	if err := actions.Create(context.Background(), rec); err != nil {
		t.Fatalf("seed action record: %v", err)
	}

	mem := memory.NewInMemoryStore(20)
	j := retention.NewJanitor(actions, mem, time.Hour)

	j.RunOnce(context.Background())

	if _, err := actions.Get(context.Background(), rec.ActionID); err == nil {
		t.Error("expired action record should be purged even with no archive driver")
	}
}
