package registry_test

import (
	"context"
	"testing"
	"time"

	"github.com/brewline/control-plane/internal/registry"
)

type fakeSheets struct {
	tabs map[string][][]string
	err  error
}

func (f *fakeSheets) FetchTab(_ context.Context, title string) ([][]string, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.tabs[title], nil
}

func TestRegistry_CurrentIsFallbackBeforeFirstRefresh(t *testing.T) {
	r := registry.New(nil, nil, time.Minute)
	snap := r.Current()
	if !snap.IsFallback {
		t.Error("expected fallback snapshot before any refresh")
	}
}

func TestRegistry_RefreshPublishesNewSnapshot(t *testing.T) {
	sheets := &fakeSheets{tabs: map[string][][]string{
		"branches": {
			{"id", "name", "address", "hours"},
			{"b1", "Downtown", "123 Main St", "9-5"},
		},
		"products":      {{"id", "name", "description", "price"}},
		"faqs":          {{"id", "question", "answer"}},
		"canned":        {{"id", "trigger", "response", "category"}},
		"season_rules":  {{"id", "expression", "effect"}},
		"model_routing": {{"task", "provider", "model"}},
	}}
	r := registry.New(sheets, nil, time.Minute)
	r.Refresh(context.Background())

	snap := r.Current()
	if snap.IsFallback {
		t.Error("expected non-fallback snapshot after successful refresh")
	}
	if len(snap.Branches) != 1 || snap.Branches[0].ID != "b1" {
		t.Errorf("branches = %+v, want one branch b1", snap.Branches)
	}
}

func TestRegistry_RefreshKeepsPreviousSnapshotOnFailure(t *testing.T) {
	sheets := &fakeSheets{err: context.DeadlineExceeded}
	r := registry.New(sheets, nil, time.Minute)
	before := r.Current()

	r.Refresh(context.Background())

	after := r.Current()
	if after != before {
		t.Error("expected snapshot to remain unchanged after a failed refresh")
	}
}
