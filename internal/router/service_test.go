package router_test

import (
	"context"
	"testing"

	"github.com/brewline/control-plane/internal/apperrors"
	"github.com/brewline/control-plane/internal/router"
	"github.com/brewline/control-plane/pkg/models"
)

type fakeDriver struct {
	kind      string
	calls     int
	failUntil int
	failKind  apperrors.Kind
	failMsg   string
}

func (f *fakeDriver) Kind() string { return f.kind }

func (f *fakeDriver) Call(_ context.Context, req *models.RouteRequest) (*models.RouteResponse, error) {
	f.calls++
	if f.calls <= f.failUntil {
		return nil, apperrors.New(f.failKind, "fakeDriver.Call", f.failMsg, nil)
	}
	return &models.RouteResponse{Content: "ok", Model: "test-model"}, nil
}

func (f *fakeDriver) HealthCheck(_ context.Context) error { return nil }

func newService(d *fakeDriver, maxRetries int) *router.Service {
	reg := router.NewRegistry()
	reg.Register(d)
	svc := router.NewService(reg, router.NewInMemoryKnowledgeStore(), maxRetries, d.kind)
	svc.SetRoutingRules([]models.ModelRoutingRule{
		{Task: "reply", Provider: d.kind, Model: "test-model"},
	})
	return svc
}

func TestService_Call_Succeeds(t *testing.T) {
	d := &fakeDriver{kind: "fake"}
	svc := newService(d, 2)

	resp, err := svc.Call(context.Background(), "reply", []models.ChatMessage{{Role: models.RoleUser, Content: "hi"}}, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Content != "ok" {
		t.Errorf("content = %q, want %q", resp.Content, "ok")
	}
	if d.calls != 1 {
		t.Errorf("calls = %d, want 1", d.calls)
	}
}

func TestService_Call_LearnsAndRetriesOnParamUnsupported(t *testing.T) {
	d := &fakeDriver{kind: "fake", failUntil: 1, failKind: apperrors.KindProviderParamUnsupported, failMsg: "temperature is not supported with this model"}
	svc := newService(d, 2)

	resp, err := svc.Call(context.Background(), "reply", []models.ChatMessage{{Role: models.RoleUser, Content: "hi"}}, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp == nil {
		t.Fatal("expected a response after retry")
	}
	if d.calls != 2 {
		t.Errorf("calls = %d, want 2", d.calls)
	}
	if svc.DoesNotSupportCustomTemperature("test-model") != true {
		t.Error("expected model to be marked as not supporting custom temperature")
	}
}

func TestService_Call_NonParamErrorDoesNotRetry(t *testing.T) {
	d := &fakeDriver{kind: "fake", failUntil: 99, failKind: apperrors.KindUpstreamTimeout, failMsg: "timed out"}
	svc := newService(d, 3)

	_, err := svc.Call(context.Background(), "reply", []models.ChatMessage{{Role: models.RoleUser, Content: "hi"}}, "")
	if err == nil {
		t.Fatal("expected error")
	}
	if d.calls != 1 {
		t.Errorf("calls = %d, want 1 (no retry for non-param errors)", d.calls)
	}
}

func TestService_GetModelConfig_DefaultsWhenRoleUnknown(t *testing.T) {
	svc := newService(&fakeDriver{kind: "fake"}, 0)
	cfg := svc.GetModelConfig("unknown-role")
	if cfg.Source != "default" {
		t.Errorf("source = %q, want %q", cfg.Source, "default")
	}
}

func TestService_Call_AccumulatesCostSummaryByRole(t *testing.T) {
	d := &fakeDriver{kind: "fake"}
	svc := newService(d, 0)

	if _, err := svc.Call(context.Background(), "reply", []models.ChatMessage{{Role: models.RoleUser, Content: "hi"}}, ""); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := svc.Call(context.Background(), "reply", []models.ChatMessage{{Role: models.RoleUser, Content: "hi again"}}, ""); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	summary := svc.GetCostSummary("reply")
	if summary.TotalTokens != 0 {
		t.Errorf("total tokens = %d, want 0 (fakeDriver reports no usage)", summary.TotalTokens)
	}

	other := svc.GetCostSummary("unused-role")
	if other.TotalCostUSD != 0 || len(other.ByModel) != 0 {
		t.Errorf("unused role summary should be empty, got %+v", other)
	}
}
