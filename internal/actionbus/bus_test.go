package actionbus_test

import (
	"context"
	"errors"
	"testing"

	"github.com/brewline/control-plane/internal/actionbus"
	"github.com/brewline/control-plane/pkg/models"
)

type fakeExecutor struct {
	calls int
	err   error
}

func (f *fakeExecutor) Execute(_ context.Context, actionType, handler string, payload, ctxMap map[string]interface{}) (map[string]interface{}, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return map[string]interface{}{"ok": true}, nil
}

func newBus(executor actionbus.Executor, types map[string]actionbus.TypeSpec) *actionbus.Bus {
	return actionbus.New(actionbus.NewInMemoryStore(), executor, types)
}

func TestBus_AutoActionExecutesImmediately(t *testing.T) {
	exec := &fakeExecutor{}
	bus := newBus(exec, map[string]actionbus.TypeSpec{
		"SEND_DISCOUNT": {AutonomyLevel: models.AutonomyAuto, Handler: "chatwoot"},
	})

	rec, err := bus.Propose(context.Background(), "SEND_DISCOUNT", nil, nil, "tania", "customer asked")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.State != models.ActionExecuted {
		t.Errorf("state = %s, want EXECUTED", rec.State)
	}
	if exec.calls != 1 {
		t.Errorf("exec.calls = %d, want 1", exec.calls)
	}
}

func TestBus_DraftActionRequiresConfirm(t *testing.T) {
	exec := &fakeExecutor{}
	bus := newBus(exec, map[string]actionbus.TypeSpec{
		"REFUND": {AutonomyLevel: models.AutonomyDraft, Handler: "chatwoot"},
	})

	rec, err := bus.Propose(context.Background(), "REFUND", nil, nil, "tania", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.State != models.ActionDraft {
		t.Fatalf("state = %s, want DRAFT", rec.State)
	}
	if exec.calls != 0 {
		t.Errorf("exec.calls = %d, want 0 before confirm", exec.calls)
	}

	confirmed, err := bus.Confirm(context.Background(), rec.ActionID, "manager@brewline.test")
	if err != nil {
		t.Fatalf("unexpected error on confirm: %v", err)
	}
	if confirmed.State != models.ActionExecuted {
		t.Errorf("state = %s, want EXECUTED", confirmed.State)
	}
}

func TestBus_CriticalActionRequires2FA(t *testing.T) {
	exec := &fakeExecutor{}
	bus := newBus(exec, map[string]actionbus.TypeSpec{
		"SUSPEND_EMPLOYEE_ACCESS": {AutonomyLevel: models.AutonomyCritical, Handler: "internal"},
	})

	rec, err := bus.Propose(context.Background(), "SUSPEND_EMPLOYEE_ACCESS", nil, nil, "ops", "policy violation")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.State != models.ActionPendingApproval {
		t.Fatalf("state = %s, want PENDING_APPROVAL", rec.State)
	}

	approved, err := bus.Approve(context.Background(), rec.ActionID, "A")
	if err != nil {
		t.Fatalf("unexpected error on approve: %v", err)
	}
	if approved.State != models.ActionPending2FA {
		t.Fatalf("state = %s, want PENDING_2FA", approved.State)
	}

	executed, err := bus.VerifyAndApprove(context.Background(), rec.ActionID, "123456")
	if err != nil {
		t.Fatalf("unexpected error on 2FA verify: %v", err)
	}
	if executed.State != models.ActionExecuted {
		t.Errorf("state = %s, want EXECUTED", executed.State)
	}
}

func TestBus_VerifyAndApproveRejectsShortCode(t *testing.T) {
	bus := newBus(&fakeExecutor{}, map[string]actionbus.TypeSpec{
		"SUSPEND_EMPLOYEE_ACCESS": {AutonomyLevel: models.AutonomyCritical, Handler: "internal"},
	})
	rec, _ := bus.Propose(context.Background(), "SUSPEND_EMPLOYEE_ACCESS", nil, nil, "ops", "")
	bus.Approve(context.Background(), rec.ActionID, "A")

	if _, err := bus.VerifyAndApprove(context.Background(), rec.ActionID, "123"); err == nil {
		t.Error("expected error for non-6-digit code")
	}
}

func TestBus_DailyLimitRejectsOverage(t *testing.T) {
	exec := &fakeExecutor{}
	bus := newBus(exec, map[string]actionbus.TypeSpec{
		"FREE_ITEM": {AutonomyLevel: models.AutonomyAuto, Handler: "chatwoot", DailyLimit: 1, LimitScopeKey: "branch_id"},
	})
	ctxMap := map[string]interface{}{"branch_id": "b1"}

	first, err := bus.Propose(context.Background(), "FREE_ITEM", nil, ctxMap, "tania", "")
	if err != nil || first.State != models.ActionExecuted {
		t.Fatalf("first proposal: state=%v err=%v", first.State, err)
	}

	second, err := bus.Propose(context.Background(), "FREE_ITEM", nil, ctxMap, "tania", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if second.State != models.ActionRejected {
		t.Errorf("state = %s, want REJECTED", second.State)
	}
	if second.Metadata.FailureReason != "LIMITS_EXCEEDED" {
		t.Errorf("failure_reason = %q, want LIMITS_EXCEEDED", second.Metadata.FailureReason)
	}
}

func TestBus_CancelOnlyAllowedFromCancellableStates(t *testing.T) {
	bus := newBus(&fakeExecutor{}, map[string]actionbus.TypeSpec{
		"REFUND": {AutonomyLevel: models.AutonomyDraft, Handler: "chatwoot"},
	})
	rec, _ := bus.Propose(context.Background(), "REFUND", nil, nil, "tania", "")

	cancelled, err := bus.Cancel(context.Background(), rec.ActionID, "customer withdrew request")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cancelled.State != models.ActionCancelled {
		t.Errorf("state = %s, want CANCELLED", cancelled.State)
	}

	if _, err := bus.Cancel(context.Background(), rec.ActionID, "again"); err == nil {
		t.Error("expected error cancelling an already-cancelled action")
	}
}

func TestBus_UnknownActionTypeErrors(t *testing.T) {
	bus := newBus(&fakeExecutor{}, map[string]actionbus.TypeSpec{})
	if _, err := bus.Propose(context.Background(), "NOPE", nil, nil, "tania", ""); err == nil {
		t.Error("expected error for unregistered action type")
	}
}

func TestBus_ExecutionFailureMarksFailed(t *testing.T) {
	exec := &fakeExecutor{err: errors.New("handler unreachable")}
	bus := newBus(exec, map[string]actionbus.TypeSpec{
		"PING": {AutonomyLevel: models.AutonomyAuto, Handler: "webhook"},
	})
	rec, err := bus.Propose(context.Background(), "PING", nil, nil, "tania", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.State != models.ActionFailed {
		t.Errorf("state = %s, want FAILED", rec.State)
	}
	if rec.Metadata.FailureReason == "" {
		t.Error("expected failure_reason to be set")
	}
}
