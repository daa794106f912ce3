package actionexec_test

import (
	"context"
	"errors"
	"testing"

	"github.com/brewline/control-plane/internal/actionexec"
)

type fakeHandler struct {
	kind      string
	calls     int
	failUntil int
	failErr   error
}

func (h *fakeHandler) Kind() string { return h.kind }

func (h *fakeHandler) Execute(_ context.Context, _ string, _, _ map[string]interface{}) (map[string]interface{}, error) {
	h.calls++
	if h.calls <= h.failUntil {
		return nil, h.failErr
	}
	return map[string]interface{}{"ok": true}, nil
}

func TestExecutor_SucceedsOnFirstTry(t *testing.T) {
	h := &fakeHandler{kind: "webhook"}
	e := actionexec.New()
	e.Register(h)

	result, err := e.Execute(context.Background(), "PING", "webhook", nil, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result["ok"] != true {
		t.Errorf("result = %+v, want ok=true", result)
	}
	if h.calls != 1 {
		t.Errorf("calls = %d, want 1", h.calls)
	}
}

func TestExecutor_RetriesTransientFailures(t *testing.T) {
	h := &fakeHandler{kind: "webhook", failUntil: 1, failErr: errors.New("temporary network blip")}
	e := actionexec.New()
	e.Register(h)

	_, err := e.Execute(context.Background(), "PING", "webhook", nil, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if h.calls != 2 {
		t.Errorf("calls = %d, want 2", h.calls)
	}
}

func TestExecutor_DoesNotRetryNonRetryableErrors(t *testing.T) {
	h := &fakeHandler{kind: "webhook", failUntil: 99, failErr: errors.New("unauthorized: bad token")}
	e := actionexec.New()
	e.Register(h)

	_, err := e.Execute(context.Background(), "PING", "webhook", nil, nil)
	if err == nil {
		t.Fatal("expected error")
	}
	if h.calls != 1 {
		t.Errorf("calls = %d, want 1 (no retry on non-retryable error)", h.calls)
	}
}

func TestExecutor_UnknownHandlerKindErrors(t *testing.T) {
	e := actionexec.New()
	if _, err := e.Execute(context.Background(), "PING", "nonexistent", nil, nil); err == nil {
		t.Error("expected error for unregistered handler kind")
	}
}

func TestExecutor_ValidateReturnsNotSupportedWhenMissing(t *testing.T) {
	e := actionexec.New()
	e.Register(&fakeHandler{kind: "webhook"})

	_, err := e.Validate(context.Background(), "PING", "webhook", nil, nil)
	if err != actionexec.ErrNotSupported {
		t.Errorf("err = %v, want ErrNotSupported", err)
	}
}
