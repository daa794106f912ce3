package replypipeline_test

import (
	"context"
	"errors"
	"testing"

	"github.com/brewline/control-plane/internal/replypipeline"
)

type fakePipeline struct {
	calls  int
	result replypipeline.Result
	err    error
}

func (f *fakePipeline) Run(_ context.Context, _ replypipeline.Request) (replypipeline.Result, error) {
	f.calls++
	return f.result, f.err
}

func TestSelector_LegacyModeAlwaysRunsLegacy(t *testing.T) {
	opt := &fakePipeline{result: replypipeline.Result{FlowType: "optimized"}}
	leg := &fakePipeline{result: replypipeline.Result{FlowType: "legacy"}}
	sel := replypipeline.NewSelector(opt, leg, replypipeline.ModeLegacy, 1.0)

	result, err := sel.Run(context.Background(), replypipeline.Request{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.FlowType != "legacy" {
		t.Errorf("flow_type = %q, want legacy", result.FlowType)
	}
	if opt.calls != 0 || leg.calls != 1 {
		t.Errorf("opt.calls=%d leg.calls=%d, want 0,1", opt.calls, leg.calls)
	}
}

func TestSelector_OptimizedModeFullRatioAlwaysRunsOptimized(t *testing.T) {
	opt := &fakePipeline{result: replypipeline.Result{FlowType: "optimized"}}
	leg := &fakePipeline{result: replypipeline.Result{FlowType: "legacy"}}
	sel := replypipeline.NewSelector(opt, leg, replypipeline.ModeOptimized, 1.0)

	result, err := sel.Run(context.Background(), replypipeline.Request{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.FlowType != "optimized" {
		t.Errorf("flow_type = %q, want optimized", result.FlowType)
	}
	if opt.calls != 1 || leg.calls != 0 {
		t.Errorf("opt.calls=%d leg.calls=%d, want 1,0", opt.calls, leg.calls)
	}
}

func TestSelector_FallsBackToLegacyOnOptimizedError(t *testing.T) {
	opt := &fakePipeline{err: errors.New("boom")}
	leg := &fakePipeline{result: replypipeline.Result{FlowType: "legacy"}}
	sel := replypipeline.NewSelector(opt, leg, replypipeline.ModeOptimized, 1.0)

	result, err := sel.Run(context.Background(), replypipeline.Request{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.FlowType != "legacy" {
		t.Errorf("flow_type = %q, want legacy after fallback", result.FlowType)
	}
	if opt.calls != 1 || leg.calls != 1 {
		t.Errorf("opt.calls=%d leg.calls=%d, want 1,1", opt.calls, leg.calls)
	}
}

func TestSelector_ZeroRatioAlwaysRunsLegacy(t *testing.T) {
	opt := &fakePipeline{result: replypipeline.Result{FlowType: "optimized"}}
	leg := &fakePipeline{result: replypipeline.Result{FlowType: "legacy"}}
	sel := replypipeline.NewSelector(opt, leg, replypipeline.ModeOptimized, 0.0)

	result, err := sel.Run(context.Background(), replypipeline.Request{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.FlowType != "legacy" {
		t.Errorf("flow_type = %q, want legacy", result.FlowType)
	}
	if opt.calls != 0 || leg.calls != 1 {
		t.Errorf("opt.calls=%d leg.calls=%d, want 0,1", opt.calls, leg.calls)
	}
}
