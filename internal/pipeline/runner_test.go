package pipeline

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func runnerStage(name string, timeout time.Duration, retries int, unit WorkUnit) StageDefinition {
	return StageDefinition{Name: name, Unit: unit, Timeout: timeout, RetryCount: retries, When: WhenAlways}
}

func TestRunner_SuccessWithStructuredResult(t *testing.T) {
	r := NewStageRunner(nil)
	st := runnerStage("build", time.Second, 0, WorkUnitFunc(func(ctx context.Context, ec ExecContext, stage StageDefinition) (any, error) {
		return &WorkResult{
			Output:    "ok",
			Artifacts: []string{"dist/app"},
			Metadata:  map[string]any{"cached": true},
		}, nil
	}))
	res := r.Execute(context.Background(), ExecContext{}, st)
	if res.Status != StageSuccess {
		t.Fatalf("status = %q, want success (error: %s)", res.Status, res.Error)
	}
	if res.Output != "ok" || len(res.Artifacts) != 1 || res.Metadata["cached"] != true {
		t.Fatalf("structured result not mapped: %+v", res)
	}
	if res.Duration < 0 || res.EndTime.Before(res.StartTime) {
		t.Fatalf("bad timing: %+v", res)
	}
}

func TestRunner_CoercesPlainValueToStringOutput(t *testing.T) {
	r := NewStageRunner(nil)
	st := runnerStage("count", time.Second, 0, WorkUnitFunc(func(ctx context.Context, ec ExecContext, stage StageDefinition) (any, error) {
		return 42, nil
	}))
	res := r.Execute(context.Background(), ExecContext{}, st)
	if res.Status != StageSuccess || res.Output != "42" {
		t.Fatalf("got %+v, want success with output 42", res)
	}
}

func TestRunner_TimeoutYieldsFailedWithTimeoutMessage(t *testing.T) {
	r := NewStageRunner(nil)
	st := runnerStage("sleepy", 30*time.Millisecond, 0, WorkUnitFunc(func(ctx context.Context, ec ExecContext, stage StageDefinition) (any, error) {
		select {
		case <-time.After(time.Second):
			return "late", nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}))
	res := r.Execute(context.Background(), ExecContext{}, st)
	if res.Status != StageFailed {
		t.Fatalf("status = %q, want failed", res.Status)
	}
	if !strings.Contains(res.Error, "timed out after 30ms") {
		t.Fatalf("error should state the timeout duration, got %q", res.Error)
	}
}

func TestRunner_RetriesUntilSuccess(t *testing.T) {
	var calls atomic.Int32
	r := NewStageRunner(nil)
	st := runnerStage("flaky", time.Second, 2, WorkUnitFunc(func(ctx context.Context, ec ExecContext, stage StageDefinition) (any, error) {
		if calls.Add(1) < 3 {
			return nil, errors.New("transient")
		}
		return "done", nil
	}))
	res := r.Execute(context.Background(), ExecContext{}, st)
	if res.Status != StageSuccess {
		t.Fatalf("status = %q, want success", res.Status)
	}
	if got := calls.Load(); got != 3 {
		t.Fatalf("work unit invoked %d times, want 3", got)
	}
}

func TestRunner_ExhaustedRetriesCaptureErrorVerbatim(t *testing.T) {
	var calls atomic.Int32
	r := NewStageRunner(nil)
	st := runnerStage("broken", time.Second, 1, WorkUnitFunc(func(ctx context.Context, ec ExecContext, stage StageDefinition) (any, error) {
		calls.Add(1)
		return nil, errors.New("compiler exploded")
	}))
	res := r.Execute(context.Background(), ExecContext{}, st)
	if res.Status != StageFailed || res.Error != "compiler exploded" {
		t.Fatalf("got %+v, want failed with verbatim error", res)
	}
	if got := calls.Load(); got != 2 {
		t.Fatalf("work unit invoked %d times, want retry_count+1 = 2", got)
	}
}

func TestRunner_PanicBecomesAttemptError(t *testing.T) {
	r := NewStageRunner(nil)
	st := runnerStage("panicky", time.Second, 0, WorkUnitFunc(func(ctx context.Context, ec ExecContext, stage StageDefinition) (any, error) {
		panic("boom")
	}))
	res := r.Execute(context.Background(), ExecContext{}, st)
	if res.Status != StageFailed || !strings.Contains(res.Error, "boom") {
		t.Fatalf("got %+v, want failed mentioning the panic", res)
	}
}

func TestRunner_CancelledContextYieldsCancelled(t *testing.T) {
	r := NewStageRunner(nil)
	ctx, cancel := context.WithCancel(context.Background())
	st := runnerStage("hang", time.Second, 5, WorkUnitFunc(func(ctx context.Context, ec ExecContext, stage StageDefinition) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}))
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	res := r.Execute(ctx, ExecContext{}, st)
	if res.Status != StageCancelled {
		t.Fatalf("status = %q, want cancelled", res.Status)
	}
}

func TestRunner_DurationSpansAllAttempts(t *testing.T) {
	r := NewStageRunner(nil)
	st := runnerStage("slowfail", 40*time.Millisecond, 1, WorkUnitFunc(func(ctx context.Context, ec ExecContext, stage StageDefinition) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}))
	res := r.Execute(context.Background(), ExecContext{}, st)
	if res.Status != StageFailed {
		t.Fatalf("status = %q, want failed", res.Status)
	}
	if res.Duration < 80*time.Millisecond {
		t.Fatalf("duration %s should cover both timed-out attempts", res.Duration)
	}
}
