// File: internal/history/store_test.go
// Brief: Sqlite history store tests.

package history

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/example/pipectl/internal/pipeline"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "history.sqlite"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func sampleExecution(id string, status pipeline.ExecutionStatus) pipeline.Execution {
	return pipeline.Execution{
		ExecutionID: id,
		PipelineID:  "pl-1",
		Status:      status,
		StartTime:   time.Now().UTC().Truncate(time.Millisecond),
		Trigger:     "manual",
		Branch:      "main",
		Commit:      "abc123",
		StageResults: map[string]pipeline.StageResult{
			"build": {StageName: "build", Status: pipeline.StageSuccess, Output: "ok"},
		},
	}
}

func TestRecordAndGetRun(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	exec := sampleExecution("e1", pipeline.ExecutionRunning)
	if err := s.RecordExecution(ctx, exec); err != nil {
		t.Fatalf("record: %v", err)
	}

	exec.Status = pipeline.ExecutionSuccess
	if err := s.RecordExecution(ctx, exec); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	run, err := s.GetRun(ctx, "e1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if run.Execution.Status != pipeline.ExecutionSuccess {
		t.Fatalf("status = %s, want success after upsert", run.Execution.Status)
	}
	if run.Execution.StageResults["build"].Output != "ok" {
		t.Fatalf("stage results not round-tripped: %+v", run.Execution.StageResults)
	}
}

func TestGetRunNotFound(t *testing.T) {
	s := openTestStore(t)
	if _, err := s.GetRun(context.Background(), "ghost"); !errors.Is(err, pipeline.ErrExecutionNotFound) {
		t.Fatalf("err = %v, want ErrExecutionNotFound", err)
	}
}

func TestListRunsNewestFirst(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		exec := sampleExecution(fmt.Sprintf("e%d", i), pipeline.ExecutionSuccess)
		if err := s.RecordExecution(ctx, exec); err != nil {
			t.Fatalf("record %d: %v", i, err)
		}
		time.Sleep(2 * time.Millisecond)
	}

	runs, err := s.ListRuns(ctx, 3)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(runs) != 3 {
		t.Fatalf("len = %d, want 3", len(runs))
	}
	if runs[0].Execution.ExecutionID != "e4" || runs[2].Execution.ExecutionID != "e2" {
		t.Fatalf("order = %s..%s, want e4..e2", runs[0].Execution.ExecutionID, runs[2].Execution.ExecutionID)
	}
}

func TestEventsRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	for i, typ := range []pipeline.RunEventType{pipeline.EventRunStarted, pipeline.EventStageRunning, pipeline.EventStageSucceeded} {
		s.ObserveRunEvent(pipeline.RunEvent{
			Seq:         int64(i + 1),
			TS:          time.Now().UTC(),
			ExecutionID: "e1",
			PipelineID:  "pl-1",
			Stage:       "build",
			Type:        typ,
		})
	}
	s.ObserveRunEvent(pipeline.RunEvent{ExecutionID: "other", TS: time.Now(), Type: pipeline.EventRunStarted})

	evs, err := s.Events(ctx, "e1")
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	if len(evs) != 3 {
		t.Fatalf("len = %d, want 3", len(evs))
	}
	if evs[0].Type != pipeline.EventRunStarted || evs[2].Type != pipeline.EventStageSucceeded {
		t.Fatalf("order wrong: %+v", evs)
	}
}

func TestPrune(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	for i := 0; i < 6; i++ {
		if err := s.RecordExecution(ctx, sampleExecution(fmt.Sprintf("e%d", i), pipeline.ExecutionSuccess)); err != nil {
			t.Fatalf("record: %v", err)
		}
		s.ObserveRunEvent(pipeline.RunEvent{ExecutionID: fmt.Sprintf("e%d", i), TS: time.Now(), Type: pipeline.EventRunStarted})
		time.Sleep(2 * time.Millisecond)
	}

	if err := s.Prune(ctx, 2); err != nil {
		t.Fatalf("prune: %v", err)
	}
	runs, err := s.ListRuns(ctx, 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(runs) != 2 {
		t.Fatalf("len = %d after prune, want 2", len(runs))
	}
	if runs[0].Execution.ExecutionID != "e5" || runs[1].Execution.ExecutionID != "e4" {
		t.Fatalf("kept %s,%s; want e5,e4", runs[0].Execution.ExecutionID, runs[1].Execution.ExecutionID)
	}
	if evs, _ := s.Events(ctx, "e0"); len(evs) != 0 {
		t.Fatalf("events for pruned run should be gone, got %d", len(evs))
	}
}

func TestOpenCreatesParentDir(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "deep", "history.sqlite")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	_ = s.Close()
}
