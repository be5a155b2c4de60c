// File: internal/pipeline/scheduler.go
// Brief: Per-execution stage graph orchestration.

package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// runState is the mutable state of one live execution. Every mutation of the
// pending/running/completed sets and of the stage results map goes through
// rs.mu, so a readiness snapshot is never read mid-mutation. The runState is
// owned by exactly one scheduler until the execution is terminal.
type runState struct {
	mu sync.Mutex

	pl   *Pipeline
	exec Execution

	pending   map[string]struct{}
	running   map[string]struct{}
	completed map[string]struct{}

	// doneCh carries stage names as their runner tasks settle; buffered so a
	// runner task never blocks on the coordination loop.
	doneCh chan string

	cancelled bool
	cancelCh  chan struct{}

	finishedCh chan struct{}

	runCtx    context.Context
	runCancel context.CancelFunc

	eventSeq  int64
	observers []RunEventObserver

	// preFinish runs after the terminal status is recorded but before
	// waiters are woken; the manager hooks admission release here so a
	// woken waiter always observes the freed slot.
	preFinish func()
}

func newRunState(pl *Pipeline, exec Execution, observers []RunEventObserver) *runState {
	ctx, cancel := context.WithCancel(context.Background())
	rs := &runState{
		pl:         pl,
		exec:       exec,
		pending:    make(map[string]struct{}, len(pl.Order)),
		running:    map[string]struct{}{},
		completed:  map[string]struct{}{},
		doneCh:     make(chan string, len(pl.Order)),
		cancelCh:   make(chan struct{}),
		finishedCh: make(chan struct{}),
		runCtx:     ctx,
		runCancel:  cancel,
		observers:  append([]RunEventObserver(nil), observers...),
	}
	if rs.exec.StageResults == nil {
		rs.exec.StageResults = make(map[string]StageResult, len(pl.Order))
	}
	for _, name := range pl.Order {
		rs.pending[name] = struct{}{}
	}
	return rs
}

func (rs *runState) snapshot() Execution {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return cloneExecution(rs.exec)
}

func (rs *runState) execContext() ExecContext {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return ExecContext{
		ExecutionID: rs.exec.ExecutionID,
		PipelineID:  rs.exec.PipelineID,
		Trigger:     rs.exec.Trigger,
		Branch:      rs.exec.Branch,
		Commit:      rs.exec.Commit,
		Variables:   cloneStringMap(rs.exec.Variables),
	}
}

// requestCancel flags the execution for cancellation. It reports false when
// the execution is not currently running.
func (rs *runState) requestCancel() bool {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if rs.exec.Status != ExecutionRunning {
		return false
	}
	if !rs.cancelled {
		rs.cancelled = true
		close(rs.cancelCh)
	}
	return true
}

func (rs *runState) cancelRequested() bool {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return rs.cancelled
}

func (rs *runState) setStatus(status ExecutionStatus) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.exec.Status = status
}

// readiness returns the pending stages whose dependencies are all completed,
// in declared stage order, plus the running count and the number of stages
// not yet completed.
func (rs *runState) readiness() (ready []string, runningCount, remaining int) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	for _, name := range rs.pl.Order {
		if _, ok := rs.pending[name]; !ok {
			continue
		}
		met := true
		for _, dep := range rs.pl.Stages[name].DependsOn {
			if _, done := rs.completed[dep]; !done {
				met = false
				break
			}
		}
		if met {
			ready = append(ready, name)
		}
	}
	return ready, len(rs.running), len(rs.pl.Order) - len(rs.completed)
}

func (rs *runState) anyCompletedFailed() bool {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	for name := range rs.completed {
		if rs.exec.StageResults[name].Status == StageFailed {
			return true
		}
	}
	return false
}

// beginStage moves a stage from pending to running and seeds its result.
func (rs *runState) beginStage(name string) {
	now := time.Now().UTC()
	rs.mu.Lock()
	defer rs.mu.Unlock()
	delete(rs.pending, name)
	rs.running[name] = struct{}{}
	rs.exec.StageResults[name] = StageResult{
		StageName: name,
		Status:    StageRunning,
		StartTime: now,
	}
}

// setStageResult stores the result the runner task owns for this stage.
func (rs *runState) setStageResult(res StageResult) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.exec.StageResults[res.StageName] = res
}

// finishStage moves a settled stage from running to completed and returns its
// final result.
func (rs *runState) finishStage(name string) StageResult {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	delete(rs.running, name)
	rs.completed[name] = struct{}{}
	return rs.exec.StageResults[name]
}

// markSkipped records a terminal skipped result and moves the stage straight
// from pending to completed.
func (rs *runState) markSkipped(name, errMsg string) {
	now := time.Now().UTC()
	rs.mu.Lock()
	defer rs.mu.Unlock()
	delete(rs.pending, name)
	rs.completed[name] = struct{}{}
	rs.exec.StageResults[name] = StageResult{
		StageName: name,
		Status:    StageSkipped,
		StartTime: now,
		EndTime:   now,
		Error:     errMsg,
	}
}

// cancelPending marks every still-pending stage cancelled without running it
// and returns the affected names in declared order.
func (rs *runState) cancelPending() []string {
	now := time.Now().UTC()
	rs.mu.Lock()
	defer rs.mu.Unlock()
	var names []string
	for _, name := range rs.pl.Order {
		if _, ok := rs.pending[name]; !ok {
			continue
		}
		delete(rs.pending, name)
		rs.completed[name] = struct{}{}
		rs.exec.StageResults[name] = StageResult{
			StageName: name,
			Status:    StageCancelled,
			StartTime: now,
			EndTime:   now,
			Error:     "execution cancelled",
		}
		names = append(names, name)
	}
	return names
}

// forceCancelRunning settles stages whose runner tasks did not report back
// before the drain bound elapsed.
func (rs *runState) forceCancelRunning() []string {
	now := time.Now().UTC()
	rs.mu.Lock()
	defer rs.mu.Unlock()
	var names []string
	for _, name := range rs.pl.Order {
		if _, ok := rs.running[name]; !ok {
			continue
		}
		delete(rs.running, name)
		rs.completed[name] = struct{}{}
		res := rs.exec.StageResults[name]
		res.Status = StageCancelled
		res.EndTime = now
		res.Duration = now.Sub(res.StartTime)
		res.Error = "stage cancelled"
		rs.exec.StageResults[name] = res
		names = append(names, name)
	}
	return names
}

func (rs *runState) pendingNames() []string {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	var names []string
	for _, name := range rs.pl.Order {
		if _, ok := rs.pending[name]; ok {
			names = append(names, name)
		}
	}
	return names
}

func (rs *runState) runningCount() int {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return len(rs.running)
}

func (rs *runState) maxRunningTimeout() time.Duration {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	var max time.Duration
	for name := range rs.running {
		if t := rs.pl.Stages[name].Timeout; t > max {
			max = t
		}
	}
	return max
}

func (rs *runState) resultsSnapshot() map[string]StageResult {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	out := make(map[string]StageResult, len(rs.exec.StageResults))
	for name, r := range rs.exec.StageResults {
		out[name] = r
	}
	return out
}

// finalize records the terminal status exactly once and wakes waiters.
func (rs *runState) finalize(status ExecutionStatus) Execution {
	now := time.Now().UTC()
	rs.mu.Lock()
	rs.exec.Status = status
	rs.exec.EndTime = now
	rs.exec.Duration = now.Sub(rs.exec.StartTime)
	snap := cloneExecution(rs.exec)
	rs.mu.Unlock()
	if rs.preFinish != nil {
		rs.preFinish()
	}
	close(rs.finishedCh)
	return snap
}

func (rs *runState) emit(stage string, typ RunEventType, attempt int, message string) {
	rs.mu.Lock()
	rs.eventSeq++
	ev := RunEvent{
		Seq:         rs.eventSeq,
		TS:          time.Now().UTC(),
		ExecutionID: rs.exec.ExecutionID,
		PipelineID:  rs.exec.PipelineID,
		Stage:       stage,
		Type:        typ,
		Attempt:     attempt,
		Message:     message,
	}
	observers := rs.observers
	rs.mu.Unlock()
	for _, obs := range observers {
		if obs != nil {
			obs.ObserveRunEvent(ev)
		}
	}
}

// scheduler drives one execution's stage graph to completion. The only
// suspension points are the blocking receive on the completion channel and
// the bounded cancellation drain; there is no interval polling.
type scheduler struct {
	rs         *runState
	runner     *StageRunner
	logger     *zap.Logger
	drainGrace time.Duration
}

func newScheduler(rs *runState, logger *zap.Logger) *scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &scheduler{
		rs:         rs,
		runner:     NewStageRunner(logger),
		logger:     logger,
		drainGrace: 5 * time.Second,
	}
	s.runner.onRetry = func(stage StageDefinition, attempt int, err error) {
		rs.emit(stage.Name, EventRetryScheduled, attempt+1, err.Error())
	}
	return s
}

// Run executes the graph and returns the terminal execution snapshot. A
// scheduler-internal panic marks the execution failed; it is never silently
// swallowed.
func (s *scheduler) Run() Execution {
	defer s.rs.runCancel()

	s.rs.setStatus(ExecutionRunning)
	s.rs.emit("", EventRunStarted, 0, fmt.Sprintf("stages=%d", len(s.rs.pl.Order)))

	var internalErr error
	func() {
		defer func() {
			if p := recover(); p != nil {
				internalErr = fmt.Errorf("scheduler panic: %v", p)
			}
		}()
		s.runGraph()
	}()

	status := FinalStatus(s.rs.resultsSnapshot())
	if internalErr != nil {
		status = ExecutionFailed
		s.logger.Error("execution failed from scheduler error",
			zap.String("execution_id", s.rs.exec.ExecutionID),
			zap.Error(internalErr))
	}
	if s.rs.cancelRequested() {
		// An explicit cancel overrides the aggregated status.
		status = ExecutionCancelled
	}
	snap := s.rs.finalize(status)
	s.rs.emit("", EventRunCompleted, 0, string(status))
	return snap
}

func (s *scheduler) runGraph() {
	for {
		// The cancel flag is observed before every readiness evaluation.
		if s.rs.cancelRequested() {
			s.drainCancelled()
			return
		}
		ready, runningCount, remaining := s.rs.readiness()
		if remaining == 0 {
			return
		}
		if len(ready) == 0 {
			if runningCount == 0 {
				s.skipUnreachable()
				return
			}
			select {
			case name := <-s.rs.doneCh:
				s.settle(name)
			case <-s.rs.cancelCh:
			}
			continue
		}
		anyFailed := s.rs.anyCompletedFailed()
		for _, name := range ready {
			stage := s.rs.pl.Stages[name]
			if reason, skip := skipReason(stage.When, anyFailed); skip {
				s.rs.markSkipped(name, "")
				s.rs.emit(name, EventStageSkipped, 0, reason)
				continue
			}
			s.launch(stage)
		}
	}
}

// launch dispatches one stage to its runner task. The task owns the stage's
// result and reports back on the completion channel.
func (s *scheduler) launch(stage StageDefinition) {
	s.rs.beginStage(stage.Name)
	s.rs.emit(stage.Name, EventStageRunning, 1, "")
	ec := s.rs.execContext()
	go func() {
		res := s.runner.Execute(s.rs.runCtx, ec, stage)
		s.rs.setStageResult(res)
		s.rs.doneCh <- stage.Name
	}()
}

func (s *scheduler) settle(name string) {
	res := s.rs.finishStage(name)
	switch res.Status {
	case StageSuccess:
		s.rs.emit(name, EventStageSucceeded, 0, "")
	case StageFailed:
		s.rs.emit(name, EventStageFailed, 0, res.Error)
	case StageCancelled:
		s.rs.emit(name, EventStageCancelled, 0, res.Error)
	default:
		s.rs.emit(name, EventStageFailed, 0, fmt.Sprintf("unexpected terminal status %q", res.Status))
	}
}

// skipUnreachable settles the remainder of pending stages whose dependency
// chains can never complete.
func (s *scheduler) skipUnreachable() {
	for _, name := range s.rs.pendingNames() {
		s.rs.markSkipped(name, "unresolved dependency")
		s.rs.emit(name, EventStageSkipped, 0, "unresolved dependency")
		s.logger.Warn("stage skipped: unresolved dependency",
			zap.String("execution_id", s.rs.exec.ExecutionID),
			zap.String("stage", name))
	}
}

// drainCancelled settles the graph after a cancel request: pending stages are
// cancelled outright, running tasks are signalled and awaited up to the
// longest remaining stage timeout plus a grace period, then forced.
func (s *scheduler) drainCancelled() {
	for _, name := range s.rs.cancelPending() {
		s.rs.emit(name, EventStageCancelled, 0, "execution cancelled")
	}
	s.rs.runCancel()

	bound := s.rs.maxRunningTimeout() + s.drainGrace
	timer := time.NewTimer(bound)
	defer timer.Stop()
	for s.rs.runningCount() > 0 {
		select {
		case name := <-s.rs.doneCh:
			s.settle(name)
		case <-timer.C:
			for _, name := range s.rs.forceCancelRunning() {
				s.rs.emit(name, EventStageCancelled, 0, "stage did not settle before cancel deadline")
			}
			return
		}
	}
}

// skipReason evaluates a when condition against the completed set. The second
// return is true when the stage must be skipped instead of launched.
func skipReason(when When, anyFailed bool) (string, bool) {
	switch when {
	case WhenOnSuccess:
		if anyFailed {
			return "when=on_success: an upstream stage failed", true
		}
	case WhenOnFailure:
		if !anyFailed {
			return "when=on_failure: no upstream stage failed", true
		}
	case WhenManual:
		return "when=manual: requires explicit trigger", true
	}
	return "", false
}
