// File: internal/pipeline/manager.go
// Brief: Pipeline registry, admission control and execution lifecycle.

package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

const (
	DefaultMaxConcurrentExecutions = 5
	DefaultMaxHistorySize          = 1000
	DefaultListLimit               = 50
)

// ExecutionRecorder mirrors execution snapshots into durable storage. The
// in-memory registry remains authoritative; recording failures are logged and
// never fail the execution.
type ExecutionRecorder interface {
	RecordExecution(ctx context.Context, exec Execution) error
}

// Options configures a Manager. The zero value gets usable defaults.
type Options struct {
	MaxConcurrentExecutions int
	MaxHistorySize          int
	Logger                  *zap.Logger
	Recorder                ExecutionRecorder
	Observers               []RunEventObserver
}

// StartOptions parameterizes one execution request.
type StartOptions struct {
	Trigger   string
	Variables map[string]string
	Branch    string
	Commit    string
}

// Manager owns pipeline definitions, admission control and the bounded
// execution history. Construct one per hosting service and pass it where
// needed; there is no package-level instance.
type Manager struct {
	logger   *zap.Logger
	recorder ExecutionRecorder

	maxConcurrent int
	maxHistory    int
	observers     []RunEventObserver

	sem *semaphore.Weighted

	mu        sync.Mutex
	pipelines map[string]*Pipeline
	runs      map[string]*runState
	history   []string
	running   int
}

func NewManager(opts Options) *Manager {
	if opts.MaxConcurrentExecutions <= 0 {
		opts.MaxConcurrentExecutions = DefaultMaxConcurrentExecutions
	}
	if opts.MaxHistorySize <= 0 {
		opts.MaxHistorySize = DefaultMaxHistorySize
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Manager{
		logger:        opts.Logger,
		recorder:      opts.Recorder,
		maxConcurrent: opts.MaxConcurrentExecutions,
		maxHistory:    opts.MaxHistorySize,
		observers:     append([]RunEventObserver(nil), opts.Observers...),
		sem:           semaphore.NewWeighted(int64(opts.MaxConcurrentExecutions)),
		pipelines:     map[string]*Pipeline{},
		runs:          map[string]*runState{},
	}
}

// CreatePipeline validates and stores a definition. Definitions with
// violations are rejected with a *ValidationError and never stored.
func (m *Manager) CreatePipeline(def Definition) (*Pipeline, error) {
	if violations := Validate(def); len(violations) > 0 {
		return nil, &ValidationError{Violations: violations}
	}

	id := def.ID
	if id == "" {
		id = uuid.NewString()
	}
	now := time.Now().UTC()
	pl := &Pipeline{
		ID:          id,
		Name:        def.Name,
		Description: def.Description,
		Stages:      make(map[string]StageDefinition, len(def.Stages)),
		Order:       make([]string, 0, len(def.Stages)),
		Variables:   cloneStringMap(def.Variables),
		Triggers:    cloneStrings(def.Triggers),
		Enabled:     !def.Disabled,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	for _, st := range def.Stages {
		pl.Stages[st.Name] = st
		pl.Order = append(pl.Order, st.Name)
	}

	m.mu.Lock()
	m.pipelines[id] = pl
	m.mu.Unlock()

	m.logger.Info("created pipeline",
		zap.String("pipeline_id", id),
		zap.String("name", pl.Name),
		zap.Int("stages", len(pl.Order)))
	return pl, nil
}

// GetPipeline returns a stored pipeline by id.
func (m *Manager) GetPipeline(pipelineID string) (*Pipeline, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pl, ok := m.pipelines[pipelineID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrPipelineNotFound, pipelineID)
	}
	return pl, nil
}

// ListPipelines returns all stored pipelines.
func (m *Manager) ListPipelines() []*Pipeline {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Pipeline, 0, len(m.pipelines))
	for _, pl := range m.pipelines {
		out = append(out, pl)
	}
	return out
}

// DeletePipeline removes a pipeline definition. Retained executions of the
// pipeline are unaffected.
func (m *Manager) DeletePipeline(pipelineID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.pipelines[pipelineID]; !ok {
		return false
	}
	delete(m.pipelines, pipelineID)
	return true
}

// StartExecution admits and launches an asynchronous execution of a stored
// pipeline, returning its execution id. Results are surfaced through
// GetExecution / WaitExecution, not through this call.
func (m *Manager) StartExecution(ctx context.Context, pipelineID string, opts StartOptions) (string, error) {
	m.mu.Lock()
	pl, ok := m.pipelines[pipelineID]
	m.mu.Unlock()
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrPipelineNotFound, pipelineID)
	}
	if !pl.Enabled {
		return "", fmt.Errorf("%w: %s", ErrPipelineDisabled, pipelineID)
	}

	if !m.sem.TryAcquire(1) {
		return "", ErrAdmissionRejected
	}

	if opts.Trigger == "" {
		opts.Trigger = "manual"
	}
	variables := cloneStringMap(pl.Variables)
	if variables == nil && len(opts.Variables) > 0 {
		variables = map[string]string{}
	}
	for k, v := range opts.Variables {
		variables[k] = v
	}

	execID := uuid.NewString()
	exec := Execution{
		ExecutionID:  execID,
		PipelineID:   pipelineID,
		Status:       ExecutionPending,
		StartTime:    time.Now().UTC(),
		StageResults: map[string]StageResult{},
		Trigger:      opts.Trigger,
		Branch:       opts.Branch,
		Commit:       opts.Commit,
		Variables:    variables,
	}
	rs := newRunState(pl, exec, m.observers)
	rs.preFinish = func() {
		m.mu.Lock()
		m.running--
		m.mu.Unlock()
		m.sem.Release(1)
	}

	m.mu.Lock()
	m.runs[execID] = rs
	m.history = append(m.history, execID)
	m.evictLocked()
	m.running++
	m.mu.Unlock()

	m.record(ctx, rs.snapshot())
	go m.runExecution(rs)

	m.logger.Info("started pipeline execution",
		zap.String("pipeline_id", pipelineID),
		zap.String("execution_id", execID),
		zap.String("trigger", opts.Trigger))
	return execID, nil
}

// runExecution drives one execution to a terminal state. The admission slot
// is released exactly once through the runState's preFinish hook.
func (m *Manager) runExecution(rs *runState) {
	sched := newScheduler(rs, m.logger)
	snap := sched.Run()
	m.record(context.Background(), snap)

	m.logger.Info("pipeline execution completed",
		zap.String("execution_id", snap.ExecutionID),
		zap.String("status", string(snap.Status)),
		zap.Duration("duration", snap.Duration))
}

func (m *Manager) record(ctx context.Context, snap Execution) {
	if m.recorder == nil {
		return
	}
	if err := m.recorder.RecordExecution(ctx, snap); err != nil {
		m.logger.Warn("failed to record execution",
			zap.String("execution_id", snap.ExecutionID),
			zap.Error(err))
	}
}

// evictLocked trims the history to the configured bound, evicting the oldest
// terminal execution. A still-running execution is never evicted; eviction
// skips past it.
func (m *Manager) evictLocked() {
	for len(m.history) > m.maxHistory {
		evicted := false
		for i, id := range m.history {
			rs, ok := m.runs[id]
			if ok && !m.terminalLocked(rs) {
				continue
			}
			m.history = append(m.history[:i], m.history[i+1:]...)
			delete(m.runs, id)
			evicted = true
			break
		}
		if !evicted {
			// Everything retained is still running; allow the bound to be
			// exceeded until something settles.
			return
		}
	}
}

func (m *Manager) terminalLocked(rs *runState) bool {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return rs.exec.Status.Terminal()
}

// GetExecution returns a read-only snapshot of an execution.
func (m *Manager) GetExecution(executionID string) (Execution, error) {
	m.mu.Lock()
	rs, ok := m.runs[executionID]
	m.mu.Unlock()
	if !ok {
		return Execution{}, fmt.Errorf("%w: %s", ErrExecutionNotFound, executionID)
	}
	return rs.snapshot(), nil
}

// WaitExecution blocks until the execution reaches a terminal status (or ctx
// is done) and returns its final snapshot.
func (m *Manager) WaitExecution(ctx context.Context, executionID string) (Execution, error) {
	m.mu.Lock()
	rs, ok := m.runs[executionID]
	m.mu.Unlock()
	if !ok {
		return Execution{}, fmt.Errorf("%w: %s", ErrExecutionNotFound, executionID)
	}
	select {
	case <-ctx.Done():
		return Execution{}, ctx.Err()
	case <-rs.finishedCh:
		return rs.snapshot(), nil
	}
}

// CancelExecution requests cooperative cancellation of a running execution.
// It reports false when the execution does not exist or is not running.
func (m *Manager) CancelExecution(executionID string) bool {
	m.mu.Lock()
	rs, ok := m.runs[executionID]
	m.mu.Unlock()
	if !ok {
		return false
	}
	cancelled := rs.requestCancel()
	if cancelled {
		m.logger.Info("cancelling pipeline execution", zap.String("execution_id", executionID))
	}
	return cancelled
}

// ListExecutions returns retained executions most recent first, optionally
// filtered by pipeline id. A non-positive limit applies the default.
func (m *Manager) ListExecutions(pipelineID string, limit int) []Execution {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	m.mu.Lock()
	states := make([]*runState, 0, limit)
	for i := len(m.history) - 1; i >= 0 && len(states) < limit; i-- {
		rs, ok := m.runs[m.history[i]]
		if !ok {
			continue
		}
		if pipelineID != "" && rs.exec.PipelineID != pipelineID {
			continue
		}
		states = append(states, rs)
	}
	m.mu.Unlock()

	out := make([]Execution, 0, len(states))
	for _, rs := range states {
		out = append(out, rs.snapshot())
	}
	return out
}

// GetStatistics summarizes pipelines and retained executions.
func (m *Manager) GetStatistics() Statistics {
	m.mu.Lock()
	defer m.mu.Unlock()

	stats := Statistics{
		TotalPipelines:          len(m.pipelines),
		TotalExecutions:         len(m.history),
		RunningExecutions:       m.running,
		MaxConcurrentExecutions: m.maxConcurrent,
	}
	for _, pl := range m.pipelines {
		if pl.Enabled {
			stats.EnabledPipelines++
		}
	}
	for _, rs := range m.runs {
		rs.mu.Lock()
		status := rs.exec.Status
		rs.mu.Unlock()
		switch status {
		case ExecutionSuccess:
			stats.SuccessfulExecutions++
		case ExecutionFailed:
			stats.FailedExecutions++
		}
	}
	if stats.TotalExecutions > 0 {
		stats.SuccessRate = float64(stats.SuccessfulExecutions) / float64(stats.TotalExecutions) * 100
	}
	return stats
}
