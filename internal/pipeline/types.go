// File: internal/pipeline/types.go
// Brief: Pipeline, execution and stage result types.

package pipeline

import (
	"context"
	"time"
)

// ExecutionStatus is the lifecycle status of a pipeline execution.
type ExecutionStatus string

const (
	ExecutionPending   ExecutionStatus = "pending"
	ExecutionRunning   ExecutionStatus = "running"
	ExecutionSuccess   ExecutionStatus = "success"
	ExecutionFailed    ExecutionStatus = "failed"
	ExecutionCancelled ExecutionStatus = "cancelled"
)

// Terminal reports whether no further status transition can occur.
func (s ExecutionStatus) Terminal() bool {
	switch s {
	case ExecutionSuccess, ExecutionFailed, ExecutionCancelled:
		return true
	default:
		return false
	}
}

// StageStatus is the lifecycle status of a single stage within an execution.
type StageStatus string

const (
	StagePending   StageStatus = "pending"
	StageRunning   StageStatus = "running"
	StageSuccess   StageStatus = "success"
	StageFailed    StageStatus = "failed"
	StageCancelled StageStatus = "cancelled"
	StageSkipped   StageStatus = "skipped"
)

// Terminal reports whether the stage has settled.
func (s StageStatus) Terminal() bool {
	switch s {
	case StageSuccess, StageFailed, StageCancelled, StageSkipped:
		return true
	default:
		return false
	}
}

// When gates whether a ready stage is launched or skipped.
type When string

const (
	WhenAlways    When = "always"
	WhenOnSuccess When = "on_success"
	WhenOnFailure When = "on_failure"
	WhenManual    When = "manual"
)

// ExecContext carries the execution-scoped values handed to a work unit.
type ExecContext struct {
	ExecutionID string
	PipelineID  string
	Trigger     string
	Branch      string
	Commit      string
	Variables   map[string]string
}

// WorkUnit is the opaque unit of work behind a stage. The engine never
// inspects the returned value beyond normalization: a *WorkResult (or
// WorkResult) maps output, artifacts and metadata directly, anything else is
// coerced to a string output. A returned error or panic fails the attempt.
type WorkUnit interface {
	Execute(ctx context.Context, ec ExecContext, stage StageDefinition) (any, error)
}

// WorkUnitFunc adapts a plain function to the WorkUnit interface.
type WorkUnitFunc func(ctx context.Context, ec ExecContext, stage StageDefinition) (any, error)

func (f WorkUnitFunc) Execute(ctx context.Context, ec ExecContext, stage StageDefinition) (any, error) {
	return f(ctx, ec, stage)
}

// WorkResult is the structured result a work unit may return.
type WorkResult struct {
	Output    string
	Artifacts []string
	Metadata  map[string]any
}

// StageDefinition describes one stage of a pipeline definition.
type StageDefinition struct {
	Name         string            `json:"name"`
	Unit         WorkUnit          `json:"-"`
	DependsOn    []string          `json:"depends_on,omitempty"`
	Timeout      time.Duration     `json:"timeout"`
	RetryCount   int               `json:"retry_count"`
	AllowFailure bool              `json:"allow_failure"`
	When         When              `json:"when"`
	Environment  map[string]string `json:"environment,omitempty"`
	Artifacts    []string          `json:"artifacts,omitempty"`
}

// Definition is the caller-supplied pipeline definition. Stages are declared
// in order; the declared order is the deterministic tie-break for launches.
type Definition struct {
	ID          string            `json:"id,omitempty"`
	Name        string            `json:"name"`
	Description string            `json:"description,omitempty"`
	Stages      []StageDefinition `json:"stages"`
	Variables   map[string]string `json:"variables,omitempty"`
	Triggers    []string          `json:"triggers,omitempty"`
	Disabled    bool              `json:"disabled,omitempty"`
}

// Pipeline is a validated, stored pipeline.
type Pipeline struct {
	ID          string                     `json:"pipeline_id"`
	Name        string                     `json:"name"`
	Description string                     `json:"description,omitempty"`
	Stages      map[string]StageDefinition `json:"stages"`
	Order       []string                   `json:"stage_order"`
	Variables   map[string]string          `json:"variables,omitempty"`
	Triggers    []string                   `json:"triggers,omitempty"`
	Enabled     bool                       `json:"enabled"`
	CreatedAt   time.Time                  `json:"created_at"`
	UpdatedAt   time.Time                  `json:"updated_at"`
}

// StageResult records the outcome of one stage within an execution. It is
// created when the scheduler first considers the stage and finalized exactly
// once by the runner task (or by the scheduler for skipped/cancelled stages).
type StageResult struct {
	StageName string         `json:"stage_name"`
	Status    StageStatus    `json:"status"`
	StartTime time.Time      `json:"start_time"`
	EndTime   time.Time      `json:"end_time,omitempty"`
	Duration  time.Duration  `json:"duration"`
	Output    string         `json:"output,omitempty"`
	Error     string         `json:"error,omitempty"`
	Artifacts []string       `json:"artifacts,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// Execution is a snapshot of one pipeline execution. Live executions are
// owned by the scheduler that runs them; snapshots returned from the manager
// are copies and safe to retain.
type Execution struct {
	ExecutionID  string                 `json:"execution_id"`
	PipelineID   string                 `json:"pipeline_id"`
	Status       ExecutionStatus        `json:"status"`
	StartTime    time.Time              `json:"start_time"`
	EndTime      time.Time              `json:"end_time,omitempty"`
	Duration     time.Duration          `json:"duration"`
	StageResults map[string]StageResult `json:"stage_results"`
	Trigger      string                 `json:"trigger"`
	Branch       string                 `json:"branch,omitempty"`
	Commit       string                 `json:"commit,omitempty"`
	Variables    map[string]string      `json:"variables,omitempty"`
}

// Statistics summarizes the manager's pipelines and retained executions.
type Statistics struct {
	TotalPipelines          int     `json:"total_pipelines"`
	EnabledPipelines        int     `json:"enabled_pipelines"`
	TotalExecutions         int     `json:"total_executions"`
	SuccessfulExecutions    int     `json:"successful_executions"`
	FailedExecutions        int     `json:"failed_executions"`
	SuccessRate             float64 `json:"success_rate"`
	RunningExecutions       int     `json:"running_executions"`
	MaxConcurrentExecutions int     `json:"max_concurrent_executions"`
}

func cloneStringMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func cloneAnyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func cloneStrings(s []string) []string {
	if s == nil {
		return nil
	}
	return append([]string(nil), s...)
}

func cloneStageResult(r StageResult) StageResult {
	r.Artifacts = cloneStrings(r.Artifacts)
	r.Metadata = cloneAnyMap(r.Metadata)
	return r
}

func cloneExecution(e Execution) Execution {
	out := e
	out.Variables = cloneStringMap(e.Variables)
	out.StageResults = make(map[string]StageResult, len(e.StageResults))
	for name, r := range e.StageResults {
		out.StageResults[name] = cloneStageResult(r)
	}
	return out
}
