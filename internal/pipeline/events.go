// File: internal/pipeline/events.go
// Brief: Run event stream emitted while an execution progresses.

package pipeline

import "time"

type RunEventType string

const (
	EventRunStarted     RunEventType = "RUN_STARTED"
	EventRunCompleted   RunEventType = "RUN_COMPLETED"
	EventStageRunning   RunEventType = "STAGE_RUNNING"
	EventStageSucceeded RunEventType = "STAGE_SUCCEEDED"
	EventStageFailed    RunEventType = "STAGE_FAILED"
	EventStageSkipped   RunEventType = "STAGE_SKIPPED"
	EventStageCancelled RunEventType = "STAGE_CANCELLED"
	EventRetryScheduled RunEventType = "RETRY_SCHEDULED"
)

// RunEvent is one entry of an execution's ordered event stream. Seq is
// strictly increasing per execution.
type RunEvent struct {
	Seq         int64        `json:"seq"`
	TS          time.Time    `json:"ts"`
	ExecutionID string       `json:"execution_id"`
	PipelineID  string       `json:"pipeline_id"`
	Stage       string       `json:"stage,omitempty"`
	Type        RunEventType `json:"type"`
	Attempt     int          `json:"attempt,omitempty"`
	Message     string       `json:"message,omitempty"`
}

// RunEventObserver receives run events as they are emitted. Observers are
// called outside the execution's state lock and must not block for long.
type RunEventObserver interface {
	ObserveRunEvent(ev RunEvent)
}

// RunEventObserverFunc adapts a function to the RunEventObserver interface.
type RunEventObserverFunc func(ev RunEvent)

func (f RunEventObserverFunc) ObserveRunEvent(ev RunEvent) { f(ev) }
