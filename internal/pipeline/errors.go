// File: internal/pipeline/errors.go
// Brief: Error taxonomy for pipeline creation and execution admission.

package pipeline

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrAdmissionRejected is returned when the global concurrency cap is
	// reached; no execution is created.
	ErrAdmissionRejected = errors.New("maximum concurrent executions reached")

	// ErrPipelineNotFound is returned for lookups of unknown pipeline ids.
	ErrPipelineNotFound = errors.New("pipeline not found")

	// ErrPipelineDisabled is returned when starting an execution of a
	// disabled pipeline.
	ErrPipelineDisabled = errors.New("pipeline is disabled")

	// ErrExecutionNotFound is returned for lookups of unknown execution ids.
	ErrExecutionNotFound = errors.New("execution not found")
)

// Violation describes a single defect found while validating a definition.
type Violation struct {
	Code    string `json:"code"`
	Stage   string `json:"stage,omitempty"`
	Message string `json:"message"`
}

func (v Violation) String() string {
	if v.Stage == "" {
		return fmt.Sprintf("%s: %s", v.Code, v.Message)
	}
	return fmt.Sprintf("%s: stage %q: %s", v.Code, v.Stage, v.Message)
}

// ValidationError rejects a pipeline definition at creation time. Nothing is
// stored and no execution can reference the definition.
type ValidationError struct {
	Violations []Violation
}

func (e *ValidationError) Error() string {
	msgs := make([]string, 0, len(e.Violations))
	for _, v := range e.Violations {
		msgs = append(msgs, v.String())
	}
	return "pipeline validation failed: " + strings.Join(msgs, "; ")
}
