// File: internal/pipeline/aggregate.go
// Brief: Terminal status aggregation over stage results.

package pipeline

// FinalStatus computes an execution's terminal status from a snapshot of its
// stage results: failed if any stage failed, success otherwise. A stage's
// allow_failure flag does not suppress the failed status here; it only
// affects how callers treat the outcome.
func FinalStatus(results map[string]StageResult) ExecutionStatus {
	for _, r := range results {
		if r.Status == StageFailed {
			return ExecutionFailed
		}
	}
	return ExecutionSuccess
}
