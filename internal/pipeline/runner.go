// File: internal/pipeline/runner.go
// Brief: Single-stage execution with timeout and retry semantics.

package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// StageRunner executes one stage's work unit with a hard per-attempt timeout
// and zero-delay retries. It has no side effects beyond invoking the work
// unit once per attempt and producing the single StageResult it owns.
type StageRunner struct {
	logger *zap.Logger

	// onRetry, when set, is called after a failed attempt that will be
	// retried. Retries are otherwise invisible outside the runner.
	onRetry func(stage StageDefinition, attempt int, err error)
}

// NewStageRunner returns a runner logging through the given logger. A nil
// logger disables logging.
func NewStageRunner(logger *zap.Logger) *StageRunner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StageRunner{logger: logger}
}

type attemptOutcome struct {
	value any
	err   error
}

// errAttemptTimeout marks an attempt that exceeded the stage timeout, as
// opposed to an error raised by the work unit itself.
type errAttemptTimeout struct{ timeout time.Duration }

func (e errAttemptTimeout) Error() string {
	return fmt.Sprintf("attempt exceeded timeout of %s", e.timeout)
}

// Execute drives the stage's work unit for up to retry_count+1 attempts and
// returns the finalized StageResult. Duration is wall-clock time from the
// first attempt's start to final resolution, inclusive of all retries.
// Cancellation of ctx yields a cancelled result.
func (r *StageRunner) Execute(ctx context.Context, ec ExecContext, stage StageDefinition) StageResult {
	start := time.Now().UTC()
	res := StageResult{
		StageName: stage.Name,
		Status:    StageRunning,
		StartTime: start,
	}

	attempts := stage.RetryCount + 1
	for attempt := 1; attempt <= attempts; attempt++ {
		value, err := r.runAttempt(ctx, ec, stage)
		if err == nil {
			r.applyWorkValue(&res, value)
			res.Status = StageSuccess
			break
		}
		if ctx.Err() != nil {
			res.Status = StageCancelled
			res.Error = "stage cancelled"
			break
		}
		if attempt < attempts {
			// Deliberate zero-delay retry; backoff is not part of the
			// stage-level retry contract.
			r.logger.Warn("stage attempt failed, retrying",
				zap.String("stage", stage.Name),
				zap.Int("attempt", attempt),
				zap.Int("max_attempts", attempts),
				zap.Error(err))
			if r.onRetry != nil {
				r.onRetry(stage, attempt, err)
			}
			continue
		}
		res.Status = StageFailed
		if _, ok := err.(errAttemptTimeout); ok {
			res.Error = fmt.Sprintf("stage timed out after %s", stage.Timeout)
		} else {
			res.Error = err.Error()
		}
	}

	res.EndTime = time.Now().UTC()
	res.Duration = res.EndTime.Sub(res.StartTime)
	return res
}

// runAttempt invokes the work unit once under the stage timeout. The work
// unit observes the deadline through its context; a unit that ignores it is
// abandoned once the timeout elapses.
func (r *StageRunner) runAttempt(ctx context.Context, ec ExecContext, stage StageDefinition) (any, error) {
	actx, cancel := context.WithTimeout(ctx, stage.Timeout)
	defer cancel()

	ch := make(chan attemptOutcome, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				ch <- attemptOutcome{err: fmt.Errorf("work unit panic: %v", p)}
			}
		}()
		value, err := stage.Unit.Execute(actx, ec, stage)
		ch <- attemptOutcome{value: value, err: err}
	}()

	select {
	case out := <-ch:
		// A unit that observes the attempt deadline and returns its
		// context error is still a timeout, not a work-unit failure.
		if out.err != nil && errors.Is(out.err, context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, errAttemptTimeout{timeout: stage.Timeout}
		}
		return out.value, out.err
	case <-actx.Done():
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, errAttemptTimeout{timeout: stage.Timeout}
	}
}

// applyWorkValue normalizes the work unit's return value into the result.
func (r *StageRunner) applyWorkValue(res *StageResult, value any) {
	switch v := value.(type) {
	case nil:
	case *WorkResult:
		if v != nil {
			res.Output = v.Output
			res.Artifacts = cloneStrings(v.Artifacts)
			res.Metadata = cloneAnyMap(v.Metadata)
		}
	case WorkResult:
		res.Output = v.Output
		res.Artifacts = cloneStrings(v.Artifacts)
		res.Metadata = cloneAnyMap(v.Metadata)
	case string:
		res.Output = v
	default:
		res.Output = fmt.Sprint(v)
	}
}
