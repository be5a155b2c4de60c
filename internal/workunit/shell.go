// File: internal/workunit/shell.go
// Brief: Shell command work unit.

// Package workunit provides the built-in work unit implementations that back
// pipeline stages loaded from definition files.
package workunit

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/example/pipectl/internal/pipeline"
)

// Shell runs a stage command through /bin/sh -c. Execution variables and the
// stage environment are layered over the parent process environment, stage
// entries winning on conflict. Stdout and stderr are combined into the stage
// output.
type Shell struct {
	Command string
	Dir     string
}

func (s Shell) Execute(ctx context.Context, ec pipeline.ExecContext, stage pipeline.StageDefinition) (any, error) {
	if strings.TrimSpace(s.Command) == "" {
		return nil, fmt.Errorf("stage %q has no command", stage.Name)
	}

	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", s.Command)
	cmd.Dir = s.Dir
	cmd.Env = buildEnv(ec, stage)

	var combined bytes.Buffer
	cmd.Stdout = &combined
	cmd.Stderr = &combined

	err := cmd.Run()
	output := strings.TrimRight(combined.String(), "\n")
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if output != "" {
			return nil, fmt.Errorf("%w: %s", err, lastLine(output))
		}
		return nil, err
	}

	return &pipeline.WorkResult{
		Output:    output,
		Artifacts: stage.Artifacts,
		Metadata:  map[string]any{"command": s.Command},
	}, nil
}

func buildEnv(ec pipeline.ExecContext, stage pipeline.StageDefinition) []string {
	env := os.Environ()
	env = append(env,
		"PIPECTL_EXECUTION_ID="+ec.ExecutionID,
		"PIPECTL_PIPELINE_ID="+ec.PipelineID,
		"PIPECTL_STAGE="+stage.Name,
		"PIPECTL_TRIGGER="+ec.Trigger,
	)
	if ec.Branch != "" {
		env = append(env, "PIPECTL_BRANCH="+ec.Branch)
	}
	if ec.Commit != "" {
		env = append(env, "PIPECTL_COMMIT="+ec.Commit)
	}
	for k, v := range ec.Variables {
		env = append(env, k+"="+v)
	}
	for k, v := range stage.Environment {
		env = append(env, k+"="+v)
	}
	return env
}

// lastLine keeps failure errors short; full output still lands in the stage
// result.
func lastLine(output string) string {
	lines := strings.Split(output, "\n")
	return lines[len(lines)-1]
}
