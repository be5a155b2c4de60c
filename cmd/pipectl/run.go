// File: cmd/pipectl/run.go
// Brief: `pipectl run` command wiring.

package main

import (
	"context"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/example/pipectl/internal/config"
	"github.com/example/pipectl/internal/history"
	"github.com/example/pipectl/internal/logging"
	"github.com/example/pipectl/internal/pipeline"
	"github.com/example/pipectl/internal/workunit"
)

func newRunCommand(opts *rootOptions) *cobra.Command {
	var (
		trigger   string
		branch    string
		commitSHA string
		setVars   []string
		workDir   string
	)
	cmd := &cobra.Command{
		Use:   "run FILE",
		Short: "Execute a pipeline definition file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			vars, err := parseVariables(setVars)
			if err != nil {
				return err
			}
			return runPipeline(cmd.Context(), cmd, opts, args[0], startParams{
				trigger:   trigger,
				branch:    branch,
				commitSHA: commitSHA,
				variables: vars,
				workDir:   workDir,
			})
		},
	}
	cmd.Flags().StringVar(&trigger, "trigger", "manual", "Trigger source recorded on the execution")
	cmd.Flags().StringVar(&branch, "branch", "", "Branch recorded on the execution")
	cmd.Flags().StringVar(&commitSHA, "commit", "", "Commit recorded on the execution")
	cmd.Flags().StringArrayVar(&setVars, "set", nil, "Execution variable KEY=VALUE (repeatable, overrides file variables)")
	cmd.Flags().StringVarP(&workDir, "dir", "C", "", "Working directory for stage commands")
	return cmd
}

type startParams struct {
	trigger   string
	branch    string
	commitSHA string
	variables map[string]string
	workDir   string
}

func runPipeline(ctx context.Context, cmd *cobra.Command, opts *rootOptions, path string, params startParams) error {
	logger, err := logging.New(opts.logLevel)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	file, err := config.Load(path)
	if err != nil {
		return err
	}
	def := file.Definition(func(spec config.StageSpec) pipeline.WorkUnit {
		return workunit.Shell{Command: spec.Run, Dir: params.workDir}
	})

	store, err := history.Open(opts.historyPath)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	mgr := pipeline.NewManager(pipeline.Options{
		Logger:   logger,
		Recorder: store,
		Observers: []pipeline.RunEventObserver{
			store,
			newConsoleObserver(cmd.OutOrStdout(), opts.noColor),
		},
	})

	pl, err := mgr.CreatePipeline(def)
	if err != nil {
		return err
	}
	logger.Info("pipeline created", zap.String("pipeline_id", pl.ID), zap.String("name", pl.Name))

	execID, err := mgr.StartExecution(ctx, pl.ID, pipeline.StartOptions{
		Trigger:   params.trigger,
		Branch:    params.branch,
		Commit:    params.commitSHA,
		Variables: params.variables,
	})
	if err != nil {
		return err
	}

	// Translate SIGINT into a cooperative cancel; the scheduler drains
	// running stages before the execution settles.
	go func() {
		<-ctx.Done()
		mgr.CancelExecution(execID)
	}()

	exec, err := mgr.WaitExecution(context.Background(), execID)
	if err != nil {
		return err
	}

	printSummary(cmd.OutOrStdout(), def, exec, opts.noColor)
	if exec.Status != pipeline.ExecutionSuccess {
		return fmt.Errorf("execution %s %s", exec.ExecutionID, exec.Status)
	}
	return nil
}

func parseVariables(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	out := make(map[string]string, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid --set %q (expected KEY=VALUE)", p)
		}
		out[k] = v
	}
	return out, nil
}

func printSummary(w io.Writer, def pipeline.Definition, exec pipeline.Execution, noColor bool) {
	paint := statusPainter(noColor)

	fmt.Fprintln(w)
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "STAGE\tSTATUS\tDURATION\tDETAIL")
	for _, st := range def.Stages {
		res, ok := exec.StageResults[st.Name]
		if !ok {
			continue
		}
		detail := res.Error
		if detail == "" && res.Status == pipeline.StageSuccess {
			detail = firstLine(res.Output)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n",
			st.Name, paint(res.Status)(strings.ToUpper(string(res.Status))),
			res.Duration.Round(time.Millisecond), detail)
	}
	tw.Flush()
	fmt.Fprintf(w, "\nExecution %s: %s in %s\n",
		exec.ExecutionID, paintExecution(noColor, exec.Status), exec.Duration.Round(time.Millisecond))
}

func statusPainter(noColor bool) func(pipeline.StageStatus) func(...any) string {
	if noColor {
		return func(pipeline.StageStatus) func(...any) string { return fmt.Sprint }
	}
	return func(s pipeline.StageStatus) func(...any) string {
		switch s {
		case pipeline.StageSuccess:
			return color.New(color.FgGreen).Sprint
		case pipeline.StageFailed:
			return color.New(color.FgRed).Sprint
		case pipeline.StageSkipped:
			return color.New(color.FgYellow).Sprint
		case pipeline.StageCancelled:
			return color.New(color.FgMagenta).Sprint
		default:
			return fmt.Sprint
		}
	}
}

func paintExecution(noColor bool, s pipeline.ExecutionStatus) string {
	text := strings.ToUpper(string(s))
	if noColor {
		return text
	}
	switch s {
	case pipeline.ExecutionSuccess:
		return color.New(color.FgGreen, color.Bold).Sprint(text)
	case pipeline.ExecutionFailed:
		return color.New(color.FgRed, color.Bold).Sprint(text)
	case pipeline.ExecutionCancelled:
		return color.New(color.FgMagenta, color.Bold).Sprint(text)
	default:
		return text
	}
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

// consoleObserver streams run events to the terminal as the execution
// progresses.
type consoleObserver struct {
	w       io.Writer
	noColor bool
}

func newConsoleObserver(w io.Writer, noColor bool) pipeline.RunEventObserver {
	return &consoleObserver{w: w, noColor: noColor}
}

func (c *consoleObserver) ObserveRunEvent(ev pipeline.RunEvent) {
	var line string
	switch ev.Type {
	case pipeline.EventRunStarted:
		line = fmt.Sprintf("run %s started", ev.ExecutionID)
	case pipeline.EventStageRunning:
		line = fmt.Sprintf("  %s running", ev.Stage)
	case pipeline.EventStageSucceeded:
		line = c.paint(color.FgGreen, fmt.Sprintf("  %s succeeded", ev.Stage))
	case pipeline.EventStageFailed:
		line = c.paint(color.FgRed, fmt.Sprintf("  %s failed: %s", ev.Stage, ev.Message))
	case pipeline.EventStageSkipped:
		line = c.paint(color.FgYellow, fmt.Sprintf("  %s skipped", ev.Stage))
	case pipeline.EventStageCancelled:
		line = c.paint(color.FgMagenta, fmt.Sprintf("  %s cancelled", ev.Stage))
	case pipeline.EventRetryScheduled:
		line = fmt.Sprintf("  %s retrying (attempt %d)", ev.Stage, ev.Attempt)
	case pipeline.EventRunCompleted:
		return // the summary table covers completion
	default:
		return
	}
	fmt.Fprintln(c.w, line)
}

func (c *consoleObserver) paint(attr color.Attribute, s string) string {
	if c.noColor {
		return s
	}
	return color.New(attr).Sprint(s)
}
