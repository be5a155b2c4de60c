// File: cmd/pipectl/runs.go
// Brief: `pipectl runs` command wiring.

package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/example/pipectl/internal/history"
)

func newRunsCommand(opts *rootOptions) *cobra.Command {
	var (
		limit  int
		output string
	)
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List recent executions from the sqlite run history",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := history.Open(opts.historyPath)
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			runs, err := store.ListRuns(cmd.Context(), limit)
			if err != nil {
				return err
			}
			switch strings.ToLower(strings.TrimSpace(output)) {
			case "", "table":
				return printRunsTable(cmd.OutOrStdout(), runs)
			case "json":
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(runs)
			default:
				return fmt.Errorf("unknown --output %q (expected table|json)", output)
			}
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum number of runs to list (newest first)")
	cmd.Flags().StringVarP(&output, "output", "o", "table", "Output format (table|json)")
	return cmd
}

func printRunsTable(w io.Writer, runs []history.Run) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	defer tw.Flush()

	fmt.Fprintln(tw, "EXECUTION\tPIPELINE\tSTATUS\tTRIGGER\tSTAGES\tDURATION\tUPDATED")
	for _, r := range runs {
		exec := r.Execution
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
			exec.ExecutionID,
			exec.PipelineID,
			strings.ToUpper(string(exec.Status)),
			exec.Trigger,
			len(exec.StageResults),
			exec.Duration.Round(time.Millisecond),
			r.UpdatedAt.Format(time.RFC3339),
		)
	}
	return nil
}
