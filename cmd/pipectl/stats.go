// File: cmd/pipectl/stats.go
// Brief: `pipectl stats` command wiring.

package main

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/example/pipectl/internal/history"
	"github.com/example/pipectl/internal/pipeline"
)

// runStats summarizes the persisted run history. Live in-process statistics
// belong to the Manager; this command reports what the sqlite mirror retained.
type runStats struct {
	TotalRuns      int     `json:"total_runs"`
	SuccessfulRuns int     `json:"successful_runs"`
	FailedRuns     int     `json:"failed_runs"`
	CancelledRuns  int     `json:"cancelled_runs"`
	SuccessRate    float64 `json:"success_rate"`
}

func newStatsCommand(opts *rootOptions) *cobra.Command {
	var (
		limit  int
		output string
	)
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Summarize recent executions from the run history",
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
			stats := summarizeRuns(runs)
			switch strings.ToLower(strings.TrimSpace(output)) {
			case "", "table":
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "Total runs:      %d\n", stats.TotalRuns)
				fmt.Fprintf(out, "Successful:      %d\n", stats.SuccessfulRuns)
				fmt.Fprintf(out, "Failed:          %d\n", stats.FailedRuns)
				fmt.Fprintf(out, "Cancelled:       %d\n", stats.CancelledRuns)
				fmt.Fprintf(out, "Success rate:    %.1f%%\n", stats.SuccessRate)
				return nil
			case "json":
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(stats)
			default:
				return fmt.Errorf("unknown --output %q (expected table|json)", output)
			}
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 1000, "Maximum number of runs to summarize (newest first)")
	cmd.Flags().StringVarP(&output, "output", "o", "table", "Output format (table|json)")
	return cmd
}

func summarizeRuns(runs []history.Run) runStats {
	var stats runStats
	stats.TotalRuns = len(runs)
	for _, r := range runs {
		switch r.Execution.Status {
		case pipeline.ExecutionSuccess:
			stats.SuccessfulRuns++
		case pipeline.ExecutionFailed:
			stats.FailedRuns++
		case pipeline.ExecutionCancelled:
			stats.CancelledRuns++
		}
	}
	if stats.TotalRuns > 0 {
		stats.SuccessRate = float64(stats.SuccessfulRuns) / float64(stats.TotalRuns) * 100
	}
	return stats
}
