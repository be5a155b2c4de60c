// File: cmd/pipectl/validate.go
// Brief: `pipectl validate` command wiring.

package main

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/example/pipectl/internal/config"
	"github.com/example/pipectl/internal/pipeline"
	"github.com/example/pipectl/internal/workunit"
)

func newValidateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "validate FILE",
		Short: "Validate a pipeline definition file without executing it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			file, err := config.Load(args[0])
			if err != nil {
				return err
			}
			def := file.Definition(func(spec config.StageSpec) pipeline.WorkUnit {
				return workunit.Shell{Command: spec.Run}
			})
			if violations := pipeline.Validate(def); len(violations) > 0 {
				out := cmd.OutOrStdout()
				for _, v := range violations {
					fmt.Fprintf(out, "%s %s\n", color.New(color.FgRed).Sprint("✗"), v)
				}
				return &pipeline.ValidationError{Violations: violations}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s: %d stages\n",
				color.New(color.FgGreen).Sprint("✓"), file.Name, len(def.Stages))
			return nil
		},
	}
}
