// File: cmd/pipectl/main.go
// Brief: pipectl entrypoint and root command wiring.

// main.go bootstraps pipectl: it builds the root Cobra command, binds viper
// configuration, and executes with a signal-aware context.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	rootCmd := newRootCommand()
	err := rootCmd.ExecuteContext(ctx)
	handleError(err)
	if err != nil {
		os.Exit(1)
	}
}

// rootOptions carries the persistent flags shared by all subcommands.
type rootOptions struct {
	logLevel    string
	historyPath string
	noColor     bool
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:           "pipectl",
		Short:         "Dependency-aware pipeline execution engine",
		Long:          "pipectl runs stage graphs from pipeline definition files with per-stage timeouts, retries, and conditional execution.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return bindViper(cmd, opts)
		},
	}
	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "info", "Log level for pipectl output (debug, info, warn, error)")
	cmd.PersistentFlags().StringVar(&opts.historyPath, "history", defaultHistoryPath(), "Path to the sqlite run history database")
	cmd.PersistentFlags().BoolVar(&opts.noColor, "no-color", false, "Disable colored output")

	cmd.AddCommand(
		newRunCommand(opts),
		newValidateCommand(),
		newRunsCommand(opts),
		newStatsCommand(opts),
	)
	return cmd
}

// bindViper layers config resolution: flags beat PIPECTL_* environment
// variables, which beat the optional config file in ~/.config/pipectl.
func bindViper(cmd *cobra.Command, opts *rootOptions) error {
	v := viper.New()
	v.SetEnvPrefix("PIPECTL")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	v.SetConfigName("config")
	if home, err := os.UserHomeDir(); err == nil {
		v.AddConfigPath(filepath.Join(home, ".config", "pipectl"))
	}
	v.AddConfigPath(".")
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return fmt.Errorf("read config: %w", err)
		}
	}

	var bindErr error
	cmd.Root().PersistentFlags().VisitAll(func(f *pflag.Flag) {
		if f.Changed || !v.IsSet(f.Name) {
			return
		}
		if err := f.Value.Set(v.GetString(f.Name)); err != nil && bindErr == nil {
			bindErr = fmt.Errorf("config key %q: %w", f.Name, err)
		}
	})
	return bindErr
}

func defaultHistoryPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".pipectl/history.sqlite"
	}
	return filepath.Join(home, ".pipectl", "history.sqlite")
}

func handleError(err error) {
	if err == nil || errors.Is(err, pflag.ErrHelp) {
		return
	}
	message := err.Error()
	if errors.Is(err, context.DeadlineExceeded) {
		message = fmt.Sprintf("%s\nHint: a stage exceeded its timeout. Raise the stage's timeout in the pipeline file.", err)
	}
	fmt.Fprintf(os.Stderr, "Error: %s\n", message)
}
