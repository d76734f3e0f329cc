// Command loomctl is the operator-facing CLI: parse/validate a workflow
// document, run it to completion, and inspect or clean up a prior run's
// persisted state.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/loomwork/loom/internal/config"
	"github.com/loomwork/loom/internal/logging"
)

// Exit codes, per SPEC_FULL.md's public CLI surface.
const (
	exitOK               = 0
	exitValidationFailed = 2
	exitWorkflowFailed   = 3
	exitUsage            = 64
)

var (
	cfgFile string
	cfg     *config.Config

	rootCmd = &cobra.Command{
		Use:           "loomctl",
		Short:         "Run and inspect multi-agent workflow documents",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ./loom.yaml)")
	rootCmd.PersistentFlags().Bool("debug", false, "enable debug logging")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(cleanCmd)
}

func loadConfig(flags *pflag.FlagSet) error {
	loaded, err := config.Load(cfgFile, flags)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	cfg = loaded
	logging.Initialize(cfg.Debug)
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "loomctl:", err)
		os.Exit(exitCodeFor(err))
	}
}

// exitCodeFor maps a top-level command error to its stable exit code;
// commands that want a non-default code wrap their error in *cliError.
func exitCodeFor(err error) int {
	if ce, ok := err.(*cliError); ok {
		return ce.code
	}
	return exitUsage
}

type cliError struct {
	code int
	err  error
}

func (e *cliError) Error() string { return e.err.Error() }
func (e *cliError) Unwrap() error { return e.err }

func usageErr(err error) error      { return &cliError{code: exitUsage, err: err} }
func validationErr(err error) error { return &cliError{code: exitValidationFailed, err: err} }
func workflowErr(err error) error   { return &cliError{code: exitWorkflowFailed, err: err} }
