package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/loomwork/loom/internal/dsl"
	"github.com/loomwork/loom/internal/executor"
	"github.com/loomwork/loom/internal/predefined"
	"github.com/loomwork/loom/internal/state"
	"github.com/loomwork/loom/internal/variables"
)

var runEnvFile string
var runSaveInputs string

var runCmd = &cobra.Command{
	Use:   "run <file>",
	Short: "Execute a workflow document to completion",
	Args:  cobra.ExactArgs(1),
	RunE:  runRun,
}

func init() {
	runCmd.Flags().StringVar(&runEnvFile, "env-file", "", "load workflow input defaults from a .env-style file")
	runCmd.Flags().StringVar(&runSaveInputs, "save-inputs", "", "persist the resolved workflow input variables to a .env-style file after a successful run")
}

var validateCmd = &cobra.Command{
	Use:   "validate <file>",
	Short: "Parse and validate a workflow document without running it",
	Args:  cobra.ExactArgs(1),
	RunE:  runValidate,
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List workflows with persisted state",
	RunE:  runList,
}

var statusCmd = &cobra.Command{
	Use:   "status <workflow>",
	Short: "Show a persisted workflow's per-task progress",
	Args:  cobra.ExactArgs(1),
	RunE:  runStatus,
}

var cleanCmd = &cobra.Command{
	Use:   "clean <workflow>",
	Short: "Remove a workflow's persisted state file",
	Args:  cobra.ExactArgs(1),
	RunE:  runClean,
}

func runValidate(cmd *cobra.Command, args []string) error {
	if err := loadConfig(cmd.Flags()); err != nil {
		return usageErr(err)
	}
	wf, err := parseWithSubflows(args[0])
	if err != nil {
		return usageErr(err)
	}

	fs := afero.NewOsFs()
	if err := expandPredefinedForValidation(wf, fs); err != nil {
		return validationErr(err)
	}

	result := executor.Validate(wf)
	for _, warn := range result.Warnings {
		fmt.Fprintln(os.Stderr, "warning:", warn.Message)
	}
	if !result.OK() {
		for _, e := range result.Errors {
			fmt.Fprintln(os.Stderr, "error:", e.Message)
		}
		return validationErr(fmt.Errorf("%d validation error(s)", len(result.Errors)))
	}
	fmt.Println("ok")
	return nil
}

func runRun(cmd *cobra.Command, args []string) error {
	if err := loadConfig(cmd.Flags()); err != nil {
		return usageErr(err)
	}

	wf, err := parseWithSubflows(args[0])
	if err != nil {
		return usageErr(err)
	}

	fs := afero.NewOsFs()
	envStore := variables.NewEnvVariableStore(fs)

	resolvedInput := map[string]any{}
	if runEnvFile != "" {
		loaded, err := envStore.Load(cmd.Context(), runEnvFile)
		if err != nil {
			return usageErr(fmt.Errorf("loading --env-file: %w", err))
		}
		resolvedInput = envStore.Merge(resolvedInput, loaded)
	}

	opts := executor.Options{
		Fs:                 fs,
		PredefinedSources:  []predefined.Source{predefined.NewLocalDirectorySource(fs, cfg.PredefinedDir)},
		DefaultTimeoutSecs: cfg.DefaultTimeoutSecs,
		Input:              resolvedInput,
	}
	opts.TransportOptions.BinaryPath = cfg.AICLIPath
	opts.TransportOptions.SkipVersionCheck = cfg.SkipVersionCheck

	exec, err := executor.New(wf, opts)
	if err != nil {
		if isValidationError(err) {
			return validationErr(err)
		}
		return usageErr(err)
	}

	exec.EnableStatePersistence(cfg.StateDir)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if _, err := exec.TryResume(ctx); err != nil {
		return workflowErr(err)
	}

	if err := exec.Initialize(ctx); err != nil {
		return workflowErr(err)
	}
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.DefaultTimeout())
		defer shutdownCancel()
		if err := exec.Shutdown(shutdownCtx); err != nil {
			fmt.Fprintln(os.Stderr, "loomctl: shutdown:", err)
		}
	}()

	if err := exec.Execute(ctx); err != nil {
		snap := exec.GetState()
		printFailure(snap, err, cfg.StateDir)
		return workflowErr(err)
	}

	if runSaveInputs != "" {
		if err := envStore.Save(ctx, runSaveInputs, resolvedInput); err != nil {
			fmt.Fprintln(os.Stderr, "loomctl: saving --save-inputs:", err)
		}
	}

	fmt.Println("workflow completed:", wf.Name)
	return nil
}

func runList(cmd *cobra.Command, args []string) error {
	if err := loadConfig(cmd.Flags()); err != nil {
		return usageErr(err)
	}
	fs := afero.NewOsFs()
	entries, err := afero.ReadDir(fs, cfg.StateDir)
	if err != nil {
		if os.IsNotExist(err) {
			fmt.Println("no persisted workflows")
			return nil
		}
		return usageErr(err)
	}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		fmt.Println(strings.TrimSuffix(entry.Name(), ".json"))
	}
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	if err := loadConfig(cmd.Flags()); err != nil {
		return usageErr(err)
	}
	fs := afero.NewOsFs()
	store := state.New(fs, cfg.StateDir)
	doc, found, err := store.Load(args[0], "")
	if err != nil {
		if se, ok := err.(*state.Error); ok && se.Kind == state.ErrVersionMismatch {
			fmt.Println(se.Error())
			return nil
		}
		return usageErr(err)
	}
	if !found {
		return usageErr(fmt.Errorf("no persisted state for workflow %q", args[0]))
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(doc)
}

func runClean(cmd *cobra.Command, args []string) error {
	if err := loadConfig(cmd.Flags()); err != nil {
		return usageErr(err)
	}
	fs := afero.NewOsFs()
	path := filepath.Join(cfg.StateDir, args[0]+".json")
	if err := fs.Remove(path); err != nil {
		if os.IsNotExist(err) {
			return usageErr(fmt.Errorf("no persisted state for workflow %q", args[0]))
		}
		return usageErr(err)
	}
	fmt.Println("removed state for", args[0])
	return nil
}

func parseWithSubflows(path string) (*dsl.Workflow, error) {
	return dsl.ParseWithSubflows(path, dsl.DefaultSubflowDir(filepath.Dir(path)))
}

// expandPredefinedForValidation resolves predefined-task references so
// validate sees the same fully-materialized graph run would, without
// constructing a whole Executor.
func expandPredefinedForValidation(wf *dsl.Workflow, fs afero.Fs) error {
	loader := predefined.NewLoader(predefined.NewLocalDirectorySource(fs, cfg.PredefinedDir))
	var walk func(tasks map[string]*dsl.Task) error
	walk = func(tasks map[string]*dsl.Task) error {
		for name, t := range tasks {
			if t.Predefined != nil {
				resolved, err := loader.Resolve(context.Background(), t.Predefined)
				if err != nil {
					return fmt.Errorf("task %q: %w", name, err)
				}
				t.Agent, t.Prompt, t.Subtasks = resolved.Agent, resolved.Prompt, resolved.Subtasks
				t.Script, t.Command, t.HTTP, t.MCPTool = resolved.Script, resolved.Command, resolved.HTTP, resolved.MCPTool
				t.Predefined = nil
			}
			if len(t.Subtasks) > 0 {
				if err := walk(t.Subtasks); err != nil {
					return err
				}
			}
		}
		return nil
	}
	return walk(wf.Tasks)
}

func isValidationError(err error) bool {
	_, ok := err.(*executor.Error)
	return ok
}

func printFailure(snap executor.Snapshot, err error, stateDir string) {
	completed, failed, total := 0, 0, len(snap.Tasks)
	var failedTask string
	for id, status := range snap.Tasks {
		switch status {
		case dsl.StatusCompleted, dsl.StatusSkipped:
			completed++
		case dsl.StatusFailed:
			failed++
			failedTask = id
		}
	}
	fmt.Fprintf(os.Stderr, "workflow failed: %v\n", err)
	if failedTask != "" {
		fmt.Fprintf(os.Stderr, "failed task: %s\n", failedTask)
	}
	fmt.Fprintf(os.Stderr, "progress: %d/%d completed, %d failed\n", completed, total, failed)
	fmt.Fprintf(os.Stderr, "resume state: %s\n", stateDir)
}
