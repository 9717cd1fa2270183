package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"

	"github.com/qsched/qsched/internal/config"
	"github.com/qsched/qsched/internal/logging"
	"github.com/qsched/qsched/internal/workflow"
)

var optimizeCmd = &cobra.Command{
	Use:   "optimize <file>",
	Short: "Optimize a workflow file",
	Long: `Order the tasks of a YAML or JSON workflow file by dependencies and
priority, apply the quantum speedup, and report sequential versus
parallel execution time.

Examples:
  # Print a table on a terminal, JSON when piped
  qsched optimize pipeline.yaml

  # Reject depends_on entries that name no task
  qsched optimize --strict pipeline.yaml

  # Re-run whenever the file is saved
  qsched optimize --watch pipeline.yaml`,
	Args: cobra.ExactArgs(1),
	RunE: runOptimize,
}

var demoCmd = &cobra.Command{
	Use:   "demo",
	Short: "Optimize the built-in five-stage pipeline",
	Args:  cobra.NoArgs,
	RunE:  runDemo,
}

var (
	optimizeWatch    bool
	optimizeJSON     bool
	optimizeStrict   bool
	optimizeEstimate bool
	optimizeFormat   string
	demoFormat       string
)

// watchDebounce coalesces the burst of events editors produce on save.
const watchDebounce = 100 * time.Millisecond

func init() {
	rootCmd.AddCommand(optimizeCmd)
	rootCmd.AddCommand(demoCmd)

	optimizeCmd.Flags().BoolVarP(&optimizeWatch, "watch", "w", false, "Re-run when the file changes")
	optimizeCmd.Flags().BoolVar(&optimizeJSON, "json", false, "Shorthand for --format json")
	optimizeCmd.Flags().BoolVar(&optimizeStrict, "strict", false, "Fail on dependencies that name no task")
	optimizeCmd.Flags().BoolVar(&optimizeEstimate, "estimate", false, "Estimate missing durations from priority")
	optimizeCmd.Flags().StringVarP(&optimizeFormat, "format", "o", formatAuto, "Output format (auto, table, json)")

	demoCmd.Flags().StringVarP(&demoFormat, "format", "o", formatAuto, "Output format (auto, table, json)")
}

// optimizerOptions builds optimizer options from the configuration, with
// command-line flags able to switch the boolean settings on.
func optimizerOptions(cfg *config.Config, logger *logging.Logger, strict, estimate bool) []workflow.Option {
	return []workflow.Option{
		workflow.WithSpeedupConfig(cfg.Quantum.SpeedupConfig()),
		workflow.WithStrictDependencies(cfg.Workflow.StrictDependencies || strict),
		workflow.WithEstimates(cfg.Workflow.EstimateMissing || estimate),
		workflow.WithLogger(logger),
	}
}

func runOptimize(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Close() }()

	format := optimizeFormat
	if optimizeJSON {
		format = formatJSON
	}

	path := args[0]
	optimizer := workflow.NewOptimizer(optimizerOptions(cfg, logger, optimizeStrict, optimizeEstimate)...)
	out := cmd.OutOrStdout()

	if !optimizeWatch {
		return optimizeFile(out, optimizer, path, format)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return watchFile(ctx, path, func() {
		if err := optimizeFile(out, optimizer, path, format); err != nil {
			logger.Warn("optimization failed", "path", path, "error", err)
			fmt.Fprintln(cmd.ErrOrStderr(), errorStyle.Render("error: "+err.Error()))
		}
	})
}

func optimizeFile(w io.Writer, optimizer *workflow.Optimizer, path, format string) error {
	doc, err := workflow.LoadFile(path)
	if err != nil {
		return err
	}
	result, err := optimizer.Optimize(doc.Tasks)
	if err != nil {
		return fmt.Errorf("optimize %s: %w", doc.Name, err)
	}
	return renderResult(w, doc.Name, result, format)
}

// watchFile calls run once immediately and again after every write to
// path, until ctx is done. The parent directory is watched so editors that
// replace the file on save are still seen.
func watchFile(ctx context.Context, path string, run func()) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}
	defer func() { _ = watcher.Close() }()

	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("failed to watch directory: %w", err)
	}

	run()

	target := filepath.Base(abs)
	debounce := time.NewTimer(0)
	<-debounce.C // drain initial timer

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Base(ev.Name) != target {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			debounce.Reset(watchDebounce)

		case <-debounce.C:
			run()

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			return fmt.Errorf("file watcher: %w", err)
		}
	}
}

func runDemo(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Close() }()

	optimizer := workflow.NewOptimizer(optimizerOptions(cfg, logger, false, false)...)
	result, err := optimizer.Optimize(workflow.DefaultPipeline())
	if err != nil {
		return err
	}
	return renderResult(cmd.OutOrStdout(), "quantum-ai-pipeline", result, demoFormat)
}
