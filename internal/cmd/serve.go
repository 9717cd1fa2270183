package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/qsched/qsched/internal/event"
	"github.com/qsched/qsched/internal/metrics"
	"github.com/qsched/qsched/internal/server"
	"github.com/qsched/qsched/internal/subscription"
	"github.com/qsched/qsched/internal/taskqueue"
	"github.com/qsched/qsched/internal/workflow"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API",
	Long: `Run the HTTP API for the task queue and the workflow optimizer.

With --persist the queue is restored from the state directory on start and
saved back on shutdown.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

var servePersist bool

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().String("addr", "", "listen address (default from server.addr)")
	serveCmd.Flags().BoolVar(&servePersist, "persist", false, "Restore and save the queue in the state directory")
	bindConfigFlag("server.addr", serveCmd.Flags().Lookup("addr"))
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Close() }()

	stateDir := cfg.Queue.ResolveStateDir()
	manager := taskqueue.NewManager()
	if servePersist {
		if manager, err = taskqueue.LoadState(stateDir); err != nil {
			return fmt.Errorf("restore queue: %w", err)
		}
		logger.Info("queue restored", "state_dir", stateDir, "tasks", manager.Status().Total)
	}

	bus := event.NewBus(logger)
	queue := taskqueue.NewEventQueue(manager, bus)

	opts := []server.Option{
		server.WithLogger(logger),
		server.WithOptimizerOptions(
			workflow.WithSpeedupConfig(cfg.Quantum.SpeedupConfig()),
			workflow.WithStrictDependencies(cfg.Workflow.StrictDependencies),
			workflow.WithEstimates(cfg.Workflow.EstimateMissing),
			workflow.WithLogger(logger.WithComponent("optimizer")),
			workflow.WithBus(bus),
		),
	}

	var exporter *metrics.Exporter
	if cfg.Metrics.Enabled {
		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		exporter, err = metrics.NewExporter(cfg.Metrics.Namespace, reg, metrics.ExporterOptions{})
		if err != nil {
			return fmt.Errorf("create metrics exporter: %w", err)
		}
		detach := exporter.Attach(bus)
		defer detach()
		opts = append(opts, server.WithMetrics(reg))
	}

	subs := subscription.NewManager(queue,
		subscription.WithLogger(logger),
		subscription.WithFailureHook(exporter.RecordSubscriberFailure),
	)
	detachSubs := subs.AttachBus(bus)
	defer detachSubs()
	opts = append(opts, server.WithSubscriptions(subs))

	srv := server.New(queue, opts...)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	fmt.Fprintf(cmd.OutOrStdout(), "Listening on %s\n", cfg.Server.Addr)
	serveErr := srv.ListenAndServe(ctx, cfg.Server.Addr, cfg.Server.ReadTimeout(), cfg.Server.ShutdownTimeout())

	if servePersist {
		if err := manager.SaveState(stateDir); err != nil {
			logger.Error("failed to save queue", "state_dir", stateDir, "error", err)
			if serveErr == nil {
				serveErr = fmt.Errorf("save queue: %w", err)
			}
		} else {
			logger.Info("queue saved", "state_dir", stateDir)
		}
	}
	return serveErr
}
