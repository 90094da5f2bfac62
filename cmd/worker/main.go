package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"practice-ops/internal/app"
	"practice-ops/internal/config"
	"practice-ops/internal/jobs"
	"practice-ops/internal/logging"
	"practice-ops/internal/scheduler"
	"practice-ops/internal/telemetry"
	workerproc "practice-ops/internal/worker"
)

var (
	cfg config.Config
	log *zap.SugaredLogger
)

var rootCmd = &cobra.Command{
	Use:   "worker",
	Short: "Background job worker for the practice ops core",
	Long: `worker runs the job processor and the periodic health and reclamation trigger.

Examples:
  worker run                                  # Process jobs until interrupted
  worker health-check --tenant acme           # Capture both snapshots for one tenant now
  worker reclaim --tenant acme --dry-run      # Report what reclamation would delete`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		cfg = config.Load()
		var err error
		log, err = logging.New(cfg.Env, cfg.LogLevel)
		if err != nil {
			return fmt.Errorf("init logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = log.Sync()
	},
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Process jobs and enqueue periodic checks until interrupted",
	RunE:  runWorker,
}

var healthCheckCmd = &cobra.Command{
	Use:   "health-check",
	Short: "Run kanban and queue health checks for one tenant without the queue",
	RunE:  runHealthCheck,
}

var reclaimCmd = &cobra.Command{
	Use:   "reclaim",
	Short: "Reclaim storage held by expired upload intents for one tenant",
	RunE:  runReclaim,
}

func init() {
	healthCheckCmd.Flags().String("tenant", "", "tenant id")
	healthCheckCmd.Flags().String("kind", "all", "kanban, queue or all")
	_ = healthCheckCmd.MarkFlagRequired("tenant")

	reclaimCmd.Flags().String("tenant", "", "tenant id")
	reclaimCmd.Flags().Bool("dry-run", false, "classify intents without deleting objects")
	reclaimCmd.Flags().Int("take", jobs.DefaultCleanupTake, "max intents to process")
	reclaimCmd.Flags().Int("grace-minutes", jobs.DefaultCleanupGraceMinutes, "minutes past expiry before an intent is reclaimable")
	_ = reclaimCmd.MarkFlagRequired("tenant")

	rootCmd.AddCommand(runCmd, healthCheckCmd, reclaimCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func runWorker(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	stack, err := app.Open(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer stack.Close()

	handlers, err := stack.Handlers(ctx)
	if err != nil {
		return err
	}
	registry := handlers.Registry()
	processor := workerproc.NewProcessor(cfg, stack.Queue, stack.Store, registry, workerID(), log)

	metrics := &http.Server{Addr: cfg.MetricsAddr, Handler: telemetry.Handler(), ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := metrics.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Warnw("metrics server stopped", "error", err)
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = metrics.Shutdown(shutdownCtx)
	}()

	ticker := scheduler.NewTicker(stack.Enqueuer, cfg, log)
	if !registry.Has(jobs.TypeCleanupUploadIntents) {
		ticker.SkipReclaim()
	}
	ticker.Start(ctx)
	defer ticker.Stop()

	if err := processor.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.Infow("worker stopped")
	return nil
}

func runHealthCheck(cmd *cobra.Command, _ []string) error {
	tenant, _ := cmd.Flags().GetString("tenant")
	kind, _ := cmd.Flags().GetString("kind")
	var types []jobs.JobType
	switch kind {
	case "kanban":
		types = []jobs.JobType{jobs.TypeKanbanHealthCheck}
	case "queue":
		types = []jobs.JobType{jobs.TypeQueueHealthCheck}
	case "all":
		types = []jobs.JobType{jobs.TypeKanbanHealthCheck, jobs.TypeQueueHealthCheck}
	default:
		return fmt.Errorf("unknown kind %q", kind)
	}
	return dispatchDirect(cmd, tenant, types, nil)
}

func runReclaim(cmd *cobra.Command, _ []string) error {
	tenant, _ := cmd.Flags().GetString("tenant")
	dryRun, _ := cmd.Flags().GetBool("dry-run")
	take, _ := cmd.Flags().GetInt("take")
	grace, _ := cmd.Flags().GetInt("grace-minutes")
	payload, err := json.Marshal(jobs.CleanupUploadIntents{Take: take, GraceMinutes: grace, DryRun: dryRun})
	if err != nil {
		return err
	}
	return dispatchDirect(cmd, tenant, []jobs.JobType{jobs.TypeCleanupUploadIntents}, payload)
}

// dispatchDirect runs handlers in-process and prints each result as JSON.
func dispatchDirect(cmd *cobra.Command, tenant string, types []jobs.JobType, payload json.RawMessage) error {
	ctx := cmd.Context()
	stack, err := app.Open(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer stack.Close()
	handlers, err := stack.Handlers(ctx)
	if err != nil {
		return err
	}
	registry := handlers.Registry()

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	for _, jt := range types {
		if !registry.Has(jt) {
			return fmt.Errorf("%s is not available with the current configuration", jt)
		}
		jc := jobs.Context{JobID: "cli-" + uuid.NewString(), TenantID: tenant, MaxAttempts: 1}
		result, err := registry.Dispatch(ctx, jt, payload, jc)
		if err != nil {
			return fmt.Errorf("%s: %w", jt, err)
		}
		if err := enc.Encode(map[string]any{"type": jt, "result": result}); err != nil {
			return err
		}
	}
	return nil
}

func workerID() string {
	if id := os.Getenv("WORKER_ID"); id != "" {
		return id
	}
	if hostname, _ := os.Hostname(); hostname != "" {
		return hostname
	}
	return fmt.Sprintf("worker-%d", os.Getpid())
}
