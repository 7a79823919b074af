package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/calibermatch/feed-service/internal/database"
	"github.com/calibermatch/feed-service/internal/notify"
	"github.com/calibermatch/feed-service/internal/secrets"
	"github.com/calibermatch/feed-service/internal/server"
	"github.com/calibermatch/feed-service/internal/sweeper"
	"github.com/calibermatch/feed-service/internal/taskqueue"
	"github.com/calibermatch/feed-service/internal/telemetry"
	"github.com/calibermatch/feed-service/internal/worker"
)

// workerCmd runs the full service: job pool, sweeper and the operational
// HTTP surface.
var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run the ingestion worker",
	Long: `Start the feed ingestion worker: a scheduler sweep that enqueues due
feeds, a polling job pool that executes runs, and an HTTP listener exposing
/healthz and /metrics.`,
	RunE: runWorker,
}

func init() {
	rootCmd.AddCommand(workerCmd)
}

func runWorker(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	shutdownTelemetry := telemetry.MustInit(ctx, telemetry.GetConfigFromEnv())
	defer shutdownTelemetry(context.Background())
	defer database.Close()

	var cipher *secrets.Cipher
	if cfg.Security.EncryptionKey != "" {
		var err error
		cipher, err = secrets.NewCipher(cfg.Security.EncryptionKey)
		if err != nil {
			return err
		}
	} else {
		logger.Warn().Msg("No encryption key configured, feeds with credentials will fail")
	}

	queue := taskqueue.New(database.Pool())
	notifier := notify.New(cfg.Notify.WebhookURL)
	orch := worker.NewOrchestrator(queue, notifier, cipher, worker.Config{
		ChunkSize:       cfg.Ingest.ChunkSize,
		HeartbeatHours:  cfg.Ingest.HeartbeatHours,
		ResolverVersion: cfg.Ingest.ResolverVersion,
	})

	pool := worker.NewPool(queue, orch, worker.PoolConfig{
		WorkerID:        cfg.Worker.ID,
		Concurrency:     cfg.Worker.Concurrency,
		PollInterval:    cfg.Worker.PollInterval,
		JobsPerMinute:   cfg.Worker.JobsPerMinute,
		RetryBackoff:    cfg.Worker.RetryBackoff,
		MaxTasksPerPoll: 1,
	})
	pool.Start(ctx)
	defer pool.Stop()

	sw := sweeper.New(queue, logger, sweeper.Config{
		Interval:      cfg.Sweeper.Interval,
		StuckAfter:    cfg.Sweeper.StuckAfter,
		RetentionDays: cfg.Sweeper.RetentionDays,
	})
	defer sw.Stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		sw.Start(gctx)
		return nil
	})
	g.Go(func() error {
		return server.Run(gctx, cfg.Server.Port)
	})
	return g.Wait()
}
