package main

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/calibermatch/feed-service/internal/database"
	"github.com/calibermatch/feed-service/internal/sweeper"
	"github.com/calibermatch/feed-service/internal/taskqueue"
)

// scheduleCmd runs one sweep iteration and exits. Useful from cron or for
// debugging scheduling without a resident worker.
var scheduleCmd = &cobra.Command{
	Use:   "schedule",
	Short: "Run one scheduler sweep",
	Long: `Enqueue runs for all due feeds, recover orphaned jobs and exit. The
worker command runs this continuously; this one-shot form suits cron setups.`,
	RunE: runSchedule,
}

func init() {
	rootCmd.AddCommand(scheduleCmd)
}

func runSchedule(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	defer database.Close()

	queue := taskqueue.New(database.Pool())
	sw := sweeper.New(queue, logger, sweeper.Config{})

	if err := sw.EnqueueDueFeeds(ctx); err != nil {
		return err
	}
	if err := sw.EnqueueParkedManualRuns(ctx); err != nil {
		return err
	}
	return sw.RecoverOrphanedTasks(ctx)
}
