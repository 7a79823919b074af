package main

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/calibermatch/feed-service/internal/database"
	"github.com/calibermatch/feed-service/internal/taskqueue"
)

// runCmd enqueues a manual run for one feed.
var runCmd = &cobra.Command{
	Use:   "run <feed-id>",
	Short: "Trigger a manual run for a feed",
	Long: `Enqueue a MANUAL run for the given feed. If the feed is currently
running, the request is parked and executed right after the current run
finishes.`,
	Example: `  feedsvc run feed_1rK5iqB3cD5eF7gH9iJ1k2`,
	Args:    cobra.ExactArgs(1),
	RunE:    runManual,
}

func init() {
	rootCmd.AddCommand(runCmd)
}

func runManual(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	feedID := args[0]

	feed, err := database.GetFeed(ctx, feedID)
	if err != nil {
		return err
	}

	queue := taskqueue.New(database.Pool())
	correlationID := uuid.NewString()
	taskID, scheduled, err := queue.ScheduleFeedRun(ctx, taskqueue.RunPayload{
		FeedID:        feed.ID,
		Trigger:       database.TriggerManual,
		CorrelationID: correlationID,
	}, 10, nil)
	if err != nil {
		return err
	}
	if !scheduled {
		fmt.Printf("Feed %s already has a queued run, nothing enqueued\n", feed.ID)
		return nil
	}

	fmt.Printf("Manual run enqueued for feed %s (task %s, correlation %s)\n", feed.ID, taskID, correlationID)
	return nil
}
