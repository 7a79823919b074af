package taskqueue

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"
)

const taskQueueDDL = `
CREATE TABLE IF NOT EXISTS task_queue (
    id            UUID PRIMARY KEY DEFAULT gen_random_uuid(),
    task_type     TEXT NOT NULL,
    payload       JSONB NOT NULL DEFAULT '{}',
    priority      INT NOT NULL DEFAULT 0,
    status        TEXT NOT NULL DEFAULT 'pending',
    scheduled_for TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    started_at    TIMESTAMPTZ,
    completed_at  TIMESTAMPTZ,
    failed_at     TIMESTAMPTZ,
    worker_id     TEXT,
    retry_count   INT NOT NULL DEFAULT 0,
    max_retries   INT NOT NULL DEFAULT 3,
    error_message TEXT,
    result        JSONB,
    created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at    TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`

// setupQueue connects to TEST_DATABASE_URL or skips. Tests isolate through
// unique feed ids and clean up the rows they create.
func setupQueue(t *testing.T) (*TaskQueue, *pgxpool.Pool) {
	t.Helper()

	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}

	pool, err := pgxpool.New(context.Background(), url)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	_, err = pool.Exec(context.Background(), taskQueueDDL)
	require.NoError(t, err)

	return New(pool), pool
}

func cleanupTask(t *testing.T, pool *pgxpool.Pool, taskID string) {
	t.Helper()
	t.Cleanup(func() {
		pool.Exec(context.Background(), `DELETE FROM task_queue WHERE id = $1`, taskID)
	})
}

func TestScheduleClaimComplete(t *testing.T) {
	queue, pool := setupQueue(t)
	ctx := context.Background()
	workerID := "test-worker-" + uuid.NewString()

	taskID, scheduled, err := queue.ScheduleFeedRun(ctx, RunPayload{
		FeedID:        "feed_" + uuid.NewString(),
		Trigger:       "MANUAL",
		CorrelationID: uuid.NewString(),
	}, 5, nil)
	require.NoError(t, err)
	require.True(t, scheduled)
	cleanupTask(t, pool, taskID)

	// Another worker id must not steal the claim once we hold it.
	claimed, err := queue.Claim(ctx, workerID, []TaskType{TaskTypeFeedRun}, 50)
	require.NoError(t, err)

	var ours *ClaimedTask
	for i := range claimed {
		if claimed[i].ID == taskID {
			ours = &claimed[i]
		}
	}
	require.NotNil(t, ours, "claim should return the scheduled task")
	require.Equal(t, string(TaskTypeFeedRun), ours.TaskType)
	require.Equal(t, 0, ours.Attempt)

	require.NoError(t, queue.Complete(ctx, taskID, map[string]int{"pricesWritten": 3}))

	task, err := queue.GetTask(ctx, taskID)
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, task.Status)
	require.NotNil(t, task.CompletedAt)
}

func TestScheduleFeedRunDeduplicates(t *testing.T) {
	queue, pool := setupQueue(t)
	ctx := context.Background()
	feedID := "feed_" + uuid.NewString()

	payload := RunPayload{FeedID: feedID, Trigger: "SCHEDULED", CorrelationID: uuid.NewString()}

	firstID, scheduled, err := queue.ScheduleFeedRun(ctx, payload, 0, nil)
	require.NoError(t, err)
	require.True(t, scheduled)
	cleanupTask(t, pool, firstID)

	secondID, scheduled, err := queue.ScheduleFeedRun(ctx, payload, 0, nil)
	require.NoError(t, err)
	require.False(t, scheduled, "pending run for the same feed should suppress the enqueue")
	require.Empty(t, secondID)

	// Once the first run is terminal the feed can be enqueued again.
	require.NoError(t, queue.Cancel(ctx, firstID))
	thirdID, scheduled, err := queue.ScheduleFeedRun(ctx, payload, 0, nil)
	require.NoError(t, err)
	require.True(t, scheduled)
	cleanupTask(t, pool, thirdID)
}

func TestFailRetriesThenLandsInFailed(t *testing.T) {
	queue, pool := setupQueue(t)
	ctx := context.Background()
	workerID := "test-worker-" + uuid.NewString()

	taskID, err := queue.Schedule(ctx, ScheduleInput{
		TaskType:   TaskTypeFeedRun,
		Payload:    RunPayload{FeedID: "feed_" + uuid.NewString(), Trigger: "SCHEDULED"},
		MaxRetries: 2,
	})
	require.NoError(t, err)
	cleanupTask(t, pool, taskID)

	claimOne := func() {
		t.Helper()
		claimed, err := queue.Claim(ctx, workerID, []TaskType{TaskTypeFeedRun}, 50)
		require.NoError(t, err)
		found := false
		for _, c := range claimed {
			if c.ID == taskID {
				found = true
			}
		}
		require.True(t, found, "task should be claimable")
	}

	claimOne()
	require.NoError(t, queue.Fail(ctx, taskID, "connection reset", 0))

	task, err := queue.GetTask(ctx, taskID)
	require.NoError(t, err)
	require.Equal(t, StatusPending, task.Status)
	require.Equal(t, 1, task.RetryCount)
	require.Nil(t, task.FailedAt)

	claimOne()
	require.NoError(t, queue.Fail(ctx, taskID, "connection reset", time.Minute))

	task, err = queue.GetTask(ctx, taskID)
	require.NoError(t, err)
	require.Equal(t, StatusFailed, task.Status)
	require.Equal(t, 2, task.RetryCount)
	require.NotNil(t, task.FailedAt)
	require.NotNil(t, task.ErrorMessage)
	require.Equal(t, "connection reset", *task.ErrorMessage)
}

func TestDiscardSkipsRetries(t *testing.T) {
	queue, pool := setupQueue(t)
	ctx := context.Background()
	workerID := "test-worker-" + uuid.NewString()

	taskID, scheduled, err := queue.ScheduleFeedRun(ctx, RunPayload{
		FeedID:  "feed_" + uuid.NewString(),
		Trigger: "SCHEDULED",
	}, 0, nil)
	require.NoError(t, err)
	require.True(t, scheduled)
	cleanupTask(t, pool, taskID)

	_, err = queue.Claim(ctx, workerID, []TaskType{TaskTypeFeedRun}, 50)
	require.NoError(t, err)

	require.NoError(t, queue.Discard(ctx, taskID, "feed not found"))

	task, err := queue.GetTask(ctx, taskID)
	require.NoError(t, err)
	require.Equal(t, StatusFailed, task.Status)
	require.Equal(t, 0, task.RetryCount)
}

func TestUpdatePayloadRequiresProcessing(t *testing.T) {
	queue, pool := setupQueue(t)
	ctx := context.Background()

	taskID, scheduled, err := queue.ScheduleFeedRun(ctx, RunPayload{
		FeedID:  "feed_" + uuid.NewString(),
		Trigger: "SCHEDULED",
	}, 0, nil)
	require.NoError(t, err)
	require.True(t, scheduled)
	cleanupTask(t, pool, taskID)

	err = queue.UpdatePayload(ctx, taskID, RunPayload{FeedID: "x", RunID: "run_abc"})
	require.Error(t, err, "payload of a pending task must not be rewritable")
}

func TestRecoverStuckRequeues(t *testing.T) {
	queue, pool := setupQueue(t)
	ctx := context.Background()
	workerID := "test-worker-" + uuid.NewString()

	taskID, scheduled, err := queue.ScheduleFeedRun(ctx, RunPayload{
		FeedID:  "feed_" + uuid.NewString(),
		Trigger: "SCHEDULED",
	}, 0, nil)
	require.NoError(t, err)
	require.True(t, scheduled)
	cleanupTask(t, pool, taskID)

	_, err = queue.Claim(ctx, workerID, []TaskType{TaskTypeFeedRun}, 50)
	require.NoError(t, err)

	// Backdate the claim to look like a dead worker.
	_, err = pool.Exec(ctx, `UPDATE task_queue SET started_at = NOW() - INTERVAL '1 hour' WHERE id = $1`, taskID)
	require.NoError(t, err)

	recovered, err := queue.RecoverStuck(ctx, 30*time.Minute)
	require.NoError(t, err)
	require.GreaterOrEqual(t, recovered, int64(1))

	task, err := queue.GetTask(ctx, taskID)
	require.NoError(t, err)
	require.Equal(t, StatusPending, task.Status)
	require.Nil(t, task.WorkerID)
}
