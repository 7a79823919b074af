package taskqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// TaskQueue is a Postgres-backed at-least-once job queue. Claiming uses
// FOR UPDATE SKIP LOCKED so any number of workers can poll the same table
// without coordination.
type TaskQueue struct {
	pool *pgxpool.Pool
}

func New(pool *pgxpool.Pool) *TaskQueue {
	return &TaskQueue{pool: pool}
}

type ScheduleInput struct {
	TaskType    TaskType
	Payload     interface{}
	Priority    int
	ScheduledAt *time.Time
	MaxRetries  int
}

// Schedule enqueues a task. Defaults: immediate, priority 0, 3 retries.
func (q *TaskQueue) Schedule(ctx context.Context, input ScheduleInput) (string, error) {
	payload, err := json.Marshal(input.Payload)
	if err != nil {
		return "", fmt.Errorf("marshal task payload: %w", err)
	}

	maxRetries := 3
	if input.MaxRetries > 0 {
		maxRetries = input.MaxRetries
	}
	scheduledAt := time.Now().UTC()
	if input.ScheduledAt != nil {
		scheduledAt = *input.ScheduledAt
	}

	var id string
	err = q.pool.QueryRow(ctx, `
		INSERT INTO task_queue (task_type, payload, priority, scheduled_for, max_retries)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id
	`, string(input.TaskType), payload, input.Priority, scheduledAt, maxRetries).Scan(&id)
	if err != nil {
		return "", fmt.Errorf("schedule task: %w", err)
	}
	return id, nil
}

// ScheduleFeedRun enqueues a feed.run job unless one is already pending or
// processing for the same feed. Duplicate enqueues are harmless (the advisory
// lock makes the second run a no-op) but there is no point stacking them.
func (q *TaskQueue) ScheduleFeedRun(ctx context.Context, payload RunPayload, priority int, scheduledAt *time.Time) (string, bool, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return "", false, fmt.Errorf("marshal run payload: %w", err)
	}

	when := time.Now().UTC()
	if scheduledAt != nil {
		when = *scheduledAt
	}

	var id string
	err = q.pool.QueryRow(ctx, `
		INSERT INTO task_queue (task_type, payload, priority, scheduled_for, max_retries)
		SELECT $1, $2, $3, $4, 3
		WHERE NOT EXISTS (
			SELECT 1 FROM task_queue
			WHERE task_type = $1
			  AND payload->>'feedId' = $5
			  AND status IN ('pending', 'processing')
		)
		RETURNING id
	`, string(TaskTypeFeedRun), body, priority, when, payload.FeedID).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("schedule feed run: %w", err)
	}
	return id, true, nil
}

// Claim atomically moves up to maxTasks due tasks to processing and returns
// them. SKIP LOCKED keeps concurrent pollers from blocking on each other.
func (q *TaskQueue) Claim(ctx context.Context, workerID string, taskTypes []TaskType, maxTasks int) ([]ClaimedTask, error) {
	types := make([]string, len(taskTypes))
	for i, t := range taskTypes {
		types[i] = string(t)
	}

	rows, err := q.pool.Query(ctx, `
		WITH picked AS (
			SELECT id FROM task_queue
			WHERE status = 'pending'
			  AND task_type = ANY($2)
			  AND scheduled_for <= NOW()
			ORDER BY priority DESC, scheduled_for, id
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		)
		UPDATE task_queue t
		SET status = 'processing', worker_id = $1, started_at = NOW(), updated_at = NOW()
		FROM picked
		WHERE t.id = picked.id
		RETURNING t.id, t.task_type, t.payload, t.retry_count
	`, workerID, types, maxTasks)
	if err != nil {
		return nil, fmt.Errorf("claim tasks: %w", err)
	}
	defer rows.Close()

	tasks := make([]ClaimedTask, 0, maxTasks)
	for rows.Next() {
		var task ClaimedTask
		if err := rows.Scan(&task.ID, &task.TaskType, &task.Payload, &task.Attempt); err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

// UpdatePayload rewrites a processing task's payload in place. The
// orchestrator uses this to persist the run id before any further I/O, so a
// crash-retry resumes the same run.
func (q *TaskQueue) UpdatePayload(ctx context.Context, taskID string, payload interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal task payload: %w", err)
	}
	tag, err := q.pool.Exec(ctx, `
		UPDATE task_queue SET payload = $2, updated_at = NOW()
		WHERE id = $1 AND status = 'processing'
	`, taskID, body)
	if err != nil {
		return fmt.Errorf("update task payload: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update task payload: task %s is not processing", taskID)
	}
	return nil
}

// Complete marks a task done and stores its result summary.
func (q *TaskQueue) Complete(ctx context.Context, taskID string, result interface{}) error {
	var body []byte
	if result != nil {
		var err error
		body, err = json.Marshal(result)
		if err != nil {
			return fmt.Errorf("marshal task result: %w", err)
		}
	}
	_, err := q.pool.Exec(ctx, `
		UPDATE task_queue
		SET status = 'completed', completed_at = NOW(), result = $2, updated_at = NOW()
		WHERE id = $1 AND status = 'processing'
	`, taskID, body)
	return err
}

// Fail records a transient failure. While retries remain the task goes back
// to pending with the given backoff; otherwise it lands in failed.
func (q *TaskQueue) Fail(ctx context.Context, taskID, errorMessage string, backoff time.Duration) error {
	_, err := q.pool.Exec(ctx, `
		UPDATE task_queue
		SET status = CASE WHEN retry_count + 1 < max_retries THEN 'pending' ELSE 'failed' END,
		    retry_count = retry_count + 1,
		    scheduled_for = CASE WHEN retry_count + 1 < max_retries THEN NOW() + $3::interval ELSE scheduled_for END,
		    failed_at = CASE WHEN retry_count + 1 < max_retries THEN NULL ELSE NOW() END,
		    worker_id = NULL,
		    error_message = $2,
		    updated_at = NOW()
		WHERE id = $1 AND status = 'processing'
	`, taskID, errorMessage, backoff.String())
	return err
}

// Discard terminally fails a task with no retry. Used for PERMANENT and
// CONFIG failures where a retry would just repeat the same outcome.
func (q *TaskQueue) Discard(ctx context.Context, taskID, errorMessage string) error {
	_, err := q.pool.Exec(ctx, `
		UPDATE task_queue
		SET status = 'failed', failed_at = NOW(), error_message = $2, updated_at = NOW()
		WHERE id = $1 AND status = 'processing'
	`, taskID, errorMessage)
	return err
}

// Cancel drops a task that has not started running yet.
func (q *TaskQueue) Cancel(ctx context.Context, taskID string) error {
	_, err := q.pool.Exec(ctx, `
		UPDATE task_queue
		SET status = 'cancelled', updated_at = NOW()
		WHERE id = $1 AND status = 'pending'
	`, taskID)
	return err
}

// RecoverStuck requeues processing tasks whose worker died, or terminally
// fails them once their attempts are exhausted. Requeueing is safe because
// runs are idempotent: a recovered job re-enters through the advisory lock
// and the persisted run id.
func (q *TaskQueue) RecoverStuck(ctx context.Context, olderThan time.Duration) (int64, error) {
	tag, err := q.pool.Exec(ctx, `
		UPDATE task_queue
		SET status = CASE WHEN retry_count < max_retries THEN 'pending' ELSE 'failed' END,
		    failed_at = CASE WHEN retry_count < max_retries THEN failed_at ELSE NOW() END,
		    error_message = CASE WHEN retry_count < max_retries THEN error_message ELSE 'worker timed out' END,
		    worker_id = NULL,
		    updated_at = NOW()
		WHERE status = 'processing' AND started_at < NOW() - $1::interval
	`, olderThan.String())
	if err != nil {
		return 0, fmt.Errorf("recover stuck tasks: %w", err)
	}
	return tag.RowsAffected(), nil
}

// CleanupOld deletes terminal tasks older than the retention window.
func (q *TaskQueue) CleanupOld(ctx context.Context, daysToKeep int) (int64, error) {
	tag, err := q.pool.Exec(ctx, `
		DELETE FROM task_queue
		WHERE status IN ('completed', 'failed', 'cancelled')
		  AND updated_at < NOW() - make_interval(days => $1)
	`, daysToKeep)
	if err != nil {
		return 0, fmt.Errorf("cleanup old tasks: %w", err)
	}
	return tag.RowsAffected(), nil
}

// GetTask loads one task by id, for diagnostics.
func (q *TaskQueue) GetTask(ctx context.Context, taskID string) (*Task, error) {
	var task Task
	err := q.pool.QueryRow(ctx, `
		SELECT id, task_type, payload, priority, status,
		       scheduled_for, started_at, completed_at, failed_at,
		       worker_id, retry_count, max_retries, error_message,
		       created_at, updated_at
		FROM task_queue
		WHERE id = $1
	`, taskID).Scan(
		&task.ID, &task.TaskType, &task.Payload, &task.Priority, &task.Status,
		&task.ScheduledFor, &task.StartedAt, &task.CompletedAt, &task.FailedAt,
		&task.WorkerID, &task.RetryCount, &task.MaxRetries, &task.ErrorMessage,
		&task.CreatedAt, &task.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &task, nil
}
