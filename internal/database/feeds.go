package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// ErrFeedNotFound is returned when a feed id resolves to nothing.
var ErrFeedNotFound = errors.New("feed not found")

const feedColumns = `
	id, source_id, retailer_id, status,
	transport, host, port, path, username, credentials_ciphertext,
	compression, format, currency, expiry_hours, schedule_frequency_hours,
	max_row_count, max_file_size_bytes, feed_lock_id,
	last_remote_mtime, last_remote_size, last_content_hash,
	consecutive_failures, manual_run_pending, last_run_at, next_run_at,
	created_at, updated_at`

func scanFeed(row pgx.Row) (*Feed, error) {
	var f Feed
	err := row.Scan(
		&f.ID, &f.SourceID, &f.RetailerID, &f.Status,
		&f.Transport, &f.Host, &f.Port, &f.Path, &f.Username, &f.CredentialsCiphertext,
		&f.Compression, &f.Format, &f.Currency, &f.ExpiryHours, &f.ScheduleFrequencyHours,
		&f.MaxRowCount, &f.MaxFileSizeBytes, &f.FeedLockID,
		&f.LastRemoteMtime, &f.LastRemoteSize, &f.LastContentHash,
		&f.ConsecutiveFailures, &f.ManualRunPending, &f.LastRunAt, &f.NextRunAt,
		&f.CreatedAt, &f.UpdatedAt,
	)
	if err == pgx.ErrNoRows {
		return nil, ErrFeedNotFound
	}
	if err != nil {
		return nil, err
	}
	return &f, nil
}

// GetFeed loads one feed by id.
func GetFeed(ctx context.Context, feedID string) (*Feed, error) {
	row := Pool().QueryRow(ctx, `SELECT `+feedColumns+` FROM feeds WHERE id = $1`, feedID)
	return scanFeed(row)
}

// ListDueFeeds returns ENABLED feeds whose next_run_at has passed, for the
// scheduler sweep.
func ListDueFeeds(ctx context.Context, now time.Time, limit int) ([]*Feed, error) {
	rows, err := Pool().Query(ctx, `
		SELECT `+feedColumns+`
		FROM feeds
		WHERE status = $1 AND next_run_at IS NOT NULL AND next_run_at <= $2
		ORDER BY next_run_at
		LIMIT $3
	`, FeedStatusEnabled, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	feeds := make([]*Feed, 0)
	for rows.Next() {
		f, err := scanFeed(rows)
		if err != nil {
			return nil, err
		}
		feeds = append(feeds, f)
	}
	return feeds, rows.Err()
}

// ListManualPendingFeeds returns ENABLED feeds with a parked manual run. The
// sweep re-enqueues these when the normal follow-up path was lost to a crash.
func ListManualPendingFeeds(ctx context.Context, limit int) ([]*Feed, error) {
	rows, err := Pool().Query(ctx, `
		SELECT `+feedColumns+`
		FROM feeds
		WHERE status = $1 AND manual_run_pending
		ORDER BY updated_at
		LIMIT $2
	`, FeedStatusEnabled, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	feeds := make([]*Feed, 0)
	for rows.Next() {
		f, err := scanFeed(rows)
		if err != nil {
			return nil, err
		}
		feeds = append(feeds, f)
	}
	return feeds, rows.Err()
}

// MemoizeChangeDetection persists the (mtime, size, contentHash) triple.
// Callers must invoke this only after a genuinely successful run: writing it
// on a failed or skipped run would make the next attempt short-circuit as
// "unchanged" and never re-ingest.
func MemoizeChangeDetection(ctx context.Context, feedID string, mtime *time.Time, size *int64, contentHash string) error {
	_, err := Pool().Exec(ctx, `
		UPDATE feeds
		SET last_remote_mtime = $2, last_remote_size = $3, last_content_hash = $4, updated_at = NOW()
		WHERE id = $1
	`, feedID, mtime, size, contentHash)
	return err
}

// MarkRunSucceeded resets the failure streak and schedules the next run.
func MarkRunSucceeded(ctx context.Context, feedID string, t0 time.Time, frequencyHours int) error {
	next := t0.Add(time.Duration(frequencyHours) * time.Hour)
	_, err := Pool().Exec(ctx, `
		UPDATE feeds
		SET consecutive_failures = 0, last_run_at = $2, next_run_at = $3, updated_at = NOW()
		WHERE id = $1
	`, feedID, t0, next)
	return err
}

// MarkRunFailed increments the failure streak and returns the new count so the
// orchestrator can decide on auto-disable.
func MarkRunFailed(ctx context.Context, feedID string, t0 time.Time, frequencyHours int) (int, error) {
	next := t0.Add(time.Duration(frequencyHours) * time.Hour)
	var failures int
	err := Pool().QueryRow(ctx, `
		UPDATE feeds
		SET consecutive_failures = consecutive_failures + 1,
		    last_run_at = $2, next_run_at = $3, updated_at = NOW()
		WHERE id = $1
		RETURNING consecutive_failures
	`, feedID, t0, next).Scan(&failures)
	if err != nil {
		return 0, fmt.Errorf("increment consecutive failures: %w", err)
	}
	return failures, nil
}

// DisableFeed auto-disables a feed after repeated failures: scheduled triggers
// silently skip until an operator re-enables it.
func DisableFeed(ctx context.Context, feedID string) error {
	_, err := Pool().Exec(ctx, `
		UPDATE feeds
		SET status = $2, next_run_at = NULL, updated_at = NOW()
		WHERE id = $1
	`, feedID, FeedStatusDisabled)
	return err
}

// SetManualRunPending flags a manual run request that arrived while the feed
// lock was busy.
func SetManualRunPending(ctx context.Context, feedID string, pending bool) error {
	_, err := Pool().Exec(ctx, `
		UPDATE feeds SET manual_run_pending = $2, updated_at = NOW() WHERE id = $1
	`, feedID, pending)
	return err
}

// GetManualRunPending reads the pending flag and current status. The
// orchestrator calls this while still holding the feed lock.
func GetManualRunPending(ctx context.Context, feedID string) (pending bool, status string, err error) {
	err = Pool().QueryRow(ctx, `
		SELECT manual_run_pending, status FROM feeds WHERE id = $1
	`, feedID).Scan(&pending, &status)
	if err == pgx.ErrNoRows {
		return false, "", ErrFeedNotFound
	}
	return pending, status, err
}

// GetSettingBool reads a store-wide policy flag from the settings table.
func GetSettingBool(ctx context.Context, key string, fallback bool) (bool, error) {
	var value string
	err := Pool().QueryRow(ctx, `SELECT value FROM settings WHERE key = $1`, key).Scan(&value)
	if err == pgx.ErrNoRows {
		return fallback, nil
	}
	if err != nil {
		return fallback, err
	}
	return value == "true" || value == "1", nil
}
