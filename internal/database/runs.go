package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/calibermatch/feed-service/internal/pkg/cuid2"
)

// ErrRunNotFound is returned when a run id resolves to nothing.
var ErrRunNotFound = errors.New("feed run not found")

// maxRunErrors caps per-run diagnostics; the overflow is counted, not stored.
const maxRunErrors = 100

// CreateRun inserts a RUNNING run record. This is the only throwable I/O
// permitted between lock acquisition and persisting the run id into the job
// payload.
func CreateRun(ctx context.Context, feedID, sourceID, trigger, correlationID string, t0 time.Time) (string, error) {
	runID := cuid2.NewPrefixedID("run")
	_, err := Pool().Exec(ctx, `
		INSERT INTO feed_runs (id, feed_id, source_id, trigger, status, started_at, correlation_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, runID, feedID, sourceID, trigger, RunStatusRunning, t0, correlationID)
	if err != nil {
		return "", fmt.Errorf("create feed run: %w", err)
	}
	return runID, nil
}

// GetRun loads one run by id.
func GetRun(ctx context.Context, runID string) (*FeedRun, error) {
	var r FeedRun
	err := Pool().QueryRow(ctx, `
		SELECT id, feed_id, source_id, trigger, status, started_at, finished_at, duration_ms,
		       rows_read, rows_parsed, products_upserted, prices_written, products_promoted,
		       products_rejected, duplicate_key_count, url_hash_fallback_count, error_count,
		       active_count_before, seen_success_count, would_expire_count,
		       expiry_blocked, expiry_blocked_reason,
		       skipped_reason, failure_kind, failure_code, failure_message, correlation_id
		FROM feed_runs WHERE id = $1
	`, runID).Scan(
		&r.ID, &r.FeedID, &r.SourceID, &r.Trigger, &r.Status, &r.StartedAt, &r.FinishedAt, &r.DurationMs,
		&r.Metrics.RowsRead, &r.Metrics.RowsParsed, &r.Metrics.ProductsUpserted, &r.Metrics.PricesWritten,
		&r.Metrics.ProductsPromoted, &r.Metrics.ProductsRejected, &r.Metrics.DuplicateKeyCount,
		&r.Metrics.URLHashFallbackCount, &r.Metrics.ErrorCount,
		&r.Breaker.ActiveCountBefore, &r.Breaker.SeenSuccessCount, &r.Breaker.WouldExpireCount,
		&r.Breaker.ExpiryBlocked, &r.Breaker.ExpiryBlockedReason,
		&r.SkippedReason, &r.FailureKind, &r.FailureCode, &r.FailureMessage, &r.CorrelationID,
	)
	if err == pgx.ErrNoRows {
		return nil, ErrRunNotFound
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// RunFinal carries everything FinalizeRun writes in one statement.
type RunFinal struct {
	Status  string
	Metrics RunMetrics
	Breaker BreakerMetrics

	SkippedReason  *string
	FailureKind    *string
	FailureCode    *string
	FailureMessage *string
}

// FinalizeRun writes the terminal run fields. Only RUNNING runs transition;
// terminal runs are immutable, so a duplicate finalize is a no-op.
func FinalizeRun(ctx context.Context, runID string, t0 time.Time, fin RunFinal) error {
	finishedAt := time.Now().UTC()
	durationMs := finishedAt.Sub(t0).Milliseconds()

	tag, err := Pool().Exec(ctx, `
		UPDATE feed_runs
		SET status = $2, finished_at = $3, duration_ms = $4,
		    rows_read = $5, rows_parsed = $6, products_upserted = $7, prices_written = $8,
		    products_promoted = $9, products_rejected = $10, duplicate_key_count = $11,
		    url_hash_fallback_count = $12, error_count = $13,
		    active_count_before = $14, seen_success_count = $15, would_expire_count = $16,
		    expiry_blocked = $17, expiry_blocked_reason = $18,
		    skipped_reason = $19, failure_kind = $20, failure_code = $21, failure_message = $22
		WHERE id = $1 AND status = $23
	`, runID, fin.Status, finishedAt, durationMs,
		fin.Metrics.RowsRead, fin.Metrics.RowsParsed, fin.Metrics.ProductsUpserted, fin.Metrics.PricesWritten,
		fin.Metrics.ProductsPromoted, fin.Metrics.ProductsRejected, fin.Metrics.DuplicateKeyCount,
		fin.Metrics.URLHashFallbackCount, fin.Metrics.ErrorCount,
		fin.Breaker.ActiveCountBefore, fin.Breaker.SeenSuccessCount, fin.Breaker.WouldExpireCount,
		fin.Breaker.ExpiryBlocked, nullIfEmpty(fin.Breaker.ExpiryBlockedReason),
		fin.SkippedReason, fin.FailureKind, fin.FailureCode, fin.FailureMessage,
		RunStatusRunning)
	if err != nil {
		return fmt.Errorf("finalize run %s: %w", runID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("finalize run %s: run is not RUNNING", runID)
	}
	return nil
}

// InsertRunErrors stores per-row diagnostics, capped at maxRunErrors per run.
func InsertRunErrors(ctx context.Context, runID string, errs []RunError) error {
	if len(errs) == 0 {
		return nil
	}
	if len(errs) > maxRunErrors {
		errs = errs[:maxRunErrors]
	}

	codes := make([]string, len(errs))
	messages := make([]string, len(errs))
	rowNumbers := make([]*int, len(errs))
	samples := make([]*string, len(errs))
	for i, e := range errs {
		codes[i] = e.Code
		messages[i] = e.Message
		rowNumbers[i] = e.RowNumber
		samples[i] = e.Sample
	}

	_, err := Pool().Exec(ctx, `
		INSERT INTO feed_run_errors (run_id, code, message, row_number, sample)
		SELECT $1, c, m, r, s
		FROM unnest($2::text[], $3::text[], $4::int[], $5::text[]) AS t(c, m, r, s)
	`, runID, codes, messages, rowNumbers, samples)
	if err != nil {
		return fmt.Errorf("insert run errors: %w", err)
	}
	return nil
}

func nullIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
