package database

import (
	"context"
	"fmt"
	"time"
)

// UpsertPresence records Phase 1 visibility: every product parsed in this run
// gets last_seen_at = t0 regardless of how the run ends.
func UpsertPresence(ctx context.Context, sourceProductIDs []string, t0 time.Time) error {
	if len(sourceProductIDs) == 0 {
		return nil
	}

	_, err := Pool().Exec(ctx, `
		INSERT INTO source_product_presence (source_product_id, last_seen_at)
		SELECT id, $2 FROM unnest($1::text[]) AS t(id)
		ON CONFLICT (source_product_id) DO UPDATE SET last_seen_at = $2
	`, sourceProductIDs, t0)
	if err != nil {
		return fmt.Errorf("upsert presence: %w", err)
	}
	return nil
}

// InsertSeen stages product ids for Phase 2 promotion. Idempotent per
// (run_id, source_product_id) so chunk retries never double-stage.
func InsertSeen(ctx context.Context, runID string, sourceProductIDs []string) error {
	if len(sourceProductIDs) == 0 {
		return nil
	}

	seen := make(map[string]struct{}, len(sourceProductIDs))
	deduped := make([]string, 0, len(sourceProductIDs))
	for _, id := range sourceProductIDs {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		deduped = append(deduped, id)
	}

	_, err := Pool().Exec(ctx, `
		INSERT INTO source_product_seen (run_id, source_product_id)
		SELECT $1, id FROM unnest($2::text[]) AS t(id)
		ON CONFLICT (run_id, source_product_id) DO NOTHING
	`, runID, deduped)
	if err != nil {
		return fmt.Errorf("insert seen set: %w", err)
	}
	return nil
}

// PromoteSeen is Phase 2: stamp last_seen_success_at = t0 for every product
// staged by this run. Returns the number of promoted products.
func PromoteSeen(ctx context.Context, runID string, t0 time.Time) (int64, error) {
	tag, err := Pool().Exec(ctx, `
		UPDATE source_product_presence p
		SET last_seen_success_at = $2
		FROM source_product_seen s
		WHERE s.run_id = $1 AND s.source_product_id = p.source_product_id
	`, runID, t0)
	if err != nil {
		return 0, fmt.Errorf("promote seen set: %w", err)
	}
	return tag.RowsAffected(), nil
}

// DeleteSeen clears the staging rows after a run finishes, success or failure.
func DeleteSeen(ctx context.Context, runID string) error {
	_, err := Pool().Exec(ctx, `
		DELETE FROM source_product_seen WHERE run_id = $1
	`, runID)
	return err
}

// ActiveCountBefore counts products of the source whose last_seen_success_at
// is still within the expiry window at t0. This is the breaker's denominator
// and must be computed before promotion.
func ActiveCountBefore(ctx context.Context, sourceID string, expiryThreshold time.Time) (int, error) {
	var count int
	err := Pool().QueryRow(ctx, `
		SELECT COUNT(*)
		FROM source_product_presence p
		JOIN source_products sp ON sp.id = p.source_product_id
		WHERE sp.source_id = $1 AND p.last_seen_success_at >= $2
	`, sourceID, expiryThreshold).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("active count before: %w", err)
	}
	return count, nil
}

// SeenSuccessCount counts how many previously-active products were also seen
// by this run. The difference from ActiveCountBefore is the would-expire set.
func SeenSuccessCount(ctx context.Context, runID string, expiryThreshold time.Time) (int, error) {
	var count int
	err := Pool().QueryRow(ctx, `
		SELECT COUNT(*)
		FROM source_product_seen s
		JOIN source_product_presence p ON p.source_product_id = s.source_product_id
		WHERE s.run_id = $1 AND p.last_seen_success_at >= $2
	`, runID, expiryThreshold).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("seen success count: %w", err)
	}
	return count, nil
}
