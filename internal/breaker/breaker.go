package breaker

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/calibermatch/feed-service/internal/database"
)

// Block reasons recorded on the run.
const (
	ReasonSpike   = "SPIKE_THRESHOLD_EXCEEDED"
	ReasonURLHash = "DATA_QUALITY_URL_HASH_SPIKE"
)

// Thresholds. The absolute cap applies to every feed; the percentage and
// URL-hash rules only kick in once a feed is established, so cold starts are
// never blocked by them.
const (
	spikeAbsoluteCap     = 500
	establishedFloor     = 100
	expiryPctLimit       = 30.0
	expiryMinWouldExpire = 10
	urlHashAbsLimit      = 1000
	urlHashPctLimit      = 50.0
)

// Inputs are the observed counts for one run.
type Inputs struct {
	ActiveCountBefore      int
	SeenSuccessCount       int
	URLHashFallbackCount   int
	TotalProductsProcessed int
}

// Decision is the breaker verdict plus the derived metrics persisted on the
// run.
type Decision struct {
	WouldExpireCount  int
	ExpiryPercentage  float64
	URLHashPercentage float64
	Blocked           bool
	Reason            string
}

// Decide applies the blocking cascade, first match wins.
func Decide(in Inputs) Decision {
	wouldExpire := in.ActiveCountBefore - in.SeenSuccessCount
	if wouldExpire < 0 {
		// Seen set larger than the active set means a counting anomaly
		// somewhere upstream. Clamp and keep going.
		log.Warn().
			Int("active_count_before", in.ActiveCountBefore).
			Int("seen_success_count", in.SeenSuccessCount).
			Msg("Negative would-expire count, clamping to zero")
		wouldExpire = 0
	}

	d := Decision{WouldExpireCount: wouldExpire}
	if in.ActiveCountBefore > 0 {
		d.ExpiryPercentage = float64(wouldExpire) / float64(in.ActiveCountBefore) * 100
	}
	if in.TotalProductsProcessed > 0 {
		d.URLHashPercentage = float64(in.URLHashFallbackCount) / float64(in.TotalProductsProcessed) * 100
	}

	switch {
	case wouldExpire >= spikeAbsoluteCap:
		d.Blocked, d.Reason = true, ReasonSpike
	case in.ActiveCountBefore >= establishedFloor && d.ExpiryPercentage > expiryPctLimit && wouldExpire >= expiryMinWouldExpire:
		d.Blocked, d.Reason = true, ReasonSpike
	case in.ActiveCountBefore >= establishedFloor && in.URLHashFallbackCount > urlHashAbsLimit:
		d.Blocked, d.Reason = true, ReasonURLHash
	case in.ActiveCountBefore >= establishedFloor && d.URLHashPercentage > urlHashPctLimit:
		d.Blocked, d.Reason = true, ReasonURLHash
	}
	return d
}

// Result is what Phase 2 reports back to the orchestrator.
type Result struct {
	Metrics          database.BreakerMetrics
	ProductsPromoted int
}

// Run executes Phase 2 for one run: measure the delta against the expiry
// window, decide, and promote the seen set when allowed. All queries pin to
// t0, never the current clock.
func Run(ctx context.Context, runID, feedID, sourceID string, expiryHours int, t0 time.Time, urlHashFallbackCount, totalProcessed int) (Result, error) {
	expiryThreshold := t0.Add(-time.Duration(expiryHours) * time.Hour)

	activeBefore, err := database.ActiveCountBefore(ctx, sourceID, expiryThreshold)
	if err != nil {
		return Result{}, fmt.Errorf("breaker active count: %w", err)
	}
	seenSuccess, err := database.SeenSuccessCount(ctx, runID, expiryThreshold)
	if err != nil {
		return Result{}, fmt.Errorf("breaker seen count: %w", err)
	}

	decision := Decide(Inputs{
		ActiveCountBefore:      activeBefore,
		SeenSuccessCount:       seenSuccess,
		URLHashFallbackCount:   urlHashFallbackCount,
		TotalProductsProcessed: totalProcessed,
	})

	res := Result{
		Metrics: database.BreakerMetrics{
			ActiveCountBefore:   activeBefore,
			SeenSuccessCount:    seenSuccess,
			WouldExpireCount:    decision.WouldExpireCount,
			ExpiryBlocked:       decision.Blocked,
			ExpiryBlockedReason: decision.Reason,
		},
	}

	if decision.Blocked {
		log.Warn().
			Str("component", "breaker").
			Str("feed_id", feedID).
			Str("run_id", runID).
			Int("active_count_before", activeBefore).
			Int("would_expire_count", decision.WouldExpireCount).
			Float64("expiry_percentage", decision.ExpiryPercentage).
			Str("reason", decision.Reason).
			Msg("Promotion blocked")
		return res, nil
	}

	promoted, err := database.PromoteSeen(ctx, runID, t0)
	if err != nil {
		return Result{}, fmt.Errorf("promote seen set: %w", err)
	}
	res.ProductsPromoted = int(promoted)

	log.Info().
		Str("component", "breaker").
		Str("feed_id", feedID).
		Str("run_id", runID).
		Int("products_promoted", res.ProductsPromoted).
		Int("would_expire_count", decision.WouldExpireCount).
		Msg("Promotion passed")
	return res, nil
}
