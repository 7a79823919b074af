package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus counters scraped via /metrics. Labels stay low-cardinality:
// status, skip reason and breaker reason are small fixed sets.
var (
	RunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "feedsvc",
		Name:      "runs_total",
		Help:      "Feed runs by terminal status.",
	}, []string{"status"})

	RunsSkippedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "feedsvc",
		Name:      "runs_skipped_total",
		Help:      "Runs that completed without processing, by skip reason.",
	}, []string{"reason"})

	RunDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "feedsvc",
		Name:      "run_duration_seconds",
		Help:      "End-to-end feed run duration.",
		Buckets:   prometheus.ExponentialBuckets(0.5, 2, 12),
	})

	PricesWrittenTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "feedsvc",
		Name:      "prices_written_total",
		Help:      "Price rows actually inserted (post-dedup).",
	})

	ProductsPromotedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "feedsvc",
		Name:      "products_promoted_total",
		Help:      "Products whose lastSeenSuccessAt advanced in Phase 2.",
	})

	BreakerBlocksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "feedsvc",
		Name:      "breaker_blocks_total",
		Help:      "Phase 2 promotions refused, by reason.",
	}, []string{"reason"})

	FeedsAutoDisabledTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "feedsvc",
		Name:      "feeds_auto_disabled_total",
		Help:      "Feeds disabled after consecutive failures.",
	})

	QuarantinedRowsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "feedsvc",
		Name:      "quarantined_rows_total",
		Help:      "Feed rows parked in quarantine instead of upserted.",
	})
)
