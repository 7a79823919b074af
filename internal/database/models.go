package database

import (
	"time"
)

// Feed status lifecycle: DRAFT -> ENABLED -> (PAUSED | DISABLED).
const (
	FeedStatusDraft    = "DRAFT"
	FeedStatusEnabled  = "ENABLED"
	FeedStatusDisabled = "DISABLED"
	FeedStatusPaused   = "PAUSED"
)

// Run triggers.
const (
	TriggerScheduled     = "SCHEDULED"
	TriggerManual        = "MANUAL"
	TriggerManualPending = "MANUAL_PENDING"
	TriggerAdminTest     = "ADMIN_TEST"
	TriggerRetry         = "RETRY"
)

// Run statuses. Terminal runs are immutable.
const (
	RunStatusRunning   = "RUNNING"
	RunStatusSucceeded = "SUCCEEDED"
	RunStatusFailed    = "FAILED"
)

// ProductLink statuses.
const (
	LinkStatusUnmatched   = "UNMATCHED"
	LinkStatusCreated     = "CREATED"
	LinkStatusMatched     = "MATCHED"
	LinkStatusNeedsReview = "NEEDS_REVIEW"
	LinkStatusError       = "ERROR"
)

// IngestionRunTypeAffiliateFeed partitions the price dedup index.
const IngestionRunTypeAffiliateFeed = "AFFILIATE_FEED"

// Feed is one retailer catalog source.
type Feed struct {
	ID         string `json:"id"` // feed_ cuid2
	SourceID   string `json:"source_id"`
	RetailerID string `json:"retailer_id"`
	Status     string `json:"status"`

	Transport             string `json:"transport"` // SFTP | FTP
	Host                  string `json:"host"`
	Port                  int    `json:"port"`
	Path                  string `json:"path"`
	Username              string `json:"username"`
	CredentialsCiphertext []byte `json:"-"`

	Compression            string `json:"compression"` // NONE | GZIP
	Format                 string `json:"format"`      // fixed: CSV
	Currency               string `json:"currency"`
	ExpiryHours            int    `json:"expiry_hours"`
	ScheduleFrequencyHours int    `json:"schedule_frequency_hours"`
	MaxRowCount            int    `json:"max_row_count"`
	MaxFileSizeBytes       int64  `json:"max_file_size_bytes"`

	// FeedLockID keys the advisory lock; unique and stable for the feed's
	// lifetime.
	FeedLockID int64 `json:"feed_lock_id"`

	LastRemoteMtime *time.Time `json:"last_remote_mtime"`
	LastRemoteSize  *int64     `json:"last_remote_size"`
	LastContentHash string     `json:"last_content_hash"`

	ConsecutiveFailures int        `json:"consecutive_failures"`
	ManualRunPending    bool       `json:"manual_run_pending"`
	LastRunAt           *time.Time `json:"last_run_at"`
	NextRunAt           *time.Time `json:"next_run_at"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// RunMetrics are the telemetry counters accumulated during Phase 1/2.
type RunMetrics struct {
	RowsRead             int `json:"rows_read"`
	RowsParsed           int `json:"rows_parsed"`
	ProductsUpserted     int `json:"products_upserted"`
	PricesWritten        int `json:"prices_written"`
	ProductsPromoted     int `json:"products_promoted"`
	ProductsRejected     int `json:"products_rejected"`
	DuplicateKeyCount    int `json:"duplicate_key_count"`
	URLHashFallbackCount int `json:"url_hash_fallback_count"`
	ErrorCount           int `json:"error_count"`
}

// BreakerMetrics are the circuit-breaker observations for one run.
type BreakerMetrics struct {
	ActiveCountBefore   int    `json:"active_count_before"`
	SeenSuccessCount    int    `json:"seen_success_count"`
	WouldExpireCount    int    `json:"would_expire_count"`
	ExpiryBlocked       bool   `json:"expiry_blocked"`
	ExpiryBlockedReason string `json:"expiry_blocked_reason,omitempty"`
}

// FeedRun is one pipeline invocation for a feed.
type FeedRun struct {
	ID       string `json:"id"` // run_ cuid2
	FeedID   string `json:"feed_id"`
	SourceID string `json:"source_id"`
	Trigger  string `json:"trigger"`
	Status   string `json:"status"`

	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at"`
	DurationMs *int64     `json:"duration_ms"`

	Metrics RunMetrics     `json:"metrics"`
	Breaker BreakerMetrics `json:"breaker"`

	SkippedReason  *string `json:"skipped_reason"`
	FailureKind    *string `json:"failure_kind"`
	FailureCode    *string `json:"failure_code"`
	FailureMessage *string `json:"failure_message"`
	CorrelationID  string  `json:"correlation_id"`
}

// RunError is one per-row diagnostic. Capped per run.
type RunError struct {
	RunID     string  `json:"run_id"`
	Code      string  `json:"code"`
	Message   string  `json:"message"`
	RowNumber *int    `json:"row_number,omitempty"`
	Sample    *string `json:"sample,omitempty"`
}

// SourceProduct is a product as seen in one source. (source_id, identity_key)
// is unique.
type SourceProduct struct {
	ID          string `json:"id"` // sp_ cuid2
	SourceID    string `json:"source_id"`
	IdentityKey string `json:"identity_key"` // canonical "type:value"

	Title         string `json:"title"`
	URL           string `json:"url"`
	NormalizedURL string `json:"normalized_url"`
	ImageURL      string `json:"image_url"`
	Brand         string `json:"brand"`
	Category      string `json:"category"`
	Caliber       string `json:"caliber"`
	GrainWeight   string `json:"grain_weight"`
	RoundCount    string `json:"round_count"`
	Description   string `json:"description"`

	CreatedByRunID     string `json:"created_by_run_id"`
	LastUpdatedByRunID string `json:"last_updated_by_run_id"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// SourceProductIdentifier is one (type, value, namespace) ever mapped to a
// source product.
type SourceProductIdentifier struct {
	SourceProductID string `json:"source_product_id"`
	IDType          string `json:"id_type"`
	IDValue         string `json:"id_value"`
	Namespace       string `json:"namespace"` // empty for "none"
	IsCanonical     bool   `json:"is_canonical"`
	NormalizedValue string `json:"normalized_value"`
}

// Price is one append-only price/stock observation.
type Price struct {
	ID              string  `json:"id"` // price_ cuid2
	SourceProductID string  `json:"source_product_id"`
	ProductID       *string `json:"product_id"`
	RetailerID      string  `json:"retailer_id"`

	Price         float64  `json:"price"`
	Currency      string   `json:"currency"`
	URL           string   `json:"url"`
	InStock       bool     `json:"in_stock"`
	OriginalPrice *float64 `json:"original_price"`
	PriceType     string   `json:"price_type"` // REGULAR | SALE

	PriceSignatureHash string    `json:"price_signature_hash"`
	AffiliateFeedRunID string    `json:"affiliate_feed_run_id"`
	CreatedAt          time.Time `json:"created_at"`
	ObservedAt         time.Time `json:"observed_at"`
}

// LastPrice is the cache entry the processor keeps per source product.
type LastPrice struct {
	SourceProductID    string    `json:"source_product_id"`
	PriceSignatureHash string    `json:"price_signature_hash"`
	CreatedAt          time.Time `json:"created_at"`
	Price              float64   `json:"price"`
	InStock            *bool     `json:"in_stock"`
	Currency           string    `json:"currency"`
}

// ProductLink maps a source product to a canonical product.
type ProductLink struct {
	SourceProductID string   `json:"source_product_id"`
	ProductID       string   `json:"product_id"`
	Status          string   `json:"status"`
	MatchType       string   `json:"match_type"`
	Confidence      float64  `json:"confidence"`
	ResolverVersion int      `json:"resolver_version"`
	Evidence        []byte   `json:"evidence"` // structured JSON
}

// QuarantinedRecord holds a row rejected for missing trust-critical fields.
type QuarantinedRecord struct {
	FeedID     string   `json:"feed_id"`
	MatchKey   string   `json:"match_key"`
	RawPayload []byte   `json:"raw_payload"`
	ErrorCodes []string `json:"error_codes"`
}
