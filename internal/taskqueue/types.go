package taskqueue

import (
	"encoding/json"
	"time"
)

type TaskStatus string

const (
	StatusPending    TaskStatus = "pending"
	StatusProcessing TaskStatus = "processing"
	StatusCompleted  TaskStatus = "completed"
	StatusFailed     TaskStatus = "failed"
	StatusCancelled  TaskStatus = "cancelled"
)

type TaskType string

const (
	// TaskTypeFeedRun executes one ingestion run for a feed.
	TaskTypeFeedRun TaskType = "feed.run"
	// TaskTypeCleanup prunes old terminal tasks.
	TaskTypeCleanup TaskType = "feed.cleanup"
	// TaskTypePriceDrop and TaskTypeBackInStock fan out to the alerter, which
	// owns dedup and cooldown.
	TaskTypePriceDrop   TaskType = "alert.price_drop"
	TaskTypeBackInStock TaskType = "alert.back_in_stock"
	// TaskTypeResolve asks the resolver worker to canonicalize an unmatched
	// source product.
	TaskTypeResolve TaskType = "product.resolve"
)

// AlertPayload is published on the price-drop and back-in-stock topics.
type AlertPayload struct {
	ExecutionID string   `json:"executionId"`
	ProductID   string   `json:"productId"`
	OldPrice    *float64 `json:"oldPrice,omitempty"`
	NewPrice    *float64 `json:"newPrice,omitempty"`
	InStock     *bool    `json:"inStock,omitempty"`
}

// ResolvePayload asks the resolver to canonicalize one source product.
type ResolvePayload struct {
	SourceProductID    string `json:"sourceProductId"`
	Reason             string `json:"reason"`
	ResolverVersion    int    `json:"resolverVersion"`
	SourceID           string `json:"sourceId"`
	IdentityKey        string `json:"identityKey"`
	AffiliateFeedRunID string `json:"affiliateFeedRunId"`
}

// RunPayload is the feed.run job body. RunID and FeedLockID start empty and
// are persisted by the orchestrator right after the run record is created, so
// a retry of the same job reuses the same run instead of minting a second one.
// FeedLockID travels as a decimal string because 64-bit integers are not safe
// in JSON.
type RunPayload struct {
	FeedID        string `json:"feedId"`
	Trigger       string `json:"trigger"`
	CorrelationID string `json:"correlationId"`
	RunID         string `json:"runId,omitempty"`
	FeedLockID    string `json:"feedLockId,omitempty"`
}

type Task struct {
	ID           string          `db:"id"`
	TaskType     string          `db:"task_type"`
	Payload      json.RawMessage `db:"payload"`
	Priority     int             `db:"priority"`
	Status       TaskStatus      `db:"status"`
	ScheduledFor *time.Time      `db:"scheduled_for"`
	StartedAt    *time.Time      `db:"started_at"`
	CompletedAt  *time.Time      `db:"completed_at"`
	FailedAt     *time.Time      `db:"failed_at"`
	WorkerID     *string         `db:"worker_id"`
	RetryCount   int             `db:"retry_count"`
	MaxRetries   int             `db:"max_retries"`
	ErrorMessage *string         `db:"error_message"`
	CreatedAt    time.Time       `db:"created_at"`
	UpdatedAt    time.Time       `db:"updated_at"`
}

// ClaimedTask is what a worker receives: enough to run and report back.
type ClaimedTask struct {
	ID       string          `db:"id"`
	TaskType string          `db:"task_type"`
	Payload  json.RawMessage `db:"payload"`
	Attempt  int             `db:"retry_count"`
}
