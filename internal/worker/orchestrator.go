package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/calibermatch/feed-service/internal/database"
	"github.com/calibermatch/feed-service/internal/ferrors"
	"github.com/calibermatch/feed-service/internal/notify"
	"github.com/calibermatch/feed-service/internal/secrets"
	"github.com/calibermatch/feed-service/internal/taskqueue"
)

const (
	// Three strikes and the scheduler stops touching the feed.
	autoDisableThreshold = 3

	defaultMaxRowCount = 100000
	defaultCurrency    = "USD"

	settingAllowPlainFTP = "allow_plain_ftp"
)

// Config carries the run-pipeline knobs shared by every feed.
type Config struct {
	ChunkSize       int
	HeartbeatHours  int
	ResolverVersion int
}

// Orchestrator drives the run state machine for one feed.run job: lock, run
// record, fetch, parse, process, promote, finalize.
type Orchestrator struct {
	queue    *taskqueue.TaskQueue
	notifier *notify.Notifier
	cipher   *secrets.Cipher
	cfg      Config
}

func NewOrchestrator(queue *taskqueue.TaskQueue, notifier *notify.Notifier, cipher *secrets.Cipher, cfg Config) *Orchestrator {
	return &Orchestrator{queue: queue, notifier: notifier, cipher: cipher, cfg: cfg}
}

// HandleFeedRun is the single job entrypoint. A nil return completes the
// task; a returned error is classified by the caller into retry or discard.
// Silent skips (lock busy, wrong feed status, already-finalized retry) are
// successful completions.
func (o *Orchestrator) HandleFeedRun(ctx context.Context, taskID string, payload []byte) error {
	var job taskqueue.RunPayload
	if err := json.Unmarshal(payload, &job); err != nil {
		return ferrors.Permanent(ferrors.CodeBadConfig, fmt.Sprintf("malformed job payload: %v", err))
	}
	if job.CorrelationID == "" {
		job.CorrelationID = uuid.NewString()
	}

	logger := log.With().
		Str("component", "orchestrator").
		Str("feed_id", job.FeedID).
		Str("trigger", job.Trigger).
		Str("correlation_id", job.CorrelationID).
		Logger()

	feed, err := database.GetFeed(ctx, job.FeedID)
	if err == database.ErrFeedNotFound {
		return ferrors.Config(ferrors.CodeBadConfig, fmt.Sprintf("feed %s does not exist", job.FeedID))
	}
	if err != nil {
		return ferrors.Classify(err)
	}

	if skip, reason := shouldSkipByStatus(feed.Status, job.Trigger); skip {
		logger.Info().Str("feed_status", feed.Status).Str("reason", reason).Msg("Skipping job")
		return nil
	}

	// Retry path: the job already owns a run. A terminal run means a previous
	// attempt finished the work after the queue timed the job out.
	var priorRun *database.FeedRun
	if job.RunID != "" {
		priorRun, err = database.GetRun(ctx, job.RunID)
		if err == database.ErrRunNotFound {
			return ferrors.Permanent(ferrors.CodeDatabaseError, fmt.Sprintf("run %s vanished", job.RunID))
		}
		if err != nil {
			return ferrors.Classify(err)
		}
		if priorRun.Status != database.RunStatusRunning {
			logger.Info().Str("run_id", job.RunID).Str("run_status", priorRun.Status).Msg("Retry for finalized run, skipping")
			return nil
		}
	}

	lock, acquired, err := database.TryAcquireFeedLock(ctx, feed.FeedLockID)
	if err != nil {
		return ferrors.Classify(err)
	}
	if !acquired {
		if job.RunID == "" && (job.Trigger == database.TriggerManual || job.Trigger == database.TriggerManualPending) {
			if err := database.SetManualRunPending(ctx, feed.ID, true); err != nil {
				return ferrors.Classify(err)
			}
			logger.Info().Msg("Lock busy, manual run parked as pending")
			return nil
		}
		logger.Info().Msg("Lock busy, skipping")
		return nil
	}
	defer o.releaseAndFollowUp(ctx, feed.ID, job.CorrelationID, lock)

	var runID string
	var t0 time.Time
	if priorRun != nil {
		runID, t0 = priorRun.ID, priorRun.StartedAt
	} else {
		// Critical section: between lock acquisition and persisting the run id
		// into the job payload, CreateRun is the only throwable I/O.
		t0 = time.Now().UTC()
		runID, err = database.CreateRun(ctx, feed.ID, feed.SourceID, job.Trigger, job.CorrelationID, t0)
		if err != nil {
			return ferrors.Classify(err)
		}
		job.RunID = runID
		job.FeedLockID = strconv.FormatInt(feed.FeedLockID, 10)
		if err := o.queue.UpdatePayload(ctx, taskID, job); err != nil {
			fe := ferrors.Classify(err)
			o.finalizeFailure(ctx, feed, runID, t0, database.RunMetrics{}, database.BreakerMetrics{}, job.CorrelationID, fe)
			return fe
		}
	}

	logger = logger.With().Str("run_id", runID).Logger()
	logger.Info().Time("t0", t0).Msg("Run started")

	if err := o.executeRun(ctx, feed, runID, t0, job.CorrelationID, logger); err != nil {
		return err
	}
	return nil
}

func shouldSkipByStatus(status, trigger string) (bool, string) {
	switch status {
	case database.FeedStatusDraft:
		return true, "feed is draft"
	case database.FeedStatusDisabled, database.FeedStatusPaused:
		if trigger != database.TriggerManual && trigger != database.TriggerAdminTest {
			return true, "feed is not enabled"
		}
	}
	return false, ""
}

// releaseAndFollowUp reads manualRunPending while the lock is still held,
// releases, and only then enqueues the follow-up. The pending flag is cleared
// after the enqueue so a crash in between re-triggers on the next run.
func (o *Orchestrator) releaseAndFollowUp(ctx context.Context, feedID, correlationID string, lock *database.FeedLock) {
	pending, status, err := database.GetManualRunPending(ctx, feedID)
	lock.Release(ctx)
	if err != nil {
		log.Warn().Str("feed_id", feedID).Err(err).Msg("Reading manual-run flag failed")
		return
	}
	if !pending || status != database.FeedStatusEnabled {
		return
	}

	_, scheduled, err := o.queue.ScheduleFeedRun(ctx, taskqueue.RunPayload{
		FeedID:        feedID,
		Trigger:       database.TriggerManualPending,
		CorrelationID: correlationID,
	}, 0, nil)
	if err != nil {
		log.Warn().Str("feed_id", feedID).Err(err).Msg("Follow-up enqueue failed, flag left set")
		return
	}
	if err := database.SetManualRunPending(ctx, feedID, false); err != nil {
		log.Warn().Str("feed_id", feedID).Err(err).Msg("Clearing manual-run flag failed")
	}
	if scheduled {
		log.Info().Str("feed_id", feedID).Msg("Pending manual run enqueued")
	}
}
