package sweeper

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/calibermatch/feed-service/internal/database"
	"github.com/calibermatch/feed-service/internal/taskqueue"
)

// Sweeper is the scheduler side of the pipeline: it periodically enqueues
// runs for due feeds, requeues jobs orphaned by dead workers and prunes old
// terminal tasks.
type Sweeper struct {
	queue    *taskqueue.TaskQueue
	logger   *zerolog.Logger
	cfg      Config
	stopChan chan struct{}
}

type Config struct {
	Interval        time.Duration
	DueFeedsLimit   int
	StuckAfter      time.Duration
	RetentionDays   int
	CleanupInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = time.Minute
	}
	if c.DueFeedsLimit <= 0 {
		c.DueFeedsLimit = 100
	}
	if c.StuckAfter <= 0 {
		c.StuckAfter = 30 * time.Minute
	}
	if c.RetentionDays <= 0 {
		c.RetentionDays = 7
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = time.Hour
	}
	return c
}

func New(queue *taskqueue.TaskQueue, logger *zerolog.Logger, cfg Config) *Sweeper {
	return &Sweeper{
		queue:    queue,
		logger:   logger,
		cfg:      cfg.withDefaults(),
		stopChan: make(chan struct{}),
	}
}

// Start runs the sweep loop until the context ends or Stop is called.
func (s *Sweeper) Start(ctx context.Context) {
	s.logger.Info().
		Dur("interval", s.cfg.Interval).
		Msg("Starting feed sweeper")

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	cleanupTicker := time.NewTicker(s.cfg.CleanupInterval)
	defer cleanupTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info().Msg("Feed sweeper stopping (context cancelled)")
			return
		case <-s.stopChan:
			s.logger.Info().Msg("Feed sweeper stopping (stop signal)")
			return
		case <-ticker.C:
			if err := s.EnqueueDueFeeds(ctx); err != nil {
				s.logger.Error().Err(err).Msg("Enqueueing due feeds failed")
			}
			if err := s.EnqueueParkedManualRuns(ctx); err != nil {
				s.logger.Error().Err(err).Msg("Enqueueing parked manual runs failed")
			}
			if err := s.RecoverOrphanedTasks(ctx); err != nil {
				s.logger.Error().Err(err).Msg("Recovering orphaned tasks failed")
			}
		case <-cleanupTicker.C:
			if err := s.CleanupOldTasks(ctx); err != nil {
				s.logger.Error().Err(err).Msg("Cleaning up old tasks failed")
			}
		}
	}
}

func (s *Sweeper) Stop() {
	close(s.stopChan)
}

// EnqueueDueFeeds schedules a run for every ENABLED feed whose nextRunAt has
// passed. The queue-level dedup plus the advisory lock make a double enqueue
// harmless.
func (s *Sweeper) EnqueueDueFeeds(ctx context.Context) error {
	feeds, err := database.ListDueFeeds(ctx, time.Now().UTC(), s.cfg.DueFeedsLimit)
	if err != nil {
		return err
	}

	enqueued := 0
	for _, feed := range feeds {
		_, scheduled, err := s.queue.ScheduleFeedRun(ctx, taskqueue.RunPayload{
			FeedID:        feed.ID,
			Trigger:       database.TriggerScheduled,
			CorrelationID: uuid.NewString(),
		}, 0, nil)
		if err != nil {
			s.logger.Warn().Str("feed_id", feed.ID).Err(err).Msg("Enqueue failed")
			continue
		}
		if scheduled {
			enqueued++
		}
	}

	if enqueued > 0 {
		s.logger.Info().
			Int("due_feeds", len(feeds)).
			Int("enqueued", enqueued).
			Msg("Due feeds enqueued")
	}
	return nil
}

// EnqueueParkedManualRuns picks up manual-run requests whose normal follow-up
// was lost, usually to a worker crash between lock release and enqueue. The
// flag is cleared only after the enqueue, same ordering as the orchestrator.
func (s *Sweeper) EnqueueParkedManualRuns(ctx context.Context) error {
	feeds, err := database.ListManualPendingFeeds(ctx, s.cfg.DueFeedsLimit)
	if err != nil {
		return err
	}

	for _, feed := range feeds {
		held, err := database.IsFeedLockHeld(ctx, feed.FeedLockID)
		if err != nil || held {
			continue
		}
		_, scheduled, err := s.queue.ScheduleFeedRun(ctx, taskqueue.RunPayload{
			FeedID:        feed.ID,
			Trigger:       database.TriggerManualPending,
			CorrelationID: uuid.NewString(),
		}, 0, nil)
		if err != nil {
			s.logger.Warn().Str("feed_id", feed.ID).Err(err).Msg("Parked manual enqueue failed")
			continue
		}
		if err := database.SetManualRunPending(ctx, feed.ID, false); err != nil {
			s.logger.Warn().Str("feed_id", feed.ID).Err(err).Msg("Clearing manual-run flag failed")
			continue
		}
		if scheduled {
			s.logger.Info().Str("feed_id", feed.ID).Msg("Parked manual run enqueued")
		}
	}
	return nil
}

// RecoverOrphanedTasks requeues processing jobs whose worker died mid-run.
func (s *Sweeper) RecoverOrphanedTasks(ctx context.Context) error {
	recovered, err := s.queue.RecoverStuck(ctx, s.cfg.StuckAfter)
	if err != nil {
		return err
	}
	if recovered > 0 {
		s.logger.Warn().
			Int64("recovered", recovered).
			Msg("Recovered orphaned tasks")
	}
	return nil
}

// CleanupOldTasks prunes terminal tasks past the retention window.
func (s *Sweeper) CleanupOldTasks(ctx context.Context) error {
	deleted, err := s.queue.CleanupOld(ctx, s.cfg.RetentionDays)
	if err != nil {
		return err
	}
	if deleted > 0 {
		s.logger.Info().
			Int64("deleted", deleted).
			Msg("Old tasks cleaned up")
	}
	return nil
}
