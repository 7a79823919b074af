package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/calibermatch/feed-service/internal/ferrors"
	"github.com/calibermatch/feed-service/internal/taskqueue"
)

// PoolConfig tunes the polling worker pool.
type PoolConfig struct {
	WorkerID        string
	Concurrency     int
	MaxTasksPerPoll int
	PollInterval    time.Duration
	JobsPerMinute   int
	RetryBackoff    time.Duration
}

func (c PoolConfig) withDefaults() PoolConfig {
	if c.Concurrency <= 0 {
		c.Concurrency = 2
	}
	if c.MaxTasksPerPoll <= 0 {
		c.MaxTasksPerPoll = 1
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 5 * time.Second
	}
	if c.JobsPerMinute <= 0 {
		c.JobsPerMinute = 10
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = 5 * time.Minute
	}
	return c
}

// Pool consumes feed.run jobs with bounded concurrency. Cross-feed
// parallelism is capped by Concurrency; per-feed serialization is the
// advisory lock's job, not the pool's. A global limiter bounds upstream
// pressure on the feed servers.
type Pool struct {
	queue   *taskqueue.TaskQueue
	orch    *Orchestrator
	cfg     PoolConfig
	limiter *rate.Limiter

	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func NewPool(queue *taskqueue.TaskQueue, orch *Orchestrator, cfg PoolConfig) *Pool {
	cfg = cfg.withDefaults()
	return &Pool{
		queue:    queue,
		orch:     orch,
		cfg:      cfg,
		limiter:  rate.NewLimiter(rate.Every(time.Minute/time.Duration(cfg.JobsPerMinute)), 1),
		stopChan: make(chan struct{}),
	}
}

func (p *Pool) Start(ctx context.Context) {
	log.Info().
		Str("component", "worker").
		Str("worker_id", p.cfg.WorkerID).
		Int("concurrency", p.cfg.Concurrency).
		Int("jobs_per_minute", p.cfg.JobsPerMinute).
		Msg("Starting worker pool")

	for i := 0; i < p.cfg.Concurrency; i++ {
		p.wg.Add(1)
		go p.loop(ctx, fmt.Sprintf("%s-%d", p.cfg.WorkerID, i))
	}
}

// Stop signals all loops and waits for in-flight jobs.
func (p *Pool) Stop() {
	p.stopOnce.Do(func() { close(p.stopChan) })
	log.Info().
		Str("component", "worker").
		Str("worker_id", p.cfg.WorkerID).
		Msg("Worker pool stopping, waiting for in-flight jobs")
	p.wg.Wait()
	log.Info().
		Str("component", "worker").
		Str("worker_id", p.cfg.WorkerID).
		Msg("Worker pool stopped")
}

func (p *Pool) loop(ctx context.Context, workerID string) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopChan:
			return
		case <-ticker.C:
			p.poll(ctx, workerID)
		}
	}
}

func (p *Pool) poll(ctx context.Context, workerID string) {
	tasks, err := p.queue.Claim(ctx, workerID, []taskqueue.TaskType{taskqueue.TaskTypeFeedRun}, p.cfg.MaxTasksPerPoll)
	if err != nil {
		log.Error().Str("worker_id", workerID).Err(err).Msg("Claiming tasks failed")
		return
	}

	for _, task := range tasks {
		if err := p.limiter.Wait(ctx); err != nil {
			// Shutdown while throttled: release the claim for another worker.
			if ferr := p.queue.Fail(ctx, task.ID, "worker shutdown before start", time.Second); ferr != nil {
				log.Warn().Str("task_id", task.ID).Err(ferr).Msg("Releasing task failed")
			}
			return
		}
		p.runTask(ctx, workerID, task)
	}
}

func (p *Pool) runTask(ctx context.Context, workerID string, task taskqueue.ClaimedTask) {
	log.Info().
		Str("component", "worker").
		Str("worker_id", workerID).
		Str("task_id", task.ID).
		Int("attempt", task.Attempt).
		Msg("Processing job")

	err := p.orch.HandleFeedRun(ctx, task.ID, task.Payload)
	if err == nil {
		if cerr := p.queue.Complete(ctx, task.ID, nil); cerr != nil {
			log.Error().Str("task_id", task.ID).Err(cerr).Msg("Completing task failed")
		}
		return
	}

	fe := ferrors.Classify(err)
	if fe.Retryable() {
		if ferr := p.queue.Fail(ctx, task.ID, fe.Error(), p.cfg.RetryBackoff); ferr != nil {
			log.Error().Str("task_id", task.ID).Err(ferr).Msg("Failing task failed")
		}
		log.Warn().
			Str("worker_id", workerID).
			Str("task_id", task.ID).
			Str("failure_kind", string(fe.Kind)).
			Err(err).
			Msg("Job failed, scheduled for retry")
		return
	}

	if derr := p.queue.Discard(ctx, task.ID, fe.Error()); derr != nil {
		log.Error().Str("task_id", task.ID).Err(derr).Msg("Discarding task failed")
	}
	log.Warn().
		Str("worker_id", workerID).
		Str("task_id", task.ID).
		Str("failure_kind", string(fe.Kind)).
		Err(err).
		Msg("Job discarded, not retryable")
}
