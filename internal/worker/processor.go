package worker

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"adaccount-provisioner/internal/config"
	"adaccount-provisioner/internal/logger"
	"adaccount-provisioner/internal/runner"
	"adaccount-provisioner/internal/telemetry"
)

// Queue is the leased run queue. *queue.RedisQueue satisfies it.
type Queue interface {
	DequeueWithLease(ctx context.Context) (string, error)
	ExtendLease(ctx context.Context, jobID string, extension time.Duration) error
	Ack(ctx context.Context, jobID string) error
	RequeueExpired(ctx context.Context, now time.Time, limit int64) ([]string, error)
	ReadyDepth(ctx context.Context) (int64, error)
}

// JobRunner executes one job run. *runner.Runner satisfies it.
type JobRunner interface {
	Run(ctx context.Context, jobID string) error
}

// Processor drives the worker loop: lease a job id, run it, ack it.
type Processor struct {
	cfg      config.Config
	queue    Queue
	runner   JobRunner
	log      *logger.Logger
	workerID string
}

func NewProcessor(cfg config.Config, q Queue, r JobRunner, log *logger.Logger) *Processor {
	return NewProcessorWithID(cfg, q, r, log, "")
}

// NewProcessorWithID creates a processor with a specific worker ID for tracking.
func NewProcessorWithID(cfg config.Config, q Queue, r JobRunner, log *logger.Logger, workerID string) *Processor {
	if cfg.WorkerConcurrency <= 0 {
		cfg.WorkerConcurrency = 1
	}
	if cfg.WorkerPollInterval <= 0 {
		cfg.WorkerPollInterval = time.Second
	}
	if cfg.BackoffInitial <= 0 {
		cfg.BackoffInitial = 500 * time.Millisecond
	}
	if cfg.BackoffMax < cfg.BackoffInitial {
		cfg.BackoffMax = cfg.BackoffInitial
	}
	if log == nil {
		log = logger.Discard()
	}
	if workerID != "" {
		log = log.WithField(logger.FieldWorker, workerID)
	}
	return &Processor{cfg: cfg, queue: q, runner: r, log: log, workerID: workerID}
}

// Run starts the main worker loop until context cancellation. In-flight runs are
// waited for before it returns.
func (p *Processor) Run(ctx context.Context) error {
	slots := semaphore.NewWeighted(int64(p.cfg.WorkerConcurrency))
	var g errgroup.Group
	failures := 0

	for {
		if err := slots.Acquire(ctx, 1); err != nil {
			break
		}
		p.maintain(ctx)

		jobID, err := p.queue.DequeueWithLease(ctx)
		if err != nil || jobID == "" {
			slots.Release(1)
			wait := p.cfg.WorkerPollInterval
			if err != nil && ctx.Err() == nil {
				failures++
				wait = backoffWithJitter(p.cfg.BackoffInitial, p.cfg.BackoffMax, failures)
				p.log.WithError(err).WithField("retry_in", wait.String()).Warn("dequeue failed")
			}
			if !sleepCtx(ctx, wait) {
				break
			}
			continue
		}
		failures = 0

		g.Go(func() error {
			defer slots.Release(1)
			p.process(ctx, jobID)
			return nil
		})
	}

	_ = g.Wait()
	return ctx.Err()
}

// maintain re-queues jobs whose lease ran out and refreshes the queue gauges.
func (p *Processor) maintain(ctx context.Context) {
	reclaimed, err := p.queue.RequeueExpired(ctx, time.Now(), 100)
	if err != nil {
		if ctx.Err() == nil {
			p.log.WithError(err).Warn("requeue expired leases failed")
		}
	} else if len(reclaimed) > 0 {
		telemetry.InFlightGauge.Sub(float64(len(reclaimed)))
		p.log.WithField("jobs", reclaimed).Info("re-queued expired leases")
	}
	if depth, err := p.queue.ReadyDepth(ctx); err == nil {
		telemetry.QueueDepthGauge.Set(float64(depth))
	}
}

func (p *Processor) process(ctx context.Context, jobID string) {
	log := p.log.WithField(logger.FieldJobID, jobID)
	telemetry.InFlightGauge.Inc()
	defer telemetry.InFlightGauge.Dec()

	leaseCtx, stopLease := context.WithCancel(ctx)
	defer stopLease()
	go p.keepLease(leaseCtx, jobID, log)

	err := p.runner.Run(logger.WithContext(ctx, log), jobID)
	switch {
	case errors.Is(err, runner.ErrInterrupted):
		// No ack: the lease expires and another worker resumes the job.
		log.Info("run interrupted, leaving lease to expire")
		return
	case err != nil:
		log.WithError(err).Error("run failed before starting, leaving lease to expire")
		return
	}
	if err := p.queue.Ack(context.WithoutCancel(ctx), jobID); err != nil {
		log.WithError(err).Error("ack failed")
	}
}

// keepLease extends the visibility lease while the run is alive.
func (p *Processor) keepLease(ctx context.Context, jobID string, log *logger.Logger) {
	if p.cfg.VisibilityTimeout <= 0 {
		return
	}
	ticker := time.NewTicker(p.cfg.VisibilityTimeout / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.queue.ExtendLease(ctx, jobID, p.cfg.VisibilityTimeout); err != nil && ctx.Err() == nil {
				log.WithError(err).Warn("extend lease failed")
			}
		}
	}
}

func backoffWithJitter(base, max time.Duration, attempt int) time.Duration {
	if attempt <= 0 {
		return base
	}
	exp := float64(base) * math.Pow(2, float64(attempt-1))
	wait := time.Duration(exp)
	if wait > max || wait <= 0 {
		wait = max
	}
	jitter := time.Duration(rand.Int63n(int64(wait/2) + 1))
	return wait/2 + jitter
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
