// Package dispatch advances lanes: it claims the next job for an account and
// hands it to the run queue. The claim itself is atomic in the store.
package dispatch

import (
	"context"
	"errors"
	"fmt"

	"adaccount-provisioner/internal/jobstate"
	"adaccount-provisioner/internal/logger"
	"adaccount-provisioner/internal/models"
	"adaccount-provisioner/internal/notify"
	"adaccount-provisioner/internal/store"
	"adaccount-provisioner/internal/telemetry"
)

// Store is the slice of persistence the dispatcher needs.
type Store interface {
	HasProcessing(ctx context.Context, accountID string) (bool, error)
	ClaimJob(ctx context.Context, id string) (models.Job, jobstate.Effects, error)
	ClaimNextPending(ctx context.Context, accountID string) (models.Job, jobstate.Effects, bool, error)
	TransitionJob(ctx context.Context, id, to, msg string) (models.Job, jobstate.Effects, error)
}

// Queue receives claimed job ids. *queue.RedisQueue satisfies it.
type Queue interface {
	Enqueue(ctx context.Context, jobID string) (bool, error)
	Cancel(ctx context.Context, jobID string) error
}

// maxDispatchAttempts bounds how many Pending jobs DispatchNext fails through
// when the queue keeps rejecting them.
const maxDispatchAttempts = 3

type Dispatcher struct {
	store    Store
	queue    Queue
	notifier notify.Notifier
	log      *logger.Logger
}

func New(st Store, q Queue, n notify.Notifier, log *logger.Logger) *Dispatcher {
	if n == nil {
		n = notify.Noop{}
	}
	if log == nil {
		log = logger.Discard()
	}
	return &Dispatcher{store: st, queue: q, notifier: n, log: log}
}

// HasActive reports whether lane has a Processing job.
func (d *Dispatcher) HasActive(ctx context.Context, lane string) (bool, error) {
	return d.store.HasProcessing(ctx, lane)
}

// DispatchNext claims and enqueues the oldest Pending job of lane. It returns false
// when the lane is busy or has nothing pending. A job that fails to enqueue is
// failed and the next Pending job is tried, up to maxDispatchAttempts; the last
// enqueue error is returned when none could be queued.
func (d *Dispatcher) DispatchNext(ctx context.Context, lane string) (models.Job, bool, error) {
	var lastErr error
	for attempt := 0; attempt < maxDispatchAttempts; attempt++ {
		job, eff, ok, err := d.store.ClaimNextPending(ctx, lane)
		if err != nil {
			if errors.Is(err, store.ErrLaneBusy) {
				return models.Job{}, false, lastErr
			}
			return models.Job{}, false, fmt.Errorf("claim next pending: %w", err)
		}
		if !ok {
			return models.Job{}, false, lastErr
		}
		d.claimed(job, eff)
		if err := d.enqueue(ctx, job); err != nil {
			lastErr = err
			continue
		}
		return job, true, nil
	}
	return models.Job{}, false, lastErr
}

// DispatchIfFree claims job (Pending or Paused) and enqueues it when its lane is
// free. A busy lane yields false and changes nothing.
func (d *Dispatcher) DispatchIfFree(ctx context.Context, jobID string) (models.Job, bool, error) {
	job, ok, err := d.Claim(ctx, jobID)
	if err != nil || !ok {
		return models.Job{}, false, err
	}
	if err := d.enqueue(ctx, job); err != nil {
		return models.Job{}, false, err
	}
	return job, true, nil
}

// Claim moves job to Processing without enqueueing it. Used when the caller is
// about to run the job itself.
func (d *Dispatcher) Claim(ctx context.Context, jobID string) (models.Job, bool, error) {
	job, eff, err := d.store.ClaimJob(ctx, jobID)
	if err != nil {
		if errors.Is(err, store.ErrLaneBusy) {
			return models.Job{}, false, nil
		}
		return models.Job{}, false, fmt.Errorf("claim job: %w", err)
	}
	d.claimed(job, eff)
	return job, true, nil
}

func (d *Dispatcher) claimed(job models.Job, eff jobstate.Effects) {
	telemetry.JobsDispatched.Inc()
	d.log.WithFields(logger.Fields{
		logger.FieldJobID:     job.ID,
		logger.FieldAccountID: job.AccountID,
		logger.FieldEvent:     eff.Event,
	}).Info("job claimed")
	if eff.Event != "" {
		d.notifier.Notify(job.Owner, eff.Event, job)
	}
}

// enqueue hands a claimed job to workers. A job that cannot be queued would hold
// its lane forever, so it is failed instead.
func (d *Dispatcher) enqueue(ctx context.Context, job models.Job) error {
	added, qerr := d.queue.Enqueue(ctx, job.ID)
	if qerr == nil {
		if !added {
			d.log.WithField(logger.FieldJobID, job.ID).Info("job already queued or leased, redelivered after the lease")
		}
		return nil
	}
	log := d.log.WithError(qerr).WithField(logger.FieldJobID, job.ID)
	log.Error("enqueue failed, failing job")

	failed, eff, err := d.store.TransitionJob(context.WithoutCancel(ctx), job.ID, models.StatusFailed, "Failed to queue job: "+qerr.Error())
	if err != nil {
		log.WithError(err).Error("could not fail unqueued job")
		return fmt.Errorf("enqueue job %s: %w", job.ID, qerr)
	}
	d.notifier.Notify(failed.Owner, eff.Event, failed)
	d.notifier.Notify(failed.Owner, jobstate.EventSystemErrors, failed)
	return fmt.Errorf("enqueue job %s: %w", job.ID, qerr)
}

// Withdraw drops jobID from the run queue. A worker holding its lease keeps
// running until it observes the job's new status.
func (d *Dispatcher) Withdraw(ctx context.Context, jobID string) error {
	if err := d.queue.Cancel(ctx, jobID); err != nil {
		return fmt.Errorf("withdraw job %s: %w", jobID, err)
	}
	return nil
}
