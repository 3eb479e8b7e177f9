// Package runner drives one run of a job: it walks the item sequence, creates each
// ad account through the provisioning client and maps the outcome onto a job
// transition. Runs are resumable; items already Created are skipped.
package runner

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"adaccount-provisioner/internal/archive"
	"adaccount-provisioner/internal/jobstate"
	"adaccount-provisioner/internal/logger"
	"adaccount-provisioner/internal/models"
	"adaccount-provisioner/internal/notify"
	"adaccount-provisioner/internal/provisioning"
	"adaccount-provisioner/internal/store"
	"adaccount-provisioner/internal/telemetry"
)

const DefaultJobTimeout = 5 * time.Hour

var (
	// ErrJobTimeout is the cancellation cause when a run exceeds its deadline.
	ErrJobTimeout = errors.New("job run deadline exceeded")
	// ErrInterrupted means the run stopped because its caller went away. The job is
	// left Processing so a re-delivered run can resume it.
	ErrInterrupted = errors.New("job run interrupted")
)

// Store is the persistence the runner touches.
type Store interface {
	GetJob(ctx context.Context, id string) (models.Job, error)
	TransitionJob(ctx context.Context, id, to, msg string) (models.Job, jobstate.Effects, error)
	LaneCredentials(ctx context.Context, accountID string) (models.Credentials, error)
	EnsureItem(ctx context.Context, job models.Job, name string) (models.Item, error)
	CompleteItem(ctx context.Context, itemID, externalID string, raw []byte) (models.Job, error)
	FailItem(ctx context.Context, itemID string, raw []byte) error
}

// Lanes claims jobs and advances lanes. *dispatch.Dispatcher satisfies it.
type Lanes interface {
	Claim(ctx context.Context, jobID string) (models.Job, bool, error)
	DispatchNext(ctx context.Context, lane string) (models.Job, bool, error)
}

// Creator provisions one item. *provisioning.Client satisfies it.
type Creator interface {
	Create(ctx context.Context, creds models.Credentials, item models.Item, owner string) provisioning.Result
}

type Config struct {
	JobTimeout     time.Duration
	ItemsPerMinute float64
}

type Runner struct {
	store    Store
	lanes    Lanes
	creator  Creator
	notifier notify.Notifier
	archive  archive.Archiver
	cfg      Config
	log      *logger.Logger
}

type Option func(*Runner)

func WithNotifier(n notify.Notifier) Option {
	return func(r *Runner) { r.notifier = n }
}

func WithArchive(a archive.Archiver) Option {
	return func(r *Runner) { r.archive = a }
}

func New(st Store, lanes Lanes, creator Creator, cfg Config, log *logger.Logger, opts ...Option) *Runner {
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = DefaultJobTimeout
	}
	if log == nil {
		log = logger.Discard()
	}
	r := &Runner{
		store:    st,
		lanes:    lanes,
		creator:  creator,
		notifier: notify.Noop{},
		archive:  archive.Noop{},
		cfg:      cfg,
		log:      log,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// outcome is how a run ended.
type outcome struct {
	to  string // Completed or Failed; empty when no transition is due
	msg string
	// system marks infrastructure faults, which also raise system_errors.
	system bool
	// advance asks for the lane to be advanced without a transition (paused run).
	advance bool
}

// Run executes jobID until it completes, fails, is paused, or ctx ends. A nil
// return means the job needs no further delivery; ErrInterrupted means it does.
func (r *Runner) Run(ctx context.Context, jobID string) error {
	log := logger.FromContext(ctx, r.log).WithField(logger.FieldJobID, jobID)

	job, err := r.store.GetJob(ctx, jobID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			log.Warn("job vanished before run")
			return nil
		}
		return fmt.Errorf("load job: %w", err)
	}
	log = log.WithField(logger.FieldAccountID, job.AccountID)

	switch job.Status {
	case models.StatusPending:
		claimed, ok, err := r.lanes.Claim(ctx, job.ID)
		if err != nil {
			return fmt.Errorf("claim job: %w", err)
		}
		if !ok {
			log.Info("lane busy, job stays pending")
			return nil
		}
		job = claimed
	case models.StatusProcessing:
	case models.StatusPaused:
		// A pause that landed while the job waited in the queue.
		r.advance(ctx, job.AccountID, log)
		return nil
	default:
		log.WithField("status", job.Status).Info("job not runnable")
		return nil
	}

	runCtx, cancel := context.WithTimeoutCause(ctx, r.cfg.JobTimeout, ErrJobTimeout)
	defer cancel()

	start := time.Now()
	log.WithField("processed", job.Processed).Info("job run started")
	out := r.loop(runCtx, job, log)

	if out.to == "" && !out.advance {
		switch {
		case ctx.Err() != nil:
			log.Warn("job run interrupted, leaving it processing")
			return fmt.Errorf("%w: %v", ErrInterrupted, ctx.Err())
		case errors.Is(context.Cause(runCtx), ErrJobTimeout):
			out = outcome{to: models.StatusFailed, msg: fmt.Sprintf("Job timed out after %s", models.FormatSeconds(int64(r.cfg.JobTimeout/time.Second)))}
		}
	}

	r.finish(ctx, job, out, log)
	log.WithField("elapsed", time.Since(start).String()).Info("job run ended")
	return nil
}

func (r *Runner) loop(ctx context.Context, job models.Job, log *logger.Logger) outcome {
	var limiter *rate.Limiter
	if r.cfg.ItemsPerMinute > 0 {
		limiter = rate.NewLimiter(rate.Limit(r.cfg.ItemsPerMinute/60), 1)
	}
	milestones := jobstate.NewMilestones()
	var creds *models.Credentials
	// Progress writes outlive cancellation so a created account is never lost.
	writeCtx := context.WithoutCancel(ctx)

	for i := 0; i < job.Total; i++ {
		if ctx.Err() != nil {
			return outcome{}
		}
		cur, err := r.store.GetJob(ctx, job.ID)
		if err != nil {
			if ctx.Err() != nil {
				return outcome{}
			}
			return systemFault("reload job", err)
		}
		switch cur.Status {
		case models.StatusProcessing:
		case models.StatusPaused:
			log.Info("job paused, stopping run")
			return outcome{advance: true}
		default:
			log.WithField("status", cur.Status).Warn("job left processing under the run")
			return outcome{advance: true}
		}

		name := job.ItemName(i)
		item, err := r.store.EnsureItem(ctx, cur, name)
		if err != nil {
			if ctx.Err() != nil {
				return outcome{}
			}
			return systemFault("prepare item "+name, err)
		}
		if item.Status == models.ItemCreated {
			continue
		}

		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				// The next slot lies past the run deadline.
				<-ctx.Done()
				return outcome{}
			}
		}
		if creds == nil {
			c, err := r.store.LaneCredentials(ctx, job.AccountID)
			if err != nil {
				if ctx.Err() != nil {
					return outcome{}
				}
				return systemFault("load lane credentials", err)
			}
			creds = &c
		}

		ilog := log.WithField(logger.FieldItem, name)
		res := r.creator.Create(ctx, *creds, item, job.Owner)
		r.keepRaw(writeCtx, item, res.Raw, ilog)

		if res.Success {
			updated, err := r.store.CompleteItem(writeCtx, item.ID, res.ExternalID, res.Raw)
			if err != nil {
				return systemFault("record created item "+name, err)
			}
			telemetry.ItemsCreated.Inc()
			ilog.WithFields(logger.Fields{"external_id": res.ExternalID, "processed": updated.Processed}).Info("ad account created")
			if updated.Status == models.StatusProcessing {
				if ev, ok := milestones.Observe(updated.Processed, updated.Total); ok {
					r.notifier.Notify(updated.Owner, ev, updated)
				}
			}
			continue
		}

		if ctx.Err() != nil {
			// The failure is the cancellation itself; the item stays retryable.
			return outcome{}
		}
		if err := r.store.FailItem(writeCtx, item.ID, res.Raw); err != nil {
			return systemFault("record failed item "+name, err)
		}
		telemetry.ItemsFailed.WithLabelValues(res.Kind).Inc()
		msg := fmt.Sprintf("Failed to create ad account '%s': %s", name, provisioning.FormatError(res))
		ilog.WithFields(logger.Fields{"kind": res.Kind, "attempts": res.Attempts}).Warn(msg)
		if res.Kind == provisioning.KindQuota {
			return outcome{to: models.StatusCompleted, msg: msg}
		}
		return outcome{to: models.StatusFailed, msg: msg}
	}

	final, err := r.store.GetJob(writeCtx, job.ID)
	if err != nil {
		return systemFault("reload job", err)
	}
	if final.Status == models.StatusPaused {
		return outcome{advance: true}
	}
	if final.Processed >= final.Total {
		return outcome{to: models.StatusCompleted}
	}
	return outcome{to: models.StatusFailed, msg: fmt.Sprintf("Job incomplete: processed %d of %d ad accounts.", final.Processed, final.Total)}
}

func systemFault(op string, err error) outcome {
	return outcome{to: models.StatusFailed, msg: fmt.Sprintf("System error: %s: %v", op, err), system: true}
}

func (r *Runner) keepRaw(ctx context.Context, item models.Item, raw []byte, log *logger.Logger) {
	if len(raw) == 0 {
		return
	}
	if _, err := r.archive.Put(ctx, item, raw); err != nil {
		log.WithError(err).Warn("archive raw response failed")
	}
}

// finish applies the run outcome and advances the lane. It runs detached from ctx
// so a terminal state is recorded even while the caller shuts down.
func (r *Runner) finish(ctx context.Context, job models.Job, out outcome, log *logger.Logger) {
	wctx := context.WithoutCancel(ctx)
	if out.to != "" {
		updated, eff, err := r.store.TransitionJob(wctx, job.ID, out.to, out.msg)
		switch {
		case errors.Is(err, store.ErrInvalidTransition):
			// Paused or changed concurrently; the lane still needs advancing.
			log.WithError(err).Warn("job changed under the run, outcome dropped")
		case err != nil:
			log.WithError(err).Error("record job outcome failed")
			return
		default:
			telemetry.JobsFinished.WithLabelValues(out.to).Inc()
			entry := log.WithFields(logger.Fields{"status": out.to, "processed": updated.Processed})
			if out.msg != "" {
				entry = entry.WithField("error", out.msg)
			}
			entry.Info("job finished")
			r.notifier.Notify(updated.Owner, eff.Event, updated)
			if out.system {
				r.notifier.Notify(updated.Owner, jobstate.EventSystemErrors, updated)
			}
		}
	}
	r.advance(wctx, job.AccountID, log)
}

func (r *Runner) advance(ctx context.Context, lane string, log *logger.Logger) {
	next, ok, err := r.lanes.DispatchNext(ctx, lane)
	if err != nil {
		log.WithError(err).Error("advance lane failed")
		return
	}
	if ok {
		log.WithField("next_job_id", next.ID).Info("lane advanced")
	}
}
