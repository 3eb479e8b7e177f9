package service

import (
	"context"
	"fmt"
	"strings"

	"adaccount-provisioner/internal/logger"
	"adaccount-provisioner/internal/models"
	"adaccount-provisioner/internal/store"
)

type JobInput struct {
	AccountID      string `json:"account_id"`
	Pattern        string `json:"pattern"`
	StartingNumber int    `json:"starting_number"`
	Total          int    `json:"total"`
	Currency       string `json:"currency"`
	TimezoneID     int    `json:"timezone_id"`
}

// JobResult is a job after a command. Queued means it waits behind another job
// on its lane.
type JobResult struct {
	Job    models.Job `json:"job"`
	Queued bool       `json:"queued"`
}

func (s *Service) validateJob(in *JobInput) error {
	in.Pattern = strings.TrimSpace(in.Pattern)
	if in.AccountID == "" {
		return invalid("account_id", "is required")
	}
	if len(in.Pattern) > 255 {
		return invalid("pattern", "must be at most 255 characters")
	}
	if in.StartingNumber == 0 {
		in.StartingNumber = 1
	}
	if in.StartingNumber < 1 {
		return invalid("starting_number", "must be at least 1")
	}
	if in.Total < 1 || in.Total > s.limits.MaxItemsPerJob {
		return invalid("total", "must be between 1 and %d", s.limits.MaxItemsPerJob)
	}
	// Item names are unique per lane, so a fixed name can only be created once.
	if in.Total > 1 && in.Pattern != "" && !strings.Contains(in.Pattern, models.NumberPlaceholder) {
		return invalid("pattern", "must contain %s when creating more than one ad account", models.NumberPlaceholder)
	}
	if in.Currency == "" {
		in.Currency = s.limits.DefaultCurrency
	}
	in.Currency = strings.ToUpper(in.Currency)
	if !models.ValidCurrency(in.Currency) {
		return invalid("currency", "unsupported currency %q", in.Currency)
	}
	if in.TimezoneID == 0 {
		in.TimezoneID = s.limits.DefaultTimezoneID
	}
	if !models.ValidTimezone(in.TimezoneID) {
		return invalid("timezone_id", "unsupported timezone %d", in.TimezoneID)
	}
	return nil
}

// CreateJob records a Pending job and starts it when its lane is free.
func (s *Service) CreateJob(ctx context.Context, owner string, in JobInput) (JobResult, error) {
	if err := s.validateJob(&in); err != nil {
		return JobResult{}, err
	}
	acc, err := s.ownAccount(ctx, owner, in.AccountID)
	if err != nil {
		return JobResult{}, err
	}
	if acc.DeletedAt != nil {
		return JobResult{}, notFound("account", acc.ID)
	}
	job, err := s.store.CreateJob(ctx, store.CreateJobParams{
		AccountID:      acc.ID,
		Owner:          owner,
		Pattern:        in.Pattern,
		StartingNumber: in.StartingNumber,
		Total:          in.Total,
		Currency:       in.Currency,
		TimezoneID:     in.TimezoneID,
	})
	if err != nil {
		return JobResult{}, fmt.Errorf("create job: %w", err)
	}
	s.log.WithFields(logger.Fields{logger.FieldJobID: job.ID, logger.FieldAccountID: acc.ID, logger.FieldOwner: owner}).Info("job created")
	return s.start(ctx, job)
}

// start dispatches job if its lane is free and reports it queued otherwise.
func (s *Service) start(ctx context.Context, job models.Job) (JobResult, error) {
	started, ok, err := s.lanes.DispatchIfFree(ctx, job.ID)
	if err != nil {
		return JobResult{}, err
	}
	if ok {
		return JobResult{Job: started}, nil
	}
	cur, err := s.store.GetJob(ctx, job.ID)
	if err != nil {
		return JobResult{}, err
	}
	return JobResult{Job: cur, Queued: true}, nil
}

func (s *Service) GetJob(ctx context.Context, owner, id string) (models.Job, error) {
	return s.ownJob(ctx, owner, id)
}

func (s *Service) ListJobs(ctx context.Context, owner string, f store.JobFilter) ([]models.Job, error) {
	f.Owner = owner
	return s.store.ListJobs(ctx, f)
}

func (s *Service) ListItems(ctx context.Context, owner, jobID string) ([]models.Item, error) {
	if _, err := s.ownJob(ctx, owner, jobID); err != nil {
		return nil, err
	}
	return s.store.ListItems(ctx, jobID)
}

// PauseJob asks a Processing job to stop before its next item. The runner advances
// the lane once it observes the pause.
func (s *Service) PauseJob(ctx context.Context, owner, id string) (models.Job, error) {
	j, err := s.ownJob(ctx, owner, id)
	if err != nil {
		return models.Job{}, err
	}
	if j.Status != models.StatusProcessing {
		return models.Job{}, fmt.Errorf("pause %s job: %w", j.Status, store.ErrInvalidTransition)
	}
	return s.transition(ctx, j, models.StatusPaused, "")
}

// ResumeJob continues a Paused job now if its lane is free, or queues it as Pending.
func (s *Service) ResumeJob(ctx context.Context, owner, id string) (JobResult, error) {
	j, err := s.ownJob(ctx, owner, id)
	if err != nil {
		return JobResult{}, err
	}
	if j.Status != models.StatusPaused {
		return JobResult{}, fmt.Errorf("resume %s job: %w", j.Status, store.ErrInvalidTransition)
	}
	if j.DeletedAt != nil {
		return JobResult{}, notFound("job", id)
	}
	started, ok, err := s.lanes.DispatchIfFree(ctx, j.ID)
	if err != nil {
		return JobResult{}, err
	}
	if ok {
		return JobResult{Job: started}, nil
	}
	queued, err := s.transition(ctx, j, models.StatusPending, "")
	if err != nil {
		return JobResult{}, err
	}
	return JobResult{Job: queued, Queued: true}, nil
}

// RetryJob puts a Failed job back in line. Items already Created are kept.
func (s *Service) RetryJob(ctx context.Context, owner, id string) (JobResult, error) {
	j, err := s.ownJob(ctx, owner, id)
	if err != nil {
		return JobResult{}, err
	}
	if j.Status != models.StatusFailed {
		return JobResult{}, fmt.Errorf("retry %s job: %w", j.Status, store.ErrInvalidTransition)
	}
	if j.DeletedAt != nil {
		return JobResult{}, notFound("job", id)
	}
	pending, err := s.transition(ctx, j, models.StatusPending, "")
	if err != nil {
		return JobResult{}, err
	}
	return s.start(ctx, pending)
}

// DeleteJob soft-deletes a job and its items. An active job is paused first, and
// a Processing one hands its lane to the next job.
func (s *Service) DeleteJob(ctx context.Context, owner, id string) error {
	j, err := s.ownJob(ctx, owner, id)
	if err != nil {
		return err
	}
	if err := s.stopForDelete(ctx, j); err != nil {
		return err
	}
	if err := s.store.SoftDeleteJob(ctx, j.ID); err != nil {
		return fmt.Errorf("delete job: %w", err)
	}
	s.log.WithFields(logger.Fields{logger.FieldJobID: j.ID, logger.FieldOwner: owner}).Info("job deleted")
	return nil
}

func (s *Service) stopForDelete(ctx context.Context, j models.Job) error {
	if !j.Active() {
		return nil
	}
	if _, err := s.transition(ctx, j, models.StatusPaused, ""); err != nil {
		return err
	}
	s.withdraw(ctx, j.ID)
	if j.Status == models.StatusProcessing {
		if _, _, err := s.lanes.DispatchNext(ctx, j.AccountID); err != nil {
			s.log.WithError(err).WithField(logger.FieldAccountID, j.AccountID).Error("advance lane after delete failed")
		}
	}
	return nil
}

// withdraw drops a stopped job from the run queue. Failure only costs a worker
// one dequeue of a Paused job, so it is logged and not returned.
func (s *Service) withdraw(ctx context.Context, jobID string) {
	if err := s.lanes.Withdraw(ctx, jobID); err != nil {
		s.log.WithError(err).WithField(logger.FieldJobID, jobID).Warn("withdraw deleted job failed")
	}
}

// RestoreJob undoes DeleteJob. The job comes back Paused and must be resumed.
func (s *Service) RestoreJob(ctx context.Context, owner, id string) (models.Job, error) {
	j, err := s.ownJob(ctx, owner, id)
	if err != nil {
		return models.Job{}, err
	}
	if err := s.store.RestoreJob(ctx, j.ID); err != nil {
		return models.Job{}, fmt.Errorf("restore job: %w", err)
	}
	return s.store.GetJob(ctx, j.ID)
}

func (s *Service) transition(ctx context.Context, j models.Job, to, msg string) (models.Job, error) {
	updated, eff, err := s.store.TransitionJob(ctx, j.ID, to, msg)
	if err != nil {
		return models.Job{}, fmt.Errorf("%s job: %w", to, err)
	}
	if eff.Event != "" {
		s.notifier.Notify(updated.Owner, eff.Event, updated)
	}
	return updated, nil
}
