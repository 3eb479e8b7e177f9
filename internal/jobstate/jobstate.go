// Package jobstate holds the job transition table and the field changes each
// transition implies. Both store implementations apply the same plan.
package jobstate

import (
	"errors"
	"fmt"
	"math"
	"time"

	"adaccount-provisioner/internal/models"
)

// Event names emitted to notification sinks.
const (
	EventJobStarted   = "job_started"
	EventJobPaused    = "job_paused"
	EventJobResumed   = "job_resumed"
	EventJobCompleted = "job_completed"
	EventJobFailed    = "job_failed"
	EventProgress25   = "progress_25"
	EventProgress50   = "progress_50"
	EventProgress75   = "progress_75"
	EventSystemErrors = "system_errors"
)

// Events lists every subscribable event in display order.
var Events = []string{
	EventJobStarted,
	EventJobCompleted,
	EventJobFailed,
	EventJobPaused,
	EventJobResumed,
	EventProgress25,
	EventProgress50,
	EventProgress75,
	EventSystemErrors,
}

// ErrInvalidTransition is returned when from -> to is not in the table.
var ErrInvalidTransition = errors.New("invalid job transition")

var transitions = map[string][]string{
	models.StatusPending:    {models.StatusProcessing, models.StatusPaused, models.StatusFailed},
	models.StatusProcessing: {models.StatusPaused, models.StatusCompleted, models.StatusFailed},
	models.StatusPaused:     {models.StatusProcessing, models.StatusPending, models.StatusFailed},
	models.StatusFailed:     {models.StatusPending},
	models.StatusCompleted:  {},
}

// CanTransition reports whether from -> to is allowed.
func CanTransition(from, to string) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Effects are the column writes for one transition. Nil pointers mean "leave as is".
type Effects struct {
	From              string
	To                string
	StartedAt         *time.Time
	PausedAt          *time.Time
	ResumedAt         *time.Time
	CompletedAt       *time.Time
	AddRunningSeconds int64
	ItemsPerMinute    *float64
	ErrorMessage      *string
	ClearError        bool
	Event             string
}

// Plan computes the effects of moving job to status to at now. msg is stored as
// the error message for Failed and, when non-empty, for Completed.
func Plan(job models.Job, to string, now time.Time, msg string) (Effects, error) {
	if !CanTransition(job.Status, to) {
		return Effects{}, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, job.Status, to)
	}
	now = now.UTC()
	eff := Effects{From: job.Status, To: to}

	if job.Status == models.StatusProcessing {
		eff.AddRunningSeconds = runningSince(job, now)
	}

	switch to {
	case models.StatusProcessing:
		if job.Status == models.StatusPending && job.StartedAt == nil {
			eff.StartedAt = &now
			eff.Event = EventJobStarted
		} else {
			eff.ResumedAt = &now
			eff.Event = EventJobResumed
		}
	case models.StatusPaused:
		eff.PausedAt = &now
		eff.Event = EventJobPaused
	case models.StatusCompleted:
		eff.CompletedAt = &now
		eff.Event = EventJobCompleted
		secs := job.RunningSeconds + eff.AddRunningSeconds
		if secs > 0 {
			rate := math.Round(float64(job.Processed)/(float64(secs)/60)*100) / 100
			eff.ItemsPerMinute = &rate
		}
		if msg != "" {
			eff.ErrorMessage = &msg
		}
	case models.StatusFailed:
		eff.ErrorMessage = &msg
		eff.Event = EventJobFailed
	case models.StatusPending:
		if job.Status == models.StatusFailed {
			eff.ClearError = true
		}
	}
	return eff, nil
}

// Apply writes eff onto job in place.
func Apply(job *models.Job, eff Effects, now time.Time) {
	job.Status = eff.To
	if eff.StartedAt != nil {
		job.StartedAt = eff.StartedAt
	}
	if eff.PausedAt != nil {
		job.PausedAt = eff.PausedAt
	}
	if eff.ResumedAt != nil {
		job.ResumedAt = eff.ResumedAt
	}
	if eff.CompletedAt != nil {
		job.CompletedAt = eff.CompletedAt
	}
	job.RunningSeconds += eff.AddRunningSeconds
	if eff.ItemsPerMinute != nil {
		job.ItemsPerMinute = eff.ItemsPerMinute
	}
	if eff.ErrorMessage != nil {
		job.ErrorMessage = eff.ErrorMessage
	}
	if eff.ClearError {
		job.ErrorMessage = nil
	}
	job.UpdatedAt = now.UTC()
}

// runningSince returns whole seconds spent in the current Processing interval.
func runningSince(job models.Job, now time.Time) int64 {
	since := job.ResumedAt
	if since == nil {
		since = job.StartedAt
	}
	if since == nil {
		return 0
	}
	secs := int64(now.Sub(*since) / time.Second)
	if secs < 0 {
		return 0
	}
	return secs
}
