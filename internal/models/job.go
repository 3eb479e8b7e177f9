package models

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// Job lifecycle states persisted in Postgres.
const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusPaused     = "paused"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

// NumberPlaceholder is replaced by the sequence number when naming items.
const NumberPlaceholder = "{number}"

// Job is one provisioning run against a lane (the owning ad account).
type Job struct {
	ID             string     `json:"id"`
	AccountID      string     `json:"account_id"`
	Owner          string     `json:"owner"`
	Pattern        string     `json:"pattern"`
	StartingNumber int        `json:"starting_number"`
	Total          int        `json:"total"`
	Processed      int        `json:"processed"`
	Currency       string     `json:"currency"`
	TimezoneID     int        `json:"timezone_id"`
	Status         string     `json:"status"`
	ErrorMessage   *string    `json:"error_message,omitempty"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	PausedAt       *time.Time `json:"paused_at,omitempty"`
	ResumedAt      *time.Time `json:"resumed_at,omitempty"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
	RunningSeconds int64      `json:"running_seconds"`
	ItemsPerMinute *float64   `json:"items_per_minute,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
	DeletedAt      *time.Time `json:"deleted_at,omitempty"`
}

// ItemName returns the name of the item at position i (0-based).
func (j Job) ItemName(i int) string {
	n := strconv.Itoa(j.StartingNumber + i)
	if j.Pattern == "" {
		return "Account-" + n
	}
	return strings.ReplaceAll(j.Pattern, NumberPlaceholder, n)
}

// Progress is the completion percentage in [0,100].
func (j Job) Progress() float64 {
	if j.Total <= 0 {
		return 0
	}
	return math.Round(float64(j.Processed)/float64(j.Total)*10000) / 100
}

// Active reports whether the job still holds or waits for its lane.
func (j Job) Active() bool {
	return j.Status == StatusPending || j.Status == StatusProcessing
}

// FormattedRunningTime renders accumulated processing time like "1h 2m 3s".
func (j Job) FormattedRunningTime() string {
	return FormatSeconds(j.RunningSeconds)
}

// FormatSeconds renders a duration in seconds as "1h 2m 3s", omitting leading zero units.
func FormatSeconds(secs int64) string {
	if secs <= 0 {
		return "0s"
	}
	h := secs / 3600
	m := (secs % 3600) / 60
	s := secs % 60
	switch {
	case h > 0:
		return fmt.Sprintf("%dh %dm %ds", h, m, s)
	case m > 0:
		return fmt.Sprintf("%dm %ds", m, s)
	default:
		return fmt.Sprintf("%ds", s)
	}
}

// Item statuses.
const (
	ItemPending = "pending"
	ItemCreated = "created"
	ItemFailed  = "failed"
)

// Item is one ad account provisioned (or attempted) by a job.
type Item struct {
	ID          string          `json:"id"`
	JobID       string          `json:"job_id"`
	AccountID   string          `json:"account_id"`
	Owner       string          `json:"owner"`
	Name        string          `json:"name"`
	Currency    string          `json:"currency"`
	TimezoneID  int             `json:"timezone_id"`
	Status      string          `json:"status"`
	ExternalID  *string         `json:"external_id,omitempty"`
	RawResponse json.RawMessage `json:"raw_response,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
	DeletedAt   *time.Time      `json:"deleted_at,omitempty"`
}
