package store

import (
	"context"
	"errors"

	"adaccount-provisioner/internal/jobstate"
	"adaccount-provisioner/internal/models"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrDuplicate         = errors.New("duplicate")
	ErrLaneBusy          = errors.New("lane already has a processing job")
	ErrInvalidTransition = jobstate.ErrInvalidTransition
)

// CreateAccountParams collects inputs to register a lane.
type CreateAccountParams struct {
	Owner       string
	Title       string
	BusinessID  string
	AccessToken string
}

// CreateJobParams collects inputs required to insert a job.
type CreateJobParams struct {
	AccountID      string
	Owner          string
	Pattern        string
	StartingNumber int
	Total          int
	Currency       string
	TimezoneID     int
}

// JobFilter narrows ListJobs. Empty fields match everything.
type JobFilter struct {
	Owner       string
	AccountID   string
	Status      string
	WithDeleted bool
	Limit       int
}

// Store is the persistence contract shared by the Postgres and in-memory implementations.
type Store interface {
	CreateAccount(ctx context.Context, p CreateAccountParams) (models.Account, error)
	GetAccount(ctx context.Context, id string) (models.Account, error)
	ListAccounts(ctx context.Context, owner string, withDeleted bool) ([]models.Account, error)
	// SoftDeleteAccount cascades to the account's jobs and their items.
	SoftDeleteAccount(ctx context.Context, id string) error
	// RestoreAccount reverses SoftDeleteAccount, including the cascade.
	RestoreAccount(ctx context.Context, id string) error
	LaneCredentials(ctx context.Context, accountID string) (models.Credentials, error)

	CreateJob(ctx context.Context, p CreateJobParams) (models.Job, error)
	GetJob(ctx context.Context, id string) (models.Job, error)
	ListJobs(ctx context.Context, f JobFilter) ([]models.Job, error)
	HasProcessing(ctx context.Context, accountID string) (bool, error)
	// TransitionJob applies a state-machine step atomically and returns the new row.
	TransitionJob(ctx context.Context, id, to, msg string) (models.Job, jobstate.Effects, error)
	// ClaimJob moves a Pending or Paused job to Processing unless its lane is busy (ErrLaneBusy).
	ClaimJob(ctx context.Context, id string) (models.Job, jobstate.Effects, error)
	// ClaimNextPending claims the oldest Pending job in the lane if the lane is free.
	ClaimNextPending(ctx context.Context, accountID string) (models.Job, jobstate.Effects, bool, error)
	// SoftDeleteJob cascades to items. Active jobs must be paused first.
	SoftDeleteJob(ctx context.Context, id string) error
	RestoreJob(ctx context.Context, id string) error

	// EnsureItem returns the item named name in job, creating it as Pending if missing.
	EnsureItem(ctx context.Context, job models.Job, name string) (models.Item, error)
	// CompleteItem marks the item Created and bumps the job's processed count in one transaction.
	CompleteItem(ctx context.Context, itemID, externalID string, raw []byte) (models.Job, error)
	FailItem(ctx context.Context, itemID string, raw []byte) error
	ListItems(ctx context.Context, jobID string) ([]models.Item, error)

	CreateProxy(ctx context.Context, p models.Proxy) (models.Proxy, error)
	GetProxy(ctx context.Context, id string) (models.Proxy, error)
	ListProxies(ctx context.Context, owner string) ([]models.Proxy, error)
	UsableProxies(ctx context.Context, owner string) ([]models.Proxy, error)
	// RecordProxyUse updates usage counters and applies the auto-deactivation rule.
	RecordProxyUse(ctx context.Context, id string, success bool, errMsg string) (models.Proxy, error)
	SetProxyValidation(ctx context.Context, id string, ok bool, errMsg string) error
	DeleteProxy(ctx context.Context, id string) error

	GetSettings(ctx context.Context, owner string) (models.Settings, error)
	SaveSettings(ctx context.Context, s models.Settings) (models.Settings, error)

	CreateBot(ctx context.Context, b models.TelegramBot) (models.TelegramBot, error)
	GetBot(ctx context.Context, id string) (models.TelegramBot, error)
	ListBots(ctx context.Context, owner string) ([]models.TelegramBot, error)
	DeleteBot(ctx context.Context, id string) error
	TouchBot(ctx context.Context, id string) error
}
