// Package service is the operator command surface: every mutation an operator can
// request, scoped to the calling owner. Both the HTTP API and the CLI go through it.
package service

import (
	"context"
	"errors"
	"fmt"

	"adaccount-provisioner/internal/logger"
	"adaccount-provisioner/internal/models"
	"adaccount-provisioner/internal/notify"
	"adaccount-provisioner/internal/proxy"
	"adaccount-provisioner/internal/store"
)

// ValidationError reports a rejected input field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}

// Lanes is the dispatcher surface the service drives.
type Lanes interface {
	DispatchIfFree(ctx context.Context, jobID string) (models.Job, bool, error)
	DispatchNext(ctx context.Context, lane string) (models.Job, bool, error)
	Withdraw(ctx context.Context, jobID string) error
}

// Proxies validates proxies. *proxy.Pool satisfies it.
type Proxies interface {
	Validate(ctx context.Context, p models.Proxy) bool
	ValidateAll(ctx context.Context, owner string) (proxy.Summary, error)
}

// BotTester sends a test message. *notify.Telegram satisfies it.
type BotTester interface {
	Test(ctx context.Context, bot models.TelegramBot) error
}

type Limits struct {
	MaxItemsPerJob    int
	DefaultCurrency   string
	DefaultTimezoneID int
}

const DefaultMaxItemsPerJob = 5000

type Service struct {
	store    store.Store
	lanes    Lanes
	proxies  Proxies
	bots     BotTester
	notifier notify.Notifier
	limits   Limits
	log      *logger.Logger
}

type Option func(*Service)

func WithProxies(p Proxies) Option {
	return func(s *Service) { s.proxies = p }
}

func WithBotTester(b BotTester) Option {
	return func(s *Service) { s.bots = b }
}

func WithNotifier(n notify.Notifier) Option {
	return func(s *Service) { s.notifier = n }
}

func New(st store.Store, lanes Lanes, limits Limits, log *logger.Logger, opts ...Option) *Service {
	if limits.MaxItemsPerJob <= 0 {
		limits.MaxItemsPerJob = DefaultMaxItemsPerJob
	}
	if limits.DefaultCurrency == "" {
		limits.DefaultCurrency = "USD"
	}
	if limits.DefaultTimezoneID <= 0 {
		limits.DefaultTimezoneID = 1
	}
	if log == nil {
		log = logger.Discard()
	}
	s := &Service{store: st, lanes: lanes, notifier: notify.Noop{}, limits: limits, log: log}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Records of another owner are reported as missing.
func notFound(kind, id string) error {
	return fmt.Errorf("%s %s: %w", kind, id, store.ErrNotFound)
}

func (s *Service) ownJob(ctx context.Context, owner, id string) (models.Job, error) {
	j, err := s.store.GetJob(ctx, id)
	if err != nil {
		return models.Job{}, err
	}
	if j.Owner != owner {
		return models.Job{}, notFound("job", id)
	}
	return j, nil
}

func (s *Service) ownAccount(ctx context.Context, owner, id string) (models.Account, error) {
	a, err := s.store.GetAccount(ctx, id)
	if err != nil {
		return models.Account{}, err
	}
	if a.Owner != owner {
		return models.Account{}, notFound("account", id)
	}
	return a, nil
}

func (s *Service) ownProxy(ctx context.Context, owner, id string) (models.Proxy, error) {
	p, err := s.store.GetProxy(ctx, id)
	if err != nil {
		return models.Proxy{}, err
	}
	if p.Owner != owner {
		return models.Proxy{}, notFound("proxy", id)
	}
	return p, nil
}

func (s *Service) ownBot(ctx context.Context, owner, id string) (models.TelegramBot, error) {
	b, err := s.store.GetBot(ctx, id)
	if err != nil {
		return models.TelegramBot{}, err
	}
	if b.Owner != owner {
		return models.TelegramBot{}, notFound("bot", id)
	}
	return b, nil
}
