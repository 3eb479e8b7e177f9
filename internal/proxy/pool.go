package proxy

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"

	"adaccount-provisioner/internal/logger"
	"adaccount-provisioner/internal/models"
	"adaccount-provisioner/internal/telemetry"
)

const (
	DefaultProbeURL     = "https://api.ipify.org?format=json"
	DefaultProbeTimeout = 10 * time.Second
)

// Store is the slice of persistence the pool needs.
type Store interface {
	GetSettings(ctx context.Context, owner string) (models.Settings, error)
	ListProxies(ctx context.Context, owner string) ([]models.Proxy, error)
	UsableProxies(ctx context.Context, owner string) ([]models.Proxy, error)
	RecordProxyUse(ctx context.Context, id string, success bool, errMsg string) (models.Proxy, error)
	SetProxyValidation(ctx context.Context, id string, ok bool, errMsg string) error
}

// Pool hands out proxies per owner and keeps their health statistics.
type Pool struct {
	store        Store
	rotation     RotationStore
	log          *logger.Logger
	probeURL     string
	probeTimeout time.Duration
	intn         func(int) int
}

// Option customises a Pool.
type Option func(*Pool)

// WithProbe overrides the URL and timeout used by Validate.
func WithProbe(url string, timeout time.Duration) Option {
	return func(p *Pool) {
		if url != "" {
			p.probeURL = url
		}
		if timeout > 0 {
			p.probeTimeout = timeout
		}
	}
}

// WithRandom replaces the random source used by the random policy.
func WithRandom(intn func(int) int) Option {
	return func(p *Pool) { p.intn = intn }
}

func NewPool(st Store, rotation RotationStore, log *logger.Logger, opts ...Option) *Pool {
	if rotation == nil {
		rotation = NewMemoryRotation()
	}
	if log == nil {
		log = logger.Discard()
	}
	p := &Pool{
		store:        st,
		rotation:     rotation,
		log:          log,
		probeURL:     DefaultProbeURL,
		probeTimeout: DefaultProbeTimeout,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// ForOwner returns the next proxy for owner under their settings, or false when
// proxying is disabled or nothing is usable.
func (p *Pool) ForOwner(ctx context.Context, owner string) (models.Proxy, bool, error) {
	settings, err := p.store.GetSettings(ctx, owner)
	if err != nil {
		return models.Proxy{}, false, fmt.Errorf("load settings: %w", err)
	}
	if !settings.ProxyEnabled {
		return models.Proxy{}, false, nil
	}
	return p.Next(ctx, owner, settings.RotationPolicy)
}

// Next selects among owner's active, validated proxies.
func (p *Pool) Next(ctx context.Context, owner, policy string) (models.Proxy, bool, error) {
	cands, err := p.store.UsableProxies(ctx, owner)
	if err != nil {
		return models.Proxy{}, false, fmt.Errorf("list usable proxies: %w", err)
	}
	if len(cands) == 0 {
		return models.Proxy{}, false, nil
	}

	var st RotationState
	if policy == models.RotationRoundRobin || policy == "" {
		if st, err = p.rotation.Advance(ctx, owner); err != nil {
			// Rotation state is advisory; start over rather than fail the call.
			p.log.WithError(err).WithField(logger.FieldOwner, owner).Warn("rotation state unavailable")
			st = RotationState{}
		}
	}
	chosen, _, ok := Select(cands, policy, st, p.intn)
	return chosen, ok, nil
}

// Record stores the outcome of one use of proxy.
func (p *Pool) Record(ctx context.Context, proxy models.Proxy, success bool, errMsg string) {
	updated, err := p.store.RecordProxyUse(ctx, proxy.ID, success, errMsg)
	if err != nil {
		p.log.WithError(err).WithField(logger.FieldProxy, proxy.Display()).Warn("record proxy use failed")
		return
	}
	if success {
		return
	}
	telemetry.ProxyFailures.Inc()
	if proxy.Active && !updated.Active {
		p.log.WithFields(logger.Fields{
			logger.FieldProxy: proxy.Display(),
			logger.FieldOwner: proxy.Owner,
			"failures":        updated.FailureCount,
			"successes":       updated.SuccessCount,
		}).Warn("proxy deactivated after repeated failures")
	}
}

// Validate probes connectivity through proxy and stores the verdict. It never
// returns an error; a failed probe yields false.
func (p *Pool) Validate(ctx context.Context, proxy models.Proxy) bool {
	ok, msg := p.probe(ctx, proxy)
	if !ok {
		telemetry.ProxyFailures.Inc()
	}
	if err := p.store.SetProxyValidation(ctx, proxy.ID, ok, msg); err != nil {
		p.log.WithError(err).WithField(logger.FieldProxy, proxy.Display()).Warn("store proxy validation failed")
	}
	return ok
}

func (p *Pool) probe(ctx context.Context, proxy models.Proxy) (bool, string) {
	client := resty.New().
		SetProxy(proxy.URL()).
		SetTimeout(p.probeTimeout)

	resp, err := client.R().SetContext(ctx).Get(p.probeURL)
	if err != nil {
		return false, "Validation error: " + err.Error()
	}
	if !resp.IsSuccess() {
		return false, fmt.Sprintf("Validation failed: %d", resp.StatusCode())
	}
	return true, ""
}

// Summary reports a bulk validation.
type Summary struct {
	Total     int `json:"total"`
	Validated int `json:"validated"`
	Failed    int `json:"failed"`
}

// ValidateAll probes every proxy owned by owner, one at a time.
func (p *Pool) ValidateAll(ctx context.Context, owner string) (Summary, error) {
	proxies, err := p.store.ListProxies(ctx, owner)
	if err != nil {
		return Summary{}, fmt.Errorf("list proxies: %w", err)
	}
	var s Summary
	for _, px := range proxies {
		if ctx.Err() != nil {
			return s, ctx.Err()
		}
		s.Total++
		if p.Validate(ctx, px) {
			s.Validated++
		} else {
			s.Failed++
		}
	}
	return s, nil
}
