// Package provisioning calls the Graph API "create ad account" endpoint with
// retries, error classification and proxy rotation.
package provisioning

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"adaccount-provisioner/internal/logger"
	"adaccount-provisioner/internal/models"
	"adaccount-provisioner/internal/telemetry"
)

const (
	DefaultBaseURL         = "https://graph.facebook.com"
	DefaultAPIVersion      = "v23.0"
	DefaultTimeout         = 30 * time.Second
	DefaultAttempts        = 3
	DefaultRevalidateLimit = 3
	userAgent              = "MetaAdAccountCreator/1.0"
	invalidProxyMessage    = "Invalid proxy detected from response"
)

// Result is the outcome of one Create call.
type Result struct {
	Success    bool            `json:"success"`
	ExternalID string          `json:"external_id,omitempty"`
	Raw        json.RawMessage `json:"raw,omitempty"`
	Kind       string          `json:"kind,omitempty"`
	Message    string          `json:"message,omitempty"`
	Status     int             `json:"status,omitempty"`
	Code       int             `json:"code,omitempty"`
	Subcode    int             `json:"subcode,omitempty"`
	TraceID    string          `json:"trace_id,omitempty"`
	Attempts   int             `json:"attempts"`
}

// Retryable reports whether the failure may succeed on another attempt.
func (r Result) Retryable() bool {
	return !r.Success && Retryable(r.Kind)
}

// ProxySource supplies and scores proxies. *proxy.Pool satisfies it.
type ProxySource interface {
	ForOwner(ctx context.Context, owner string) (models.Proxy, bool, error)
	Record(ctx context.Context, p models.Proxy, success bool, errMsg string)
	Validate(ctx context.Context, p models.Proxy) bool
}

// Limiter paces calls per business. *ratelimit.TokenBucket satisfies it.
type Limiter interface {
	Wait(ctx context.Context, key string) error
}

// Config tunes the client.
type Config struct {
	BaseURL         string
	APIVersion      string
	Timeout         time.Duration
	Attempts        int
	Delay           time.Duration
	RevalidateLimit int
}

// Client creates ad accounts.
type Client struct {
	cfg     Config
	direct  *resty.Client
	proxies ProxySource
	limiter Limiter
	log     *logger.Logger
}

// Option customises a Client.
type Option func(*Client)

// WithProxies routes calls through owner proxies.
func WithProxies(p ProxySource) Option {
	return func(c *Client) { c.proxies = p }
}

// WithLimiter waits on l before every attempt.
func WithLimiter(l Limiter) Option {
	return func(c *Client) { c.limiter = l }
}

func NewClient(cfg Config, log *logger.Logger, opts ...Option) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.APIVersion == "" {
		cfg.APIVersion = DefaultAPIVersion
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Attempts <= 0 {
		cfg.Attempts = DefaultAttempts
	}
	if cfg.RevalidateLimit < 0 {
		cfg.RevalidateLimit = 0
	}
	if log == nil {
		log = logger.Discard()
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	c := &Client{cfg: cfg, log: log}
	c.direct = c.newHTTP(nil)
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *Client) newHTTP(p *models.Proxy) *resty.Client {
	hc := resty.New().
		SetTimeout(c.cfg.Timeout).
		SetHeader("User-Agent", userAgent).
		SetHeader("Content-Type", "application/json")
	if p != nil {
		hc.SetProxy(p.URL())
	}
	return hc
}

// Create provisions item under the business in creds. Failures are reported in the
// Result; Create itself never returns an error.
func (c *Client) Create(ctx context.Context, creds models.Credentials, item models.Item, owner string) Result {
	log := c.log.WithFields(logger.Fields{
		"business_id":     creds.BusinessID,
		logger.FieldItem:  item.Name,
		logger.FieldOwner: owner,
	})

	px, hasProxy := c.pickProxy(ctx, owner, log)
	var (
		last     Result
		attempts int
		redos    int
	)
	for attempts < c.cfg.Attempts {
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx, creds.BusinessID); err != nil {
				last = networkResult(fmt.Errorf("rate limit wait: %w", err))
				break
			}
		}

		alog := log.WithField(logger.FieldAttempt, attempts+1)
		if hasProxy {
			alog = alog.WithField(logger.FieldProxy, px.Display())
		}
		alog.Info("creating ad account")

		var res Result
		if hasProxy {
			res = c.attempt(ctx, c.newHTTP(&px), creds, item)
		} else {
			res = c.attempt(ctx, c.direct, creds, item)
		}

		if res.Success {
			telemetry.ExternalAttempts.WithLabelValues("success").Inc()
			if hasProxy {
				c.proxies.Record(ctx, px, true, "")
			}
			res.Attempts = attempts + 1
			alog.WithField("external_id", res.ExternalID).Info("ad account created")
			return res
		}
		telemetry.ExternalAttempts.WithLabelValues(res.Kind).Inc()

		if hasProxy && redos < c.cfg.RevalidateLimit && ctx.Err() == nil && !c.proxies.Validate(ctx, px) {
			c.proxies.Record(ctx, px, false, invalidProxyMessage)
			redos++
			alog.WithField("kind", res.Kind).Warn("proxy failed validation, retrying on another proxy")
			px, hasProxy = c.pickProxy(ctx, owner, log)
			continue
		}

		attempts++
		last = res
		if !res.Retryable() || attempts >= c.cfg.Attempts || ctx.Err() != nil {
			alog.WithFields(logger.Fields{
				"kind":       res.Kind,
				"status":     res.Status,
				"error_code": res.Code,
				"subcode":    res.Subcode,
				"fbtrace_id": res.TraceID,
			}).Error("failed to create ad account: " + res.Message)
			break
		}
		alog.WithField("kind", res.Kind).Warn("retryable error, will retry: " + res.Message)
		if err := sleepCtx(ctx, c.cfg.Delay); err != nil {
			break
		}
	}
	last.Attempts = attempts
	return last
}

func (c *Client) pickProxy(ctx context.Context, owner string, log *logger.Logger) (models.Proxy, bool) {
	if c.proxies == nil || owner == "" {
		return models.Proxy{}, false
	}
	p, ok, err := c.proxies.ForOwner(ctx, owner)
	if err != nil {
		log.WithError(err).Warn("proxy lookup failed, using direct connection")
		return models.Proxy{}, false
	}
	return p, ok
}

type createRequest struct {
	AccessToken   string `json:"access_token"`
	Name          string `json:"name"`
	Currency      string `json:"currency"`
	TimezoneID    int    `json:"timezone_id"`
	EndAdvertiser string `json:"end_advertiser"`
	MediaAgency   string `json:"media_agency"`
	Partner       string `json:"partner"`
}

type graphError struct {
	Message   string `json:"message"`
	Type      string `json:"type"`
	Code      int    `json:"code"`
	Subcode   int    `json:"error_subcode"`
	FBTraceID string `json:"fbtrace_id"`
}

type graphResponse struct {
	ID    string      `json:"id"`
	Error *graphError `json:"error"`
}

func (c *Client) endpoint(businessID string) string {
	return fmt.Sprintf("%s/%s/%s/adaccount", c.cfg.BaseURL, c.cfg.APIVersion, businessID)
}

func (c *Client) attempt(ctx context.Context, hc *resty.Client, creds models.Credentials, item models.Item) Result {
	actx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	resp, err := hc.R().
		SetContext(actx).
		SetBody(createRequest{
			AccessToken:   creds.AccessToken,
			Name:          item.Name,
			Currency:      item.Currency,
			TimezoneID:    item.TimezoneID,
			EndAdvertiser: "NONE",
			MediaAgency:   "NONE",
			Partner:       "NONE",
		}).
		Post(c.endpoint(creds.BusinessID))
	if err != nil {
		return networkResult(err)
	}

	raw := asJSON(resp.Body())
	var body graphResponse
	_ = json.Unmarshal(resp.Body(), &body)

	if resp.IsSuccess() && body.Error == nil {
		if body.ID == "" {
			return Result{Raw: raw, Status: resp.StatusCode(), Kind: KindUnknown, Message: "response did not include an ad account id"}
		}
		return Result{Success: true, ExternalID: body.ID, Raw: raw, Status: resp.StatusCode()}
	}

	res := Result{Raw: raw, Status: resp.StatusCode(), Message: "Unknown error"}
	if e := body.Error; e != nil {
		if e.Message != "" {
			res.Message = e.Message
		}
		res.Code = e.Code
		res.Subcode = e.Subcode
		res.TraceID = e.FBTraceID
	}
	res.Kind = Classify(res.Status, res.Code, res.Message)
	return res
}

func networkResult(err error) Result {
	raw, _ := json.Marshal(map[string]any{
		"error": map[string]string{"message": err.Error(), "type": "Exception"},
	})
	return Result{Kind: KindNetwork, Message: err.Error(), Raw: raw}
}

// asJSON keeps body as-is when it is valid JSON and wraps it otherwise.
func asJSON(body []byte) json.RawMessage {
	if len(body) > 0 && json.Valid(body) {
		return json.RawMessage(body)
	}
	wrapped, _ := json.Marshal(map[string]string{"body": string(body)})
	return wrapped
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
