package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"adaccount-provisioner/internal/models"
	"adaccount-provisioner/internal/proxy"
	"adaccount-provisioner/internal/store"
)

type ProxyInput struct {
	Name     string `json:"name"`
	Protocol string `json:"protocol"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username"`
	Password string `json:"password"`
}

// ImportReport counts the outcome of a bulk import.
type ImportReport struct {
	Imported int      `json:"imported"`
	Skipped  int      `json:"skipped"`
	Proxies  []string `json:"proxies"`
}

var errNoProxyPool = errors.New("proxy validation is not configured")

// CreateProxy stores a proxy. It is unusable until validated.
func (s *Service) CreateProxy(ctx context.Context, owner string, in ProxyInput) (models.Proxy, error) {
	in.Protocol = strings.ToLower(strings.TrimSpace(in.Protocol))
	in.Host = strings.TrimSpace(in.Host)
	if in.Protocol == "" {
		in.Protocol = models.ProtocolHTTP
	}
	switch {
	case !models.ValidProtocol(in.Protocol):
		return models.Proxy{}, invalid("protocol", "must be one of http, https, socks4, socks5")
	case in.Host == "":
		return models.Proxy{}, invalid("host", "is required")
	case in.Port < 1 || in.Port > 65535:
		return models.Proxy{}, invalid("port", "must be between 1 and 65535")
	}
	if in.Name == "" {
		in.Name = in.Host + ":" + strconv.Itoa(in.Port)
	}
	p, err := s.store.CreateProxy(ctx, models.Proxy{
		Owner:    owner,
		Name:     in.Name,
		Protocol: in.Protocol,
		Host:     in.Host,
		Port:     in.Port,
		Username: in.Username,
		Password: in.Password,
		Active:   true,
	})
	if err != nil {
		return models.Proxy{}, fmt.Errorf("create proxy: %w", err)
	}
	return p, nil
}

// ImportProxies adds one proxy per parsable line. Lines that do not parse and
// proxies already registered for the owner are skipped.
func (s *Service) ImportProxies(ctx context.Context, owner, text string) (ImportReport, error) {
	var rep ImportReport
	parsed := proxy.ParseBulk(text, owner)
	for _, line := range strings.Split(text, "\n") {
		if strings.TrimSpace(line) != "" {
			rep.Skipped++
		}
	}
	rep.Skipped -= len(parsed)
	for _, p := range parsed {
		created, err := s.store.CreateProxy(ctx, p)
		if errors.Is(err, store.ErrDuplicate) {
			rep.Skipped++
			continue
		}
		if err != nil {
			return rep, fmt.Errorf("import proxy %s: %w", p.Display(), err)
		}
		rep.Imported++
		rep.Proxies = append(rep.Proxies, created.ID)
	}
	return rep, nil
}

func (s *Service) ListProxies(ctx context.Context, owner string) ([]models.Proxy, error) {
	return s.store.ListProxies(ctx, owner)
}

// ValidateProxy probes one proxy and returns its refreshed record.
func (s *Service) ValidateProxy(ctx context.Context, owner, id string) (models.Proxy, bool, error) {
	p, err := s.ownProxy(ctx, owner, id)
	if err != nil {
		return models.Proxy{}, false, err
	}
	if s.proxies == nil {
		return models.Proxy{}, false, errNoProxyPool
	}
	ok := s.proxies.Validate(ctx, p)
	updated, err := s.store.GetProxy(ctx, id)
	if err != nil {
		return models.Proxy{}, false, err
	}
	return updated, ok, nil
}

func (s *Service) ValidateAllProxies(ctx context.Context, owner string) (proxy.Summary, error) {
	if s.proxies == nil {
		return proxy.Summary{}, errNoProxyPool
	}
	return s.proxies.ValidateAll(ctx, owner)
}

func (s *Service) DeleteProxy(ctx context.Context, owner, id string) error {
	if _, err := s.ownProxy(ctx, owner, id); err != nil {
		return err
	}
	return s.store.DeleteProxy(ctx, id)
}
