package models

import (
	"fmt"
	"net/url"
	"slices"
	"strconv"
	"time"
)

// Account is an owning ad business; jobs in the same account share a lane.
type Account struct {
	ID          string     `json:"id"`
	Owner       string     `json:"owner"`
	Title       string     `json:"title"`
	BusinessID  string     `json:"business_id"`
	AccessToken string     `json:"-"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	DeletedAt   *time.Time `json:"deleted_at,omitempty"`
}

// Credentials are what the external API needs to act for a lane.
type Credentials struct {
	BusinessID  string
	AccessToken string
}

// Supported proxy protocols.
const (
	ProtocolHTTP   = "http"
	ProtocolHTTPS  = "https"
	ProtocolSOCKS4 = "socks4"
	ProtocolSOCKS5 = "socks5"
)

// ValidProtocol reports whether p is a supported proxy scheme.
func ValidProtocol(p string) bool {
	switch p {
	case ProtocolHTTP, ProtocolHTTPS, ProtocolSOCKS4, ProtocolSOCKS5:
		return true
	}
	return false
}

// Auto-deactivation thresholds.
const (
	DeactivateFailureThreshold = 10
	DeactivateSuccessFloor     = 5
)

// Proxy is an outbound egress descriptor owned by a user.
type Proxy struct {
	ID              string     `json:"id"`
	Owner           string     `json:"owner"`
	Name            string     `json:"name"`
	Protocol        string     `json:"protocol"`
	Host            string     `json:"host"`
	Port            int        `json:"port"`
	Username        string     `json:"username,omitempty"`
	Password        string     `json:"-"`
	Active          bool       `json:"active"`
	Validated       bool       `json:"validated"`
	SuccessCount    int        `json:"success_count"`
	FailureCount    int        `json:"failure_count"`
	LastUsedAt      *time.Time `json:"last_used_at,omitempty"`
	LastValidatedAt *time.Time `json:"last_validated_at,omitempty"`
	LastError       *string    `json:"last_error,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// URL renders the proxy as scheme://[user:pass@]host:port.
func (p Proxy) URL() string {
	u := url.URL{Scheme: p.Protocol, Host: p.Host + ":" + strconv.Itoa(p.Port)}
	if p.Username != "" {
		u.User = url.UserPassword(p.Username, p.Password)
	}
	return u.String()
}

// Display is the proxy address without credentials.
func (p Proxy) Display() string {
	return fmt.Sprintf("%s://%s:%d", p.Protocol, p.Host, p.Port)
}

// Usable reports whether the proxy is eligible for selection.
func (p Proxy) Usable() bool {
	return p.Active && p.Validated
}

// ShouldDeactivate applies the health rule for auto-disabling.
func (p Proxy) ShouldDeactivate() bool {
	return p.FailureCount >= DeactivateFailureThreshold && p.SuccessCount < DeactivateSuccessFloor
}

// SuccessRate is the percentage of successful uses, 0 when unused.
func (p Proxy) SuccessRate() float64 {
	total := p.SuccessCount + p.FailureCount
	if total == 0 {
		return 0
	}
	return float64(p.SuccessCount) / float64(total) * 100
}

// Rotation policies.
const (
	RotationRoundRobin = "round-robin"
	RotationRandom     = "random"
	RotationSequential = "sequential"
)

// ValidRotation reports whether policy is a known rotation policy.
func ValidRotation(policy string) bool {
	switch policy {
	case RotationRoundRobin, RotationRandom, RotationSequential:
		return true
	}
	return false
}

// Settings are per-owner toggles.
type Settings struct {
	Owner                string    `json:"owner"`
	ProxyEnabled         bool      `json:"proxy_enabled"`
	RotationPolicy       string    `json:"rotation_policy"`
	NotificationsEnabled bool      `json:"notifications_enabled"`
	UpdatedAt            time.Time `json:"updated_at"`
}

// DefaultSettings are applied when an owner has never saved settings.
func DefaultSettings(owner string) Settings {
	return Settings{
		Owner:                owner,
		ProxyEnabled:         false,
		RotationPolicy:       RotationRoundRobin,
		NotificationsEnabled: true,
	}
}

// TelegramBot delivers notifications for an owner.
type TelegramBot struct {
	ID                 string     `json:"id"`
	Owner              string     `json:"owner"`
	Name               string     `json:"name"`
	Token              string     `json:"-"`
	ChatID             string     `json:"chat_id"`
	Events             []string   `json:"events"`
	Active             bool       `json:"active"`
	LastNotificationAt *time.Time `json:"last_notification_at,omitempty"`
	CreatedAt          time.Time  `json:"created_at"`
}

// ShouldNotify reports whether the bot is subscribed to event.
func (b TelegramBot) ShouldNotify(event string) bool {
	return b.Active && slices.Contains(b.Events, event)
}
