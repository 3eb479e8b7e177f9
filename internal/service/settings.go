package service

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"adaccount-provisioner/internal/jobstate"
	"adaccount-provisioner/internal/models"
)

// SettingsInput is a partial update; nil fields are left unchanged.
type SettingsInput struct {
	ProxyEnabled         *bool   `json:"proxy_enabled"`
	RotationPolicy       *string `json:"rotation_policy"`
	NotificationsEnabled *bool   `json:"notifications_enabled"`
}

func (s *Service) GetSettings(ctx context.Context, owner string) (models.Settings, error) {
	return s.store.GetSettings(ctx, owner)
}

func (s *Service) UpdateSettings(ctx context.Context, owner string, in SettingsInput) (models.Settings, error) {
	cur, err := s.store.GetSettings(ctx, owner)
	if err != nil {
		return models.Settings{}, err
	}
	if in.RotationPolicy != nil {
		if !models.ValidRotation(*in.RotationPolicy) {
			return models.Settings{}, invalid("rotation_policy", "must be one of round-robin, random, sequential")
		}
		cur.RotationPolicy = *in.RotationPolicy
	}
	if in.ProxyEnabled != nil {
		cur.ProxyEnabled = *in.ProxyEnabled
	}
	if in.NotificationsEnabled != nil {
		cur.NotificationsEnabled = *in.NotificationsEnabled
	}
	cur.Owner = owner
	return s.store.SaveSettings(ctx, cur)
}

type BotInput struct {
	Name   string   `json:"name"`
	Token  string   `json:"token"`
	ChatID string   `json:"chat_id"`
	Events []string `json:"events"`
	Active *bool    `json:"active"`
}

var errNoBotTester = errors.New("telegram delivery is not configured")

// CreateBot registers a notification bot. No events means every event.
func (s *Service) CreateBot(ctx context.Context, owner string, in BotInput) (models.TelegramBot, error) {
	in.Name = strings.TrimSpace(in.Name)
	in.Token = strings.TrimSpace(in.Token)
	in.ChatID = strings.TrimSpace(in.ChatID)
	switch {
	case in.Name == "":
		return models.TelegramBot{}, invalid("name", "is required")
	case in.Token == "":
		return models.TelegramBot{}, invalid("token", "is required")
	case in.ChatID == "":
		return models.TelegramBot{}, invalid("chat_id", "is required")
	}
	events := in.Events
	if len(events) == 0 {
		events = slices.Clone(jobstate.Events)
	}
	for _, ev := range events {
		if !slices.Contains(jobstate.Events, ev) {
			return models.TelegramBot{}, invalid("events", "unknown event %q", ev)
		}
	}
	active := true
	if in.Active != nil {
		active = *in.Active
	}
	b, err := s.store.CreateBot(ctx, models.TelegramBot{
		Owner:  owner,
		Name:   in.Name,
		Token:  in.Token,
		ChatID: in.ChatID,
		Events: events,
		Active: active,
	})
	if err != nil {
		return models.TelegramBot{}, fmt.Errorf("create bot: %w", err)
	}
	return b, nil
}

func (s *Service) ListBots(ctx context.Context, owner string) ([]models.TelegramBot, error) {
	return s.store.ListBots(ctx, owner)
}

func (s *Service) DeleteBot(ctx context.Context, owner, id string) error {
	if _, err := s.ownBot(ctx, owner, id); err != nil {
		return err
	}
	return s.store.DeleteBot(ctx, id)
}

// TestBot sends the test message through the bot. Delivery errors come back as
// *notify.SendError with operator text.
func (s *Service) TestBot(ctx context.Context, owner, id string) error {
	b, err := s.ownBot(ctx, owner, id)
	if err != nil {
		return err
	}
	if s.bots == nil {
		return errNoBotTester
	}
	return s.bots.Test(ctx, b)
}
