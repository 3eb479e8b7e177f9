package service

import (
	"context"
	"fmt"
	"strings"

	"adaccount-provisioner/internal/logger"
	"adaccount-provisioner/internal/models"
	"adaccount-provisioner/internal/store"
)

type AccountInput struct {
	Title       string `json:"title"`
	BusinessID  string `json:"business_id"`
	AccessToken string `json:"access_token"`
}

func (s *Service) CreateAccount(ctx context.Context, owner string, in AccountInput) (models.Account, error) {
	in.Title = strings.TrimSpace(in.Title)
	in.BusinessID = strings.TrimSpace(in.BusinessID)
	in.AccessToken = strings.TrimSpace(in.AccessToken)
	switch {
	case in.Title == "":
		return models.Account{}, invalid("title", "is required")
	case in.BusinessID == "":
		return models.Account{}, invalid("business_id", "is required")
	case strings.Trim(in.BusinessID, "0123456789") != "":
		return models.Account{}, invalid("business_id", "must be numeric")
	case in.AccessToken == "":
		return models.Account{}, invalid("access_token", "is required")
	}
	a, err := s.store.CreateAccount(ctx, store.CreateAccountParams{
		Owner:       owner,
		Title:       in.Title,
		BusinessID:  in.BusinessID,
		AccessToken: in.AccessToken,
	})
	if err != nil {
		return models.Account{}, fmt.Errorf("create account: %w", err)
	}
	s.log.WithFields(logger.Fields{logger.FieldAccountID: a.ID, logger.FieldOwner: owner}).Info("account created")
	return a, nil
}

func (s *Service) GetAccount(ctx context.Context, owner, id string) (models.Account, error) {
	return s.ownAccount(ctx, owner, id)
}

func (s *Service) ListAccounts(ctx context.Context, owner string, withDeleted bool) ([]models.Account, error) {
	return s.store.ListAccounts(ctx, owner, withDeleted)
}

// DeleteAccount pauses the lane's active jobs, then soft-deletes the lane with its
// jobs and items.
func (s *Service) DeleteAccount(ctx context.Context, owner, id string) error {
	a, err := s.ownAccount(ctx, owner, id)
	if err != nil {
		return err
	}
	jobs, err := s.store.ListJobs(ctx, store.JobFilter{AccountID: a.ID})
	if err != nil {
		return fmt.Errorf("list lane jobs: %w", err)
	}
	for _, j := range jobs {
		if !j.Active() {
			continue
		}
		if _, err := s.transition(ctx, j, models.StatusPaused, ""); err != nil {
			return err
		}
		s.withdraw(ctx, j.ID)
	}
	if err := s.store.SoftDeleteAccount(ctx, a.ID); err != nil {
		return fmt.Errorf("delete account: %w", err)
	}
	s.log.WithFields(logger.Fields{logger.FieldAccountID: a.ID, logger.FieldOwner: owner}).Info("account deleted")
	return nil
}

// RestoreAccount undoes DeleteAccount. Restored jobs stay Paused.
func (s *Service) RestoreAccount(ctx context.Context, owner, id string) (models.Account, error) {
	a, err := s.ownAccount(ctx, owner, id)
	if err != nil {
		return models.Account{}, err
	}
	if err := s.store.RestoreAccount(ctx, a.ID); err != nil {
		return models.Account{}, fmt.Errorf("restore account: %w", err)
	}
	return s.store.GetAccount(ctx, a.ID)
}
