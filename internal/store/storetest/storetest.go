// Package storetest holds behaviour tests every store.Store implementation must pass.
package storetest

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"adaccount-provisioner/internal/jobstate"
	"adaccount-provisioner/internal/models"
	"adaccount-provisioner/internal/store"
)

// Factory returns a fresh, empty store for one subtest.
type Factory func(t *testing.T) store.Store

// Run executes the shared suite against newStore.
func Run(t *testing.T, newStore Factory) {
	t.Run("JobLifecycle", func(t *testing.T) { testJobLifecycle(t, newStore(t)) })
	t.Run("LaneSingleFlight", func(t *testing.T) { testLaneSingleFlight(t, newStore(t)) })
	t.Run("ClaimNextPendingOrder", func(t *testing.T) { testClaimNextPendingOrder(t, newStore(t)) })
	t.Run("ItemsIdempotent", func(t *testing.T) { testItemsIdempotent(t, newStore(t)) })
	t.Run("ProcessedBounded", func(t *testing.T) { testProcessedBounded(t, newStore(t)) })
	t.Run("SoftDeleteCascade", func(t *testing.T) { testSoftDeleteCascade(t, newStore(t)) })
	t.Run("ProxyDeactivation", func(t *testing.T) { testProxyDeactivation(t, newStore(t)) })
	t.Run("ProxyDuplicate", func(t *testing.T) { testProxyDuplicate(t, newStore(t)) })
	t.Run("SettingsDefaults", func(t *testing.T) { testSettings(t, newStore(t)) })
	t.Run("Bots", func(t *testing.T) { testBots(t, newStore(t)) })
}

func seedAccount(t *testing.T, s store.Store) models.Account {
	t.Helper()
	a, err := s.CreateAccount(context.Background(), store.CreateAccountParams{
		Owner: "owner-1", Title: "Main BM", BusinessID: "1234", AccessToken: "tok",
	})
	require.NoError(t, err)
	return a
}

func seedJob(t *testing.T, s store.Store, accountID string, total int) models.Job {
	t.Helper()
	j, err := s.CreateJob(context.Background(), store.CreateJobParams{
		AccountID: accountID, Owner: "owner-1", Pattern: "X-{number}", StartingNumber: 1,
		Total: total, Currency: "USD", TimezoneID: 1,
	})
	require.NoError(t, err)
	return j
}

func testJobLifecycle(t *testing.T, s store.Store) {
	ctx := context.Background()
	a := seedAccount(t, s)
	j := seedJob(t, s, a.ID, 2)
	assert.Equal(t, models.StatusPending, j.Status)

	creds, err := s.LaneCredentials(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, "1234", creds.BusinessID)
	assert.Equal(t, "tok", creds.AccessToken)

	claimed, eff, err := s.ClaimJob(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusProcessing, claimed.Status)
	assert.NotNil(t, claimed.StartedAt)
	assert.Equal(t, jobstate.EventJobStarted, eff.Event)

	paused, eff, err := s.TransitionJob(ctx, j.ID, models.StatusPaused, "")
	require.NoError(t, err)
	assert.Equal(t, models.StatusPaused, paused.Status)
	assert.NotNil(t, paused.PausedAt)
	assert.Equal(t, jobstate.EventJobPaused, eff.Event)

	_, _, err = s.TransitionJob(ctx, j.ID, models.StatusCompleted, "")
	assert.ErrorIs(t, err, store.ErrInvalidTransition)

	resumed, eff, err := s.ClaimJob(ctx, j.ID)
	require.NoError(t, err)
	assert.NotNil(t, resumed.ResumedAt)
	assert.Equal(t, jobstate.EventJobResumed, eff.Event)

	failed, _, err := s.TransitionJob(ctx, j.ID, models.StatusFailed, "boom")
	require.NoError(t, err)
	require.NotNil(t, failed.ErrorMessage)
	assert.Equal(t, "boom", *failed.ErrorMessage)

	retried, _, err := s.TransitionJob(ctx, j.ID, models.StatusPending, "")
	require.NoError(t, err)
	assert.Nil(t, retried.ErrorMessage)

	_, err = s.GetJob(ctx, "00000000-0000-0000-0000-000000000000")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func testLaneSingleFlight(t *testing.T, s store.Store) {
	ctx := context.Background()
	a := seedAccount(t, s)
	var jobs []models.Job
	for i := 0; i < 8; i++ {
		jobs = append(jobs, seedJob(t, s, a.ID, 1))
	}

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		claimed int
	)
	for _, j := range jobs {
		wg.Add(2)
		go func(id string) {
			defer wg.Done()
			if _, _, err := s.ClaimJob(ctx, id); err == nil {
				mu.Lock()
				claimed++
				mu.Unlock()
			} else {
				// Either another job holds the lane or this one was already claimed.
				assert.True(t, errors.Is(err, store.ErrLaneBusy) || errors.Is(err, store.ErrInvalidTransition), err)
			}
		}(j.ID)
		go func() {
			defer wg.Done()
			if _, _, ok, err := s.ClaimNextPending(ctx, a.ID); err == nil && ok {
				mu.Lock()
				claimed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, claimed)
	processing, err := s.ListJobs(ctx, store.JobFilter{AccountID: a.ID, Status: models.StatusProcessing})
	require.NoError(t, err)
	assert.Len(t, processing, 1)

	busy, err := s.HasProcessing(ctx, a.ID)
	require.NoError(t, err)
	assert.True(t, busy)

	_, _, ok, err := s.ClaimNextPending(ctx, a.ID)
	require.NoError(t, err)
	assert.False(t, ok)
}

func testClaimNextPendingOrder(t *testing.T, s store.Store) {
	ctx := context.Background()
	a := seedAccount(t, s)
	first := seedJob(t, s, a.ID, 1)
	second := seedJob(t, s, a.ID, 1)

	got, _, ok, err := s.ClaimNextPending(ctx, a.ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, first.ID, got.ID)

	_, _, err = s.TransitionJob(ctx, first.ID, models.StatusCompleted, "")
	require.NoError(t, err)

	got, _, ok, err = s.ClaimNextPending(ctx, a.ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, second.ID, got.ID)
}

func testItemsIdempotent(t *testing.T, s store.Store) {
	ctx := context.Background()
	a := seedAccount(t, s)
	j := seedJob(t, s, a.ID, 2)

	it, err := s.EnsureItem(ctx, j, "X-1")
	require.NoError(t, err)
	assert.Equal(t, models.ItemPending, it.Status)

	again, err := s.EnsureItem(ctx, j, "X-1")
	require.NoError(t, err)
	assert.Equal(t, it.ID, again.ID)

	require.NoError(t, s.FailItem(ctx, it.ID, []byte(`{"error":{"code":1}}`)))
	updated, err := s.CompleteItem(ctx, it.ID, "act_1", []byte(`{"id":"act_1"}`))
	require.NoError(t, err)
	assert.Equal(t, 1, updated.Processed)

	// Completing twice must not double count.
	updated, err = s.CompleteItem(ctx, it.ID, "act_1", []byte(`{"id":"act_1"}`))
	require.NoError(t, err)
	assert.Equal(t, 1, updated.Processed)

	other, err := s.EnsureItem(ctx, j, "X-2")
	require.NoError(t, err)
	_, err = s.CompleteItem(ctx, other.ID, "act_1", nil)
	assert.ErrorIs(t, err, store.ErrDuplicate)

	items, err := s.ListItems(ctx, j.ID)
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, "X-1", items[0].Name)
	assert.Equal(t, models.ItemCreated, items[0].Status)
	require.NotNil(t, items[0].ExternalID)
	assert.Equal(t, "act_1", *items[0].ExternalID)
}

func testProcessedBounded(t *testing.T, s store.Store) {
	ctx := context.Background()
	a := seedAccount(t, s)
	j := seedJob(t, s, a.ID, 1)
	// An item past total cannot push processed beyond total.
	for i, name := range []string{"X-1", "X-2"} {
		it, err := s.EnsureItem(ctx, j, name)
		require.NoError(t, err)
		got, err := s.CompleteItem(ctx, it.ID, "act_"+name, nil)
		require.NoError(t, err)
		assert.LessOrEqual(t, got.Processed, got.Total, "step %d", i)
	}
	got, err := s.GetJob(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.Processed)
}

func testSoftDeleteCascade(t *testing.T, s store.Store) {
	ctx := context.Background()
	a := seedAccount(t, s)
	j := seedJob(t, s, a.ID, 1)
	_, err := s.EnsureItem(ctx, j, "X-1")
	require.NoError(t, err)

	assert.ErrorIs(t, s.SoftDeleteJob(ctx, j.ID), store.ErrInvalidTransition)

	_, _, err = s.TransitionJob(ctx, j.ID, models.StatusPaused, "")
	require.NoError(t, err)
	require.NoError(t, s.SoftDeleteJob(ctx, j.ID))

	deleted, err := s.GetJob(ctx, j.ID)
	require.NoError(t, err)
	assert.NotNil(t, deleted.DeletedAt)
	items, err := s.ListItems(ctx, j.ID)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.NotNil(t, items[0].DeletedAt)

	visible, err := s.ListJobs(ctx, store.JobFilter{Owner: "owner-1"})
	require.NoError(t, err)
	assert.Empty(t, visible)

	require.NoError(t, s.RestoreJob(ctx, j.ID))
	items, err = s.ListItems(ctx, j.ID)
	require.NoError(t, err)
	assert.Nil(t, items[0].DeletedAt)

	require.NoError(t, s.SoftDeleteAccount(ctx, a.ID))
	deleted, err = s.GetJob(ctx, j.ID)
	require.NoError(t, err)
	assert.NotNil(t, deleted.DeletedAt)
	_, err = s.LaneCredentials(ctx, a.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)

	require.NoError(t, s.RestoreAccount(ctx, a.ID))
	restored, err := s.GetJob(ctx, j.ID)
	require.NoError(t, err)
	assert.Nil(t, restored.DeletedAt)
}

func testProxyDeactivation(t *testing.T, s store.Store) {
	ctx := context.Background()
	p, err := s.CreateProxy(ctx, models.Proxy{
		Owner: "owner-1", Protocol: "http", Host: "10.0.0.1", Port: 8080,
		Active: true, Validated: true, SuccessCount: 4, FailureCount: 9,
	})
	require.NoError(t, err)

	usable, err := s.UsableProxies(ctx, "owner-1")
	require.NoError(t, err)
	assert.Len(t, usable, 1)

	got, err := s.RecordProxyUse(ctx, p.ID, false, "connection refused")
	require.NoError(t, err)
	assert.Equal(t, 10, got.FailureCount)
	assert.False(t, got.Active)
	require.NotNil(t, got.LastError)
	assert.Equal(t, "connection refused", *got.LastError)
	assert.NotNil(t, got.LastUsedAt)

	usable, err = s.UsableProxies(ctx, "owner-1")
	require.NoError(t, err)
	assert.Empty(t, usable)

	require.NoError(t, s.SetProxyValidation(ctx, p.ID, false, "Validation failed: 502"))
	got, err = s.GetProxy(ctx, p.ID)
	require.NoError(t, err)
	assert.False(t, got.Validated)
	assert.NotNil(t, got.LastValidatedAt)

	require.NoError(t, s.DeleteProxy(ctx, p.ID))
	_, err = s.GetProxy(ctx, p.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func testProxyDuplicate(t *testing.T, s store.Store) {
	ctx := context.Background()
	base := models.Proxy{Owner: "owner-1", Protocol: "http", Host: "10.0.0.2", Port: 3128, Active: true}
	_, err := s.CreateProxy(ctx, base)
	require.NoError(t, err)
	_, err = s.CreateProxy(ctx, base)
	assert.ErrorIs(t, err, store.ErrDuplicate)

	base.Owner = "owner-2"
	_, err = s.CreateProxy(ctx, base)
	assert.NoError(t, err)
}

func testSettings(t *testing.T, s store.Store) {
	ctx := context.Background()
	st, err := s.GetSettings(ctx, "owner-9")
	require.NoError(t, err)
	assert.False(t, st.ProxyEnabled)
	assert.Equal(t, models.RotationRoundRobin, st.RotationPolicy)
	assert.True(t, st.NotificationsEnabled)

	st.ProxyEnabled = true
	st.RotationPolicy = models.RotationSequential
	_, err = s.SaveSettings(ctx, st)
	require.NoError(t, err)

	st, err = s.GetSettings(ctx, "owner-9")
	require.NoError(t, err)
	assert.True(t, st.ProxyEnabled)
	assert.Equal(t, models.RotationSequential, st.RotationPolicy)
}

func testBots(t *testing.T, s store.Store) {
	ctx := context.Background()
	b, err := s.CreateBot(ctx, models.TelegramBot{
		Owner: "owner-1", Name: "ops", Token: "123:abc", ChatID: "42",
		Events: []string{jobstate.EventJobCompleted}, Active: true,
	})
	require.NoError(t, err)

	bots, err := s.ListBots(ctx, "owner-1")
	require.NoError(t, err)
	require.Len(t, bots, 1)
	assert.Equal(t, []string{jobstate.EventJobCompleted}, bots[0].Events)
	assert.Equal(t, "123:abc", bots[0].Token)

	require.NoError(t, s.TouchBot(ctx, b.ID))
	got, err := s.GetBot(ctx, b.ID)
	require.NoError(t, err)
	assert.NotNil(t, got.LastNotificationAt)

	require.NoError(t, s.DeleteBot(ctx, b.ID))
	_, err = s.GetBot(ctx, b.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
}
