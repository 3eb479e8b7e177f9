package store_test

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"adaccount-provisioner/internal/secrets"
	"adaccount-provisioner/internal/store"
	"adaccount-provisioner/internal/store/storetest"
)

// setupTestDB starts one Postgres container for the calling test and applies migrations.
func setupTestDB(t *testing.T) *pgxpool.Pool {
	t.Helper()
	ctx := context.Background()

	pgContainer, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("provisioner_test"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, pgContainer.Terminate(ctx))
	})

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)
	require.NoError(t, store.RunMigrations(connStr))

	pool, err := pgxpool.New(ctx, connStr)
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	return pool
}

func newBox(t *testing.T, passphrase string) *secrets.Box {
	t.Helper()
	box, err := secrets.NewBox(passphrase)
	require.NoError(t, err)
	return box
}

func truncateAll(t *testing.T, pool *pgxpool.Pool) {
	t.Helper()
	_, err := pool.Exec(context.Background(),
		`TRUNCATE items, jobs, accounts, proxies, owner_settings, telegram_bots RESTART IDENTITY CASCADE`)
	require.NoError(t, err)
}

func TestPostgresStore(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	box := newBox(t, "test-passphrase")

	storetest.Run(t, func(t *testing.T) store.Store {
		truncateAll(t, pool)
		return store.NewFromPool(pool, box)
	})
}

func TestPostgresStore_TokenSealedAtRest(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	ctx := context.Background()
	s := store.NewFromPool(pool, newBox(t, "test-passphrase"))

	a, err := s.CreateAccount(ctx, store.CreateAccountParams{
		Owner: "owner-1", Title: "BM", BusinessID: "42", AccessToken: "plain-token",
	})
	require.NoError(t, err)

	var stored string
	require.NoError(t, pool.QueryRow(ctx, `SELECT access_token FROM accounts WHERE id = $1`, a.ID).Scan(&stored))
	assert.NotEqual(t, "plain-token", stored)

	creds, err := s.LaneCredentials(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, "plain-token", creds.AccessToken)

	// A store with a different key cannot read the token back.
	other := store.NewFromPool(pool, newBox(t, "another-passphrase"))
	_, err = other.LaneCredentials(ctx, a.ID)
	assert.ErrorIs(t, err, secrets.ErrDecrypt)
}

func TestPostgresStore_PartialIndexGuardsLane(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	ctx := context.Background()
	s := store.NewFromPool(pool, nil)

	a, err := s.CreateAccount(ctx, store.CreateAccountParams{Owner: "o", Title: "BM", BusinessID: "1", AccessToken: "t"})
	require.NoError(t, err)
	j1, err := s.CreateJob(ctx, store.CreateJobParams{AccountID: a.ID, Owner: "o", Pattern: "A-{number}", StartingNumber: 1, Total: 1, Currency: "USD", TimezoneID: 1})
	require.NoError(t, err)
	j2, err := s.CreateJob(ctx, store.CreateJobParams{AccountID: a.ID, Owner: "o", Pattern: "B-{number}", StartingNumber: 1, Total: 1, Currency: "USD", TimezoneID: 1})
	require.NoError(t, err)

	_, _, err = s.ClaimJob(ctx, j1.ID)
	require.NoError(t, err)

	// Bypass the advisory lock; the index alone must reject a second processing row.
	_, err = pool.Exec(ctx, `UPDATE jobs SET status = 'processing' WHERE id = $1`, j2.ID)
	require.Error(t, err)
}
