package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"adaccount-provisioner/internal/jobstate"
	"adaccount-provisioner/internal/models"
	"adaccount-provisioner/internal/secrets"
)

// Postgres implements Store on a pgx pool.
type Postgres struct {
	pool *pgxpool.Pool
	box  *secrets.Box
	now  func() time.Time
}

var _ Store = (*Postgres)(nil)

// New creates a pooled connection to Postgres. box may be nil, in which case
// tokens are stored as given.
func New(ctx context.Context, dsn string, box *secrets.Box) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return NewFromPool(pool, box), nil
}

// NewFromPool wraps an existing pool.
func NewFromPool(pool *pgxpool.Pool, box *secrets.Box) *Postgres {
	return &Postgres{pool: pool, box: box, now: time.Now}
}

func (s *Postgres) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Ping checks connectivity for health endpoints.
func (s *Postgres) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *Postgres) clock() time.Time { return s.now().UTC() }

func (s *Postgres) seal(v string) (string, error) {
	if s.box == nil {
		return v, nil
	}
	return s.box.Seal(v)
}

func (s *Postgres) open(v string) (string, error) {
	if s.box == nil {
		return v, nil
	}
	return s.box.Open(v)
}

// --- accounts ---

func (s *Postgres) CreateAccount(ctx context.Context, p CreateAccountParams) (models.Account, error) {
	sealed, err := s.seal(p.AccessToken)
	if err != nil {
		return models.Account{}, fmt.Errorf("seal token: %w", err)
	}
	now := s.clock()
	a := models.Account{
		ID:          uuid.New().String(),
		Owner:       p.Owner,
		Title:       p.Title,
		BusinessID:  p.BusinessID,
		AccessToken: p.AccessToken,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO accounts (id, owner, title, business_id, access_token, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $6)
	`, a.ID, a.Owner, a.Title, a.BusinessID, sealed, now)
	if err != nil {
		return models.Account{}, fmt.Errorf("insert account: %w", err)
	}
	return a, nil
}

const accountColumns = `id, owner, title, business_id, access_token, created_at, updated_at, deleted_at`

func (s *Postgres) scanAccount(row pgx.Row) (models.Account, error) {
	var (
		a      models.Account
		sealed string
	)
	if err := row.Scan(&a.ID, &a.Owner, &a.Title, &a.BusinessID, &sealed, &a.CreatedAt, &a.UpdatedAt, &a.DeletedAt); err != nil {
		return models.Account{}, err
	}
	token, err := s.open(sealed)
	if err != nil {
		return models.Account{}, fmt.Errorf("open token for account %s: %w", a.ID, err)
	}
	a.AccessToken = token
	return a, nil
}

func (s *Postgres) GetAccount(ctx context.Context, id string) (models.Account, error) {
	a, err := s.scanAccount(s.pool.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Account{}, fmt.Errorf("account %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return models.Account{}, fmt.Errorf("scan account: %w", err)
	}
	return a, nil
}

func (s *Postgres) ListAccounts(ctx context.Context, owner string, withDeleted bool) ([]models.Account, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+accountColumns+` FROM accounts
		WHERE owner = $1 AND ($2 OR deleted_at IS NULL)
		ORDER BY created_at
	`, owner, withDeleted)
	if err != nil {
		return nil, fmt.Errorf("query accounts: %w", err)
	}
	defer rows.Close()
	var out []models.Account
	for rows.Next() {
		a, err := s.scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("scan account: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *Postgres) SoftDeleteAccount(ctx context.Context, id string) error {
	return s.inTx(ctx, func(tx pgx.Tx) error {
		now := s.clock()
		var busy bool
		if err := tx.QueryRow(ctx, `
			SELECT EXISTS (SELECT 1 FROM jobs WHERE account_id = $1 AND status = $2 AND deleted_at IS NULL)
		`, id, models.StatusProcessing).Scan(&busy); err != nil {
			return fmt.Errorf("check lane: %w", err)
		}
		if busy {
			return fmt.Errorf("account %s has a processing job: %w", id, ErrLaneBusy)
		}
		tag, err := tx.Exec(ctx, `UPDATE accounts SET deleted_at = $2, updated_at = $2 WHERE id = $1`, id, now)
		if err != nil {
			return fmt.Errorf("delete account: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("account %s: %w", id, ErrNotFound)
		}
		if _, err := tx.Exec(ctx, `
			UPDATE items SET deleted_at = $2
			WHERE deleted_at IS NULL AND job_id IN (SELECT id FROM jobs WHERE account_id = $1 AND deleted_at IS NULL)
		`, id, now); err != nil {
			return fmt.Errorf("cascade items: %w", err)
		}
		if _, err := tx.Exec(ctx, `UPDATE jobs SET deleted_at = $2 WHERE account_id = $1 AND deleted_at IS NULL`, id, now); err != nil {
			return fmt.Errorf("cascade jobs: %w", err)
		}
		return nil
	})
}

func (s *Postgres) RestoreAccount(ctx context.Context, id string) error {
	return s.inTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `UPDATE accounts SET deleted_at = NULL, updated_at = $2 WHERE id = $1`, id, s.clock())
		if err != nil {
			return fmt.Errorf("restore account: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("account %s: %w", id, ErrNotFound)
		}
		if _, err := tx.Exec(ctx, `
			UPDATE items SET deleted_at = NULL
			WHERE deleted_at IS NOT NULL AND job_id IN (SELECT id FROM jobs WHERE account_id = $1 AND deleted_at IS NOT NULL)
		`, id); err != nil {
			return fmt.Errorf("restore items: %w", err)
		}
		if _, err := tx.Exec(ctx, `UPDATE jobs SET deleted_at = NULL WHERE account_id = $1 AND deleted_at IS NOT NULL`, id); err != nil {
			return fmt.Errorf("restore jobs: %w", err)
		}
		return nil
	})
}

func (s *Postgres) LaneCredentials(ctx context.Context, accountID string) (models.Credentials, error) {
	var business, sealed string
	err := s.pool.QueryRow(ctx, `
		SELECT business_id, access_token FROM accounts WHERE id = $1 AND deleted_at IS NULL
	`, accountID).Scan(&business, &sealed)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Credentials{}, fmt.Errorf("account %s: %w", accountID, ErrNotFound)
	}
	if err != nil {
		return models.Credentials{}, fmt.Errorf("query credentials: %w", err)
	}
	token, err := s.open(sealed)
	if err != nil {
		return models.Credentials{}, fmt.Errorf("open token: %w", err)
	}
	return models.Credentials{BusinessID: business, AccessToken: token}, nil
}

// --- jobs ---

const jobColumns = `id, account_id, owner, pattern, starting_number, total, processed, currency, timezone_id,
	status, error_message, started_at, paused_at, resumed_at, completed_at, running_seconds, items_per_minute,
	created_at, updated_at, deleted_at`

func scanJob(row pgx.Row) (models.Job, error) {
	var (
		j      models.Job
		errMsg pgtype.Text
	)
	err := row.Scan(&j.ID, &j.AccountID, &j.Owner, &j.Pattern, &j.StartingNumber, &j.Total, &j.Processed,
		&j.Currency, &j.TimezoneID, &j.Status, &errMsg, &j.StartedAt, &j.PausedAt, &j.ResumedAt,
		&j.CompletedAt, &j.RunningSeconds, &j.ItemsPerMinute, &j.CreatedAt, &j.UpdatedAt, &j.DeletedAt)
	if err != nil {
		return models.Job{}, err
	}
	j.ErrorMessage = textPtr(errMsg)
	return j, nil
}

func (s *Postgres) CreateJob(ctx context.Context, p CreateJobParams) (models.Job, error) {
	now := s.clock()
	j := models.Job{
		ID:             uuid.New().String(),
		AccountID:      p.AccountID,
		Owner:          p.Owner,
		Pattern:        p.Pattern,
		StartingNumber: p.StartingNumber,
		Total:          p.Total,
		Currency:       p.Currency,
		TimezoneID:     p.TimezoneID,
		Status:         models.StatusPending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO jobs (id, account_id, owner, pattern, starting_number, total, currency, timezone_id, status, created_at, updated_at)
		SELECT $1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $10
		WHERE EXISTS (SELECT 1 FROM accounts WHERE id = $2 AND deleted_at IS NULL)
	`, j.ID, j.AccountID, j.Owner, j.Pattern, j.StartingNumber, j.Total, j.Currency, j.TimezoneID, j.Status, now)
	if err != nil {
		return models.Job{}, fmt.Errorf("insert job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return models.Job{}, fmt.Errorf("account %s: %w", p.AccountID, ErrNotFound)
	}
	return j, nil
}

// GetJob fetches a job by id, including soft-deleted ones.
func (s *Postgres) GetJob(ctx context.Context, id string) (models.Job, error) {
	j, err := scanJob(s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return models.Job{}, fmt.Errorf("scan job: %w", err)
	}
	return j, nil
}

func (s *Postgres) ListJobs(ctx context.Context, f JobFilter) ([]models.Job, error) {
	var (
		where []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if f.Owner != "" {
		add("owner = $%d", f.Owner)
	}
	if f.AccountID != "" {
		add("account_id = $%d", f.AccountID)
	}
	if f.Status != "" {
		add("status = $%d", f.Status)
	}
	if !f.WithDeleted {
		where = append(where, "deleted_at IS NULL")
	}
	q := `SELECT ` + jobColumns + ` FROM jobs`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY seq DESC"
	if f.Limit > 0 {
		args = append(args, f.Limit)
		q += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query jobs: %w", err)
	}
	defer rows.Close()
	var out []models.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

func (s *Postgres) HasProcessing(ctx context.Context, accountID string) (bool, error) {
	return laneBusy(ctx, s.pool, accountID)
}

type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func laneBusy(ctx context.Context, q querier, accountID string) (bool, error) {
	var busy bool
	err := q.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM jobs WHERE account_id = $1 AND status = $2 AND deleted_at IS NULL)
	`, accountID, models.StatusProcessing).Scan(&busy)
	if err != nil {
		return false, fmt.Errorf("check lane: %w", err)
	}
	return busy, nil
}

// lockLane serialises claims on one lane for the rest of the transaction.
func lockLane(ctx context.Context, tx pgx.Tx, accountID string) error {
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, accountID); err != nil {
		return fmt.Errorf("lock lane: %w", err)
	}
	return nil
}

func lockJob(ctx context.Context, tx pgx.Tx, id string) (models.Job, error) {
	j, err := scanJob(tx.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1 FOR UPDATE`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return models.Job{}, fmt.Errorf("lock job: %w", err)
	}
	return j, nil
}

func jobLane(ctx context.Context, q querier, id string) (string, error) {
	var lane string
	err := q.QueryRow(ctx, `SELECT account_id FROM jobs WHERE id = $1`, id).Scan(&lane)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("query job lane: %w", err)
	}
	return lane, nil
}

// applyTransition plans and writes one transition on a row already locked by tx.
func (s *Postgres) applyTransition(ctx context.Context, tx pgx.Tx, j models.Job, to, msg string) (models.Job, jobstate.Effects, error) {
	now := s.clock()
	eff, err := jobstate.Plan(j, to, now, msg)
	if err != nil {
		return models.Job{}, jobstate.Effects{}, fmt.Errorf("job %s: %w", j.ID, err)
	}
	tag, err := tx.Exec(ctx, `
		UPDATE jobs SET
			status = $2,
			started_at = COALESCE($3, started_at),
			paused_at = COALESCE($4, paused_at),
			resumed_at = COALESCE($5, resumed_at),
			completed_at = COALESCE($6, completed_at),
			running_seconds = running_seconds + $7,
			items_per_minute = COALESCE($8, items_per_minute),
			error_message = CASE WHEN $9::boolean THEN NULL ELSE COALESCE($10, error_message) END,
			updated_at = $11
		WHERE id = $1 AND status = $12
	`, j.ID, eff.To, eff.StartedAt, eff.PausedAt, eff.ResumedAt, eff.CompletedAt, eff.AddRunningSeconds,
		eff.ItemsPerMinute, eff.ClearError, eff.ErrorMessage, now, eff.From)
	if err != nil {
		if isUniqueViolation(err, "jobs_one_processing_per_lane") {
			return models.Job{}, jobstate.Effects{}, fmt.Errorf("job %s: %w", j.ID, ErrLaneBusy)
		}
		return models.Job{}, jobstate.Effects{}, fmt.Errorf("update job status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return models.Job{}, jobstate.Effects{}, fmt.Errorf("job %s changed concurrently: %w", j.ID, ErrInvalidTransition)
	}
	jobstate.Apply(&j, eff, now)
	return j, eff, nil
}

func (s *Postgres) TransitionJob(ctx context.Context, id, to, msg string) (models.Job, jobstate.Effects, error) {
	var (
		out models.Job
		eff jobstate.Effects
	)
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		if to == models.StatusProcessing {
			lane, err := jobLane(ctx, tx, id)
			if err != nil {
				return err
			}
			if err := lockLane(ctx, tx, lane); err != nil {
				return err
			}
		}
		j, err := lockJob(ctx, tx, id)
		if err != nil {
			return err
		}
		if to == models.StatusProcessing {
			if busy, err := laneBusy(ctx, tx, j.AccountID); err != nil {
				return err
			} else if busy {
				return fmt.Errorf("job %s: %w", id, ErrLaneBusy)
			}
		}
		out, eff, err = s.applyTransition(ctx, tx, j, to, msg)
		return err
	})
	return out, eff, err
}

func (s *Postgres) ClaimJob(ctx context.Context, id string) (models.Job, jobstate.Effects, error) {
	var (
		out models.Job
		eff jobstate.Effects
	)
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		lane, err := jobLane(ctx, tx, id)
		if err != nil {
			return err
		}
		if err := lockLane(ctx, tx, lane); err != nil {
			return err
		}
		j, err := lockJob(ctx, tx, id)
		if err != nil {
			return err
		}
		if j.DeletedAt != nil {
			return fmt.Errorf("job %s: %w", id, ErrNotFound)
		}
		if j.Status != models.StatusPending && j.Status != models.StatusPaused {
			return fmt.Errorf("job %s is %s: %w", id, j.Status, ErrInvalidTransition)
		}
		busy, err := laneBusy(ctx, tx, lane)
		if err != nil {
			return err
		}
		if busy {
			return fmt.Errorf("job %s: %w", id, ErrLaneBusy)
		}
		out, eff, err = s.applyTransition(ctx, tx, j, models.StatusProcessing, "")
		return err
	})
	return out, eff, err
}

func (s *Postgres) ClaimNextPending(ctx context.Context, accountID string) (models.Job, jobstate.Effects, bool, error) {
	var (
		out   models.Job
		eff   jobstate.Effects
		found bool
	)
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		if err := lockLane(ctx, tx, accountID); err != nil {
			return err
		}
		busy, err := laneBusy(ctx, tx, accountID)
		if err != nil || busy {
			return err
		}
		j, err := scanJob(tx.QueryRow(ctx, `
			SELECT `+jobColumns+` FROM jobs
			WHERE account_id = $1 AND status = $2 AND deleted_at IS NULL
			ORDER BY seq
			LIMIT 1
			FOR UPDATE
		`, accountID, models.StatusPending))
		if errors.Is(err, pgx.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("select next pending: %w", err)
		}
		out, eff, err = s.applyTransition(ctx, tx, j, models.StatusProcessing, "")
		found = err == nil
		return err
	})
	if err != nil {
		return models.Job{}, jobstate.Effects{}, false, err
	}
	return out, eff, found, nil
}

func (s *Postgres) SoftDeleteJob(ctx context.Context, id string) error {
	return s.inTx(ctx, func(tx pgx.Tx) error {
		j, err := lockJob(ctx, tx, id)
		if err != nil {
			return err
		}
		if j.Active() {
			return fmt.Errorf("job %s is %s: %w", id, j.Status, ErrInvalidTransition)
		}
		now := s.clock()
		if _, err := tx.Exec(ctx, `UPDATE items SET deleted_at = $2 WHERE job_id = $1 AND deleted_at IS NULL`, id, now); err != nil {
			return fmt.Errorf("cascade items: %w", err)
		}
		if _, err := tx.Exec(ctx, `UPDATE jobs SET deleted_at = $2, updated_at = $2 WHERE id = $1`, id, now); err != nil {
			return fmt.Errorf("delete job: %w", err)
		}
		return nil
	})
}

func (s *Postgres) RestoreJob(ctx context.Context, id string) error {
	return s.inTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `UPDATE jobs SET deleted_at = NULL, updated_at = $2 WHERE id = $1`, id, s.clock())
		if err != nil {
			return fmt.Errorf("restore job: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("job %s: %w", id, ErrNotFound)
		}
		if _, err := tx.Exec(ctx, `UPDATE items SET deleted_at = NULL WHERE job_id = $1 AND deleted_at IS NOT NULL`, id); err != nil {
			return fmt.Errorf("restore items: %w", err)
		}
		return nil
	})
}

// --- items ---

const itemColumns = `id, job_id, account_id, owner, name, currency, timezone_id, status, external_id, raw_response, created_at, updated_at, deleted_at`

func scanItem(row pgx.Row) (models.Item, error) {
	var (
		it  models.Item
		ext pgtype.Text
		raw []byte
	)
	if err := row.Scan(&it.ID, &it.JobID, &it.AccountID, &it.Owner, &it.Name, &it.Currency, &it.TimezoneID,
		&it.Status, &ext, &raw, &it.CreatedAt, &it.UpdatedAt, &it.DeletedAt); err != nil {
		return models.Item{}, err
	}
	it.ExternalID = textPtr(ext)
	it.RawResponse = raw
	return it, nil
}

func (s *Postgres) EnsureItem(ctx context.Context, job models.Job, name string) (models.Item, error) {
	now := s.clock()
	_, err := s.pool.Exec(ctx, `
		INSERT INTO items (id, job_id, account_id, owner, name, currency, timezone_id, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $9)
		ON CONFLICT (job_id, name) DO NOTHING
	`, uuid.New().String(), job.ID, job.AccountID, job.Owner, name, job.Currency, job.TimezoneID, models.ItemPending, now)
	if err != nil {
		return models.Item{}, fmt.Errorf("insert item: %w", err)
	}
	it, err := scanItem(s.pool.QueryRow(ctx, `SELECT `+itemColumns+` FROM items WHERE job_id = $1 AND name = $2`, job.ID, name))
	if err != nil {
		return models.Item{}, fmt.Errorf("scan item: %w", err)
	}
	return it, nil
}

func (s *Postgres) CompleteItem(ctx context.Context, itemID, externalID string, raw []byte) (models.Job, error) {
	var out models.Job
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		now := s.clock()
		var jobID string
		err := tx.QueryRow(ctx, `
			UPDATE items SET status = $2, external_id = $3, raw_response = $4, updated_at = $5
			WHERE id = $1 AND status <> $2
			RETURNING job_id
		`, itemID, models.ItemCreated, externalID, jsonOrNil(raw), now).Scan(&jobID)
		switch {
		case errors.Is(err, pgx.ErrNoRows):
			// Already created, or missing.
			if err := tx.QueryRow(ctx, `SELECT job_id FROM items WHERE id = $1`, itemID).Scan(&jobID); err != nil {
				if errors.Is(err, pgx.ErrNoRows) {
					return fmt.Errorf("item %s: %w", itemID, ErrNotFound)
				}
				return fmt.Errorf("query item: %w", err)
			}
			out, err = scanJob(tx.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, jobID))
			return err
		case err != nil:
			if isUniqueViolation(err, "") {
				return fmt.Errorf("external id %s: %w", externalID, ErrDuplicate)
			}
			return fmt.Errorf("update item: %w", err)
		}

		out, err = scanJob(tx.QueryRow(ctx, `
			UPDATE jobs SET
				processed = CASE WHEN processed < total THEN processed + 1 ELSE processed END,
				updated_at = $2
			WHERE id = $1
			RETURNING `+jobColumns, jobID, now))
		if err != nil {
			return fmt.Errorf("increment processed: %w", err)
		}
		return nil
	})
	return out, err
}

func (s *Postgres) FailItem(ctx context.Context, itemID string, raw []byte) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE items SET status = $2, raw_response = $3, updated_at = $4
		WHERE id = $1 AND status <> $5
	`, itemID, models.ItemFailed, jsonOrNil(raw), s.clock(), models.ItemCreated)
	if err != nil {
		return fmt.Errorf("fail item: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM items WHERE id = $1)`, itemID).Scan(&exists); err != nil {
			return fmt.Errorf("query item: %w", err)
		}
		if !exists {
			return fmt.Errorf("item %s: %w", itemID, ErrNotFound)
		}
	}
	return nil
}

func (s *Postgres) ListItems(ctx context.Context, jobID string) ([]models.Item, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+itemColumns+` FROM items WHERE job_id = $1 ORDER BY seq`, jobID)
	if err != nil {
		return nil, fmt.Errorf("query items: %w", err)
	}
	defer rows.Close()
	var out []models.Item
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("scan item: %w", err)
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

// --- proxies ---

const proxyColumns = `id, owner, name, protocol, host, port, username, password, active, validated,
	success_count, failure_count, last_used_at, last_validated_at, last_error, created_at, updated_at`

func scanProxy(row pgx.Row) (models.Proxy, error) {
	var (
		p       models.Proxy
		lastErr pgtype.Text
	)
	if err := row.Scan(&p.ID, &p.Owner, &p.Name, &p.Protocol, &p.Host, &p.Port, &p.Username, &p.Password,
		&p.Active, &p.Validated, &p.SuccessCount, &p.FailureCount, &p.LastUsedAt, &p.LastValidatedAt,
		&lastErr, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return models.Proxy{}, err
	}
	p.LastError = textPtr(lastErr)
	return p, nil
}

func (s *Postgres) CreateProxy(ctx context.Context, p models.Proxy) (models.Proxy, error) {
	now := s.clock()
	p.ID = uuid.New().String()
	p.CreatedAt = now
	p.UpdatedAt = now
	_, err := s.pool.Exec(ctx, `
		INSERT INTO proxies (id, owner, name, protocol, host, port, username, password, active, validated,
			success_count, failure_count, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $13)
	`, p.ID, p.Owner, p.Name, p.Protocol, p.Host, p.Port, p.Username, p.Password, p.Active, p.Validated,
		p.SuccessCount, p.FailureCount, now)
	if err != nil {
		if isUniqueViolation(err, "") {
			return models.Proxy{}, fmt.Errorf("proxy %s:%d: %w", p.Host, p.Port, ErrDuplicate)
		}
		return models.Proxy{}, fmt.Errorf("insert proxy: %w", err)
	}
	return p, nil
}

func (s *Postgres) GetProxy(ctx context.Context, id string) (models.Proxy, error) {
	p, err := scanProxy(s.pool.QueryRow(ctx, `SELECT `+proxyColumns+` FROM proxies WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Proxy{}, fmt.Errorf("proxy %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return models.Proxy{}, fmt.Errorf("scan proxy: %w", err)
	}
	return p, nil
}

func (s *Postgres) ListProxies(ctx context.Context, owner string) ([]models.Proxy, error) {
	return s.queryProxies(ctx, `SELECT `+proxyColumns+` FROM proxies WHERE owner = $1 ORDER BY created_at, id`, owner)
}

func (s *Postgres) UsableProxies(ctx context.Context, owner string) ([]models.Proxy, error) {
	return s.queryProxies(ctx, `
		SELECT `+proxyColumns+` FROM proxies
		WHERE owner = $1 AND active AND validated
		ORDER BY created_at, id
	`, owner)
}

func (s *Postgres) queryProxies(ctx context.Context, q string, args ...any) ([]models.Proxy, error) {
	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query proxies: %w", err)
	}
	defer rows.Close()
	var out []models.Proxy
	for rows.Next() {
		p, err := scanProxy(rows)
		if err != nil {
			return nil, fmt.Errorf("scan proxy: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// RecordProxyUse is a single statement; concurrent uses may interleave, which is acceptable for statistics.
func (s *Postgres) RecordProxyUse(ctx context.Context, id string, success bool, errMsg string) (models.Proxy, error) {
	p, err := scanProxy(s.pool.QueryRow(ctx, `
		UPDATE proxies SET
			last_used_at = $2,
			success_count = success_count + CASE WHEN $3::boolean THEN 1 ELSE 0 END,
			failure_count = failure_count + CASE WHEN $3::boolean THEN 0 ELSE 1 END,
			last_error = CASE WHEN $3::boolean THEN NULL WHEN $4::text = '' THEN last_error ELSE $4::text END,
			active = active AND NOT (
				failure_count + CASE WHEN $3::boolean THEN 0 ELSE 1 END >= $5
				AND success_count + CASE WHEN $3::boolean THEN 1 ELSE 0 END < $6
			),
			updated_at = $2
		WHERE id = $1
		RETURNING `+proxyColumns,
		id, s.clock(), success, errMsg, models.DeactivateFailureThreshold, models.DeactivateSuccessFloor))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Proxy{}, fmt.Errorf("proxy %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return models.Proxy{}, fmt.Errorf("record proxy use: %w", err)
	}
	return p, nil
}

func (s *Postgres) SetProxyValidation(ctx context.Context, id string, ok bool, errMsg string) error {
	now := s.clock()
	tag, err := s.pool.Exec(ctx, `
		UPDATE proxies SET
			validated = $2,
			last_validated_at = $3,
			last_error = CASE WHEN $2::boolean THEN NULL ELSE $4::text END,
			updated_at = $3
		WHERE id = $1
	`, id, ok, now, errMsg)
	if err != nil {
		return fmt.Errorf("set proxy validation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("proxy %s: %w", id, ErrNotFound)
	}
	return nil
}

func (s *Postgres) DeleteProxy(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM proxies WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete proxy: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("proxy %s: %w", id, ErrNotFound)
	}
	return nil
}

// --- settings ---

func (s *Postgres) GetSettings(ctx context.Context, owner string) (models.Settings, error) {
	st := models.Settings{Owner: owner}
	err := s.pool.QueryRow(ctx, `
		SELECT proxy_enabled, rotation_policy, notifications_enabled, updated_at
		FROM owner_settings WHERE owner = $1
	`, owner).Scan(&st.ProxyEnabled, &st.RotationPolicy, &st.NotificationsEnabled, &st.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.DefaultSettings(owner), nil
	}
	if err != nil {
		return models.Settings{}, fmt.Errorf("query settings: %w", err)
	}
	return st, nil
}

func (s *Postgres) SaveSettings(ctx context.Context, st models.Settings) (models.Settings, error) {
	st.UpdatedAt = s.clock()
	_, err := s.pool.Exec(ctx, `
		INSERT INTO owner_settings (owner, proxy_enabled, rotation_policy, notifications_enabled, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (owner) DO UPDATE SET
			proxy_enabled = EXCLUDED.proxy_enabled,
			rotation_policy = EXCLUDED.rotation_policy,
			notifications_enabled = EXCLUDED.notifications_enabled,
			updated_at = EXCLUDED.updated_at
	`, st.Owner, st.ProxyEnabled, st.RotationPolicy, st.NotificationsEnabled, st.UpdatedAt)
	if err != nil {
		return models.Settings{}, fmt.Errorf("save settings: %w", err)
	}
	return st, nil
}

// --- telegram bots ---

const botColumns = `id, owner, name, token, chat_id, events, active, last_notification_at, created_at`

func (s *Postgres) scanBot(row pgx.Row) (models.TelegramBot, error) {
	var (
		b      models.TelegramBot
		sealed string
	)
	if err := row.Scan(&b.ID, &b.Owner, &b.Name, &sealed, &b.ChatID, &b.Events, &b.Active, &b.LastNotificationAt, &b.CreatedAt); err != nil {
		return models.TelegramBot{}, err
	}
	token, err := s.open(sealed)
	if err != nil {
		return models.TelegramBot{}, fmt.Errorf("open bot token %s: %w", b.ID, err)
	}
	b.Token = token
	return b, nil
}

func (s *Postgres) CreateBot(ctx context.Context, b models.TelegramBot) (models.TelegramBot, error) {
	sealed, err := s.seal(b.Token)
	if err != nil {
		return models.TelegramBot{}, fmt.Errorf("seal bot token: %w", err)
	}
	b.ID = uuid.New().String()
	b.CreatedAt = s.clock()
	if b.Events == nil {
		b.Events = []string{}
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO telegram_bots (id, owner, name, token, chat_id, events, active, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, b.ID, b.Owner, b.Name, sealed, b.ChatID, b.Events, b.Active, b.CreatedAt)
	if err != nil {
		return models.TelegramBot{}, fmt.Errorf("insert bot: %w", err)
	}
	return b, nil
}

func (s *Postgres) GetBot(ctx context.Context, id string) (models.TelegramBot, error) {
	b, err := s.scanBot(s.pool.QueryRow(ctx, `SELECT `+botColumns+` FROM telegram_bots WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.TelegramBot{}, fmt.Errorf("bot %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return models.TelegramBot{}, fmt.Errorf("scan bot: %w", err)
	}
	return b, nil
}

func (s *Postgres) ListBots(ctx context.Context, owner string) ([]models.TelegramBot, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+botColumns+` FROM telegram_bots WHERE owner = $1 ORDER BY created_at`, owner)
	if err != nil {
		return nil, fmt.Errorf("query bots: %w", err)
	}
	defer rows.Close()
	var out []models.TelegramBot
	for rows.Next() {
		b, err := s.scanBot(rows)
		if err != nil {
			return nil, fmt.Errorf("scan bot: %w", err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func (s *Postgres) DeleteBot(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM telegram_bots WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete bot: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("bot %s: %w", id, ErrNotFound)
	}
	return nil
}

func (s *Postgres) TouchBot(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `UPDATE telegram_bots SET last_notification_at = $2 WHERE id = $1`, id, s.clock())
	if err != nil {
		return fmt.Errorf("touch bot: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("bot %s: %w", id, ErrNotFound)
	}
	return nil
}

// --- helpers ---

func (s *Postgres) inTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// isUniqueViolation reports a 23505 error, optionally on a specific constraint.
func isUniqueViolation(err error, constraint string) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != "23505" {
		return false
	}
	return constraint == "" || pgErr.ConstraintName == constraint
}

func jsonOrNil(raw []byte) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}
