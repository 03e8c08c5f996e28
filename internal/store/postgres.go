package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"automation-engine/internal/models"
	"automation-engine/internal/telemetry"
)

// Postgres implements Store on a pgx connection pool.
type Postgres struct {
	pool *pgxpool.Pool
}

var _ Store = (*Postgres)(nil)

// NewPostgres creates a pooled connection to Postgres.
func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

func (s *Postgres) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

const jobColumns = `id, tenant, type, payload, status, attempts, max_attempts, scheduled_at, claimed_by, claim_expires_at, last_error, created_at, completed_at`

func scanJob(row pgx.Row) (models.Job, error) {
	var (
		j           models.Job
		payloadJSON []byte
		claimedBy   pgtype.Text
		claimExp    pgtype.Timestamptz
		lastErr     pgtype.Text
		completed   pgtype.Timestamptz
	)
	err := row.Scan(&j.ID, &j.Tenant, &j.Type, &payloadJSON, &j.Status, &j.Attempts, &j.MaxAttempts,
		&j.ScheduledAt, &claimedBy, &claimExp, &lastErr, &j.CreatedAt, &completed)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, models.ErrNotFound
	}
	if err != nil {
		return models.Job{}, fmt.Errorf("scan job: %w", err)
	}
	if err := json.Unmarshal(payloadJSON, &j.Payload); err != nil {
		return models.Job{}, fmt.Errorf("unmarshal payload: %w", err)
	}
	j.ClaimedBy = textPtr(claimedBy)
	j.ClaimExpiresAt = timePtr(claimExp)
	j.LastError = textPtr(lastErr)
	j.CompletedAt = timePtr(completed)
	return j, nil
}

func (s *Postgres) EnqueueJob(ctx context.Context, p EnqueueParams) (models.Job, error) {
	if p.MaxAttempts == 0 {
		p.MaxAttempts = 5
	}
	if p.RunAt.IsZero() {
		p.RunAt = time.Now().UTC()
	}
	if p.Payload == nil {
		p.Payload = map[string]any{}
	}
	payloadJSON, err := json.Marshal(p.Payload)
	if err != nil {
		return models.Job{}, fmt.Errorf("marshal payload: %w", err)
	}

	id := uuid.New().String()
	now := time.Now().UTC()
	_, err = s.pool.Exec(ctx, `
		INSERT INTO jobs (id, tenant, type, payload, status, attempts, max_attempts, scheduled_at, created_at)
		VALUES ($1, $2, $3, $4, $5, 0, $6, $7, $8)
	`, id, p.Tenant, p.Type, payloadJSON, models.StatusPending, p.MaxAttempts, p.RunAt, now)
	if err != nil {
		return models.Job{}, fmt.Errorf("insert job: %w", err)
	}
	telemetry.JobsEnqueued.Inc()
	return models.Job{
		ID:          id,
		Tenant:      p.Tenant,
		Type:        p.Type,
		Payload:     p.Payload,
		Status:      models.StatusPending,
		MaxAttempts: p.MaxAttempts,
		ScheduledAt: p.RunAt,
		CreatedAt:   now,
	}, nil
}

// ClaimBatch selects claimable jobs and stamps the lease in one statement.
// FOR UPDATE SKIP LOCKED makes the selection and the transition atomic:
// a row picked here is invisible to every concurrent claimer.
func (s *Postgres) ClaimBatch(ctx context.Context, workerID string, limit int, lease time.Duration) ([]models.Job, error) {
	rows, err := s.pool.Query(ctx, `
		UPDATE jobs
		SET status = $1, claimed_by = $2, claim_expires_at = now() + $3
		WHERE id IN (
			SELECT id FROM jobs
			WHERE (status = $4 AND scheduled_at <= now())
			   OR (status = $1 AND claim_expires_at < now())
			ORDER BY scheduled_at
			LIMIT $5
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+jobColumns, models.StatusRunning, workerID, lease, models.StatusPending, limit)
	if err != nil {
		return nil, fmt.Errorf("claim batch: %w", err)
	}
	defer rows.Close()

	var claimed []models.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		claimed = append(claimed, j)
	}
	return claimed, rows.Err()
}

func (s *Postgres) CompleteJob(ctx context.Context, jobID string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE jobs
		SET status = $2, completed_at = now(), claimed_by = NULL, claim_expires_at = NULL, last_error = NULL
		WHERE id = $1
	`, jobID, models.StatusSucceeded)
	return err
}

func (s *Postgres) FailJob(ctx context.Context, jobID, errMsg string, retryAt time.Time, permanent bool) (models.Job, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE jobs SET
			attempts = attempts + 1,
			last_error = $2,
			status = CASE WHEN $4::bool OR attempts + 1 >= max_attempts THEN $5 ELSE $6 END,
			scheduled_at = CASE WHEN $4::bool OR attempts + 1 >= max_attempts THEN scheduled_at ELSE $3 END,
			completed_at = CASE WHEN $4::bool OR attempts + 1 >= max_attempts THEN now() ELSE NULL END,
			claimed_by = NULL,
			claim_expires_at = NULL
		WHERE id = $1
		RETURNING `+jobColumns,
		jobID, errMsg, retryAt, permanent, models.StatusFailed, models.StatusPending)
	return scanJob(row)
}

func (s *Postgres) CancelJob(ctx context.Context, jobID string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs SET status = $2, completed_at = now()
		WHERE id = $1 AND status = $3
	`, jobID, models.StatusCancelled, models.StatusPending)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		// Zero rows means the job is missing or already past pending.
		if _, err := s.GetJob(ctx, jobID); err != nil {
			return err
		}
		return models.ErrRaceLost
	}
	return nil
}

func (s *Postgres) GetJob(ctx context.Context, jobID string) (models.Job, error) {
	return scanJob(s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, jobID))
}

func (s *Postgres) ReclaimExpired(ctx context.Context, now time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs
		SET status = $1, claimed_by = NULL, claim_expires_at = NULL
		WHERE status = $2 AND claim_expires_at < $3
	`, models.StatusPending, models.StatusRunning, now)
	if err != nil {
		return 0, fmt.Errorf("reclaim expired: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *Postgres) PendingDepth(ctx context.Context) (int64, error) {
	var n int64
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM jobs WHERE status = $1 AND scheduled_at <= now()
	`, models.StatusPending).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count pending jobs: %w", err)
	}
	return n, nil
}

// isUniqueViolation reports whether err is a Postgres unique-constraint
// violation (SQLSTATE 23505).
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}

func timePtr(t pgtype.Timestamptz) *time.Time {
	if t.Valid {
		v := t.Time
		return &v
	}
	return nil
}
