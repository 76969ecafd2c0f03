// Package postgres implements domain.JobStore on PostgreSQL for coordinators
// that share one database across hosts.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mediaq/mediaq/internal/domain"
)

// Store is a pgxpool-backed job store.
type Store struct {
	db *pgxpool.Pool
}

// Open connects to dsn, verifies the connection and applies migrations.
func Open(ctx context.Context, dsn string) (*Store, error) {
	if dsn == "" {
		return nil, errors.New("database DSN cannot be empty")
	}
	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database DSN: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	s := &Store{db: pool}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}

// Close closes the connection pool.
func (s *Store) Close() error {
	s.db.Close()
	return nil
}

func (s *Store) migrate(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS jobs (
			id                  BIGSERIAL PRIMARY KEY,
			url                 TEXT NOT NULL UNIQUE,
			status              TEXT NOT NULL DEFAULT 'pending',
			created_at          TIMESTAMPTZ NOT NULL,
			claimed_by          TEXT,
			claimed_at          TIMESTAMPTZ,
			artifact_id         UUID NOT NULL,
			artifact_status     TEXT NOT NULL DEFAULT 'pending',
			title               TEXT NOT NULL DEFAULT '',
			description         TEXT NOT NULL DEFAULT '',
			audio_ref           TEXT,
			subtitle_ref        TEXT,
			error_message       TEXT,
			artifact_created_at TIMESTAMPTZ NOT NULL,
			completed_at        TIMESTAMPTZ
		)`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_artifact ON jobs(artifact_status, completed_at)`,
	}
	for _, m := range migrations {
		if _, err := s.db.Exec(ctx, m); err != nil {
			return fmt.Errorf("exec migration: %w", err)
		}
	}
	return nil
}

const jobColumns = `id, url, status, created_at, claimed_by, claimed_at,
	artifact_id::text, artifact_status, title, description, audio_ref, subtitle_ref,
	error_message, artifact_created_at, completed_at`

// Submit inserts a job for url or resurrects a resubmittable one. The row is
// locked for the duration of the transaction.
func (s *Store) Submit(ctx context.Context, url string, now time.Time) (*domain.Job, bool, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, false, err
	}
	defer tx.Rollback(ctx)

	existing, err := scanJob(tx.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE url = $1 FOR UPDATE`, url))
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return nil, false, fmt.Errorf("lookup job: %w", err)
	}

	artifactID := uuid.New()
	var job *domain.Job
	resubmitted := false

	if existing != nil {
		if !existing.Resubmittable() {
			return nil, false, fmt.Errorf("%w: task %d for this url is %s",
				domain.ErrConflict, existing.Task.ID, existing.Task.Status)
		}
		job, err = scanJob(tx.QueryRow(ctx,
			`UPDATE jobs SET status = 'pending', claimed_by = NULL, claimed_at = NULL,
				artifact_id = $1, artifact_status = 'pending', title = '', description = '',
				audio_ref = NULL, subtitle_ref = NULL, error_message = NULL,
				artifact_created_at = $2, completed_at = NULL
			 WHERE id = $3
			 RETURNING `+jobColumns,
			artifactID, now, existing.Task.ID))
		resubmitted = true
	} else {
		job, err = scanJob(tx.QueryRow(ctx,
			`INSERT INTO jobs (url, status, created_at, artifact_id, artifact_status, artifact_created_at)
			 VALUES ($1, 'pending', $2, $3, 'pending', $2)
			 RETURNING `+jobColumns,
			url, now, artifactID))
	}
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return nil, false, fmt.Errorf("%w: url submitted concurrently", domain.ErrConflict)
		}
		return nil, false, fmt.Errorf("submit job: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, false, fmt.Errorf("commit submit: %w", err)
	}
	return job, resubmitted, nil
}

// Get retrieves a job by task ID.
func (s *Store) Get(ctx context.Context, id int64) (*domain.Job, error) {
	job, err := scanJob(s.db.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: task %d", domain.ErrNotFound, id)
	}
	return job, err
}

// ListPending returns pending jobs oldest first.
func (s *Store) ListPending(ctx context.Context) ([]domain.Job, error) {
	return s.listJobs(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE status = 'pending' ORDER BY created_at ASC, id ASC`)
}

// CountPending returns the number of pending jobs.
func (s *Store) CountPending(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRow(ctx, `SELECT COUNT(*) FROM jobs WHERE status = 'pending'`).Scan(&n)
	return n, err
}

// ListCompleted returns one page of completed artifacts, newest first.
func (s *Store) ListCompleted(ctx context.Context, limit, offset int) ([]domain.Job, int, error) {
	var total int
	if err := s.db.QueryRow(ctx,
		`SELECT COUNT(*) FROM jobs WHERE artifact_status = 'completed'`).Scan(&total); err != nil {
		return nil, 0, err
	}
	jobs, err := s.listJobs(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE artifact_status = 'completed'
		 ORDER BY completed_at DESC, id DESC LIMIT $1 OFFSET $2`, limit, offset)
	return jobs, total, err
}

// Claim is a conditional UPDATE guarded by status = 'pending'; Postgres row
// locking guarantees a single winner.
func (s *Store) Claim(ctx context.Context, id int64, workerID string, now time.Time) (*domain.Job, error) {
	job, err := scanJob(s.db.QueryRow(ctx,
		`UPDATE jobs SET status = 'processing', artifact_status = 'processing',
			claimed_by = $1, claimed_at = $2
		 WHERE id = $3 AND status = 'pending'
		 RETURNING `+jobColumns,
		workerID, now, id))
	if err == nil {
		return job, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("claim job %d: %w", id, err)
	}

	current, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return nil, domain.ClaimConflict(current)
}

// Complete records a worker's result on a job it holds. Only a job still in
// processing is updated, so a repeated report leaves completed_at alone.
func (s *Store) Complete(ctx context.Context, id int64, workerID string, r domain.Result, now time.Time) (*domain.Job, error) {
	status := string(r.TaskStatus())
	job, err := scanJob(s.db.QueryRow(ctx,
		`UPDATE jobs SET status = $1, artifact_status = $1, title = $2, description = $3,
			audio_ref = NULLIF($4, ''), subtitle_ref = NULLIF($5, ''), error_message = NULLIF($6, ''),
			completed_at = $7
		 WHERE id = $8 AND claimed_by = $9 AND status = 'processing'
		 RETURNING `+jobColumns,
		status, r.Title, r.Description, r.AudioRef, r.SubtitleRef, r.ErrorMessage, now, id, workerID))
	if err == nil {
		return job, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("complete job %d: %w", id, err)
	}

	current, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return nil, domain.CompletionRejected(current, workerID)
}

// ListExpirable returns completed artifacts whose completion predates cutoff.
func (s *Store) ListExpirable(ctx context.Context, cutoff time.Time) ([]domain.Job, error) {
	return s.listJobs(ctx,
		`SELECT `+jobColumns+` FROM jobs
		 WHERE artifact_status = 'completed' AND completed_at < $1
		 ORDER BY completed_at ASC`, cutoff)
}

// MarkExpired flips a completed artifact to expired and nulls its files.
func (s *Store) MarkExpired(ctx context.Context, id int64) (bool, error) {
	tag, err := s.db.Exec(ctx,
		`UPDATE jobs SET artifact_status = 'expired', audio_ref = NULL, subtitle_ref = NULL
		 WHERE id = $1 AND artifact_status = 'completed'`, id)
	if err != nil {
		return false, fmt.Errorf("expire job %d: %w", id, err)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *Store) listJobs(ctx context.Context, query string, args ...any) ([]domain.Job, error) {
	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []domain.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *j)
	}
	return jobs, rows.Err()
}

func scanJob(row pgx.Row) (*domain.Job, error) {
	var j domain.Job
	var claimedBy, audioRef, subtitleRef, errMsg *string
	var claimedAt, completedAt *time.Time

	err := row.Scan(&j.Task.ID, &j.Task.URL, &j.Task.Status, &j.Task.CreatedAt, &claimedBy, &claimedAt,
		&j.Artifact.ID, &j.Artifact.Status, &j.Artifact.Title, &j.Artifact.Description,
		&audioRef, &subtitleRef, &errMsg, &j.Artifact.CreatedAt, &completedAt)
	if err != nil {
		return nil, err
	}

	j.Task.ClaimedBy = deref(claimedBy)
	if claimedAt != nil {
		j.Task.ClaimedAt = *claimedAt
	}
	j.Task.ArtifactRef = j.Artifact.ID

	j.Artifact.URL = j.Task.URL
	j.Artifact.AudioRef = deref(audioRef)
	j.Artifact.SubtitleRef = deref(subtitleRef)
	j.Artifact.ErrorMessage = deref(errMsg)
	if completedAt != nil {
		j.Artifact.CompletedAt = *completedAt
	}
	return &j, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
