package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/mediaq/mediaq/internal/domain"
)

// ─── Job Repository ─────────────────────────────────────────────────────────

const jobColumns = `id, url, status, created_at, claimed_by, claimed_at,
	artifact_id, artifact_status, title, description, audio_ref, subtitle_ref,
	error_message, artifact_created_at, completed_at`

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Submit inserts a job for url or resurrects a resubmittable one.
func (d *DB) Submit(ctx context.Context, url string, now time.Time) (*domain.Job, bool, error) {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, err
	}
	defer tx.Rollback()

	existing, err := getJob(ctx, tx, `url = ?`, url)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return nil, false, err
	}

	var id int64
	resubmitted := false
	artifactID := uuid.NewString()

	if existing != nil {
		if !existing.Resubmittable() {
			return nil, false, fmt.Errorf("%w: task %d for this url is %s",
				domain.ErrConflict, existing.Task.ID, existing.Task.Status)
		}
		_, err = tx.ExecContext(ctx,
			`UPDATE jobs SET status = 'pending', claimed_by = NULL, claimed_at = NULL,
				artifact_id = ?, artifact_status = 'pending', title = '', description = '',
				audio_ref = NULL, subtitle_ref = NULL, error_message = NULL,
				artifact_created_at = ?, completed_at = NULL
			 WHERE id = ?`,
			artifactID, now.Unix(), existing.Task.ID,
		)
		if err != nil {
			return nil, false, fmt.Errorf("resubmit job %d: %w", existing.Task.ID, err)
		}
		id = existing.Task.ID
		resubmitted = true
	} else {
		res, err := tx.ExecContext(ctx,
			`INSERT INTO jobs (url, status, created_at, artifact_id, artifact_status, artifact_created_at)
			 VALUES (?, 'pending', ?, ?, 'pending', ?)`,
			url, now.Unix(), artifactID, now.Unix(),
		)
		if err != nil {
			return nil, false, fmt.Errorf("insert job: %w", err)
		}
		if id, err = res.LastInsertId(); err != nil {
			return nil, false, err
		}
	}

	job, err := getJob(ctx, tx, `id = ?`, id)
	if err != nil {
		return nil, false, err
	}
	if err := tx.Commit(); err != nil {
		return nil, false, fmt.Errorf("commit submit: %w", err)
	}
	return job, resubmitted, nil
}

// Get retrieves a job by task ID.
func (d *DB) Get(ctx context.Context, id int64) (*domain.Job, error) {
	return getJob(ctx, d.db, `id = ?`, id)
}

// ListPending returns pending jobs oldest first.
func (d *DB) ListPending(ctx context.Context) ([]domain.Job, error) {
	return d.listJobs(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE status = 'pending' ORDER BY created_at ASC, id ASC`)
}

// CountPending returns the number of pending jobs.
func (d *DB) CountPending(ctx context.Context) (int, error) {
	var n int
	err := d.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM jobs WHERE status = 'pending'`).Scan(&n)
	return n, err
}

// ListCompleted returns one page of completed artifacts, newest first, and
// the total count across all pages.
func (d *DB) ListCompleted(ctx context.Context, limit, offset int) ([]domain.Job, int, error) {
	var total int
	if err := d.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM jobs WHERE artifact_status = 'completed'`).Scan(&total); err != nil {
		return nil, 0, err
	}
	jobs, err := d.listJobs(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE artifact_status = 'completed'
		 ORDER BY completed_at DESC, id DESC LIMIT ? OFFSET ?`, limit, offset)
	return jobs, total, err
}

// Claim moves a pending job to processing for workerID. The WHERE clause on
// status is the compare-and-set: at most one caller sees a row affected.
func (d *DB) Claim(ctx context.Context, id int64, workerID string, now time.Time) (*domain.Job, error) {
	res, err := d.db.ExecContext(ctx,
		`UPDATE jobs SET status = 'processing', artifact_status = 'processing',
			claimed_by = ?, claimed_at = ?
		 WHERE id = ? AND status = 'pending'`,
		workerID, now.Unix(), id,
	)
	if err != nil {
		return nil, fmt.Errorf("claim job %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}

	job, err := d.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, domain.ClaimConflict(job)
	}
	return job, nil
}

// Complete records a worker's result on a job it holds. Only a job still in
// processing is updated, so a repeated report leaves completed_at alone.
func (d *DB) Complete(ctx context.Context, id int64, workerID string, r domain.Result, now time.Time) (*domain.Job, error) {
	status := r.TaskStatus()
	res, err := d.db.ExecContext(ctx,
		`UPDATE jobs SET status = ?, artifact_status = ?, title = ?, description = ?,
			audio_ref = ?, subtitle_ref = ?, error_message = ?, completed_at = ?
		 WHERE id = ? AND claimed_by = ? AND status = 'processing'`,
		string(status), string(status), r.Title, r.Description,
		nullStr(r.AudioRef), nullStr(r.SubtitleRef), nullStr(r.ErrorMessage), now.Unix(),
		id, workerID,
	)
	if err != nil {
		return nil, fmt.Errorf("complete job %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}

	job, err := d.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, domain.CompletionRejected(job, workerID)
	}
	return job, nil
}

// ListExpirable returns completed artifacts whose completion predates cutoff.
func (d *DB) ListExpirable(ctx context.Context, cutoff time.Time) ([]domain.Job, error) {
	return d.listJobs(ctx,
		`SELECT `+jobColumns+` FROM jobs
		 WHERE artifact_status = 'completed' AND completed_at < ?
		 ORDER BY completed_at ASC`, cutoff.Unix())
}

// MarkExpired flips a completed artifact to expired and nulls its files.
func (d *DB) MarkExpired(ctx context.Context, id int64) (bool, error) {
	res, err := d.db.ExecContext(ctx,
		`UPDATE jobs SET artifact_status = 'expired', audio_ref = NULL, subtitle_ref = NULL
		 WHERE id = ? AND artifact_status = 'completed'`, id)
	if err != nil {
		return false, fmt.Errorf("expire job %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (d *DB) listJobs(ctx context.Context, query string, args ...any) ([]domain.Job, error) {
	rows, err := d.db.QueryContext(ctx, query, args...)
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

func getJob(ctx context.Context, q queryer, where string, arg any) (*domain.Job, error) {
	row := q.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE `+where, arg)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: task %v", domain.ErrNotFound, arg)
	}
	return job, err
}

func scanJob(s scanner) (*domain.Job, error) {
	var j domain.Job
	var createdAt, artifactCreatedAt int64
	var claimedAt, completedAt sql.NullInt64
	var claimedBy, audioRef, subtitleRef, errMsg sql.NullString

	err := s.Scan(&j.Task.ID, &j.Task.URL, &j.Task.Status, &createdAt, &claimedBy, &claimedAt,
		&j.Artifact.ID, &j.Artifact.Status, &j.Artifact.Title, &j.Artifact.Description,
		&audioRef, &subtitleRef, &errMsg, &artifactCreatedAt, &completedAt)
	if err == sql.ErrNoRows {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("scan job: %w", err)
	}

	j.Task.CreatedAt = time.Unix(createdAt, 0)
	j.Task.ClaimedBy = claimedBy.String
	j.Task.ClaimedAt = fromUnix(claimedAt)
	j.Task.ArtifactRef = j.Artifact.ID

	j.Artifact.URL = j.Task.URL
	j.Artifact.AudioRef = audioRef.String
	j.Artifact.SubtitleRef = subtitleRef.String
	j.Artifact.ErrorMessage = errMsg.String
	j.Artifact.CreatedAt = time.Unix(artifactCreatedAt, 0)
	j.Artifact.CompletedAt = fromUnix(completedAt)
	return &j, nil
}
