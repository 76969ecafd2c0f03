package storage

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/mediaq/mediaq/internal/domain"
	"github.com/mediaq/mediaq/internal/infra/metrics"
)

// ArtifactStore is the part of the job store the retention sweep needs.
type ArtifactStore interface {
	ListExpirable(ctx context.Context, cutoff time.Time) ([]domain.Job, error)
	MarkExpired(ctx context.Context, id int64) (bool, error)
}

// SweepReport summarizes one retention sweep.
type SweepReport struct {
	Artifacts    int   `json:"artifacts_expired"`
	DeletedFiles int   `json:"deleted_count"`
	FreedBytes   int64 `json:"freed_bytes"`
}

// Retention reclaims files of completed artifacts older than Window.
type Retention struct {
	store  ArtifactStore
	dir    string
	window time.Duration
	log    *log.Entry
	now    func() time.Time
}

// NewRetention creates a sweeper over the content directory dir.
func NewRetention(store ArtifactStore, dir string, window time.Duration, logger *log.Entry) *Retention {
	if logger == nil {
		logger = log.WithField("component", "storage")
	}
	return &Retention{store: store, dir: dir, window: window, log: logger, now: time.Now}
}

// Window returns the configured retention window.
func (r *Retention) Window() time.Duration { return r.window }

// SweepExpiredArtifacts deletes the files of every completed artifact older
// than the window and marks it expired. Files already gone are skipped, so a
// second run finds nothing to do.
func (r *Retention) SweepExpiredArtifacts(ctx context.Context) (SweepReport, error) {
	var report SweepReport
	cutoff := r.now().Add(-r.window)

	jobs, err := r.store.ListExpirable(ctx, cutoff)
	if err != nil {
		return report, fmt.Errorf("list expirable: %w", err)
	}

	for _, job := range jobs {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		for _, ref := range job.Artifact.Files() {
			n, err := removeFile(filepath.Join(r.dir, filepath.Base(ref)))
			if err != nil {
				r.log.WithError(err).WithField("file", ref).Warn("could not delete expired file")
				continue
			}
			if n >= 0 {
				report.DeletedFiles++
				report.FreedBytes += n
			}
		}

		ok, err := r.store.MarkExpired(ctx, job.Task.ID)
		if err != nil {
			return report, err
		}
		if ok {
			report.Artifacts++
		}
	}

	if report.Artifacts > 0 {
		metrics.ArtifactsExpired.Add(float64(report.Artifacts))
		metrics.StorageFreed.Add(float64(report.FreedBytes))
		r.log.WithFields(log.Fields{
			"artifacts": report.Artifacts,
			"files":     report.DeletedFiles,
			"freed":     report.FreedBytes,
		}).Info("expired artifacts reclaimed")
	}
	return report, nil
}

// removeFile deletes path and returns its size, or -1 if it did not exist.
func removeFile(path string) (int64, error) {
	info, err := os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return -1, nil
	}
	if err != nil {
		return 0, err
	}
	if err := os.Remove(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return -1, nil
		}
		return 0, err
	}
	return info.Size(), nil
}
