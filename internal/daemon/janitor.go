package daemon

import (
	"context"
	"time"

	"github.com/dustin/go-humanize"
	log "github.com/sirupsen/logrus"

	"github.com/mediaq/mediaq/internal/storage"
)

// UploadSweeper purges abandoned upload sessions.
type UploadSweeper interface {
	CleanupExpired(ctx context.Context, ttl time.Duration) (int, error)
}

// ArtifactSweeper reclaims expired artifacts.
type ArtifactSweeper interface {
	SweepExpiredArtifacts(ctx context.Context) (storage.SweepReport, error)
}

// Janitor runs the upload and artifact sweeps on their own schedules.
type Janitor struct {
	uploads       UploadSweeper
	artifacts     ArtifactSweeper
	sessionTTL    time.Duration
	uploadEvery   time.Duration
	artifactEvery time.Duration
	log           *log.Entry
}

// NewJanitor creates a Janitor.
func NewJanitor(u UploadSweeper, a ArtifactSweeper, sessionTTL, uploadEvery, artifactEvery time.Duration) *Janitor {
	return &Janitor{
		uploads:       u,
		artifacts:     a,
		sessionTTL:    sessionTTL,
		uploadEvery:   uploadEvery,
		artifactEvery: artifactEvery,
		log:           log.WithField("component", "janitor"),
	}
}

// Run sweeps once immediately, then on each interval until ctx is done.
func (j *Janitor) Run(ctx context.Context) {
	j.sweepUploads(ctx)
	j.sweepArtifacts(ctx)

	uploads := time.NewTicker(j.uploadEvery)
	defer uploads.Stop()
	artifacts := time.NewTicker(j.artifactEvery)
	defer artifacts.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-uploads.C:
			j.sweepUploads(ctx)
		case <-artifacts.C:
			j.sweepArtifacts(ctx)
		}
	}
}

func (j *Janitor) sweepUploads(ctx context.Context) {
	n, err := j.uploads.CleanupExpired(ctx, j.sessionTTL)
	if err != nil {
		j.log.WithError(err).Warn("upload sweep failed")
		return
	}
	j.log.WithField("purged", n).Debug("upload sweep done")
}

func (j *Janitor) sweepArtifacts(ctx context.Context) {
	r, err := j.artifacts.SweepExpiredArtifacts(ctx)
	if err != nil {
		j.log.WithError(err).Warn("artifact sweep failed")
		return
	}
	j.log.WithFields(log.Fields{
		"expired": r.Artifacts,
		"files":   r.DeletedFiles,
		"freed":   humanize.IBytes(uint64(r.FreedBytes)),
	}).Debug("artifact sweep done")
}
