package domain

import (
	"context"
	"time"
)

// ─── Service Interfaces ─────────────────────────────────────────────────────
// Infrastructure implements these; the coordinator and storage packages depend on them.

// JobStore persists the Task/Artifact aggregate. Implementations must make
// Claim a single compare-and-set on the task row.
type JobStore interface {
	// Submit applies the duplicate policy and either inserts a new job or
	// resurrects a failed/expired one. resubmitted is true in the latter case.
	Submit(ctx context.Context, url string, now time.Time) (job *Job, resubmitted bool, err error)

	Get(ctx context.Context, id int64) (*Job, error)
	ListPending(ctx context.Context) ([]Job, error)
	CountPending(ctx context.Context) (int, error)
	ListCompleted(ctx context.Context, limit, offset int) ([]Job, int, error)

	Claim(ctx context.Context, id int64, workerID string, now time.Time) (*Job, error)
	Complete(ctx context.Context, id int64, workerID string, res Result, now time.Time) (*Job, error)

	// ListExpirable returns completed artifacts finished before cutoff.
	ListExpirable(ctx context.Context, cutoff time.Time) ([]Job, error)
	// MarkExpired flips a completed artifact to expired and clears its files.
	// Returns false if the artifact was not in the completed state.
	MarkExpired(ctx context.Context, id int64) (bool, error)

	Ping(ctx context.Context) error
	Close() error
}
