// Package queue implements the task queue coordinator: submission with
// duplicate suppression, ordered listing, single-winner claims and
// claimant-only completion.
package queue

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"path"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/mediaq/mediaq/internal/domain"
	"github.com/mediaq/mediaq/internal/infra/metrics"
)

// DefaultPageSize is the number of completed jobs per listing page.
const DefaultPageSize = 40

// Options tunes a Coordinator.
type Options struct {
	SignalTTL time.Duration
	PageSize  int
	Logger    *log.Entry
}

// Coordinator owns every mutation of the Job aggregate.
type Coordinator struct {
	store    domain.JobStore
	signal   *Signal
	log      *log.Entry
	pageSize int
	now      func() time.Time
}

// New creates a Coordinator over store.
func New(store domain.JobStore, opts Options) *Coordinator {
	if opts.PageSize <= 0 {
		opts.PageSize = DefaultPageSize
	}
	if opts.Logger == nil {
		opts.Logger = log.WithField("component", "queue")
	}
	return &Coordinator{
		store:    store,
		signal:   NewSignal(opts.SignalTTL, store.CountPending),
		log:      opts.Logger,
		pageSize: opts.PageSize,
		now:      time.Now,
	}
}

// Signal exposes the liveness hint.
func (c *Coordinator) Signal() *Signal { return c.signal }

// Enqueue submits rawURL. A failed or expired job for the same URL is
// resurrected under its existing task id; an active or completed one is a
// conflict.
func (c *Coordinator) Enqueue(ctx context.Context, rawURL string) (*domain.Job, bool, error) {
	u, err := normalizeURL(rawURL)
	if err != nil {
		return nil, false, err
	}

	job, resubmitted, err := c.store.Submit(ctx, u, c.now())
	if err != nil {
		if errors.Is(err, domain.ErrConflict) {
			metrics.TasksRejected.Inc()
		}
		return nil, false, err
	}

	kind := "new"
	if resubmitted {
		kind = "resubmitted"
	}
	metrics.TasksEnqueued.WithLabelValues(kind).Inc()
	c.signal.Notify()

	c.log.WithFields(log.Fields{"task": job.Task.ID, "url": u, "kind": kind}).Info("task enqueued")
	return job, resubmitted, nil
}

// ListPending returns pending tasks oldest first.
func (c *Coordinator) ListPending(ctx context.Context, clientID string) ([]domain.Task, error) {
	if err := requireClient(clientID); err != nil {
		return nil, err
	}
	jobs, err := c.store.ListPending(ctx)
	if err != nil {
		return nil, fmt.Errorf("list pending: %w", err)
	}
	c.signal.Observe(len(jobs))

	tasks := make([]domain.Task, len(jobs))
	for i := range jobs {
		tasks[i] = jobs[i].Task
	}
	return tasks, nil
}

// HasPendingWork returns the advisory hint. false means "probably none".
func (c *Coordinator) HasPendingWork(ctx context.Context, clientID string) (bool, error) {
	if err := requireClient(clientID); err != nil {
		return false, err
	}
	return c.signal.Pending(ctx)
}

// WaitForWork is HasPendingWork as a long poll bounded by wait.
func (c *Coordinator) WaitForWork(ctx context.Context, clientID string, wait time.Duration) (bool, error) {
	if err := requireClient(clientID); err != nil {
		return false, err
	}
	return c.signal.Wait(ctx, wait)
}

// Claim assigns a pending task to workerID. Exactly one concurrent caller wins.
func (c *Coordinator) Claim(ctx context.Context, id int64, workerID string) (*domain.Task, error) {
	if err := requireClient(workerID); err != nil {
		return nil, err
	}
	job, err := c.store.Claim(ctx, id, workerID, c.now())
	switch {
	case err == nil:
	case errors.Is(err, domain.ErrConflict):
		metrics.Claims.WithLabelValues("conflict").Inc()
		return nil, err
	case errors.Is(err, domain.ErrNotFound):
		metrics.Claims.WithLabelValues("not_found").Inc()
		return nil, err
	default:
		return nil, fmt.Errorf("claim task %d: %w", id, err)
	}

	metrics.Claims.WithLabelValues("won").Inc()
	metrics.ClaimLatency.Observe(job.Task.ClaimedAt.Sub(job.Task.CreatedAt).Seconds())
	c.log.WithFields(log.Fields{"task": id, "worker": workerID}).Info("task claimed")
	return &job.Task, nil
}

// Complete records the claimant's result. Reports from any other worker are
// rejected with ErrForbidden. A repeated report from the claimant returns the
// stored job unchanged.
func (c *Coordinator) Complete(ctx context.Context, id int64, workerID string, r domain.Result) (*domain.Job, error) {
	if err := requireClient(workerID); err != nil {
		return nil, err
	}
	for _, ref := range []string{r.AudioRef, r.SubtitleRef} {
		if err := validateRef(ref); err != nil {
			return nil, err
		}
	}

	job, err := c.store.Complete(ctx, id, workerID, r, c.now())
	if errors.Is(err, domain.ErrAlreadyCompleted) {
		c.log.WithFields(log.Fields{"task": id, "worker": workerID}).Debug("repeated completion ignored")
		return c.store.Get(ctx, id)
	}
	if err != nil {
		return nil, err
	}

	metrics.TasksCompleted.WithLabelValues(string(job.Task.Status)).Inc()
	entry := c.log.WithFields(log.Fields{"task": id, "worker": workerID, "status": job.Task.Status})
	if r.Failed() {
		entry.WithField("error", r.ErrorMessage).Warn("task failed")
	} else {
		entry.Info("task completed")
	}
	return job, nil
}

// Get returns the job for a task id.
func (c *Coordinator) Get(ctx context.Context, id int64) (*domain.Job, error) {
	return c.store.Get(ctx, id)
}

// Page is one page of completed jobs.
type Page struct {
	Jobs  []domain.Job `json:"items"`
	Page  int          `json:"page"`
	Pages int          `json:"pages"`
	Total int          `json:"total"`
}

// Completed returns page n (1-based) of completed, unexpired jobs.
func (c *Coordinator) Completed(ctx context.Context, n int) (*Page, error) {
	if n < 1 {
		n = 1
	}
	jobs, total, err := c.store.ListCompleted(ctx, c.pageSize, (n-1)*c.pageSize)
	if err != nil {
		return nil, fmt.Errorf("list completed: %w", err)
	}
	if jobs == nil {
		jobs = []domain.Job{}
	}
	return &Page{
		Jobs:  jobs,
		Page:  n,
		Pages: (total + c.pageSize - 1) / c.pageSize,
		Total: total,
	}, nil
}

func requireClient(id string) error {
	if strings.TrimSpace(id) == "" {
		return fmt.Errorf("%w: client_id is required", domain.ErrValidation)
	}
	return nil
}

func normalizeURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", fmt.Errorf("%w: url is required", domain.ErrValidation)
	}
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return "", fmt.Errorf("%w: %q is not an http(s) url", domain.ErrValidation, raw)
	}
	return u.String(), nil
}

// validateRef rejects file references that are not bare file names; the
// retention sweep joins them onto the content directory.
func validateRef(ref string) error {
	if ref == "" {
		return nil
	}
	if ref != path.Base(ref) || strings.ContainsAny(ref, `/\`) || ref == "." || ref == ".." {
		return fmt.Errorf("%w: file reference %q must be a bare file name", domain.ErrValidation, ref)
	}
	return nil
}
