// Package worker implements the polling worker: it watches the coordinator
// for pending tasks, claims them one at a time, runs the extraction under a
// wall-clock timeout, uploads whatever was produced and reports the outcome.
package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/mediaq/mediaq/internal/domain"
	"github.com/mediaq/mediaq/internal/infra/metrics"
)

// Coordinator is the part of the coordinator API a worker needs.
// *client.Client satisfies it.
type Coordinator interface {
	HasNewTasks(ctx context.Context, wait time.Duration) (bool, error)
	PendingTasks(ctx context.Context) ([]domain.Task, error)
	Claim(ctx context.Context, id int64) (*domain.Task, error)
	Complete(ctx context.Context, id int64, r domain.Result) (*domain.Job, error)
	UploadFile(ctx context.Context, path string) (string, error)
}

// Config tunes a Worker.
type Config struct {
	// Interval is the pause between poll cycles.
	Interval time.Duration
	// Timeout bounds one extraction.
	Timeout time.Duration
	// WorkDir holds per-task scratch directories.
	WorkDir string
	Logger  *log.Entry
}

// Worker polls, claims and processes tasks.
type Worker struct {
	coord     Coordinator
	extractor Extractor
	interval  time.Duration
	timeout   time.Duration
	workDir   string
	log       *log.Entry
	now       func() time.Time
}

// New creates a Worker.
func New(coord Coordinator, ex Extractor, cfg Config) (*Worker, error) {
	if cfg.Interval <= 0 {
		cfg.Interval = 10 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Minute
	}
	if cfg.WorkDir == "" {
		cfg.WorkDir = filepath.Join(os.TempDir(), "mediaq-worker")
	}
	if cfg.Logger == nil {
		cfg.Logger = log.WithField("component", "worker")
	}
	if err := os.MkdirAll(cfg.WorkDir, 0755); err != nil {
		return nil, fmt.Errorf("create work dir: %w", err)
	}
	return &Worker{
		coord:     coord,
		extractor: ex,
		interval:  cfg.Interval,
		timeout:   cfg.Timeout,
		workDir:   cfg.WorkDir,
		log:       cfg.Logger,
		now:       time.Now,
	}, nil
}

// DefaultID returns "<hostname>-<uuid>".
func DefaultID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "worker"
	}
	return host + "-" + uuid.NewString()
}

// Run polls until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	w.log.WithFields(log.Fields{"interval": w.interval, "timeout": w.timeout}).Info("worker started")

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		if _, err := w.RunOnce(ctx); err != nil && ctx.Err() == nil {
			w.log.WithError(err).Warn("poll cycle failed")
		}
		select {
		case <-ctx.Done():
			w.log.Info("worker stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// RunOnce performs one poll cycle and returns the number of tasks it
// processed to a terminal report.
func (w *Worker) RunOnce(ctx context.Context) (int, error) {
	has, err := w.coord.HasNewTasks(ctx, 0)
	if err != nil {
		return 0, fmt.Errorf("check for work: %w", err)
	}
	if !has {
		return 0, nil
	}
	tasks, err := w.coord.PendingTasks(ctx)
	if err != nil {
		return 0, fmt.Errorf("list pending: %w", err)
	}

	done := 0
	for _, t := range tasks {
		if ctx.Err() != nil {
			break
		}
		if w.process(ctx, t) {
			done++
		}
	}
	return done, nil
}

// process handles one task. It returns true once a completion report was
// accepted.
func (w *Worker) process(ctx context.Context, t domain.Task) bool {
	entry := w.log.WithFields(log.Fields{"task": t.ID, "url": t.URL})

	if _, err := w.coord.Claim(ctx, t.ID); err != nil {
		if errors.Is(err, domain.ErrConflict) || errors.Is(err, domain.ErrNotFound) {
			entry.WithError(err).Debug("claim lost, skipping")
		} else {
			entry.WithError(err).Warn("claim failed")
		}
		return false
	}

	metrics.WorkerActive.Set(1)
	defer metrics.WorkerActive.Set(0)
	entry.Info("task claimed")

	dir, err := os.MkdirTemp(w.workDir, fmt.Sprintf("task-%d-*", t.ID))
	var result domain.Result
	if err != nil {
		result = domain.Result{ErrorMessage: fmt.Sprintf("create work dir: %v", err)}
	} else {
		defer os.RemoveAll(dir)
		result = w.produce(ctx, t, dir, entry)
	}

	// Report even when ctx was cancelled mid-task so the claim is not stranded.
	reportCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Minute)
	defer cancel()
	if _, err := w.coord.Complete(reportCtx, t.ID, result); err != nil {
		entry.WithError(err).Error("completion report failed")
		return false
	}
	if result.Failed() {
		entry.WithField("error", result.ErrorMessage).Warn("task reported as failed")
	} else {
		entry.WithFields(log.Fields{"audio": result.AudioRef, "subtitle": result.SubtitleRef}).Info("task completed")
	}
	return true
}

// produce runs the extraction, salvages partial output, uploads the files
// and returns the result to report.
func (w *Worker) produce(ctx context.Context, t domain.Task, dir string, entry *log.Entry) domain.Result {
	ext, err := w.extract(ctx, t.URL, dir)
	files, err := w.salvage(ext, err, dir)
	if err != nil {
		return domain.Result{ErrorMessage: err.Error()}
	}

	result := domain.Result{Title: files.Title, Description: files.Description}
	stamp := w.now().Format("20060102")

	audio, err := w.stageAndUpload(ctx, files.AudioPath, t.ID, stamp)
	if err != nil {
		return domain.Result{Title: files.Title, ErrorMessage: fmt.Sprintf("upload audio: %v", err)}
	}
	result.AudioRef = audio

	sub, err := w.stageAndUpload(ctx, files.SubtitlePath, t.ID, stamp)
	if err != nil {
		return domain.Result{Title: files.Title, ErrorMessage: fmt.Sprintf("upload subtitle: %v", err)}
	}
	result.SubtitleRef = sub

	entry.WithFields(log.Fields{"audio": audio, "subtitle": sub}).Debug("artifacts uploaded")
	return result
}

// stageAndUpload renames path to <taskid>_<YYYYMMDD><ext> and uploads it.
func (w *Worker) stageAndUpload(ctx context.Context, path string, id int64, stamp string) (string, error) {
	staged := filepath.Join(filepath.Dir(path), fmt.Sprintf("%d_%s%s", id, stamp, filepath.Ext(path)))
	if staged != path {
		if err := os.Rename(path, staged); err != nil {
			return "", fmt.Errorf("stage %s: %w", filepath.Base(path), err)
		}
	}
	return w.coord.UploadFile(ctx, staged)
}
