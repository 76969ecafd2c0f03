// Package health provides periodic health checks with recovery hooks.
package health

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	log "github.com/sirupsen/logrus"

	"github.com/mediaq/mediaq/internal/infra/metrics"
	"github.com/mediaq/mediaq/internal/storage"
)

// Check defines a single health check with optional recovery action.
type Check struct {
	Name      string
	CheckFn   func(ctx context.Context) error
	RecoverFn func(ctx context.Context) error
}

// Status represents the result of a health check.
type Status struct {
	Name      string    `json:"name"`
	Healthy   bool      `json:"healthy"`
	Error     string    `json:"error,omitempty"`
	CheckedAt time.Time `json:"checked_at"`
}

// Pinger is anything with a connectivity check, such as the job store.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Capacity reports storage consumption against the cap.
type Capacity interface {
	Usage() (int64, error)
	Reserved() int64
	Limit() int64
}

// Sweeper reclaims expired artifacts.
type Sweeper interface {
	SweepExpiredArtifacts(ctx context.Context) (storage.SweepReport, error)
}

// Deps are the components the standard checks inspect.
type Deps struct {
	Store      Pinger
	Capacity   Capacity
	Sweeper    Sweeper
	ContentDir string
	StagingDir string
	// Headroom is the fraction of the cap above which storage is unhealthy.
	Headroom float64
	Interval time.Duration
	Logger   *log.Entry
}

// Checker runs periodic health checks with auto-recovery.
type Checker struct {
	mu       sync.RWMutex
	checks   []Check
	statuses []Status
	interval time.Duration
	log      *log.Entry
}

// NewChecker creates a health checker with the standard four checks.
func NewChecker(d Deps) *Checker {
	if d.Interval <= 0 {
		d.Interval = 60 * time.Second
	}
	if d.Headroom <= 0 || d.Headroom > 1 {
		d.Headroom = 0.95
	}
	if d.Logger == nil {
		d.Logger = log.WithField("component", "health")
	}
	return &Checker{
		interval: d.Interval,
		log:      d.Logger,
		checks: []Check{
			{
				Name: "store",
				CheckFn: func(ctx context.Context) error {
					return d.Store.Ping(ctx)
				},
			},
			{
				Name: "content_dir",
				CheckFn: func(ctx context.Context) error {
					return checkWritableDir(d.ContentDir)
				},
				RecoverFn: func(ctx context.Context) error {
					return os.MkdirAll(d.ContentDir, 0755)
				},
			},
			{
				Name: "staging_dir",
				CheckFn: func(ctx context.Context) error {
					return checkWritableDir(d.StagingDir)
				},
				RecoverFn: func(ctx context.Context) error {
					return os.MkdirAll(d.StagingDir, 0755)
				},
			},
			{
				Name: "storage_headroom",
				CheckFn: func(ctx context.Context) error {
					return checkHeadroom(d.Capacity, d.Headroom)
				},
				RecoverFn: func(ctx context.Context) error {
					_, err := d.Sweeper.SweepExpiredArtifacts(ctx)
					return err
				},
			},
		},
	}
}

// Run starts the health check loop. Call in a goroutine.
func (c *Checker) Run(ctx context.Context) {
	// Run immediately on start
	c.runAll(ctx)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.runAll(ctx)
		}
	}
}

func (c *Checker) runAll(ctx context.Context) {
	statuses := make([]Status, len(c.checks))
	for i, check := range c.checks {
		s := Status{
			Name:      check.Name,
			CheckedAt: time.Now(),
		}
		if err := check.CheckFn(ctx); err != nil {
			s.Healthy = false
			s.Error = err.Error()
			c.log.WithError(err).WithField("check", check.Name).Warn("health check failed")
			if check.RecoverFn != nil {
				result := "ok"
				if rerr := check.RecoverFn(ctx); rerr != nil {
					result = "error"
					c.log.WithError(rerr).WithField("check", check.Name).Error("recovery failed")
				}
				metrics.HealthRecoveries.WithLabelValues(check.Name, result).Inc()
			}
			metrics.HealthCheckStatus.WithLabelValues(check.Name).Set(0)
		} else {
			s.Healthy = true
			metrics.HealthCheckStatus.WithLabelValues(check.Name).Set(1)
		}
		statuses[i] = s
	}

	c.mu.Lock()
	c.statuses = statuses
	c.mu.Unlock()
}

// Statuses returns the latest health check results.
func (c *Checker) Statuses() []Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	result := make([]Status, len(c.statuses))
	copy(result, c.statuses)
	return result
}

// IsHealthy returns true if all checks pass.
func (c *Checker) IsHealthy() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, s := range c.statuses {
		if !s.Healthy {
			return false
		}
	}
	return true
}

// ─── Check Implementations ──────────────────────────────────────────────────

func checkWritableDir(dir string) error {
	info, err := os.Stat(dir)
	if err != nil {
		return fmt.Errorf("check %s: %w", dir, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("%s is not a directory", dir)
	}
	tmpf, err := os.CreateTemp(dir, ".health-*")
	if err != nil {
		return fmt.Errorf("%s is not writable: %w", dir, err)
	}
	name := tmpf.Name()
	tmpf.Close()
	return os.Remove(filepath.Clean(name))
}

func checkHeadroom(c Capacity, headroom float64) error {
	used, err := c.Usage()
	if err != nil {
		return err
	}
	committed := used + c.Reserved()
	threshold := int64(float64(c.Limit()) * headroom)
	if committed >= threshold {
		return fmt.Errorf("storage %s of %s committed", humanize.IBytes(uint64(committed)), humanize.IBytes(uint64(c.Limit())))
	}
	return nil
}
