// Package storage accounts for the artifact content directory: quota
// admission before any bytes are accepted, and reclaiming files of
// artifacts past the retention window.
package storage

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/dustin/go-humanize"

	"github.com/mediaq/mediaq/internal/domain"
	"github.com/mediaq/mediaq/internal/infra/metrics"
)

// Quota enforces the storage cap on dir. Reservations hold room for upload
// sessions that were admitted but have not merged yet.
type Quota struct {
	dir   string
	limit int64

	mu       sync.Mutex
	reserved map[string]int64
}

// NewQuota creates a quota of limit bytes over dir.
func NewQuota(dir string, limit int64) *Quota {
	return &Quota{dir: dir, limit: limit, reserved: make(map[string]int64)}
}

// Limit returns the configured cap in bytes.
func (q *Quota) Limit() int64 { return q.limit }

// Usage walks the content directory and sums regular file sizes.
func (q *Quota) Usage() (int64, error) {
	var total int64
	err := filepath.WalkDir(q.dir, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		total += info.Size()
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("measure %s: %w", q.dir, err)
	}
	metrics.StorageUsage.Set(float64(total))
	return total, nil
}

// Admit checks that additional bytes fit under the cap, counting current
// usage and outstanding reservations.
func (q *Quota) Admit(additional int64) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.admitLocked(additional)
}

// Reserve admits n bytes and holds them under id until Release.
func (q *Quota) Reserve(id string, n int64) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.admitLocked(n); err != nil {
		return err
	}
	q.reserved[id] = n
	return nil
}

// Hold records n bytes under id without checking the cap. It restores
// reservations of sessions staged before a restart, which were admitted
// already.
func (q *Quota) Hold(id string, n int64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.reserved[id] = n
}

// Release drops the reservation held under id, if any.
func (q *Quota) Release(id string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.reserved, id)
}

// Reserved returns the bytes currently held by reservations.
func (q *Quota) Reserved() int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.reservedLocked()
}

func (q *Quota) admitLocked(additional int64) error {
	if additional < 0 {
		return fmt.Errorf("%w: negative size", domain.ErrValidation)
	}
	used, err := q.Usage()
	if err != nil {
		return err
	}
	committed := used + q.reservedLocked()
	if committed+additional > q.limit {
		metrics.AdmissionDenied.Inc()
		return fmt.Errorf("%w: %s in use, %s requested, limit %s", domain.ErrStorageExhausted,
			humanize.IBytes(uint64(committed)), humanize.IBytes(uint64(additional)), humanize.IBytes(uint64(q.limit)))
	}
	return nil
}

func (q *Quota) reservedLocked() int64 {
	var n int64
	for _, v := range q.reserved {
		n += v
	}
	return n
}

// EnsureDir creates the content directory.
func (q *Quota) EnsureDir() error {
	return os.MkdirAll(q.dir, 0755)
}
