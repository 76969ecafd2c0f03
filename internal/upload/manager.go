// Package upload stages chunked file transfers and reassembles them in
// index order. Each session lives in its own directory under the staging
// area, holding session.json and one chunk_<index> file per received chunk.
package upload

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/mediaq/mediaq/internal/domain"
	"github.com/mediaq/mediaq/internal/infra/metrics"
)

// DefaultChunkSize is the system-wide chunk size.
const DefaultChunkSize = 10 << 20

const sessionFile = "session.json"

// Quota is the admission control the manager consults before accepting bytes.
type Quota interface {
	Admit(additional int64) error
	Reserve(id string, n int64) error
	// Hold records n bytes under id without admission. Sessions that were
	// already staged before a restart are held this way.
	Hold(id string, n int64)
	Release(id string)
}

// Config locates the staging and content areas.
type Config struct {
	StagingDir string
	ContentDir string
	ChunkSize  int64
	Logger     *log.Entry
}

// Manager owns upload sessions.
type Manager struct {
	staging   string
	content   string
	chunkSize int64
	quota     Quota
	log       *log.Entry
	now       func() time.Time

	mu        sync.Mutex
	locks     map[string]*sessionLock
	finalized map[string]finalized
}

// finalized remembers a merged session so a retried final chunk gets the
// completed receipt instead of NotFound.
type finalized struct {
	filename string
	total    int
	at       time.Time
}

func (f finalized) receipt(id string) *domain.ChunkReceipt {
	return &domain.ChunkReceipt{
		UploadID:       id,
		ChunksReceived: f.total,
		TotalChunks:    f.total,
		Complete:       true,
		Filename:       f.filename,
	}
}

// sessionLock serializes metadata updates, merge and purge of one session.
type sessionLock struct {
	mu     sync.Mutex
	refs   int
	merged bool
}

// NewManager creates the staging and content directories if needed.
func NewManager(cfg Config, quota Quota) (*Manager, error) {
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = DefaultChunkSize
	}
	if cfg.Logger == nil {
		cfg.Logger = log.WithField("component", "upload")
	}
	for _, dir := range []string{cfg.StagingDir, cfg.ContentDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create %s: %w", dir, err)
		}
	}
	m := &Manager{
		staging:   cfg.StagingDir,
		content:   cfg.ContentDir,
		chunkSize: cfg.ChunkSize,
		quota:     quota,
		log:       cfg.Logger,
		now:       time.Now,
		locks:     make(map[string]*sessionLock),
		finalized: make(map[string]finalized),
	}
	if err := m.restoreReservations(); err != nil {
		return nil, err
	}
	return m, nil
}

// restoreReservations holds quota for every session staged before this
// process started. Sessions with unreadable metadata are left to the sweep.
func (m *Manager) restoreReservations() error {
	entries, err := os.ReadDir(m.staging)
	if err != nil {
		return fmt.Errorf("read staging dir: %w", err)
	}
	var held int64
	restored := 0
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		s, err := m.loadSession(e.Name())
		if err != nil {
			m.log.WithError(err).WithField("upload", e.Name()).Warn("staged session not restored")
			continue
		}
		m.quota.Hold(s.UploadID, s.DeclaredSize)
		held += s.DeclaredSize
		restored++
	}
	if restored > 0 {
		m.log.WithFields(log.Fields{"sessions": restored, "bytes": held}).Info("staged upload reservations restored")
	}
	return nil
}

// ChunkSize returns the fixed chunk size.
func (m *Manager) ChunkSize() int64 { return m.chunkSize }

// ContentDir returns the directory final files are written to.
func (m *Manager) ContentDir() string { return m.content }

// ─── Sessions ───────────────────────────────────────────────────────────────

// Init opens a session for a file of size bytes after reserving room for it.
func (m *Manager) Init(ctx context.Context, filename string, size int64, contentType string) (*domain.UploadSession, error) {
	name, err := SanitizeFilename(filename)
	if err != nil {
		return nil, err
	}
	if size <= 0 {
		return nil, fmt.Errorf("%w: file_size must be positive", domain.ErrValidation)
	}

	id := uuid.NewString()
	if err := m.quota.Reserve(id, size); err != nil {
		return nil, err
	}

	lk := m.acquire(id)
	defer m.release(id, lk)

	s := &domain.UploadSession{
		UploadID:     id,
		Filename:     name,
		DeclaredSize: size,
		ContentType:  contentType,
		ChunkSize:    m.chunkSize,
		TotalChunks:  domain.TotalChunks(size, m.chunkSize),
		Received:     []int{},
		CreatedAt:    m.now().UTC(),
	}
	if err := os.MkdirAll(m.sessionDir(id), 0755); err != nil {
		m.quota.Release(id)
		return nil, fmt.Errorf("create session dir: %w", err)
	}
	if err := m.saveSession(s); err != nil {
		os.RemoveAll(m.sessionDir(id))
		m.quota.Release(id)
		return nil, err
	}

	metrics.UploadSessions.WithLabelValues("opened").Inc()
	m.log.WithFields(log.Fields{
		"upload": id, "file": name, "size": size, "chunks": s.TotalChunks,
	}).Info("upload session opened")
	return s, nil
}

// UploadChunk stores chunk index of a session. Re-sending an index replaces
// it. When the last missing index arrives the chunks are merged in index
// order and the session is removed. Chunks for an upload that already merged
// get the completed receipt until the session TTL passes.
func (m *Manager) UploadChunk(ctx context.Context, uploadID string, index int, r io.Reader, checksum string) (*domain.ChunkReceipt, error) {
	if _, err := uuid.Parse(uploadID); err != nil {
		return nil, fmt.Errorf("%w: upload %q", domain.ErrNotFound, uploadID)
	}
	if f, ok := m.finalizedUpload(uploadID); ok {
		if index < 0 || index >= f.total {
			return nil, fmt.Errorf("%w: chunk_index %d outside 0..%d", domain.ErrValidation, index, f.total-1)
		}
		return f.receipt(uploadID), nil
	}
	s, err := m.loadSession(uploadID)
	if err != nil {
		return nil, err
	}
	if index < 0 || index >= s.TotalChunks {
		return nil, fmt.Errorf("%w: chunk_index %d outside 0..%d", domain.ErrValidation, index, s.TotalChunks-1)
	}

	if err := m.writeChunk(s, index, r, checksum); err != nil {
		if f, ok := m.finalizedUpload(uploadID); ok && errors.Is(err, domain.ErrNotFound) {
			return f.receipt(uploadID), nil
		}
		return nil, err
	}

	lk := m.acquire(uploadID)
	defer m.release(uploadID, lk)

	if lk.merged {
		if f, ok := m.finalizedUpload(uploadID); ok {
			return f.receipt(uploadID), nil
		}
		return nil, fmt.Errorf("%w: %s", domain.ErrUploadFinalized, uploadID)
	}
	// Re-read under the lock: another chunk may have updated the session.
	s, err = m.loadSession(uploadID)
	if err != nil {
		if f, ok := m.finalizedUpload(uploadID); ok && errors.Is(err, domain.ErrNotFound) {
			return f.receipt(uploadID), nil
		}
		return nil, err
	}
	s.Received = addIndex(s.Received, index)
	if err := m.saveSession(s); err != nil {
		return nil, err
	}

	receipt := &domain.ChunkReceipt{
		UploadID:       uploadID,
		ChunksReceived: s.ChunksReceived(),
		TotalChunks:    s.TotalChunks,
	}
	if !s.Complete() {
		return receipt, nil
	}

	if err := m.merge(s); err != nil {
		metrics.UploadSessions.WithLabelValues("merge_failed").Inc()
		m.log.WithError(err).WithField("upload", uploadID).Error("merge failed, session discarded")
		m.discard(uploadID)
		return nil, err
	}
	lk.merged = true
	m.mu.Lock()
	m.finalized[uploadID] = finalized{filename: s.Filename, total: s.TotalChunks, at: m.now()}
	m.mu.Unlock()
	m.discard(uploadID)

	metrics.UploadSessions.WithLabelValues("merged").Inc()
	m.log.WithFields(log.Fields{"upload": uploadID, "file": s.Filename}).Info("upload merged")
	receipt.Complete = true
	receipt.Filename = s.Filename
	return receipt, nil
}

// CleanupExpired purges sessions older than ttl and any session whose
// metadata cannot be read. Returns the number purged. Finalized markers
// older than ttl are dropped as well.
func (m *Manager) CleanupExpired(ctx context.Context, ttl time.Duration) (int, error) {
	entries, err := os.ReadDir(m.staging)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, nil
		}
		return 0, fmt.Errorf("read staging dir: %w", err)
	}

	purged := 0
	cutoff := m.now().Add(-ttl)

	m.mu.Lock()
	for id, f := range m.finalized {
		if f.at.Before(cutoff) {
			delete(m.finalized, id)
		}
	}
	m.mu.Unlock()
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return purged, err
		}
		if !e.IsDir() {
			continue
		}
		if m.purgeIfStale(e.Name(), cutoff) {
			purged++
		}
	}

	if purged > 0 {
		metrics.UploadSessions.WithLabelValues("purged").Add(float64(purged))
		m.log.WithField("sessions", purged).Info("stale upload sessions purged")
	}
	return purged, nil
}

func (m *Manager) purgeIfStale(id string, cutoff time.Time) bool {
	lk := m.acquire(id)
	defer m.release(id, lk)

	if lk.merged {
		return false
	}
	s, err := m.loadSession(id)
	if err == nil && !s.CreatedAt.Before(cutoff) {
		return false
	}
	if err != nil {
		m.log.WithError(err).WithField("upload", id).Warn("purging session with unreadable metadata")
	}
	m.discard(id)
	return true
}

// ─── Single-shot ────────────────────────────────────────────────────────────

// Admit reports whether n more bytes fit under the quota without holding
// them. The HTTP layer calls it before reading a request body.
func (m *Manager) Admit(n int64) error {
	return m.quota.Admit(n)
}

// Put stores a whole file of the given size in one call.
func (m *Manager) Put(ctx context.Context, filename string, size int64, r io.Reader) (string, error) {
	name, err := SanitizeFilename(filename)
	if err != nil {
		return "", err
	}
	if size < 0 {
		return "", fmt.Errorf("%w: negative size", domain.ErrValidation)
	}

	hold := "put-" + uuid.NewString()
	if err := m.quota.Reserve(hold, size); err != nil {
		return "", err
	}
	defer m.quota.Release(hold)

	tmp, err := os.CreateTemp(m.content, ".put-*")
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	n, err := io.Copy(tmp, io.LimitReader(r, size+1))
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return "", fmt.Errorf("write %s: %w", name, err)
	}
	if n != size {
		return "", fmt.Errorf("%w: received %d bytes, declared %d", domain.ErrValidation, n, size)
	}
	if err := os.Rename(tmp.Name(), filepath.Join(m.content, name)); err != nil {
		return "", fmt.Errorf("store %s: %w", name, err)
	}

	metrics.UploadBytes.WithLabelValues("single").Add(float64(n))
	m.log.WithFields(log.Fields{"file": name, "size": n}).Info("file stored")
	return name, nil
}

// ─── Internals ──────────────────────────────────────────────────────────────

func (m *Manager) writeChunk(s *domain.UploadSession, index int, r io.Reader, checksum string) error {
	want := s.ChunkSize
	if index == s.TotalChunks-1 {
		want = s.DeclaredSize - int64(s.TotalChunks-1)*s.ChunkSize
	}

	dir := m.sessionDir(s.UploadID)
	tmp, err := os.CreateTemp(dir, ".chunk-*")
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%w: upload %s", domain.ErrNotFound, s.UploadID)
		}
		return fmt.Errorf("create chunk: %w", err)
	}
	defer os.Remove(tmp.Name())

	h := sha256.New()
	n, err := io.Copy(io.MultiWriter(tmp, h), io.LimitReader(r, want+1))
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("write chunk %d: %w", index, err)
	}
	if n != want {
		return fmt.Errorf("%w: chunk %d is %d bytes, expected %d", domain.ErrValidation, index, n, want)
	}
	if checksum != "" && !strings.EqualFold(checksum, hex.EncodeToString(h.Sum(nil))) {
		return fmt.Errorf("%w: chunk %d", domain.ErrChunkChecksum, index)
	}

	if err := os.Rename(tmp.Name(), chunkPath(dir, index)); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%w: upload %s", domain.ErrNotFound, s.UploadID)
		}
		return fmt.Errorf("store chunk %d: %w", index, err)
	}
	metrics.UploadBytes.WithLabelValues("chunk").Add(float64(n))
	return nil
}

// merge concatenates chunk_0..chunk_{n-1} into the content directory. Any
// missing chunk aborts the merge.
func (m *Manager) merge(s *domain.UploadSession) error {
	dir := m.sessionDir(s.UploadID)
	out, err := os.CreateTemp(m.content, ".merge-*")
	if err != nil {
		return fmt.Errorf("create merge target: %w", err)
	}
	defer os.Remove(out.Name())

	var written int64
	for i := 0; i < s.TotalChunks; i++ {
		n, err := appendChunk(out, chunkPath(dir, i))
		if err != nil {
			out.Close()
			if errors.Is(err, fs.ErrNotExist) {
				return fmt.Errorf("%w: index %d of %s", domain.ErrMissingChunk, i, s.UploadID)
			}
			return fmt.Errorf("append chunk %d: %w", i, err)
		}
		written += n
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("close merge target: %w", err)
	}
	if written != s.DeclaredSize {
		return fmt.Errorf("%w: merged %d bytes, declared %d", domain.ErrValidation, written, s.DeclaredSize)
	}
	return os.Rename(out.Name(), filepath.Join(m.content, s.Filename))
}

func appendChunk(dst io.Writer, path string) (int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	return io.Copy(dst, f)
}

// discard removes a session's staging area and its reservation.
func (m *Manager) discard(id string) {
	if err := os.RemoveAll(m.sessionDir(id)); err != nil {
		m.log.WithError(err).WithField("upload", id).Warn("could not remove staging dir")
	}
	m.quota.Release(id)
}

func (m *Manager) loadSession(id string) (*domain.UploadSession, error) {
	data, err := os.ReadFile(filepath.Join(m.sessionDir(id), sessionFile))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: upload %s", domain.ErrNotFound, id)
		}
		return nil, fmt.Errorf("read session: %w", err)
	}
	var s domain.UploadSession
	if err := json.Unmarshal(data, &s); err != nil || s.UploadID != id || s.TotalChunks <= 0 {
		return nil, fmt.Errorf("%w: upload %s has corrupt metadata", domain.ErrNotFound, id)
	}
	return &s, nil
}

func (m *Manager) saveSession(s *domain.UploadSession) error {
	data, err := json.Marshal(s)
	if err != nil {
		return err
	}
	dir := m.sessionDir(s.UploadID)
	tmp, err := os.CreateTemp(dir, ".session-*")
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%w: upload %s", domain.ErrNotFound, s.UploadID)
		}
		return fmt.Errorf("write session: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write session: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("write session: %w", err)
	}
	return os.Rename(tmp.Name(), filepath.Join(dir, sessionFile))
}

func (m *Manager) finalizedUpload(id string) (finalized, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.finalized[id]
	return f, ok
}

func (m *Manager) sessionDir(id string) string {
	return filepath.Join(m.staging, id)
}

func chunkPath(dir string, index int) string {
	return filepath.Join(dir, "chunk_"+strconv.Itoa(index))
}

func (m *Manager) acquire(id string) *sessionLock {
	m.mu.Lock()
	lk, ok := m.locks[id]
	if !ok {
		lk = &sessionLock{}
		m.locks[id] = lk
	}
	lk.refs++
	m.mu.Unlock()

	lk.mu.Lock()
	return lk
}

func (m *Manager) release(id string, lk *sessionLock) {
	lk.mu.Unlock()

	m.mu.Lock()
	lk.refs--
	if lk.refs == 0 {
		delete(m.locks, id)
	}
	m.mu.Unlock()
}

func addIndex(received []int, index int) []int {
	i := sort.SearchInts(received, index)
	if i < len(received) && received[i] == index {
		return received
	}
	received = append(received, 0)
	copy(received[i+1:], received[i:])
	received[i] = index
	return received
}
