package upload

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mediaq/mediaq/internal/domain"
	"github.com/mediaq/mediaq/internal/storage"
)

type fixture struct {
	mgr     *Manager
	quota   *storage.Quota
	content string
	staging string
}

func newFixture(t *testing.T, chunkSize, limit int64) *fixture {
	t.Helper()
	root := t.TempDir()
	f := &fixture{
		content: filepath.Join(root, "content"),
		staging: filepath.Join(root, "staging"),
	}
	f.quota = storage.NewQuota(f.content, limit)
	mgr, err := NewManager(Config{StagingDir: f.staging, ContentDir: f.content, ChunkSize: chunkSize}, f.quota)
	require.NoError(t, err)
	f.mgr = mgr
	return f
}

func randomBytes(t *testing.T, n int) []byte {
	t.Helper()
	b := make([]byte, n)
	_, err := rand.Read(b)
	require.NoError(t, err)
	return b
}

func chunkOf(data []byte, size int64, i int) []byte {
	start := int64(i) * size
	end := start + size
	if end > int64(len(data)) {
		end = int64(len(data))
	}
	return data[start:end]
}

func TestInit_TotalChunks(t *testing.T) {
	f := newFixture(t, 10, 1<<20)
	s, err := f.mgr.Init(context.Background(), "report.mp3", 25, "audio/mpeg")
	require.NoError(t, err)
	assert.Equal(t, 3, s.TotalChunks)
	assert.Equal(t, int64(10), s.ChunkSize)
	assert.Equal(t, "report.mp3", s.Filename)
	assert.DirExists(t, filepath.Join(f.staging, s.UploadID))
	assert.Equal(t, int64(25), f.quota.Reserved())
}

func TestInit_Validation(t *testing.T) {
	f := newFixture(t, 10, 1<<20)
	ctx := context.Background()

	_, err := f.mgr.Init(ctx, "a.mp3", 0, "")
	assert.ErrorIs(t, err, domain.ErrValidation)
	_, err = f.mgr.Init(ctx, "../..", 10, "")
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestInit_StorageExhausted(t *testing.T) {
	f := newFixture(t, 10, 50)
	require.NoError(t, os.WriteFile(filepath.Join(f.content, "existing.bin"), make([]byte, 49), 0644))

	_, err := f.mgr.Init(context.Background(), "big.bin", 2, "")
	assert.ErrorIs(t, err, domain.ErrStorageExhausted)

	entries, err := os.ReadDir(f.staging)
	require.NoError(t, err)
	assert.Empty(t, entries, "no session may be created for a rejected upload")
}

func TestUploadChunk_OutOfOrderScenario(t *testing.T) {
	f := newFixture(t, 10, 1<<20)
	ctx := context.Background()
	data := randomBytes(t, 25)

	s, err := f.mgr.Init(ctx, "clip.mp3", int64(len(data)), "")
	require.NoError(t, err)
	require.Equal(t, 3, s.TotalChunks)

	r, err := f.mgr.UploadChunk(ctx, s.UploadID, 2, bytes.NewReader(chunkOf(data, 10, 2)), "")
	require.NoError(t, err)
	assert.Equal(t, 1, r.ChunksReceived)
	assert.False(t, r.Complete)

	r, err = f.mgr.UploadChunk(ctx, s.UploadID, 0, bytes.NewReader(chunkOf(data, 10, 0)), "")
	require.NoError(t, err)
	assert.Equal(t, 2, r.ChunksReceived)
	assert.False(t, r.Complete)

	r, err = f.mgr.UploadChunk(ctx, s.UploadID, 1, bytes.NewReader(chunkOf(data, 10, 1)), "")
	require.NoError(t, err)
	assert.True(t, r.Complete)
	assert.Equal(t, "clip.mp3", r.Filename)

	got, err := os.ReadFile(filepath.Join(f.content, "clip.mp3"))
	require.NoError(t, err)
	assert.Equal(t, data, got)
	assert.NoDirExists(t, filepath.Join(f.staging, s.UploadID))
	assert.Zero(t, f.quota.Reserved())
}

func TestUploadChunk_AnyPermutation(t *testing.T) {
	orders := [][]int{{0, 1, 2, 3}, {3, 2, 1, 0}, {1, 3, 0, 2}, {2, 0, 3, 1}}
	for _, order := range orders {
		f := newFixture(t, 8, 1<<20)
		ctx := context.Background()
		data := randomBytes(t, 30)

		s, err := f.mgr.Init(ctx, "x.bin", int64(len(data)), "")
		require.NoError(t, err)

		var last *domain.ChunkReceipt
		for _, i := range order {
			last, err = f.mgr.UploadChunk(ctx, s.UploadID, i, bytes.NewReader(chunkOf(data, 8, i)), "")
			require.NoError(t, err)
		}
		require.True(t, last.Complete, "order %v", order)

		got, err := os.ReadFile(filepath.Join(f.content, "x.bin"))
		require.NoError(t, err)
		assert.Equal(t, data, got, "order %v", order)
	}
}

func TestUploadChunk_RetrySameIndex(t *testing.T) {
	f := newFixture(t, 10, 1<<20)
	ctx := context.Background()
	data := randomBytes(t, 20)

	s, err := f.mgr.Init(ctx, "r.bin", 20, "")
	require.NoError(t, err)

	garbage := bytes.Repeat([]byte{0xff}, 10)
	r, err := f.mgr.UploadChunk(ctx, s.UploadID, 0, bytes.NewReader(garbage), "")
	require.NoError(t, err)
	assert.Equal(t, 1, r.ChunksReceived)

	r, err = f.mgr.UploadChunk(ctx, s.UploadID, 0, bytes.NewReader(chunkOf(data, 10, 0)), "")
	require.NoError(t, err)
	assert.Equal(t, 1, r.ChunksReceived, "re-sent index must not count twice")
	assert.False(t, r.Complete)

	r, err = f.mgr.UploadChunk(ctx, s.UploadID, 1, bytes.NewReader(chunkOf(data, 10, 1)), "")
	require.NoError(t, err)
	require.True(t, r.Complete)

	got, _ := os.ReadFile(filepath.Join(f.content, "r.bin"))
	assert.Equal(t, data, got)
}

func TestUploadChunk_Errors(t *testing.T) {
	f := newFixture(t, 10, 1<<20)
	ctx := context.Background()

	_, err := f.mgr.UploadChunk(ctx, "../../etc", 0, bytes.NewReader(nil), "")
	assert.ErrorIs(t, err, domain.ErrNotFound)
	_, err = f.mgr.UploadChunk(ctx, "7b0f7c4e-8f7e-4a53-9d1d-0b1f1f6d2a11", 0, bytes.NewReader(nil), "")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	s, err := f.mgr.Init(ctx, "e.bin", 15, "")
	require.NoError(t, err)

	_, err = f.mgr.UploadChunk(ctx, s.UploadID, 2, bytes.NewReader(make([]byte, 5)), "")
	assert.ErrorIs(t, err, domain.ErrValidation, "index out of range")

	_, err = f.mgr.UploadChunk(ctx, s.UploadID, 0, bytes.NewReader(make([]byte, 11)), "")
	assert.ErrorIs(t, err, domain.ErrValidation, "oversized chunk")

	_, err = f.mgr.UploadChunk(ctx, s.UploadID, 1, bytes.NewReader(make([]byte, 4)), "")
	assert.ErrorIs(t, err, domain.ErrValidation, "short last chunk")

	_, err = f.mgr.UploadChunk(ctx, s.UploadID, 0, bytes.NewReader(make([]byte, 10)), "deadbeef")
	assert.ErrorIs(t, err, domain.ErrChunkChecksum)
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestUploadChunk_Checksum(t *testing.T) {
	f := newFixture(t, 10, 1<<20)
	ctx := context.Background()
	data := randomBytes(t, 10)
	sum := sha256.Sum256(data)

	s, err := f.mgr.Init(ctx, "c.bin", 10, "")
	require.NoError(t, err)
	r, err := f.mgr.UploadChunk(ctx, s.UploadID, 0, bytes.NewReader(data), hex.EncodeToString(sum[:]))
	require.NoError(t, err)
	assert.True(t, r.Complete)
}

func TestMerge_MissingChunkIsFatal(t *testing.T) {
	f := newFixture(t, 10, 1<<20)
	ctx := context.Background()
	data := randomBytes(t, 30)

	s, err := f.mgr.Init(ctx, "m.bin", 30, "")
	require.NoError(t, err)
	_, err = f.mgr.UploadChunk(ctx, s.UploadID, 0, bytes.NewReader(chunkOf(data, 10, 0)), "")
	require.NoError(t, err)
	_, err = f.mgr.UploadChunk(ctx, s.UploadID, 1, bytes.NewReader(chunkOf(data, 10, 1)), "")
	require.NoError(t, err)

	// Lose chunk 0 behind the manager's back.
	require.NoError(t, os.Remove(filepath.Join(f.staging, s.UploadID, "chunk_0")))

	_, err = f.mgr.UploadChunk(ctx, s.UploadID, 2, bytes.NewReader(chunkOf(data, 10, 2)), "")
	assert.ErrorIs(t, err, domain.ErrMissingChunk)
	assert.NoFileExists(t, filepath.Join(f.content, "m.bin"))
	assert.NoDirExists(t, filepath.Join(f.staging, s.UploadID))
	assert.Zero(t, f.quota.Reserved())
}

func TestUploadChunk_ConcurrentSenders(t *testing.T) {
	f := newFixture(t, 4, 1<<20)
	ctx := context.Background()
	data := randomBytes(t, 64)

	s, err := f.mgr.Init(ctx, "p.bin", int64(len(data)), "")
	require.NoError(t, err)

	var wg sync.WaitGroup
	var mu sync.Mutex
	completes := 0
	for i := 0; i < s.TotalChunks; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			r, err := f.mgr.UploadChunk(ctx, s.UploadID, i, bytes.NewReader(chunkOf(data, 4, i)), "")
			if !assert.NoError(t, err) {
				return
			}
			if r.Complete {
				mu.Lock()
				completes++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, completes, "merge must run exactly once")
	got, err := os.ReadFile(filepath.Join(f.content, "p.bin"))
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestCleanupExpired(t *testing.T) {
	f := newFixture(t, 10, 1<<20)
	ctx := context.Background()
	now := time.Now()
	f.mgr.now = func() time.Time { return now.Add(-48 * time.Hour) }

	old, err := f.mgr.Init(ctx, "old.bin", 30, "")
	require.NoError(t, err)
	_, err = f.mgr.UploadChunk(ctx, old.UploadID, 0, bytes.NewReader(make([]byte, 10)), "")
	require.NoError(t, err)

	f.mgr.now = func() time.Time { return now }
	fresh, err := f.mgr.Init(ctx, "fresh.bin", 30, "")
	require.NoError(t, err)

	corrupt := filepath.Join(f.staging, "not-a-session")
	require.NoError(t, os.Mkdir(corrupt, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(corrupt, sessionFile), []byte("{garbage"), 0644))

	n, err := f.mgr.CleanupExpired(ctx, 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	assert.NoDirExists(t, filepath.Join(f.staging, old.UploadID))
	assert.NoDirExists(t, corrupt)
	assert.DirExists(t, filepath.Join(f.staging, fresh.UploadID))
	assert.Equal(t, int64(30), f.quota.Reserved())

	_, err = f.mgr.UploadChunk(ctx, old.UploadID, 1, bytes.NewReader(make([]byte, 10)), "")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestPut(t *testing.T) {
	f := newFixture(t, 10, 100)
	ctx := context.Background()

	name, err := f.mgr.Put(ctx, "dir/My Song!.mp3", 5, bytes.NewReader([]byte("hello")))
	require.NoError(t, err)
	assert.Equal(t, "My_Song_.mp3", name)
	got, _ := os.ReadFile(filepath.Join(f.content, name))
	assert.Equal(t, "hello", string(got))

	_, err = f.mgr.Put(ctx, "short.bin", 10, bytes.NewReader([]byte("abc")))
	assert.ErrorIs(t, err, domain.ErrValidation)
	assert.NoFileExists(t, filepath.Join(f.content, "short.bin"))

	_, err = f.mgr.Put(ctx, "huge.bin", 1000, bytes.NewReader(nil))
	assert.ErrorIs(t, err, domain.ErrStorageExhausted)
}

func TestUploadChunk_RetryAfterMerge(t *testing.T) {
	f := newFixture(t, 10, 1<<20)
	ctx := context.Background()
	data := randomBytes(t, 20)

	s, err := f.mgr.Init(ctx, "late.bin", 20, "")
	require.NoError(t, err)
	_, err = f.mgr.UploadChunk(ctx, s.UploadID, 0, bytes.NewReader(chunkOf(data, 10, 0)), "")
	require.NoError(t, err)

	first, err := f.mgr.UploadChunk(ctx, s.UploadID, 1, bytes.NewReader(chunkOf(data, 10, 1)), "")
	require.NoError(t, err)
	require.True(t, first.Complete)

	// The response to the final chunk was lost; the uploader sends it again.
	again, err := f.mgr.UploadChunk(ctx, s.UploadID, 1, bytes.NewReader(chunkOf(data, 10, 1)), "")
	require.NoError(t, err)
	assert.True(t, again.Complete)
	assert.Equal(t, first.Filename, again.Filename)
	assert.Equal(t, 2, again.ChunksReceived)

	_, err = f.mgr.UploadChunk(ctx, s.UploadID, 5, bytes.NewReader(nil), "")
	assert.ErrorIs(t, err, domain.ErrValidation)

	got, err := os.ReadFile(filepath.Join(f.content, "late.bin"))
	require.NoError(t, err)
	assert.Equal(t, data, got)

	f.mgr.now = func() time.Time { return time.Now().Add(48 * time.Hour) }
	_, err = f.mgr.CleanupExpired(ctx, 24*time.Hour)
	require.NoError(t, err)
	_, err = f.mgr.UploadChunk(ctx, s.UploadID, 1, bytes.NewReader(chunkOf(data, 10, 1)), "")
	assert.ErrorIs(t, err, domain.ErrNotFound, "marker expires with the session ttl")
}

func TestNewManager_RestoresReservations(t *testing.T) {
	f := newFixture(t, 10, 50)
	ctx := context.Background()

	_, err := f.mgr.Init(ctx, "a.bin", 40, "")
	require.NoError(t, err)

	// Restart: fresh quota and manager over the same directories.
	quota := storage.NewQuota(f.content, 50)
	mgr, err := NewManager(Config{StagingDir: f.staging, ContentDir: f.content, ChunkSize: 10}, quota)
	require.NoError(t, err)
	assert.Equal(t, int64(40), quota.Reserved())

	_, err = mgr.Init(ctx, "b.bin", 40, "")
	assert.ErrorIs(t, err, domain.ErrStorageExhausted)
}

func TestCleanupExpired_UnreadableMetadata(t *testing.T) {
	f := newFixture(t, 10, 1<<20)
	ctx := context.Background()

	s, err := f.mgr.Init(ctx, "u.bin", 30, "")
	require.NoError(t, err)

	// Replace session.json with something that cannot be read as a file.
	meta := filepath.Join(f.staging, s.UploadID, sessionFile)
	require.NoError(t, os.Remove(meta))
	require.NoError(t, os.Mkdir(meta, 0755))

	n, err := f.mgr.CleanupExpired(ctx, 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.NoDirExists(t, filepath.Join(f.staging, s.UploadID))
	assert.Zero(t, f.quota.Reserved())
}
