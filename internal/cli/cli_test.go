package cli

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mediaq/mediaq/internal/api"
	"github.com/mediaq/mediaq/internal/daemon"
	"github.com/mediaq/mediaq/internal/domain"
	"github.com/mediaq/mediaq/internal/infra/sqlite"
	"github.com/mediaq/mediaq/internal/playlist"
	"github.com/mediaq/mediaq/internal/queue"
	"github.com/mediaq/mediaq/internal/storage"
	"github.com/mediaq/mediaq/internal/upload"
)

type fakeExpander struct {
	videos []playlist.Video
	err    error
	calls  int
}

func (f *fakeExpander) Expand(context.Context, string) ([]playlist.Video, error) {
	f.calls++
	return f.videos, f.err
}

func TestExpandURLs(t *testing.T) {
	e := &fakeExpander{videos: []playlist.Video{{ID: "a", URL: "https://www.youtube.com/watch?v=a"}, {ID: "b", URL: "https://www.youtube.com/watch?v=b"}}}
	args := []string{"https://www.youtube.com/watch?v=x", "https://www.youtube.com/playlist?list=PL1"}

	urls, err := expandURLs(context.Background(), e, args, true)
	require.NoError(t, err)
	assert.Equal(t, []string{
		"https://www.youtube.com/watch?v=x",
		"https://www.youtube.com/watch?v=a",
		"https://www.youtube.com/watch?v=b",
	}, urls)
	assert.Equal(t, 1, e.calls)

	urls, err = expandURLs(context.Background(), e, args, false)
	require.NoError(t, err)
	assert.Equal(t, args, urls)
	assert.Equal(t, 1, e.calls, "expansion is opt-in")
}

func TestExpandURLs_Error(t *testing.T) {
	e := &fakeExpander{err: fmt.Errorf("%w: offline", domain.ErrUpstreamFailure)}
	_, err := expandURLs(context.Background(), e, []string{"https://www.youtube.com/playlist?list=PL1"}, true)
	assert.ErrorIs(t, err, domain.ErrUpstreamFailure)
}

type fakeSubmitter map[string]error

func (f fakeSubmitter) AddTask(_ context.Context, rawURL string) (*api.AddTaskResponse, error) {
	if err := f[rawURL]; err != nil {
		return nil, err
	}
	return &api.AddTaskResponse{TaskID: 1, Resubmitted: rawURL == "again"}, nil
}

func TestSubmitAll_CountsFailuresOnly(t *testing.T) {
	s := fakeSubmitter{
		"dup": fmt.Errorf("%w: already queued", domain.ErrConflict),
		"bad": errors.New("connection refused"),
	}
	failed := submitAll(context.Background(), s, []string{"ok", "again", "dup", "bad"})
	assert.Equal(t, 1, failed)
}

func TestRenderTasks(t *testing.T) {
	now := time.Date(2025, 3, 7, 12, 0, 0, 0, time.UTC)
	var buf bytes.Buffer
	renderTasks(&buf, []domain.Task{
		{ID: 42, URL: "https://example.com/v", Status: domain.TaskPending, CreatedAt: now.Add(-2 * time.Hour)},
	}, now)

	out := buf.String()
	assert.Contains(t, out, "42")
	assert.Contains(t, out, "https://example.com/v")
	assert.Contains(t, out, "2 hours ago")
}

func TestPrintJob(t *testing.T) {
	var buf bytes.Buffer
	printJob(&buf, &domain.Job{
		Task:     domain.Task{ID: 3, URL: "u", Status: domain.TaskFailed},
		Artifact: domain.Artifact{ID: "art", Status: domain.ArtifactFailed, ErrorMessage: "video unavailable"},
	})
	out := buf.String()
	assert.Contains(t, out, "Task:       3")
	assert.Contains(t, out, "video unavailable")
	assert.NotContains(t, out, "Audio:")
}

func TestOverride(t *testing.T) {
	t.Setenv("MEDIAQ_WORKER_EXTRACTOR", "/opt/extract")
	assert.Equal(t, "/opt/extract", override("worker.extractor", "fallback"))
	assert.Equal(t, "fallback", override("worker.nothing_here", "fallback"))
}

func newCoordinatorServer(t *testing.T) (*httptest.Server, *queue.Coordinator) {
	t.Helper()
	dir := t.TempDir()
	db, err := sqlite.Open(filepath.Join(dir, "db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	content := filepath.Join(dir, "content")
	quota := storage.NewQuota(content, 1<<30)
	mgr, err := upload.NewManager(upload.Config{StagingDir: filepath.Join(dir, "staging"), ContentDir: content}, quota)
	require.NoError(t, err)

	coord := queue.New(db, queue.Options{SignalTTL: time.Hour})
	s := api.NewServer(api.Deps{
		Queue:     coord,
		Uploads:   mgr,
		Retention: storage.NewRetention(db, content, time.Hour, nil),
		MaxBody:   1 << 20,
	})
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)
	return srv, coord
}

func TestTasksCommand_ListsPending(t *testing.T) {
	srv, coord := newCoordinatorServer(t)
	_, _, err := coord.Enqueue(context.Background(), "https://www.youtube.com/watch?v=queued")
	require.NoError(t, err)

	saved := cfg
	t.Cleanup(func() { cfg = saved })
	cfg = daemon.DefaultConfig()
	cfg.Worker.Server = srv.URL
	cfg.Worker.ID = ""

	c, err := newClient()
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(c.ID(), "cli-"), "client id %q", c.ID())

	var buf bytes.Buffer
	require.NoError(t, listTasks(context.Background(), c, &buf, false, 1))
	assert.Contains(t, buf.String(), "https://www.youtube.com/watch?v=queued")

	buf.Reset()
	require.NoError(t, listTasks(context.Background(), c, &buf, true, 1))
	assert.Contains(t, buf.String(), "No completed jobs.")
}
