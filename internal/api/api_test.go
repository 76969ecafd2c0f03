package api

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mediaq/mediaq/internal/domain"
	"github.com/mediaq/mediaq/internal/infra/sqlite"
	"github.com/mediaq/mediaq/internal/queue"
	"github.com/mediaq/mediaq/internal/storage"
	"github.com/mediaq/mediaq/internal/upload"
)

type testEnv struct {
	srv     *httptest.Server
	content string
	quota   *storage.Quota
}

func newTestServer(t *testing.T, chunkSize, limit int64) *testEnv {
	t.Helper()
	dir := t.TempDir()

	db, err := sqlite.Open(filepath.Join(dir, "db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	content := filepath.Join(dir, "content")
	quota := storage.NewQuota(content, limit)
	mgr, err := upload.NewManager(upload.Config{
		StagingDir: filepath.Join(dir, "staging"),
		ContentDir: content,
		ChunkSize:  chunkSize,
	}, quota)
	require.NoError(t, err)

	s := NewServer(Deps{
		Queue:     queue.New(db, queue.Options{SignalTTL: time.Hour}),
		Uploads:   mgr,
		Retention: storage.NewRetention(db, content, time.Hour, nil),
		MaxBody:   1 << 20,
	})
	s.EnableMetrics()

	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)
	return &testEnv{srv: srv, content: content, quota: quota}
}

func (e *testEnv) postJSON(t *testing.T, path string, body interface{}) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(e.srv.URL+path, "application/json", bytes.NewReader(data))
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func (e *testEnv) get(t *testing.T, path string) *http.Response {
	t.Helper()
	resp, err := http.Get(e.srv.URL + path)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func (e *testEnv) postMultipart(t *testing.T, path string, fields map[string]string, filename string, data []byte) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range fields {
		require.NoError(t, mw.WriteField(k, v))
	}
	fw, err := mw.CreateFormFile("file", filename)
	require.NoError(t, err)
	_, err = fw.Write(data)
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	resp, err := http.Post(e.srv.URL+path, mw.FormDataContentType(), &buf)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode(t *testing.T, resp *http.Response, v interface{}) {
	t.Helper()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

func errorCode(t *testing.T, resp *http.Response) string {
	t.Helper()
	var body struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	decode(t, resp, &body)
	return body.Error.Code
}

// ─── Tasks ──────────────────────────────────────────────────────────────────

func TestHealthAndMetrics(t *testing.T) {
	e := newTestServer(t, 10, 1<<20)

	resp := e.get(t, "/health")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = e.get(t, "/metrics")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestTaskLifecycle(t *testing.T) {
	e := newTestServer(t, 10, 1<<20)

	resp := e.postJSON(t, "/api/tasks/add", map[string]string{"youtube_url": "https://example.com/watch?v=A"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var added AddTaskResponse
	decode(t, resp, &added)
	assert.Equal(t, domain.TaskPending, added.Task.Status)

	resp = e.get(t, "/api/tasks/new?client_id=w1")
	var hint map[string]bool
	decode(t, resp, &hint)
	assert.True(t, hint["has_new_tasks"])

	resp = e.get(t, "/api/tasks/pending?client_id=w1")
	var pending struct {
		Tasks []domain.Task `json:"tasks"`
	}
	decode(t, resp, &pending)
	require.Len(t, pending.Tasks, 1)
	assert.Equal(t, added.TaskID, pending.Tasks[0].ID)

	resp = e.postJSON(t, "/api/tasks/claim", ClaimRequest{TaskID: added.TaskID, ClientID: "w1"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = e.postJSON(t, "/api/tasks/claim", ClaimRequest{TaskID: added.TaskID, ClientID: "w2"})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "conflict", errorCode(t, resp))

	resp = e.postJSON(t, "/api/tasks/complete", CompleteRequest{TaskID: added.TaskID, ClientID: "w2", ErrorMessage: "nope"})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp = e.postJSON(t, "/api/tasks/complete", CompleteRequest{
		TaskID:           added.TaskID,
		ClientID:         "w1",
		Title:            "A",
		AudioFilename:    "a.mp3",
		SubtitleFilename: "a.txt",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var job domain.Job
	decode(t, resp, &job)
	assert.Equal(t, domain.TaskCompleted, job.Task.Status)
	assert.Equal(t, domain.ArtifactCompleted, job.Artifact.Status)

	resp = e.get(t, fmt.Sprintf("/task/%d", added.TaskID))
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = e.get(t, "/api/subtitles?page=1")
	var page queue.Page
	decode(t, resp, &page)
	assert.Equal(t, 1, page.Total)
}

func TestAddTask_Errors(t *testing.T) {
	e := newTestServer(t, 10, 1<<20)

	resp := e.postJSON(t, "/api/tasks/add", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, err := http.Post(e.srv.URL+"/api/tasks/add", "application/json", strings.NewReader("{"))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = e.postJSON(t, "/api/tasks/add", map[string]string{"url": "https://example.com/v"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	resp = e.postJSON(t, "/api/tasks/add", map[string]string{"url": "https://example.com/v"})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestSubmitForm_SharesDuplicatePolicy(t *testing.T) {
	e := newTestServer(t, 10, 1<<20)

	resp := e.postJSON(t, "/api/tasks/add", map[string]string{"url": "https://example.com/v"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	form, err := http.PostForm(e.srv.URL+"/submit", map[string][]string{"youtube_url": {"https://example.com/v"}})
	require.NoError(t, err)
	defer form.Body.Close()
	assert.Equal(t, http.StatusConflict, form.StatusCode)
}

func TestPending_RequiresClientID(t *testing.T) {
	e := newTestServer(t, 10, 1<<20)
	assert.Equal(t, http.StatusBadRequest, e.get(t, "/api/tasks/pending").StatusCode)
	assert.Equal(t, http.StatusBadRequest, e.get(t, "/api/tasks/new").StatusCode)
	assert.Equal(t, http.StatusBadRequest, e.get(t, "/api/tasks/new?client_id=w&wait=soon").StatusCode)
}

func TestClaim_Unknown(t *testing.T) {
	e := newTestServer(t, 10, 1<<20)
	resp := e.postJSON(t, "/api/tasks/claim", ClaimRequest{TaskID: 99, ClientID: "w1"})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "not_found", errorCode(t, resp))
}

// ─── Files ──────────────────────────────────────────────────────────────────

func TestChunkedUpload_OutOfOrder(t *testing.T) {
	e := newTestServer(t, 10, 1<<20)
	data := []byte("0123456789abcdefghijKLMNO")

	resp := e.postJSON(t, "/api/file/init_upload", InitUploadRequest{Filename: "a.mp3", FileSize: int64(len(data))})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var sess InitUploadResponse
	decode(t, resp, &sess)
	assert.Equal(t, 3, sess.TotalChunks)
	assert.Equal(t, int64(10), sess.ChunkSize)

	var receipt domain.ChunkReceipt
	for _, i := range []int{2, 0, 1} {
		end := min((i+1)*10, len(data))
		chunk := data[i*10 : end]
		sum := sha256.Sum256(chunk)
		resp := e.postMultipart(t, "/api/file/upload_chunk", map[string]string{
			"upload_id":   sess.UploadID,
			"chunk_index": fmt.Sprint(i),
			"sha256":      hex.EncodeToString(sum[:]),
		}, "blob", chunk)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		decode(t, resp, &receipt)
	}
	assert.True(t, receipt.Complete)
	assert.Equal(t, "a.mp3", receipt.Filename)

	resp = e.get(t, "/download/a.mp3")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	got, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestUploadChunk_UnknownSession(t *testing.T) {
	e := newTestServer(t, 10, 1<<20)
	resp := e.postMultipart(t, "/api/file/upload_chunk", map[string]string{
		"upload_id":   "6f1c1b1e-4a57-4c57-9f3e-0d4c7f7f2b11",
		"chunk_index": "0",
	}, "blob", []byte("x"))
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestInitUpload_StorageExhausted(t *testing.T) {
	e := newTestServer(t, 10, 100)
	resp := e.postJSON(t, "/api/file/init_upload", InitUploadRequest{Filename: "big.mp3", FileSize: 101})
	assert.Equal(t, http.StatusInsufficientStorage, resp.StatusCode)
	assert.Equal(t, "storage_exhausted", errorCode(t, resp))
}

func TestSingleShotUpload(t *testing.T) {
	e := newTestServer(t, 10, 1<<20)
	resp := e.postMultipart(t, "/api/file/upload", nil, "../../etc/sub title.txt", []byte("hello"))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var body map[string]string
	decode(t, resp, &body)

	got, err := os.ReadFile(filepath.Join(e.content, body["filename"]))
	require.NoError(t, err)
	assert.Equal(t, "hello", string(got))
	assert.NotContains(t, body["filename"], "/")
}

func TestUpload_BodyTooLarge(t *testing.T) {
	dir := t.TempDir()
	mgr, err := upload.NewManager(upload.Config{
		StagingDir: filepath.Join(dir, "staging"),
		ContentDir: filepath.Join(dir, "content"),
		ChunkSize:  10,
	}, storage.NewQuota(filepath.Join(dir, "content"), 1<<30))
	require.NoError(t, err)
	h := NewServer(Deps{Uploads: mgr, MaxBody: 1 << 10}).Handler()

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", "big.bin")
	require.NoError(t, err)
	fw.Write(make([]byte, 4<<10))
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/file/upload", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

type countingReader struct {
	r io.Reader
	n int
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += n
	return n, err
}

func TestUpload_AdmissionBeforeBody(t *testing.T) {
	dir := t.TempDir()
	content := filepath.Join(dir, "content")
	mgr, err := upload.NewManager(upload.Config{
		StagingDir: filepath.Join(dir, "staging"),
		ContentDir: content,
		ChunkSize:  10,
	}, storage.NewQuota(content, 100))
	require.NoError(t, err)
	h := NewServer(Deps{Uploads: mgr, MaxBody: 1 << 20}).Handler()

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", "big.bin")
	require.NoError(t, err)
	fw.Write(make([]byte, 1<<10))
	require.NoError(t, mw.Close())
	size := int64(buf.Len())

	body := &countingReader{r: &buf}
	req := httptest.NewRequest(http.MethodPost, "/api/file/upload", body)
	req.ContentLength = size
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusInsufficientStorage, rec.Code)
	assert.Zero(t, body.n, "body must not be read once admission fails")
	entries, err := os.ReadDir(content)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestUploadConfig(t *testing.T) {
	e := newTestServer(t, 10, 1<<20)
	resp := e.get(t, "/api/file/upload_config")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var cfg UploadConfig
	decode(t, resp, &cfg)
	assert.Equal(t, int64(10), cfg.ChunkSize)
	assert.Equal(t, int64(1<<20), cfg.MaxBody)
}

func TestDownload_NotFound(t *testing.T) {
	e := newTestServer(t, 10, 1<<20)
	assert.Equal(t, http.StatusNotFound, e.get(t, "/download/missing.mp3").StatusCode)
	assert.Equal(t, http.StatusNotFound, e.get(t, "/download/.hidden").StatusCode)
}

func TestSweeps(t *testing.T) {
	e := newTestServer(t, 10, 1<<20)

	resp := e.postJSON(t, "/api/file/cleanup_uploads", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var purged map[string]int
	decode(t, resp, &purged)
	assert.Zero(t, purged["purged"])

	resp = e.postJSON(t, "/api/file/manage_storage", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var report storage.SweepReport
	decode(t, resp, &report)
	assert.Zero(t, report.FreedBytes)
}

func TestStatusFor(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{domain.ErrValidation, http.StatusBadRequest},
		{fmt.Errorf("wrap: %w", domain.ErrConflict), http.StatusConflict},
		{domain.ErrMissingChunk, http.StatusNotFound},
		{domain.ErrForbidden, http.StatusForbidden},
		{domain.ErrStorageExhausted, http.StatusInsufficientStorage},
		{domain.ErrExtractionTimeout, http.StatusBadGateway},
		{io.ErrUnexpectedEOF, http.StatusInternalServerError},
	}
	for _, c := range cases {
		got, _ := StatusFor(c.err)
		assert.Equal(t, c.want, got, "%v", c.err)
	}
}
