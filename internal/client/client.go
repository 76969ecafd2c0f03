// Package client is the typed HTTP client for the coordinator API. Workers
// and the CLI use it; error responses are mapped back onto the domain
// sentinels so callers can test them with errors.Is.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/mediaq/mediaq/internal/api"
	"github.com/mediaq/mediaq/internal/domain"
	"github.com/mediaq/mediaq/internal/queue"
)

// RetryConfig configures backoff for transient failures.
type RetryConfig struct {
	MaxRetries int           // Attempts after the first
	BaseDelay  time.Duration // Initial backoff delay (doubles each retry)
	MaxDelay   time.Duration // Cap on backoff delay
}

// DefaultRetryConfig returns production retry defaults.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries: 4,
		BaseDelay:  500 * time.Millisecond,
		MaxDelay:   15 * time.Second,
	}
}

// Options configures a Client.
type Options struct {
	ClientID string
	// ChunkSize is the single-shot threshold for UploadFile when the server
	// does not report its own.
	ChunkSize  int64
	Retry      RetryConfig
	HTTPClient *http.Client
	Logger     *log.Entry
}

// Client talks to one coordinator.
type Client struct {
	base      *url.URL
	id        string
	chunkSize int64
	retry     RetryConfig
	http      *http.Client
	log       *log.Entry

	mu          sync.Mutex
	serverChunk int64
}

// New creates a client for the coordinator at baseURL.
func New(baseURL string, opts Options) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("%w: bad server url %q", domain.ErrValidation, baseURL)
	}
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = 10 << 20
	}
	if opts.Retry.BaseDelay <= 0 {
		opts.Retry = DefaultRetryConfig()
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 5 * time.Minute}
	}
	if opts.Logger == nil {
		opts.Logger = log.WithField("component", "client")
	}
	return &Client{
		base:      u,
		id:        opts.ClientID,
		chunkSize: opts.ChunkSize,
		retry:     opts.Retry,
		http:      opts.HTTPClient,
		log:       opts.Logger,
	}, nil
}

// ID returns the client id sent with worker calls.
func (c *Client) ID() string { return c.id }

// ─── Tasks ──────────────────────────────────────────────────────────────────

// AddTask enqueues rawURL.
func (c *Client) AddTask(ctx context.Context, rawURL string) (*api.AddTaskResponse, error) {
	var out api.AddTaskResponse
	err := c.do(ctx, http.MethodPost, "/api/tasks/add", nil, jsonBody(api.AddTaskRequest{URL: rawURL}), false, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// HasNewTasks asks for the pending-work hint. A positive wait long-polls.
func (c *Client) HasNewTasks(ctx context.Context, wait time.Duration) (bool, error) {
	q := url.Values{"client_id": {c.id}}
	if wait > 0 {
		q.Set("wait", wait.String())
	}
	var out struct {
		HasNewTasks bool `json:"has_new_tasks"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/tasks/new", q, nil, true, &out); err != nil {
		return false, err
	}
	return out.HasNewTasks, nil
}

// PendingTasks lists pending tasks oldest first.
func (c *Client) PendingTasks(ctx context.Context) ([]domain.Task, error) {
	var out struct {
		Tasks []domain.Task `json:"tasks"`
	}
	err := c.do(ctx, http.MethodGet, "/api/tasks/pending", url.Values{"client_id": {c.id}}, nil, true, &out)
	if err != nil {
		return nil, err
	}
	return out.Tasks, nil
}

// Claim claims a task. It is never retried: a lost response followed by a
// retry would report Conflict against our own claim.
func (c *Client) Claim(ctx context.Context, id int64) (*domain.Task, error) {
	var out struct {
		Task domain.Task `json:"task"`
	}
	err := c.do(ctx, http.MethodPost, "/api/tasks/claim", nil,
		jsonBody(api.ClaimRequest{TaskID: id, ClientID: c.id}), false, &out)
	if err != nil {
		return nil, err
	}
	return &out.Task, nil
}

// Complete reports the result of a claimed task.
func (c *Client) Complete(ctx context.Context, id int64, r domain.Result) (*domain.Job, error) {
	req := api.CompleteRequest{
		TaskID:           id,
		ClientID:         c.id,
		Title:            r.Title,
		Description:      r.Description,
		AudioFilename:    r.AudioRef,
		SubtitleFilename: r.SubtitleRef,
		ErrorMessage:     r.ErrorMessage,
	}
	var out domain.Job
	if err := c.do(ctx, http.MethodPost, "/api/tasks/complete", nil, jsonBody(req), true, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Task fetches one job.
func (c *Client) Task(ctx context.Context, id int64) (*domain.Job, error) {
	var out domain.Job
	if err := c.do(ctx, http.MethodGet, fmt.Sprintf("/task/%d", id), nil, nil, true, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Completed fetches page n of completed jobs.
func (c *Client) Completed(ctx context.Context, page int) (*queue.Page, error) {
	var out queue.Page
	q := url.Values{"page": {fmt.Sprint(page)}}
	if err := c.do(ctx, http.MethodGet, "/api/subtitles", q, nil, true, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CleanupUploads triggers the stale upload session sweep.
func (c *Client) CleanupUploads(ctx context.Context) (int, error) {
	var out struct {
		Purged int `json:"purged"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/file/cleanup_uploads", nil, nil, true, &out); err != nil {
		return 0, err
	}
	return out.Purged, nil
}

// ManageStorage triggers the artifact retention sweep.
func (c *Client) ManageStorage(ctx context.Context) (*SweepReport, error) {
	var out SweepReport
	if err := c.do(ctx, http.MethodPost, "/api/file/manage_storage", nil, nil, true, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// SweepReport is the retention sweep summary.
type SweepReport struct {
	Artifacts    int   `json:"artifacts_expired"`
	DeletedFiles int   `json:"deleted_count"`
	FreedBytes   int64 `json:"freed_bytes"`
}

// ─── Transport ──────────────────────────────────────────────────────────────

// body builds a fresh request body for every attempt.
type body func() (io.Reader, string, error)

func jsonBody(v interface{}) body {
	return func() (io.Reader, string, error) {
		data, err := json.Marshal(v)
		if err != nil {
			return nil, "", err
		}
		return bytes.NewReader(data), "application/json", nil
	}
}

// do runs one API call. Idempotent calls are retried with exponential
// backoff on transport errors and retryable statuses.
func (c *Client) do(ctx context.Context, method, path string, q url.Values, b body, idempotent bool, out interface{}) error {
	attempts := 1
	if idempotent {
		attempts += c.retry.MaxRetries
	}

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			delay := c.backoff(attempt - 1)
			c.log.WithError(err).WithFields(log.Fields{"path": path, "attempt": attempt, "delay": delay}).Debug("retrying")
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}
		var retry bool
		retry, err = c.once(ctx, method, path, q, b, out)
		if err == nil || !retry {
			return err
		}
	}
	return err
}

// backoff returns BaseDelay * 2^(n-1), capped at MaxDelay.
func (c *Client) backoff(n int) time.Duration {
	delay := c.retry.BaseDelay
	for i := 1; i < n; i++ {
		delay *= 2
		if delay > c.retry.MaxDelay {
			return c.retry.MaxDelay
		}
	}
	return delay
}

func (c *Client) once(ctx context.Context, method, path string, q url.Values, b body, out interface{}) (bool, error) {
	u := *c.base
	u.Path += path
	u.RawQuery = q.Encode()

	var (
		rd  io.Reader
		typ string
	)
	if b != nil {
		var err error
		if rd, typ, err = b(); err != nil {
			return false, err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), rd)
	if err != nil {
		return false, err
	}
	if typ != "" {
		req.Header.Set("Content-Type", typ)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		return true, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return retryable(resp.StatusCode), decodeError(resp)
	}
	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return false, nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return false, fmt.Errorf("decode %s response: %w", path, err)
	}
	return false, nil
}

func retryable(status int) bool {
	switch status {
	case http.StatusTooManyRequests, http.StatusInternalServerError,
		http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	}
	return false
}

// decodeError maps an error response back onto the domain sentinels.
func decodeError(resp *http.Response) error {
	var payload struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	msg := strings.TrimSpace(string(data))
	if json.Unmarshal(data, &payload) == nil && payload.Error.Message != "" {
		msg = payload.Error.Message
	}

	var kind error
	switch resp.StatusCode {
	case http.StatusBadRequest, http.StatusRequestEntityTooLarge:
		kind = domain.ErrValidation
	case http.StatusConflict:
		kind = domain.ErrConflict
	case http.StatusNotFound:
		kind = domain.ErrNotFound
	case http.StatusForbidden:
		kind = domain.ErrForbidden
	case http.StatusInsufficientStorage:
		kind = domain.ErrStorageExhausted
	case http.StatusBadGateway:
		kind = domain.ErrUpstreamFailure
	default:
		return &StatusError{Code: resp.StatusCode, Message: msg}
	}
	return fmt.Errorf("%w: %s", kind, strings.TrimPrefix(msg, kind.Error()+": "))
}

// StatusError is an error response outside the domain taxonomy.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.Code, e.Message)
}

// IsRetryable reports whether err is worth retrying later.
func IsRetryable(err error) bool {
	var se *StatusError
	if errors.As(err, &se) {
		return retryable(se.Code)
	}
	return domain.Kind(err) == nil
}
