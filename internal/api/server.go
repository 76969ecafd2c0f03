// Package api provides the coordinator's HTTP surface: task submission,
// polling, claiming and completion for workers, single-shot and chunked
// uploads, storage sweeps, artifact downloads, health and metrics.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	"github.com/mediaq/mediaq/internal/domain"
	"github.com/mediaq/mediaq/internal/health"
	"github.com/mediaq/mediaq/internal/queue"
	"github.com/mediaq/mediaq/internal/storage"
	"github.com/mediaq/mediaq/internal/upload"
)

// DefaultMaxBody caps request bodies when Deps.MaxBody is unset.
const DefaultMaxBody = 16 << 20

// maxWait bounds the long poll on /api/tasks/new.
const maxWait = 60 * time.Second

// Sweeper reclaims expired artifacts.
type Sweeper interface {
	SweepExpiredArtifacts(ctx context.Context) (storage.SweepReport, error)
}

// Deps are the components the server routes to.
type Deps struct {
	Queue     *queue.Coordinator
	Uploads   *upload.Manager
	Retention Sweeper
	Health    *health.Checker
	// MaxBody bounds every request body, chunk uploads included.
	MaxBody    int64
	SessionTTL time.Duration
	Logger     *log.Entry
}

// Server is the mediaq HTTP API server.
type Server struct {
	queue          *queue.Coordinator
	uploads        *upload.Manager
	retention      Sweeper
	health         *health.Checker
	maxBody        int64
	sessionTTL     time.Duration
	log            *log.Entry
	metricsEnabled bool
}

// NewServer creates a new API server.
func NewServer(d Deps) *Server {
	if d.MaxBody <= 0 {
		d.MaxBody = DefaultMaxBody
	}
	if d.SessionTTL <= 0 {
		d.SessionTTL = 24 * time.Hour
	}
	if d.Logger == nil {
		d.Logger = log.WithField("component", "api")
	}
	return &Server{
		queue:      d.Queue,
		uploads:    d.Uploads,
		retention:  d.Retention,
		health:     d.Health,
		maxBody:    d.MaxBody,
		sessionTTL: d.SessionTTL,
		log:        d.Logger,
	}
}

// EnableMetrics enables the /metrics Prometheus endpoint.
func (s *Server) EnableMetrics() { s.metricsEnabled = true }

// Handler returns the chi router with all routes mounted.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)
	if s.metricsEnabled {
		r.Handle("/metrics", promhttp.Handler())
	}

	// Long polls and file transfers manage their own deadlines.
	r.Get("/api/tasks/new", s.handleHasNew)
	r.Get("/download/{filename}", s.handleDownload)
	r.Route("/api/file", func(r chi.Router) {
		r.Get("/upload_config", s.handleUploadConfig)
		r.Post("/upload", s.handleUpload)
		r.Post("/init_upload", s.handleInitUpload)
		r.Post("/upload_chunk", s.handleUploadChunk)
		r.Post("/cleanup_uploads", s.handleCleanupUploads)
		r.Post("/manage_storage", s.handleManageStorage)
	})

	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(30 * time.Second))

		r.Post("/submit", s.handleSubmitForm)
		r.Get("/task/{id}", s.handleTaskStatus)
		r.Get("/api/subtitles", s.handleCompleted)

		r.Route("/api/tasks", func(r chi.Router) {
			r.Post("/add", s.handleAddTask)
			r.Get("/pending", s.handlePending)
			r.Post("/claim", s.handleClaim)
			r.Post("/complete", s.handleComplete)
		})
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.health == nil {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}
	status, code := "ok", http.StatusOK
	if !s.health.IsHealthy() {
		status, code = "degraded", http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]interface{}{
		"status": status,
		"checks": s.health.Statuses(),
	})
}

// requestLogger emits one line per request.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.log.WithFields(log.Fields{
			"method":     r.Method,
			"path":       r.URL.Path,
			"status":     ww.Status(),
			"bytes":      ww.BytesWritten(),
			"duration":   time.Since(start).Round(time.Microsecond),
			"request_id": middleware.GetReqID(r.Context()),
		}).Debug("request")
	})
}

// ─── Response helpers ───────────────────────────────────────────────────────

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, map[string]interface{}{
		"error": map[string]interface{}{
			"code":    code,
			"message": msg,
		},
	})
}

// StatusFor maps an error to its HTTP status and wire code.
func StatusFor(err error) (int, string) {
	var maxErr *http.MaxBytesError
	if errors.As(err, &maxErr) {
		return http.StatusRequestEntityTooLarge, "too_large"
	}
	switch domain.Kind(err) {
	case domain.ErrValidation:
		return http.StatusBadRequest, "validation"
	case domain.ErrConflict:
		return http.StatusConflict, "conflict"
	case domain.ErrNotFound:
		return http.StatusNotFound, "not_found"
	case domain.ErrForbidden:
		return http.StatusForbidden, "forbidden"
	case domain.ErrStorageExhausted:
		return http.StatusInsufficientStorage, "storage_exhausted"
	case domain.ErrUpstreamFailure:
		return http.StatusBadGateway, "upstream_failure"
	}
	return http.StatusInternalServerError, "internal"
}

// fail writes err with its mapped status. Internal errors are logged and
// hidden from the caller.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, code := StatusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		s.log.WithError(err).WithFields(log.Fields{
			"path":       r.URL.Path,
			"request_id": middleware.GetReqID(r.Context()),
		}).Error("request failed")
		msg = "internal error"
	}
	writeError(w, status, code, msg)
}

// decodeJSON reads a bounded JSON body into v.
func (s *Server) decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) error {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBody)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return err
		}
		return fmt.Errorf("%w: invalid json body: %v", domain.ErrValidation, err)
	}
	return nil
}
