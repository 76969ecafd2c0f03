package api

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mediaq/mediaq/internal/domain"
)

// ─── Wire types ─────────────────────────────────────────────────────────────

// AddTaskRequest accepts either url or youtube_url.
type AddTaskRequest struct {
	URL        string `json:"url"`
	YoutubeURL string `json:"youtube_url"`
}

// AddTaskResponse reports the stored task.
type AddTaskResponse struct {
	TaskID      int64       `json:"task_id"`
	Resubmitted bool        `json:"resubmitted"`
	Task        domain.Task `json:"task"`
}

// ClaimRequest claims task_id for client_id.
type ClaimRequest struct {
	TaskID   int64  `json:"task_id"`
	ClientID string `json:"client_id"`
}

// CompleteRequest reports the outcome of a claimed task.
type CompleteRequest struct {
	TaskID           int64  `json:"task_id"`
	ClientID         string `json:"client_id"`
	Title            string `json:"title,omitempty"`
	Description      string `json:"description,omitempty"`
	AudioFilename    string `json:"audio_filename,omitempty"`
	SubtitleFilename string `json:"subtitle_filename,omitempty"`
	ErrorMessage     string `json:"error_message,omitempty"`
}

// Result converts the request into a domain result.
func (c CompleteRequest) Result() domain.Result {
	return domain.Result{
		Title:        c.Title,
		Description:  c.Description,
		AudioRef:     c.AudioFilename,
		SubtitleRef:  c.SubtitleFilename,
		ErrorMessage: c.ErrorMessage,
	}
}

// ─── Handlers ───────────────────────────────────────────────────────────────

func (s *Server) handleAddTask(w http.ResponseWriter, r *http.Request) {
	var req AddTaskRequest
	if err := s.decodeJSON(w, r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	u := req.URL
	if u == "" {
		u = req.YoutubeURL
	}
	s.enqueue(w, r, u)
}

// handleSubmitForm is the form entry point. It shares the JSON endpoint's
// duplicate policy.
func (s *Server) handleSubmitForm(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBody)
	if err := r.ParseForm(); err != nil {
		s.fail(w, r, fmt.Errorf("%w: %v", domain.ErrValidation, err))
		return
	}
	s.enqueue(w, r, r.PostForm.Get("youtube_url"))
}

func (s *Server) enqueue(w http.ResponseWriter, r *http.Request, rawURL string) {
	job, resubmitted, err := s.queue.Enqueue(r.Context(), rawURL)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, AddTaskResponse{
		TaskID:      job.Task.ID,
		Resubmitted: resubmitted,
		Task:        job.Task,
	})
}

func (s *Server) handleHasNew(w http.ResponseWriter, r *http.Request) {
	clientID := r.URL.Query().Get("client_id")

	var wait time.Duration
	if raw := r.URL.Query().Get("wait"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d < 0 {
			s.fail(w, r, fmt.Errorf("%w: bad wait %q", domain.ErrValidation, raw))
			return
		}
		wait = min(d, maxWait)
	}

	var (
		pending bool
		err     error
	)
	if wait > 0 {
		pending, err = s.queue.WaitForWork(r.Context(), clientID, wait)
	} else {
		pending, err = s.queue.HasPendingWork(r.Context(), clientID)
	}
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"has_new_tasks": pending})
}

func (s *Server) handlePending(w http.ResponseWriter, r *http.Request) {
	tasks, err := s.queue.ListPending(r.Context(), r.URL.Query().Get("client_id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if tasks == nil {
		tasks = []domain.Task{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"tasks": tasks})
}

func (s *Server) handleClaim(w http.ResponseWriter, r *http.Request) {
	var req ClaimRequest
	if err := s.decodeJSON(w, r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	if req.TaskID <= 0 {
		s.fail(w, r, fmt.Errorf("%w: task_id is required", domain.ErrValidation))
		return
	}
	task, err := s.queue.Claim(r.Context(), req.TaskID, req.ClientID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"task": task})
}

func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request) {
	var req CompleteRequest
	if err := s.decodeJSON(w, r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	if req.TaskID <= 0 {
		s.fail(w, r, fmt.Errorf("%w: task_id is required", domain.ErrValidation))
		return
	}
	job, err := s.queue.Complete(r.Context(), req.TaskID, req.ClientID, req.Result())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleTaskStatus(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		s.fail(w, r, fmt.Errorf("%w: bad task id", domain.ErrValidation))
		return
	}
	job, err := s.queue.Get(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleCompleted(w http.ResponseWriter, r *http.Request) {
	page := 1
	if raw := r.URL.Query().Get("page"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			s.fail(w, r, fmt.Errorf("%w: bad page %q", domain.ErrValidation, raw))
			return
		}
		page = n
	}
	p, err := s.queue.Completed(r.Context(), page)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}
