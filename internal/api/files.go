package api

import (
	"errors"
	"fmt"
	"io/fs"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/mediaq/mediaq/internal/domain"
)

// InitUploadRequest opens a chunked upload session.
type InitUploadRequest struct {
	Filename string `json:"filename"`
	FileSize int64  `json:"file_size"`
	FileType string `json:"file_type"`
}

// UploadConfig tells senders how the server splits files. Files up to
// ChunkSize go through /api/file/upload; larger ones are chunked.
type UploadConfig struct {
	ChunkSize int64 `json:"chunk_size"`
	MaxBody   int64 `json:"max_body"`
}

// InitUploadResponse tells the sender how to split the file.
type InitUploadResponse struct {
	UploadID    string `json:"upload_id"`
	ChunkSize   int64  `json:"chunk_size"`
	TotalChunks int    `json:"total_chunks"`
	Filename    string `json:"filename"`
}

func (s *Server) handleUploadConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, UploadConfig{ChunkSize: s.uploads.ChunkSize(), MaxBody: s.maxBody})
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	// The multipart envelope makes Content-Length an upper bound on the file.
	if r.ContentLength > 0 {
		if err := s.uploads.Admit(r.ContentLength); err != nil {
			w.Header().Set("Connection", "close")
			s.fail(w, r, err)
			return
		}
	}
	file, header, err := s.formFile(w, r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	defer file.Close()

	name, err := s.uploads.Put(r.Context(), header.Filename, header.Size, file)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"filename": name})
}

func (s *Server) handleInitUpload(w http.ResponseWriter, r *http.Request) {
	var req InitUploadRequest
	if err := s.decodeJSON(w, r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	sess, err := s.uploads.Init(r.Context(), req.Filename, req.FileSize, req.FileType)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, InitUploadResponse{
		UploadID:    sess.UploadID,
		ChunkSize:   sess.ChunkSize,
		TotalChunks: sess.TotalChunks,
		Filename:    sess.Filename,
	})
}

func (s *Server) handleUploadChunk(w http.ResponseWriter, r *http.Request) {
	file, _, err := s.formFile(w, r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	defer file.Close()

	uploadID := r.FormValue("upload_id")
	rawIndex := r.FormValue("chunk_index")
	if uploadID == "" || rawIndex == "" {
		s.fail(w, r, fmt.Errorf("%w: upload_id and chunk_index are required", domain.ErrValidation))
		return
	}
	index, err := strconv.Atoi(rawIndex)
	if err != nil {
		s.fail(w, r, fmt.Errorf("%w: bad chunk_index %q", domain.ErrValidation, rawIndex))
		return
	}

	receipt, err := s.uploads.UploadChunk(r.Context(), uploadID, index, file, r.FormValue("sha256"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, receipt)
}

func (s *Server) handleCleanupUploads(w http.ResponseWriter, r *http.Request) {
	n, err := s.uploads.CleanupExpired(r.Context(), s.sessionTTL)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"purged": n})
}

func (s *Server) handleManageStorage(w http.ResponseWriter, r *http.Request) {
	report, err := s.retention.SweepExpiredArtifacts(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "filename")
	if name == "" || name != filepath.Base(name) || strings.HasPrefix(name, ".") {
		s.fail(w, r, fmt.Errorf("%w: file %q", domain.ErrNotFound, name))
		return
	}
	f, err := os.Open(filepath.Join(s.uploads.ContentDir(), name))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			err = fmt.Errorf("%w: file %q", domain.ErrNotFound, name)
		}
		s.fail(w, r, err)
		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil || info.IsDir() {
		s.fail(w, r, fmt.Errorf("%w: file %q", domain.ErrNotFound, name))
		return
	}
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
	http.ServeContent(w, r, name, info.ModTime(), f)
}

// formFile parses a bounded multipart body and returns its "file" part.
func (s *Server) formFile(w http.ResponseWriter, r *http.Request) (multipart.File, *multipart.FileHeader, error) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBody)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return nil, nil, err
		}
		return nil, nil, fmt.Errorf("%w: %v", domain.ErrValidation, err)
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		return nil, nil, fmt.Errorf("%w: no file uploaded", domain.ErrValidation)
	}
	return file, header, nil
}
