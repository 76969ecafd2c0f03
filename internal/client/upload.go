package client

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strconv"

	"github.com/dustin/go-humanize"
	log "github.com/sirupsen/logrus"

	"github.com/mediaq/mediaq/internal/api"
	"github.com/mediaq/mediaq/internal/domain"
)

// UploadFile sends the file at path and returns the name the server stored
// it under. Files up to the server's chunk size go in one request, larger
// ones through a chunked session.
func (c *Client) UploadFile(ctx context.Context, path string) (string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", fmt.Errorf("stat %s: %w", path, err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("%w: %s is a directory", domain.ErrValidation, path)
	}
	if info.Size() <= c.uploadThreshold(ctx) {
		return c.uploadSingle(ctx, path)
	}
	return c.uploadChunked(ctx, path, info.Size())
}

// uploadThreshold returns the server's chunk size, fetched once per client.
// The local ChunkSize stands in while the server cannot be asked.
func (c *Client) uploadThreshold(ctx context.Context) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.serverChunk > 0 {
		return c.serverChunk
	}
	var cfg api.UploadConfig
	err := c.do(ctx, http.MethodGet, "/api/file/upload_config", nil, nil, true, &cfg)
	if err != nil || cfg.ChunkSize <= 0 {
		c.log.WithError(err).WithField("chunk_size", c.chunkSize).Warn("server upload config unavailable, using local chunk size")
		return c.chunkSize
	}
	c.serverChunk = cfg.ChunkSize
	return c.serverChunk
}

func (c *Client) uploadSingle(ctx context.Context, path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", path, err)
	}
	var out struct {
		Filename string `json:"filename"`
	}
	err = c.do(ctx, http.MethodPost, "/api/file/upload", nil, multipartBody(filepath.Base(path), data, nil), true, &out)
	if err != nil {
		return "", err
	}
	return out.Filename, nil
}

func (c *Client) uploadChunked(ctx context.Context, path string, size int64) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	var sess api.InitUploadResponse
	err = c.do(ctx, http.MethodPost, "/api/file/init_upload", nil, jsonBody(api.InitUploadRequest{
		Filename: filepath.Base(path),
		FileSize: size,
		FileType: "application/octet-stream",
	}), false, &sess)
	if err != nil {
		return "", err
	}
	if sess.ChunkSize <= 0 || sess.TotalChunks != domain.TotalChunks(size, sess.ChunkSize) {
		return "", fmt.Errorf("server proposed %d chunks of %d bytes for %d bytes", sess.TotalChunks, sess.ChunkSize, size)
	}

	entry := c.log.WithFields(log.Fields{"upload": sess.UploadID, "file": sess.Filename})
	entry.WithField("size", humanize.IBytes(uint64(size))).Info("chunked upload started")

	buf := make([]byte, sess.ChunkSize)
	var receipt domain.ChunkReceipt
	for i := 0; i < sess.TotalChunks; i++ {
		n, err := io.ReadFull(io.NewSectionReader(f, int64(i)*sess.ChunkSize, sess.ChunkSize), buf)
		if err != nil && err != io.ErrUnexpectedEOF {
			return "", fmt.Errorf("read chunk %d: %w", i, err)
		}
		chunk := buf[:n]
		sum := sha256.Sum256(chunk)
		fields := map[string]string{
			"upload_id":   sess.UploadID,
			"chunk_index": strconv.Itoa(i),
			"sha256":      hex.EncodeToString(sum[:]),
		}
		if err := c.do(ctx, http.MethodPost, "/api/file/upload_chunk", nil,
			multipartBody("chunk", chunk, fields), true, &receipt); err != nil {
			return "", fmt.Errorf("chunk %d/%d: %w", i+1, sess.TotalChunks, err)
		}
		entry.WithFields(log.Fields{"received": receipt.ChunksReceived, "total": receipt.TotalChunks}).Debug("chunk sent")
	}
	if !receipt.Complete {
		return "", fmt.Errorf("upload %s: server holds %d of %d chunks after the last send",
			sess.UploadID, receipt.ChunksReceived, receipt.TotalChunks)
	}
	entry.Info("chunked upload merged")
	return receipt.Filename, nil
}

// multipartBody encodes data as the "file" part plus form fields.
func multipartBody(filename string, data []byte, fields map[string]string) body {
	return func() (io.Reader, string, error) {
		var buf bytes.Buffer
		mw := multipart.NewWriter(&buf)
		for k, v := range fields {
			if err := mw.WriteField(k, v); err != nil {
				return nil, "", err
			}
		}
		fw, err := mw.CreateFormFile("file", filename)
		if err != nil {
			return nil, "", err
		}
		if _, err := fw.Write(data); err != nil {
			return nil, "", err
		}
		if err := mw.Close(); err != nil {
			return nil, "", err
		}
		return &buf, mw.FormDataContentType(), nil
	}
}
