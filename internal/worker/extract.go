package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/mediaq/mediaq/internal/domain"
	"github.com/mediaq/mediaq/internal/infra/metrics"
)

// Extraction is what an extractor produced. Paths are absolute or relative
// to the task's work directory.
type Extraction struct {
	Title        string `json:"title"`
	Description  string `json:"description"`
	AudioPath    string `json:"audio_path"`
	SubtitlePath string `json:"subtitle_path"`
}

// Extractor downloads and transcribes one URL into workDir. It may return
// a partial Extraction together with an error.
type Extractor interface {
	Extract(ctx context.Context, url, workDir string) (*Extraction, error)
}

// audioExts are scanned for when an abandoned extraction left files behind.
var audioExts = map[string]bool{
	".mp3": true, ".m4a": true, ".opus": true, ".ogg": true, ".wav": true, ".webm": true, ".aac": true,
}

type outcome struct {
	ext *Extraction
	err error
}

// extract runs the extractor on its own goroutine and waits for it up to
// the configured timeout. On timeout the call is abandoned, not killed.
func (w *Worker) extract(ctx context.Context, url, dir string) (*Extraction, error) {
	done := make(chan outcome, 1)
	start := w.now()

	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("%w: extractor panicked: %v", domain.ErrUpstreamFailure, r)}
			}
		}()
		ext, err := w.extractor.Extract(ctx, url, dir)
		done <- outcome{ext: ext, err: err}
	}()

	timer := time.NewTimer(w.timeout)
	defer timer.Stop()

	select {
	case o := <-done:
		label := "ok"
		if o.err != nil {
			label = "failed"
		}
		metrics.ExtractionDuration.WithLabelValues(label).Observe(w.now().Sub(start).Seconds())
		if o.err != nil && domain.Kind(o.err) == nil {
			o.err = fmt.Errorf("%w: %v", domain.ErrUpstreamFailure, o.err)
		}
		return o.ext, o.err
	case <-timer.C:
		metrics.ExtractionDuration.WithLabelValues("timeout").Observe(w.now().Sub(start).Seconds())
		return nil, fmt.Errorf("%w after %s", domain.ErrExtractionTimeout, w.timeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// salvage turns an extraction outcome into a complete pair of files. When
// audio exists but the subtitle does not, a placeholder subtitle is written
// and the result counts as a best-effort success. Without audio the
// original error (or a descriptive one) is returned.
func (w *Worker) salvage(ext *Extraction, extErr error, dir string) (*Extraction, error) {
	files := Extraction{}
	if ext != nil {
		files = *ext
		files.AudioPath = resolve(dir, files.AudioPath)
		files.SubtitlePath = resolve(dir, files.SubtitlePath)
	}
	if !exists(files.AudioPath) {
		files.AudioPath = ""
	}
	if !exists(files.SubtitlePath) {
		files.SubtitlePath = ""
	}
	if files.AudioPath == "" && extErr != nil {
		files.AudioPath = findAudio(dir)
	}

	switch {
	case files.AudioPath == "" && extErr != nil:
		return nil, extErr
	case files.AudioPath == "":
		return nil, fmt.Errorf("%w: extraction produced no audio", domain.ErrUpstreamFailure)
	case files.SubtitlePath != "" && extErr == nil:
		return &files, nil
	}

	reason := "transcription produced no subtitle"
	if extErr != nil {
		reason = extErr.Error()
	}
	path, err := w.writePlaceholder(files.AudioPath, files.Title, reason)
	if err != nil {
		return nil, fmt.Errorf("write placeholder subtitle: %w", err)
	}
	files.SubtitlePath = path

	cause := "no_subtitle"
	switch {
	case errors.Is(extErr, domain.ErrExtractionTimeout):
		cause = "timeout"
	case extErr != nil:
		cause = "failed"
	}
	metrics.ExtractionsSalvaged.WithLabelValues(cause).Inc()
	w.log.WithField("audio", filepath.Base(files.AudioPath)).WithField("reason", reason).Warn("audio salvaged with placeholder subtitle")
	return &files, nil
}

// writePlaceholder writes a short text file next to the audio explaining
// that the transcript is missing.
func (w *Worker) writePlaceholder(audioPath, title, reason string) (string, error) {
	if title == "" {
		title = "unknown"
	}
	path := strings.TrimSuffix(audioPath, filepath.Ext(audioPath)) + ".txt"
	var b strings.Builder
	fmt.Fprintf(&b, "[auto-generated] No transcript is available; the audio was downloaded.\n")
	fmt.Fprintf(&b, "Reason: %s\n", reason)
	fmt.Fprintf(&b, "Title: %s\n", title)
	fmt.Fprintf(&b, "Generated: %s\n", w.now().Format("2006-01-02 15:04:05"))
	if err := os.WriteFile(path, []byte(b.String()), 0644); err != nil {
		return "", err
	}
	return path, nil
}

func resolve(dir, p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(dir, p)
}

func exists(p string) bool {
	if p == "" {
		return false
	}
	info, err := os.Stat(p)
	return err == nil && !info.IsDir() && info.Size() > 0
}

// findAudio returns the largest audio file directly under dir.
func findAudio(dir string) string {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return ""
	}
	type cand struct {
		path string
		size int64
	}
	var cands []cand
	for _, e := range entries {
		if e.IsDir() || !audioExts[strings.ToLower(filepath.Ext(e.Name()))] {
			continue
		}
		info, err := e.Info()
		if err != nil || info.Size() == 0 {
			continue
		}
		cands = append(cands, cand{filepath.Join(dir, e.Name()), info.Size()})
	}
	if len(cands) == 0 {
		return ""
	}
	sort.Slice(cands, func(i, j int) bool { return cands[i].size > cands[j].size })
	return cands[0].path
}
