package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"sync"

	"github.com/mediaq/mediaq/internal/domain"
)

// CommandExtractor runs an external program as
//
//	<Path> <Args...> <url> <workDir>
//
// and reads one JSON object with title, description, audio_path and
// subtitle_path from its stdout. A non-zero exit is a failure, but any
// JSON it printed first is still returned so partial audio can be used.
type CommandExtractor struct {
	Path string
	Args []string
}

// Extract implements Extractor.
func (c *CommandExtractor) Extract(ctx context.Context, url, workDir string) (*Extraction, error) {
	if c.Path == "" {
		return nil, fmt.Errorf("%w: no extractor command configured", domain.ErrUpstreamFailure)
	}
	args := append(append([]string{}, c.Args...), url, workDir)

	var stdout bytes.Buffer
	stderr := &limitedBuffer{max: 8192}

	cmd := exec.CommandContext(ctx, c.Path, args...)
	cmd.Dir = workDir
	cmd.Stdout = &stdout
	cmd.Stderr = stderr
	configureProcess(cmd)

	runErr := cmd.Run()
	ext, parseErr := parseExtraction(stdout.Bytes())

	if runErr != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			return ext, fmt.Errorf("%w: extractor exited: %v", domain.ErrUpstreamFailure, runErr)
		}
		return ext, fmt.Errorf("%w: extractor exited: %v: %s", domain.ErrUpstreamFailure, runErr, lastLine(msg))
	}
	if parseErr != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrUpstreamFailure, parseErr)
	}
	return ext, nil
}

// parseExtraction decodes the last JSON object line on stdout; extractors
// often print progress before it.
func parseExtraction(out []byte) (*Extraction, error) {
	lines := strings.Split(strings.TrimSpace(string(out)), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		if !strings.HasPrefix(line, "{") {
			continue
		}
		var ext Extraction
		if err := json.Unmarshal([]byte(line), &ext); err != nil {
			return nil, fmt.Errorf("decode extractor output: %w", err)
		}
		return &ext, nil
	}
	return nil, fmt.Errorf("extractor printed no result")
}

func lastLine(s string) string {
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return s[i+1:]
	}
	return s
}

// limitedBuffer is a thread-safe buffer that keeps only the last N bytes,
// so a chatty extractor cannot grow worker memory without bound.
type limitedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
	max int
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	n, err := b.buf.Write(p)
	if b.buf.Len() > b.max {
		data := b.buf.Bytes()
		keep := append([]byte(nil), data[len(data)-b.max:]...)
		b.buf.Reset()
		b.buf.Write(keep)
	}
	return n, err
}

func (b *limitedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
