package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"
)

func TestKind(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{"sentinel", ErrConflict, ErrConflict},
		{"wrapped", fmt.Errorf("claim: %w", ErrNotFound), ErrNotFound},
		{"missing chunk", fmt.Errorf("merge: %w", ErrMissingChunk), ErrNotFound},
		{"timeout", ErrExtractionTimeout, ErrUpstreamFailure},
		{"checksum", ErrChunkChecksum, ErrValidation},
		{"foreign", errors.New("disk on fire"), nil},
		{"nil", nil, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Kind(tt.err); got != tt.want {
				t.Errorf("Kind(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestCompletionRejected(t *testing.T) {
	job := &Job{
		Task:     Task{ID: 4, ClaimedBy: "w1", Status: TaskCompleted},
		Artifact: Artifact{Status: ArtifactCompleted},
	}
	if err := CompletionRejected(job, "w2"); !errors.Is(err, ErrForbidden) {
		t.Errorf("other worker: err = %v, want ErrForbidden", err)
	}
	if err := CompletionRejected(job, "w1"); !errors.Is(err, ErrAlreadyCompleted) {
		t.Errorf("repeat: err = %v, want ErrAlreadyCompleted", err)
	}

	job.Artifact.Status = ArtifactExpired
	err := CompletionRejected(job, "w1")
	if !errors.Is(err, ErrConflict) || errors.Is(err, ErrAlreadyCompleted) {
		t.Errorf("expired: err = %v, want plain ErrConflict", err)
	}
}

func TestJob_Resubmittable(t *testing.T) {
	tests := []struct {
		task     TaskStatus
		artifact ArtifactStatus
		want     bool
	}{
		{TaskPending, ArtifactPending, false},
		{TaskProcessing, ArtifactProcessing, false},
		{TaskCompleted, ArtifactCompleted, false},
		{TaskCompleted, ArtifactExpired, true},
		{TaskFailed, ArtifactFailed, true},
	}
	for _, tt := range tests {
		j := &Job{Task: Task{Status: tt.task}, Artifact: Artifact{Status: tt.artifact}}
		if got := j.Resubmittable(); got != tt.want {
			t.Errorf("Resubmittable(%s/%s) = %v, want %v", tt.task, tt.artifact, got, tt.want)
		}
	}
}

func TestResult_Status(t *testing.T) {
	if r := (Result{ErrorMessage: "  "}); r.Failed() || r.TaskStatus() != TaskCompleted {
		t.Errorf("blank error message must count as success")
	}
	if r := (Result{ErrorMessage: "boom"}); !r.Failed() || r.TaskStatus() != TaskFailed {
		t.Errorf("error message must count as failure")
	}
}

func TestArtifact_Files(t *testing.T) {
	a := Artifact{AudioRef: "1_20250307.mp3"}
	if got := a.Files(); len(got) != 1 || got[0] != "1_20250307.mp3" {
		t.Errorf("Files() = %v", got)
	}
}

func TestTotalChunks(t *testing.T) {
	tests := []struct {
		size, chunk int64
		want        int
	}{
		{0, 10, 0},
		{1, 10, 1},
		{10, 10, 1},
		{11, 10, 2},
		{25, 10, 3},
		{5, 0, 0},
	}
	for _, tt := range tests {
		if got := TotalChunks(tt.size, tt.chunk); got != tt.want {
			t.Errorf("TotalChunks(%d, %d) = %d, want %d", tt.size, tt.chunk, got, tt.want)
		}
	}
}

func TestUploadSession_Complete(t *testing.T) {
	s := &UploadSession{TotalChunks: 3, Received: []int{2, 0}}
	if s.Complete() {
		t.Error("Complete() = true with 2 of 3 chunks")
	}
	s.Received = append(s.Received, 1)
	if !s.Complete() {
		t.Error("Complete() = false with all chunks")
	}
}

func TestJob_JSONOmitsUnsetTimes(t *testing.T) {
	created := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	pending := Job{
		Task:     Task{ID: 1, Status: TaskPending, CreatedAt: created},
		Artifact: Artifact{Status: ArtifactPending, CreatedAt: created},
	}
	data, err := json.Marshal(pending)
	if err != nil {
		t.Fatal(err)
	}
	for _, key := range []string{`"claimed_at"`, `"completed_at"`} {
		if strings.Contains(string(data), key) {
			t.Errorf("pending job JSON has %s: %s", key, data)
		}
	}

	done := pending
	done.Task.ClaimedAt = created.Add(time.Minute)
	done.Artifact.CompletedAt = created.Add(2 * time.Minute)
	data, err = json.Marshal(done)
	if err != nil {
		t.Fatal(err)
	}
	for _, key := range []string{`"claimed_at":"2025-03-01T12:01:00Z"`, `"completed_at":"2025-03-01T12:02:00Z"`} {
		if !strings.Contains(string(data), key) {
			t.Errorf("finished job JSON lacks %s: %s", key, data)
		}
	}
}
