// Package domain holds the coordinator's core types: the Job aggregate
// (a Task facet describing the request and an Artifact facet describing the
// result), upload sessions, and the error taxonomy shared by every layer.
package domain

import (
	"strings"
	"time"
)

// TaskStatus tracks the request lifecycle.
type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskProcessing TaskStatus = "processing"
	TaskCompleted  TaskStatus = "completed"
	TaskFailed     TaskStatus = "failed"
)

// ArtifactStatus mirrors TaskStatus and adds expired, reached only via the
// retention sweep.
type ArtifactStatus string

const (
	ArtifactPending    ArtifactStatus = "pending"
	ArtifactProcessing ArtifactStatus = "processing"
	ArtifactCompleted  ArtifactStatus = "completed"
	ArtifactFailed     ArtifactStatus = "failed"
	ArtifactExpired    ArtifactStatus = "expired"
)

// Task is the request facet of a Job.
type Task struct {
	ID          int64      `json:"id"`
	URL         string     `json:"url"`
	Status      TaskStatus `json:"status"`
	CreatedAt   time.Time  `json:"created_at"`
	ClaimedBy   string     `json:"claimed_by,omitempty"`
	ClaimedAt   time.Time  `json:"claimed_at,omitzero"`
	ArtifactRef string     `json:"artifact_ref"`
}

// IsActive reports whether the task still awaits a result.
func (t *Task) IsActive() bool {
	return t.Status == TaskPending || t.Status == TaskProcessing
}

// IsTerminal returns true if the task has reached a final state.
func (t *Task) IsTerminal() bool {
	return t.Status == TaskCompleted || t.Status == TaskFailed
}

// Artifact is the result facet of a Job.
type Artifact struct {
	ID           string         `json:"id"`
	URL          string         `json:"url"`
	Title        string         `json:"title,omitempty"`
	Description  string         `json:"description,omitempty"`
	AudioRef     string         `json:"audio_ref,omitempty"`
	SubtitleRef  string         `json:"subtitle_ref,omitempty"`
	Status       ArtifactStatus `json:"status"`
	CreatedAt    time.Time      `json:"created_at"`
	CompletedAt  time.Time      `json:"completed_at,omitzero"`
	ErrorMessage string         `json:"error_message,omitempty"`
}

// Files returns the non-empty file references held by the artifact.
func (a *Artifact) Files() []string {
	var files []string
	for _, f := range []string{a.AudioRef, a.SubtitleRef} {
		if f != "" {
			files = append(files, f)
		}
	}
	return files
}

// Job is the Task/Artifact aggregate. Both facets are always read and
// written together by the store.
type Job struct {
	Task     Task     `json:"task"`
	Artifact Artifact `json:"artifact"`
}

// Result is what a worker reports when it finishes a claimed task.
type Result struct {
	Title        string `json:"title,omitempty"`
	Description  string `json:"description,omitempty"`
	AudioRef     string `json:"audio_ref,omitempty"`
	SubtitleRef  string `json:"subtitle_ref,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`
}

// Failed reports whether the result records an unrecoverable failure.
func (r Result) Failed() bool {
	return strings.TrimSpace(r.ErrorMessage) != ""
}

// TaskStatus returns the terminal task status this result leads to.
func (r Result) TaskStatus() TaskStatus {
	if r.Failed() {
		return TaskFailed
	}
	return TaskCompleted
}

// Resubmittable reports whether a new submission of the same URL may reuse
// this job. Failed tasks and completed tasks whose files were reclaimed
// qualify; anything active or holding live files does not.
func (j *Job) Resubmittable() bool {
	switch j.Task.Status {
	case TaskFailed:
		return true
	case TaskCompleted:
		return j.Artifact.Status == ArtifactExpired
	}
	return false
}
