package domain

import (
	"errors"
	"fmt"
)

// ─── Sentinel Errors ────────────────────────────────────────────────────────
// Domain errors carry no infrastructure dependency. Every error that
// crosses a package boundary wraps exactly one of the six kinds below, so the
// HTTP layer and the client can map them without string matching.

var (
	// ErrValidation marks malformed or missing request fields. Never retried.
	ErrValidation = errors.New("validation failed")

	// ErrConflict marks a state race: duplicate active task, task no longer
	// pending, or an upload that was already merged.
	ErrConflict = errors.New("conflict")

	// ErrNotFound marks an unknown task, session or file.
	ErrNotFound = errors.New("not found")

	// ErrForbidden marks a completion reported by a worker that does not hold the claim.
	ErrForbidden = errors.New("forbidden")

	// ErrStorageExhausted marks a quota denial.
	ErrStorageExhausted = errors.New("storage exhausted")

	// ErrUpstreamFailure marks an extraction that failed or timed out.
	ErrUpstreamFailure = errors.New("upstream failure")
)

// Specific failures, each wrapping one of the kinds above.
var (
	ErrMissingChunk      = wrapKind(ErrNotFound, "chunk missing at merge")
	ErrUploadFinalized   = wrapKind(ErrConflict, "upload already finalized")
	ErrAlreadyCompleted  = wrapKind(ErrConflict, "task already completed")
	ErrChunkChecksum     = wrapKind(ErrValidation, "chunk checksum mismatch")
	ErrExtractionTimeout = wrapKind(ErrUpstreamFailure, "extraction timed out")
)

type kindError struct {
	kind error
	msg  string
}

func (e *kindError) Error() string { return e.msg }
func (e *kindError) Unwrap() error { return e.kind }

func wrapKind(kind error, msg string) error {
	return &kindError{kind: kind, msg: msg}
}

// Kind returns the taxonomy sentinel err belongs to, or nil if it is none of them.
func Kind(err error) error {
	for _, k := range []error{
		ErrValidation, ErrConflict, ErrNotFound,
		ErrForbidden, ErrStorageExhausted, ErrUpstreamFailure,
	} {
		if errors.Is(err, k) {
			return k
		}
	}
	return nil
}

// ClaimConflict describes a claim that lost because the job was not pending.
func ClaimConflict(job *Job) error {
	return fmt.Errorf("%w: task %d is %s", ErrConflict, job.Task.ID, job.Task.Status)
}

// CompletionRejected explains why a completion report from workerID did not
// apply. A repeat from the claimant of a finished task wraps
// ErrAlreadyCompleted.
func CompletionRejected(job *Job, workerID string) error {
	switch {
	case job.Task.ClaimedBy != workerID:
		return fmt.Errorf("%w: task %d is not claimed by %s", ErrForbidden, job.Task.ID, workerID)
	case job.Artifact.Status == ArtifactExpired:
		return fmt.Errorf("%w: artifact for task %d already expired", ErrConflict, job.Task.ID)
	case job.Task.IsTerminal():
		return fmt.Errorf("%w: task %d is %s", ErrAlreadyCompleted, job.Task.ID, job.Task.Status)
	}
	return fmt.Errorf("%w: task %d is %s", ErrConflict, job.Task.ID, job.Task.Status)
}
