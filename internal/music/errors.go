package music

import (
	"context"
	"errors"
	"fmt"
)

// Sentinel errors for the expected domain failures. The caller-facing
// API maps these to rejected ingest results instead of propagating them.
var (
	ErrNoCandidates       = errors.New("no candidates found")
	ErrFetchLimitExceeded = errors.New("fetch limit exceeded")
	ErrIncompleteMetadata = errors.New("incomplete metadata")
	ErrUnsupportedFormat  = errors.New("unsupported audio format")
	ErrAlreadyReserved    = errors.New("fingerprint already reserved")
	ErrCommitFailed       = errors.New("commit failed")
	ErrNotFound           = errors.New("entry not found")
)

// FetchError wraps a provider download failure and records whether it is
// worth retrying. Transient failures (network errors, rate limits) are
// retried with backoff; permanent ones (candidate removed, bad format)
// fail the fetch immediately.
type FetchError struct {
	Transient bool
	Err       error
}

func (e *FetchError) Error() string {
	if e.Transient {
		return fmt.Sprintf("transient fetch error: %v", e.Err)
	}
	return fmt.Sprintf("permanent fetch error: %v", e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// IsTransient reports whether err is a retryable fetch failure.
func IsTransient(err error) bool {
	var fe *FetchError
	return errors.As(err, &fe) && fe.Transient
}

// RejectionReason translates a pipeline error into the stable reason
// string carried by a rejected IngestResult.
func RejectionReason(err error) string {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "cancelled"
	case errors.Is(err, ErrNoCandidates):
		return "no candidates found"
	case errors.Is(err, ErrFetchLimitExceeded):
		return "fetch limit exceeded"
	case errors.Is(err, ErrIncompleteMetadata):
		return "incomplete metadata"
	case errors.Is(err, ErrUnsupportedFormat):
		return "unsupported format"
	case errors.Is(err, ErrAlreadyReserved):
		return "already being ingested"
	case errors.Is(err, ErrCommitFailed):
		return "commit failed"
	default:
		return err.Error()
	}
}
