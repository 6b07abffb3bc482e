package storage

import (
	"errors"
	"fmt"

	"github.com/telefile/telefile/internal/metadata"
)

// Storage error types.
var (
	ErrEmptyPayload        = errors.New("empty chunk payload")
	ErrQuotaExceeded       = errors.New("storage quota exceeded")
	ErrIncompleteUpload    = errors.New("file upload is not complete")
	ErrUploadComplete      = errors.New("file upload already complete")
	ErrShareExpired        = errors.New("share link has expired")
	ErrRangeNotSatisfiable = errors.New("range not satisfiable")
	ErrChunkSizeMismatch   = errors.New("fetched chunk size does not match metadata")

	// ErrNotFound covers records that are absent or owned by someone else.
	ErrNotFound = metadata.ErrNotFound
)

// ValidationError reports malformed or missing chunk metadata.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// PartialStreamError is returned when a chunk fetch fails after some bytes of a
// response were already written. The response cannot be repaired.
type PartialStreamError struct {
	Written int64
	Err     error
}

func (e *PartialStreamError) Error() string {
	return fmt.Sprintf("stream aborted after %d bytes: %v", e.Written, e.Err)
}

func (e *PartialStreamError) Unwrap() error {
	return e.Err
}
