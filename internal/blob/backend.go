// Package blob defines the contract for whole-object blob backends and provides
// adapters for Telegram channels, S3-compatible stores and the local filesystem.
//
// Backends only offer whole-object upload, fetch and delete. There is no partial
// read: callers that need a byte range fetch the full object and slice it.
package blob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"
)

// Blob errors.
var (
	ErrNotFound      = errors.New("blob not found")
	ErrDeleteRefused = errors.New("blob deletion refused")
	ErrEmptyBlob     = errors.New("blob is empty")
	ErrTooLarge      = errors.New("blob exceeds backend size limit")
)

// Handle identifies a stored blob. ID is used to fetch the blob, Ref to delete it.
// Some backends issue the same value for both.
type Handle struct {
	ID  string `json:"id"`
	Ref string `json:"ref"`
}

// Backend is a whole-object blob store.
type Backend interface {
	// Upload stores data under a display name and returns its handle.
	Upload(ctx context.Context, name string, data []byte) (Handle, error)
	// Fetch returns the complete object. The caller closes the reader.
	Fetch(ctx context.Context, id string) (io.ReadCloser, error)
	// Delete removes the object. Backends may refuse with ErrDeleteRefused.
	Delete(ctx context.Context, ref string) error
}

// Marker is implemented by backends that can annotate a blob they could not delete,
// so an operator can find and remove it out of band.
type Marker interface {
	MarkDeleted(ctx context.Context, ref, name string) error
}

// BackendError is returned when the backend answers with a non-OK response.
type BackendError struct {
	Op         string
	Err        error
	RetryAfter time.Duration // server-requested wait before retrying, if any
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("backend %s: %v", e.Op, e.Err)
}

func (e *BackendError) Unwrap() error {
	return e.Err
}

// ReadAll fetches a blob and reads it fully.
func ReadAll(ctx context.Context, b Backend, id string) ([]byte, error) {
	rc, err := b.Fetch(ctx, id)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rc.Close() }()

	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, &BackendError{Op: "fetch", Err: fmt.Errorf("read body: %w", err)}
	}
	return data, nil
}
