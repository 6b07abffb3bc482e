package blob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

// Local stores blobs as files under a directory. It is used for development and
// as the target of the sealed backend in single-node deployments.
type Local struct {
	dir string
}

// NewLocal creates a local backend rooted at dir.
func NewLocal(dir string) (*Local, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create blob dir: %w", err)
	}
	return &Local{dir: dir}, nil
}

// Dir returns the root directory.
func (l *Local) Dir() string {
	return l.dir
}

// Upload writes data atomically via a temp file and rename.
func (l *Local) Upload(ctx context.Context, _ string, data []byte) (Handle, error) {
	if len(data) == 0 {
		return Handle{}, ErrEmptyBlob
	}
	if err := ctx.Err(); err != nil {
		return Handle{}, err
	}

	id := uuid.NewString()
	path := l.blobPath(id)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return Handle{}, fmt.Errorf("create blob subdir: %w", err)
	}

	tmpFile, err := os.CreateTemp(filepath.Dir(path), ".blob-*.tmp")
	if err != nil {
		return Handle{}, fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmpFile.Name()

	if _, err := tmpFile.Write(data); err != nil {
		_ = tmpFile.Close()
		_ = os.Remove(tmpPath)
		return Handle{}, fmt.Errorf("write blob: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return Handle{}, fmt.Errorf("close blob: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return Handle{}, fmt.Errorf("rename blob: %w", err)
	}

	return Handle{ID: id, Ref: id}, nil
}

// Fetch opens the blob file.
func (l *Local) Fetch(_ context.Context, id string) (io.ReadCloser, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, ErrNotFound
	}
	f, err := os.Open(l.blobPath(id))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("open blob: %w", err)
	}
	return f, nil
}

// Delete removes the blob file. Deleting a missing blob is not an error.
func (l *Local) Delete(_ context.Context, ref string) error {
	if _, err := uuid.Parse(ref); err != nil {
		return fmt.Errorf("invalid blob ref %q", ref)
	}
	if err := os.Remove(l.blobPath(ref)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove blob: %w", err)
	}
	return nil
}

// Capacity reports the filesystem statistics of the blob directory.
func (l *Local) Capacity() (VolumeStats, error) {
	total, used, available, err := GetVolumeStats(l.dir)
	if err != nil {
		return VolumeStats{}, err
	}
	return VolumeStats{TotalBytes: total, UsedBytes: used, AvailableBytes: available}, nil
}

// blobPath spreads blobs over 256 subdirectories keyed by the id prefix.
func (l *Local) blobPath(id string) string {
	return filepath.Join(l.dir, id[:2], id)
}
