package metadata

import (
	"context"
	"errors"
)

// MaxUpdateAttempts bounds optimistic retries in UpdateFile and UpdateFolder.
const MaxUpdateAttempts = 10

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrConflict is returned when an optimistic update kept losing races.
	ErrConflict = errors.New("too many concurrent updates")
	// ErrExists is returned by Create* when the id is already taken.
	ErrExists = errors.New("record already exists")
)

// FileFilter selects files in ListFiles. Nil fields match anything.
type FileFilter struct {
	OwnerID  string  // empty = any owner
	FolderID *string // pointer to "" selects the root
	Deleted  *bool
}

// FolderFilter selects folders in ListFolders. Nil fields match anything.
type FolderFilter struct {
	OwnerID  string
	ParentID *string
	Deleted  *bool
}

// Store persists files, folders and users.
//
// UpdateFile and UpdateFolder are serialized read-modify-write operations: fn
// sees the latest record and may be invoked more than once if a concurrent
// writer wins. An error returned by fn aborts the update and is returned as is.
type Store interface {
	CreateFile(ctx context.Context, f *File) error
	GetFile(ctx context.Context, id string) (*File, error)
	UpdateFile(ctx context.Context, id string, fn func(*File) error) (*File, error)
	DeleteFile(ctx context.Context, id string) error
	ListFiles(ctx context.Context, filter FileFilter) ([]*File, error)
	FindFileByShareToken(ctx context.Context, token string) (*File, error)

	CreateFolder(ctx context.Context, f *Folder) error
	GetFolder(ctx context.Context, id string) (*Folder, error)
	UpdateFolder(ctx context.Context, id string, fn func(*Folder) error) (*Folder, error)
	ListFolders(ctx context.Context, filter FolderFilter) ([]*Folder, error)

	EnsureUser(ctx context.Context, id string, defaultLimit int64) (*User, error)
	GetUser(ctx context.Context, id string) (*User, error)
	// AdjustStorageUsed atomically adds delta and returns the new value. The
	// result is floored at zero.
	AdjustStorageUsed(ctx context.Context, id string, delta int64) (int64, error)

	Close() error
}

func (f FileFilter) match(file *File) bool {
	if f.OwnerID != "" && file.OwnerID != f.OwnerID {
		return false
	}
	if f.FolderID != nil && file.FolderID != *f.FolderID {
		return false
	}
	if f.Deleted != nil && file.IsDeleted != *f.Deleted {
		return false
	}
	return true
}

func (f FolderFilter) match(folder *Folder) bool {
	if f.OwnerID != "" && folder.OwnerID != f.OwnerID {
		return false
	}
	if f.ParentID != nil && folder.ParentID != *f.ParentID {
		return false
	}
	if f.Deleted != nil && folder.IsDeleted != *f.Deleted {
		return false
	}
	return true
}

func floorZero(v int64) int64 {
	if v < 0 {
		return 0
	}
	return v
}
