package metadata

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBadger(t *testing.T) *Badger {
	t.Helper()
	s, err := OpenBadger(BadgerConfig{InMemory: true, Logger: zerolog.Nop()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func boolPtr(b bool) *bool    { return &b }
func strPtr(s string) *string { return &s }

func TestBadgerFileCRUD(t *testing.T) {
	s := newTestBadger(t)
	ctx := context.Background()

	f := &File{ID: "f1", Name: "a.bin", OwnerID: "u1", TotalChunks: 2}
	require.NoError(t, s.CreateFile(ctx, f))
	assert.Equal(t, int64(1), f.Version)

	assert.ErrorIs(t, s.CreateFile(ctx, &File{ID: "f1"}), ErrExists)

	got, err := s.GetFile(ctx, "f1")
	require.NoError(t, err)
	assert.Equal(t, "a.bin", got.Name)
	assert.False(t, got.CreatedAt.IsZero())

	updated, err := s.UpdateFile(ctx, "f1", func(f *File) error {
		f.Chunks = append(f.Chunks, ChunkRef{PartNumber: 0, BlobID: "b0", BlobRef: "1", Size: 10})
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, int64(2), updated.Version)
	assert.Len(t, updated.Chunks, 1)

	require.NoError(t, s.DeleteFile(ctx, "f1"))
	_, err = s.GetFile(ctx, "f1")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, s.DeleteFile(ctx, "f1"), ErrNotFound)
}

func TestBadgerUpdateFileAbortsOnCallbackError(t *testing.T) {
	s := newTestBadger(t)
	ctx := context.Background()
	require.NoError(t, s.CreateFile(ctx, &File{ID: "f1", Name: "x"}))

	stop := errors.New("stop")
	_, err := s.UpdateFile(ctx, "f1", func(f *File) error {
		f.Name = "changed"
		return stop
	})
	assert.ErrorIs(t, err, stop)

	got, err := s.GetFile(ctx, "f1")
	require.NoError(t, err)
	assert.Equal(t, "x", got.Name)
	assert.Equal(t, int64(1), got.Version)

	_, err = s.UpdateFile(ctx, "missing", func(*File) error { return nil })
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestBadgerConcurrentUpdatesAllApply(t *testing.T) {
	s := newTestBadger(t)
	ctx := context.Background()
	require.NoError(t, s.CreateFile(ctx, &File{ID: "f1", TotalChunks: 8}))

	const writers = 8
	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(part int) {
			defer wg.Done()
			_, err := s.UpdateFile(ctx, "f1", func(f *File) error {
				f.Chunks = append(f.Chunks, ChunkRef{PartNumber: part, Size: 1})
				return nil
			})
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	got, err := s.GetFile(ctx, "f1")
	require.NoError(t, err)
	assert.Len(t, got.Chunks, writers)
	assert.Equal(t, int64(writers+1), got.Version)
	got.SortChunks()
	for i, c := range got.Chunks {
		assert.Equal(t, i, c.PartNumber)
	}
}

func TestBadgerShareIndex(t *testing.T) {
	s := newTestBadger(t)
	ctx := context.Background()
	require.NoError(t, s.CreateFile(ctx, &File{ID: "f1"}))

	_, err := s.FindFileByShareToken(ctx, "tok")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = s.UpdateFile(ctx, "f1", func(f *File) error { f.ShareToken = "tok"; return nil })
	require.NoError(t, err)

	got, err := s.FindFileByShareToken(ctx, "tok")
	require.NoError(t, err)
	assert.Equal(t, "f1", got.ID)

	_, err = s.UpdateFile(ctx, "f1", func(f *File) error { f.ShareToken = "tok2"; return nil })
	require.NoError(t, err)
	_, err = s.FindFileByShareToken(ctx, "tok")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.DeleteFile(ctx, "f1"))
	_, err = s.FindFileByShareToken(ctx, "tok2")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = s.FindFileByShareToken(ctx, "")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestBadgerListFilters(t *testing.T) {
	s := newTestBadger(t)
	ctx := context.Background()

	base := time.Now().UTC()
	files := []*File{
		{ID: "a", OwnerID: "u1", CreatedAt: base},
		{ID: "b", OwnerID: "u1", FolderID: "d1", CreatedAt: base.Add(time.Second)},
		{ID: "c", OwnerID: "u1", FolderID: "d1", IsDeleted: true, CreatedAt: base.Add(2 * time.Second)},
		{ID: "d", OwnerID: "u2", CreatedAt: base.Add(3 * time.Second)},
	}
	for _, f := range files {
		require.NoError(t, s.CreateFile(ctx, f))
	}

	ids := func(fs []*File) []string {
		out := make([]string, 0, len(fs))
		for _, f := range fs {
			out = append(out, f.ID)
		}
		return out
	}

	all, err := s.ListFiles(ctx, FileFilter{OwnerID: "u1"})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, ids(all))

	root, err := s.ListFiles(ctx, FileFilter{OwnerID: "u1", FolderID: strPtr("")})
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, ids(root))

	live, err := s.ListFiles(ctx, FileFilter{FolderID: strPtr("d1"), Deleted: boolPtr(false)})
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, ids(live))

	require.NoError(t, s.CreateFolder(ctx, &Folder{ID: "d1", OwnerID: "u1"}))
	require.NoError(t, s.CreateFolder(ctx, &Folder{ID: "d2", OwnerID: "u1", ParentID: "d1"}))
	children, err := s.ListFolders(ctx, FolderFilter{ParentID: strPtr("d1")})
	require.NoError(t, err)
	require.Len(t, children, 1)
	assert.Equal(t, "d2", children[0].ID)
}

func TestBadgerFolderUpdate(t *testing.T) {
	s := newTestBadger(t)
	ctx := context.Background()
	require.NoError(t, s.CreateFolder(ctx, &Folder{ID: "d1", OwnerID: "u1"}))

	now := time.Now().UTC()
	f, err := s.UpdateFolder(ctx, "d1", func(f *Folder) error {
		f.IsDeleted = true
		f.DeletedAt = &now
		return nil
	})
	require.NoError(t, err)
	assert.True(t, f.IsDeleted)

	got, err := s.GetFolder(ctx, "d1")
	require.NoError(t, err)
	assert.True(t, got.IsDeleted)

	_, err = s.GetFolder(ctx, "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestBadgerUserStorage(t *testing.T) {
	s := newTestBadger(t)
	ctx := context.Background()

	u, err := s.EnsureUser(ctx, "u1", 100)
	require.NoError(t, err)
	assert.Equal(t, int64(100), u.StorageLimit)

	// Existing users keep their limit.
	u, err = s.EnsureUser(ctx, "u1", 999)
	require.NoError(t, err)
	assert.Equal(t, int64(100), u.StorageLimit)

	used, err := s.AdjustStorageUsed(ctx, "u1", 40)
	require.NoError(t, err)
	assert.Equal(t, int64(40), used)

	used, err = s.AdjustStorageUsed(ctx, "u1", -100)
	require.NoError(t, err)
	assert.Equal(t, int64(0), used)

	_, err = s.AdjustStorageUsed(ctx, "ghost", 1)
	assert.ErrorIs(t, err, ErrNotFound)

	u, err = s.GetUser(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(100), u.Available())
}
