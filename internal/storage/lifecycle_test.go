package storage

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/telefile/telefile/internal/blob"
	"github.com/telefile/telefile/internal/events"
	"github.com/telefile/telefile/internal/metadata"
	"github.com/telefile/telefile/testutil"
)

func TestSoftDeleteAndRestoreFile(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	f := h.upload(t, "u1", "a", testutil.RandomBytes(10, 1), 10)

	trashed, err := h.life.SoftDeleteFile(ctx, "u1", f.ID)
	require.NoError(t, err)
	assert.True(t, trashed.IsDeleted)
	require.NotNil(t, trashed.DeletedAt)
	first := *trashed.DeletedAt

	// Trashing again keeps the original timestamp.
	h.now = h.now.Add(time.Hour)
	again, err := h.life.SoftDeleteFile(ctx, "u1", f.ID)
	require.NoError(t, err)
	assert.Equal(t, first, *again.DeletedAt)

	// No remote or quota change.
	_, _, deletes := h.backend.Calls()
	assert.Zero(t, deletes)
	assert.Equal(t, int64(10), h.used(t, "u1"))

	restored, err := h.life.RestoreFile(ctx, "u1", f.ID)
	require.NoError(t, err)
	assert.False(t, restored.IsDeleted)
	assert.Nil(t, restored.DeletedAt)

	_, err = h.life.RestoreFile(ctx, "u1", f.ID)
	assert.ErrorIs(t, err, ErrNotFound, "restore requires the file to be in the trash")

	_, err = h.life.SoftDeleteFile(ctx, "u2", f.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func seedTree(t *testing.T, h *harness) {
	t.Helper()
	ctx := context.Background()
	for _, f := range []*metadata.Folder{
		{ID: "root", OwnerID: "u1"},
		{ID: "a", OwnerID: "u1", ParentID: "root"},
		{ID: "b", OwnerID: "u1", ParentID: "a"},
		{ID: "side", OwnerID: "u1"},
	} {
		require.NoError(t, h.store.CreateFolder(ctx, f))
	}
	for _, f := range []*metadata.File{
		{ID: "f-root", OwnerID: "u1", FolderID: "root"},
		{ID: "f-a", OwnerID: "u1", FolderID: "a"},
		{ID: "f-b", OwnerID: "u1", FolderID: "b"},
		{ID: "f-side", OwnerID: "u1", FolderID: "side"},
	} {
		require.NoError(t, h.store.CreateFile(ctx, f))
	}
}

func TestSoftDeleteFolderCascades(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	seedTree(t, h)

	report, err := h.life.SoftDeleteFolder(ctx, "u1", "root")
	require.NoError(t, err)
	assert.Equal(t, &CascadeReport{Folders: 3, Files: 3}, report)

	for _, id := range []string{"root", "a", "b"} {
		f, err := h.store.GetFolder(ctx, id)
		require.NoError(t, err)
		assert.True(t, f.IsDeleted, id)
	}
	for _, id := range []string{"f-root", "f-a", "f-b"} {
		f, err := h.store.GetFile(ctx, id)
		require.NoError(t, err)
		assert.True(t, f.IsDeleted, id)
	}

	side, err := h.store.GetFolder(ctx, "side")
	require.NoError(t, err)
	assert.False(t, side.IsDeleted)
	sideFile, err := h.store.GetFile(ctx, "f-side")
	require.NoError(t, err)
	assert.False(t, sideFile.IsDeleted)

	// Restoring a file leaves its ancestors in the trash.
	_, err = h.life.RestoreFile(ctx, "u1", "f-b")
	require.NoError(t, err)
	b, err := h.store.GetFolder(ctx, "b")
	require.NoError(t, err)
	assert.True(t, b.IsDeleted)
}

func TestSoftDeleteFolderKeepsEarlierDeletedAt(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	seedTree(t, h)

	_, err := h.life.SoftDeleteFile(ctx, "u1", "f-b")
	require.NoError(t, err)
	early := h.now

	h.now = h.now.Add(24 * time.Hour)
	_, err = h.life.SoftDeleteFolder(ctx, "u1", "root")
	require.NoError(t, err)

	f, err := h.store.GetFile(ctx, "f-b")
	require.NoError(t, err)
	assert.True(t, early.Equal(*f.DeletedAt))
}

func TestSoftDeleteFolderTerminatesOnCycle(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.store.CreateFolder(ctx, &metadata.Folder{ID: "x", OwnerID: "u1", ParentID: "y"}))
	require.NoError(t, h.store.CreateFolder(ctx, &metadata.Folder{ID: "y", OwnerID: "u1", ParentID: "x"}))

	done := make(chan struct{})
	var report *CascadeReport
	go func() {
		defer close(done)
		var err error
		report, err = h.life.SoftDeleteFolder(ctx, "u1", "x")
		assert.NoError(t, err)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("cascade did not terminate")
	}
	assert.Equal(t, 2, report.Folders)
}

func TestSoftDeleteFolderOwnership(t *testing.T) {
	h := newHarness(t)
	seedTree(t, h)
	_, err := h.life.SoftDeleteFolder(context.Background(), "u2", "root")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRestoreFolderIsNotRecursive(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	seedTree(t, h)
	_, err := h.life.SoftDeleteFolder(ctx, "u1", "root")
	require.NoError(t, err)

	restored, err := h.life.RestoreFolder(ctx, "u1", "root")
	require.NoError(t, err)
	assert.False(t, restored.IsDeleted)

	a, err := h.store.GetFolder(ctx, "a")
	require.NoError(t, err)
	assert.True(t, a.IsDeleted)
	fa, err := h.store.GetFile(ctx, "f-root")
	require.NoError(t, err)
	assert.True(t, fa.IsDeleted)

	_, err = h.life.RestoreFolder(ctx, "u1", "root")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPermanentDelete(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	sub := h.events.Subscribe("u1")
	defer h.events.Unsubscribe(sub)

	f := h.upload(t, "u1", "a", testutil.RandomBytes(35, 1), 10)
	require.Equal(t, int64(35), h.used(t, "u1"))

	report, err := h.life.PermanentDelete(ctx, "u1", f.ID)
	require.NoError(t, err)
	assert.False(t, report.Skipped)
	assert.Equal(t, 4, report.Chunks)
	assert.Equal(t, 4, report.Deleted)
	assert.Empty(t, report.Warnings)
	assert.Equal(t, int64(35), report.Released)

	assert.Equal(t, 0, h.backend.Len())
	assert.Len(t, h.backend.Deleted(), 4)
	assert.Equal(t, int64(0), h.used(t, "u1"))

	_, err = h.store.GetFile(ctx, f.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	var purged bool
	for len(sub.C) > 0 {
		if (<-sub.C).Type == events.FilePurged {
			purged = true
		}
	}
	assert.True(t, purged)

	_, err = h.life.PermanentDelete(ctx, "u1", f.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPermanentDeleteConcurrentDuplicate(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	f := h.upload(t, "u1", "a", testutil.RandomBytes(30, 2), 10)
	other := h.upload(t, "u1", "b", testutil.RandomBytes(5, 3), 10)

	var wg sync.WaitGroup
	reports := make([]*DeleteReport, 4)
	errs := make([]error, 4)
	for i := range reports {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			reports[i], errs[i] = h.life.PermanentDelete(ctx, "u1", f.ID)
		}(i)
	}
	wg.Wait()

	performed := 0
	for i := range reports {
		if errs[i] != nil {
			assert.ErrorIs(t, errs[i], ErrNotFound)
			continue
		}
		if !reports[i].Skipped {
			performed++
		}
	}
	assert.Equal(t, 1, performed)
	assert.LessOrEqual(t, len(h.backend.Deleted()), 3)
	assert.Equal(t, other.Size, h.used(t, "u1"), "quota released exactly once")
}

func TestPermanentDeleteStaleClaimIsTakenOver(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	f := h.upload(t, "u1", "a", testutil.RandomBytes(10, 4), 10)

	claimed := h.now.Add(-2 * time.Hour)
	_, err := h.store.UpdateFile(ctx, f.ID, func(f *metadata.File) error {
		f.PurgeStartedAt = &claimed
		return nil
	})
	require.NoError(t, err)

	report, err := h.life.PermanentDelete(ctx, "u1", f.ID)
	require.NoError(t, err)
	assert.False(t, report.Skipped)

	fresh := h.upload(t, "u1", "b", testutil.RandomBytes(10, 5), 10)
	recent := h.now.Add(-time.Minute)
	_, err = h.store.UpdateFile(ctx, fresh.ID, func(f *metadata.File) error {
		f.PurgeStartedAt = &recent
		return nil
	})
	require.NoError(t, err)

	report, err = h.life.PermanentDelete(ctx, "u1", fresh.ID)
	require.NoError(t, err)
	assert.True(t, report.Skipped)
}

func TestPermanentDeleteSlowPurgeOvertaken(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	f := h.upload(t, "u1", "a", testutil.RandomBytes(30, 10), 10)
	other := h.upload(t, "u1", "b", testutil.RandomBytes(50, 11), 50)

	var clock atomic.Int64
	clock.Store(h.now.UnixNano())
	life := NewLifecycle(LifecycleConfig{
		Backend:    h.backend,
		Queue:      h.queue,
		Store:      h.store,
		Accountant: h.acct,
		Logger:     zerolog.Nop(),
		Now:        func() time.Time { return time.Unix(0, clock.Load()) },
	})

	started, release := h.backend.BlockDeletes()
	defer release()

	type result struct {
		report *DeleteReport
		err    error
	}
	first := make(chan result, 1)
	go func() {
		r, err := life.PermanentDelete(ctx, "u1", f.ID)
		first <- result{r, err}
	}()
	<-started

	claimed, err := h.store.GetFile(ctx, f.ID)
	require.NoError(t, err)
	require.NotEmpty(t, claimed.PurgeID)

	// The first purge is stuck in its first delete long enough for its claim to expire.
	clock.Add(int64(2 * time.Hour))
	second := make(chan result, 1)
	go func() {
		r, err := life.PermanentDelete(ctx, "u1", f.ID)
		second <- result{r, err}
	}()
	require.Eventually(t, func() bool {
		cur, err := h.store.GetFile(ctx, f.ID)
		return err == nil && cur.PurgeID != claimed.PurgeID
	}, 5*time.Second, 5*time.Millisecond)
	release()

	r1 := <-first
	require.NoError(t, r1.err)
	assert.True(t, r1.report.Skipped)
	assert.Equal(t, 1, r1.report.Deleted)
	assert.Zero(t, r1.report.Released)

	r2 := <-second
	require.NoError(t, r2.err)
	assert.False(t, r2.report.Skipped)
	assert.Equal(t, int64(30), r2.report.Released)

	// Three chunk deletes plus the one that was in flight when the claim moved.
	assert.Len(t, h.backend.Deleted(), 4)
	assert.Equal(t, other.Size, h.used(t, "u1"), "quota released exactly once")

	_, err = h.store.GetFile(ctx, f.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPermanentDeleteResumesAbandonedPurge(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	f := h.upload(t, "u1", "a", testutil.RandomBytes(30, 12), 10)
	other := h.upload(t, "u1", "b", testutil.RandomBytes(50, 13), 50)

	// A purge crashed after deleting chunk 0 and releasing the quota.
	_, err := h.acct.Release(ctx, "u1", f.Size)
	require.NoError(t, err)
	stale := h.now.Add(-2 * time.Hour)
	_, err = h.store.UpdateFile(ctx, f.ID, func(f *metadata.File) error {
		f.PurgeStartedAt = &stale
		f.PurgeID = "crashed"
		f.Chunks[0].Purged = true
		f.QuotaReleased = true
		return nil
	})
	require.NoError(t, err)

	report, err := h.life.PermanentDelete(ctx, "u1", f.ID)
	require.NoError(t, err)
	assert.False(t, report.Skipped)
	assert.Equal(t, 2, report.Deleted)
	assert.Zero(t, report.Released)

	assert.Equal(t, []string{f.Chunks[1].BlobRef, f.Chunks[2].BlobRef}, h.backend.Deleted())
	assert.Equal(t, other.Size, h.used(t, "u1"))
}

func TestPermanentDeleteRefusedFallsBackToMark(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	f := h.upload(t, "u1", "a", testutil.RandomBytes(20, 6), 10)
	h.backend.FailDelete(f.Chunks[0].BlobRef, blob.ErrDeleteRefused)

	report, err := h.life.PermanentDelete(ctx, "u1", f.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Deleted)
	assert.Equal(t, 1, report.Marked)
	require.Len(t, report.Warnings, 1)
	assert.Contains(t, report.Warnings[0], "marked deleted")

	name, ok := h.backend.Marked(f.Chunks[0].BlobRef)
	assert.True(t, ok)
	assert.Equal(t, "a.part0", name)

	// Refusals are permanent: exactly one delete call per chunk.
	assert.Len(t, h.backend.Deleted(), 2)
	_, err = h.store.GetFile(ctx, f.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPermanentDeleteMarkFailureIsReported(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	f := h.upload(t, "u1", "a", testutil.RandomBytes(10, 7), 10)
	h.backend.FailDelete(f.Chunks[0].BlobRef, blob.ErrDeleteRefused)
	h.backend.FailMark(errors.New("caption edit rejected"))

	report, err := h.life.PermanentDelete(ctx, "u1", f.ID)
	require.NoError(t, err)
	assert.Zero(t, report.Marked)
	require.Len(t, report.Warnings, 1)
	assert.Contains(t, report.Warnings[0], "mark failed")
}

func TestPermanentDeleteIncompleteFileReleasesNothing(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.upload(t, "u1", "done", testutil.RandomBytes(10, 8), 10)

	res, err := h.asm.StoreChunk(ctx, "u1", ChunkRequest{FileName: "partial", TotalChunks: 2, TotalSize: 20}, []byte("0123456789"))
	require.NoError(t, err)

	report, err := h.life.PermanentDelete(ctx, "u1", res.FileID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), report.Released)
	assert.Equal(t, 1, report.Deleted)
	assert.Equal(t, int64(10), h.used(t, "u1"))
}

func TestPermanentDeleteOwnership(t *testing.T) {
	h := newHarness(t)
	f := h.upload(t, "u1", "a", testutil.RandomBytes(10, 9), 10)
	_, err := h.life.PermanentDelete(context.Background(), "u2", f.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Empty(t, h.backend.Deleted())
}
