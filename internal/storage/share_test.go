package storage

import (
	"context"
	"encoding/hex"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/telefile/telefile/testutil"
)

func intPtr(n int) *int { return &n }

func TestShareIssuesAndReusesToken(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	f := h.upload(t, "u1", "a", testutil.RandomBytes(10, 1), 10)

	info, err := h.life.Share(ctx, "u1", f.ID, nil)
	require.NoError(t, err)
	assert.Len(t, info.Token, 2*shareTokenBytes)
	_, err = hex.DecodeString(info.Token)
	assert.NoError(t, err)
	assert.Nil(t, info.ExpiresAt)

	again, err := h.life.Share(ctx, "u1", f.ID, intPtr(7))
	require.NoError(t, err)
	assert.Equal(t, info.Token, again.Token)
	require.NotNil(t, again.ExpiresAt)
	assert.True(t, h.now.Add(7*24*time.Hour).Equal(*again.ExpiresAt))

	// Omitting the expiry keeps the one already set.
	kept, err := h.life.Share(ctx, "u1", f.ID, nil)
	require.NoError(t, err)
	require.NotNil(t, kept.ExpiresAt)
	assert.True(t, again.ExpiresAt.Equal(*kept.ExpiresAt))

	resolved, err := h.life.ResolveShare(ctx, info.Token)
	require.NoError(t, err)
	assert.Equal(t, f.ID, resolved.ID)
}

func TestShareExpiry(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	f := h.upload(t, "u1", "a", testutil.RandomBytes(10, 2), 10)

	info, err := h.life.Share(ctx, "u1", f.ID, intPtr(1))
	require.NoError(t, err)

	h.now = h.now.Add(23 * time.Hour)
	_, err = h.life.ResolveShare(ctx, info.Token)
	require.NoError(t, err)

	h.now = h.now.Add(2 * time.Hour)
	_, err = h.life.ResolveShare(ctx, info.Token)
	assert.ErrorIs(t, err, ErrShareExpired)
}

func TestUnshare(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	f := h.upload(t, "u1", "a", testutil.RandomBytes(10, 3), 10)

	info, err := h.life.Share(ctx, "u1", f.ID, intPtr(3))
	require.NoError(t, err)

	assert.ErrorIs(t, h.life.Unshare(ctx, "u2", f.ID), ErrNotFound)
	require.NoError(t, h.life.Unshare(ctx, "u1", f.ID))

	_, err = h.life.ResolveShare(ctx, info.Token)
	assert.ErrorIs(t, err, ErrNotFound)

	got, err := h.store.GetFile(ctx, f.ID)
	require.NoError(t, err)
	assert.Empty(t, got.ShareToken)
	assert.Nil(t, got.ShareExpiry)

	fresh, err := h.life.Share(ctx, "u1", f.ID, nil)
	require.NoError(t, err)
	assert.NotEqual(t, info.Token, fresh.Token)
}

func TestShareRejections(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	f := h.upload(t, "u1", "a", testutil.RandomBytes(10, 4), 10)

	_, err := h.life.Share(ctx, "u1", f.ID, intPtr(-1))
	var verr *ValidationError
	assert.ErrorAs(t, err, &verr)

	_, err = h.life.Share(ctx, "u2", f.ID, nil)
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = h.life.Share(ctx, "u1", "missing", nil)
	assert.ErrorIs(t, err, ErrNotFound)

	res, err := h.asm.StoreChunk(ctx, "u1", ChunkRequest{FileName: "partial", TotalChunks: 2, TotalSize: 20}, []byte("0123456789"))
	require.NoError(t, err)
	_, err = h.life.Share(ctx, "u1", res.FileID, nil)
	assert.ErrorIs(t, err, ErrIncompleteUpload)

	_, err = h.life.SoftDeleteFile(ctx, "u1", f.ID)
	require.NoError(t, err)
	_, err = h.life.Share(ctx, "u1", f.ID, nil)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestTrashedFileShareDoesNotResolve(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	f := h.upload(t, "u1", "a", testutil.RandomBytes(10, 5), 10)

	info, err := h.life.Share(ctx, "u1", f.ID, nil)
	require.NoError(t, err)
	_, err = h.life.SoftDeleteFile(ctx, "u1", f.ID)
	require.NoError(t, err)

	_, err = h.life.ResolveShare(ctx, info.Token)
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = h.life.RestoreFile(ctx, "u1", f.ID)
	require.NoError(t, err)
	_, err = h.life.ResolveShare(ctx, info.Token)
	assert.NoError(t, err)

	_, err = h.life.ResolveShare(ctx, "unknown")
	assert.ErrorIs(t, err, ErrNotFound)
}
