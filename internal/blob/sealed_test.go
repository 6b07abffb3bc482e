package blob

import (
	"bytes"
	"context"
	"io"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSealed(t *testing.T) (*Sealed, *Memory) {
	t.Helper()
	inner := NewMemory()
	s, err := NewSealed(inner, []byte("0123456789abcdef0123456789abcdef"))
	require.NoError(t, err)
	return s, inner
}

func TestSealedRoundTrip(t *testing.T) {
	ctx := context.Background()
	s, inner := newTestSealed(t)

	data := bytes.Repeat([]byte("compressible "), 4096)
	h, err := s.Upload(ctx, "doc.part0", data)
	require.NoError(t, err)

	// The inner backend holds ciphertext, smaller than the plaintext after zstd
	raw, err := ReadAll(ctx, inner, h.ID)
	require.NoError(t, err)
	assert.Less(t, len(raw), len(data))
	assert.False(t, bytes.Contains(raw, []byte("compressible")))

	rc, err := s.Fetch(ctx, h.ID)
	require.NoError(t, err)
	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestSealedIncompressibleChunkFitsLimit(t *testing.T) {
	ctx := context.Background()
	s, inner := newTestSealed(t)

	n := MaxSealedPlaintext(TelegramMaxDownload)
	require.Less(t, n, TelegramMaxDownload)

	data := make([]byte, n)
	_, err := rand.New(rand.NewSource(1)).Read(data)
	require.NoError(t, err)

	h, err := s.Upload(ctx, "noise.part0", data)
	require.NoError(t, err)
	raw, err := ReadAll(ctx, inner, h.ID)
	require.NoError(t, err)
	assert.LessOrEqual(t, int64(len(raw)), TelegramMaxDownload)
	assert.LessOrEqual(t, int64(len(raw)), MaxSealedSize(n))
}

func TestSealedSameDataDifferentCiphertext(t *testing.T) {
	ctx := context.Background()
	s, inner := newTestSealed(t)

	h1, err := s.Upload(ctx, "a", []byte("same bytes"))
	require.NoError(t, err)
	h2, err := s.Upload(ctx, "b", []byte("same bytes"))
	require.NoError(t, err)

	raw1, err := ReadAll(ctx, inner, h1.ID)
	require.NoError(t, err)
	raw2, err := ReadAll(ctx, inner, h2.ID)
	require.NoError(t, err)
	assert.NotEqual(t, raw1, raw2)
}

func TestSealedDetectsTampering(t *testing.T) {
	ctx := context.Background()
	s, inner := newTestSealed(t)

	h, err := s.Upload(ctx, "a", []byte("secret payload"))
	require.NoError(t, err)

	inner.mu.Lock()
	inner.blobs[h.ID][len(inner.blobs[h.ID])-1] ^= 0xff
	inner.mu.Unlock()

	_, err = s.Fetch(ctx, h.ID)
	assert.ErrorIs(t, err, ErrSealCorrupt)
}

func TestSealedWrongKey(t *testing.T) {
	ctx := context.Background()
	s, inner := newTestSealed(t)

	h, err := s.Upload(ctx, "a", []byte("secret payload"))
	require.NoError(t, err)

	other, err := NewSealed(inner, []byte("another-secret-of-enough-length"))
	require.NoError(t, err)

	_, err = other.Fetch(ctx, h.ID)
	assert.ErrorIs(t, err, ErrSealCorrupt)
}

func TestSealedShortSecret(t *testing.T) {
	_, err := NewSealed(NewMemory(), []byte("short"))
	assert.Error(t, err)
}

func TestSealedPassesThroughMarkAndDelete(t *testing.T) {
	ctx := context.Background()
	s, inner := newTestSealed(t)

	h, err := s.Upload(ctx, "a", []byte("x"))
	require.NoError(t, err)

	require.NoError(t, s.MarkDeleted(ctx, h.Ref, "a"))
	name, ok := inner.Marked(h.Ref)
	assert.True(t, ok)
	assert.Equal(t, "a", name)

	require.NoError(t, s.Delete(ctx, h.Ref))
	assert.Equal(t, 0, inner.Len())
}
