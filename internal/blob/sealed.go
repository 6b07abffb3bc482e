package blob

import (
	"bytes"
	"context"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/klauspost/compress/zstd"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// sealVersion prefixes every sealed blob so the format can evolve.
const sealVersion byte = 1

// ErrSealCorrupt is returned when a sealed blob fails authentication or decoding.
var ErrSealCorrupt = errors.New("sealed blob corrupt")

// Sealed wraps a Backend so every blob is compressed and encrypted before it
// leaves the process.
// Storage format: version byte | 24-byte nonce | XChaCha20-Poly1305(zstd(plaintext)).
//
// Nonces are random per blob, so identical chunks produce different ciphertexts.
// The remote side never sees plaintext, names are passed through unchanged.
type Sealed struct {
	inner Backend
	aead  cipher.AEAD

	// Compression encoder/decoder pools for reuse
	encoderPool sync.Pool
	decoderPool sync.Pool
}

// MaxSealedSize bounds the stored size of a sealed blob of n plaintext bytes:
// the zstd worst case for incompressible input plus the version byte, nonce
// and authentication tag.
func MaxSealedSize(n int64) int64 {
	return n + n>>8 + 64 + 1 + chacha20poly1305.NonceSizeX + chacha20poly1305.Overhead
}

// MaxSealedPlaintext is the largest plaintext whose sealed form fits in limit.
func MaxSealedPlaintext(limit int64) int64 {
	n := (limit - MaxSealedSize(0)) * 256 / 257
	for n > 0 && MaxSealedSize(n) > limit {
		n--
	}
	for MaxSealedSize(n+1) <= limit {
		n++
	}
	return max(n, 0)
}

// NewSealed derives the blob key from secret with HKDF-SHA256 and wraps inner.
func NewSealed(inner Backend, secret []byte) (*Sealed, error) {
	if len(secret) < 16 {
		return nil, fmt.Errorf("seal secret must be at least 16 bytes")
	}

	var key [chacha20poly1305.KeySize]byte
	hkdfReader := hkdf.New(sha256.New, secret, nil, []byte("telefile-blob-seal"))
	if _, err := io.ReadFull(hkdfReader, key[:]); err != nil {
		return nil, fmt.Errorf("derive seal key: %w", err)
	}

	aead, err := chacha20poly1305.NewX(key[:])
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}

	s := &Sealed{inner: inner, aead: aead}
	s.encoderPool = sync.Pool{
		New: func() interface{} {
			enc, _ := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
			return enc
		},
	}
	s.decoderPool = sync.Pool{
		New: func() interface{} {
			dec, _ := zstd.NewReader(nil)
			return dec
		},
	}
	return s, nil
}

// Upload seals data and stores it on the inner backend.
func (s *Sealed) Upload(ctx context.Context, name string, data []byte) (Handle, error) {
	if len(data) == 0 {
		return Handle{}, ErrEmptyBlob
	}
	sealed, err := s.seal(data)
	if err != nil {
		return Handle{}, err
	}
	return s.inner.Upload(ctx, name, sealed)
}

// Fetch reads the whole sealed blob, authenticates it and returns the plaintext.
func (s *Sealed) Fetch(ctx context.Context, id string) (io.ReadCloser, error) {
	raw, err := ReadAll(ctx, s.inner, id)
	if err != nil {
		return nil, err
	}
	plain, err := s.open(raw)
	if err != nil {
		return nil, err
	}
	return io.NopCloser(bytes.NewReader(plain)), nil
}

// Delete passes through to the inner backend.
func (s *Sealed) Delete(ctx context.Context, ref string) error {
	return s.inner.Delete(ctx, ref)
}

// MarkDeleted passes through when the inner backend supports marking.
func (s *Sealed) MarkDeleted(ctx context.Context, ref, name string) error {
	m, ok := s.inner.(Marker)
	if !ok {
		return fmt.Errorf("backend cannot mark blobs")
	}
	return m.MarkDeleted(ctx, ref, name)
}

// Capacity passes through when the inner backend reports capacity.
func (s *Sealed) Capacity() (VolumeStats, error) {
	c, ok := s.inner.(CapacityReporter)
	if !ok {
		return VolumeStats{}, fmt.Errorf("backend does not report capacity")
	}
	return c.Capacity()
}

// Unwrap returns the inner backend.
func (s *Sealed) Unwrap() Backend {
	return s.inner
}

func (s *Sealed) seal(plaintext []byte) ([]byte, error) {
	enc := s.encoderPool.Get().(*zstd.Encoder)
	compressed := enc.EncodeAll(plaintext, nil)
	s.encoderPool.Put(enc)

	nonceSize := s.aead.NonceSize()
	out := make([]byte, 1+nonceSize, 1+nonceSize+len(compressed)+chacha20poly1305.Overhead)
	out[0] = sealVersion
	if _, err := rand.Read(out[1 : 1+nonceSize]); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}

	return s.aead.Seal(out, out[1:1+nonceSize], compressed, []byte{sealVersion}), nil
}

func (s *Sealed) open(sealed []byte) ([]byte, error) {
	nonceSize := s.aead.NonceSize()
	if len(sealed) < 1+nonceSize+chacha20poly1305.Overhead {
		return nil, fmt.Errorf("%w: too short", ErrSealCorrupt)
	}
	if sealed[0] != sealVersion {
		return nil, fmt.Errorf("%w: unknown version %d", ErrSealCorrupt, sealed[0])
	}

	compressed, err := s.aead.Open(nil, sealed[1:1+nonceSize], sealed[1+nonceSize:], []byte{sealVersion})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSealCorrupt, err)
	}

	dec := s.decoderPool.Get().(*zstd.Decoder)
	defer s.decoderPool.Put(dec)

	plain, err := dec.DecodeAll(compressed, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: decompress: %v", ErrSealCorrupt, err)
	}
	return plain, nil
}
