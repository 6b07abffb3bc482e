// Package testutil provides shared test utilities and fakes for telefile tests.
package testutil

import (
	"context"
	"errors"
	"io"
	"math/rand"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/telefile/telefile/internal/blob"
	"github.com/telefile/telefile/internal/dispatch"
	"github.com/telefile/telefile/internal/metadata"
)

// TempFile creates a file with the given content and returns its path.
func TempFile(t *testing.T, dir, name string, content []byte) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, content, 0644); err != nil {
		t.Fatalf("failed to write temp file: %v", err)
	}
	return path
}

// RandomBytes returns n pseudo-random bytes. The same seed gives the same data.
func RandomBytes(n int, seed int64) []byte {
	b := make([]byte, n)
	r := rand.New(rand.NewSource(seed))
	_, _ = r.Read(b)
	return b
}

// FreePort returns an available TCP port on localhost.
func FreePort(t *testing.T) int {
	t.Helper()

	addr, err := net.ResolveTCPAddr("tcp", "localhost:0")
	if err != nil {
		t.Fatalf("failed to resolve address: %v", err)
	}

	l, err := net.ListenTCP("tcp", addr)
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}
	defer func() { _ = l.Close() }()

	return l.Addr().(*net.TCPAddr).Port
}

// NoSleep is a dispatch.SleepFunc that returns immediately.
func NoSleep(context.Context, time.Duration) {}

// NewQueue returns a dispatch queue with production retry rules but no real
// waiting. It is drained when the test ends.
func NewQueue(t *testing.T) *dispatch.Queue {
	t.Helper()
	cfg := dispatch.DefaultConfig()
	cfg.Sleep = NoSleep
	cfg.Logger = zerolog.Nop()
	q := dispatch.New(cfg)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = q.Close(ctx)
	})
	return q
}

// NewStore returns an in-memory Badger metadata store closed when the test ends.
func NewStore(t *testing.T) *metadata.Badger {
	t.Helper()
	s, err := metadata.OpenBadger(metadata.BadgerConfig{InMemory: true, Logger: zerolog.Nop()})
	if err != nil {
		t.Fatalf("failed to open metadata store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// ErrInjected is returned by FlakyBackend for scripted failures.
var ErrInjected = errors.New("injected backend failure")

// FlakyBackend wraps a Memory backend and fails calls on demand. It also
// records which blobs were fetched and deleted.
type FlakyBackend struct {
	*blob.Memory

	mu            sync.Mutex
	uploadFails   int              // remaining uploads to fail
	fetchFails    map[string]int   // id -> remaining fetches to fail
	deleteErrs    map[string]error // ref -> error returned by Delete
	markErr       error
	fetched       []string
	deleted       []string
	uploadBlocker chan struct{}
	deleteBlocker chan struct{}
	deleteStarted chan struct{}
}

// NewFlakyBackend creates a FlakyBackend over an empty memory backend.
func NewFlakyBackend() *FlakyBackend {
	return &FlakyBackend{
		Memory:     blob.NewMemory(),
		fetchFails: make(map[string]int),
		deleteErrs: make(map[string]error),
	}
}

// FailUploads makes the next n uploads fail with a retryable error.
func (b *FlakyBackend) FailUploads(n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.uploadFails = n
}

// FailFetch makes the next n fetches of id fail with a retryable error.
func (b *FlakyBackend) FailFetch(id string, n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.fetchFails[id] = n
}

// FailDelete makes every delete of ref return err.
func (b *FlakyBackend) FailDelete(ref string, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.deleteErrs[ref] = err
}

// FailMark makes MarkDeleted return err.
func (b *FlakyBackend) FailMark(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.markErr = err
}

// BlockUploads makes uploads wait until the returned function is called.
func (b *FlakyBackend) BlockUploads() (release func()) {
	ch := make(chan struct{})
	b.mu.Lock()
	b.uploadBlocker = ch
	b.mu.Unlock()
	var once sync.Once
	return func() { once.Do(func() { close(ch) }) }
}

// BlockDeletes makes deletes wait until the returned function is called. The
// started channel receives once per delete that begins waiting.
func (b *FlakyBackend) BlockDeletes() (started <-chan struct{}, release func()) {
	ch := make(chan struct{})
	st := make(chan struct{}, 64)
	b.mu.Lock()
	b.deleteBlocker = ch
	b.deleteStarted = st
	b.mu.Unlock()
	var once sync.Once
	return st, func() { once.Do(func() { close(ch) }) }
}

// Upload fails while injected upload failures remain.
func (b *FlakyBackend) Upload(ctx context.Context, name string, data []byte) (blob.Handle, error) {
	b.mu.Lock()
	blocker := b.uploadBlocker
	fail := b.uploadFails > 0
	if fail {
		b.uploadFails--
	}
	b.mu.Unlock()

	if blocker != nil {
		select {
		case <-blocker:
		case <-ctx.Done():
			return blob.Handle{}, ctx.Err()
		}
	}
	if fail {
		return blob.Handle{}, &blob.BackendError{Op: "upload", Err: ErrInjected}
	}
	return b.Memory.Upload(ctx, name, data)
}

// Fetch records the id and fails while injected fetch failures remain.
func (b *FlakyBackend) Fetch(ctx context.Context, id string) (io.ReadCloser, error) {
	b.mu.Lock()
	b.fetched = append(b.fetched, id)
	fail := b.fetchFails[id] > 0
	if fail {
		b.fetchFails[id]--
	}
	b.mu.Unlock()

	if fail {
		return nil, &blob.BackendError{Op: "fetch", Err: ErrInjected}
	}
	return b.Memory.Fetch(ctx, id)
}

// Delete records the ref and returns the scripted error, if any.
func (b *FlakyBackend) Delete(ctx context.Context, ref string) error {
	b.mu.Lock()
	b.deleted = append(b.deleted, ref)
	err := b.deleteErrs[ref]
	blocker, started := b.deleteBlocker, b.deleteStarted
	b.mu.Unlock()

	if blocker != nil {
		select {
		case started <- struct{}{}:
		default:
		}
		select {
		case <-blocker:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if err != nil {
		return err
	}
	return b.Memory.Delete(ctx, ref)
}

// MarkDeleted returns the scripted error or records the mark.
func (b *FlakyBackend) MarkDeleted(ctx context.Context, ref, name string) error {
	b.mu.Lock()
	err := b.markErr
	b.mu.Unlock()
	if err != nil {
		return err
	}
	return b.Memory.MarkDeleted(ctx, ref, name)
}

// Fetched returns the ids passed to Fetch, in order.
func (b *FlakyBackend) Fetched() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.fetched...)
}

// Deleted returns the refs passed to Delete, in order.
func (b *FlakyBackend) Deleted() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.deleted...)
}
