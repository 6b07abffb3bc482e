package blob

import (
	"bytes"
	"context"
	"io"
	"strconv"
	"sync"
	"sync/atomic"
)

// Memory is an in-process backend. It backs the "memory" backend type used for
// local development and serves as the base of test doubles.
type Memory struct {
	mu      sync.RWMutex
	blobs   map[string][]byte // id -> data
	refs    map[string]string // ref -> id
	marks   map[string]string // ref -> name
	nextRef atomic.Int64

	uploads atomic.Int64
	fetches atomic.Int64
	deletes atomic.Int64
}

// NewMemory creates an empty memory backend.
func NewMemory() *Memory {
	return &Memory{
		blobs: make(map[string][]byte),
		refs:  make(map[string]string),
		marks: make(map[string]string),
	}
}

// Upload stores a copy of data. IDs and refs are distinct, like Telegram's
// file_id and message_id.
func (m *Memory) Upload(_ context.Context, _ string, data []byte) (Handle, error) {
	m.uploads.Add(1)
	if len(data) == 0 {
		return Handle{}, ErrEmptyBlob
	}

	n := m.nextRef.Add(1)
	h := Handle{ID: "blob-" + strconv.FormatInt(n, 10), Ref: strconv.FormatInt(n, 10)}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.blobs[h.ID] = bytes.Clone(data)
	m.refs[h.Ref] = h.ID
	return h, nil
}

// Fetch returns the stored bytes.
func (m *Memory) Fetch(_ context.Context, id string) (io.ReadCloser, error) {
	m.fetches.Add(1)
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.blobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

// Delete removes the blob behind ref.
func (m *Memory) Delete(_ context.Context, ref string) error {
	m.deletes.Add(1)
	m.mu.Lock()
	defer m.mu.Unlock()
	if id, ok := m.refs[ref]; ok {
		delete(m.blobs, id)
		delete(m.refs, ref)
	}
	return nil
}

// MarkDeleted records the annotation.
func (m *Memory) MarkDeleted(_ context.Context, ref, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.marks[ref] = name
	return nil
}

// Len returns the number of stored blobs.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.blobs)
}

// Marked returns the name recorded by MarkDeleted for ref.
func (m *Memory) Marked(ref string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	name, ok := m.marks[ref]
	return name, ok
}

// Calls returns the number of upload, fetch and delete calls seen so far.
func (m *Memory) Calls() (uploads, fetches, deletes int64) {
	return m.uploads.Load(), m.fetches.Load(), m.deletes.Load()
}
