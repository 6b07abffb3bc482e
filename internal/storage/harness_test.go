package storage

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"github.com/telefile/telefile/internal/dispatch"
	"github.com/telefile/telefile/internal/events"
	"github.com/telefile/telefile/internal/metadata"
	"github.com/telefile/telefile/testutil"
)

type harness struct {
	backend *testutil.FlakyBackend
	store   *metadata.Badger
	queue   *dispatch.Queue
	acct    *Accountant
	asm     *Assembler
	rec     *Reconstructor
	life    *Lifecycle
	events  *events.Broadcaster
	now     time.Time
}

type harnessOption func(*harnessConfig)

type harnessConfig struct {
	limit        int64
	maxChunkSize int64
	cacheChunks  int
}

func withLimit(n int64) harnessOption        { return func(c *harnessConfig) { c.limit = n } }
func withMaxChunkSize(n int64) harnessOption { return func(c *harnessConfig) { c.maxChunkSize = n } }
func withCache(n int) harnessOption          { return func(c *harnessConfig) { c.cacheChunks = n } }

func newHarness(t *testing.T, opts ...harnessOption) *harness {
	t.Helper()
	cfg := harnessConfig{limit: 1 << 30}
	for _, o := range opts {
		o(&cfg)
	}

	h := &harness{
		backend: testutil.NewFlakyBackend(),
		store:   testutil.NewStore(t),
		queue:   testutil.NewQueue(t),
		events:  events.NewBroadcaster(),
		now:     time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	h.acct = NewAccountant(h.store, cfg.limit)
	h.asm = NewAssembler(AssemblerConfig{
		Backend:      h.backend,
		Queue:        h.queue,
		Store:        h.store,
		Accountant:   h.acct,
		Events:       h.events,
		Logger:       zerolog.Nop(),
		MaxChunkSize: cfg.maxChunkSize,
	})

	rec, err := NewReconstructor(ReconstructorConfig{
		Backend:     h.backend,
		Queue:       h.queue,
		CacheChunks: cfg.cacheChunks,
		Logger:      zerolog.Nop(),
	})
	require.NoError(t, err)
	h.rec = rec

	h.life = NewLifecycle(LifecycleConfig{
		Backend:    h.backend,
		Queue:      h.queue,
		Store:      h.store,
		Accountant: h.acct,
		Events:     h.events,
		Logger:     zerolog.Nop(),
		Now:        func() time.Time { return h.now },
	})
	return h
}

// upload stores data as a complete file split into chunkSize pieces, in order.
func (h *harness) upload(t *testing.T, owner, name string, data []byte, chunkSize int) *metadata.File {
	t.Helper()
	total := (len(data) + chunkSize - 1) / chunkSize
	if total == 0 {
		total = 1
	}

	var fileID string
	for i := 0; i < total; i++ {
		end := min((i+1)*chunkSize, len(data))
		res, err := h.asm.StoreChunk(context.Background(), owner, ChunkRequest{
			FileName:    name,
			ChunkIndex:  i,
			TotalChunks: total,
			TotalSize:   int64(len(data)),
			FileID:      fileID,
		}, data[i*chunkSize:end])
		require.NoError(t, err)
		fileID = res.FileID
	}

	f, err := h.store.GetFile(context.Background(), fileID)
	require.NoError(t, err)
	require.True(t, f.UploadComplete)
	return f
}

func (h *harness) used(t *testing.T, owner string) int64 {
	t.Helper()
	u, err := h.store.GetUser(context.Background(), owner)
	require.NoError(t, err)
	return u.StorageUsed
}
