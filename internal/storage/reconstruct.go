package storage

import (
	"context"
	"errors"
	"fmt"
	"io"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"
	"github.com/telefile/telefile/internal/blob"
	"github.com/telefile/telefile/internal/dispatch"
	"github.com/telefile/telefile/internal/metadata"
)

// ReconstructorConfig contains configuration for the reconstructor.
type ReconstructorConfig struct {
	Backend     blob.Backend
	Queue       *dispatch.Queue
	CacheChunks int            // chunks kept in memory across reads (0 = no cache)
	Metrics     *Metrics       // optional
	Logger      zerolog.Logger // Structured logger (optional)
}

// Reconstructor turns a finalized file's chunk list back into a byte stream,
// fetching only the chunks that intersect the requested range.
type Reconstructor struct {
	backend blob.Backend
	queue   *dispatch.Queue
	cache   *lru.Cache[string, []byte]
	metrics *Metrics
	logger  zerolog.Logger
}

// NewReconstructor creates a reconstructor.
func NewReconstructor(cfg ReconstructorConfig) (*Reconstructor, error) {
	r := &Reconstructor{
		backend: cfg.Backend,
		queue:   cfg.Queue,
		metrics: cfg.Metrics,
		logger:  cfg.Logger.With().Str("component", "reconstructor").Logger(),
	}
	if cfg.CacheChunks > 0 {
		cache, err := lru.New[string, []byte](cfg.CacheChunks)
		if err != nil {
			return nil, fmt.Errorf("create chunk cache: %w", err)
		}
		r.cache = cache
	}
	return r, nil
}

// Open prepares a stream over rng of file, or over the whole file when rng is
// nil. Nothing is fetched until the stream is read.
func (r *Reconstructor) Open(ctx context.Context, file *metadata.File, rng *ByteRange) (*Stream, error) {
	if !file.UploadComplete {
		return nil, ErrIncompleteUpload
	}

	s := &Stream{
		r:      r,
		ctx:    ctx,
		fileID: file.ID,
		total:  file.Size,
	}
	switch {
	case rng != nil:
		if rng.Start < 0 || rng.End < rng.Start || rng.End >= file.Size {
			return nil, ErrRangeNotSatisfiable
		}
		s.start, s.end, s.partial = rng.Start, rng.End, true
	case file.Size == 0:
		s.start, s.end = 0, -1
		return s, nil
	default:
		s.start, s.end = 0, file.Size-1
	}

	s.plan = planRange(file.Chunks, s.start, s.end)
	return s, nil
}

// fetch returns the whole chunk, from the cache or through the queue.
func (r *Reconstructor) fetch(ctx context.Context, c metadata.ChunkRef) ([]byte, error) {
	if r.cache != nil {
		if data, ok := r.cache.Get(c.BlobID); ok {
			r.metrics.chunkFetched("cache", len(data))
			return data, nil
		}
	}

	// The body is read inside the task so the queue slot covers the transfer.
	data, err := dispatch.Do(ctx, r.queue, "fetch", func(ctx context.Context) ([]byte, error) {
		return blob.ReadAll(ctx, r.backend, c.BlobID)
	})
	if err != nil {
		return nil, fmt.Errorf("fetch chunk %d: %w", c.PartNumber, err)
	}
	if int64(len(data)) != c.Size {
		return nil, fmt.Errorf("chunk %d: got %d bytes, want %d: %w", c.PartNumber, len(data), c.Size, ErrChunkSizeMismatch)
	}

	if r.cache != nil {
		r.cache.Add(c.BlobID, data)
	}
	r.metrics.chunkFetched("backend", len(data))
	return data, nil
}

// Stream is a pull-based ByteSource over a planned range. It holds at most one
// chunk at a time and cannot be restarted.
type Stream struct {
	r       *Reconstructor
	ctx     context.Context
	fileID  string
	plan    []chunkSlice
	next    int
	start   int64
	end     int64
	total   int64
	partial bool
	pending []byte
}

var _ ByteSource = (*Stream)(nil)

// Start returns the first byte offset served.
func (s *Stream) Start() int64 { return s.start }

// End returns the last byte offset served (inclusive).
func (s *Stream) End() int64 { return s.end }

// Length returns the number of bytes the stream yields.
func (s *Stream) Length() int64 { return s.end - s.start + 1 }

// Total returns the size of the whole file.
func (s *Stream) Total() int64 { return s.total }

// Partial reports whether the stream serves a requested range.
func (s *Stream) Partial() bool { return s.partial }

// Range returns the served span.
func (s *Stream) Range() ByteRange { return ByteRange{Start: s.start, End: s.end} }

// Next fetches the next planned chunk and returns the slice of it that falls in
// range. It returns io.EOF once the plan is exhausted.
func (s *Stream) Next(ctx context.Context) ([]byte, error) {
	if s.pending != nil {
		buf := s.pending
		s.pending = nil
		return buf, nil
	}
	if s.next >= len(s.plan) {
		return nil, io.EOF
	}
	part := s.plan[s.next]
	s.next++

	data, err := s.r.fetch(ctx, part.Chunk)
	if err != nil {
		// The stream cannot skip a chunk; stop here.
		s.next = len(s.plan)
		return nil, err
	}
	if part.whole() {
		return data, nil
	}
	return data[part.From : part.To+1], nil
}

// Prime fetches the first slice ahead of reading, so a failing backend can be
// reported before any response headers go out. Next returns the primed slice
// first. Priming an empty or already started stream does nothing.
func (s *Stream) Prime(ctx context.Context) error {
	if s.pending != nil || s.next > 0 || len(s.plan) == 0 {
		return nil
	}
	buf, err := s.Next(ctx)
	if err != nil {
		return err
	}
	s.pending = buf
	return nil
}

// WriteTo copies the stream to w in order using the context given to Open.
// Once output has begun a failed fetch yields a *PartialStreamError.
func (s *Stream) WriteTo(w io.Writer) (int64, error) {
	n, err := Copy(s.ctx, w, s)
	if err != nil {
		var pe *PartialStreamError
		if errors.As(err, &pe) {
			s.r.metrics.streamFailed()
			s.r.logger.Warn().
				Err(pe.Err).
				Str("file_id", s.fileID).
				Int64("written", pe.Written).
				Int64("length", s.Length()).
				Msg("stream aborted mid-response")
		}
		return n, err
	}
	return n, nil
}

// Reader adapts the stream to io.ReadCloser.
func (s *Stream) Reader() io.ReadCloser {
	return NewReader(s.ctx, s)
}
