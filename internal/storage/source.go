package storage

import (
	"context"
	"errors"
	"io"
)

// ByteSource yields a finite sequence of buffers. Next returns io.EOF after the
// last buffer. Sources are not restartable.
type ByteSource interface {
	Next(ctx context.Context) ([]byte, error)
}

// Copy writes every buffer from src to w in order. If src fails after some
// bytes were written the error is a *PartialStreamError.
func Copy(ctx context.Context, w io.Writer, src ByteSource) (int64, error) {
	var written int64
	for {
		buf, err := src.Next(ctx)
		if errors.Is(err, io.EOF) {
			return written, nil
		}
		if err != nil {
			if written > 0 {
				return written, &PartialStreamError{Written: written, Err: err}
			}
			return 0, err
		}
		n, err := w.Write(buf)
		written += int64(n)
		if err != nil {
			return written, err
		}
	}
}

// sourceReader adapts a ByteSource to io.ReadCloser.
type sourceReader struct {
	ctx    context.Context
	src    ByteSource
	buf    []byte
	err    error
	closed bool
}

// NewReader returns an io.ReadCloser that pulls from src using ctx.
func NewReader(ctx context.Context, src ByteSource) io.ReadCloser {
	return &sourceReader{ctx: ctx, src: src}
}

func (r *sourceReader) Read(p []byte) (int, error) {
	if r.closed {
		return 0, io.ErrClosedPipe
	}
	for len(r.buf) == 0 {
		if r.err != nil {
			return 0, r.err
		}
		r.buf, r.err = r.src.Next(r.ctx)
	}
	n := copy(p, r.buf)
	r.buf = r.buf[n:]
	return n, nil
}

func (r *sourceReader) Close() error {
	r.closed = true
	r.buf = nil
	if c, ok := r.src.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// bytesSource serves fixed buffers, for callers that already hold the data.
type bytesSource struct {
	bufs [][]byte
}

// FromBytes returns a ByteSource over the given buffers.
func FromBytes(bufs ...[]byte) ByteSource {
	return &bytesSource{bufs: bufs}
}

func (s *bytesSource) Next(context.Context) ([]byte, error) {
	if len(s.bufs) == 0 {
		return nil, io.EOF
	}
	b := s.bufs[0]
	s.bufs = s.bufs[1:]
	return b, nil
}
