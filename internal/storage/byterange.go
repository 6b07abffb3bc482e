package storage

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/telefile/telefile/internal/metadata"
)

// ByteRange is an inclusive byte span within a file.
type ByteRange struct {
	Start int64
	End   int64
}

// Length returns the number of bytes covered.
func (r ByteRange) Length() int64 {
	return r.End - r.Start + 1
}

// ContentRange formats the Content-Range header value for a file of size total.
func (r ByteRange) ContentRange(total int64) string {
	return fmt.Sprintf("bytes %d-%d/%d", r.Start, r.End, total)
}

// UnsatisfiedRange formats the Content-Range header sent with a 416 response.
func UnsatisfiedRange(total int64) string {
	return fmt.Sprintf("bytes */%d", total)
}

// ParseRange parses a Range header against a file of the given size. It
// returns nil when the header is absent, uses a unit other than bytes, or asks
// for several ranges; the caller then serves the whole file. Malformed or
// unsatisfiable single ranges return ErrRangeNotSatisfiable.
func ParseRange(header string, size int64) (*ByteRange, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return nil, nil
	}
	spec, ok := strings.CutPrefix(header, "bytes=")
	if !ok {
		return nil, nil
	}
	if strings.Contains(spec, ",") {
		return nil, nil
	}

	first, last, ok := strings.Cut(strings.TrimSpace(spec), "-")
	if !ok || size <= 0 {
		return nil, ErrRangeNotSatisfiable
	}
	first, last = strings.TrimSpace(first), strings.TrimSpace(last)

	if first == "" {
		// Suffix range: the final n bytes.
		n, err := strconv.ParseInt(last, 10, 64)
		if err != nil || n <= 0 {
			return nil, ErrRangeNotSatisfiable
		}
		if n > size {
			n = size
		}
		return &ByteRange{Start: size - n, End: size - 1}, nil
	}

	start, err := strconv.ParseInt(first, 10, 64)
	if err != nil || start < 0 || start >= size {
		return nil, ErrRangeNotSatisfiable
	}
	end := size - 1
	if last != "" {
		end, err = strconv.ParseInt(last, 10, 64)
		if err != nil || end < start {
			return nil, ErrRangeNotSatisfiable
		}
		if end > size-1 {
			end = size - 1
		}
	}
	return &ByteRange{Start: start, End: end}, nil
}

// chunkSlice is the inclusive part [From, To] of one chunk that a read needs.
type chunkSlice struct {
	Chunk metadata.ChunkRef
	From  int64
	To    int64
}

func (s chunkSlice) whole() bool {
	return s.From == 0 && s.To == s.Chunk.Size-1
}

// planRange selects the chunks intersecting [start, end] and the slice of each
// that falls inside it. chunks must be sorted by part number.
func planRange(chunks []metadata.ChunkRef, start, end int64) []chunkSlice {
	var plan []chunkSlice
	var offset int64
	for _, c := range chunks {
		if offset > end {
			break
		}
		chunkEnd := offset + c.Size - 1
		if chunkEnd >= start && c.Size > 0 {
			plan = append(plan, chunkSlice{
				Chunk: c,
				From:  max(0, start-offset),
				To:    min(c.Size-1, end-offset),
			})
		}
		offset += c.Size
	}
	return plan
}
