package storage

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/telefile/telefile/internal/metadata"
)

func TestParseRange(t *testing.T) {
	const size = 1000
	cases := []struct {
		header string
		want   *ByteRange
		err    error
	}{
		{"", nil, nil},
		{"bytes=0-99", &ByteRange{0, 99}, nil},
		{"bytes=900-", &ByteRange{900, 999}, nil},
		{"bytes=-100", &ByteRange{900, 999}, nil},
		{"bytes=-5000", &ByteRange{0, 999}, nil},
		{"bytes=500-5000", &ByteRange{500, 999}, nil},
		{"bytes=999-999", &ByteRange{999, 999}, nil},
		{" bytes=1-2 ", &ByteRange{1, 2}, nil},
		{"bytes=0-1,5-6", nil, nil},
		{"items=0-5", nil, nil},
		{"bytes=1000-", nil, ErrRangeNotSatisfiable},
		{"bytes=5-1", nil, ErrRangeNotSatisfiable},
		{"bytes=-0", nil, ErrRangeNotSatisfiable},
		{"bytes=abc", nil, ErrRangeNotSatisfiable},
		{"bytes=a-b", nil, ErrRangeNotSatisfiable},
		{"bytes=-", nil, ErrRangeNotSatisfiable},
	}
	for _, tc := range cases {
		t.Run(tc.header, func(t *testing.T) {
			got, err := ParseRange(tc.header, size)
			if tc.err != nil {
				assert.ErrorIs(t, err, tc.err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestParseRangeEmptyFile(t *testing.T) {
	_, err := ParseRange("bytes=0-", 0)
	assert.ErrorIs(t, err, ErrRangeNotSatisfiable)
}

func TestByteRangeHeaders(t *testing.T) {
	r := ByteRange{Start: 10, End: 19}
	assert.Equal(t, int64(10), r.Length())
	assert.Equal(t, "bytes 10-19/100", r.ContentRange(100))
	assert.Equal(t, "bytes */100", UnsatisfiedRange(100))
}

func TestPlanRange(t *testing.T) {
	chunks := []metadata.ChunkRef{
		{PartNumber: 0, Size: 10},
		{PartNumber: 1, Size: 10},
		{PartNumber: 2, Size: 5},
	}

	whole := planRange(chunks, 0, 24)
	require.Len(t, whole, 3)
	for _, s := range whole {
		assert.True(t, s.whole())
	}

	mid := planRange(chunks, 12, 17)
	require.Len(t, mid, 1)
	assert.Equal(t, 1, mid[0].Chunk.PartNumber)
	assert.Equal(t, int64(2), mid[0].From)
	assert.Equal(t, int64(7), mid[0].To)

	span := planRange(chunks, 8, 21)
	require.Len(t, span, 3)
	assert.Equal(t, [2]int64{8, 9}, [2]int64{span[0].From, span[0].To})
	assert.Equal(t, [2]int64{0, 9}, [2]int64{span[1].From, span[1].To})
	assert.Equal(t, [2]int64{0, 1}, [2]int64{span[2].From, span[2].To})

	boundary := planRange(chunks, 10, 10)
	require.Len(t, boundary, 1)
	assert.Equal(t, 1, boundary[0].Chunk.PartNumber)
}
