package blob

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeS3 answers just enough of the S3 REST API for the adapter.
type fakeS3 struct {
	mu       sync.Mutex
	requests []string
}

func (f *fakeS3) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	f.requests = append(f.requests, r.Method+" "+r.URL.Path)
	f.mu.Unlock()

	switch r.Method {
	case http.MethodPut:
		w.Header().Set("ETag", `"etag"`)
		w.WriteHeader(http.StatusOK)
	case http.MethodGet:
		w.Header().Set("Content-Type", "application/xml")
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`<?xml version="1.0" encoding="UTF-8"?>
<Error><Code>NoSuchKey</Code><Message>The specified key does not exist.</Message></Error>`))
	case http.MethodDelete:
		w.WriteHeader(http.StatusNoContent)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (f *fakeS3) seen() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.requests...)
}

func newTestS3(t *testing.T) (*S3, *fakeS3) {
	t.Helper()
	fake := &fakeS3{}
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)

	b, err := NewS3(context.Background(), S3Config{
		Endpoint:  srv.URL,
		Region:    "us-east-1",
		Bucket:    "chunks",
		AccessKey: "test",
		SecretKey: "test",
		PathStyle: true,
	})
	require.NoError(t, err)
	return b, fake
}

func TestS3RequiresBucket(t *testing.T) {
	_, err := NewS3(context.Background(), S3Config{})
	assert.Error(t, err)
}

func TestS3Upload(t *testing.T) {
	b, fake := newTestS3(t)

	h, err := b.Upload(context.Background(), "movie.mp4.part0", []byte("payload"))
	require.NoError(t, err)
	assert.Equal(t, h.ID, h.Ref)
	assert.True(t, strings.HasSuffix(h.ID, "/movie.mp4.part0"))

	reqs := fake.seen()
	require.Len(t, reqs, 1)
	assert.Equal(t, "PUT /chunks/"+h.ID, reqs[0])
}

func TestS3UploadRejectsEmpty(t *testing.T) {
	b, fake := newTestS3(t)

	_, err := b.Upload(context.Background(), "x", nil)
	assert.ErrorIs(t, err, ErrEmptyBlob)
	assert.Empty(t, fake.seen())
}

func TestS3FetchMissing(t *testing.T) {
	b, _ := newTestS3(t)

	_, err := b.Fetch(context.Background(), "nope/x.part0")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestS3Delete(t *testing.T) {
	b, fake := newTestS3(t)

	require.NoError(t, b.Delete(context.Background(), "abc/x.part0"))
	assert.Equal(t, []string{"DELETE /chunks/abc/x.part0"}, fake.seen())
}

func TestS3DeleteFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/xml")
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(`<Error><Code>AccessDenied</Code><Message>denied</Message></Error>`))
	}))
	defer srv.Close()

	b, err := NewS3(context.Background(), S3Config{
		Endpoint: srv.URL, Region: "us-east-1", Bucket: "chunks",
		AccessKey: "test", SecretKey: "test", PathStyle: true,
	})
	require.NoError(t, err)

	var be *BackendError
	require.True(t, errors.As(b.Delete(context.Background(), "abc/x.part0"), &be))
	assert.Equal(t, "delete", be.Op)
}
