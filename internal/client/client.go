// Package client talks to a telefile server. It splits local files into
// chunks for upload and streams downloads back.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/telefile/telefile/pkg/proto"
)

// DefaultChunkSize matches the server's default chunk limit.
const DefaultChunkSize int64 = 20 << 20

// ErrEmptyFile is returned when asked to upload zero bytes.
var ErrEmptyFile = errors.New("cannot upload an empty file")

// APIError is a non-success answer from the server.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%d %s: %s", e.StatusCode, http.StatusText(e.StatusCode), e.Message)
}

// StatusCode returns the HTTP status carried by err, or 0 if err is not an
// *APIError.
func StatusCode(err error) int {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode
	}
	return 0
}

// Client is a client for the telefile HTTP API.
type Client struct {
	baseURL      string
	token        string
	client       *http.Client
	chunkSize    int64
	retries      int
	retryBackoff time.Duration
	logger       zerolog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) Option { return func(c *Client) { c.client = hc } }

// WithChunkSize sets the upload chunk size.
func WithChunkSize(n int64) Option { return func(c *Client) { c.chunkSize = n } }

// WithRetry sets how often a failed chunk upload is retried and the wait
// before the first retry. The wait doubles on each attempt.
func WithRetry(retries int, backoff time.Duration) Option {
	return func(c *Client) {
		c.retries = retries
		c.retryBackoff = backoff
	}
}

// WithLogger sets the logger used for retry notices.
func WithLogger(l zerolog.Logger) Option { return func(c *Client) { c.logger = l } }

// New creates a client for the server at baseURL authenticating with token.
func New(baseURL, token string, opts ...Option) *Client {
	c := &Client{
		baseURL:      strings.TrimSuffix(baseURL, "/"),
		token:        token,
		client:       &http.Client{Timeout: 10 * time.Minute},
		chunkSize:    DefaultChunkSize,
		retries:      2,
		retryBackoff: 2 * time.Second,
		logger:       zerolog.Nop(),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// UploadOptions controls an upload.
type UploadOptions struct {
	FolderID string
	MimeType string
	// Progress is called after every accepted chunk.
	Progress func(proto.UploadResponse)
}

// UploadFile uploads the file at path and returns the final progress, whose
// FileID identifies the new file.
func (c *Client) UploadFile(ctx context.Context, path string, opts UploadOptions) (*proto.UploadResponse, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}
	return c.Upload(ctx, filepath.Base(path), f, info.Size(), opts)
}

// Upload reads size bytes from r and uploads them in order as chunks of the
// configured size.
func (c *Client) Upload(ctx context.Context, name string, r io.Reader, size int64, opts UploadOptions) (*proto.UploadResponse, error) {
	if size <= 0 {
		return nil, ErrEmptyFile
	}
	total := int((size + c.chunkSize - 1) / c.chunkSize)
	buf := make([]byte, c.chunkSize)

	var last *proto.UploadResponse
	for i := 0; i < total; i++ {
		n, err := io.ReadFull(r, buf[:min(c.chunkSize, size-int64(i)*c.chunkSize)])
		if err != nil {
			return last, fmt.Errorf("read chunk %d: %w", i, err)
		}

		chunk := Chunk{
			FileName:    name,
			ChunkIndex:  i,
			TotalChunks: total,
			TotalSize:   size,
			MimeType:    opts.MimeType,
			FolderID:    opts.FolderID,
		}
		if last != nil {
			chunk.FileID = last.FileID
		}
		resp, err := c.uploadWithRetry(ctx, chunk, buf[:n])
		if err != nil {
			return last, err
		}
		last = resp
		if opts.Progress != nil {
			opts.Progress(*resp)
		}
	}
	return last, nil
}

// Chunk is the metadata of one chunk upload.
type Chunk struct {
	FileName    string
	ChunkIndex  int
	TotalChunks int
	TotalSize   int64
	MimeType    string
	FileID      string
	FolderID    string
}

func (c *Client) uploadWithRetry(ctx context.Context, chunk Chunk, data []byte) (*proto.UploadResponse, error) {
	backoff := c.retryBackoff
	for attempt := 0; ; attempt++ {
		resp, err := c.UploadChunk(ctx, chunk, data)
		if err == nil || attempt >= c.retries || !retryable(err) {
			return resp, err
		}
		c.logger.Warn().Err(err).Int("chunk", chunk.ChunkIndex).Int("attempt", attempt+1).Dur("backoff", backoff).Msg("chunk upload failed, retrying")
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
}

// retryable reports whether resubmitting the same chunk may succeed. The
// server deduplicates resubmitted parts.
func retryable(err error) bool {
	code := StatusCode(err)
	if code == 0 {
		return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
	}
	return code >= http.StatusInternalServerError
}

// UploadChunk sends a single chunk.
func (c *Client) UploadChunk(ctx context.Context, chunk Chunk, data []byte) (*proto.UploadResponse, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fields := [][2]string{
		{proto.FieldFileName, chunk.FileName},
		{proto.FieldChunkIndex, strconv.Itoa(chunk.ChunkIndex)},
		{proto.FieldTotalChunks, strconv.Itoa(chunk.TotalChunks)},
		{proto.FieldTotalSize, strconv.FormatInt(chunk.TotalSize, 10)},
		{proto.FieldChunkSize, strconv.Itoa(len(data))},
		{proto.FieldMimeType, chunk.MimeType},
		{proto.FieldFileID, chunk.FileID},
		{proto.FieldFolderID, chunk.FolderID},
	}
	for _, f := range fields {
		if f[1] == "" {
			continue
		}
		if err := mw.WriteField(f[0], f[1]); err != nil {
			return nil, fmt.Errorf("write field %s: %w", f[0], err)
		}
	}
	part, err := mw.CreateFormFile(proto.FieldFile, fmt.Sprintf("%s.part%d", chunk.FileName, chunk.ChunkIndex))
	if err != nil {
		return nil, fmt.Errorf("create file part: %w", err)
	}
	if _, err := part.Write(data); err != nil {
		return nil, fmt.Errorf("write file part: %w", err)
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("close multipart body: %w", err)
	}

	var result proto.UploadResponse
	if err := c.doJSON(ctx, http.MethodPost, "/api/files/upload", mw.FormDataContentType(), &body, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Download writes file id to w. A non-empty byteRange such as "0-1023" or
// "-500" requests part of the file. It returns the number of bytes written.
func (c *Client) Download(ctx context.Context, id string, w io.Writer, byteRange string) (int64, error) {
	return c.download(ctx, "/api/files/"+url.PathEscape(id)+"/download", w, byteRange)
}

// DownloadShared downloads a file through its public share token.
func (c *Client) DownloadShared(ctx context.Context, token string, w io.Writer, byteRange string) (int64, error) {
	return c.download(ctx, "/api/share/download/"+url.PathEscape(token), w, byteRange)
}

func (c *Client) download(ctx context.Context, path string, w io.Writer, byteRange string) (int64, error) {
	req, err := c.newRequest(ctx, http.MethodGet, path, "", nil)
	if err != nil {
		return 0, err
	}
	if byteRange != "" {
		req.Header.Set("Range", "bytes="+byteRange)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("download: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusPartialContent {
		return 0, parseError(resp)
	}
	n, err := io.Copy(w, resp.Body)
	if err != nil {
		return n, fmt.Errorf("read body: %w", err)
	}
	if resp.ContentLength >= 0 && n != resp.ContentLength {
		return n, fmt.Errorf("download truncated: got %d of %d bytes", n, resp.ContentLength)
	}
	return n, nil
}

// Trash moves a file to the trash.
func (c *Client) Trash(ctx context.Context, id string) (*proto.FileResponse, error) {
	var result proto.FileResponse
	err := c.doJSON(ctx, http.MethodDelete, "/api/files/"+url.PathEscape(id), "", nil, &result)
	return &result, err
}

// Restore takes a file out of the trash.
func (c *Client) Restore(ctx context.Context, id string) (*proto.FileResponse, error) {
	var result proto.FileResponse
	err := c.doJSON(ctx, http.MethodPost, "/api/files/"+url.PathEscape(id)+"/restore", "", nil, &result)
	return &result, err
}

// PermanentDelete removes a file and its chunks.
func (c *Client) PermanentDelete(ctx context.Context, id string) (*proto.PermanentDeleteResponse, error) {
	var result proto.PermanentDeleteResponse
	err := c.doJSON(ctx, http.MethodDelete, "/api/files/"+url.PathEscape(id)+"/permanent", "", nil, &result)
	return &result, err
}

// TrashFolder trashes a folder and everything below it.
func (c *Client) TrashFolder(ctx context.Context, id string) (*proto.FolderResponse, error) {
	var result proto.FolderResponse
	err := c.doJSON(ctx, http.MethodDelete, "/api/folders/"+url.PathEscape(id), "", nil, &result)
	return &result, err
}

// RestoreFolder restores a single folder.
func (c *Client) RestoreFolder(ctx context.Context, id string) (*proto.FolderResponse, error) {
	var result proto.FolderResponse
	err := c.doJSON(ctx, http.MethodPost, "/api/folders/"+url.PathEscape(id)+"/restore", "", nil, &result)
	return &result, err
}

// Share issues or returns the share link of a file. A nil expiresInDays keeps
// any existing expiry.
func (c *Client) Share(ctx context.Context, id string, expiresInDays *int) (*proto.ShareResponse, error) {
	body, err := json.Marshal(proto.ShareRequest{ExpiresInDays: expiresInDays})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	var result proto.ShareResponse
	if err := c.doJSON(ctx, http.MethodPost, "/api/share/"+url.PathEscape(id), "application/json", bytes.NewReader(body), &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Unshare revokes a file's share link.
func (c *Client) Unshare(ctx context.Context, id string) error {
	return c.doJSON(ctx, http.MethodDelete, "/api/share/"+url.PathEscape(id), "", nil, nil)
}

// ShareQR returns a PNG QR code of the file's share link.
func (c *Client) ShareQR(ctx context.Context, id string, size int) ([]byte, error) {
	path := "/api/share/" + url.PathEscape(id) + "/qr"
	if size > 0 {
		path += "?size=" + strconv.Itoa(size)
	}
	req, err := c.newRequest(ctx, http.MethodGet, path, "", nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("share qr: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return nil, parseError(resp)
	}
	return io.ReadAll(resp.Body)
}

// ShareInfo returns what a share link exposes. It needs no token.
func (c *Client) ShareInfo(ctx context.Context, token string) (*proto.SharedFile, error) {
	var result proto.ShareInfoResponse
	if err := c.doJSON(ctx, http.MethodGet, "/api/share/info/"+url.PathEscape(token), "", nil, &result); err != nil {
		return nil, err
	}
	return &result.File, nil
}

// Quota returns the caller's storage usage.
func (c *Client) Quota(ctx context.Context) (*proto.QuotaResponse, error) {
	var result proto.QuotaResponse
	if err := c.doJSON(ctx, http.MethodGet, "/api/quota", "", nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Health returns the server's health report.
func (c *Client) Health(ctx context.Context) (*proto.HealthResponse, error) {
	var result proto.HealthResponse
	if err := c.doJSON(ctx, http.MethodGet, "/api/health", "", nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *Client) newRequest(ctx context.Context, method, path, contentType string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	return req, nil
}

// doJSON performs a request and decodes a JSON answer into out, if non-nil.
func (c *Client) doJSON(ctx context.Context, method, path, contentType string, body io.Reader, out any) error {
	req, err := c.newRequest(ctx, method, path, contentType, body)
	if err != nil {
		return err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return parseError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func parseError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	var errResp proto.ErrorResponse
	if err := json.Unmarshal(body, &errResp); err == nil && errResp.Message != "" {
		return &APIError{StatusCode: resp.StatusCode, Message: errResp.Message}
	}
	return &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(body))}
}
