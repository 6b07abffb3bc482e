package main

import (
	"bytes"
	"context"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/telefile/telefile/internal/api"
	"github.com/telefile/telefile/internal/blob"
	"github.com/telefile/telefile/internal/client"
	"github.com/telefile/telefile/internal/config"
	"github.com/telefile/telefile/testutil"
)

const testSecret = "cmd-test-secret-0123456789"

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cfgFile, logLevel, serverURL, clientToken = "", "info", "", ""

	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestVersionCommand(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "telefile dev")
	assert.Contains(t, out, "Commit:")
}

func TestTokenCommand(t *testing.T) {
	path := testutil.TempFile(t, t.TempDir(), "telefile.yaml", []byte("jwt_secret: "+testSecret+"\n"))

	out, err := execute(t, "token", "alice", "-c", path, "--ttl", "1h")
	require.NoError(t, err)

	claims, err := api.ParseToken([]byte(testSecret), strings.TrimSpace(out))
	require.NoError(t, err)
	assert.Equal(t, "alice", claims.UserID)
	require.NotNil(t, claims.ExpiresAt)
	assert.WithinDuration(t, time.Now().Add(time.Hour), claims.ExpiresAt.Time, time.Minute)
}

func TestTokenCommandWithoutSecret(t *testing.T) {
	path := testutil.TempFile(t, t.TempDir(), "telefile.yaml", []byte("listen: \":8080\"\n"))
	t.Setenv("JWT_SECRET", "")

	_, err := execute(t, "token", "alice", "-c", path)
	assert.Error(t, err)
}

func TestQueueConfig(t *testing.T) {
	cfg := queueConfig(config.QueueConfig{})
	assert.Equal(t, 3, cfg.MaxAttempts)
	assert.Equal(t, time.Second, cfg.InitialBackoff)
	assert.Equal(t, 350*time.Millisecond, cfg.InterTaskDelay)

	cfg = queueConfig(config.QueueConfig{MaxAttempts: 5, InterTaskDelay: time.Second})
	assert.Equal(t, 5, cfg.MaxAttempts)
	assert.Equal(t, time.Second, cfg.InterTaskDelay)
	assert.Equal(t, 4*time.Second, cfg.MaxBackoff)
}

func TestOpenBackend(t *testing.T) {
	ctx := context.Background()
	logger := zerolog.Nop()

	b, err := openBackend(ctx, config.BackendConfig{Type: config.BackendLocal, Local: config.LocalConfig{Dir: t.TempDir()}}, logger)
	require.NoError(t, err)
	assert.IsType(t, &blob.Local{}, b)

	b, err = openBackend(ctx, config.BackendConfig{Type: config.BackendMemory, SealKey: "seal-key-0123456789"}, logger)
	require.NoError(t, err)
	sealed, ok := b.(*blob.Sealed)
	require.True(t, ok)
	assert.IsType(t, &blob.Memory{}, sealed.Unwrap())

	_, err = openBackend(ctx, config.BackendConfig{Type: "ftp"}, logger)
	assert.Error(t, err)

	_, err = openBackend(ctx, config.BackendConfig{Type: config.BackendTelegram}, logger)
	assert.Error(t, err)
}

func TestAppEndToEnd(t *testing.T) {
	dataDir := t.TempDir()
	cfg := &config.ServerConfig{
		Listen:        ":0",
		JWTSecret:     testSecret,
		DataDir:       dataDir,
		MaxChunkSize:  1 << 20,
		StorageLimit:  1 << 30,
		PurgeClaimTTL: time.Hour,
		CacheChunks:   4,
		Metrics:       true,
		Backend: config.BackendConfig{
			Type:    config.BackendLocal,
			SealKey: "seal-key-0123456789",
			Local:   config.LocalConfig{Dir: filepath.Join(dataDir, "blobs")},
		},
		Metadata: config.MetadataConfig{Type: config.MetadataBadger, Dir: filepath.Join(dataDir, "metadata")},
		Queue:    config.QueueConfig{InterTaskDelay: time.Millisecond},
	}
	require.NoError(t, cfg.Validate())

	a, err := newApp(context.Background(), cfg, zerolog.Nop())
	require.NoError(t, err)

	ts := httptest.NewServer(a.handler)
	defer ts.Close()

	token, err := api.IssueToken([]byte(testSecret), "alice", time.Hour)
	require.NoError(t, err)
	c := client.New(ts.URL, token, client.WithChunkSize(64<<10))

	data := testutil.RandomBytes(200<<10, 7)
	path := testutil.TempFile(t, t.TempDir(), "photo.raw", data)

	ctx := context.Background()
	res, err := c.UploadFile(ctx, path, client.UploadOptions{})
	require.NoError(t, err)
	assert.True(t, res.Complete)
	assert.Equal(t, 4, res.Total)

	var buf bytes.Buffer
	_, err = c.Download(ctx, res.FileID, &buf, "")
	require.NoError(t, err)
	assert.Equal(t, data, buf.Bytes())

	// Chunks land in the local blob directory.
	entries, err := os.ReadDir(cfg.Backend.Local.Dir)
	require.NoError(t, err)
	assert.NotEmpty(t, entries)

	h, err := c.Health(ctx)
	require.NoError(t, err)
	assert.Equal(t, config.BackendLocal, h.Backend)
	assert.NotNil(t, h.Volume)

	metrics := httptest.NewRecorder()
	a.handler.ServeHTTP(metrics, httptest.NewRequest("GET", "/metrics", nil))
	assert.Contains(t, metrics.Body.String(), "telefile_http_requests_total")

	require.NoError(t, a.close(context.Background()))
}
