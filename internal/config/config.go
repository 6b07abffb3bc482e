// Package config handles configuration loading and validation for telefile.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	env "github.com/Netflix/go-env"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/telefile/telefile/internal/blob"
	"github.com/telefile/telefile/pkg/bytesize"
	"gopkg.in/yaml.v3"
)

// Backend types.
const (
	BackendTelegram = "telegram"
	BackendS3       = "s3"
	BackendLocal    = "local"
	BackendMemory   = "memory"
)

// Metadata store types.
const (
	MetadataBadger = "badger"
	MetadataMongo  = "mongo"
)

// MaxTelegramChunk is the largest chunk the telegram backend can store and
// read back. Sealing adds framing, so a sealed backend accepts less plaintext.
func MaxTelegramChunk(sealed bool) int64 {
	if sealed {
		return blob.MaxSealedPlaintext(blob.TelegramMaxDownload)
	}
	return blob.TelegramMaxDownload
}

// TelegramConfig holds the Telegram channel backend settings.
type TelegramConfig struct {
	BotToken    string `yaml:"bot_token" env:"TELEGRAM_BOT_TOKEN"`
	ChatID      int64  `yaml:"chat_id" env:"TELEGRAM_CHAT_ID"`
	APIEndpoint string `yaml:"api_endpoint" env:"TELEGRAM_API_ENDPOINT"` // for a self-hosted Bot API server
}

// S3Config holds the S3-compatible backend settings.
type S3Config struct {
	Endpoint  string `yaml:"endpoint" env:"S3_ENDPOINT"`
	Region    string `yaml:"region" env:"S3_REGION"`
	Bucket    string `yaml:"bucket" env:"S3_BUCKET"`
	AccessKey string `yaml:"access_key" env:"S3_ACCESS_KEY"`
	SecretKey string `yaml:"secret_key" env:"S3_SECRET_KEY"`
	PathStyle bool   `yaml:"path_style" env:"S3_PATH_STYLE"`
}

// LocalConfig holds the local directory backend settings.
type LocalConfig struct {
	Dir string `yaml:"dir" env:"TELEFILE_LOCAL_DIR"`
}

// BackendConfig selects and configures where chunk blobs live.
type BackendConfig struct {
	Type     string         `yaml:"type" env:"TELEFILE_BACKEND"`
	SealKey  string         `yaml:"seal_key" env:"TELEFILE_SEAL_KEY"` // enables compression and encryption when set
	Telegram TelegramConfig `yaml:"telegram"`
	S3       S3Config       `yaml:"s3"`
	Local    LocalConfig    `yaml:"local"`
}

// MetadataConfig selects and configures the metadata store.
type MetadataConfig struct {
	Type          string `yaml:"type" env:"TELEFILE_METADATA"`
	Dir           string `yaml:"dir" env:"TELEFILE_METADATA_DIR"`
	MongoURI      string `yaml:"mongo_uri" env:"MONGODB_URI"`
	MongoDatabase string `yaml:"mongo_database" env:"MONGODB_DATABASE"`
}

// QueueConfig tunes the backend dispatch queue. Zero values use the queue's
// built-in defaults.
type QueueConfig struct {
	MaxAttempts    int           `yaml:"max_attempts" env:"TELEFILE_QUEUE_MAX_ATTEMPTS"`
	InitialBackoff time.Duration `yaml:"initial_backoff" env:"TELEFILE_QUEUE_INITIAL_BACKOFF"`
	MaxBackoff     time.Duration `yaml:"max_backoff" env:"TELEFILE_QUEUE_MAX_BACKOFF"`
	InterTaskDelay time.Duration `yaml:"inter_task_delay" env:"TELEFILE_QUEUE_DELAY"`
}

// ServerConfig holds configuration for the storage server.
type ServerConfig struct {
	Listen        string         `yaml:"listen" env:"TELEFILE_LISTEN"`
	LogLevel      string         `yaml:"log_level" env:"TELEFILE_LOG_LEVEL"`
	PublicURL     string         `yaml:"public_url" env:"TELEFILE_PUBLIC_URL"` // prefix of share links
	JWTSecret     string         `yaml:"jwt_secret" env:"JWT_SECRET"`
	DataDir       string         `yaml:"data_dir" env:"TELEFILE_DATA_DIR"` // default: /var/lib/telefile
	MaxChunkSize  bytesize.Size  `yaml:"max_chunk_size" env:"TELEFILE_MAX_CHUNK_SIZE"`
	StorageLimit  bytesize.Size  `yaml:"storage_limit" env:"TELEFILE_STORAGE_LIMIT"` // per-user quota for new users
	CacheChunks   int            `yaml:"cache_chunks" env:"TELEFILE_CACHE_CHUNKS"`   // chunks kept in memory for downloads
	PurgeClaimTTL time.Duration  `yaml:"purge_claim_ttl" env:"TELEFILE_PURGE_CLAIM_TTL"`
	Metrics       bool           `yaml:"metrics" env:"TELEFILE_METRICS"`
	Backend       BackendConfig  `yaml:"backend"`
	Metadata      MetadataConfig `yaml:"metadata"`
	Queue         QueueConfig    `yaml:"queue"`
}

// ClientConfig holds the settings of the command line client.
type ClientConfig struct {
	Server    string        `yaml:"server" env:"TELEFILE_SERVER"`
	Token     string        `yaml:"token" env:"TELEFILE_TOKEN"`
	ChunkSize bytesize.Size `yaml:"chunk_size" env:"TELEFILE_CHUNK_SIZE"`
}

// LoadServerConfig loads server configuration from a YAML file, then applies
// .env and environment overrides. An empty path uses defaults and the
// environment only.
func LoadServerConfig(path string) (*ServerConfig, error) {
	cfg := &ServerConfig{}
	if err := load(path, cfg); err != nil {
		return nil, err
	}

	// Apply defaults
	if cfg.Listen == "" {
		cfg.Listen = ":8080"
	}
	if cfg.DataDir == "" {
		cfg.DataDir = "/var/lib/telefile"
	}
	cfg.DataDir = expandHome(cfg.DataDir)
	if cfg.Backend.Type == "" {
		cfg.Backend.Type = BackendTelegram
	}
	if cfg.MaxChunkSize == 0 {
		cfg.MaxChunkSize = bytesize.Size(20 * bytesize.MB)
		if cfg.Backend.Type == BackendTelegram {
			cfg.MaxChunkSize = bytesize.Size(MaxTelegramChunk(cfg.Backend.SealKey != ""))
		}
	}
	if cfg.StorageLimit == 0 {
		cfg.StorageLimit = bytesize.Size(15 * bytesize.GB)
	}
	if cfg.PurgeClaimTTL == 0 {
		cfg.PurgeClaimTTL = time.Hour
	}
	if cfg.Backend.Local.Dir == "" {
		cfg.Backend.Local.Dir = filepath.Join(cfg.DataDir, "blobs")
	}
	cfg.Backend.Local.Dir = expandHome(cfg.Backend.Local.Dir)
	if cfg.Backend.S3.Region == "" {
		cfg.Backend.S3.Region = "us-east-1"
	}
	if cfg.Metadata.Type == "" {
		cfg.Metadata.Type = MetadataBadger
	}
	if cfg.Metadata.Dir == "" {
		cfg.Metadata.Dir = filepath.Join(cfg.DataDir, "metadata")
	}
	cfg.Metadata.Dir = expandHome(cfg.Metadata.Dir)
	if cfg.Metadata.MongoDatabase == "" {
		cfg.Metadata.MongoDatabase = "telefile"
	}
	cfg.PublicURL = strings.TrimSuffix(cfg.PublicURL, "/")

	return cfg, nil
}

// LoadClientConfig loads client configuration the same way as
// LoadServerConfig. Keys the client does not know are ignored, so both can
// share one file.
func LoadClientConfig(path string) (*ClientConfig, error) {
	cfg := &ClientConfig{}
	if err := load(path, cfg); err != nil {
		return nil, err
	}
	if cfg.Server == "" {
		cfg.Server = "http://localhost:8080"
	}
	if cfg.ChunkSize == 0 {
		cfg.ChunkSize = bytesize.Size(20 * bytesize.MB)
	}
	return cfg, nil
}

func load(path string, cfg any) error {
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("parse config file: %w", err)
		}
	}

	// A missing .env file is fine; a broken one is not.
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load .env: %w", err)
	}
	if _, err := env.UnmarshalFromEnviron(cfg); err != nil {
		return fmt.Errorf("apply environment: %w", err)
	}
	return nil
}

func expandHome(path string) string {
	if strings.HasPrefix(path, "~/") {
		homeDir, err := os.UserHomeDir()
		if err == nil {
			return filepath.Join(homeDir, path[2:])
		}
	}
	return path
}

// ApplyLogLevel sets the global zerolog level. It reports false and leaves the
// level alone when level is empty or unknown.
func ApplyLogLevel(level string) bool {
	if level == "" {
		return false
	}
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		return false
	}
	zerolog.SetGlobalLevel(lvl)
	return true
}

// Validate checks if the server configuration is valid.
func (c *ServerConfig) Validate() error {
	if c.Listen == "" {
		return fmt.Errorf("listen address is required")
	}
	if c.JWTSecret == "" {
		return fmt.Errorf("jwt_secret is required")
	}
	if len(c.JWTSecret) < 16 {
		return fmt.Errorf("jwt_secret must be at least 16 characters")
	}
	if c.PublicURL != "" {
		u, err := url.Parse(c.PublicURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("public_url must be an absolute http(s) URL")
		}
	}
	if c.MaxChunkSize <= 0 {
		return fmt.Errorf("max_chunk_size must be positive")
	}
	if c.StorageLimit <= 0 {
		return fmt.Errorf("storage_limit must be positive")
	}
	if c.CacheChunks < 0 {
		return fmt.Errorf("cache_chunks must not be negative")
	}
	if c.Backend.SealKey != "" && len(c.Backend.SealKey) < 16 {
		return fmt.Errorf("backend.seal_key must be at least 16 characters")
	}

	switch c.Backend.Type {
	case BackendTelegram:
		if c.Backend.Telegram.BotToken == "" {
			return fmt.Errorf("backend.telegram.bot_token is required")
		}
		if c.Backend.Telegram.ChatID == 0 {
			return fmt.Errorf("backend.telegram.chat_id is required")
		}
		if limit := MaxTelegramChunk(c.Backend.SealKey != ""); c.MaxChunkSize.Bytes() > limit {
			return fmt.Errorf("max_chunk_size must not exceed %d bytes with the telegram backend (seal_key set: %t)", limit, c.Backend.SealKey != "")
		}
	case BackendS3:
		if c.Backend.S3.Bucket == "" {
			return fmt.Errorf("backend.s3.bucket is required")
		}
	case BackendLocal:
		if c.Backend.Local.Dir == "" {
			return fmt.Errorf("backend.local.dir is required")
		}
	case BackendMemory:
	default:
		return fmt.Errorf("unknown backend type %q", c.Backend.Type)
	}

	switch c.Metadata.Type {
	case MetadataBadger:
		if c.Metadata.Dir == "" {
			return fmt.Errorf("metadata.dir is required")
		}
	case MetadataMongo:
		if c.Metadata.MongoURI == "" {
			return fmt.Errorf("metadata.mongo_uri is required")
		}
	default:
		return fmt.Errorf("unknown metadata type %q", c.Metadata.Type)
	}

	if c.Queue.MaxAttempts < 0 {
		return fmt.Errorf("queue.max_attempts must not be negative")
	}
	if c.Queue.InitialBackoff < 0 || c.Queue.MaxBackoff < 0 || c.Queue.InterTaskDelay < 0 {
		return fmt.Errorf("queue durations must not be negative")
	}
	return nil
}

// Validate checks if the client configuration is valid.
func (c *ClientConfig) Validate() error {
	u, err := url.Parse(c.Server)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("server must be an absolute http(s) URL")
	}
	if c.Token == "" {
		return fmt.Errorf("token is required")
	}
	if c.ChunkSize <= 0 {
		return fmt.Errorf("chunk_size must be positive")
	}
	return nil
}
