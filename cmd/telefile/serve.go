package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/telefile/telefile/internal/api"
	"github.com/telefile/telefile/internal/blob"
	"github.com/telefile/telefile/internal/config"
	"github.com/telefile/telefile/internal/dispatch"
	"github.com/telefile/telefile/internal/events"
	"github.com/telefile/telefile/internal/metadata"
	"github.com/telefile/telefile/internal/storage"
)

const shutdownTimeout = 30 * time.Second

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the storage server",
		Long: `Run the HTTP storage server.

Settings come from the config file, a .env file in the working directory and
the environment (TELEGRAM_BOT_TOKEN, TELEGRAM_CHAT_ID, JWT_SECRET, MONGODB_URI,
TELEFILE_SEAL_KEY, ...).`,
		Args: cobra.NoArgs,
		RunE: runServe,
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := config.LoadServerConfig(cfgFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if !cmd.Flags().Changed("log-level") {
		config.ApplyLogLevel(cfg.LogLevel)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := newApp(ctx, cfg, log.Logger)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           a.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().
			Str("listen", cfg.Listen).
			Str("backend", cfg.Backend.Type).
			Str("metadata", cfg.Metadata.Type).
			Str("version", Version).
			Msg("telefile server started")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	var serveErr error
	select {
	case <-sigChan:
		log.Info().Msg("shutting down...")
	case serveErr = <-errCh:
		log.Error().Err(serveErr).Msg("server failed")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("http shutdown incomplete")
	}
	if err := a.close(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("shutdown incomplete")
	}
	return serveErr
}

// app holds the long-lived services behind the HTTP handler.
type app struct {
	handler http.Handler
	backend blob.Backend
	queue   *dispatch.Queue
	store   metadata.Store
	events  *events.Broadcaster
}

func newApp(ctx context.Context, cfg *config.ServerConfig, logger zerolog.Logger) (*app, error) {
	var (
		registry *prometheus.Registry
		gatherer prometheus.Gatherer
	)
	if cfg.Metrics {
		registry = prometheus.NewRegistry()
		registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		gatherer = registry
	}

	backend, err := openBackend(ctx, cfg.Backend, logger)
	if err != nil {
		return nil, err
	}

	store, err := openStore(ctx, cfg.Metadata, logger)
	if err != nil {
		return nil, err
	}

	qcfg := queueConfig(cfg.Queue)
	qcfg.Logger = logger
	var storageMetrics *storage.Metrics
	if registry != nil {
		qcfg.Metrics = dispatch.NewMetrics(registry)
		storageMetrics = storage.NewMetrics(registry)
	}
	queue := dispatch.New(qcfg)
	bus := events.NewBroadcaster()

	accountant := storage.NewAccountant(store, cfg.StorageLimit.Bytes())
	assembler := storage.NewAssembler(storage.AssemblerConfig{
		Backend:      backend,
		Queue:        queue,
		Store:        store,
		Accountant:   accountant,
		Events:       bus,
		Metrics:      storageMetrics,
		Logger:       logger,
		MaxChunkSize: cfg.MaxChunkSize.Bytes(),
	})
	reconstructor, err := storage.NewReconstructor(storage.ReconstructorConfig{
		Backend:     backend,
		Queue:       queue,
		CacheChunks: cfg.CacheChunks,
		Metrics:     storageMetrics,
		Logger:      logger,
	})
	if err != nil {
		_ = queue.Close(context.Background())
		_ = store.Close()
		return nil, err
	}
	lifecycle := storage.NewLifecycle(storage.LifecycleConfig{
		Backend:       backend,
		Queue:         queue,
		Store:         store,
		Accountant:    accountant,
		Events:        bus,
		Metrics:       storageMetrics,
		Logger:        logger,
		PurgeClaimTTL: cfg.PurgeClaimTTL,
	})

	apiCfg := api.Config{
		Assembler:     assembler,
		Reconstructor: reconstructor,
		Lifecycle:     lifecycle,
		Accountant:    accountant,
		Queue:         queue,
		Backend:       backend,
		BackendName:   cfg.Backend.Type,
		Events:        bus,
		JWTSecret:     []byte(cfg.JWTSecret),
		MaxChunkSize:  cfg.MaxChunkSize.Bytes(),
		PublicURL:     cfg.PublicURL,
		Version:       Version,
	}
	if registry != nil {
		apiCfg.Registry = registry
		apiCfg.Gatherer = gatherer
	}

	return &app{
		handler: api.NewServer(apiCfg),
		backend: backend,
		queue:   queue,
		store:   store,
		events:  bus,
	}, nil
}

// close drains the queue before closing the store so queued deletes and
// uploads still reach their metadata.
func (a *app) close(ctx context.Context) error {
	a.events.Close()
	qerr := a.queue.Close(ctx)
	if qerr != nil {
		qerr = fmt.Errorf("drain queue: %w", qerr)
	}
	if err := a.store.Close(); err != nil {
		return errors.Join(qerr, fmt.Errorf("close metadata store: %w", err))
	}
	return qerr
}

func openBackend(ctx context.Context, cfg config.BackendConfig, logger zerolog.Logger) (blob.Backend, error) {
	var (
		backend blob.Backend
		err     error
	)
	switch cfg.Type {
	case config.BackendTelegram:
		backend, err = blob.NewTelegram(blob.TelegramConfig{
			BotToken:    cfg.Telegram.BotToken,
			ChatID:      cfg.Telegram.ChatID,
			APIEndpoint: cfg.Telegram.APIEndpoint,
			Logger:      logger,
		})
	case config.BackendS3:
		backend, err = blob.NewS3(ctx, blob.S3Config{
			Endpoint:  cfg.S3.Endpoint,
			Region:    cfg.S3.Region,
			Bucket:    cfg.S3.Bucket,
			AccessKey: cfg.S3.AccessKey,
			SecretKey: cfg.S3.SecretKey,
			PathStyle: cfg.S3.PathStyle,
		})
	case config.BackendLocal:
		backend, err = blob.NewLocal(cfg.Local.Dir)
	case config.BackendMemory:
		logger.Warn().Msg("memory backend selected, chunks are lost on restart")
		backend = blob.NewMemory()
	default:
		return nil, fmt.Errorf("unknown backend type %q", cfg.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("open %s backend: %w", cfg.Type, err)
	}

	if cfg.SealKey == "" {
		return backend, nil
	}
	sealed, err := blob.NewSealed(backend, []byte(cfg.SealKey))
	if err != nil {
		return nil, fmt.Errorf("seal backend: %w", err)
	}
	return sealed, nil
}

func openStore(ctx context.Context, cfg config.MetadataConfig, logger zerolog.Logger) (metadata.Store, error) {
	switch cfg.Type {
	case config.MetadataBadger:
		if err := os.MkdirAll(cfg.Dir, 0o700); err != nil {
			return nil, fmt.Errorf("create metadata dir: %w", err)
		}
		store, err := metadata.OpenBadger(metadata.BadgerConfig{Dir: cfg.Dir, Logger: logger})
		if err != nil {
			return nil, err
		}
		return store, nil
	case config.MetadataMongo:
		connectCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
		defer cancel()
		store, err := metadata.OpenMongo(connectCtx, metadata.MongoConfig{
			URI:      cfg.MongoURI,
			Database: cfg.MongoDatabase,
			Logger:   logger,
		})
		if err != nil {
			return nil, err
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unknown metadata type %q", cfg.Type)
	}
}

// queueConfig overlays the configured queue settings on the production
// defaults. Zero fields keep the default.
func queueConfig(qc config.QueueConfig) dispatch.Config {
	cfg := dispatch.DefaultConfig()
	if qc.MaxAttempts > 0 {
		cfg.MaxAttempts = qc.MaxAttempts
	}
	if qc.InitialBackoff > 0 {
		cfg.InitialBackoff = qc.InitialBackoff
	}
	if qc.MaxBackoff > 0 {
		cfg.MaxBackoff = qc.MaxBackoff
	}
	if qc.InterTaskDelay > 0 {
		cfg.InterTaskDelay = qc.InterTaskDelay
	}
	return cfg
}
