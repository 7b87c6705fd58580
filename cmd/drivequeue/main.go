package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/italolelis/drivequeue/internal/autosync"
	"github.com/italolelis/drivequeue/internal/background"
	"github.com/italolelis/drivequeue/internal/backend/drive"
	"github.com/italolelis/drivequeue/internal/backend/putio"
	"github.com/italolelis/drivequeue/internal/backend/s3"
	"github.com/italolelis/drivequeue/internal/cleanup"
	"github.com/italolelis/drivequeue/internal/config"
	"github.com/italolelis/drivequeue/internal/downloader"
	"github.com/italolelis/drivequeue/internal/http/rest"
	"github.com/italolelis/drivequeue/internal/logctx"
	"github.com/italolelis/drivequeue/internal/notifier"
	"github.com/italolelis/drivequeue/internal/queue"
	"github.com/italolelis/drivequeue/internal/storage"
	"github.com/italolelis/drivequeue/internal/storage/sqlite"
	"github.com/italolelis/drivequeue/internal/telemetry"
	"github.com/italolelis/drivequeue/internal/token"
	"github.com/italolelis/drivequeue/internal/transfer"
	"github.com/italolelis/drivequeue/internal/uploader"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/oauth2/clientcredentials"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		slog.Error("config error", "err", err)
		os.Exit(1)
	}

	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()})
	logger := slog.New(logctx.NewTraceHandler(handler))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Info("drivequeue starting...", "log_level", cfg.LogLevel, "backend", cfg.Backend)

	if err := run(logctx.WithLogger(ctx, logger), cfg); err != nil {
		slog.Error("fatal error", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	logger := logctx.LoggerFromContext(ctx)

	// =========================================================================
	// Start Telemetry
	tel, err := telemetry.New(ctx, telemetry.Config{
		Enabled:        cfg.Telemetry.Enabled,
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: cfg.Telemetry.ServiceVersion,
		OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
		OTLPInsecure:   cfg.Telemetry.OTLPInsecure,
		PushInterval:   cfg.Telemetry.PushInterval,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}

	defer func() {
		if err := tel.Shutdown(context.WithoutCancel(ctx)); err != nil {
			logger.Error("failed to shutdown telemetry", "err", err)
		}
	}()

	// =========================================================================
	// Start Database
	database, err := sqlite.InitDB(cfg.DBPath)
	if err != nil {
		logger.Error("DB error", "err", err)

		return err
	}
	defer database.Close()

	store := sqlite.NewInstrumentedTransferRepository(database, tel)
	files := sqlite.NewFileRepository(database)

	// =========================================================================
	// Start Storage Backend
	backend, err := buildBackend(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to build backend: %w", err)
	}

	instrumented := transfer.NewInstrumentedBackend(backend, tel)
	tokens := token.NewManager(buildTokenFetcher(cfg), token.WithNearExpiry(cfg.TokenNearExpiry), token.WithTelemetry(tel))

	// =========================================================================
	// Start Background Channel
	channel := background.NewLocalChannel(ctx, background.TransferPerformer(instrumented), cfg.BackgroundResourceTimeout)
	defer channel.Close()

	bg := background.NewManager(channel, cfg.BackgroundCapacity, tel)

	// =========================================================================
	// Start Queues
	uploads := queue.New(ctx, queue.Config{
		Direction:            storage.DirectionUpload,
		Parallelism:          cfg.UploadParallelism,
		RetryInitialInterval: cfg.RetryInitialInterval,
		RetryMaxInterval:     cfg.RetryMaxInterval,
	}, store, nil, bg, tel)
	defer uploads.Close()

	downloads := queue.New(ctx, queue.Config{
		Direction:            storage.DirectionDownload,
		Parallelism:          cfg.DownloadParallelism,
		RetryInitialInterval: cfg.RetryInitialInterval,
		RetryMaxInterval:     cfg.RetryMaxInterval,
	}, store, nil, bg, tel)
	defer downloads.Close()

	var syncer *autosync.Syncer
	if cfg.AutosyncDir != "" {
		syncer = autosync.New(autosync.Config{
			Dir:         cfg.AutosyncDir,
			DriveID:     cfg.DriveID,
			ParentID:    cfg.AutosyncParentID,
			UserID:      cfg.AutosyncUserID,
			Debounce:    cfg.AutosyncDebounce,
			RetryBudget: cfg.RetryBudget,
		}, uploads)
	}

	uploaderOpts := []uploader.Option{
		uploader.WithMetadataCache(files),
		uploader.WithRequestTimeout(cfg.RequestTimeout),
	}
	if syncer != nil {
		uploaderOpts = append(uploaderOpts, uploader.WithAutoProducer(syncer))
	}

	uploader.New(uploads, store, instrumented, tokens, bg, uploaderOpts...)

	dl := downloader.New(ctx, downloads, store, instrumented, bg, cfg.CacheDir, downloader.WithRequestTimeout(cfg.RequestTimeout))
	defer dl.Close()

	// =========================================================================
	// Start Notification
	setupNotification(ctx, cfg, uploads, downloads, syncer)

	// =========================================================================
	// Recover Persisted Transfers
	for _, q := range []*queue.Queue{uploads, downloads} {
		if err := q.RecoverFromStore(ctx); err != nil {
			logger.Error("failed to recover transfers", "direction", q.Direction(), "err", err)
		}
	}

	channel.CompletionsAvailable()

	if syncer != nil {
		if err := syncer.Start(ctx); err != nil {
			return fmt.Errorf("failed to start autosync: %w", err)
		}
		defer syncer.Close()
	}

	// =========================================================================
	// Start API Service

	// Make a channel to listen for errors coming from the listener. Use a
	// buffered channel so the goroutine can exit if we don't collect this error.
	serverErrors := make(chan error, 1)

	server := setupServer(ctx, cfg, tel, uploads, downloads, store, syncer)

	go func() {
		logger.Info("Initializing API support", "host", cfg.Web.BindAddress)
		serverErrors <- server.ListenAndServe()
	}()

	// =========================================================================
	// Start Cleanup
	setupCleanup(ctx, cfg, store)

	logger.Info("waiting for transfers...",
		"cache_dir", cfg.CacheDir,
		"upload_parallelism", cfg.UploadParallelism,
		"download_parallelism", cfg.DownloadParallelism,
		"background_capacity", cfg.BackgroundCapacity,
	)

	select {
	case err := <-serverErrors:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
	}

	logger.Info("start shutdown")

	shutdownCtx := context.WithoutCancel(ctx)

	uploads.Suspend(shutdownCtx)
	downloads.Suspend(shutdownCtx)
	bg.ExpireAll(shutdownCtx)

	waitForQueues(shutdownCtx, cfg.ShutdownGracePeriod, uploads, downloads)

	// Give outstanding requests a deadline for completion.
	serverCtx, cancel := context.WithTimeout(shutdownCtx, cfg.Web.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(serverCtx); err != nil {
		logger.Error("failed to gracefully shutdown the server", "err", err)

		if err = server.Close(); err != nil {
			return fmt.Errorf("could not stop server gracefully: %w", err)
		}
	}

	return nil
}

// waitForQueues lets running transfers settle for at most grace.
func waitForQueues(ctx context.Context, grace time.Duration, queues ...*queue.Queue) {
	logger := logctx.LoggerFromContext(ctx)

	ctx, cancel := context.WithTimeout(ctx, grace)
	defer cancel()

	for _, q := range queues {
		if err := q.Wait(ctx); err != nil {
			logger.Warn("transfers still running at shutdown", "direction", q.Direction(), "active", q.Active())
		}
	}
}

// This is an abstract factory for the storage backend.
func buildBackend(ctx context.Context, cfg *config.Config) (transfer.Backend, error) {
	switch cfg.Backend {
	case "drive":
		httpClient := &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}

		app := clientcredentials.Config{
			ClientID:     cfg.DriveClientID,
			ClientSecret: cfg.DriveClientSecret,
			TokenURL:     cfg.DriveTokenURL,
		}

		client, err := drive.NewClient(cfg.DriveBaseURL, httpClient, app.TokenSource(context.WithoutCancel(ctx)))
		if err != nil {
			return nil, err
		}

		return client, nil
	case "putio":
		client := putio.NewClient(cfg.PutioToken)
		if err := client.Authenticate(ctx); err != nil {
			return nil, fmt.Errorf("authentication error: %w", err)
		}

		return client, nil
	case "s3":
		client, err := s3.NewClient(s3.Options{
			Endpoint:  cfg.S3Endpoint,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
			Bucket:    cfg.S3Bucket,
			UseSSL:    cfg.S3UseSSL,
		})
		if err != nil {
			return nil, err
		}

		return client, nil
	}

	return nil, fmt.Errorf("invalid backend: %s", cfg.Backend)
}

// buildTokenFetcher returns the per-user upload token source. Backends other
// than drive authorize with account credentials and ignore the token.
func buildTokenFetcher(cfg *config.Config) token.Fetcher {
	switch cfg.Backend {
	case "putio":
		return token.StaticFetcher{AccessToken: cfg.PutioToken}
	case "s3":
		return token.StaticFetcher{AccessToken: cfg.S3AccessKey}
	}

	httpClient := &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}

	return token.NewClientCredentialsFetcher(cfg.DriveClientID, cfg.DriveClientSecret, cfg.DriveTokenURL, httpClient)
}

func setupNotification(ctx context.Context, cfg *config.Config, uploads, downloads *queue.Queue, syncer *autosync.Syncer) {
	if cfg.DiscordWebhookURL == "" {
		return
	}

	reporter := notifier.NewReporter(&notifier.DiscordNotifier{WebhookURL: cfg.DiscordWebhookURL})
	reporter.WatchQueue(ctx, uploads)
	reporter.WatchQueue(ctx, downloads)

	if syncer != nil {
		reporter.WatchAutosync(ctx, syncer)
	}

	go reporter.Run(ctx)
}

// setupServer prepares the handlers and services to create the http rest server.
func setupServer(
	ctx context.Context,
	cfg *config.Config,
	tel *telemetry.Telemetry,
	uploads, downloads *queue.Queue,
	store storage.TransferReadRepository,
	syncer *autosync.Syncer,
) *http.Server {
	opts := []rest.AdminOption{
		rest.WithBasicAuth(cfg.APIUsername, cfg.APIPassword),
		rest.WithRetryBudget(cfg.RetryBudget),
	}
	if syncer != nil {
		opts = append(opts, rest.WithAutosync(syncer))
	}

	admin := rest.NewAdminHandler(uploads, downloads, store, opts...)

	r := chi.NewRouter()
	r.Use(telemetry.RequestID)
	r.Use(telemetry.HTTPLogging)
	r.Use(tel.HTTPMiddleware)

	r.Handle("/metrics", tel.Handler())
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.Mount("/", admin.Routes())

	return &http.Server{
		Addr:         cfg.Web.BindAddress,
		ReadTimeout:  cfg.Web.ReadTimeout,
		WriteTimeout: cfg.Web.WriteTimeout,
		IdleTimeout:  cfg.Web.IdleTimeout,
		Handler:      otelhttp.NewHandler(r, "admin"),
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}
}

func setupCleanup(ctx context.Context, cfg *config.Config, store storage.TransferReadRepository) {
	logger := logctx.LoggerFromContext(ctx)

	go func() {
		cleanupTicker := time.NewTicker(cfg.CleanupInterval)
		defer cleanupTicker.Stop()

		for {
			select {
			case <-ctx.Done():
				logger.Info("cleanup goroutine shutting down.")

				return
			case <-cleanupTicker.C:
				if _, err := cleanup.DeleteStaleTemp(ctx, cfg.CacheDir, cfg.KeepTempFor, store); err != nil && !errors.Is(err, context.Canceled) {
					logger.Error("failed to delete stale temporary files", "err", err)
				}
			}
		}
	}()
}
