// Command scheduler drains the posting queue on a schedule: it picks the
// next pending item, stages and uploads its media, publishes the post, and
// marks the row done.
//
// Usage:
//
//	OAUTH_CLIENT_ID=... SOURCE_CSV_PATH=queue.csv scheduler
//	scheduler --once    # single posting cycle, then exit
package main

import (
	"context"
	"errors"
	"flag"
	"io"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/postwing/xsched/internal/cleanup"
	"github.com/postwing/xsched/internal/config"
	"github.com/postwing/xsched/internal/downloader"
	"github.com/postwing/xsched/internal/health"
	"github.com/postwing/xsched/internal/metrics"
	"github.com/postwing/xsched/internal/oauth"
	"github.com/postwing/xsched/internal/objectstore"
	"github.com/postwing/xsched/internal/poster"
	"github.com/postwing/xsched/internal/scheduler"
	"github.com/postwing/xsched/internal/source"
	"github.com/postwing/xsched/internal/tokenstore"
	"github.com/postwing/xsched/internal/twitter"
)

func main() {
	once := flag.Bool("once", false, "run a single posting cycle and exit")
	flag.Parse()

	// Setup structured logging
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	logger := zerolog.New(os.Stdout).With().Timestamp().Caller().Logger()

	if os.Getenv("ENVIRONMENT") == "development" {
		logger = logger.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}

	log.Logger = logger

	// Load config
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}

	// Set log level
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err == nil {
		zerolog.SetGlobalLevel(level)
	}

	logger = rebuildLogger(cfg, logger)
	log.Logger = logger

	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}

	logger.Info().
		Str("environment", cfg.Environment).
		Str("source", cfg.SourceCSVPath).
		Str("metrics_addr", cfg.MetricsAddr).
		Bool("object_store_enabled", cfg.ObjectStoreEnabled()).
		Msg("starting posting scheduler")

	// Context with graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	m := metrics.New()

	// Health checker
	checker := health.NewChecker(logger)

	// Token store
	store, err := tokenstore.NewSQLiteStore(cfg.TokenDBPath, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open token store")
	}
	defer store.Close()

	checker.Register("token_store", func(ctx context.Context) error {
		_, err := store.Get(ctx, cfg.OAuthUserID)
		if errors.Is(err, tokenstore.ErrNotFound) {
			return nil
		}
		return err
	})

	// OAuth client refreshes tokens as the platform clients need them
	oauthClient := oauth.NewClient(cfg.OAuth(), store, cfg.RetryPolicy(), logger)
	oauthClient.SetMetrics(m)

	twitterClient := twitter.NewClient(cfg.Twitter(), oauthClient, logger)
	twitterClient.SetMetrics(m)

	src := source.NewCSVSource(cfg.SourceCSVPath, logger)
	checker.Register("source", func(ctx context.Context) error {
		_, err := src.PendingCount(ctx)
		return err
	})

	p := poster.New(cfg.Poster(), src, twitterClient, twitterClient, logger)
	p.SetMetrics(m)
	p.SetFetcher(downloader.New(cfg.DownloadMaxBytes, cfg.DownloadTimeout, os.TempDir(), cfg.RetryPolicy(), logger))

	// Object store staging (if configured)
	if cfg.ObjectStoreEnabled() {
		blobs, err := objectstore.New(cfg.ObjectStore(), logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to init object store")
		}
		if err := blobs.EnsureBucket(ctx); err != nil {
			logger.Fatal().Err(err).Msg("failed to ensure object store bucket")
		}
		p.SetBlobStore(blobs)
		checker.Register("object_store", blobs.Ping)
		logger.Info().Str("bucket", cfg.S3Bucket).Msg("object store staging enabled")
	} else {
		logger.Info().Msg("object store not configured, skipping")
	}

	if *once {
		posted, err := p.RunOnce(ctx)
		if err != nil {
			logger.Fatal().Err(err).Msg("posting run failed")
		}
		logger.Info().Bool("posted", posted).Msg("single run complete")
		return
	}

	sched, err := scheduler.New(cfg.Schedule(), func(ctx context.Context) error {
		_, err := p.RunOnce(ctx)
		return err
	}, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid schedule")
	}

	// Metrics, liveness and readiness server
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	mux.HandleFunc("/healthz", health.LivenessHandler())
	mux.HandleFunc("/readyz", checker.ReadinessHandler())

	metricsServer := &http.Server{
		Addr:         cfg.MetricsAddr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	var wg sync.WaitGroup

	// Janitor for staged media left behind by crashed runs
	janitor := cleanup.NewJanitor(cleanup.Config{
		Dir:      os.TempDir(),
		Prefixes: []string{downloader.StagePrefix, objectstore.StagePrefix},
	}, logger)

	wg.Add(1)
	go func() {
		defer wg.Done()
		janitor.Run(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		logger.Info().Str("addr", cfg.MetricsAddr).Msg("metrics server starting")
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("metrics server error")
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		sched.Run(ctx)
	}()

	// Wait for shutdown signal
	sig := <-sigCh
	logger.Info().Str("signal", sig.String()).Msg("shutting down gracefully")

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("metrics server shutdown error")
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		logger.Info().Msg("all goroutines stopped")
	case <-time.After(15 * time.Second):
		logger.Warn().Msg("forced shutdown after timeout")
	}

	logger.Info().Msg("posting scheduler stopped")
}

// rebuildLogger adds rotating file output when LOG_FILE is set.
func rebuildLogger(cfg *config.Config, logger zerolog.Logger) zerolog.Logger {
	if cfg.LogFile == "" {
		return logger
	}

	fileWriter := &lumberjack.Logger{
		Filename:   cfg.LogFile,
		MaxSize:    100, // megabytes
		MaxBackups: 3,
		MaxAge:     28, // days
		Compress:   true,
	}

	var console io.Writer = os.Stdout
	if cfg.IsDevelopment() {
		console = zerolog.ConsoleWriter{Out: os.Stderr}
	}

	return zerolog.New(zerolog.MultiLevelWriter(console, fileWriter)).With().Timestamp().Caller().Logger()
}
