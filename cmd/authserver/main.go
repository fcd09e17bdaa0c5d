// Command authserver hosts the browser-facing OAuth2 authorization flow.
// Run it once to authorize the posting account; the scheduler then keeps the
// stored token fresh on its own.
//
// Usage:
//
//	OAUTH_CLIENT_ID=... authserver
//	open http://127.0.0.1:8787/
package main

import (
	"context"
	"errors"
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

	"github.com/postwing/xsched/internal/authweb"
	"github.com/postwing/xsched/internal/config"
	"github.com/postwing/xsched/internal/health"
	"github.com/postwing/xsched/internal/metrics"
	"github.com/postwing/xsched/internal/oauth"
	"github.com/postwing/xsched/internal/tokenstore"
)

func main() {
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
		Str("listen_addr", cfg.AuthListenAddr).
		Str("redirect_uri", cfg.OAuthRedirectURI).
		Str("user_id", cfg.OAuthUserID).
		Msg("starting authorization server")

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

	oauthClient := oauth.NewClient(cfg.OAuth(), store, cfg.RetryPolicy(), logger)
	oauthClient.SetMetrics(m)

	// Pending authorization attempts; swept so abandoned logins don't pile up
	attempts := oauth.NewAttemptStore(oauth.DefaultAttemptTTL)
	go attempts.Sweep(ctx, time.Minute)

	srv := authweb.NewServer(cfg.AuthListenAddr, oauthClient, store, attempts, logger)

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
		if err := srv.Listen(); err != nil {
			logger.Fatal().Err(err).Msg("authorization server error")
		}
	}()

	// Wait for shutdown signal
	sig := <-sigCh
	logger.Info().Str("signal", sig.String()).Msg("shutting down gracefully")

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(); err != nil {
		logger.Error().Err(err).Msg("authorization server shutdown error")
	}

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

	logger.Info().Msg("authorization server stopped")
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
