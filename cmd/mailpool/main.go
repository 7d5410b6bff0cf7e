package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lmittmann/tint"

	"github.com/lunamail/mailpool/internal/config"
	"github.com/lunamail/mailpool/internal/database"
	"github.com/lunamail/mailpool/internal/imap"
	"github.com/lunamail/mailpool/internal/sync"
	"github.com/lunamail/mailpool/internal/token"
	"github.com/lunamail/mailpool/pkg/models"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	// Setup logger
	logger := setupLogger(cfg.LogLevel, cfg.LogFormat)
	logger.Info("starting mailbox pool service")

	// Connect to database
	db, err := database.New(cfg.DatabasePath, cfg.CacheCapacity)
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	// Run migrations
	ctx := context.Background()
	if err := db.Migrate(ctx); err != nil {
		logger.Error("failed to run migrations", "error", err)
		os.Exit(1)
	}
	logger.Info("database migrations completed")

	// Protocol session factory: resolve the endpoint, set up the token
	// manager and dial an authenticated session.
	factory := func(ctx context.Context, cred models.AccountCredential) (sync.ProtocolSession, error) {
		addr := cfg.IMAPAddr
		if addr == "" {
			addr = imap.ResolveAddr(cred.Email)
		}

		var tokens *token.Manager
		if cred.RefreshToken != "" {
			tokens = token.NewManager(cred, cfg.OAuthTokenURL, cfg.TokenRefreshBuffer, logger)
		}

		client := imap.NewClient(imap.ClientConfig{
			Email:          cred.Email,
			Password:       cred.Password,
			Addr:           addr,
			DialTimeout:    cfg.IMAPDialTimeout,
			CommandTimeout: cfg.IMAPCommandTimeout,
		}, tokens, logger)

		if err := client.Connect(ctx); err != nil {
			return nil, err
		}
		return client, nil
	}

	coordinator := sync.New(db, db, factory, sync.Options{
		TTL:              cfg.CacheTTL,
		DefaultFolder:    cfg.DefaultFolder,
		PoolCapacity:     cfg.PoolCapacity,
		FetchConcurrency: cfg.FetchConcurrency,
	}, logger)

	logger.Info("sync core ready",
		"cache_ttl", cfg.CacheTTL,
		"cache_capacity", cfg.CacheCapacity,
		"pool_capacity", cfg.PoolCapacity,
	)

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh

	logger.Info("received shutdown signal", "signal", sig)
	logger.Info("shutting down...")

	coordinator.Close()
	logger.Info("stopped")
}

func setupLogger(level, format string) *slog.Logger {
	var handler slog.Handler
	logLevel := parseLevel(level)

	if format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: logLevel,
		})
	} else {
		// Pretty colored output for console
		handler = tint.NewHandler(os.Stdout, &tint.Options{
			Level:      logLevel,
			TimeFormat: time.DateTime,
			NoColor:    false,
		})
	}

	return slog.New(handler)
}

func parseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
