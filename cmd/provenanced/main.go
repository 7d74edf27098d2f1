// Command provenanced is the provenance ledger service binary. It loads a
// YAML configuration file, opens the configured record store (SQLite or
// PostgreSQL), bootstraps the process secret material, exposes the REST API
// over HTTP, and shuts down gracefully on SIGTERM or SIGINT.
package main

import (
	"context"
	"crypto/rsa"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/tripwire/provenance/internal/config"
	"github.com/tripwire/provenance/internal/provenance"
	"github.com/tripwire/provenance/internal/secretstore"
	"github.com/tripwire/provenance/internal/server/rest"
)

func main() {
	configPath := flag.String("config", "/etc/provenance/config.yaml", "path to YAML configuration file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "provenanced: %v\n", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	logger.Info("provenance ledger service starting",
		slog.String("http_addr", cfg.HTTPAddr),
		slog.String("db_driver", cfg.DBDriver),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	secrets := secretstore.New(cfg.DataDir)
	if _, err := secrets.HMACKey(); err != nil {
		logger.Error("failed to initialize HMAC key", slog.Any("error", err))
		os.Exit(1)
	}
	if _, err := secrets.SystemID(); err != nil {
		logger.Error("failed to initialize system identity", slog.Any("error", err))
		os.Exit(1)
	}

	store, err := openStore(ctx, cfg)
	if err != nil {
		logger.Error("failed to open record store", slog.Any("error", err))
		os.Exit(1)
	}
	defer store.Close()

	engine := provenance.NewEngine(store, secrets)

	var pubKey *rsa.PublicKey
	if cfg.JWTPublicKeyPath != "" {
		pem, err := os.ReadFile(cfg.JWTPublicKeyPath)
		if err != nil {
			logger.Error("failed to read JWT public key", slog.Any("error", err))
			os.Exit(1)
		}
		pubKey, err = jwt.ParseRSAPublicKeyFromPEM(pem)
		if err != nil {
			logger.Error("failed to parse JWT public key", slog.Any("error", err))
			os.Exit(1)
		}
		logger.Info("JWT validation enabled on cases listing route")
	} else {
		logger.Warn("jwt_public_key_path not configured; cases listing route is unauthenticated (dev mode)")
	}

	uploadDir := cfg.DataDir + "/uploads"
	restSrv := rest.NewServer(engine, uploadDir, cfg.MaxUploadBytes)
	httpHandler := rest.NewRouter(restSrv, pubKey)

	httpServer := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      httpHandler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	httpErrCh := make(chan error, 1)
	go func() {
		logger.Info("HTTP REST server listening", slog.String("addr", cfg.HTTPAddr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			httpErrCh <- fmt.Errorf("HTTP server: %w", err)
		}
		close(httpErrCh)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", slog.String("signal", sig.String()))
	case err := <-httpErrCh:
		if err != nil {
			logger.Error("HTTP server error", slog.Any("error", err))
		}
	}

	logger.Info("shutting down")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("HTTP server shutdown error", slog.Any("error", err))
	}

	logger.Info("provenance ledger service exited cleanly")
}

// openStore opens the record store backend selected by cfg.DBDriver.
func openStore(ctx context.Context, cfg *config.Config) (provenance.Store, error) {
	switch cfg.DBDriver {
	case "postgres":
		return provenance.OpenPostgresStore(ctx, cfg.DSN)
	default:
		return provenance.OpenSQLiteStore(cfg.DBPath)
	}
}

// newLogger constructs a *slog.Logger that writes JSON-structured log
// records to stderr at the requested minimum level.
func newLogger(level string) *slog.Logger {
	var l slog.Level
	switch level {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: l}))
}
