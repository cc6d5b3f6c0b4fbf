package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"docvault/internal/server/api"
	"docvault/internal/server/app"
	"docvault/internal/server/auth"
	"docvault/internal/server/codec"
	"docvault/internal/server/config"
	"docvault/internal/server/service"
	"docvault/internal/server/storage"
)

func main() {
	// Structured logging
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := run(ctx)
	stop()
	if err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
	slog.Info("server exited cleanly")
}

// run wires the server and blocks until ctx is cancelled or the listener
// fails. Everything it opened is closed before it returns.
func run(ctx context.Context) error {
	// Load config
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	slog.Info("configuration loaded",
		"port", cfg.Port,
		"document_store", cfg.DocumentStore,
		"blob_store", cfg.BlobStore,
		"presence_backend", cfg.PresenceBackend,
		"max_file_size", cfg.MaxFileSize,
	)

	// Derive the document key once
	c, err := codec.NewFromSecret(cfg.EncryptionKey)
	if err != nil {
		return fmt.Errorf("failed to derive encryption key: %w", err)
	}

	// Connect stores
	stores, err := app.OpenStores(ctx, cfg, true)
	if err != nil {
		return fmt.Errorf("failed to open document store: %w", err)
	}
	defer stores.Close()

	blobs, fsStore, err := app.OpenBlobStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize blob storage: %w", err)
	}

	tracker, closePresence, err := app.NewPresence(ctx, cfg, stores.Users)
	if err != nil {
		return fmt.Errorf("failed to initialize presence tracking: %w", err)
	}
	defer closePresence()

	// Services
	docs := service.NewDocumentService(stores.Docs, blobs, c, cfg)
	authSvc := service.NewAuthService(stores.Users, tracker, auth.NewIssuer(cfg.JWTSecret, cfg.TokenTTL))

	// Expiry scanner
	scan := app.NewScanner(cfg, stores.Docs, stores.Users, tracker, app.NewSender(ctx, cfg))
	if err := scan.Start(ctx); err != nil {
		return fmt.Errorf("failed to start expiry scanner: %w", err)
	}
	defer scan.Stop()

	// Partial-upload janitor (filesystem only)
	janitorCtx, janitorCancel := context.WithCancel(context.Background())
	defer janitorCancel()
	if fsStore != nil {
		janitor := storage.NewJanitor(fsStore, cfg.CleanupInterval, cfg.PartialMaxAge)
		janitor.Start(janitorCtx)
		defer func() {
			janitorCancel()
			janitor.Wait()
		}()
	}

	// Setup HTTP router
	handler := api.NewHandler(docs, authSvc, stores.Health)
	e := api.SetupRouter(handler, cfg)

	// Start server in a goroutine
	serveErr := make(chan error, 1)
	go func() {
		addr := fmt.Sprintf(":%s", cfg.Port)
		slog.Info("starting server", "addr", addr)
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	// Graceful shutdown
	select {
	case <-ctx.Done():
		slog.Info("shutting down")
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
	}

	// Stop accepting new requests, finish in-flight with 30s timeout
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := e.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}
	return nil
}
