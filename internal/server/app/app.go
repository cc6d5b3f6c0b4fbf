// Package app assembles the stores and collaborators selected by config.
// Both the HTTP server and the operator CLI build on it.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"

	"docvault/internal/server/config"
	"docvault/internal/server/database"
	"docvault/internal/server/memstore"
	"docvault/internal/server/mongodb"
	"docvault/internal/server/notify"
	"docvault/internal/server/presence"
	"docvault/internal/server/scanner"
	"docvault/internal/server/service"
	"docvault/internal/server/storage"

	"github.com/redis/go-redis/v9"
)

// UserStore is everything the server needs from the account store.
type UserStore interface {
	service.UserStore
	SetOnline(ctx context.Context, id string, online bool) error
}

// Stores holds the document and user stores for the configured backend.
type Stores struct {
	Docs   service.DocumentStore
	Users  UserStore
	Health interface {
		HealthCheck(ctx context.Context) error
	}
	// DB is set only for the postgres backend.
	DB *database.DB

	closers []func()
}

// Close releases every connection the stores opened.
func (s *Stores) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
}

// OpenStores connects to the backend named by cfg.DocumentStore.
// Postgres migrations are applied when migrate is true.
func OpenStores(ctx context.Context, cfg *config.Config, migrate bool) (*Stores, error) {
	switch cfg.DocumentStore {
	case "postgres":
		db, err := database.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		if migrate {
			if err := db.RunMigrations(ctx); err != nil {
				db.Close()
				return nil, fmt.Errorf("failed to run migrations: %w", err)
			}
			slog.Info("database migrations complete")
		}
		return &Stores{
			Docs:    database.NewRepository(db.Pool),
			Users:   database.NewUserRepository(db.Pool),
			Health:  db,
			DB:      db,
			closers: []func(){db.Close},
		}, nil

	case "mongo":
		ms, err := mongodb.Connect(ctx, cfg.MongoURI, cfg.MongoDatabase)
		if err != nil {
			return nil, err
		}
		return &Stores{
			Docs:   ms,
			Users:  ms,
			Health: ms,
			closers: []func(){func() {
				if err := ms.Close(context.Background()); err != nil {
					slog.Error("failed to disconnect from mongodb", "error", err)
				}
			}},
		}, nil

	case "memory":
		slog.Warn("using in-memory document store; data is lost on restart")
		m := memstore.New()
		return &Stores{Docs: m, Users: m, Health: m}, nil
	}
	return nil, fmt.Errorf("unknown document store %q", cfg.DocumentStore)
}

// OpenBlobStore builds and initializes the blob store named by cfg.BlobStore.
// The filesystem store is also returned so the caller can run its janitor.
func OpenBlobStore(ctx context.Context, cfg *config.Config) (storage.Store, *storage.FileSystemStore, error) {
	switch cfg.BlobStore {
	case "fs":
		fs := storage.NewFileSystemStore(cfg.StoragePath)
		if err := fs.Init(ctx); err != nil {
			return nil, nil, fmt.Errorf("failed to initialize storage: %w", err)
		}
		slog.Info("file storage initialized", "path", cfg.StoragePath)
		return fs, fs, nil

	case "s3":
		s3, err := storage.NewS3Store(ctx, storage.S3Config{
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
			Bucket:    cfg.S3Bucket,
			Region:    cfg.S3Region,
			Endpoint:  cfg.S3Endpoint,
			SpoolDir:  filepath.Join(cfg.StoragePath, "spool"),
		})
		if err != nil {
			return nil, nil, err
		}
		if err := s3.Init(ctx); err != nil {
			return nil, nil, fmt.Errorf("failed to initialize s3 storage: %w", err)
		}
		slog.Info("s3 storage initialized", "bucket", cfg.S3Bucket)
		return s3, nil, nil
	}
	return nil, nil, fmt.Errorf("unknown blob store %q", cfg.BlobStore)
}

// NewPresence returns the tracker named by cfg.PresenceBackend and a function
// that releases it.
func NewPresence(ctx context.Context, cfg *config.Config, users UserStore) (presence.Tracker, func(), error) {
	if cfg.PresenceBackend != "redis" {
		return presence.NewFlagTracker(users), func() {}, nil
	}

	client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	slog.Info("connected to redis", "addr", cfg.RedisAddr, "presence_ttl", cfg.PresenceTTL)

	return presence.NewRedisTracker(client, "presence:", cfg.PresenceTTL), func() {
		if err := client.Close(); err != nil && !errors.Is(err, redis.ErrClosed) {
			slog.Error("failed to close redis client", "error", err)
		}
	}, nil
}

// NewSender returns the FCM sender, or a DisabledSender when no credential
// is configured or it cannot be loaded.
func NewSender(ctx context.Context, cfg *config.Config) notify.Sender {
	if cfg.FCMCredentialsFile == "" {
		slog.Warn("FCM_CREDENTIALS_FILE not set; expiry notifications will fail")
		return notify.DisabledSender{}
	}
	sender, err := notify.NewFCMSender(ctx, cfg.FCMCredentialsFile, cfg.FCMProjectID)
	if err != nil {
		slog.Error("failed to initialize push messaging; expiry notifications will fail", "error", err)
		return notify.DisabledSender{}
	}
	slog.Info("push messaging initialized", "project", cfg.FCMProjectID)
	return sender
}

// NewScanner wires the expiry scanner to its collaborators.
func NewScanner(cfg *config.Config, docs service.DocumentStore, users UserStore, tracker presence.Tracker, sender notify.Sender) *scanner.Scanner {
	dispatcher := notify.NewDispatcher(users, sender, cfg.ScanLocation)
	return scanner.New(docs, tracker, dispatcher, scanner.Config{
		Schedule:        cfg.ScanSchedule,
		Location:        cfg.ScanLocation,
		Lookahead:       cfg.ScanLookahead,
		DispatchTimeout: cfg.NotifyTimeout,
	})
}
