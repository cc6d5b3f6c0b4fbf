package app

import (
	"context"
	"testing"
	"time"

	"docvault/internal/server/config"
	"docvault/internal/server/notify"
	"docvault/internal/server/presence"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func memoryConfig(t *testing.T) *config.Config {
	return &config.Config{
		DocumentStore:   "memory",
		BlobStore:       "fs",
		StoragePath:     t.TempDir(),
		PresenceBackend: "db",
		ScanSchedule:    "0 * * * *",
		ScanLocation:    time.UTC,
		ScanLookahead:   7 * 24 * time.Hour,
		NotifyTimeout:   time.Second,
	}
}

func TestMemoryWiring(t *testing.T) {
	ctx := context.Background()
	cfg := memoryConfig(t)

	stores, err := OpenStores(ctx, cfg, true)
	require.NoError(t, err)
	defer stores.Close()
	assert.Nil(t, stores.DB)
	assert.NoError(t, stores.Health.HealthCheck(ctx))

	blobs, fs, err := OpenBlobStore(ctx, cfg)
	require.NoError(t, err)
	assert.NotNil(t, blobs)
	assert.NotNil(t, fs)

	tracker, release, err := NewPresence(ctx, cfg, stores.Users)
	require.NoError(t, err)
	defer release()
	assert.IsType(t, &presence.FlagTracker{}, tracker)

	sender := NewSender(ctx, cfg)
	assert.IsType(t, notify.DisabledSender{}, sender)

	s := NewScanner(cfg, stores.Docs, stores.Users, tracker, sender)
	res := s.RunOnce(ctx)
	assert.Zero(t, res.Collections)
}

func TestUnknownBackends(t *testing.T) {
	ctx := context.Background()
	cfg := memoryConfig(t)

	cfg.DocumentStore = "sqlite"
	_, err := OpenStores(ctx, cfg, false)
	assert.Error(t, err)

	cfg.BlobStore = "ftp"
	_, _, err = OpenBlobStore(ctx, cfg)
	assert.Error(t, err)
}
