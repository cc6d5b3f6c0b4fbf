package storage

import (
	"context"
	"log/slog"
	"time"
)

// Janitor periodically removes partial blobs left behind by uploads that
// never finished.
type Janitor struct {
	store    *FileSystemStore
	interval time.Duration
	maxAge   time.Duration
	done     chan struct{}
}

// NewJanitor creates a new janitor.
func NewJanitor(store *FileSystemStore, interval, maxAge time.Duration) *Janitor {
	return &Janitor{
		store:    store,
		interval: interval,
		maxAge:   maxAge,
		done:     make(chan struct{}),
	}
}

// Start begins the sweep loop in a background goroutine.
func (j *Janitor) Start(ctx context.Context) {
	slog.Info("storage janitor started", "interval", j.interval, "max_age", j.maxAge)

	go func() {
		ticker := time.NewTicker(j.interval)
		defer ticker.Stop()

		// Run once immediately on start
		j.sweep(time.Now())

		for {
			select {
			case <-ticker.C:
				j.sweep(time.Now())
			case <-ctx.Done():
				slog.Info("storage janitor stopping")
				close(j.done)
				return
			}
		}
	}()
}

// Wait blocks until the janitor has fully stopped.
func (j *Janitor) Wait() {
	<-j.done
}

func (j *Janitor) sweep(now time.Time) {
	removed, err := j.store.SweepPartials(now.Add(-j.maxAge))
	if err != nil {
		slog.Error("failed to sweep partial blobs", "error", err, "removed", removed)
		return
	}
	if removed > 0 {
		slog.Info("removed partial blobs", "count", removed)
	}
}
