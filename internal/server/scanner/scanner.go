// Package scanner runs the recurring expiry scan that reminds online users
// about documents expiring within the lookahead window.
package scanner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"docvault/internal/server/model"
	"docvault/internal/server/notify"

	"github.com/robfig/cron/v3"
)

// Store is the document-store subset the scanner needs.
type Store interface {
	ExpiringCollections(ctx context.Context, now, cutoff time.Time) ([]model.Collection, error)
	MarkNotified(ctx context.Context, userID, id string) error
}

// Presence reports whether a user is online right now.
type Presence interface {
	IsOnline(ctx context.Context, userID string) (bool, error)
}

// Dispatcher sends one reminder.
type Dispatcher interface {
	Dispatch(ctx context.Context, userID string, entry model.DocumentEntry) error
}

// Config controls when the scan runs and what qualifies.
type Config struct {
	Schedule        string // standard five-field cron expression
	Location        *time.Location
	Lookahead       time.Duration
	DispatchTimeout time.Duration
}

// Result summarizes one run.
type Result struct {
	Collections int
	Offline     int
	Sent        int
	Skipped     int
	Failed      int
}

// Scanner owns the cron schedule and the scan loop.
type Scanner struct {
	store      Store
	presence   Presence
	dispatcher Dispatcher
	cfg        Config
	now        func() time.Time

	cron   *cron.Cron
	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a Scanner. It does nothing until Start or RunOnce is called.
func New(store Store, presence Presence, dispatcher Dispatcher, cfg Config) *Scanner {
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.DispatchTimeout <= 0 {
		cfg.DispatchTimeout = 10 * time.Second
	}
	return &Scanner{
		store:      store,
		presence:   presence,
		dispatcher: dispatcher,
		cfg:        cfg,
		now:        time.Now,
	}
}

// Start schedules the scan. Runs never overlap; a run still going when the
// next tick fires makes that tick a no-op.
func (s *Scanner) Start(ctx context.Context) error {
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.cron = cron.New(
		cron.WithLocation(s.cfg.Location),
		cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)),
	)

	if _, err := s.cron.AddFunc(s.cfg.Schedule, func() { s.RunOnce(s.ctx) }); err != nil {
		s.cancel()
		return fmt.Errorf("invalid scan schedule %q: %w", s.cfg.Schedule, err)
	}
	s.cron.Start()

	slog.Info("expiry scanner started",
		"schedule", s.cfg.Schedule,
		"timezone", s.cfg.Location.String(),
		"lookahead", s.cfg.Lookahead,
	)
	return nil
}

// Stop cancels an in-flight run and waits for it to return.
func (s *Scanner) Stop() {
	if s.cron == nil {
		return
	}
	s.cancel()
	<-s.cron.Stop().Done()
	slog.Info("expiry scanner stopped")
}

// RunOnce performs a single scan.
func (s *Scanner) RunOnce(ctx context.Context) Result {
	var res Result
	now := s.now()
	cutoff := now.Add(s.cfg.Lookahead)

	collections, err := s.store.ExpiringCollections(ctx, now, cutoff)
	if err != nil {
		slog.Error("failed to query expiring documents", "error", err)
		return res
	}
	res.Collections = len(collections)
	slog.Info("running expiry scan", "collections", len(collections), "cutoff", cutoff)

	for _, c := range collections {
		if ctx.Err() != nil {
			break
		}

		online, err := s.presence.IsOnline(ctx, c.UserID)
		if err != nil {
			slog.Error("failed to check presence", "user_id", c.UserID, "error", err)
			res.Failed++
			continue
		}
		if !online {
			slog.Info("skipping offline user", "user_id", c.UserID)
			res.Offline++
			continue
		}

		for _, e := range c.Entries {
			if e.Notified || !e.ExpiresWithin(now, cutoff) {
				continue
			}

			err := s.dispatch(ctx, c.UserID, e)
			switch {
			case err == nil:
				res.Sent++
				if err := s.store.MarkNotified(ctx, c.UserID, e.ID); err != nil {
					slog.Error("failed to mark document notified",
						"user_id", c.UserID, "document_id", e.ID, "error", err)
				}
			case errors.Is(err, notify.ErrNoDeviceToken):
				res.Skipped++
			default:
				res.Failed++
				slog.Error("expiry notification failed",
					"user_id", c.UserID, "document_id", e.ID, "error", err)
			}
		}
	}

	slog.Info("expiry scan complete",
		"collections", res.Collections,
		"offline", res.Offline,
		"sent", res.Sent,
		"skipped", res.Skipped,
		"failed", res.Failed,
	)
	return res
}

// dispatch bounds one send by the timeout even if the dispatcher ignores
// its context, and turns a panic into an error.
func (s *Scanner) dispatch(ctx context.Context, userID string, e model.DocumentEntry) error {
	dctx, cancel := context.WithTimeout(ctx, s.cfg.DispatchTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("dispatcher panic: %v", r)
			}
		}()
		done <- s.dispatcher.Dispatch(dctx, userID, e)
	}()

	select {
	case err := <-done:
		return err
	case <-dctx.Done():
		return fmt.Errorf("dispatch timed out: %w", dctx.Err())
	}
}
