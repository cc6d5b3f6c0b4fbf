// Package presence answers whether a user currently has an active session.
package presence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"docvault/internal/server/model"

	"github.com/redis/go-redis/v9"
)

// Tracker records and reports presence.
type Tracker interface {
	MarkOnline(ctx context.Context, userID string) error
	MarkOffline(ctx context.Context, userID string) error
	// Touch refreshes an active session; it never brings a user online.
	Touch(ctx context.Context, userID string) error
	IsOnline(ctx context.Context, userID string) (bool, error)
}

// FlagStore is the user-store subset the flag tracker needs.
type FlagStore interface {
	SetOnline(ctx context.Context, id string, online bool) error
	GetUserByID(ctx context.Context, id string) (*model.User, error)
}

// FlagTracker keeps presence as a persisted flag set at login and cleared at
// logout.
type FlagTracker struct {
	users FlagStore
}

// NewFlagTracker creates a tracker over the user store.
func NewFlagTracker(users FlagStore) *FlagTracker {
	return &FlagTracker{users: users}
}

func (t *FlagTracker) MarkOnline(ctx context.Context, userID string) error {
	return t.users.SetOnline(ctx, userID, true)
}

func (t *FlagTracker) MarkOffline(ctx context.Context, userID string) error {
	return t.users.SetOnline(ctx, userID, false)
}

func (t *FlagTracker) Touch(context.Context, string) error { return nil }

func (t *FlagTracker) IsOnline(ctx context.Context, userID string) (bool, error) {
	u, err := t.users.GetUserByID(ctx, userID)
	if err != nil {
		if errors.Is(err, model.ErrUserNotFound) {
			return false, nil
		}
		return false, err
	}
	return u.IsOnline, nil
}

// RedisTracker keeps one expiring key per online user. A user who stops
// making requests drops offline once the TTL lapses.
type RedisTracker struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisTracker creates a tracker using keys "<prefix><userID>".
func NewRedisTracker(client *redis.Client, prefix string, ttl time.Duration) *RedisTracker {
	return &RedisTracker{client: client, prefix: prefix, ttl: ttl}
}

func (t *RedisTracker) key(userID string) string { return t.prefix + userID }

func (t *RedisTracker) MarkOnline(ctx context.Context, userID string) error {
	if err := t.client.Set(ctx, t.key(userID), time.Now().UTC().Format(time.RFC3339), t.ttl).Err(); err != nil {
		return fmt.Errorf("presence set error: %w", err)
	}
	return nil
}

func (t *RedisTracker) MarkOffline(ctx context.Context, userID string) error {
	if err := t.client.Del(ctx, t.key(userID)).Err(); err != nil {
		return fmt.Errorf("presence delete error: %w", err)
	}
	return nil
}

func (t *RedisTracker) Touch(ctx context.Context, userID string) error {
	// Expire is a no-op for a missing key, so logged-out users stay offline.
	if err := t.client.Expire(ctx, t.key(userID), t.ttl).Err(); err != nil {
		return fmt.Errorf("presence refresh error: %w", err)
	}
	return nil
}

func (t *RedisTracker) IsOnline(ctx context.Context, userID string) (bool, error) {
	_, err := t.client.Get(ctx, t.key(userID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return false, nil
		}
		return false, fmt.Errorf("presence get error: %w", err)
	}
	return true, nil
}
