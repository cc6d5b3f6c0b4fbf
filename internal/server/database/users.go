package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"docvault/internal/server/model"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

const userColumns = "id, username, email, password_hash, device_token, is_online, created_at"

// UserRepository stores accounts, presence flags and device tokens.
type UserRepository struct {
	q Querier
}

// NewUserRepository creates a new UserRepository over q, normally DB.Pool.
func NewUserRepository(q Querier) *UserRepository {
	return &UserRepository{q: q}
}

// CreateUser inserts a user, assigning an ID if none is set.
func (r *UserRepository) CreateUser(ctx context.Context, u *model.User) error {
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
	}
	_, err := r.q.Exec(ctx, `
		INSERT INTO users (`+userColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, u.ID, u.Username, u.Email, u.PasswordHash, u.DeviceToken, u.IsOnline, u.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return model.ErrEmailTaken
		}
		return fmt.Errorf("failed to create user: %w", err)
	}
	return nil
}

// GetUserByID loads a user by ID.
func (r *UserRepository) GetUserByID(ctx context.Context, id string) (*model.User, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, model.ErrUserNotFound
	}
	return r.getOne(ctx, "SELECT "+userColumns+" FROM users WHERE id = $1", id)
}

// GetUserByEmail loads a user by email.
func (r *UserRepository) GetUserByEmail(ctx context.Context, email string) (*model.User, error) {
	return r.getOne(ctx, "SELECT "+userColumns+" FROM users WHERE email = $1", email)
}

// SetOnline records the presence flag.
func (r *UserRepository) SetOnline(ctx context.Context, id string, online bool) error {
	return r.exec(ctx, "UPDATE users SET is_online = $2 WHERE id = $1", id, online)
}

// SetDeviceToken records the push token for the user's device.
func (r *UserRepository) SetDeviceToken(ctx context.Context, id, token string) error {
	return r.exec(ctx, "UPDATE users SET device_token = $2 WHERE id = $1", id, token)
}

func (r *UserRepository) exec(ctx context.Context, sql string, args ...any) error {
	tag, err := r.q.Exec(ctx, sql, args...)
	if err != nil {
		return fmt.Errorf("failed to update user: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.ErrUserNotFound
	}
	return nil
}

func (r *UserRepository) getOne(ctx context.Context, sql string, arg any) (*model.User, error) {
	u := &model.User{}
	err := r.q.QueryRow(ctx, sql, arg).Scan(
		&u.ID,
		&u.Username,
		&u.Email,
		&u.PasswordHash,
		&u.DeviceToken,
		&u.IsOnline,
		&u.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, model.ErrUserNotFound
		}
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return u, nil
}
