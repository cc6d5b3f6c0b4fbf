package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"docvault/internal/server/auth"
	"docvault/internal/server/model"
	"docvault/internal/server/presence"

	"golang.org/x/crypto/bcrypt"
)

var ErrInvalidCredentials = errors.New("invalid credentials")

// UserStore persists accounts and device tokens.
type UserStore interface {
	CreateUser(ctx context.Context, u *model.User) error
	GetUserByID(ctx context.Context, id string) (*model.User, error)
	GetUserByEmail(ctx context.Context, email string) (*model.User, error)
	SetDeviceToken(ctx context.Context, id, token string) error
}

// UserSummary is the public view of an account.
type UserSummary struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Email    string `json:"email"`
}

// LoginResult is returned after a successful login.
type LoginResult struct {
	Token string      `json:"token"`
	User  UserSummary `json:"user"`
}

// AuthService registers users, issues tokens and tracks presence.
type AuthService struct {
	users    UserStore
	presence presence.Tracker
	issuer   *auth.Issuer
}

// NewAuthService creates a new auth service.
func NewAuthService(users UserStore, tracker presence.Tracker, issuer *auth.Issuer) *AuthService {
	return &AuthService{users: users, presence: tracker, issuer: issuer}
}

// Register creates an account. An email that already belongs to an
// account returns model.ErrEmailTaken and leaves that account untouched.
func (s *AuthService) Register(ctx context.Context, username, email, password string) (string, error) {
	username = strings.TrimSpace(username)
	email = normalizeEmail(email)
	switch {
	case username == "":
		return "", fmt.Errorf("%w: username", ErrMissingField)
	case email == "":
		return "", fmt.Errorf("%w: email", ErrMissingField)
	case password == "":
		return "", fmt.Errorf("%w: password", ErrMissingField)
	}

	_, err := s.users.GetUserByEmail(ctx, email)
	switch {
	case err == nil:
		return "", model.ErrEmailTaken
	case !errors.Is(err, model.ErrUserNotFound):
		return "", fmt.Errorf("failed to look up user: %w", err)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash password: %w", err)
	}

	u := &model.User{Username: username, Email: email, PasswordHash: string(hash)}
	if err := s.users.CreateUser(ctx, u); err != nil {
		return "", err
	}
	slog.Info("user registered", "user_id", u.ID)
	return u.ID, nil
}

// Login verifies the password, marks the user online and issues a token.
func (s *AuthService) Login(ctx context.Context, email, password string) (*LoginResult, error) {
	u, err := s.users.GetUserByEmail(ctx, normalizeEmail(email))
	if err != nil {
		return nil, err
	}
	if err := bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)); err != nil {
		return nil, ErrInvalidCredentials
	}

	if err := s.presence.MarkOnline(ctx, u.ID); err != nil {
		return nil, fmt.Errorf("failed to mark user online: %w", err)
	}

	token, err := s.issuer.Issue(u.ID)
	if err != nil {
		return nil, err
	}

	slog.Info("user logged in", "user_id", u.ID)
	return &LoginResult{
		Token: token,
		User:  UserSummary{ID: u.ID, Username: u.Username, Email: u.Email},
	}, nil
}

// Logout marks the user offline.
func (s *AuthService) Logout(ctx context.Context, userID string) error {
	if err := s.presence.MarkOffline(ctx, userID); err != nil {
		return fmt.Errorf("failed to mark user offline: %w", err)
	}
	slog.Info("user logged out", "user_id", userID)
	return nil
}

// UpdateDeviceToken registers the device that receives the user's reminders.
func (s *AuthService) UpdateDeviceToken(ctx context.Context, userID, token string) error {
	token = strings.TrimSpace(token)
	if token == "" {
		return fmt.Errorf("%w: token", ErrMissingField)
	}
	return s.users.SetDeviceToken(ctx, userID, token)
}

// Authenticate resolves a bearer token to a user ID and refreshes presence.
func (s *AuthService) Authenticate(ctx context.Context, token string) (string, error) {
	userID, err := s.issuer.Parse(token)
	if err != nil {
		return "", err
	}
	if _, err := s.users.GetUserByID(ctx, userID); err != nil {
		if errors.Is(err, model.ErrUserNotFound) {
			return "", auth.ErrInvalidToken
		}
		return "", err
	}
	if err := s.presence.Touch(ctx, userID); err != nil {
		slog.Warn("failed to refresh presence", "user_id", userID, "error", err)
	}
	return userID, nil
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
