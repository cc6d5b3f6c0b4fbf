package api

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"docvault/internal/server/service"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"golang.org/x/time/rate"
)

const userIDKey = "userID"

// RequireAuth resolves the bearer token to a user and stores the user ID
// on the context. Requests without a valid token get 401.
func RequireAuth(authSvc *service.AuthService) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			header := c.Request().Header.Get(echo.HeaderAuthorization)
			token, ok := strings.CutPrefix(header, "Bearer ")
			if !ok || token == "" {
				return c.JSON(http.StatusUnauthorized, echo.Map{"error": "missing bearer token"})
			}

			id, err := authSvc.Authenticate(c.Request().Context(), token)
			if err != nil {
				return mapServiceError(c, err)
			}
			c.Set(userIDKey, id)
			return next(c)
		}
	}
}

func userID(c echo.Context) string {
	id, _ := c.Get(userIDKey).(string)
	return id
}

// RateLimit returns a token-bucket limiter keyed by user when the request is
// authenticated and by client IP otherwise.
func RateLimit(rps float64, burst int) echo.MiddlewareFunc {
	store := middleware.NewRateLimiterMemoryStoreWithConfig(middleware.RateLimiterMemoryStoreConfig{
		Rate:      rate.Limit(rps),
		Burst:     burst,
		ExpiresIn: 10 * time.Minute,
	})

	return middleware.RateLimiterWithConfig(middleware.RateLimiterConfig{
		Store: store,
		IdentifierExtractor: func(c echo.Context) (string, error) {
			if id := userID(c); id != "" {
				return "user:" + id, nil
			}
			return "ip:" + c.RealIP(), nil
		},
		DenyHandler: func(c echo.Context, identifier string, _ error) error {
			slog.Warn("rate limit exceeded", "identifier", identifier)
			return c.JSON(http.StatusTooManyRequests, echo.Map{
				"error": "rate limit exceeded, try again later",
			})
		},
	})
}

// RequestLogger returns an echo middleware that logs requests using slog.
func RequestLogger() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()

			err := next(c)

			req := c.Request()
			res := c.Response()

			attrs := []any{
				"method", req.Method,
				"path", req.URL.Path,
				"status", res.Status,
				"latency_ms", time.Since(start).Milliseconds(),
				"ip", c.RealIP(),
				"user_agent", req.UserAgent(),
				"bytes_out", res.Size,
			}
			if id := userID(c); id != "" {
				attrs = append(attrs, "user_id", id)
			}
			slog.Info("request", attrs...)

			return err
		}
	}
}
