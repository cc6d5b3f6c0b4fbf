package api

import (
	"strconv"

	"docvault/internal/server/config"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

// multipartOverhead leaves room for form fields and part headers on top of
// the file itself.
const multipartOverhead = 1 << 20

// SetupRouter creates and configures the echo router with all routes and middleware.
func SetupRouter(handler *Handler, cfg *config.Config) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HTTPErrorHandler = HTTPErrorHandler

	// Global middleware
	e.Use(middleware.Recover())
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowHeaders: []string{"Content-Type", "Authorization"},
	}))
	e.Use(RequestLogger())

	// Health
	e.GET("/health", handler.HandleHealth)

	api := e.Group("/api")

	// Auth (rate-limited by IP)
	limiter := RateLimit(cfg.RateLimitRPS, cfg.RateLimitBurst)
	api.POST("/auth/register", handler.HandleRegister, limiter)
	api.POST("/auth/login", handler.HandleLogin, limiter)

	requireAuth := RequireAuth(handler.auth)
	api.POST("/auth/logout", handler.HandleLogout, requireAuth)
	api.POST("/notification/update-fcm-token", handler.HandleUpdateDeviceToken, requireAuth)

	// Documents
	docs := api.Group("/documents", requireAuth)
	uploadMiddleware := []echo.MiddlewareFunc{limiter}
	if cfg.MaxFileSize > 0 {
		limit := strconv.FormatInt(cfg.MaxFileSize+multipartOverhead, 10)
		uploadMiddleware = append([]echo.MiddlewareFunc{middleware.BodyLimit(limit)}, uploadMiddleware...)
	}
	docs.POST("/upload", handler.HandleUpload, uploadMiddleware...)
	docs.GET("", handler.HandleList)
	docs.GET("/download/:ref", handler.HandleDownload)
	docs.DELETE("/:id", handler.HandleDelete)

	return e
}
