package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"mime/multipart"
	"net/http"
	"path/filepath"

	"docvault/internal/server/auth"
	"docvault/internal/server/model"
	"docvault/internal/server/service"

	"github.com/labstack/echo/v4"
)

// HealthChecker reports whether a backing store is reachable.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Handler contains the HTTP handlers for the DocVault API.
type Handler struct {
	docs   *service.DocumentService
	auth   *service.AuthService
	health HealthChecker
}

// NewHandler creates a new handler with the given service dependencies.
func NewHandler(docs *service.DocumentService, authSvc *service.AuthService, health HealthChecker) *Handler {
	return &Handler{docs: docs, auth: authSvc, health: health}
}

// HandleUpload handles POST /api/documents/upload.
// Accepts a multipart form with exactly one "file" plus documentName,
// hasExpiry and expirationDate fields.
func (h *Handler) HandleUpload(c echo.Context) error {
	form, err := c.MultipartForm()
	if err != nil {
		return mapServiceError(c, service.ErrNoFile)
	}
	defer func() {
		if err := form.RemoveAll(); err != nil {
			slog.Warn("failed to remove temporary upload files", "error", err)
		}
	}()

	files := form.File["file"]
	switch len(files) {
	case 0:
		return mapServiceError(c, service.ErrNoFile)
	case 1:
	default:
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "exactly one file is allowed per upload"})
	}
	fileHeader := files[0]

	src, err := fileHeader.Open()
	if err != nil {
		return c.JSON(http.StatusInternalServerError, echo.Map{
			"error": "failed to read uploaded file",
		})
	}
	defer src.Close()

	entry, err := h.docs.Upload(c.Request().Context(), userID(c), service.UploadInput{
		Filename:       fileHeader.Filename,
		ContentType:    contentType(fileHeader),
		Size:           fileHeader.Size,
		Body:           src,
		DocumentName:   formValue(form, "documentName"),
		HasExpiry:      formValue(form, "hasExpiry") == "true",
		ExpirationDate: formValue(form, "expirationDate"),
	})
	if err != nil {
		return mapServiceError(c, err)
	}

	return c.JSON(http.StatusCreated, echo.Map{
		"message": "Uploaded & encrypted",
		"entry":   entry,
	})
}

// HandleList handles GET /api/documents.
func (h *Handler) HandleList(c echo.Context) error {
	entries, err := h.docs.List(c.Request().Context(), userID(c))
	if err != nil {
		return mapServiceError(c, err)
	}
	return c.JSON(http.StatusOK, echo.Map{"documents": entries})
}

// HandleDownload handles GET /api/documents/download/:ref.
// Streams the decrypted document inline.
func (h *Handler) HandleDownload(c echo.Context) error {
	entry, plain, err := h.docs.Download(c.Request().Context(), userID(c), c.Param("ref"))
	if err != nil {
		return mapServiceError(c, err)
	}
	defer plain.Close()

	res := c.Response()
	res.Header().Set(echo.HeaderContentDisposition, mime.FormatMediaType("inline", map[string]string{
		"filename": entry.DocumentName,
	}))
	ct := entry.FileType
	if ct == "" {
		ct = echo.MIMEOctetStream
	}
	res.Header().Set(echo.HeaderContentType, ct)
	res.WriteHeader(http.StatusOK)

	if _, err := io.Copy(res, plain); err != nil {
		// Headers are already on the wire; drop the connection so the
		// client sees a truncated body instead of a second response.
		slog.Error("download stream failed",
			"document_id", entry.ID,
			"storage_ref", entry.StorageRef,
			"error", err,
		)
		panic(http.ErrAbortHandler)
	}
	return nil
}

// HandleDelete handles DELETE /api/documents/:id.
func (h *Handler) HandleDelete(c echo.Context) error {
	id := c.Param("id")
	if err := h.docs.Delete(c.Request().Context(), userID(c), id); err != nil {
		return mapServiceError(c, err)
	}
	return c.JSON(http.StatusOK, echo.Map{
		"message": "Deleted successfully",
		"id":      id,
	})
}

type registerRequest struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

// HandleRegister handles POST /api/auth/register.
func (h *Handler) HandleRegister(c echo.Context) error {
	var req registerRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid request body"})
	}

	id, err := h.auth.Register(c.Request().Context(), req.Username, req.Email, req.Password)
	if err != nil {
		return mapServiceError(c, err)
	}
	return c.JSON(http.StatusCreated, echo.Map{"msg": "User registered", "userId": id})
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// HandleLogin handles POST /api/auth/login.
func (h *Handler) HandleLogin(c echo.Context) error {
	var req loginRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid request body"})
	}

	res, err := h.auth.Login(c.Request().Context(), req.Email, req.Password)
	if err != nil {
		return mapServiceError(c, err)
	}
	return c.JSON(http.StatusOK, res)
}

// HandleLogout handles POST /api/auth/logout.
func (h *Handler) HandleLogout(c echo.Context) error {
	if err := h.auth.Logout(c.Request().Context(), userID(c)); err != nil {
		return mapServiceError(c, err)
	}
	return c.JSON(http.StatusOK, echo.Map{"msg": "Logged out"})
}

type deviceTokenRequest struct {
	Token string `json:"token"`
}

// HandleUpdateDeviceToken handles POST /api/notification/update-fcm-token.
func (h *Handler) HandleUpdateDeviceToken(c echo.Context) error {
	var req deviceTokenRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid request body"})
	}

	if err := h.auth.UpdateDeviceToken(c.Request().Context(), userID(c), req.Token); err != nil {
		return mapServiceError(c, err)
	}
	return c.JSON(http.StatusOK, echo.Map{"message": "FCM token updated"})
}

// HandleHealth handles GET /health.
// Returns the health status of the server, including store connectivity.
func (h *Handler) HandleHealth(c echo.Context) error {
	status := "healthy"
	dbStatus := "connected"

	if err := h.health.HealthCheck(c.Request().Context()); err != nil {
		status = "degraded"
		dbStatus = fmt.Sprintf("error: %v", err)
	}

	return c.JSON(http.StatusOK, echo.Map{
		"status":   status,
		"database": dbStatus,
	})
}

// mapServiceError translates service-layer errors into appropriate HTTP responses.
func mapServiceError(c echo.Context, err error) error {
	switch {
	case errors.Is(err, service.ErrNoFile):
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "file is required (use form field 'file')"})
	case errors.Is(err, service.ErrMissingField), errors.Is(err, service.ErrInvalidExpiry):
		return c.JSON(http.StatusBadRequest, echo.Map{"error": err.Error()})
	case errors.Is(err, service.ErrFileTooLarge):
		return c.JSON(http.StatusRequestEntityTooLarge, echo.Map{
			"error": "file exceeds maximum allowed size",
		})
	case errors.Is(err, model.ErrAmbiguousReference):
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "ambiguous document reference"})
	case errors.Is(err, model.ErrDocumentNotFound):
		return c.JSON(http.StatusNotFound, echo.Map{"error": "document not found"})
	case errors.Is(err, service.ErrIntegrity):
		return c.JSON(http.StatusNotFound, echo.Map{"error": "file missing on server"})
	case errors.Is(err, model.ErrUserNotFound):
		return c.JSON(http.StatusNotFound, echo.Map{"error": "user not found"})
	case errors.Is(err, service.ErrInvalidCredentials):
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid credentials"})
	case errors.Is(err, model.ErrEmailTaken):
		return c.JSON(http.StatusConflict, echo.Map{"error": "email already registered"})
	case errors.Is(err, auth.ErrInvalidToken):
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "unauthorized"})
	default:
		slog.Error("request failed",
			"method", c.Request().Method,
			"path", c.Request().URL.Path,
			"error", err,
		)
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "internal server error"})
	}
}

func formValue(form *multipart.Form, key string) string {
	if vals := form.Value[key]; len(vals) > 0 {
		return vals[0]
	}
	return ""
}

// contentType prefers the part's declared type, then the file extension.
func contentType(fh *multipart.FileHeader) string {
	if ct := fh.Header.Get(echo.HeaderContentType); ct != "" {
		return ct
	}
	if ct := mime.TypeByExtension(filepath.Ext(fh.Filename)); ct != "" {
		return ct
	}
	return echo.MIMEOctetStream
}
