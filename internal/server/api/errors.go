package api

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"
)

// HTTPErrorHandler renders errors escaping handlers and middleware with the
// same {"error": ...} body the handlers write.
func HTTPErrorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	code := http.StatusInternalServerError
	msg := "internal server error"

	var he *echo.HTTPError
	if errors.As(err, &he) {
		if inner, ok := he.Internal.(*echo.HTTPError); ok {
			he = inner
		}
		code = he.Code
		if m, ok := he.Message.(string); ok {
			msg = m
		} else if he.Message != nil {
			msg = fmt.Sprint(he.Message)
		}
	}

	if code >= http.StatusInternalServerError {
		slog.Error("request failed",
			"method", c.Request().Method,
			"path", c.Request().URL.Path,
			"error", err,
		)
	}

	var werr error
	if c.Request().Method == http.MethodHead {
		werr = c.NoContent(code)
	} else {
		werr = c.JSON(code, echo.Map{"error": msg})
	}
	if werr != nil {
		slog.Error("failed to write error response", "error", werr)
	}
}
