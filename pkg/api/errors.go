package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/pageindex/pageindex-web/pkg/services"
)

// mapServiceError maps service-layer errors to HTTP error responses.
func mapServiceError(err error) *echo.HTTPError {
	var validErr *services.ValidationError
	if errors.As(err, &validErr) {
		return echo.NewHTTPError(http.StatusBadRequest, validErr.Message)
	}
	var conflictErr *services.ConflictError
	if errors.As(err, &conflictErr) {
		return echo.NewHTTPError(http.StatusConflict, conflictErr.Message)
	}
	var notFoundErr *services.NotFoundError
	if errors.As(err, &notFoundErr) {
		return echo.NewHTTPError(http.StatusNotFound, notFoundErr.Message)
	}
	if errors.Is(err, services.ErrJobNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "Job not found")
	}
	if errors.Is(err, services.ErrSessionNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "Chat session not found")
	}
	if errors.Is(err, services.ErrRunNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "Chat run not found")
	}

	// Unexpected error
	slog.Error("Unexpected service error", "error", err)
	return echo.NewHTTPError(http.StatusInternalServerError, "internal server error")
}
