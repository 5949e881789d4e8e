package server

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/xolo-io/xolo/internal/auth"
	"github.com/xolo-io/xolo/internal/catalog"
	"github.com/xolo-io/xolo/internal/fleet"
	"github.com/xolo-io/xolo/internal/lifecycle"
	"github.com/xolo-io/xolo/internal/locks"
	"github.com/xolo-io/xolo/internal/models"
	"github.com/xolo-io/xolo/internal/store"
)

// statusFor maps workflow errors onto HTTP statuses: absent entities are 404,
// duplicates and held locks are 409, invalid or incomplete input is 400,
// upstream trouble is 502, exhausted watchers are 504, and shutdown is 503.
func statusFor(err error) int {
	switch {
	case err == nil:
		return http.StatusOK

	case errors.Is(err, store.ErrTitleNotFound),
		errors.Is(err, store.ErrVersionNotFound),
		errors.Is(err, store.ErrScriptNotFound),
		errors.Is(err, store.ErrIconNotFound),
		errors.Is(err, catalog.ErrNotFound),
		errors.Is(err, fleet.ErrNotFound):
		return http.StatusNotFound

	case errors.Is(err, store.ErrTitleExists),
		errors.Is(err, store.ErrVersionExists),
		errors.Is(err, catalog.ErrConflict),
		errors.Is(err, fleet.ErrConflict),
		errors.Is(err, locks.ErrLocked):
		return http.StatusConflict

	case errors.Is(err, models.ErrInvalidSlug),
		errors.Is(err, models.ErrInvalidVersion),
		errors.Is(err, models.ErrNoRequirement),
		errors.Is(err, models.ErrAmbiguousRequirement),
		errors.Is(err, models.ErrAmbiguousUninstall),
		errors.Is(err, models.ErrMissingMinOS),
		errors.Is(err, models.ErrReleasedVersionUnknown),
		errors.Is(err, lifecycle.ErrAlreadyReleased),
		errors.Is(err, fleet.ErrUnsupported):
		return http.StatusBadRequest

	case errors.Is(err, fleet.ErrBadCredentials):
		return http.StatusUnauthorized

	case errors.Is(err, catalog.ErrUnavailable),
		errors.Is(err, fleet.ErrUnavailable):
		return http.StatusBadGateway

	case errors.Is(err, auth.ErrStorageUnavailable),
		errors.Is(err, locks.ErrShuttingDown):
		return http.StatusServiceUnavailable

	case errors.Is(err, lifecycle.ErrWatcherTimeout):
		return http.StatusGatewayTimeout

	default:
		return http.StatusInternalServerError
	}
}

func storeTitleNotFound(slug string) error {
	return fmt.Errorf("%w: %s", store.ErrTitleNotFound, slug)
}

// fail writes the error response in the {status, error} shape.
func (s *Server) fail(c *gin.Context, err error) {
	code := statusFor(err)
	msg := err.Error()
	if code == http.StatusInternalServerError {
		// Internal detail stays in the logs.
		s.logger.Error("request failed",
			zap.String("request_id", c.GetString("request_id")),
			zap.String("path", c.Request.URL.Path),
			zap.Error(err),
		)
		msg = "internal server error"
	}
	c.AbortWithStatusJSON(code, gin.H{"status": "error", "error": msg})
}
