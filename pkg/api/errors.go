package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/maestro-run/maestro/pkg/executor"
	"github.com/maestro-run/maestro/pkg/models"
	"github.com/maestro-run/maestro/pkg/store"
)

// kindStatus maps error kinds to HTTP status codes.
var kindStatus = map[models.ErrorKind]int{
	models.ErrKindValidation:       http.StatusBadRequest,
	models.ErrKindTaskRunning:      http.StatusConflict,
	models.ErrKindTimeout:          http.StatusGatewayTimeout,
	models.ErrKindPermissionDenied: http.StatusForbidden,
	models.ErrKindRateLimit:        http.StatusTooManyRequests,
	models.ErrKindNotFound:         http.StatusNotFound,
	models.ErrKindExecution:        http.StatusInternalServerError,
	models.ErrKindAborted:          http.StatusConflict,
	models.ErrKindModel:            http.StatusServiceUnavailable,
	models.ErrKindInternal:         http.StatusInternalServerError,
}

// respondError writes the JSON error body for err. Store sentinels and
// executor error kinds map onto the external error code taxonomy.
func respondError(c *gin.Context, err error) {
	kind := classify(err)
	status, ok := kindStatus[kind]
	if !ok {
		status = http.StatusInternalServerError
	}
	if status == http.StatusInternalServerError {
		slog.Error("Request failed", "path", c.FullPath(), "error", err)
	}
	c.JSON(status, gin.H{
		"reason": string(kind),
		"error":  err.Error(),
	})
}

func classify(err error) models.ErrorKind {
	switch {
	case errors.Is(err, store.ErrTaskRunning):
		return models.ErrKindTaskRunning
	case errors.Is(err, store.ErrNotFound):
		return models.ErrKindNotFound
	default:
		return executor.Classify(err)
	}
}
