package httpapi

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"physiolink/backend/internal/service/scheduling"
)

const retryAfterSeconds = "1"

func errorBody(code, message string) gin.H {
	return gin.H{"error": code, "message": message}
}

func badRequest(c *gin.Context, log *slog.Logger, message string) {
	log.Warn("invalid request", slog.String("reason", message))
	c.AbortWithStatusJSON(http.StatusBadRequest, errorBody("invalid_argument", message))
}

// fail maps a service error onto a status code and a client-facing message.
// Store failures are reported as retryable.
func fail(c *gin.Context, log *slog.Logger, err error) {
	var vErr *scheduling.ValidationError
	switch {
	case errors.Is(err, scheduling.ErrSlotOccupied):
		log.Info("slot occupied", slog.Any("err", err))
		c.AbortWithStatusJSON(http.StatusConflict, errorBody("slot_occupied",
			"That time slot is no longer available. Choose another time."))
	case errors.Is(err, scheduling.ErrUserDoubleBooked):
		log.Info("user double booked", slog.Any("err", err))
		c.AbortWithStatusJSON(http.StatusConflict, errorBody("user_double_booked",
			"You already have an appointment at that time. Choose another time."))
	case errors.Is(err, scheduling.ErrIdempotencyConflict):
		log.Info("idempotency conflict", slog.Any("err", err))
		c.AbortWithStatusJSON(http.StatusConflict, errorBody("idempotency_conflict",
			"This request key was already used for a different request."))
	case errors.Is(err, scheduling.ErrNotFound):
		c.AbortWithStatusJSON(http.StatusNotFound, errorBody("not_found", "not found"))
	case errors.Is(err, scheduling.ErrForbidden):
		log.Warn("forbidden", slog.Any("err", err))
		c.AbortWithStatusJSON(http.StatusForbidden, errorBody("forbidden",
			"Only the appointment's provider may do that."))
	case errors.Is(err, scheduling.ErrInvalidSlot):
		log.Warn("invalid request", slog.Any("err", err))
		c.AbortWithStatusJSON(http.StatusBadRequest, errorBody("invalid_slot", err.Error()))
	case errors.As(err, &vErr):
		log.Warn("invalid request", slog.Any("err", err))
		c.AbortWithStatusJSON(http.StatusBadRequest, errorBody("invalid_argument", vErr.Error()))
	case errors.Is(err, scheduling.ErrStoreUnavailable):
		log.Error("store unavailable", slog.Any("err", err))
		c.Header("Retry-After", retryAfterSeconds)
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, errorBody("unavailable",
			"The service is temporarily unavailable. Retry the request."))
	case errors.Is(err, scheduling.ErrStreamUnavailable):
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, errorBody("stream_unavailable",
			"Live updates are not enabled on this server."))
	default:
		log.Error("request failed", slog.Any("err", err))
		c.AbortWithStatusJSON(http.StatusInternalServerError, errorBody("internal", "internal error"))
	}
}
