package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"studio-booking-backend/internal/auth"
	"studio-booking-backend/internal/booking"
	"studio-booking-backend/internal/response"
)

// writeError maps a service error onto its HTTP status and envelope.
// Unclassified errors are attached to the context for ErrorLogger.
func writeError(c *gin.Context, err error) {
	var conflict *booking.ConflictError
	switch {
	case errors.As(err, &conflict):
		response.ErrorWithDetails(c, http.StatusConflict, "CONFLICT",
			"The requested time overlaps an existing booking.",
			gin.H{"conflictingIds": conflict.IDs})
	case errors.Is(err, booking.ErrBadRequest):
		response.Error(c, http.StatusBadRequest, "BAD_REQUEST", booking.Message(err))
	case errors.Is(err, booking.ErrNotFound):
		response.Error(c, http.StatusNotFound, "NOT_FOUND", "Booking not found.")
	case errors.Is(err, auth.ErrUnauthenticated):
		response.Error(c, http.StatusUnauthorized, "UNAUTHENTICATED", "Authentication is required.")
	case errors.Is(err, auth.ErrForbidden):
		response.Error(c, http.StatusForbidden, "FORBIDDEN", "You are not allowed to do that.")
	case errors.Is(err, booking.ErrTransient):
		c.Error(err)
		response.Error(c, http.StatusServiceUnavailable, "UNAVAILABLE", "A dependency is temporarily unavailable, please retry.")
	default:
		c.Error(err)
		response.Error(c, http.StatusInternalServerError, "INTERNAL", "Internal server error.")
	}
}

func badRequest(c *gin.Context, message string) {
	response.Error(c, http.StatusBadRequest, "BAD_REQUEST", message)
}
