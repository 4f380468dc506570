package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"studio-booking-backend/internal/response"
)

// CheckBookedSlots handles GET /api/check-booked-slots?date=YYYY-MM-DD.
// The body carries no user data and is cached per date.
func (h *Handler) CheckBookedSlots(c *gin.Context) {
	date := c.Query("date")
	if date == "" {
		badRequest(c, "date is required.")
		return
	}
	slots, err := h.svc.BookedSlots(c.Request.Context(), date)
	if err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, http.StatusOK, gin.H{"bookedSlots": slots})
}

// Availability handles GET /api/availability and returns the projection of
// every start hour of the date.
func (h *Handler) Availability(c *gin.Context) {
	date := c.Query("date")
	if date == "" {
		badRequest(c, "date is required.")
		return
	}
	duration := 2
	if raw := c.Query("duration"); raw != "" {
		d, err := strconv.Atoi(raw)
		if err != nil {
			badRequest(c, "duration must be a whole number of hours.")
			return
		}
		duration = d
	}

	slots, zone, err := h.svc.Availability(c.Request.Context(), date, c.Query("timeZone"), duration, c.Query("editingBookingId"))
	if err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, http.StatusOK, gin.H{
		"date":     date,
		"timeZone": zone,
		"duration": duration,
		"slots":    slots,
	})
}
