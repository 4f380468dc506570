package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"studio-booking-backend/internal/response"
)

// Status handles GET /api/status. It reports 503 when the primary store
// cannot be reached.
func (h *Handler) Status(c *gin.Context) {
	if err := h.svc.Ping(c.Request.Context()); err != nil {
		c.Error(err)
		response.Error(c, http.StatusServiceUnavailable, "UNAVAILABLE", "Primary store is unreachable.")
		return
	}
	response.Success(c, http.StatusOK, gin.H{
		"status": "ok",
		"time":   time.Now().UTC(),
	})
}
