package api

import (
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"studio-booking-backend/internal/auth"
	"studio-booking-backend/internal/booking"
	"studio-booking-backend/internal/metrics"
	"studio-booking-backend/internal/mw"
)

// RouterConfig carries the HTTP-facing settings and collaborators.
type RouterConfig struct {
	AllowedOrigins []string
	RateLimit      rate.Limit
	RateBurst      int
	Verifier       auth.Verifier
	Profiles       mw.ProfileEnsurer
	// Slots caches the public slot list; the service must invalidate it.
	Slots *mw.SlotCache
}

// NewRouter creates and configures a new Gin router.
func NewRouter(svc *booking.Service, cfg RouterConfig) *gin.Engine {
	RegisterValidators()

	r := gin.New()
	r.Use(gin.Logger(), mw.RequestID(), mw.ErrorLogger(), metrics.Middleware(), mw.CORS(cfg.AllowedOrigins))

	handler := NewHandler(svc, cfg.AllowedOrigins)
	if cfg.Slots == nil {
		cfg.Slots = mw.NewSlotCache(30 * time.Second)
	}

	r.GET("/metrics", metrics.Handler())

	api := r.Group("/api")
	api.Use(mw.RateLimiter(cfg.RateLimit, cfg.RateBurst))
	{
		// Public
		api.GET("/status", handler.Status)
		api.GET("/check-booked-slots", cfg.Slots.Middleware(mw.DateQueryKey), handler.CheckBookedSlots)
		api.GET("/availability", handler.Availability)

		authed := api.Group("")
		authed.Use(mw.Auth(cfg.Verifier, cfg.Profiles))
		{
			authed.POST("/confirm-booking", handler.ConfirmBooking)
			authed.POST("/cancel-booking", handler.CancelBooking)
			authed.POST("/confirm-payment", handler.ConfirmPayment)
			authed.POST("/update-profile", handler.UpdateProfile)
			authed.GET("/bookings/stream", handler.StreamBookings)
		}
	}

	return r
}
