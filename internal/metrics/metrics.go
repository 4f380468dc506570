package metrics

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	bookingOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "studio_booking_operations_total",
			Help: "Reservation operations by kind and outcome",
		},
		[]string{"operation", "outcome"},
	)

	mirrorOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "studio_calendar_mirror_operations_total",
			Help: "Calendar mirror calls by kind and result",
		},
		[]string{"operation", "result"},
	)

	mirrorBacklog = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "studio_calendar_mirror_backlog",
			Help: "Reservations found waiting for calendar work in the last reconcile pass",
		},
	)

	reconcileDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "studio_reconcile_pass_duration_seconds",
			Help:    "Duration of reconciler passes",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		},
	)

	httpDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "studio_http_request_duration_seconds",
			Help:    "HTTP request latency by route and status",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route", "status"},
	)
)

// TrackBooking counts one reservation operation.
func TrackBooking(operation, outcome string) {
	bookingOperations.WithLabelValues(operation, outcome).Inc()
}

// TrackMirror counts one calendar call.
func TrackMirror(operation, result string) {
	mirrorOperations.WithLabelValues(operation, result).Inc()
}

func SetMirrorBacklog(n int) {
	mirrorBacklog.Set(float64(n))
}

func ObserveReconcile(d time.Duration) {
	reconcileDuration.Observe(d.Seconds())
}

// Middleware records request latency per matched route.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		httpDuration.WithLabelValues(c.Request.Method, route, strconv.Itoa(c.Writer.Status())).
			Observe(time.Since(start).Seconds())
	}
}

// Handler serves the default registry.
func Handler() gin.HandlerFunc {
	return gin.WrapH(promhttp.Handler())
}
