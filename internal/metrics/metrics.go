package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "status_code"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	// Scheduling metrics
	admissionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scheduling_admissions_total",
			Help: "Appointment admission attempts by outcome",
		},
		[]string{"outcome"},
	)

	// Reconciliation metrics
	syncRecordsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "calendar_sync_records_total",
			Help: "Records processed by calendar reconciliation",
		},
		[]string{"direction", "entity", "result"},
	)

	syncPassDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "calendar_sync_pass_duration_seconds",
			Help:    "Duration of reconciliation passes in seconds",
			Buckets: []float64{0.1, 0.5, 1.0, 2.0, 5.0, 10.0, 30.0, 60.0},
		},
		[]string{"pass"},
	)

	notificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notifications_total",
			Help: "Notification deliveries by event type and result",
		},
		[]string{"event_type", "result"},
	)
)

var registerOnce sync.Once

// Register adds the collectors to the default registry. Safe to call more than once.
func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpRequestsTotal,
			httpRequestDuration,
			admissionsTotal,
			syncRecordsTotal,
			syncPassDuration,
			notificationsTotal,
		)
	})
}

func Handler() http.Handler {
	return promhttp.Handler()
}

func ObserveHTTPRequest(method, route string, statusCode int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, route, strconv.Itoa(statusCode)).Inc()
	httpRequestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

func ObserveAdmission(outcome string) {
	admissionsTotal.WithLabelValues(outcome).Inc()
}

// ObserveSyncRecords adds n records for direction (export, import), entity
// (appointment, block, event) and result.
func ObserveSyncRecords(direction, entity, result string, n int) {
	if n <= 0 {
		return
	}
	syncRecordsTotal.WithLabelValues(direction, entity, result).Add(float64(n))
}

func ObserveSyncPass(pass string, duration time.Duration) {
	syncPassDuration.WithLabelValues(pass).Observe(duration.Seconds())
}

func ObserveNotification(eventType, result string) {
	notificationsTotal.WithLabelValues(eventType, result).Inc()
}
