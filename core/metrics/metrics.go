package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus collectors of the backend
type Metrics struct {
	Operations      *prometheus.CounterVec   // successful resource operations by resource and operation
	OperationErrors *prometheus.CounterVec   // failed resource operations by resource, operation and kind
	DroppedFilters  *prometheus.CounterVec   // filter fields dropped because they are not queryable
	RequestsTotal   *prometheus.CounterVec   // HTTP requests by method, route and status
	RequestDuration *prometheus.HistogramVec // HTTP request latency in seconds
	RateLimitHits   prometheus.Counter       // requests rejected by the rate limiter
	Notifications   *prometheus.CounterVec   // change notifications by status
	Logins          *prometheus.CounterVec   // login attempts by status
}

// New creates the collectors on reg. A nil reg uses the default registerer.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		Operations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "docrest_operations_total",
				Help: "Total number of successful resource operations",
			},
			[]string{"resource", "operation"},
		),
		OperationErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "docrest_operation_errors_total",
				Help: "Total number of failed resource operations by error kind",
			},
			[]string{"resource", "operation", "kind"},
		),
		DroppedFilters: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "docrest_dropped_filter_fields_total",
				Help: "Total number of filter fields dropped because they are not queryable",
			},
			[]string{"resource"},
		),
		RequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests by method, route, and status code",
			},
			[]string{"method", "route", "status_code"},
		),
		RequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "HTTP request latency in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
			},
			[]string{"method", "route"},
		),
		RateLimitHits: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "http_rate_limit_hits_total",
				Help: "Total number of requests rejected by the rate limiter",
			},
		),
		Notifications: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "docrest_notifications_total",
				Help: "Total number of change notifications by status",
			},
			[]string{"status"},
		),
		Logins: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "auth_login_attempts_total",
				Help: "Total number of login attempts by status",
			},
			[]string{"status"},
		),
	}
}

// Discard returns metrics registered on a private registry. Mostly useful in tests.
func Discard() *Metrics {
	return New(prometheus.NewRegistry())
}

// RecordOperation records a successful operation
func (m *Metrics) RecordOperation(resource, operation string) {
	m.Operations.WithLabelValues(resource, operation).Inc()
}

// RecordOperationError records a failed operation. kind is one of validation, not_found,
// query or internal.
func (m *Metrics) RecordOperationError(resource, operation, kind string) {
	m.OperationErrors.WithLabelValues(resource, operation, kind).Inc()
}

// RecordDroppedFilter records filter fields which were not queryable
func (m *Metrics) RecordDroppedFilter(resource string, count int) {
	m.DroppedFilters.WithLabelValues(resource).Add(float64(count))
}

// RecordHTTPRequest records a request and its duration
func (m *Metrics) RecordHTTPRequest(method, route string, statusCode int, duration time.Duration) {
	m.RequestsTotal.WithLabelValues(method, route, statusClass(statusCode)).Inc()
	m.RequestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

// RecordRateLimitHit records a rejected request
func (m *Metrics) RecordRateLimitHit() {
	m.RateLimitHits.Inc()
}

// RecordNotification records a change notification. status is success or failure.
func (m *Metrics) RecordNotification(status string) {
	m.Notifications.WithLabelValues(status).Inc()
}

// RecordLogin records a login attempt. status is success or failure.
func (m *Metrics) RecordLogin(status string) {
	m.Logins.WithLabelValues(status).Inc()
}

// statusClass keeps the common status codes and groups the others by range
func statusClass(code int) string {
	switch code {
	case 200, 201, 204, 304, 400, 401, 403, 404, 429, 500:
		return strconv.Itoa(code)
	}
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500 && code < 600:
		return "5xx"
	}
	return "unknown"
}
