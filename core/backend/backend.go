package backend

import (
	"context"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/relabs-tech/docrest/core"
	"github.com/relabs-tech/docrest/core/access"
	"github.com/relabs-tech/docrest/core/logger"
	"github.com/relabs-tech/docrest/core/metrics"
	"github.com/sirupsen/logrus"
)

// Backend is the generic rest backend
type Backend struct {
	config               Configuration
	router               *mux.Router
	log                  logrus.FieldLogger
	metrics              *metrics.Metrics
	authorizationEnabled bool
	resources            []string
}

// Builder is a builder helper for the Backend
type Builder struct {
	// Config holds the permits of the resources. This is optional.
	Config Configuration
	// Router is a mux router. This is mandatory.
	Router *mux.Router
	// Log is the base logger. This is mandatory.
	Log logrus.FieldLogger
	// Tokens verifies bearer tokens. Requests stay unauthenticated when it is nil.
	Tokens *access.Tokens
	// Metrics records request metrics. This is optional.
	Metrics *metrics.Metrics
	// Gatherer serves /metrics. No metrics route is added when it is nil.
	Gatherer prometheus.Gatherer
	// Health is called by GET /health. This is optional.
	Health func(ctx context.Context) error
	// AuthorizationEnabled enforces the permits of every resource
	AuthorizationEnabled bool
	// CORSOrigin is the allowed origin, "*" when empty
	CORSOrigin string
	// RateLimit is the sustained number of requests per second and client. Zero disables
	// rate limiting.
	RateLimit float64
	// RateBurst is the burst size of the rate limiter, defaults to RateLimit
	RateBurst int
}

// New realizes the actual backend. It installs the middlewares and the
// infrastructure routes; resources are added with Handle.
func New(bb *Builder) *Backend {
	if bb.Router == nil {
		panic("Router is missing")
	}
	if bb.Log == nil {
		panic("Log is missing")
	}

	b := &Backend{
		config:               bb.Config,
		router:               bb.Router,
		log:                  bb.Log,
		metrics:              bb.Metrics,
		authorizationEnabled: bb.AuthorizationEnabled,
	}
	if b.metrics == nil {
		b.metrics = metrics.Discard()
	}

	b.router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b.WriteJSON(w, r, http.StatusNotFound, errorResponse{Message: "not found"})
	})
	b.router.Use(logger.Middleware(b.log))
	if bb.Tokens != nil {
		b.router.Use(access.NewJwtMiddleware(bb.Tokens, b.log))
	}
	b.router.Use(b.instrument)
	b.handleCORS(bb.CORSOrigin)
	if bb.RateLimit > 0 {
		b.handleRateLimit(bb.RateLimit, bb.RateBurst)
	}
	b.handleCompression()

	b.handleVersion(b.router)
	b.handleHealth(b.router, bb.Health)
	if bb.Gatherer != nil {
		b.log.Debugln("  handle metrics route: /metrics GET")
		b.router.Handle("/metrics", promhttp.HandlerFor(bb.Gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	}
	access.HandleAuthorizationRoute(b.router, b.log)
	return b
}

// Router returns the router of the backend
func (b *Backend) Router() *mux.Router {
	return b.router
}

// Log returns the base logger of the backend
func (b *Backend) Log() logrus.FieldLogger {
	return b.log
}

// Resources returns the routes of all handled resources
func (b *Backend) Resources() []string {
	return b.resources
}

// Authorized checks the permits of a resource for the request. It writes 401 and returns
// false when the request is not authorized. Without authorization enabled every request is
// authorized.
func (b *Backend) Authorized(w http.ResponseWriter, r *http.Request, resource string, operation core.Operation) bool {
	if !b.authorizationEnabled {
		return true
	}
	auth := access.AuthorizationFromContext(r.Context())
	if auth.IsAuthorized(operation, b.config.Permits(resource)) {
		return true
	}
	b.WriteError(w, r, "", resource, ErrUnauthorized)
	return false
}

func (b *Backend) handleHealth(router *mux.Router, health func(ctx context.Context) error) {
	b.log.Debugln("  handle health route: /health GET")
	router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		if health != nil {
			if err := health(r.Context()); err != nil {
				logger.FromContext(r.Context(), b.log).WithError(err).Errorln("Error 4790: health check failed")
				b.WriteJSON(w, r, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
				return
			}
		}
		b.WriteJSON(w, r, http.StatusOK, map[string]string{"status": "ok"})
	}).Methods(http.MethodGet)
}
