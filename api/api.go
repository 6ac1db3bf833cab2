// Package api serves the tally HTTP surface: the connector protocol used
// by paired cash-register bridges, pairing and device administration,
// fiscal document management, dead-letter operations, cron control, live
// event streams, and health and metrics endpoints.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"github.com/xraph/tally/cron"
	"github.com/xraph/tally/dlq"
	"github.com/xraph/tally/fiscal"
	"github.com/xraph/tally/stream"
)

// HealthCheck reports whether a dependency is reachable.
type HealthCheck func(ctx context.Context) error

// Option configures an API.
type Option func(*API)

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(a *API) { a.logger = l }
}

// WithDLQ exposes dead-letter routes. Replays run through r.
func WithDLQ(svc *dlq.Service, r dlq.Runner) Option {
	return func(a *API) {
		a.dlq = svc
		a.replayer = r
	}
}

// WithScheduler exposes cron routes.
func WithScheduler(s *cron.Scheduler) Option {
	return func(a *API) { a.sched = s }
}

// WithStream exposes live event streams fed by b.
func WithStream(b *stream.Broker) Option {
	return func(a *API) { a.stream = b }
}

// WithMetricsRegistry registers HTTP metrics on reg and serves it on
// /metrics. Without it a private registry is used.
func WithMetricsRegistry(reg *prometheus.Registry) Option {
	return func(a *API) { a.registry = reg }
}

// WithPullRate limits how often each device may pull. Zero disables it.
func WithPullRate(limit rate.Limit, burst int) Option {
	return func(a *API) {
		a.pullRate = limit
		a.pullBurst = burst
	}
}

// WithHealthCheck adds a named dependency to /healthz.
func WithHealthCheck(name string, check HealthCheck) Option {
	return func(a *API) { a.checks[name] = check }
}

// WithClock overrides the time source used for purge cutoffs.
func WithClock(now func() time.Time) Option {
	return func(a *API) { a.now = now }
}

// API holds the services behind the HTTP routes.
type API struct {
	fiscal   *fiscal.Service
	dlq      *dlq.Service
	replayer dlq.Runner
	sched    *cron.Scheduler
	stream   *stream.Broker
	logger   *slog.Logger
	now      func() time.Time

	registry *prometheus.Registry
	metrics  *httpMetrics

	pullRate  rate.Limit
	pullBurst int
	limiter   *deviceLimiter

	checks map[string]HealthCheck
}

// New creates an API over a fiscal service.
func New(svc *fiscal.Service, opts ...Option) *API {
	a := &API{
		fiscal: svc,
		logger: slog.Default(),
		now:    time.Now,
		checks: make(map[string]HealthCheck),
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.registry == nil {
		a.registry = prometheus.NewRegistry()
	}
	a.metrics = newHTTPMetrics(a.registry)
	if a.pullRate > 0 {
		a.limiter = newDeviceLimiter(a.pullRate, a.pullBurst)
	}
	return a
}

// Handler returns the fully assembled http.Handler with all routes.
func (a *API) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(a.logRequests)
	r.Use(chimw.Recoverer)
	r.Use(a.metrics.middleware)

	r.Get("/healthz", a.health)
	r.Handle("/metrics", promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{Registry: a.registry}))

	r.Route("/v1", func(r chi.Router) {
		a.registerConnectorRoutes(r)
		a.registerPairingRoutes(r)
		a.registerFiscalRoutes(r)
		if a.dlq != nil {
			a.registerDLQRoutes(r)
		}
		if a.sched != nil {
			a.registerCronRoutes(r)
		}
		if a.stream != nil {
			r.Get("/events", a.events)
			r.Get("/stores/{storeId}/events", a.storeEvents)
		}
	})
	return r
}

func (a *API) registerConnectorRoutes(r chi.Router) {
	r.Route("/connector", func(r chi.Router) {
		r.Use(a.authenticate)
		r.Post("/heartbeat", a.heartbeat)
		r.With(a.limitPull).Post("/queue/pull", a.pullQueue)
		r.Post("/results", a.pushResult)
	})
}

func (a *API) registerPairingRoutes(r chi.Router) {
	r.Post("/pairing-codes", a.createPairingCode)
	r.Post("/pairing-codes/redeem", a.redeemPairingCode)
	r.Post("/devices/{deviceId}/deactivate", a.deactivateDevice)
}

func (a *API) registerFiscalRoutes(r chi.Router) {
	r.Post("/fiscal/documents", a.enqueueDocument)
	r.Get("/fiscal/documents/{documentId}", a.getDocument)
	r.Post("/fiscal/documents/{documentId}/retry", a.retryDocument)
	r.Get("/tenants/{tenantId}/orders/{orderId}/fiscal", a.orderStatus)
}

func (a *API) registerDLQRoutes(r chi.Router) {
	r.Get("/dlq", a.listDLQ)
	r.Get("/dlq/count", a.dlqCount)
	r.Post("/dlq/purge", a.purgeDLQ)
	r.Get("/dlq/{entryId}", a.getDLQ)
	r.Post("/dlq/{entryId}/replay", a.replayDLQ)
}

func (a *API) registerCronRoutes(r chi.Router) {
	r.Get("/crons", a.listCrons)
	r.Post("/crons/{name}/enable", a.enableCron)
	r.Post("/crons/{name}/disable", a.disableCron)
}

// logRequests logs each request after it completes.
func (a *API) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		a.logger.Debug("http request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", ww.Status()),
			slog.Duration("elapsed", time.Since(start)),
			slog.String("request_id", chimw.GetReqID(r.Context())),
		)
	})
}

func (a *API) health(w http.ResponseWriter, r *http.Request) {
	failed := map[string]string{}
	for name, check := range a.checks {
		if err := check(r.Context()); err != nil {
			failed[name] = err.Error()
		}
	}
	if len(failed) > 0 {
		writeJSON(w, http.StatusServiceUnavailable, HealthResponse{Status: "unavailable", Failed: failed})
		return
	}
	writeJSON(w, http.StatusOK, HealthResponse{Status: "ok"})
}
