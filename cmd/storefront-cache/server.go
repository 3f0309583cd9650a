package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/Sternrassler/storefront-cache/internal/catalog"
	"github.com/Sternrassler/storefront-cache/pkg/cache"
	"github.com/Sternrassler/storefront-cache/pkg/metrics"
	"github.com/Sternrassler/storefront-cache/pkg/monitor"
	"github.com/Sternrassler/storefront-cache/pkg/resilience"
)

// requestIDHeader carries the request ID in both directions.
const requestIDHeader = "X-Request-ID"

// cacheHeader reports how a read was served: fresh, stale or miss.
const cacheHeader = "X-Cache"

type ctxKey struct{}

// server exposes the storefront read endpoints and the admin surface.
type server struct {
	source         *catalog.Source
	monitor        *monitor.Monitor
	ping           func(ctx context.Context) error
	gatherer       prometheus.Gatherer
	requestTimeout time.Duration
	logger         zerolog.Logger

	requests *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

type serverConfig struct {
	Source         *catalog.Source
	Monitor        *monitor.Monitor
	Ping           func(ctx context.Context) error
	Registerer     prometheus.Registerer
	Gatherer       prometheus.Gatherer
	RequestTimeout time.Duration
	Logger         zerolog.Logger
}

func newServer(cfg serverConfig) *server {
	if cfg.Ping == nil {
		cfg.Ping = func(context.Context) error { return nil }
	}
	if cfg.Gatherer == nil {
		cfg.Gatherer = metrics.Gatherer
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}

	return &server{
		source:         cfg.Source,
		monitor:        cfg.Monitor,
		ping:           cfg.Ping,
		gatherer:       cfg.Gatherer,
		requestTimeout: cfg.RequestTimeout,
		logger:         cfg.Logger,
		requests: metrics.CounterVec(cfg.Registerer, prometheus.CounterOpts{
			Name: "storefront_http_requests_total",
			Help: "Total number of HTTP requests by route and status",
		}, "route", "status"),
		duration: metrics.HistogramVec(cfg.Registerer, prometheus.HistogramOpts{
			Name:    "storefront_http_request_duration_seconds",
			Help:    "HTTP handler latency by route",
			Buckets: prometheus.DefBuckets,
		}, "route"),
	}
}

func (s *server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(s.requestID)
	r.Use(middleware.Recoverer)
	r.Use(s.instrument)

	r.Get("/health", healthHandler)
	r.Get("/ready", s.handleReady)
	r.Method(http.MethodGet, "/metrics", metrics.Handler(s.gatherer))

	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(s.requestTimeout))
		r.Get("/products", s.handleProducts)
		r.Get("/banners", s.handleBanners)
		r.Get("/dashboard", s.handleDashboard)
	})

	r.Route("/admin", func(r chi.Router) {
		r.Post("/cache/invalidate", s.handleInvalidate)
		r.Get("/stats", s.handleStats)
		r.Post("/executors/{name}/reset", s.handleResetExecutor)
	})

	return r
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

type readyResponse struct {
	Status    string              `json:"status"`
	Redis     string              `json:"redis"`
	Executors []resilience.Status `json:"executors"`
}

// handleReady reports 503 when Redis is unreachable or any breaker is open.
func (s *server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	resp := readyResponse{Status: "ready", Redis: "ok"}
	status := http.StatusOK

	if err := s.ping(ctx); err != nil {
		resp.Redis = err.Error()
		resp.Status = "unavailable"
		status = http.StatusServiceUnavailable
	}

	for _, e := range s.source.Executors().All() {
		st := e.Status()
		resp.Executors = append(resp.Executors, st)
		if st.State == resilience.StateOpen {
			resp.Status = "unavailable"
			status = http.StatusServiceUnavailable
		}
	}

	writeJSON(w, status, resp)
}

func (s *server) handleProducts(w http.ResponseWriter, r *http.Request) {
	q, err := parseQuery(r)
	if err != nil {
		s.writeError(w, r, http.StatusBadRequest, err)
		return
	}

	read, err := s.source.Products(r.Context(), q)
	if err != nil {
		s.writeReadError(w, r, err)
		return
	}
	writeRead(w, read.Status, read.Value)
}

func (s *server) handleBanners(w http.ResponseWriter, r *http.Request) {
	read, err := s.source.ActiveBanners(r.Context())
	if err != nil {
		s.writeReadError(w, r, err)
		return
	}
	writeRead(w, read.Status, read.Value)
}

func (s *server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	read, err := s.source.DashboardStats(r.Context())
	if err != nil {
		s.writeReadError(w, r, err)
		return
	}
	writeRead(w, read.Status, read.Value)
}

func (s *server) handleInvalidate(w http.ResponseWriter, r *http.Request) {
	pattern := r.URL.Query().Get("pattern")
	if pattern == "" {
		s.writeError(w, r, http.StatusBadRequest, errors.New("pattern is required"))
		return
	}

	n := s.source.InvalidatePattern(pattern)
	s.logger.Info().
		Str("request_id", requestIDFrom(r.Context())).
		Str("pattern", pattern).
		Int("invalidated", n).
		Msg("Cache invalidated")

	writeJSON(w, http.StatusOK, map[string]any{
		"pattern":     pattern,
		"invalidated": n,
	})
}

type statsResponse struct {
	Cache     cacheStats          `json:"cache"`
	Monitor   *monitor.Stats      `json:"monitor,omitempty"`
	Executors []resilience.Status `json:"executors"`
	Pending   int                 `json:"pending_refreshes"`
}

type cacheStats struct {
	cache.Stats
	HitRate float64 `json:"hit_rate"`
}

func (s *server) handleStats(w http.ResponseWriter, r *http.Request) {
	cs := s.source.Cache().Stats()
	resp := statsResponse{
		Cache:   cacheStats{Stats: cs, HitRate: cs.HitRate()},
		Pending: s.source.Pending(),
	}
	if s.monitor != nil {
		ms := s.monitor.Stats()
		resp.Monitor = &ms
	}
	for _, e := range s.source.Executors().All() {
		resp.Executors = append(resp.Executors, e.Status())
	}

	writeJSON(w, http.StatusOK, resp)
}

func (s *server) handleResetExecutor(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	exec, ok := s.source.Executor(name)
	if !ok {
		s.writeError(w, r, http.StatusNotFound, errors.New("unknown executor: "+name))
		return
	}

	exec.Reset()
	s.logger.Info().
		Str("request_id", requestIDFrom(r.Context())).
		Str("executor", name).
		Msg("Executor reset")

	writeJSON(w, http.StatusOK, exec.Status())
}

// parseQuery reads page and limit; every other query parameter is a filter.
func parseQuery(r *http.Request) (catalog.Query, error) {
	values := r.URL.Query()
	q := catalog.Query{}

	for name, vals := range values {
		if len(vals) == 0 {
			continue
		}
		switch name {
		case "page":
			n, err := strconv.Atoi(vals[0])
			if err != nil || n < 1 {
				return q, errors.New("page must be a positive integer")
			}
			q.Page = n
		case "limit":
			n, err := strconv.Atoi(vals[0])
			if err != nil || n < 1 {
				return q, errors.New("limit must be a positive integer")
			}
			q.Limit = n
		default:
			if q.Filters == nil {
				q.Filters = make(map[string]string)
			}
			q.Filters[name] = vals[0]
		}
	}

	return q.Normalize(), nil
}

// writeReadError maps upstream failures to HTTP statuses.
func (s *server) writeReadError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusBadGateway
	switch {
	case errors.Is(err, catalog.ErrNotFound):
		status = http.StatusNotFound
	case resilience.IsUnavailable(err):
		status = http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		status = http.StatusGatewayTimeout
	}

	s.logger.Warn().
		Err(err).
		Str("request_id", requestIDFrom(r.Context())).
		Str("path", r.URL.Path).
		Int("status", status).
		Msg("Read failed")

	s.writeError(w, r, status, err)
}

func (s *server) writeError(w http.ResponseWriter, r *http.Request, status int, err error) {
	writeJSON(w, status, map[string]string{
		"error":      err.Error(),
		"request_id": requestIDFrom(r.Context()),
	})
}

func writeRead(w http.ResponseWriter, cacheStatus string, v any) {
	w.Header().Set(cacheHeader, cacheStatus)
	writeJSON(w, http.StatusOK, v)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// requestID propagates an incoming X-Request-ID or assigns a new one.
func (s *server) requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(requestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(requestIDHeader, id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKey{}, id)))
	})
}

func requestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(ctxKey{}).(string)
	return id
}

// instrument records request metrics and logs each request at debug level.
func (s *server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		route := chi.RouteContext(r.Context()).RoutePattern()
		if route == "" {
			route = "unmatched"
		}
		elapsed := time.Since(start)

		s.requests.WithLabelValues(route, strconv.Itoa(ww.Status())).Inc()
		s.duration.WithLabelValues(route).Observe(elapsed.Seconds())

		s.logger.Debug().
			Str("request_id", requestIDFrom(r.Context())).
			Str("method", r.Method).
			Str("route", route).
			Int("status", ww.Status()).
			Str("cache", ww.Header().Get(cacheHeader)).
			Dur("duration", elapsed).
			Msg("Request served")
	})
}
