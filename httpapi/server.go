// Package httpapi serves the engine's operations as JSON over HTTP.
//
// Every /api/v1 route requires a bearer token signed by Tokens; the token
// identifies the acting user, tenant, role and floor. Error kinds map to
// status codes: policy and payload errors 422, unknown ids 404, invalid
// transitions 409, unauthorized reviewers 403 and store failures 503.
//
// Stored request data is kept byte for byte, but responses embed it as
// compacted JSON: insignificant whitespace is dropped, nothing is escaped.
package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/lirancohen/loupe/engine"
	"github.com/lirancohen/loupe/metrics"
)

// Logger defines the logging interface used by the server.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// Config configures the Server.
type Config struct {
	// Engine serves every API call.
	// Required.
	Engine *engine.Engine

	// Tokens verifies bearer tokens.
	// Required.
	Tokens *Tokens

	// Metrics records request metrics and serves /metrics. Optional.
	Metrics *metrics.Collector

	// Health reports readiness for /healthz, for example a database ping.
	// If nil, /healthz always reports ok.
	Health func(ctx context.Context) error

	// Logger is the logging interface. If nil, a no-op logger is used.
	Logger Logger

	// MaxBodyBytes caps request bodies. If zero, defaults to DefaultMaxBodyBytes.
	MaxBodyBytes int64
}

// DefaultMaxBodyBytes is the default request body limit.
const DefaultMaxBodyBytes = 1 << 20

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	if c.Engine == nil {
		return errors.New("httpapi: Engine is required")
	}
	if c.Tokens == nil {
		return errors.New("httpapi: Tokens is required")
	}
	if c.MaxBodyBytes < 0 {
		return errors.New("httpapi: MaxBodyBytes must not be negative")
	}
	return nil
}

func (c *Config) withDefaults() Config {
	cfg := *c
	if cfg.Logger == nil {
		cfg.Logger = noopLogger{}
	}
	if cfg.MaxBodyBytes == 0 {
		cfg.MaxBodyBytes = DefaultMaxBodyBytes
	}
	return cfg
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Server routes HTTP requests to the engine.
type Server struct {
	eng     *engine.Engine
	metrics *metrics.Collector
	health  func(ctx context.Context) error
	logger  Logger
	maxBody int64
	router  *mux.Router
}

// New creates a Server with its routes registered.
func New(config Config) (*Server, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	cfg := config.withDefaults()

	s := &Server{
		eng:     cfg.Engine,
		metrics: cfg.Metrics,
		health:  cfg.Health,
		logger:  cfg.Logger,
		maxBody: cfg.MaxBodyBytes,
		router:  mux.NewRouter(),
	}
	s.routes(cfg.Tokens)
	return s, nil
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes(tokens *Tokens) {
	s.router.Use(s.observe)

	s.router.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	if s.metrics != nil {
		s.router.Handle("/metrics", s.metrics.Handler()).Methods(http.MethodGet)
	}

	api := s.router.PathPrefix("/api/v1").Subrouter()
	api.Use(authMiddleware(tokens))

	api.HandleFunc("/approvals", s.handleSubmit).Methods(http.MethodPost)
	api.HandleFunc("/approvals/pending", s.handlePending).Methods(http.MethodGet)
	api.HandleFunc("/approvals/pending/count", s.handlePendingCount).Methods(http.MethodGet)
	api.HandleFunc("/approvals/{id}", s.handleGetRequest).Methods(http.MethodGet)
	api.HandleFunc("/approvals/{id}/trail", s.handleTrail).Methods(http.MethodGet)
	api.HandleFunc("/approvals/{id}/execute", s.handleExecute).Methods(http.MethodPost)
	api.HandleFunc("/approvals/{id}/{op:approve|reject|escalate|cancel}", s.handleTransition).Methods(http.MethodPost)

	api.HandleFunc("/customers", s.handleCreateCustomer).Methods(http.MethodPost)
	api.HandleFunc("/customers/{id}", s.handleUpdateCustomer).Methods(http.MethodPatch)
	api.HandleFunc("/sales", s.handleCreateSale).Methods(http.MethodPost)
	api.HandleFunc("/sales/{id}", s.handleUpdateSale).Methods(http.MethodPatch)
	api.HandleFunc("/sales/{id}", s.handleDeleteSale).Methods(http.MethodDelete)
	api.HandleFunc("/products/{id}", s.handleUpdateProduct).Methods(http.MethodPatch)
	api.HandleFunc("/discounts", s.handleApplyDiscount).Methods(http.MethodPost)
	api.HandleFunc("/floor-assignments", s.handleAssignFloor).Methods(http.MethodPost)

	api.HandleFunc("/escalations", s.handleListEscalations).Methods(http.MethodGet)
	api.HandleFunc("/escalations", s.handleOpenEscalation).Methods(http.MethodPost)
	api.HandleFunc("/escalations/{id}", s.handleGetEscalation).Methods(http.MethodGet)
	api.HandleFunc("/escalations/{id}", s.handleUpdateEscalation).Methods(http.MethodPatch)
	api.HandleFunc("/escalations/{id}/trail", s.handleTrail).Methods(http.MethodGet)
}

// statusRecorder captures the status code written by a handler.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// observe logs each request and records its metrics by route template.
func (s *Server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		route := r.URL.Path
		if cur := mux.CurrentRoute(r); cur != nil {
			if tpl, err := cur.GetPathTemplate(); err == nil {
				route = tpl
			}
		}
		elapsed := time.Since(start)

		if s.metrics != nil {
			s.metrics.RecordHTTPRequest(r.Method, route, rec.status, elapsed)
		}
		log := s.logger.Debug
		if rec.status >= http.StatusInternalServerError {
			log = s.logger.Error
		}
		log("http request", "method", r.Method, "route", route, "status", rec.status, "duration", elapsed)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.health != nil {
		if err := s.health(r.Context()); err != nil {
			respondJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
			return
		}
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
