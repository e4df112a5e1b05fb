package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/tributary-ai/llm-router-resilience/internal/dispatch"
	"github.com/tributary-ai/llm-router-resilience/internal/ratelimit"
	"github.com/tributary-ai/llm-router-resilience/internal/types"
)

const maxRequestBytes = 10 << 20 // 10MB

// Server is the HTTP ops API in front of the dispatch service
type Server struct {
	service    *dispatch.Service
	gatherer   prometheus.Gatherer
	httpServer *http.Server
	logger     *logrus.Logger
	config     *ServerConfig
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Port           string          `yaml:"port"`
	ReadTimeout    time.Duration   `yaml:"read_timeout"`
	WriteTimeout   time.Duration   `yaml:"write_timeout"`
	MaxHeaderBytes int             `yaml:"max_header_bytes"`
	APIKeys        []string        `yaml:"api_keys"`
	RateLimit      RateLimitConfig `yaml:"rate_limit"`
}

// RateLimitConfig throttles API clients by address
type RateLimitConfig struct {
	Enabled           bool          `yaml:"enabled"`
	RequestsPerMinute int           `yaml:"requests_per_minute"`
	Window            time.Duration `yaml:"window"`
}

// NewServer creates a new server instance. /metrics is served only when
// gatherer is non-nil.
func NewServer(service *dispatch.Service, config *ServerConfig, gatherer prometheus.Gatherer, logger *logrus.Logger) *Server {
	return &Server{
		service:  service,
		gatherer: gatherer,
		logger:   logger,
		config:   config,
	}
}

// Start starts the HTTP server
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:           ":" + s.config.Port,
		Handler:        s.Handler(),
		ReadTimeout:    s.config.ReadTimeout,
		WriteTimeout:   s.config.WriteTimeout,
		MaxHeaderBytes: s.config.MaxHeaderBytes,
	}

	s.logger.WithField("port", s.config.Port).Info("Starting LLM Router ops server")
	return s.httpServer.ListenAndServe()
}

// Stop stops the HTTP server gracefully
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("Stopping LLM Router ops server")
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// Handler returns the routed handler with middleware applied
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()

	r.Use(s.loggingMiddleware)
	r.Use(s.corsMiddleware)
	r.Use(s.contentTypeMiddleware)

	// Unauthenticated probes
	r.HandleFunc("/health", s.handleHealthCheck).Methods("GET")
	if s.gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})).Methods("GET")
	}

	api := r.PathPrefix("/v1").Subrouter()
	if len(s.config.APIKeys) > 0 {
		api.Use(apiKeyMiddleware(s.config.APIKeys, s.logger))
	}
	if rl := s.config.RateLimit; rl.Enabled {
		window := rl.Window
		if window <= 0 {
			window = time.Minute
		}
		api.Use(ratelimit.Middleware(s.service.Limiter(), rl.RequestsPerMinute, window, ratelimit.ClientIPExtractor))
	}

	// Request endpoints
	api.HandleFunc("/generate", s.handleGenerate).Methods("POST")
	api.HandleFunc("/routing/decision", s.handleRoutingDecision).Methods("POST")

	// Provider management
	api.HandleFunc("/providers", s.handleListProviders).Methods("GET")
	api.HandleFunc("/providers/{name}", s.handleGetProvider).Methods("GET")
	api.HandleFunc("/providers/{name}/activate", s.handleSetActive(true)).Methods("POST")
	api.HandleFunc("/providers/{name}/deactivate", s.handleSetActive(false)).Methods("POST")
	api.HandleFunc("/providers/{name}/ratelimits", s.handleRateLimits).Methods("GET")
	api.HandleFunc("/breakers", s.handleListBreakers).Methods("GET")
	api.HandleFunc("/breakers/{name}/reset", s.handleResetBreaker).Methods("POST")

	// Monitoring and cache
	api.HandleFunc("/stats", s.handleStats).Methods("GET")
	api.HandleFunc("/cache/stats", s.handleCacheStats).Methods("GET")
	api.HandleFunc("/cache/tags/{tag}", s.handleClearTag).Methods("DELETE")

	return r
}

// Middleware

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		// Create a custom response writer to capture status code
		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		s.logger.WithFields(logrus.Fields{
			"method":      r.Method,
			"path":        r.URL.Path,
			"status":      wrapped.statusCode,
			"duration_ms": time.Since(start).Milliseconds(),
			"user_agent":  r.UserAgent(),
			"remote_addr": r.RemoteAddr,
		}).Info("HTTP request")
	})
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-API-Key")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) contentTypeMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			contentType := r.Header.Get("Content-Type")
			if contentType != "" && !strings.HasPrefix(contentType, "application/json") {
				s.writeErrorResponse(w, http.StatusUnsupportedMediaType, "Content-Type must be application/json")
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

// Handlers

// handleGenerate dispatches a generation request through cache, routing and
// the retry/fallback executor
func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	var opts types.SubmitOptions
	if !s.decode(w, r, &opts) {
		return
	}

	resp, err := s.service.SubmitRequest(r.Context(), opts)
	if err != nil {
		s.writeDispatchError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, resp)
}

// handleRoutingDecision returns the routing decision without calling a provider
func (s *Server) handleRoutingDecision(w http.ResponseWriter, r *http.Request) {
	var opts types.SubmitOptions
	if !s.decode(w, r, &opts) {
		return
	}

	decision, err := s.service.RouteOnly(r.Context(), opts)
	if err != nil {
		s.writeDispatchError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, decision)
}

// handleListProviders lists all registered providers
func (s *Server) handleListProviders(w http.ResponseWriter, r *http.Request) {
	providers := s.service.Registry().Snapshots()
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"providers": providers,
		"count":     len(providers),
	})
}

// handleGetProvider returns one provider with its health and circuit state
func (s *Server) handleGetProvider(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]

	snap, ok := s.service.Registry().Get(name)
	if !ok {
		s.writeErrorResponse(w, http.StatusNotFound, fmt.Sprintf("Provider %s not found", name))
		return
	}
	health, _ := s.service.Registry().Health(name)

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"provider": snap,
		"health":   health,
		"circuit":  s.service.Breaker().Snapshot(name),
	})
}

func (s *Server) handleSetActive(active bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := mux.Vars(r)["name"]

		var err error
		if active {
			err = s.service.Registry().Activate(name)
		} else {
			err = s.service.Registry().Deactivate(name)
		}
		if err != nil {
			s.writeErrorResponse(w, http.StatusNotFound, err.Error())
			return
		}

		snap, _ := s.service.Registry().Get(name)
		s.writeJSON(w, http.StatusOK, snap)
	}
}

// handleRateLimits reports the remaining request budget per capability
func (s *Server) handleRateLimits(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	if _, ok := s.service.Registry().Get(name); !ok {
		s.writeErrorResponse(w, http.StatusNotFound, fmt.Sprintf("Provider %s not found", name))
		return
	}

	limits, err := s.service.RateLimits(r.Context(), name)
	if err != nil {
		s.logger.WithError(err).WithField("provider", name).Error("Failed to read rate limits")
		s.writeErrorResponse(w, http.StatusInternalServerError, "Failed to read rate limits")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"provider":   name,
		"ratelimits": limits,
	})
}

func (s *Server) handleListBreakers(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"breakers": s.service.Breaker().Snapshots(),
	})
}

func (s *Server) handleResetBreaker(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	if _, ok := s.service.Registry().Get(name); !ok {
		s.writeErrorResponse(w, http.StatusNotFound, fmt.Sprintf("Provider %s not found", name))
		return
	}

	s.service.Breaker().Reset(name)
	s.logger.WithField("provider", name).Info("Circuit breaker reset via API")
	s.writeJSON(w, http.StatusOK, s.service.Breaker().Snapshot(name))
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.service.Stats())
}

func (s *Server) handleCacheStats(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.service.Cache().Stats())
}

func (s *Server) handleClearTag(w http.ResponseWriter, r *http.Request) {
	tag := mux.Vars(r)["tag"]

	removed, err := s.service.Cache().ClearByTag(r.Context(), tag)
	if err != nil {
		s.logger.WithError(err).WithField("tag", tag).Error("Failed to clear cache tag")
		s.writeErrorResponse(w, http.StatusInternalServerError, "Failed to clear cache tag")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"tag":     tag,
		"removed": removed,
	})
}

// handleHealthCheck reports healthy when the store answers and every active
// provider is available, degraded when only some are
func (s *Server) handleHealthCheck(w http.ResponseWriter, r *http.Request) {
	storeStatus := "healthy"
	if err := s.service.Ping(r.Context()); err != nil {
		storeStatus = "unhealthy"
	}

	providers := make(map[string]types.HealthStatus)
	available := 0
	active := 0
	for _, snap := range s.service.Registry().Snapshots() {
		health, _ := s.service.Registry().Health(snap.Name)
		providers[snap.Name] = health
		if !snap.Active {
			continue
		}
		active++
		if snap.Status.Available && !s.service.Breaker().IsOpen(snap.Name) {
			available++
		}
	}

	status := "healthy"
	switch {
	case storeStatus != "healthy" || available == 0:
		status = "unhealthy"
	case available < active:
		status = "degraded"
	}

	statusCode := http.StatusOK
	if status == "unhealthy" {
		statusCode = http.StatusServiceUnavailable
	}

	s.writeJSON(w, statusCode, map[string]interface{}{
		"status":    status,
		"store":     storeStatus,
		"providers": providers,
		"timestamp": time.Now().Unix(),
	})
}

// Helper functions

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		s.writeErrorResponse(w, http.StatusBadRequest, fmt.Sprintf("Invalid JSON: %v", err))
		return false
	}
	return true
}

// writeDispatchError maps service errors onto HTTP statuses
func (s *Server) writeDispatchError(w http.ResponseWriter, err error) {
	var (
		validation *dispatch.ValidationError
		exhausted  *types.AllProvidersExhaustedError
	)

	switch {
	case errors.As(err, &validation):
		s.writeJSON(w, http.StatusBadRequest, types.ErrorResponse{Error: types.ErrorDetail{
			Message: validation.Message,
			Type:    "invalid_request_error",
			Code:    http.StatusBadRequest,
			Fields:  validation.Fields,
		}})
	case errors.As(err, &exhausted):
		s.writeJSON(w, http.StatusBadGateway, types.ErrorResponse{Error: types.ErrorDetail{
			Message:  err.Error(),
			Type:     "providers_exhausted",
			Code:     http.StatusBadGateway,
			Attempts: exhausted.Attempts,
		}})
	case errors.Is(err, types.ErrNoProviderAvailable):
		s.writeJSON(w, http.StatusServiceUnavailable, types.ErrorResponse{Error: types.ErrorDetail{
			Message: err.Error(),
			Type:    "no_provider_available",
			Code:    http.StatusServiceUnavailable,
		}})
	case errors.Is(err, context.DeadlineExceeded):
		s.writeErrorResponse(w, http.StatusGatewayTimeout, err.Error())
	case errors.Is(err, context.Canceled):
		s.writeErrorResponse(w, http.StatusRequestTimeout, err.Error())
	default:
		s.logger.WithError(err).Error("Unexpected dispatch error")
		s.writeErrorResponse(w, http.StatusInternalServerError, "Internal error")
	}
}

func (s *Server) writeErrorResponse(w http.ResponseWriter, statusCode int, message string) {
	s.writeJSON(w, statusCode, types.ErrorResponse{Error: types.ErrorDetail{
		Message: message,
		Type:    "api_error",
		Code:    statusCode,
	}})
}

func (s *Server) writeJSON(w http.ResponseWriter, statusCode int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.WithError(err).Warn("Failed to encode response")
	}
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}
