// Package api serves storage queries and health over HTTP.
//
// Every /v1 endpoint answers with {"code": <status>, "value": ...}. A zero
// code is success; any other code is one of errors.StatusCode and the
// value is omitted.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/storaged/storaged/internal/space"
	"github.com/storaged/storaged/internal/usage"
	"github.com/storaged/storaged/pkg/errors"
	"github.com/storaged/storaged/pkg/health"
	"github.com/storaged/storaged/pkg/utils"
)

// Version is reported by /info.
const Version = "1.0.0"

// UsageSource answers bundle and user storage queries. usage.Reporter
// implements it.
type UsageSource interface {
	BundleStats(bundle string) (usage.BundleStats, error)
	UserStorageStats(ctx context.Context) (usage.UserStorageStats, error)
}

// Server provides the HTTP query surface
type Server struct {
	httpServer    *http.Server
	sampler       space.Sampler
	usage         UsageSource
	healthTracker *health.Tracker
	metrics       http.Handler
	logger        *utils.StructuredLogger
	config        ServerConfig
}

// ServerConfig configures the API server
type ServerConfig struct {
	// Address to bind the server to (e.g., "127.0.0.1:9101")
	Address string `yaml:"address" json:"address"`

	// ReadTimeout is the maximum duration for reading the entire request
	ReadTimeout time.Duration `yaml:"read_timeout" json:"read_timeout"`

	// WriteTimeout is the maximum duration for writing the response. The
	// user storage walk must finish within it.
	WriteTimeout time.Duration `yaml:"write_timeout" json:"write_timeout"`

	// IdleTimeout is the maximum duration to wait for the next request
	IdleTimeout time.Duration `yaml:"idle_timeout" json:"idle_timeout"`
}

// DefaultServerConfig returns default server configuration
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Address:      "127.0.0.1:9101",
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
}

// Options are the server's collaborators. Usage, Health and Metrics are
// optional.
type Options struct {
	Sampler space.Sampler
	Usage   UsageSource
	Health  *health.Tracker
	Metrics http.Handler
	Logger  *utils.StructuredLogger
}

// Response is the envelope of every /v1 answer.
type Response struct {
	Code    errors.StatusCode `json:"code"`
	Value   interface{}       `json:"value,omitempty"`
	Message string            `json:"message,omitempty"`
}

// NewServer creates a new API server
func NewServer(config ServerConfig, opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = utils.NewNopLogger()
	}
	s := &Server{
		sampler:       opts.Sampler,
		usage:         opts.Usage,
		healthTracker: opts.Health,
		metrics:       opts.Metrics,
		logger:        logger.WithComponent("api"),
		config:        config,
	}

	s.httpServer = &http.Server{
		Addr:         config.Address,
		Handler:      s.Handler(),
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
		IdleTimeout:  config.IdleTimeout,
	}
	return s
}

// Handler returns the routed handler with middleware applied.
func (s *Server) Handler() http.Handler {
	router := mux.NewRouter()

	v1 := router.PathPrefix("/v1").Methods(http.MethodGet).Subrouter()
	v1.HandleFunc("/total-size", s.get(s.handleTotalSize))
	v1.HandleFunc("/free-size", s.get(s.handleFreeSize))
	v1.HandleFunc("/system-size", s.get(s.handleSystemSize))
	v1.HandleFunc("/total-inodes", s.get(s.handleTotalInodes))
	v1.HandleFunc("/free-inodes", s.get(s.handleFreeInodes))
	v1.HandleFunc("/bundle-stats", s.get(s.handleBundleStats))
	v1.HandleFunc("/bundle-stats/{bundle}", s.get(s.handleBundleStats))
	v1.HandleFunc("/user-storage-stats", s.get(s.handleUserStorageStats))

	router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	router.HandleFunc("/health/live", s.handleLiveness).Methods(http.MethodGet)
	router.HandleFunc("/health/ready", s.handleReadiness).Methods(http.MethodGet)
	router.HandleFunc("/info", s.handleInfo).Methods(http.MethodGet)

	if s.metrics != nil {
		router.Handle("/metrics", s.metrics).Methods(http.MethodGet)
	}

	router.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.respondJSON(w, http.StatusMethodNotAllowed, Response{
			Code:    errors.E_PARAMS_INVALID,
			Message: "method not allowed",
		})
	})
	router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.respondJSON(w, http.StatusNotFound, Response{
			Code:    errors.E_NOT_FOUND,
			Message: "no such endpoint",
		})
	})

	router.Use(s.loggingMiddleware)
	return router
}

// Start starts the HTTP server
func (s *Server) Start() error {
	s.logger.Info("starting API server", map[string]interface{}{"address": s.config.Address})
	return s.httpServer.ListenAndServe()
}

// StartBackground starts the server in a background goroutine
func (s *Server) StartBackground() {
	go func() {
		if err := s.Start(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("API server stopped", map[string]interface{}{"error": err})
		}
	}()
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down API server")
	return s.httpServer.Shutdown(ctx)
}

// query is one /v1 handler. It returns the value to wrap or an error.
type query func(r *http.Request) (interface{}, error)

func (s *Server) get(q query) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		value, err := q(r)
		if err != nil {
			code := errors.Status(err)
			s.logger.Debug("query failed", map[string]interface{}{
				"path":  r.URL.Path,
				"code":  code.String(),
				"error": err,
			})
			s.respondJSON(w, httpStatus(code), Response{Code: code, Message: err.Error()})
			return
		}
		s.respondJSON(w, http.StatusOK, Response{Code: errors.E_OK, Value: value})
	}
}

func httpStatus(code errors.StatusCode) int {
	switch code {
	case errors.E_OK:
		return http.StatusOK
	case errors.E_PARAMS_INVALID:
		return http.StatusBadRequest
	case errors.E_NOT_FOUND:
		return http.StatusNotFound
	case errors.E_SERVICE_UNAVAILABLE:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) sample(r *http.Request) (space.SizeInfo, error) {
	if s.sampler == nil {
		return space.SizeInfo{}, errors.NewError(errors.ErrCodeServiceUnavailable, "storage sampling not configured")
	}
	return s.sampler.Sample(r.Context())
}

func (s *Server) handleTotalSize(r *http.Request) (interface{}, error) {
	info, err := s.sample(r)
	return info.TotalSize, err
}

func (s *Server) handleFreeSize(r *http.Request) (interface{}, error) {
	info, err := s.sample(r)
	return info.FreeSize, err
}

func (s *Server) handleTotalInodes(r *http.Request) (interface{}, error) {
	info, err := s.sample(r)
	return info.TotalInode, err
}

func (s *Server) handleFreeInodes(r *http.Request) (interface{}, error) {
	info, err := s.sample(r)
	return info.FreeInode, err
}

func (s *Server) handleSystemSize(r *http.Request) (interface{}, error) {
	if s.sampler == nil {
		return nil, errors.NewError(errors.ErrCodeServiceUnavailable, "storage sampling not configured")
	}
	return s.sampler.SystemSize(r.Context())
}

func (s *Server) handleBundleStats(r *http.Request) (interface{}, error) {
	if s.usage == nil {
		return nil, errors.NewError(errors.ErrCodeServiceUnavailable, "usage statistics not configured")
	}
	bundle, ok := mux.Vars(r)["bundle"]
	if !ok {
		bundle = r.URL.Query().Get("bundle")
	}
	if bundle == "" {
		return nil, errors.NewError(errors.ErrCodeInvalidParam, "bundle parameter required")
	}
	return s.usage.BundleStats(bundle)
}

func (s *Server) handleUserStorageStats(r *http.Request) (interface{}, error) {
	if s.usage == nil {
		return nil, errors.NewError(errors.ErrCodeServiceUnavailable, "usage statistics not configured")
	}
	return s.usage.UserStorageStats(r.Context())
}

// Health endpoint handlers

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	overall := s.healthTracker.GetOverallHealth()
	statusCode := http.StatusOK
	if overall == health.StateUnavailable {
		statusCode = http.StatusServiceUnavailable
	}

	s.respondJSON(w, statusCode, map[string]interface{}{
		"status":     overall.String(),
		"timestamp":  time.Now(),
		"components": s.healthTracker.GetAllComponents(),
	})
}

func (s *Server) handleLiveness(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"alive":     true,
		"timestamp": time.Now(),
	})
}

func (s *Server) handleReadiness(w http.ResponseWriter, r *http.Request) {
	overall := s.healthTracker.GetOverallHealth()
	ready := overall != health.StateUnavailable

	statusCode := http.StatusOK
	if !ready {
		statusCode = http.StatusServiceUnavailable
	}

	s.respondJSON(w, statusCode, map[string]interface{}{
		"ready":     ready,
		"status":    overall.String(),
		"timestamp": time.Now(),
	})
}

func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	endpoints := []string{
		"/v1/total-size",
		"/v1/free-size",
		"/v1/system-size",
		"/v1/total-inodes",
		"/v1/free-inodes",
		"/v1/bundle-stats?bundle={name}",
		"/v1/bundle-stats/{name}",
		"/v1/user-storage-stats",
		"/health",
		"/health/live",
		"/health/ready",
		"/info",
	}
	if s.metrics != nil {
		endpoints = append(endpoints, "/metrics")
	}

	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"service":   "storaged",
		"version":   Version,
		"timestamp": time.Now(),
		"endpoints": endpoints,
	})
}

// Middleware

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("request served", map[string]interface{}{
			"method":   r.Method,
			"path":     r.URL.Path,
			"duration": time.Since(start).String(),
		})
	})
}

// Helper methods

func (s *Server) respondJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Warn("encoding JSON response failed", map[string]interface{}{"error": err})
	}
}
