package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/teamnotes/taskfeed/internal/taskfeed"
)

type ServerConfig struct {
	JWTSecret       string
	RateLimitMax    int
	RateLimitWindow time.Duration
	MaxBodyBytes    int64

	// Registry backs /metrics; nil falls back to the default gatherer.
	Registry *prometheus.Registry
}

// Server exposes the session manager over HTTP: watch lifecycle, snapshot
// reads, and a websocket snapshot stream per owner.
type Server struct {
	manager     *taskfeed.Manager
	cfg         ServerConfig
	logger      taskfeed.Logger
	rateLimiter *rateLimiter
	router      *mux.Router
}

type rateLimiter struct {
	mu      sync.Mutex
	window  time.Duration
	max     int
	entries map[string]rateEntry
}

type rateEntry struct {
	count   int
	resetAt time.Time
}

func NewServer(manager *taskfeed.Manager) *Server {
	return NewServerWithConfig(manager, ServerConfig{}, nil)
}

func NewServerWithConfig(manager *taskfeed.Manager, cfg ServerConfig, logger taskfeed.Logger) *Server {
	if cfg.JWTSecret == "" {
		cfg.JWTSecret = "dev-secret"
	}
	if cfg.RateLimitMax < 0 {
		cfg.RateLimitMax = 0
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	var limiter *rateLimiter
	if cfg.RateLimitMax > 0 {
		limiter = &rateLimiter{
			window:  cfg.RateLimitWindow,
			max:     cfg.RateLimitMax,
			entries: map[string]rateEntry{},
		}
	}
	s := &Server{
		manager:     manager,
		cfg:         cfg,
		logger:      logger,
		rateLimiter: limiter,
	}
	s.router = s.buildRouter()
	return s
}

func (s *Server) buildRouter() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/dashboard", s.handleDashboard).Methods(http.MethodGet)

	metricsHandler := promhttp.Handler()
	if s.cfg.Registry != nil {
		metricsHandler = promhttp.HandlerFor(s.cfg.Registry, promhttp.HandlerOpts{})
	}
	r.Handle("/metrics", metricsHandler).Methods(http.MethodGet)

	v1 := r.PathPrefix("/v1/owners/{ownerId}").Subrouter()
	v1.HandleFunc("/watch", s.authorized("tasks:watch", s.handleWatch)).Methods(http.MethodPost)
	v1.HandleFunc("/watch", s.authorized("tasks:watch", s.handleUnwatch)).Methods(http.MethodDelete)
	v1.HandleFunc("/tasks", s.authorized("tasks:read", s.handleTasks)).Methods(http.MethodGet)
	v1.HandleFunc("/stream", s.authorized("tasks:read", s.handleStream)).Methods(http.MethodGet)

	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed", getCorrelationID(r))
	})
	return r
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

type ownerHandler func(w http.ResponseWriter, r *http.Request, ownerID, correlationID string)

// authorized wraps an owner-scoped handler with bearer auth, the correlation
// header requirement, the owner claim check, and rate limiting.
func (s *Server) authorized(requiredScope string, next ownerHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ownerID := mux.Vars(r)["ownerId"]
		claims, authErr := authorizeBearer(bearerToken(r), s.cfg.JWTSecret, ownerID, requiredScope, time.Now().UTC())
		if authErr != nil {
			writeError(w, authErr.status, authErr.code, authErr.message, getCorrelationID(r))
			return
		}
		correlationID := getCorrelationID(r)
		if correlationID == "" {
			writeError(w, http.StatusBadRequest, "bad_request", "missing X-Correlation-Id header", "")
			return
		}
		if s.rateLimiter != nil {
			key := ownerID + "|" + claims.Subject
			if !s.rateLimiter.allow(key, time.Now().UTC()) {
				retryAfter := int(math.Ceil(s.rateLimiter.window.Seconds()))
				if retryAfter < 1 {
					retryAfter = 1
				}
				w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
				writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded", correlationID)
				return
			}
		}
		if r.Body != nil && s.cfg.MaxBodyBytes > 0 {
			r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
		}
		next(w, r, ownerID, correlationID)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type watchResponse struct {
	OwnerID       string `json:"ownerId"`
	Subscriptions int    `json:"subscriptions"`
	Active        bool   `json:"active"`
}

func (s *Server) handleWatch(w http.ResponseWriter, r *http.Request, ownerID, correlationID string) {
	// watch takes no payload; drain the capped body so oversized requests
	// are rejected rather than silently ignored
	if _, err := io.Copy(io.Discard, r.Body); err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body exceeds limit", correlationID)
		return
	}
	session, err := s.manager.Watch(r.Context(), ownerID)
	if err != nil {
		switch {
		case errors.Is(err, taskfeed.ErrInvalidDescriptor), errors.Is(err, taskfeed.ErrInvalidInput):
			writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
		case errors.Is(err, taskfeed.ErrStopped):
			writeError(w, http.StatusServiceUnavailable, "shutting_down", err.Error(), correlationID)
		default:
			writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), correlationID)
		}
		return
	}
	writeJSON(w, http.StatusCreated, watchResponse{
		OwnerID:       session.OwnerID(),
		Subscriptions: session.SubscriptionCount(),
		Active:        session.Active(),
	})
}

func (s *Server) handleUnwatch(w http.ResponseWriter, _ *http.Request, ownerID, correlationID string) {
	if _, ok := s.manager.Get(ownerID); !ok {
		writeError(w, http.StatusNotFound, "not_found", "no active watch for owner", correlationID)
		return
	}
	s.manager.Stop(ownerID)
	writeJSON(w, http.StatusOK, map[string]any{"ownerId": ownerID, "active": false})
}

func (s *Server) handleTasks(w http.ResponseWriter, _ *http.Request, ownerID, correlationID string) {
	session, ok := s.manager.Get(ownerID)
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "no active watch for owner", correlationID)
		return
	}
	snap, ok := session.Last()
	if !ok {
		writeError(w, http.StatusNotFound, "no_snapshot", "no snapshot published yet", correlationID)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// getCorrelationID reads the correlation header, falling back to the query
// parameter for websocket clients that cannot set headers.
func getCorrelationID(r *http.Request) string {
	if id := r.Header.Get("X-Correlation-Id"); id != "" {
		return id
	}
	return r.URL.Query().Get("correlationId")
}

// bearerToken reads the Authorization header, falling back to the
// access_token query parameter for websocket clients that cannot set headers.
func bearerToken(r *http.Request) string {
	if header := r.Header.Get("Authorization"); header != "" {
		return header
	}
	if token := r.URL.Query().Get("access_token"); token != "" {
		return "Bearer " + token
	}
	return ""
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message, correlationID string) {
	writeJSON(w, status, map[string]any{
		"code":          code,
		"message":       message,
		"correlationId": correlationID,
	})
}

func (r *rateLimiter) allow(key string, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[key]
	if !ok || now.After(entry.resetAt) {
		r.entries[key] = rateEntry{
			count:   1,
			resetAt: now.Add(r.window),
		}
		return true
	}
	if entry.count >= r.max {
		return false
	}
	entry.count++
	r.entries[key] = entry
	return true
}

func (s *Server) logf(format string, args ...any) {
	if s.logger == nil {
		return
	}
	s.logger.Printf(format, args...)
}
