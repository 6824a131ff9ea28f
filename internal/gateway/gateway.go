package gateway

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/basket/apiforge/internal/bus"
	"github.com/basket/apiforge/internal/otel"
	"github.com/basket/apiforge/internal/persistence"
	"go.opentelemetry.io/otel/trace"
)

// Config wires the gateway's collaborators. Store is required; everything
// else degrades gracefully when absent (no bus means no /ws stream, no
// tracer means no spans).
type Config struct {
	Store  *persistence.Store
	Bus    *bus.Bus
	Logger *slog.Logger

	Tracer  trace.Tracer
	Metrics *otel.Metrics

	// AuthToken, when non-empty, requires a matching Bearer token on every
	// endpoint except /healthz.
	AuthToken string

	// AllowOrigins controls accepted Origin headers for browser WS
	// connections. Empty list means "same-origin only".
	AllowOrigins []string

	// MaxRequestBytes bounds request bodies. 0 uses 1 MiB.
	MaxRequestBytes int64

	// EnqueueDefaults fill unset fields on submitted tasks.
	EnqueueDefaults persistence.EnqueueDefaults

	// ConfigFingerprint is the hash of active config exposed at /api/config.
	ConfigFingerprint string
}

// Server is the HTTP/WebSocket front of the queue.
type Server struct {
	cfg Config
	log *slog.Logger
}

func New(cfg Config) *Server {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Server{cfg: cfg, log: log}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/ws", s.handleWS)

	mux.HandleFunc("/api/sessions", s.handleSessions)
	mux.HandleFunc("/api/sessions/", s.handleSessionByID)
	mux.HandleFunc("/api/tasks", s.handleTasks)
	mux.HandleFunc("/api/tasks/batch", s.handleTaskBatch)
	mux.HandleFunc("/api/tasks/", s.handleTaskByID)
	mux.HandleFunc("/api/workers", s.handleWorkers)
	mux.HandleFunc("/api/workers/", s.handleWorkerByID)
	mux.HandleFunc("/api/errors", s.handleErrors)
	mux.HandleFunc("/api/errors/summary", s.handleErrorSummary)
	mux.HandleFunc("/api/stats", s.handleStats)
	mux.HandleFunc("/api/config", s.handleConfig)

	var h http.Handler = mux
	h = s.traceMiddleware(h)
	h = RequestSizeLimitMiddleware(s.cfg.MaxRequestBytes)(h)
	h = NewCORSMiddleware(s.cfg.AllowOrigins)(h)
	return h
}

// authorize checks the Bearer token. An empty configured token disables
// auth; the default bind address is loopback-only.
func (s *Server) authorize(r *http.Request) bool {
	if s.cfg.AuthToken == "" {
		return true
	}
	authz := strings.TrimSpace(r.Header.Get("Authorization"))
	const prefix = "Bearer "
	if !strings.HasPrefix(authz, prefix) {
		return false
	}
	token := strings.TrimSpace(strings.TrimPrefix(authz, prefix))
	return subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.AuthToken)) == 1
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	health, err := s.cfg.Store.HealthCheck(r.Context())
	if err != nil {
		jsonError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	status := http.StatusOK
	if !health.OK {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, health)
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	if !s.requireMethod(w, r, http.MethodGet) {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"config_hash":         s.cfg.ConfigFingerprint,
		"default_priority":    s.cfg.EnqueueDefaults.Priority,
		"default_max_retries": s.cfg.EnqueueDefaults.MaxRetries,
	})
}

// requireMethod enforces method and auth in one place; every handler calls
// it first.
func (s *Server) requireMethod(w http.ResponseWriter, r *http.Request, methods ...string) bool {
	allowed := false
	for _, m := range methods {
		if r.Method == m {
			allowed = true
			break
		}
	}
	if !allowed {
		jsonError(w, http.StatusMethodNotAllowed, "method not allowed")
		return false
	}
	if !s.authorize(r) {
		jsonError(w, http.StatusUnauthorized, "unauthorized")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func jsonError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeStoreError maps the store's sentinel taxonomy onto HTTP statuses.
// Conflicts (stale lease, terminal state, inactive session) are 409 so a
// retrying client can tell them apart from transient failures.
func (s *Server) writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, persistence.ErrNotFound):
		jsonError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, persistence.ErrLeaseConflict),
		errors.Is(err, persistence.ErrTerminalState),
		errors.Is(err, persistence.ErrSessionNotActive),
		errors.Is(err, persistence.ErrWorkerUnavailable),
		errors.Is(err, persistence.ErrCapacityExceeded):
		jsonError(w, http.StatusConflict, err.Error())
	case errors.Is(err, persistence.ErrQueueSaturated):
		jsonError(w, http.StatusTooManyRequests, err.Error())
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		jsonError(w, http.StatusServiceUnavailable, err.Error())
	default:
		s.log.Error("gateway: internal error", "error", err)
		jsonError(w, http.StatusInternalServerError, err.Error())
	}
}
