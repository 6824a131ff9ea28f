package gateway

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/basket/apiforge/internal/persistence"
)

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.createSession(w, r)
	case http.MethodGet:
		s.listSessions(w, r)
	default:
		jsonError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *Server) createSession(w http.ResponseWriter, r *http.Request) {
	if !s.requireMethod(w, r, http.MethodPost) {
		return
	}
	var req struct {
		Config   json.RawMessage `json:"config"`
		Metadata json.RawMessage `json:"metadata"`
	}
	if status, err := decodeValidated(r, "create_session", &req); err != nil {
		jsonError(w, status, err.Error())
		return
	}
	session, err := s.cfg.Store.CreateSession(r.Context(), req.Config, req.Metadata)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	s.log.Info("gateway: session created", "session_id", session.ID)
	writeJSON(w, http.StatusCreated, session)
}

func (s *Server) listSessions(w http.ResponseWriter, r *http.Request) {
	if !s.requireMethod(w, r, http.MethodGet) {
		return
	}
	status := persistence.SessionStatus(r.URL.Query().Get("status"))
	limit := queryInt(r, "limit", 0)
	offset := queryInt(r, "offset", 0)
	sessions, err := s.cfg.Store.ListSessions(r.Context(), status, limit, offset)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": sessions})
}

// handleSessionByID dispatches /api/sessions/{id} and its sub-resources:
// cancel, reconcile, progress, errors, stats.
func (s *Server) handleSessionByID(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/sessions/")
	parts := strings.SplitN(path, "/", 2)
	sessionID := parts[0]
	if sessionID == "" {
		jsonError(w, http.StatusBadRequest, "session_id required")
		return
	}

	sub := ""
	if len(parts) == 2 {
		sub = parts[1]
	}

	switch sub {
	case "":
		switch r.Method {
		case http.MethodGet:
			s.getSession(w, r, sessionID)
		case http.MethodPatch:
			s.updateSessionMetadata(w, r, sessionID)
		case http.MethodDelete:
			s.deleteSession(w, r, sessionID)
		default:
			jsonError(w, http.StatusMethodNotAllowed, "method not allowed")
		}
	case "cancel":
		s.cancelSession(w, r, sessionID)
	case "reconcile":
		s.reconcileProgress(w, r, sessionID)
	case "progress":
		s.getProgress(w, r, sessionID)
	case "errors":
		s.listSessionErrors(w, r, sessionID)
	case "stats":
		s.sessionStats(w, r, sessionID)
	default:
		jsonError(w, http.StatusNotFound, "unknown session resource")
	}
}

func (s *Server) getSession(w http.ResponseWriter, r *http.Request, sessionID string) {
	if !s.requireMethod(w, r, http.MethodGet) {
		return
	}
	session, err := s.cfg.Store.GetSession(r.Context(), sessionID)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

func (s *Server) updateSessionMetadata(w http.ResponseWriter, r *http.Request, sessionID string) {
	if !s.requireMethod(w, r, http.MethodPatch) {
		return
	}
	var req struct {
		Metadata json.RawMessage `json:"metadata"`
	}
	if status, err := decodeValidated(r, "update_metadata", &req); err != nil {
		jsonError(w, status, err.Error())
		return
	}
	session, err := s.cfg.Store.UpdateSessionMetadata(r.Context(), sessionID, req.Metadata)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

func (s *Server) deleteSession(w http.ResponseWriter, r *http.Request, sessionID string) {
	if !s.requireMethod(w, r, http.MethodDelete) {
		return
	}
	if err := s.cfg.Store.DeleteSession(r.Context(), sessionID); err != nil {
		s.writeStoreError(w, err)
		return
	}
	s.log.Info("gateway: session deleted", "session_id", sessionID)
	writeJSON(w, http.StatusOK, map[string]any{"deleted": true})
}

func (s *Server) cancelSession(w http.ResponseWriter, r *http.Request, sessionID string) {
	if !s.requireMethod(w, r, http.MethodPost) {
		return
	}
	cancelled, err := s.cfg.Store.CancelSession(r.Context(), sessionID)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	s.log.Info("gateway: session cancelled", "session_id", sessionID, "tasks_cancelled", cancelled)
	writeJSON(w, http.StatusOK, map[string]any{
		"session_id":      sessionID,
		"tasks_cancelled": cancelled,
	})
}

func (s *Server) getProgress(w http.ResponseWriter, r *http.Request, sessionID string) {
	if !s.requireMethod(w, r, http.MethodGet) {
		return
	}
	progress, err := s.cfg.Store.GetProgress(r.Context(), sessionID)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, progress)
}

func (s *Server) reconcileProgress(w http.ResponseWriter, r *http.Request, sessionID string) {
	if !s.requireMethod(w, r, http.MethodPost) {
		return
	}
	progress, err := s.cfg.Store.ReconcileProgress(r.Context(), sessionID)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, progress)
}

func (s *Server) listSessionErrors(w http.ResponseWriter, r *http.Request, sessionID string) {
	if !s.requireMethod(w, r, http.MethodGet) {
		return
	}
	records, err := s.cfg.Store.ListErrors(r.Context(), persistence.ErrorFilter{
		SessionID: sessionID,
		ErrorType: r.URL.Query().Get("error_type"),
		Limit:     queryInt(r, "limit", 0),
		Offset:    queryInt(r, "offset", 0),
	})
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"errors": records})
}

func (s *Server) sessionStats(w http.ResponseWriter, r *http.Request, sessionID string) {
	if !s.requireMethod(w, r, http.MethodGet) {
		return
	}
	stats, err := s.cfg.Store.TaskStatistics(r.Context(), sessionID)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func queryInt(r *http.Request, key string, fallback int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return n
}
