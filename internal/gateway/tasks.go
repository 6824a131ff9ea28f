package gateway

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/basket/apiforge/internal/persistence"
)

func (s *Server) handleTasks(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.enqueueTask(w, r)
	case http.MethodGet:
		s.listTasks(w, r)
	default:
		jsonError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *Server) enqueueTask(w http.ResponseWriter, r *http.Request) {
	if !s.requireMethod(w, r, http.MethodPost) {
		return
	}
	var req struct {
		SessionID         string          `json:"session_id"`
		Endpoint          json.RawMessage `json:"endpoint"`
		Priority          int             `json:"priority"`
		MaxRetries        int             `json:"max_retries"`
		RetryDelaySeconds int             `json:"retry_delay_seconds"`
		Metadata          json.RawMessage `json:"metadata"`
	}
	if status, err := decodeValidated(r, "enqueue_task", &req); err != nil {
		jsonError(w, status, err.Error())
		return
	}
	task, err := s.cfg.Store.EnqueueTask(r.Context(), persistence.EnqueueSpec{
		SessionID:         req.SessionID,
		Priority:          req.Priority,
		Endpoint:          req.Endpoint,
		MaxRetries:        req.MaxRetries,
		RetryDelaySeconds: req.RetryDelaySeconds,
		Metadata:          req.Metadata,
	}, s.cfg.EnqueueDefaults)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	s.log.Info("gateway: task enqueued", "task_id", task.ID, "session_id", task.SessionID, "priority", task.Priority)
	writeJSON(w, http.StatusCreated, task)
}

func (s *Server) handleTaskBatch(w http.ResponseWriter, r *http.Request) {
	if !s.requireMethod(w, r, http.MethodPost) {
		return
	}
	var req struct {
		SessionID string `json:"session_id"`
		Tasks     []struct {
			Endpoint          json.RawMessage `json:"endpoint"`
			Priority          int             `json:"priority"`
			MaxRetries        int             `json:"max_retries"`
			RetryDelaySeconds int             `json:"retry_delay_seconds"`
			Metadata          json.RawMessage `json:"metadata"`
		} `json:"tasks"`
	}
	if status, err := decodeValidated(r, "enqueue_batch", &req); err != nil {
		jsonError(w, status, err.Error())
		return
	}
	specs := make([]persistence.EnqueueSpec, 0, len(req.Tasks))
	for _, t := range req.Tasks {
		specs = append(specs, persistence.EnqueueSpec{
			SessionID:         req.SessionID,
			Priority:          t.Priority,
			Endpoint:          t.Endpoint,
			MaxRetries:        t.MaxRetries,
			RetryDelaySeconds: t.RetryDelaySeconds,
			Metadata:          t.Metadata,
		})
	}
	tasks, err := s.cfg.Store.EnqueueBatch(r.Context(), specs, s.cfg.EnqueueDefaults)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	s.log.Info("gateway: batch enqueued", "session_id", req.SessionID, "count", len(tasks))
	writeJSON(w, http.StatusCreated, map[string]any{"tasks": tasks})
}

func (s *Server) listTasks(w http.ResponseWriter, r *http.Request) {
	if !s.requireMethod(w, r, http.MethodGet) {
		return
	}
	tasks, err := s.cfg.Store.ListTasks(r.Context(), persistence.TaskFilter{
		SessionID: r.URL.Query().Get("session_id"),
		Status:    persistence.TaskStatus(r.URL.Query().Get("status")),
		WorkerID:  r.URL.Query().Get("worker_id"),
		Limit:     queryInt(r, "limit", 0),
		Offset:    queryInt(r, "offset", 0),
	})
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": tasks})
}

// handleTaskByID dispatches /api/tasks/{id}, /api/tasks/{id}/cancel and
// /api/tasks/{id}/retry.
func (s *Server) handleTaskByID(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/tasks/")
	parts := strings.SplitN(path, "/", 2)
	taskID := parts[0]
	if taskID == "" {
		jsonError(w, http.StatusBadRequest, "task_id required")
		return
	}

	sub := ""
	if len(parts) == 2 {
		sub = parts[1]
	}

	switch sub {
	case "":
		s.getTask(w, r, taskID)
	case "cancel":
		s.cancelTask(w, r, taskID)
	case "retry":
		s.retryTask(w, r, taskID)
	default:
		jsonError(w, http.StatusNotFound, "unknown task resource")
	}
}

func (s *Server) getTask(w http.ResponseWriter, r *http.Request, taskID string) {
	if !s.requireMethod(w, r, http.MethodGet) {
		return
	}
	task, err := s.cfg.Store.GetTask(r.Context(), taskID)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) cancelTask(w http.ResponseWriter, r *http.Request, taskID string) {
	if !s.requireMethod(w, r, http.MethodPost) {
		return
	}
	task, err := s.cfg.Store.CancelTask(r.Context(), taskID)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	s.log.Info("gateway: task cancelled", "task_id", taskID)
	writeJSON(w, http.StatusOK, task)
}

// retryTask requeues a failed or cancelled task; the accumulated retry_count
// survives so the audit trail stays truthful.
func (s *Server) retryTask(w http.ResponseWriter, r *http.Request, taskID string) {
	if !s.requireMethod(w, r, http.MethodPost) {
		return
	}
	task, err := s.cfg.Store.RequeueTask(r.Context(), taskID)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	s.log.Info("gateway: task requeued", "task_id", taskID)
	writeJSON(w, http.StatusOK, task)
}

// handleErrors serves the global failure log with optional filters.
func (s *Server) handleErrors(w http.ResponseWriter, r *http.Request) {
	if !s.requireMethod(w, r, http.MethodGet) {
		return
	}
	filter := persistence.ErrorFilter{
		SessionID: r.URL.Query().Get("session_id"),
		TaskID:    r.URL.Query().Get("task_id"),
		ErrorType: r.URL.Query().Get("error_type"),
		Limit:     queryInt(r, "limit", 0),
		Offset:    queryInt(r, "offset", 0),
	}
	if raw := r.URL.Query().Get("recoverable"); raw != "" {
		v := raw == "true" || raw == "1"
		filter.Recoverable = &v
	}
	records, err := s.cfg.Store.ListErrors(r.Context(), filter)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"errors": records})
}

func (s *Server) handleErrorSummary(w http.ResponseWriter, r *http.Request) {
	if !s.requireMethod(w, r, http.MethodGet) {
		return
	}
	summary, err := s.cfg.Store.SummarizeErrors(r.Context(), r.URL.Query().Get("session_id"))
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"summary": summary})
}

// handleStats aggregates task, queue and worker statistics in one response.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if !s.requireMethod(w, r, http.MethodGet) {
		return
	}
	ctx := r.Context()
	taskStats, err := s.cfg.Store.TaskStatistics(ctx, "")
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	queueStats, err := s.cfg.Store.QueueStatistics(ctx)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	workerStats, err := s.cfg.Store.WorkerStatistics(ctx)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"tasks":   taskStats,
		"queue":   queueStats,
		"workers": workerStats,
	})
}
