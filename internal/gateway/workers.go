package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/basket/apiforge/internal/persistence"
)

func (s *Server) handleWorkers(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.registerWorker(w, r)
	case http.MethodGet:
		s.listWorkers(w, r)
	default:
		jsonError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *Server) registerWorker(w http.ResponseWriter, r *http.Request) {
	if !s.requireMethod(w, r, http.MethodPost) {
		return
	}
	var req struct {
		WorkerID           string          `json:"worker_id"`
		Name               string          `json:"name"`
		Type               string          `json:"worker_type"`
		Capabilities       json.RawMessage `json:"capabilities"`
		MaxConcurrentTasks int             `json:"max_concurrent_tasks"`
	}
	if status, err := decodeValidated(r, "register_worker", &req); err != nil {
		jsonError(w, status, err.Error())
		return
	}
	worker, err := s.cfg.Store.RegisterWorker(r.Context(), persistence.WorkerSpec{
		ID:                 req.WorkerID,
		Name:               req.Name,
		Type:               req.Type,
		Capabilities:       req.Capabilities,
		MaxConcurrentTasks: req.MaxConcurrentTasks,
	})
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	s.log.Info("gateway: worker registered", "worker_id", worker.ID, "name", worker.Name)
	writeJSON(w, http.StatusCreated, worker)
}

func (s *Server) listWorkers(w http.ResponseWriter, r *http.Request) {
	if !s.requireMethod(w, r, http.MethodGet) {
		return
	}
	onlineOnly := r.URL.Query().Get("online") == "true"
	workers, err := s.cfg.Store.ListWorkers(r.Context(), onlineOnly)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"workers": workers})
}

// handleWorkerByID dispatches /api/workers/{id} and the worker protocol
// verbs: heartbeat, request_task, complete, fail.
func (s *Server) handleWorkerByID(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/workers/")
	parts := strings.SplitN(path, "/", 2)
	workerID := parts[0]
	if workerID == "" {
		jsonError(w, http.StatusBadRequest, "worker_id required")
		return
	}

	sub := ""
	if len(parts) == 2 {
		sub = parts[1]
	}

	switch sub {
	case "":
		s.getWorker(w, r, workerID)
	case "heartbeat":
		s.workerHeartbeat(w, r, workerID)
	case "request_task":
		s.requestTask(w, r, workerID)
	case "complete":
		s.completeTask(w, r, workerID)
	case "fail":
		s.failTask(w, r, workerID)
	default:
		jsonError(w, http.StatusNotFound, "unknown worker resource")
	}
}

func (s *Server) getWorker(w http.ResponseWriter, r *http.Request, workerID string) {
	if !s.requireMethod(w, r, http.MethodGet) {
		return
	}
	worker, err := s.cfg.Store.GetWorker(r.Context(), workerID)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, worker)
}

func (s *Server) workerHeartbeat(w http.ResponseWriter, r *http.Request, workerID string) {
	if !s.requireMethod(w, r, http.MethodPost) {
		return
	}
	var req struct {
		Status string `json:"status"`
	}
	if status, err := decodeValidated(r, "heartbeat", &req); err != nil {
		jsonError(w, status, err.Error())
		return
	}
	if err := s.cfg.Store.Heartbeat(r.Context(), workerID, persistence.WorkerStatus(req.Status)); err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"acknowledged": true})
}

// requestTask hands the worker the highest-priority due task, or 204 when
// there is nothing for it. A worker at its concurrency limit gets the same
// 204 as an empty queue; it should finish something before asking again.
func (s *Server) requestTask(w http.ResponseWriter, r *http.Request, workerID string) {
	if !s.requireMethod(w, r, http.MethodPost) {
		return
	}
	task, err := s.cfg.Store.ClaimNextTask(r.Context(), workerID)
	if errors.Is(err, persistence.ErrCapacityExceeded) {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	if task == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	s.log.Info("gateway: task assigned", "task_id", task.ID, "worker_id", workerID)
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) completeTask(w http.ResponseWriter, r *http.Request, workerID string) {
	if !s.requireMethod(w, r, http.MethodPost) {
		return
	}
	var req struct {
		TaskID  string          `json:"task_id"`
		Result  json.RawMessage `json:"result"`
		Metrics json.RawMessage `json:"metrics"`
	}
	if status, err := decodeValidated(r, "complete_report", &req); err != nil {
		jsonError(w, status, err.Error())
		return
	}
	if err := s.cfg.Store.CompleteTask(r.Context(), workerID, req.TaskID, req.Result, req.Metrics); err != nil {
		s.writeStoreError(w, err)
		return
	}
	s.log.Info("gateway: task completed", "task_id", req.TaskID, "worker_id", workerID)
	writeJSON(w, http.StatusOK, map[string]any{"task_id": req.TaskID, "status": persistence.TaskStatusCompleted})
}

func (s *Server) failTask(w http.ResponseWriter, r *http.Request, workerID string) {
	if !s.requireMethod(w, r, http.MethodPost) {
		return
	}
	var req struct {
		TaskID       string          `json:"task_id"`
		ErrorType    string          `json:"error_type"`
		ErrorMessage string          `json:"error_message"`
		ErrorDetails json.RawMessage `json:"error_details"`
		Recoverable  bool            `json:"recoverable"`
	}
	if status, err := decodeValidated(r, "fail_report", &req); err != nil {
		jsonError(w, status, err.Error())
		return
	}
	decision, err := s.cfg.Store.FailTask(r.Context(), workerID, req.TaskID, persistence.Failure{
		Type:        req.ErrorType,
		Message:     req.ErrorMessage,
		Details:     req.ErrorDetails,
		Recoverable: req.Recoverable,
	})
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	s.log.Info("gateway: task failure reported",
		"task_id", req.TaskID, "worker_id", workerID,
		"will_retry", decision.WillRetry, "retry_count", decision.RetryCount)
	writeJSON(w, http.StatusOK, decision)
}
