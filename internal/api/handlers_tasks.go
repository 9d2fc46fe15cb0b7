package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"podtask/internal/core"
	"podtask/internal/store"

	"github.com/go-chi/chi/v5"
)

type taskRequest struct {
	Name       string `json:"name"`
	Command    string `json:"command"`
	Owner      string `json:"owner"`
	ServerName string `json:"server_name"`
}

type taskResponse struct {
	ID         string              `json:"id"`
	Name       string              `json:"name"`
	Command    string              `json:"command"`
	Owner      string              `json:"owner,omitempty"`
	ServerName string              `json:"server_name,omitempty"`
	Executions []executionResponse `json:"executions"`
	CreatedAt  string              `json:"created_at"`
	UpdatedAt  string              `json:"updated_at"`
}

func (req *taskRequest) normalize() (string, bool) {
	req.Name = strings.TrimSpace(req.Name)
	req.Command = strings.TrimSpace(req.Command)
	req.Owner = strings.TrimSpace(req.Owner)
	req.ServerName = strings.TrimSpace(req.ServerName)
	if req.Name == "" {
		return "name is required", false
	}
	if req.Command == "" {
		return "command is required", false
	}
	return "", true
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var req taskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return
	}
	if msg, ok := req.normalize(); !ok {
		writeError(w, http.StatusBadRequest, "invalid_input", msg)
		return
	}

	task := &core.Task{
		Name:       req.Name,
		Command:    req.Command,
		Owner:      req.Owner,
		ServerName: req.ServerName,
	}
	if err := s.store.InsertTask(r.Context(), task); err != nil {
		s.logger.Error("insert task", "err", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to insert task")
		return
	}
	writeJSON(w, http.StatusCreated, taskToResponse(task))
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	tasks, err := s.store.ListTasks(r.Context())
	if err != nil {
		s.logger.Error("list tasks", "err", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to list tasks")
		return
	}
	writeJSON(w, http.StatusOK, tasksToResponse(tasks))
}

func (s *Server) handleSearchTasks(w http.ResponseWriter, r *http.Request) {
	name := strings.TrimSpace(r.URL.Query().Get("name"))
	if name == "" {
		writeError(w, http.StatusBadRequest, "invalid_input", "name query parameter is required")
		return
	}
	tasks, err := s.store.SearchTasks(r.Context(), name)
	if err != nil {
		s.logger.Error("search tasks", "name", name, "err", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to search tasks")
		return
	}
	if len(tasks) == 0 {
		writeJSON(w, http.StatusNotFound, []taskResponse{})
		return
	}
	writeJSON(w, http.StatusOK, tasksToResponse(tasks))
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")
	task, err := s.store.GetTask(r.Context(), taskID)
	if err != nil {
		if errors.Is(err, store.ErrTaskNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "task not found")
		} else {
			s.logger.Error("get task", "task_id", taskID, "err", err)
			writeError(w, http.StatusInternalServerError, "internal_error", "failed to load task")
		}
		return
	}
	writeJSON(w, http.StatusOK, taskToResponse(task))
}

func (s *Server) handleUpdateTask(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")
	var req taskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return
	}
	if msg, ok := req.normalize(); !ok {
		writeError(w, http.StatusBadRequest, "invalid_input", msg)
		return
	}

	task := &core.Task{
		ID:         taskID,
		Name:       req.Name,
		Command:    req.Command,
		Owner:      req.Owner,
		ServerName: req.ServerName,
	}
	if err := s.store.UpdateTask(r.Context(), task); err != nil {
		if errors.Is(err, store.ErrTaskNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "task not found")
			return
		}
		s.logger.Error("update task", "task_id", taskID, "err", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to update task")
		return
	}

	updated, err := s.store.GetTask(r.Context(), taskID)
	if err != nil {
		s.logger.Error("reload task", "task_id", taskID, "err", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to load task")
		return
	}
	writeJSON(w, http.StatusOK, taskToResponse(updated))
}

func (s *Server) handleDeleteTask(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")
	if err := s.store.DeleteTask(r.Context(), taskID); err != nil {
		if errors.Is(err, store.ErrTaskNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "task not found")
		} else {
			s.logger.Error("delete task", "task_id", taskID, "err", err)
			writeError(w, http.StatusInternalServerError, "internal_error", "failed to delete task")
		}
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRunTask(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")
	exec, err := s.runner.Run(r.Context(), taskID)
	if err != nil {
		status, code := runErrorStatus(err)
		if status >= http.StatusInternalServerError {
			s.logger.Error("run task", "task_id", taskID, "err", err)
		}
		writeError(w, status, code, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, executionToResponse(*exec))
}

// runErrorStatus maps a run failure onto an HTTP status and error code.
func runErrorStatus(err error) (int, string) {
	kind, ok := core.KindOf(err)
	if !ok {
		return http.StatusInternalServerError, "internal_error"
	}
	switch kind {
	case core.KindTaskNotFound:
		return http.StatusNotFound, string(kind)
	case core.KindUnsafeCommand:
		return http.StatusBadRequest, string(kind)
	case core.KindEnvironmentCreate, core.KindEnvironmentRuntime:
		return http.StatusBadGateway, string(kind)
	case core.KindEnvironmentTimeout:
		return http.StatusGatewayTimeout, string(kind)
	default:
		return http.StatusInternalServerError, string(kind)
	}
}

func taskToResponse(task *core.Task) taskResponse {
	execs := make([]executionResponse, 0, len(task.Executions))
	for _, exec := range task.Executions {
		execs = append(execs, executionToResponse(exec))
	}
	return taskResponse{
		ID:         task.ID,
		Name:       task.Name,
		Command:    task.Command,
		Owner:      task.Owner,
		ServerName: task.ServerName,
		Executions: execs,
		CreatedAt:  task.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt:  task.UpdatedAt.UTC().Format(time.RFC3339),
	}
}

func tasksToResponse(tasks []*core.Task) []taskResponse {
	res := make([]taskResponse, 0, len(tasks))
	for _, t := range tasks {
		res = append(res, taskToResponse(t))
	}
	return res
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	payload := map[string]any{
		"error": map[string]string{
			"code":    code,
			"message": message,
		},
	}
	writeJSON(w, status, payload)
}
