package api

import (
	"errors"
	"net/http"
	"time"

	"podtask/internal/core"
	"podtask/internal/store"

	"github.com/go-chi/chi/v5"
)

type executionResponse struct {
	StartTime  string `json:"start_time"`
	EndTime    string `json:"end_time"`
	DurationMs int64  `json:"duration_ms"`
	Output     string `json:"output"`
	Phase      string `json:"phase"`
	PodName    string `json:"pod_name,omitempty"`
}

func (s *Server) handleListExecutions(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")
	execs, err := s.store.ListExecutions(r.Context(), taskID)
	if err != nil {
		if errors.Is(err, store.ErrTaskNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "task not found")
		} else {
			s.logger.Error("list executions", "task_id", taskID, "err", err)
			writeError(w, http.StatusInternalServerError, "internal_error", "failed to list executions")
		}
		return
	}

	resp := make([]executionResponse, 0, len(execs))
	for _, exec := range execs {
		resp = append(resp, executionToResponse(exec))
	}
	writeJSON(w, http.StatusOK, resp)
}

func executionToResponse(exec core.TaskExecution) executionResponse {
	return executionResponse{
		StartTime:  exec.StartTime.UTC().Format(time.RFC3339Nano),
		EndTime:    exec.EndTime.UTC().Format(time.RFC3339Nano),
		DurationMs: exec.Duration().Milliseconds(),
		Output:     exec.Output,
		Phase:      exec.Phase.String(),
		PodName:    exec.PodName,
	}
}
