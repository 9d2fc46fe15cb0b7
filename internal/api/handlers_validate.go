package api

import (
	"encoding/json"
	"net/http"

	"podtask/internal/core"
)

type validateRequest struct {
	Command string `json:"command"`
}

type validateResponse struct {
	Safe    bool     `json:"safe"`
	Allowed []string `json:"allowed,omitempty"`
}

func (s *Server) handleValidateCommand(w http.ResponseWriter, r *http.Request) {
	var req validateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return
	}
	resp := validateResponse{Safe: core.IsSafe(req.Command)}
	if !resp.Safe {
		resp.Allowed = core.AllowedCommands()
	}
	writeJSON(w, http.StatusOK, resp)
}
