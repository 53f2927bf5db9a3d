package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/cmjester6421/neo-refined/internal/engine"
)

// submitWorkflowRequest is the JSON body for POST /v1/workflows. When deps is
// omitted, tasks are chained sequentially in task_ids order.
type submitWorkflowRequest struct {
	Name           string              `json:"name"`
	TaskIDs        []string            `json:"task_ids"`
	Deps           map[string][]string `json:"deps"`
	AbortOnFailure bool                `json:"abort_on_failure"`
}

func (s *Server) handleSubmitWorkflow(w http.ResponseWriter, r *http.Request) {
	var req submitWorkflowRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	if len(req.TaskIDs) == 0 {
		s.writeError(w, http.StatusBadRequest, "task_ids is required")
		return
	}

	id, err := s.engine.SubmitWorkflow(engine.WorkflowSpec{
		Name:           req.Name,
		TaskIDs:        req.TaskIDs,
		Deps:           req.Deps,
		AbortOnFailure: req.AbortOnFailure,
	})
	if err != nil {
		s.writeEngineError(w, "submit workflow", err)
		return
	}

	wf, err := s.engine.Workflow(id)
	if err != nil {
		s.logger.Error("get submitted workflow", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get workflow")
		return
	}

	s.writeJSON(w, http.StatusAccepted, wf)
}

func (s *Server) handleGetWorkflow(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	wf, err := s.engine.Workflow(id)
	if errors.Is(err, engine.ErrUnknownWorkflow) {
		s.writeError(w, http.StatusNotFound, "workflow not found")
		return
	}
	if err != nil {
		s.logger.Error("get workflow", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get workflow")
		return
	}

	s.writeJSON(w, http.StatusOK, wf)
}
