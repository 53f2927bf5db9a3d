package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/cmjester6421/neo-refined/internal/engine"
	"github.com/cmjester6421/neo-refined/internal/model"
)

const (
	defaultListLimit = 20
	maxListLimit     = 100
	maxBodySize      = 1 << 20 // 1 MB
)

// createTaskRequest is the JSON body for POST /v1/tasks.
type createTaskRequest struct {
	Name         string          `json:"name"`
	PayloadType  string          `json:"payload_type"`
	PayloadInput json.RawMessage `json:"payload_input"`
	Priority     string          `json:"priority"`
	MaxRetries   *int            `json:"max_retries"`
	BaseDelayMS  *int            `json:"base_delay_ms"`
	BackoffCapMS *int            `json:"backoff_cap_ms"`
}

// scheduleTaskRequest is the JSON body for POST /v1/tasks/{id}/schedule.
// Exactly one of the trigger fields must be set.
type scheduleTaskRequest struct {
	At         *time.Time `json:"at"`
	IntervalMS *int       `json:"interval_ms"`
	Cron       string     `json:"cron"`
}

// listTasksResponse wraps the paginated list response.
type listTasksResponse struct {
	Tasks  []model.Task `json:"tasks"`
	Total  int          `json:"total"`
	Limit  int          `json:"limit"`
	Offset int          `json:"offset"`
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var req createTaskRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	if req.Name == "" {
		s.writeError(w, http.StatusBadRequest, "name is required")
		return
	}
	if req.PayloadType == "" {
		s.writeError(w, http.StatusBadRequest, "payload_type is required")
		return
	}

	opts := engine.TaskOptions{
		Priority:   req.Priority,
		MaxRetries: req.MaxRetries,
	}
	if req.BaseDelayMS != nil {
		opts.BaseDelay = time.Duration(*req.BaseDelayMS) * time.Millisecond
	}
	if req.BackoffCapMS != nil {
		opts.BackoffCap = time.Duration(*req.BackoffCapMS) * time.Millisecond
	}

	id, err := s.engine.CreateTaskByType(req.Name, req.PayloadType, req.PayloadInput, opts)
	if err != nil {
		if errors.Is(err, engine.ErrInvalidConfiguration) {
			s.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.logger.Error("create task", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to create task")
		return
	}

	task, err := s.engine.Task(id)
	if err != nil {
		s.logger.Error("get created task", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get task")
		return
	}

	s.writeJSON(w, http.StatusCreated, task)
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	task, err := s.engine.Task(id)
	if errors.Is(err, engine.ErrUnknownTask) {
		s.writeError(w, http.StatusNotFound, "task not found")
		return
	}
	if err != nil {
		s.logger.Error("get task", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get task")
		return
	}

	s.writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	status := r.URL.Query().Get("status")
	limit := parseIntQuery(r, "limit", defaultListLimit)
	offset := parseIntQuery(r, "offset", 0)

	if limit <= 0 || limit > maxListLimit {
		limit = defaultListLimit
	}
	if offset < 0 {
		offset = 0
	}

	all := s.engine.Tasks(status)
	total := len(all)

	if offset > total {
		offset = total
	}
	end := offset + limit
	if end > total {
		end = total
	}
	page := all[offset:end]
	if page == nil {
		page = []model.Task{}
	}

	s.writeJSON(w, http.StatusOK, listTasksResponse{
		Tasks:  page,
		Total:  total,
		Limit:  limit,
		Offset: offset,
	})
}

func (s *Server) handleSubmitTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if err := s.engine.Submit(id); err != nil {
		s.writeEngineError(w, "submit task", err)
		return
	}

	task, err := s.engine.Task(id)
	if err != nil {
		s.logger.Error("get submitted task", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get task")
		return
	}

	s.writeJSON(w, http.StatusAccepted, task)
}

func (s *Server) handleScheduleTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req scheduleTaskRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	set := 0
	if req.At != nil {
		set++
	}
	if req.IntervalMS != nil {
		set++
	}
	if req.Cron != "" {
		set++
	}
	if set != 1 {
		s.writeError(w, http.StatusBadRequest, "exactly one of at, interval_ms, cron is required")
		return
	}

	var err error
	switch {
	case req.At != nil:
		err = s.engine.ScheduleAt(id, *req.At)
	case req.IntervalMS != nil:
		err = s.engine.ScheduleEvery(id, time.Duration(*req.IntervalMS)*time.Millisecond)
	default:
		err = s.engine.ScheduleCron(id, req.Cron)
	}
	if err != nil {
		s.writeEngineError(w, "schedule task", err)
		return
	}

	task, err := s.engine.Task(id)
	if err != nil {
		s.logger.Error("get scheduled task", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get task")
		return
	}

	s.writeJSON(w, http.StatusAccepted, task)
}

func (s *Server) handleCancelTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if _, err := s.engine.Cancel(id); err != nil {
		s.writeEngineError(w, "cancel task", err)
		return
	}

	task, err := s.engine.Task(id)
	if err != nil {
		s.logger.Error("get cancelled task", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get task")
		return
	}

	s.writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleListPayloadTypes(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string][]string{
		"payload_types": s.engine.PayloadTypes(),
	})
}

// writeEngineError maps control-plane engine errors to HTTP status codes.
func (s *Server) writeEngineError(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, engine.ErrUnknownTask):
		s.writeError(w, http.StatusNotFound, "task not found")
	case errors.Is(err, engine.ErrAlreadyScheduled), errors.Is(err, engine.ErrAlreadyQueued):
		s.writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, engine.ErrInvalidConfiguration), errors.Is(err, model.ErrInvalidTransition):
		s.writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, engine.ErrEngineClosed):
		s.writeError(w, http.StatusServiceUnavailable, "engine is shut down")
	default:
		s.logger.Error(op, "error", err)
		s.writeError(w, http.StatusInternalServerError, "internal error")
	}
}

// writeJSON writes a JSON response with the given status code.
func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("encode response", "error", err)
	}
}

// writeError writes a JSON error response.
func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

// parseIntQuery parses an integer query parameter with a default value.
func parseIntQuery(r *http.Request, key string, defaultVal int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return n
}
