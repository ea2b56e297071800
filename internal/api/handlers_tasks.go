package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"opscron/internal/core"

	"github.com/go-chi/chi/v5"
)

type createTaskRequest struct {
	Name        string          `json:"name"`
	Kind        string          `json:"kind"`
	Cron        string          `json:"cron"`
	Command     string          `json:"command"`
	WorkingDir  string          `json:"working_dir"`
	RunAs       string          `json:"run_as"`
	Interpreter string          `json:"interpreter"`
	EnvVars     string          `json:"env_vars"`
	Args        json.RawMessage `json:"args"`
	Remark      string          `json:"remark"`
	TimeoutSecs *int            `json:"timeout_s"`
	MaxRetries  *int            `json:"max_retries"`
	Enabled     *bool           `json:"enabled"`
}

type updateTaskRequest struct {
	Name        *string         `json:"name"`
	Kind        *string         `json:"kind"`
	Cron        *string         `json:"cron"`
	Command     *string         `json:"command"`
	WorkingDir  *string         `json:"working_dir"`
	RunAs       *string         `json:"run_as"`
	Interpreter *string         `json:"interpreter"`
	EnvVars     *string         `json:"env_vars"`
	Args        json.RawMessage `json:"args"`
	Remark      *string         `json:"remark"`
	TimeoutSecs *int            `json:"timeout_s"`
	MaxRetries  *int            `json:"max_retries"`
	Enabled     *bool           `json:"enabled"`
}

type taskResponse struct {
	ID          string  `json:"id"`
	Name        string  `json:"name"`
	Kind        string  `json:"kind"`
	Cron        string  `json:"cron"`
	Command     string  `json:"command"`
	WorkingDir  string  `json:"working_dir,omitempty"`
	RunAs       string  `json:"run_as,omitempty"`
	Interpreter string  `json:"interpreter,omitempty"`
	EnvVars     string  `json:"env_vars,omitempty"`
	Args        string  `json:"args,omitempty"`
	Remark      string  `json:"remark,omitempty"`
	TimeoutSecs int     `json:"timeout_s"`
	MaxRetries  int     `json:"max_retries"`
	Enabled     bool    `json:"enabled"`
	LastRunAt   *string `json:"last_run_at,omitempty"`
	NextRunAt   *string `json:"next_run_at,omitempty"`
	CreatedAt   string  `json:"created_at"`
	UpdatedAt   string  `json:"updated_at"`
}

// argsText accepts the argument payload either as a JSON string holding
// the raw text or as an inline JSON object/array.
func argsText(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return ""
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			return s
		}
	}
	return string(raw)
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var req createTaskRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	task, err := s.tasks.CreateTask(r.Context(), core.TaskInput{
		Name:           req.Name,
		Kind:           req.Kind,
		Cron:           req.Cron,
		Command:        req.Command,
		WorkingDir:     req.WorkingDir,
		RunAs:          req.RunAs,
		Interpreter:    req.Interpreter,
		EnvVars:        req.EnvVars,
		Args:           argsText(req.Args),
		Remark:         req.Remark,
		TimeoutSeconds: req.TimeoutSecs,
		MaxRetries:     req.MaxRetries,
		Enabled:        req.Enabled,
	})
	if err != nil {
		writeServiceError(w, s.logger, "create task", err)
		return
	}
	writeJSON(w, http.StatusCreated, taskToResponse(task))
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := core.TaskFilter{
		Name:   strings.TrimSpace(q.Get("name")),
		Limit:  parseIntDefault(q.Get("limit"), 50),
		Offset: parseIntDefault(q.Get("offset"), 0),
	}
	if kind := strings.TrimSpace(q.Get("kind")); kind != "" {
		k, ok := core.ParseTaskKind(kind)
		if !ok {
			writeError(w, http.StatusBadRequest, "invalid_input", "kind must be shell, script or http")
			return
		}
		filter.Kind = k
	}
	if enabled := strings.TrimSpace(q.Get("enabled")); enabled != "" {
		b, err := strconv.ParseBool(enabled)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_input", "enabled must be true or false")
			return
		}
		filter.Enabled = &b
	}

	tasks, total, err := s.tasks.ListTasks(r.Context(), filter)
	if err != nil {
		writeServiceError(w, s.logger, "list tasks", err)
		return
	}
	res := listResponse[taskResponse]{Items: make([]taskResponse, 0, len(tasks)), Total: total}
	for _, t := range tasks {
		res.Items = append(res.Items, taskToResponse(t))
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")
	task, err := s.tasks.GetTask(r.Context(), taskID)
	if err != nil {
		writeServiceError(w, s.logger, "load task", err, "task_id", taskID)
		return
	}
	writeJSON(w, http.StatusOK, taskToResponse(task))
}

func (s *Server) handleUpdateTask(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")
	var req updateTaskRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	patch := core.TaskPatch{
		Name:           req.Name,
		Kind:           req.Kind,
		Cron:           req.Cron,
		Command:        req.Command,
		WorkingDir:     req.WorkingDir,
		RunAs:          req.RunAs,
		Interpreter:    req.Interpreter,
		EnvVars:        req.EnvVars,
		Remark:         req.Remark,
		TimeoutSeconds: req.TimeoutSecs,
		MaxRetries:     req.MaxRetries,
		Enabled:        req.Enabled,
	}
	if req.Args != nil {
		args := argsText(req.Args)
		patch.Args = &args
	}

	task, err := s.tasks.UpdateTask(r.Context(), taskID, patch)
	if err != nil {
		writeServiceError(w, s.logger, "update task", err, "task_id", taskID)
		return
	}
	writeJSON(w, http.StatusOK, taskToResponse(task))
}

func (s *Server) handleSetEnabled(enabled bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		taskID := chi.URLParam(r, "taskID")
		task, err := s.tasks.SetEnabled(r.Context(), taskID, enabled)
		if err != nil {
			writeServiceError(w, s.logger, "update task", err, "task_id", taskID)
			return
		}
		writeJSON(w, http.StatusOK, taskToResponse(task))
	}
}

func (s *Server) handleDeleteTask(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")
	if err := s.tasks.DeleteTask(r.Context(), taskID); err != nil {
		writeServiceError(w, s.logger, "delete task", err, "task_id", taskID)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRunTask(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")
	run, err := s.tasks.ExecuteNow(r.Context(), taskID)
	if err != nil {
		writeServiceError(w, s.logger, "run task", err, "task_id", taskID)
		return
	}
	writeJSON(w, http.StatusAccepted, runToResponse(run))
}

func taskToResponse(task *core.Task) taskResponse {
	return taskResponse{
		ID:          task.ID,
		Name:        task.Name,
		Kind:        string(task.Kind),
		Cron:        task.Cron,
		Command:     task.Command,
		WorkingDir:  task.WorkingDir,
		RunAs:       task.RunAs,
		Interpreter: task.Interpreter,
		EnvVars:     task.EnvVars,
		Args:        task.Args,
		Remark:      task.Remark,
		TimeoutSecs: task.TimeoutSeconds,
		MaxRetries:  task.MaxRetries,
		Enabled:     task.Enabled,
		LastRunAt:   formatTimePtr(task.LastRunAt),
		NextRunAt:   formatTimePtr(task.NextRunAt),
		CreatedAt:   formatTime(task.CreatedAt),
		UpdatedAt:   formatTime(task.UpdatedAt),
	}
}
