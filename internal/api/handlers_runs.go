package api

import (
	"net/http"
	"strings"

	"opscron/internal/core"

	"github.com/go-chi/chi/v5"
)

type runResponse struct {
	ID         string  `json:"id"`
	TaskID     string  `json:"task_id"`
	Trigger    string  `json:"trigger"`
	Status     string  `json:"status"`
	StartedAt  *string `json:"started_at,omitempty"`
	EndedAt    *string `json:"ended_at,omitempty"`
	DurationMs int64   `json:"duration_ms"`
	Output     string  `json:"output,omitempty"`
	Error      string  `json:"error,omitempty"`
	RetryCount int     `json:"retry_count"`
	CreatedAt  string  `json:"created_at"`
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	run, err := s.tasks.GetRun(r.Context(), runID)
	if err != nil {
		writeServiceError(w, s.logger, "load run", err, "run_id", runID)
		return
	}
	writeJSON(w, http.StatusOK, runToResponse(run))
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	s.listRuns(w, r, strings.TrimSpace(r.URL.Query().Get("task_id")))
}

func (s *Server) handleListTaskRuns(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")
	if _, err := s.tasks.GetTask(r.Context(), taskID); err != nil {
		writeServiceError(w, s.logger, "load task", err, "task_id", taskID)
		return
	}
	s.listRuns(w, r, taskID)
}

func (s *Server) listRuns(w http.ResponseWriter, r *http.Request, taskID string) {
	q := r.URL.Query()
	filter := core.RunFilter{
		TaskID: taskID,
		Limit:  parseIntDefault(q.Get("limit"), 20),
		Offset: parseIntDefault(q.Get("offset"), 0),
	}
	if status := strings.TrimSpace(q.Get("status")); status != "" {
		st := core.RunStatus(status)
		switch st {
		case core.RunStatusRunning, core.RunStatusSuccess, core.RunStatusFailed, core.RunStatusTimeout:
			filter.Status = st
		default:
			writeError(w, http.StatusBadRequest, "invalid_input", "status must be running, success, failed or timeout")
			return
		}
	}

	runs, total, err := s.tasks.ListRuns(r.Context(), filter)
	if err != nil {
		writeServiceError(w, s.logger, "list runs", err, "task_id", taskID)
		return
	}
	res := listResponse[runResponse]{Items: make([]runResponse, 0, len(runs)), Total: total}
	for _, run := range runs {
		res.Items = append(res.Items, runToResponse(run))
	}
	writeJSON(w, http.StatusOK, res)
}

func runToResponse(run *core.Run) runResponse {
	return runResponse{
		ID:         run.ID,
		TaskID:     run.TaskID,
		Trigger:    string(run.Trigger),
		Status:     string(run.Status),
		StartedAt:  formatTimePtr(&run.StartedAt),
		EndedAt:    formatTimePtr(run.EndedAt),
		DurationMs: run.DurationMs,
		Output:     run.Output,
		Error:      run.Error,
		RetryCount: run.RetryCount,
		CreatedAt:  formatTime(run.CreatedAt),
	}
}
