package api

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"opscron/internal/core"
)

type cronPreviewRequest struct {
	Expr  string `json:"expr"`
	Now   string `json:"now,omitempty"`
	Count int    `json:"count,omitempty"`
}

type cronPreviewResponse struct {
	Valid     bool     `json:"valid"`
	NextTimes []string `json:"next_times,omitempty"`
	Message   string   `json:"message,omitempty"`
}

func (s *Server) handleCronPreview(w http.ResponseWriter, r *http.Request) {
	var req cronPreviewRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, cronPreviewResponse{Valid: false, Message: "invalid JSON payload"})
		return
	}
	expr := strings.TrimSpace(req.Expr)
	if expr == "" {
		writeJSON(w, http.StatusBadRequest, cronPreviewResponse{Valid: false, Message: "cron expression is required"})
		return
	}

	count := req.Count
	if count <= 0 || count > 10 {
		count = 5
	}

	var times []time.Time
	if req.Now == "" {
		next, err := s.tasks.PreviewCron(expr, count)
		if err != nil {
			writeJSON(w, http.StatusOK, cronPreviewResponse{Valid: false, Message: err.Error()})
			return
		}
		times = next
	} else {
		base, err := time.Parse(time.RFC3339, req.Now)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, cronPreviewResponse{Valid: false, Message: "now must be RFC3339"})
			return
		}
		schedule, err := core.ParseCron(expr)
		if err != nil {
			writeJSON(w, http.StatusOK, cronPreviewResponse{Valid: false, Message: err.Error()})
			return
		}
		times = core.NextOccurrences(schedule, base.In(s.tasks.Location()), count)
	}

	formatted := make([]string, 0, len(times))
	for _, t := range times {
		formatted = append(formatted, formatTime(t))
	}
	writeJSON(w, http.StatusOK, cronPreviewResponse{Valid: true, NextTimes: formatted})
}
