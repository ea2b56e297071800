package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/cockroachdb/errors"

	"opscron/internal/core"
	"opscron/internal/dbpool"
)

// Service errors mapped to status and error code. First match wins.
var errorStatus = []struct {
	err    error
	status int
	code   string
}{
	{core.ErrTaskNotFound, http.StatusNotFound, "not_found"},
	{core.ErrRunNotFound, http.StatusNotFound, "not_found"},
	{dbpool.ErrConnectionNotFound, http.StatusNotFound, "not_found"},
	{core.ErrInvalidSchedule, http.StatusBadRequest, "invalid_cron"},
	{core.ErrInvalidTask, http.StatusBadRequest, "invalid_input"},
	{core.ErrUnsupportedTaskKind, http.StatusBadRequest, "invalid_input"},
	{dbpool.ErrInvalidConnection, http.StatusBadRequest, "invalid_input"},
	{dbpool.ErrUnsupportedEngine, http.StatusBadRequest, "invalid_input"},
	{core.ErrTaskBusy, http.StatusConflict, "busy"},
	{core.ErrSchedulerStopped, http.StatusServiceUnavailable, "unavailable"},
	{dbpool.ErrRegistryClosed, http.StatusServiceUnavailable, "unavailable"},
}

// writeServiceError maps a service error onto the error envelope. Unknown
// errors are logged and reported as internal without their text.
func writeServiceError(w http.ResponseWriter, logger *slog.Logger, op string, err error, attrs ...any) {
	for _, e := range errorStatus {
		if errors.Is(err, e.err) {
			writeError(w, e.status, e.code, err.Error())
			return
		}
	}
	logger.Error(op, append(attrs, "err", err)...)
	writeError(w, http.StatusInternalServerError, "internal_error", "failed to "+op)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	if err := dec.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid JSON payload: "+err.Error())
		return false
	}
	return true
}

func parseIntDefault(value string, def int) int {
	if value == "" {
		return def
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return def
	}
	return parsed
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func formatTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	formatted := formatTime(*t)
	return &formatted
}

type listResponse[T any] struct {
	Items []T `json:"items"`
	Total int `json:"total"`
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
