package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"opscron/internal/core"
	"opscron/internal/dbpool"
	"opscron/internal/logging"
	"opscron/internal/store"
	"opscron/internal/vault"
)

func newTestServer(t *testing.T, opts Options) http.Handler {
	t.Helper()
	ctx := context.Background()
	logger := logging.NewTest(t)

	st, err := store.OpenPath(ctx, filepath.Join(t.TempDir(), "api.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	scheduler := core.NewScheduler(st, core.NewExecutor(st, logger, core.ExecutorOptions{}), logger,
		core.SchedulerOptions{Location: time.UTC})
	require.NoError(t, scheduler.Start(ctx))
	t.Cleanup(func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = scheduler.Shutdown(shutdownCtx)
	})

	v := vault.New("secret", "salt")
	registry := dbpool.NewRegistry(st, v, logger, dbpool.Options{})
	t.Cleanup(registry.Close)

	srv := NewServer("127.0.0.1:0", core.NewTaskService(st, scheduler, logger),
		dbpool.NewConnectionService(st, v, registry, logger), logger, opts)
	return srv.Handler()
}

func doJSON(t *testing.T, h http.Handler, method, path string, body any) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var out map[string]any
	if rec.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	}
	return rec, out
}

func errorCode(body map[string]any) string {
	e, _ := body["error"].(map[string]any)
	code, _ := e["code"].(string)
	return code
}

func TestTaskLifecycle(t *testing.T) {
	h := newTestServer(t, Options{})

	rec, body := doJSON(t, h, http.MethodPost, "/v1/tasks", map[string]any{
		"name":      "nightly",
		"kind":      "shell",
		"cron":      "0 3 * * *",
		"command":   "echo",
		"args":      map[string]any{"mode": "full"},
		"timeout_s": 30,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	id := body["id"].(string)
	assert.Equal(t, "shell", body["kind"])
	assert.Equal(t, `{"mode":"full"}`, body["args"])
	assert.Equal(t, float64(30), body["timeout_s"])
	assert.Equal(t, float64(core.DefaultMaxRetries), body["max_retries"])
	assert.Equal(t, true, body["enabled"])
	assert.NotEmpty(t, body["next_run_at"])

	rec, body = doJSON(t, h, http.MethodGet, "/v1/tasks?enabled=true", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(1), body["total"])

	rec, body = doJSON(t, h, http.MethodPost, "/v1/tasks/"+id+"/disable", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, false, body["enabled"])
	assert.Nil(t, body["next_run_at"])

	rec, body = doJSON(t, h, http.MethodGet, "/v1/tasks?enabled=true", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(0), body["total"])

	cron := "*/10 * * * *"
	rec, body = doJSON(t, h, http.MethodPatch, "/v1/tasks/"+id, map[string]any{"cron": cron, "enabled": true})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, cron, body["cron"])
	assert.NotEmpty(t, body["next_run_at"])

	rec, _ = doJSON(t, h, http.MethodDelete, "/v1/tasks/"+id, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec, body = doJSON(t, h, http.MethodGet, "/v1/tasks/"+id, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "not_found", errorCode(body))
}

func TestTaskValidationErrors(t *testing.T) {
	h := newTestServer(t, Options{})

	tests := []struct {
		name string
		body map[string]any
		code string
	}{
		{"bad cron", map[string]any{"name": "x", "kind": "shell", "cron": "every day", "command": "true"}, "invalid_cron"},
		{"missing name", map[string]any{"kind": "shell", "cron": "* * * * *", "command": "true"}, "invalid_input"},
		{"bad kind", map[string]any{"name": "x", "kind": "ruby", "cron": "* * * * *", "command": "true"}, "invalid_input"},
		{"http without url", map[string]any{"name": "x", "kind": "http", "cron": "* * * * *", "command": "ping"}, "invalid_input"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, body := doJSON(t, h, http.MethodPost, "/v1/tasks", tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Equal(t, tt.code, errorCode(body))
		})
	}

	req := httptest.NewRequest(http.MethodPost, "/v1/tasks", bytes.NewBufferString("{"))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, _ = doJSON(t, h, http.MethodGet, "/v1/tasks?kind=ruby", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec, _ = doJSON(t, h, http.MethodPost, "/v1/tasks/nope/run", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRunNow(t *testing.T) {
	h := newTestServer(t, Options{})

	rec, body := doJSON(t, h, http.MethodPost, "/v1/tasks", map[string]any{
		"name": "hello", "kind": "shell", "cron": "0 0 1 1 *", "command": "echo hello",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	taskID := body["id"].(string)

	rec, body = doJSON(t, h, http.MethodPost, "/v1/tasks/"+taskID+"/run", nil)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	runID := body["id"].(string)
	assert.Equal(t, "manual", body["trigger"])
	assert.Equal(t, "running", body["status"])

	require.Eventually(t, func() bool {
		_, body = doJSON(t, h, http.MethodGet, "/v1/runs/"+runID, nil)
		return body["status"] == "success"
	}, 5*time.Second, 20*time.Millisecond)
	assert.Equal(t, "hello\n", body["output"])
	assert.NotEmpty(t, body["started_at"])
	assert.NotEmpty(t, body["ended_at"])

	rec, body = doJSON(t, h, http.MethodGet, "/v1/tasks/"+taskID+"/runs?status=success", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(1), body["total"])

	rec, _ = doJSON(t, h, http.MethodGet, "/v1/runs?status=queued", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec, _ = doJSON(t, h, http.MethodGet, "/v1/runs/missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCronPreview(t *testing.T) {
	h := newTestServer(t, Options{})

	rec, body := doJSON(t, h, http.MethodPost, "/v1/cron/preview", map[string]any{
		"expr": "0 9 * * *", "now": "2024-01-01T10:00:00Z", "count": 2,
	})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, body["valid"])
	assert.Equal(t, []any{"2024-01-02T09:00:00Z", "2024-01-03T09:00:00Z"}, body["next_times"])

	rec, body = doJSON(t, h, http.MethodPost, "/v1/cron/preview", map[string]any{"expr": "61 * * * *"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, false, body["valid"])
	assert.NotEmpty(t, body["message"])

	rec, _ = doJSON(t, h, http.MethodPost, "/v1/cron/preview", map[string]any{"expr": " "})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestConnectionEndpoints(t *testing.T) {
	h := newTestServer(t, Options{})
	dbPath := filepath.Join(t.TempDir(), "target.db")

	rec, body := doJSON(t, h, http.MethodPost, "/v1/connections", map[string]any{
		"name": "reports", "engine": "sqlite", "database": dbPath, "password": "pw",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	id := body["id"].(string)
	assert.Equal(t, true, body["has_password"])
	assert.NotContains(t, body, "password")
	assert.Equal(t, "unknown", body["status"])

	rec, body = doJSON(t, h, http.MethodPost, "/v1/connections/"+id+"/test", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, body["ok"], body["message"])

	_, body = doJSON(t, h, http.MethodGet, "/v1/connections/"+id, nil)
	assert.Equal(t, "reachable", body["status"])

	rec, body = doJSON(t, h, http.MethodPost, "/v1/connections/"+id+"/pool", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, id, body["conn_id"])
	_, body = doJSON(t, h, http.MethodGet, "/v1/connections/pools", nil)
	assert.Equal(t, float64(1), body["total"])

	rec, _ = doJSON(t, h, http.MethodPost, "/v1/connections/"+id+"/refresh", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	_, body = doJSON(t, h, http.MethodGet, "/v1/connections/pools", nil)
	assert.Equal(t, float64(0), body["total"])

	rec, body = doJSON(t, h, http.MethodPost, "/v1/connections/test", map[string]any{"engine": "mysql"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, false, body["ok"])
	assert.Equal(t, "missing required connection parameters", body["message"])

	rec, body = doJSON(t, h, http.MethodPost, "/v1/connections", map[string]any{"name": "x", "engine": "oracle"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_input", errorCode(body))

	rec, _ = doJSON(t, h, http.MethodDelete, "/v1/connections/"+id, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec, _ = doJSON(t, h, http.MethodGet, "/v1/connections/"+id, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec, _ = doJSON(t, h, http.MethodPost, "/v1/connections/"+id+"/refresh", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAuthMiddleware(t *testing.T) {
	h := newTestServer(t, Options{AuthToken: "s3cret"})

	rec, body := doJSON(t, h, http.MethodGet, "/v1/tasks", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "unauthorized", errorCode(body))

	req := httptest.NewRequest(http.MethodGet, "/v1/tasks", nil)
	req.Header.Set("Authorization", "Bearer s3cret")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec, _ = doJSON(t, h, http.MethodGet, "/v1/tasks?token=s3cret", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	rec, _ = doJSON(t, h, http.MethodGet, "/v1/tasks?token=wrong", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec, _ = doJSON(t, h, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}
