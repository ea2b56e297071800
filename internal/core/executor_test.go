package core

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"opscron/internal/logging"
)

func newTestExecutor(t *testing.T, store *memStore, opts ExecutorOptions) *Executor {
	t.Helper()
	return NewExecutor(store, logging.NewTest(t), opts)
}

func seedTask(t *testing.T, store *memStore, task *Task) *Task {
	t.Helper()
	if task.ID == "" {
		task.ID = "task-" + strings.ReplaceAll(t.Name(), "/", "-")
	}
	if task.Cron == "" {
		task.Cron = "0 0 * * *"
	}
	if task.Name == "" {
		task.Name = task.ID
	}
	require.NoError(t, store.InsertTask(context.Background(), task))
	return task
}

func TestExecuteShellSuccess(t *testing.T) {
	store := newMemStore()
	exec := newTestExecutor(t, store, ExecutorOptions{})
	task := seedTask(t, store, &Task{
		Kind:    KindShell,
		Command: "echo \"$GREETING\"",
		EnvVars: "GREETING=hello",
		Args:    `["world"]`,
	})

	run := exec.Execute(context.Background(), task, TriggerManual)
	assert.Equal(t, RunStatusSuccess, run.Status)
	assert.Equal(t, "hello world\n", run.Output)
	assert.Equal(t, 0, run.RetryCount)
	require.NotNil(t, run.EndedAt)

	stored, err := store.GetRun(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, RunStatusSuccess, stored.Status)

	reloaded, err := store.GetTask(context.Background(), task.ID)
	require.NoError(t, err)
	assert.NotNil(t, reloaded.LastRunAt)
}

func TestExecuteRetriesUntilExhausted(t *testing.T) {
	store := newMemStore()
	exec := newTestExecutor(t, store, ExecutorOptions{RetryBackoff: 10 * time.Millisecond})
	dir := t.TempDir()
	task := seedTask(t, store, &Task{
		Kind:       KindShell,
		Command:    "echo attempt >> attempts.log; echo broken >&2; exit 3",
		WorkingDir: dir,
		MaxRetries: 2,
	})

	run := exec.Execute(context.Background(), task, TriggerCron)
	assert.Equal(t, RunStatusFailed, run.Status)
	assert.Equal(t, 2, run.RetryCount)
	assert.Contains(t, run.Error, "exit status 3: broken")

	data, err := os.ReadFile(filepath.Join(dir, "attempts.log"))
	require.NoError(t, err)
	assert.Equal(t, 3, strings.Count(string(data), "attempt"))
	assert.Len(t, store.runsOf(task.ID), 1)
}

func TestExecuteTimeout(t *testing.T) {
	store := newMemStore()
	exec := newTestExecutor(t, store, ExecutorOptions{})
	task := seedTask(t, store, &Task{
		Kind:           KindShell,
		Command:        "sleep 5",
		TimeoutSeconds: 1,
	})

	start := time.Now()
	run := exec.Execute(context.Background(), task, TriggerManual)
	elapsed := time.Since(start)

	assert.Equal(t, RunStatusTimeout, run.Status)
	assert.Contains(t, run.Error, "timed out")
	assert.Less(t, elapsed, 3*time.Second)
}

func TestExecuteHTTPPostFailure(t *testing.T) {
	var gotBody atomic.Value
	var gotType atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		gotBody.Store(string(body))
		gotType.Store(r.Header.Get("Content-Type"))
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "yes", r.Header.Get("X-Test"))
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte("database exploded"))
	}))
	defer srv.Close()

	store := newMemStore()
	exec := newTestExecutor(t, store, ExecutorOptions{})
	task := seedTask(t, store, &Task{
		Kind:    KindHTTP,
		Command: srv.URL + "/hook",
		Args:    `{"method":"POST","headers":{"X-Test":"yes"},"data":{"id":7,"name":"x"}}`,
	})

	run := exec.Execute(context.Background(), task, TriggerManual)
	assert.Equal(t, RunStatusFailed, run.Status)
	assert.Contains(t, run.Error, "HTTP 500")
	assert.Contains(t, run.Error, "database exploded")
	assert.JSONEq(t, `{"id":7,"name":"x"}`, gotBody.Load().(string))
	assert.Equal(t, "application/json", gotType.Load())
}

func TestExecuteHTTPGetQuery(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "1", r.URL.Query().Get("page"))
		assert.Equal(t, []string{"a", "b"}, r.URL.Query()["tag"])
		_, _ = w.Write([]byte("ok"))
	}))
	defer srv.Close()

	store := newMemStore()
	exec := newTestExecutor(t, store, ExecutorOptions{})
	task := seedTask(t, store, &Task{
		Kind:    KindHTTP,
		Command: srv.URL,
		Args:    `{"data":{"page":1,"tag":["a","b"]}}`,
	})

	run := exec.Execute(context.Background(), task, TriggerManual)
	assert.Equal(t, RunStatusSuccess, run.Status)
	assert.Equal(t, "ok", run.Output)
}

type panicStrategy struct{ calls atomic.Int32 }

func (p *panicStrategy) Run(context.Context, *Task) Result {
	p.calls.Add(1)
	panic("boom")
}

func TestExecuteRecoversStrategyPanic(t *testing.T) {
	store := newMemStore()
	exec := newTestExecutor(t, store, ExecutorOptions{})
	strategy := &panicStrategy{}
	exec.shell = strategy
	task := seedTask(t, store, &Task{Kind: KindShell, Command: "true", MaxRetries: 1})

	run := exec.Execute(context.Background(), task, TriggerManual)
	assert.Equal(t, RunStatusFailed, run.Status)
	assert.Contains(t, run.Error, "internal error: boom")
	assert.Equal(t, int32(2), strategy.calls.Load())
}

func TestExecuteUnsupportedKind(t *testing.T) {
	store := newMemStore()
	exec := newTestExecutor(t, store, ExecutorOptions{})
	task := seedTask(t, store, &Task{Kind: TaskKind("ftp"), Command: "x", MaxRetries: 3})

	run := exec.Execute(context.Background(), task, TriggerManual)
	assert.Equal(t, RunStatusFailed, run.Status)
	assert.Contains(t, run.Error, "unsupported task kind")
	assert.Equal(t, 0, run.RetryCount)
}

func TestExecuteCancelledDuringBackoff(t *testing.T) {
	store := newMemStore()
	exec := newTestExecutor(t, store, ExecutorOptions{RetryBackoff: time.Minute})
	task := seedTask(t, store, &Task{Kind: KindShell, Command: "exit 1", MaxRetries: 3})

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(300*time.Millisecond, cancel)
	run := exec.Execute(ctx, task, TriggerCron)
	assert.Equal(t, RunStatusFailed, run.Status)
	assert.Contains(t, run.Error, "execution cancelled")

	stored, err := store.GetRun(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, RunStatusFailed, stored.Status)
}

type recordingNotifier struct{ titles atomic.Int32 }

func (r *recordingNotifier) Send(context.Context, string, string) error {
	r.titles.Add(1)
	return nil
}

func TestExecuteNotifiesOnFailureOnly(t *testing.T) {
	store := newMemStore()
	notifier := &recordingNotifier{}
	exec := newTestExecutor(t, store, ExecutorOptions{Notifier: notifier})
	ok := seedTask(t, store, &Task{ID: "ok", Kind: KindShell, Command: "true"})
	bad := seedTask(t, store, &Task{ID: "bad", Kind: KindShell, Command: "false"})

	exec.Execute(context.Background(), ok, TriggerManual)
	assert.Equal(t, int32(0), notifier.titles.Load())
	exec.Execute(context.Background(), bad, TriggerManual)
	assert.Equal(t, int32(1), notifier.titles.Load())
}

func TestReserveCapsInstances(t *testing.T) {
	exec := newTestExecutor(t, newMemStore(), ExecutorOptions{MaxInstances: 2})
	r1, err := exec.Reserve("t")
	require.NoError(t, err)
	_, err = exec.Reserve("t")
	require.NoError(t, err)
	_, err = exec.Reserve("t")
	assert.ErrorIs(t, err, ErrTaskBusy)

	_, err = exec.Reserve("other")
	assert.NoError(t, err)

	r1()
	r1()
	assert.Equal(t, 1, exec.Running("t"))
}

func TestExecuteShellKeepsStderrOnSuccess(t *testing.T) {
	store := newMemStore()
	exec := newTestExecutor(t, store, ExecutorOptions{})
	task := seedTask(t, store, &Task{Kind: KindShell, Command: "printf out; echo warn >&2"})

	run := exec.Execute(context.Background(), task, TriggerManual)
	assert.Equal(t, RunStatusSuccess, run.Status)
	assert.Equal(t, "out\nwarn\n", run.Output)
}

func TestExecuteScript(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "report.sh"), []byte(`echo "report $#: $*"`+"\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "my job.sh"), []byte(`echo "job $#: $*"`+"\n"), 0o644))

	tests := []struct {
		name        string
		interpreter string
		fallback    string
		command     string
		args        string
		want        string
	}{
		{
			name:        "task interpreter with object args",
			interpreter: "/bin/sh",
			fallback:    "/nonexistent/python",
			command:     "report.sh --verbose",
			args:        `{"name":"x y","n":2}`,
			want:        "report 3: --verbose --name=x y --n=2\n",
		},
		{
			name:     "default interpreter with list args",
			fallback: "/bin/sh",
			command:  `'my job.sh'`,
			args:     `["a","b c"]`,
			want:     "job 2: a b c\n",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newMemStore()
			exec := newTestExecutor(t, store, ExecutorOptions{Interpreter: tt.fallback})
			task := seedTask(t, store, &Task{
				Kind:        KindScript,
				Command:     tt.command,
				Interpreter: tt.interpreter,
				Args:        tt.args,
				WorkingDir:  dir,
			})

			run := exec.Execute(context.Background(), task, TriggerManual)
			require.Equal(t, RunStatusSuccess, run.Status, run.Error)
			assert.Equal(t, tt.want, run.Output)
		})
	}
}

func TestExecuteScriptRejectsUnbalancedQuotes(t *testing.T) {
	store := newMemStore()
	exec := newTestExecutor(t, store, ExecutorOptions{Interpreter: "/bin/sh"})
	task := seedTask(t, store, &Task{Kind: KindScript, Command: `'broken.sh`})

	run := exec.Execute(context.Background(), task, TriggerManual)
	assert.Equal(t, RunStatusFailed, run.Status)
	assert.Contains(t, run.Error, "invalid script command")
}

func TestExecuteHTTPTruncatedBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "1000")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("partial"))
		w.(http.Flusher).Flush()
		conn, _, err := w.(http.Hijacker).Hijack()
		if err == nil {
			_ = conn.Close()
		}
	}))
	defer srv.Close()

	store := newMemStore()
	exec := newTestExecutor(t, store, ExecutorOptions{})
	task := seedTask(t, store, &Task{Kind: KindHTTP, Command: srv.URL})

	run := exec.Execute(context.Background(), task, TriggerManual)
	assert.Equal(t, RunStatusFailed, run.Status)
	assert.Contains(t, run.Error, "read response")
}
