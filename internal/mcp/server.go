package mcp

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"opscron/internal/core"
	"opscron/internal/dbpool"

	"github.com/cockroachdb/errors"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

// MCPServer exposes task and connection administration as MCP tools.
type MCPServer struct {
	tasks  *core.TaskService
	conns  *dbpool.ConnectionService
	logger *slog.Logger
	server *server.MCPServer
}

// NewMCPServer creates a new MCP server instance with every tool registered.
func NewMCPServer(tasks *core.TaskService, conns *dbpool.ConnectionService, logger *slog.Logger, version string) *MCPServer {
	s := &MCPServer{
		tasks:  tasks,
		conns:  conns,
		logger: logger,
		server: server.NewMCPServer("opscron", version, server.WithToolCapabilities(true)),
	}
	s.registerTools()
	return s
}

// Run serves MCP over stdio until stdin closes.
func (s *MCPServer) Run() error {
	s.logger.Info("MCP server starting on stdio")
	return server.ServeStdio(s.server)
}

// HTTPHandler serves the same tools over streamable HTTP.
func (s *MCPServer) HTTPHandler() http.Handler {
	return server.NewStreamableHTTPServer(s.server)
}

func (s *MCPServer) registerTools() {
	taskFields := []mcp.ToolOption{
		mcp.WithString("name", mcp.Description("Task name")),
		mcp.WithString("kind",
			mcp.Description("Execution kind"),
			mcp.Enum("shell", "script", "http"),
		),
		mcp.WithString("cron", mcp.Description("Cron expression, 5 fields or 6 with leading seconds, e.g. '0 9 * * 1-5'")),
		mcp.WithString("command", mcp.Description("Shell line, script path or URL depending on kind")),
		mcp.WithString("working_dir", mcp.Description("Working directory for shell and script tasks")),
		mcp.WithString("run_as", mcp.Description("User to run the process as (requires root)")),
		mcp.WithString("interpreter", mcp.Description("Interpreter for script tasks, default python3")),
		mcp.WithString("env_vars", mcp.Description("Environment variables, one KEY=VALUE per line")),
		mcp.WithString("args", mcp.Description("JSON object or array appended as arguments; for http tasks {method, headers, data}")),
		mcp.WithNumber("timeout_s", mcp.Description("Per-attempt timeout in seconds, 0 disables it"), mcp.Min(0)),
		mcp.WithNumber("max_retries", mcp.Description("Retries after a failed attempt"), mcp.Min(0)),
		mcp.WithBoolean("enabled", mcp.Description("Whether the task is scheduled")),
		mcp.WithString("remark", mcp.Description("Free-form note")),
	}

	s.server.AddTool(mcp.NewTool("task_create", append([]mcp.ToolOption{
		mcp.WithDescription("Create a scheduled task. name, kind, cron and command are required."),
	}, taskFields...)...), s.handleCreateTask)

	s.server.AddTool(mcp.NewTool("task_list",
		mcp.WithDescription("List tasks"),
		mcp.WithString("name", mcp.Description("Name substring filter")),
		mcp.WithString("kind", mcp.Description("Kind filter"), mcp.Enum("shell", "script", "http")),
		mcp.WithBoolean("enabled", mcp.Description("Enabled filter")),
		mcp.WithNumber("limit", mcp.Description("Maximum tasks returned, default 50"), mcp.Min(1), mcp.Max(500)),
	), s.handleListTasks)

	s.server.AddTool(mcp.NewTool("task_get",
		mcp.WithDescription("Show task details"),
		mcp.WithString("task_id", mcp.Required(), mcp.Description("Task ID")),
	), s.handleGetTask)

	s.server.AddTool(mcp.NewTool("task_update", append([]mcp.ToolOption{
		mcp.WithDescription("Update a task. Only the given fields change."),
		mcp.WithString("task_id", mcp.Required(), mcp.Description("Task ID")),
	}, taskFields...)...), s.handleUpdateTask)

	s.server.AddTool(mcp.NewTool("task_delete",
		mcp.WithDescription("Delete a task and its run history"),
		mcp.WithString("task_id", mcp.Required(), mcp.Description("Task ID")),
	), s.handleDeleteTask)

	s.server.AddTool(mcp.NewTool("task_run",
		mcp.WithDescription("Run a task now. Returns the run ID immediately."),
		mcp.WithString("task_id", mcp.Required(), mcp.Description("Task ID")),
	), s.handleRunTask)

	s.server.AddTool(mcp.NewTool("runs_list",
		mcp.WithDescription("Show the run history of a task"),
		mcp.WithString("task_id", mcp.Required(), mcp.Description("Task ID")),
		mcp.WithString("status", mcp.Description("Status filter"), mcp.Enum("running", "success", "failed", "timeout")),
		mcp.WithNumber("limit", mcp.Description("Number of runs, default 20"), mcp.Min(1), mcp.Max(100)),
	), s.handleListRuns)

	s.server.AddTool(mcp.NewTool("run_get",
		mcp.WithDescription("Show one run with its captured output and error"),
		mcp.WithString("run_id", mcp.Required(), mcp.Description("Run ID")),
	), s.handleGetRun)

	s.server.AddTool(mcp.NewTool("cron_preview",
		mcp.WithDescription("Preview the next fire times of a cron expression"),
		mcp.WithString("cron", mcp.Required(), mcp.Description("Cron expression")),
		mcp.WithNumber("count", mcp.Description("Number of fire times, default 5"), mcp.Min(1), mcp.Max(10)),
	), s.handleCronPreview)

	s.server.AddTool(mcp.NewTool("conn_list",
		mcp.WithDescription("List registered external database connections"),
	), s.handleListConnections)

	s.server.AddTool(mcp.NewTool("conn_test",
		mcp.WithDescription("Test a registered connection and record its reachability"),
		mcp.WithString("conn_id", mcp.Required(), mcp.Description("Connection ID")),
	), s.handleTestConnection)

	s.logger.Info("MCP tools registered", "count", 11)
}

func (s *MCPServer) handleCreateTask(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	p := taskPatchFrom(request)
	in := core.TaskInput{
		Name:           deref(p.Name),
		Kind:           deref(p.Kind),
		Cron:           deref(p.Cron),
		Command:        deref(p.Command),
		WorkingDir:     deref(p.WorkingDir),
		RunAs:          deref(p.RunAs),
		Interpreter:    deref(p.Interpreter),
		EnvVars:        deref(p.EnvVars),
		Args:           deref(p.Args),
		Remark:         deref(p.Remark),
		TimeoutSeconds: p.TimeoutSeconds,
		MaxRetries:     p.MaxRetries,
		Enabled:        p.Enabled,
	}

	task, err := s.tasks.CreateTask(ctx, in)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("create task failed: %v", err)), nil
	}
	s.logger.Info("task created via mcp", "task_id", task.ID)
	return mcp.NewToolResultText(fmt.Sprintf("Task created\nID: %s\nNext run: %s", task.ID, s.formatTime(task.NextRunAt))), nil
}

func (s *MCPServer) handleListTasks(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := request.GetArguments()
	filter := core.TaskFilter{
		Name:  mcp.ParseString(request, "name", ""),
		Limit: int(mcp.ParseFloat64(request, "limit", 50)),
	}
	if kind := mcp.ParseString(request, "kind", ""); kind != "" {
		k, ok := core.ParseTaskKind(kind)
		if !ok {
			return mcp.NewToolResultError(fmt.Sprintf("unknown kind %q", kind)), nil
		}
		filter.Kind = k
	}
	if _, ok := args["enabled"]; ok {
		enabled := mcp.ParseBoolean(request, "enabled", true)
		filter.Enabled = &enabled
	}

	tasks, total, err := s.tasks.ListTasks(ctx, filter)
	if err != nil {
		s.logger.Error("list tasks", "err", err)
		return mcp.NewToolResultError(fmt.Sprintf("list tasks failed: %v", err)), nil
	}
	if len(tasks) == 0 {
		return mcp.NewToolResultText("No tasks found"), nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Found %d tasks (showing %d):\n\n", total, len(tasks))
	for _, t := range tasks {
		state := "enabled"
		if !t.Enabled {
			state = "disabled"
		}
		fmt.Fprintf(&b, "%s [%s, %s]\n", t.ID, t.Kind, state)
		fmt.Fprintf(&b, "  Name: %s\n", t.Name)
		fmt.Fprintf(&b, "  Cron: %s\n", t.Cron)
		fmt.Fprintf(&b, "  Command: %s\n", truncateString(t.Command, 60))
		if t.NextRunAt != nil {
			fmt.Fprintf(&b, "  Next run: %s\n", s.formatTime(t.NextRunAt))
		}
		b.WriteString("\n")
	}
	return mcp.NewToolResultText(b.String()), nil
}

func (s *MCPServer) handleGetTask(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	taskID := mcp.ParseString(request, "task_id", "")
	task, err := s.tasks.GetTask(ctx, taskID)
	if err != nil {
		return s.lookupError("task", taskID, err), nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Task ID: %s\n", task.ID)
	fmt.Fprintf(&b, "Name: %s\n", task.Name)
	fmt.Fprintf(&b, "Kind: %s\n", task.Kind)
	fmt.Fprintf(&b, "Enabled: %t\n", task.Enabled)
	fmt.Fprintf(&b, "Cron: %s\n", task.Cron)
	fmt.Fprintf(&b, "Command: %s\n", task.Command)
	if task.WorkingDir != "" {
		fmt.Fprintf(&b, "Working dir: %s\n", task.WorkingDir)
	}
	if task.Args != "" {
		fmt.Fprintf(&b, "Args: %s\n", task.Args)
	}
	fmt.Fprintf(&b, "Timeout: %ds\n", task.TimeoutSeconds)
	fmt.Fprintf(&b, "Max retries: %d\n", task.MaxRetries)
	fmt.Fprintf(&b, "Last run: %s\n", s.formatTime(task.LastRunAt))
	fmt.Fprintf(&b, "Next run: %s\n", s.formatTime(task.NextRunAt))
	fmt.Fprintf(&b, "Created: %s\n", s.formatTime(&task.CreatedAt))
	return mcp.NewToolResultText(b.String()), nil
}

func (s *MCPServer) handleUpdateTask(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	taskID := mcp.ParseString(request, "task_id", "")
	task, err := s.tasks.UpdateTask(ctx, taskID, taskPatchFrom(request))
	if err != nil {
		return s.lookupError("task", taskID, err), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Task updated: %s\nEnabled: %t\nNext run: %s",
		task.ID, task.Enabled, s.formatTime(task.NextRunAt))), nil
}

func (s *MCPServer) handleDeleteTask(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	taskID := mcp.ParseString(request, "task_id", "")
	if err := s.tasks.DeleteTask(ctx, taskID); err != nil {
		return s.lookupError("task", taskID, err), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Task deleted: %s", taskID)), nil
}

func (s *MCPServer) handleRunTask(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	taskID := mcp.ParseString(request, "task_id", "")
	run, err := s.tasks.ExecuteNow(ctx, taskID)
	if err != nil {
		return s.lookupError("task", taskID, err), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Task started\nTask ID: %s\nRun ID: %s", taskID, run.ID)), nil
}

func (s *MCPServer) handleListRuns(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	taskID := mcp.ParseString(request, "task_id", "")
	runs, total, err := s.tasks.ListRuns(ctx, core.RunFilter{
		TaskID: taskID,
		Status: core.RunStatus(mcp.ParseString(request, "status", "")),
		Limit:  int(mcp.ParseFloat64(request, "limit", 20)),
	})
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("list runs failed: %v", err)), nil
	}
	if len(runs) == 0 {
		return mcp.NewToolResultText("No runs recorded for this task"), nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Found %d runs (showing %d):\n\n", total, len(runs))
	for _, r := range runs {
		fmt.Fprintf(&b, "[%s] Run ID: %s\n", r.Status, r.ID)
		fmt.Fprintf(&b, "    Trigger: %s\n", r.Trigger)
		fmt.Fprintf(&b, "    Started: %s\n", s.formatTime(&r.StartedAt))
		if r.EndedAt != nil {
			fmt.Fprintf(&b, "    Ended: %s (%dms)\n", s.formatTime(r.EndedAt), r.DurationMs)
		}
		if r.RetryCount > 0 {
			fmt.Fprintf(&b, "    Retries: %d\n", r.RetryCount)
		}
		if r.Error != "" {
			fmt.Fprintf(&b, "    Error: %s\n", truncateString(r.Error, 200))
		}
		b.WriteString("\n")
	}
	return mcp.NewToolResultText(b.String()), nil
}

func (s *MCPServer) handleGetRun(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	runID := mcp.ParseString(request, "run_id", "")
	run, err := s.tasks.GetRun(ctx, runID)
	if err != nil {
		return s.lookupError("run", runID, err), nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Run ID: %s\nTask ID: %s\nStatus: %s\nTrigger: %s\n", run.ID, run.TaskID, run.Status, run.Trigger)
	fmt.Fprintf(&b, "Started: %s\nEnded: %s\nDuration: %dms\nRetries: %d\n",
		s.formatTime(&run.StartedAt), s.formatTime(run.EndedAt), run.DurationMs, run.RetryCount)
	if run.Error != "" {
		fmt.Fprintf(&b, "\nError:\n%s\n", run.Error)
	}
	if run.Output != "" {
		fmt.Fprintf(&b, "\nOutput:\n%s", run.Output)
	}
	return mcp.NewToolResultText(b.String()), nil
}

func (s *MCPServer) handleCronPreview(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	cronExpr := mcp.ParseString(request, "cron", "")
	count := int(mcp.ParseFloat64(request, "count", 5))
	nextTimes, err := s.tasks.PreviewCron(cronExpr, count)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid cron expression: %v", err)), nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Cron expression: %s\n", cronExpr)
	fmt.Fprintf(&b, "Time zone: %s\n\n", s.tasks.Location())
	b.WriteString("Next fire times:\n")
	for i, t := range nextTimes {
		fmt.Fprintf(&b, "  %d. %s\n", i+1, t.Format("2006-01-02 15:04:05"))
	}
	return mcp.NewToolResultText(b.String()), nil
}

func (s *MCPServer) handleListConnections(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	conns, err := s.conns.List(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("list connections failed: %v", err)), nil
	}
	if len(conns) == 0 {
		return mcp.NewToolResultText("No connections registered"), nil
	}
	var b strings.Builder
	for _, c := range conns {
		fmt.Fprintf(&b, "%s %s [%s] %s\n", c.ID, c.Name, c.Engine, c.Status)
	}
	return mcp.NewToolResultText(b.String()), nil
}

func (s *MCPServer) handleTestConnection(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	connID := mcp.ParseString(request, "conn_id", "")
	res, err := s.conns.TestStored(ctx, connID)
	if err != nil {
		return s.lookupError("connection", connID, err), nil
	}
	if !res.OK {
		return mcp.NewToolResultError(res.Message), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("%s (%dms)", res.Message, res.Latency.Milliseconds())), nil
}

// taskPatchFrom collects the task fields present in the request. Absent
// fields stay nil so an update leaves them untouched.
func taskPatchFrom(request mcp.CallToolRequest) core.TaskPatch {
	args := request.GetArguments()
	str := func(key string) *string {
		if _, ok := args[key]; !ok {
			return nil
		}
		v := mcp.ParseString(request, key, "")
		return &v
	}
	num := func(key string) *int {
		if _, ok := args[key]; !ok {
			return nil
		}
		v := int(mcp.ParseFloat64(request, key, 0))
		return &v
	}
	var enabled *bool
	if _, ok := args["enabled"]; ok {
		v := mcp.ParseBoolean(request, "enabled", true)
		enabled = &v
	}
	return core.TaskPatch{
		Name:           str("name"),
		Kind:           str("kind"),
		Cron:           str("cron"),
		Command:        str("command"),
		WorkingDir:     str("working_dir"),
		RunAs:          str("run_as"),
		Interpreter:    str("interpreter"),
		EnvVars:        str("env_vars"),
		Args:           str("args"),
		Remark:         str("remark"),
		TimeoutSeconds: num("timeout_s"),
		MaxRetries:     num("max_retries"),
		Enabled:        enabled,
	}
}

func (s *MCPServer) lookupError(what, id string, err error) *mcp.CallToolResult {
	if errors.Is(err, core.ErrTaskNotFound) || errors.Is(err, core.ErrRunNotFound) || errors.Is(err, dbpool.ErrConnectionNotFound) {
		return mcp.NewToolResultError(fmt.Sprintf("%s not found: %s", what, id))
	}
	s.logger.Debug("mcp tool failed", "what", what, "id", id, "err", err)
	return mcp.NewToolResultError(err.Error())
}

func deref(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}

func (s *MCPServer) formatTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.In(s.tasks.Location()).Format("2006-01-02 15:04:05")
}

// truncateString shortens s to maxLen runes.
func truncateString(s string, maxLen int) string {
	if utf8.RuneCountInString(s) <= maxLen {
		return s
	}
	return string([]rune(s)[:maxLen-3]) + "..."
}
