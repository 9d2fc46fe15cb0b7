package mcp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"podtask/internal/core"
	"podtask/internal/store"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

const (
	serverName    = "podtask"
	serverVersion = "1.0.0"
)

// Runner executes a stored task once.
type Runner interface {
	Run(ctx context.Context, taskID string) (*core.TaskExecution, error)
}

// MCPServer exposes task management and execution as MCP tools.
type MCPServer struct {
	store  *store.Store
	runner Runner
	logger *slog.Logger

	mcpServer *server.MCPServer
	http      *server.StreamableHTTPServer
}

// NewMCPServer creates a new MCP server instance with all tools registered.
func NewMCPServer(store *store.Store, runner Runner, logger *slog.Logger) *MCPServer {
	s := &MCPServer{
		store:  store,
		runner: runner,
		logger: logger,
	}
	s.mcpServer = server.NewMCPServer(
		serverName,
		serverVersion,
		server.WithToolCapabilities(true),
		server.WithRecovery(),
	)
	s.registerTools()
	s.http = server.NewStreamableHTTPServer(s.mcpServer, server.WithStateLess(true))
	return s
}

// Run serves MCP over stdio until stdin closes.
func (s *MCPServer) Run() error {
	s.logger.Info("MCP server starting on stdio")
	return server.ServeStdio(s.mcpServer)
}

// ServeHTTP serves MCP over the streamable HTTP transport.
func (s *MCPServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.http.ServeHTTP(w, r)
}

type toolHandler = func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error)

func (s *MCPServer) registerTools() {
	taskID := mcp.WithString("task_id",
		mcp.Required(),
		mcp.Description("Task ID"),
	)

	tools := []struct {
		tool    mcp.Tool
		handler toolHandler
	}{
		{mcp.NewTool("task_create",
			mcp.WithDescription("Create a task holding a shell command to run in an ephemeral pod"),
			mcp.WithString("name", mcp.Required(), mcp.Description("Task name")),
			mcp.WithString("command", mcp.Required(), mcp.Description("Shell command, e.g. 'echo hello'")),
			mcp.WithString("owner", mcp.Description("Owner of the task")),
			mcp.WithString("server_name", mcp.Description("Logical server the task belongs to")),
		), s.handleCreateTask},
		{mcp.NewTool("task_list",
			mcp.WithDescription("List all tasks"),
		), s.handleListTasks},
		{mcp.NewTool("task_get",
			mcp.WithDescription("Get a task and its execution history"),
			taskID,
		), s.handleGetTask},
		{mcp.NewTool("task_search",
			mcp.WithDescription("Find tasks whose name contains the given text, ignoring case"),
			mcp.WithString("name", mcp.Required(), mcp.Description("Text to search for")),
		), s.handleSearchTasks},
		{mcp.NewTool("task_update",
			mcp.WithDescription("Update the descriptive fields of a task; history is kept"),
			taskID,
			mcp.WithString("name", mcp.Description("New name")),
			mcp.WithString("command", mcp.Description("New command")),
			mcp.WithString("owner", mcp.Description("New owner")),
			mcp.WithString("server_name", mcp.Description("New server name")),
		), s.handleUpdateTask},
		{mcp.NewTool("task_delete",
			mcp.WithDescription("Delete a task and its history"),
			taskID,
		), s.handleDeleteTask},
		{mcp.NewTool("task_run",
			mcp.WithDescription("Run a task now in an ephemeral pod and wait for its output"),
			taskID,
		), s.handleRunTask},
		{mcp.NewTool("task_executions",
			mcp.WithDescription("List the execution history of a task, oldest first"),
			taskID,
			mcp.WithNumber("limit",
				mcp.Description("Return only the most recent N executions"),
				mcp.Min(0),
			),
		), s.handleListExecutions},
		{mcp.NewTool("command_validate",
			mcp.WithDescription("Check whether a command would be accepted for execution"),
			mcp.WithString("command", mcp.Required(), mcp.Description("Shell command")),
		), s.handleValidateCommand},
	}
	for _, t := range tools {
		s.mcpServer.AddTool(t.tool, t.handler)
	}
	s.logger.Info("MCP tools registered", "count", len(tools))
}

func (s *MCPServer) handleCreateTask(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	task := &core.Task{
		Name:       strings.TrimSpace(mcp.ParseString(request, "name", "")),
		Command:    strings.TrimSpace(mcp.ParseString(request, "command", "")),
		Owner:      strings.TrimSpace(mcp.ParseString(request, "owner", "")),
		ServerName: strings.TrimSpace(mcp.ParseString(request, "server_name", "")),
	}
	if task.Name == "" || task.Command == "" {
		return mcp.NewToolResultError("name and command are required"), nil
	}
	if err := s.store.InsertTask(ctx, task); err != nil {
		s.logger.Error("insert task", "err", err)
		return mcp.NewToolResultError(fmt.Sprintf("failed to create task: %v", err)), nil
	}
	s.logger.Info("task created", "task_id", task.ID)

	result := fmt.Sprintf("Task created\nID: %s\n", task.ID)
	if !core.IsSafe(task.Command) {
		result += "Warning: the command will be rejected at run time\n"
	}
	return mcp.NewToolResultText(result), nil
}

func (s *MCPServer) handleListTasks(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	tasks, err := s.store.ListTasks(ctx)
	if err != nil {
		s.logger.Error("list tasks", "err", err)
		return mcp.NewToolResultError(fmt.Sprintf("failed to list tasks: %v", err)), nil
	}
	if len(tasks) == 0 {
		return mcp.NewToolResultText("No tasks found"), nil
	}
	return mcp.NewToolResultText(formatTaskList(tasks)), nil
}

func (s *MCPServer) handleSearchTasks(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	name := strings.TrimSpace(mcp.ParseString(request, "name", ""))
	if name == "" {
		return mcp.NewToolResultError("name is required"), nil
	}
	tasks, err := s.store.SearchTasks(ctx, name)
	if err != nil {
		s.logger.Error("search tasks", "name", name, "err", err)
		return mcp.NewToolResultError(fmt.Sprintf("failed to search tasks: %v", err)), nil
	}
	if len(tasks) == 0 {
		return mcp.NewToolResultText(fmt.Sprintf("No tasks match %q", name)), nil
	}
	return mcp.NewToolResultText(formatTaskList(tasks)), nil
}

func (s *MCPServer) handleGetTask(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	taskID := mcp.ParseString(request, "task_id", "")
	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return taskLoadError(taskID, err), nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Task ID: %s\n", task.ID)
	fmt.Fprintf(&b, "Name: %s\n", task.Name)
	fmt.Fprintf(&b, "Command: %s\n", task.Command)
	if task.Owner != "" {
		fmt.Fprintf(&b, "Owner: %s\n", task.Owner)
	}
	if task.ServerName != "" {
		fmt.Fprintf(&b, "Server: %s\n", task.ServerName)
	}
	fmt.Fprintf(&b, "Created: %s\n", formatTime(task.CreatedAt))
	fmt.Fprintf(&b, "Executions: %d\n", len(task.Executions))
	if n := len(task.Executions); n > 0 {
		last := task.Executions[n-1]
		fmt.Fprintf(&b, "Last run: %s (%s)\n", formatTime(last.StartTime), last.Phase)
	}
	return mcp.NewToolResultText(b.String()), nil
}

func (s *MCPServer) handleUpdateTask(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	taskID := mcp.ParseString(request, "task_id", "")
	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return taskLoadError(taskID, err), nil
	}

	if name := strings.TrimSpace(mcp.ParseString(request, "name", "")); name != "" {
		task.Name = name
	}
	if command := strings.TrimSpace(mcp.ParseString(request, "command", "")); command != "" {
		task.Command = command
	}
	if owner := strings.TrimSpace(mcp.ParseString(request, "owner", "")); owner != "" {
		task.Owner = owner
	}
	if serverName := strings.TrimSpace(mcp.ParseString(request, "server_name", "")); serverName != "" {
		task.ServerName = serverName
	}

	if err := s.store.UpdateTask(ctx, task); err != nil {
		return taskLoadError(taskID, err), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Task updated: %s", task.ID)), nil
}

func (s *MCPServer) handleDeleteTask(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	taskID := mcp.ParseString(request, "task_id", "")
	if err := s.store.DeleteTask(ctx, taskID); err != nil {
		return taskLoadError(taskID, err), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Task deleted: %s", taskID)), nil
}

func (s *MCPServer) handleRunTask(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	taskID := mcp.ParseString(request, "task_id", "")
	exec, err := s.runner.Run(ctx, taskID)
	if err != nil {
		kind, _ := core.KindOf(err)
		if kind == "" {
			kind = "internal_error"
		}
		return mcp.NewToolResultError(fmt.Sprintf("run failed [%s]: %v", kind, err)), nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Phase: %s\n", exec.Phase)
	fmt.Fprintf(&b, "Pod: %s\n", exec.PodName)
	fmt.Fprintf(&b, "Started: %s\n", formatTime(exec.StartTime))
	fmt.Fprintf(&b, "Duration: %s\n", exec.Duration().Round(time.Millisecond))
	fmt.Fprintf(&b, "Output:\n%s", exec.Output)
	return mcp.NewToolResultText(b.String()), nil
}

func (s *MCPServer) handleListExecutions(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	taskID := mcp.ParseString(request, "task_id", "")
	execs, err := s.store.ListExecutions(ctx, taskID)
	if err != nil {
		return taskLoadError(taskID, err), nil
	}
	if len(execs) == 0 {
		return mcp.NewToolResultText("This task has not run yet"), nil
	}
	if limit := int(mcp.ParseFloat64(request, "limit", 0)); limit > 0 && limit < len(execs) {
		execs = execs[len(execs)-limit:]
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Found %d executions:\n\n", len(execs))
	for _, e := range execs {
		fmt.Fprintf(&b, "[%s] %s\n", phaseIcon(e.Phase), formatTime(e.StartTime))
		fmt.Fprintf(&b, "    Pod: %s\n", e.PodName)
		fmt.Fprintf(&b, "    Duration: %s\n", e.Duration().Round(time.Millisecond))
		fmt.Fprintf(&b, "    Output: %s\n\n", truncateString(strings.TrimSpace(e.Output), 80))
	}
	return mcp.NewToolResultText(b.String()), nil
}

func (s *MCPServer) handleValidateCommand(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	command := mcp.ParseString(request, "command", "")
	if core.IsSafe(command) {
		return mcp.NewToolResultText("safe"), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("unsafe\nAllowed commands: %s", strings.Join(core.AllowedCommands(), ", "))), nil
}

func taskLoadError(taskID string, err error) *mcp.CallToolResult {
	if errors.Is(err, store.ErrTaskNotFound) {
		return mcp.NewToolResultError(fmt.Sprintf("task not found: %s", taskID))
	}
	return mcp.NewToolResultError(fmt.Sprintf("task %s: %v", taskID, err))
}

func formatTaskList(tasks []*core.Task) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Found %d tasks:\n\n", len(tasks))
	for _, t := range tasks {
		fmt.Fprintf(&b, "%s\n", t.ID)
		fmt.Fprintf(&b, "  Name: %s\n", t.Name)
		fmt.Fprintf(&b, "  Command: %s\n", truncateString(t.Command, 60))
		fmt.Fprintf(&b, "  Executions: %d\n\n", len(t.Executions))
	}
	return b.String()
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Format("2006-01-02 15:04:05")
}

// truncateString shortens s to maxLen runes, marking the cut with "...".
func truncateString(s string, maxLen int) string {
	r := []rune(s)
	if len(r) <= maxLen {
		return s
	}
	return string(r[:maxLen-3]) + "..."
}

func phaseIcon(phase core.Phase) string {
	switch phase {
	case core.PhaseSucceeded:
		return "✅"
	case core.PhaseFailed:
		return "❌"
	default:
		return "❓"
	}
}
