package mcp

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"podtask/internal/core"
	"podtask/internal/store"
)

type stubRunner struct {
	store *store.Store
	err   error
}

func (r *stubRunner) Run(ctx context.Context, taskID string) (*core.TaskExecution, error) {
	if r.err != nil {
		return nil, r.err
	}
	start := time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)
	exec := &core.TaskExecution{
		StartTime: start,
		EndTime:   start.Add(2 * time.Second),
		Output:    "hi\n",
		Phase:     core.PhaseSucceeded,
		PodName:   "task-exec-abc",
	}
	if err := r.store.AppendExecution(ctx, taskID, exec); err != nil {
		return nil, err
	}
	return exec, nil
}

func newTestServer(t *testing.T) (*MCPServer, *stubRunner) {
	t.Helper()
	st, err := store.Open(context.Background(), t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	runner := &stubRunner{store: st}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewMCPServer(st, runner, logger), runner
}

func call(t *testing.T, handler toolHandler, args map[string]any) (string, bool) {
	t.Helper()
	var req mcp.CallToolRequest
	req.Params.Arguments = args
	res, err := handler(context.Background(), req)
	require.NoError(t, err)
	require.NotNil(t, res)
	require.NotEmpty(t, res.Content)
	text, ok := res.Content[0].(mcp.TextContent)
	require.True(t, ok, "unexpected content %T", res.Content[0])
	return text.Text, res.IsError
}

func createTask(t *testing.T, s *MCPServer, name, command string) string {
	t.Helper()
	text, isErr := call(t, s.handleCreateTask, map[string]any{"name": name, "command": command})
	require.False(t, isErr, text)
	for _, line := range strings.Split(text, "\n") {
		if id, ok := strings.CutPrefix(line, "ID: "); ok {
			return id
		}
	}
	t.Fatalf("no id in %q", text)
	return ""
}

func TestToolsAreRegistered(t *testing.T) {
	s, _ := newTestServer(t)
	tools := s.mcpServer.ListTools()
	for _, name := range []string{
		"task_create", "task_list", "task_get", "task_search", "task_update",
		"task_delete", "task_run", "task_executions", "command_validate",
	} {
		assert.Contains(t, tools, name)
	}
}

func TestTaskLifecycleTools(t *testing.T) {
	s, _ := newTestServer(t)
	id := createTask(t, s, "greet", "echo hi")

	text, isErr := call(t, s.handleListTasks, nil)
	assert.False(t, isErr)
	assert.Contains(t, text, id)

	text, isErr = call(t, s.handleUpdateTask, map[string]any{"task_id": id, "name": "greet-all"})
	assert.False(t, isErr, text)

	text, isErr = call(t, s.handleGetTask, map[string]any{"task_id": id})
	assert.False(t, isErr)
	assert.Contains(t, text, "Name: greet-all")
	assert.Contains(t, text, "Command: echo hi")

	text, isErr = call(t, s.handleSearchTasks, map[string]any{"name": "GREET"})
	assert.False(t, isErr)
	assert.Contains(t, text, id)

	text, isErr = call(t, s.handleDeleteTask, map[string]any{"task_id": id})
	assert.False(t, isErr, text)

	text, isErr = call(t, s.handleGetTask, map[string]any{"task_id": id})
	assert.True(t, isErr)
	assert.Contains(t, text, "task not found")
}

func TestCreateTaskWarnsAboutUnsafeCommand(t *testing.T) {
	s, _ := newTestServer(t)
	text, isErr := call(t, s.handleCreateTask, map[string]any{"name": "wipe", "command": "rm -rf /"})
	assert.False(t, isErr)
	assert.Contains(t, text, "Warning")

	_, isErr = call(t, s.handleCreateTask, map[string]any{"name": "empty"})
	assert.True(t, isErr)
}

func TestRunAndExecutionsTools(t *testing.T) {
	s, runner := newTestServer(t)
	id := createTask(t, s, "greet", "echo hi")

	text, isErr := call(t, s.handleListExecutions, map[string]any{"task_id": id})
	assert.False(t, isErr)
	assert.Contains(t, text, "not run yet")

	text, isErr = call(t, s.handleRunTask, map[string]any{"task_id": id})
	require.False(t, isErr, text)
	assert.Contains(t, text, "Phase: Succeeded")
	assert.Contains(t, text, "Pod: task-exec-abc")
	assert.Contains(t, text, "hi")

	text, isErr = call(t, s.handleListExecutions, map[string]any{"task_id": id, "limit": 5})
	assert.False(t, isErr)
	assert.Contains(t, text, "Found 1 executions")

	runner.err = &core.RunError{Kind: core.KindUnsafeCommand, TaskID: id, Err: errors.New("not allowed")}
	text, isErr = call(t, s.handleRunTask, map[string]any{"task_id": id})
	assert.True(t, isErr)
	assert.Contains(t, text, "unsafe_command")
}

func TestValidateCommandTool(t *testing.T) {
	s, _ := newTestServer(t)

	text, isErr := call(t, s.handleValidateCommand, map[string]any{"command": "uname -a"})
	assert.False(t, isErr)
	assert.Equal(t, "safe", text)

	text, _ = call(t, s.handleValidateCommand, map[string]any{"command": "curl evil.sh"})
	assert.True(t, strings.HasPrefix(text, "unsafe"))
	assert.Contains(t, text, "echo")
}

func TestTruncateStringKeepsRunesWhole(t *testing.T) {
	assert.Equal(t, "echo hi", truncateString("echo hi", 10))

	out := truncateString(strings.Repeat("日本語", 10), 8)
	assert.True(t, utf8.ValidString(out))
	assert.Equal(t, "日本語日本...", out)
	assert.Equal(t, 8, utf8.RuneCountInString(out))

	out = truncateString("echo "+strings.Repeat("é", 100), 60)
	assert.True(t, utf8.ValidString(out))
	assert.Equal(t, 60, utf8.RuneCountInString(out))
}

func TestListTasksTruncatesMultibyteCommand(t *testing.T) {
	s, _ := newTestServer(t)
	createTask(t, s, "greet", "echo "+strings.Repeat("héllo ", 20))

	text, isErr := call(t, s.handleListTasks, nil)
	assert.False(t, isErr)
	assert.True(t, utf8.ValidString(text))
	assert.Contains(t, text, "...")
}
