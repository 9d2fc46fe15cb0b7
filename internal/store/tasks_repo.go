package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"podtask/internal/core"
)

// ErrTaskNotFound is core.ErrTaskNotFound, re-exported for API callers.
var ErrTaskNotFound = core.ErrTaskNotFound

const taskColumns = `id, name, command, owner, server_name, created_at, updated_at`

// timeLayout is fixed width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// InsertTask stores a new task with an empty history. An ID is assigned
// when the task has none.
func (s *Store) InsertTask(ctx context.Context, task *core.Task) error {
	if task.ID == "" {
		task.ID = core.NewID()
	}
	now := time.Now().UTC()
	task.CreatedAt = now
	task.UpdatedAt = now
	task.Executions = []core.TaskExecution{}
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO tasks (`+taskColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, task.ID, task.Name, task.Command, task.Owner, task.ServerName,
		task.CreatedAt.Format(timeLayout), task.UpdatedAt.Format(timeLayout))
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

// UpdateTask replaces the descriptive fields of a task. The execution
// history is never written here, so an update cannot drop appended runs.
func (s *Store) UpdateTask(ctx context.Context, task *core.Task) error {
	task.UpdatedAt = time.Now().UTC()
	res, err := s.DB.ExecContext(ctx, `
		UPDATE tasks
		SET name = ?, command = ?, owner = ?, server_name = ?, updated_at = ?
		WHERE id = ?
	`, task.Name, task.Command, task.Owner, task.ServerName, task.UpdatedAt.Format(timeLayout), task.ID)
	if err != nil {
		return fmt.Errorf("update task: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update task rows: %w", err)
	}
	if rows == 0 {
		return ErrTaskNotFound
	}
	return nil
}

// DeleteTask removes a task and its history.
func (s *Store) DeleteTask(ctx context.Context, id string) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delete task: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM task_executions WHERE task_id = ?`, id); err != nil {
		return fmt.Errorf("delete task executions: %w", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete task: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrTaskNotFound
	}
	return tx.Commit()
}

// GetTask loads a task together with its full history.
func (s *Store) GetTask(ctx context.Context, id string) (*core.Task, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	task, err := scanTask(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrTaskNotFound
		}
		return nil, err
	}
	execs, err := s.executionsFor(ctx, id)
	if err != nil {
		return nil, err
	}
	task.Executions = execs
	return task, nil
}

// ListTasks returns every task, newest first.
func (s *Store) ListTasks(ctx context.Context) ([]*core.Task, error) {
	return s.queryTasks(ctx, `SELECT `+taskColumns+` FROM tasks ORDER BY created_at DESC`)
}

// SearchTasks returns tasks whose name contains name, ignoring case.
func (s *Store) SearchTasks(ctx context.Context, name string) ([]*core.Task, error) {
	pattern := "%" + escapeLike(strings.ToLower(name)) + "%"
	return s.queryTasks(ctx, `
		SELECT `+taskColumns+`
		FROM tasks
		WHERE lower(name) LIKE ? ESCAPE '\'
		ORDER BY created_at DESC
	`, pattern)
}

func (s *Store) queryTasks(ctx context.Context, query string, args ...any) ([]*core.Task, error) {
	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query tasks: %w", err)
	}
	defer rows.Close()
	var tasks []*core.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	// Close before issuing the history queries: the pool holds one connection.
	rows.Close()

	for _, task := range tasks {
		execs, err := s.executionsFor(ctx, task.ID)
		if err != nil {
			return nil, err
		}
		task.Executions = execs
	}
	return tasks, nil
}

func scanTask(scanner interface {
	Scan(dest ...any) error
}) (*core.Task, error) {
	var (
		task      core.Task
		createdAt string
		updatedAt string
	)
	if err := scanner.Scan(&task.ID, &task.Name, &task.Command, &task.Owner, &task.ServerName, &createdAt, &updatedAt); err != nil {
		return nil, fmt.Errorf("scan task: %w", err)
	}
	if t, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
		task.CreatedAt = t
	}
	if t, err := time.Parse(time.RFC3339Nano, updatedAt); err == nil {
		task.UpdatedAt = t
	}
	task.Executions = []core.TaskExecution{}
	return &task, nil
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func escapeLike(s string) string {
	return likeEscaper.Replace(s)
}
