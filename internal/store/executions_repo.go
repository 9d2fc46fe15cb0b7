package store

import (
	"context"
	"fmt"
	"time"

	"podtask/internal/core"
)

var _ core.Store = (*Store)(nil)

// AppendExecution adds exec to the end of the task's history in a single
// statement. The existence check is part of the INSERT, so there is no
// read-modify-write window and concurrent appends never overwrite each other.
func (s *Store) AppendExecution(ctx context.Context, taskID string, exec *core.TaskExecution) error {
	res, err := s.DB.ExecContext(ctx, `
		INSERT INTO task_executions (task_id, start_time, end_time, output, phase, pod_name)
		SELECT ?, ?, ?, ?, ?, ?
		WHERE EXISTS (SELECT 1 FROM tasks WHERE id = ?)
	`, taskID, exec.StartTime.UTC().Format(timeLayout), exec.EndTime.UTC().Format(timeLayout),
		exec.Output, exec.Phase.String(), exec.PodName, taskID)
	if err != nil {
		return fmt.Errorf("append execution: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("append execution rows: %w", err)
	}
	if rows == 0 {
		return ErrTaskNotFound
	}
	return nil
}

// ListExecutions returns the task's history in insertion order.
func (s *Store) ListExecutions(ctx context.Context, taskID string) ([]core.TaskExecution, error) {
	var exists int
	if err := s.DB.QueryRowContext(ctx, `SELECT COUNT(1) FROM tasks WHERE id = ?`, taskID).Scan(&exists); err != nil {
		return nil, fmt.Errorf("check task: %w", err)
	}
	if exists == 0 {
		return nil, ErrTaskNotFound
	}
	return s.executionsFor(ctx, taskID)
}

func (s *Store) executionsFor(ctx context.Context, taskID string) ([]core.TaskExecution, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT start_time, end_time, output, phase, pod_name
		FROM task_executions
		WHERE task_id = ?
		ORDER BY seq ASC
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("list executions: %w", err)
	}
	defer rows.Close()
	execs := []core.TaskExecution{}
	for rows.Next() {
		var (
			startTime string
			endTime   string
			phase     string
			exec      core.TaskExecution
		)
		if err := rows.Scan(&startTime, &endTime, &exec.Output, &phase, &exec.PodName); err != nil {
			return nil, fmt.Errorf("scan execution: %w", err)
		}
		exec.StartTime = mustParseTime(startTime)
		exec.EndTime = mustParseTime(endTime)
		exec.Phase, _ = core.ParsePhase(phase)
		execs = append(execs, exec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return execs, nil
}

func mustParseTime(value string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		panic(fmt.Sprintf("invalid stored time %q: %v", value, err))
	}
	return t
}
