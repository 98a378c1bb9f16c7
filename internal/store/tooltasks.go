package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"github.com/ariafirmware/aria/internal/errs"
)

// CreateToolTask records an exec invoked against a running container,
// either the synchronous "tool" step path or the async exec_async path.
func (s *Store) CreateToolTask(ctx context.Context, containerID string, command []string, timeoutSeconds *int) (*ToolTask, error) {
	cmdJSON, err := marshalJSON(command)
	if err != nil {
		return nil, fmt.Errorf("marshalling tool task command: %w", err)
	}
	t := &ToolTask{
		ID:             uuid.NewString(),
		ContainerID:    containerID,
		Command:        command,
		Status:         ToolTaskPending,
		TimeoutSeconds: timeoutSeconds,
		CreatedAt:      now(),
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO tool_tasks (id, container_id, command_json, status, timeout_seconds, created_at)
VALUES (?, ?, ?, ?, ?, ?)`,
		t.ID, t.ContainerID, cmdJSON, t.Status, t.TimeoutSeconds, t.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("inserting tool task: %w", err)
	}
	return t, nil
}

// StartToolTask marks a tool task running.
func (s *Store) StartToolTask(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE tool_tasks SET status = ?, started_at = ? WHERE id = ?`, ToolTaskRunning, now(), id)
	if err != nil {
		return fmt.Errorf("starting tool task %s: %w", id, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return errs.ErrNotFound
	}
	return nil
}

// FinishToolTask records a tool task's terminal status and captured output.
func (s *Store) FinishToolTask(ctx context.Context, id string, status ToolTaskStatus, stdout, stderr string, exitCode *int) error {
	res, err := s.db.ExecContext(ctx, `
UPDATE tool_tasks SET status = ?, stdout = ?, stderr = ?, exit_code = ?, completed_at = ? WHERE id = ?`,
		status, stdout, stderr, exitCode, now(), id)
	if err != nil {
		return fmt.Errorf("finishing tool task %s: %w", id, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return errs.ErrNotFound
	}
	return nil
}

func scanToolTask(row interface{ Scan(...any) error }) (*ToolTask, error) {
	var t ToolTask
	var cmdJSON string
	var stdout, stderr sql.NullString
	var exitCode sql.NullInt64
	var timeout sql.NullInt64
	var startedAt, completedAt sql.NullTime

	if err := row.Scan(&t.ID, &t.ContainerID, &cmdJSON, &t.Status, &stdout, &stderr, &exitCode,
		&timeout, &startedAt, &completedAt, &t.CreatedAt); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(cmdJSON, &t.Command); err != nil {
		return nil, fmt.Errorf("unmarshalling tool task command: %w", err)
	}
	if stdout.Valid {
		t.Stdout = stdout.String
	}
	if stderr.Valid {
		t.Stderr = stderr.String
	}
	if exitCode.Valid {
		v := int(exitCode.Int64)
		t.ExitCode = &v
	}
	if timeout.Valid {
		v := int(timeout.Int64)
		t.TimeoutSeconds = &v
	}
	if startedAt.Valid {
		t.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		t.CompletedAt = &completedAt.Time
	}
	return &t, nil
}

const toolTaskColumns = `id, container_id, command_json, status, stdout, stderr, exit_code, timeout_seconds, started_at, completed_at, created_at`

// GetToolTask fetches a tool task by id, used to poll an async exec.
func (s *Store) GetToolTask(ctx context.Context, id string) (*ToolTask, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+toolTaskColumns+` FROM tool_tasks WHERE id = ?`, id)
	t, err := scanToolTask(row)
	if err == sql.ErrNoRows {
		return nil, errs.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying tool task %s: %w", id, err)
	}
	return t, nil
}

// ListToolTasksByContainer returns a container's exec history, newest last.
func (s *Store) ListToolTasksByContainer(ctx context.Context, containerID string) ([]*ToolTask, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+toolTaskColumns+` FROM tool_tasks WHERE container_id = ? ORDER BY created_at`, containerID)
	if err != nil {
		return nil, fmt.Errorf("listing tool tasks for container %s: %w", containerID, err)
	}
	defer rows.Close()

	var out []*ToolTask
	for rows.Next() {
		t, err := scanToolTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning tool task: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}
