package store

import (
	"context"
	"fmt"
)

// AppendLogLine records one line of captured container output.
func (s *Store) AppendLogLine(ctx context.Context, containerID string, stream LogStream, line string) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO log_entries (container_id, ts, stream, line) VALUES (?, ?, ?, ?)`,
		containerID, now(), stream, line)
	if err != nil {
		return fmt.Errorf("appending log line for container %s: %w", containerID, err)
	}
	return nil
}

// ListLogs returns a container's captured output in order. tail <= 0 means
// all lines; otherwise only the most recent tail lines are returned, still
// in chronological order.
func (s *Store) ListLogs(ctx context.Context, containerID string, tail int) ([]*LogEntry, error) {
	query := `SELECT id, container_id, ts, stream, line FROM log_entries WHERE container_id = ? ORDER BY id`
	args := []any{containerID}
	if tail > 0 {
		query = `
SELECT id, container_id, ts, stream, line FROM (
  SELECT id, container_id, ts, stream, line FROM log_entries WHERE container_id = ? ORDER BY id DESC LIMIT ?
) ORDER BY id`
		args = append(args, tail)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing logs for container %s: %w", containerID, err)
	}
	defer rows.Close()

	var out []*LogEntry
	for rows.Next() {
		var e LogEntry
		if err := rows.Scan(&e.ID, &e.ContainerID, &e.Timestamp, &e.Stream, &e.Line); err != nil {
			return nil, fmt.Errorf("scanning log entry: %w", err)
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}
