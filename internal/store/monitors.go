package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/ariafirmware/aria/internal/errs"
)

// CreateProcessMonitor registers a PID for the Process Monitor to poll.
func (s *Store) CreateProcessMonitor(ctx context.Context, containerID string, pid int) (*ProcessMonitor, error) {
	pm := &ProcessMonitor{
		ContainerID: containerID,
		PID:         pid,
		Status:      MonitorMonitoring,
		LastSeen:    now(),
		CreatedAt:   now(),
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO process_monitors (container_id, pid, status, last_seen, consecutive_errors, created_at)
VALUES (?, ?, ?, ?, 0, ?)`,
		pm.ContainerID, pm.PID, pm.Status, pm.LastSeen, pm.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("inserting process monitor for container %s: %w", containerID, err)
	}
	return pm, nil
}

func scanMonitor(row interface{ Scan(...any) error }) (*ProcessMonitor, error) {
	var pm ProcessMonitor
	if err := row.Scan(&pm.ContainerID, &pm.PID, &pm.Status, &pm.LastSeen, &pm.ConsecutiveErrors, &pm.CreatedAt); err != nil {
		return nil, err
	}
	return &pm, nil
}

const monitorColumns = `container_id, pid, status, last_seen, consecutive_errors, created_at`

// ListMonitoring returns every monitor still in the monitoring state, the
// Process Monitor's poll set (and what it rehydrates on restart).
func (s *Store) ListMonitoring(ctx context.Context) ([]*ProcessMonitor, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+monitorColumns+` FROM process_monitors WHERE status = ?`, MonitorMonitoring)
	if err != nil {
		return nil, fmt.Errorf("listing active process monitors: %w", err)
	}
	defer rows.Close()

	var out []*ProcessMonitor
	for rows.Next() {
		pm, err := scanMonitor(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning process monitor: %w", err)
		}
		out = append(out, pm)
	}
	return out, rows.Err()
}

// TouchMonitor records a successful liveness check, resetting the
// consecutive error count.
func (s *Store) TouchMonitor(ctx context.Context, containerID string) error {
	res, err := s.db.ExecContext(ctx, `
UPDATE process_monitors SET last_seen = ?, consecutive_errors = 0 WHERE container_id = ?`, now(), containerID)
	if err != nil {
		return fmt.Errorf("touching process monitor for container %s: %w", containerID, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return errs.ErrNotFound
	}
	return nil
}

// RecordMonitorError increments the consecutive error count and returns
// the new count, so the caller can compare it against MaxConsecutiveErr.
func (s *Store) RecordMonitorError(ctx context.Context, containerID string) (int, error) {
	var count int
	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		if err := tx.QueryRowContext(ctx, `
SELECT consecutive_errors FROM process_monitors WHERE container_id = ?`, containerID).Scan(&count); err != nil {
			if err == sql.ErrNoRows {
				return errs.ErrNotFound
			}
			return err
		}
		count++
		_, err := tx.ExecContext(ctx, `UPDATE process_monitors SET consecutive_errors = ? WHERE container_id = ?`, count, containerID)
		return err
	})
	return count, err
}

// FinishMonitor sets a monitor's terminal status.
func (s *Store) FinishMonitor(ctx context.Context, containerID string, status MonitorStatus) error {
	res, err := s.db.ExecContext(ctx, `UPDATE process_monitors SET status = ? WHERE container_id = ?`, status, containerID)
	if err != nil {
		return fmt.Errorf("finishing process monitor for container %s: %w", containerID, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return errs.ErrNotFound
	}
	return nil
}

// GetProcessMonitor fetches a container's monitor row regardless of
// status.
func (s *Store) GetProcessMonitor(ctx context.Context, containerID string) (*ProcessMonitor, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+monitorColumns+` FROM process_monitors WHERE container_id = ?`, containerID)
	pm, err := scanMonitor(row)
	if err == sql.ErrNoRows {
		return nil, errs.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying process monitor for container %s: %w", containerID, err)
	}
	return pm, nil
}
