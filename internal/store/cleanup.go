package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ariafirmware/aria/internal/errs"
)

// ScheduleCleanup enqueues one resource teardown task; the Sync Engine
// creates one per resource type when a container is torn down.
func (s *Store) ScheduleCleanup(ctx context.Context, containerID string, rt CleanupResourceType) (*CleanupTask, error) {
	task := &CleanupTask{
		ID:           uuid.NewString(),
		ContainerID:  containerID,
		ResourceType: rt,
		Ordinal:      ResourceOrdinal(rt),
		Status:       CleanupPending,
		CreatedAt:    now(),
		UpdatedAt:    now(),
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO cleanup_tasks (id, container_id, resource_type, ordinal, status, attempts, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, 0, ?, ?)`,
		task.ID, task.ContainerID, task.ResourceType, task.Ordinal, task.Status, task.CreatedAt, task.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("scheduling cleanup for container %s: %w", containerID, err)
	}
	return task, nil
}

func scanCleanupTask(row interface{ Scan(...any) error }) (*CleanupTask, error) {
	var t CleanupTask
	var lastError, workerID sql.NullString
	var nextAttempt sql.NullTime
	if err := row.Scan(&t.ID, &t.ContainerID, &t.ResourceType, &t.Ordinal, &t.Status, &t.Attempts,
		&lastError, &nextAttempt, &workerID, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return nil, err
	}
	if lastError.Valid {
		t.LastError = lastError.String
	}
	if workerID.Valid {
		t.WorkerID = workerID.String
	}
	if nextAttempt.Valid {
		t.NextAttemptAt = &nextAttempt.Time
	}
	return &t, nil
}

const cleanupColumns = `id, container_id, resource_type, ordinal, status, attempts, last_error, next_attempt_at, worker_id, created_at, updated_at`

// ClaimNextCleanupTask atomically picks the lowest-ordinal pending task
// whose next_attempt_at has passed, across all containers, and marks it
// in_progress under the given worker id. Ordering by ordinal enforces the
// rootfs/mounts -> network -> cgroup drain order. Returns
// errs.ErrNotFound when nothing is ready.
func (s *Store) ClaimNextCleanupTask(ctx context.Context, workerID string) (*CleanupTask, error) {
	var task *CleanupTask
	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `
SELECT `+cleanupColumns+` FROM cleanup_tasks
WHERE status = ? AND (next_attempt_at IS NULL OR next_attempt_at <= ?)
ORDER BY ordinal ASC, created_at ASC LIMIT 1`, CleanupPending, now())
		t, err := scanCleanupTask(row)
		if err == sql.ErrNoRows {
			return errs.ErrNotFound
		}
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
UPDATE cleanup_tasks SET status = ?, worker_id = ?, updated_at = ? WHERE id = ?`,
			CleanupInProgress, workerID, now(), t.ID); err != nil {
			return err
		}
		t.Status = CleanupInProgress
		t.WorkerID = workerID
		task = t
		return nil
	})
	return task, err
}

// CompleteCleanupTask marks a task completed.
func (s *Store) CompleteCleanupTask(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE cleanup_tasks SET status = ?, updated_at = ? WHERE id = ?`, CleanupCompleted, now(), id)
	if err != nil {
		return fmt.Errorf("completing cleanup task %s: %w", id, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return errs.ErrNotFound
	}
	return nil
}

// FailCleanupAttempt records a failed attempt with exponential backoff.
// When attempts reaches maxAttempts the task is marked failed outright
// instead of rescheduled, surfacing it to the orphan query.
func (s *Store) FailCleanupAttempt(ctx context.Context, id string, cause error, maxAttempts int, baseBackoff, maxBackoff time.Duration) error {
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		var attempts int
		if err := tx.QueryRowContext(ctx, `SELECT attempts FROM cleanup_tasks WHERE id = ?`, id).Scan(&attempts); err != nil {
			if err == sql.ErrNoRows {
				return errs.ErrNotFound
			}
			return err
		}
		attempts++
		if attempts >= maxAttempts {
			_, err := tx.ExecContext(ctx, `
UPDATE cleanup_tasks SET status = ?, attempts = ?, last_error = ?, updated_at = ? WHERE id = ?`,
				CleanupFailed, attempts, cause.Error(), now(), id)
			return err
		}
		backoff := baseBackoff << uint(attempts-1)
		if backoff > maxBackoff || backoff <= 0 {
			backoff = maxBackoff
		}
		next := now().Add(backoff)
		_, err := tx.ExecContext(ctx, `
UPDATE cleanup_tasks SET status = ?, attempts = ?, last_error = ?, next_attempt_at = ?, updated_at = ? WHERE id = ?`,
			CleanupPending, attempts, cause.Error(), next, now(), id)
		return err
	})
}

// ListOrphans returns cleanup tasks that exhausted their retry budget:
// resources the Cleanup Service could not reclaim and an operator must
// inspect by hand.
func (s *Store) ListOrphans(ctx context.Context) ([]*CleanupTask, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+cleanupColumns+` FROM cleanup_tasks WHERE status = ? ORDER BY updated_at DESC`, CleanupFailed)
	if err != nil {
		return nil, fmt.Errorf("listing orphaned cleanup tasks: %w", err)
	}
	defer rows.Close()

	var out []*CleanupTask
	for rows.Next() {
		t, err := scanCleanupTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning cleanup task: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// CountCleanupByStatus returns the number of cleanup tasks per status.
func (s *Store) CountCleanupByStatus(ctx context.Context) (map[CleanupStatus]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM cleanup_tasks GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("counting cleanup tasks: %w", err)
	}
	defer rows.Close()

	out := map[CleanupStatus]int{}
	for rows.Next() {
		var status CleanupStatus
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scanning cleanup count: %w", err)
		}
		out[status] = n
	}
	return out, rows.Err()
}

// HasCleanupTasks reports whether any cleanup task has ever been
// scheduled for a container, which is how remove stays idempotent: a
// second remove observes the first one's tasks and becomes a no-op.
func (s *Store) HasCleanupTasks(ctx context.Context, containerID string) (bool, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `
SELECT COUNT(*) FROM cleanup_tasks WHERE container_id = ?`, containerID).Scan(&n); err != nil {
		return false, fmt.Errorf("counting cleanup tasks for container %s: %w", containerID, err)
	}
	return n > 0, nil
}
