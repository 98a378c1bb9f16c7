package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"github.com/ariafirmware/aria/internal/errs"
)

// CreateContainerParams groups the arguments CreateContainer needs; the
// type itself mirrors the Container entity minus generated/lifecycle
// fields.
type CreateContainerParams struct {
	Name           string
	Image          string
	Command        []string
	Env            map[string]string
	NamespaceFlags map[string]bool
	MemLimitMB     *int
	CPULimitPct    *float64
	RootfsPath     string
	SessionID      *string
}

// CreateContainer inserts a new container row in the "created" state.
func (s *Store) CreateContainer(ctx context.Context, p CreateContainerParams) (*Container, error) {
	cmdJSON, err := marshalJSON(p.Command)
	if err != nil {
		return nil, fmt.Errorf("marshalling command: %w", err)
	}
	envJSON, err := marshalJSON(p.Env)
	if err != nil {
		return nil, fmt.Errorf("marshalling env: %w", err)
	}
	nsJSON, err := marshalJSON(p.NamespaceFlags)
	if err != nil {
		return nil, fmt.Errorf("marshalling namespace flags: %w", err)
	}
	c := &Container{
		ID:             uuid.NewString(),
		Name:           p.Name,
		Image:          p.Image,
		Command:        p.Command,
		Env:            p.Env,
		NamespaceFlags: p.NamespaceFlags,
		MemLimitMB:     p.MemLimitMB,
		CPULimitPct:    p.CPULimitPct,
		State:          ContainerCreated,
		RootfsPath:     p.RootfsPath,
		SessionID:      p.SessionID,
		CreatedAt:      now(),
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO containers (id, name, image, command_json, env_json, namespace_flags_json,
  mem_limit_mb, cpu_limit_pct, state, rootfs_path, session_id, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.Name, c.Image, cmdJSON, envJSON, nsJSON, c.MemLimitMB, c.CPULimitPct,
		c.State, c.RootfsPath, c.SessionID, c.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("inserting container: %w", err)
	}
	return c, nil
}

func scanContainer(row interface{ Scan(...any) error }) (*Container, error) {
	var c Container
	var cmdJSON, envJSON, nsJSON string
	var pid, exitCode sql.NullInt64
	var rootfs sql.NullString
	var sessionID sql.NullString
	var startedAt, exitedAt sql.NullTime

	if err := row.Scan(&c.ID, &c.Name, &c.Image, &cmdJSON, &envJSON, &nsJSON,
		&c.MemLimitMB, &c.CPULimitPct, &c.State, &pid, &exitCode, &rootfs, &sessionID,
		&c.CreatedAt, &startedAt, &exitedAt); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(cmdJSON, &c.Command); err != nil {
		return nil, fmt.Errorf("unmarshalling command: %w", err)
	}
	c.Env = map[string]string{}
	if err := unmarshalJSON(envJSON, &c.Env); err != nil {
		return nil, fmt.Errorf("unmarshalling env: %w", err)
	}
	c.NamespaceFlags = map[string]bool{}
	if err := unmarshalJSON(nsJSON, &c.NamespaceFlags); err != nil {
		return nil, fmt.Errorf("unmarshalling namespace flags: %w", err)
	}
	if pid.Valid {
		v := int(pid.Int64)
		c.PID = &v
	}
	if exitCode.Valid {
		v := int(exitCode.Int64)
		c.ExitCode = &v
	}
	if rootfs.Valid {
		c.RootfsPath = rootfs.String
	}
	if sessionID.Valid {
		c.SessionID = &sessionID.String
	}
	if startedAt.Valid {
		c.StartedAt = &startedAt.Time
	}
	if exitedAt.Valid {
		c.ExitedAt = &exitedAt.Time
	}
	return &c, nil
}

const containerColumns = `id, name, image, command_json, env_json, namespace_flags_json,
mem_limit_mb, cpu_limit_pct, state, pid, exit_code, rootfs_path, session_id, created_at, started_at, exited_at`

// GetContainer fetches a container by id.
func (s *Store) GetContainer(ctx context.Context, id string) (*Container, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+containerColumns+` FROM containers WHERE id = ?`, id)
	c, err := scanContainer(row)
	if err == sql.ErrNoRows {
		return nil, errs.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying container %s: %w", id, err)
	}
	return c, nil
}

// ListContainersByState returns every container currently in the given
// state; the Sync Engine's List is built on it.
func (s *Store) ListContainersByState(ctx context.Context, state ContainerState) ([]*Container, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+containerColumns+` FROM containers WHERE state = ?`, state)
	if err != nil {
		return nil, fmt.Errorf("listing containers in state %s: %w", state, err)
	}
	defer rows.Close()

	var out []*Container
	for rows.Next() {
		c, err := scanContainer(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning container: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// TransitionContainer moves a container to a new state, rejecting any
// transition not present in the lifecycle DAG. pid and exitCode are
// optional, set only when the target state records them.
func (s *Store) TransitionContainer(ctx context.Context, id string, to ContainerState, pid, exitCode *int) error {
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		var from ContainerState
		if err := tx.QueryRowContext(ctx, `SELECT state FROM containers WHERE id = ?`, id).Scan(&from); err != nil {
			if err == sql.ErrNoRows {
				return errs.ErrNotFound
			}
			return fmt.Errorf("reading container state: %w", err)
		}
		if from == to {
			return nil
		}
		if !CanTransition(from, to) {
			return fmt.Errorf("container %s: %w: %s -> %s", id, errs.ErrInvalidTransition, from, to)
		}

		switch to {
		case ContainerStarting:
			_, err := tx.ExecContext(ctx, `UPDATE containers SET state = ? WHERE id = ?`, to, id)
			return err
		case ContainerRunning:
			_, err := tx.ExecContext(ctx, `UPDATE containers SET state = ?, pid = ?, started_at = ? WHERE id = ?`,
				to, pid, now(), id)
			return err
		case ContainerExited:
			_, err := tx.ExecContext(ctx, `UPDATE containers SET state = ?, exit_code = ?, exited_at = ? WHERE id = ?`,
				to, exitCode, now(), id)
			return err
		case ContainerError:
			_, err := tx.ExecContext(ctx, `UPDATE containers SET state = ?, exited_at = ? WHERE id = ?`, to, now(), id)
			return err
		default:
			_, err := tx.ExecContext(ctx, `UPDATE containers SET state = ? WHERE id = ?`, to, id)
			return err
		}
	})
}

// PurgeContainerIfCleaned deletes a container row, together with its log
// entries, tool tasks, and cleanup task records, once every cleanup task
// for it has completed. Monitor and network allocation rows survive the
// purge as the terminal audit trail. Returns whether the purge happened.
func (s *Store) PurgeContainerIfCleaned(ctx context.Context, containerID string) (bool, error) {
	purged := false
	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		var open int
		if err := tx.QueryRowContext(ctx, `
SELECT COUNT(*) FROM cleanup_tasks WHERE container_id = ? AND status IN (?, ?)`,
			containerID, CleanupPending, CleanupInProgress).Scan(&open); err != nil {
			return err
		}
		if open > 0 {
			return nil
		}
		var failed int
		if err := tx.QueryRowContext(ctx, `
SELECT COUNT(*) FROM cleanup_tasks WHERE container_id = ? AND status = ?`,
			containerID, CleanupFailed).Scan(&failed); err != nil {
			return err
		}
		if failed > 0 {
			return nil // orphaned resources: keep the row for the operator
		}
		for _, stmt := range []string{
			`DELETE FROM log_entries WHERE container_id = ?`,
			`DELETE FROM tool_tasks WHERE container_id = ?`,
			`DELETE FROM cleanup_tasks WHERE container_id = ?`,
			`DELETE FROM containers WHERE id = ?`,
		} {
			if _, err := tx.ExecContext(ctx, stmt, containerID); err != nil {
				return err
			}
		}
		purged = true
		return nil
	})
	return purged, err
}

// CountContainersByState returns the number of containers per state.
func (s *Store) CountContainersByState(ctx context.Context) (map[ContainerState]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT state, COUNT(*) FROM containers GROUP BY state`)
	if err != nil {
		return nil, fmt.Errorf("counting containers: %w", err)
	}
	defer rows.Close()

	out := map[ContainerState]int{}
	for rows.Next() {
		var state ContainerState
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return nil, fmt.Errorf("scanning container count: %w", err)
		}
		out[state] = n
	}
	return out, rows.Err()
}
