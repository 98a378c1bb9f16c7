package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"github.com/ariafirmware/aria/internal/errs"
)

// CreateSession inserts a new active session and returns it.
func (s *Store) CreateSession(ctx context.Context, userRef string, sessCtx map[string]any) (*Session, error) {
	ctxJSON, err := marshalJSON(sessCtx)
	if err != nil {
		return nil, fmt.Errorf("marshalling session context: %w", err)
	}
	sess := &Session{
		ID:        uuid.NewString(),
		UserRef:   userRef,
		Status:    SessionActive,
		Context:   sessCtx,
		CreatedAt: now(),
		UpdatedAt: now(),
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO sessions (id, user_ref, status, context_json, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.UserRef, sess.Status, ctxJSON, sess.CreatedAt, sess.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("inserting session: %w", err)
	}
	return sess, nil
}

func scanSession(row interface{ Scan(...any) error }) (*Session, error) {
	var sess Session
	var ctxJSON string
	if err := row.Scan(&sess.ID, &sess.UserRef, &sess.Status, &ctxJSON, &sess.CreatedAt, &sess.UpdatedAt); err != nil {
		return nil, err
	}
	sess.Context = map[string]any{}
	if err := unmarshalJSON(ctxJSON, &sess.Context); err != nil {
		return nil, fmt.Errorf("unmarshalling session context: %w", err)
	}
	return &sess, nil
}

// GetSession fetches a session by id.
func (s *Store) GetSession(ctx context.Context, id string) (*Session, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT id, user_ref, status, context_json, created_at, updated_at
FROM sessions WHERE id = ?`, id)
	sess, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, errs.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying session %s: %w", id, err)
	}
	return sess, nil
}

// UpdateSessionStatus transitions a session's status.
func (s *Store) UpdateSessionStatus(ctx context.Context, id string, status SessionStatus) error {
	res, err := s.db.ExecContext(ctx, `
UPDATE sessions SET status = ?, updated_at = ? WHERE id = ?`, status, now(), id)
	if err != nil {
		return fmt.Errorf("updating session %s: %w", id, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return errs.ErrNotFound
	}
	return nil
}

// UpdateSessionContext overwrites a session's context blob, e.g. after
// merging in tool output the conversation manager wants retained.
func (s *Store) UpdateSessionContext(ctx context.Context, id string, sessCtx map[string]any) error {
	ctxJSON, err := marshalJSON(sessCtx)
	if err != nil {
		return fmt.Errorf("marshalling session context: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `
UPDATE sessions SET context_json = ?, updated_at = ? WHERE id = ?`, ctxJSON, now(), id)
	if err != nil {
		return fmt.Errorf("updating session %s context: %w", id, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return errs.ErrNotFound
	}
	return nil
}

// ListActiveSessions returns every session still in the active state,
// oldest first.
func (s *Store) ListActiveSessions(ctx context.Context) ([]*Session, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, user_ref, status, context_json, created_at, updated_at
FROM sessions WHERE status = ? ORDER BY created_at`, SessionActive)
	if err != nil {
		return nil, fmt.Errorf("listing active sessions: %w", err)
	}
	defer rows.Close()

	var out []*Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning session: %w", err)
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}
