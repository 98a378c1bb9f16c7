package store

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// AppendTurn adds one entry to a session's append-only conversation log.
func (s *Store) AppendTurn(ctx context.Context, sessionID string, role TurnRole, content string, meta map[string]any) (*Turn, error) {
	metaJSON, err := marshalJSON(meta)
	if err != nil {
		return nil, fmt.Errorf("marshalling turn metadata: %w", err)
	}
	turn := &Turn{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Role:      role,
		Content:   content,
		Metadata:  meta,
		CreatedAt: now(),
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO turns (id, session_id, role, content, metadata_json, created_at)
VALUES (?, ?, ?, ?, ?, ?)`,
		turn.ID, turn.SessionID, turn.Role, turn.Content, metaJSON, turn.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("inserting turn: %w", err)
	}
	return turn, nil
}

// ListTurns returns a session's conversation turns in order. limit <= 0
// means no limit; otherwise only the most recent limit turns are returned,
// still in chronological order, for windowed history selection.
func (s *Store) ListTurns(ctx context.Context, sessionID string, limit int) ([]*Turn, error) {
	query := `SELECT id, session_id, role, content, metadata_json, created_at
FROM turns WHERE session_id = ? ORDER BY created_at`
	args := []any{sessionID}
	if limit > 0 {
		query = `
SELECT id, session_id, role, content, metadata_json, created_at FROM (
  SELECT id, session_id, role, content, metadata_json, created_at
  FROM turns WHERE session_id = ? ORDER BY created_at DESC LIMIT ?
) ORDER BY created_at`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing turns for session %s: %w", sessionID, err)
	}
	defer rows.Close()

	var out []*Turn
	for rows.Next() {
		var t Turn
		var metaJSON *string
		if err := rows.Scan(&t.ID, &t.SessionID, &t.Role, &t.Content, &metaJSON, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning turn: %w", err)
		}
		if metaJSON != nil {
			t.Metadata = map[string]any{}
			if err := unmarshalJSON(*metaJSON, &t.Metadata); err != nil {
				return nil, fmt.Errorf("unmarshalling turn metadata: %w", err)
			}
		}
		out = append(out, &t)
	}
	return out, rows.Err()
}
