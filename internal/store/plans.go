package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"github.com/ariafirmware/aria/internal/errs"
)

// CreatePlan persists a planner's output, archived=false.
func (s *Store) CreatePlan(ctx context.Context, sessionID, taskDescription string, steps []PlanStep, confidence float64) (*Plan, error) {
	stepsJSON, err := marshalJSON(steps)
	if err != nil {
		return nil, fmt.Errorf("marshalling plan steps: %w", err)
	}
	plan := &Plan{
		ID:              uuid.NewString(),
		SessionID:       sessionID,
		TaskDescription: taskDescription,
		Steps:           steps,
		Confidence:      confidence,
		CreatedAt:       now(),
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO plans (id, session_id, task_description, steps_json, confidence, archived, created_at)
VALUES (?, ?, ?, ?, ?, 0, ?)`,
		plan.ID, plan.SessionID, plan.TaskDescription, stepsJSON, plan.Confidence, plan.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("inserting plan: %w", err)
	}
	return plan, nil
}

// GetPlan fetches a plan by id.
func (s *Store) GetPlan(ctx context.Context, id string) (*Plan, error) {
	var plan Plan
	var stepsJSON string
	var archived int
	err := s.db.QueryRowContext(ctx, `
SELECT id, session_id, task_description, steps_json, confidence, archived, created_at
FROM plans WHERE id = ?`, id).Scan(
		&plan.ID, &plan.SessionID, &plan.TaskDescription, &stepsJSON, &plan.Confidence, &archived, &plan.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, errs.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying plan %s: %w", id, err)
	}
	plan.Archived = archived != 0
	if err := unmarshalJSON(stepsJSON, &plan.Steps); err != nil {
		return nil, fmt.Errorf("unmarshalling plan steps: %w", err)
	}
	return &plan, nil
}

// ArchivePlan sets a plan's archived flag (supplemented feature: plan
// archival/history). Nothing in the firmware calls it automatically.
func (s *Store) ArchivePlan(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE plans SET archived = 1 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("archiving plan %s: %w", id, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return errs.ErrNotFound
	}
	return nil
}

// ListPlansBySession returns every plan ever produced for a session,
// including archived ones, newest first.
func (s *Store) ListPlansBySession(ctx context.Context, sessionID string) ([]*Plan, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, session_id, task_description, steps_json, confidence, archived, created_at
FROM plans WHERE session_id = ? ORDER BY created_at DESC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("listing plans for session %s: %w", sessionID, err)
	}
	defer rows.Close()

	var out []*Plan
	for rows.Next() {
		var plan Plan
		var stepsJSON string
		var archived int
		if err := rows.Scan(&plan.ID, &plan.SessionID, &plan.TaskDescription, &stepsJSON, &plan.Confidence, &archived, &plan.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning plan: %w", err)
		}
		plan.Archived = archived != 0
		if err := unmarshalJSON(stepsJSON, &plan.Steps); err != nil {
			return nil, fmt.Errorf("unmarshalling plan steps: %w", err)
		}
		out = append(out, &plan)
	}
	return out, rows.Err()
}
