package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"github.com/ariafirmware/aria/internal/errs"
)

// CreateStep inserts a pending execution step at the given plan position.
func (s *Store) CreateStep(ctx context.Context, sessionID, planID string, position int, description string, kind StepKind, inputs map[string]any) (*ExecutionStep, error) {
	inputsJSON, err := marshalJSON(inputs)
	if err != nil {
		return nil, fmt.Errorf("marshalling step inputs: %w", err)
	}
	step := &ExecutionStep{
		ID:           uuid.NewString(),
		SessionID:    sessionID,
		PlanID:       planID,
		PlanPosition: position,
		Description:  description,
		StepKind:     kind,
		Inputs:       inputs,
		CreatedAt:    now(),
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO execution_steps (id, session_id, plan_id, plan_position, description, step_kind, inputs_json, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		step.ID, step.SessionID, step.PlanID, step.PlanPosition, step.Description, step.StepKind, inputsJSON, step.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("inserting execution step: %w", err)
	}
	return step, nil
}

// StartStep records the resolved inputs (post placeholder-resolution) and
// the start timestamp.
func (s *Store) StartStep(ctx context.Context, id string, resolvedInputs map[string]any) error {
	resolvedJSON, err := marshalJSON(resolvedInputs)
	if err != nil {
		return fmt.Errorf("marshalling resolved inputs: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `
UPDATE execution_steps SET resolved_inputs_json = ?, started_at = ? WHERE id = ?`,
		resolvedJSON, now(), id)
	if err != nil {
		return fmt.Errorf("starting step %s: %w", id, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return errs.ErrNotFound
	}
	return nil
}

// FinishStep records a step's terminal result.
func (s *Store) FinishStep(ctx context.Context, id string, result map[string]any, success bool, durationMS int64) error {
	resultJSON, err := marshalJSON(result)
	if err != nil {
		return fmt.Errorf("marshalling step result: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `
UPDATE execution_steps SET result_json = ?, success = ?, ended_at = ?, duration_ms = ? WHERE id = ?`,
		resultJSON, success, now(), durationMS, id)
	if err != nil {
		return fmt.Errorf("finishing step %s: %w", id, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return errs.ErrNotFound
	}
	return nil
}

// SetStepReflection links a completed step to its reflection.
func (s *Store) SetStepReflection(ctx context.Context, stepID, reflectionID string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE execution_steps SET reflection_id = ? WHERE id = ?`, reflectionID, stepID)
	if err != nil {
		return fmt.Errorf("linking reflection to step %s: %w", stepID, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return errs.ErrNotFound
	}
	return nil
}

func scanStep(row interface{ Scan(...any) error }) (*ExecutionStep, error) {
	var st ExecutionStep
	var inputsJSON string
	var resolvedJSON, resultJSON sql.NullString
	var success sql.NullBool
	var startedAt, endedAt sql.NullTime
	var durationMS sql.NullInt64
	var reflectionID sql.NullString

	if err := row.Scan(&st.ID, &st.SessionID, &st.PlanID, &st.PlanPosition, &st.Description, &st.StepKind,
		&inputsJSON, &resolvedJSON, &resultJSON, &success, &startedAt, &endedAt, &durationMS, &reflectionID, &st.CreatedAt); err != nil {
		return nil, err
	}

	st.Inputs = map[string]any{}
	if err := unmarshalJSON(inputsJSON, &st.Inputs); err != nil {
		return nil, fmt.Errorf("unmarshalling step inputs: %w", err)
	}
	if resolvedJSON.Valid {
		st.ResolvedInputs = map[string]any{}
		if err := unmarshalJSON(resolvedJSON.String, &st.ResolvedInputs); err != nil {
			return nil, fmt.Errorf("unmarshalling resolved inputs: %w", err)
		}
	}
	if resultJSON.Valid {
		st.Result = map[string]any{}
		if err := unmarshalJSON(resultJSON.String, &st.Result); err != nil {
			return nil, fmt.Errorf("unmarshalling step result: %w", err)
		}
	}
	if success.Valid {
		st.Success = &success.Bool
	}
	if startedAt.Valid {
		st.StartedAt = &startedAt.Time
	}
	if endedAt.Valid {
		st.EndedAt = &endedAt.Time
	}
	if durationMS.Valid {
		st.DurationMS = &durationMS.Int64
	}
	if reflectionID.Valid {
		st.ReflectionID = &reflectionID.String
	}
	return &st, nil
}

const stepColumns = `id, session_id, plan_id, plan_position, description, step_kind,
inputs_json, resolved_inputs_json, result_json, success, started_at, ended_at, duration_ms, reflection_id, created_at`

// GetStep fetches one execution step by id.
func (s *Store) GetStep(ctx context.Context, id string) (*ExecutionStep, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+stepColumns+` FROM execution_steps WHERE id = ?`, id)
	st, err := scanStep(row)
	if err == sql.ErrNoRows {
		return nil, errs.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying step %s: %w", id, err)
	}
	return st, nil
}

// ListStepsByPlan returns a plan's steps ordered by plan position, the
// order the executor dispatches them in.
func (s *Store) ListStepsByPlan(ctx context.Context, planID string) ([]*ExecutionStep, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+stepColumns+` FROM execution_steps WHERE plan_id = ? ORDER BY plan_position`, planID)
	if err != nil {
		return nil, fmt.Errorf("listing steps for plan %s: %w", planID, err)
	}
	defer rows.Close()

	var out []*ExecutionStep
	for rows.Next() {
		st, err := scanStep(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning step: %w", err)
		}
		out = append(out, st)
	}
	return out, rows.Err()
}
