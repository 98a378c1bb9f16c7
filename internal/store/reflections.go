package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"github.com/ariafirmware/aria/internal/errs"
)

// CreateReflection persists a reflector's analysis of a completed step.
func (s *Store) CreateReflection(ctx context.Context, stepID, performance, quality string, action SuggestedAction, reasoning string, confidence float64) (*Reflection, error) {
	refl := &Reflection{
		ID:              uuid.NewString(),
		StepID:          stepID,
		Performance:     performance,
		Quality:         quality,
		SuggestedAction: action,
		Reasoning:       reasoning,
		Confidence:      confidence,
		CreatedAt:       now(),
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO reflections (id, step_id, performance, quality, suggested_action, reasoning, confidence, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		refl.ID, refl.StepID, refl.Performance, refl.Quality, refl.SuggestedAction, refl.Reasoning, refl.Confidence, refl.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("inserting reflection: %w", err)
	}
	return refl, nil
}

// GetReflection fetches a reflection by id.
func (s *Store) GetReflection(ctx context.Context, id string) (*Reflection, error) {
	var refl Reflection
	err := s.db.QueryRowContext(ctx, `
SELECT id, step_id, performance, quality, suggested_action, reasoning, confidence, created_at
FROM reflections WHERE id = ?`, id).Scan(
		&refl.ID, &refl.StepID, &refl.Performance, &refl.Quality, &refl.SuggestedAction, &refl.Reasoning, &refl.Confidence, &refl.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, errs.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying reflection %s: %w", id, err)
	}
	return &refl, nil
}
