// Package conversation is the Conversation Manager: the append-only
// turn log plus the finalize step that synthesizes an execution's turn
// history into one closing assistant response.
package conversation

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ariafirmware/aria/internal/llm"
	"github.com/ariafirmware/aria/internal/store"
)

// Manager is the CM: it owns turn recording and the finalize step that
// turns an execution's turn log into one assistant response.
type Manager struct {
	store *store.Store
	log   *slog.Logger
}

func New(st *store.Store, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{store: st, log: log}
}

// Open resumes sessionID if given and it exists, otherwise creates a
// fresh active session for userRef.
func (m *Manager) Open(ctx context.Context, userRef string, sessionID *string) (*store.Session, error) {
	if sessionID != nil && *sessionID != "" {
		sess, err := m.store.GetSession(ctx, *sessionID)
		if err == nil {
			return sess, nil
		}
	}
	return m.store.CreateSession(ctx, userRef, map[string]any{})
}

// RecordTurn appends one entry to sessionID's conversation log.
func (m *Manager) RecordTurn(ctx context.Context, sessionID string, role store.TurnRole, content string, meta map[string]any) (*store.Turn, error) {
	return m.store.AppendTurn(ctx, sessionID, role, content, meta)
}

// Finalize asks provider to summarize the turn history into one
// assistant turn, appends it, and closes the session as completed or
// failed depending on anyStepFailed.
func (m *Manager) Finalize(ctx context.Context, sessionID string, provider llm.Provider, anyStepFailed bool) (*store.Turn, error) {
	turns, err := m.store.ListTurns(ctx, sessionID, 0)
	if err != nil {
		return nil, fmt.Errorf("listing turns for session %s: %w", sessionID, err)
	}

	messages := make([]llm.Message, 0, len(turns)+1)
	for _, t := range turns {
		messages = append(messages, llm.Message{Role: string(t.Role), Content: t.Content})
	}
	messages = append(messages, llm.Message{
		Role:    string(store.RoleSystem),
		Content: "Summarize the outcome of this conversation in one assistant turn.",
	})

	var content string
	if provider != nil {
		text, _, _, genErr := provider.Generate(ctx, messages, nil)
		if genErr != nil {
			m.log.Warn("finalize generation failed", "session_id", sessionID, "error", genErr)
			content = "Execution finished but the final response could not be generated."
		} else {
			content = text
		}
	} else {
		content = "Execution finished."
	}

	turn, err := m.store.AppendTurn(ctx, sessionID, store.RoleAssistant, content, nil)
	if err != nil {
		return nil, fmt.Errorf("appending final turn for session %s: %w", sessionID, err)
	}

	status := store.SessionCompleted
	if anyStepFailed {
		status = store.SessionFailed
	}
	if err := m.store.UpdateSessionStatus(ctx, sessionID, status); err != nil {
		return nil, fmt.Errorf("closing session %s: %w", sessionID, err)
	}
	return turn, nil
}

// History returns sessionID's turns, windowed to the most recent limit
// entries when limit > 0. Finalize does not use it: it always sends the
// full turn history to the provider.
func (m *Manager) History(ctx context.Context, sessionID string, limit int) ([]*store.Turn, error) {
	return m.store.ListTurns(ctx, sessionID, limit)
}
