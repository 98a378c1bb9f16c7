package executor

import (
	"context"
	"time"

	"github.com/ariafirmware/aria/internal/store"
	"github.com/ariafirmware/aria/internal/syncengine"
)

// SyncEngineAdapter satisfies ContainerEngine against the concrete
// *syncengine.Engine, translating the Executor's declarative
// ContainerWorkload into syncengine.CreateParams. It lives here rather
// than in syncengine itself so that package doesn't need to know about
// the Executor's step-input shape.
type SyncEngineAdapter struct {
	Engine *syncengine.Engine
}

func (a *SyncEngineAdapter) Create(ctx context.Context, w ContainerWorkload) (*store.Container, error) {
	c, _, err := a.Engine.Create(ctx, syncengine.CreateParams{
		Name:        w.Name,
		Image:       w.Image,
		Command:     w.Command,
		Env:         w.Env,
		MemLimitMB:  w.MemLimitMB,
		CPULimitPct: w.CPULimitPct,
		SessionID:   w.SessionID,
	})
	return c, err
}

func (a *SyncEngineAdapter) Start(ctx context.Context, containerID string) error {
	return a.Engine.Start(ctx, containerID)
}

func (a *SyncEngineAdapter) Status(ctx context.Context, containerID string) (*store.Container, error) {
	return a.Engine.Status(ctx, containerID)
}

func (a *SyncEngineAdapter) Exec(ctx context.Context, containerID string, command []string, timeoutSeconds *int) (*store.ToolTask, error) {
	return a.Engine.Exec(ctx, containerID, command, timeoutSeconds)
}

func (a *SyncEngineAdapter) Stop(ctx context.Context, containerID string, timeout time.Duration) error {
	return a.Engine.Stop(ctx, containerID, timeout)
}

func (a *SyncEngineAdapter) Remove(ctx context.Context, containerID string) error {
	// Workload containers are stopped by the dispatch sequence before
	// removal, so force stays off: a still-running container here is a bug
	// worth surfacing, not silently killing.
	return a.Engine.Remove(ctx, containerID, false)
}
