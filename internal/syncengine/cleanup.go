package syncengine

import (
	"context"
	"os"
	"time"

	"github.com/ariafirmware/aria/internal/errs"
	"github.com/ariafirmware/aria/internal/store"
)

// Cleanup is the Cleanup Service: it drains pending resource-teardown
// tasks in ordinal order (rootfs/mounts, then network, then cgroup),
// retrying with exponential backoff and giving up after a bounded number
// of attempts, at which point the task becomes visible through
// Engine.ListOrphans. Once a container's last task completes, its row is
// purged.
type Cleanup struct {
	e        *Engine
	workerID string
}

func newCleanup(e *Engine) *Cleanup {
	host, _ := os.Hostname()
	return &Cleanup{e: e, workerID: host}
}

func (c *Cleanup) run(ctx context.Context) error {
	interval := c.e.cfg.Cleanup.PollInterval.Duration
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			c.drainOnce(ctx)
		}
	}
}

// drainOnce claims and processes ready tasks one after another until none
// is left, then returns to the ticker. A failed task is rescheduled with
// backoff, so it is not claimed again within the same drain.
func (c *Cleanup) drainOnce(ctx context.Context) {
	for {
		task, err := c.e.store.ClaimNextCleanupTask(ctx, c.workerID)
		if err == errs.ErrNotFound {
			return
		}
		if err != nil {
			c.e.log.Warn("claiming cleanup task", "error", err)
			return
		}
		c.process(ctx, task)
	}
}

func (c *Cleanup) process(ctx context.Context, task *store.CleanupTask) {
	err := c.teardown(ctx, task)
	if err == nil {
		if err := c.e.store.CompleteCleanupTask(ctx, task.ID); err != nil {
			c.e.log.Warn("completing cleanup task", "task_id", task.ID, "error", err)
			return
		}
		purged, err := c.e.store.PurgeContainerIfCleaned(ctx, task.ContainerID)
		if err != nil {
			c.e.log.Warn("purging container", "container_id", task.ContainerID, "error", err)
		} else if purged {
			c.e.log.Info("container purged", "container_id", task.ContainerID)
		}
		return
	}

	maxAttempts := c.e.cfg.Cleanup.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	base := c.e.cfg.Cleanup.BaseBackoff.Duration
	if base <= 0 {
		base = 2 * time.Second
	}
	maxBackoff := c.e.cfg.Cleanup.MaxBackoff.Duration
	if maxBackoff <= 0 {
		maxBackoff = 5 * time.Minute
	}
	if failErr := c.e.store.FailCleanupAttempt(ctx, task.ID, err, maxAttempts, base, maxBackoff); failErr != nil {
		c.e.log.Warn("recording cleanup failure", "task_id", task.ID, "error", failErr)
	}
}

func (c *Cleanup) teardown(ctx context.Context, task *store.CleanupTask) error {
	switch task.ResourceType {
	case store.ResourceRootfs, store.ResourceMounts:
		// containerd's WithSnapshotCleanup already reclaimed the rootfs
		// snapshot when Engine.Remove called rt.Remove; nothing further to
		// do unless that call was never reached (crash mid-teardown).
		return nil
	case store.ResourceNetwork:
		na, err := c.e.store.GetNetworkAllocation(ctx, task.ContainerID)
		if err != nil {
			return nil // no allocation: nothing to release
		}
		if c.e.net == nil {
			return nil
		}
		return c.e.net.Release(ctx, na)
	case store.ResourceCgroup:
		return c.e.rt.Remove(ctx, task.ContainerID)
	default:
		return nil
	}
}
