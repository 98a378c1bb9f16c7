// Package syncengine is the Container Sync Engine: it exposes the
// container lifecycle API (create/start/status/exec/stop/remove/logs/
// list) and owns the two background services that keep durable state
// honest, the Process Monitor and the Cleanup Service. Request handlers
// update the store and call the container runtime directly; the image
// pull runs in the background, and liveness polling and resource
// teardown run in the two background loops.
package syncengine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/ariafirmware/aria/internal/config"
	"github.com/ariafirmware/aria/internal/errs"
	"github.com/ariafirmware/aria/internal/network"
	"github.com/ariafirmware/aria/internal/notify"
	"github.com/ariafirmware/aria/internal/observability"
	"github.com/ariafirmware/aria/internal/store"
	"github.com/ariafirmware/aria/internal/syncengine/runtime"
)

// ContainerRuntime is the namespace/cgroup primitive layer the engine
// drives. *runtime.Runtime is the production implementation; tests hand
// the engine a fake so lifecycle logic runs without a containerd daemon.
type ContainerRuntime interface {
	PullImage(ctx context.Context, ref string) error
	CreateContainer(ctx context.Context, id, image string, command []string, env map[string]string, res runtime.Resources) error
	HasContainer(ctx context.Context, id string) (bool, error)
	StartTask(ctx context.Context, id string) (int, error)
	Exec(ctx context.Context, id, execID string, command []string) (stdout, stderr string, exitCode int, err error)
	Stop(ctx context.Context, id string, timeout time.Duration) (int, error)
	Remove(ctx context.Context, id string) error
}

// Engine is the Sync Engine's entry point: container CRUD plus the two
// background services, wired against one Store.
type Engine struct {
	store  *store.Store
	rt     ContainerRuntime
	net    *network.Allocator
	events *notify.Broker
	log    *slog.Logger
	cfg    config.Config

	monitor *Monitor
	cleanup *Cleanup
	locks   *keyedMutex

	// prepared tracks in-flight image pull + containerd create work per
	// container, so Start can wait for what Create kicked off.
	prepared sync.Map // container id -> chan struct{}, closed when done
}

func New(cfg config.Config, st *store.Store, rt ContainerRuntime, net *network.Allocator, events *notify.Broker, log *slog.Logger) *Engine {
	if log == nil {
		log = slog.Default()
	}
	e := &Engine{store: st, rt: rt, net: net, events: events, log: log, cfg: cfg, locks: newKeyedMutex()}
	e.monitor = newMonitor(e)
	e.cleanup = newCleanup(e)
	return e
}

// CreateParams describes a requested container workload.
type CreateParams struct {
	Name        string
	Image       string
	Command     []string
	Env         map[string]string
	MemLimitMB  *int
	CPULimitPct *float64
	SessionID   *string
}

// Create persists the container row (state=created) and reserves its
// network allocation (status=allocated, veth names chosen, nothing wired
// yet), then returns. The image pull and containerd-side create run in
// the background so create's latency never scales with image size; a
// background failure surfaces as state=error.
func (e *Engine) Create(ctx context.Context, p CreateParams) (*store.Container, *store.NetworkAllocation, error) {
	ctx, span := observability.StartSpan(ctx, "syncengine.create", attribute.String("image", p.Image))
	var createErr error
	defer func() { observability.EndWithError(span, createErr) }()

	c, err := e.store.CreateContainer(ctx, store.CreateContainerParams{
		Name:        p.Name,
		Image:       p.Image,
		Command:     p.Command,
		Env:         p.Env,
		MemLimitMB:  p.MemLimitMB,
		CPULimitPct: p.CPULimitPct,
		SessionID:   p.SessionID,
	})
	if err != nil {
		createErr = fmt.Errorf("recording container: %w", err)
		return nil, nil, createErr
	}

	var na *store.NetworkAllocation
	if e.net != nil {
		na, err = e.net.Reserve(ctx, c.ID)
		if err != nil {
			_ = e.store.TransitionContainer(ctx, c.ID, store.ContainerError, nil, nil)
			createErr = errs.New(errs.KindContainer, "reserving network for "+c.ID, err)
			return nil, nil, createErr
		}
	}

	done := make(chan struct{})
	e.prepared.Store(c.ID, done)
	go func() {
		defer close(done)
		bg := context.WithoutCancel(ctx)
		if err := e.prepare(bg, c.ID, p); err != nil {
			e.log.Warn("preparing container", "container_id", c.ID, "error", err)
			_ = e.store.TransitionContainer(bg, c.ID, store.ContainerError, nil, nil)
		}
	}()
	return c, na, nil
}

// prepare pulls the image and creates the containerd-side container. It
// is idempotent: Start re-invokes it after a restart that lost the
// in-flight background work.
func (e *Engine) prepare(ctx context.Context, id string, p CreateParams) error {
	exists, err := e.rt.HasContainer(ctx, id)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	if err := e.rt.PullImage(ctx, p.Image); err != nil {
		return errs.New(errs.KindContainer, "pulling image "+p.Image, err)
	}
	if err := e.rt.CreateContainer(ctx, id, p.Image, p.Command, p.Env, runtime.Resources{MemLimitMB: p.MemLimitMB, CPULimitPct: p.CPULimitPct}); err != nil {
		return errs.New(errs.KindContainer, "creating container "+id, err)
	}
	return nil
}

// awaitPrepared blocks until the background prepare kicked off by Create
// finishes, or runs prepare inline when this process never started one
// (restart before Start).
func (e *Engine) awaitPrepared(ctx context.Context, c *store.Container) error {
	if chAny, ok := e.prepared.Load(c.ID); ok {
		select {
		case <-chAny.(chan struct{}):
		case <-ctx.Done():
			return ctx.Err()
		}
		e.prepared.Delete(c.ID)
		return nil
	}
	return e.prepare(ctx, c.ID, CreateParams{
		Name:        c.Name,
		Image:       c.Image,
		Command:     c.Command,
		Env:         c.Env,
		MemLimitMB:  c.MemLimitMB,
		CPULimitPct: c.CPULimitPct,
		SessionID:   c.SessionID,
	})
}

// Start transitions a container through starting -> running, wires the
// network allocation Create reserved, and registers the pid with the
// Process Monitor. It waits for Create's background image work, then
// returns as soon as the task's pid is observed; the command may run
// indefinitely.
func (e *Engine) Start(ctx context.Context, containerID string) error {
	unlock := e.locks.Lock(containerID)
	defer unlock()

	if err := e.store.TransitionContainer(ctx, containerID, store.ContainerStarting, nil, nil); err != nil {
		return err
	}

	c, err := e.store.GetContainer(ctx, containerID)
	if err != nil {
		return err
	}
	if err := e.awaitPrepared(ctx, c); err != nil {
		_ = e.store.TransitionContainer(ctx, containerID, store.ContainerError, nil, nil)
		return errs.New(errs.KindContainer, "preparing container "+containerID, err)
	}
	// The background prepare may have failed after Create returned.
	if c, err = e.store.GetContainer(ctx, containerID); err != nil {
		return err
	}
	if c.State == store.ContainerError {
		return errs.New(errs.KindContainer, "container "+containerID+" failed image preparation", nil).
			WithGuidance("Check the image reference and containerd connectivity", "Recreate the container")
	}

	pid, err := e.rt.StartTask(ctx, containerID)
	if err != nil {
		_ = e.store.TransitionContainer(ctx, containerID, store.ContainerError, nil, nil)
		return errs.New(errs.KindContainer, "starting task for "+containerID, err)
	}

	if e.net != nil {
		if err := e.net.EnsureBridge(ctx); err != nil {
			e.log.Warn("ensuring bridge", "error", err)
		}
		if _, err := e.net.Attach(ctx, containerID, pid); err != nil {
			e.log.Warn("attaching network", "container_id", containerID, "error", err)
		}
	}

	if err := e.store.TransitionContainer(ctx, containerID, store.ContainerRunning, &pid, nil); err != nil {
		return err
	}
	if _, err := e.store.CreateProcessMonitor(ctx, containerID, pid); err != nil {
		return fmt.Errorf("registering process monitor for %s: %w", containerID, err)
	}
	return nil
}

// Status reads the container row and validates it against process
// liveness: a row claiming "running" whose pid is gone is corrected to
// exited before being returned, so callers never act on a stale running
// state between Monitor ticks.
func (e *Engine) Status(ctx context.Context, containerID string) (*store.Container, error) {
	c, err := e.store.GetContainer(ctx, containerID)
	if err != nil {
		return nil, err
	}
	if c.State != store.ContainerRunning || c.PID == nil || processAlive(*c.PID) {
		return c, nil
	}

	unlock := e.locks.Lock(containerID)
	defer unlock()

	if err := e.store.FinishMonitor(ctx, containerID, store.MonitorCompleted); err != nil && err != errs.ErrNotFound {
		e.log.Warn("finishing monitor", "container_id", containerID, "error", err)
	}
	if err := e.store.TransitionContainer(ctx, containerID, store.ContainerExited, nil, nil); err != nil {
		return nil, err
	}
	e.publishContainerEvent(containerID, store.ContainerExited)
	return e.store.GetContainer(ctx, containerID)
}

// Exec runs a synchronous command inside a running container and blocks
// until it completes or the per-task timeout expires. The container must
// be in the running state.
func (e *Engine) Exec(ctx context.Context, containerID string, command []string, timeoutSeconds *int) (*store.ToolTask, error) {
	if err := e.requireRunning(ctx, containerID); err != nil {
		return nil, err
	}
	task, err := e.store.CreateToolTask(ctx, containerID, command, timeoutSeconds)
	if err != nil {
		return nil, err
	}
	if err := e.store.StartToolTask(ctx, task.ID); err != nil {
		return nil, err
	}

	execCtx := ctx
	var cancel context.CancelFunc
	if timeoutSeconds != nil {
		execCtx, cancel = context.WithTimeout(ctx, time.Duration(*timeoutSeconds)*time.Second)
		defer cancel()
	}

	stdout, stderr, code, err := e.rt.Exec(execCtx, containerID, task.ID, command)
	status := store.ToolTaskCompleted
	if err != nil {
		if execCtx.Err() == context.DeadlineExceeded {
			status = store.ToolTaskTimeout
		} else {
			status = store.ToolTaskFailed
		}
	}
	if err != nil && stderr == "" {
		stderr = err.Error()
	}
	ec := code
	if finErr := e.store.FinishToolTask(ctx, task.ID, status, stdout, stderr, &ec); finErr != nil {
		return nil, finErr
	}
	e.publishTaskEvent(containerID, task.ID, status)
	return e.store.GetToolTask(ctx, task.ID)
}

// ExecAsync enqueues a tool task and returns immediately; the caller
// polls GetToolTask for completion. The command runs under its own
// detached context so the caller's cancellation never kills it, only the
// per-task timeout does.
func (e *Engine) ExecAsync(ctx context.Context, containerID string, command []string, timeoutSeconds *int) (*store.ToolTask, error) {
	if err := e.requireRunning(ctx, containerID); err != nil {
		return nil, err
	}
	task, err := e.store.CreateToolTask(ctx, containerID, command, timeoutSeconds)
	if err != nil {
		return nil, err
	}
	go func() {
		bg := context.Background()
		_ = e.store.StartToolTask(bg, task.ID)
		execCtx := bg
		var cancel context.CancelFunc
		if timeoutSeconds != nil {
			execCtx, cancel = context.WithTimeout(bg, time.Duration(*timeoutSeconds)*time.Second)
			defer cancel()
		}
		stdout, stderr, code, err := e.rt.Exec(execCtx, containerID, task.ID, command)
		status := store.ToolTaskCompleted
		if err != nil {
			status = store.ToolTaskFailed
			if execCtx.Err() == context.DeadlineExceeded {
				status = store.ToolTaskTimeout
			}
		}
		if err != nil && stderr == "" {
			stderr = err.Error()
		}
		ec := code
		_ = e.store.FinishToolTask(bg, task.ID, status, stdout, stderr, &ec)
		e.publishTaskEvent(containerID, task.ID, status)
	}()
	return task, nil
}

// GetToolTask polls an exec task's current state.
func (e *Engine) GetToolTask(ctx context.Context, taskID string) (*store.ToolTask, error) {
	return e.store.GetToolTask(ctx, taskID)
}

// requireRunning rejects exec against a container not currently running.
func (e *Engine) requireRunning(ctx context.Context, containerID string) error {
	c, err := e.store.GetContainer(ctx, containerID)
	if err != nil {
		return err
	}
	if c.State != store.ContainerRunning {
		return errs.New(errs.KindContainer,
			fmt.Sprintf("container %s is %s, exec requires running", containerID, c.State), nil).
			WithGuidance("Start the container before exec'ing into it", "Check container status")
	}
	return nil
}

// Stop sends SIGTERM, waits up to timeout, then SIGKILLs; the container
// row moves to exited with the observed exit code.
func (e *Engine) Stop(ctx context.Context, containerID string, timeout time.Duration) error {
	unlock := e.locks.Lock(containerID)
	defer unlock()
	return e.stopLocked(ctx, containerID, timeout)
}

// stopLocked is Stop's body, for callers already holding the per-id lock.
func (e *Engine) stopLocked(ctx context.Context, containerID string, timeout time.Duration) error {
	code, err := e.rt.Stop(ctx, containerID, timeout)
	if err != nil {
		return errs.New(errs.KindContainer, "stopping container "+containerID, err)
	}
	if err := e.store.FinishMonitor(ctx, containerID, store.MonitorCompleted); err != nil && err != errs.ErrNotFound {
		e.log.Warn("finishing monitor", "container_id", containerID, "error", err)
	}
	ec := code
	if err := e.store.TransitionContainer(ctx, containerID, store.ContainerExited, nil, &ec); err != nil {
		return err
	}
	e.publishContainerEvent(containerID, store.ContainerExited)
	return nil
}

// Remove tears a container down: it requires a terminal state unless
// force is set, in which case the task is killed first (SIGKILL after a
// short grace) and teardown proceeds. The containerd container is
// deleted and the ordered cleanup tasks are enqueued; the row itself is
// purged by the Cleanup Service once every task for it has completed.
func (e *Engine) Remove(ctx context.Context, containerID string, force bool) error {
	unlock := e.locks.Lock(containerID)
	defer unlock()

	c, err := e.store.GetContainer(ctx, containerID)
	if err != nil {
		return err
	}
	scheduled, err := e.store.HasCleanupTasks(ctx, containerID)
	if err != nil {
		return err
	}
	if scheduled {
		return nil // teardown already underway
	}
	if c.State == store.ContainerRunning || c.State == store.ContainerStarting {
		if !force {
			return errs.New(errs.KindContainer,
				fmt.Sprintf("container %s is %s, remove requires exited or error (or force)", containerID, c.State), nil).
				WithGuidance("Stop the container first, or pass force", "Check container status")
		}
		if err := e.stopLocked(ctx, containerID, time.Second); err != nil {
			e.log.Warn("stopping before remove", "container_id", containerID, "error", err)
		}
	}
	if err := e.rt.Remove(ctx, containerID); err != nil {
		e.log.Warn("removing containerd container", "container_id", containerID, "error", err)
	}

	for _, rt := range []store.CleanupResourceType{store.ResourceRootfs, store.ResourceMounts, store.ResourceNetwork, store.ResourceCgroup} {
		if rt == store.ResourceNetwork {
			if _, err := e.store.GetNetworkAllocation(ctx, containerID); err != nil {
				continue // no allocation, nothing to drain
			}
		}
		if _, err := e.store.ScheduleCleanup(ctx, containerID, rt); err != nil {
			return fmt.Errorf("scheduling %s cleanup for %s: %w", rt, containerID, err)
		}
	}
	return nil
}

// Logs returns a container's captured output, tail<=0 for everything.
func (e *Engine) Logs(ctx context.Context, containerID string, tail int) ([]*store.LogEntry, error) {
	return e.store.ListLogs(ctx, containerID, tail)
}

// List returns every container in the given state, or every container if
// state is "".
func (e *Engine) List(ctx context.Context, state store.ContainerState) ([]*store.Container, error) {
	if state == "" {
		var out []*store.Container
		for _, st := range []store.ContainerState{store.ContainerCreated, store.ContainerStarting, store.ContainerRunning, store.ContainerExited, store.ContainerError} {
			cs, err := e.store.ListContainersByState(ctx, st)
			if err != nil {
				return nil, err
			}
			out = append(out, cs...)
		}
		return out, nil
	}
	return e.store.ListContainersByState(ctx, state)
}

// Metrics is the operator-facing system summary.
type Metrics struct {
	ContainersRunning int
	ContainersTotal   int
	PendingCleanups   int
	OrphanedCleanups  int
}

// SystemMetrics summarizes container and cleanup state from the store.
func (e *Engine) SystemMetrics(ctx context.Context) (Metrics, error) {
	var m Metrics
	byState, err := e.store.CountContainersByState(ctx)
	if err != nil {
		return m, err
	}
	for state, n := range byState {
		m.ContainersTotal += n
		if state == store.ContainerRunning {
			m.ContainersRunning = n
		}
	}
	byStatus, err := e.store.CountCleanupByStatus(ctx)
	if err != nil {
		return m, err
	}
	m.PendingCleanups = byStatus[store.CleanupPending] + byStatus[store.CleanupInProgress]
	m.OrphanedCleanups = byStatus[store.CleanupFailed]
	return m, nil
}

// Topology is the host bridge plus every allocation hanging off it.
type Topology struct {
	BridgeName  string
	Subnet      string
	Allocations []*store.NetworkAllocation
}

// NetworkTopology reports the bridge/subnet configuration and all
// recorded allocations.
func (e *Engine) NetworkTopology(ctx context.Context) (Topology, error) {
	allocs, err := e.store.ListAllocations(ctx)
	if err != nil {
		return Topology{}, err
	}
	return Topology{
		BridgeName:  e.cfg.Network.BridgeName,
		Subnet:      e.cfg.Network.Subnet,
		Allocations: allocs,
	}, nil
}

// ContainerNetworkInfo returns one container's allocation.
func (e *Engine) ContainerNetworkInfo(ctx context.Context, containerID string) (*store.NetworkAllocation, error) {
	return e.store.GetNetworkAllocation(ctx, containerID)
}

// ListOrphans surfaces cleanup tasks that exhausted their retry budget.
func (e *Engine) ListOrphans(ctx context.Context) ([]*store.CleanupTask, error) {
	return e.store.ListOrphans(ctx)
}

// Run starts the Process Monitor and Cleanup Service background loops and
// blocks until ctx is cancelled or one loop fails.
func (e *Engine) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return e.monitor.run(ctx) })
	g.Go(func() error { return e.cleanup.run(ctx) })
	return g.Wait()
}

func (e *Engine) publishContainerEvent(containerID string, state store.ContainerState) {
	if e.events == nil {
		return
	}
	e.events.Publish(notify.Event{
		Kind:        notify.KindTaskStatus,
		ContainerID: containerID,
		Status:      string(state),
	})
}

func (e *Engine) publishTaskEvent(containerID, taskID string, status store.ToolTaskStatus) {
	if e.events == nil {
		return
	}
	e.events.Publish(notify.Event{
		Kind:        notify.KindTaskStatus,
		ContainerID: containerID,
		TaskID:      taskID,
		Status:      string(status),
	})
}
