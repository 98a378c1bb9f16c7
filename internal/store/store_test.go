package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ariafirmware/aria/internal/errs"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "aria.db")
	s, err := Open(context.Background(), Config{Path: dbPath, MaxOpenConns: 1, BusyTimeoutMS: 5000}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSessionLifecycle(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	sess, err := s.CreateSession(ctx, "user-1", map[string]any{"origin": "cli"})
	require.NoError(t, err)
	require.Equal(t, SessionActive, sess.Status)

	got, err := s.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	require.Equal(t, "user-1", got.UserRef)
	require.Equal(t, "cli", got.Context["origin"])

	require.NoError(t, s.UpdateSessionStatus(ctx, sess.ID, SessionCompleted))
	got, err = s.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	require.Equal(t, SessionCompleted, got.Status)

	_, err = s.GetSession(ctx, "does-not-exist")
	require.ErrorIs(t, err, errs.ErrNotFound)
}

func TestListActiveSessionsExcludesCompleted(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	active, err := s.CreateSession(ctx, "user-1", nil)
	require.NoError(t, err)
	done, err := s.CreateSession(ctx, "user-2", nil)
	require.NoError(t, err)
	require.NoError(t, s.UpdateSessionStatus(ctx, done.ID, SessionFailed))

	sessions, err := s.ListActiveSessions(ctx)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	require.Equal(t, active.ID, sessions[0].ID)
}

func TestTurnsOrderedAndWindowed(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	sess, err := s.CreateSession(ctx, "user-1", nil)
	require.NoError(t, err)

	for _, content := range []string{"m0", "m1", "m2", "m3", "m4"} {
		_, err := s.AppendTurn(ctx, sess.ID, RoleUser, content, nil)
		require.NoError(t, err)
	}

	all, err := s.ListTurns(ctx, sess.ID, 0)
	require.NoError(t, err)
	require.Len(t, all, 5)
	require.Equal(t, "m0", all[0].Content)
	require.Equal(t, "m4", all[4].Content)

	windowed, err := s.ListTurns(ctx, sess.ID, 2)
	require.NoError(t, err)
	require.Len(t, windowed, 2)
	require.Equal(t, "m3", windowed[0].Content)
	require.Equal(t, "m4", windowed[1].Content)
}

func TestPlanArchival(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	sess, err := s.CreateSession(ctx, "user-1", nil)
	require.NoError(t, err)

	plan, err := s.CreatePlan(ctx, sess.ID, "do the thing", []PlanStep{{Description: "step one", Tool: "none"}}, 0.9)
	require.NoError(t, err)
	require.False(t, plan.Archived)

	require.NoError(t, s.ArchivePlan(ctx, plan.ID))
	got, err := s.GetPlan(ctx, plan.ID)
	require.NoError(t, err)
	require.True(t, got.Archived)
	require.Len(t, got.Steps, 1)
}

func TestExecutionStepLifecycle(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	sess, err := s.CreateSession(ctx, "user-1", nil)
	require.NoError(t, err)
	plan, err := s.CreatePlan(ctx, sess.ID, "task", nil, 0.5)
	require.NoError(t, err)

	step, err := s.CreateStep(ctx, sess.ID, plan.ID, 0, "first step", StepTool, map[string]any{"path": "/tmp"})
	require.NoError(t, err)

	require.NoError(t, s.StartStep(ctx, step.ID, map[string]any{"path": "/tmp/resolved"}))
	require.NoError(t, s.FinishStep(ctx, step.ID, map[string]any{"ok": true}, true, 42))

	got, err := s.GetStep(ctx, step.ID)
	require.NoError(t, err)
	require.NotNil(t, got.Success)
	require.True(t, *got.Success)
	require.NotNil(t, got.DurationMS)
	require.Equal(t, int64(42), *got.DurationMS)

	refl, err := s.CreateReflection(ctx, step.ID, "good", "high", ActionContinue, "no issues", 0.95)
	require.NoError(t, err)
	require.NoError(t, s.SetStepReflection(ctx, step.ID, refl.ID))

	steps, err := s.ListStepsByPlan(ctx, plan.ID)
	require.NoError(t, err)
	require.Len(t, steps, 1)
	require.NotNil(t, steps[0].ReflectionID)
}

func TestContainerStateTransitions(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	c, err := s.CreateContainer(ctx, CreateContainerParams{
		Image:   "alpine:3.19",
		Command: []string{"/bin/sh", "-c", "echo hi"},
	})
	require.NoError(t, err)
	require.Equal(t, ContainerCreated, c.State)

	require.NoError(t, s.TransitionContainer(ctx, c.ID, ContainerStarting, nil, nil))

	err = s.TransitionContainer(ctx, c.ID, ContainerExited, nil, nil)
	require.ErrorIs(t, err, errs.ErrInvalidTransition)

	pid := 4242
	require.NoError(t, s.TransitionContainer(ctx, c.ID, ContainerRunning, &pid, nil))

	exitCode := 0
	require.NoError(t, s.TransitionContainer(ctx, c.ID, ContainerExited, nil, &exitCode))

	got, err := s.GetContainer(ctx, c.ID)
	require.NoError(t, err)
	require.Equal(t, ContainerExited, got.State)
	require.NotNil(t, got.PID)
	require.Equal(t, pid, *got.PID)
	require.NotNil(t, got.ExitCode)
}

func TestNetworkAllocationUniqueIP(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	c1, err := s.CreateContainer(ctx, CreateContainerParams{Image: "alpine:3.19"})
	require.NoError(t, err)
	c2, err := s.CreateContainer(ctx, CreateContainerParams{Image: "alpine:3.19"})
	require.NoError(t, err)

	_, err = s.CreateNetworkAllocation(ctx, c1.ID, "10.88.0.2", "aria0", "veth0a", "veth0b")
	require.NoError(t, err)

	_, err = s.CreateNetworkAllocation(ctx, c2.ID, "10.88.0.2", "aria0", "veth1a", "veth1b")
	require.Error(t, err)

	ips, err := s.ListActiveIPs(ctx)
	require.NoError(t, err)
	require.True(t, ips["10.88.0.2"])

	require.NoError(t, s.UpdateNetworkStatus(ctx, c1.ID, NetworkCleaned))
	// Once cleaned, the IP is free for reuse by a later allocation.
	_, err = s.CreateNetworkAllocation(ctx, c2.ID, "10.88.0.2", "aria0", "veth2a", "veth2b")
	require.NoError(t, err)
}

func TestCleanupTaskClaimAndOrdering(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	c, err := s.CreateContainer(ctx, CreateContainerParams{Image: "alpine:3.19"})
	require.NoError(t, err)

	_, err = s.ScheduleCleanup(ctx, c.ID, ResourceNetwork)
	require.NoError(t, err)
	_, err = s.ScheduleCleanup(ctx, c.ID, ResourceRootfs)
	require.NoError(t, err)

	first, err := s.ClaimNextCleanupTask(ctx, "worker-1")
	require.NoError(t, err)
	require.Equal(t, ResourceRootfs, first.ResourceType)
	require.Equal(t, CleanupInProgress, first.Status)

	second, err := s.ClaimNextCleanupTask(ctx, "worker-1")
	require.NoError(t, err)
	require.Equal(t, ResourceNetwork, second.ResourceType)

	_, err = s.ClaimNextCleanupTask(ctx, "worker-1")
	require.ErrorIs(t, err, errs.ErrNotFound)

	require.NoError(t, s.CompleteCleanupTask(ctx, first.ID))
}

func TestCleanupTaskRetryExhaustionBecomesOrphan(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	c, err := s.CreateContainer(ctx, CreateContainerParams{Image: "alpine:3.19"})
	require.NoError(t, err)
	task, err := s.ScheduleCleanup(ctx, c.ID, ResourceCgroup)
	require.NoError(t, err)

	cause := errs.New(errs.KindDependency, "cgroup busy", nil)
	for i := 0; i < 3; i++ {
		require.NoError(t, s.FailCleanupAttempt(ctx, task.ID, cause, 3, 0, 0))
	}

	orphans, err := s.ListOrphans(ctx)
	require.NoError(t, err)
	require.Len(t, orphans, 1)
	require.Equal(t, task.ID, orphans[0].ID)
}

func TestToolTaskLifecycle(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	c, err := s.CreateContainer(ctx, CreateContainerParams{Image: "alpine:3.19"})
	require.NoError(t, err)

	tt, err := s.CreateToolTask(ctx, c.ID, []string{"ls", "-la"}, nil)
	require.NoError(t, err)
	require.NoError(t, s.StartToolTask(ctx, tt.ID))

	exitCode := 0
	require.NoError(t, s.FinishToolTask(ctx, tt.ID, ToolTaskCompleted, "out", "", &exitCode))

	got, err := s.GetToolTask(ctx, tt.ID)
	require.NoError(t, err)
	require.Equal(t, ToolTaskCompleted, got.Status)
	require.Equal(t, "out", got.Stdout)

	list, err := s.ListToolTasksByContainer(ctx, c.ID)
	require.NoError(t, err)
	require.Len(t, list, 1)
}

func TestLogAppendAndTail(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	c, err := s.CreateContainer(ctx, CreateContainerParams{Image: "alpine:3.19"})
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		require.NoError(t, s.AppendLogLine(ctx, c.ID, StreamStdout, "line"))
	}

	all, err := s.ListLogs(ctx, c.ID, 0)
	require.NoError(t, err)
	require.Len(t, all, 10)

	tail, err := s.ListLogs(ctx, c.ID, 3)
	require.NoError(t, err)
	require.Len(t, tail, 3)
}

func TestProcessMonitorErrorBudget(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	c, err := s.CreateContainer(ctx, CreateContainerParams{Image: "alpine:3.19"})
	require.NoError(t, err)
	_, err = s.CreateProcessMonitor(ctx, c.ID, 1234)
	require.NoError(t, err)

	count, err := s.RecordMonitorError(ctx, c.ID)
	require.NoError(t, err)
	require.Equal(t, 1, count)

	require.NoError(t, s.TouchMonitor(ctx, c.ID))

	monitors, err := s.ListMonitoring(ctx)
	require.NoError(t, err)
	require.Len(t, monitors, 1)
	require.Equal(t, 0, monitors[0].ConsecutiveErrors)

	require.NoError(t, s.FinishMonitor(ctx, c.ID, MonitorCompleted))
	monitors, err = s.ListMonitoring(ctx)
	require.NoError(t, err)
	require.Len(t, monitors, 0)
}

func TestPurgeContainerIfCleaned(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	c, err := s.CreateContainer(ctx, CreateContainerParams{Image: "ubuntu", Command: []string{"true"}})
	require.NoError(t, err)
	require.NoError(t, s.AppendLogLine(ctx, c.ID, StreamStdout, "hello"))
	_, err = s.CreateNetworkAllocation(ctx, c.ID, "10.88.0.9", "aria0", "veth9", "eth0")
	require.NoError(t, err)

	task, err := s.ScheduleCleanup(ctx, c.ID, ResourceNetwork)
	require.NoError(t, err)

	// Pending work blocks the purge.
	purged, err := s.PurgeContainerIfCleaned(ctx, c.ID)
	require.NoError(t, err)
	require.False(t, purged)

	claimed, err := s.ClaimNextCleanupTask(ctx, "worker-1")
	require.NoError(t, err)
	require.Equal(t, task.ID, claimed.ID)
	require.NoError(t, s.CompleteCleanupTask(ctx, claimed.ID))

	purged, err = s.PurgeContainerIfCleaned(ctx, c.ID)
	require.NoError(t, err)
	require.True(t, purged)

	_, err = s.GetContainer(ctx, c.ID)
	require.ErrorIs(t, err, errs.ErrNotFound)
	logs, err := s.ListLogs(ctx, c.ID, 0)
	require.NoError(t, err)
	require.Empty(t, logs)

	// The allocation row survives as the audit trail.
	na, err := s.GetNetworkAllocation(ctx, c.ID)
	require.NoError(t, err)
	require.Equal(t, "10.88.0.9", na.IPv4)
}

func TestPurgeKeptWhileOrphansExist(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	c, err := s.CreateContainer(ctx, CreateContainerParams{Image: "ubuntu", Command: []string{"true"}})
	require.NoError(t, err)
	task, err := s.ScheduleCleanup(ctx, c.ID, ResourceCgroup)
	require.NoError(t, err)

	claimed, err := s.ClaimNextCleanupTask(ctx, "worker-1")
	require.NoError(t, err)
	require.Equal(t, task.ID, claimed.ID)
	for i := 0; i < 5; i++ {
		require.NoError(t, s.FailCleanupAttempt(ctx, task.ID, context.DeadlineExceeded, 5, time.Millisecond, time.Second))
	}

	purged, err := s.PurgeContainerIfCleaned(ctx, c.ID)
	require.NoError(t, err)
	require.False(t, purged, "orphaned cleanup keeps the row operator-visible")
	_, err = s.GetContainer(ctx, c.ID)
	require.NoError(t, err)
}
