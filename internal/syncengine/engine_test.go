package syncengine

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ariafirmware/aria/internal/config"
	"github.com/ariafirmware/aria/internal/errs"
	"github.com/ariafirmware/aria/internal/network"
	"github.com/ariafirmware/aria/internal/notify"
	"github.com/ariafirmware/aria/internal/store"
	"github.com/ariafirmware/aria/internal/syncengine/runtime"
)

// fakeRuntime implements ContainerRuntime in memory so lifecycle logic
// is testable without a containerd daemon.
type fakeRuntime struct {
	mu       sync.Mutex
	pulled   []string
	created  map[string]bool
	removed  map[string]bool
	pullGate chan struct{} // when non-nil, PullImage blocks until closed

	nextPID    int
	startErr   error
	execStdout string
	execStderr string
	execCode   int
	execErr    error
	execDelay  time.Duration
	stopCode   int
}

func newFakeRuntime() *fakeRuntime {
	return &fakeRuntime{
		created:    map[string]bool{},
		removed:    map[string]bool{},
		nextPID:    os.Getpid(), // a pid that is alive as far as /proc is concerned
		execStdout: "ok\n",
	}
}

func (f *fakeRuntime) PullImage(ctx context.Context, ref string) error {
	if f.pullGate != nil {
		select {
		case <-f.pullGate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pulled = append(f.pulled, ref)
	return nil
}

func (f *fakeRuntime) CreateContainer(ctx context.Context, id, image string, command []string, env map[string]string, res runtime.Resources) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created[id] = true
	return nil
}

func (f *fakeRuntime) HasContainer(ctx context.Context, id string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.created[id], nil
}

func (f *fakeRuntime) StartTask(ctx context.Context, id string) (int, error) {
	if f.startErr != nil {
		return 0, f.startErr
	}
	return f.nextPID, nil
}

func (f *fakeRuntime) Exec(ctx context.Context, id, execID string, command []string) (string, string, int, error) {
	if f.execDelay > 0 {
		select {
		case <-time.After(f.execDelay):
		case <-ctx.Done():
			return "", "", -1, ctx.Err()
		}
	}
	return f.execStdout, f.execStderr, f.execCode, f.execErr
}

func (f *fakeRuntime) Stop(ctx context.Context, id string, timeout time.Duration) (int, error) {
	return f.stopCode, nil
}

func (f *fakeRuntime) Remove(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed[id] = true
	return nil
}

func newTestEngine(t *testing.T, rt ContainerRuntime, withNet bool) (*Engine, *store.Store) {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "aria.db")
	st, err := store.Open(context.Background(), store.Config{Path: dbPath, MaxOpenConns: 1, BusyTimeoutMS: 5000}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	var cfg config.Config
	cfg.SetDefaults()

	var alloc *network.Allocator
	if withNet {
		alloc, err = network.New(cfg.Network, st)
		require.NoError(t, err)
	}
	return New(cfg, st, rt, alloc, notify.NewBroker(), nil), st
}

func createAndStart(t *testing.T, e *Engine) *store.Container {
	t.Helper()
	ctx := context.Background()
	c, _, err := e.Create(ctx, CreateParams{Image: "docker.io/library/ubuntu:latest", Command: []string{"sleep", "86400"}})
	require.NoError(t, err)
	require.NoError(t, e.Start(ctx, c.ID))
	return c
}

func TestCreateReturnsBeforeImagePull(t *testing.T) {
	rt := newFakeRuntime()
	rt.pullGate = make(chan struct{})
	e, st := newTestEngine(t, rt, true)
	ctx := context.Background()

	// The pull is gated shut, yet Create must come back immediately with
	// the row and its reserved allocation.
	c, na, err := e.Create(ctx, CreateParams{Image: "docker.io/library/ubuntu:latest", Command: []string{"true"}})
	require.NoError(t, err)
	require.NotNil(t, na)
	assert.Equal(t, store.ContainerCreated, c.State)
	assert.Equal(t, store.NetworkAllocated, na.Status)
	assert.NotEmpty(t, na.IPv4)
	assert.NotEmpty(t, na.VethHost)

	rt.mu.Lock()
	assert.Empty(t, rt.pulled, "pull must not have completed on the create path")
	rt.mu.Unlock()

	close(rt.pullGate)
	require.NoError(t, e.Start(ctx, c.ID))

	got, err := st.GetContainer(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, store.ContainerRunning, got.State)
}

func TestCreateReservesDistinctIPs(t *testing.T) {
	e, st := newTestEngine(t, newFakeRuntime(), true)
	ctx := context.Background()

	_, first, err := e.Create(ctx, CreateParams{Image: "img", Command: []string{"true"}})
	require.NoError(t, err)
	_, second, err := e.Create(ctx, CreateParams{Image: "img", Command: []string{"true"}})
	require.NoError(t, err)
	assert.NotEqual(t, first.IPv4, second.IPv4)

	active, err := st.ListActiveIPs(ctx)
	require.NoError(t, err)
	assert.True(t, active[first.IPv4])
	assert.True(t, active[second.IPv4])
}

func TestStartRegistersMonitorAndPID(t *testing.T) {
	e, st := newTestEngine(t, newFakeRuntime(), false)
	c := createAndStart(t, e)
	ctx := context.Background()

	got, err := st.GetContainer(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, store.ContainerRunning, got.State)
	require.NotNil(t, got.PID)
	assert.Equal(t, os.Getpid(), *got.PID)

	pm, err := st.GetProcessMonitor(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, store.MonitorMonitoring, pm.Status)
}

func TestStartTwiceIsRejected(t *testing.T) {
	e, _ := newTestEngine(t, newFakeRuntime(), false)
	c := createAndStart(t, e)

	err := e.Start(context.Background(), c.ID)
	require.Error(t, err)
	assert.ErrorIs(t, err, errs.ErrInvalidTransition)
}

func TestStartFailureSetsErrorState(t *testing.T) {
	rt := newFakeRuntime()
	rt.startErr = errors.New("shim exploded")
	e, st := newTestEngine(t, rt, false)
	ctx := context.Background()

	c, _, err := e.Create(ctx, CreateParams{Image: "img", Command: []string{"true"}})
	require.NoError(t, err)
	require.Error(t, e.Start(ctx, c.ID))

	got, err := st.GetContainer(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, store.ContainerError, got.State)
}

func TestExecReturnsCapturedOutput(t *testing.T) {
	e, _ := newTestEngine(t, newFakeRuntime(), false)
	c := createAndStart(t, e)

	task, err := e.Exec(context.Background(), c.ID, []string{"echo", "ok"}, nil)
	require.NoError(t, err)
	assert.Equal(t, store.ToolTaskCompleted, task.Status)
	assert.Equal(t, "ok\n", task.Stdout)
	require.NotNil(t, task.ExitCode)
	assert.Equal(t, 0, *task.ExitCode)
}

func TestExecRequiresRunning(t *testing.T) {
	e, _ := newTestEngine(t, newFakeRuntime(), false)
	ctx := context.Background()

	c, _, err := e.Create(ctx, CreateParams{Image: "img", Command: []string{"true"}})
	require.NoError(t, err)

	_, err = e.Exec(ctx, c.ID, []string{"echo"}, nil)
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.KindContainer))
}

func TestExecAsyncDoesNotBlockCaller(t *testing.T) {
	rt := newFakeRuntime()
	rt.execDelay = 50 * time.Millisecond
	e, _ := newTestEngine(t, rt, false)
	c := createAndStart(t, e)
	ctx := context.Background()

	start := time.Now()
	task, err := e.ExecAsync(ctx, c.ID, []string{"sleep", "10000"}, nil)
	require.NoError(t, err)
	assert.Less(t, time.Since(start), rt.execDelay, "ExecAsync must return before the command finishes")
	assert.Equal(t, store.ToolTaskPending, task.Status)

	// The container keeps "running" the long command while the caller's
	// turn concludes; the task completes in the background.
	got, err := e.Status(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, store.ContainerRunning, got.State)

	require.Eventually(t, func() bool {
		polled, err := e.GetToolTask(ctx, task.ID)
		return err == nil && polled.Status == store.ToolTaskCompleted
	}, 2*time.Second, 10*time.Millisecond)
}

func TestStatusCorrectsDeadPID(t *testing.T) {
	rt := newFakeRuntime()
	rt.nextPID = 0 // no /proc entry: the process is gone as soon as it "starts"
	e, st := newTestEngine(t, rt, false)
	c := createAndStart(t, e)
	ctx := context.Background()

	got, err := e.Status(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, store.ContainerExited, got.State)

	pm, err := st.GetProcessMonitor(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, store.MonitorCompleted, pm.Status)
}

func TestMonitorPollDetectsExit(t *testing.T) {
	rt := newFakeRuntime()
	rt.nextPID = 0
	e, st := newTestEngine(t, rt, false)
	c := createAndStart(t, e)
	ctx := context.Background()

	e.monitor.pollOnce(ctx)

	got, err := st.GetContainer(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, store.ContainerExited, got.State)
	pm, err := st.GetProcessMonitor(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, store.MonitorCompleted, pm.Status)
}

func TestStopRecordsExitCode(t *testing.T) {
	rt := newFakeRuntime()
	rt.stopCode = 137
	e, st := newTestEngine(t, rt, false)
	c := createAndStart(t, e)
	ctx := context.Background()

	require.NoError(t, e.Stop(ctx, c.ID, time.Second))

	got, err := st.GetContainer(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, store.ContainerExited, got.State)
	require.NotNil(t, got.ExitCode)
	assert.Equal(t, 137, *got.ExitCode)
}

func TestRemoveRequiresTerminalUnlessForced(t *testing.T) {
	e, st := newTestEngine(t, newFakeRuntime(), false)
	c := createAndStart(t, e)
	ctx := context.Background()

	err := e.Remove(ctx, c.ID, false)
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.KindContainer))

	require.NoError(t, e.Remove(ctx, c.ID, true))
	got, err := st.GetContainer(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, store.ContainerExited, got.State, "force remove stops the task first")
}

func TestRemoveIsIdempotent(t *testing.T) {
	e, st := newTestEngine(t, newFakeRuntime(), false)
	c := createAndStart(t, e)
	ctx := context.Background()

	require.NoError(t, e.Stop(ctx, c.ID, time.Second))
	require.NoError(t, e.Remove(ctx, c.ID, false))

	before, err := st.CountCleanupByStatus(ctx)
	require.NoError(t, err)

	// A second remove observes the scheduled teardown and becomes a no-op.
	require.NoError(t, e.Remove(ctx, c.ID, false))
	after, err := st.CountCleanupByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestCleanupCompleteness(t *testing.T) {
	rt := newFakeRuntime()
	e, st := newTestEngine(t, rt, true)
	c := createAndStart(t, e)
	ctx := context.Background()

	require.NoError(t, e.Stop(ctx, c.ID, time.Second))
	require.NoError(t, e.Remove(ctx, c.ID, false))

	e.cleanup.drainOnce(ctx)

	// Every cleanup task drained, the container row purged, and the
	// terminal audit rows left behind.
	_, err := st.GetContainer(ctx, c.ID)
	require.ErrorIs(t, err, errs.ErrNotFound)

	na, err := st.GetNetworkAllocation(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, store.NetworkCleaned, na.Status)

	pm, err := st.GetProcessMonitor(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, store.MonitorCompleted, pm.Status)

	rt.mu.Lock()
	assert.True(t, rt.removed[c.ID])
	rt.mu.Unlock()
}
