// Package runtime wraps the containerd client library: the Namespace /
// Cgroup Primitives layer (N) of the Container Sync Engine. No repo in
// the retrieved pack hand-rolls Linux namespaces or cgroups via raw
// syscalls; containerd's client is the idiomatic way this corpus creates
// and supervises containers, so resource isolation is expressed as OCI
// spec options rather than unix.Cloneflags/SysProcAttr.
package runtime

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"syscall"
	"time"

	"github.com/containerd/containerd"
	"github.com/containerd/containerd/cio"
	"github.com/containerd/containerd/containers"
	"github.com/containerd/containerd/namespaces"
	"github.com/containerd/containerd/oci"
	"github.com/containerd/errdefs"
	specs "github.com/opencontainers/runtime-spec/specs-go"
)

const defaultNamespace = "aria"

// LogSink receives one line of container output. stream is "stdout" or
// "stderr". Implementations must not block: the writer feeding them sits
// on the task's output pipe.
type LogSink func(containerID, stream, line string)

// Runtime is a thin wrapper over *containerd.Client scoped to one
// namespace, exposing only the primitives the Sync Engine needs.
type Runtime struct {
	client    *containerd.Client
	namespace string
	sink      LogSink
}

const defaultSocket = "/run/containerd/containerd.sock"

// New dials the containerd socket at socketPath ("" uses the standard
// host socket). sink, if non-nil, receives every line a task writes.
func New(socketPath string, sink LogSink) (*Runtime, error) {
	if socketPath == "" {
		socketPath = defaultSocket
	}
	client, err := containerd.New(socketPath)
	if err != nil {
		return nil, fmt.Errorf("connecting to containerd at %s: %w", socketPath, err)
	}
	return &Runtime{client: client, namespace: defaultNamespace, sink: sink}, nil
}

// lineWriter splits a task's output stream into lines for the sink,
// holding any trailing partial line until its newline arrives.
type lineWriter struct {
	mu          sync.Mutex
	buf         bytes.Buffer
	containerID string
	stream      string
	sink        LogSink
}

func newLineWriter(containerID, stream string, sink LogSink) *lineWriter {
	return &lineWriter{containerID: containerID, stream: stream, sink: sink}
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.buf.Write(p)
	for {
		line, err := w.buf.ReadString('\n')
		if err != nil {
			// Partial line: put it back and wait for more bytes.
			w.buf.WriteString(line)
			break
		}
		w.sink(w.containerID, w.stream, line[:len(line)-1])
	}
	return len(p), nil
}

func (r *Runtime) Close() error {
	if r.client == nil {
		return nil
	}
	return r.client.Close()
}

func (r *Runtime) ctx(ctx context.Context) context.Context {
	return namespaces.WithNamespace(ctx, r.namespace)
}

// Resources is the resource-limit subset of the Container entity the
// runtime cares about.
type Resources struct {
	MemLimitMB  *int
	CPULimitPct *float64 // 100 == one full core
}

// PullImage pulls and unpacks an image reference if not already present.
func (r *Runtime) PullImage(ctx context.Context, ref string) error {
	ctx = r.ctx(ctx)
	if _, err := r.client.Pull(ctx, ref, containerd.WithPullUnpack); err != nil {
		return fmt.Errorf("pulling image %s: %w", ref, err)
	}
	return nil
}

// CreateContainer creates (but does not start) a container with the given
// id, image, command, env, and resource limits.
func (r *Runtime) CreateContainer(ctx context.Context, id, image string, command []string, env map[string]string, res Resources) error {
	ctx = r.ctx(ctx)

	img, err := r.client.GetImage(ctx, image)
	if err != nil {
		return fmt.Errorf("getting image %s: %w", image, err)
	}

	envSlice := make([]string, 0, len(env))
	for k, v := range env {
		envSlice = append(envSlice, k+"="+v)
	}

	opts := []oci.SpecOpts{
		oci.WithImageConfig(img),
		oci.WithEnv(envSlice),
		withHostname(shortID(id)),
	}
	if len(command) > 0 {
		opts = append(opts, oci.WithProcessArgs(command...))
	}
	if res.CPULimitPct != nil && *res.CPULimitPct > 0 {
		shares := uint64(*res.CPULimitPct / 100 * 1024)
		quota := int64(*res.CPULimitPct / 100 * 100000)
		opts = append(opts, oci.WithCPUShares(shares), oci.WithCPUCFS(quota, 100000))
	}
	if res.MemLimitMB != nil && *res.MemLimitMB > 0 {
		opts = append(opts, oci.WithMemoryLimit(uint64(*res.MemLimitMB)*1024*1024))
	}

	_, err = r.client.NewContainer(ctx, id,
		containerd.WithImage(img),
		containerd.WithNewSnapshot(id+"-snapshot", img),
		containerd.WithNewSpec(opts...),
	)
	if err != nil {
		return fmt.Errorf("creating container %s: %w", id, err)
	}
	return nil
}

// withHostname sets the UTS hostname in the OCI runtime spec, so a shell
// inside the container identifies itself by the container rather than
// the host.
func withHostname(name string) oci.SpecOpts {
	return func(_ context.Context, _ oci.Client, _ *containers.Container, s *specs.Spec) error {
		s.Hostname = name
		return nil
	}
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

// HasContainer reports whether a container with this id exists on the
// containerd side.
func (r *Runtime) HasContainer(ctx context.Context, id string) (bool, error) {
	_, err := r.client.LoadContainer(r.ctx(ctx), id)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("loading container %s: %w", id, err)
	}
	return true, nil
}

// StartTask creates and starts the container's task, returning its host
// PID. The task's stdout/stderr are line-split into the configured sink.
func (r *Runtime) StartTask(ctx context.Context, id string) (int, error) {
	ctx = r.ctx(ctx)
	c, err := r.client.LoadContainer(ctx, id)
	if err != nil {
		return 0, fmt.Errorf("loading container %s: %w", id, err)
	}
	creator := cio.NullIO
	if r.sink != nil {
		creator = cio.NewCreator(cio.WithStreams(nil,
			newLineWriter(id, "stdout", r.sink),
			newLineWriter(id, "stderr", r.sink)))
	}
	task, err := c.NewTask(ctx, creator)
	if err != nil {
		return 0, fmt.Errorf("creating task for %s: %w", id, err)
	}
	if err := task.Start(ctx); err != nil {
		return 0, fmt.Errorf("starting task for %s: %w", id, err)
	}
	return int(task.Pid()), nil
}

// Exec runs a one-off process inside an already-running container,
// capturing its output, and returns once it completes or ctx is
// cancelled.
func (r *Runtime) Exec(ctx context.Context, id, execID string, command []string) (stdout, stderr string, exitCode int, err error) {
	ctx = r.ctx(ctx)
	c, err := r.client.LoadContainer(ctx, id)
	if err != nil {
		return "", "", -1, fmt.Errorf("loading container %s: %w", id, err)
	}
	task, err := c.Task(ctx, nil)
	if err != nil {
		return "", "", -1, fmt.Errorf("getting task for %s: %w", id, err)
	}
	spec, err := c.Spec(ctx)
	if err != nil {
		return "", "", -1, fmt.Errorf("reading spec for %s: %w", id, err)
	}
	procSpec := *spec.Process
	procSpec.Args = command

	var outBuf, errBuf bytes.Buffer
	process, err := task.Exec(ctx, execID, &procSpec, cio.NewCreator(cio.WithStreams(nil, &outBuf, &errBuf)))
	if err != nil {
		return "", "", -1, fmt.Errorf("execing in container %s: %w", id, err)
	}
	statusC, err := process.Wait(ctx)
	if err != nil {
		return "", "", -1, fmt.Errorf("waiting for exec in container %s: %w", id, err)
	}
	if err := process.Start(ctx); err != nil {
		return "", "", -1, fmt.Errorf("starting exec in container %s: %w", id, err)
	}
	select {
	case status := <-statusC:
		code, _, err := status.Result()
		if err != nil {
			return outBuf.String(), errBuf.String(), -1, fmt.Errorf("reading exec result in container %s: %w", id, err)
		}
		if _, err := process.Delete(ctx); err != nil {
			return outBuf.String(), errBuf.String(), int(code), fmt.Errorf("deleting exec process: %w", err)
		}
		return outBuf.String(), errBuf.String(), int(code), nil
	case <-ctx.Done():
		_, _ = process.Delete(ctx, containerd.WithProcessKill)
		return outBuf.String(), errBuf.String(), -1, ctx.Err()
	}
}

// Status reports whether a container's task is still running.
func (r *Runtime) Status(ctx context.Context, id string) (containerd.ProcessStatus, error) {
	ctx = r.ctx(ctx)
	c, err := r.client.LoadContainer(ctx, id)
	if err != nil {
		return containerd.Unknown, fmt.Errorf("loading container %s: %w", id, err)
	}
	task, err := c.Task(ctx, nil)
	if err != nil {
		return containerd.Stopped, nil
	}
	status, err := task.Status(ctx)
	if err != nil {
		return containerd.Unknown, fmt.Errorf("getting task status for %s: %w", id, err)
	}
	return status.Status, nil
}

// Stop sends SIGTERM, waits up to timeout, then SIGKILLs, then deletes the
// task.
func (r *Runtime) Stop(ctx context.Context, id string, timeout time.Duration) (int, error) {
	ctx = r.ctx(ctx)
	c, err := r.client.LoadContainer(ctx, id)
	if err != nil {
		return 0, fmt.Errorf("loading container %s: %w", id, err)
	}
	task, err := c.Task(ctx, nil)
	if err != nil {
		return 0, nil // no task: already stopped
	}

	stopCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := task.Kill(stopCtx, syscall.SIGTERM); err != nil {
		return 0, fmt.Errorf("sending SIGTERM to %s: %w", id, err)
	}
	statusC, err := task.Wait(ctx)
	if err != nil {
		return 0, fmt.Errorf("waiting on task %s: %w", id, err)
	}

	var exitCode uint32
	select {
	case status := <-statusC:
		exitCode = status.ExitCode()
	case <-stopCtx.Done():
		if err := task.Kill(ctx, syscall.SIGKILL); err != nil {
			return 0, fmt.Errorf("sending SIGKILL to %s: %w", id, err)
		}
		exitCode = 137
	}
	if _, err := task.Delete(ctx); err != nil {
		return int(exitCode), fmt.Errorf("deleting task %s: %w", id, err)
	}
	return int(exitCode), nil
}

// Remove deletes the container and its snapshot. The task must already be
// stopped.
func (r *Runtime) Remove(ctx context.Context, id string) error {
	ctx = r.ctx(ctx)
	c, err := r.client.LoadContainer(ctx, id)
	if err != nil {
		return nil // already gone
	}
	if err := c.Delete(ctx, containerd.WithSnapshotCleanup); err != nil {
		return fmt.Errorf("deleting container %s: %w", id, err)
	}
	return nil
}

// ContainerIP reads the address bound to iface inside the container's
// network namespace, by shelling out rather than a netlink dependency.
func (r *Runtime) ContainerIP(ctx context.Context, pid int, iface string) (string, error) {
	return containerIP(ctx, pid, iface)
}
