package syncengine

import (
	"context"
	"os"
	"strconv"
	"time"

	"github.com/ariafirmware/aria/internal/store"
)

// Monitor is the Process Monitor: it polls every registered container's
// PID for liveness on a fixed cadence and flips the container to exited
// once the process disappears. Its poll set is rehydrated from the store
// on every tick, so a restart loses nothing.
type Monitor struct {
	e *Engine
}

func newMonitor(e *Engine) *Monitor { return &Monitor{e: e} }

func (m *Monitor) run(ctx context.Context) error {
	interval := m.e.cfg.Monitor.PollInterval.Duration
	if interval <= 0 {
		interval = 250 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.pollOnce(ctx)
		}
	}
}

func (m *Monitor) pollOnce(ctx context.Context) {
	monitors, err := m.e.store.ListMonitoring(ctx)
	if err != nil {
		m.e.log.Warn("listing process monitors", "error", err)
		return
	}
	for _, pm := range monitors {
		alive, checkErr := checkProcess(pm.PID)
		switch {
		case checkErr != nil:
			// The check itself failed (EPERM and friends). Distinct from
			// "the process is gone": only repeated failures condemn the
			// container.
			count, err := m.e.store.RecordMonitorError(ctx, pm.ContainerID)
			if err != nil {
				m.e.log.Warn("recording monitor error", "container_id", pm.ContainerID, "error", err)
				continue
			}
			maxErr := m.e.cfg.Monitor.MaxConsecutiveErr
			if maxErr <= 0 {
				maxErr = 3
			}
			if count < maxErr {
				continue
			}
			if err := m.e.store.FinishMonitor(ctx, pm.ContainerID, store.MonitorFailed); err != nil {
				m.e.log.Warn("finishing monitor", "container_id", pm.ContainerID, "error", err)
			}
			if err := m.e.store.TransitionContainer(ctx, pm.ContainerID, store.ContainerError, nil, nil); err != nil {
				m.e.log.Warn("transitioning container to error", "container_id", pm.ContainerID, "error", err)
			}
			m.e.publishContainerEvent(pm.ContainerID, store.ContainerError)

		case alive:
			if err := m.e.store.TouchMonitor(ctx, pm.ContainerID); err != nil {
				m.e.log.Warn("touching monitor", "container_id", pm.ContainerID, "error", err)
			}

		default:
			// Process gone: terminal immediately, no error budget involved.
			if err := m.e.store.FinishMonitor(ctx, pm.ContainerID, store.MonitorCompleted); err != nil {
				m.e.log.Warn("finishing monitor", "container_id", pm.ContainerID, "error", err)
			}
			if err := m.e.store.TransitionContainer(ctx, pm.ContainerID, store.ContainerExited, nil, nil); err != nil {
				m.e.log.Warn("transitioning container to exited", "container_id", pm.ContainerID, "error", err)
			}
			m.e.publishContainerEvent(pm.ContainerID, store.ContainerExited)
		}
	}
}

// checkProcess reports liveness via /proc, the cheapest check available
// without a containerd round trip on every tick. A missing entry means
// the process exited; any other stat failure is a check error.
func checkProcess(pid int) (bool, error) {
	_, err := os.Stat("/proc/" + strconv.Itoa(pid))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}

// processAlive is the boolean view of checkProcess used where the error
// distinction doesn't matter (status validation).
func processAlive(pid int) bool {
	alive, err := checkProcess(pid)
	return err == nil && alive
}
