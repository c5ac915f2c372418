package containermgr

import (
	"context"
	"fmt"
	"time"

	"github.com/zemfyre/device-supervisor/internal/healthprobe"
)

// consumeLivenessEvents implements the health-to-restart feedback loop
// as explicit channel messages: the prober produces events,
// the Container Manager consumes them, and late events for a container
// that is no longer current are discarded here rather than acted upon.
func (m *Manager) consumeLivenessEvents() {
	defer close(m.restartsDone)
	for ev := range m.prober.Events() {
		if ev.Kind != healthprobe.EventLivenessFailed {
			continue
		}
		m.handleLivenessFailed(ev)
	}
}

func (m *Manager) handleLivenessFailed(ev healthprobe.Event) {
	m.mu.RLock()
	svc, ok := findService(m.current, ev.AppID, ev.ServiceID)
	m.mu.RUnlock()
	if !ok || svc.ContainerID != ev.ContainerID {
		// Stale event: the container named in the event is no longer the
		// one we track for this service.
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), stopTimeout+5*time.Second)
	defer cancel()

	if err := m.restartService(ctx, ev.AppID, ev.ServiceID, ev.ContainerID); err != nil {
		m.log.Errorw("restart after liveness failure did not start",
			"service", serviceRetryKey(ev.AppID, ev.ServiceID), "error", err)
	}
}

// RestartService stops, removes, and recreates the container backing one
// service, the same sequence the liveness feedback loop uses. Exposed for
// cloud-dispatched restart jobs.
func (m *Manager) RestartService(ctx context.Context, appID, serviceID int) error {
	m.mu.RLock()
	svc, ok := findService(m.current, appID, serviceID)
	m.mu.RUnlock()
	if !ok || svc.ContainerID == "" {
		return fmt.Errorf("service %d/%d has no running container", appID, serviceID)
	}
	return m.restartService(ctx, appID, serviceID, svc.ContainerID)
}

func (m *Manager) restartService(ctx context.Context, appID, serviceID int, containerID string) error {
	key := serviceRetryKey(appID, serviceID)
	m.noteRestart(key)

	if m.prober != nil {
		m.prober.StopMonitoring(containerID)
	}
	if err := m.runtime.StopContainer(ctx, containerID, stopTimeout); err != nil {
		m.log.Warnw("stopping unhealthy container failed", "container", containerID, "error", err)
	}
	if err := m.runtime.RemoveContainer(ctx, containerID); err != nil {
		m.log.Warnw("removing unhealthy container failed", "container", containerID, "error", err)
	}
	m.removeServiceFromCurrent(appID, serviceID)

	return m.startContainer(ctx, appID, serviceID)
}

// noteRestart records a restart timestamp for key and prunes entries
// outside crashLoopWindow, so classifyStartFailure can tell whether this
// is the first restart attempt or a repeat within the window.
func (m *Manager) noteRestart(key string) {
	m.restartMu.Lock()
	defer m.restartMu.Unlock()

	st, ok := m.restarts[key]
	if !ok {
		st = &restartState{}
		m.restarts[key] = st
	}
	cutoff := time.Now().Add(-crashLoopWindow)
	kept := st.recent[:0]
	for _, t := range st.recent {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	st.recent = append(kept, time.Now())
}
