package containermgr

import (
	"context"
	"fmt"

	"github.com/zemfyre/device-supervisor/internal/graph"
	"github.com/zemfyre/device-supervisor/internal/runtimeadapter"
)

// executeStep runs a single planned step. Each step is isolated: a
// failed image pull, container create/start or container stop is recorded
// via markServiceAsError, and every failure is returned so the cycle's
// summary can report it, but never aborts the loop.
func (m *Manager) executeStep(ctx context.Context, step Step) error {
	switch step.Kind {
	case StepDownloadImage:
		return m.downloadImage(ctx, step.Image)
	case StepCreateVolume:
		return m.createVolume(ctx, step.VolumeName)
	case StepCreateNetwork:
		return m.createNetwork(ctx, step.NetworkName)
	case StepStopContainer:
		return m.stopContainer(ctx, step)
	case StepRemoveContainer:
		return m.removeContainer(ctx, step)
	case StepStartContainer:
		return m.startContainer(ctx, step.AppID, step.ServiceID)
	case StepRemoveNetwork:
		return m.runtime.RemoveNetwork(ctx, step.NetworkName)
	case StepRemoveVolume:
		return m.runtime.RemoveVolume(ctx, step.VolumeName)
	default:
		return fmt.Errorf("unknown step kind %q", step.Kind)
	}
}

// downloadImage pulls image, applying the retry discipline: on failure,
// RecordFailure under key "image:<image>"; the next cycle's backoffSets
// will skip it until eligible again.
func (m *Manager) downloadImage(ctx context.Context, image string) error {
	key := imageRetryKey(image)
	if err := m.runtime.PullImage(ctx, image); err != nil {
		m.retries.RecordFailure(key, err)
		m.markImagePullFailure(image, err)
		return fmt.Errorf("pulling image %s: %w", image, err)
	}
	m.retries.RecordSuccess(key)
	return nil
}

// markImagePullFailure tags ImagePullBackOff, in the current graph, onto
// every target-graph service that references image. ErrImagePull is reserved for transient
// fetch failures seen before any retry entry exists; once a nextRetryAt
// has been scheduled the service is in backoff.
func (m *Manager) markImagePullFailure(image string, cause error) {
	m.mu.RLock()
	target := m.target
	m.mu.RUnlock()

	// The Retry Manager populates NextAttempt on every recorded failure,
	// so by the time this runs (always after RecordFailure) the service is
	// already in backoff, starting with the very first failed pull.
	kind := graph.ErrImagePullBackOff
	for _, app := range target.Apps {
		for _, svc := range app.Services {
			if svc.ImageName == image {
				m.markServiceAsError(app.AppID, svc.ServiceID, kind, cause.Error())
			}
		}
	}
}

func (m *Manager) createVolume(ctx context.Context, name string) error {
	labels := map[string]string{"managed": "true"}
	if appID, ok := appIDFromManagedVolume(name); ok {
		labels["app-id"] = appID
	}
	return m.runtime.CreateVolume(ctx, name, labels)
}

func appIDFromManagedVolume(name string) (string, bool) {
	for i, c := range name {
		if c == '_' {
			return name[:i], true
		}
	}
	return "", false
}

func (m *Manager) createNetwork(ctx context.Context, name string) error {
	return m.runtime.CreateNetwork(ctx, name)
}

func (m *Manager) stopContainer(ctx context.Context, step Step) error {
	if m.prober != nil && step.ContainerID != "" {
		m.prober.StopMonitoring(step.ContainerID)
	}
	if step.ContainerID == "" {
		return nil
	}
	if err := m.runtime.StopContainer(ctx, step.ContainerID, stopTimeout); err != nil {
		m.markServiceAsError(step.AppID, step.ServiceID, graph.ErrStartFailure, fmt.Sprintf("stopping container: %v", err))
		return fmt.Errorf("stopping container %s: %w", step.ContainerID, err)
	}
	return nil
}

func (m *Manager) removeContainer(ctx context.Context, step Step) error {
	if step.ContainerID == "" {
		m.removeServiceFromCurrent(step.AppID, step.ServiceID)
		return nil
	}
	if err := m.runtime.RemoveContainer(ctx, step.ContainerID); err != nil {
		return fmt.Errorf("removing container %s: %w", step.ContainerID, err)
	}
	m.removeServiceFromCurrent(step.AppID, step.ServiceID)
	return nil
}

func (m *Manager) removeServiceFromCurrent(appID, serviceID int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	app, ok := m.current.Apps[appID]
	if !ok {
		return
	}
	out := app.Services[:0]
	for _, svc := range app.Services {
		if svc.ServiceID != serviceID {
			out = append(out, svc)
		}
	}
	app.Services = out
	if len(app.Services) == 0 {
		delete(m.current.Apps, appID)
	} else {
		m.current.Apps[appID] = app
	}
}

// startContainer creates and starts a container for (appID, serviceID),
// applying the retry discipline keyed "service:<appId>:<serviceId>" and
// distinguishing StartFailure from CrashLoopBackOff.
func (m *Manager) startContainer(ctx context.Context, appID, serviceID int) error {
	m.mu.RLock()
	svc, ok := findService(m.target, appID, serviceID)
	appName := findAppName(m.target, appID)
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("service %d/%d no longer in target", appID, serviceID)
	}
	// A start whose image pull failed and is backing off is a no-op; the
	// service keeps the ImagePullBackOff error markImagePullFailure set.
	if !m.retries.ShouldRetry(imageRetryKey(svc.ImageName)) {
		return nil
	}

	spec := buildContainerSpec(appID, appName, svc)
	key := serviceRetryKey(appID, serviceID)

	containerID, err := m.runtime.CreateContainer(ctx, spec)
	if err != nil {
		m.retries.RecordFailure(key, err)
		m.markServiceAsError(appID, serviceID, graph.ErrStartFailure, err.Error())
		return fmt.Errorf("creating container for service %d/%d: %w", appID, serviceID, err)
	}
	if err := m.runtime.StartContainer(ctx, containerID); err != nil {
		m.retries.RecordFailure(key, err)
		kind := m.classifyStartFailure(key)
		m.markServiceAsError(appID, serviceID, kind, err.Error())
		return fmt.Errorf("starting container for service %d/%d: %w", appID, serviceID, err)
	}

	m.retries.RecordSuccess(key)
	m.recordServiceRunning(appID, serviceID, containerID, svc)
	if m.prober != nil {
		m.prober.StartMonitoring(containerID, appID, serviceID, svc.Config)
	}
	return nil
}

// classifyStartFailure applies the sliding-window rule: a service that
// restarts more than once within crashLoopWindow is CrashLoopBackOff
// instead of plain StartFailure.
func (m *Manager) classifyStartFailure(key string) graph.ErrorKind {
	m.restartMu.Lock()
	defer m.restartMu.Unlock()
	st, ok := m.restarts[key]
	if ok && len(st.recent) > 1 {
		return graph.ErrCrashLoopBackOff
	}
	return graph.ErrStartFailure
}

func (m *Manager) recordServiceRunning(appID, serviceID int, containerID string, target graph.Service) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current.Apps == nil {
		m.current.Apps = map[int]graph.App{}
	}
	app, ok := m.current.Apps[appID]
	if !ok {
		app = graph.App{AppID: appID}
	}
	idx := -1
	for i, svc := range app.Services {
		if svc.ServiceID == serviceID {
			idx = i
			break
		}
	}
	svc := target
	svc.ContainerID = containerID
	svc.Status = graph.StatusRunning
	svc.Error = nil
	if idx >= 0 {
		app.Services[idx] = svc
	} else {
		app.Services = append(app.Services, svc)
	}
	m.current.Apps[appID] = app
}

func findService(g graph.DeviceGraph, appID, serviceID int) (graph.Service, bool) {
	app, ok := g.Apps[appID]
	if !ok {
		return graph.Service{}, false
	}
	for _, svc := range app.Services {
		if svc.ServiceID == serviceID {
			return svc, true
		}
	}
	return graph.Service{}, false
}

func findAppName(g graph.DeviceGraph, appID int) string {
	if app, ok := g.Apps[appID]; ok {
		return app.AppName
	}
	return ""
}

// buildContainerSpec translates a graph.Service into the runtime-facing
// ContainerSpec, resolving volume references and the managed-volume
// naming and labeling rules.
func buildContainerSpec(appID int, appName string, svc graph.Service) runtimeadapter.ContainerSpec {
	name := fmt.Sprintf("%s_%d_%d", appName, appID, svc.ServiceID)
	if appName == "" {
		name = fmt.Sprintf("app%d_svc%d", appID, svc.ServiceID)
	}
	if svc.ServiceName != "" && appName != "" {
		name = fmt.Sprintf("%s_%s", appName, svc.ServiceName)
	}

	var mounts []runtimeadapter.VolumeMount
	for _, ref := range svc.Config.Volumes {
		if graph.IsBindMount(ref) {
			host, containerPath, _ := splitBindMount(ref)
			mounts = append(mounts, runtimeadapter.VolumeMount{Source: host, ContainerPath: containerPath, Managed: false})
			continue
		}
		if volName, containerPath, ok := graph.NamedVolume(ref); ok {
			mounts = append(mounts, runtimeadapter.VolumeMount{
				Source:        graph.ManagedVolumeName(appID, volName),
				ContainerPath: containerPath,
				Managed:       true,
			})
		}
	}

	return runtimeadapter.ContainerSpec{
		Name:        name,
		Image:       svc.ImageName,
		Ports:       svc.Config.Ports,
		Environment: svc.Config.Environment,
		Volumes:     mounts,
		Networks:    svc.Config.Networks,
		Resources:   svc.Config.Resources,
		Labels: map[string]string{
			"managed":    "true",
			"app-id":     fmt.Sprintf("%d", appID),
			"service-id": fmt.Sprintf("%d", svc.ServiceID),
		},
	}
}

func splitBindMount(ref string) (host, containerPath string, ok bool) {
	for i := 0; i < len(ref); i++ {
		if ref[i] == ':' {
			return ref[:i], ref[i+1:], true
		}
	}
	return "", "", false
}
