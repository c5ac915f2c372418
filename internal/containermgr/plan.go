package containermgr

import (
	"sort"

	"github.com/zemfyre/device-supervisor/internal/graph"
)

// StepKind is the closed tagged-union discriminant for Step.
type StepKind string

const (
	StepDownloadImage   StepKind = "downloadImage"
	StepCreateVolume    StepKind = "createVolume"
	StepCreateNetwork   StepKind = "createNetwork"
	StepStopContainer   StepKind = "stopContainer"
	StepRemoveContainer StepKind = "removeContainer"
	StepStartContainer  StepKind = "startContainer"
	StepRemoveNetwork   StepKind = "removeNetwork"
	StepRemoveVolume    StepKind = "removeVolume"
)

// Step is a single planned action. Exactly one of the identifying fields
// is meaningful depending on Kind.
type Step struct {
	Kind StepKind

	Image string // downloadImage

	AppID     int // stopContainer, removeContainer, startContainer
	ServiceID int // stopContainer, removeContainer, startContainer

	VolumeName  string // createVolume, removeVolume (already app-prefixed)
	NetworkName string // createNetwork, removeNetwork

	ContainerID string // stopContainer, removeContainer — the container being torn down
}

type serviceKey struct {
	appID     int
	serviceID int
}

// serviceIndex flattens a DeviceGraph's services into a lookup keyed by
// (appId, serviceId), the identity used for diffing.
func serviceIndex(g graph.DeviceGraph) map[serviceKey]graph.Service {
	out := make(map[serviceKey]graph.Service)
	for _, app := range g.Apps {
		for _, svc := range app.Services {
			out[serviceKey{app.AppID, svc.ServiceID}] = svc
		}
	}
	return out
}

// serviceDrifted reports whether a running service's configuration has
// diverged from its target: image, port bindings, env, volumes,
// networks, resources, or probes.
func serviceDrifted(target, current graph.Service) bool {
	if target.ImageName != current.ImageName {
		return true
	}
	cfg, curCfg := target.Config, current.Config
	if !portsEqual(cfg.Ports, curCfg.Ports) {
		return true
	}
	if !envEqual(cfg.Environment, curCfg.Environment) {
		return true
	}
	if !stringsEqual(cfg.Volumes, curCfg.Volumes) {
		return true
	}
	if !stringsEqual(cfg.Networks, curCfg.Networks) {
		return true
	}
	if !cfg.Resources.Equal(curCfg.Resources) {
		return true
	}
	if !cfg.LivenessProbe.Equal(curCfg.LivenessProbe) {
		return true
	}
	if !cfg.ReadinessProbe.Equal(curCfg.ReadinessProbe) {
		return true
	}
	if !cfg.StartupProbe.Equal(curCfg.StartupProbe) {
		return true
	}
	return false
}

func portsEqual(a, b []graph.PortBinding) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func envEqual(a, b map[string]string) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if b[k] != v {
			return false
		}
	}
	return true
}

func stringsEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// namedVolumes collects the managed runtime names of every named volume
// referenced by services in g, always prefixed by the owning app id.
func namedVolumes(g graph.DeviceGraph) map[string]bool {
	out := make(map[string]bool)
	for _, app := range g.Apps {
		for _, svc := range app.Services {
			for _, ref := range svc.Config.Volumes {
				if name, _, ok := graph.NamedVolume(ref); ok {
					out[graph.ManagedVolumeName(app.AppID, name)] = true
				}
			}
		}
	}
	return out
}

// networks collects the distinct network names referenced by services in g.
func networks(g graph.DeviceGraph) map[string]bool {
	out := make(map[string]bool)
	for _, app := range g.Apps {
		for _, svc := range app.Services {
			for _, n := range svc.Config.Networks {
				out[n] = true
			}
		}
	}
	return out
}

// calculateSteps computes the ordered plan to move current toward
// target: images, then volumes, then networks, then stops, removes,
// starts, and finally network and volume cleanup. It is a pure function:
// no I/O, no retry-manager lookups baked in. backoffImages and
// backoffServices let the caller (Manager.Reconcile) exclude steps for
// keys the Retry Manager says are not yet eligible, so a service whose
// image pull is in backoff produces no startContainer step.
func calculateSteps(target, current graph.DeviceGraph, backoffImages map[string]bool, backoffServices map[string]bool) []Step {
	targetSvc := serviceIndex(target)
	currentSvc := serviceIndex(current)

	var needsStop []serviceKey  // drifted or removed from target, currently running
	var needsStart []serviceKey // new, or drifted+stopped, ready to (re)create

	for key, cur := range currentSvc {
		tgt, stillTarget := targetSvc[key]
		if !stillTarget {
			if cur.ContainerID != "" {
				needsStop = append(needsStop, key)
			}
			continue
		}
		if serviceDrifted(tgt, cur) {
			if cur.ContainerID != "" {
				needsStop = append(needsStop, key)
			}
			needsStart = append(needsStart, key)
		}
	}
	for key, tgt := range targetSvc {
		cur, exists := currentSvc[key]
		if !exists || cur.ContainerID == "" {
			_ = tgt
			alreadyQueued := false
			for _, k := range needsStart {
				if k == key {
					alreadyQueued = true
					break
				}
			}
			if !alreadyQueued {
				needsStart = append(needsStart, key)
			}
		}
	}

	sortKeys(needsStop)
	sortKeys(needsStart)

	var steps []Step

	// Phase 1: downloadImage, one per distinct image needed by a service
	// that will actually start this cycle, excluding images in backoff.
	imageNeeded := map[string]bool{}
	var imageOrder []string
	for _, key := range needsStart {
		svc := targetSvc[key]
		if backoffServices[serviceRetryKey(key.appID, key.serviceID)] {
			continue
		}
		if !imageNeeded[svc.ImageName] {
			imageNeeded[svc.ImageName] = true
			imageOrder = append(imageOrder, svc.ImageName)
		}
	}
	sort.Strings(imageOrder)
	for _, img := range imageOrder {
		if backoffImages[img] {
			continue
		}
		steps = append(steps, Step{Kind: StepDownloadImage, Image: img})
	}

	// Phase 2: createVolume, named volumes in target absent from current.
	targetVols := namedVolumes(target)
	currentVols := namedVolumes(current)
	var newVols []string
	for v := range targetVols {
		if !currentVols[v] {
			newVols = append(newVols, v)
		}
	}
	sort.Strings(newVols)
	for _, v := range newVols {
		steps = append(steps, Step{Kind: StepCreateVolume, VolumeName: v})
	}

	// Phase 3: createNetwork, networks in target absent from current.
	targetNets := networks(target)
	currentNets := networks(current)
	var newNets []string
	for n := range targetNets {
		if !currentNets[n] {
			newNets = append(newNets, n)
		}
	}
	sort.Strings(newNets)
	for _, n := range newNets {
		steps = append(steps, Step{Kind: StepCreateNetwork, NetworkName: n})
	}

	// Phase 4+5: stopContainer then removeContainer for each stopped service.
	for _, key := range needsStop {
		cur := currentSvc[key]
		steps = append(steps, Step{Kind: StepStopContainer, AppID: key.appID, ServiceID: key.serviceID, ContainerID: cur.ContainerID})
	}
	for _, key := range needsStop {
		cur := currentSvc[key]
		steps = append(steps, Step{Kind: StepRemoveContainer, AppID: key.appID, ServiceID: key.serviceID, ContainerID: cur.ContainerID})
	}

	// Phase 6: startContainer for services needing (re)creation, skipping
	// any whose image didn't make it through phase 1 (backoff or absent
	// from imageNeeded, which cannot happen for needsStart members) or
	// whose own service key is itself in backoff.
	for _, key := range needsStart {
		svc := targetSvc[key]
		if backoffServices[serviceRetryKey(key.appID, key.serviceID)] {
			continue
		}
		if backoffImages[svc.ImageName] {
			continue
		}
		steps = append(steps, Step{Kind: StepStartContainer, AppID: key.appID, ServiceID: key.serviceID})
	}

	// Phase 7: removeNetwork, networks in current absent from target.
	var goneNets []string
	for n := range currentNets {
		if !targetNets[n] {
			goneNets = append(goneNets, n)
		}
	}
	sort.Strings(goneNets)
	for _, n := range goneNets {
		steps = append(steps, Step{Kind: StepRemoveNetwork, NetworkName: n})
	}

	// Phase 8: removeVolume, named volumes in current absent from target.
	var goneVols []string
	for v := range currentVols {
		if !targetVols[v] {
			goneVols = append(goneVols, v)
		}
	}
	sort.Strings(goneVols)
	for _, v := range goneVols {
		steps = append(steps, Step{Kind: StepRemoveVolume, VolumeName: v})
	}

	return steps
}

func sortKeys(keys []serviceKey) {
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].appID != keys[j].appID {
			return keys[i].appID < keys[j].appID
		}
		return keys[i].serviceID < keys[j].serviceID
	})
}
