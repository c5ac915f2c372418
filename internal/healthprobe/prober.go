// Package healthprobe runs per-container liveness/readiness/startup
// probes and emits status-change events. Probes never
// block the scheduler: each monitored container gets its own goroutines,
// one per configured probe type, each on its own ticker.
package healthprobe

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/zemfyre/device-supervisor/internal/graph"
	"github.com/zemfyre/device-supervisor/internal/logging"
	"github.com/zemfyre/device-supervisor/internal/runtimeadapter"
)

// ProbeType distinguishes the three probe purposes a service may declare.
type ProbeType string

const (
	Liveness  ProbeType = "liveness"
	Readiness ProbeType = "readiness"
	Startup   ProbeType = "startup"
)

// Status is the closed set of probe outcomes.
type Status string

const (
	StatusUnknown   Status = "unknown"
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
)

// ProbeState is the per-container, per-probe-type health record.
type ProbeState struct {
	Status               Status
	ConsecutiveSuccesses int
	ConsecutiveFailures  int
	LastCheck            time.Time
}

// ContainerHealth is the snapshot GetHealth returns for one monitored
// container.
type ContainerHealth struct {
	ContainerID string
	AppID       int
	ServiceID   int
	States      map[ProbeType]ProbeState
}

// EventKind discriminates the prober's three notification types.
type EventKind string

const (
	EventLivenessFailed   EventKind = "liveness-failed"
	EventReadinessChanged EventKind = "readiness-changed"
	EventStartupCompleted EventKind = "startup-completed"
)

// Event is a single status-change notification. Consumers (the Container
// Manager) must tolerate events arriving for a ContainerID whose
// monitoring has already been stopped, by checking whether the
// container is still current before acting.
type Event struct {
	Kind        EventKind
	ContainerID string
	AppID       int
	ServiceID   int
	Ready       bool // meaningful only for EventReadinessChanged
}

// monitor tracks the goroutines and probe states for one monitored
// container. stopped is closed by StopMonitoring and checked by every
// probe goroutine before it writes state or emits an event, closing the
// race between a stop and an in-flight check on the producer side; the
// consumer still applies its own discard rule for late events.
type monitor struct {
	containerID string
	appID       int
	serviceID   int
	stopped     chan struct{}
	stopOnce    sync.Once

	mu     sync.Mutex
	states map[ProbeType]*ProbeState
}

func (m *monitor) stop() {
	m.stopOnce.Do(func() { close(m.stopped) })
}

func (m *monitor) isStopped() bool {
	select {
	case <-m.stopped:
		return true
	default:
		return false
	}
}

// Prober owns all active container monitors. The probe-state map for
// each monitored container has exactly one writer goroutine per probe
// type.
type Prober struct {
	runtime runtimeadapter.Adapter
	log     *zap.SugaredLogger

	mu       sync.Mutex
	monitors map[string]*monitor

	events  chan Event
	observe func(typ ProbeType, success bool)
}

// OnCheck registers an observer invoked after every completed check,
// used for instrumentation. Set before StartMonitoring.
func (p *Prober) OnCheck(fn func(typ ProbeType, success bool)) {
	p.observe = fn
}

// New creates a Prober bound to runtime for IP/exec lookups. Events must
// be drained by the caller: the event channel buffers 64 events, and an
// event sent while it is full is logged and dropped rather than blocking
// the probe goroutine.
func New(runtime runtimeadapter.Adapter) *Prober {
	return &Prober{
		runtime:  runtime,
		log:      logging.Named("healthprobe"),
		monitors: make(map[string]*monitor),
		events:   make(chan Event, 64),
	}
}

// Events returns the channel the Container Manager should range over to
// receive liveness/readiness/startup notifications.
func (p *Prober) Events() <-chan Event {
	return p.events
}

// StartMonitoring begins probing containerID using the liveness/
// readiness/startup probes declared in cfg. A probe left nil is simply
// not scheduled. If containerID was already monitored, the prior monitor
// is stopped first.
func (p *Prober) StartMonitoring(containerID string, appID, serviceID int, cfg graph.ServiceConfig) {
	p.mu.Lock()
	if existing, ok := p.monitors[containerID]; ok {
		existing.stop()
	}
	m := &monitor{
		containerID: containerID,
		appID:       appID,
		serviceID:   serviceID,
		stopped:     make(chan struct{}),
		states:      make(map[ProbeType]*ProbeState),
	}
	p.monitors[containerID] = m
	p.mu.Unlock()

	// If a startup probe is configured, liveness/readiness stay gated
	// until it reports healthy; startupReady is closed exactly once, by
	// the startup goroutine, to release the gate.
	var startupReady chan struct{}
	if cfg.StartupProbe != nil {
		startupReady = make(chan struct{})
		probe := *cfg.StartupProbe
		probe.Normalize(false)
		m.setState(Startup, &ProbeState{Status: StatusUnknown})
		go p.runProbe(m, Startup, probe, nil, startupReady)
	}

	if cfg.LivenessProbe != nil {
		probe := *cfg.LivenessProbe
		probe.Normalize(true)
		m.setState(Liveness, &ProbeState{Status: StatusUnknown})
		go p.runProbe(m, Liveness, probe, startupReady, nil)
	}
	if cfg.ReadinessProbe != nil {
		probe := *cfg.ReadinessProbe
		probe.Normalize(false)
		m.setState(Readiness, &ProbeState{Status: StatusUnknown})
		go p.runProbe(m, Readiness, probe, startupReady, nil)
	}
}

// StopMonitoring stops all probe goroutines for containerID and discards
// its state. Events already in flight may still be delivered; consumers
// are expected to check currency themselves.
func (p *Prober) StopMonitoring(containerID string) {
	p.mu.Lock()
	m, ok := p.monitors[containerID]
	if ok {
		delete(p.monitors, containerID)
	}
	p.mu.Unlock()
	if ok {
		m.stop()
	}
}

// GetHealth returns a snapshot of every currently monitored container's
// probe states.
func (p *Prober) GetHealth() []ContainerHealth {
	p.mu.Lock()
	monitors := make([]*monitor, 0, len(p.monitors))
	for _, m := range p.monitors {
		monitors = append(monitors, m)
	}
	p.mu.Unlock()

	out := make([]ContainerHealth, 0, len(monitors))
	for _, m := range monitors {
		m.mu.Lock()
		states := make(map[ProbeType]ProbeState, len(m.states))
		for k, v := range m.states {
			states[k] = *v
		}
		m.mu.Unlock()
		out = append(out, ContainerHealth{
			ContainerID: m.containerID,
			AppID:       m.appID,
			ServiceID:   m.serviceID,
			States:      states,
		})
	}
	return out
}

func (m *monitor) setState(t ProbeType, s *ProbeState) {
	m.mu.Lock()
	m.states[t] = s
	m.mu.Unlock()
}

func (m *monitor) state(t ProbeType) ProbeState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.states[t]
}

// Close stops every monitored container's probes and closes the events
// channel, used during supervisor shutdown.
func (p *Prober) Close() {
	p.mu.Lock()
	monitors := make([]*monitor, 0, len(p.monitors))
	for _, m := range p.monitors {
		monitors = append(monitors, m)
	}
	p.monitors = make(map[string]*monitor)
	p.mu.Unlock()

	for _, m := range monitors {
		m.stop()
	}
	close(p.events)
}
