// Package containermgr holds the target and current device graphs and
// reconciles them against the container runtime. It is
// the largest component: plan computation (calculateSteps) is a pure
// function; Manager wraps it with execution, retry discipline, and the
// liveness-driven restart feedback loop from the Health Prober.
package containermgr

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/zemfyre/device-supervisor/internal/graph"
	"github.com/zemfyre/device-supervisor/internal/healthprobe"
	"github.com/zemfyre/device-supervisor/internal/logging"
	"github.com/zemfyre/device-supervisor/internal/retry"
	"github.com/zemfyre/device-supervisor/internal/runtimeadapter"
)

// crashLoopWindow is the sliding window for restart classification: a
// service that restarts more than once within it is marked
// CrashLoopBackOff instead of plain StartFailure.
const crashLoopWindow = 60 * time.Second

// stopTimeout bounds how long StopContainer waits before the runtime is
// asked to force-kill.
const stopTimeout = 10 * time.Second

// StepFailure records one step's execution failure for the per-cycle
// summary event.
type StepFailure struct {
	Step Step
	Err  error
}

// ReconcileSummary is emitted once per completed reconcile() call.
type ReconcileSummary struct {
	Steps     []Step
	Failures  []StepFailure
	StartedAt time.Time
	Duration  time.Duration
}

// restartState tracks recent restart timestamps for the CrashLoopBackOff
// sliding-window determination.
type restartState struct {
	recent []time.Time
}

// Manager holds the target and current graphs plus the isApplying
// re-entry guard.
type Manager struct {
	runtime runtimeadapter.Adapter
	prober  *healthprobe.Prober
	state   stateStore
	retries *retry.Manager
	log     *zap.SugaredLogger

	mu      sync.RWMutex
	target  graph.DeviceGraph
	current graph.DeviceGraph

	applyMu    sync.Mutex
	isApplying bool
	pending    bool

	restartMu    sync.Mutex
	restarts     map[string]*restartState // keyed by serviceRetryKey
	restartsDone chan struct{}

	autoMu     sync.Mutex
	autoCancel context.CancelFunc
	autoDone   chan struct{}

	events chan ReconcileSummary
}

// stateStore is the narrow State Store dependency Manager needs, letting
// tests substitute an in-memory fake without a bbolt file.
type stateStore interface {
	SaveCurrent(graph.DeviceGraph) error
}

// New creates a Manager. current seeds the in-memory current graph from
// the State Store's last snapshot; pass the
// zero graph.DeviceGraph{} on a genuinely empty store.
func New(runtime runtimeadapter.Adapter, prober *healthprobe.Prober, state stateStore, retries *retry.Manager, current graph.DeviceGraph) *Manager {
	m := &Manager{
		runtime:  runtime,
		prober:   prober,
		state:    state,
		retries:  retries,
		log:      logging.Named("containermgr"),
		current:  current,
		restarts: make(map[string]*restartState),
		events:   make(chan ReconcileSummary, 8),
	}
	if prober != nil {
		m.restartsDone = make(chan struct{})
		go m.consumeLivenessEvents()
	}
	return m
}

// Events returns the channel reconcile summaries are published on.
func (m *Manager) Events() <-chan ReconcileSummary {
	return m.events
}

// SetTarget replaces the target graph and triggers an immediate
// reconciliation, so the first reaction to a cloud change is sub-second
// rather than bounded by the timer period. Persisting the target snapshot is
// the caller's responsibility (the supervisor writes it via the State
// Store before calling SetTarget).
func (m *Manager) SetTarget(ctx context.Context, g graph.DeviceGraph) {
	m.mu.Lock()
	m.target = g
	m.mu.Unlock()
	go func() {
		if err := m.Reconcile(ctx); err != nil {
			m.log.Errorw("reconcile after setTarget failed", "error", err)
		}
	}()
}

// TargetGraph and CurrentGraph return copies of the in-memory graphs, for
// reporting (Cloud Client's current-state PATCH) and tests.
func (m *Manager) TargetGraph() graph.DeviceGraph {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.target
}

func (m *Manager) CurrentGraph() graph.DeviceGraph {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// GetHealth delegates to the Health Prober; this package never owns
// probe state.
func (m *Manager) GetHealth() []healthprobe.ContainerHealth {
	if m.prober == nil {
		return nil
	}
	return m.prober.GetHealth()
}

// Reconcile computes and executes a plan against the current target and
// current graphs. It is idempotent: an unchanged target and runtime
// produce zero steps and zero writes.
// Re-entrant calls while a reconciliation is already applying are
// coalesced into a single pending trigger.
func (m *Manager) Reconcile(ctx context.Context) error {
	m.applyMu.Lock()
	if m.isApplying {
		m.pending = true
		m.applyMu.Unlock()
		return nil
	}
	m.isApplying = true
	m.applyMu.Unlock()

	defer func() {
		m.applyMu.Lock()
		m.isApplying = false
		rerun := m.pending
		m.pending = false
		m.applyMu.Unlock()
		if rerun {
			if err := m.Reconcile(ctx); err != nil {
				m.log.Errorw("coalesced reconcile failed", "error", err)
			}
		}
	}()

	return m.runCycle(ctx)
}

func (m *Manager) runCycle(ctx context.Context) error {
	started := time.Now()

	m.mu.RLock()
	target := m.target
	current := m.current
	m.mu.RUnlock()

	backoffImages, backoffServices := m.backoffSets(target)
	steps := calculateSteps(target, current, backoffImages, backoffServices)

	var failures []StepFailure
	for _, step := range steps {
		if err := m.executeStep(ctx, step); err != nil {
			failures = append(failures, StepFailure{Step: step, Err: err})
		}
	}

	m.mu.Lock()
	finalCurrent := m.current
	m.mu.Unlock()

	if m.state != nil {
		if err := m.state.SaveCurrent(finalCurrent); err != nil {
			m.log.Errorw("saving current snapshot failed", "error", err)
		}
	}

	summary := ReconcileSummary{Steps: steps, Failures: failures, StartedAt: started, Duration: time.Since(started)}
	select {
	case m.events <- summary:
	default:
		m.log.Warnw("reconcile summary dropped, consumer too slow")
	}
	if len(failures) > 0 {
		m.log.Warnw("reconcile completed with failures", "failureCount", len(failures))
	}
	return nil
}

// backoffSets asks the Retry Manager which images/services are not yet
// eligible for another attempt, so calculateSteps can exclude them.
func (m *Manager) backoffSets(target graph.DeviceGraph) (images map[string]bool, services map[string]bool) {
	images = map[string]bool{}
	services = map[string]bool{}
	for _, app := range target.Apps {
		for _, svc := range app.Services {
			if !m.retries.ShouldRetry(imageRetryKey(svc.ImageName)) {
				images[svc.ImageName] = true
			}
			if !m.retries.ShouldRetry(serviceRetryKey(app.AppID, svc.ServiceID)) {
				services[serviceRetryKey(app.AppID, svc.ServiceID)] = true
			}
		}
	}
	return images, services
}

// StartAutoReconciliation runs reconcile() every interval, skipping a
// tick if a reconciliation is already applying.
func (m *Manager) StartAutoReconciliation(ctx context.Context, interval time.Duration) {
	m.autoMu.Lock()
	defer m.autoMu.Unlock()
	if m.autoCancel != nil {
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	m.autoCancel = cancel
	m.autoDone = make(chan struct{})
	go func() {
		defer close(m.autoDone)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				m.applyMu.Lock()
				busy := m.isApplying
				m.applyMu.Unlock()
				if busy {
					continue
				}
				if err := m.Reconcile(runCtx); err != nil {
					m.log.Errorw("auto-reconcile failed", "error", err)
				}
			}
		}
	}()
}

// StopAutoReconciliation cancels the periodic safety-net timer and waits
// for its goroutine to exit.
func (m *Manager) StopAutoReconciliation() {
	m.autoMu.Lock()
	cancel := m.autoCancel
	done := m.autoDone
	m.autoCancel = nil
	m.autoMu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Close stops auto-reconciliation and waits for the liveness-event
// consumer goroutine to exit; that goroutine returns once the prober's
// event channel is closed (Prober.Close), so call Close after it.
func (m *Manager) Close() {
	m.StopAutoReconciliation()
	if m.restartsDone != nil {
		<-m.restartsDone
	}
}

// markServiceAsError records a service-level error in the current graph.
// It never panics the reconcile loop — callers always continue to the
// next step.
func (m *Manager) markServiceAsError(appID, serviceID int, kind graph.ErrorKind, message string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	app, ok := m.current.Apps[appID]
	if !ok {
		if m.current.Apps == nil {
			m.current.Apps = map[int]graph.App{}
		}
		app = graph.App{AppID: appID}
	}
	idx := -1
	for i, svc := range app.Services {
		if svc.ServiceID == serviceID {
			idx = i
			break
		}
	}
	now := time.Now().UnixMilli()
	var svc graph.Service
	if idx >= 0 {
		svc = app.Services[idx]
	} else {
		svc = graph.Service{ServiceID: serviceID}
	}
	retryKey := serviceRetryKey(appID, serviceID)
	if kind == graph.ErrImagePull || kind == graph.ErrImagePullBackOff {
		image := svc.ImageName
		if t, ok := findService(m.target, appID, serviceID); ok {
			image = t.ImageName
		}
		retryKey = imageRetryKey(image)
	}
	entry, _ := m.retries.StateOf(retryKey)

	firstObserved := now
	if svc.Error != nil {
		firstObserved = svc.Error.FirstObservedAt
	}
	var nextRetry int64
	if !entry.NextAttempt.IsZero() {
		nextRetry = entry.NextAttempt.UnixMilli()
	}
	svc.Status = graph.StatusError
	svc.Error = &graph.ServiceError{
		Kind:            kind,
		Message:         message,
		FirstObservedAt: firstObserved,
		RetryCount:      entry.Attempt,
		NextRetryAt:     nextRetry,
	}
	if idx >= 0 {
		app.Services[idx] = svc
	} else {
		app.Services = append(app.Services, svc)
	}
	m.current.Apps[appID] = app
}
