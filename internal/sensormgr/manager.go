package sensormgr

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/zemfyre/device-supervisor/internal/logging"
	"github.com/zemfyre/device-supervisor/internal/metrics"
	"github.com/zemfyre/device-supervisor/internal/retry"
)

// Publisher receives each successful poll's readings, typically to fan
// them out over the MQTT bus (sensor-publish).
type Publisher func(dev SensorDevice, readings []Reading)

// Manager reconciles declarative SensorDevice records against running
// adapters. Diffing is by name: adds start, removes stop, config changes
// stop-then-start, and the enabled toggle stops or starts the loop
// without deleting the record.
type Manager struct {
	retries *retry.Manager
	publish Publisher
	metrics *metrics.Metrics
	log     *zap.SugaredLogger

	mu        sync.Mutex
	factories map[string]Factory
	fallback  Factory
	records   map[string]SensorDevice
	runners   map[string]*runner
}

// New creates a Manager. publish may be nil when sensor-publish is
// disabled by device config.
func New(retries *retry.Manager, publish Publisher, mets *metrics.Metrics) *Manager {
	return &Manager{
		retries:   retries,
		publish:   publish,
		metrics:   mets,
		log:       logging.Named("sensormgr"),
		factories: make(map[string]Factory),
		fallback:  NewSimulatedAdapter,
		records:   make(map[string]SensorDevice),
		runners:   make(map[string]*runner),
	}
}

// RegisterFactory binds a protocol string to a driver factory. Unknown
// protocols fall back to the simulated driver.
func (m *Manager) RegisterFactory(protocol string, f Factory) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.factories[protocol] = f
}

func (m *Manager) factoryFor(protocol string) Factory {
	if f, ok := m.factories[protocol]; ok {
		return f
	}
	return m.fallback
}

// SetTarget reconciles the declarative device list against the running
// adapters.
func (m *Manager) SetTarget(ctx context.Context, devices []SensorDevice) {
	m.mu.Lock()
	defer m.mu.Unlock()

	desired := make(map[string]SensorDevice, len(devices))
	for _, dev := range devices {
		desired[dev.Name] = dev
	}

	// Removes first: anything running that is no longer declared.
	for name, r := range m.runners {
		if _, ok := desired[name]; !ok {
			m.log.Infow("sensor removed", "name", name)
			r.stop()
			delete(m.runners, name)
		}
	}
	for name := range m.records {
		if _, ok := desired[name]; !ok {
			delete(m.records, name)
		}
	}

	for name, dev := range desired {
		prev, known := m.records[name]
		m.records[name] = dev
		r, running := m.runners[name]

		switch {
		case !dev.Enabled:
			if running {
				m.log.Infow("sensor disabled", "name", name)
				r.stop()
				delete(m.runners, name)
			}
		case !running:
			m.startLocked(ctx, dev)
		case known && !configEqual(prev, dev):
			m.log.Infow("sensor config changed, restarting", "name", name)
			r.stop()
			delete(m.runners, name)
			m.startLocked(ctx, dev)
		}
	}
}

func (m *Manager) startLocked(ctx context.Context, dev SensorDevice) {
	adapter, err := m.factoryFor(dev.Protocol)(dev)
	if err != nil {
		m.log.Errorw("building sensor adapter failed", "name", dev.Name, "protocol", dev.Protocol, "error", err)
		rec := m.records[dev.Name]
		rec.DeploymentStatus = StatusFailed
		rec.DeploymentError = err.Error()
		rec.DeploymentAttempts++
		m.records[dev.Name] = rec
		return
	}

	runCtx, cancel := context.WithCancel(ctx)
	r := &runner{
		dev:     dev,
		adapter: adapter,
		cancel:  cancel,
		done:    make(chan struct{}),
		health: Health{
			Name:             dev.Name,
			Protocol:         dev.Protocol,
			DeploymentStatus: StatusReconciling,
		},
	}
	m.runners[dev.Name] = r
	go m.runLoop(runCtx, r)
	m.log.Infow("sensor started", "name", dev.Name, "protocol", dev.Protocol)
}

// Health returns one summary per declared device, running or not.
func (m *Manager) Health() []Health {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Health, 0, len(m.records))
	for name, rec := range m.records {
		if r, ok := m.runners[name]; ok {
			out = append(out, r.snapshot())
			continue
		}
		status := rec.DeploymentStatus
		if status == "" {
			status = StatusDraft
		}
		out = append(out, Health{
			Name:             name,
			Protocol:         rec.Protocol,
			Connected:        false,
			LastError:        rec.DeploymentError,
			DeploymentStatus: status,
		})
	}
	return out
}

// Close stops every running adapter and waits for their loops to exit.
func (m *Manager) Close() {
	m.mu.Lock()
	runners := make([]*runner, 0, len(m.runners))
	for _, r := range m.runners {
		runners = append(runners, r)
	}
	m.runners = make(map[string]*runner)
	m.mu.Unlock()

	for _, r := range runners {
		r.stop()
	}
}

// runner is one adapter's connect→poll→publish loop plus its health
// record. The loop goroutine is the single writer of health fields.
type runner struct {
	dev     SensorDevice
	adapter Adapter
	cancel  context.CancelFunc
	done    chan struct{}

	mu     sync.Mutex
	health Health
}

func (r *runner) stop() {
	r.cancel()
	<-r.done
}

func (r *runner) snapshot() Health {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.health
}

func (r *runner) update(fn func(*Health)) {
	r.mu.Lock()
	fn(&r.health)
	r.mu.Unlock()
}

func sensorRetryKey(name string) string {
	return fmt.Sprintf("sensor:%s", name)
}

// runLoop drives one adapter. Transient errors feed the shared Retry
// Manager keyed "sensor:<name>"; the loop keeps ticking but skips work
// until the backoff window elapses.
func (m *Manager) runLoop(ctx context.Context, r *runner) {
	defer close(r.done)
	defer func() {
		if err := r.adapter.Close(); err != nil {
			m.log.Warnw("closing sensor adapter", "name", r.dev.Name, "error", err)
		}
	}()

	interval := time.Duration(r.dev.PollIntervalMs) * time.Millisecond
	if interval <= 0 {
		interval = 10 * time.Second
	}
	key := sensorRetryKey(r.dev.Name)
	connected := false

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	step := func() {
		if !m.retries.ShouldRetry(key) {
			return
		}
		if !connected {
			if err := r.adapter.Connect(ctx); err != nil {
				m.retries.RecordFailure(key, err)
				m.observePoll(r, false, err)
				return
			}
			connected = true
			r.update(func(h *Health) {
				h.Connected = true
				h.DeploymentStatus = StatusDeployed
			})
			m.log.Infow("sensor connected", "name", r.dev.Name)
		}

		readings, err := r.adapter.Poll(ctx)
		if err != nil {
			connected = false
			r.update(func(h *Health) { h.Connected = false })
			m.retries.RecordFailure(key, err)
			m.observePoll(r, false, err)
			return
		}
		m.retries.RecordSuccess(key)
		m.observePoll(r, true, nil)
		if m.publish != nil && len(readings) > 0 {
			m.publish(r.dev, readings)
		}
	}

	step()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			step()
		}
	}
}

func (m *Manager) observePoll(r *runner, ok bool, err error) {
	outcome := "success"
	if !ok {
		outcome = "error"
	}
	if m.metrics != nil {
		m.metrics.SensorPolls.WithLabelValues(r.dev.Name, outcome).Inc()
	}
	now := time.Now()
	r.update(func(h *Health) {
		h.LastPoll = now
		if ok {
			h.LastError = ""
			h.DeploymentStatus = StatusDeployed
			return
		}
		h.ErrorCount++
		h.LastError = err.Error()
		h.DeploymentStatus = StatusFailed
	})
	if !ok {
		m.log.Warnw("sensor poll failed", "name", r.dev.Name, "error", err)
	}
}
