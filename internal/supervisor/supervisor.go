// Package supervisor owns process lifecycle: boot order, provisioning,
// wiring between components, and graceful shutdown in the reverse of
// startup order.
package supervisor

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/zemfyre/device-supervisor/internal/cloudclient"
	"github.com/zemfyre/device-supervisor/internal/containermgr"
	"github.com/zemfyre/device-supervisor/internal/graph"
	"github.com/zemfyre/device-supervisor/internal/healthprobe"
	"github.com/zemfyre/device-supervisor/internal/identitystore"
	"github.com/zemfyre/device-supervisor/internal/logging"
	"github.com/zemfyre/device-supervisor/internal/metrics"
	"github.com/zemfyre/device-supervisor/internal/mqttbus"
	"github.com/zemfyre/device-supervisor/internal/retry"
	"github.com/zemfyre/device-supervisor/internal/runtimeadapter"
	"github.com/zemfyre/device-supervisor/internal/sensormgr"
	"github.com/zemfyre/device-supervisor/internal/statestore"
)

// Config is the supervisor's boot configuration, read from the
// environment by the binary.
type Config struct {
	DataDir string

	CloudURL    string
	InsecureTLS bool
	FleetKey    string
	DeviceName  string
	DeviceType  string

	MQTTBrokerURL string

	ReconcileInterval  time.Duration
	TargetPollInterval time.Duration
	ReportInterval     time.Duration
	JobPollInterval    time.Duration
	KeyStatusInterval  time.Duration
	LogFlushInterval   time.Duration
	LogMaxBatch        int
	ShutdownGrace      time.Duration
}

func (c *Config) applyDefaults() {
	if c.DataDir == "" {
		c.DataDir = "/var/lib/device-supervisor"
	}
	if c.ReconcileInterval <= 0 {
		c.ReconcileInterval = 30 * time.Second
	}
	if c.TargetPollInterval <= 0 {
		c.TargetPollInterval = 15 * time.Second
	}
	if c.ReportInterval <= 0 {
		c.ReportInterval = 30 * time.Second
	}
	if c.JobPollInterval <= 0 {
		c.JobPollInterval = 20 * time.Second
	}
	if c.KeyStatusInterval <= 0 {
		c.KeyStatusInterval = 6 * time.Hour
	}
	if c.LogFlushInterval <= 0 {
		c.LogFlushInterval = 5 * time.Second
	}
	if c.LogMaxBatch <= 0 {
		c.LogMaxBatch = 256
	}
	if c.ShutdownGrace <= 0 {
		c.ShutdownGrace = 30 * time.Second
	}
}

// featureFlags is the supervisor's view of the target graph's enable/
// disable switches, refreshed on every target change.
type featureFlags struct {
	mu    sync.RWMutex
	flags graph.DeviceConfig
}

func (f *featureFlags) set(cfg graph.DeviceConfig) {
	f.mu.Lock()
	f.flags = cfg
	f.mu.Unlock()
}

func (f *featureFlags) get() graph.DeviceConfig {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.flags
}

// storeCreds adapts the Identity Store to the cloud client's credential
// source; rotation is picked up automatically because the store caches
// the latest record, and the pre-rotation key is offered as a fallback
// while its grace window is open.
type storeCreds struct {
	store *identitystore.Store
}

func (c storeCreds) Current() (string, string, error) {
	id, err := c.store.Load()
	if err != nil {
		return "", "", err
	}
	return id.UUID, id.DeviceAPIKey, nil
}

func (c storeCreds) FallbackKey() (string, bool) {
	return c.store.FallbackKey()
}

var _ cloudclient.FallbackCredentialSource = storeCreds{}

// Supervisor wires every component together and runs them until the
// context is cancelled.
type Supervisor struct {
	cfg  Config
	log  *zap.SugaredLogger
	mets *metrics.Metrics

	identity   *identitystore.Store
	state      *statestore.Store
	runtime    runtimeadapter.Adapter
	retries    *retry.Manager
	prober     *healthprobe.Prober
	containers *containermgr.Manager
	sensors    *sensormgr.Manager
	cloud      *cloudclient.Client
	shipper    *cloudclient.LogShipper
	bus        *mqttbus.Bus

	flags featureFlags

	pumps pumpSet

	fatal chan error
	wg    sync.WaitGroup
}

// New opens the stores, seeds in-memory state from the last snapshots,
// and builds every component. Nothing starts running until Run.
func New(cfg Config, runtime runtimeadapter.Adapter) (*Supervisor, error) {
	cfg.applyDefaults()

	identity, err := identitystore.Open(filepath.Join(cfg.DataDir, "identity.db"))
	if err != nil {
		return nil, err
	}
	state, err := statestore.Open(filepath.Join(cfg.DataDir, "state.db"))
	if err != nil {
		_ = identity.Close()
		return nil, err
	}

	current, _, err := state.LoadCurrent()
	if err != nil {
		_ = state.Close()
		_ = identity.Close()
		return nil, err
	}

	mets := metrics.New()
	retries := retry.New()
	prober := healthprobe.New(runtime)
	containers := containermgr.New(runtime, prober, state, retries, current)

	cloud, err := cloudclient.New(cloudclient.Config{
		BaseURL:     cfg.CloudURL,
		InsecureTLS: cfg.InsecureTLS,
	}, storeCreds{identity}, mets)
	if err != nil {
		_ = state.Close()
		_ = identity.Close()
		return nil, err
	}

	s := &Supervisor{
		cfg:        cfg,
		log:        logging.Named("supervisor"),
		mets:       mets,
		identity:   identity,
		state:      state,
		runtime:    runtime,
		retries:    retries,
		prober:     prober,
		containers: containers,
		cloud:      cloud,
		shipper:    cloudclient.NewLogShipper(cloud, cfg.LogFlushInterval, cfg.LogMaxBatch),
		fatal:      make(chan error, 1),
	}
	s.pumps.cancels = make(map[string]context.CancelFunc)
	s.sensors = sensormgr.New(retries, s.publishReadings, mets)
	cloud.OnAuthFailure(s.noteAuthFailure)
	prober.OnCheck(func(typ healthprobe.ProbeType, success bool) {
		outcome := "success"
		if !success {
			outcome = "failure"
		}
		mets.ProbeChecks.WithLabelValues(string(typ), outcome).Inc()
	})
	return s, nil
}

// Metrics exposes the instrument registry for the binary to serve.
func (s *Supervisor) Metrics() *metrics.Metrics { return s.mets }

// Run boots every component in dependency order, then blocks until ctx
// is cancelled or an unrecoverable fault surfaces, and finally shuts
// down in reverse order within the configured grace window.
func (s *Supervisor) Run(ctx context.Context) error {
	id, err := s.identity.Load()
	if err != nil {
		return fmt.Errorf("loading device identity: %w", err)
	}
	if !id.Provisioned {
		if id, err = s.provision(ctx); err != nil {
			return fmt.Errorf("provisioning: %w", err)
		}
	}
	s.log.Infow("device identity ready", "uuid", id.UUID)

	// Seed the target from the last snapshot so a device that boots
	// offline still converges to the last known-good state.
	if target, ok, err := s.state.LoadTarget(); err != nil {
		return fmt.Errorf("loading target snapshot: %w", err)
	} else if ok {
		s.applyTarget(ctx, target, false)
	}

	loopCtx, cancelLoops := context.WithCancel(context.Background())
	defer cancelLoops()

	s.containers.StartAutoReconciliation(loopCtx, s.cfg.ReconcileInterval)

	if s.cfg.MQTTBrokerURL != "" {
		s.bus = mqttbus.New(mqttbus.Config{
			BrokerURL: s.cfg.MQTTBrokerURL,
			ClientID:  "device-" + id.UUID,
			Credentials: func() (string, string) {
				cur, err := s.identity.Load()
				if err != nil {
					return "", ""
				}
				return cur.UUID, cur.DeviceAPIKey
			},
		}, s.mets)
		if err := s.bus.Connect(loopCtx); err != nil {
			// Non-fatal: paho keeps retrying in the background and the
			// subscription registry replays on connect.
			s.log.Warnw("initial mqtt connect failed", "error", err)
		}
		s.subscribeControlTopics(id.UUID)
	}

	s.startLoops(loopCtx)

	select {
	case <-ctx.Done():
		s.log.Infow("shutdown requested")
	case err := <-s.fatal:
		s.log.Errorw("unrecoverable fault", "error", err)
		s.shutdown(cancelLoops)
		return err
	}

	s.shutdown(cancelLoops)
	return nil
}

// startLoops launches the cloud-facing background tasks.
func (s *Supervisor) startLoops(ctx context.Context) {
	s.goNamed(func() {
		s.cloud.RunTargetPoll(ctx, s.cfg.TargetPollInterval, func(ctx context.Context, g graph.DeviceGraph) {
			s.applyTarget(ctx, g, true)
		})
	})
	s.goNamed(func() {
		s.cloud.RunReporting(ctx, s.cfg.ReportInterval, s.buildReport)
	})
	s.goNamed(func() {
		s.runJobPollIfEnabled(ctx)
	})
	s.goNamed(func() {
		s.shipper.Run(ctx)
	})
	s.goNamed(func() {
		s.runKeyStatusLoop(ctx)
	})
	s.goNamed(func() {
		s.consumeReconcileEvents(ctx)
	})
}

func (s *Supervisor) goNamed(fn func()) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		fn()
	}()
}

// applyTarget persists the new target, hands it to the container manager
// and the sensor adapter manager, and refreshes feature flags. persist is
// false when re-applying the boot snapshot (already on disk).
func (s *Supervisor) applyTarget(ctx context.Context, g graph.DeviceGraph, persist bool) {
	if persist {
		if err := s.state.SaveTarget(g); err != nil {
			s.log.Errorw("persisting target snapshot failed", "error", err)
		}
	}
	s.flags.set(g.Config)
	s.containers.SetTarget(ctx, g)
	if g.Config.EnableProtocolAdapters {
		s.sensors.SetTarget(ctx, g.Sensors)
	} else {
		s.sensors.SetTarget(ctx, nil)
	}
}

// buildReport assembles the compact current-state report.
func (s *Supervisor) buildReport() cloudclient.CurrentStateReport {
	id, err := s.identity.Load()
	if err != nil {
		s.log.Errorw("loading identity for report failed", "error", err)
	}
	current := s.containers.CurrentGraph()

	var adapters []cloudclient.AdapterReport
	for _, h := range s.sensors.Health() {
		var lastPoll int64
		if !h.LastPoll.IsZero() {
			lastPoll = h.LastPoll.UnixMilli()
		}
		adapters = append(adapters, cloudclient.AdapterReport{
			Name:             h.Name,
			Protocol:         h.Protocol,
			Connected:        h.Connected,
			ErrorCount:       h.ErrorCount,
			LastError:        h.LastError,
			LastPoll:         lastPoll,
			DeploymentStatus: string(h.DeploymentStatus),
		})
	}

	return cloudclient.CurrentStateReport{
		UUID:     id.UUID,
		Apps:     current.Apps,
		Adapters: adapters,
		Errors:   cloudclient.BuildErrorReports(current),
	}
}

// consumeReconcileEvents records cycle metrics and keeps the per-container
// log pumps in sync with the set of running containers.
func (s *Supervisor) consumeReconcileEvents(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case summary, ok := <-s.containers.Events():
			if !ok {
				return
			}
			s.mets.ReconcileDuration.Observe(summary.Duration.Seconds())
			s.mets.ReconcileSteps.Add(float64(len(summary.Steps)))
			s.mets.ReconcileFailures.Add(float64(len(summary.Failures)))
			s.syncLogPumps(ctx)
		}
	}
}

// shutdown stops, in order: sensor adapters, auto-reconcile, per-container
// log pumps, the cloud loops (the log shipper flushes as they stop), MQTT,
// the health prober and the liveness consumer, the stores, and last the
// runtime handle. Probes are not stopped with the adapters: the prober is
// closed only after MQTT has disconnected.
func (s *Supervisor) shutdown(cancelLoops context.CancelFunc) {
	deadline := time.Now().Add(s.cfg.ShutdownGrace)

	s.sensors.Close()
	s.containers.StopAutoReconciliation()
	s.stopAllPumps()

	cancelLoops() // stops poll/report/job/key loops and flushes the shipper

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Until(deadline)):
		s.log.Warnw("shutdown grace window elapsed with tasks still running")
	}

	if s.bus != nil {
		s.bus.Close()
	}

	s.prober.Close()
	s.containers.Close()

	if err := s.state.Close(); err != nil {
		s.log.Warnw("closing state store", "error", err)
	}
	if err := s.identity.Close(); err != nil {
		s.log.Warnw("closing identity store", "error", err)
	}
	if closer, ok := s.runtime.(interface{ Close() error }); ok {
		if err := closer.Close(); err != nil {
			s.log.Warnw("closing runtime adapter", "error", err)
		}
	}
	logging.Sync()
}
