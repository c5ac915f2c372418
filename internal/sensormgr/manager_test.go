package sensormgr

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zemfyre/device-supervisor/internal/retry"
)

// scriptedAdapter is a test driver with controllable connect/poll
// behavior.
type scriptedAdapter struct {
	mu         sync.Mutex
	connectErr error
	pollErr    error
	connects   int
	polls      int
	closed     bool
}

func (a *scriptedAdapter) Connect(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.connects++
	return a.connectErr
}

func (a *scriptedAdapter) Poll(ctx context.Context) ([]Reading, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.polls++
	if a.pollErr != nil {
		return nil, a.pollErr
	}
	return []Reading{{DataPoint: "temp", Value: 21.5, At: time.Now()}}, nil
}

func (a *scriptedAdapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.closed = true
	return nil
}

func (a *scriptedAdapter) snapshot() (connects, polls int, closed bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.connects, a.polls, a.closed
}

type adapterLog struct {
	mu       sync.Mutex
	adapters map[string]*scriptedAdapter
}

func newAdapterLog() *adapterLog {
	return &adapterLog{adapters: make(map[string]*scriptedAdapter)}
}

func (l *adapterLog) factory(dev SensorDevice) (Adapter, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	a := &scriptedAdapter{}
	l.adapters[dev.Name] = a
	return a, nil
}

func (l *adapterLog) get(name string) *scriptedAdapter {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.adapters[name]
}

func device(name string, enabled bool) SensorDevice {
	return SensorDevice{
		Name:           name,
		Protocol:       "modbus",
		Enabled:        enabled,
		PollIntervalMs: 10,
	}
}

func TestManager_AddStartsAdapterAndPublishes(t *testing.T) {
	log := newAdapterLog()
	var mu sync.Mutex
	var published []Reading
	mgr := New(retry.New(), func(_ SensorDevice, rs []Reading) {
		mu.Lock()
		published = append(published, rs...)
		mu.Unlock()
	}, nil)
	mgr.RegisterFactory("modbus", log.factory)
	defer mgr.Close()

	mgr.SetTarget(context.Background(), []SensorDevice{device("plc-1", true)})

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(published) > 0
	}, 2*time.Second, 10*time.Millisecond)

	health := mgr.Health()
	require.Len(t, health, 1)
	assert.Equal(t, "plc-1", health[0].Name)
	assert.True(t, health[0].Connected)
	assert.Equal(t, StatusDeployed, health[0].DeploymentStatus)
}

func TestManager_RemoveStopsAdapter(t *testing.T) {
	log := newAdapterLog()
	mgr := New(retry.New(), nil, nil)
	mgr.RegisterFactory("modbus", log.factory)
	defer mgr.Close()

	mgr.SetTarget(context.Background(), []SensorDevice{device("plc-1", true)})
	require.Eventually(t, func() bool {
		a := log.get("plc-1")
		if a == nil {
			return false
		}
		c, _, _ := a.snapshot()
		return c > 0
	}, 2*time.Second, 10*time.Millisecond)

	mgr.SetTarget(context.Background(), nil)

	_, _, closed := log.get("plc-1").snapshot()
	assert.True(t, closed)
	assert.Empty(t, mgr.Health())
}

func TestManager_ConfigChangeRestartsAdapter(t *testing.T) {
	log := newAdapterLog()
	mgr := New(retry.New(), nil, nil)
	mgr.RegisterFactory("modbus", log.factory)
	defer mgr.Close()

	dev := device("plc-1", true)
	mgr.SetTarget(context.Background(), []SensorDevice{dev})
	first := log.get("plc-1")
	require.NotNil(t, first)

	changed := dev
	changed.Connection = json.RawMessage(`{"host":"10.0.0.9"}`)
	mgr.SetTarget(context.Background(), []SensorDevice{changed})

	_, _, closed := first.snapshot()
	assert.True(t, closed, "old adapter instance should be stopped")
	second := log.get("plc-1")
	assert.NotSame(t, first, second)
}

func TestManager_DisableStopsWithoutDeletingRecord(t *testing.T) {
	log := newAdapterLog()
	mgr := New(retry.New(), nil, nil)
	mgr.RegisterFactory("modbus", log.factory)
	defer mgr.Close()

	mgr.SetTarget(context.Background(), []SensorDevice{device("plc-1", true)})
	require.NotNil(t, log.get("plc-1"))

	mgr.SetTarget(context.Background(), []SensorDevice{device("plc-1", false)})

	_, _, closed := log.get("plc-1").snapshot()
	assert.True(t, closed)

	health := mgr.Health()
	require.Len(t, health, 1, "disabled device keeps its record")
	assert.False(t, health[0].Connected)
}

func TestManager_ConnectFailureFeedsRetryManager(t *testing.T) {
	retries := retry.New()
	mgr := New(retries, nil, nil)
	mgr.RegisterFactory("modbus", func(dev SensorDevice) (Adapter, error) {
		return &scriptedAdapter{connectErr: errors.New("no route to device")}, nil
	})
	defer mgr.Close()

	mgr.SetTarget(context.Background(), []SensorDevice{device("plc-broken", true)})

	require.Eventually(t, func() bool {
		entry, ok := retries.StateOf(sensorRetryKey("plc-broken"))
		return ok && entry.Attempt >= 1
	}, 2*time.Second, 10*time.Millisecond)

	health := mgr.Health()
	require.Len(t, health, 1)
	assert.False(t, health[0].Connected)
	assert.Equal(t, StatusFailed, health[0].DeploymentStatus)
	assert.Contains(t, health[0].LastError, "no route")
}

func TestSimulatedAdapter_FallbackForUnknownProtocol(t *testing.T) {
	mgr := New(retry.New(), nil, nil)
	defer mgr.Close()

	f := mgr.factoryFor("some-future-protocol")
	adapter, err := f(SensorDevice{Name: "x", DataPoints: json.RawMessage(`[{"name":"temp"},{"name":"rh"}]`)})
	require.NoError(t, err)
	require.NoError(t, adapter.Connect(context.Background()))

	readings, err := adapter.Poll(context.Background())
	require.NoError(t, err)
	require.Len(t, readings, 2)
	assert.Equal(t, "temp", readings[0].DataPoint)
	assert.Equal(t, "rh", readings[1].DataPoint)
	require.NoError(t, adapter.Close())
}
