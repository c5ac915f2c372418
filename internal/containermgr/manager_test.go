package containermgr

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zemfyre/device-supervisor/internal/graph"
	"github.com/zemfyre/device-supervisor/internal/retry"
	"github.com/zemfyre/device-supervisor/internal/runtimeadapter"
)

type fakeState struct {
	saved []graph.DeviceGraph
}

func (f *fakeState) SaveCurrent(g graph.DeviceGraph) error {
	f.saved = append(f.saved, g)
	return nil
}

func TestManager_ReconcileHappyPath(t *testing.T) {
	adapter := runtimeadapter.NewFakeAdapter()
	state := &fakeState{}
	mgr := New(adapter, nil, state, retry.New(), graph.DeviceGraph{})

	mgr.SetTarget(context.Background(), graph.DeviceGraph{Apps: map[int]graph.App{
		1: {AppID: 1, AppName: "web", Services: []graph.Service{webService()}},
	}})

	require.Eventually(t, func() bool {
		g := mgr.CurrentGraph()
		svc, ok := findService(g, 1, 1)
		return ok && svc.Status == graph.StatusRunning
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, mgr.Reconcile(context.Background()))
	require.Eventually(t, func() bool { return len(state.saved) > 0 }, time.Second, 5*time.Millisecond)
}

func TestManager_InvalidImageIsolatesFailure(t *testing.T) {
	adapter := runtimeadapter.NewFakeAdapter()
	adapter.PullErr["nodered:does-not-exist"] = assertError{"no such image"}
	state := &fakeState{}
	mgr := New(adapter, nil, state, retry.New(), graph.DeviceGraph{})

	target := graph.DeviceGraph{Apps: map[int]graph.App{
		1: {AppID: 1, Services: []graph.Service{
			{ServiceID: 1, ImageName: "nodered:does-not-exist"},
			{ServiceID: 2, ImageName: "eclipse-mosquitto:2"},
		}},
	}}
	require.NoError(t, mgr.Reconcile(withTarget(mgr, target)))

	g := mgr.CurrentGraph()
	nodered, ok := findService(g, 1, 1)
	require.True(t, ok)
	assert.Equal(t, graph.StatusError, nodered.Status)
	require.NotNil(t, nodered.Error)
	assert.Equal(t, graph.ErrImagePullBackOff, nodered.Error.Kind)
	assert.Equal(t, 1, nodered.Error.RetryCount)

	mosquitto, ok := findService(g, 1, 2)
	require.True(t, ok)
	assert.Equal(t, graph.StatusRunning, mosquitto.Status)
}

func withTarget(mgr *Manager, g graph.DeviceGraph) context.Context {
	mgr.mu.Lock()
	mgr.target = g
	mgr.mu.Unlock()
	return context.Background()
}

type assertError struct{ msg string }

func (e assertError) Error() string { return e.msg }
