package statestore

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/zemfyre/device-supervisor/internal/graph"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "state.db")
	s, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func sampleGraph(reconcileMs int) graph.DeviceGraph {
	return graph.DeviceGraph{
		Apps: map[int]graph.App{
			1: {AppID: 1, AppName: "demo", Services: []graph.Service{
				{ServiceID: 1, ImageName: "nginx:alpine", Status: graph.StatusPending},
			}},
		},
		Config: graph.DeviceConfig{ReconcileIntervalMs: reconcileMs},
	}
}

func TestSaveLoadTargetRoundTrip(t *testing.T) {
	s := newTestStore(t)
	g := sampleGraph(30000)

	require.NoError(t, s.SaveTarget(g))

	loaded, ok, err := s.LoadTarget()
	require.NoError(t, err)
	require.True(t, ok)

	h1, err := graph.Hash(g)
	require.NoError(t, err)
	h2, err := graph.Hash(loaded)
	require.NoError(t, err)
	require.Equal(t, h1, h2)
}

func TestRepeatedIdenticalSaveIsNoOp(t *testing.T) {
	s := newTestStore(t)
	g := sampleGraph(30000)

	for i := 0; i < 100; i++ {
		require.NoError(t, s.SaveTarget(g))
	}

	n, err := s.RowCount()
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func TestRowCountNeverExceedsTwo(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.SaveTarget(sampleGraph(1)))
	require.NoError(t, s.SaveCurrent(sampleGraph(2)))
	for i := 0; i < 10; i++ {
		require.NoError(t, s.SaveTarget(sampleGraph(i)))
		require.NoError(t, s.SaveCurrent(sampleGraph(i)))
	}

	n, err := s.RowCount()
	require.NoError(t, err)
	require.LessOrEqual(t, n, 2)
}

func TestLoadOnEmptyStoreReturnsNotFound(t *testing.T) {
	s := newTestStore(t)

	_, ok, err := s.LoadTarget()
	require.NoError(t, err)
	require.False(t, ok)
}

func TestChangedPayloadProducesNewWrite(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.SaveCurrent(sampleGraph(1)))
	require.NoError(t, s.SaveCurrent(sampleGraph(2)))

	loaded, ok, err := s.LoadCurrent()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 2, loaded.Config.ReconcileIntervalMs)
}
