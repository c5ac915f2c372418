package healthprobe

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zemfyre/device-supervisor/internal/graph"
	"github.com/zemfyre/device-supervisor/internal/runtimeadapter"
)

// listenTCP opens a throwaway listener and returns its port.
func listenTCP(t *testing.T) (net.Listener, int) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })
	return ln, ln.Addr().(*net.TCPAddr).Port
}

// closedPort returns a port nothing is listening on.
func closedPort(t *testing.T) int {
	t.Helper()
	ln, port := listenTCP(t)
	_ = ln.Close()
	return port
}

func fakeWithContainer(id string) *runtimeadapter.FakeAdapter {
	adapter := runtimeadapter.NewFakeAdapter()
	adapter.Containers[id] = runtimeadapter.ContainerInfo{ID: id, Running: true, IP: "127.0.0.1"}
	return adapter
}

func tcpProbe(port, failureThreshold int) *graph.Probe {
	return &graph.Probe{
		Kind:             graph.ProbeTCP,
		TCP:              &graph.TCPProbe{Port: port},
		PeriodSeconds:    1,
		TimeoutSeconds:   1,
		FailureThreshold: failureThreshold,
	}
}

func TestProber_LivenessFailureEmitsEvent(t *testing.T) {
	adapter := fakeWithContainer("c1")
	p := New(adapter)
	defer p.Close()

	cfg := graph.ServiceConfig{LivenessProbe: tcpProbe(closedPort(t), 2)}
	p.StartMonitoring("c1", 1, 7, cfg)

	select {
	case ev := <-p.Events():
		assert.Equal(t, EventLivenessFailed, ev.Kind)
		assert.Equal(t, "c1", ev.ContainerID)
		assert.Equal(t, 1, ev.AppID)
		assert.Equal(t, 7, ev.ServiceID)
	case <-time.After(10 * time.Second):
		t.Fatal("no liveness-failed event within deadline")
	}

	health := p.GetHealth()
	require.Len(t, health, 1)
	st := health[0].States[Liveness]
	assert.Equal(t, StatusUnhealthy, st.Status)
	assert.GreaterOrEqual(t, st.ConsecutiveFailures, 2)
}

func TestProber_StartupGatesLivenessUntilHealthy(t *testing.T) {
	_, openPort := listenTCP(t)
	adapter := fakeWithContainer("c2")
	p := New(adapter)
	defer p.Close()

	cfg := graph.ServiceConfig{
		StartupProbe:  tcpProbe(openPort, 3),
		LivenessProbe: tcpProbe(openPort, 3),
	}
	p.StartMonitoring("c2", 1, 1, cfg)

	select {
	case ev := <-p.Events():
		assert.Equal(t, EventStartupCompleted, ev.Kind)
	case <-time.After(10 * time.Second):
		t.Fatal("no startup-completed event within deadline")
	}

	// Liveness only starts ticking once the gate opens.
	require.Eventually(t, func() bool {
		for _, h := range p.GetHealth() {
			if st, ok := h.States[Liveness]; ok && st.Status == StatusHealthy {
				return true
			}
		}
		return false
	}, 10*time.Second, 100*time.Millisecond)
}

func TestProber_ReadinessTransitionEvent(t *testing.T) {
	_, openPort := listenTCP(t)
	adapter := fakeWithContainer("c3")
	p := New(adapter)
	defer p.Close()

	probe := tcpProbe(openPort, 3)
	probe.SuccessThreshold = 1
	cfg := graph.ServiceConfig{ReadinessProbe: probe}
	p.StartMonitoring("c3", 2, 3, cfg)

	select {
	case ev := <-p.Events():
		assert.Equal(t, EventReadinessChanged, ev.Kind)
		assert.True(t, ev.Ready)
	case <-time.After(10 * time.Second):
		t.Fatal("no readiness-changed event within deadline")
	}
}

func TestProber_StopMonitoringDiscardsState(t *testing.T) {
	adapter := fakeWithContainer("c4")
	p := New(adapter)
	defer p.Close()

	p.StartMonitoring("c4", 1, 1, graph.ServiceConfig{LivenessProbe: tcpProbe(closedPort(t), 1)})
	require.Len(t, p.GetHealth(), 1)

	p.StopMonitoring("c4")
	assert.Empty(t, p.GetHealth())

	// Late events may still arrive on the channel; state must not change.
	time.Sleep(1500 * time.Millisecond)
	assert.Empty(t, p.GetHealth())
}
