package graph

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func sampleGraph() DeviceGraph {
	return DeviceGraph{
		Apps: map[int]App{
			1: {
				AppID:   1,
				AppName: "sensors",
				Services: []Service{
					{
						ServiceID: 1,
						ImageName: "nginx:alpine",
						Status:    StatusPending,
						Config: ServiceConfig{
							Ports: []PortBinding{{HostPort: 8085, ContainerPort: 80}},
							Environment: map[string]string{
								"B_VAR": "2",
								"A_VAR": "1",
							},
						},
					},
				},
			},
		},
		Config: DeviceConfig{ReconcileIntervalMs: 30000},
	}
}

func TestCanonicalizeIsDeterministic(t *testing.T) {
	g := sampleGraph()

	a, err := Canonicalize(g)
	require.NoError(t, err)
	b, err := Canonicalize(g)
	require.NoError(t, err)

	require.Equal(t, a, b)
	require.NotContains(t, string(a), "  ")
}

func TestHashStableAcrossEquivalentMapOrdering(t *testing.T) {
	g1 := sampleGraph()
	g2 := sampleGraph()

	// Rebuild the same environment map with keys inserted in the opposite
	// order; Go map iteration order is randomized, so this is the actual
	// regression this test guards against.
	svc := g2.Apps[1].Services[0]
	env := map[string]string{}
	for _, k := range []string{"A_VAR", "B_VAR"} {
		env[k] = svc.Config.Environment[k]
	}
	svc.Config.Environment = env
	app := g2.Apps[1]
	app.Services[0] = svc
	g2.Apps[1] = app

	h1, err := Hash(g1)
	require.NoError(t, err)
	h2, err := Hash(g2)
	require.NoError(t, err)

	require.Equal(t, h1, h2)
	require.Len(t, h1, 64) // hex-encoded SHA-256
}

func TestIsBindMount(t *testing.T) {
	require.True(t, IsBindMount("/data/logs:/var/log/app"))
	require.False(t, IsBindMount("app-data:/var/lib/app"))

	name, path, ok := NamedVolume("app-data:/var/lib/app")
	require.True(t, ok)
	require.Equal(t, "app-data", name)
	require.Equal(t, "/var/lib/app", path)

	_, _, ok = NamedVolume("/data:/var/log")
	require.False(t, ok)
}

func TestManagedVolumeNameIsAppScoped(t *testing.T) {
	require.Equal(t, "1_app-data", ManagedVolumeName(1, "app-data"))
	require.NotEqual(t, ManagedVolumeName(1, "app-data"), ManagedVolumeName(2, "app-data"))
}
