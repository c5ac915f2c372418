package containermgr

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zemfyre/device-supervisor/internal/graph"
)

func webService() graph.Service {
	return graph.Service{
		ServiceID: 1,
		ImageName: "nginx:alpine",
		Config: graph.ServiceConfig{
			Ports: []graph.PortBinding{{HostPort: 8085, ContainerPort: 80}},
		},
	}
}

func TestCalculateSteps_HappyReconcile(t *testing.T) {
	target := graph.DeviceGraph{Apps: map[int]graph.App{
		1: {AppID: 1, AppName: "web", Services: []graph.Service{webService()}},
	}}
	current := graph.DeviceGraph{}

	steps := calculateSteps(target, current, nil, nil)
	require.Len(t, steps, 2)
	assert.Equal(t, StepDownloadImage, steps[0].Kind)
	assert.Equal(t, "nginx:alpine", steps[0].Image)
	assert.Equal(t, StepStartContainer, steps[1].Kind)
	assert.Equal(t, 1, steps[1].AppID)
	assert.Equal(t, 1, steps[1].ServiceID)
}

func TestCalculateSteps_Idempotent(t *testing.T) {
	svc := webService()
	svc.ContainerID = "c1"
	svc.Status = graph.StatusRunning
	g := graph.DeviceGraph{Apps: map[int]graph.App{
		1: {AppID: 1, AppName: "web", Services: []graph.Service{svc}},
	}}

	steps := calculateSteps(g, g, nil, nil)
	assert.Empty(t, steps)
}

func TestCalculateSteps_BackoffImageBlocksStart(t *testing.T) {
	target := graph.DeviceGraph{Apps: map[int]graph.App{
		1: {AppID: 1, Services: []graph.Service{webService()}},
	}}
	current := graph.DeviceGraph{}

	steps := calculateSteps(target, current, map[string]bool{"nginx:alpine": true}, nil)
	for _, s := range steps {
		assert.NotEqual(t, StepStartContainer, s.Kind, "no startContainer step expected while image is backing off")
		assert.NotEqual(t, StepDownloadImage, s.Kind)
	}
}

func TestCalculateSteps_BindMountNeverReconciled(t *testing.T) {
	svc := webService()
	svc.Config.Volumes = []string{"/host/data:/data"}
	target := graph.DeviceGraph{Apps: map[int]graph.App{
		1: {AppID: 1, Services: []graph.Service{svc}},
	}}

	steps := calculateSteps(target, graph.DeviceGraph{}, nil, nil)
	for _, s := range steps {
		assert.NotEqual(t, StepCreateVolume, s.Kind)
		assert.NotEqual(t, StepRemoveVolume, s.Kind)
	}
}

func TestCalculateSteps_PhaseOrderIsPermutationOfTemplate(t *testing.T) {
	svcA := webService()
	svcA.Config.Volumes = []string{"data:/data"}
	svcA.Config.Networks = []string{"appnet"}

	target := graph.DeviceGraph{Apps: map[int]graph.App{
		1: {AppID: 1, Services: []graph.Service{svcA}},
	}}
	current := graph.DeviceGraph{}

	steps := calculateSteps(target, current, nil, nil)

	order := map[StepKind]int{
		StepDownloadImage:   1,
		StepCreateVolume:    2,
		StepCreateNetwork:   3,
		StepStopContainer:   4,
		StepRemoveContainer: 5,
		StepStartContainer:  6,
		StepRemoveNetwork:   7,
		StepRemoveVolume:    8,
	}
	last := 0
	for _, s := range steps {
		phase := order[s.Kind]
		require.GreaterOrEqual(t, phase, last, "step %v out of phase order", s)
		last = phase
	}
}

func TestCalculateSteps_InvalidImageIsolatesFailure(t *testing.T) {
	nodered := graph.Service{ServiceID: 1, ImageName: "nodered:does-not-exist"}
	mosquitto := graph.Service{ServiceID: 2, ImageName: "eclipse-mosquitto:2"}
	target := graph.DeviceGraph{Apps: map[int]graph.App{
		1: {AppID: 1, Services: []graph.Service{nodered, mosquitto}},
	}}

	steps := calculateSteps(target, graph.DeviceGraph{}, nil, nil)

	var startedServices []int
	for _, s := range steps {
		if s.Kind == StepStartContainer {
			startedServices = append(startedServices, s.ServiceID)
		}
	}
	assert.ElementsMatch(t, []int{1, 2}, startedServices)
}
