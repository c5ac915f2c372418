package runtimeadapter

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Call records a single method invocation against FakeAdapter, for tests
// that assert on call order or arguments.
type Call struct {
	Method      string
	ContainerID string
	Image       string
	Name        string
}

// FakeAdapter is an in-memory Adapter used by container manager and
// health prober tests. It never touches a real runtime; behavior is
// driven by the scripted fields and the in-memory container/volume/
// network maps.
type FakeAdapter struct {
	mu sync.Mutex

	Containers map[string]ContainerInfo
	Volumes    map[string]bool
	Networks   map[string]bool
	Calls      []Call

	// PullErr, keyed by image ref, lets a test script a failing pull for
	// a specific image without affecting every other pull.
	PullErr map[string]error
	// StartErr, keyed by container ID, lets a test script a container
	// that is created successfully but fails to start.
	StartErr map[string]error

	nextID int
}

// NewFakeAdapter returns a ready-to-use FakeAdapter with empty state.
func NewFakeAdapter() *FakeAdapter {
	return &FakeAdapter{
		Containers: make(map[string]ContainerInfo),
		Volumes:    make(map[string]bool),
		Networks:   make(map[string]bool),
		PullErr:    make(map[string]error),
		StartErr:   make(map[string]error),
	}
}

func (f *FakeAdapter) record(c Call) {
	f.Calls = append(f.Calls, c)
}

func (f *FakeAdapter) PullImage(ctx context.Context, image string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record(Call{Method: "PullImage", Image: image})
	if err, ok := f.PullErr[image]; ok {
		return err
	}
	return nil
}

func (f *FakeAdapter) ImageDigest(ctx context.Context, image string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record(Call{Method: "ImageDigest", Image: image})
	return "sha256:" + image, nil
}

func (f *FakeAdapter) CreateContainer(ctx context.Context, spec ContainerSpec) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	id := fmt.Sprintf("fake-container-%d", f.nextID)
	f.Containers[id] = ContainerInfo{
		ID:      id,
		Name:    spec.Name,
		Image:   spec.Image,
		ImageID: "sha256:" + spec.Image,
		Running: false,
	}
	f.record(Call{Method: "CreateContainer", ContainerID: id, Name: spec.Name, Image: spec.Image})
	return id, nil
}

func (f *FakeAdapter) StartContainer(ctx context.Context, containerID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record(Call{Method: "StartContainer", ContainerID: containerID})
	if err, ok := f.StartErr[containerID]; ok {
		return err
	}
	info, ok := f.Containers[containerID]
	if !ok {
		return fmt.Errorf("no such container: %s", containerID)
	}
	info.Running = true
	info.StartedAt = time.Unix(0, 0).UTC()
	f.Containers[containerID] = info
	return nil
}

func (f *FakeAdapter) StopContainer(ctx context.Context, containerID string, timeout time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record(Call{Method: "StopContainer", ContainerID: containerID})
	info, ok := f.Containers[containerID]
	if !ok {
		return fmt.Errorf("no such container: %s", containerID)
	}
	info.Running = false
	f.Containers[containerID] = info
	return nil
}

func (f *FakeAdapter) RemoveContainer(ctx context.Context, containerID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record(Call{Method: "RemoveContainer", ContainerID: containerID})
	delete(f.Containers, containerID)
	return nil
}

func (f *FakeAdapter) InspectContainer(ctx context.Context, containerID string) (ContainerInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	info, ok := f.Containers[containerID]
	if !ok {
		return ContainerInfo{}, fmt.Errorf("no such container: %s", containerID)
	}
	return info, nil
}

func (f *FakeAdapter) ListContainers(ctx context.Context) ([]ContainerInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]ContainerInfo, 0, len(f.Containers))
	for _, info := range f.Containers {
		out = append(out, info)
	}
	return out, nil
}

func (f *FakeAdapter) Exec(ctx context.Context, containerID string, cmd []string, timeout time.Duration) (ExecResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record(Call{Method: "Exec", ContainerID: containerID})
	return ExecResult{ExitCode: 0}, nil
}

func (f *FakeAdapter) StreamLogs(ctx context.Context, containerID string, since time.Time) (<-chan LogLine, error) {
	out := make(chan LogLine)
	close(out)
	return out, nil
}

func (f *FakeAdapter) CreateVolume(ctx context.Context, name string, labels map[string]string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record(Call{Method: "CreateVolume", Name: name})
	f.Volumes[name] = true
	return nil
}

func (f *FakeAdapter) RemoveVolume(ctx context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record(Call{Method: "RemoveVolume", Name: name})
	delete(f.Volumes, name)
	return nil
}

func (f *FakeAdapter) ListVolumes(ctx context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.Volumes))
	for name := range f.Volumes {
		out = append(out, name)
	}
	return out, nil
}

func (f *FakeAdapter) CreateNetwork(ctx context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record(Call{Method: "CreateNetwork", Name: name})
	f.Networks[name] = true
	return nil
}

func (f *FakeAdapter) RemoveNetwork(ctx context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record(Call{Method: "RemoveNetwork", Name: name})
	delete(f.Networks, name)
	return nil
}

func (f *FakeAdapter) ListNetworks(ctx context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.Networks))
	for name := range f.Networks {
		out = append(out, name)
	}
	return out, nil
}

var _ Adapter = (*FakeAdapter)(nil)
