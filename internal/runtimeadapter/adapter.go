// Package runtimeadapter is the thin capability interface to the
// container runtime: image pull, container
// CRUD, exec, log streaming, named-volume CRUD, network CRUD. Any
// runtime satisfying Adapter is acceptable; DockerAdapter implements it
// against a real Docker Engine.
package runtimeadapter

import (
	"context"
	"io"
	"time"

	"github.com/zemfyre/device-supervisor/internal/graph"
)

// ContainerSpec is the runtime-facing view of a service's desired
// container, derived from graph.Service.
type ContainerSpec struct {
	Name        string
	Image       string
	Ports       []graph.PortBinding
	Environment map[string]string
	Volumes     []VolumeMount
	Networks    []string
	Resources   graph.Resources
	Labels      map[string]string
}

// VolumeMount is a resolved volume attachment: either a managed named
// volume or an unmanaged bind mount.
type VolumeMount struct {
	Source        string // volume name or host path
	ContainerPath string
	Managed       bool
}

// ContainerInfo is the runtime's observed view of a container.
type ContainerInfo struct {
	ID        string
	Name      string
	Image     string
	ImageID   string // image digest the container runs
	Running   bool
	StartedAt time.Time
	IP        string // primary container network IP, used by health checks
}

// ExecResult is the outcome of running a command inside a container.
type ExecResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// LogLine is a single demultiplexed log record from a container.
type LogLine struct {
	Stream    string // "stdout" | "stderr"
	Timestamp time.Time
	Line      string
}

// Adapter is the capability surface the Container Manager, Health
// Prober, and log shipping rely on. Implementations must be safe for
// concurrent use.
type Adapter interface {
	PullImage(ctx context.Context, image string) error
	ImageDigest(ctx context.Context, image string) (string, error)

	CreateContainer(ctx context.Context, spec ContainerSpec) (containerID string, err error)
	StartContainer(ctx context.Context, containerID string) error
	StopContainer(ctx context.Context, containerID string, timeout time.Duration) error
	RemoveContainer(ctx context.Context, containerID string) error
	InspectContainer(ctx context.Context, containerID string) (ContainerInfo, error)
	ListContainers(ctx context.Context) ([]ContainerInfo, error)

	Exec(ctx context.Context, containerID string, cmd []string, timeout time.Duration) (ExecResult, error)
	StreamLogs(ctx context.Context, containerID string, since time.Time) (<-chan LogLine, error)

	CreateVolume(ctx context.Context, name string, labels map[string]string) error
	RemoveVolume(ctx context.Context, name string) error
	ListVolumes(ctx context.Context) ([]string, error)

	CreateNetwork(ctx context.Context, name string) error
	RemoveNetwork(ctx context.Context, name string) error
	ListNetworks(ctx context.Context) ([]string, error)
}

// LogWriter is satisfied by io.Writer-backed sinks used when StreamLogs
// output is piped straight to the cloud log shipper instead of consumed
// line-by-line.
type LogWriter = io.Writer
