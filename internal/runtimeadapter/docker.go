package runtimeadapter

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/moby/moby/api/types/container"
	"github.com/moby/moby/api/types/filters"
	"github.com/moby/moby/api/types/image"
	"github.com/moby/moby/api/types/network"
	"github.com/moby/moby/api/types/volume"
	dockerclient "github.com/moby/moby/client"
	"go.uber.org/zap"

	"github.com/zemfyre/device-supervisor/internal/logging"
)

// managedLabel marks every volume/network/container this supervisor
// created, so a factory reset or a debugging session can tell agent-owned
// resources apart from anything a human created by hand on the device.
const managedLabel = "managed"

// DockerAdapter implements Adapter against a real Docker Engine over
// the local UNIX socket. moby/moby/client is the split-out successor to
// docker/docker's client package.
type DockerAdapter struct {
	cli *dockerclient.Client
	log *zap.SugaredLogger
}

// NewDockerAdapter dials the Docker daemon at the given host (empty
// string means the default UNIX socket).
func NewDockerAdapter(host string) (*DockerAdapter, error) {
	opts := []dockerclient.Opt{dockerclient.FromEnv, dockerclient.WithAPIVersionNegotiation()}
	if host != "" {
		opts = append(opts, dockerclient.WithHost(host))
	}
	cli, err := dockerclient.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("connecting to container runtime: %w", err)
	}
	return &DockerAdapter{cli: cli, log: logging.Named("runtimeadapter")}, nil
}

func (a *DockerAdapter) PullImage(ctx context.Context, imageRef string) error {
	rc, err := a.cli.ImagePull(ctx, imageRef, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("pulling image %s: %w", imageRef, err)
	}
	defer rc.Close()
	// Drain the progress stream; the caller only cares about the final
	// error, not per-layer progress.
	if _, err := io.Copy(io.Discard, rc); err != nil {
		return fmt.Errorf("pulling image %s: %w", imageRef, err)
	}
	return nil
}

func (a *DockerAdapter) ImageDigest(ctx context.Context, imageRef string) (string, error) {
	inspect, err := a.cli.ImageInspect(ctx, imageRef)
	if err != nil {
		return "", fmt.Errorf("inspecting image %s: %w", imageRef, err)
	}
	if len(inspect.RepoDigests) > 0 {
		return inspect.RepoDigests[0], nil
	}
	return inspect.ID, nil
}

func (a *DockerAdapter) CreateContainer(ctx context.Context, spec ContainerSpec) (string, error) {
	cfg := &container.Config{
		Image:  spec.Image,
		Env:    envSlice(spec.Environment),
		Labels: withManagedLabel(spec.Labels),
	}

	portSet, portMap := portBindings(spec.Ports)
	cfg.ExposedPorts = portSet

	hostCfg := &container.HostConfig{
		PortBindings: portMap,
		Resources:    resourceLimits(spec.Resources),
		Binds:        bindMounts(spec.Volumes),
	}

	netCfg := &network.NetworkingConfig{}
	if len(spec.Networks) > 0 {
		netCfg.EndpointsConfig = map[string]*network.EndpointSettings{}
		for _, n := range spec.Networks {
			netCfg.EndpointsConfig[n] = &network.EndpointSettings{}
		}
	}

	resp, err := a.cli.ContainerCreate(ctx, cfg, hostCfg, netCfg, nil, spec.Name)
	if err != nil {
		return "", fmt.Errorf("creating container %s: %w", spec.Name, err)
	}
	return resp.ID, nil
}

func (a *DockerAdapter) StartContainer(ctx context.Context, containerID string) error {
	if err := a.cli.ContainerStart(ctx, containerID, container.StartOptions{}); err != nil {
		return fmt.Errorf("starting container %s: %w", containerID, err)
	}
	return nil
}

func (a *DockerAdapter) StopContainer(ctx context.Context, containerID string, timeout time.Duration) error {
	secs := int(timeout.Seconds())
	if err := a.cli.ContainerStop(ctx, containerID, container.StopOptions{Timeout: &secs}); err != nil {
		return fmt.Errorf("stopping container %s: %w", containerID, err)
	}
	return nil
}

func (a *DockerAdapter) RemoveContainer(ctx context.Context, containerID string) error {
	err := a.cli.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true})
	if err != nil {
		return fmt.Errorf("removing container %s: %w", containerID, err)
	}
	return nil
}

func (a *DockerAdapter) InspectContainer(ctx context.Context, containerID string) (ContainerInfo, error) {
	resp, err := a.cli.ContainerInspect(ctx, containerID)
	if err != nil {
		return ContainerInfo{}, fmt.Errorf("inspecting container %s: %w", containerID, err)
	}

	info := ContainerInfo{
		ID:      resp.ID,
		Name:    strings.TrimPrefix(resp.Name, "/"),
		Image:   resp.Config.Image,
		ImageID: resp.Image,
		Running: resp.State != nil && resp.State.Running,
	}
	if resp.State != nil {
		if t, err := time.Parse(time.RFC3339Nano, resp.State.StartedAt); err == nil {
			info.StartedAt = t
		}
	}
	if resp.NetworkSettings != nil {
		for _, net := range resp.NetworkSettings.Networks {
			if net.IPAddress != "" {
				info.IP = net.IPAddress
				break
			}
		}
	}
	return info, nil
}

func (a *DockerAdapter) ListContainers(ctx context.Context) ([]ContainerInfo, error) {
	f := filters.NewArgs()
	f.Add("label", managedLabel+"=true")
	summaries, err := a.cli.ContainerList(ctx, container.ListOptions{All: true, Filters: f})
	if err != nil {
		return nil, fmt.Errorf("listing containers: %w", err)
	}

	out := make([]ContainerInfo, 0, len(summaries))
	for _, s := range summaries {
		out = append(out, ContainerInfo{
			ID:      s.ID,
			Name:    strings.TrimPrefix(firstOrEmpty(s.Names), "/"),
			Image:   s.Image,
			ImageID: s.ImageID,
			Running: s.State == "running",
		})
	}
	return out, nil
}

func (a *DockerAdapter) Exec(ctx context.Context, containerID string, cmd []string, timeout time.Duration) (ExecResult, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	created, err := a.cli.ContainerExecCreate(ctx, containerID, container.ExecOptions{
		Cmd:          cmd,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return ExecResult{}, fmt.Errorf("creating exec on %s: %w", containerID, err)
	}

	attach, err := a.cli.ContainerExecAttach(ctx, created.ID, container.ExecStartOptions{})
	if err != nil {
		return ExecResult{}, fmt.Errorf("attaching exec on %s: %w", containerID, err)
	}
	defer attach.Close()

	var stdout, stderr strings.Builder
	demuxStream(attach.Reader, &stdout, &stderr)

	inspect, err := a.cli.ContainerExecInspect(ctx, created.ID)
	if err != nil {
		return ExecResult{}, fmt.Errorf("inspecting exec on %s: %w", containerID, err)
	}

	return ExecResult{
		ExitCode: inspect.ExitCode,
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
	}, nil
}

func (a *DockerAdapter) StreamLogs(ctx context.Context, containerID string, since time.Time) (<-chan LogLine, error) {
	rc, err := a.cli.ContainerLogs(ctx, containerID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     true,
		Since:      strconv.FormatInt(since.Unix(), 10),
		Timestamps: true,
	})
	if err != nil {
		return nil, fmt.Errorf("streaming logs for %s: %w", containerID, err)
	}

	// Containers are created without a TTY, so ContainerLogs returns the
	// same 8-byte-header multiplexed stream ContainerExecAttach does. The
	// frames must be demuxed before line-splitting; a frame boundary is
	// not a line boundary, so leftover partial lines are carried per
	// stream until their newline arrives.
	out := make(chan LogLine, 64)
	go func() {
		defer close(out)
		defer rc.Close()

		emit := func(stream string, raw []byte) bool {
			line, ts := parseDockerLogLine(raw)
			select {
			case out <- LogLine{Stream: stream, Timestamp: ts, Line: line}:
				return true
			case <-ctx.Done():
				return false
			}
		}

		br := bufio.NewReader(rc)
		partial := map[string]*bytes.Buffer{"stdout": {}, "stderr": {}}
		for {
			stream, payload, err := readMultiplexFrame(br)
			if err != nil {
				if err != io.EOF && ctx.Err() == nil {
					a.log.Warnf("log stream for %s ended with error: %v", containerID, err)
				}
				for stream, buf := range partial {
					if buf.Len() > 0 {
						emit(stream, buf.Bytes())
					}
				}
				return
			}
			buf := partial[stream]
			buf.Write(payload)
			for {
				data := buf.Bytes()
				nl := bytes.IndexByte(data, '\n')
				if nl < 0 {
					break
				}
				if !emit(stream, data[:nl]) {
					return
				}
				buf.Next(nl + 1)
			}
		}
	}()
	return out, nil
}

func (a *DockerAdapter) CreateVolume(ctx context.Context, name string, labels map[string]string) error {
	_, err := a.cli.VolumeCreate(ctx, volume.CreateOptions{
		Name:   name,
		Labels: withManagedLabel(labels),
	})
	if err != nil {
		return fmt.Errorf("creating volume %s: %w", name, err)
	}
	return nil
}

func (a *DockerAdapter) RemoveVolume(ctx context.Context, name string) error {
	if err := a.cli.VolumeRemove(ctx, name, true); err != nil {
		return fmt.Errorf("removing volume %s: %w", name, err)
	}
	return nil
}

func (a *DockerAdapter) ListVolumes(ctx context.Context) ([]string, error) {
	f := filters.NewArgs()
	f.Add("label", managedLabel+"=true")
	resp, err := a.cli.VolumeList(ctx, volume.ListOptions{Filters: f})
	if err != nil {
		return nil, fmt.Errorf("listing volumes: %w", err)
	}
	names := make([]string, 0, len(resp.Volumes))
	for _, v := range resp.Volumes {
		names = append(names, v.Name)
	}
	return names, nil
}

func (a *DockerAdapter) CreateNetwork(ctx context.Context, name string) error {
	_, err := a.cli.NetworkCreate(ctx, name, network.CreateOptions{
		Labels: withManagedLabel(nil),
	})
	if err != nil {
		return fmt.Errorf("creating network %s: %w", name, err)
	}
	return nil
}

func (a *DockerAdapter) RemoveNetwork(ctx context.Context, name string) error {
	if err := a.cli.NetworkRemove(ctx, name); err != nil {
		return fmt.Errorf("removing network %s: %w", name, err)
	}
	return nil
}

func (a *DockerAdapter) ListNetworks(ctx context.Context) ([]string, error) {
	f := filters.NewArgs()
	f.Add("label", managedLabel+"=true")
	nets, err := a.cli.NetworkList(ctx, network.ListOptions{Filters: f})
	if err != nil {
		return nil, fmt.Errorf("listing networks: %w", err)
	}
	names := make([]string, 0, len(nets))
	for _, n := range nets {
		names = append(names, n.Name)
	}
	return names, nil
}

func withManagedLabel(in map[string]string) map[string]string {
	out := map[string]string{managedLabel: "true"}
	for k, v := range in {
		out[k] = v
	}
	return out
}

func envSlice(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	return out
}

func firstOrEmpty(ss []string) string {
	if len(ss) == 0 {
		return ""
	}
	return ss[0]
}

// demuxStream is a placeholder hook point for callers that need raw
// stdout/stderr separation; the Docker multiplexed exec stream format
// is parsed by parseExecMultiplex in docker_helpers.go.
func demuxStream(r io.Reader, stdout, stderr io.Writer) {
	parseExecMultiplex(r, stdout, stderr)
}

// Close releases the underlying daemon connection. Last step of
// supervisor shutdown.
func (a *DockerAdapter) Close() error {
	return a.cli.Close()
}
