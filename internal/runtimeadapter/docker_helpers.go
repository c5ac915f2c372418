package runtimeadapter

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/docker/go-connections/nat"
	"github.com/moby/moby/api/types/container"

	"github.com/zemfyre/device-supervisor/internal/graph"
)

// portBindings translates graph.PortBinding entries into the moby/moby
// nat.PortSet/PortMap pair ContainerCreate expects.
func portBindings(ports []graph.PortBinding) (nat.PortSet, nat.PortMap) {
	set := nat.PortSet{}
	pmap := nat.PortMap{}
	for _, p := range ports {
		proto := p.Protocol
		if proto == "" {
			proto = "tcp"
		}
		containerPort, err := nat.NewPort(proto, strconv.Itoa(p.ContainerPort))
		if err != nil {
			continue
		}
		set[containerPort] = struct{}{}
		pmap[containerPort] = append(pmap[containerPort], nat.PortBinding{
			HostIP:   p.HostIP,
			HostPort: strconv.Itoa(p.HostPort),
		})
	}
	return set, pmap
}

// resourceLimits maps a graph.Resources request/limit pair onto the
// engine's cgroup knobs: CPU quota in microseconds per 100ms period, and
// memory in bytes. Requests only affect scheduling hints the classic
// Docker Engine API does not expose, so only limits are applied.
func resourceLimits(r graph.Resources) container.Resources {
	const cpuPeriod int64 = 100000
	out := container.Resources{}

	if cpu := r.Limits.CPU; !cpu.IsZero() {
		millis := cpu.MilliValue()
		out.CPUPeriod = cpuPeriod
		out.CPUQuota = cpuPeriod * millis / 1000
	}
	if mem := r.Limits.Memory; !mem.IsZero() {
		out.Memory = mem.Value()
	}
	return out
}

// bindMounts renders VolumeMount entries into Docker's "src:dst" Binds
// syntax. Managed named volumes and unmanaged bind mounts use the same
// syntax; only the source differs (volume name vs. host path).
func bindMounts(mounts []VolumeMount) []string {
	out := make([]string, 0, len(mounts))
	for _, m := range mounts {
		out = append(out, fmt.Sprintf("%s:%s", m.Source, m.ContainerPath))
	}
	return out
}

// parseDockerLogLine splits one already-demuxed log line (timestamp-
// prefixed via Timestamps: true) into its text and parsed RFC3339Nano
// timestamp. The stdout/stderr distinction comes from the frame header,
// not the line itself.
func parseDockerLogLine(line []byte) (text string, ts time.Time) {
	s := string(line)
	sp := strings.IndexByte(s, ' ')
	if sp < 0 {
		return s, time.Time{}
	}
	tsPart, rest := s[:sp], s[sp+1:]
	parsed, err := time.Parse(time.RFC3339Nano, tsPart)
	if err != nil {
		return s, time.Time{}
	}
	return rest, parsed
}

// readMultiplexFrame reads one frame of the multiplexed stream Docker
// produces for non-tty attach and log endpoints: an 8-byte header
// (stream type + big-endian uint32 length) followed by that many bytes
// of payload.
func readMultiplexFrame(br *bufio.Reader) (stream string, payload []byte, err error) {
	header := make([]byte, 8)
	if _, err := io.ReadFull(br, header); err != nil {
		return "", nil, err
	}
	size := binary.BigEndian.Uint32(header[4:8])
	payload = make([]byte, size)
	if _, err := io.ReadFull(br, payload); err != nil {
		return "", nil, err
	}
	if header[0] == 2 {
		return "stderr", payload, nil
	}
	return "stdout", payload, nil
}

// parseExecMultiplex demultiplexes the stream produced by
// ContainerExecAttach when the exec was created without a TTY.
func parseExecMultiplex(r io.Reader, stdout, stderr io.Writer) {
	br := bufio.NewReader(r)
	for {
		stream, payload, err := readMultiplexFrame(br)
		if err != nil {
			return
		}
		if stream == "stderr" {
			stderr.Write(payload)
		} else {
			stdout.Write(payload)
		}
	}
}
