package healthprobe

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/zemfyre/device-supervisor/internal/graph"
)

// checkResult is the outcome of a single probe invocation.
type checkResult struct {
	success    bool
	message    string
	durationMs int64
}

// runProbe is the per-probe-type scheduler: it waits initialDelaySeconds,
// optionally waits on gate (the startup-gating channel), then ticks every
// periodSeconds, running the configured check under a hard timeoutSeconds
// deadline and updating consecutive success/failure counters. gate is nil
// for the startup probe itself; ready, non-nil only for the startup
// probe, is closed the first time startup reports healthy.
func (p *Prober) runProbe(m *monitor, typ ProbeType, probe graph.Probe, gate <-chan struct{}, ready chan struct{}) {
	select {
	case <-m.stopped:
		return
	case <-time.After(time.Duration(probe.InitialDelaySeconds) * time.Second):
	}

	if gate != nil {
		select {
		case <-m.stopped:
			return
		case <-gate:
		}
	}

	ticker := time.NewTicker(time.Duration(probe.PeriodSeconds) * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopped:
			return
		case <-ticker.C:
			if m.isStopped() {
				return
			}
			p.tick(m, typ, probe, ready)
		}
	}
}

func (p *Prober) tick(m *monitor, typ ProbeType, probe graph.Probe, ready chan struct{}) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(probe.TimeoutSeconds)*time.Second)
	result := p.runCheck(ctx, m.containerID, probe)
	cancel()

	if p.observe != nil {
		p.observe(typ, result.success)
	}
	if m.isStopped() {
		return
	}

	m.mu.Lock()
	state, ok := m.states[typ]
	if !ok {
		m.mu.Unlock()
		return
	}
	state.LastCheck = time.Now()
	prevStatus := state.Status
	if result.success {
		state.ConsecutiveSuccesses++
		state.ConsecutiveFailures = 0
		if state.ConsecutiveSuccesses >= probe.SuccessThreshold {
			state.Status = StatusHealthy
		}
	} else {
		state.ConsecutiveFailures++
		state.ConsecutiveSuccesses = 0
		if state.ConsecutiveFailures >= probe.FailureThreshold {
			state.Status = StatusUnhealthy
		}
	}
	newStatus := state.Status
	m.mu.Unlock()

	if newStatus == prevStatus {
		return
	}
	p.emitTransition(m, typ, newStatus, ready)
}

func (p *Prober) emitTransition(m *monitor, typ ProbeType, status Status, ready chan struct{}) {
	if m.isStopped() {
		return
	}
	switch typ {
	case Liveness:
		if status == StatusUnhealthy {
			p.send(Event{Kind: EventLivenessFailed, ContainerID: m.containerID, AppID: m.appID, ServiceID: m.serviceID})
		}
	case Readiness:
		p.send(Event{Kind: EventReadinessChanged, ContainerID: m.containerID, AppID: m.appID, ServiceID: m.serviceID, Ready: status == StatusHealthy})
	case Startup:
		if status == StatusHealthy {
			p.send(Event{Kind: EventStartupCompleted, ContainerID: m.containerID, AppID: m.appID, ServiceID: m.serviceID})
			if ready != nil {
				select {
				case <-ready:
				default:
					close(ready)
				}
			}
		}
	}
}

func (p *Prober) send(ev Event) {
	select {
	case p.events <- ev:
	default:
		p.log.Warnw("probe event dropped, consumer too slow", "kind", ev.Kind, "container", ev.ContainerID)
	}
}

// runCheck dispatches to the concrete http/tcp/exec check for probe.Kind.
func (p *Prober) runCheck(ctx context.Context, containerID string, probe graph.Probe) checkResult {
	start := time.Now()
	var res checkResult
	switch probe.Kind {
	case graph.ProbeHTTP:
		res = p.httpCheck(ctx, containerID, probe.HTTP)
	case graph.ProbeTCP:
		res = p.tcpCheck(ctx, containerID, probe.TCP)
	case graph.ProbeExec:
		res = p.execCheck(ctx, containerID, probe.Exec)
	default:
		res = checkResult{success: false, message: fmt.Sprintf("unknown probe kind %q", probe.Kind)}
	}
	res.durationMs = time.Since(start).Milliseconds()
	return res
}

func (p *Prober) containerIP(ctx context.Context, containerID string) (string, error) {
	info, err := p.runtime.InspectContainer(ctx, containerID)
	if err != nil {
		return "", err
	}
	if info.IP == "" {
		return "", fmt.Errorf("container %s has no network address", containerID)
	}
	return info.IP, nil
}

// httpCheck issues a GET to scheme://<container-ip>:<port><path> and
// succeeds iff the response status falls within the configured inclusive
// range (default [200,399]).
func (p *Prober) httpCheck(ctx context.Context, containerID string, probe *graph.HTTPProbe) checkResult {
	ip, err := p.containerIP(ctx, containerID)
	if err != nil {
		return checkResult{success: false, message: err.Error()}
	}
	url := fmt.Sprintf("%s://%s:%d%s", probe.Scheme, ip, probe.Port, probe.Path)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return checkResult{success: false, message: err.Error()}
	}
	for k, v := range probe.Headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return checkResult{success: false, message: err.Error()}
	}
	defer resp.Body.Close()

	lo, hi := probe.ExpectedStatus[0], probe.ExpectedStatus[1]
	if lo == 0 && hi == 0 {
		lo, hi = 200, 399
	}
	if resp.StatusCode < lo || resp.StatusCode > hi {
		return checkResult{success: false, message: fmt.Sprintf("status %d outside [%d,%d]", resp.StatusCode, lo, hi)}
	}
	return checkResult{success: true}
}

// tcpCheck succeeds iff a TCP connection to <container-ip>:<port>
// establishes before ctx's deadline.
func (p *Prober) tcpCheck(ctx context.Context, containerID string, probe *graph.TCPProbe) checkResult {
	ip, err := p.containerIP(ctx, containerID)
	if err != nil {
		return checkResult{success: false, message: err.Error()}
	}
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", net.JoinHostPort(ip, strconv.Itoa(probe.Port)))
	if err != nil {
		return checkResult{success: false, message: err.Error()}
	}
	_ = conn.Close()
	return checkResult{success: true}
}

// execCheck succeeds iff the command's exit code is 0.
func (p *Prober) execCheck(ctx context.Context, containerID string, probe *graph.ExecProbe) checkResult {
	deadline, hasDeadline := ctx.Deadline()
	timeout := 5 * time.Second
	if hasDeadline {
		timeout = time.Until(deadline)
	}
	res, err := p.runtime.Exec(ctx, containerID, probe.Command, timeout)
	if err != nil {
		return checkResult{success: false, message: err.Error()}
	}
	if res.ExitCode != 0 {
		return checkResult{success: false, message: fmt.Sprintf("exit code %d", res.ExitCode)}
	}
	return checkResult{success: true}
}
