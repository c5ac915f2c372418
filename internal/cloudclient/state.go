package cloudclient

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/zemfyre/device-supervisor/internal/graph"
)

// AdapterReport is the per-sensor-adapter health summary included in a
// current-state report.
type AdapterReport struct {
	Name             string `json:"name"`
	Protocol         string `json:"protocol"`
	Connected        bool   `json:"connected"`
	ErrorCount       int    `json:"errorCount"`
	LastError        string `json:"lastError,omitempty"`
	LastPoll         int64  `json:"lastPoll,omitempty"` // unix millis
	DeploymentStatus string `json:"deploymentStatus"`
}

// ErrorReport flattens one service's error field for the errors array the
// cloud renders without pulling logs.
type ErrorReport struct {
	AppID       int                 `json:"appId"`
	ServiceID   int                 `json:"serviceId"`
	Status      graph.ServiceStatus `json:"status"`
	Kind        graph.ErrorKind     `json:"kind"`
	Message     string              `json:"message"`
	RetryCount  int                 `json:"retryCount"`
	NextRetryAt int64               `json:"nextRetryAt,omitempty"`
}

// CurrentStateReport is the PATCH /device/state body.
type CurrentStateReport struct {
	UUID     string             `json:"uuid"`
	Apps     map[int]graph.App  `json:"apps"`
	Adapters []AdapterReport    `json:"adapters,omitempty"`
	Metrics  map[string]float64 `json:"metrics,omitempty"`
	Errors   []ErrorReport      `json:"errors,omitempty"`
}

// BuildErrorReports derives the errors array from a current graph,
// carrying each service's {status, error.kind, error.message,
// error.retryCount, error.nextRetryAt} verbatim.
func BuildErrorReports(current graph.DeviceGraph) []ErrorReport {
	var out []ErrorReport
	for _, app := range current.SortedApps() {
		for _, svc := range app.Services {
			if svc.Error == nil {
				continue
			}
			out = append(out, ErrorReport{
				AppID:       app.AppID,
				ServiceID:   svc.ServiceID,
				Status:      svc.Status,
				Kind:        svc.Error.Kind,
				Message:     svc.Error.Message,
				RetryCount:  svc.Error.RetryCount,
				NextRetryAt: svc.Error.NextRetryAt,
			})
		}
	}
	return out
}

// FetchTargetState GETs /device/:uuid/state. changed is false when the
// cloud answered 304 or the body hashes identically to lastHash; in that
// case the returned graph is the zero value and must be ignored.
func (c *Client) FetchTargetState(ctx context.Context, lastHash string) (g graph.DeviceGraph, hash string, changed bool, err error) {
	uuid, _, err := c.creds.Current()
	if err != nil {
		return graph.DeviceGraph{}, "", false, err
	}
	var fetched graph.DeviceGraph
	err = c.do(ctx, http.MethodGet, "/device/"+uuid+"/state", nil, &fetched)
	if errors.Is(err, errNotModified) {
		return graph.DeviceGraph{}, lastHash, false, nil
	}
	if err != nil {
		return graph.DeviceGraph{}, "", false, err
	}
	h, err := graph.Hash(fetched)
	if err != nil {
		return graph.DeviceGraph{}, "", false, err
	}
	if h == lastHash {
		return graph.DeviceGraph{}, lastHash, false, nil
	}
	return fetched, h, true, nil
}

// ReportCurrentState PATCHes /device/state with the compact report.
func (c *Client) ReportCurrentState(ctx context.Context, report CurrentStateReport) error {
	return c.do(ctx, http.MethodPatch, "/device/state", report, nil)
}

// RunTargetPoll polls the target state every interval until ctx is
// cancelled, invoking onTarget for each changed graph. Unchanged polls are no-ops by hash comparison, so most
// cycles cost one request and zero writes.
func (c *Client) RunTargetPoll(ctx context.Context, interval time.Duration, onTarget func(context.Context, graph.DeviceGraph)) {
	lastHash := ""
	poll := func() {
		if c.metrics != nil {
			c.metrics.TargetPolls.Inc()
		}
		g, hash, changed, err := c.FetchTargetState(ctx, lastHash)
		if err != nil {
			if c.metrics != nil {
				c.metrics.TargetPollErrors.Inc()
			}
			c.log.Warnw("target state poll failed", "error", err)
			return
		}
		lastHash = hash
		if !changed {
			return
		}
		if c.metrics != nil {
			c.metrics.TargetChanges.Inc()
		}
		c.log.Infow("target state changed", "hash", hash)
		onTarget(ctx, g)
	}

	poll()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			poll()
		}
	}
}

// RunReporting pushes a current-state report every interval until ctx is
// cancelled. build is called at each tick so the report reflects the
// moment of sending.
func (c *Client) RunReporting(ctx context.Context, interval time.Duration, build func() CurrentStateReport) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.ReportCurrentState(ctx, build()); err != nil {
				if c.metrics != nil {
					c.metrics.ReportErrors.Inc()
				}
				c.log.Warnw("current state report failed", "error", err)
				continue
			}
			if c.metrics != nil {
				c.metrics.ReportsSent.Inc()
			}
		}
	}
}
