// Package sensormgr reconciles declarative sensor/protocol-device
// configuration against an in-process registry of running adapters.
// The manager never interprets protocol payloads; each
// adapter is the sole authority on its protocol.
package sensormgr

import (
	"time"

	"github.com/zemfyre/device-supervisor/internal/graph"
)

// SensorDevice and DeploymentStatus are the graph-carried record types;
// aliased so adapter implementations only import this package.
type (
	SensorDevice     = graph.SensorDevice
	DeploymentStatus = graph.SensorDeploymentStatus
)

const (
	StatusDraft       = graph.SensorDraft
	StatusPending     = graph.SensorPending
	StatusDeployed    = graph.SensorDeployed
	StatusFailed      = graph.SensorFailed
	StatusReconciling = graph.SensorReconciling
)

// configEqual reports whether two records describe the same adapter
// configuration; a difference forces a stop-then-start.
func configEqual(a, b SensorDevice) bool {
	if a.Protocol != b.Protocol || a.PollIntervalMs != b.PollIntervalMs {
		return false
	}
	if string(a.Connection) != string(b.Connection) {
		return false
	}
	if string(a.DataPoints) != string(b.DataPoints) {
		return false
	}
	return true
}

// Reading is one decoded data point produced by an adapter poll.
type Reading struct {
	DataPoint string    `json:"dataPoint"`
	Value     float64   `json:"value"`
	Unit      string    `json:"unit,omitempty"`
	At        time.Time `json:"at"`
}

// Health is the per-adapter summary exposed for current-state reporting.
type Health struct {
	Name             string
	Protocol         string
	Connected        bool
	ErrorCount       int
	LastError        string
	LastPoll         time.Time
	DeploymentStatus DeploymentStatus
}
