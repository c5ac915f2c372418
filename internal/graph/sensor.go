package graph

import "encoding/json"

// SensorDeploymentStatus is the closed lifecycle set for a declared
// sensor/protocol device.
type SensorDeploymentStatus string

const (
	SensorDraft       SensorDeploymentStatus = "draft"
	SensorPending     SensorDeploymentStatus = "pending"
	SensorDeployed    SensorDeploymentStatus = "deployed"
	SensorFailed      SensorDeploymentStatus = "failed"
	SensorReconciling SensorDeploymentStatus = "reconciling"
)

// SensorDevice is one declarative sensor/protocol-device record carried
// in the device graph. Connection and DataPoints are protocol-specific
// and opaque to everything except the protocol adapter that owns them.
type SensorDevice struct {
	Name           string            `json:"name"`
	Protocol       string            `json:"protocol"` // modbus | opcua | can | ...
	Enabled        bool              `json:"enabled"`
	PollIntervalMs int               `json:"pollIntervalMs"`
	Connection     json.RawMessage   `json:"connection,omitempty"`
	DataPoints     json.RawMessage   `json:"dataPoints,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`

	DeploymentStatus   SensorDeploymentStatus `json:"deploymentStatus,omitempty"`
	LastDeployedAt     int64                  `json:"lastDeployedAt,omitempty"` // unix millis
	DeploymentError    string                 `json:"deploymentError,omitempty"`
	DeploymentAttempts int                    `json:"deploymentAttempts,omitempty"`
}
