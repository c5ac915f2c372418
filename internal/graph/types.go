// Package graph defines the declarative device graph: the typed
// desired/actual state that the container manager diffs and plans over.
package graph

import (
	"strconv"
	"strings"
)

// DeviceGraph is the top-level desired or observed state document for a
// device.
type DeviceGraph struct {
	Apps    map[int]App    `json:"apps"`
	Config  DeviceConfig   `json:"config"`
	Sensors []SensorDevice `json:"sensors,omitempty"`
}

// DeviceConfig holds feature flags and tunables shipped alongside a graph.
type DeviceConfig struct {
	EnableRemoteAccess     bool `json:"enableRemoteAccess"`
	EnableJobs             bool `json:"enableJobs"`
	EnableSensorPublish    bool `json:"enableSensorPublish"`
	EnableProtocolAdapters bool `json:"enableProtocolAdapters"`
	EnableShadow           bool `json:"enableShadow"`

	ReconcileIntervalMs int `json:"reconcileIntervalMs"`
	PollIntervalMs      int `json:"pollIntervalMs"`
	ReportIntervalMs    int `json:"reportIntervalMs"`
}

// App is a named collection of services. Order within Services is not
// semantic; identity is ServiceID.
type App struct {
	AppID    int       `json:"appId"`
	AppName  string    `json:"appName"`
	Services []Service `json:"services"`
}

// ServiceStatus is the closed set of lifecycle states a service passes
// through: pending, then running, then stopped or error.
type ServiceStatus string

const (
	StatusPending ServiceStatus = "pending"
	StatusRunning ServiceStatus = "running"
	StatusStopped ServiceStatus = "stopped"
	StatusError   ServiceStatus = "error"
)

// ErrorKind is the closed taxonomy of service-level error states,
// mirroring the ImagePullBackOff/CrashLoopBackOff vocabulary dashboards
// expect. Modeled as a string enum rather than open error types so
// planning and reporting stay exhaustively checkable.
type ErrorKind string

const (
	ErrImagePull        ErrorKind = "ErrImagePull"
	ErrImagePullBackOff ErrorKind = "ImagePullBackOff"
	ErrStartFailure     ErrorKind = "StartFailure"
	ErrCrashLoopBackOff ErrorKind = "CrashLoopBackOff"
)

// ServiceError is the per-service error record carried in the current
// graph and surfaced verbatim in current-state reports.
type ServiceError struct {
	Kind            ErrorKind `json:"kind"`
	Message         string    `json:"message"`
	FirstObservedAt int64     `json:"firstObservedAt"` // unix millis
	RetryCount      int       `json:"retryCount"`
	NextRetryAt     int64     `json:"nextRetryAt,omitempty"` // unix millis
}

// Service is a single container-backed workload within an App.
type Service struct {
	ServiceID   int           `json:"serviceId"`
	ServiceName string        `json:"serviceName,omitempty"`
	ImageName   string        `json:"imageName"`
	Config      ServiceConfig `json:"config"`

	ContainerID string        `json:"containerId,omitempty"`
	Status      ServiceStatus `json:"status"`
	Error       *ServiceError `json:"error,omitempty"`
}

// ServiceConfig is the declarative spec for how a service's container
// should be constructed.
type ServiceConfig struct {
	Ports          []PortBinding     `json:"ports,omitempty"`
	Environment    map[string]string `json:"environment,omitempty"`
	Volumes        []string          `json:"volumes,omitempty"` // "name:/path" or "/host:/container"
	Networks       []string          `json:"networks,omitempty"`
	Resources      Resources         `json:"resources,omitempty"`
	LivenessProbe  *Probe            `json:"livenessProbe,omitempty"`
	ReadinessProbe *Probe            `json:"readinessProbe,omitempty"`
	StartupProbe   *Probe            `json:"startupProbe,omitempty"`
	RestartPolicy  string            `json:"restartPolicy,omitempty"`
}

// PortBinding maps a host port to a container port.
type PortBinding struct {
	HostIP        string `json:"hostIp,omitempty"` // empty binds on all interfaces
	HostPort      int    `json:"hostPort"`
	ContainerPort int    `json:"containerPort"`
	Protocol      string `json:"protocol,omitempty"` // tcp | udp, default tcp
}

// IsBindMount reports whether a volume reference string is a host-path
// bind mount (left side begins with "/") rather than a named, managed
// volume. Bind mounts are never reconciled via volume CRUD.
func IsBindMount(volumeRef string) bool {
	left, _, ok := strings.Cut(volumeRef, ":")
	if !ok {
		return false
	}
	return strings.HasPrefix(left, "/")
}

// NamedVolume returns the (logical name, container path) pair encoded in
// a "name:/path" volume reference, and false if the reference is a bind
// mount or malformed.
func NamedVolume(volumeRef string) (name, path string, ok bool) {
	if IsBindMount(volumeRef) {
		return "", "", false
	}
	left, right, found := strings.Cut(volumeRef, ":")
	if !found || left == "" || right == "" {
		return "", "", false
	}
	return left, right, true
}

// ManagedVolumeName derives the runtime-visible name for a named volume,
// always prefixed by the owning app so identically-named volumes in two
// apps can never collide.
func ManagedVolumeName(appID int, name string) string {
	return strconv.Itoa(appID) + "_" + name
}
