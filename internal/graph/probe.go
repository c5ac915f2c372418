package graph

// ProbeKind is the closed tagged-union discriminant for Probe.
type ProbeKind string

const (
	ProbeHTTP ProbeKind = "http"
	ProbeTCP  ProbeKind = "tcp"
	ProbeExec ProbeKind = "exec"
)

// Probe is a tagged union over http/tcp/exec checks plus their shared
// scheduling parameters.
type Probe struct {
	Kind ProbeKind `json:"kind"`

	HTTP *HTTPProbe `json:"http,omitempty"`
	TCP  *TCPProbe  `json:"tcp,omitempty"`
	Exec *ExecProbe `json:"exec,omitempty"`

	InitialDelaySeconds int `json:"initialDelaySeconds,omitempty"`
	PeriodSeconds       int `json:"periodSeconds,omitempty"`
	TimeoutSeconds      int `json:"timeoutSeconds,omitempty"`
	SuccessThreshold    int `json:"successThreshold,omitempty"`
	FailureThreshold    int `json:"failureThreshold,omitempty"`
}

// HTTPProbe is an HTTP GET liveness/readiness/startup check.
type HTTPProbe struct {
	Scheme         string            `json:"scheme,omitempty"` // http | https, default http
	Path           string            `json:"path"`
	Port           int               `json:"port"`
	Headers        map[string]string `json:"headers,omitempty"`
	ExpectedStatus [2]int            `json:"expectedStatus,omitempty"` // inclusive [min,max], default [200,399]
}

// TCPProbe opens a bare TCP connection to prove liveness.
type TCPProbe struct {
	Port int `json:"port"`
}

// ExecProbe runs a command inside the container via the runtime's exec API.
type ExecProbe struct {
	Command []string `json:"command"`
}

// Normalize fills in defaults. When isLiveness is set, successThreshold is
// clamped to 1 rather than rejected, so one malformed probe field does not
// sink an otherwise valid plan; startup and readiness probes keep the
// configured value.
func (p *Probe) Normalize(isLiveness bool) {
	if p.PeriodSeconds <= 0 {
		p.PeriodSeconds = 10
	}
	if p.TimeoutSeconds <= 0 {
		p.TimeoutSeconds = 1
	}
	if p.SuccessThreshold <= 0 {
		p.SuccessThreshold = 1
	}
	if p.FailureThreshold <= 0 {
		p.FailureThreshold = 3
	}
	if isLiveness && p.SuccessThreshold != 1 {
		p.SuccessThreshold = 1
	}
	if p.Kind == ProbeHTTP && p.HTTP != nil {
		if p.HTTP.Scheme == "" {
			p.HTTP.Scheme = "http"
		}
		if p.HTTP.ExpectedStatus == ([2]int{}) {
			p.HTTP.ExpectedStatus = [2]int{200, 399}
		}
	}
}

// Equal reports whether two probe configurations are equivalent, used by
// the container manager's drift detection.
func (p *Probe) Equal(o *Probe) bool {
	if p == nil || o == nil {
		return p == o
	}
	if p.Kind != o.Kind ||
		p.InitialDelaySeconds != o.InitialDelaySeconds ||
		p.PeriodSeconds != o.PeriodSeconds ||
		p.TimeoutSeconds != o.TimeoutSeconds ||
		p.SuccessThreshold != o.SuccessThreshold ||
		p.FailureThreshold != o.FailureThreshold {
		return false
	}
	switch p.Kind {
	case ProbeHTTP:
		if (p.HTTP == nil) != (o.HTTP == nil) {
			return false
		}
		if p.HTTP == nil {
			return true
		}
		if p.HTTP.Scheme != o.HTTP.Scheme || p.HTTP.Path != o.HTTP.Path ||
			p.HTTP.Port != o.HTTP.Port || p.HTTP.ExpectedStatus != o.HTTP.ExpectedStatus {
			return false
		}
		if len(p.HTTP.Headers) != len(o.HTTP.Headers) {
			return false
		}
		for k, v := range p.HTTP.Headers {
			if o.HTTP.Headers[k] != v {
				return false
			}
		}
		return true
	case ProbeTCP:
		if (p.TCP == nil) != (o.TCP == nil) {
			return false
		}
		if p.TCP == nil {
			return true
		}
		return *p.TCP == *o.TCP
	case ProbeExec:
		if (p.Exec == nil) != (o.Exec == nil) {
			return false
		}
		if p.Exec == nil {
			return true
		}
		if len(p.Exec.Command) != len(o.Exec.Command) {
			return false
		}
		for i := range p.Exec.Command {
			if p.Exec.Command[i] != o.Exec.Command[i] {
				return false
			}
		}
		return true
	}
	return true
}
