package graph

import (
	"encoding/json"

	"k8s.io/apimachinery/pkg/api/resource"
)

// Resources mirrors Kubernetes' limits/requests shape for CPU and
// memory. Reusing k8s.io/apimachinery's resource.Quantity gives the
// parsing for free: decimal cores ("0.5"), millicores ("500m"), binary
// memory suffixes ("512Mi"), decimal suffixes ("512M"), and raw byte
// counts all go through the same type.
type Resources struct {
	Limits   ResourceList `json:"limits,omitempty"`
	Requests ResourceList `json:"requests,omitempty"`
}

// ResourceList is a CPU/memory pair, using the zero value of
// resource.Quantity to mean "unset".
type ResourceList struct {
	CPU    resource.Quantity `json:"cpu,omitempty"`
	Memory resource.Quantity `json:"memory,omitempty"`
}

// Equal reports whether two resource lists describe the same quantities.
// resource.Quantity.Cmp is used rather than struct equality because two
// quantities with different string forms ("1" vs "1000m") can be the same
// amount, and drift detection must not flap on that.
func (r ResourceList) Equal(o ResourceList) bool {
	return r.CPU.Cmp(o.CPU) == 0 && r.Memory.Cmp(o.Memory) == 0
}

// Equal reports whether two Resources specs are equivalent for drift
// detection purposes.
func (r Resources) Equal(o Resources) bool {
	return r.Limits.Equal(o.Limits) && r.Requests.Equal(o.Requests)
}

// resourceListJSON is the wire-friendly shadow of ResourceList: Quantity
// already implements json.Marshaler/Unmarshaler as its canonical string
// form, but we spell it out here so canonical serialization (graph/
// canonical.go) can rely on deterministic key ordering at this level too.
type resourceListJSON struct {
	CPU    string `json:"cpu,omitempty"`
	Memory string `json:"memory,omitempty"`
}

// MarshalJSON renders a ResourceList using Quantity's canonical string
// form so hashes are stable across platforms.
func (r ResourceList) MarshalJSON() ([]byte, error) {
	out := resourceListJSON{}
	if !r.CPU.IsZero() {
		out.CPU = r.CPU.String()
	}
	if !r.Memory.IsZero() {
		out.Memory = r.Memory.String()
	}
	return json.Marshal(out)
}

// UnmarshalJSON parses CPU/memory strings through resource.ParseQuantity,
// accepting decimal cores, millicores, and binary/decimal memory suffixes.
func (r *ResourceList) UnmarshalJSON(data []byte) error {
	var in resourceListJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	if in.CPU != "" {
		q, err := resource.ParseQuantity(in.CPU)
		if err != nil {
			return err
		}
		r.CPU = q
	}
	if in.Memory != "" {
		q, err := resource.ParseQuantity(in.Memory)
		if err != nil {
			return err
		}
		r.Memory = q
	}
	return nil
}
