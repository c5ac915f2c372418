package sensormgr

import (
	"context"
	"encoding/json"
	"math"
	"sync"
	"time"
)

// Adapter is one protocol driver instance bound to a single SensorDevice.
// Implementations own connection state and datapoint decoding; the
// manager only drives the connect→poll→publish loop.
type Adapter interface {
	Connect(ctx context.Context) error
	Poll(ctx context.Context) ([]Reading, error)
	Close() error
}

// Factory builds an Adapter for one device record. Registered per
// protocol string.
type Factory func(dev SensorDevice) (Adapter, error)

// simulatedAdapter is the fallback driver used for unknown protocol
// strings and by tests. It emits a deterministic sine wave per declared
// data point so downstream publish plumbing can be exercised without
// field hardware. Concrete Modbus/OPC-UA/CAN drivers live outside this
// repository.
type simulatedAdapter struct {
	dev SensorDevice

	mu        sync.Mutex
	connected bool
	tick      int
}

// NewSimulatedAdapter returns the fallback no-hardware driver.
func NewSimulatedAdapter(dev SensorDevice) (Adapter, error) {
	return &simulatedAdapter{dev: dev}, nil
}

func (a *simulatedAdapter) Connect(ctx context.Context) error {
	a.mu.Lock()
	a.connected = true
	a.mu.Unlock()
	return nil
}

func (a *simulatedAdapter) Poll(ctx context.Context) ([]Reading, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.tick++

	names := a.dataPointNames()
	if len(names) == 0 {
		names = []string{"value"}
	}
	now := time.Now()
	out := make([]Reading, 0, len(names))
	for i, name := range names {
		out = append(out, Reading{
			DataPoint: name,
			Value:     math.Sin(float64(a.tick+i) / 10.0),
			At:        now,
		})
	}
	return out, nil
}

// dataPointNames extracts "name" fields from the opaque dataPoints array
// when they happen to be objects with one; objects without a name get
// positional names, and a dataPoints value that is not an array of objects
// yields no names (Poll then emits a single "value" reading). The manager
// itself never does this — only this
// simulated driver, which has no protocol to consult.
func (a *simulatedAdapter) dataPointNames() []string {
	if len(a.dev.DataPoints) == 0 {
		return nil
	}
	var points []struct {
		Name string `json:"name"`
	}
	if err := json.Unmarshal(a.dev.DataPoints, &points); err != nil {
		return nil
	}
	names := make([]string, 0, len(points))
	for i, p := range points {
		if p.Name == "" {
			names = append(names, "point-"+string(rune('0'+i%10)))
			continue
		}
		names = append(names, p.Name)
	}
	return names
}

func (a *simulatedAdapter) Close() error {
	a.mu.Lock()
	a.connected = false
	a.mu.Unlock()
	return nil
}
