package supervisor

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/zemfyre/device-supervisor/internal/cloudclient"
	"github.com/zemfyre/device-supervisor/internal/sensormgr"
)

// pumpSet tracks one log-streaming goroutine per running container.
type pumpSet struct {
	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

// syncLogPumps reconciles the set of log pumps against the current graph
// after each reconcile cycle: a pump per running container, none for
// containers that are gone.
func (s *Supervisor) syncLogPumps(ctx context.Context) {
	current := s.containers.CurrentGraph()

	want := make(map[string]struct {
		appID       int
		serviceName string
	})
	for _, app := range current.SortedApps() {
		for _, svc := range app.Services {
			if svc.ContainerID == "" {
				continue
			}
			name := svc.ServiceName
			if name == "" {
				name = fmt.Sprintf("svc-%d", svc.ServiceID)
			}
			want[svc.ContainerID] = struct {
				appID       int
				serviceName string
			}{app.AppID, name}
		}
	}

	s.pumps.mu.Lock()
	defer s.pumps.mu.Unlock()

	for id, cancel := range s.pumps.cancels {
		if _, ok := want[id]; !ok {
			cancel()
			delete(s.pumps.cancels, id)
		}
	}
	for id, meta := range want {
		if _, ok := s.pumps.cancels[id]; ok {
			continue
		}
		pumpCtx, cancel := context.WithCancel(ctx)
		s.pumps.cancels[id] = cancel
		s.goNamed(func() {
			s.pumpLogs(pumpCtx, id, meta.appID, meta.serviceName)
		})
	}
}

func (s *Supervisor) stopAllPumps() {
	s.pumps.mu.Lock()
	defer s.pumps.mu.Unlock()
	for id, cancel := range s.pumps.cancels {
		cancel()
		delete(s.pumps.cancels, id)
	}
}

// pumpLogs streams one container's demuxed log lines into the batched
// HTTP shipper and, when the bus is up, onto the per-service MQTT topic
// pattern <base>/logs/<appId>/<serviceName>/<level>.
func (s *Supervisor) pumpLogs(ctx context.Context, containerID string, appID int, serviceName string) {
	lines, err := s.runtime.StreamLogs(ctx, containerID, time.Now())
	if err != nil {
		s.log.Warnw("log stream open failed", "container", containerID, "error", err)
		return
	}
	id, _ := s.identity.Load()
	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			level := "info"
			if line.Stream == "stderr" {
				level = "error"
			}
			s.shipper.Append(cloudclient.LogRecord{
				Timestamp:   line.Timestamp.UnixMilli(),
				AppID:       appID,
				ServiceName: serviceName,
				Level:       level,
				Stream:      line.Stream,
				Message:     line.Line,
			})
			if s.bus != nil {
				topic := fmt.Sprintf("device/%s/logs/%d/%s/%s", id.UUID, appID, serviceName, level)
				if err := s.bus.Publish(topic, 0, false, []byte(line.Line)); err != nil {
					s.log.Debugw("mqtt log publish failed", "topic", topic, "error", err)
				}
			}
		}
	}
}

// publishReadings fans successful sensor polls onto the MQTT bus, gated
// by the enableSensorPublish flag.
func (s *Supervisor) publishReadings(dev sensormgr.SensorDevice, readings []sensormgr.Reading) {
	if s.bus == nil || !s.flags.get().EnableSensorPublish {
		return
	}
	id, err := s.identity.Load()
	if err != nil {
		return
	}
	payload, err := json.Marshal(readings)
	if err != nil {
		s.log.Warnw("encoding sensor readings failed", "sensor", dev.Name, "error", err)
		return
	}
	topic := fmt.Sprintf("device/%s/sensors/%s", id.UUID, dev.Name)
	if err := s.bus.Publish(topic, 0, false, payload); err != nil {
		s.log.Debugw("sensor publish failed", "topic", topic, "error", err)
	}
}
