package supervisor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/zemfyre/device-supervisor/internal/identitystore"
)

// provision runs the two-phase handshake using the configured fleet key,
// or a previously persisted one after a deprovisioning event.
func (s *Supervisor) provision(ctx context.Context) (identitystore.Identity, error) {
	fleetKey := s.cfg.FleetKey
	if fleetKey == "" {
		id, err := s.identity.Load()
		if err != nil {
			return identitystore.Identity{}, err
		}
		fleetKey = id.ProvisioningAPIKey
	}
	if fleetKey == "" {
		return identitystore.Identity{}, fmt.Errorf("device is not provisioned and no fleet key is available")
	}

	metadata := map[string]string{}
	if s.cfg.DeviceName != "" {
		metadata["deviceName"] = s.cfg.DeviceName
	}
	if s.cfg.DeviceType != "" {
		metadata["deviceType"] = s.cfg.DeviceType
	}

	id, err := s.identity.Register(ctx, s.cloud, fleetKey, metadata)
	if errors.Is(err, identitystore.ErrAlreadyProvisioned) {
		return id, nil
	}
	return id, err
}

// noteAuthFailure is invoked by the cloud client after a 401 survived
// both the grace-window fallback key and the single permitted key
// re-exchange. If a rotation grace window is still open the active key
// reverts to the pre-rotation one; otherwise the identity reverts to
// provisioned=false and re-provisioning is attempted with the stored
// fleet key; failure there is fatal.
func (s *Supervisor) noteAuthFailure() {
	if _, ok, err := s.identity.RevertRotation(); err == nil && ok {
		s.log.Warnw("rotated key rejected, reverted to pre-rotation key")
		return
	}
	s.log.Warnw("device key rejected by cloud, deprovisioning")
	if _, err := s.identity.Deprovision(); err != nil {
		s.reportFatal(fmt.Errorf("deprovisioning after auth failure: %w", err))
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if _, err := s.provision(ctx); err != nil {
		s.reportFatal(fmt.Errorf("re-provisioning after auth failure: %w", err))
		return
	}
	s.log.Infow("re-provisioned after auth failure")
}

func (s *Supervisor) reportFatal(err error) {
	select {
	case s.fatal <- err:
	default:
	}
}

// rotationNotice is the MQTT payload on the api-key-rotation topic.
type rotationNotice struct {
	Event           string `json:"event"`
	NewAPIKey       string `json:"newApiKey"`
	ExpiresAt       int64  `json:"expiresAt"`
	GracePeriodEnds int64  `json:"gracePeriodEnds"`
}

// subscribeControlTopics registers the device-scoped MQTT subscriptions:
// key-rotation notifications and the optional jobs channel.
func (s *Supervisor) subscribeControlTopics(uuid string) {
	rotationTopic := fmt.Sprintf("device/%s/config/api-key-rotation", uuid)
	if err := s.bus.Subscribe(rotationTopic, 1, s.handleRotationMessage); err != nil {
		s.log.Warnw("subscribing to rotation topic failed", "error", err)
	}

	jobsTopic := fmt.Sprintf("device/%s/jobs/+", uuid)
	if err := s.bus.Subscribe(jobsTopic, 1, s.handleJobMessage); err != nil {
		s.log.Warnw("subscribing to jobs topic failed", "error", err)
	}
}

func (s *Supervisor) handleRotationMessage(topic string, payload []byte) {
	var notice rotationNotice
	if err := json.Unmarshal(payload, &notice); err != nil {
		s.log.Warnw("malformed rotation notice", "topic", topic, "error", err)
		return
	}
	if notice.NewAPIKey == "" {
		s.log.Warnw("rotation notice without a key", "topic", topic)
		return
	}
	if _, err := s.identity.Rotate(notice.NewAPIKey, time.UnixMilli(notice.GracePeriodEnds)); err != nil {
		// Persisting the new key failed; the old key stays valid until
		// gracePeriodEnds, and a later 401 falls back to re-provisioning.
		s.log.Errorw("persisting rotated key failed", "error", err)
		return
	}
	s.log.Infow("device api key rotated via mqtt notice",
		"gracePeriodEnds", time.UnixMilli(notice.GracePeriodEnds))
}

// runKeyStatusLoop proactively checks key expiry and rotates before the
// cloud has to force the issue.
func (s *Supervisor) runKeyStatusLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.KeyStatusInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			status, err := s.cloud.CheckKeyStatus(ctx)
			if err != nil {
				s.log.Warnw("key status check failed", "error", err)
				continue
			}
			if !status.NeedsRotation {
				continue
			}
			s.log.Infow("key nearing expiry, rotating", "daysUntilExpiry", status.DaysUntilExpiry)
			resp, err := s.cloud.RotateKey(ctx, "ttl-near-expiry")
			if err != nil {
				s.log.Warnw("device-initiated rotation failed", "error", err)
				continue
			}
			if _, err := s.identity.Rotate(resp.NewKey, time.UnixMilli(resp.GracePeriodEnds)); err != nil {
				s.log.Errorw("persisting rotated key failed", "error", err)
			}
		}
	}
}
