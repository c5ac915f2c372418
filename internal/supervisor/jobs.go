package supervisor

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/zemfyre/device-supervisor/internal/cloudclient"
)

// runJobPollIfEnabled drives the HTTP job channel, respecting the
// enableJobs feature flag on every tick.
func (s *Supervisor) runJobPollIfEnabled(ctx context.Context) {
	s.cloud.RunJobPoll(ctx, s.cfg.JobPollInterval, func(ctx context.Context, job cloudclient.Job) (string, error) {
		if !s.flags.get().EnableJobs {
			return "", fmt.Errorf("jobs are disabled by device config")
		}
		return s.executeJob(ctx, job)
	})
}

// handleJobMessage is the optional MQTT jobs channel:
// same job shape, same handler, acked over HTTP.
func (s *Supervisor) handleJobMessage(topic string, payload []byte) {
	if !s.flags.get().EnableJobs {
		return
	}
	var job cloudclient.Job
	if err := json.Unmarshal(payload, &job); err != nil {
		s.log.Warnw("malformed job message", "topic", topic, "error", err)
		return
	}
	if job.ID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	output, err := s.executeJob(ctx, job)
	status := cloudclient.JobCompleted
	errMsg := ""
	if err != nil {
		status = cloudclient.JobFailed
		errMsg = err.Error()
	}
	if ackErr := s.cloud.AckJob(ctx, job.ID, status, output, errMsg); ackErr != nil {
		s.log.Warnw("acking mqtt job failed", "id", job.ID, "error", ackErr)
	}
}

// restartJobPayload identifies the service a restart-service job targets.
type restartJobPayload struct {
	AppID     int `json:"appId"`
	ServiceID int `json:"serviceId"`
}

// executeJob dispatches on the closed set of job types this device
// understands.
func (s *Supervisor) executeJob(ctx context.Context, job cloudclient.Job) (string, error) {
	switch job.Type {
	case "reconcile":
		if err := s.containers.Reconcile(ctx); err != nil {
			return "", err
		}
		return "reconcile triggered", nil

	case "restart-service":
		var p restartJobPayload
		if err := json.Unmarshal(job.Payload, &p); err != nil {
			return "", fmt.Errorf("decoding restart-service payload: %w", err)
		}
		if err := s.containers.RestartService(ctx, p.AppID, p.ServiceID); err != nil {
			return "", err
		}
		return fmt.Sprintf("service %d/%d restarted", p.AppID, p.ServiceID), nil

	case "rotate-key":
		resp, err := s.cloud.RotateKey(ctx, "job-requested")
		if err != nil {
			return "", err
		}
		if _, err := s.identity.Rotate(resp.NewKey, time.UnixMilli(resp.GracePeriodEnds)); err != nil {
			return "", err
		}
		return "key rotated", nil

	case "ping":
		return "pong", nil

	default:
		return "", fmt.Errorf("unknown job type %q", job.Type)
	}
}
