package cloudclient

import (
	"context"
	"encoding/json"
	"net/http"
	"time"
)

// Job is a unit of cloud-dispatched work.
type Job struct {
	ID      string          `json:"id"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// JobStatus is the closed set of ack states.
type JobStatus string

const (
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
)

// JobHandler executes one job and returns its output, or an error that
// will be reported in the ack.
type JobHandler func(ctx context.Context, job Job) (output string, err error)

// NextJob GETs /devices/:uuid/jobs/next; nil means no job is pending.
func (c *Client) NextJob(ctx context.Context) (*Job, error) {
	uuid, _, err := c.creds.Current()
	if err != nil {
		return nil, err
	}
	var job *Job
	if err := c.do(ctx, http.MethodGet, "/devices/"+uuid+"/jobs/next", nil, &job); err != nil {
		return nil, err
	}
	if job == nil || job.ID == "" {
		return nil, nil
	}
	return job, nil
}

// AckJob PATCHes /devices/:uuid/jobs/:jobId/status.
func (c *Client) AckJob(ctx context.Context, jobID string, status JobStatus, output, errMsg string) error {
	uuid, _, err := c.creds.Current()
	if err != nil {
		return err
	}
	body := map[string]string{"status": string(status)}
	if output != "" {
		body["output"] = output
	}
	if errMsg != "" {
		body["error"] = errMsg
	}
	return c.do(ctx, http.MethodPatch, "/devices/"+uuid+"/jobs/"+jobID+"/status", body, nil)
}

// RunJobPoll polls for jobs every interval until ctx is cancelled,
// running each through handle and acking the outcome. A failed ack is
// logged and dropped; the cloud re-dispatches unacked jobs.
func (c *Client) RunJobPoll(ctx context.Context, interval time.Duration, handle JobHandler) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			job, err := c.NextJob(ctx)
			if err != nil {
				c.log.Warnw("job poll failed", "error", err)
				continue
			}
			if job == nil {
				continue
			}
			c.log.Infow("job received", "id", job.ID, "type", job.Type)
			output, err := handle(ctx, *job)
			status := JobCompleted
			errMsg := ""
			if err != nil {
				status = JobFailed
				errMsg = err.Error()
				if c.metrics != nil {
					c.metrics.JobsFailed.Inc()
				}
			} else if c.metrics != nil {
				c.metrics.JobsCompleted.Inc()
			}
			if ackErr := c.AckJob(ctx, job.ID, status, output, errMsg); ackErr != nil {
				c.log.Warnw("job ack failed", "id", job.ID, "error", ackErr)
			}
		}
	}
}
