package cloudclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"
)

// LogRecord is a single shipped log line. Serialized as one NDJSON row.
type LogRecord struct {
	Timestamp   int64  `json:"timestamp"` // unix millis
	AppID       int    `json:"appId,omitempty"`
	ServiceName string `json:"serviceName,omitempty"`
	Level       string `json:"level,omitempty"`
	Stream      string `json:"stream,omitempty"` // stdout | stderr
	Message     string `json:"message"`
}

// ShipLogs POSTs a batch of records as newline-delimited JSON to
// /device/:uuid/logs.
func (c *Client) ShipLogs(ctx context.Context, records []LogRecord) error {
	if len(records) == 0 {
		return nil
	}
	uuid, _, err := c.creds.Current()
	if err != nil {
		return err
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return fmt.Errorf("encoding log record: %w", err)
		}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/device/"+uuid+"/logs", &buf)
	if err != nil {
		return fmt.Errorf("creating log ship request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-ndjson")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("log ship request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("log ship returned status %d: %s", resp.StatusCode, string(raw))
	}
	if c.metrics != nil {
		c.metrics.LogBatchesShipped.Inc()
		c.metrics.LogRecordsShipped.Add(float64(len(records)))
	}
	return nil
}

// LogShipper batches log records and flushes them on an interval or when
// the batch fills, bounding upstream bandwidth.
type LogShipper struct {
	client   *Client
	interval time.Duration
	maxBatch int

	mu  sync.Mutex
	buf []LogRecord

	kick chan struct{}
}

// NewLogShipper creates a shipper; start it with Run.
func NewLogShipper(client *Client, flushInterval time.Duration, maxBatch int) *LogShipper {
	if flushInterval <= 0 {
		flushInterval = 5 * time.Second
	}
	if maxBatch <= 0 {
		maxBatch = 256
	}
	return &LogShipper{
		client:   client,
		interval: flushInterval,
		maxBatch: maxBatch,
		kick:     make(chan struct{}, 1),
	}
}

// Append enqueues one record; a full batch triggers an early flush.
func (s *LogShipper) Append(rec LogRecord) {
	s.mu.Lock()
	s.buf = append(s.buf, rec)
	full := len(s.buf) >= s.maxBatch
	s.mu.Unlock()
	if full {
		select {
		case s.kick <- struct{}{}:
		default:
		}
	}
}

// Run flushes on the interval (or early on a full batch) until ctx is
// cancelled, then performs a final drain so shutdown does not drop
// buffered records.
func (s *LogShipper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			drainCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			s.flush(drainCtx)
			cancel()
			return
		case <-ticker.C:
			s.flush(ctx)
		case <-s.kick:
			s.flush(ctx)
		}
	}
}

func (s *LogShipper) flush(ctx context.Context) {
	s.mu.Lock()
	batch := s.buf
	s.buf = nil
	s.mu.Unlock()
	if len(batch) == 0 {
		return
	}
	if err := s.client.ShipLogs(ctx, batch); err != nil {
		s.client.log.Warnw("log batch ship failed", "records", len(batch), "error", err)
		// Re-queue at the front for the next flush; the buffer is capped at
		// 4x maxBatch records, and the oldest records beyond that are dropped.
		s.mu.Lock()
		s.buf = append(batch, s.buf...)
		if len(s.buf) > s.maxBatch*4 {
			s.buf = s.buf[len(s.buf)-s.maxBatch*4:]
		}
		s.mu.Unlock()
	}
}
