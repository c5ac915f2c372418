// Package cloudclient is the authenticated HTTP client to the control
// plane: two-phase provisioning, target-state GET, current-state PATCH,
// log POST, and job poll/ack. Requests other than registration carry the
// device key, injected by a RoundTripper so call sites never touch
// credentials.
package cloudclient

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/zemfyre/device-supervisor/internal/logging"
	"github.com/zemfyre/device-supervisor/internal/metrics"
)

// ErrUnauthorized is returned when the cloud rejects the device key even
// after a key re-exchange attempt. The supervisor reacts by
// deprovisioning and re-running the handshake.
var ErrUnauthorized = errors.New("cloudclient: device key rejected")

// ErrAlreadyRegistered and ErrInvalidFleetKey are the named phase-1
// registration failures.
var (
	ErrAlreadyRegistered = errors.New("cloudclient: device already registered")
	ErrInvalidFleetKey   = errors.New("cloudclient: fleet key rejected")
)

// CredentialSource supplies the current device identity on every request,
// so a key rotation is picked up without re-building the client.
type CredentialSource interface {
	Current() (uuid, deviceKey string, err error)
}

// FallbackCredentialSource is optionally implemented by a
// CredentialSource that retains the pre-rotation device key during the
// rotation grace window. When the active key draws a 401, the client
// retries once with the fallback key before attempting a re-exchange.
type FallbackCredentialSource interface {
	CredentialSource
	FallbackKey() (string, bool)
}

// Config holds cloud client configuration, read from the environment by
// the binary.
type Config struct {
	BaseURL     string
	Timeout     time.Duration
	InsecureTLS bool
}

// Client wraps the control-plane HTTP API.
type Client struct {
	httpClient *http.Client
	baseURL    string
	creds      CredentialSource
	log        *zap.SugaredLogger
	metrics    *metrics.Metrics

	// reauthMu serializes the single key re-exchange attempt a 401 is
	// allowed to trigger before the error escalates.
	reauthMu   sync.Mutex
	reauthDone bool

	onAuthFailure func()
}

// keyTransport adds the device key to every outgoing request, both as a
// bearer token and as X-Device-API-Key; the cloud accepts either header.
type keyTransport struct {
	base  http.RoundTripper
	creds CredentialSource
}

func (t *keyTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	_, key, err := t.creds.Current()
	if err != nil {
		return nil, fmt.Errorf("loading device credentials: %w", err)
	}
	clone := req.Clone(req.Context())
	clone.Header.Set("Authorization", "Bearer "+key)
	clone.Header.Set("X-Device-API-Key", key)
	return t.base.RoundTrip(clone)
}

// New creates a control-plane client. mets may be nil in tests.
func New(cfg Config, creds CredentialSource, mets *metrics.Metrics) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("cloud API URL is required")
	}
	if creds == nil {
		return nil, fmt.Errorf("credential source is required")
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}

	baseTransport := &http.Transport{}
	if cfg.InsecureTLS {
		baseTransport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}

	return &Client{
		httpClient: &http.Client{
			Transport: &keyTransport{base: baseTransport, creds: creds},
			Timeout:   cfg.Timeout,
		},
		baseURL: cfg.BaseURL,
		creds:   creds,
		log:     logging.Named("cloudclient"),
		metrics: mets,
	}, nil
}

// OnAuthFailure registers the callback invoked when a 401 persists after
// the single permitted key re-exchange. The supervisor uses it to revert
// an open key rotation or, when there is none, to flip the identity back
// to provisioned=false.
func (c *Client) OnAuthFailure(fn func()) {
	c.onAuthFailure = fn
}

// do issues an authenticated request and decodes a JSON response body
// into out (out may be nil). A 401 first retries once with the
// grace-window fallback key if one exists, then triggers at most one key
// re-exchange; a 401 surviving all of that escalates.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	resp, err := c.issue(ctx, method, path, body)
	if err != nil {
		return err
	}

	if resp.StatusCode == http.StatusUnauthorized {
		drain(resp)
		resp, err = c.retryWithFallbackKey(ctx, method, path, body)
		if err != nil {
			return err
		}
	}

	if resp != nil && resp.StatusCode == http.StatusUnauthorized {
		drain(resp)
		resp = nil
	}
	if resp == nil {
		if !c.tryReauth(ctx) {
			if c.onAuthFailure != nil {
				c.onAuthFailure()
			}
			return ErrUnauthorized
		}
		resp, err = c.issue(ctx, method, path, body)
		if err != nil {
			return err
		}
		if resp.StatusCode == http.StatusUnauthorized {
			drain(resp)
			if c.onAuthFailure != nil {
				c.onAuthFailure()
			}
			return ErrUnauthorized
		}
	}
	defer resp.Body.Close()

	c.reauthMu.Lock()
	c.reauthDone = false
	c.reauthMu.Unlock()

	if resp.StatusCode == http.StatusNotModified {
		return errNotModified
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("%s %s returned status %d: %s", method, path, resp.StatusCode, string(raw))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding %s %s response: %w", method, path, err)
	}
	return nil
}

var errNotModified = errors.New("not modified")

func (c *Client) buildRequest(ctx context.Context, method, path string, body any) (*http.Request, error) {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encoding %s %s body: %w", method, path, err)
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("creating %s %s request: %w", method, path, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

func (c *Client) issue(ctx context.Context, method, path string, body any) (*http.Response, error) {
	req, err := c.buildRequest(ctx, method, path, body)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s request failed: %w", method, path, err)
	}
	return resp, nil
}

// retryWithFallbackKey re-issues the request signed with the
// pre-rotation device key while the rotation grace window is open.
// Returns (nil, nil) when the credential source holds no such key; the
// caller then proceeds to the re-exchange ladder.
func (c *Client) retryWithFallbackKey(ctx context.Context, method, path string, body any) (*http.Response, error) {
	fb, ok := c.creds.(FallbackCredentialSource)
	if !ok {
		return nil, nil
	}
	key, ok := fb.FallbackKey()
	if !ok {
		return nil, nil
	}
	c.log.Warnw("active device key rejected, retrying with grace-window key")
	req, err := c.buildRequest(ctx, method, path, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+key)
	req.Header.Set("X-Device-API-Key", key)
	plain := &http.Client{Timeout: c.httpClient.Timeout}
	resp, err := plain.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s request failed: %w", method, path, err)
	}
	return resp, nil
}

// tryReauth performs the single key re-exchange a 401 incident is
// allowed. Returns false if a re-exchange was already spent on this
// incident or the exchange itself fails.
func (c *Client) tryReauth(ctx context.Context) bool {
	c.reauthMu.Lock()
	if c.reauthDone {
		c.reauthMu.Unlock()
		return false
	}
	c.reauthDone = true
	c.reauthMu.Unlock()

	uuid, key, err := c.creds.Current()
	if err != nil {
		return false
	}
	if err := c.KeyExchange(ctx, key, uuid); err != nil {
		c.log.Warnw("key re-exchange after 401 failed", "error", err)
		return false
	}
	c.log.Infow("key re-exchange after 401 succeeded")
	return true
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	_ = resp.Body.Close()
}

// RegisterDevice is phase 1 of provisioning: POST
// /device/register with the fleet key as bearer. It deliberately bypasses
// keyTransport — the device key is not yet accepted by the cloud.
func (c *Client) RegisterDevice(ctx context.Context, fleetKey, uuid, deviceAPIKey string, metadata map[string]string) error {
	body := map[string]any{
		"uuid":         uuid,
		"deviceApiKey": deviceAPIKey,
		"metadata":     metadata,
	}
	if name, ok := metadata["deviceName"]; ok {
		body["deviceName"] = name
	}
	if typ, ok := metadata["deviceType"]; ok {
		body["deviceType"] = typ
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encoding register body: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/device/register", bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("creating register request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+fleetKey)

	// Plain transport: the keyTransport would overwrite the fleet bearer.
	plain := &http.Client{Timeout: c.httpClient.Timeout}
	resp, err := plain.Do(req)
	if err != nil {
		return fmt.Errorf("register request failed: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusConflict:
		return ErrAlreadyRegistered
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return ErrInvalidFleetKey
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("register returned status %d: %s", resp.StatusCode, string(raw))
	}
	return nil
}

// KeyExchange is phase 2 of provisioning: POST /device/:uuid/key-exchange
// authenticated with the device key, echoing {uuid, deviceApiKey}.
func (c *Client) KeyExchange(ctx context.Context, deviceAPIKey, uuid string) error {
	body := map[string]string{"uuid": uuid, "deviceApiKey": deviceAPIKey}
	raw, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encoding key-exchange body: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/device/"+uuid+"/key-exchange", bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("creating key-exchange request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+deviceAPIKey)
	req.Header.Set("X-Device-API-Key", deviceAPIKey)

	plain := &http.Client{Timeout: c.httpClient.Timeout}
	resp, err := plain.Do(req)
	if err != nil {
		return fmt.Errorf("key-exchange request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("key-exchange returned status %d: %s", resp.StatusCode, string(raw))
	}
	return nil
}

// RotationResponse is the cloud's answer to a client-initiated rotation.
type RotationResponse struct {
	NewKey          string `json:"newKey"`
	ExpiresAt       int64  `json:"expiresAt"`
	GracePeriodEnds int64  `json:"gracePeriodEnds"`
}

// RotateKey asks the cloud for a fresh device key.
func (c *Client) RotateKey(ctx context.Context, reason string) (RotationResponse, error) {
	uuid, _, err := c.creds.Current()
	if err != nil {
		return RotationResponse{}, err
	}
	var out RotationResponse
	if err := c.do(ctx, http.MethodPost, "/device/"+uuid+"/rotate-key", map[string]string{"reason": reason}, &out); err != nil {
		return RotationResponse{}, err
	}
	return out, nil
}

// KeyStatus reports whether the cloud thinks the device key is nearing
// expiry.
type KeyStatus struct {
	NeedsRotation   bool `json:"needsRotation"`
	DaysUntilExpiry int  `json:"daysUntilExpiry"`
}

// CheckKeyStatus queries GET /device/:uuid/key-status.
func (c *Client) CheckKeyStatus(ctx context.Context) (KeyStatus, error) {
	uuid, _, err := c.creds.Current()
	if err != nil {
		return KeyStatus{}, err
	}
	var out KeyStatus
	if err := c.do(ctx, http.MethodGet, "/device/"+uuid+"/key-status", nil, &out); err != nil {
		return KeyStatus{}, err
	}
	return out, nil
}
