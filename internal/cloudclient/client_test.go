package cloudclient

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zemfyre/device-supervisor/internal/graph"
)

type staticCreds struct {
	uuid string
	key  string
}

func (c staticCreds) Current() (string, string, error) {
	return c.uuid, c.key, nil
}

func newTestClient(t *testing.T, baseURL string) *Client {
	t.Helper()
	c, err := New(Config{BaseURL: baseURL, Timeout: 5 * time.Second}, staticCreds{uuid: "dev-1", key: "secret"}, nil)
	require.NoError(t, err)
	return c
}

func sampleGraph() graph.DeviceGraph {
	return graph.DeviceGraph{Apps: map[int]graph.App{
		1: {AppID: 1, AppName: "edge", Services: []graph.Service{
			{ServiceID: 1, ServiceName: "web", ImageName: "nginx:alpine", Status: graph.StatusPending},
		}},
	}}
}

func TestFetchTargetState_HashSuppressesUnchanged(t *testing.T) {
	polls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/device/dev-1/state", r.URL.Path)
		require.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		polls++
		_ = json.NewEncoder(w).Encode(sampleGraph())
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)

	g, hash, changed, err := c.FetchTargetState(context.Background(), "")
	require.NoError(t, err)
	require.True(t, changed)
	require.NotEmpty(t, hash)
	assert.Equal(t, "nginx:alpine", g.Apps[1].Services[0].ImageName)

	_, hash2, changed, err := c.FetchTargetState(context.Background(), hash)
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, hash, hash2)
	assert.Equal(t, 2, polls)
}

func TestFetchTargetState_NotModified(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotModified)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	_, hash, changed, err := c.FetchTargetState(context.Background(), "prev-hash")
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, "prev-hash", hash)
}

func TestDo_401TriggersSingleReexchange(t *testing.T) {
	var mu sync.Mutex
	exchanges := 0
	stateCalls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		switch {
		case strings.HasSuffix(r.URL.Path, "/key-exchange"):
			exchanges++
			_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
		case strings.HasSuffix(r.URL.Path, "/state"):
			stateCalls++
			if stateCalls == 1 {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			_ = json.NewEncoder(w).Encode(sampleGraph())
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	_, _, changed, err := c.FetchTargetState(context.Background(), "")
	require.NoError(t, err)
	assert.True(t, changed)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, exchanges)
	assert.Equal(t, 2, stateCalls)
}

type fallbackCreds struct {
	staticCreds
	old string
}

func (c fallbackCreds) FallbackKey() (string, bool) {
	return c.old, c.old != ""
}

func TestDo_401FallsBackToGraceWindowKey(t *testing.T) {
	var mu sync.Mutex
	exchanges := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		switch {
		case strings.HasSuffix(r.URL.Path, "/key-exchange"):
			exchanges++
			_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
		case strings.HasSuffix(r.URL.Path, "/state"):
			if r.Header.Get("X-Device-API-Key") != "old-secret" {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			_ = json.NewEncoder(w).Encode(sampleGraph())
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	creds := fallbackCreds{staticCreds{uuid: "dev-1", key: "rotated-secret"}, "old-secret"}
	c, err := New(Config{BaseURL: srv.URL, Timeout: 5 * time.Second}, creds, nil)
	require.NoError(t, err)

	g, _, changed, err := c.FetchTargetState(context.Background(), "")
	require.NoError(t, err)
	require.True(t, changed)
	assert.Equal(t, "nginx:alpine", g.Apps[1].Services[0].ImageName)

	mu.Lock()
	defer mu.Unlock()
	assert.Zero(t, exchanges, "grace-window key satisfied the request before any re-exchange")
}

func TestDo_Repeated401SurfacesAuthFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "/key-exchange") {
			_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
			return
		}
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	failed := false
	c.OnAuthFailure(func() { failed = true })

	_, _, _, err := c.FetchTargetState(context.Background(), "")
	require.ErrorIs(t, err, ErrUnauthorized)
	assert.True(t, failed)
}

func TestRegisterDevice_ErrorMapping(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		wantErr error
	}{
		{"conflict maps to AlreadyRegistered", http.StatusConflict, ErrAlreadyRegistered},
		{"unauthorized maps to InvalidFleetKey", http.StatusUnauthorized, ErrInvalidFleetKey},
		{"forbidden maps to InvalidFleetKey", http.StatusForbidden, ErrInvalidFleetKey},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				require.Equal(t, "/device/register", r.URL.Path)
				require.Equal(t, "Bearer fleet-key", r.Header.Get("Authorization"))
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			c := newTestClient(t, srv.URL)
			err := c.RegisterDevice(context.Background(), "fleet-key", "dev-1", "device-key", nil)
			require.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestShipLogs_NDJSONBody(t *testing.T) {
	var gotLines []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/device/dev-1/logs", r.URL.Path)
		require.Equal(t, "application/x-ndjson", r.Header.Get("Content-Type"))
		scanner := bufio.NewScanner(r.Body)
		for scanner.Scan() {
			gotLines = append(gotLines, scanner.Text())
		}
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	err := c.ShipLogs(context.Background(), []LogRecord{
		{Timestamp: 1, Message: "one"},
		{Timestamp: 2, Message: "two", Level: "error"},
	})
	require.NoError(t, err)
	require.Len(t, gotLines, 2)

	var rec LogRecord
	require.NoError(t, json.Unmarshal([]byte(gotLines[1]), &rec))
	assert.Equal(t, "two", rec.Message)
	assert.Equal(t, "error", rec.Level)
}

func TestNextJobAndAck(t *testing.T) {
	acked := map[string]string{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/devices/dev-1/jobs/next":
			_ = json.NewEncoder(w).Encode(Job{ID: "j1", Type: "ping"})
		case r.Method == http.MethodPatch && r.URL.Path == "/devices/dev-1/jobs/j1/status":
			var body map[string]string
			_ = json.NewDecoder(r.Body).Decode(&body)
			acked = body
			_, _ = w.Write([]byte("{}"))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	job, err := c.NextJob(context.Background())
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, "j1", job.ID)

	require.NoError(t, c.AckJob(context.Background(), job.ID, JobCompleted, "pong", ""))
	assert.Equal(t, "completed", acked["status"])
	assert.Equal(t, "pong", acked["output"])
}

func TestNextJob_NullMeansNoJob(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("null"))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	job, err := c.NextJob(context.Background())
	require.NoError(t, err)
	assert.Nil(t, job)
}

func TestBuildErrorReports(t *testing.T) {
	current := graph.DeviceGraph{Apps: map[int]graph.App{
		1: {AppID: 1, Services: []graph.Service{
			{ServiceID: 1, Status: graph.StatusRunning},
			{ServiceID: 2, Status: graph.StatusError, Error: &graph.ServiceError{
				Kind:       graph.ErrImagePullBackOff,
				Message:    "no such image",
				RetryCount: 3,
			}},
		}},
	}}

	reports := BuildErrorReports(current)
	require.Len(t, reports, 1)
	assert.Equal(t, 2, reports[0].ServiceID)
	assert.Equal(t, graph.ErrImagePullBackOff, reports[0].Kind)
	assert.Equal(t, 3, reports[0].RetryCount)
}
