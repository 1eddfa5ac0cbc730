package status_test

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tado-community/tado-governor/internal/cmdq"
	"github.com/tado-community/tado-governor/internal/connector"
	"github.com/tado-community/tado-governor/internal/optimistic"
	"github.com/tado-community/tado-governor/internal/planner"
	"github.com/tado-community/tado-governor/internal/registry"
	"github.com/tado-community/tado-governor/internal/status"
	"github.com/tado-community/tado-governor/pkg/quota"
)

type fakePollers struct {
	planner   *planner.Planner
	refreshed bool
}

func (f *fakePollers) ForceDue(id string) error { return f.planner.ForceDue(id) }
func (f *fakePollers) Refresh()                 { f.refreshed = true }

type nullCaller struct{}

func (nullCaller) Call(_ context.Context, _ connector.Request) (connector.Response, error) {
	return connector.Response{Status: 200}, nil
}

func testServer(t *testing.T) (*httptest.Server, *fakePollers, *registry.Registry, *quota.Tracker) {
	t.Helper()
	logger := slog.Default()

	budget, err := quota.New(quota.Config{DailyLimit: 100, PercentTarget: 0.8, BackgroundReserve: 20, ThrottleThreshold: 10}, logger)
	require.NoError(t, err)

	p, err := planner.New(planner.Config{
		SafetyFloor: 15 * time.Second,
		Tracks:      []planner.TrackConfig{{ID: "zones", Endpoint: "/zoneStates", Interval: time.Minute, MaxInterval: time.Hour, Cost: 1}},
	}, budget, logger)
	require.NoError(t, err)

	overlay := optimistic.New(time.Minute, logger)
	reg := registry.New(overlay, logger)
	queue := cmdq.New(cmdq.Config{}, nullCaller{}, overlay, budget, &sync.Mutex{}, logger)
	pollers := &fakePollers{planner: p}

	s := status.New(":8080", budget, p, queue, reg, pollers, nil, logger)
	server := httptest.NewServer(s.Router())
	t.Cleanup(server.Close)
	return server, pollers, reg, budget
}

func TestServer_Health(t *testing.T) {
	server, _, _, budget := testServer(t)

	resp, err := http.Get(server.URL + "/health")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "connected", body["health"])

	// drain the quota: health flips to rate_limited and the probe fails
	budget.RecordResponse(1, &quota.Info{Limit: 100, Remaining: 0})
	resp, err = http.Get(server.URL + "/health")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestServer_Status(t *testing.T) {
	server, _, _, budget := testServer(t)
	budget.RecordResponse(1, &quota.Info{Limit: 100, Remaining: 58})

	resp, err := http.Get(server.URL + "/status")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var report status.Report
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&report))
	assert.Equal(t, "connected", report.Health)
	assert.Equal(t, 58, report.Quota.Remaining)
	assert.Equal(t, 100, report.Quota.DailyLimit)
	require.Len(t, report.Tracks, 1)
	assert.Equal(t, "zones", report.Tracks[0].ID)
	assert.Zero(t, report.Queue.Pending)
}

func TestServer_ForcePoll(t *testing.T) {
	server, pollers, _, _ := testServer(t)

	resp, err := http.Post(server.URL+"/poll/zones", "application/json", nil)
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.True(t, pollers.refreshed)

	resp, err = http.Post(server.URL+"/poll/nosuchtrack", "application/json", nil)
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestServer_Scope(t *testing.T) {
	server, _, reg, _ := testServer(t)
	reg.Update("zone:17", map[string]any{"temperature": 18.5})

	resp, err := http.Get(server.URL + "/scopes/zone:17")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var fields map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&fields))
	assert.Equal(t, 18.5, fields["temperature"])

	resp, err = http.Get(server.URL + "/scopes/zone:99")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
