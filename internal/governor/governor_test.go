package governor_test

import (
	"context"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tado-community/tado-governor/internal/cmdq"
	"github.com/tado-community/tado-governor/internal/connector"
	"github.com/tado-community/tado-governor/internal/governor"
	"github.com/tado-community/tado-governor/pkg/quota"
)

type callerFunc func(ctx context.Context, req connector.Request) (connector.Response, error)

func (f callerFunc) Call(ctx context.Context, req connector.Request) (connector.Response, error) {
	return f(ctx, req)
}

func testConfig(t *testing.T) governor.Config {
	t.Helper()
	return governor.Config{
		Quota: quota.Config{
			DailyLimit:        100,
			PercentTarget:     0.8,
			BackgroundReserve: 20,
			ThrottleThreshold: 10,
			ResetMinute:       1,
		},
		Planner: governor.DefaultTracks(),
		Queue: cmdq.Config{
			Debounce:       10 * time.Millisecond,
			InterCallDelay: time.Millisecond,
			RetryDelay:     time.Millisecond,
		},
		OptimisticTTL: 100 * time.Millisecond,
		PollTick:      time.Hour, // polling driven manually in tests
		StatusAddr:    ":0",
		DatabasePath:  filepath.Join(t.TempDir(), "governor.db"),
	}
}

func startGovernor(t *testing.T, caller connector.Caller) *governor.Governor {
	t.Helper()
	g, err := governor.New(testConfig(t), caller, nil, prometheus.NewRegistry(), slog.Default())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { _ = g.Queue.Run(ctx); close(done) }()
	t.Cleanup(func() { cancel(); <-done })
	return g
}

func TestGovernor_RollbackOrder(t *testing.T) {
	caller := callerFunc(func(_ context.Context, _ connector.Request) (connector.Response, error) {
		return connector.Response{}, &connector.ValidationError{Status: 422, Reason: "no"}
	})
	g := startGovernor(t, caller)

	g.Registry.Update("zone:17", map[string]any{"temperature": 19.0})

	// three writes in one burst, remote fails: the read must return the
	// value from before the first write, not the second-to-last
	results := make(chan error, 1)
	for i, temp := range []float64{21, 22, 23} {
		intent := governor.WriteIntent{
			Key:      "overlay:17",
			Method:   "PUT",
			Endpoint: "/zones/17/overlay",
			Payload:  map[string]any{"temperature": temp},
			Scope:    "zone:17",
			Fields:   map[string]any{"temperature": temp},
		}
		if i == 2 {
			intent.OnResult = func(err error) { results <- err }
		}
		g.EnqueueWrite(intent)
		// the optimistic apply is visible before EnqueueWrite returns
		assert.Equal(t, temp, g.ReadField("zone:17", "temperature"))
	}

	select {
	case err := <-results:
		assert.Error(t, err)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for rollback")
	}
	assert.Equal(t, 19.0, g.ReadField("zone:17", "temperature"))
}

func TestGovernor_OptimisticLifecycle(t *testing.T) {
	caller := callerFunc(func(_ context.Context, _ connector.Request) (connector.Response, error) {
		return connector.Response{Status: 200}, nil
	})
	g := startGovernor(t, caller)

	// confirmed write: entry cleared as soon as the call succeeds
	results := make(chan error, 1)
	g.EnqueueWrite(governor.WriteIntent{
		Key:      "overlay:1",
		Method:   "PUT",
		Endpoint: "/zones/1/overlay",
		Scope:    "zone:1",
		Fields:   map[string]any{"power": "ON"},
		OnResult: func(err error) { results <- err },
	})
	select {
	case err := <-results:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for confirmation")
	}
	assert.Zero(t, g.Overlay.Len())

	// unconfirmed entry: rides out its TTL and disappears
	g.Overlay.Apply("zone:2", map[string]any{"power": "ON"}, g.Overlay.DefaultTTL(), false, "overlay:2")
	assert.Eventually(t, func() bool {
		g.Overlay.Cleanup()
		return g.Overlay.Len() == 0
	}, time.Second, 20*time.Millisecond)
	assert.Nil(t, g.ReadField("zone:2", "power"))
}

func TestGovernor_ForcePoll(t *testing.T) {
	caller := callerFunc(func(_ context.Context, _ connector.Request) (connector.Response, error) {
		return connector.Response{Status: 200, Body: []byte(`{}`)}, nil
	})
	g := startGovernor(t, caller)

	assert.Error(t, g.ForcePoll("nosuchtrack"))
	assert.NoError(t, g.ForcePoll("zones"))
}
