package connector

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTokens struct {
	token     string
	refreshed atomic.Int32
}

func (f *fakeTokens) Token(_ context.Context) (string, error) { return f.token, nil }
func (f *fakeTokens) Refresh(_ context.Context) (string, error) {
	f.refreshed.Add(1)
	f.token = "refreshed-" + f.token
	return f.token, nil
}

func newTestClient(t *testing.T, handler http.HandlerFunc) (*Client, *fakeTokens) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	tokens := &fakeTokens{token: "token-1"}
	return NewClient(server.URL, tokens, time.Second, nil, slog.Default()), tokens
}

func TestClient_Call(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer token-1", r.Header.Get("Authorization"))
		w.Header().Set("RateLimit-Policy", "fixed;q=5000;w=86400")
		w.Header().Set("RateLimit", "default;r=4711;t=53100")
		_, _ = w.Write([]byte(`{"ok":true}`))
	})

	resp, err := c.Call(context.Background(), Request{Method: http.MethodGet, Endpoint: "/zones"})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.Status)
	require.NotNil(t, resp.Quota)
	assert.Equal(t, 5000, resp.Quota.Limit)
	assert.Equal(t, 4711, resp.Quota.Remaining)
}

func TestClient_Call_MalformedHeaders(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("RateLimit-Policy", "not-a-policy")
		w.WriteHeader(http.StatusOK)
	})

	resp, err := c.Call(context.Background(), Request{Method: http.MethodGet, Endpoint: "/zones"})
	require.NoError(t, err)
	assert.Nil(t, resp.Quota)
}

func TestClient_Call_ValidationRejected(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte(`{"errors":[{"title":"temperature out of range"}]}`))
	})

	_, err := c.Call(context.Background(), Request{Method: http.MethodPut, Endpoint: "/overlay", Payload: map[string]any{"t": 99}})
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "temperature out of range", ve.Reason)
	assert.False(t, IsTransient(err))
}

func TestClient_Call_QuotaExceeded(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	})

	_, err := c.Call(context.Background(), Request{Method: http.MethodGet, Endpoint: "/zones"})
	assert.ErrorIs(t, err, ErrQuotaExceeded)
}

func TestClient_Call_ServerError(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})

	_, err := c.Call(context.Background(), Request{Method: http.MethodGet, Endpoint: "/zones"})
	assert.True(t, IsTransient(err))
}

func TestClient_Call_RefreshAndReplay(t *testing.T) {
	var calls atomic.Int32
	c, tokens := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		assert.Equal(t, "Bearer refreshed-token-1", r.Header.Get("Authorization"))
		w.WriteHeader(http.StatusOK)
	})

	resp, err := c.Call(context.Background(), Request{Method: http.MethodGet, Endpoint: "/zones"})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.Status)
	assert.Equal(t, int32(1), tokens.refreshed.Load())
}

func TestClient_Call_AuthExpired(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})

	_, err := c.Call(context.Background(), Request{Method: http.MethodGet, Endpoint: "/zones"})
	assert.True(t, IsTransient(err))
	assert.True(t, errors.Is(err, ErrAuthExpired))
}

func TestClient_Call_Timeout(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		time.Sleep(200 * time.Millisecond)
	})
	c.http.Timeout = 10 * time.Millisecond

	_, err := c.Call(context.Background(), Request{Method: http.MethodGet, Endpoint: "/zones"})
	assert.True(t, IsTransient(err))
}
