package connector

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPasswordTokenSource(t *testing.T) {
	var grants atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "password", r.PostForm.Get("grant_type"))
		assert.Equal(t, "tado-web-app", r.PostForm.Get("client_id"))
		assert.Equal(t, "user@example.com", r.PostForm.Get("username"))
		grants.Add(1)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"token-1","expires_in":600}`))
	}))
	t.Cleanup(server.Close)

	src := &PasswordTokenSource{
		AuthURL:  server.URL,
		ClientID: "tado-web-app",
		Username: "user@example.com",
		Password: "secret",
	}

	ctx := context.Background()
	token, err := src.Token(ctx)
	require.NoError(t, err)
	assert.Equal(t, "token-1", token)

	// cached: no second grant before expiry
	_, err = src.Token(ctx)
	require.NoError(t, err)
	assert.Equal(t, int32(1), grants.Load())

	// refresh always re-fetches
	_, err = src.Refresh(ctx)
	require.NoError(t, err)
	assert.Equal(t, int32(2), grants.Load())
}

func TestPasswordTokenSource_Rejected(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"invalid_grant"}`))
	}))
	t.Cleanup(server.Close)

	src := &PasswordTokenSource{AuthURL: server.URL}
	_, err := src.Token(context.Background())
	assert.Error(t, err)
}
