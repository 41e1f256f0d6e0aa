package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func introspectionServer(t *testing.T, hits *atomic.Int64, body map[string]any) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits != nil {
			hits.Add(1)
		}
		require.NoError(t, r.ParseForm())
		assert.NotEmpty(t, r.PostForm.Get("token"))
		w.Header().Set("Content-Type", "application/json")
		require.NoError(t, json.NewEncoder(w).Encode(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestIntrospectionGateAcceptsActiveToken(t *testing.T) {
	t.Parallel()

	exp := time.Now().Add(time.Hour)
	srv := introspectionServer(t, nil, map[string]any{
		"active": true,
		"sub":    "user-7",
		"scope":  "tools:invoke",
		"exp":    exp.Unix(),
	})

	g := NewIntrospectionGate(srv.URL)
	ac, err := g.Authorize(context.Background(), Credentials{Bearer: "sess-token"})
	require.NoError(t, err)
	assert.Equal(t, "user-7", ac.Subject)
	assert.Equal(t, []string{"tools:invoke"}, ac.Scopes)
	assert.WithinDuration(t, exp, ac.Expiry, time.Second)
}

func TestIntrospectionGateRejectsInactiveToken(t *testing.T) {
	t.Parallel()

	srv := introspectionServer(t, nil, map[string]any{"active": false})

	g := NewIntrospectionGate(srv.URL)
	_, err := g.Authorize(context.Background(), Credentials{Bearer: "revoked"})
	var ae *Error
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, ReasonInvalid, ae.Reason)
}

func TestIntrospectionGateRejectsLapsedToken(t *testing.T) {
	t.Parallel()

	past := time.Now().Add(-time.Hour)
	srv := introspectionServer(t, nil, map[string]any{
		"active": true,
		"sub":    "user-7",
		"exp":    past.Unix(),
	})

	g := NewIntrospectionGate(srv.URL)
	_, err := g.Authorize(context.Background(), Credentials{Bearer: "stale"})
	var ae *Error
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, ReasonExpired, ae.Reason)
}

func TestIntrospectionGateRejectsMissingToken(t *testing.T) {
	t.Parallel()

	g := NewIntrospectionGate("http://unused.invalid")
	_, err := g.Authorize(context.Background(), Credentials{})
	var ae *Error
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, ReasonMissing, ae.Reason)
}

func TestIntrospectionGateSurfacesEndpointFailure(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	t.Cleanup(srv.Close)

	g := NewIntrospectionGate(srv.URL)
	_, err := g.Authorize(context.Background(), Credentials{Bearer: "tok"})
	require.Error(t, err)
	assert.True(t, IsAuthError(err))
}
