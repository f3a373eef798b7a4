package orchestrator

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stackwatch/stackwatch/internal/config"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c := New(config.Orchestrator{URL: srv.URL, Username: "admin", Password: "secret", EndpointID: -1, StackName: "deployment-agent"})
	c.http.HTTPClient.Timeout = 5 * time.Second
	c.http.RetryMax = 0
	return c, srv
}

func TestAuthenticateCachesToken(t *testing.T) {
	var authCalls int
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/auth" {
			authCalls++
			_ = json.NewEncoder(w).Encode(authResponse{JWT: "tok"})
			return
		}
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode([]endpoint{{ID: 1}})
	})

	_, err := c.ResolveEndpoint(context.Background())
	require.NoError(t, err)
	_, err = c.FindStack(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, authCalls)
}

func TestDoRefreshesTokenOn401(t *testing.T) {
	var authCalls, listCalls int
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/api/auth":
			authCalls++
			_ = json.NewEncoder(w).Encode(authResponse{JWT: "tok"})
		case r.URL.Path == "/api/stacks":
			listCalls++
			if listCalls == 1 {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			_ = json.NewEncoder(w).Encode([]stackSummary{})
		}
	})

	stack, err := c.FindStack(context.Background())
	require.NoError(t, err)
	assert.Nil(t, stack)
	assert.Equal(t, 2, authCalls)
	assert.Equal(t, 2, listCalls)
}

func TestDeployIsNoOpWhenDigestMatchesAndActive(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/api/auth":
			_ = json.NewEncoder(w).Encode(authResponse{JWT: "tok"})
		case r.URL.Path == "/api/endpoints":
			_ = json.NewEncoder(w).Encode([]endpoint{{ID: 7}})
		case r.URL.Path == "/api/stacks":
			_ = json.NewEncoder(w).Encode([]stackSummary{{ID: 42, Name: "deployment-agent", Status: stackStatusActive}})
		default:
			t.Fatalf("unexpected call %s", r.URL.Path)
		}
	})

	outcome, err := c.Deploy(context.Background(), []byte("services: {}\n"), "sha256:abc", "sha256:abc")
	require.NoError(t, err)
	assert.True(t, outcome.NoOp)
	assert.Equal(t, 42, outcome.StackID)
}

func TestDeployCreatesWhenStackMissing(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/api/auth":
			_ = json.NewEncoder(w).Encode(authResponse{JWT: "tok"})
		case r.URL.Path == "/api/endpoints":
			_ = json.NewEncoder(w).Encode([]endpoint{{ID: 7}})
		case r.URL.Path == "/api/stacks" && r.Method == http.MethodGet:
			_ = json.NewEncoder(w).Encode([]stackSummary{})
		case r.URL.Path == "/api/endpoints/7/docker/swarm":
			_ = json.NewEncoder(w).Encode(swarmInfo{ID: "swarm1"})
		case r.Method == http.MethodPost:
			_ = json.NewEncoder(w).Encode(stackSummary{ID: 99, Name: "deployment-agent"})
		default:
			t.Fatalf("unexpected call %s %s", r.Method, r.URL.Path)
		}
	})

	outcome, err := c.Deploy(context.Background(), []byte("services: {}\n"), "", "sha256:new")
	require.NoError(t, err)
	assert.False(t, outcome.NoOp)
	assert.Equal(t, 99, outcome.StackID)
}

func TestResolveEndpointFailsOnAmbiguousList(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/auth":
			_ = json.NewEncoder(w).Encode(authResponse{JWT: "tok"})
		case "/api/endpoints":
			_ = json.NewEncoder(w).Encode([]endpoint{{ID: 1}, {ID: 2}})
		}
	})
	_, err := c.ResolveEndpoint(context.Background())
	require.Error(t, err)
}
