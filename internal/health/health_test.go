package health

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stackwatch/stackwatch/internal/config"
	"github.com/stackwatch/stackwatch/internal/reconciler"
)

func testServer() *Server {
	recon := reconciler.New(reconciler.Options{
		Config: &config.Config{},
		State:  &reconciler.DeploymentState{},
		Logger: slog.New(slog.NewTextHandler(os.Stderr, nil)),
	})
	return New(config.Main{Host: "127.0.0.1", Port: 0}, config.REST{Version: "1.0"}, recon, slog.New(slog.NewTextHandler(os.Stderr, nil)))
}

func TestRootEnvelope(t *testing.T) {
	s := testServer()
	req := httptest.NewRequest(http.MethodGet, "/v0/", nil)
	w := httptest.NewRecorder()
	s.srv.Handler.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var env envelope
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env))
	assert.NotNil(t, env.Data)
}

func TestEchoReturnsBody(t *testing.T) {
	s := testServer()
	req := httptest.NewRequest(http.MethodPost, "/v0/check/echo", bytes.NewBufferString("ping"))
	w := httptest.NewRecorder()
	s.srv.Handler.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	var env envelope
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env))
	assert.Equal(t, "ping", env.Data)
}

func TestFailReturns5xx(t *testing.T) {
	s := testServer()
	req := httptest.NewRequest(http.MethodPost, "/v0/check/fail", nil)
	w := httptest.NewRecorder()
	s.srv.Handler.ServeHTTP(w, req)

	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestStateReflectsReconciler(t *testing.T) {
	s := testServer()
	req := httptest.NewRequest(http.MethodGet, "/v0/state", nil)
	w := httptest.NewRecorder()
	s.srv.Handler.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	var env envelope
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env))
	assert.NotNil(t, env.Data)
}
