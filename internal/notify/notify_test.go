package notify

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type failingNotifier struct{ calls *int }

func (f failingNotifier) Name() string { return "failing" }
func (f failingNotifier) Send(ctx context.Context, alert Alert) error {
	*f.calls++
	return assert.AnError
}

type countingNotifier struct{ calls *int }

func (c countingNotifier) Name() string { return "counting" }
func (c countingNotifier) Send(ctx context.Context, alert Alert) error {
	*c.calls++
	return nil
}

func TestDispatcherContinuesAfterOneNotifierFails(t *testing.T) {
	var failCalls, okCalls int
	d := NewDispatcher(slog.Default(), failingNotifier{calls: &failCalls}, countingNotifier{calls: &okCalls})
	d.Send(context.Background(), Alert{StackName: "deployment-agent"})
	assert.Equal(t, 1, failCalls)
	assert.Equal(t, 1, okCalls)
}

func TestMattermostPostsTextPayload(t *testing.T) {
	var received mattermostPayload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(body, &received))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n := NewMattermost("ops", srv.URL, "deployed")
	err := n.Send(context.Background(), Alert{StackName: "deployment-agent", OldDigest: "sha256:aaa", NewDigest: "sha256:bbb"})
	require.NoError(t, err)
	assert.Contains(t, received.Text, "deployed")
}
