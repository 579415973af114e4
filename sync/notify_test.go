package sync

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestSupervisor points a client at a local stand-in for the Supervisor
// API.
func newTestSupervisor(t *testing.T, handler http.Handler) *SupervisorClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return &SupervisorClient{
		baseURL: srv.URL,
		token:   "test-token",
		service: "persistent_notification",
		http:    &http.Client{Timeout: time.Second},
	}
}

func TestSupervisorClient_Notify(t *testing.T) {
	var gotPath, gotAuth string
	var gotBody map[string]string
	c := newTestSupervisor(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		w.WriteHeader(http.StatusOK)
	}))

	c.Notify(SeveritySuccess, "Backup copied", "backup.tar (1 MB)")

	assert.Equal(t, "/core/api/services/notify/persistent_notification", gotPath)
	assert.Equal(t, "Bearer test-token", gotAuth)
	assert.Equal(t, "[success] Backup copied", gotBody["title"])
	assert.Equal(t, "backup.tar (1 MB)", gotBody["message"])
}

func TestSupervisorClient_NotifyWithoutTokenIsLogOnly(t *testing.T) {
	called := false
	c := newTestSupervisor(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	c.token = ""

	c.Notify(SeverityError, "title", "body")
	assert.False(t, called)
}

func TestSupervisorClient_TurnOn(t *testing.T) {
	var gotPath string
	var gotBody map[string]string
	c := newTestSupervisor(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		w.WriteHeader(http.StatusOK)
	}))

	require.NoError(t, c.TurnOn(context.Background(), "switch.backup_disk"))
	assert.Equal(t, "/core/api/services/switch/turn_on", gotPath)
	assert.Equal(t, "switch.backup_disk", gotBody["entity_id"])
}

func TestSupervisorClient_TurnOnFailure(t *testing.T) {
	c := newTestSupervisor(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))

	assert.Error(t, c.TurnOn(context.Background(), "switch.backup_disk"))
}

func TestSupervisorClient_WaitForState(t *testing.T) {
	c := newTestSupervisor(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/core/api/states/switch.backup_disk", r.URL.Path)
		json.NewEncoder(w).Encode(map[string]string{"state": "on"}) //nolint:errcheck
	}))

	require.NoError(t, c.WaitForState(context.Background(), "switch.backup_disk", "on"))
}

func TestSupervisorClient_WaitForStateCancelled(t *testing.T) {
	c := newTestSupervisor(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"state": "off"}) //nolint:errcheck
	}))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := c.WaitForState(ctx, "switch.backup_disk", "on")
	assert.ErrorIs(t, err, context.Canceled)
}
