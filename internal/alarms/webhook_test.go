package alarms

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mantle-scada/mantle/internal/identity"
)

func TestNotifierDelivery(t *testing.T) {
	var received Event
	var secret string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		secret = r.Header.Get("X-Alarm-Webhook-Secret")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&received))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	n := NewNotifier(srv.URL, "s3cret", "space-1")
	n.Notify(context.Background(), Event{
		RuleID:    "rule-1",
		RuleName:  "High temp",
		Identity:  identity.Identity{Group: "plant", Node: "line1", Device: "press", Metric: "temp"},
		FromState: StateNormal,
		ToState:   StateActive,
		Value:     "150",
		Timestamp: 1_700_000_000_000,
	})

	assert.Equal(t, "s3cret", secret)
	assert.Equal(t, "rule-1", received.RuleID)
	assert.Equal(t, StateActive, received.ToState)
	assert.Equal(t, StateActive, received.Transition, "transition repeats the target state")
	assert.Equal(t, "space-1", received.SpaceShortID)
	assert.NotEmpty(t, received.EventID, "every delivery carries a fresh event id")
}

func TestNotifierFailureIsSwallowed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	n := NewNotifier(srv.URL, "", "")
	// Delivery is at most once; errors are logged, never raised.
	n.Notify(context.Background(), Event{RuleID: "rule-1", ToState: StateActive})
}

func TestNotifierNil(t *testing.T) {
	assert.Nil(t, NewNotifier("", "secret", "space"))
	var n *Notifier
	n.Notify(context.Background(), Event{})
	assert.Error(t, n.TestFire(context.Background()))
}

func TestTestFire(t *testing.T) {
	hits := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		var ev Event
		require.NoError(t, json.NewDecoder(r.Body).Decode(&ev))
		assert.Equal(t, StateActive, ev.ToState)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n := NewNotifier(srv.URL, "", "")
	require.NoError(t, n.TestFire(context.Background()))
	assert.Equal(t, 1, hits)
}
