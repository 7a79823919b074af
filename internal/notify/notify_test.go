package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFeedRunFailedPostsEnvelope(t *testing.T) {
	var got envelope
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	n := New(srv.URL)
	n.FeedRunFailed(context.Background(), RunFailedPayload{
		FeedID:      "feed_1",
		RunID:       "run_1",
		FailureKind: "TRANSIENT",
		FailureCode: "FETCH_FAILED",
	})

	assert.Equal(t, EventFeedRunFailed, got.Event)
	payload, ok := got.Payload.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "feed_1", payload["feedId"])
	assert.Equal(t, "FETCH_FAILED", payload["failureCode"])
}

func TestSendSwallowsServerErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	n := New(srv.URL)
	// Must not panic or return anything.
	n.CircuitBreakerTriggered(context.Background(), BreakerPayload{FeedID: "feed_1"})
}

func TestSendNoopWithoutWebhook(t *testing.T) {
	n := New("")
	n.FeedRecovered(context.Background(), RecoveredPayload{FeedID: "feed_1"})

	var nilNotifier *Notifier
	nilNotifier.FeedAutoDisabled(context.Background(), AutoDisabledPayload{})
}
