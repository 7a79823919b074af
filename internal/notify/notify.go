package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
)

// Event names with stable payload shapes consumed by the external notifier.
const (
	EventFeedRunFailed           = "feedRunFailed"
	EventCircuitBreakerTriggered = "circuitBreakerTriggered"
	EventFeedAutoDisabled        = "feedAutoDisabled"
	EventFeedRecovered           = "feedRecovered"
)

// Notifier posts run lifecycle events to a webhook. Every send is
// fire-and-forget: failures are logged and never propagate into the run.
type Notifier struct {
	webhookURL string
	client     *http.Client
}

func New(webhookURL string) *Notifier {
	return &Notifier{
		webhookURL: webhookURL,
		client:     &http.Client{Timeout: 5 * time.Second},
	}
}

type envelope struct {
	Event   string      `json:"event"`
	SentAt  time.Time   `json:"sentAt"`
	Payload interface{} `json:"payload"`
}

func (n *Notifier) send(ctx context.Context, event string, payload interface{}) {
	if n == nil || n.webhookURL == "" {
		return
	}

	body, err := json.Marshal(envelope{Event: event, SentAt: time.Now().UTC(), Payload: payload})
	if err != nil {
		log.Warn().Str("component", "notify").Str("event", event).Err(err).Msg("Marshal notification failed")
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.webhookURL, bytes.NewReader(body))
	if err != nil {
		log.Warn().Str("component", "notify").Str("event", event).Err(err).Msg("Build notification request failed")
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		log.Warn().Str("component", "notify").Str("event", event).Err(err).Msg("Notification send failed")
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		log.Warn().
			Str("component", "notify").
			Str("event", event).
			Int("status", resp.StatusCode).
			Msg("Notifier rejected event")
	}
}

type RunFailedPayload struct {
	FeedID         string `json:"feedId"`
	RunID          string `json:"runId"`
	FailureKind    string `json:"failureKind"`
	FailureCode    string `json:"failureCode"`
	FailureMessage string `json:"failureMessage"`
	CorrelationID  string `json:"correlationId"`
}

func (n *Notifier) FeedRunFailed(ctx context.Context, p RunFailedPayload) {
	n.send(ctx, EventFeedRunFailed, p)
}

type BreakerPayload struct {
	FeedID            string `json:"feedId"`
	RunID             string `json:"runId"`
	Reason            string `json:"reason"`
	ActiveCountBefore int    `json:"activeCountBefore"`
	SeenSuccessCount  int    `json:"seenSuccessCount"`
	WouldExpireCount  int    `json:"wouldExpireCount"`
}

func (n *Notifier) CircuitBreakerTriggered(ctx context.Context, p BreakerPayload) {
	n.send(ctx, EventCircuitBreakerTriggered, p)
}

type AutoDisabledPayload struct {
	FeedID              string `json:"feedId"`
	RunID               string `json:"runId"`
	ConsecutiveFailures int    `json:"consecutiveFailures"`
}

func (n *Notifier) FeedAutoDisabled(ctx context.Context, p AutoDisabledPayload) {
	n.send(ctx, EventFeedAutoDisabled, p)
}

type RecoveredPayload struct {
	FeedID           string `json:"feedId"`
	RunID            string `json:"runId"`
	PreviousFailures int    `json:"previousFailures"`
}

func (n *Notifier) FeedRecovered(ctx context.Context, p RecoveredPayload) {
	n.send(ctx, EventFeedRecovered, p)
}
