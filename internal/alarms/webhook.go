package alarms

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/mantle-scada/mantle/internal/identity"
)

const (
	webhookTimeout      = 10 * time.Second
	webhookSecretHeader = "X-Alarm-Webhook-Secret"
)

// Event is the webhook payload. EventID is fresh per delivery so
// receivers can deduplicate. Transition repeats the target state
// (active or normal, the only states that notify).
type Event struct {
	EventID      string            `json:"eventId"`
	SpaceShortID string            `json:"spaceShortId,omitempty"`
	RuleID       string            `json:"ruleId"`
	RuleName     string            `json:"ruleName"`
	Identity     identity.Identity `json:"identity"`
	Transition   State             `json:"transition"`
	FromState    State             `json:"fromState"`
	ToState      State             `json:"toState"`
	Value        string            `json:"value,omitempty"`
	Timestamp    int64             `json:"timestamp"`
}

// Notifier delivers alarm transitions to the configured webhook.
// Delivery is at most once: a failed POST is logged and dropped, never
// retried. A nil *Notifier is a valid no-op.
type Notifier struct {
	url          string
	secret       string
	spaceShortID string
	client       *http.Client
}

// NewNotifier returns nil when no URL is configured.
func NewNotifier(url, secret, spaceShortID string) *Notifier {
	if url == "" {
		return nil
	}
	return &Notifier{
		url:          url,
		secret:       secret,
		spaceShortID: spaceShortID,
		client:       &http.Client{Timeout: webhookTimeout},
	}
}

// Notify posts one event. Errors are logged, not returned; the alarm
// transition has already been committed and must not roll back on
// delivery failure.
func (n *Notifier) Notify(ctx context.Context, ev Event) {
	if n == nil {
		return
	}
	ev.EventID = uuid.NewString()
	ev.SpaceShortID = n.spaceShortID
	ev.Transition = ev.ToState
	if err := n.post(ctx, ev); err != nil {
		log.Error().Err(err).
			Str("rule", ev.RuleID).
			Str("to", string(ev.ToState)).
			Msg("Webhook delivery failed")
		return
	}
	log.Debug().Str("rule", ev.RuleID).Str("to", string(ev.ToState)).Msg("Webhook delivered")
}

// TestFire sends a synthetic event so operators can verify the endpoint
// without waiting for a real alarm.
func (n *Notifier) TestFire(ctx context.Context) error {
	if n == nil {
		return fmt.Errorf("no webhook configured")
	}
	ev := Event{
		EventID:      uuid.NewString(),
		SpaceShortID: n.spaceShortID,
		RuleID:       uuid.Nil.String(),
		RuleName:     "Test notification",
		Transition:   StateActive,
		FromState:    StateNormal,
		ToState:      StateActive,
		Timestamp:    time.Now().UnixMilli(),
	}
	return n.post(ctx, ev)
}

func (n *Notifier) post(ctx context.Context, ev Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode webhook event: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if n.secret != "" {
		req.Header.Set(webhookSecretHeader, n.secret)
	}
	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("post webhook: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("webhook returned %s", resp.Status)
	}
	return nil
}
