package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
)

// WebhookNotifier posts Slack-compatible JSON payloads to a URL.
type WebhookNotifier struct {
	name   string
	url    string
	client *http.Client
}

// NewWebhookNotifier builds a notifier for one webhook URL. Request
// lifetime is bounded by the engine's dispatch timeout, not a client
// timeout.
func NewWebhookNotifier(name, url string) *WebhookNotifier {
	return &WebhookNotifier{
		name:   name,
		url:    url,
		client: &http.Client{},
	}
}

// Name implements Notifier.
func (n *WebhookNotifier) Name() string { return n.name }

// Notify posts the event. Any non-2xx response counts as failure so the
// engine logs it.
func (n *WebhookNotifier) Notify(ctx context.Context, ev Event) error {
	a := ev.Alert
	var text string
	switch ev.Type {
	case EventResolved:
		text = fmt.Sprintf(":white_check_mark: resolved: %s %s (observed %.2f)",
			a.Metric, a.Level, a.Observed)
	default:
		text = fmt.Sprintf(":rotating_light: %s: %s observed %.2f, threshold %s %.2f",
			a.Level, a.Metric, a.Observed, a.Operator, a.Threshold)
	}

	payload, err := json.Marshal(struct {
		Text  string `json:"text"`
		Event Event  `json:"event"`
	}{Text: text, Event: ev})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("webhook returned %s", resp.Status)
	}
	return nil
}
