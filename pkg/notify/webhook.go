package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/pkg/errors"

	"github.com/appexplore/explorerd"
)

// Webhook delivers alerts as JSON to a chat webhook (Slack-compatible
// payload). An empty URL disables delivery.
type Webhook struct {
	url    string
	client *http.Client
}

// NewWebhook builds a webhook notifier for url.
func NewWebhook(url string) *Webhook {
	return &Webhook{
		url: url,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

type webhookMessage struct {
	Text        string              `json:"text"`
	Attachments []webhookAttachment `json:"attachments,omitempty"`
}

type webhookAttachment struct {
	Color  string `json:"color"`
	Title  string `json:"title"`
	Text   string `json:"text"`
	Footer string `json:"footer,omitempty"`
}

func severityColor(s explorerd.Severity) string {
	switch s {
	case explorerd.SeverityCritical, explorerd.SeverityHigh:
		return "danger"
	case explorerd.SeverityMedium:
		return "warning"
	default:
		return "#439FE0"
	}
}

// Deliver posts one alert. Non-2xx responses are errors so the caller can
// log the failed delivery.
func (w *Webhook) Deliver(ctx context.Context, alert explorerd.Alert) error {
	if w.url == "" {
		return nil
	}

	title := string(alert.Kind)
	if alert.Ref.TaskID != "" {
		title += " task=" + alert.Ref.TaskID
	}
	if alert.Ref.DeviceID != "" {
		title += " device=" + alert.Ref.DeviceID
	}
	msg := webhookMessage{
		Text: "[" + string(alert.Severity) + "] " + string(alert.Kind),
		Attachments: []webhookAttachment{
			{
				Color:  severityColor(alert.Severity),
				Title:  title,
				Text:   alert.Message,
				Footer: "explorerd",
			},
		},
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return errors.Wrap(err, "marshal webhook payload failed")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(payload))
	if err != nil {
		return errors.Wrap(err, "build webhook request failed")
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := w.client.Do(req)
	if err != nil {
		return errors.Wrap(err, "post webhook failed")
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return errors.Errorf("webhook returned %d", resp.StatusCode)
	}
	return nil
}
