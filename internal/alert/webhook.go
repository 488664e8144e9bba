package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"trading_bot/pkg/retry"
)

// WebhookChannel POSTs alerts as JSON to an arbitrary endpoint, for wiring
// into pagers or chat integrations that accept a simple webhook.
type WebhookChannel struct {
	url    string
	client *http.Client
}

func NewWebhookChannel(url string) *WebhookChannel {
	return &WebhookChannel{
		url:    url,
		client: &http.Client{Timeout: 5 * time.Second},
	}
}

func (w *WebhookChannel) Name() string {
	return "webhook"
}

type webhookBody struct {
	Level     string            `json:"level"`
	Title     string            `json:"title"`
	Message   string            `json:"message"`
	Timestamp int64             `json:"timestamp"`
	Fields    map[string]string `json:"fields,omitempty"`
}

func (w *WebhookChannel) Send(ctx context.Context, alert AlertPayload) error {
	if w.url == "" {
		return nil
	}

	body, err := json.Marshal(webhookBody{
		Level:     string(alert.Level),
		Title:     alert.Title,
		Message:   alert.Message,
		Timestamp: alert.Timestamp.Unix(),
		Fields:    alert.Fields,
	})
	if err != nil {
		return err
	}

	// Alerts carry halt and mismatch notifications, so delivery is retried
	return retry.Do(ctx, retry.DefaultPolicy, nil, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := w.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return fmt.Errorf("webhook send failed: status %d", resp.StatusCode)
		}
		return nil
	})
}
