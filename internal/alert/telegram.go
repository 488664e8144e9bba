package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"
)

var levelIcons = map[AlertLevel]string{
	Info:     "ℹ️",
	Warning:  "⚠️",
	Error:    "❌",
	Critical: "🚨",
}

// TelegramChannel delivers alerts to a Telegram chat via the bot API.
// An unconfigured channel silently drops alerts.
type TelegramChannel struct {
	botToken string
	chatID   string
	client   *http.Client
}

func NewTelegramChannel(botToken, chatID string) *TelegramChannel {
	return &TelegramChannel{
		botToken: botToken,
		chatID:   chatID,
		client:   &http.Client{Timeout: 5 * time.Second},
	}
}

func (t *TelegramChannel) Name() string {
	return "telegram"
}

func (t *TelegramChannel) Send(ctx context.Context, alert AlertPayload) error {
	if t.botToken == "" || t.chatID == "" {
		return nil
	}

	var text strings.Builder
	fmt.Fprintf(&text, "%s *[%s] %s*\n\n%s", levelIcons[alert.Level], alert.Level, alert.Title, alert.Message)

	// Sorted so repeated alerts render identically
	keys := make([]string, 0, len(alert.Fields))
	for k := range alert.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	if len(keys) > 0 {
		text.WriteString("\n")
	}
	for _, k := range keys {
		fmt.Fprintf(&text, "\n- *%s*: %s", k, alert.Fields[k])
	}

	body, err := json.Marshal(map[string]interface{}{
		"chat_id":    t.chatID,
		"text":       text.String(),
		"parse_mode": "Markdown",
	})
	if err != nil {
		return err
	}

	url := fmt.Sprintf("https://api.telegram.org/bot%s/sendMessage", t.botToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("telegram send failed: status %d", resp.StatusCode)
	}
	return nil
}
