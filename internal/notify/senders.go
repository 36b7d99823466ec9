package notify

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"perp-trading-engine/config"
)

// TelegramSender posts messages through the Bot API
type TelegramSender struct {
	botToken string
	chatID   string
	baseURL  string
	client   *http.Client
}

// NewTelegramSender builds the sender; disabled when token or chat id is
// missing.
func NewTelegramSender(cfg *config.NotificationConfig) *TelegramSender {
	return &TelegramSender{
		botToken: cfg.TelegramBotToken,
		chatID:   cfg.TelegramChatID,
		baseURL:  "https://api.telegram.org",
		client:   &http.Client{Timeout: 10 * time.Second},
	}
}

func (t *TelegramSender) Name() string { return "telegram" }

func (t *TelegramSender) Enabled() bool {
	return t.botToken != "" && t.chatID != ""
}

func (t *TelegramSender) Send(msg *Message) error {
	text := msg.Content
	if msg.Priority == PriorityEmergency {
		text = "EMERGENCY\n" + text
	}
	payload := map[string]interface{}{
		"chat_id": t.chatID,
		"text":    text,
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("notify: marshal telegram payload: %w", err)
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", t.baseURL, t.botToken)
	resp, err := t.client.Post(url, "application/json", bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("notify: telegram send: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("notify: telegram status %d", resp.StatusCode)
	}
	return nil
}

// WebhookSender posts the message as JSON to a configured endpoint
type WebhookSender struct {
	url    string
	client *http.Client
}

func NewWebhookSender(cfg *config.NotificationConfig) *WebhookSender {
	return &WebhookSender{
		url:    cfg.WebhookURL,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

func (w *WebhookSender) Name() string { return "webhook" }

func (w *WebhookSender) Enabled() bool { return w.url != "" }

func (w *WebhookSender) Send(msg *Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("notify: marshal webhook payload: %w", err)
	}
	resp, err := w.client.Post(w.url, "application/json", bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("notify: webhook send: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("notify: webhook status %d", resp.StatusCode)
	}
	return nil
}
