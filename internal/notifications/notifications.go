package notifications

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/thatsimonsguy/valve-controller/internal/env"
)

const defaultServer = "https://ntfy.sh"

// Notifier delivers operator alerts.
type Notifier interface {
	Send(title, message string) error
}

// Ntfy publishes alerts as JSON messages to an ntfy server.
type Ntfy struct {
	server   string
	topic    string
	Tags     []string
	Priority int
	client   *http.Client
}

type ntfyMessage struct {
	Topic    string   `json:"topic"`
	Title    string   `json:"title"`
	Message  string   `json:"message"`
	Tags     []string `json:"tags,omitempty"`
	Priority int      `json:"priority,omitempty"`
}

func NewNtfy(server, topic string) *Ntfy {
	return &Ntfy{
		server:   server,
		topic:    topic,
		Tags:     []string{"thermometer"},
		Priority: 4,
		client:   &http.Client{Timeout: 10 * time.Second},
	}
}

var defaultNotifier Notifier

// Init sets up the ntfy notifier from env.Cfg. Notifications stay disabled
// without a topic.
func Init() {
	if env.Cfg.NtfyTopic == "" {
		log.Warn().Msg("Ntfy topic not configured - notifications disabled")
		return
	}

	defaultNotifier = NewNtfy(defaultServer, env.Cfg.NtfyTopic)

	log.Info().
		Str("topic", env.Cfg.NtfyTopic).
		Msg("Ntfy notifications initialized")
}

// Default returns the notifier configured by Init, or nil when disabled.
func Default() Notifier {
	return defaultNotifier
}

// Send sends a notification through the notifier configured by Init.
func Send(title, message string) error {
	if defaultNotifier == nil {
		return fmt.Errorf("notifications not initialized")
	}
	return defaultNotifier.Send(title, message)
}

// Send posts to the server root; ntfy routes JSON bodies by their topic field.
func (n *Ntfy) Send(title, message string) error {
	body, err := json.Marshal(ntfyMessage{
		Topic:    n.topic,
		Title:    title,
		Message:  message,
		Tags:     n.Tags,
		Priority: n.Priority,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal notification: %w", err)
	}

	req, err := http.NewRequest(http.MethodPost, n.server, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send notification: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("ntfy returned non-success status: %d", resp.StatusCode)
	}

	log.Debug().
		Str("title", title).
		Int("status", resp.StatusCode).
		Msg("Notification sent")
	return nil
}
