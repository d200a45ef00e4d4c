package telegram

import (
	"fmt"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// Alert is an operator notification formatted for Telegram.
type Alert struct {
	Severity  string
	Title     string
	Message   string
	Provider  string
	TenantID  string
	Timestamp time.Time
}

// Sender sends messages to a chat. The interface exists so tests can
// substitute a fake for the real Bot API.
type Sender interface {
	SendMessage(chatID int64, text string) error
}

// Client wraps the Bot API for a single operator chat.
type Client struct {
	sender  Sender
	chatID  int64
	enabled bool
}

// NewClient connects to the Telegram Bot API. A missing token or chat ID
// yields a disabled client whose sends are no-ops.
func NewClient(token string, chatID int64) (*Client, error) {
	token = strings.TrimSpace(token)
	if token == "" || chatID == 0 {
		return &Client{}, nil
	}
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, err
	}
	return &Client{sender: &botSender{bot: bot}, chatID: chatID, enabled: true}, nil
}

// NewClientWithSender builds a client over a custom sender, used in tests.
func NewClientWithSender(sender Sender, chatID int64) *Client {
	return &Client{sender: sender, chatID: chatID, enabled: sender != nil}
}

// IsEnabled reports whether the client can actually send.
func (c *Client) IsEnabled() bool {
	return c.enabled
}

// SendMessage sends plain text to the operator chat.
func (c *Client) SendMessage(text string) error {
	if !c.enabled || strings.TrimSpace(text) == "" {
		return nil
	}
	return c.sender.SendMessage(c.chatID, text)
}

// SendAlert formats and sends an alert to the operator chat.
func (c *Client) SendAlert(alert Alert) error {
	return c.SendMessage(FormatAlert(alert))
}

// FormatAlert renders an alert as a Telegram message.
func FormatAlert(alert Alert) string {
	icon := "ℹ️"
	switch alert.Severity {
	case "warning":
		icon = "⚠️"
	case "critical":
		icon = "🚨"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s *%s*\n", icon, alert.Title)
	if alert.Provider != "" {
		fmt.Fprintf(&b, "Provider: %s\n", alert.Provider)
	}
	if alert.TenantID != "" {
		fmt.Fprintf(&b, "Tenant: %s\n", alert.TenantID)
	}
	fmt.Fprintf(&b, "%s\n", alert.Message)
	if !alert.Timestamp.IsZero() {
		fmt.Fprintf(&b, "At: %s", alert.Timestamp.UTC().Format("2006-01-02 15:04:05"))
	}
	return b.String()
}

// botSender adapts tgbotapi.BotAPI to the Sender interface.
type botSender struct {
	bot *tgbotapi.BotAPI
}

func (s *botSender) SendMessage(chatID int64, text string) error {
	msg := tgbotapi.NewMessage(chatID, text)
	msg.ParseMode = "Markdown"
	_, err := s.bot.Send(msg)
	return err
}
