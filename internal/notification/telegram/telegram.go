package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"
)

const defaultAPIBase = "https://api.telegram.org"

// ErrNotConfigured is returned when no bot token or chat id is set
var ErrNotConfigured = errors.New("telegram token or chat_id not configured")

// CredentialsFunc yields the bot token and chat id. It is called on every
// send so edits to the settings table apply without a restart.
type CredentialsFunc func() (token, chatID string)

// Client represents a Telegram bot client
type Client struct {
	credentials CredentialsFunc
	apiBase     string
	httpClient  *http.Client
}

// New creates a new Telegram client
func New(credentials CredentialsFunc) *Client {
	return &Client{
		credentials: credentials,
		apiBase:     defaultAPIBase,
		httpClient:  &http.Client{Timeout: 10 * time.Second},
	}
}

// Static returns credentials that never change
func Static(token, chatID string) CredentialsFunc {
	return func() (string, string) { return token, chatID }
}

// WithAPIBase points the client at another Bot API endpoint
func (c *Client) WithAPIBase(base string) *Client {
	c.apiBase = base
	return c
}

// Message represents a Telegram message payload
type Message struct {
	ChatID    string `json:"chat_id"`
	Text      string `json:"text"`
	ParseMode string `json:"parse_mode"`
}

// Notify sends message with Markdown formatting
func (c *Client) Notify(ctx context.Context, message string) error {
	token, chatID := c.credentials()
	if token == "" || chatID == "" {
		return ErrNotConfigured
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", c.apiBase, token)

	jsonData, err := json.Marshal(Message{
		ChatID:    chatID,
		Text:      message,
		ParseMode: "Markdown",
	})
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(jsonData))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send message: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("telegram API returned status %d", resp.StatusCode)
	}

	return nil
}
