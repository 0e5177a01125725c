package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
)

// ChatClient delivers chat messages. Slack and Teams incoming webhooks both
// accept {"text": ...}; "telegram:" destinations go through Telegram when a
// bot is configured.
type ChatClient struct {
	HTTP     *http.Client
	Telegram *TelegramSender
}

func NewChatClient(httpClient *http.Client, tg *TelegramSender) *ChatClient {
	if httpClient == nil {
		httpClient = defaultHTTPClient()
	}
	return &ChatClient{HTTP: httpClient, Telegram: tg}
}

func (c *ChatClient) SendChat(ctx context.Context, destination, text string) error {
	if strings.HasPrefix(destination, telegramPrefix) {
		if c.Telegram == nil {
			return Permanent(errors.New("telegram destination but telegram.token is not configured"))
		}
		return c.Telegram.SendChat(ctx, destination, text)
	}

	u, err := parseHTTPDestination(destination)
	if err != nil {
		return err
	}
	body, err := json.Marshal(struct {
		Text string `json:"text"`
	}{Text: text})
	if err != nil {
		return Permanent(err)
	}
	client := c.HTTP
	if client == nil {
		client = defaultHTTPClient()
	}
	return postJSON(ctx, client, u.String(), body, nil)
}
