package delivery

import "context"

// ChatSender posts a rendered text message to a chat destination.
type ChatSender interface {
	SendChat(ctx context.Context, destination, text string) error
}

// EmailSender sends a plain text mail to one or more comma separated
// recipients.
type EmailSender interface {
	SendEmail(ctx context.Context, destination, subject, body string) error
}

// WebhookMessage is one webhook POST. DeliveryID stays the same across retries
// so receivers can deduplicate.
type WebhookMessage struct {
	DeliveryID string
	EventID    string
	EventType  string
	Body       []byte
}

type WebhookSender interface {
	SendWebhook(ctx context.Context, destination string, msg WebhookMessage) error
}

// Senders groups one sender per channel type. A nil sender makes deliveries of
// that type fail permanently.
type Senders struct {
	Chat    ChatSender
	Email   EmailSender
	Webhook WebhookSender
}
