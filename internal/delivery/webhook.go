package delivery

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
)

const (
	HeaderDelivery  = "X-Iacnotify-Delivery"
	HeaderEvent     = "X-Iacnotify-Event"
	HeaderEventType = "X-Iacnotify-Event-Type"
	HeaderSignature = "X-Iacnotify-Signature"
)

// WebhookClient posts JSON payloads to generic webhook receivers.
type WebhookClient struct {
	HTTP *http.Client
	// Secret, when set, signs the body: "sha256=" + hex(HMAC-SHA256(secret, body)).
	Secret string
}

func NewWebhookClient(httpClient *http.Client, secret string) *WebhookClient {
	if httpClient == nil {
		httpClient = defaultHTTPClient()
	}
	return &WebhookClient{HTTP: httpClient, Secret: secret}
}

func (c *WebhookClient) SendWebhook(ctx context.Context, destination string, msg WebhookMessage) error {
	u, err := parseHTTPDestination(destination)
	if err != nil {
		return err
	}
	h := http.Header{}
	h.Set(HeaderDelivery, msg.DeliveryID)
	h.Set(HeaderEvent, msg.EventID)
	if msg.EventType != "" {
		h.Set(HeaderEventType, msg.EventType)
	}
	if c.Secret != "" {
		h.Set(HeaderSignature, Sign(c.Secret, msg.Body))
	}
	client := c.HTTP
	if client == nil {
		client = defaultHTTPClient()
	}
	return postJSON(ctx, client, u.String(), msg.Body, h)
}

// Sign returns the signature header value for body.
func Sign(secret string, body []byte) string {
	m := hmac.New(sha256.New, []byte(secret))
	_, _ = m.Write(body)
	return "sha256=" + hex.EncodeToString(m.Sum(nil))
}
