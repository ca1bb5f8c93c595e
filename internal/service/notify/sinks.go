package notify

import (
	"context"
	"fmt"

	"TrapFlow/internal/domain/models"
	pkghttp "TrapFlow/pkg/http"
)

// Sink delivers alerts to one external channel.
type Sink interface {
	Name() string
	Send(ctx context.Context, a Alert) error
}

// WebhookSink POSTs the alert as JSON.
type WebhookSink struct {
	name    string
	url     string
	headers map[string]string
	client  *pkghttp.Client
}

// NewWebhookSink creates a sink posting to url.
func NewWebhookSink(name, url string, client *pkghttp.Client) *WebhookSink {
	if client == nil {
		client = pkghttp.NewClient()
	}
	return &WebhookSink{name: name, url: url, client: client, headers: map[string]string{}}
}

// WithHeader sets a request header, e.g. an auth token.
func (s *WebhookSink) WithHeader(key, value string) *WebhookSink {
	s.headers[key] = value
	return s
}

func (s *WebhookSink) Name() string { return s.name }

func (s *WebhookSink) Send(ctx context.Context, a Alert) error {
	return s.client.SendAndParse(ctx, &pkghttp.RequestOptions{
		Method:  pkghttp.MethodPost,
		URL:     s.url,
		Headers: s.headers,
		Body:    a,
	}, nil)
}

// ChatSink posts a one-line message to a Discord or Slack style webhook.
type ChatSink struct {
	url    string
	client *pkghttp.Client
}

func NewChatSink(url string, client *pkghttp.Client) *ChatSink {
	if client == nil {
		client = pkghttp.NewClient()
	}
	return &ChatSink{url: url, client: client}
}

func (s *ChatSink) Name() string { return "chat" }

func (s *ChatSink) Send(ctx context.Context, a Alert) error {
	text := fmt.Sprintf(":rotating_light: %s [%s]", a.Summary, a.IngestID)
	if a.CanonicalType == models.TrapUnknown {
		text = fmt.Sprintf(":grey_question: %s [%s]", a.Summary, a.IngestID)
	}
	// "content" is read by Discord, "text" by Slack
	return s.client.SendAndParse(ctx, &pkghttp.RequestOptions{
		Method: pkghttp.MethodPost,
		URL:    s.url,
		Body:   map[string]string{"content": text, "text": text},
	}, nil)
}
