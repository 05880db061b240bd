// Package messaging delivers outbound guest messages through an external
// channel provider.
package messaging

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

// Kind names the purpose of an outbound message.
type Kind string

const (
	KindRatingRequest Kind = "rating_request"
	KindSurvey        Kind = "post_stay_survey"
	KindProactive     Kind = "proactive"
)

// Payload is what gets delivered to a guest.
type Payload struct {
	Kind     Kind              `json:"kind"`
	Body     string            `json:"body"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Sender delivers one message. Implementations must be safe for concurrent use.
type Sender interface {
	Send(ctx context.Context, tenantID, recipient string, payload Payload) error
}

// ErrRejected is returned when the provider answers with a non-2xx status.
var ErrRejected = errors.New("messaging provider rejected message")

type webhookRequest struct {
	TenantID  string `json:"tenant_id"`
	Recipient string `json:"recipient"`
	Payload
}

type webhookResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// WebhookSender posts messages as JSON to a provider webhook.
type WebhookSender struct {
	url    string
	client *resty.Client
	logger *zap.Logger
}

// NewWebhookSender builds a sender posting to url. token, when set, is sent as
// a bearer token.
func NewWebhookSender(url, token string, timeout time.Duration, logger *zap.Logger) *WebhookSender {
	if logger == nil {
		logger = zap.NewNop()
	}
	client := resty.New().
		SetTimeout(timeout).
		SetRetryCount(2).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(2 * time.Second).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")
	if token != "" {
		client.SetAuthToken(token)
	}
	return &WebhookSender{url: url, client: client, logger: logger.Named("messaging")}
}

// Send posts the message and fails on transport errors or non-2xx replies.
func (s *WebhookSender) Send(ctx context.Context, tenantID, recipient string, payload Payload) error {
	var out webhookResponse
	resp, err := s.client.R().
		SetContext(ctx).
		SetBody(webhookRequest{TenantID: tenantID, Recipient: recipient, Payload: payload}).
		SetResult(&out).
		Post(s.url)
	if err != nil {
		return fmt.Errorf("posting %s message: %w", payload.Kind, err)
	}
	if resp.IsError() {
		return fmt.Errorf("%w: status %d: %s", ErrRejected, resp.StatusCode(), resp.String())
	}

	s.logger.Debug("message sent",
		zap.String("tenant_id", tenantID),
		zap.String("kind", string(payload.Kind)),
		zap.String("provider_id", out.ID),
	)
	return nil
}

// LogSender only logs. It is used when no provider is configured.
type LogSender struct {
	logger *zap.Logger
}

func NewLogSender(logger *zap.Logger) *LogSender {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSender{logger: logger.Named("messaging")}
}

func (s *LogSender) Send(_ context.Context, tenantID, recipient string, payload Payload) error {
	s.logger.Info("no messaging provider configured, dropping message",
		zap.String("tenant_id", tenantID),
		zap.String("recipient", recipient),
		zap.String("kind", string(payload.Kind)),
	)
	return nil
}
