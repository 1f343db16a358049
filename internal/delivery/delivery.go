// Package delivery hands confirmed campaigns to the external email delivery
// queue. The orchestrator records handoffs in the store outbox; the outbox
// sender drains them through a Sink.
package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/BTreeMap/CampaignPipe/internal/models"
	"github.com/BTreeMap/CampaignPipe/internal/store"
)

// DefaultWebhookTimeout bounds a single webhook POST.
const DefaultWebhookTimeout = 10 * time.Second

// ErrUnknownKind is returned for outbox messages this package does not handle.
var ErrUnknownKind = errors.New("unknown outbox message kind")

// Sink accepts a confirmed campaign for dispatch.
type Sink interface {
	Deliver(ctx context.Context, handoff models.CampaignHandoff) error
}

// LogSink only logs handoffs. It is used when no webhook is configured.
type LogSink struct{}

// Deliver logs the handoff and always succeeds.
func (LogSink) Deliver(_ context.Context, h models.CampaignHandoff) error {
	slog.Info("LogSink.Deliver: campaign handed off",
		"campaignID", h.CampaignID, "userID", h.UserID, "sessionID", h.SessionID,
		"templateID", h.TemplateID, "smtpSource", h.SMTPSource, "scheduleAt", h.ScheduleAt)
	return nil
}

// WebhookSink POSTs each handoff as JSON to a fixed URL.
type WebhookSink struct {
	url    string
	client *http.Client
}

// WebhookOption configures a WebhookSink.
type WebhookOption func(*WebhookSink)

// WithHTTPClient overrides the HTTP client used for delivery.
func WithHTTPClient(c *http.Client) WebhookOption {
	return func(s *WebhookSink) {
		s.client = c
	}
}

// NewWebhookSink creates a sink that posts to url.
func NewWebhookSink(url string, opts ...WebhookOption) *WebhookSink {
	s := &WebhookSink{url: url, client: &http.Client{Timeout: DefaultWebhookTimeout}}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Deliver posts the handoff. Any non-2xx status is an error so the outbox
// retries, except a 4xx other than 408 or 429, which rejects the handoff.
func (s *WebhookSink) Deliver(ctx context.Context, h models.CampaignHandoff) error {
	body, err := json.Marshal(h)
	if err != nil {
		return fmt.Errorf("marshal handoff: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", h.CampaignID)

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook request failed: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	switch code := resp.StatusCode; {
	case code >= 200 && code < 300:
	case code >= 400 && code < 500 && code != http.StatusRequestTimeout && code != http.StatusTooManyRequests:
		return fmt.Errorf("%w: webhook returned status %d", store.ErrHandoffRejected, code)
	default:
		return fmt.Errorf("webhook returned status %d", code)
	}
	slog.Debug("WebhookSink.Deliver: delivered", "campaignID", h.CampaignID, "status", resp.StatusCode)
	return nil
}

// SendFunc adapts a Sink to the outbox sender callback. Payloads that cannot
// be decoded are rejected rather than retried.
func SendFunc(sink Sink) store.OutboxSendFunc {
	return func(ctx context.Context, msg store.OutboxMessage) error {
		if msg.Kind != store.HandoffKind {
			return fmt.Errorf("%w: %w: %s", store.ErrHandoffRejected, ErrUnknownKind, msg.Kind)
		}
		var h models.CampaignHandoff
		if err := json.Unmarshal([]byte(msg.PayloadJSON), &h); err != nil {
			return fmt.Errorf("%w: decode handoff %s: %w", store.ErrHandoffRejected, msg.ID, err)
		}
		return sink.Deliver(ctx, h)
	}
}
