// Package notify delivers out-of-band verification codes to administrators.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// ErrDeliveryFailed is wrapped by every Mailer error.
var ErrDeliveryFailed = errors.New("notification delivery failed")

// Message is a verification-code notification.
type Message struct {
	To        string    `json:"to"`
	From      string    `json:"from,omitempty"`
	Subject   string    `json:"subject"`
	Code      string    `json:"code"`
	RequestID string    `json:"requestId"`
	Reason    string    `json:"reason,omitempty"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Mailer sends verification codes.
type Mailer interface {
	SendVerificationCode(ctx context.Context, msg Message) error
}

// LogMailer writes messages to a slog logger. It is meant for development
// deployments without a mail relay.
type LogMailer struct {
	logger *slog.Logger
}

func NewLogMailer(logger *slog.Logger) *LogMailer {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogMailer{logger: logger.With("component", "notify")}
}

func (m *LogMailer) SendVerificationCode(ctx context.Context, msg Message) error {
	m.logger.InfoContext(ctx, "verification code",
		"to", msg.To,
		"request_id", msg.RequestID,
		"code", msg.Code,
		"expires_at", msg.ExpiresAt.UTC().Format(time.RFC3339),
	)
	return nil
}

// WebhookMailer POSTs each message as JSON to a mail relay. Delivery is
// synchronous so the caller learns whether the code went out.
type WebhookMailer struct {
	url        string
	authHeader string // "Header: Value"
	from       string
	client     *http.Client
	logger     *slog.Logger
	retryDelay time.Duration
}

func NewWebhookMailer(url, authHeader, from string, logger *slog.Logger) *WebhookMailer {
	if logger == nil {
		logger = slog.Default()
	}
	return &WebhookMailer{
		url:        url,
		authHeader: authHeader,
		from:       from,
		client:     &http.Client{Timeout: 10 * time.Second},
		logger:     logger.With("component", "notify"),
		retryDelay: 500 * time.Millisecond,
	}
}

// SendVerificationCode delivers msg with one retry on 5xx or transport error.
func (m *WebhookMailer) SendVerificationCode(ctx context.Context, msg Message) error {
	if msg.From == "" {
		msg.From = m.from
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDeliveryFailed, err)
	}

	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return fmt.Errorf("%w: %v", ErrDeliveryFailed, ctx.Err())
			case <-time.After(m.retryDelay):
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.url, bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("%w: %v", ErrDeliveryFailed, err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("User-Agent", "Shelfguard-Mailer/1.0")
		if m.authHeader != "" {
			parts := strings.SplitN(m.authHeader, ":", 2)
			if len(parts) == 2 {
				req.Header.Set(strings.TrimSpace(parts[0]), strings.TrimSpace(parts[1]))
			}
		}

		resp, err := m.client.Do(req)
		if err != nil {
			lastErr = err
			m.logger.Warn("mail relay request failed", "error", err, "attempt", attempt+1)
			continue
		}
		resp.Body.Close()

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			return nil
		case resp.StatusCode >= 500:
			lastErr = fmt.Errorf("mail relay returned %d", resp.StatusCode)
			m.logger.Warn("mail relay server error", "status", resp.StatusCode, "attempt", attempt+1)
			continue
		default:
			return fmt.Errorf("%w: mail relay returned %d", ErrDeliveryFailed, resp.StatusCode)
		}
	}
	return fmt.Errorf("%w: %v", ErrDeliveryFailed, lastErr)
}
