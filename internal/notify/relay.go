package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/yeto-platform/ingestcore/pkg/kafka"
	"github.com/yeto-platform/ingestcore/pkg/resilience"
)

// Webhook posts alerts as JSON to an HTTP endpoint.
type Webhook struct {
	url    string
	client *http.Client
	retry  resilience.RetryConfig
}

func NewWebhook(url string, timeout time.Duration) *Webhook {
	return &Webhook{
		url:    url,
		client: &http.Client{Timeout: timeout},
		retry: resilience.RetryConfig{
			MaxAttempts:  4,
			InitialDelay: 500 * time.Millisecond,
			MaxDelay:     10 * time.Second,
			Multiplier:   2,
		},
	}
}

func (w *Webhook) Notify(ctx context.Context, a Alert) error {
	body, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("encoding alert: %w", err)
	}
	return resilience.Retry(ctx, "webhook", w.retry, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		resp, err := w.client.Do(req)
		if err != nil {
			return err
		}
		resp.Body.Close()
		if resp.StatusCode >= 300 {
			return fmt.Errorf("webhook returned %d", resp.StatusCode)
		}
		return nil
	})
}

// Relay consumes the alerts topic and hands each alert to a downstream
// Notifier. A message is committed only after delivery succeeds.
type Relay struct {
	target Notifier
	logger *slog.Logger
}

func NewRelay(target Notifier) *Relay {
	return &Relay{
		target: target,
		logger: slog.Default().With("component", "alert-relay"),
	}
}

// Handle is a kafka.MessageHandler.
func (r *Relay) Handle(ctx context.Context, key, value []byte) error {
	alert, err := kafka.DecodeJSON[Alert](value)
	if err != nil {
		// Poison messages are logged and committed so they do not block the partition.
		r.logger.Error("dropping undecodable alert", "key", string(key), "error", err)
		return nil
	}
	if err := r.target.Notify(ctx, alert); err != nil {
		return fmt.Errorf("relaying alert for %s: %w", alert.SourceID, err)
	}
	r.logger.Info("alert relayed", "source_id", alert.SourceID, "status", alert.Status)
	return nil
}
