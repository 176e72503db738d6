// Package notify delivers source health alerts. The monitor publishes to a
// Notifier; in production that is Kafka, and the relay in cmd/notifier
// forwards each alert to the operators' webhook.
package notify

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/yeto-platform/ingestcore/pkg/kafka"
)

// Alert is raised when a source becomes critical.
type Alert struct {
	SourceID string    `json:"source_id"`
	Status   string    `json:"status"`
	Message  string    `json:"message"`
	RaisedAt time.Time `json:"raised_at"`
}

type Notifier interface {
	Notify(ctx context.Context, alert Alert) error
}

// LogNotifier writes alerts to the structured log.
type LogNotifier struct {
	logger *slog.Logger
}

func NewLogNotifier() *LogNotifier {
	return &LogNotifier{logger: slog.Default().With("component", "alerts")}
}

func (n *LogNotifier) Notify(_ context.Context, a Alert) error {
	n.logger.Warn("source alert",
		"source_id", a.SourceID,
		"status", a.Status,
		"message", a.Message,
		"raised_at", a.RaisedAt,
	)
	return nil
}

// KafkaNotifier publishes alerts keyed by source ID.
type KafkaNotifier struct {
	producer *kafka.Producer
}

func NewKafkaNotifier(p *kafka.Producer) *KafkaNotifier {
	return &KafkaNotifier{producer: p}
}

func (n *KafkaNotifier) Notify(ctx context.Context, a Alert) error {
	return n.producer.Publish(ctx, kafka.Event{Key: a.SourceID, Value: a})
}

// Multi fans an alert out to every notifier and joins their errors.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, a Alert) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, a); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
