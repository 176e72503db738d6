package runs

import (
	"context"
	"time"

	"github.com/yeto-platform/ingestcore/pkg/kafka"
)

// Event describes one committed transition.
type Event struct {
	RunID         int64     `json:"run_id"`
	SourceID      string    `json:"source_id"`
	ConnectorName string    `json:"connector_name"`
	From          Status    `json:"from"`
	To            Status    `json:"to"`
	At            time.Time `json:"at"`
	Counts        Counts    `json:"counts"`
	ErrorMessage  string    `json:"error_message,omitempty"`
}

// KafkaPublisher writes run events keyed by source so every event for one
// source lands on the same partition in commit order.
type KafkaPublisher struct {
	producer *kafka.Producer
}

func NewKafkaPublisher(p *kafka.Producer) *KafkaPublisher {
	return &KafkaPublisher{producer: p}
}

func (k *KafkaPublisher) PublishRunEvent(ctx context.Context, ev Event) error {
	return k.producer.Publish(ctx, kafka.Event{Key: ev.SourceID, Value: ev})
}


// PublishRunEvents writes a set of events in one produce call.
func (k *KafkaPublisher) PublishRunEvents(ctx context.Context, evs []Event) error {
	batch := make([]kafka.Event, len(evs))
	for i, ev := range evs {
		batch[i] = kafka.Event{Key: ev.SourceID, Value: ev}
	}
	return k.producer.PublishBatch(ctx, batch)
}
