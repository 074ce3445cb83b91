// Package deadletter reports notifications that exhausted their retries to
// the places operators watch.
package deadletter

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/twmb/franz-go/pkg/kgo"

	"reliance/internal/notify"
)

// Producer is the subset of *kgo.Client the Kafka reporter needs.
type Producer interface {
	ProduceSync(ctx context.Context, rs ...*kgo.Record) kgo.ProduceResults
}

// KafkaReporter publishes each dead letter to a topic keyed by event id.
// Payload bodies are omitted; the event stays retrievable from the store.
type KafkaReporter struct {
	producer Producer
	topic    string
}

func NewKafkaReporter(producer Producer, topic string) *KafkaReporter {
	return &KafkaReporter{producer: producer, topic: topic}
}

type message struct {
	EventID     string `json:"event_id"`
	EventType   string `json:"event_type"`
	Destination string `json:"destination"`
	Attempts    int    `json:"attempts"`
	LastError   string `json:"last_error,omitempty"`
	Reason      string `json:"reason"`
	FailedAt    string `json:"failed_at"`
}

func (r *KafkaReporter) Report(ctx context.Context, dl notify.DeadLetter) error {
	value, err := json.Marshal(message{
		EventID:     dl.Event.ID,
		EventType:   dl.Event.Type,
		Destination: dl.Event.Destination,
		Attempts:    dl.Event.Attempts,
		LastError:   dl.Event.LastError,
		Reason:      dl.Reason,
		FailedAt:    dl.FailedAt.UTC().Format("2006-01-02T15:04:05.000000Z07:00"),
	})
	if err != nil {
		return fmt.Errorf("marshal dead letter: %w", err)
	}
	rec := &kgo.Record{
		Topic: r.topic,
		Key:   []byte(dl.Event.ID),
		Value: value,
		Headers: []kgo.RecordHeader{
			{Key: "reason", Value: []byte(dl.Reason)},
		},
	}
	if err := r.producer.ProduceSync(ctx, rec).FirstErr(); err != nil {
		return fmt.Errorf("produce dead letter: %w", err)
	}
	return nil
}

// LogReporter writes each dead letter as an error log line.
type LogReporter struct {
	logger *slog.Logger
}

func NewLogReporter(logger *slog.Logger) *LogReporter {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogReporter{logger: logger}
}

func (r *LogReporter) Report(ctx context.Context, dl notify.DeadLetter) error {
	r.logger.ErrorContext(ctx, "dead letter requires manual intervention",
		"event_id", dl.Event.ID,
		"event_type", dl.Event.Type,
		"reason", dl.Reason,
		"attempts", dl.Event.Attempts,
		"failed_at", dl.FailedAt,
	)
	return nil
}
