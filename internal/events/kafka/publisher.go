package kafka

import (
	"context"
	"encoding/json"

	"github.com/MarkoPoloResearchLab/wallet/pkg/wallet"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

const defaultTopic = "wallet_ledger_events"

// Publisher streams wallet operation events to Kafka. It implements
// wallet.OperationLogger so every ledger mutation produces an audit event;
// publish failures are logged and dropped, never propagated into the
// operation that triggered them.
type Publisher struct {
	writer *kafka.Writer
	logger *zap.Logger
}

// NewPublisher builds a Publisher for the given brokers.
func NewPublisher(brokers []string, topic string, logger *zap.Logger) *Publisher {
	if topic == "" {
		topic = defaultTopic
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Publisher{
		writer: &kafka.Writer{
			Addr:     kafka.TCP(brokers...),
			Topic:    topic,
			Balancer: &kafka.LeastBytes{},
		},
		logger: logger,
	}
}

type operationEvent struct {
	Operation        string `json:"operation"`
	UserID           string `json:"user_id"`
	EntryID          int64  `json:"entry_id,omitempty"`
	ChargeEntryID    int64  `json:"charge_entry_id,omitempty"`
	JobID            string `json:"job_id,omitempty"`
	AmountMinorUnits int64  `json:"amount_minor_units"`
	Currency         string `json:"currency"`
	Status           string `json:"status"`
	Error            string `json:"error,omitempty"`
}

// LogOperation publishes one operation event keyed by user id.
func (publisher *Publisher) LogOperation(ctx context.Context, entry wallet.OperationLog) {
	event := operationEvent{
		Operation:        entry.Operation,
		UserID:           entry.UserID,
		EntryID:          int64(entry.EntryID),
		ChargeEntryID:    int64(entry.ChargeEntryID),
		JobID:            entry.JobID,
		AmountMinorUnits: entry.AmountMinorUnits,
		Currency:         entry.Currency,
		Status:           entry.Status,
	}
	if entry.Error != nil {
		event.Error = entry.Error.Error()
	}
	payload, err := json.Marshal(event)
	if err != nil {
		publisher.logger.Error("marshal wallet event", zap.Error(err))
		return
	}
	err = publisher.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(entry.UserID),
		Value: payload,
	})
	if err != nil {
		publisher.logger.Warn("publish wallet event",
			zap.String("operation", entry.Operation),
			zap.String("user_id", entry.UserID),
			zap.Error(err),
		)
	}
}

// Close flushes and closes the underlying writer.
func (publisher *Publisher) Close() error {
	return publisher.writer.Close()
}
