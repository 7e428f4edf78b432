// Package events publishes "invoice paid" notifications for downstream
// consumers (accounting sync, service activation). Publishing happens after
// a successful capture and is best effort: a publish failure is reported as
// a pending provision step, never as a payment failure.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	skafka "github.com/segmentio/kafka-go"
)

// InvoicePaid is the event emitted once an invoice is captured.
type InvoicePaid struct {
	InvoiceID     string    `json:"invoiceId"`
	OrderID       string    `json:"orderId"`
	TransactionID string    `json:"transactionId"`
	Amount        float64   `json:"amount"`
	Currency      string    `json:"currency"`
	Gateway       string    `json:"gateway"`
	PaidAt        time.Time `json:"paidAt"`
}

// Publisher is the interface the workflow publishes through.
type Publisher interface {
	PublishInvoicePaid(ctx context.Context, event InvoicePaid) error
	Close() error
}

// Writer is the subset of the kafka writer the publisher needs; it keeps the
// Kafka publisher testable without a broker.
type Writer interface {
	WriteMessages(ctx context.Context, msgs ...skafka.Message) error
	Close() error
}

// KafkaPublisher writes invoice events to a Kafka topic, keyed by invoice id
// so all events for one invoice land on one partition in order.
type KafkaPublisher struct {
	writer Writer
}

// NewKafkaPublisher creates a publisher writing to broker/topic.
func NewKafkaPublisher(broker, topic string) *KafkaPublisher {
	w := &skafka.Writer{
		Addr:     skafka.TCP(broker),
		Topic:    topic,
		Balancer: &skafka.LeastBytes{},
	}
	return &KafkaPublisher{writer: w}
}

// NewKafkaPublisherWithWriter injects a test writer.
func NewKafkaPublisherWithWriter(w Writer) *KafkaPublisher {
	return &KafkaPublisher{writer: w}
}

// PublishInvoicePaid marshals the event and writes one Kafka message.
func (p *KafkaPublisher) PublishInvoicePaid(ctx context.Context, event InvoicePaid) error {
	value, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("events: marshaling invoice paid event: %w", err)
	}
	msg := skafka.Message{Key: []byte(event.InvoiceID), Value: value}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("events: publishing invoice paid event for %s: %w", event.InvoiceID, err)
	}
	return nil
}

// Close closes the underlying writer.
func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

// NopPublisher discards events. Used when no broker is configured.
type NopPublisher struct{}

func (NopPublisher) PublishInvoicePaid(ctx context.Context, event InvoicePaid) error { return nil }
func (NopPublisher) Close() error                                                    { return nil }
