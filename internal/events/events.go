// Package events publishes booking lifecycle events for downstream consumers
// such as reporting and the rider/driver history services.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/ride-dispatch/internal/observability"
)

const (
	TypeRequested = "booking.requested"
	TypeAccepted  = "booking.accepted"
	TypeStarted   = "booking.started"
	TypeCompleted = "booking.completed"
	TypeCancelled = "booking.cancelled"
	TypeExpired   = "booking.expired"
)

type LifecycleEvent struct {
	Type        string    `json:"type"`
	BookingID   string    `json:"bookingId"`
	Status      string    `json:"status"`
	PassengerID string    `json:"passengerId"`
	DriverID    string    `json:"driverId,omitempty"`
	Actor       string    `json:"actor,omitempty"`
	Reason      string    `json:"reason,omitempty"`
	OccurredAt  time.Time `json:"occurredAt"`
}

type Publisher interface {
	Publish(ctx context.Context, ev LifecycleEvent) error
	Close() error
}

// Nop discards events. Used when no broker is configured.
type Nop struct{}

func (Nop) Publish(context.Context, LifecycleEvent) error { return nil }
func (Nop) Close() error                                  { return nil }

// KafkaPublisher writes events keyed by booking id so every event of a
// booking lands on the same partition in order.
type KafkaPublisher struct {
	writer *kafka.Writer
}

func NewKafkaPublisher(brokers []string, topic string, logger *slog.Logger) *KafkaPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	log := logger.With("component", "events")
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		Async:        true,
		BatchTimeout: 50 * time.Millisecond,
		Completion: func(msgs []kafka.Message, err error) {
			if err != nil {
				observability.EventsPublished.WithLabelValues("failed").Add(float64(len(msgs)))
				log.Warn("lifecycle events not delivered", "count", len(msgs), "error", err)
				return
			}
			observability.EventsPublished.WithLabelValues("delivered").Add(float64(len(msgs)))
		},
	}
	return &KafkaPublisher{writer: w}
}

func (k *KafkaPublisher) Publish(ctx context.Context, ev LifecycleEvent) error {
	m, err := message(ev)
	if err != nil {
		return err
	}
	return k.writer.WriteMessages(ctx, m)
}

func message(ev LifecycleEvent) (kafka.Message, error) {
	b, err := json.Marshal(ev)
	if err != nil {
		return kafka.Message{}, fmt.Errorf("encode %s: %w", ev.Type, err)
	}
	return kafka.Message{
		Key:   []byte(ev.BookingID),
		Value: b,
		Headers: []kafka.Header{
			{Key: "type", Value: []byte(ev.Type)},
		},
		Time: ev.OccurredAt,
	}, nil
}

func (k *KafkaPublisher) Close() error {
	if k.writer == nil {
		return nil
	}
	return k.writer.Close()
}
