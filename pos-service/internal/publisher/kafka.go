package publisher

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/fjod/go_caja/pkg/circuitbreaker"
	"github.com/fjod/go_caja/pos-service/internal/domain"
	"github.com/segmentio/kafka-go"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher writes events to a topic keyed by aggregate id, so events of one
// caja or product stay ordered within a partition.
type KafkaPublisher struct {
	writer  messageWriter
	breaker *circuitbreaker.Breaker
}

func NewKafkaPublisher(brokers []string, topic string, breaker *circuitbreaker.Breaker) *KafkaPublisher {
	w := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		AllowAutoTopicCreation: true,
		WriteTimeout:           5 * time.Second,
		RequiredAcks:           kafka.RequireOne,
	}
	return &KafkaPublisher{writer: w, breaker: breaker}
}

func (p *KafkaPublisher) Publish(ctx context.Context, ev domain.Event) error {
	value, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event %s: %w", ev.ID, err)
	}
	msg := kafka.Message{
		Key:   []byte(ev.AggregateID),
		Value: value,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(ev.Type)},
			{Key: "event_id", Value: []byte(ev.ID)},
		},
		Time: ev.OccurredAt,
	}

	write := func() error { return p.writer.WriteMessages(ctx, msg) }
	if p.breaker == nil {
		return write()
	}
	return p.breaker.Do(write)
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}
