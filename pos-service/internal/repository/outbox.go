package repository

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/fjod/go_caja/pos-service/internal/domain"
)

// OutboxEvent is a domain event stored in the same transaction as the change that raised it.
type OutboxEvent struct {
	ID          int64
	EventID     string
	EventType   string
	AggregateId string
	Payload     []byte // JSON encoded domain.Event
	CreatedAt   time.Time
	ProcessedAt *time.Time
}

func newOutboxEvent(ev domain.Event) (*OutboxEvent, error) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("marshal outbox event: %w", err)
	}
	return &OutboxEvent{
		EventID:     ev.ID,
		EventType:   string(ev.Type),
		AggregateId: ev.AggregateID,
		Payload:     payload,
		CreatedAt:   ev.OccurredAt,
	}, nil
}

// Event decodes the stored envelope.
func (e *OutboxEvent) Event() (domain.Event, error) {
	var ev domain.Event
	if err := json.Unmarshal(e.Payload, &ev); err != nil {
		return domain.Event{}, fmt.Errorf("unmarshal outbox event %d: %w", e.ID, err)
	}
	return ev, nil
}
