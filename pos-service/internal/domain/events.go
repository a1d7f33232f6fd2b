package domain

import (
	"encoding/json"
	"time"
)

// EventType names a domain event emitted to subscribers.
type EventType string

const (
	EventStockReserved        EventType = "stock.reserved"
	EventStockReleased        EventType = "stock.released"
	EventReservationExpired   EventType = "stock.reservation.expired"
	EventCajaOpened           EventType = "caja.opened"
	EventTransactionPosted    EventType = "caja.transaction.posted"
	EventTransactionVoided    EventType = "caja.transaction.voided"
	EventCloseRequested       EventType = "caja.close.requested"
	EventCloseAuthorized      EventType = "caja.close.authorized"
	EventPendingPhysicalCount EventType = "caja.pending_physical_count"
	EventCajaClosed           EventType = "caja.closed"
	EventCashCounted          EventType = "caja.count.recorded"
)

// Event is the envelope published to Kafka and streamed to clients.
type Event struct {
	ID          string          `json:"id"`
	Type        EventType       `json:"type"`
	AggregateID string          `json:"aggregateId"`
	State       string          `json:"state,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	OccurredAt  time.Time       `json:"occurredAt"`
}

// StockEvent is the payload of stock.* events.
type StockEvent struct {
	ProductID int64  `json:"productId"`
	SessionID string `json:"sessionId"`
	Quantity  int32  `json:"quantity"`
	Available int32  `json:"available"`
}
