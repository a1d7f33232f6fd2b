package domain

import (
	"math"
	"time"
)

// ProductKind distinguishes physical goods from services, which carry no stock.
type ProductKind string

const (
	KindGoods   ProductKind = "GOODS"
	KindService ProductKind = "SERVICE"
)

// Unlimited is reported as availability for service products.
const Unlimited int32 = math.MaxInt32

// StockInfo contains stock information for a product
type StockInfo struct {
	ProductID int64
	Kind      ProductKind
	Total     int32 // Total stock on the shelf
	Reserved  int32 // Held by in-progress sales
	Minimum   int32 // Low stock threshold, 0 disables the flag
}

// Available returns the available stock (total - reserved)
func (s StockInfo) Available() int32 {
	if s.Kind == KindService {
		return Unlimited
	}
	if s.Reserved > s.Total {
		return 0
	}
	return s.Total - s.Reserved
}

// LowStock reports whether the product has dropped to its minimum.
func (s StockInfo) LowStock() bool {
	return s.Kind != KindService && s.Minimum > 0 && s.Total <= s.Minimum
}

// ReservationItem is a single requested line of a reserve call.
type ReservationItem struct {
	ProductID int64 `json:"productId"`
	Quantity  int32 `json:"quantity"`
}

// Reservation is a session-scoped hold on a quantity of one product.
type Reservation struct {
	ID        string    `json:"reservationId"`
	SessionID string    `json:"sessionId"`
	ProductID int64     `json:"productId"`
	Quantity  int32     `json:"quantity"`
	CreatedAt time.Time `json:"createdAt"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// IsExpiredAt checks if the reservation lease ended before now.
func (r *Reservation) IsExpiredAt(now time.Time) bool {
	return r.ExpiresAt.Before(now)
}

// Holder is another session currently holding stock of a product.
type Holder struct {
	SessionID string `json:"sessionId"`
	Quantity  int32  `json:"quantity"`
}

// Conflict describes a reserve request that could not be granted in full.
type Conflict struct {
	ProductID int64    `json:"productId"`
	Requested int32    `json:"requestedQuantity"`
	Available int32    `json:"availableQuantity"`
	Holders   []Holder `json:"holders"`
}

// ReserveResult is the outcome of a batch reserve. Granted and Conflicts may both be non-empty.
type ReserveResult struct {
	Granted   []Reservation `json:"granted"`
	Conflicts []Conflict    `json:"conflicts"`
}

// CommittedLine is a reservation converted into a permanent decrement.
type CommittedLine struct {
	ProductID int64 `json:"productId"`
	Quantity  int32 `json:"quantity"`
}
