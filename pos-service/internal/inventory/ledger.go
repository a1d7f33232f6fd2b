package inventory

import (
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/fjod/go_caja/pos-service/internal/domain"
	"github.com/google/uuid"
)

// stockRow is one product's counts plus the holds against it.
// Every field is guarded by mu; Reserved always equals the sum of holds.
type stockRow struct {
	mu    sync.Mutex
	info  domain.StockInfo
	holds map[string]*domain.Reservation // sessionID -> hold
}

// Ledger keeps the authoritative stock counts per product.
// Each product row is serialized by its own mutex; the row map has a separate lock.
type Ledger struct {
	mu   sync.RWMutex
	rows map[int64]*stockRow
}

// NewLedger creates an empty in-memory ledger
func NewLedger() *Ledger {
	return &Ledger{rows: make(map[int64]*stockRow)}
}

func (l *Ledger) row(productID int64) (*stockRow, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	r, ok := l.rows[productID]
	return r, ok
}

func (l *Ledger) rowOrCreate(productID int64) *stockRow {
	if r, ok := l.row(productID); ok {
		return r
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if r, ok := l.rows[productID]; ok {
		return r
	}
	r := &stockRow{
		info:  domain.StockInfo{ProductID: productID, Kind: domain.KindGoods},
		holds: make(map[string]*domain.Reservation),
	}
	l.rows[productID] = r
	return r
}

// snapshotRows returns every row ordered by product id.
func (l *Ledger) snapshotRows() []*stockRow {
	l.mu.RLock()
	ids := make([]int64, 0, len(l.rows))
	for id := range l.rows {
		ids = append(ids, id)
	}
	l.mu.RUnlock()
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	out := make([]*stockRow, 0, len(ids))
	for _, id := range ids {
		if r, ok := l.row(id); ok {
			out = append(out, r)
		}
	}
	return out
}

// SetStock sets the shelf count and kind of a product. Existing holds are kept,
// so total may not drop below what is currently reserved.
func (l *Ledger) SetStock(productID int64, total int32, kind domain.ProductKind, minimum int32) error {
	if total < 0 || minimum < 0 {
		return domain.ErrInvalidQuantity
	}
	if kind == "" {
		kind = domain.KindGoods
	}
	r := l.rowOrCreate(productID)
	r.mu.Lock()
	defer r.mu.Unlock()
	if kind == domain.KindGoods && total < r.info.Reserved {
		return fmt.Errorf("%w: product %d has %d reserved", domain.ErrInsufficientStock, productID, r.info.Reserved)
	}
	r.info.Total = total
	r.info.Kind = kind
	r.info.Minimum = minimum
	return nil
}

// GetAvailable returns total minus reserved for a product.
func (l *Ledger) GetAvailable(productID int64) (int32, error) {
	r, ok := l.row(productID)
	if !ok {
		return 0, fmt.Errorf("%w: %d", domain.ErrProductNotFound, productID)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.info.Available(), nil
}

// GetStock returns stock information for the given product IDs, or for every product when none are given.
// Unknown ids are skipped.
func (l *Ledger) GetStock(productIDs ...int64) []domain.StockInfo {
	var rows []*stockRow
	if len(productIDs) == 0 {
		rows = l.snapshotRows()
	} else {
		for _, id := range productIDs {
			if r, ok := l.row(id); ok {
				rows = append(rows, r)
			}
		}
	}

	result := make([]domain.StockInfo, 0, len(rows))
	for _, r := range rows {
		r.mu.Lock()
		result = append(result, r.info)
		r.mu.Unlock()
	}
	return result
}

// CommitDecrement permanently removes quantity units that were not reserved.
// Reserved units are committed through Manager.Commit instead.
func (l *Ledger) CommitDecrement(productID int64, quantity int32) error {
	if quantity <= 0 {
		return domain.ErrInvalidQuantity
	}
	r, ok := l.row(productID)
	if !ok {
		return fmt.Errorf("%w: %d", domain.ErrProductNotFound, productID)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.info.Kind == domain.KindService {
		return nil
	}
	if quantity > r.info.Total || quantity > r.info.Available() {
		return fmt.Errorf("%w: product %d requested %d available %d",
			domain.ErrInsufficientStock, productID, quantity, r.info.Available())
	}
	r.info.Total -= quantity
	return nil
}

// Restock adds units to a product, creating the row when it is unknown.
func (l *Ledger) Restock(productID int64, quantity int32) error {
	if quantity <= 0 {
		return domain.ErrInvalidQuantity
	}
	r := l.rowOrCreate(productID)
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.info.Kind == domain.KindService {
		return nil
	}
	if quantity > math.MaxInt32-r.info.Total {
		return fmt.Errorf("%w: product %d total would overflow", domain.ErrInvalidQuantity, productID)
	}
	r.info.Total += quantity
	return nil
}

// The primitives below touch Reserved. Callers must hold r.mu.

// hold sets the session's reservation on this row to want units.
// ok is false when the increase does not fit; available is what the session could hold in total.
func (r *stockRow) hold(sessionID string, want int32, now time.Time, ttl time.Duration) (res domain.Reservation, available int32, ok bool) {
	var current int32
	h, exists := r.holds[sessionID]
	if exists {
		current = h.Quantity
	}
	available = r.info.Total - r.info.Reserved + current
	if want <= 0 || want > available {
		return domain.Reservation{}, available, false
	}

	r.info.Reserved += want - current
	if !exists {
		h = &domain.Reservation{
			ID:        uuid.New().String(),
			SessionID: sessionID,
			ProductID: r.info.ProductID,
			CreatedAt: now,
		}
		r.holds[sessionID] = h
	}
	h.Quantity = want
	h.ExpiresAt = now.Add(ttl)
	return *h, available, true
}

// unhold drops the session's reservation and returns its units to available.
func (r *stockRow) unhold(sessionID string) (domain.Reservation, bool) {
	h, ok := r.holds[sessionID]
	if !ok {
		return domain.Reservation{}, false
	}
	r.info.Reserved -= h.Quantity
	delete(r.holds, sessionID)
	return *h, true
}

// consume turns the session's hold into a permanent decrement of total and reserved.
func (r *stockRow) consume(sessionID string) (domain.Reservation, bool) {
	h, ok := r.holds[sessionID]
	if !ok {
		return domain.Reservation{}, false
	}
	r.info.Total -= h.Quantity
	r.info.Reserved -= h.Quantity
	delete(r.holds, sessionID)
	return *h, true
}

// expired drops every hold whose lease ended before now.
func (r *stockRow) expired(now time.Time) []domain.Reservation {
	var out []domain.Reservation
	for sid, h := range r.holds {
		if h.IsExpiredAt(now) {
			r.info.Reserved -= h.Quantity
			out = append(out, *h)
			delete(r.holds, sid)
		}
	}
	return out
}

// holders lists the sessions other than exclude holding this row.
func (r *stockRow) holders(exclude string) []domain.Holder {
	out := make([]domain.Holder, 0, len(r.holds))
	for sid, h := range r.holds {
		if sid == exclude {
			continue
		}
		out = append(out, domain.Holder{SessionID: sid, Quantity: h.Quantity})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SessionID < out[j].SessionID })
	return out
}
