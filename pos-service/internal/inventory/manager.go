package inventory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/fjod/go_caja/pkg/logger"
	"github.com/fjod/go_caja/pos-service/internal/clock"
	"github.com/fjod/go_caja/pos-service/internal/domain"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	// DefaultReservationTTL is how long a hold lives without a heartbeat.
	DefaultReservationTTL = 10 * time.Minute

	// DefaultSweepInterval is how often expired holds are reclaimed.
	DefaultSweepInterval = 60 * time.Second
)

// Publisher receives stock events once the row locks are released.
type Publisher interface {
	Publish(ctx context.Context, ev domain.Event) error
}

// Recorder counts reservation outcomes.
type Recorder interface {
	ReservationsGranted(n int)
	ReservationsConflicted(n int)
	ReservationsExpired(n int)
}

// Stats is a point in time view of the reservation state.
type Stats struct {
	Products      int
	Sessions      int
	Reservations  int
	ReservedUnits int64
}

// Manager grants, renews, releases and expires session holds against a Ledger.
//
// Lock order: stock rows in ascending product id, then idxMu. idxMu is never
// held while waiting for a row.
type Manager struct {
	ledger   *Ledger
	clock    clock.Clock
	ttl      time.Duration
	advisory bool
	pub      Publisher
	rec      Recorder
	log      *zap.Logger

	idxMu     sync.Mutex
	bySession map[string]map[int64]struct{}
}

type Option func(*Manager)

func WithTTL(ttl time.Duration) Option {
	return func(m *Manager) {
		if ttl > 0 {
			m.ttl = ttl
		}
	}
}

func WithClock(c clock.Clock) Option {
	return func(m *Manager) { m.clock = c }
}

// WithAdvisory makes reserve grant whatever is left instead of refusing the line.
// The shortfall is still reported as a conflict.
func WithAdvisory(advisory bool) Option {
	return func(m *Manager) { m.advisory = advisory }
}

func WithPublisher(p Publisher) Option {
	return func(m *Manager) { m.pub = p }
}

func WithRecorder(r Recorder) Option {
	return func(m *Manager) { m.rec = r }
}

func WithLogger(l *zap.Logger) Option {
	return func(m *Manager) { m.log = l }
}

func NewManager(ledger *Ledger, opts ...Option) *Manager {
	m := &Manager{
		ledger:    ledger,
		clock:     clock.NewSystem(),
		ttl:       DefaultReservationTTL,
		log:       zap.NewNop(),
		bySession: make(map[string]map[int64]struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Manager) Ledger() *Ledger { return m.ledger }

func (m *Manager) TTL() time.Duration { return m.ttl }

// Reserve sets the session's hold on every requested product to the requested quantity.
// Each line is all-or-nothing; the batch may partially succeed. Duplicate product ids are summed.
func (m *Manager) Reserve(ctx context.Context, sessionID string, items []domain.ReservationItem) (domain.ReserveResult, error) {
	var result domain.ReserveResult
	if sessionID == "" {
		return result, domain.ErrSessionNotFound
	}

	wanted := make(map[int64]int32, len(items))
	for _, it := range items {
		if it.Quantity <= 0 {
			return result, fmt.Errorf("%w: product %d quantity %d", domain.ErrInvalidQuantity, it.ProductID, it.Quantity)
		}
		sum := int64(wanted[it.ProductID]) + int64(it.Quantity)
		if sum > math.MaxInt32 {
			return result, fmt.Errorf("%w: product %d quantity overflows", domain.ErrInvalidQuantity, it.ProductID)
		}
		wanted[it.ProductID] = int32(sum)
	}
	ids := sortedIDs(wanted)

	rows := make([]*stockRow, 0, len(ids))
	for _, id := range ids {
		r, ok := m.ledger.row(id)
		if !ok {
			return result, fmt.Errorf("%w: %d", domain.ErrProductNotFound, id)
		}
		rows = append(rows, r)
	}

	now := m.clock.Now()
	var events []domain.Event

	lockAll(rows)
	for _, r := range rows {
		if r.info.Kind == domain.KindService {
			continue
		}
		_, expired := m.reclaim(r, now)
		events = append(events, expired...)

		want := wanted[r.info.ProductID]
		res, available, ok := r.hold(sessionID, want, now, m.ttl)
		if !ok {
			result.Conflicts = append(result.Conflicts, domain.Conflict{
				ProductID: r.info.ProductID,
				Requested: want,
				Available: available,
				Holders:   r.holders(sessionID),
			})
			if !m.advisory || available <= 0 {
				continue
			}
			res, _, _ = r.hold(sessionID, available, now, m.ttl)
		}
		m.index(sessionID, r.info.ProductID)
		result.Granted = append(result.Granted, res)
		events = append(events, m.stockEvent(domain.EventStockReserved, r, sessionID, res.Quantity, now))
	}
	unlockAll(rows)

	if m.rec != nil {
		m.rec.ReservationsGranted(len(result.Granted))
		m.rec.ReservationsConflicted(len(result.Conflicts))
	}
	m.emit(ctx, events)
	return result, nil
}

// Renew pushes the lease of every hold owned by the session. Zero holds is not an error.
func (m *Manager) Renew(ctx context.Context, sessionID string) int {
	rows := m.sessionRows(sessionID)
	now := m.clock.Now()
	renewed := 0
	for _, r := range rows {
		r.mu.Lock()
		if h, ok := r.holds[sessionID]; ok {
			h.ExpiresAt = now.Add(m.ttl)
			renewed++
		}
		r.mu.Unlock()
	}
	logger.From(ctx, m.log).Debug("reservations renewed",
		zap.String("session_id", sessionID), zap.Int("count", renewed))
	return renewed
}

// Release drops the session's holds on the given products, or all of them when none are given.
// Releasing something that is already gone is a no-op.
func (m *Manager) Release(ctx context.Context, sessionID string, productIDs ...int64) int {
	var rows []*stockRow
	if len(productIDs) == 0 {
		rows = m.sessionRows(sessionID)
	} else {
		ids := make(map[int64]int32, len(productIDs))
		for _, id := range productIDs {
			ids[id] = 0
		}
		for _, id := range sortedIDs(ids) {
			if r, ok := m.ledger.row(id); ok {
				rows = append(rows, r)
			}
		}
	}

	log := logger.From(ctx, m.log)
	now := m.clock.Now()
	var events []domain.Event
	released := 0

	lockAll(rows)
	for _, r := range rows {
		res, ok := r.unhold(sessionID)
		if !ok {
			log.Debug("release absorbed",
				zap.String("session_id", sessionID),
				zap.Int64("product_id", r.info.ProductID),
				zap.Error(domain.ErrReservationNotFound))
			continue
		}
		m.unindex(sessionID, r.info.ProductID)
		released++
		events = append(events, m.stockEvent(domain.EventStockReleased, r, sessionID, res.Quantity, now))
	}
	unlockAll(rows)

	if len(rows) == 0 {
		log.Debug("release absorbed", zap.String("session_id", sessionID), zap.Error(domain.ErrReservationNotFound))
	}
	m.emit(ctx, events)
	return released
}

// SweepExpired releases every hold whose lease ended and returns the sessions that lost one.
func (m *Manager) SweepExpired(ctx context.Context) []string {
	now := m.clock.Now()
	var events []domain.Event
	lost := make(map[string]struct{})

	for _, r := range m.ledger.snapshotRows() {
		r.mu.Lock()
		gone, evs := m.reclaim(r, now)
		r.mu.Unlock()
		for _, res := range gone {
			lost[res.SessionID] = struct{}{}
		}
		events = append(events, evs...)
	}

	sessions := make([]string, 0, len(lost))
	for sid := range lost {
		sessions = append(sessions, sid)
	}
	sort.Strings(sessions)

	if len(events) > 0 {
		logger.From(ctx, m.log).Info("expired reservations reclaimed",
			zap.Int("reservations", len(events)), zap.Strings("sessions", sessions))
	}
	m.emit(ctx, events)
	return sessions
}

// reclaim drops expired holds on a locked row.
func (m *Manager) reclaim(r *stockRow, now time.Time) ([]domain.Reservation, []domain.Event) {
	gone := r.expired(now)
	if len(gone) == 0 {
		return nil, nil
	}
	events := make([]domain.Event, 0, len(gone))
	for _, res := range gone {
		m.unindex(res.SessionID, res.ProductID)
		events = append(events, m.stockEvent(domain.EventReservationExpired, r, res.SessionID, res.Quantity, now))
	}
	if m.rec != nil {
		m.rec.ReservationsExpired(len(gone))
	}
	return gone, events
}

// Commit converts the session's holds into permanent stock decrements.
// It is all-or-nothing: a missing or lapsed hold aborts without touching any row.
func (m *Manager) Commit(ctx context.Context, sessionID string, productIDs ...int64) ([]domain.CommittedLine, error) {
	var rows []*stockRow
	if len(productIDs) == 0 {
		rows = m.sessionRows(sessionID)
	} else {
		ids := make(map[int64]int32, len(productIDs))
		for _, id := range productIDs {
			ids[id] = 0
		}
		for _, id := range sortedIDs(ids) {
			r, ok := m.ledger.row(id)
			if !ok {
				return nil, fmt.Errorf("%w: %d", domain.ErrProductNotFound, id)
			}
			rows = append(rows, r)
		}
	}

	now := m.clock.Now()
	lockAll(rows)
	defer unlockAll(rows)

	for _, r := range rows {
		h, ok := r.holds[sessionID]
		if !ok || h.IsExpiredAt(now) {
			return nil, fmt.Errorf("%w: session %s product %d", domain.ErrReservationNotFound, sessionID, r.info.ProductID)
		}
	}

	lines := make([]domain.CommittedLine, 0, len(rows))
	for _, r := range rows {
		res, _ := r.consume(sessionID)
		m.unindex(sessionID, r.info.ProductID)
		lines = append(lines, domain.CommittedLine{ProductID: res.ProductID, Quantity: res.Quantity})
	}
	logger.From(ctx, m.log).Info("reservations committed",
		zap.String("session_id", sessionID), zap.Int("lines", len(lines)))
	return lines, nil
}

// Restore puts committed units back on the shelf. Used to compensate a sale that could not be posted.
func (m *Manager) Restore(ctx context.Context, lines []domain.CommittedLine) error {
	var errs []error
	for _, l := range lines {
		if err := m.ledger.Restock(l.ProductID, l.Quantity); err != nil {
			errs = append(errs, fmt.Errorf("restore product %d: %w", l.ProductID, err))
		}
	}
	if err := errors.Join(errs...); err != nil {
		logger.From(ctx, m.log).Error("restore committed lines", zap.Error(err))
		return err
	}
	return nil
}

// Holdings returns a copy of the session's current holds ordered by product.
func (m *Manager) Holdings(sessionID string) []domain.Reservation {
	rows := m.sessionRows(sessionID)
	out := make([]domain.Reservation, 0, len(rows))
	for _, r := range rows {
		r.mu.Lock()
		if h, ok := r.holds[sessionID]; ok {
			out = append(out, *h)
		}
		r.mu.Unlock()
	}
	return out
}

func (m *Manager) Stats() Stats {
	var st Stats
	for _, r := range m.ledger.snapshotRows() {
		r.mu.Lock()
		st.Products++
		st.Reservations += len(r.holds)
		st.ReservedUnits += int64(r.info.Reserved)
		r.mu.Unlock()
	}
	m.idxMu.Lock()
	st.Sessions = len(m.bySession)
	m.idxMu.Unlock()
	return st
}

// sessionRows returns the rows the session holds, in lock order.
func (m *Manager) sessionRows(sessionID string) []*stockRow {
	m.idxMu.Lock()
	ids := make(map[int64]int32, len(m.bySession[sessionID]))
	for id := range m.bySession[sessionID] {
		ids[id] = 0
	}
	m.idxMu.Unlock()

	rows := make([]*stockRow, 0, len(ids))
	for _, id := range sortedIDs(ids) {
		if r, ok := m.ledger.row(id); ok {
			rows = append(rows, r)
		}
	}
	return rows
}

func (m *Manager) index(sessionID string, productID int64) {
	m.idxMu.Lock()
	defer m.idxMu.Unlock()
	set, ok := m.bySession[sessionID]
	if !ok {
		set = make(map[int64]struct{})
		m.bySession[sessionID] = set
	}
	set[productID] = struct{}{}
}

func (m *Manager) unindex(sessionID string, productID int64) {
	m.idxMu.Lock()
	defer m.idxMu.Unlock()
	set := m.bySession[sessionID]
	delete(set, productID)
	if len(set) == 0 {
		delete(m.bySession, sessionID)
	}
}

func (m *Manager) stockEvent(t domain.EventType, r *stockRow, sessionID string, qty int32, now time.Time) domain.Event {
	payload, _ := json.Marshal(domain.StockEvent{
		ProductID: r.info.ProductID,
		SessionID: sessionID,
		Quantity:  qty,
		Available: r.info.Available(),
	})
	return domain.Event{
		ID:          uuid.New().String(),
		Type:        t,
		AggregateID: fmt.Sprintf("%d", r.info.ProductID),
		Payload:     payload,
		OccurredAt:  now,
	}
}

func (m *Manager) emit(ctx context.Context, events []domain.Event) {
	if m.pub == nil {
		return
	}
	for _, ev := range events {
		if err := m.pub.Publish(ctx, ev); err != nil {
			logger.From(ctx, m.log).Warn("publish stock event",
				zap.String("type", string(ev.Type)), zap.Error(err))
		}
	}
}

func sortedIDs(set map[int64]int32) []int64 {
	ids := make([]int64, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func lockAll(rows []*stockRow) {
	for _, r := range rows {
		r.mu.Lock()
	}
}

func unlockAll(rows []*stockRow) {
	for i := len(rows) - 1; i >= 0; i-- {
		rows[i].mu.Unlock()
	}
}
