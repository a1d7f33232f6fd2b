package repository

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fjod/go_caja/pos-service/internal/domain"
)

type memTxKey struct{}

// memTx collects undo steps so a failed WithTx leaves no trace.
type memTx struct {
	undo []func()
}

// MemoryRepository is the in-process caja store used in development and tests.
// WithTx holds txMu for the whole callback, which serializes every transition.
type MemoryRepository struct {
	txMu sync.Mutex

	mu       sync.RWMutex
	cajas    map[string]*domain.Caja
	postings map[string]*domain.Posting
	byCaja   map[string][]string // cajaID -> posting ids in insertion order
	auths    map[string]*domain.DiscrepancyAuthorization
	counts   map[string][]*domain.CashCount // cajaID -> counts in insertion order
	outbox   []*OutboxEvent
	nextID   int64
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		cajas:    make(map[string]*domain.Caja),
		postings: make(map[string]*domain.Posting),
		byCaja:   make(map[string][]string),
		auths:    make(map[string]*domain.DiscrepancyAuthorization),
		counts:   make(map[string][]*domain.CashCount),
	}
}

func (r *MemoryRepository) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := ctx.Value(memTxKey{}).(*memTx); ok {
		return fn(ctx)
	}

	r.txMu.Lock()
	defer r.txMu.Unlock()

	tx := &memTx{}
	if err := fn(context.WithValue(ctx, memTxKey{}, tx)); err != nil {
		r.mu.Lock()
		for i := len(tx.undo) - 1; i >= 0; i-- {
			tx.undo[i]()
		}
		r.mu.Unlock()
		return err
	}
	return nil
}

// onRollback registers an undo step. Callers hold r.mu.
func onRollback(ctx context.Context, fn func()) {
	if tx, ok := ctx.Value(memTxKey{}).(*memTx); ok {
		tx.undo = append(tx.undo, fn)
	}
}

func (r *MemoryRepository) activeLocked() *domain.Caja {
	for _, c := range r.cajas {
		if c.State != domain.CajaClosed {
			return c
		}
	}
	return nil
}

func (r *MemoryRepository) GetActiveForUpdate(ctx context.Context) (*domain.Caja, error) {
	return r.GetActive(ctx)
}

func (r *MemoryRepository) GetActive(_ context.Context) (*domain.Caja, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if c := r.activeLocked(); c != nil {
		return c.Clone(), nil
	}
	return nil, nil
}

func (r *MemoryRepository) GetForUpdate(ctx context.Context, cajaID string) (*domain.Caja, error) {
	return r.GetCaja(ctx, cajaID)
}

func (r *MemoryRepository) GetCaja(_ context.Context, cajaID string) (*domain.Caja, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.cajas[cajaID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrCajaNotFound, cajaID)
	}
	return c.Clone(), nil
}

func (r *MemoryRepository) InsertCaja(ctx context.Context, c *domain.Caja) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c.State != domain.CajaClosed {
		if active := r.activeLocked(); active != nil {
			return fmt.Errorf("%w: %s", domain.ErrAlreadyOpen, active.ID)
		}
	}
	r.cajas[c.ID] = c.Clone()
	onRollback(ctx, func() { delete(r.cajas, c.ID) })
	return nil
}

func (r *MemoryRepository) UpdateCaja(ctx context.Context, c *domain.Caja) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	prev, ok := r.cajas[c.ID]
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrCajaNotFound, c.ID)
	}
	r.cajas[c.ID] = c.Clone()
	onRollback(ctx, func() { r.cajas[c.ID] = prev })
	return nil
}

func (r *MemoryRepository) GetPosting(_ context.Context, postingID string) (*domain.Posting, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.postings[postingID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrPostingNotFound, postingID)
	}
	cp := *p
	return &cp, nil
}

func (r *MemoryRepository) GetPostingForUpdate(ctx context.Context, postingID string) (*domain.Posting, error) {
	return r.GetPosting(ctx, postingID)
}

func (r *MemoryRepository) InsertPosting(ctx context.Context, p *domain.Posting) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *p
	r.postings[p.ID] = &cp
	r.byCaja[p.CajaID] = append(r.byCaja[p.CajaID], p.ID)
	onRollback(ctx, func() {
		delete(r.postings, p.ID)
		ids := r.byCaja[p.CajaID]
		r.byCaja[p.CajaID] = ids[:len(ids)-1]
	})
	return nil
}

func (r *MemoryRepository) UpdatePosting(ctx context.Context, p *domain.Posting) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	prev, ok := r.postings[p.ID]
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrPostingNotFound, p.ID)
	}
	cp := *p
	r.postings[p.ID] = &cp
	onRollback(ctx, func() { r.postings[p.ID] = prev })
	return nil
}

func (r *MemoryRepository) CountPostingCodes(_ context.Context, prefix string) (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, p := range r.postings {
		if strings.HasPrefix(p.Code, prefix) {
			n++
		}
	}
	return n, nil
}

func (r *MemoryRepository) ListPostings(_ context.Context, cajaID string) ([]*domain.Posting, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := r.byCaja[cajaID]
	out := make([]*domain.Posting, 0, len(ids))
	for _, id := range ids {
		cp := *r.postings[id]
		out = append(out, &cp)
	}
	return out, nil
}

func (r *MemoryRepository) InsertAuthorization(ctx context.Context, a *domain.DiscrepancyAuthorization) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *a
	r.auths[a.CajaID] = &cp
	onRollback(ctx, func() { delete(r.auths, a.CajaID) })
	return nil
}

func (r *MemoryRepository) GetAuthorization(_ context.Context, cajaID string) (*domain.DiscrepancyAuthorization, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.auths[cajaID]
	if !ok {
		return nil, nil
	}
	cp := *a
	return &cp, nil
}

func (r *MemoryRepository) InsertCashCount(ctx context.Context, cc *domain.CashCount) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.cajas[cc.CajaID]; !ok {
		return fmt.Errorf("%w: %s", domain.ErrCajaNotFound, cc.CajaID)
	}
	cp := *cc
	prev := r.counts[cc.CajaID]
	r.counts[cc.CajaID] = append(prev[:len(prev):len(prev)], &cp)
	onRollback(ctx, func() { r.counts[cc.CajaID] = prev })
	return nil
}

func (r *MemoryRepository) ListCashCounts(_ context.Context, cajaID string) ([]*domain.CashCount, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*domain.CashCount, 0, len(r.counts[cajaID]))
	for _, cc := range r.counts[cajaID] {
		cp := *cc
		out = append(out, &cp)
	}
	return out, nil
}

func (r *MemoryRepository) ListByStates(_ context.Context, states ...domain.CajaState) ([]*domain.Caja, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*domain.Caja
	for _, c := range r.cajas {
		for _, s := range states {
			if c.State == s {
				out = append(out, c.Clone())
				break
			}
		}
	}
	sortNewestFirst(out)
	return out, nil
}

func (r *MemoryRepository) ListCajas(_ context.Context, offset, limit int) ([]*domain.Caja, error) {
	r.mu.RLock()
	all := make([]*domain.Caja, 0, len(r.cajas))
	for _, c := range r.cajas {
		all = append(all, c.Clone())
	}
	r.mu.RUnlock()
	sortNewestFirst(all)

	if offset >= len(all) {
		return []*domain.Caja{}, nil
	}
	end := min(offset+limit, len(all))
	return all[offset:end], nil
}

func sortNewestFirst(cs []*domain.Caja) {
	sort.Slice(cs, func(i, j int) bool { return cs[i].OpenedAt.After(cs[j].OpenedAt) })
}

func (r *MemoryRepository) AppendOutbox(ctx context.Context, ev domain.Event) error {
	oe, err := newOutboxEvent(ev)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	oe.ID = r.nextID
	r.outbox = append(r.outbox, oe)
	onRollback(ctx, func() { r.outbox = r.outbox[:len(r.outbox)-1] })
	return nil
}

func (r *MemoryRepository) GetUnprocessedEvents(_ context.Context, limit int) ([]*OutboxEvent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*OutboxEvent
	for _, e := range r.outbox {
		if e.ProcessedAt != nil {
			continue
		}
		cp := *e
		out = append(out, &cp)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (r *MemoryRepository) MarkEventAsProcessed(_ context.Context, id int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.outbox {
		if e.ID == id {
			now := time.Now().UTC()
			e.ProcessedAt = &now
			return nil
		}
	}
	return fmt.Errorf("outbox event %d not found", id)
}
