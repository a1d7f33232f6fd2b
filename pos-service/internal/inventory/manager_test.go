package inventory

import (
	"context"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fjod/go_caja/pos-service/internal/clock"
	"github.com/fjod/go_caja/pos-service/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []domain.Event
}

func (p *recordingPublisher) Publish(_ context.Context, ev domain.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return nil
}

func (p *recordingPublisher) count(t domain.EventType) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, ev := range p.events {
		if ev.Type == t {
			n++
		}
	}
	return n
}

var epoch = time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)

func setupManager(t *testing.T, opts ...Option) (*Manager, *clock.Manual, *recordingPublisher) {
	t.Helper()
	clk := clock.NewManual(epoch)
	pub := &recordingPublisher{}
	opts = append([]Option{WithClock(clk), WithPublisher(pub)}, opts...)
	return NewManager(NewLedger(), opts...), clk, pub
}

func stockOf(t *testing.T, m *Manager, id int64) domain.StockInfo {
	t.Helper()
	s := m.Ledger().GetStock(id)
	require.Len(t, s, 1)
	return s[0]
}

func assertBounds(t *testing.T, m *Manager) {
	t.Helper()
	for _, s := range m.Ledger().GetStock() {
		assert.GreaterOrEqual(t, s.Reserved, int32(0), "product %d", s.ProductID)
		assert.LessOrEqual(t, s.Reserved, s.Total, "product %d", s.ProductID)
	}
}

func TestManager_Reserve_Success(t *testing.T) {
	m, _, pub := setupManager(t)
	require.NoError(t, m.Ledger().SetStock(1, 100, domain.KindGoods, 0))
	require.NoError(t, m.Ledger().SetStock(2, 50, domain.KindGoods, 0))

	res, err := m.Reserve(t.Context(), "s1", []domain.ReservationItem{
		{ProductID: 1, Quantity: 10},
		{ProductID: 2, Quantity: 5},
	})
	require.NoError(t, err)
	assert.Empty(t, res.Conflicts)
	require.Len(t, res.Granted, 2)
	assert.Equal(t, "s1", res.Granted[0].SessionID)
	assert.NotEmpty(t, res.Granted[0].ID)
	assert.Equal(t, epoch.Add(DefaultReservationTTL), res.Granted[0].ExpiresAt)

	assert.Equal(t, int32(90), stockOf(t, m, 1).Available())
	assert.Equal(t, int32(10), stockOf(t, m, 1).Reserved)
	assert.Equal(t, int32(45), stockOf(t, m, 2).Available())
	assert.Equal(t, 2, pub.count(domain.EventStockReserved))
}

func TestManager_Reserve_PartialBatch(t *testing.T) {
	m, _, _ := setupManager(t)
	require.NoError(t, m.Ledger().SetStock(1, 10, domain.KindGoods, 0))
	require.NoError(t, m.Ledger().SetStock(2, 2, domain.KindGoods, 0))

	_, err := m.Reserve(t.Context(), "other", []domain.ReservationItem{{ProductID: 2, Quantity: 1}})
	require.NoError(t, err)

	res, err := m.Reserve(t.Context(), "s1", []domain.ReservationItem{
		{ProductID: 1, Quantity: 3},
		{ProductID: 2, Quantity: 2},
	})
	require.NoError(t, err)
	require.Len(t, res.Granted, 1)
	assert.Equal(t, int64(1), res.Granted[0].ProductID)
	require.Len(t, res.Conflicts, 1)

	c := res.Conflicts[0]
	assert.Equal(t, int64(2), c.ProductID)
	assert.Equal(t, int32(2), c.Requested)
	assert.Equal(t, int32(1), c.Available)
	assert.Equal(t, []domain.Holder{{SessionID: "other", Quantity: 1}}, c.Holders)

	// refused line leaves the row untouched
	assert.Equal(t, int32(1), stockOf(t, m, 2).Reserved)
}

func TestManager_Reserve_MergesDuplicates(t *testing.T) {
	m, _, _ := setupManager(t)
	require.NoError(t, m.Ledger().SetStock(1, 10, domain.KindGoods, 0))

	res, err := m.Reserve(t.Context(), "s1", []domain.ReservationItem{
		{ProductID: 1, Quantity: 2},
		{ProductID: 1, Quantity: 3},
	})
	require.NoError(t, err)
	require.Len(t, res.Granted, 1)
	assert.Equal(t, int32(5), res.Granted[0].Quantity)
	assert.Equal(t, int32(5), stockOf(t, m, 1).Reserved)
}

func TestManager_Reserve_AbsoluteQuantity(t *testing.T) {
	m, _, _ := setupManager(t)
	require.NoError(t, m.Ledger().SetStock(1, 5, domain.KindGoods, 0))

	_, err := m.Reserve(t.Context(), "s1", []domain.ReservationItem{{ProductID: 1, Quantity: 3}})
	require.NoError(t, err)

	// raising to 5 only needs the 2 extra units
	res, err := m.Reserve(t.Context(), "s1", []domain.ReservationItem{{ProductID: 1, Quantity: 5}})
	require.NoError(t, err)
	require.Len(t, res.Granted, 1)
	assert.Equal(t, int32(5), stockOf(t, m, 1).Reserved)

	// lowering gives units back
	_, err = m.Reserve(t.Context(), "s1", []domain.ReservationItem{{ProductID: 1, Quantity: 1}})
	require.NoError(t, err)
	assert.Equal(t, int32(1), stockOf(t, m, 1).Reserved)
	assert.Len(t, m.Holdings("s1"), 1)

	// asking for more than exists keeps the previous hold
	res, err = m.Reserve(t.Context(), "s1", []domain.ReservationItem{{ProductID: 1, Quantity: 6}})
	require.NoError(t, err)
	require.Len(t, res.Conflicts, 1)
	assert.Equal(t, int32(5), res.Conflicts[0].Available)
	assert.Equal(t, int32(1), stockOf(t, m, 1).Reserved)
}

func TestManager_Reserve_Validation(t *testing.T) {
	m, _, _ := setupManager(t)
	require.NoError(t, m.Ledger().SetStock(1, 5, domain.KindGoods, 0))

	_, err := m.Reserve(t.Context(), "s1", []domain.ReservationItem{{ProductID: 999, Quantity: 1}})
	assert.ErrorIs(t, err, domain.ErrProductNotFound)

	_, err = m.Reserve(t.Context(), "s1", []domain.ReservationItem{{ProductID: 1, Quantity: 0}})
	assert.ErrorIs(t, err, domain.ErrInvalidQuantity)

	_, err = m.Reserve(t.Context(), "", []domain.ReservationItem{{ProductID: 1, Quantity: 1}})
	assert.ErrorIs(t, err, domain.ErrSessionNotFound)
}

func TestManager_Reserve_DuplicateLinesOverflow(t *testing.T) {
	m, _, _ := setupManager(t)
	require.NoError(t, m.Ledger().SetStock(1, 5, domain.KindGoods, 0))

	res, err := m.Reserve(t.Context(), "s1", []domain.ReservationItem{
		{ProductID: 1, Quantity: math.MaxInt32},
		{ProductID: 1, Quantity: math.MaxInt32},
	})
	assert.ErrorIs(t, err, domain.ErrInvalidQuantity)
	assert.Empty(t, res.Granted)
	assert.Equal(t, int32(0), stockOf(t, m, 1).Reserved)
	assert.Empty(t, m.Holdings("s1"))

	res, err = m.Reserve(t.Context(), "s1", []domain.ReservationItem{{ProductID: 1, Quantity: math.MaxInt32}})
	require.NoError(t, err)
	require.Len(t, res.Conflicts, 1)
	assert.Empty(t, res.Granted)
	assertBounds(t, m)
}

func TestManager_Reserve_ServiceProductsSkipped(t *testing.T) {
	m, _, _ := setupManager(t)
	require.NoError(t, m.Ledger().SetStock(1, 0, domain.KindService, 0))

	res, err := m.Reserve(t.Context(), "s1", []domain.ReservationItem{{ProductID: 1, Quantity: 3}})
	require.NoError(t, err)
	assert.Empty(t, res.Granted)
	assert.Empty(t, res.Conflicts)
	assert.Empty(t, m.Holdings("s1"))
}

func TestManager_Reserve_Advisory(t *testing.T) {
	m, _, _ := setupManager(t, WithAdvisory(true))
	require.NoError(t, m.Ledger().SetStock(1, 8, domain.KindGoods, 0))

	_, err := m.Reserve(t.Context(), "a", []domain.ReservationItem{{ProductID: 1, Quantity: 5}})
	require.NoError(t, err)

	res, err := m.Reserve(t.Context(), "b", []domain.ReservationItem{{ProductID: 1, Quantity: 5}})
	require.NoError(t, err)
	require.Len(t, res.Granted, 1)
	assert.Equal(t, int32(3), res.Granted[0].Quantity)
	require.Len(t, res.Conflicts, 1)
	assert.Equal(t, int32(3), res.Conflicts[0].Available)
	assert.Equal(t, int32(8), stockOf(t, m, 1).Reserved)
	assertBounds(t, m)
}

// Two sessions racing for 5 units of a product with 8 on the shelf.
func TestManager_Reserve_FiveAndFiveOfEight(t *testing.T) {
	for i := 0; i < 50; i++ {
		m, _, _ := setupManager(t)
		require.NoError(t, m.Ledger().SetStock(1, 8, domain.KindGoods, 0))

		var wg sync.WaitGroup
		results := make([]domain.ReserveResult, 2)
		for j, sid := range []string{"a", "b"} {
			wg.Add(1)
			go func() {
				defer wg.Done()
				res, err := m.Reserve(context.Background(), sid, []domain.ReservationItem{{ProductID: 1, Quantity: 5}})
				assert.NoError(t, err)
				results[j] = res
			}()
		}
		wg.Wait()

		granted, conflicts := 0, 0
		for _, r := range results {
			granted += len(r.Granted)
			conflicts += len(r.Conflicts)
			for _, c := range r.Conflicts {
				assert.Equal(t, int32(3), c.Available)
				require.Len(t, c.Holders, 1)
				assert.Equal(t, int32(5), c.Holders[0].Quantity)
			}
		}
		assert.Equal(t, 1, granted)
		assert.Equal(t, 1, conflicts)
		assert.Equal(t, int32(5), stockOf(t, m, 1).Reserved)
	}
}

func TestManager_Reserve_NoOversell(t *testing.T) {
	m, _, _ := setupManager(t)
	const available = 37
	require.NoError(t, m.Ledger().SetStock(1, available, domain.KindGoods, 0))
	require.NoError(t, m.Ledger().SetStock(2, 1000, domain.KindGoods, 0))

	var granted atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			// mixed batches also exercise the lock order
			items := []domain.ReservationItem{{ProductID: 2, Quantity: 1}, {ProductID: 1, Quantity: 1}}
			if i%2 == 0 {
				items = []domain.ReservationItem{{ProductID: 1, Quantity: 1}, {ProductID: 2, Quantity: 1}}
			}
			res, err := m.Reserve(context.Background(), fmt.Sprintf("s%d", i), items)
			assert.NoError(t, err)
			for _, g := range res.Granted {
				if g.ProductID == 1 {
					granted.Add(g.Quantity)
				}
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(available), granted.Load())
	assert.Equal(t, int32(available), stockOf(t, m, 1).Reserved)
	assert.Equal(t, int32(0), stockOf(t, m, 1).Available())
	assertBounds(t, m)
}

func TestManager_Release_Idempotent(t *testing.T) {
	m, _, pub := setupManager(t)
	require.NoError(t, m.Ledger().SetStock(1, 10, domain.KindGoods, 0))
	require.NoError(t, m.Ledger().SetStock(2, 10, domain.KindGoods, 0))

	_, err := m.Reserve(t.Context(), "s1", []domain.ReservationItem{{ProductID: 1, Quantity: 4}, {ProductID: 2, Quantity: 2}})
	require.NoError(t, err)

	assert.Equal(t, 1, m.Release(t.Context(), "s1", 1))
	assert.Equal(t, int32(10), stockOf(t, m, 1).Available())
	assert.Equal(t, int32(8), stockOf(t, m, 2).Available())

	assert.Equal(t, 0, m.Release(t.Context(), "s1", 1))
	assert.Equal(t, 1, m.Release(t.Context(), "s1"))
	assert.Equal(t, 0, m.Release(t.Context(), "s1"))
	assert.Equal(t, 0, m.Release(t.Context(), "unknown"))

	assert.Equal(t, int32(10), stockOf(t, m, 1).Available())
	assert.Equal(t, int32(10), stockOf(t, m, 2).Available())
	assert.Equal(t, 2, pub.count(domain.EventStockReleased))
	assert.Empty(t, m.Holdings("s1"))
}

func TestManager_Renew(t *testing.T) {
	m, clk, _ := setupManager(t)
	require.NoError(t, m.Ledger().SetStock(1, 10, domain.KindGoods, 0))

	assert.Equal(t, 0, m.Renew(t.Context(), "s1"))

	_, err := m.Reserve(t.Context(), "s1", []domain.ReservationItem{{ProductID: 1, Quantity: 1}})
	require.NoError(t, err)

	clk.Advance(9 * time.Minute)
	assert.Equal(t, 1, m.Renew(t.Context(), "s1"))

	clk.Advance(9 * time.Minute)
	assert.Empty(t, m.SweepExpired(t.Context()))
	assert.Equal(t, int32(1), stockOf(t, m, 1).Reserved)
}

func TestManager_SweepExpired_ReturnsStock(t *testing.T) {
	m, clk, pub := setupManager(t)
	require.NoError(t, m.Ledger().SetStock(1, 8, domain.KindGoods, 0))

	_, err := m.Reserve(t.Context(), "abandoned", []domain.ReservationItem{{ProductID: 1, Quantity: 8}})
	require.NoError(t, err)

	res, err := m.Reserve(t.Context(), "late", []domain.ReservationItem{{ProductID: 1, Quantity: 2}})
	require.NoError(t, err)
	require.Len(t, res.Conflicts, 1)

	clk.Advance(DefaultReservationTTL + DefaultSweepInterval)
	lost := m.SweepExpired(t.Context())
	assert.Equal(t, []string{"abandoned"}, lost)
	assert.Equal(t, int32(0), stockOf(t, m, 1).Reserved)
	assert.Equal(t, 1, pub.count(domain.EventReservationExpired))

	res, err = m.Reserve(t.Context(), "late", []domain.ReservationItem{{ProductID: 1, Quantity: 2}})
	require.NoError(t, err)
	assert.Len(t, res.Granted, 1)
	assert.Empty(t, res.Conflicts)
}

func TestManager_Reserve_ReclaimsLapsedHolds(t *testing.T) {
	m, clk, pub := setupManager(t)
	require.NoError(t, m.Ledger().SetStock(1, 4, domain.KindGoods, 0))

	_, err := m.Reserve(t.Context(), "old", []domain.ReservationItem{{ProductID: 1, Quantity: 4}})
	require.NoError(t, err)

	clk.Advance(DefaultReservationTTL + time.Second)
	res, err := m.Reserve(t.Context(), "new", []domain.ReservationItem{{ProductID: 1, Quantity: 4}})
	require.NoError(t, err)
	assert.Len(t, res.Granted, 1)
	assert.Empty(t, m.Holdings("old"))
	assert.Equal(t, 1, pub.count(domain.EventReservationExpired))
}

func TestManager_Commit(t *testing.T) {
	m, _, _ := setupManager(t)
	require.NoError(t, m.Ledger().SetStock(1, 10, domain.KindGoods, 0))
	require.NoError(t, m.Ledger().SetStock(2, 10, domain.KindGoods, 0))

	_, err := m.Reserve(t.Context(), "s1", []domain.ReservationItem{{ProductID: 1, Quantity: 3}, {ProductID: 2, Quantity: 1}})
	require.NoError(t, err)

	lines, err := m.Commit(t.Context(), "s1")
	require.NoError(t, err)
	assert.Equal(t, []domain.CommittedLine{{ProductID: 1, Quantity: 3}, {ProductID: 2, Quantity: 1}}, lines)

	s := stockOf(t, m, 1)
	assert.Equal(t, int32(7), s.Total)
	assert.Equal(t, int32(0), s.Reserved)
	assert.Empty(t, m.Holdings("s1"))

	require.NoError(t, m.Restore(t.Context(), lines))
	assert.Equal(t, int32(10), stockOf(t, m, 1).Total)
}

func TestManager_Commit_LapsedHoldAborts(t *testing.T) {
	m, clk, _ := setupManager(t)
	require.NoError(t, m.Ledger().SetStock(1, 10, domain.KindGoods, 0))
	require.NoError(t, m.Ledger().SetStock(2, 10, domain.KindGoods, 0))

	_, err := m.Reserve(t.Context(), "s1", []domain.ReservationItem{{ProductID: 1, Quantity: 3}})
	require.NoError(t, err)

	_, err = m.Commit(t.Context(), "s1", 1, 2)
	assert.ErrorIs(t, err, domain.ErrReservationNotFound)
	assert.Equal(t, int32(10), stockOf(t, m, 1).Total)

	clk.Advance(DefaultReservationTTL + time.Second)
	_, err = m.Commit(t.Context(), "s1")
	assert.ErrorIs(t, err, domain.ErrReservationNotFound)
	assert.Equal(t, int32(3), stockOf(t, m, 1).Reserved)
}

func TestManager_Stats(t *testing.T) {
	m, _, _ := setupManager(t)
	require.NoError(t, m.Ledger().SetStock(1, 10, domain.KindGoods, 0))
	_, err := m.Reserve(t.Context(), "a", []domain.ReservationItem{{ProductID: 1, Quantity: 3}})
	require.NoError(t, err)
	_, err = m.Reserve(t.Context(), "b", []domain.ReservationItem{{ProductID: 1, Quantity: 2}})
	require.NoError(t, err)

	st := m.Stats()
	assert.Equal(t, Stats{Products: 1, Sessions: 2, Reservations: 2, ReservedUnits: 5}, st)
}
