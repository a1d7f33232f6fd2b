package inventory

import (
	"math"
	"testing"

	"github.com/fjod/go_caja/pos-service/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLedger_SetStock_And_GetStock(t *testing.T) {
	l := NewLedger()
	require.NoError(t, l.SetStock(1, 100, domain.KindGoods, 5))
	require.NoError(t, l.SetStock(2, 200, "", 0))

	stocks := l.GetStock(1, 2, 3)
	assert.Len(t, stocks, 2)

	stockMap := make(map[int64]domain.StockInfo)
	for _, s := range stocks {
		stockMap[s.ProductID] = s
	}
	assert.Equal(t, int32(100), stockMap[1].Total)
	assert.Equal(t, int32(100), stockMap[1].Available())
	assert.Equal(t, domain.KindGoods, stockMap[2].Kind)

	assert.Len(t, l.GetStock(), 2)
}

func TestLedger_GetAvailable_UnknownProduct(t *testing.T) {
	l := NewLedger()
	_, err := l.GetAvailable(42)
	assert.ErrorIs(t, err, domain.ErrProductNotFound)
}

func TestLedger_CommitDecrement(t *testing.T) {
	l := NewLedger()
	require.NoError(t, l.SetStock(1, 10, domain.KindGoods, 0))

	require.NoError(t, l.CommitDecrement(1, 4))
	avail, err := l.GetAvailable(1)
	require.NoError(t, err)
	assert.Equal(t, int32(6), avail)

	assert.ErrorIs(t, l.CommitDecrement(1, 7), domain.ErrInsufficientStock)
	assert.ErrorIs(t, l.CommitDecrement(1, 0), domain.ErrInvalidQuantity)
	assert.ErrorIs(t, l.CommitDecrement(9, 1), domain.ErrProductNotFound)
}

func TestLedger_CommitDecrement_RespectsReserved(t *testing.T) {
	l := NewLedger()
	m := NewManager(l)
	require.NoError(t, l.SetStock(1, 10, domain.KindGoods, 0))

	_, err := m.Reserve(t.Context(), "s1", []domain.ReservationItem{{ProductID: 1, Quantity: 8}})
	require.NoError(t, err)

	// only 2 units are free even though total is 10
	assert.ErrorIs(t, l.CommitDecrement(1, 3), domain.ErrInsufficientStock)
	require.NoError(t, l.CommitDecrement(1, 2))

	s := l.GetStock(1)[0]
	assert.Equal(t, int32(8), s.Total)
	assert.Equal(t, int32(8), s.Reserved)
}

func TestLedger_Restock(t *testing.T) {
	l := NewLedger()
	require.NoError(t, l.Restock(5, 3))
	avail, err := l.GetAvailable(5)
	require.NoError(t, err)
	assert.Equal(t, int32(3), avail)

	require.NoError(t, l.Restock(5, 2))
	avail, _ = l.GetAvailable(5)
	assert.Equal(t, int32(5), avail)
}

func TestLedger_Restock_Overflow(t *testing.T) {
	l := NewLedger()
	m := NewManager(l)
	require.NoError(t, l.SetStock(1, 10, domain.KindGoods, 0))
	_, err := m.Reserve(t.Context(), "s1", []domain.ReservationItem{{ProductID: 1, Quantity: 4}})
	require.NoError(t, err)

	assert.ErrorIs(t, l.Restock(1, math.MaxInt32), domain.ErrInvalidQuantity)
	s := l.GetStock(1)[0]
	assert.Equal(t, int32(10), s.Total)
	assert.Equal(t, int32(4), s.Reserved)

	require.NoError(t, l.Restock(1, math.MaxInt32-10))
	assert.Equal(t, int32(math.MaxInt32), l.GetStock(1)[0].Total)
}

func TestLedger_SetStock_BelowReserved(t *testing.T) {
	l := NewLedger()
	m := NewManager(l)
	require.NoError(t, l.SetStock(1, 10, domain.KindGoods, 0))
	_, err := m.Reserve(t.Context(), "s1", []domain.ReservationItem{{ProductID: 1, Quantity: 6}})
	require.NoError(t, err)

	assert.ErrorIs(t, l.SetStock(1, 5, domain.KindGoods, 0), domain.ErrInsufficientStock)
	assert.NoError(t, l.SetStock(1, 6, domain.KindGoods, 0))
}

func TestLedger_ServiceProducts(t *testing.T) {
	l := NewLedger()
	require.NoError(t, l.SetStock(7, 0, domain.KindService, 0))

	avail, err := l.GetAvailable(7)
	require.NoError(t, err)
	assert.Equal(t, domain.Unlimited, avail)
	assert.NoError(t, l.CommitDecrement(7, 1000))
}
