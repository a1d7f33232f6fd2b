package domain

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Tender is a means of payment held in the drawer.
type Tender string

const (
	TenderBS     Tender = "bs"     // local currency cash
	TenderUSD    Tender = "usd"    // foreign currency cash
	TenderMobile Tender = "mobile" // pago movil
)

// Tenders lists every tender in a stable order.
var Tenders = []Tender{TenderBS, TenderUSD, TenderMobile}

func (t Tender) Valid() bool {
	switch t {
	case TenderBS, TenderUSD, TenderMobile:
		return true
	}
	return false
}

// Currency returns the ISO code amounts of this tender are denominated in.
func (t Tender) Currency() string {
	if t == TenderUSD {
		return "USD"
	}
	return "VES"
}

// ParseTender accepts the tender names used by the front end.
func ParseTender(s string) (Tender, error) {
	switch s {
	case "bs", "BS", "cash_bs":
		return TenderBS, nil
	case "usd", "USD", "cash_usd":
		return TenderUSD, nil
	case "mobile", "pago_movil", "PAGO_MOVIL":
		return TenderMobile, nil
	}
	return "", fmt.Errorf("%w: unknown tender %q", ErrInvalidAmount, s)
}

// Direction of a posting relative to the drawer.
type Direction string

const (
	DirectionIn  Direction = "in"
	DirectionOut Direction = "out"
)

func (d Direction) Valid() bool {
	return d == DirectionIn || d == DirectionOut
}

// Balances holds one amount per tender.
type Balances map[Tender]decimal.Decimal

// Get returns the amount for t, zero when absent.
func (b Balances) Get(t Tender) decimal.Decimal {
	if v, ok := b[t]; ok {
		return v
	}
	return decimal.Zero
}

// Clone copies b with every tender present.
func (b Balances) Clone() Balances {
	out := make(Balances, len(Tenders))
	for _, t := range Tenders {
		out[t] = b.Get(t)
	}
	return out
}

// TenderTotals are the running sums of postings for one tender.
type TenderTotals struct {
	In  decimal.Decimal `json:"in"`
	Out decimal.Decimal `json:"out"`
}

// Totals holds running totals per tender.
type Totals map[Tender]TenderTotals

func NewTotals() Totals {
	t := make(Totals, len(Tenders))
	for _, tender := range Tenders {
		t[tender] = TenderTotals{In: decimal.Zero, Out: decimal.Zero}
	}
	return t
}

// Apply adds (sign=1) or removes (sign=-1) amount in direction d.
func (t Totals) Apply(tender Tender, d Direction, amount decimal.Decimal, sign int64) {
	cur := t[tender]
	delta := amount.Mul(decimal.NewFromInt(sign))
	if d == DirectionIn {
		cur.In = cur.In.Add(delta)
	} else {
		cur.Out = cur.Out.Add(delta)
	}
	t[tender] = cur
}

func (t Totals) Clone() Totals {
	out := NewTotals()
	for k, v := range t {
		out[k] = v
	}
	return out
}
