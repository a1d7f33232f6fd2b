package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// PostingLine is one payment within a posting.
type PostingLine struct {
	Tender   Tender          `json:"tender"`
	Amount   decimal.Decimal `json:"amount"`
	Currency string          `json:"currency"`
}

// SaleItem is a product line attached to a sale posting.
type SaleItem struct {
	ProductID int64           `json:"productId"`
	Quantity  int32           `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unitPrice"`
}

// Posting is an immutable money movement against an open caja. It can only be voided.
type Posting struct {
	ID          string        `json:"transactionId"`
	CajaID      string        `json:"cajaId"`
	Code        string        `json:"code"`
	Direction   Direction     `json:"direction"`
	Category    string        `json:"category"`
	Description string        `json:"description,omitempty"`
	Lines       []PostingLine `json:"lines"`
	Items       []SaleItem    `json:"items,omitempty"`
	Author      string        `json:"author"`
	CreatedAt   time.Time     `json:"createdAt"`
	VoidedAt    *time.Time    `json:"voidedAt,omitempty"`
	VoidedBy    string        `json:"voidedBy,omitempty"`
	VoidReason  string        `json:"voidReason,omitempty"`
}

func (p *Posting) Voided() bool { return p.VoidedAt != nil }

// Total sums every line of the posting regardless of tender.
func (p *Posting) Total() decimal.Decimal {
	sum := decimal.Zero
	for _, l := range p.Lines {
		sum = sum.Add(l.Amount)
	}
	return sum
}

// CodePrefix is I for money in and E for money out.
func (d Direction) CodePrefix() string {
	if d == DirectionIn {
		return "I"
	}
	return "E"
}
