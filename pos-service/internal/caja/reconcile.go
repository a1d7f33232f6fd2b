package caja

import (
	"github.com/fjod/go_caja/pos-service/internal/domain"
	"github.com/shopspring/decimal"
)

// Reconcile compares counted cash with expected per tender.
// A tender matches when |counted - expected| <= domain.Tolerance; the check is exact.
// Missing counted tenders count as zero. Differences are rounded to cents.
func Reconcile(expected, counted domain.Balances) (domain.Balances, bool) {
	diff := make(domain.Balances, len(domain.Tenders))
	match := true
	for _, t := range domain.Tenders {
		d := counted.Get(t).Sub(expected.Get(t))
		if d.Abs().GreaterThan(domain.Tolerance) {
			match = false
		}
		diff[t] = d.Round(2)
	}
	return diff, match
}

// ExpectedFrom recomputes expected balances by summing postings one by one.
// Voided postings are skipped.
func ExpectedFrom(opening domain.Balances, postings []*domain.Posting) domain.Balances {
	out := opening.Clone()
	for _, p := range postings {
		if p.Voided() {
			continue
		}
		for _, l := range p.Lines {
			sign := decimal.NewFromInt(1)
			if p.Direction == domain.DirectionOut {
				sign = sign.Neg()
			}
			out[l.Tender] = out.Get(l.Tender).Add(l.Amount.Mul(sign))
		}
	}
	return out
}
