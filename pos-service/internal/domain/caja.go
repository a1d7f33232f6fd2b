package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// CajaState is the lifecycle state of a cash register.
type CajaState string

const (
	CajaClosed                       CajaState = "CLOSED"
	CajaOpen                         CajaState = "OPEN"
	CajaPendingPhysicalCount         CajaState = "PENDING_PHYSICAL_COUNT"
	CajaClosingAwaitingAuthorization CajaState = "CLOSING_AWAITING_AUTHORIZATION"
)

var transitions = map[CajaState][]CajaState{
	CajaOpen:                         {CajaClosed, CajaClosingAwaitingAuthorization, CajaPendingPhysicalCount},
	CajaPendingPhysicalCount:         {CajaClosed, CajaClosingAwaitingAuthorization},
	CajaClosingAwaitingAuthorization: {CajaClosed},
}

// CanTransition reports whether from -> to is a legal move. CLOSED is terminal.
func CanTransition(from, to CajaState) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Tolerance is the largest per tender difference that still counts as a match.
var Tolerance = decimal.RequireFromString("0.005")

// Caja is a single cash register session, from open to close.
type Caja struct {
	ID            string     `json:"cajaId"`
	State         CajaState  `json:"state"`
	OpenedBy      string     `json:"openedBy"`
	OpenedByName  string     `json:"openedByName,omitempty"`
	OpenedAt      time.Time  `json:"openedAt"`
	Opening       Balances   `json:"opening"`
	Totals        Totals     `json:"totals"`
	Counted       Balances   `json:"counted,omitempty"`
	Differences   Balances   `json:"differences,omitempty"`
	ClosedBy      string     `json:"closedBy,omitempty"`
	ClosedAt      *time.Time `json:"closedAt,omitempty"`
	PendingReason string     `json:"pendingReason,omitempty"`
	PendingAt     *time.Time `json:"pendingAt,omitempty"`
	ResponsibleID string     `json:"responsibleId,omitempty"`
	Notes         string     `json:"notes,omitempty"`
	Version       int64      `json:"version"`
}

// Expected is opening + in - out for every tender.
func (c *Caja) Expected() Balances {
	out := make(Balances, len(Tenders))
	for _, t := range Tenders {
		tot := c.Totals[t]
		out[t] = c.Opening.Get(t).Add(tot.In).Sub(tot.Out)
	}
	return out
}

// Clone returns a deep copy safe to hand out of a lock.
func (c *Caja) Clone() *Caja {
	cp := *c
	cp.Opening = c.Opening.Clone()
	cp.Totals = c.Totals.Clone()
	if c.Counted != nil {
		cp.Counted = c.Counted.Clone()
	}
	if c.Differences != nil {
		cp.Differences = c.Differences.Clone()
	}
	if c.ClosedAt != nil {
		t := *c.ClosedAt
		cp.ClosedAt = &t
	}
	if c.PendingAt != nil {
		t := *c.PendingAt
		cp.PendingAt = &t
	}
	return &cp
}

// DiscrepancyAuthorization records who approved closing a caja whose count did not match.
type DiscrepancyAuthorization struct {
	ID             string    `json:"id"`
	CajaID         string    `json:"cajaId"`
	Differences    Balances  `json:"differences"`
	AuthorizedBy   string    `json:"authorizedBy"`
	AuthorizerName string    `json:"authorizerName,omitempty"`
	AuthorizedAt   time.Time `json:"authorizedAt"`
	Notes          string    `json:"notes,omitempty"`
}

// CashCount is a mid-shift physical count of an OPEN caja. It never changes the caja state.
type CashCount struct {
	ID             string    `json:"id"`
	CajaID         string    `json:"cajaId"`
	Expected       Balances  `json:"expected"`
	Counted        Balances  `json:"counted"`
	Differences    Balances  `json:"differences"`
	CountedBy      string    `json:"countedBy"`
	AuthorizedBy   string    `json:"authorizedBy,omitempty"`
	AuthorizerName string    `json:"authorizerName,omitempty"`
	CountedAt      time.Time `json:"countedAt"`
	Notes          string    `json:"notes,omitempty"`
}

// Identity is the caller proven by an authorization token.
type Identity struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Role string `json:"role"`
}
