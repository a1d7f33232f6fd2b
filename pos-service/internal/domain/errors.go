package domain

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrInsufficientStock   = errors.New("insufficient stock")
	ErrReservationNotFound = errors.New("reservation not found")
	ErrProductNotFound     = errors.New("product not found")
	ErrSessionNotFound     = errors.New("session not found")
	ErrInvalidQuantity     = errors.New("quantity must be positive")

	ErrCajaNotOpen             = errors.New("caja is not open")
	ErrAlreadyOpen             = errors.New("a caja is already open")
	ErrCajaNotFound            = errors.New("caja not found")
	ErrDiscrepancyUnauthorized = errors.New("discrepancy requires a valid authorization")
	ErrInvalidTransition       = errors.New("invalid caja transition")
	ErrInvalidAmount           = errors.New("invalid amount")
	ErrInvalidPosting          = errors.New("invalid transaction")
	ErrPostingNotFound         = errors.New("transaction not found")
	ErrPostingAlreadyVoided    = errors.New("transaction already voided")
	ErrVoidReasonTooShort      = errors.New("void reason must be at least 10 characters")
	ErrForbidden               = errors.New("forbidden")
)

// DiscrepancyError carries the per tender differences that need authorization.
type DiscrepancyError struct {
	CajaID      string
	Differences Balances
}

func (e *DiscrepancyError) Error() string {
	parts := make([]string, 0, len(Tenders))
	for _, t := range Tenders {
		if d, ok := e.Differences[t]; ok && !d.IsZero() {
			parts = append(parts, fmt.Sprintf("%s=%s", t, d.StringFixed(2)))
		}
	}
	return fmt.Sprintf("%s: caja %s differences %s", ErrDiscrepancyUnauthorized, e.CajaID, strings.Join(parts, " "))
}

func (e *DiscrepancyError) Unwrap() error { return ErrDiscrepancyUnauthorized }

// TransitionError names the rejected move.
type TransitionError struct {
	From CajaState
	To   CajaState
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("%s: %s -> %s", ErrInvalidTransition, e.From, e.To)
}

func (e *TransitionError) Unwrap() error { return ErrInvalidTransition }
