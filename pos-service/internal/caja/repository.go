package caja

import (
	"context"

	"github.com/fjod/go_caja/pos-service/internal/domain"
)

// Repository persists cajas, postings and the outbox. Methods called inside
// WithTx share one transaction; the ForUpdate reads hold the caja row lock until it ends.
type Repository interface {
	WithTx(ctx context.Context, fn func(ctx context.Context) error) error

	// GetActiveForUpdate returns the non-CLOSED caja, or nil when there is none.
	GetActiveForUpdate(ctx context.Context) (*domain.Caja, error)
	GetForUpdate(ctx context.Context, cajaID string) (*domain.Caja, error)
	// InsertCaja fails with domain.ErrAlreadyOpen when another non-CLOSED caja exists.
	InsertCaja(ctx context.Context, c *domain.Caja) error
	UpdateCaja(ctx context.Context, c *domain.Caja) error

	GetPosting(ctx context.Context, postingID string) (*domain.Posting, error)
	GetPostingForUpdate(ctx context.Context, postingID string) (*domain.Posting, error)
	InsertPosting(ctx context.Context, p *domain.Posting) error
	UpdatePosting(ctx context.Context, p *domain.Posting) error
	// CountPostingCodes counts postings whose code starts with prefix.
	CountPostingCodes(ctx context.Context, prefix string) (int, error)

	InsertAuthorization(ctx context.Context, a *domain.DiscrepancyAuthorization) error
	AppendOutbox(ctx context.Context, ev domain.Event) error

	GetCaja(ctx context.Context, cajaID string) (*domain.Caja, error)
	// GetActive returns the non-CLOSED caja, or nil when there is none.
	GetActive(ctx context.Context) (*domain.Caja, error)
	ListByStates(ctx context.Context, states ...domain.CajaState) ([]*domain.Caja, error)
	ListCajas(ctx context.Context, offset, limit int) ([]*domain.Caja, error)
	ListPostings(ctx context.Context, cajaID string) ([]*domain.Posting, error)
	// GetAuthorization returns nil when the caja closed without one.
	GetAuthorization(ctx context.Context, cajaID string) (*domain.DiscrepancyAuthorization, error)

	InsertCashCount(ctx context.Context, cc *domain.CashCount) error
	ListCashCounts(ctx context.Context, cajaID string) ([]*domain.CashCount, error)
}

// Authorizer turns an elevated-privilege token into an identity.
type Authorizer interface {
	Authorize(ctx context.Context, token string) (domain.Identity, error)
}

// SnapshotCache serves the current caja to read-only displays.
type SnapshotCache interface {
	Current(ctx context.Context, load func(ctx context.Context) (*domain.Caja, error)) (*domain.Caja, error)
	Invalidate(ctx context.Context) error
}

// Archiver keeps closed cajas for history.
type Archiver interface {
	Archive(ctx context.Context, c *domain.Caja, postings []*domain.Posting, auth *domain.DiscrepancyAuthorization) error
}

// Recorder counts lifecycle activity.
type Recorder interface {
	CajaTransition(to domain.CajaState)
	PostingRecorded(d domain.Direction)
}
