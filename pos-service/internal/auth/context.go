package auth

import (
	"context"

	"github.com/fjod/go_caja/pos-service/internal/domain"
)

type ctxKey struct{}

// WithIdentity stores the authenticated operator on ctx.
func WithIdentity(ctx context.Context, id domain.Identity) context.Context {
	return context.WithValue(ctx, ctxKey{}, id)
}

func IdentityFrom(ctx context.Context) (domain.Identity, bool) {
	id, ok := ctx.Value(ctxKey{}).(domain.Identity)
	return id, ok
}
