package publisher

import (
	"context"
	"errors"

	"github.com/fjod/go_caja/pos-service/internal/domain"
)

// Publisher delivers a domain event to one transport.
type Publisher interface {
	Publish(ctx context.Context, ev domain.Event) error
}

// Fanout publishes every event to each of its publishers, in order.
type Fanout []Publisher

func (f Fanout) Publish(ctx context.Context, ev domain.Event) error {
	var errs []error
	for _, p := range f {
		if p == nil {
			continue
		}
		if err := p.Publish(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
