package publisher

import (
	"context"
	"errors"
	"sync/atomic"

	"github.com/fjod/go_caja/pos-service/internal/domain"
	"go.uber.org/zap"
)

var ErrBufferFull = errors.New("publish buffer full")

// Async decouples a slow publisher from the caller. Events that do not fit the
// buffer are dropped and counted.
type Async struct {
	next    Publisher
	ch      chan domain.Event
	dropped atomic.Int64
	log     *zap.Logger
}

func NewAsync(next Publisher, buffer int, log *zap.Logger) *Async {
	if buffer <= 0 {
		buffer = 1024
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Async{next: next, ch: make(chan domain.Event, buffer), log: log}
}

func (a *Async) Publish(_ context.Context, ev domain.Event) error {
	select {
	case a.ch <- ev:
		return nil
	default:
		a.dropped.Add(1)
		return ErrBufferFull
	}
}

func (a *Async) Dropped() int64 { return a.dropped.Load() }

// Run delivers buffered events until ctx is done, then drains what is left.
func (a *Async) Run(ctx context.Context) {
	for {
		select {
		case ev := <-a.ch:
			a.deliver(ctx, ev)
		case <-ctx.Done():
			drain := context.WithoutCancel(ctx)
			for {
				select {
				case ev := <-a.ch:
					a.deliver(drain, ev)
				default:
					return
				}
			}
		}
	}
}

func (a *Async) deliver(ctx context.Context, ev domain.Event) {
	if err := a.next.Publish(ctx, ev); err != nil {
		a.log.Warn("async publish failed", zap.String("type", string(ev.Type)), zap.String("id", ev.ID), zap.Error(err))
	}
}
