package publisher

import (
	"context"
	"time"

	"github.com/fjod/go_caja/pos-service/internal/repository"
	"go.uber.org/zap"
)

// OutboxRepository is the read side of the transactional outbox.
type OutboxRepository interface {
	GetUnprocessedEvents(ctx context.Context, limit int) ([]*repository.OutboxEvent, error)
	MarkEventAsProcessed(ctx context.Context, id int64) error
}

// Recorder counts outbox deliveries.
type Recorder interface {
	OutboxPublished()
	OutboxFailed()
}

// OutboxPoller moves committed caja events from the outbox to the publishers.
// Delivery is at least once: an event is marked only after it was published.
type OutboxPoller struct {
	repo      OutboxRepository
	sink      Publisher
	eventTick time.Duration
	batch     int
	rec       Recorder
	log       *zap.Logger
}

func NewOutboxPoller(repo OutboxRepository, sink Publisher, tick time.Duration, log *zap.Logger) *OutboxPoller {
	if tick <= 0 {
		tick = time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &OutboxPoller{repo: repo, sink: sink, eventTick: tick, batch: 100, log: log}
}

func (p *OutboxPoller) WithRecorder(r Recorder) *OutboxPoller {
	p.rec = r
	return p
}

func (p *OutboxPoller) Run(ctx context.Context) {
	eventTicker := time.NewTicker(p.eventTick)
	defer eventTicker.Stop()
	for {
		select {
		case <-eventTicker.C:
			p.processUnpublishedEvents(ctx)
		case <-ctx.Done():
			// flush what is already committed
			p.processUnpublishedEvents(context.WithoutCancel(ctx))
			return
		}
	}
}

// processUnpublishedEvents publishes one batch and returns how many were delivered.
func (p *OutboxPoller) processUnpublishedEvents(ctx context.Context) int {
	events, err := p.repo.GetUnprocessedEvents(ctx, p.batch)
	if err != nil {
		p.log.Error("failed to fetch outbox events", zap.Error(err))
		return 0
	}

	delivered := 0
	for _, event := range events {
		ev, err := event.Event()
		if err != nil {
			p.log.Error("undecodable outbox event, skipping", zap.Int64("id", event.ID), zap.Error(err))
			p.mark(ctx, event.ID)
			continue
		}

		if err := p.sink.Publish(ctx, ev); err != nil {
			p.log.Warn("failed to publish outbox event",
				zap.Int64("id", event.ID), zap.String("type", event.EventType), zap.Error(err))
			if p.rec != nil {
				p.rec.OutboxFailed()
			}
			// keep order per aggregate: stop at the first failure and retry next tick
			return delivered
		}
		if p.mark(ctx, event.ID) {
			delivered++
			if p.rec != nil {
				p.rec.OutboxPublished()
			}
		}
	}
	return delivered
}

func (p *OutboxPoller) mark(ctx context.Context, id int64) bool {
	if err := p.repo.MarkEventAsProcessed(ctx, id); err != nil {
		p.log.Error("failed to mark outbox event as processed", zap.Int64("id", id), zap.Error(err))
		return false
	}
	return true
}
