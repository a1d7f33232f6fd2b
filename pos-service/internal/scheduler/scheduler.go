package scheduler

import (
	"context"
	"errors"
	"time"

	"github.com/fjod/go_caja/pos-service/internal/clock"
	"github.com/fjod/go_caja/pos-service/internal/domain"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// AutoCloseReason is recorded on a caja moved to physical count by the end of day job.
const AutoCloseReason = "automatic end of day close"

type Sweeper interface {
	SweepExpired(ctx context.Context) []string
}

type SessionExpirer interface {
	ExpireInactive(ctx context.Context, timeout time.Duration) []string
}

type CajaCloser interface {
	Current(ctx context.Context) (*domain.Caja, error)
	MarkPendingPhysicalCount(ctx context.Context, cajaID, reason, responsibleID string) (*domain.Caja, error)
}

type Config struct {
	SweepInterval     time.Duration
	InactivityTimeout time.Duration
	// AutoCloseHour and AutoCloseMinute are wall clock in Location. Negative hour disables the job.
	AutoCloseHour   int
	AutoCloseMinute int
	Location        *time.Location
}

// Scheduler runs the periodic housekeeping: lease sweep, idle session expiry
// and the end of day auto close.
type Scheduler struct {
	cfg      Config
	sweeper  Sweeper
	sessions SessionExpirer
	cajas    CajaCloser
	clock    clock.Clock
	log      *zap.Logger
	onTick   func()
}

func New(cfg Config, sweeper Sweeper, sessions SessionExpirer, cajas CajaCloser, clk clock.Clock, log *zap.Logger) *Scheduler {
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if clk == nil {
		clk = clock.NewSystem()
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Scheduler{cfg: cfg, sweeper: sweeper, sessions: sessions, cajas: cajas, clock: clk, log: log}
}

// OnTick registers a hook run after every sweep, used to refresh gauges.
func (s *Scheduler) OnTick(fn func()) { s.onTick = fn }

// Run blocks until ctx is done.
func (s *Scheduler) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	if s.sweeper != nil || s.sessions != nil {
		g.Go(func() error { return s.sweepLoop(ctx) })
	}
	if s.cajas != nil && s.cfg.AutoCloseHour >= 0 {
		g.Go(func() error { return s.autoCloseLoop(ctx) })
	}
	return g.Wait()
}

func (s *Scheduler) sweepLoop(ctx context.Context) error {
	interval := s.cfg.SweepInterval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep expires idle sessions first, so their holds go out as releases, then
// reclaims whatever leases lapsed on their own.
func (s *Scheduler) Sweep(ctx context.Context) {
	if s.sessions != nil && s.cfg.InactivityTimeout > 0 {
		if ids := s.sessions.ExpireInactive(ctx, s.cfg.InactivityTimeout); len(ids) > 0 {
			s.log.Info("expired inactive sessions", zap.Strings("sessions", ids))
		}
	}
	if s.sweeper != nil {
		if ids := s.sweeper.SweepExpired(ctx); len(ids) > 0 {
			s.log.Info("swept expired reservations", zap.Strings("sessions", ids))
		}
	}
	if s.onTick != nil {
		s.onTick()
	}
}

func (s *Scheduler) autoCloseLoop(ctx context.Context) error {
	for {
		now := s.clock.Now()
		next := NextAutoClose(now, s.cfg.Location, s.cfg.AutoCloseHour, s.cfg.AutoCloseMinute)
		timer := time.NewTimer(next.Sub(now))
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
			if err := s.AutoClose(ctx); err != nil {
				s.log.Error("auto close failed", zap.Error(err))
			}
		}
	}
}

// AutoClose moves an OPEN caja to PENDING_PHYSICAL_COUNT. Any other state is left alone.
func (s *Scheduler) AutoClose(ctx context.Context) error {
	c, err := s.cajas.Current(ctx)
	if errors.Is(err, domain.ErrCajaNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if c.State != domain.CajaOpen {
		s.log.Debug("auto close skipped", zap.String("caja_id", c.ID), zap.String("state", string(c.State)))
		return nil
	}
	_, err = s.cajas.MarkPendingPhysicalCount(ctx, c.ID, AutoCloseReason, c.OpenedBy)
	if errors.Is(err, domain.ErrInvalidTransition) {
		// a cashier closed it between the read and the transition
		return nil
	}
	if err != nil {
		return err
	}
	s.log.Info("caja moved to physical count", zap.String("caja_id", c.ID))
	return nil
}

// NextAutoClose returns the first hour:minute in loc strictly after now.
func NextAutoClose(now time.Time, loc *time.Location, hour, minute int) time.Time {
	local := now.In(loc)
	next := time.Date(local.Year(), local.Month(), local.Day(), hour, minute, 0, 0, loc)
	if !next.After(local) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}
