package session

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/fjod/go_caja/pkg/logger"
	"github.com/fjod/go_caja/pos-service/internal/clock"
	"github.com/fjod/go_caja/pos-service/internal/domain"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// DefaultInactivityTimeout tears down sessions that stopped sending heartbeats.
const DefaultInactivityTimeout = 3 * time.Minute

// Releaser drops every reservation a session owns.
type Releaser interface {
	Release(ctx context.Context, sessionID string, productIDs ...int64) int
}

// Tracker keeps the live sale-building sessions and their heartbeats.
type Tracker struct {
	mu       sync.Mutex
	sessions map[string]*domain.Session
	// guards serialize work done on behalf of a session with its teardown.
	guards map[string]*sync.Mutex

	releaser Releaser
	clock    clock.Clock
	log      *zap.Logger
}

func NewTracker(releaser Releaser, clk clock.Clock, log *zap.Logger) *Tracker {
	if clk == nil {
		clk = clock.NewSystem()
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Tracker{
		sessions: make(map[string]*domain.Session),
		guards:   make(map[string]*sync.Mutex),
		releaser: releaser,
		clock:    clk,
		log:      log,
	}
}

// Create starts a session. A blank id gets a generated one; an id already in use returns that session.
func (t *Tracker) Create(ctx context.Context, id string) domain.Session {
	if id == "" {
		id = uuid.New().String()
	}
	now := t.clock.Now()

	t.mu.Lock()
	defer t.mu.Unlock()
	if s, ok := t.sessions[id]; ok {
		s.LastHeartbeatAt = now
		return *s
	}
	s := &domain.Session{ID: id, CreatedAt: now, LastHeartbeatAt: now}
	t.sessions[id] = s
	t.guards[id] = &sync.Mutex{}
	logger.From(ctx, t.log).Debug("session created", zap.String("session_id", id))
	return *s
}

// Heartbeat marks the session alive. Callers renew the reservations separately.
func (t *Tracker) Heartbeat(ctx context.Context, id string) (domain.Session, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.sessions[id]
	if !ok {
		return domain.Session{}, fmt.Errorf("%w: %s", domain.ErrSessionNotFound, id)
	}
	s.LastHeartbeatAt = t.clock.Now()
	return *s, nil
}

// WithLive heartbeats the session and runs fn while the session cannot be destroyed.
// Destroy waits for fn to return, so anything fn acquires for the session is released with it.
func (t *Tracker) WithLive(ctx context.Context, id string, fn func() error) error {
	t.mu.Lock()
	g, ok := t.guards[id]
	t.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrSessionNotFound, id)
	}

	g.Lock()
	defer g.Unlock()
	// the session may have been destroyed while we waited
	t.mu.Lock()
	s, ok := t.sessions[id]
	if !ok || t.guards[id] != g {
		t.mu.Unlock()
		return fmt.Errorf("%w: %s", domain.ErrSessionNotFound, id)
	}
	s.LastHeartbeatAt = t.clock.Now()
	t.mu.Unlock()

	return fn()
}

func (t *Tracker) Get(id string) (domain.Session, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.sessions[id]
	if !ok {
		return domain.Session{}, fmt.Errorf("%w: %s", domain.ErrSessionNotFound, id)
	}
	return *s, nil
}

func (t *Tracker) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.sessions)
}

// List returns every live session, oldest first.
func (t *Tracker) List() []domain.Session {
	t.mu.Lock()
	out := make([]domain.Session, 0, len(t.sessions))
	for _, s := range t.sessions {
		out = append(out, *s)
	}
	t.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Destroy removes the session and releases all of its reservations.
// Destroying an unknown session still runs the release so no hold outlives it.
func (t *Tracker) Destroy(ctx context.Context, id string) bool {
	t.mu.Lock()
	g := t.guards[id]
	t.mu.Unlock()
	if g != nil {
		g.Lock()
		defer g.Unlock()
	}

	t.mu.Lock()
	_, existed := t.sessions[id]
	delete(t.sessions, id)
	if t.guards[id] == g {
		delete(t.guards, id)
	}
	t.mu.Unlock()

	released := 0
	if t.releaser != nil {
		released = t.releaser.Release(ctx, id)
	}
	if existed {
		logger.From(ctx, t.log).Info("session destroyed",
			zap.String("session_id", id), zap.Int("released", released))
	}
	return existed
}

// ExpireInactive destroys sessions without a heartbeat within timeout and returns their ids.
func (t *Tracker) ExpireInactive(ctx context.Context, timeout time.Duration) []string {
	if timeout <= 0 {
		timeout = DefaultInactivityTimeout
	}
	cutoff := t.clock.Now().Add(-timeout)

	t.mu.Lock()
	var idle []string
	for id, s := range t.sessions {
		if s.IdleSince(cutoff) {
			idle = append(idle, id)
		}
	}
	t.mu.Unlock()
	sort.Strings(idle)

	expired := idle[:0]
	for _, id := range idle {
		// a heartbeat may have landed since the scan
		t.mu.Lock()
		s, ok := t.sessions[id]
		stillIdle := ok && s.IdleSince(cutoff)
		t.mu.Unlock()
		if !stillIdle {
			continue
		}
		t.Destroy(ctx, id)
		expired = append(expired, id)
	}
	if len(expired) > 0 {
		logger.From(ctx, t.log).Info("inactive sessions expired", zap.Strings("sessions", expired))
	}
	return expired
}
