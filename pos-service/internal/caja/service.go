package caja

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/fjod/go_caja/pkg/logger"
	"github.com/fjod/go_caja/pos-service/internal/clock"
	"github.com/fjod/go_caja/pos-service/internal/domain"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const minVoidReason = 10

// Policy lists the roles allowed to perform privileged steps.
// An empty OpenRoles, CloseRoles or CountRoles lets any authenticated operator do that step.
type Policy struct {
	OpenRoles      []string
	CloseRoles     []string // request a close with a counted total
	CountRoles     []string // mid-shift physical count
	AuthorizeRoles []string // approve a close or a count with differences
	ResolveRoles   []string // resolve a pending physical count for someone else
	VoidRoles      []string
}

func DefaultPolicy() Policy {
	return Policy{
		AuthorizeRoles: []string{"admin", "supervisor"},
		ResolveRoles:   []string{"admin", "supervisor"},
		VoidRoles:      []string{"admin"},
	}
}

// permits reports whether role may act under roles.
func permits(roles []string, role string) bool {
	return len(roles) == 0 || slices.Contains(roles, role)
}

// Service is the cash register state machine. Every transition and posting runs in
// one repository transaction holding the caja row lock and re-reads state inside it.
type Service struct {
	repo     Repository
	auth     Authorizer
	clock    clock.Clock
	policy   Policy
	location *time.Location
	cache    SnapshotCache
	archive  Archiver
	rec      Recorder
	log      *zap.Logger
	tracer   trace.Tracer
}

type Option func(*Service)

func WithClock(c clock.Clock) Option { return func(s *Service) { s.clock = c } }

func WithPolicy(p Policy) Option { return func(s *Service) { s.policy = p } }

// WithLocation sets the time zone used for daily transaction codes.
func WithLocation(loc *time.Location) Option {
	return func(s *Service) {
		if loc != nil {
			s.location = loc
		}
	}
}

func WithCache(c SnapshotCache) Option { return func(s *Service) { s.cache = c } }

func WithArchiver(a Archiver) Option { return func(s *Service) { s.archive = a } }

func WithRecorder(r Recorder) Option { return func(s *Service) { s.rec = r } }

func WithLogger(l *zap.Logger) Option { return func(s *Service) { s.log = l } }

func NewService(repo Repository, auth Authorizer, opts ...Option) *Service {
	s := &Service{
		repo:     repo,
		auth:     auth,
		clock:    clock.NewSystem(),
		policy:   DefaultPolicy(),
		location: time.UTC,
		log:      zap.NewNop(),
		tracer:   otel.Tracer("pos-service/caja"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type OpenInput struct {
	OpenedBy     string
	OpenedByName string
	Role         string
	Opening      domain.Balances
	Notes        string
}

// Open creates a new OPEN caja. Fails with ErrAlreadyOpen while any caja is not CLOSED.
func (s *Service) Open(ctx context.Context, in OpenInput) (c *domain.Caja, err error) {
	ctx, span := s.tracer.Start(ctx, "caja.Open")
	defer func() { endSpan(span, err) }()

	if in.OpenedBy == "" {
		return nil, fmt.Errorf("%w: opener required", domain.ErrForbidden)
	}
	if !permits(s.policy.OpenRoles, in.Role) {
		return nil, fmt.Errorf("%w: role %q may not open a caja", domain.ErrForbidden, in.Role)
	}
	if err := validateBalances(in.Opening); err != nil {
		return nil, err
	}

	now := s.clock.Now()
	err = s.repo.WithTx(ctx, func(ctx context.Context) error {
		active, err := s.repo.GetActiveForUpdate(ctx)
		if err != nil {
			return err
		}
		if active != nil {
			return fmt.Errorf("%w: %s is %s", domain.ErrAlreadyOpen, active.ID, active.State)
		}

		c = &domain.Caja{
			ID:           uuid.New().String(),
			State:        domain.CajaOpen,
			OpenedBy:     in.OpenedBy,
			OpenedByName: in.OpenedByName,
			OpenedAt:     now,
			Opening:      in.Opening.Clone(),
			Totals:       domain.NewTotals(),
			Notes:        in.Notes,
			Version:      1,
		}
		if err := s.repo.InsertCaja(ctx, c); err != nil {
			return err
		}
		return s.appendEvent(ctx, domain.EventCajaOpened, c.ID, c.State, c, now)
	})
	if err != nil {
		return nil, err
	}

	s.transitioned(ctx, c)
	logger.From(ctx, s.log).Info("caja opened", zap.String("caja_id", c.ID), zap.String("opened_by", c.OpenedBy))
	return c, nil
}

type PostingInput struct {
	CajaID      string // empty posts to the active caja
	Direction   domain.Direction
	Category    string
	Description string
	Lines       []domain.PostingLine
	Items       []domain.SaleItem
	Author      string
}

// PostTransaction records a money movement. Only legal while the caja is OPEN.
func (s *Service) PostTransaction(ctx context.Context, in PostingInput) (p *domain.Posting, err error) {
	ctx, span := s.tracer.Start(ctx, "caja.PostTransaction")
	defer func() { endSpan(span, err) }()

	lines, err := validatePosting(in)
	if err != nil {
		return nil, err
	}

	now := s.clock.Now()
	err = s.repo.WithTx(ctx, func(ctx context.Context) error {
		c, err := s.lockTarget(ctx, in.CajaID)
		if err != nil {
			return err
		}
		if c.State != domain.CajaOpen {
			return fmt.Errorf("%w: %s is %s", domain.ErrCajaNotOpen, c.ID, c.State)
		}

		code, err := s.nextCode(ctx, in.Direction, now)
		if err != nil {
			return err
		}
		p = &domain.Posting{
			ID:          uuid.New().String(),
			CajaID:      c.ID,
			Code:        code,
			Direction:   in.Direction,
			Category:    strings.TrimSpace(in.Category),
			Description: in.Description,
			Lines:       lines,
			Items:       in.Items,
			Author:      in.Author,
			CreatedAt:   now,
		}
		if err := s.repo.InsertPosting(ctx, p); err != nil {
			return err
		}

		for _, l := range p.Lines {
			c.Totals.Apply(l.Tender, p.Direction, l.Amount, 1)
		}
		c.Version++
		if err := s.repo.UpdateCaja(ctx, c); err != nil {
			return err
		}
		return s.appendEvent(ctx, domain.EventTransactionPosted, c.ID, c.State, p, now)
	})
	if err != nil {
		return nil, err
	}

	if s.rec != nil {
		s.rec.PostingRecorded(p.Direction)
	}
	s.invalidate(ctx)
	logger.From(ctx, s.log).Info("transaction posted",
		zap.String("caja_id", p.CajaID), zap.String("code", p.Code), zap.String("total", p.Total().String()))
	return p, nil
}

type CloseInput struct {
	CajaID   string // empty closes the active caja
	Counted  domain.Balances
	ClosedBy string
	Role     string
	Notes    string
}

// CloseResult is the outcome of a close request or a pending count resolution.
type CloseResult struct {
	Caja                  *domain.Caja    `json:"caja"`
	Expected              domain.Balances `json:"expected"`
	Differences           domain.Balances `json:"differences"`
	RequiresAuthorization bool            `json:"requiresAuthorization"`
}

// RequestClose reconciles the counted cash. Within tolerance the caja closes;
// otherwise it waits for a discrepancy authorization.
func (s *Service) RequestClose(ctx context.Context, in CloseInput) (res *CloseResult, err error) {
	ctx, span := s.tracer.Start(ctx, "caja.RequestClose")
	defer func() { endSpan(span, err) }()

	if err := validateBalances(in.Counted); err != nil {
		return nil, err
	}
	if !permits(s.policy.CloseRoles, in.Role) {
		return nil, fmt.Errorf("%w: role %q may not close a caja", domain.ErrForbidden, in.Role)
	}

	now := s.clock.Now()
	err = s.repo.WithTx(ctx, func(ctx context.Context) error {
		c, err := s.lockTarget(ctx, in.CajaID)
		if err != nil {
			return err
		}
		if c.State != domain.CajaOpen {
			return fmt.Errorf("%w: %s is %s", domain.ErrCajaNotOpen, c.ID, c.State)
		}
		res, err = s.settle(ctx, c, in.Counted, in.ClosedBy, in.Notes, now)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.afterSettle(ctx, res)
	return res, nil
}

// settle applies a count to a locked caja and moves it to CLOSED or CLOSING_AWAITING_AUTHORIZATION.
func (s *Service) settle(ctx context.Context, c *domain.Caja, counted domain.Balances, by, notes string, now time.Time) (*CloseResult, error) {
	expected := c.Expected()
	diff, match := Reconcile(expected, counted)

	c.Counted = counted.Clone()
	c.Differences = diff
	c.ClosedBy = by
	if notes != "" {
		c.Notes = notes
	}
	if match {
		c.State = domain.CajaClosed
		c.ClosedAt = &now
	} else {
		c.State = domain.CajaClosingAwaitingAuthorization
	}
	c.Version++
	if err := s.repo.UpdateCaja(ctx, c); err != nil {
		return nil, err
	}

	res := &CloseResult{Caja: c, Expected: expected, Differences: diff, RequiresAuthorization: !match}
	if err := s.appendEvent(ctx, domain.EventCloseRequested, c.ID, c.State, res, now); err != nil {
		return nil, err
	}
	if match {
		if err := s.appendEvent(ctx, domain.EventCajaClosed, c.ID, c.State, c, now); err != nil {
			return nil, err
		}
	}
	return res, nil
}

func (s *Service) afterSettle(ctx context.Context, res *CloseResult) {
	s.transitioned(ctx, res.Caja)
	logger.From(ctx, s.log).Info("caja close requested",
		zap.String("caja_id", res.Caja.ID),
		zap.String("state", string(res.Caja.State)),
		zap.Bool("requires_authorization", res.RequiresAuthorization))
}

// Authorize approves the differences of a caja awaiting authorization and closes it.
// Any token the authorizer rejects, or whose role is not allowed, yields a *domain.DiscrepancyError.
func (s *Service) Authorize(ctx context.Context, cajaID, token, notes string) (c *domain.Caja, err error) {
	ctx, span := s.tracer.Start(ctx, "caja.Authorize")
	defer func() { endSpan(span, err) }()

	id, authErr := s.identify(ctx, token, s.policy.AuthorizeRoles)
	now := s.clock.Now()

	err = s.repo.WithTx(ctx, func(ctx context.Context) error {
		c, err = s.repo.GetForUpdate(ctx, cajaID)
		if err != nil {
			return err
		}
		if c.State != domain.CajaClosingAwaitingAuthorization {
			return &domain.TransitionError{From: c.State, To: domain.CajaClosed}
		}
		if authErr != nil {
			return fmt.Errorf("%w (%v)", &domain.DiscrepancyError{CajaID: c.ID, Differences: c.Differences}, authErr)
		}

		a := &domain.DiscrepancyAuthorization{
			ID:             uuid.New().String(),
			CajaID:         c.ID,
			Differences:    c.Differences.Clone(),
			AuthorizedBy:   id.ID,
			AuthorizerName: id.Name,
			AuthorizedAt:   now,
			Notes:          notes,
		}
		if err := s.repo.InsertAuthorization(ctx, a); err != nil {
			return err
		}

		c.State = domain.CajaClosed
		c.ClosedAt = &now
		c.Version++
		if err := s.repo.UpdateCaja(ctx, c); err != nil {
			return err
		}
		if err := s.appendEvent(ctx, domain.EventCloseAuthorized, c.ID, c.State, a, now); err != nil {
			return err
		}
		return s.appendEvent(ctx, domain.EventCajaClosed, c.ID, c.State, c, now)
	})
	if err != nil {
		return nil, err
	}

	s.transitioned(ctx, c)
	logger.From(ctx, s.log).Info("caja discrepancy authorized",
		zap.String("caja_id", c.ID), zap.String("authorized_by", id.ID))
	return c, nil
}

// MarkPendingPhysicalCount parks an OPEN caja whose owner went away without counting.
// An empty cajaID targets the active caja.
func (s *Service) MarkPendingPhysicalCount(ctx context.Context, cajaID, reason, responsibleID string) (c *domain.Caja, err error) {
	ctx, span := s.tracer.Start(ctx, "caja.MarkPendingPhysicalCount")
	defer func() { endSpan(span, err) }()

	now := s.clock.Now()
	err = s.repo.WithTx(ctx, func(ctx context.Context) error {
		c, err = s.lockTarget(ctx, cajaID)
		if err != nil {
			return err
		}
		if c.State != domain.CajaOpen {
			return &domain.TransitionError{From: c.State, To: domain.CajaPendingPhysicalCount}
		}
		c.State = domain.CajaPendingPhysicalCount
		c.PendingReason = reason
		c.PendingAt = &now
		c.ResponsibleID = responsibleID
		if c.ResponsibleID == "" {
			c.ResponsibleID = c.OpenedBy
		}
		c.Version++
		if err := s.repo.UpdateCaja(ctx, c); err != nil {
			return err
		}
		return s.appendEvent(ctx, domain.EventPendingPhysicalCount, c.ID, c.State, c, now)
	})
	if err != nil {
		return nil, err
	}

	s.transitioned(ctx, c)
	logger.From(ctx, s.log).Warn("caja pending physical count",
		zap.String("caja_id", c.ID), zap.String("reason", reason))
	return c, nil
}

type ResolveInput struct {
	CajaID  string
	Counted domain.Balances
	Token   string
	Notes   string
}

// ResolvePending counts a parked caja. The resolver must be the opener or hold a resolve role;
// the count goes through the same tolerance check as RequestClose.
func (s *Service) ResolvePending(ctx context.Context, in ResolveInput) (res *CloseResult, err error) {
	ctx, span := s.tracer.Start(ctx, "caja.ResolvePending")
	defer func() { endSpan(span, err) }()

	if err := validateBalances(in.Counted); err != nil {
		return nil, err
	}
	id, err := s.identify(ctx, in.Token, nil)
	if err != nil {
		return nil, err
	}

	now := s.clock.Now()
	err = s.repo.WithTx(ctx, func(ctx context.Context) error {
		c, err := s.repo.GetForUpdate(ctx, in.CajaID)
		if err != nil {
			return err
		}
		if c.State != domain.CajaPendingPhysicalCount {
			return &domain.TransitionError{From: c.State, To: domain.CajaClosed}
		}
		if id.ID != c.OpenedBy && !slices.Contains(s.policy.ResolveRoles, id.Role) {
			return fmt.Errorf("%w: %s may not resolve caja %s", domain.ErrForbidden, id.ID, c.ID)
		}
		c.ResponsibleID = id.ID
		res, err = s.settle(ctx, c, in.Counted, id.ID, in.Notes, now)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.afterSettle(ctx, res)
	return res, nil
}

type CountInput struct {
	CajaID    string // empty counts the active caja
	Counted   domain.Balances
	CountedBy string
	Role      string
	Token     string // supervisor token, needed only when the count does not match
	Notes     string
}

// Count records a physical count of an OPEN caja without closing it. A count outside
// tolerance is only recorded with a supervisor token whose role is in AuthorizeRoles;
// otherwise nothing is stored and a *domain.DiscrepancyError is returned.
func (s *Service) Count(ctx context.Context, in CountInput) (cc *domain.CashCount, err error) {
	ctx, span := s.tracer.Start(ctx, "caja.Count")
	defer func() { endSpan(span, err) }()

	if err := validateBalances(in.Counted); err != nil {
		return nil, err
	}
	if !permits(s.policy.CountRoles, in.Role) {
		return nil, fmt.Errorf("%w: role %q may not count a caja", domain.ErrForbidden, in.Role)
	}
	var (
		approver domain.Identity
		authErr  error
	)
	if in.Token != "" {
		approver, authErr = s.identify(ctx, in.Token, s.policy.AuthorizeRoles)
	} else {
		authErr = fmt.Errorf("%w: missing authorization token", domain.ErrForbidden)
	}

	now := s.clock.Now()
	err = s.repo.WithTx(ctx, func(ctx context.Context) error {
		c, err := s.lockTarget(ctx, in.CajaID)
		if err != nil {
			return err
		}
		if c.State != domain.CajaOpen {
			return fmt.Errorf("%w: %s is %s", domain.ErrCajaNotOpen, c.ID, c.State)
		}

		expected := c.Expected()
		diff, match := Reconcile(expected, in.Counted)
		cc = &domain.CashCount{
			ID:          uuid.New().String(),
			CajaID:      c.ID,
			Expected:    expected,
			Counted:     in.Counted.Clone(),
			Differences: diff,
			CountedBy:   in.CountedBy,
			CountedAt:   now,
			Notes:       in.Notes,
		}
		if !match {
			if authErr != nil {
				return fmt.Errorf("%w (%v)", &domain.DiscrepancyError{CajaID: c.ID, Differences: diff}, authErr)
			}
			cc.AuthorizedBy = approver.ID
			cc.AuthorizerName = approver.Name
		}
		if err := s.repo.InsertCashCount(ctx, cc); err != nil {
			return err
		}
		return s.appendEvent(ctx, domain.EventCashCounted, c.ID, c.State, cc, now)
	})
	if err != nil {
		return nil, err
	}

	logger.From(ctx, s.log).Info("caja counted",
		zap.String("caja_id", cc.CajaID),
		zap.String("counted_by", cc.CountedBy),
		zap.String("authorized_by", cc.AuthorizedBy))
	return cc, nil
}

type VoidInput struct {
	PostingID string
	Reason    string
	Token     string
}

// VoidTransaction soft-deletes a posting of the OPEN caja and reverses it from the running totals.
func (s *Service) VoidTransaction(ctx context.Context, in VoidInput) (p *domain.Posting, err error) {
	ctx, span := s.tracer.Start(ctx, "caja.VoidTransaction")
	defer func() { endSpan(span, err) }()

	reason := strings.TrimSpace(in.Reason)
	if len([]rune(reason)) < minVoidReason {
		return nil, domain.ErrVoidReasonTooShort
	}
	id, err := s.identify(ctx, in.Token, s.policy.VoidRoles)
	if err != nil {
		return nil, err
	}

	now := s.clock.Now()
	err = s.repo.WithTx(ctx, func(ctx context.Context) error {
		peek, err := s.repo.GetPosting(ctx, in.PostingID)
		if err != nil {
			return err
		}
		// caja first, same order as PostTransaction
		c, err := s.repo.GetForUpdate(ctx, peek.CajaID)
		if err != nil {
			return err
		}
		p, err = s.repo.GetPostingForUpdate(ctx, in.PostingID)
		if err != nil {
			return err
		}
		if c.State != domain.CajaOpen {
			return fmt.Errorf("%w: %s is %s", domain.ErrCajaNotOpen, c.ID, c.State)
		}
		if p.Voided() {
			return fmt.Errorf("%w: %s", domain.ErrPostingAlreadyVoided, p.Code)
		}

		p.VoidedAt = &now
		p.VoidedBy = id.ID
		p.VoidReason = reason
		if err := s.repo.UpdatePosting(ctx, p); err != nil {
			return err
		}
		for _, l := range p.Lines {
			c.Totals.Apply(l.Tender, p.Direction, l.Amount, -1)
		}
		c.Version++
		if err := s.repo.UpdateCaja(ctx, c); err != nil {
			return err
		}
		return s.appendEvent(ctx, domain.EventTransactionVoided, c.ID, c.State, p, now)
	})
	if err != nil {
		return nil, err
	}

	s.invalidate(ctx)
	logger.From(ctx, s.log).Info("transaction voided",
		zap.String("caja_id", p.CajaID), zap.String("code", p.Code), zap.String("voided_by", id.ID))
	return p, nil
}

// Current returns the non-CLOSED caja, through the snapshot cache when one is configured.
func (s *Service) Current(ctx context.Context) (*domain.Caja, error) {
	if s.cache != nil {
		return s.cache.Current(ctx, s.loadCurrent)
	}
	return s.loadCurrent(ctx)
}

func (s *Service) loadCurrent(ctx context.Context) (*domain.Caja, error) {
	c, err := s.repo.GetActive(ctx)
	if err != nil {
		return nil, err
	}
	if c == nil {
		return nil, domain.ErrCajaNotFound
	}
	return c, nil
}

func (s *Service) Get(ctx context.Context, cajaID string) (*domain.Caja, error) {
	return s.repo.GetCaja(ctx, cajaID)
}

// GetExpected returns opening + in - out per tender.
func (s *Service) GetExpected(ctx context.Context, cajaID string) (domain.Balances, error) {
	c, err := s.repo.GetCaja(ctx, cajaID)
	if err != nil {
		return nil, err
	}
	return c.Expected(), nil
}

// ListPending returns cajas that block new postings until someone resolves them.
func (s *Service) ListPending(ctx context.Context) ([]*domain.Caja, error) {
	return s.repo.ListByStates(ctx, domain.CajaPendingPhysicalCount, domain.CajaClosingAwaitingAuthorization)
}

func (s *Service) ListPostings(ctx context.Context, cajaID string) ([]*domain.Posting, error) {
	if _, err := s.repo.GetCaja(ctx, cajaID); err != nil {
		return nil, err
	}
	return s.repo.ListPostings(ctx, cajaID)
}

// History pages through every caja, newest first. Pages start at 1.
func (s *Service) History(ctx context.Context, page, limit int) ([]*domain.Caja, error) {
	if page < 1 {
		page = 1
	}
	if limit < 1 || limit > 100 {
		limit = 20
	}
	return s.repo.ListCajas(ctx, (page-1)*limit, limit)
}

// ListCounts returns the mid-shift counts of a caja, oldest first.
func (s *Service) ListCounts(ctx context.Context, cajaID string) ([]*domain.CashCount, error) {
	if _, err := s.repo.GetCaja(ctx, cajaID); err != nil {
		return nil, err
	}
	return s.repo.ListCashCounts(ctx, cajaID)
}

// Authorization returns the discrepancy authorization of a caja, or nil when it closed without one.
func (s *Service) Authorization(ctx context.Context, cajaID string) (*domain.DiscrepancyAuthorization, error) {
	return s.repo.GetAuthorization(ctx, cajaID)
}

// lockTarget locks cajaID, or the active caja when cajaID is empty.
func (s *Service) lockTarget(ctx context.Context, cajaID string) (*domain.Caja, error) {
	if cajaID != "" {
		return s.repo.GetForUpdate(ctx, cajaID)
	}
	c, err := s.repo.GetActiveForUpdate(ctx)
	if err != nil {
		return nil, err
	}
	if c == nil {
		return nil, domain.ErrCajaNotOpen
	}
	return c, nil
}

// identify resolves a token and checks its role against roles. A nil roles list accepts any role.
func (s *Service) identify(ctx context.Context, token string, roles []string) (domain.Identity, error) {
	if token == "" || s.auth == nil {
		return domain.Identity{}, fmt.Errorf("%w: missing authorization token", domain.ErrForbidden)
	}
	id, err := s.auth.Authorize(ctx, token)
	if err != nil {
		return domain.Identity{}, err
	}
	if roles != nil && !slices.Contains(roles, id.Role) {
		return domain.Identity{}, fmt.Errorf("%w: role %q", domain.ErrForbidden, id.Role)
	}
	return id, nil
}

// nextCode builds the daily consecutive code, e.g. I010325003. Runs under the caja lock.
func (s *Service) nextCode(ctx context.Context, d domain.Direction, now time.Time) (string, error) {
	prefix := d.CodePrefix() + now.In(s.location).Format("020106")
	n, err := s.repo.CountPostingCodes(ctx, prefix)
	if err != nil {
		return "", fmt.Errorf("count postings: %w", err)
	}
	return fmt.Sprintf("%s%03d", prefix, n+1), nil
}

func (s *Service) appendEvent(ctx context.Context, t domain.EventType, cajaID string, state domain.CajaState, payload any, now time.Time) error {
	spanCaja(ctx, cajaID)
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", t, err)
	}
	return s.repo.AppendOutbox(ctx, domain.Event{
		ID:          uuid.New().String(),
		Type:        t,
		AggregateID: cajaID,
		State:       string(state),
		Payload:     raw,
		OccurredAt:  now,
	})
}

// transitioned runs the post-commit side effects of a state change.
func (s *Service) transitioned(ctx context.Context, c *domain.Caja) {
	if s.rec != nil {
		s.rec.CajaTransition(c.State)
	}
	s.invalidate(ctx)
	if c.State == domain.CajaClosed && s.archive != nil {
		s.archiveClosed(ctx, c)
	}
}

func (s *Service) archiveClosed(ctx context.Context, c *domain.Caja) {
	log := logger.From(ctx, s.log).With(zap.String("caja_id", c.ID))
	postings, err := s.repo.ListPostings(ctx, c.ID)
	if err != nil {
		log.Error("load postings for archive", zap.Error(err))
		return
	}
	auth, err := s.repo.GetAuthorization(ctx, c.ID)
	if err != nil {
		log.Error("load authorization for archive", zap.Error(err))
		return
	}
	if err := s.archive.Archive(ctx, c, postings, auth); err != nil {
		log.Error("archive closed caja", zap.Error(err))
	}
}

func (s *Service) invalidate(ctx context.Context) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Invalidate(ctx); err != nil {
		logger.From(ctx, s.log).Warn("invalidate caja cache", zap.Error(err))
	}
}

func validateBalances(b domain.Balances) error {
	for t, v := range b {
		if !t.Valid() {
			return fmt.Errorf("%w: unknown tender %q", domain.ErrInvalidAmount, t)
		}
		if v.IsNegative() {
			return fmt.Errorf("%w: %s balance %s is negative", domain.ErrInvalidAmount, t, v)
		}
	}
	return nil
}

func validatePosting(in PostingInput) ([]domain.PostingLine, error) {
	if !in.Direction.Valid() {
		return nil, fmt.Errorf("%w: direction %q", domain.ErrInvalidPosting, in.Direction)
	}
	if strings.TrimSpace(in.Category) == "" {
		return nil, fmt.Errorf("%w: category required", domain.ErrInvalidPosting)
	}
	if len(in.Lines) == 0 {
		return nil, fmt.Errorf("%w: at least one payment line required", domain.ErrInvalidPosting)
	}
	lines := make([]domain.PostingLine, 0, len(in.Lines))
	for _, l := range in.Lines {
		if !l.Tender.Valid() {
			return nil, fmt.Errorf("%w: unknown tender %q", domain.ErrInvalidAmount, l.Tender)
		}
		if !l.Amount.GreaterThan(decimal.Zero) {
			return nil, fmt.Errorf("%w: %s amount %s must be positive", domain.ErrInvalidAmount, l.Tender, l.Amount)
		}
		if l.Currency == "" {
			l.Currency = l.Tender.Currency()
		}
		lines = append(lines, l)
	}
	for _, it := range in.Items {
		if it.Quantity <= 0 {
			return nil, fmt.Errorf("%w: product %d", domain.ErrInvalidQuantity, it.ProductID)
		}
	}
	return lines, nil
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// spanCaja tags the active span with the caja id.
func spanCaja(ctx context.Context, cajaID string) {
	trace.SpanFromContext(ctx).SetAttributes(attribute.String("caja.id", cajaID))
}
