package caja

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/fjod/go_caja/pos-service/internal/clock"
	"github.com/fjod/go_caja/pos-service/internal/domain"
	"github.com/fjod/go_caja/pos-service/internal/repository"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeAuthorizer map[string]domain.Identity

func (f fakeAuthorizer) Authorize(_ context.Context, token string) (domain.Identity, error) {
	id, ok := f[token]
	if !ok {
		return domain.Identity{}, fmt.Errorf("%w: unknown token", domain.ErrForbidden)
	}
	return id, nil
}

var tokens = fakeAuthorizer{
	"admin-token":   {ID: "u-admin", Name: "Admin", Role: "admin"},
	"super-token":   {ID: "u-super", Name: "Supervisor", Role: "supervisor"},
	"cashier-token": {ID: "u-cashier", Name: "Cashier", Role: "cashier"},
	"other-token":   {ID: "u-other", Name: "Other", Role: "cashier"},
}

var epoch = time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func setupService(t *testing.T, opts ...Option) (*Service, *repository.MemoryRepository, *clock.Manual) {
	t.Helper()
	repo := repository.NewMemoryRepository()
	clk := clock.NewManual(epoch)
	opts = append([]Option{WithClock(clk)}, opts...)
	return NewService(repo, tokens, opts...), repo, clk
}

func openWith(t *testing.T, svc *Service, bs string) *domain.Caja {
	t.Helper()
	c, err := svc.Open(t.Context(), OpenInput{
		OpenedBy: "u-cashier",
		Opening:  domain.Balances{domain.TenderBS: dec(bs), domain.TenderUSD: decimal.Zero, domain.TenderMobile: decimal.Zero},
	})
	require.NoError(t, err)
	return c
}

func postIn(t *testing.T, svc *Service, tender domain.Tender, amount string) *domain.Posting {
	t.Helper()
	p, err := svc.PostTransaction(t.Context(), PostingInput{
		Direction: domain.DirectionIn,
		Category:  "venta",
		Lines:     []domain.PostingLine{{Tender: tender, Amount: dec(amount)}},
		Author:    "u-cashier",
	})
	require.NoError(t, err)
	return p
}

func TestService_Open(t *testing.T) {
	svc, repo, _ := setupService(t)

	c := openWith(t, svc, "1000")
	assert.Equal(t, domain.CajaOpen, c.State)
	assert.Equal(t, epoch, c.OpenedAt)

	_, err := svc.Open(t.Context(), OpenInput{OpenedBy: "u-other"})
	assert.ErrorIs(t, err, domain.ErrAlreadyOpen)

	events, err := repo.GetUnprocessedEvents(t.Context(), 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, string(domain.EventCajaOpened), events[0].EventType)
}

func TestService_Open_Validation(t *testing.T) {
	svc, _, _ := setupService(t)

	_, err := svc.Open(t.Context(), OpenInput{OpenedBy: "u1", Opening: domain.Balances{domain.TenderBS: dec("-1")}})
	assert.ErrorIs(t, err, domain.ErrInvalidAmount)

	_, err = svc.Open(t.Context(), OpenInput{OpenedBy: "u1", Opening: domain.Balances{"eur": dec("1")}})
	assert.ErrorIs(t, err, domain.ErrInvalidAmount)

	_, err = svc.Open(t.Context(), OpenInput{})
	assert.ErrorIs(t, err, domain.ErrForbidden)
}

// Open 1000 bs, sell 500, count 1500: closes on its own.
func TestService_RequestClose_MatchingCountCloses(t *testing.T) {
	svc, _, _ := setupService(t)
	c := openWith(t, svc, "1000")
	postIn(t, svc, domain.TenderBS, "500")

	res, err := svc.RequestClose(t.Context(), CloseInput{
		CajaID:   c.ID,
		Counted:  domain.Balances{domain.TenderBS: dec("1500")},
		ClosedBy: "u-cashier",
	})
	require.NoError(t, err)
	assert.False(t, res.RequiresAuthorization)
	assert.Equal(t, domain.CajaClosed, res.Caja.State)
	assert.True(t, res.Differences[domain.TenderBS].IsZero())
	assert.NotNil(t, res.Caja.ClosedAt)

	_, err = svc.Current(t.Context())
	assert.ErrorIs(t, err, domain.ErrCajaNotFound)
}

// Open 1000 bs, sell 500, count 1400: waits for an authorization, then closes.
func TestService_RequestClose_ShortCountNeedsAuthorization(t *testing.T) {
	svc, repo, _ := setupService(t)
	c := openWith(t, svc, "1000")
	postIn(t, svc, domain.TenderBS, "500")

	res, err := svc.RequestClose(t.Context(), CloseInput{
		Counted:  domain.Balances{domain.TenderBS: dec("1400")},
		ClosedBy: "u-cashier",
	})
	require.NoError(t, err)
	assert.True(t, res.RequiresAuthorization)
	assert.Equal(t, domain.CajaClosingAwaitingAuthorization, res.Caja.State)
	assert.True(t, res.Differences[domain.TenderBS].Equal(dec("-100")))

	// blocks postings while waiting
	_, err = svc.PostTransaction(t.Context(), PostingInput{
		Direction: domain.DirectionIn, Category: "venta",
		Lines: []domain.PostingLine{{Tender: domain.TenderBS, Amount: dec("1")}},
	})
	assert.ErrorIs(t, err, domain.ErrCajaNotOpen)

	// and any new open
	_, err = svc.Open(t.Context(), OpenInput{OpenedBy: "u-other"})
	assert.ErrorIs(t, err, domain.ErrAlreadyOpen)

	closed, err := svc.Authorize(t.Context(), c.ID, "admin-token", "faltante reconocido")
	require.NoError(t, err)
	assert.Equal(t, domain.CajaClosed, closed.State)

	auth, err := repo.GetAuthorization(t.Context(), c.ID)
	require.NoError(t, err)
	require.NotNil(t, auth)
	assert.Equal(t, "u-admin", auth.AuthorizedBy)
	assert.True(t, auth.Differences[domain.TenderBS].Equal(dec("-100")))
}

func TestService_Authorize_Rejected(t *testing.T) {
	svc, _, _ := setupService(t)
	c := openWith(t, svc, "1000")
	_, err := svc.RequestClose(t.Context(), CloseInput{Counted: domain.Balances{domain.TenderBS: dec("900")}})
	require.NoError(t, err)

	for _, token := range []string{"", "bogus", "cashier-token"} {
		t.Run("token="+token, func(t *testing.T) {
			_, err := svc.Authorize(t.Context(), c.ID, token, "")
			assert.ErrorIs(t, err, domain.ErrDiscrepancyUnauthorized)

			var de *domain.DiscrepancyError
			require.True(t, errors.As(err, &de))
			assert.True(t, de.Differences[domain.TenderBS].Equal(dec("-100")))
		})
	}

	got, err := svc.Get(t.Context(), c.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.CajaClosingAwaitingAuthorization, got.State)
}

func TestService_Authorize_InvalidTransition(t *testing.T) {
	svc, _, _ := setupService(t)
	c := openWith(t, svc, "1000")

	_, err := svc.Authorize(t.Context(), c.ID, "admin-token", "")
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
}

func TestService_ToleranceBoundary(t *testing.T) {
	tests := []struct {
		counted string
		closes  bool
	}{
		{"1500", true},
		{"1500.005", true},
		{"1499.995", true},
		{"1500.0051", false},
		{"1500.01", false},
		{"1499.99", false},
	}
	for _, tt := range tests {
		t.Run(tt.counted, func(t *testing.T) {
			svc, _, _ := setupService(t)
			openWith(t, svc, "1000")
			postIn(t, svc, domain.TenderBS, "500")

			res, err := svc.RequestClose(t.Context(), CloseInput{Counted: domain.Balances{domain.TenderBS: dec(tt.counted)}})
			require.NoError(t, err)
			assert.Equal(t, !tt.closes, res.RequiresAuthorization)
		})
	}
}

func TestReconcile_RoundsDifferences(t *testing.T) {
	diff, match := Reconcile(
		domain.Balances{domain.TenderBS: dec("10"), domain.TenderUSD: dec("5")},
		domain.Balances{domain.TenderBS: dec("10.004"), domain.TenderUSD: dec("4.5")},
	)
	assert.False(t, match)
	assert.True(t, diff[domain.TenderBS].Equal(decimal.Zero))
	assert.True(t, diff[domain.TenderUSD].Equal(dec("-0.5")))
	assert.True(t, diff[domain.TenderMobile].IsZero())
}

func TestService_ExpectedMatchesPostings(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	svc, _, _ := setupService(t)
	c := openWith(t, svc, "250.50")

	for i := 0; i < 200; i++ {
		tender := domain.Tenders[rng.Intn(len(domain.Tenders))]
		dir := domain.DirectionIn
		if rng.Intn(3) == 0 {
			dir = domain.DirectionOut
		}
		amount := decimal.New(int64(rng.Intn(100000)+1), -2)
		_, err := svc.PostTransaction(t.Context(), PostingInput{
			Direction: dir,
			Category:  "mixed",
			Lines:     []domain.PostingLine{{Tender: tender, Amount: amount}},
		})
		require.NoError(t, err)
	}

	expected, err := svc.GetExpected(t.Context(), c.ID)
	require.NoError(t, err)
	postings, err := svc.ListPostings(t.Context(), c.ID)
	require.NoError(t, err)
	assert.Len(t, postings, 200)

	manual := ExpectedFrom(c.Opening, postings)
	for _, tender := range domain.Tenders {
		assert.True(t, expected[tender].Equal(manual[tender]), "tender %s: %s != %s", tender, expected[tender], manual[tender])
	}
}

func TestService_PostTransaction_Validation(t *testing.T) {
	svc, _, _ := setupService(t)
	openWith(t, svc, "0")

	tests := []struct {
		name string
		in   PostingInput
		err  error
	}{
		{"no category", PostingInput{Direction: domain.DirectionIn, Lines: []domain.PostingLine{{Tender: domain.TenderBS, Amount: dec("1")}}}, domain.ErrInvalidPosting},
		{"no lines", PostingInput{Direction: domain.DirectionIn, Category: "venta"}, domain.ErrInvalidPosting},
		{"bad direction", PostingInput{Direction: "sideways", Category: "venta", Lines: []domain.PostingLine{{Tender: domain.TenderBS, Amount: dec("1")}}}, domain.ErrInvalidPosting},
		{"zero amount", PostingInput{Direction: domain.DirectionIn, Category: "venta", Lines: []domain.PostingLine{{Tender: domain.TenderBS, Amount: decimal.Zero}}}, domain.ErrInvalidAmount},
		{"negative amount", PostingInput{Direction: domain.DirectionOut, Category: "gasto", Lines: []domain.PostingLine{{Tender: domain.TenderUSD, Amount: dec("-3")}}}, domain.ErrInvalidAmount},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.PostTransaction(t.Context(), tt.in)
			assert.ErrorIs(t, err, tt.err)
		})
	}
}

func TestService_PostTransaction_NoCaja(t *testing.T) {
	svc, _, _ := setupService(t)
	_, err := svc.PostTransaction(t.Context(), PostingInput{
		Direction: domain.DirectionIn, Category: "venta",
		Lines: []domain.PostingLine{{Tender: domain.TenderBS, Amount: dec("1")}},
	})
	assert.ErrorIs(t, err, domain.ErrCajaNotOpen)
}

func TestService_PostingCodes(t *testing.T) {
	svc, _, clk := setupService(t)
	openWith(t, svc, "0")

	assert.Equal(t, "I010325001", postIn(t, svc, domain.TenderBS, "1").Code)
	assert.Equal(t, "I010325002", postIn(t, svc, domain.TenderUSD, "1").Code)

	out, err := svc.PostTransaction(t.Context(), PostingInput{
		Direction: domain.DirectionOut, Category: "gasto",
		Lines: []domain.PostingLine{{Tender: domain.TenderBS, Amount: dec("1")}},
	})
	require.NoError(t, err)
	assert.Equal(t, "E010325001", out.Code)
	assert.Equal(t, "VES", out.Lines[0].Currency)

	clk.Advance(24 * time.Hour)
	assert.Equal(t, "I020325001", postIn(t, svc, domain.TenderBS, "1").Code)
}

func TestService_PendingPhysicalCount(t *testing.T) {
	svc, _, _ := setupService(t)
	c := openWith(t, svc, "100")
	postIn(t, svc, domain.TenderBS, "50")

	pending, err := svc.MarkPendingPhysicalCount(t.Context(), "", "forced logout", "")
	require.NoError(t, err)
	assert.Equal(t, domain.CajaPendingPhysicalCount, pending.State)
	assert.Equal(t, "u-cashier", pending.ResponsibleID)

	_, err = svc.MarkPendingPhysicalCount(t.Context(), c.ID, "again", "")
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)

	_, err = svc.RequestClose(t.Context(), CloseInput{CajaID: c.ID, Counted: domain.Balances{domain.TenderBS: dec("150")}})
	assert.ErrorIs(t, err, domain.ErrCajaNotOpen)

	listed, err := svc.ListPending(t.Context())
	require.NoError(t, err)
	require.Len(t, listed, 1)

	_, err = svc.ResolvePending(t.Context(), ResolveInput{CajaID: c.ID, Counted: domain.Balances{domain.TenderBS: dec("150")}, Token: "other-token"})
	assert.ErrorIs(t, err, domain.ErrForbidden)

	_, err = svc.ResolvePending(t.Context(), ResolveInput{CajaID: c.ID, Counted: domain.Balances{domain.TenderBS: dec("150")}, Token: "nope"})
	assert.ErrorIs(t, err, domain.ErrForbidden)

	res, err := svc.ResolvePending(t.Context(), ResolveInput{CajaID: c.ID, Counted: domain.Balances{domain.TenderBS: dec("150")}, Token: "cashier-token"})
	require.NoError(t, err)
	assert.Equal(t, domain.CajaClosed, res.Caja.State)
	assert.Equal(t, "u-cashier", res.Caja.ClosedBy)
}

func TestService_ResolvePending_ByElevatedRoleWithDifference(t *testing.T) {
	svc, _, _ := setupService(t)
	c := openWith(t, svc, "100")
	_, err := svc.MarkPendingPhysicalCount(t.Context(), c.ID, "auto close", "")
	require.NoError(t, err)

	res, err := svc.ResolvePending(t.Context(), ResolveInput{CajaID: c.ID, Counted: domain.Balances{domain.TenderBS: dec("80")}, Token: "super-token"})
	require.NoError(t, err)
	assert.True(t, res.RequiresAuthorization)
	assert.Equal(t, "u-super", res.Caja.ResponsibleID)

	closed, err := svc.Authorize(t.Context(), c.ID, "super-token", "")
	require.NoError(t, err)
	assert.Equal(t, domain.CajaClosed, closed.State)
}

func TestService_ResolvePending_WrongState(t *testing.T) {
	svc, _, _ := setupService(t)
	c := openWith(t, svc, "100")
	_, err := svc.ResolvePending(t.Context(), ResolveInput{CajaID: c.ID, Counted: domain.Balances{}, Token: "admin-token"})
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
}

func TestService_CustomPolicy(t *testing.T) {
	svc, _, _ := setupService(t, WithPolicy(Policy{AuthorizeRoles: []string{"owner"}}))
	c := openWith(t, svc, "100")
	_, err := svc.RequestClose(t.Context(), CloseInput{Counted: domain.Balances{}})
	require.NoError(t, err)

	_, err = svc.Authorize(t.Context(), c.ID, "admin-token", "")
	assert.ErrorIs(t, err, domain.ErrDiscrepancyUnauthorized)
}

func TestService_OpenAndCloseRoles(t *testing.T) {
	policy := DefaultPolicy()
	policy.OpenRoles = []string{"admin", "supervisor"}
	policy.CloseRoles = []string{"admin", "supervisor"}
	svc, _, _ := setupService(t, WithPolicy(policy))

	_, err := svc.Open(t.Context(), OpenInput{OpenedBy: "u-cashier", Role: "cashier"})
	assert.ErrorIs(t, err, domain.ErrForbidden)

	c, err := svc.Open(t.Context(), OpenInput{OpenedBy: "u-super", Role: "supervisor"})
	require.NoError(t, err)

	_, err = svc.RequestClose(t.Context(), CloseInput{Counted: domain.Balances{}, ClosedBy: "u-cashier", Role: "cashier"})
	assert.ErrorIs(t, err, domain.ErrForbidden)
	got, err := svc.Get(t.Context(), c.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.CajaOpen, got.State)

	res, err := svc.RequestClose(t.Context(), CloseInput{Counted: domain.Balances{}, ClosedBy: "u-super", Role: "supervisor"})
	require.NoError(t, err)
	assert.Equal(t, domain.CajaClosed, res.Caja.State)
}

func TestService_Count_MatchingIsRecorded(t *testing.T) {
	svc, repo, _ := setupService(t)
	c := openWith(t, svc, "100")
	postIn(t, svc, domain.TenderBS, "50")

	cc, err := svc.Count(t.Context(), CountInput{
		Counted:   domain.Balances{domain.TenderBS: dec("150.004")},
		CountedBy: "u-cashier",
	})
	require.NoError(t, err)
	assert.Equal(t, c.ID, cc.CajaID)
	assert.True(t, cc.Expected[domain.TenderBS].Equal(dec("150")))
	assert.True(t, cc.Differences[domain.TenderBS].IsZero())
	assert.Empty(t, cc.AuthorizedBy)

	got, err := svc.Get(t.Context(), c.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.CajaOpen, got.State)

	counts, err := svc.ListCounts(t.Context(), c.ID)
	require.NoError(t, err)
	require.Len(t, counts, 1)

	events, err := repo.GetUnprocessedEvents(t.Context(), 100)
	require.NoError(t, err)
	assert.Equal(t, domain.EventCashCounted, events[len(events)-1].Type)
}

func TestService_Count_DifferenceNeedsAuthorization(t *testing.T) {
	svc, _, _ := setupService(t)
	c := openWith(t, svc, "100")
	short := domain.Balances{domain.TenderBS: dec("90")}

	for _, token := range []string{"", "cashier-token", "bogus"} {
		_, err := svc.Count(t.Context(), CountInput{Counted: short, CountedBy: "u-cashier", Token: token})
		var de *domain.DiscrepancyError
		require.ErrorAs(t, err, &de, "token %q", token)
		assert.True(t, de.Differences[domain.TenderBS].Equal(dec("-10")))
	}
	counts, err := svc.ListCounts(t.Context(), c.ID)
	require.NoError(t, err)
	assert.Empty(t, counts)

	cc, err := svc.Count(t.Context(), CountInput{Counted: short, CountedBy: "u-cashier", Token: "super-token", Notes: "faltante"})
	require.NoError(t, err)
	assert.Equal(t, "u-super", cc.AuthorizedBy)
	assert.True(t, cc.Differences[domain.TenderBS].Equal(dec("-10")))

	got, err := svc.Get(t.Context(), c.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.CajaOpen, got.State)
}

func TestService_Count_RequiresOpenCaja(t *testing.T) {
	policy := DefaultPolicy()
	policy.CountRoles = []string{"supervisor"}
	svc, _, _ := setupService(t, WithPolicy(policy))

	_, err := svc.Count(t.Context(), CountInput{Counted: domain.Balances{}, Role: "supervisor"})
	assert.ErrorIs(t, err, domain.ErrCajaNotOpen)

	c := openWith(t, svc, "100")
	_, err = svc.Count(t.Context(), CountInput{Counted: domain.Balances{domain.TenderBS: dec("100")}, Role: "cashier"})
	assert.ErrorIs(t, err, domain.ErrForbidden)

	_, err = svc.MarkPendingPhysicalCount(t.Context(), c.ID, "logout", "")
	require.NoError(t, err)
	_, err = svc.Count(t.Context(), CountInput{CajaID: c.ID, Counted: domain.Balances{}, Role: "supervisor"})
	assert.ErrorIs(t, err, domain.ErrCajaNotOpen)
}

func TestService_VoidTransaction(t *testing.T) {
	svc, _, _ := setupService(t)
	c := openWith(t, svc, "100")
	p := postIn(t, svc, domain.TenderBS, "40")

	_, err := svc.VoidTransaction(t.Context(), VoidInput{PostingID: p.ID, Reason: "short", Token: "admin-token"})
	assert.ErrorIs(t, err, domain.ErrVoidReasonTooShort)

	_, err = svc.VoidTransaction(t.Context(), VoidInput{PostingID: p.ID, Reason: "cliente devolvio", Token: "cashier-token"})
	assert.ErrorIs(t, err, domain.ErrForbidden)

	_, err = svc.VoidTransaction(t.Context(), VoidInput{PostingID: "missing", Reason: "cliente devolvio", Token: "admin-token"})
	assert.ErrorIs(t, err, domain.ErrPostingNotFound)

	voided, err := svc.VoidTransaction(t.Context(), VoidInput{PostingID: p.ID, Reason: "cliente devolvio", Token: "admin-token"})
	require.NoError(t, err)
	assert.True(t, voided.Voided())
	assert.Equal(t, "u-admin", voided.VoidedBy)

	expected, err := svc.GetExpected(t.Context(), c.ID)
	require.NoError(t, err)
	assert.True(t, expected[domain.TenderBS].Equal(dec("100")))

	_, err = svc.VoidTransaction(t.Context(), VoidInput{PostingID: p.ID, Reason: "cliente devolvio", Token: "admin-token"})
	assert.ErrorIs(t, err, domain.ErrPostingAlreadyVoided)
}

func TestService_VoidTransaction_ClosedCaja(t *testing.T) {
	svc, _, _ := setupService(t)
	openWith(t, svc, "0")
	p := postIn(t, svc, domain.TenderBS, "10")
	_, err := svc.RequestClose(t.Context(), CloseInput{Counted: domain.Balances{domain.TenderBS: dec("10")}})
	require.NoError(t, err)

	_, err = svc.VoidTransaction(t.Context(), VoidInput{PostingID: p.ID, Reason: "cliente devolvio", Token: "admin-token"})
	assert.ErrorIs(t, err, domain.ErrCajaNotOpen)
}

func TestService_ClosedIsTerminal(t *testing.T) {
	svc, _, _ := setupService(t)
	first := openWith(t, svc, "0")
	_, err := svc.RequestClose(t.Context(), CloseInput{Counted: domain.Balances{}})
	require.NoError(t, err)

	_, err = svc.MarkPendingPhysicalCount(t.Context(), first.ID, "late", "")
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)

	second := openWith(t, svc, "0")
	assert.NotEqual(t, first.ID, second.ID)

	history, err := svc.History(t.Context(), 1, 10)
	require.NoError(t, err)
	assert.Len(t, history, 2)
}

func TestService_ConcurrentOpens(t *testing.T) {
	svc, repo, _ := setupService(t)

	var wg sync.WaitGroup
	errs := make([]error, 20)
	for i := range errs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = svc.Open(context.Background(), OpenInput{OpenedBy: fmt.Sprintf("u%d", i)})
		}()
	}
	wg.Wait()

	ok := 0
	for _, err := range errs {
		if err == nil {
			ok++
			continue
		}
		assert.ErrorIs(t, err, domain.ErrAlreadyOpen)
	}
	assert.Equal(t, 1, ok)

	nonClosed, err := repo.ListByStates(t.Context(), domain.CajaOpen, domain.CajaPendingPhysicalCount, domain.CajaClosingAwaitingAuthorization)
	require.NoError(t, err)
	assert.Len(t, nonClosed, 1)
}

// Postings racing a close either land before the expected totals are computed or get ErrCajaNotOpen.
func TestService_PostingsRacingClose(t *testing.T) {
	svc, _, _ := setupService(t)
	c := openWith(t, svc, "1000")

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		accepted = decimal.Zero
		rejected int
	)
	start := make(chan struct{})
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := svc.PostTransaction(context.Background(), PostingInput{
				CajaID: c.ID, Direction: domain.DirectionIn, Category: "venta",
				Lines: []domain.PostingLine{{Tender: domain.TenderBS, Amount: dec("1.25")}},
			})
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				assert.ErrorIs(t, err, domain.ErrCajaNotOpen)
				rejected++
				return
			}
			accepted = accepted.Add(dec("1.25"))
		}()
	}

	var res *CloseResult
	wg.Add(1)
	go func() {
		defer wg.Done()
		<-start
		var err error
		res, err = svc.RequestClose(context.Background(), CloseInput{CajaID: c.ID, Counted: domain.Balances{}})
		assert.NoError(t, err)
	}()
	close(start)
	wg.Wait()

	require.NotNil(t, res)
	assert.True(t, res.Expected[domain.TenderBS].Equal(dec("1000").Add(accepted)),
		"expected %s accepted %s rejected %d", res.Expected[domain.TenderBS], accepted, rejected)

	postings, err := svc.ListPostings(t.Context(), c.ID)
	require.NoError(t, err)
	assert.Equal(t, 50-rejected, len(postings))
}

type failingOutboxRepo struct {
	*repository.MemoryRepository
	failOn domain.EventType
}

func (f *failingOutboxRepo) AppendOutbox(ctx context.Context, ev domain.Event) error {
	if ev.Type == f.failOn {
		return errors.New("outbox unavailable")
	}
	return f.MemoryRepository.AppendOutbox(ctx, ev)
}

func TestService_FailedTransactionRollsBack(t *testing.T) {
	repo := &failingOutboxRepo{MemoryRepository: repository.NewMemoryRepository(), failOn: domain.EventTransactionPosted}
	svc := NewService(repo, tokens, WithClock(clock.NewManual(epoch)))
	c := openWith(t, svc, "100")

	_, err := svc.PostTransaction(t.Context(), PostingInput{
		Direction: domain.DirectionIn, Category: "venta",
		Lines: []domain.PostingLine{{Tender: domain.TenderBS, Amount: dec("5")}},
	})
	assert.ErrorContains(t, err, "outbox unavailable")

	expected, err := svc.GetExpected(t.Context(), c.ID)
	require.NoError(t, err)
	assert.True(t, expected[domain.TenderBS].Equal(dec("100")))

	postings, err := svc.ListPostings(t.Context(), c.ID)
	require.NoError(t, err)
	assert.Empty(t, postings)
}

type archiveSpy struct {
	mu     sync.Mutex
	cajas  []string
	counts []int
}

func (a *archiveSpy) Archive(_ context.Context, c *domain.Caja, postings []*domain.Posting, _ *domain.DiscrepancyAuthorization) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.cajas = append(a.cajas, c.ID)
	a.counts = append(a.counts, len(postings))
	return nil
}

func TestService_ArchivesClosedCaja(t *testing.T) {
	spy := &archiveSpy{}
	svc, _, _ := setupService(t, WithArchiver(spy))
	c := openWith(t, svc, "0")
	postIn(t, svc, domain.TenderMobile, "12.50")

	_, err := svc.RequestClose(t.Context(), CloseInput{Counted: domain.Balances{domain.TenderMobile: dec("12.50")}})
	require.NoError(t, err)
	assert.Equal(t, []string{c.ID}, spy.cajas)
	assert.Equal(t, []int{1}, spy.counts)
}
