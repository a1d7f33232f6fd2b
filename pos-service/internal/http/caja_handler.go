package http

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/fjod/go_caja/pos-service/internal/auth"
	"github.com/fjod/go_caja/pos-service/internal/caja"
	"github.com/fjod/go_caja/pos-service/internal/domain"
	"github.com/go-chi/chi/v5"
)

type CajaService interface {
	Open(ctx context.Context, in caja.OpenInput) (*domain.Caja, error)
	PostTransaction(ctx context.Context, in caja.PostingInput) (*domain.Posting, error)
	RequestClose(ctx context.Context, in caja.CloseInput) (*caja.CloseResult, error)
	Authorize(ctx context.Context, cajaID, token, notes string) (*domain.Caja, error)
	MarkPendingPhysicalCount(ctx context.Context, cajaID, reason, responsibleID string) (*domain.Caja, error)
	ResolvePending(ctx context.Context, in caja.ResolveInput) (*caja.CloseResult, error)
	VoidTransaction(ctx context.Context, in caja.VoidInput) (*domain.Posting, error)
	Current(ctx context.Context) (*domain.Caja, error)
	Get(ctx context.Context, cajaID string) (*domain.Caja, error)
	ListPending(ctx context.Context) ([]*domain.Caja, error)
	ListPostings(ctx context.Context, cajaID string) ([]*domain.Posting, error)
	History(ctx context.Context, page, limit int) ([]*domain.Caja, error)
	Authorization(ctx context.Context, cajaID string) (*domain.DiscrepancyAuthorization, error)
	Count(ctx context.Context, in caja.CountInput) (*domain.CashCount, error)
	ListCounts(ctx context.Context, cajaID string) ([]*domain.CashCount, error)
}

type CajaHandler struct {
	cajas   CajaService
	timeout time.Duration
}

func NewCajaHandler(cajas CajaService, timeout time.Duration) *CajaHandler {
	return &CajaHandler{cajas: cajas, timeout: timeout}
}

type OpenRequestDTO struct {
	Opening domain.Balances `json:"opening"`
	Notes   string          `json:"notes"`
}

type TransactionRequestDTO struct {
	Direction   domain.Direction `json:"direction"`
	Category    string           `json:"category"`
	Description string           `json:"description"`
	Payments    []PaymentLineDTO `json:"payments"`
}

type CountRequestDTO struct {
	Counted domain.Balances `json:"counted"`
	Notes   string          `json:"notes"`
}

type AuthorizeRequestDTO struct {
	Notes string `json:"notes"`
}

type PendingRequestDTO struct {
	Reason        string `json:"reason"`
	ResponsibleID string `json:"responsibleId"`
}

type VoidRequestDTO struct {
	Reason string `json:"reason"`
}

// CajaDTO adds the expected balances to a caja.
type CajaDTO struct {
	*domain.Caja
	Expected domain.Balances `json:"expected"`
}

type CajaDetailDTO struct {
	CajaDTO
	Authorization *domain.DiscrepancyAuthorization `json:"authorization,omitempty"`
}

func toCajaDTO(c *domain.Caja) CajaDTO {
	return CajaDTO{Caja: c, Expected: c.Expected()}
}

func (h *CajaHandler) Current(w http.ResponseWriter, r *http.Request) {
	c, err := h.cajas.Current(r.Context())
	if err != nil {
		handleError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, toCajaDTO(c))
}

func (h *CajaHandler) Get(w http.ResponseWriter, r *http.Request) {
	c, err := h.cajas.Get(r.Context(), chi.URLParam(r, "caja_id"))
	if err != nil {
		handleError(w, r, err)
		return
	}
	a, err := h.cajas.Authorization(r.Context(), c.ID)
	if err != nil {
		handleError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, CajaDetailDTO{CajaDTO: toCajaDTO(c), Authorization: a})
}

func (h *CajaHandler) Open(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	var req OpenRequestDTO
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", "invalid JSON body")
		return
	}
	id, _ := auth.IdentityFrom(r.Context())
	c, err := h.cajas.Open(ctx, caja.OpenInput{
		OpenedBy:     id.ID,
		OpenedByName: id.Name,
		Role:         id.Role,
		Opening:      req.Opening,
		Notes:        req.Notes,
	})
	if err != nil {
		handleError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, toCajaDTO(c))
}

func (h *CajaHandler) PostTransaction(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	var req TransactionRequestDTO
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", "invalid JSON body")
		return
	}
	lines, err := paymentLines(req.Payments)
	if err != nil {
		handleError(w, r, err)
		return
	}
	id, _ := auth.IdentityFrom(r.Context())
	p, err := h.cajas.PostTransaction(ctx, caja.PostingInput{
		Direction:   req.Direction,
		Category:    req.Category,
		Description: req.Description,
		Lines:       lines,
		Author:      id.ID,
	})
	if err != nil {
		handleError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, p)
}

func (h *CajaHandler) ListPostings(w http.ResponseWriter, r *http.Request) {
	ps, err := h.cajas.ListPostings(r.Context(), chi.URLParam(r, "caja_id"))
	if err != nil {
		handleError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, ps)
}

func (h *CajaHandler) Void(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	var req VoidRequestDTO
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", "invalid JSON body")
		return
	}
	p, err := h.cajas.VoidTransaction(ctx, caja.VoidInput{
		PostingID: chi.URLParam(r, "transaction_id"),
		Reason:    req.Reason,
		Token:     supervisorToken(r),
	})
	if err != nil {
		handleError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, p)
}

// Close answers 200 in both outcomes; requiresAuthorization tells the client which one happened.
func (h *CajaHandler) Close(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	var req CountRequestDTO
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", "invalid JSON body")
		return
	}
	id, _ := auth.IdentityFrom(r.Context())
	res, err := h.cajas.RequestClose(ctx, caja.CloseInput{
		CajaID:   chi.URLParam(r, "caja_id"),
		Counted:  req.Counted,
		ClosedBy: id.ID,
		Role:     id.Role,
		Notes:    req.Notes,
	})
	if err != nil {
		handleError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, res)
}

// Count records a mid-shift physical count. A mismatch needs the supervisor token header.
func (h *CajaHandler) Count(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	var req CountRequestDTO
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", "invalid JSON body")
		return
	}
	id, _ := auth.IdentityFrom(r.Context())
	cc, err := h.cajas.Count(ctx, caja.CountInput{
		CajaID:    chi.URLParam(r, "caja_id"),
		Counted:   req.Counted,
		CountedBy: id.ID,
		Role:      id.Role,
		Token:     supervisorToken(r),
		Notes:     req.Notes,
	})
	if err != nil {
		handleError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, cc)
}

func (h *CajaHandler) ListCounts(w http.ResponseWriter, r *http.Request) {
	counts, err := h.cajas.ListCounts(r.Context(), chi.URLParam(r, "caja_id"))
	if err != nil {
		handleError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, counts)
}

func (h *CajaHandler) Authorize(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	var req AuthorizeRequestDTO
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			respondError(w, http.StatusBadRequest, "invalid_request", "invalid JSON body")
			return
		}
	}
	c, err := h.cajas.Authorize(ctx, chi.URLParam(r, "caja_id"), supervisorToken(r), req.Notes)
	if err != nil {
		handleError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, toCajaDTO(c))
}

func (h *CajaHandler) MarkPending(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	var req PendingRequestDTO
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", "invalid JSON body")
		return
	}
	c, err := h.cajas.MarkPendingPhysicalCount(ctx, chi.URLParam(r, "caja_id"), req.Reason, req.ResponsibleID)
	if err != nil {
		handleError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, toCajaDTO(c))
}

func (h *CajaHandler) Resolve(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	var req CountRequestDTO
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", "invalid JSON body")
		return
	}
	res, err := h.cajas.ResolvePending(ctx, caja.ResolveInput{
		CajaID:  chi.URLParam(r, "caja_id"),
		Counted: req.Counted,
		Token:   supervisorToken(r),
		Notes:   req.Notes,
	})
	if err != nil {
		handleError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, res)
}

func (h *CajaHandler) ListPending(w http.ResponseWriter, r *http.Request) {
	cs, err := h.cajas.ListPending(r.Context())
	if err != nil {
		handleError(w, r, err)
		return
	}
	out := make([]CajaDTO, 0, len(cs))
	for _, c := range cs {
		out = append(out, toCajaDTO(c))
	}
	respondJSON(w, http.StatusOK, out)
}

func (h *CajaHandler) History(w http.ResponseWriter, r *http.Request) {
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	cs, err := h.cajas.History(r.Context(), page, limit)
	if err != nil {
		handleError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, cs)
}
