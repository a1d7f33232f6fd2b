package http

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/fjod/go_caja/pos-service/internal/auth"
	"github.com/fjod/go_caja/pos-service/internal/domain"
	"github.com/fjod/go_caja/pos-service/internal/sale"
	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
)

type SaleService interface {
	Begin(ctx context.Context, sessionID string) domain.Session
	Reserve(ctx context.Context, sessionID string, items []domain.ReservationItem) (*sale.ReserveResult, error)
	Heartbeat(ctx context.Context, sessionID string) (int, error)
	Release(ctx context.Context, sessionID string, productIDs ...int64) int
	Holdings(sessionID string) ([]domain.Reservation, error)
	Cancel(ctx context.Context, sessionID string) bool
	Commit(ctx context.Context, in sale.CommitInput) (*sale.CommitResult, error)
	Stock(ids ...int64) []domain.StockInfo
	SetStock(ctx context.Context, info domain.StockInfo) (domain.StockInfo, error)
	Restock(ctx context.Context, productID int64, quantity int32, reference string) (domain.StockInfo, error)
}

type SaleHandler struct {
	sales   SaleService
	timeout time.Duration
}

func NewSaleHandler(sales SaleService, timeout time.Duration) *SaleHandler {
	return &SaleHandler{sales: sales, timeout: timeout}
}

type BeginSessionRequestDTO struct {
	SessionID string `json:"sessionId"`
}

type ReserveRequestDTO struct {
	Items []domain.ReservationItem `json:"items"`
}

type PaymentLineDTO struct {
	Tender string          `json:"tender"`
	Amount decimal.Decimal `json:"amount"`
}

type CommitRequestDTO struct {
	Items       []domain.SaleItem `json:"items"`
	Payments    []PaymentLineDTO  `json:"payments"`
	Description string            `json:"description"`
}

type StockDTO struct {
	ProductID int64              `json:"productId"`
	Kind      domain.ProductKind `json:"kind"`
	Total     int32              `json:"total"`
	Reserved  int32              `json:"reserved"`
	Available int32              `json:"available"`
	Minimum   int32              `json:"minimum"`
	LowStock  bool               `json:"lowStock"`
}

type SetStockRequestDTO struct {
	Kind    domain.ProductKind `json:"kind"`
	Total   int32              `json:"total"`
	Minimum int32              `json:"minimum"`
}

type RestockRequestDTO struct {
	Quantity  int32  `json:"quantity"`
	Reference string `json:"reference"`
}

func (h *SaleHandler) BeginSession(w http.ResponseWriter, r *http.Request) {
	var req BeginSessionRequestDTO
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			respondError(w, http.StatusBadRequest, "invalid_request", "invalid JSON body")
			return
		}
	}
	respondJSON(w, http.StatusCreated, h.sales.Begin(r.Context(), req.SessionID))
}

func (h *SaleHandler) GetSession(w http.ResponseWriter, r *http.Request) {
	holds, err := h.sales.Holdings(chi.URLParam(r, "session_id"))
	if err != nil {
		handleError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"reservations": holds})
}

func (h *SaleHandler) Heartbeat(w http.ResponseWriter, r *http.Request) {
	n, err := h.sales.Heartbeat(r.Context(), chi.URLParam(r, "session_id"))
	if err != nil {
		handleError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]int{"renewed": n})
}

func (h *SaleHandler) CancelSession(w http.ResponseWriter, r *http.Request) {
	h.sales.Cancel(r.Context(), chi.URLParam(r, "session_id"))
	w.WriteHeader(http.StatusNoContent)
}

func (h *SaleHandler) Reserve(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	var req ReserveRequestDTO
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", "invalid JSON body")
		return
	}
	if len(req.Items) == 0 {
		respondError(w, http.StatusBadRequest, "invalid_request", "items must not be empty")
		return
	}

	res, err := h.sales.Reserve(ctx, chi.URLParam(r, "session_id"), req.Items)
	if err != nil {
		handleError(w, r, err)
		return
	}
	// conflicts are a normal outcome, reported in the body
	respondJSON(w, http.StatusOK, res)
}

func (h *SaleHandler) Release(w http.ResponseWriter, r *http.Request) {
	ids, err := parseIDs(r.URL.Query().Get("productIds"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_product_id", err.Error())
		return
	}
	n := h.sales.Release(r.Context(), chi.URLParam(r, "session_id"), ids...)
	respondJSON(w, http.StatusOK, map[string]int{"released": n})
}

func (h *SaleHandler) Commit(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	var req CommitRequestDTO
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
	res, err := h.sales.Commit(ctx, sale.CommitInput{
		SessionID:   chi.URLParam(r, "session_id"),
		Items:       req.Items,
		Lines:       lines,
		Description: req.Description,
		Author:      id.ID,
	})
	if err != nil {
		handleError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, res)
}

func (h *SaleHandler) ListStock(w http.ResponseWriter, r *http.Request) {
	ids, err := parseIDs(r.URL.Query().Get("ids"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_product_id", err.Error())
		return
	}
	rows := h.sales.Stock(ids...)
	out := make([]StockDTO, 0, len(rows))
	for _, s := range rows {
		out = append(out, toStockDTO(s))
	}
	respondJSON(w, http.StatusOK, out)
}

func (h *SaleHandler) SetStock(w http.ResponseWriter, r *http.Request) {
	productID, ok := productIDParam(w, r)
	if !ok {
		return
	}
	var req SetStockRequestDTO
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", "invalid JSON body")
		return
	}
	info, err := h.sales.SetStock(r.Context(), domain.StockInfo{
		ProductID: productID, Kind: req.Kind, Total: req.Total, Minimum: req.Minimum,
	})
	if err != nil {
		handleError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, toStockDTO(info))
}

func (h *SaleHandler) Restock(w http.ResponseWriter, r *http.Request) {
	productID, ok := productIDParam(w, r)
	if !ok {
		return
	}
	var req RestockRequestDTO
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", "invalid JSON body")
		return
	}
	info, err := h.sales.Restock(r.Context(), productID, req.Quantity, req.Reference)
	if err != nil {
		handleError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, toStockDTO(info))
}

func toStockDTO(s domain.StockInfo) StockDTO {
	return StockDTO{
		ProductID: s.ProductID,
		Kind:      s.Kind,
		Total:     s.Total,
		Reserved:  s.Reserved,
		Available: s.Available(),
		Minimum:   s.Minimum,
		LowStock:  s.LowStock(),
	}
}

func productIDParam(w http.ResponseWriter, r *http.Request) (int64, bool) {
	productID, err := strconv.ParseInt(chi.URLParam(r, "product_id"), 10, 64)
	if err != nil || productID <= 0 {
		respondError(w, http.StatusBadRequest, "invalid_product_id", "product_id must be a positive integer")
		return 0, false
	}
	return productID, true
}

func parseIDs(s string) ([]int64, error) {
	var ids []int64
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p == "" {
			continue
		}
		id, err := strconv.ParseInt(p, 10, 64)
		if err != nil || id <= 0 {
			return nil, fmt.Errorf("invalid product id %q", p)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func paymentLines(payments []PaymentLineDTO) ([]domain.PostingLine, error) {
	lines := make([]domain.PostingLine, 0, len(payments))
	for _, p := range payments {
		t, err := domain.ParseTender(p.Tender)
		if err != nil {
			return nil, err
		}
		lines = append(lines, domain.PostingLine{Tender: t, Amount: p.Amount})
	}
	return lines, nil
}
