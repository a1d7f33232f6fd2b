package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/fjod/go_caja/pkg/logger"
	"github.com/fjod/go_caja/pos-service/internal/domain"
	"go.uber.org/zap"
)

type ErrorResponse struct {
	Error       string          `json:"error"`
	Code        string          `json:"code,omitempty"`
	Differences domain.Balances `json:"differences,omitempty"`
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		zap.L().Warn("failed to encode response", zap.Error(err))
	}
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, ErrorResponse{Error: message, Code: code})
}

// handleError maps domain errors to HTTP status codes.
func handleError(w http.ResponseWriter, r *http.Request, err error) {
	var httpStatus int
	var code string

	var discrepancy *domain.DiscrepancyError
	switch {
	case errors.As(err, &discrepancy):
		respondJSON(w, http.StatusForbidden, ErrorResponse{
			Error:       err.Error(),
			Code:        "discrepancy_unauthorized",
			Differences: discrepancy.Differences,
		})
		return
	case errors.Is(err, domain.ErrSessionNotFound):
		httpStatus, code = http.StatusNotFound, "session_not_found"
	case errors.Is(err, domain.ErrCajaNotFound):
		httpStatus, code = http.StatusNotFound, "caja_not_found"
	case errors.Is(err, domain.ErrPostingNotFound):
		httpStatus, code = http.StatusNotFound, "transaction_not_found"
	case errors.Is(err, domain.ErrProductNotFound):
		httpStatus, code = http.StatusNotFound, "product_not_found"
	case errors.Is(err, domain.ErrReservationNotFound):
		httpStatus, code = http.StatusConflict, "reservation_not_found"
	case errors.Is(err, domain.ErrInsufficientStock):
		httpStatus, code = http.StatusConflict, "insufficient_stock"
	case errors.Is(err, domain.ErrAlreadyOpen):
		httpStatus, code = http.StatusConflict, "already_open"
	case errors.Is(err, domain.ErrCajaNotOpen):
		httpStatus, code = http.StatusConflict, "caja_not_open"
	case errors.Is(err, domain.ErrInvalidTransition):
		httpStatus, code = http.StatusConflict, "invalid_transition"
	case errors.Is(err, domain.ErrPostingAlreadyVoided):
		httpStatus, code = http.StatusConflict, "already_voided"
	case errors.Is(err, domain.ErrDiscrepancyUnauthorized):
		httpStatus, code = http.StatusForbidden, "discrepancy_unauthorized"
	case errors.Is(err, domain.ErrForbidden):
		httpStatus, code = http.StatusForbidden, "forbidden"
	case errors.Is(err, domain.ErrInvalidQuantity):
		httpStatus, code = http.StatusBadRequest, "invalid_quantity"
	case errors.Is(err, domain.ErrInvalidAmount):
		httpStatus, code = http.StatusBadRequest, "invalid_amount"
	case errors.Is(err, domain.ErrInvalidPosting):
		httpStatus, code = http.StatusBadRequest, "invalid_transaction"
	case errors.Is(err, domain.ErrVoidReasonTooShort):
		httpStatus, code = http.StatusBadRequest, "void_reason_too_short"
	case errors.Is(err, context.DeadlineExceeded):
		httpStatus, code = http.StatusGatewayTimeout, "timeout"
	default:
		logger.From(r.Context(), zap.L()).Error("request failed", zap.Error(err))
		respondError(w, http.StatusInternalServerError, "internal_error", "internal server error")
		return
	}
	respondError(w, httpStatus, code, err.Error())
}
