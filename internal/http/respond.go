package http

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"github.com/fjod/ticket_checkout/domain"
	"github.com/fjod/ticket_checkout/internal/backend"
	"github.com/fjod/ticket_checkout/internal/cart"
	"github.com/fjod/ticket_checkout/internal/checkout"
	"github.com/fjod/ticket_checkout/internal/order"
	"github.com/fjod/ticket_checkout/internal/settings"
	"github.com/fjod/ticket_checkout/internal/settlement"
	"github.com/fjod/ticket_checkout/pkg/circuitbreaker"
	"github.com/fjod/ticket_checkout/pkg/logger"
	"go.uber.org/zap"
)

type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details any    `json:"details,omitempty"`
}

// SettlementPendingResponse is returned with 202 while a payment outcome is unresolved.
type SettlementPendingResponse struct {
	Reference string `json:"reference"`
	Status    string `json:"status"`
	CanRetry  bool   `json:"can_retry"`
	Message   string `json:"message"`
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Printf("failed to encode response: %v", err)
	}
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, ErrorResponse{
		Error: message,
		Code:  code,
	})
}

// handleError maps service errors onto HTTP responses.
func handleError(ctx context.Context, w http.ResponseWriter, base *zap.Logger, err error) {
	var (
		validationErr *domain.ValidationError
		couponErr     *domain.CouponError
		initErr       *domain.GatewayInitiationError
		failedErr     *domain.GatewayOutcomeFailedError
		unknownErr    *domain.GatewayOutcomeUnknownError
		submitErr     *domain.OrderSubmissionError
	)

	switch {
	case errors.As(err, &validationErr):
		respondJSON(w, http.StatusBadRequest, ErrorResponse{
			Error:   "validation failed",
			Code:    "validation_failed",
			Details: validationErr.Fields,
		})
	case errors.As(err, &couponErr):
		respondJSON(w, http.StatusUnprocessableEntity, ErrorResponse{
			Error:   couponErr.Error(),
			Code:    string(couponErr.Kind),
			Details: map[string]string{"coupon_code": couponErr.Code},
		})
	case errors.As(err, &initErr):
		respondError(w, http.StatusBadGateway, "gateway_unavailable", "payment session could not be created, please try again")
	case errors.As(err, &failedErr):
		respondJSON(w, http.StatusPaymentRequired, ErrorResponse{
			Error:   failedErr.Error(),
			Code:    "no_funds_captured",
			Details: map[string]string{"reference": failedErr.Reference},
		})
	case errors.As(err, &unknownErr):
		respondJSON(w, http.StatusAccepted, SettlementPendingResponse{
			Reference: unknownErr.Reference,
			Status:    unknownErr.Status.String(),
			CanRetry:  unknownErr.CanRetry,
			Message:   "payment is still being processed",
		})
	case errors.As(err, &submitErr):
		logger.FromContext(ctx, base).Error("order submission failed", zap.String("reference", submitErr.Reference), zap.Error(err))
		respondJSON(w, http.StatusServiceUnavailable, ErrorResponse{
			Error:   "your payment is safe but the order could not be recorded yet, please retry",
			Code:    "order_submission_failed",
			Details: map[string]string{"reference": submitErr.Reference},
		})
	case errors.Is(err, order.ErrPlacementInProgress):
		respondError(w, http.StatusConflict, "placement_in_progress", err.Error())
	case errors.Is(err, checkout.ErrAlreadySettled):
		respondError(w, http.StatusConflict, "already_settled", err.Error())
	case errors.Is(err, settlement.ErrRetryLimitReached):
		respondError(w, http.StatusTooManyRequests, "retry_limit_reached", err.Error())
	case errors.Is(err, settlement.ErrUnknownReference),
		errors.Is(err, checkout.ErrPendingNotFound),
		errors.Is(err, backend.ErrNotFound):
		respondError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, cart.ErrLineNotFound):
		respondError(w, http.StatusNotFound, "line_not_found", err.Error())
	case errors.Is(err, cart.ErrIdentityRequired):
		respondError(w, http.StatusUnauthorized, "identity_required", err.Error())
	case errors.Is(err, settings.ErrDepositUnavailable):
		respondError(w, http.StatusServiceUnavailable, "deposit_unavailable", "cash on delivery is temporarily unavailable")
	case errors.Is(err, circuitbreaker.ErrUpstreamUnavailable):
		respondError(w, http.StatusServiceUnavailable, "service_unavailable", "a dependency is temporarily unavailable")
	case errors.Is(err, context.DeadlineExceeded):
		respondError(w, http.StatusGatewayTimeout, "timeout", "request timed out")
	default:
		logger.FromContext(ctx, base).Error("unhandled error", zap.Error(err))
		respondError(w, http.StatusInternalServerError, "internal_error", "internal server error")
	}
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}
