package http

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/fjod/ticket_checkout/domain"
	"github.com/fjod/ticket_checkout/internal/checkout"
	"github.com/fjod/ticket_checkout/internal/settlement"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

type CheckoutService interface {
	Quote(ctx context.Context, sess domain.Session, method domain.PaymentMethod) (*checkout.Quote, error)
	Begin(ctx context.Context, req checkout.BeginRequest) (*checkout.BeginResult, error)
	Cancel(ctx context.Context, reference string) (*domain.PendingCheckout, error)
	Resume(ctx context.Context, sess domain.Session) (*domain.PendingCheckout, error)
}

type SettlementService interface {
	Resolve(ctx context.Context, params settlement.ReturnParams) (*settlement.Outcome, error)
	Retry(ctx context.Context, reference string) (*settlement.Outcome, error)
}

const (
	callbackUserCancel = "USER_CANCEL"
	callbackConcluded  = "CONCLUDED"
)

type CheckoutHandler struct {
	checkout    CheckoutService
	settlements SettlementService
	timeout     time.Duration
	log         *zap.Logger
}

func NewCheckoutHandler(c CheckoutService, s SettlementService, timeout time.Duration, log *zap.Logger) *CheckoutHandler {
	return &CheckoutHandler{checkout: c, settlements: s, timeout: timeout, log: log}
}

type QuoteRequestDTO struct {
	PaymentMethod domain.PaymentMethod `json:"payment_method"`
}

type BeginCheckoutRequestDTO struct {
	PaymentMethod domain.PaymentMethod `json:"payment_method"`
	Shipping      domain.ShippingForm  `json:"shipping"`
}

type CallbackRequestDTO struct {
	Reference string `json:"reference"`
	Event     string `json:"event"`
}

type CancelResponseDTO struct {
	Stage   domain.CheckoutStage    `json:"stage"`
	Pending *domain.PendingCheckout `json:"pending"`
}

// POST /api/v1/checkout/quote
func (h *CheckoutHandler) Quote(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()
	sess, _ := sessionFromContext(ctx)

	var req QuoteRequestDTO
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", "invalid JSON body")
		return
	}

	q, err := h.checkout.Quote(ctx, sess, req.PaymentMethod)
	if err != nil {
		handleError(ctx, w, h.log, err)
		return
	}
	respondJSON(w, http.StatusOK, q)
}

// POST /api/v1/checkout
func (h *CheckoutHandler) Begin(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()
	sess, _ := sessionFromContext(ctx)

	var req BeginCheckoutRequestDTO
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", "invalid JSON body")
		return
	}

	res, err := h.checkout.Begin(ctx, checkout.BeginRequest{
		Session:  sess,
		Method:   req.PaymentMethod,
		Shipping: req.Shipping,
	})
	if err != nil {
		handleError(ctx, w, h.log, err)
		return
	}
	status := http.StatusOK
	if res.Stage == domain.CheckoutStageDirectOrder {
		status = http.StatusCreated
	}
	respondJSON(w, status, res)
}

// GET /api/v1/checkout/pending
func (h *CheckoutHandler) Pending(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()
	sess, _ := sessionFromContext(ctx)

	p, err := h.checkout.Resume(ctx, sess)
	if err != nil {
		handleError(ctx, w, h.log, err)
		return
	}
	respondJSON(w, http.StatusOK, p)
}

// POST /api/v1/checkout/callback
func (h *CheckoutHandler) Callback(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	var req CallbackRequestDTO
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", "invalid JSON body")
		return
	}
	if req.Reference == "" {
		handleError(ctx, w, h.log, domain.NewValidationError("reference", "is required"))
		return
	}

	switch strings.ToUpper(req.Event) {
	case callbackUserCancel:
		p, err := h.checkout.Cancel(ctx, req.Reference)
		if err != nil {
			handleError(ctx, w, h.log, err)
			return
		}
		respondJSON(w, http.StatusOK, CancelResponseDTO{Stage: p.Stage, Pending: p})
	case callbackConcluded:
		h.resolve(ctx, w, settlement.ReturnParams{Reference: req.Reference})
	default:
		handleError(ctx, w, h.log, domain.NewValidationError("event", "must be USER_CANCEL or CONCLUDED"))
	}
}

// GET /api/v1/checkout/return?reference=&status=
func (h *CheckoutHandler) Return(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	q := r.URL.Query()
	h.resolve(ctx, w, settlement.ReturnParams{
		Reference: q.Get("reference"),
		Status:    q.Get("status"),
	})
}

// POST /api/v1/checkout/{reference}/retry
func (h *CheckoutHandler) Retry(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	out, err := h.settlements.Retry(ctx, chi.URLParam(r, "reference"))
	if err != nil {
		handleError(ctx, w, h.log, err)
		return
	}
	respondJSON(w, http.StatusOK, out)
}

func (h *CheckoutHandler) resolve(ctx context.Context, w http.ResponseWriter, params settlement.ReturnParams) {
	out, err := h.settlements.Resolve(ctx, params)
	if err != nil {
		handleError(ctx, w, h.log, err)
		return
	}
	respondJSON(w, http.StatusOK, out)
}
