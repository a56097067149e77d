package http

import (
	"context"
	"net/http"
	"time"

	"github.com/fjod/ticket_checkout/domain"
	"go.uber.org/zap"
)

type CouponService interface {
	Apply(ctx context.Context, sessionID, code string, cart *domain.Cart) (*domain.CouponApplication, error)
	Remove(ctx context.Context, sessionID string) error
}

type CouponHandler struct {
	coupons CouponService
	carts   CartService
	timeout time.Duration
	log     *zap.Logger
}

func NewCouponHandler(coupons CouponService, carts CartService, timeout time.Duration, log *zap.Logger) *CouponHandler {
	return &CouponHandler{coupons: coupons, carts: carts, timeout: timeout, log: log}
}

type ApplyCouponRequestDTO struct {
	Code string `json:"code"`
}

// POST /api/v1/coupon
func (h *CouponHandler) ApplyCoupon(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()
	sess, _ := sessionFromContext(ctx)

	var req ApplyCouponRequestDTO
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", "invalid JSON body")
		return
	}

	c, err := h.carts.Load(ctx, sess)
	if err != nil {
		handleError(ctx, w, h.log, err)
		return
	}
	if c.IsEmpty() {
		handleError(ctx, w, h.log, domain.NewValidationError("cart", "cart is empty"))
		return
	}

	app, err := h.coupons.Apply(ctx, sess.ID, req.Code, c)
	if err != nil {
		handleError(ctx, w, h.log, err)
		return
	}
	respondJSON(w, http.StatusOK, app)
}

// DELETE /api/v1/coupon
func (h *CouponHandler) RemoveCoupon(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()
	sess, _ := sessionFromContext(ctx)

	if err := h.coupons.Remove(ctx, sess.ID); err != nil {
		handleError(ctx, w, h.log, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
