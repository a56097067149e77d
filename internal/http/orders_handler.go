package http

import (
	"context"
	"net/http"
	"time"

	"github.com/fjod/ticket_checkout/domain"
	"github.com/fjod/ticket_checkout/internal/backend"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

type OrdersService interface {
	List(ctx context.Context, identity string) ([]domain.Order, error)
	Get(ctx context.Context, id string) (*domain.Order, error)
}

type OrdersHandler struct {
	orders  OrdersService
	timeout time.Duration
	log     *zap.Logger
}

func NewOrdersHandler(orders OrdersService, timeout time.Duration, log *zap.Logger) *OrdersHandler {
	return &OrdersHandler{orders: orders, timeout: timeout, log: log}
}

// GET /api/v1/orders
func (h *OrdersHandler) ListOrders(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	sess, _ := sessionFromContext(ctx)
	if sess.Identity == "" {
		respondError(w, http.StatusUnauthorized, "unauthorized", "sign in to see your orders")
		return
	}

	orders, err := h.orders.List(ctx, sess.Identity)
	if err != nil {
		handleError(ctx, w, h.log, err)
		return
	}
	if orders == nil {
		orders = []domain.Order{}
	}
	respondJSON(w, http.StatusOK, orders)
}

// GET /api/v1/orders/{id}
func (h *OrdersHandler) GetOrder(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	sess, _ := sessionFromContext(ctx)
	if sess.Identity == "" {
		respondError(w, http.StatusUnauthorized, "unauthorized", "sign in to see your orders")
		return
	}

	o, err := h.orders.Get(ctx, chi.URLParam(r, "id"))
	if err != nil {
		handleError(ctx, w, h.log, err)
		return
	}
	// someone else's order looks the same as a missing one
	if o.Identity != sess.Identity {
		handleError(ctx, w, h.log, backend.ErrNotFound)
		return
	}
	respondJSON(w, http.StatusOK, o)
}
