package http

import (
	"context"
	"net/http"
	"time"

	"github.com/fjod/ticket_checkout/domain"
	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type CartService interface {
	Load(ctx context.Context, sess domain.Session) (*domain.Cart, error)
	Add(ctx context.Context, sess domain.Session, line domain.CartLine) (*domain.Cart, error)
	SetQuantity(ctx context.Context, sess domain.Session, productID string, qty int) (*domain.Cart, error)
	Remove(ctx context.Context, sess domain.Session, productID string) (*domain.Cart, error)
	Clear(ctx context.Context, sess domain.Session) error
	MergeGuestIntoBound(ctx context.Context, sess domain.Session) (*domain.Cart, error)
}

type CartHandler struct {
	carts   CartService
	timeout time.Duration
	log     *zap.Logger
}

func NewCartHandler(carts CartService, timeout time.Duration, log *zap.Logger) *CartHandler {
	return &CartHandler{carts: carts, timeout: timeout, log: log}
}

type AddItemRequestDTO struct {
	ProductID    string          `json:"product_id"`
	Quantity     int             `json:"quantity"`
	UnitPrice    decimal.Decimal `json:"unit_price"`
	CODAvailable bool            `json:"cod_available"`
}

type UpdateQuantityRequestDTO struct {
	Quantity int `json:"quantity"`
}

type CartResponseDTO struct {
	Mode         domain.CartMode   `json:"mode"`
	Lines        []domain.CartLine `json:"lines"`
	Subtotal     decimal.Decimal   `json:"subtotal"`
	CODAvailable bool              `json:"cod_available"`
	UpdatedAt    time.Time         `json:"updated_at"`
}

func toCartResponse(c *domain.Cart) CartResponseDTO {
	lines := c.Lines
	if lines == nil {
		lines = []domain.CartLine{}
	}
	return CartResponseDTO{
		Mode:         c.Mode,
		Lines:        lines,
		Subtotal:     c.Subtotal(),
		CODAvailable: c.CODAvailable(),
		UpdatedAt:    c.UpdatedAt,
	}
}

// GET /api/v1/cart
func (h *CartHandler) GetCart(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()
	sess, _ := sessionFromContext(ctx)

	c, err := h.carts.Load(ctx, sess)
	if err != nil {
		handleError(ctx, w, h.log, err)
		return
	}
	respondJSON(w, http.StatusOK, toCartResponse(c))
}

// POST /api/v1/cart/items
func (h *CartHandler) AddItem(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()
	sess, _ := sessionFromContext(ctx)

	var req AddItemRequestDTO
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", "invalid JSON body")
		return
	}
	if req.Quantity > 99 {
		respondError(w, http.StatusBadRequest, "invalid_quantity", "quantity must be between 1 and 99")
		return
	}

	c, err := h.carts.Add(ctx, sess, domain.CartLine{
		ProductID:    req.ProductID,
		Quantity:     req.Quantity,
		UnitPrice:    req.UnitPrice,
		CODAvailable: req.CODAvailable,
	})
	if err != nil {
		handleError(ctx, w, h.log, err)
		return
	}
	respondJSON(w, http.StatusCreated, toCartResponse(c))
}

// PUT /api/v1/cart/items/{product_id}
func (h *CartHandler) UpdateQuantity(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()
	sess, _ := sessionFromContext(ctx)

	productID := chi.URLParam(r, "product_id")
	var req UpdateQuantityRequestDTO
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", "invalid JSON body")
		return
	}
	if req.Quantity > 99 {
		respondError(w, http.StatusBadRequest, "invalid_quantity", "quantity must be between 1 and 99")
		return
	}

	c, err := h.carts.SetQuantity(ctx, sess, productID, req.Quantity)
	if err != nil {
		handleError(ctx, w, h.log, err)
		return
	}
	respondJSON(w, http.StatusOK, toCartResponse(c))
}

// DELETE /api/v1/cart/items/{product_id}
func (h *CartHandler) RemoveItem(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()
	sess, _ := sessionFromContext(ctx)

	c, err := h.carts.Remove(ctx, sess, chi.URLParam(r, "product_id"))
	if err != nil {
		handleError(ctx, w, h.log, err)
		return
	}
	respondJSON(w, http.StatusOK, toCartResponse(c))
}

// DELETE /api/v1/cart
func (h *CartHandler) ClearCart(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()
	sess, _ := sessionFromContext(ctx)

	if err := h.carts.Clear(ctx, sess); err != nil {
		handleError(ctx, w, h.log, err)
		return
	}
	mode := sess.Mode()
	respondJSON(w, http.StatusOK, toCartResponse(domain.NewCart(mode)))
}

// POST /api/v1/cart/merge
func (h *CartHandler) MergeCart(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()
	sess, _ := sessionFromContext(ctx)

	c, err := h.carts.MergeGuestIntoBound(ctx, sess)
	if err != nil {
		handleError(ctx, w, h.log, err)
		return
	}
	respondJSON(w, http.StatusOK, toCartResponse(c))
}
