package http

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
)

type Handlers struct {
	Cart     *CartHandler
	Coupon   *CouponHandler
	Checkout *CheckoutHandler
	Orders   *OrdersHandler
}

type RouterOptions struct {
	RequestTimeout     time.Duration
	MaxRequestBodySize int64
}

func NewRouter(h Handlers, opts RouterOptions, log *zap.Logger) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(RequestLogger(log))
	r.Use(middleware.Recoverer)
	if opts.RequestTimeout > 0 {
		r.Use(middleware.Timeout(opts.RequestTimeout))
	}
	if opts.MaxRequestBodySize > 0 {
		r.Use(middleware.RequestSize(opts.MaxRequestBodySize))
	}
	r.Use(middleware.Compress(5))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(SessionMiddleware)

		r.Route("/cart", func(r chi.Router) {
			r.Get("/", h.Cart.GetCart)
			r.Delete("/", h.Cart.ClearCart)
			r.Post("/items", h.Cart.AddItem)
			r.Put("/items/{product_id}", h.Cart.UpdateQuantity)
			r.Delete("/items/{product_id}", h.Cart.RemoveItem)
			r.Post("/merge", h.Cart.MergeCart)
		})

		r.Post("/coupon", h.Coupon.ApplyCoupon)
		r.Delete("/coupon", h.Coupon.RemoveCoupon)

		r.Route("/checkout", func(r chi.Router) {
			r.Post("/", h.Checkout.Begin)
			r.Post("/quote", h.Checkout.Quote)
			r.Get("/pending", h.Checkout.Pending)
			r.Post("/callback", h.Checkout.Callback)
			r.Get("/return", h.Checkout.Return)
			r.Post("/{reference}/retry", h.Checkout.Retry)
		})

		r.Route("/orders", func(r chi.Router) {
			r.Get("/", h.Orders.ListOrders)
			r.Get("/{id}", h.Orders.GetOrder)
		})
	})

	return r
}
