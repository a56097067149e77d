package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/fjod/ticket_checkout/domain"
	"github.com/fjod/ticket_checkout/internal/backend"
	"github.com/fjod/ticket_checkout/internal/cart"
	"github.com/fjod/ticket_checkout/internal/checkout"
	"github.com/fjod/ticket_checkout/internal/order"
	"github.com/fjod/ticket_checkout/internal/settlement"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type CartServiceMock struct {
	cart    *domain.Cart
	err     error
	lastSes domain.Session
	added   []domain.CartLine
}

func (m *CartServiceMock) Load(_ context.Context, sess domain.Session) (*domain.Cart, error) {
	m.lastSes = sess
	return m.cart, m.err
}

func (m *CartServiceMock) Add(_ context.Context, sess domain.Session, line domain.CartLine) (*domain.Cart, error) {
	m.lastSes = sess
	m.added = append(m.added, line)
	return m.cart, m.err
}

func (m *CartServiceMock) SetQuantity(context.Context, domain.Session, string, int) (*domain.Cart, error) {
	return m.cart, m.err
}

func (m *CartServiceMock) Remove(context.Context, domain.Session, string) (*domain.Cart, error) {
	return m.cart, m.err
}

func (m *CartServiceMock) Clear(context.Context, domain.Session) error {
	return m.err
}

func (m *CartServiceMock) MergeGuestIntoBound(context.Context, domain.Session) (*domain.Cart, error) {
	return m.cart, m.err
}

type CouponServiceMock struct {
	app   *domain.CouponApplication
	err   error
	total decimal.Decimal
}

func (m *CouponServiceMock) Apply(_ context.Context, _, _ string, cart *domain.Cart) (*domain.CouponApplication, error) {
	m.total = cart.Subtotal()
	return m.app, m.err
}

func (m *CouponServiceMock) Remove(context.Context, string) error { return m.err }

type CheckoutServiceMock struct {
	begin     *checkout.BeginResult
	beginErr  error
	cancelled string
	cancelErr error
	pending   *domain.PendingCheckout
}

func (m *CheckoutServiceMock) Quote(context.Context, domain.Session, domain.PaymentMethod) (*checkout.Quote, error) {
	return &checkout.Quote{}, nil
}

func (m *CheckoutServiceMock) Begin(context.Context, checkout.BeginRequest) (*checkout.BeginResult, error) {
	return m.begin, m.beginErr
}

func (m *CheckoutServiceMock) Cancel(_ context.Context, reference string) (*domain.PendingCheckout, error) {
	m.cancelled = reference
	if m.cancelErr != nil {
		return nil, m.cancelErr
	}
	return &domain.PendingCheckout{Reference: reference, Stage: domain.CheckoutStageIdle}, nil
}

func (m *CheckoutServiceMock) Resume(context.Context, domain.Session) (*domain.PendingCheckout, error) {
	if m.pending == nil {
		return nil, checkout.ErrPendingNotFound
	}
	return m.pending, nil
}

type SettlementServiceMock struct {
	params   settlement.ReturnParams
	outcome  *settlement.Outcome
	err      error
	retryErr error
}

func (m *SettlementServiceMock) Resolve(_ context.Context, p settlement.ReturnParams) (*settlement.Outcome, error) {
	m.params = p
	return m.outcome, m.err
}

func (m *SettlementServiceMock) Retry(context.Context, string) (*settlement.Outcome, error) {
	return m.outcome, m.retryErr
}

type OrdersServiceMock struct {
	order *domain.Order
	err   error
}

func (m *OrdersServiceMock) List(context.Context, string) ([]domain.Order, error) {
	if m.order == nil {
		return nil, m.err
	}
	return []domain.Order{*m.order}, m.err
}

func (m *OrdersServiceMock) Get(context.Context, string) (*domain.Order, error) {
	return m.order, m.err
}

type testServer struct {
	handler     http.Handler
	carts       *CartServiceMock
	coupons     *CouponServiceMock
	checkout    *CheckoutServiceMock
	settlements *SettlementServiceMock
	orders      *OrdersServiceMock
}

func newTestServer() *testServer {
	c := domain.NewCart(domain.CartModeGuest)
	c.Upsert(domain.CartLine{ProductID: "p1", Quantity: 2, UnitPrice: decimal.NewFromInt(500), CODAvailable: true})

	ts := &testServer{
		carts:       &CartServiceMock{cart: c},
		coupons:     &CouponServiceMock{},
		checkout:    &CheckoutServiceMock{},
		settlements: &SettlementServiceMock{},
		orders:      &OrdersServiceMock{},
	}
	log := zap.NewNop()
	ts.handler = NewRouter(Handlers{
		Cart:     NewCartHandler(ts.carts, 5*time.Second, log),
		Coupon:   NewCouponHandler(ts.coupons, ts.carts, 5*time.Second, log),
		Checkout: NewCheckoutHandler(ts.checkout, ts.settlements, 5*time.Second, log),
		Orders:   NewOrdersHandler(ts.orders, 5*time.Second, log),
	}, RouterOptions{RequestTimeout: 10 * time.Second, MaxRequestBodySize: 1 << 20}, log)
	return ts
}

func (ts *testServer) do(t *testing.T, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if headers == nil {
		headers = map[string]string{SessionHeader: "sess-1"}
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()
	var resp ErrorResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	return resp
}

func TestHealth(t *testing.T) {
	ts := newTestServer()
	rec := ts.do(t, http.MethodGet, "/health", nil, map[string]string{})
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestSessionMiddleware(t *testing.T) {
	ts := newTestServer()

	rec := ts.do(t, http.MethodGet, "/api/v1/cart", nil, map[string]string{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "missing_session", decodeError(t, rec).Code)

	rec = ts.do(t, http.MethodGet, "/api/v1/cart", nil, map[string]string{SessionHeader: "sess-9", IdentityHeader: "user-9"})
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, domain.Session{ID: "sess-9", Identity: "user-9"}, ts.carts.lastSes)
}

func TestGetCart(t *testing.T) {
	ts := newTestServer()
	rec := ts.do(t, http.MethodGet, "/api/v1/cart", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp CartResponseDTO
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "1000", resp.Subtotal.String())
	assert.True(t, resp.CODAvailable)
	require.Len(t, resp.Lines, 1)
}

func TestAddItem(t *testing.T) {
	ts := newTestServer()

	rec := ts.do(t, http.MethodPost, "/api/v1/cart/items",
		map[string]any{"product_id": "p1", "quantity": 1, "unit_price": "500", "cod_available": true}, nil)
	assert.Equal(t, http.StatusCreated, rec.Code)
	require.Len(t, ts.carts.added, 1)
	assert.Equal(t, "500", ts.carts.added[0].UnitPrice.String())

	rec = ts.do(t, http.MethodPost, "/api/v1/cart/items", map[string]any{"product_id": "p1", "quantity": 100}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_quantity", decodeError(t, rec).Code)

	rec = ts.do(t, http.MethodPost, "/api/v1/cart/items", map[string]any{"unknown": true}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_request", decodeError(t, rec).Code)
}

func TestRemoveItem_NotFound(t *testing.T) {
	ts := newTestServer()
	ts.carts.err = cart.ErrLineNotFound

	rec := ts.do(t, http.MethodDelete, "/api/v1/cart/items/p9", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "line_not_found", decodeError(t, rec).Code)
}

func TestMergeCart_RequiresIdentity(t *testing.T) {
	ts := newTestServer()
	ts.carts.err = cart.ErrIdentityRequired

	rec := ts.do(t, http.MethodPost, "/api/v1/cart/merge", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestApplyCoupon(t *testing.T) {
	ts := newTestServer()
	ts.coupons.app = &domain.CouponApplication{Code: "SAVE100", DiscountAmount: decimal.NewFromInt(100)}

	rec := ts.do(t, http.MethodPost, "/api/v1/coupon", map[string]string{"code": "save100"}, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "1000", ts.coupons.total.String())

	ts.coupons.err = &domain.CouponError{Code: "OLD", Kind: domain.CouponExpired}
	rec = ts.do(t, http.MethodPost, "/api/v1/coupon", map[string]string{"code": "old"}, nil)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, "EXPIRED", decodeError(t, rec).Code)

	rec = ts.do(t, http.MethodDelete, "/api/v1/coupon", nil, nil)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	ts.coupons.err = nil
	rec = ts.do(t, http.MethodDelete, "/api/v1/coupon", nil, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestBeginCheckout(t *testing.T) {
	ts := newTestServer()
	ts.checkout.begin = &checkout.BeginResult{
		Stage:       domain.CheckoutStageAwaitingGateway,
		Reference:   "ref-1",
		RedirectURL: "https://pay.example/tok",
	}

	rec := ts.do(t, http.MethodPost, "/api/v1/checkout", map[string]any{"payment_method": "ONLINE_PREPAY"}, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var res checkout.BeginResult
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&res))
	assert.Equal(t, "https://pay.example/tok", res.RedirectURL)

	ts.checkout.begin = &checkout.BeginResult{Stage: domain.CheckoutStageDirectOrder, OrderID: "order-1"}
	rec = ts.do(t, http.MethodPost, "/api/v1/checkout", map[string]any{"payment_method": "COD"}, nil)
	assert.Equal(t, http.StatusCreated, rec.Code)
}

func TestErrorMapping(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"validation", &domain.ValidationError{Fields: map[string]string{"phone": "is required"}}, http.StatusBadRequest, "validation_failed"},
		{"coupon", &domain.CouponError{Kind: domain.CouponMinimumNotMet}, http.StatusUnprocessableEntity, "MINIMUM_NOT_MET"},
		{"gateway initiation", &domain.GatewayInitiationError{Err: errors.New("boom")}, http.StatusBadGateway, "gateway_unavailable"},
		{"outcome failed", &domain.GatewayOutcomeFailedError{Reference: "r"}, http.StatusPaymentRequired, "no_funds_captured"},
		{"order submission", &domain.OrderSubmissionError{Reference: "r", Err: errors.New("down")}, http.StatusServiceUnavailable, "order_submission_failed"},
		{"in progress", order.ErrPlacementInProgress, http.StatusConflict, "placement_in_progress"},
		{"retry limit", settlement.ErrRetryLimitReached, http.StatusTooManyRequests, "retry_limit_reached"},
		{"unknown reference", settlement.ErrUnknownReference, http.StatusNotFound, "not_found"},
		{"unexpected", errors.New("kaboom"), http.StatusInternalServerError, "internal_error"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ts := newTestServer()
			ts.checkout.beginErr = tc.err
			rec := ts.do(t, http.MethodPost, "/api/v1/checkout", map[string]any{"payment_method": "COD"}, nil)
			assert.Equal(t, tc.status, rec.Code)
			assert.Equal(t, tc.code, decodeError(t, rec).Code)
		})
	}
}

func TestValidationErrorCarriesFields(t *testing.T) {
	ts := newTestServer()
	ts.checkout.beginErr = &domain.ValidationError{Fields: map[string]string{"phone": "is required"}}

	rec := ts.do(t, http.MethodPost, "/api/v1/checkout", map[string]any{"payment_method": "COD"}, nil)
	var resp struct {
		Details map[string]string `json:"details"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "is required", resp.Details["phone"])
}

func TestReturn_Unresolved(t *testing.T) {
	ts := newTestServer()
	ts.settlements.err = &domain.GatewayOutcomeUnknownError{Reference: "ref-1", Status: domain.SettlementStatusPending, CanRetry: true}

	rec := ts.do(t, http.MethodGet, "/api/v1/checkout/return?reference=ref-1&status=FAILED", nil, nil)
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, settlement.ReturnParams{Reference: "ref-1", Status: "FAILED"}, ts.settlements.params)

	var resp SettlementPendingResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.True(t, resp.CanRetry)
	assert.Equal(t, "PENDING", resp.Status)
}

func TestReturn_Success(t *testing.T) {
	ts := newTestServer()
	ts.settlements.outcome = &settlement.Outcome{Reference: "ref-1", Status: domain.SettlementStatusSuccess, OrderID: "order-1"}

	rec := ts.do(t, http.MethodGet, "/api/v1/checkout/return?reference=ref-1&status=SUCCESS", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var out settlement.Outcome
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&out))
	assert.Equal(t, "order-1", out.OrderID)
}

func TestCallback(t *testing.T) {
	ts := newTestServer()
	ts.settlements.outcome = &settlement.Outcome{Reference: "ref-1", Status: domain.SettlementStatusSuccess}

	rec := ts.do(t, http.MethodPost, "/api/v1/checkout/callback", CallbackRequestDTO{Reference: "ref-1", Event: "USER_CANCEL"}, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ref-1", ts.checkout.cancelled)
	var resp CancelResponseDTO
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, domain.CheckoutStageIdle, resp.Stage)

	rec = ts.do(t, http.MethodPost, "/api/v1/checkout/callback", CallbackRequestDTO{Reference: "ref-1", Event: "CONCLUDED"}, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, settlement.ReturnParams{Reference: "ref-1"}, ts.settlements.params)

	rec = ts.do(t, http.MethodPost, "/api/v1/checkout/callback", CallbackRequestDTO{Reference: "ref-1", Event: "WHATEVER"}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	ts.checkout.cancelErr = checkout.ErrAlreadySettled
	rec = ts.do(t, http.MethodPost, "/api/v1/checkout/callback", CallbackRequestDTO{Reference: "ref-1", Event: "USER_CANCEL"}, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestRetry_LimitReached(t *testing.T) {
	ts := newTestServer()
	ts.settlements.retryErr = settlement.ErrRetryLimitReached

	rec := ts.do(t, http.MethodPost, "/api/v1/checkout/ref-1/retry", nil, nil)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
}

func TestPending(t *testing.T) {
	ts := newTestServer()
	rec := ts.do(t, http.MethodGet, "/api/v1/checkout/pending", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	ts.checkout.pending = &domain.PendingCheckout{Reference: "ref-1", Shipping: domain.ShippingForm{FullName: "Jane"}}
	rec = ts.do(t, http.MethodGet, "/api/v1/checkout/pending", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var p domain.PendingCheckout
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&p))
	assert.Equal(t, "Jane", p.Shipping.FullName)
}

func TestOrders(t *testing.T) {
	ts := newTestServer()
	ts.orders.order = &domain.Order{ID: "order-1", Identity: "user-1"}
	bound := map[string]string{SessionHeader: "sess-1", IdentityHeader: "user-1"}

	rec := ts.do(t, http.MethodGet, "/api/v1/orders", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = ts.do(t, http.MethodGet, "/api/v1/orders", nil, bound)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = ts.do(t, http.MethodGet, "/api/v1/orders/order-1", nil, bound)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = ts.do(t, http.MethodGet, "/api/v1/orders/order-1", nil,
		map[string]string{SessionHeader: "sess-2", IdentityHeader: "user-2"})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	ts.orders.err = backend.ErrNotFound
	ts.orders.order = nil
	rec = ts.do(t, http.MethodGet, "/api/v1/orders/missing", nil, bound)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
