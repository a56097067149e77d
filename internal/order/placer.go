// Package order turns a priced checkout into exactly one order on the order
// backend, no matter how many triggers race for the same gateway reference.
package order

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/fjod/ticket_checkout/domain"
	"github.com/fjod/ticket_checkout/internal/repository"
	"github.com/fjod/ticket_checkout/internal/state"
	"github.com/fjod/ticket_checkout/pkg/logger"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

var ErrPlacementInProgress = errors.New("order placement already in progress for this payment")

var tracer = otel.Tracer("github.com/fjod/ticket_checkout/internal/order")

type Markers interface {
	ClaimOrder(ctx context.Context, reference string) (*state.Claim, error)
	CompleteOrder(ctx context.Context, reference string, claim *state.Claim, marker *domain.OrderMarker) error
	ReleaseClaim(ctx context.Context, reference string, claim *state.Claim) error
	ClearPending(ctx context.Context, sessionID, reference string) error
}

type Ledger interface {
	GetAttempt(ctx context.Context, reference string) (*domain.SettlementAttempt, error)
	MarkOrderPlaced(ctx context.Context, reference, orderID string, payload []byte) error
}

type Backend interface {
	Create(ctx context.Context, order *domain.Order, idempotencyKey string) (string, error)
}

type Coupons interface {
	Commit(ctx context.Context, code string) error
	Remove(ctx context.Context, sessionID string) error
}

type Carts interface {
	Clear(ctx context.Context, sess domain.Session) error
}

type PlaceRequest struct {
	Session   domain.Session
	Method    domain.PaymentMethod
	Breakdown domain.PriceBreakdown
	Lines     []domain.CartLine
	Shipping  domain.ShippingForm
	Coupon    *domain.CouponApplication
	// Reference is empty for a direct COD order.
	Reference string
}

// FromPending builds the request for a settled gateway handoff.
func FromPending(p *domain.PendingCheckout) PlaceRequest {
	return PlaceRequest{
		Session:   p.Session(),
		Method:    p.Method,
		Breakdown: p.Breakdown,
		Lines:     p.Lines,
		Shipping:  p.Shipping,
		Coupon:    p.Coupon,
		Reference: p.Reference,
	}
}

func (r PlaceRequest) fingerprint() string {
	p := domain.PendingCheckout{Method: r.Method, Lines: r.Lines, Breakdown: r.Breakdown, Coupon: r.Coupon}
	return p.Fingerprint()
}

type Result struct {
	OrderID       string `json:"order_id"`
	Reference     string `json:"reference,omitempty"`
	AlreadyPlaced bool   `json:"already_placed"`
}

type Placer struct {
	markers Markers
	ledger  Ledger
	orders  Backend
	coupons Coupons
	carts   Carts
	log     *zap.Logger
	now     func() time.Time
}

func NewPlacer(markers Markers, ledger Ledger, orders Backend, coupons Coupons, carts Carts, log *zap.Logger) *Placer {
	if log == nil {
		log = zap.NewNop()
	}
	return &Placer{
		markers: markers,
		ledger:  ledger,
		orders:  orders,
		coupons: coupons,
		carts:   carts,
		log:     log.Named("order"),
		now:     time.Now,
	}
}

func (p *Placer) Place(ctx context.Context, req PlaceRequest) (*Result, error) {
	ctx, span := tracer.Start(ctx, "order.Place")
	defer span.End()
	span.SetAttributes(
		attribute.String("checkout.reference", req.Reference),
		attribute.String("checkout.method", req.Method.String()),
	)

	res, err := p.place(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.Bool("order.already_placed", res.AlreadyPlaced))
	return res, nil
}

func (p *Placer) place(ctx context.Context, req PlaceRequest) (*Result, error) {
	log := logger.FromContext(ctx, p.log).With(
		zap.String("session_id", req.Session.ID),
		zap.String("reference", req.Reference))

	if req.Reference == "" {
		orderID, err := p.submit(ctx, req, uuid.NewString())
		if err != nil {
			log.Warn("direct order submission failed", zap.Error(err))
			return nil, &domain.OrderSubmissionError{Err: err}
		}
		log.Info("order placed", zap.String("order_id", orderID))
		p.cleanup(ctx, log, req)
		return &Result{OrderID: orderID}, nil
	}

	claim, err := p.markers.ClaimOrder(ctx, req.Reference)
	if err != nil {
		return nil, &domain.OrderSubmissionError{Reference: req.Reference, Err: err}
	}
	switch claim.Result {
	case state.AlreadyPlaced:
		log.Info("order already placed", zap.String("order_id", claim.Marker.OrderID))
		return &Result{OrderID: claim.Marker.OrderID, Reference: req.Reference, AlreadyPlaced: true}, nil
	case state.InProgress:
		return nil, ErrPlacementInProgress
	}

	attempt, err := p.ledger.GetAttempt(ctx, req.Reference)
	if err != nil {
		p.release(ctx, log, req.Reference, claim)
		return nil, &domain.OrderSubmissionError{Reference: req.Reference, Err: fmt.Errorf("load settlement attempt: %w", err)}
	}
	if attempt.OrderPlaced && attempt.OrderID != "" {
		// the marker was lost but the ledger remembers the order
		p.complete(ctx, log, req.Reference, claim, attempt.OrderID)
		return &Result{OrderID: attempt.OrderID, Reference: req.Reference, AlreadyPlaced: true}, nil
	}
	if fp := req.fingerprint(); fp != attempt.SnapshotFingerprint {
		p.release(ctx, log, req.Reference, claim)
		log.Error("snapshot fingerprint mismatch",
			zap.String("expected", attempt.SnapshotFingerprint), zap.String("actual", fp))
		return nil, &domain.OrderSubmissionError{Reference: req.Reference, Err: errors.New("checkout snapshot does not match the settled payment")}
	}

	orderID, err := p.submit(ctx, req, req.Reference)
	if err != nil {
		p.release(ctx, log, req.Reference, claim)
		log.Warn("order submission failed", zap.Error(err))
		return nil, &domain.OrderSubmissionError{Reference: req.Reference, Err: err}
	}
	log.Info("order placed", zap.String("order_id", orderID))

	p.complete(ctx, log, req.Reference, claim, orderID)
	p.recordPlaced(ctx, log, req, orderID)
	p.cleanup(ctx, log, req)
	return &Result{OrderID: orderID, Reference: req.Reference}, nil
}

func (p *Placer) submit(ctx context.Context, req PlaceRequest, idempotencyKey string) (string, error) {
	return p.orders.Create(ctx, buildOrder(req), idempotencyKey)
}

func buildOrder(req PlaceRequest) *domain.Order {
	b := req.Breakdown
	o := &domain.Order{
		Identity:           req.Session.Identity,
		Customer:           req.Shipping,
		Items:              domain.OrderItemsFromLines(req.Lines),
		PaymentMethod:      req.Method,
		PaymentStatus:      paymentStatus(req),
		Subtotal:           b.Subtotal,
		Discount:           b.Discount,
		Shipping:           b.Shipping,
		CODSurcharge:       b.CODSurcharge,
		Total:              b.Total,
		UpfrontAmount:      b.AmountDueNow,
		RemainingAmount:    b.Remaining(),
		GatewayReferenceID: req.Reference,
	}
	if req.Coupon != nil {
		o.CouponCode = req.Coupon.Code
	}
	return o
}

func paymentStatus(req PlaceRequest) domain.PaymentStatus {
	switch {
	case req.Method == domain.PaymentMethodOnlinePrepay:
		return domain.PaymentStatusPaid
	case req.Reference != "" && req.Breakdown.AmountDueNow.IsPositive():
		return domain.PaymentStatusDepositPaid
	default:
		return domain.PaymentStatusPending
	}
}

func (p *Placer) complete(ctx context.Context, log *zap.Logger, reference string, claim *state.Claim, orderID string) {
	marker := &domain.OrderMarker{Reference: reference, OrderID: orderID, PlacedAt: p.now().UTC()}
	if err := p.markers.CompleteOrder(ctx, reference, claim, marker); err != nil {
		log.Error("failed to persist order marker", zap.String("order_id", orderID), zap.Error(err))
	}
}

func (p *Placer) release(ctx context.Context, log *zap.Logger, reference string, claim *state.Claim) {
	if err := p.markers.ReleaseClaim(ctx, reference, claim); err != nil {
		log.Error("failed to release order claim", zap.Error(err))
	}
}

type placedPayload struct {
	Reference     string    `json:"reference"`
	OrderID       string    `json:"order_id"`
	SessionID     string    `json:"session_id"`
	Identity      string    `json:"identity,omitempty"`
	PaymentMethod string    `json:"payment_method"`
	Total         string    `json:"total"`
	AmountDueNow  string    `json:"amount_due_now"`
	PlacedAt      time.Time `json:"placed_at"`
}

func (p *Placer) recordPlaced(ctx context.Context, log *zap.Logger, req PlaceRequest, orderID string) {
	payload, err := json.Marshal(placedPayload{
		Reference:     req.Reference,
		OrderID:       orderID,
		SessionID:     req.Session.ID,
		Identity:      req.Session.Identity,
		PaymentMethod: req.Method.String(),
		Total:         req.Breakdown.Total.StringFixed(2),
		AmountDueNow:  req.Breakdown.AmountDueNow.StringFixed(2),
		PlacedAt:      p.now().UTC(),
	})
	if err != nil {
		log.Error("failed to marshal order placed event", zap.Error(err))
		return
	}
	err = p.ledger.MarkOrderPlaced(ctx, req.Reference, orderID, payload)
	if err != nil && !errors.Is(err, repository.ErrOrderAlreadyPlaced) {
		log.Error("failed to record order in settlement ledger", zap.String("order_id", orderID), zap.Error(err))
	}
}

// cleanup runs after the order exists. Nothing here may fail the placement.
func (p *Placer) cleanup(ctx context.Context, log *zap.Logger, req PlaceRequest) {
	if req.Coupon != nil {
		if err := p.coupons.Commit(ctx, req.Coupon.Code); err != nil {
			log.Error("failed to commit coupon", zap.String("code", req.Coupon.Code), zap.Error(err))
		}
	}
	if err := p.carts.Clear(ctx, req.Session); err != nil {
		log.Error("failed to clear cart", zap.Error(err))
	}
	if err := p.coupons.Remove(ctx, req.Session.ID); err != nil {
		log.Error("failed to clear applied coupon", zap.Error(err))
	}
	if req.Reference != "" {
		if err := p.markers.ClearPending(ctx, req.Session.ID, req.Reference); err != nil {
			log.Error("failed to clear pending checkout", zap.Error(err))
		}
	}
}
