// Package checkout drives one checkout attempt from the shipping form to
// either a direct order or a hosted payment page handoff.
package checkout

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fjod/ticket_checkout/domain"
	"github.com/fjod/ticket_checkout/internal/backend"
	"github.com/fjod/ticket_checkout/internal/order"
	"github.com/fjod/ticket_checkout/internal/pricing"
	"github.com/fjod/ticket_checkout/internal/repository"
	"github.com/fjod/ticket_checkout/internal/settings"
	"github.com/fjod/ticket_checkout/internal/state"
	"github.com/fjod/ticket_checkout/pkg/logger"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

var (
	ErrPendingNotFound = errors.New("no pending checkout")
	ErrAlreadySettled  = repository.ErrAlreadySettled
)

type Carts interface {
	Load(ctx context.Context, sess domain.Session) (*domain.Cart, error)
}

type Coupons interface {
	Active(ctx context.Context, sessionID string, cart *domain.Cart) (*domain.CouponApplication, error)
}

type Deposits interface {
	Current(ctx context.Context) (settings.Deposit, error)
}

type Gateway interface {
	Initiate(ctx context.Context, in backend.InitiateRequest) (*backend.PaymentSession, error)
}

type PendingStore interface {
	SavePending(ctx context.Context, p *domain.PendingCheckout) error
	LoadPending(ctx context.Context, reference string) (*domain.PendingCheckout, error)
	LatestPending(ctx context.Context, sessionID string) (*domain.PendingCheckout, error)
	LoadMarker(ctx context.Context, reference string) (*domain.OrderMarker, error)
}

type Ledger interface {
	CreateAttempt(ctx context.Context, a *domain.SettlementAttempt) error
	MarkCancelled(ctx context.Context, reference string) error
}

type Placer interface {
	Place(ctx context.Context, req order.PlaceRequest) (*order.Result, error)
}

type Orchestrator struct {
	carts    Carts
	coupons  Coupons
	deposits Deposits
	gateway  Gateway
	pending  PendingStore
	ledger   Ledger
	placer   Placer
	engine   *pricing.Engine
	currency string
	validate *validator.Validate
	log      *zap.Logger
	now      func() time.Time
}

type Deps struct {
	Carts    Carts
	Coupons  Coupons
	Deposits Deposits
	Gateway  Gateway
	Pending  PendingStore
	Ledger   Ledger
	Placer   Placer
	Engine   *pricing.Engine
	Currency string
}

func NewOrchestrator(d Deps, log *zap.Logger) *Orchestrator {
	if log == nil {
		log = zap.NewNop()
	}
	return &Orchestrator{
		carts:    d.Carts,
		coupons:  d.Coupons,
		deposits: d.Deposits,
		gateway:  d.Gateway,
		pending:  d.Pending,
		ledger:   d.Ledger,
		placer:   d.Placer,
		engine:   d.Engine,
		currency: d.Currency,
		validate: newValidator(),
		log:      log.Named("checkout"),
		now:      time.Now,
	}
}

type Quote struct {
	pricing.Quote
	Coupon        *domain.CouponApplication `json:"coupon,omitempty"`
	DepositSource settings.DepositSource    `json:"deposit_source,omitempty"`
}

type BeginRequest struct {
	Session  domain.Session
	Method   domain.PaymentMethod
	Shipping domain.ShippingForm
}

type BeginResult struct {
	Stage         domain.CheckoutStage  `json:"stage"`
	Reference     string                `json:"reference,omitempty"`
	RedirectURL   string                `json:"redirect_url,omitempty"`
	RedirectToken string                `json:"redirect_token,omitempty"`
	OrderID       string                `json:"order_id,omitempty"`
	Breakdown     domain.PriceBreakdown `json:"breakdown"`
}

type priced struct {
	cart   *domain.Cart
	coupon *domain.CouponApplication
	quote  Quote
}

// Quote previews the breakdown for the live cart without side effects.
func (o *Orchestrator) Quote(ctx context.Context, sess domain.Session, method domain.PaymentMethod) (*Quote, error) {
	if !method.Valid() {
		return nil, domain.NewValidationError("payment_method", "must be COD or ONLINE_PREPAY")
	}
	p, err := o.price(ctx, sess, method)
	if err != nil {
		return nil, err
	}
	return &p.quote, nil
}

func (o *Orchestrator) price(ctx context.Context, sess domain.Session, method domain.PaymentMethod) (*priced, error) {
	cart, err := o.carts.Load(ctx, sess)
	if err != nil {
		return nil, fmt.Errorf("load cart: %w", err)
	}
	coupon, err := o.coupons.Active(ctx, sess.ID, cart)
	if err != nil {
		return nil, err
	}

	deposit := decimal.Zero
	var source settings.DepositSource
	if pricing.EffectiveMethod(cart, method) == domain.PaymentMethodCOD {
		d, err := o.deposits.Current(ctx)
		if err != nil {
			return nil, err
		}
		deposit, source = d.Amount, d.Source
	}

	return &priced{
		cart:   cart,
		coupon: coupon,
		quote: Quote{
			Quote:         o.engine.Quote(cart, coupon, method, deposit),
			Coupon:        coupon,
			DepositSource: source,
		},
	}, nil
}

// Begin validates the form, prices the cart and either places a direct COD
// order or opens a gateway session and returns its redirect.
func (o *Orchestrator) Begin(ctx context.Context, req BeginRequest) (*BeginResult, error) {
	log := logger.FromContext(ctx, o.log).With(zap.String("session_id", req.Session.ID))
	log.Debug("checkout stage", zap.Stringer("stage", domain.CheckoutStageValidating))

	if !req.Method.Valid() {
		return nil, domain.NewValidationError("payment_method", "must be COD or ONLINE_PREPAY")
	}
	if err := validateShipping(o.validate, req.Shipping); err != nil {
		return nil, err
	}

	p, err := o.price(ctx, req.Session, req.Method)
	if err != nil {
		return nil, err
	}
	if p.cart.IsEmpty() {
		return nil, domain.NewValidationError("cart", "cart is empty")
	}

	q := p.quote
	if q.Method == domain.PaymentMethodCOD && q.Breakdown.AmountDueNow.IsZero() {
		return o.direct(ctx, log, req, p)
	}
	return o.handoff(ctx, log, req, p)
}

func (o *Orchestrator) direct(ctx context.Context, log *zap.Logger, req BeginRequest, p *priced) (*BeginResult, error) {
	log.Info("checkout stage", zap.Stringer("stage", domain.CheckoutStageDirectOrder))
	res, err := o.placer.Place(ctx, order.PlaceRequest{
		Session:   req.Session,
		Method:    p.quote.Method,
		Breakdown: p.quote.Breakdown,
		Lines:     p.cart.Lines,
		Shipping:  req.Shipping,
		Coupon:    p.coupon,
	})
	if err != nil {
		return nil, err
	}
	return &BeginResult{
		Stage:     domain.CheckoutStageDirectOrder,
		OrderID:   res.OrderID,
		Breakdown: p.quote.Breakdown,
	}, nil
}

func (o *Orchestrator) handoff(ctx context.Context, log *zap.Logger, req BeginRequest, p *priced) (*BeginResult, error) {
	b := p.quote.Breakdown
	if err := o.engine.CheckGatewayMinimum(b); err != nil {
		return nil, err
	}

	merchantRef := uuid.NewString()
	in := backend.NewInitiateRequest(b.AmountDueNow, req.Shipping, p.cart.Lines, merchantRef)
	in.Currency = o.currency
	session, err := o.gateway.Initiate(ctx, in)
	if err != nil {
		log.Warn("gateway initiate failed", zap.String("merchant_reference", merchantRef), zap.Error(err))
		return nil, &domain.GatewayInitiationError{Err: err}
	}
	log = log.With(zap.String("reference", session.Reference))

	snapshot := &domain.PendingCheckout{
		Reference: session.Reference,
		SessionID: req.Session.ID,
		Identity:  req.Session.Identity,
		Method:    p.quote.Method,
		Lines:     p.cart.Lines,
		Shipping:  req.Shipping,
		Coupon:    p.coupon,
		Breakdown: b,
		Stage:     domain.CheckoutStageAwaitingGateway,
		CreatedAt: o.now().UTC(),
	}
	if err := o.pending.SavePending(ctx, snapshot); err != nil {
		log.Error("persist pending checkout failed, aborting handoff", zap.Error(err))
		return nil, &domain.GatewayInitiationError{Err: err}
	}

	err = o.ledger.CreateAttempt(ctx, &domain.SettlementAttempt{
		GatewayReferenceID:  session.Reference,
		SessionID:           req.Session.ID,
		Identity:            req.Session.Identity,
		PaymentMethod:       p.quote.Method,
		AmountDueNow:        b.AmountDueNow,
		SnapshotFingerprint: snapshot.Fingerprint(),
		Status:              domain.SettlementStatusPending,
	})
	if err != nil {
		log.Error("record settlement attempt failed, aborting handoff", zap.Error(err))
		return nil, &domain.GatewayInitiationError{Err: err}
	}

	log.Info("checkout stage",
		zap.Stringer("stage", domain.CheckoutStageAwaitingGateway),
		zap.String("amount_due_now", b.AmountDueNow.StringFixed(2)))
	return &BeginResult{
		Stage:         domain.CheckoutStageAwaitingGateway,
		Reference:     session.Reference,
		RedirectURL:   session.RedirectURL,
		RedirectToken: session.RedirectToken,
		Breakdown:     b,
	}, nil
}

// Cancel handles a user cancel on the hosted payment page. The snapshot is
// kept so the next attempt starts prefilled.
func (o *Orchestrator) Cancel(ctx context.Context, reference string) (*domain.PendingCheckout, error) {
	log := logger.FromContext(ctx, o.log).With(zap.String("reference", reference))

	if _, err := o.pending.LoadMarker(ctx, reference); err == nil {
		return nil, ErrAlreadySettled
	} else if !errors.Is(err, state.ErrNotFound) {
		return nil, fmt.Errorf("check order marker: %w", err)
	}

	p, err := o.pending.LoadPending(ctx, reference)
	if errors.Is(err, state.ErrNotFound) {
		return nil, ErrPendingNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load pending checkout: %w", err)
	}

	if err := o.ledger.MarkCancelled(ctx, reference); err != nil {
		if errors.Is(err, repository.ErrAlreadySettled) {
			return nil, ErrAlreadySettled
		}
		return nil, fmt.Errorf("record cancel: %w", err)
	}

	if p.Stage != domain.CheckoutStageIdle {
		if !domain.CanTransitionTo(p.Stage, domain.CheckoutStageIdle) {
			log.Warn("unexpected stage on cancel", zap.Stringer("stage", p.Stage))
		}
		p.Stage = domain.CheckoutStageIdle
		if err := o.pending.SavePending(ctx, p); err != nil {
			return nil, fmt.Errorf("persist cancelled checkout: %w", err)
		}
	}
	log.Info("checkout cancelled at gateway", zap.Stringer("stage", p.Stage))
	return p, nil
}

// Resume returns the session's latest retained snapshot for a prefilled retry.
func (o *Orchestrator) Resume(ctx context.Context, sess domain.Session) (*domain.PendingCheckout, error) {
	p, err := o.pending.LatestPending(ctx, sess.ID)
	if errors.Is(err, state.ErrNotFound) {
		return nil, ErrPendingNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load latest pending checkout: %w", err)
	}
	return p, nil
}
