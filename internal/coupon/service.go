// Package coupon validates promo codes and tracks the one applied per session.
// Validation is a preview; Commit consumes the code against its usage limits.
package coupon

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fjod/ticket_checkout/domain"
	"github.com/fjod/ticket_checkout/internal/backend"
	"github.com/fjod/ticket_checkout/internal/state"
	"github.com/fjod/ticket_checkout/pkg/logger"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type Backend interface {
	Validate(ctx context.Context, code string, cartTotal decimal.Decimal) (*backend.CouponQuote, error)
	Apply(ctx context.Context, code string) error
}

type Store interface {
	LoadCoupon(ctx context.Context, sessionID string) (*domain.CouponApplication, error)
	SaveCoupon(ctx context.Context, sessionID string, c *domain.CouponApplication) error
	ClearCoupon(ctx context.Context, sessionID string) error
}

type Service struct {
	backend Backend
	store   Store
	log     *zap.Logger
	now     func() time.Time
}

func NewService(b Backend, store Store, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{backend: b, store: store, log: log, now: time.Now}
}

func normalize(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// Validate previews code against cartTotal without consuming it.
func (s *Service) Validate(ctx context.Context, code string, cartTotal decimal.Decimal) (*domain.CouponApplication, error) {
	code = normalize(code)
	if code == "" {
		return nil, &domain.CouponError{Kind: domain.CouponNotFound, Message: "code is empty"}
	}

	q, err := s.backend.Validate(ctx, code, cartTotal)
	if err != nil {
		var ce *domain.CouponError
		if errors.As(err, &ce) {
			logger.FromContext(ctx, s.log).Info("coupon rejected",
				zap.String("code", code), zap.String("kind", string(ce.Kind)))
			return nil, ce
		}
		return nil, fmt.Errorf("validate coupon: %w", err)
	}

	discount := decimal.Max(q.DiscountAmount, decimal.Zero)
	return &domain.CouponApplication{
		Code:           code,
		DiscountAmount: discount,
		FinalSubtotal:  decimal.Max(cartTotal.Sub(discount), decimal.Zero),
		ValidatedAt:    s.now().UTC(),
	}, nil
}

// Commit records usage of code on the coupon backend.
func (s *Service) Commit(ctx context.Context, code string) error {
	if err := s.backend.Apply(ctx, normalize(code)); err != nil {
		return fmt.Errorf("commit coupon: %w", err)
	}
	return nil
}

// Apply validates code against cart and makes it the session's active
// coupon, replacing any previous one.
func (s *Service) Apply(ctx context.Context, sessionID, code string, cart *domain.Cart) (*domain.CouponApplication, error) {
	app, err := s.Validate(ctx, code, cart.Subtotal())
	if err != nil {
		return nil, err
	}
	app.CartDigest = cart.Digest()
	if err := s.store.SaveCoupon(ctx, sessionID, app); err != nil {
		return nil, fmt.Errorf("store applied coupon: %w", err)
	}
	return app, nil
}

// Active returns the session's applied coupon or nil. A coupon validated
// against different cart contents is dropped and nil is returned.
func (s *Service) Active(ctx context.Context, sessionID string, cart *domain.Cart) (*domain.CouponApplication, error) {
	app, err := s.store.LoadCoupon(ctx, sessionID)
	if errors.Is(err, state.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load applied coupon: %w", err)
	}
	if app.CartDigest != cart.Digest() {
		log := logger.FromContext(ctx, s.log).With(zap.String("session_id", sessionID), zap.String("code", app.Code))
		log.Info("coupon dropped, cart changed since validation")
		if err := s.store.ClearCoupon(ctx, sessionID); err != nil {
			log.Warn("coupon invalidate error", zap.Error(err))
		}
		return nil, nil
	}
	return app, nil
}

func (s *Service) Remove(ctx context.Context, sessionID string) error {
	return s.store.ClearCoupon(ctx, sessionID)
}
