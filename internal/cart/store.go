// Package cart owns the session cart. Guest carts live in persisted checkout
// state; bound carts live on the cart backend and every mutation is a round trip.
package cart

import (
	"context"
	"errors"
	"fmt"

	"github.com/fjod/ticket_checkout/domain"
	"github.com/fjod/ticket_checkout/internal/state"
	"github.com/fjod/ticket_checkout/pkg/logger"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

var (
	ErrLineNotFound     = errors.New("cart line not found")
	ErrIdentityRequired = errors.New("merge requires a signed-in identity")
)

type GuestStore interface {
	LoadGuestCart(ctx context.Context, sessionID string) (*domain.Cart, error)
	SaveGuestCart(ctx context.Context, sessionID string, cart *domain.Cart) error
	DeleteGuestCart(ctx context.Context, sessionID string) error
}

// CouponInvalidator drops the applied coupon once the cart it was validated against changes.
type CouponInvalidator interface {
	ClearCoupon(ctx context.Context, sessionID string) error
}

type Backend interface {
	Get(ctx context.Context, identity string) (*domain.Cart, error)
	Add(ctx context.Context, identity string, line domain.CartLine) error
	Update(ctx context.Context, identity, productID string, qty int) error
	Remove(ctx context.Context, identity, productID string) error
	Clear(ctx context.Context, identity string) error
}

type Store struct {
	guests  GuestStore
	remote  Backend
	coupons CouponInvalidator
	log     *zap.Logger
	sfg     singleflight.Group // collapses repeated sign-in merges
}

func NewStore(guests GuestStore, remote Backend, coupons CouponInvalidator, log *zap.Logger) *Store {
	if log == nil {
		log = zap.NewNop()
	}
	return &Store{
		guests:  guests,
		remote:  remote,
		coupons: coupons,
		log:     log,
	}
}

func (s *Store) Load(ctx context.Context, sess domain.Session) (*domain.Cart, error) {
	if sess.Mode() == domain.CartModeBound {
		c, err := s.remote.Get(ctx, sess.Identity)
		if err != nil {
			return nil, fmt.Errorf("load bound cart: %w", err)
		}
		return c, nil
	}

	c, err := s.guests.LoadGuestCart(ctx, sess.ID)
	if errors.Is(err, state.ErrNotFound) {
		return domain.NewCart(domain.CartModeGuest), nil
	}
	if err != nil {
		return nil, fmt.Errorf("load guest cart: %w", err)
	}
	return c, nil
}

func (s *Store) Add(ctx context.Context, sess domain.Session, line domain.CartLine) (*domain.Cart, error) {
	if line.ProductID == "" {
		return nil, domain.NewValidationError("product_id", "product_id is required")
	}
	if line.Quantity < 1 {
		return nil, domain.NewValidationError("quantity", "quantity must be at least 1")
	}
	if line.UnitPrice.IsNegative() {
		return nil, domain.NewValidationError("unit_price", "unit_price must not be negative")
	}

	if sess.Mode() == domain.CartModeBound {
		if err := s.remote.Add(ctx, sess.Identity, line); err != nil {
			s.logger(ctx).Error("cart backend add failed", zap.String("product_id", line.ProductID), zap.Error(err))
			return nil, fmt.Errorf("add to bound cart: %w", err)
		}
		return s.afterBoundMutation(ctx, sess)
	}

	return s.mutateGuest(ctx, sess, func(c *domain.Cart) error {
		c.Upsert(line)
		return nil
	})
}

// SetQuantity changes a line's quantity. qty below 1 is ignored and the
// current cart is returned; lines only disappear through Remove.
func (s *Store) SetQuantity(ctx context.Context, sess domain.Session, productID string, qty int) (*domain.Cart, error) {
	if qty < 1 {
		return s.Load(ctx, sess)
	}

	if sess.Mode() == domain.CartModeBound {
		if err := s.remote.Update(ctx, sess.Identity, productID, qty); err != nil {
			s.logger(ctx).Error("cart backend update failed", zap.String("product_id", productID), zap.Error(err))
			return nil, fmt.Errorf("update bound cart: %w", err)
		}
		return s.afterBoundMutation(ctx, sess)
	}

	return s.mutateGuest(ctx, sess, func(c *domain.Cart) error {
		if !c.SetQuantity(productID, qty) {
			return ErrLineNotFound
		}
		return nil
	})
}

func (s *Store) Remove(ctx context.Context, sess domain.Session, productID string) (*domain.Cart, error) {
	if sess.Mode() == domain.CartModeBound {
		if err := s.remote.Remove(ctx, sess.Identity, productID); err != nil {
			s.logger(ctx).Error("cart backend remove failed", zap.String("product_id", productID), zap.Error(err))
			return nil, fmt.Errorf("remove from bound cart: %w", err)
		}
		return s.afterBoundMutation(ctx, sess)
	}

	return s.mutateGuest(ctx, sess, func(c *domain.Cart) error {
		if !c.Remove(productID) {
			return ErrLineNotFound
		}
		return nil
	})
}

func (s *Store) Clear(ctx context.Context, sess domain.Session) error {
	if sess.Mode() == domain.CartModeBound {
		if err := s.remote.Clear(ctx, sess.Identity); err != nil {
			s.logger(ctx).Error("cart backend clear failed", zap.Error(err))
			return fmt.Errorf("clear bound cart: %w", err)
		}
	} else if err := s.guests.DeleteGuestCart(ctx, sess.ID); err != nil {
		return fmt.Errorf("clear guest cart: %w", err)
	}

	s.invalidateCoupon(ctx, sess)
	return nil
}

// MergeGuestIntoBound pushes every guest line into the bound cart and then
// discards the guest copy. A missing guest cart is a no-op, so repeated
// sign-in events leave the bound cart unchanged.
func (s *Store) MergeGuestIntoBound(ctx context.Context, sess domain.Session) (*domain.Cart, error) {
	if sess.Identity == "" {
		return nil, ErrIdentityRequired
	}

	_, err, _ := s.sfg.Do(sess.ID, func() (interface{}, error) {
		return nil, s.merge(ctx, sess)
	})
	if err != nil {
		return nil, err
	}
	return s.Load(ctx, sess)
}

func (s *Store) merge(ctx context.Context, sess domain.Session) error {
	guest, err := s.guests.LoadGuestCart(ctx, sess.ID)
	if errors.Is(err, state.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load guest cart for merge: %w", err)
	}

	log := s.logger(ctx).With(zap.String("session_id", sess.ID), zap.String("identity", sess.Identity))
	pushed := 0
	for len(guest.Lines) > 0 {
		line := guest.Lines[0]
		if err := s.remote.Add(ctx, sess.Identity, line); err != nil {
			log.Error("merge push failed", zap.String("product_id", line.ProductID), zap.Error(err))
			return fmt.Errorf("merge line %s: %w", line.ProductID, err)
		}
		pushed++

		// drop the pushed line right away so a retried merge never adds it twice
		guest.Remove(line.ProductID)
		if len(guest.Lines) > 0 {
			if err := s.guests.SaveGuestCart(ctx, sess.ID, guest); err != nil {
				return fmt.Errorf("persist partial merge: %w", err)
			}
		}
	}

	if err := s.guests.DeleteGuestCart(ctx, sess.ID); err != nil {
		return fmt.Errorf("delete merged guest cart: %w", err)
	}
	if pushed > 0 {
		s.invalidateCoupon(ctx, sess)
	}
	log.Info("guest cart merged", zap.Int("lines", pushed))
	return nil
}

func (s *Store) mutateGuest(ctx context.Context, sess domain.Session, fn func(*domain.Cart) error) (*domain.Cart, error) {
	c, err := s.Load(ctx, sess)
	if err != nil {
		return nil, err
	}
	if err := fn(c); err != nil {
		return nil, err
	}
	if err := s.guests.SaveGuestCart(ctx, sess.ID, c); err != nil {
		s.logger(ctx).Error("persist guest cart failed", zap.String("session_id", sess.ID), zap.Error(err))
		return nil, fmt.Errorf("persist guest cart: %w", err)
	}
	s.invalidateCoupon(ctx, sess)
	return c, nil
}

func (s *Store) afterBoundMutation(ctx context.Context, sess domain.Session) (*domain.Cart, error) {
	s.invalidateCoupon(ctx, sess)
	return s.Load(ctx, sess)
}

func (s *Store) invalidateCoupon(ctx context.Context, sess domain.Session) {
	if s.coupons == nil {
		return
	}
	if err := s.coupons.ClearCoupon(ctx, sess.ID); err != nil {
		s.logger(ctx).Warn("coupon invalidate error", zap.String("session_id", sess.ID), zap.Error(err))
	}
}

func (s *Store) logger(ctx context.Context) *zap.Logger {
	return logger.FromContext(ctx, s.log)
}
