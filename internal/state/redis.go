package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/fjod/ticket_checkout/domain"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
)

type Options struct {
	GuestCartTTL time.Duration
	PendingTTL   time.Duration
	ClaimTTL     time.Duration
}

func DefaultOptions() Options {
	return Options{
		GuestCartTTL: 30 * 24 * time.Hour,
		PendingTTL:   7 * 24 * time.Hour,
		ClaimTTL:     2 * time.Minute,
	}
}

type RedisState struct {
	client *redis.Client
	opts   Options
}

func NewRedisState(client *redis.Client, opts Options) *RedisState {
	return &RedisState{client: client, opts: opts}
}

// markerValue is what order-marker keys hold. A claim carries only Token,
// a placed marker carries Marker and never expires.
type markerValue struct {
	Token  string              `json:"token,omitempty"`
	Marker *domain.OrderMarker `json:"marker,omitempty"`
}

// completeScript swaps our claim for the placed marker and drops the lease TTL.
var completeScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	redis.call("SET", KEYS[1], ARGV[2])
	return 1
end
return 0
`)

// releaseScript deletes the key only while it still holds our claim.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// ---- guest cart ----

func (s *RedisState) LoadGuestCart(ctx context.Context, sessionID string) (*domain.Cart, error) {
	var cart domain.Cart
	if err := s.getJSON(ctx, guestCartKey(sessionID), &cart); err != nil {
		return nil, err
	}
	cart.Mode = domain.CartModeGuest
	if cart.Lines == nil {
		cart.Lines = []domain.CartLine{}
	}
	return &cart, nil
}

func (s *RedisState) SaveGuestCart(ctx context.Context, sessionID string, cart *domain.Cart) error {
	jitter := time.Duration(rand.Intn(60)) * time.Minute
	return s.setJSON(ctx, guestCartKey(sessionID), cart, s.opts.GuestCartTTL+jitter)
}

func (s *RedisState) DeleteGuestCart(ctx context.Context, sessionID string) error {
	return s.del(ctx, guestCartKey(sessionID))
}

// ---- applied coupon ----

func (s *RedisState) LoadCoupon(ctx context.Context, sessionID string) (*domain.CouponApplication, error) {
	var c domain.CouponApplication
	if err := s.getJSON(ctx, couponKey(sessionID), &c); err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *RedisState) SaveCoupon(ctx context.Context, sessionID string, c *domain.CouponApplication) error {
	return s.setJSON(ctx, couponKey(sessionID), c, s.opts.GuestCartTTL)
}

func (s *RedisState) ClearCoupon(ctx context.Context, sessionID string) error {
	return s.del(ctx, couponKey(sessionID))
}

// ---- pending checkout ----

// SavePending stores the snapshot under its reference and points the
// session's latest pending checkout at it.
func (s *RedisState) SavePending(ctx context.Context, p *domain.PendingCheckout) error {
	if p.Reference == "" {
		return fmt.Errorf("save pending checkout: empty reference")
	}
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal pending checkout failed: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, pendingKey(p.Reference), data, s.opts.PendingTTL)
	pipe.Set(ctx, latestPendingKey(p.SessionID), p.Reference, s.opts.PendingTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis save pending failed: %w", err)
	}
	return nil
}

func (s *RedisState) LoadPending(ctx context.Context, reference string) (*domain.PendingCheckout, error) {
	var p domain.PendingCheckout
	if err := s.getJSON(ctx, pendingKey(reference), &p); err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *RedisState) LatestPending(ctx context.Context, sessionID string) (*domain.PendingCheckout, error) {
	ref, err := s.client.Get(ctx, latestPendingKey(sessionID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis get failed: %w", err)
	}
	return s.LoadPending(ctx, ref)
}

// ClearPending removes the snapshot, and the session pointer if it still
// refers to this reference.
func (s *RedisState) ClearPending(ctx context.Context, sessionID, reference string) error {
	if err := s.del(ctx, pendingKey(reference)); err != nil {
		return err
	}
	if _, err := releaseScript.Run(ctx, s.client, []string{latestPendingKey(sessionID)}, reference).Result(); err != nil {
		return fmt.Errorf("redis clear latest pending failed: %w", err)
	}
	return nil
}

// ---- order markers ----

// ClaimOrder checks and sets the dedupe marker for reference in one step.
func (s *RedisState) ClaimOrder(ctx context.Context, reference string) (*Claim, error) {
	token := uuid.NewString()
	claim, err := json.Marshal(markerValue{Token: token})
	if err != nil {
		return nil, fmt.Errorf("marshal claim failed: %w", err)
	}

	ok, err := s.client.SetNX(ctx, markerKey(reference), claim, s.opts.ClaimTTL).Result()
	if err != nil {
		return nil, fmt.Errorf("redis claim failed: %w", err)
	}
	if ok {
		return &Claim{Result: Claimed, Token: string(claim)}, nil
	}

	existing, err := s.client.Get(ctx, markerKey(reference)).Bytes()
	if errors.Is(err, redis.Nil) {
		// claim expired between SETNX and GET, try once more
		return s.ClaimOrder(ctx, reference)
	}
	if err != nil {
		return nil, fmt.Errorf("redis get marker failed: %w", err)
	}

	var v markerValue
	if err := json.Unmarshal(existing, &v); err != nil {
		return nil, fmt.Errorf("%w: marker %s: %v", ErrInvalidData, reference, err)
	}
	if v.Marker != nil {
		return &Claim{Result: AlreadyPlaced, Marker: v.Marker}, nil
	}
	return &Claim{Result: InProgress}, nil
}

// CompleteOrder turns a held claim into a permanent placed marker.
func (s *RedisState) CompleteOrder(ctx context.Context, reference string, claim *Claim, marker *domain.OrderMarker) error {
	placed, err := json.Marshal(markerValue{Marker: marker})
	if err != nil {
		return fmt.Errorf("marshal marker failed: %w", err)
	}
	n, err := completeScript.Run(ctx, s.client, []string{markerKey(reference)}, claim.Token, placed).Int()
	if err != nil {
		return fmt.Errorf("redis complete marker failed: %w", err)
	}
	if n == 0 {
		return ErrClaimLost
	}
	return nil
}

// ReleaseClaim drops a held claim so the order can be retried. No marker remains.
func (s *RedisState) ReleaseClaim(ctx context.Context, reference string, claim *Claim) error {
	if _, err := releaseScript.Run(ctx, s.client, []string{markerKey(reference)}, claim.Token).Result(); err != nil {
		return fmt.Errorf("redis release claim failed: %w", err)
	}
	return nil
}

// LoadMarker returns the placed marker, or ErrNotFound when none exists or
// only a claim is held.
func (s *RedisState) LoadMarker(ctx context.Context, reference string) (*domain.OrderMarker, error) {
	var v markerValue
	if err := s.getJSON(ctx, markerKey(reference), &v); err != nil {
		return nil, err
	}
	if v.Marker == nil {
		return nil, ErrNotFound
	}
	return v.Marker, nil
}

// ---- COD deposit ----

func (s *RedisState) SaveDeposit(ctx context.Context, amount decimal.Decimal) error {
	if err := s.client.Set(ctx, depositKey, amount.String(), 0).Err(); err != nil {
		return fmt.Errorf("redis set deposit failed: %w", err)
	}
	return nil
}

func (s *RedisState) LastDeposit(ctx context.Context) (decimal.Decimal, error) {
	raw, err := s.client.Get(ctx, depositKey).Result()
	if errors.Is(err, redis.Nil) {
		return decimal.Zero, ErrNotFound
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("redis get deposit failed: %w", err)
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: deposit %q", ErrInvalidData, raw)
	}
	return d, nil
}

// ---- helpers ----

func (s *RedisState) getJSON(ctx context.Context, key string, v any) error {
	data, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("redis get failed: %w", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidData, key, err)
	}
	return nil
}

func (s *RedisState) setJSON(ctx context.Context, key string, v any, ttl time.Duration) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s failed: %w", key, err)
	}
	if err := s.client.Set(ctx, key, data, ttl).Err(); err != nil {
		return fmt.Errorf("redis set failed: %w", err)
	}
	return nil
}

func (s *RedisState) del(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("redis delete failed: %w", err)
	}
	return nil
}

const depositKey = "cod-deposit:last"

func guestCartKey(sessionID string) string { return fmt.Sprintf("guestcart:%s", sessionID) }

func couponKey(sessionID string) string { return fmt.Sprintf("coupon:%s", sessionID) }

func pendingKey(reference string) string { return fmt.Sprintf("pending:%s", reference) }

func latestPendingKey(sessionID string) string { return fmt.Sprintf("pending-latest:%s", sessionID) }

func markerKey(reference string) string { return fmt.Sprintf("order-marker:%s", reference) }
