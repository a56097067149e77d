package domain

import (
	"encoding/json"
	"strconv"
	"time"

	"github.com/cespare/xxhash/v2"
)

// PendingCheckout is the frozen cart, shipping form and coupon saved before
// control is handed to the payment gateway.
type PendingCheckout struct {
	Reference string             `json:"reference"`
	SessionID string             `json:"session_id"`
	Identity  string             `json:"identity,omitempty"`
	Method    PaymentMethod      `json:"method"`
	Lines     []CartLine         `json:"lines"`
	Shipping  ShippingForm       `json:"shipping"`
	Coupon    *CouponApplication `json:"coupon,omitempty"`
	Breakdown PriceBreakdown     `json:"breakdown"`
	Stage     CheckoutStage      `json:"stage"`
	CreatedAt time.Time          `json:"created_at"`
}

func (p *PendingCheckout) Session() Session {
	return Session{ID: p.SessionID, Identity: p.Identity}
}

type fingerprintView struct {
	Method    PaymentMethod  `json:"m"`
	Lines     []CartLine     `json:"l"`
	Breakdown PriceBreakdown `json:"b"`
	Coupon    string         `json:"c"`
}

// Fingerprint digests the priced part of the snapshot. Shipping and stage
// are excluded so that prefilling a retry does not change it.
func (p *PendingCheckout) Fingerprint() string {
	v := fingerprintView{Method: p.Method, Lines: p.Lines, Breakdown: p.Breakdown}
	if p.Coupon != nil {
		v.Coupon = p.Coupon.Code + ":" + p.Coupon.DiscountAmount.String()
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return strconv.FormatUint(xxhash.Sum64(raw), 16)
}

// OrderMarker is the durable proof that an order was placed for a reference.
type OrderMarker struct {
	Reference string    `json:"reference"`
	OrderID   string    `json:"order_id"`
	PlacedAt  time.Time `json:"placed_at"`
}
