package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type PaymentMethod string

const (
	PaymentMethodCOD          PaymentMethod = "COD"
	PaymentMethodOnlinePrepay PaymentMethod = "ONLINE_PREPAY"
)

func (m PaymentMethod) Valid() bool {
	return m == PaymentMethodCOD || m == PaymentMethodOnlinePrepay
}

func (m PaymentMethod) String() string {
	return string(m)
}

// CouponApplication is an accepted promo code, at most one per session.
// CartDigest is the Cart.Digest the discount was validated against.
type CouponApplication struct {
	Code           string          `json:"code"`
	DiscountAmount decimal.Decimal `json:"discount_amount"`
	FinalSubtotal  decimal.Decimal `json:"final_subtotal"`
	ValidatedAt    time.Time       `json:"validated_at"`
	CartDigest     string          `json:"cart_digest,omitempty"`
}

// PriceBreakdown is derived from cart, coupon, method and deposit. It is only
// stored frozen inside a PendingCheckout.
type PriceBreakdown struct {
	Subtotal     decimal.Decimal `json:"subtotal"`
	Discount     decimal.Decimal `json:"discount"`
	Shipping     decimal.Decimal `json:"shipping"`
	CODSurcharge decimal.Decimal `json:"cod_surcharge"`
	Total        decimal.Decimal `json:"total"`
	AmountDueNow decimal.Decimal `json:"amount_due_now"`
}

// Remaining is what is collected out of band at fulfillment.
func (b PriceBreakdown) Remaining() decimal.Decimal {
	return b.Total.Sub(b.AmountDueNow)
}
