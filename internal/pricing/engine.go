// Package pricing turns a cart, an optional coupon and a payment method into
// a price breakdown. Everything here is pure and synchronous.
package pricing

import (
	"github.com/fjod/ticket_checkout/domain"
	"github.com/shopspring/decimal"
)

// ShippingPolicy returns the shipping fee for a cart. Shipping is free in
// this domain but kept as its own field of the breakdown.
func ShippingPolicy(*domain.Cart) decimal.Decimal {
	return decimal.Zero
}

// ComputeBreakdown prices cart for method. codDeposit is only used for COD
// and is clamped at zero.
func ComputeBreakdown(cart *domain.Cart, coupon *domain.CouponApplication, method domain.PaymentMethod, codDeposit decimal.Decimal) domain.PriceBreakdown {
	subtotal := cart.Subtotal()

	discount := decimal.Zero
	if coupon != nil {
		discount = coupon.DiscountAmount
	}
	finalSubtotal := decimal.Max(subtotal.Sub(discount), decimal.Zero)
	shipping := ShippingPolicy(cart)

	b := domain.PriceBreakdown{
		Subtotal: subtotal,
		Discount: discount,
		Shipping: shipping,
	}

	if method == domain.PaymentMethodCOD {
		surcharge := decimal.Max(codDeposit, decimal.Zero)
		b.CODSurcharge = surcharge
		b.Total = finalSubtotal.Add(shipping).Add(surcharge)
		b.AmountDueNow = surcharge
		return b
	}

	b.CODSurcharge = decimal.Zero
	b.Total = finalSubtotal.Add(shipping)
	b.AmountDueNow = b.Total
	return b
}

// EffectiveMethod forces online prepayment when any line cannot be paid on delivery.
func EffectiveMethod(cart *domain.Cart, requested domain.PaymentMethod) domain.PaymentMethod {
	if requested == domain.PaymentMethodCOD && cart.CODAvailable() {
		return domain.PaymentMethodCOD
	}
	return domain.PaymentMethodOnlinePrepay
}

type Quote struct {
	Method     domain.PaymentMethod  `json:"method"`
	CODOffered bool                  `json:"cod_offered"`
	Breakdown  domain.PriceBreakdown `json:"breakdown"`
}

type Engine struct {
	gatewayMinimum decimal.Decimal
}

func NewEngine(gatewayMinimum decimal.Decimal) *Engine {
	return &Engine{gatewayMinimum: gatewayMinimum}
}

func (e *Engine) Quote(cart *domain.Cart, coupon *domain.CouponApplication, requested domain.PaymentMethod, codDeposit decimal.Decimal) Quote {
	method := EffectiveMethod(cart, requested)
	return Quote{
		Method:     method,
		CODOffered: cart.CODAvailable(),
		Breakdown:  ComputeBreakdown(cart, coupon, method, codDeposit),
	}
}

// CheckGatewayMinimum refuses an online session whose amount due is below the
// gateway floor.
func (e *Engine) CheckGatewayMinimum(b domain.PriceBreakdown) error {
	if b.AmountDueNow.LessThan(e.gatewayMinimum) || !b.AmountDueNow.IsPositive() {
		return domain.NewValidationError("amount_due_now",
			"amount due now is below the online payment minimum of "+e.gatewayMinimum.String())
	}
	return nil
}
