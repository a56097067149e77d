package pricing

import (
	"testing"

	"github.com/fjod/ticket_checkout/domain"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func scenarioCart() *domain.Cart {
	c := domain.NewCart(domain.CartModeGuest)
	c.Upsert(domain.CartLine{ProductID: "p1", Quantity: 2, UnitPrice: decimal.NewFromInt(500), CODAvailable: true})
	return c
}

func assertAmount(t *testing.T, want int64, got decimal.Decimal, field string) {
	t.Helper()
	assert.True(t, got.Equal(decimal.NewFromInt(want)), "%s: want %d, got %s", field, want, got)
}

func TestComputeBreakdown_ScenarioA_CODWithDeposit(t *testing.T) {
	b := ComputeBreakdown(scenarioCart(), nil, domain.PaymentMethodCOD, decimal.NewFromInt(39))

	assertAmount(t, 1000, b.Subtotal, "subtotal")
	assertAmount(t, 0, b.Discount, "discount")
	assertAmount(t, 0, b.Shipping, "shipping")
	assertAmount(t, 39, b.CODSurcharge, "codSurcharge")
	assertAmount(t, 1039, b.Total, "total")
	assertAmount(t, 39, b.AmountDueNow, "amountDueNow")
	assertAmount(t, 1000, b.Remaining(), "remaining")
}

func TestComputeBreakdown_ScenarioB_OnlineWithCoupon(t *testing.T) {
	coupon := &domain.CouponApplication{Code: "SAVE100", DiscountAmount: decimal.NewFromInt(100)}
	b := ComputeBreakdown(scenarioCart(), coupon, domain.PaymentMethodOnlinePrepay, decimal.NewFromInt(39))

	assertAmount(t, 1000, b.Subtotal, "subtotal")
	assertAmount(t, 100, b.Discount, "discount")
	assertAmount(t, 0, b.CODSurcharge, "codSurcharge")
	assertAmount(t, 900, b.Total, "total")
	assertAmount(t, 900, b.AmountDueNow, "amountDueNow")
}

func TestComputeBreakdown_DiscountLargerThanSubtotal(t *testing.T) {
	coupon := &domain.CouponApplication{DiscountAmount: decimal.NewFromInt(5000)}
	b := ComputeBreakdown(scenarioCart(), coupon, domain.PaymentMethodOnlinePrepay, decimal.Zero)

	assertAmount(t, 0, b.Total, "total")
	assertAmount(t, 0, b.AmountDueNow, "amountDueNow")
}

func TestComputeBreakdown_NegativeDepositClamped(t *testing.T) {
	b := ComputeBreakdown(scenarioCart(), nil, domain.PaymentMethodCOD, decimal.NewFromInt(-5))

	assertAmount(t, 0, b.CODSurcharge, "codSurcharge")
	assertAmount(t, 1000, b.Total, "total")
}

func TestComputeBreakdown_IsPure(t *testing.T) {
	cart := scenarioCart()
	coupon := &domain.CouponApplication{DiscountAmount: decimal.NewFromInt(100)}
	deposit := decimal.NewFromInt(39)

	for _, m := range []domain.PaymentMethod{domain.PaymentMethodCOD, domain.PaymentMethodOnlinePrepay} {
		first := ComputeBreakdown(cart, coupon, m, deposit)
		for i := 0; i < 5; i++ {
			assert.Equal(t, first, ComputeBreakdown(cart, coupon, m, deposit))
		}
	}
	require.Len(t, cart.Lines, 1)
	assert.Equal(t, 2, cart.Lines[0].Quantity, "inputs are not mutated")
}

func TestEffectiveMethod(t *testing.T) {
	cart := scenarioCart()
	assert.Equal(t, domain.PaymentMethodCOD, EffectiveMethod(cart, domain.PaymentMethodCOD))
	assert.Equal(t, domain.PaymentMethodOnlinePrepay, EffectiveMethod(cart, domain.PaymentMethodOnlinePrepay))

	cart.Upsert(domain.CartLine{ProductID: "p2", Quantity: 1, UnitPrice: decimal.NewFromInt(10), CODAvailable: false})
	assert.Equal(t, domain.PaymentMethodOnlinePrepay, EffectiveMethod(cart, domain.PaymentMethodCOD))
}

func TestEngine_QuoteForcesOnlineWhenCODUnavailable(t *testing.T) {
	cart := scenarioCart()
	cart.Upsert(domain.CartLine{ProductID: "p2", Quantity: 1, UnitPrice: decimal.NewFromInt(10), CODAvailable: false})

	q := NewEngine(decimal.NewFromInt(1)).Quote(cart, nil, domain.PaymentMethodCOD, decimal.NewFromInt(39))
	assert.Equal(t, domain.PaymentMethodOnlinePrepay, q.Method)
	assert.False(t, q.CODOffered)
	assertAmount(t, 0, q.Breakdown.CODSurcharge, "codSurcharge")
	assertAmount(t, 1010, q.Breakdown.AmountDueNow, "amountDueNow")
}

func TestEngine_CheckGatewayMinimum(t *testing.T) {
	e := NewEngine(decimal.NewFromInt(10))

	assert.NoError(t, e.CheckGatewayMinimum(domain.PriceBreakdown{AmountDueNow: decimal.NewFromInt(10)}))

	err := e.CheckGatewayMinimum(domain.PriceBreakdown{AmountDueNow: decimal.NewFromInt(9)})
	var ve *domain.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Contains(t, ve.Fields, "amount_due_now")

	zeroFloor := NewEngine(decimal.Zero)
	assert.Error(t, zeroFloor.CheckGatewayMinimum(domain.PriceBreakdown{AmountDueNow: decimal.Zero}),
		"a zero amount never opens a gateway session")
}
