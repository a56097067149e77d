package domain

import (
	"encoding/json"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCart_UpsertAggregatesByProduct(t *testing.T) {
	c := NewCart(CartModeGuest)
	c.Upsert(CartLine{ProductID: "p1", Quantity: 2, UnitPrice: decimal.NewFromInt(500), CODAvailable: true})
	c.Upsert(CartLine{ProductID: "p1", Quantity: 1, UnitPrice: decimal.NewFromInt(450), CODAvailable: false})

	require.Len(t, c.Lines, 1)
	assert.Equal(t, 3, c.Lines[0].Quantity)
	assert.Equal(t, "450", c.Lines[0].UnitPrice.String())
	assert.False(t, c.Lines[0].CODAvailable)
}

func TestCart_Subtotal(t *testing.T) {
	c := NewCart(CartModeGuest)
	c.Upsert(CartLine{ProductID: "p1", Quantity: 2, UnitPrice: decimal.NewFromInt(500)})
	c.Upsert(CartLine{ProductID: "p2", Quantity: 3, UnitPrice: decimal.RequireFromString("9.99")})

	assert.Equal(t, "1029.97", c.Subtotal().String())
}

func TestCart_CODAvailable(t *testing.T) {
	c := NewCart(CartModeGuest)
	assert.False(t, c.CODAvailable(), "empty cart is not COD eligible")

	c.Upsert(CartLine{ProductID: "p1", Quantity: 1, UnitPrice: decimal.NewFromInt(1), CODAvailable: true})
	assert.True(t, c.CODAvailable())

	c.Upsert(CartLine{ProductID: "p2", Quantity: 1, UnitPrice: decimal.NewFromInt(1), CODAvailable: false})
	assert.False(t, c.CODAvailable())
}

func TestCart_RemoveAndSetQuantity(t *testing.T) {
	c := NewCart(CartModeGuest)
	c.Upsert(CartLine{ProductID: "p1", Quantity: 1})
	c.Upsert(CartLine{ProductID: "p2", Quantity: 1})

	assert.True(t, c.SetQuantity("p2", 4))
	assert.False(t, c.SetQuantity("missing", 4))
	assert.True(t, c.Remove("p1"))
	assert.False(t, c.Remove("p1"))

	require.Len(t, c.Lines, 1)
	assert.Equal(t, 4, c.Lines[0].Quantity)
}

func TestCart_Digest(t *testing.T) {
	a := NewCart(CartModeBound)
	a.Upsert(CartLine{ProductID: "p1", Quantity: 2, UnitPrice: decimal.NewFromInt(500)})
	a.Upsert(CartLine{ProductID: "p2", Quantity: 1, UnitPrice: decimal.RequireFromString("9.99")})

	b := NewCart(CartModeBound)
	b.Upsert(CartLine{ProductID: "p2", Quantity: 1, UnitPrice: decimal.RequireFromString("9.990")})
	b.Upsert(CartLine{ProductID: "p1", Quantity: 2, UnitPrice: decimal.NewFromInt(500)})
	assert.Equal(t, a.Digest(), b.Digest(), "line order and trailing zeros do not matter")

	b.SetQuantity("p1", 3)
	assert.NotEqual(t, a.Digest(), b.Digest())

	guest := a.Clone()
	guest.Mode = CartModeGuest
	assert.NotEqual(t, a.Digest(), guest.Digest(), "signing in changes the cart being priced")
}

func TestCanTransitionTo(t *testing.T) {
	tests := []struct {
		from, to CheckoutStage
		allowed  bool
	}{
		{CheckoutStageIdle, CheckoutStageValidating, true},
		{CheckoutStageValidating, CheckoutStageDirectOrder, true},
		{CheckoutStageValidating, CheckoutStageAwaitingGateway, true},
		{CheckoutStageAwaitingGateway, CheckoutStageSettlementPending, true},
		{CheckoutStageAwaitingGateway, CheckoutStageIdle, true},
		{CheckoutStageIdle, CheckoutStageAwaitingGateway, false},
		{CheckoutStageDirectOrder, CheckoutStageIdle, false},
		{CheckoutStageSettlementPending, CheckoutStageAwaitingGateway, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.allowed, CanTransitionTo(tt.from, tt.to))
		})
	}
}

func TestParseGatewayState(t *testing.T) {
	tests := map[string]SettlementStatus{
		"COMPLETED":  SettlementStatusSuccess,
		"success":    SettlementStatusSuccess,
		" Paid ":     SettlementStatusSuccess,
		"failed":     SettlementStatusFailed,
		"DECLINED":   SettlementStatusFailed,
		"cancelled":  SettlementStatusFailed,
		"pending":    SettlementStatusPending,
		"PROCESSING": SettlementStatusPending,
		"":           SettlementStatusUnknown,
		"weird":      SettlementStatusUnknown,
	}
	for in, want := range tests {
		assert.Equal(t, want, ParseGatewayState(in), "state %q", in)
	}
}

func TestPendingCheckout_FingerprintSurvivesRoundTrip(t *testing.T) {
	p := &PendingCheckout{
		Reference: "ref-1",
		Method:    PaymentMethodOnlinePrepay,
		Lines:     []CartLine{{ProductID: "p1", Quantity: 2, UnitPrice: decimal.NewFromInt(500), CODAvailable: true}},
		Breakdown: PriceBreakdown{
			Subtotal:     decimal.NewFromInt(1000),
			Discount:     decimal.NewFromInt(100),
			Total:        decimal.NewFromInt(900),
			AmountDueNow: decimal.NewFromInt(900),
		},
		Coupon: &CouponApplication{Code: "SAVE100", DiscountAmount: decimal.NewFromInt(100)},
	}
	before := p.Fingerprint()
	require.NotEmpty(t, before)

	raw, err := json.Marshal(p)
	require.NoError(t, err)
	var restored PendingCheckout
	require.NoError(t, json.Unmarshal(raw, &restored))
	assert.Equal(t, before, restored.Fingerprint())

	restored.Shipping.City = "Elsewhere"
	assert.Equal(t, before, restored.Fingerprint(), "shipping does not affect the fingerprint")

	restored.Lines[0].UnitPrice = decimal.NewFromInt(400)
	assert.NotEqual(t, before, restored.Fingerprint())
}

func TestValidationError_Message(t *testing.T) {
	err := &ValidationError{Fields: map[string]string{"email": "invalid", "city": "required"}}
	assert.Equal(t, "validation failed: city: required; email: invalid", err.Error())
}
