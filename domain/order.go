package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type PaymentStatus string

const (
	PaymentStatusPending     PaymentStatus = "PENDING"
	PaymentStatusPaid        PaymentStatus = "PAID"
	PaymentStatusDepositPaid PaymentStatus = "DEPOSIT_PAID"
)

type OrderItem struct {
	ProductID string          `json:"product_id"`
	Quantity  int             `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unit_price"`
	Subtotal  decimal.Decimal `json:"subtotal"`
}

// Order is the payload submitted to the order backend. Item prices come from
// the pending snapshot, never from the live cart.
type Order struct {
	ID                 string          `json:"id,omitempty"`
	Identity           string          `json:"identity,omitempty"`
	Customer           ShippingForm    `json:"customer"`
	Items              []OrderItem     `json:"items"`
	PaymentMethod      PaymentMethod   `json:"payment_method"`
	PaymentStatus      PaymentStatus   `json:"payment_status"`
	Subtotal           decimal.Decimal `json:"subtotal"`
	Discount           decimal.Decimal `json:"discount"`
	Shipping           decimal.Decimal `json:"shipping"`
	CODSurcharge       decimal.Decimal `json:"cod_surcharge"`
	Total              decimal.Decimal `json:"total"`
	UpfrontAmount      decimal.Decimal `json:"upfront_amount"`
	RemainingAmount    decimal.Decimal `json:"remaining_amount"`
	CouponCode         string          `json:"coupon_code,omitempty"`
	GatewayReferenceID string          `json:"gateway_reference_id,omitempty"`
	CreatedAt          *time.Time      `json:"created_at,omitempty"`
}

func OrderItemsFromLines(lines []CartLine) []OrderItem {
	items := make([]OrderItem, 0, len(lines))
	for _, l := range lines {
		items = append(items, OrderItem{
			ProductID: l.ProductID,
			Quantity:  l.Quantity,
			UnitPrice: l.UnitPrice,
			Subtotal:  l.LineTotal(),
		})
	}
	return items
}
