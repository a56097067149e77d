package backend

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/fjod/ticket_checkout/domain"
	"github.com/shopspring/decimal"
)

type couponValidateRequest struct {
	Code      string          `json:"code"`
	CartTotal decimal.Decimal `json:"cartTotal"`
}

type CouponQuote struct {
	DiscountAmount decimal.Decimal `json:"discountAmount"`
	FinalPrice     decimal.Decimal `json:"finalPrice"`
}

type CouponClient struct {
	rest restClient
}

func NewCouponClient(baseURL string, httpClient *http.Client, timeout time.Duration) *CouponClient {
	return &CouponClient{rest: newRestClient(baseURL, httpClient, timeout)}
}

// Validate previews a discount. Rejections come back as *domain.CouponError.
func (c *CouponClient) Validate(ctx context.Context, code string, cartTotal decimal.Decimal) (*CouponQuote, error) {
	var q CouponQuote
	err := c.rest.do(ctx, request{
		method: http.MethodPost,
		path:   "coupons/validate",
		body:   couponValidateRequest{Code: code, CartTotal: cartTotal},
	}, &q)
	if err != nil {
		return nil, couponError(code, err)
	}
	return &q, nil
}

// Apply records usage of the code against its limits.
func (c *CouponClient) Apply(ctx context.Context, code string) error {
	err := c.rest.do(ctx, request{
		method: http.MethodPost,
		path:   "coupons/apply",
		body:   map[string]string{"code": code},
	}, nil)
	if err != nil {
		return couponError(code, err)
	}
	return nil
}

func couponError(code string, err error) error {
	var se *StatusError
	if !errors.As(err, &se) || se.StatusCode >= http.StatusInternalServerError {
		return err
	}
	return &domain.CouponError{Code: code, Kind: rejectionKind(se), Message: se.Message}
}

func rejectionKind(se *StatusError) domain.CouponRejection {
	switch strings.ToLower(se.Code) {
	case "not_found", "coupon_not_found", "invalid_code":
		return domain.CouponNotFound
	case "expired", "coupon_expired":
		return domain.CouponExpired
	case "minimum_not_met", "min_cart_not_met", "minimum_cart_not_met":
		return domain.CouponMinimumNotMet
	case "already_used", "usage_limit_reached":
		return domain.CouponAlreadyUsed
	}
	switch se.StatusCode {
	case http.StatusNotFound:
		return domain.CouponNotFound
	case http.StatusGone:
		return domain.CouponExpired
	case http.StatusConflict:
		return domain.CouponAlreadyUsed
	case http.StatusUnprocessableEntity:
		return domain.CouponMinimumNotMet
	}
	return domain.CouponInvalid
}
