package backend

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/shopspring/decimal"
)

var ErrMissingAmount = errors.New("settings response has no amount")

type SettingsClient struct {
	rest restClient
}

func NewSettingsClient(baseURL string, httpClient *http.Client, timeout time.Duration) *SettingsClient {
	return &SettingsClient{rest: newRestClient(baseURL, httpClient, timeout)}
}

// CODUpfrontAmount returns the deposit collected online for cash-on-delivery
// orders. A body without an amount is an error, not a zero deposit.
func (c *SettingsClient) CODUpfrontAmount(ctx context.Context) (decimal.Decimal, error) {
	var resp struct {
		Amount decimal.NullDecimal `json:"amount"`
	}
	if err := c.rest.do(ctx, request{method: http.MethodGet, path: "settings/cod-upfront-amount"}, &resp); err != nil {
		return decimal.Zero, err
	}
	if !resp.Amount.Valid {
		return decimal.Zero, ErrMissingAmount
	}
	return resp.Amount.Decimal, nil
}
