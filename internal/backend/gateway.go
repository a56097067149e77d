package backend

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/fjod/ticket_checkout/domain"
	"github.com/shopspring/decimal"
)

type GatewayCustomer struct {
	Name    string `json:"name"`
	Email   string `json:"email"`
	Phone   string `json:"phone"`
	Address string `json:"address"`
	City    string `json:"city"`
}

type GatewayItem struct {
	ProductID string          `json:"productId"`
	Quantity  int             `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unitPrice"`
}

type InitiateRequest struct {
	Amount            decimal.Decimal `json:"amount"`
	Currency          string          `json:"currency,omitempty"`
	Customer          GatewayCustomer `json:"customer"`
	Items             []GatewayItem   `json:"items"`
	MerchantReference string          `json:"merchantReference"`
}

// PaymentSession is the gateway's answer to initiate. Reference falls back to
// the redirect token when the gateway does not assign one separately.
type PaymentSession struct {
	RedirectToken string `json:"redirectToken"`
	Reference     string `json:"reference"`
	RedirectURL   string `json:"redirectUrl"`
}

type gatewayState struct {
	State string `json:"state"`
}

type GatewayClient struct {
	rest             restClient
	redirectTemplate string
}

func NewGatewayClient(baseURL, redirectTemplate string, httpClient *http.Client, timeout time.Duration) *GatewayClient {
	return &GatewayClient{
		rest:             newRestClient(baseURL, httpClient, timeout),
		redirectTemplate: redirectTemplate,
	}
}

func NewInitiateRequest(amount decimal.Decimal, shipping domain.ShippingForm, lines []domain.CartLine, merchantRef string) InitiateRequest {
	items := make([]GatewayItem, 0, len(lines))
	for _, l := range lines {
		items = append(items, GatewayItem{ProductID: l.ProductID, Quantity: l.Quantity, UnitPrice: l.UnitPrice})
	}
	return InitiateRequest{
		Amount: amount,
		Customer: GatewayCustomer{
			Name:    shipping.FullName,
			Email:   shipping.Email,
			Phone:   shipping.Phone,
			Address: shipping.AddressLine,
			City:    shipping.City,
		},
		Items:             items,
		MerchantReference: merchantRef,
	}
}

func (c *GatewayClient) Initiate(ctx context.Context, in InitiateRequest) (*PaymentSession, error) {
	var s PaymentSession
	if err := c.rest.do(ctx, request{method: http.MethodPost, path: "payment/initiate", body: in}, &s); err != nil {
		return nil, err
	}
	if s.RedirectToken == "" {
		return nil, fmt.Errorf("gateway returned no redirect token")
	}
	if s.Reference == "" {
		s.Reference = s.RedirectToken
	}
	if s.RedirectURL == "" && c.redirectTemplate != "" {
		s.RedirectURL = fmt.Sprintf(c.redirectTemplate, url.PathEscape(s.RedirectToken))
	}
	return &s, nil
}

// Status queries the authoritative payment state for reference.
func (c *GatewayClient) Status(ctx context.Context, reference string) (string, error) {
	var st gatewayState
	err := c.rest.do(ctx, request{
		method: http.MethodGet,
		path:   "payment/status/" + url.PathEscape(reference),
	}, &st)
	if err != nil {
		return "", err
	}
	return st.State, nil
}

// Confirm tells the backend a payment succeeded so the remote order record is
// flipped to paid. The returned state is authoritative.
func (c *GatewayClient) Confirm(ctx context.Context, reference string) (string, error) {
	var st gatewayState
	err := c.rest.do(ctx, request{
		method: http.MethodPost,
		path:   "payment/confirm",
		body:   map[string]string{"reference": reference},
	}, &st)
	if err != nil {
		return "", err
	}
	return st.State, nil
}
