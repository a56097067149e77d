package backend

import (
	"context"
	"net/http"
	"net/url"
	"time"

	"github.com/fjod/ticket_checkout/domain"
	"github.com/shopspring/decimal"
)

type cartLineDTO struct {
	ProductID    string          `json:"productId"`
	Quantity     int             `json:"quantity"`
	UnitPrice    decimal.Decimal `json:"unitPrice"`
	CODAvailable bool            `json:"codAvailable"`
}

type cartDTO struct {
	Items []cartLineDTO `json:"items"`
}

type cartMutationDTO struct {
	Identity  string `json:"identity"`
	ProductID string `json:"productId"`
	Quantity  int    `json:"quantity,omitempty"`
}

// CartClient talks to the server-side cart that backs bound sessions.
type CartClient struct {
	rest restClient
}

func NewCartClient(baseURL string, httpClient *http.Client, timeout time.Duration) *CartClient {
	return &CartClient{rest: newRestClient(baseURL, httpClient, timeout)}
}

func (c *CartClient) Get(ctx context.Context, identity string) (*domain.Cart, error) {
	var dto cartDTO
	err := c.rest.do(ctx, request{
		method: http.MethodGet,
		path:   "cart",
		query:  url.Values{"identity": {identity}},
	}, &dto)
	if err != nil {
		return nil, err
	}

	cart := domain.NewCart(domain.CartModeBound)
	for _, it := range dto.Items {
		cart.Lines = append(cart.Lines, domain.CartLine{
			ProductID:    it.ProductID,
			Quantity:     it.Quantity,
			UnitPrice:    it.UnitPrice,
			CODAvailable: it.CODAvailable,
		})
	}
	return cart, nil
}

// Add pushes a line; the server aggregates quantities by product.
func (c *CartClient) Add(ctx context.Context, identity string, line domain.CartLine) error {
	return c.rest.do(ctx, request{
		method: http.MethodPost,
		path:   "cart/add",
		body:   cartMutationDTO{Identity: identity, ProductID: line.ProductID, Quantity: line.Quantity},
	}, nil)
}

func (c *CartClient) Update(ctx context.Context, identity, productID string, qty int) error {
	return c.rest.do(ctx, request{
		method: http.MethodPut,
		path:   "cart/update",
		body:   cartMutationDTO{Identity: identity, ProductID: productID, Quantity: qty},
	}, nil)
}

func (c *CartClient) Remove(ctx context.Context, identity, productID string) error {
	return c.rest.do(ctx, request{
		method: http.MethodDelete,
		path:   "cart/remove",
		query:  url.Values{"identity": {identity}, "productId": {productID}},
	}, nil)
}

func (c *CartClient) Clear(ctx context.Context, identity string) error {
	return c.rest.do(ctx, request{
		method: http.MethodDelete,
		path:   "cart/clear",
		query:  url.Values{"identity": {identity}},
	}, nil)
}
