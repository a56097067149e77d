package backend

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/fjod/ticket_checkout/domain"
)

type createOrderResponse struct {
	Success bool   `json:"success"`
	OrderID string `json:"orderId"`
	Message string `json:"message"`
}

type OrderClient struct {
	rest restClient
}

func NewOrderClient(baseURL string, httpClient *http.Client, timeout time.Duration) *OrderClient {
	return &OrderClient{rest: newRestClient(baseURL, httpClient, timeout)}
}

// Create submits the order. idempotencyKey is forwarded so the backend can
// drop a replay on its side as well.
func (c *OrderClient) Create(ctx context.Context, order *domain.Order, idempotencyKey string) (string, error) {
	headers := map[string]string{}
	if idempotencyKey != "" {
		headers["Idempotency-Key"] = idempotencyKey
	}

	var resp createOrderResponse
	err := c.rest.do(ctx, request{
		method:  http.MethodPost,
		path:    "orders",
		body:    order,
		headers: headers,
	}, &resp)
	if err != nil {
		return "", err
	}
	if !resp.Success || resp.OrderID == "" {
		return "", fmt.Errorf("%w: %s", ErrOrderRejected, resp.Message)
	}
	return resp.OrderID, nil
}

func (c *OrderClient) List(ctx context.Context, identity string) ([]domain.Order, error) {
	var orders []domain.Order
	err := c.rest.do(ctx, request{
		method: http.MethodGet,
		path:   "orders",
		query:  url.Values{"identity": {identity}},
	}, &orders)
	if err != nil {
		return nil, err
	}
	return orders, nil
}

func (c *OrderClient) Get(ctx context.Context, id string) (*domain.Order, error) {
	var order domain.Order
	err := c.rest.do(ctx, request{
		method: http.MethodGet,
		path:   "orders/" + url.PathEscape(id),
	}, &order)
	var se *StatusError
	if errors.As(err, &se) && se.StatusCode == http.StatusNotFound {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &order, nil
}
