// Package client is a Go SDK for the storefront HTTP API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"
	"github.com/jogardn/golocal-storefront/internal/apperr"
	"github.com/jogardn/golocal-storefront/internal/circuitbreaker"
	"github.com/jogardn/golocal-storefront/pkg/models"
	"github.com/sirupsen/logrus"
)

const idempotencyHeader = "Idempotency-Key"

// APIError is a non-2xx storefront response.
type APIError struct {
	StatusCode int
	Message    string
	Redirect   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("storefront returned %d: %s", e.StatusCode, e.Message)
}

// Is lets callers test API errors against the apperr sentinels.
func (e *APIError) Is(target error) bool {
	switch target {
	case apperr.ErrUnauthenticated:
		return e.StatusCode == http.StatusUnauthorized
	case apperr.ErrForbidden:
		return e.StatusCode == http.StatusForbidden
	case apperr.ErrNotFound:
		return e.StatusCode == http.StatusNotFound
	case apperr.ErrConflict:
		return e.StatusCode == http.StatusConflict
	}
	return false
}

// retryable reports whether err is the kind of failure the breaker counts:
// transport errors and 5xx responses.
func retryable(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode >= http.StatusInternalServerError
	}
	return true
}

type CartItem struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Price    int64  `json:"price"`
	Quantity int    `json:"quantity"`
	Image    string `json:"image"`
	Unit     string `json:"unit"`
	Brand    string `json:"brand,omitempty"`
}

type Cart struct {
	Items       []CartItem `json:"items"`
	TotalItems  int        `json:"total_items"`
	TotalPrice  int64      `json:"total_price"`
	DeliveryFee int64      `json:"delivery_fee"`
	Total       int64      `json:"total"`
	Display     struct {
		TotalPrice  string `json:"total_price"`
		DeliveryFee string `json:"delivery_fee"`
		Total       string `json:"total"`
	} `json:"display"`
	Version uint64 `json:"version"`
}

type CheckoutSummary struct {
	TotalItems  int   `json:"total_items"`
	Subtotal    int64 `json:"subtotal"`
	DeliveryFee int64 `json:"delivery_fee"`
	Total       int64 `json:"total"`
}

type Checkout struct {
	Step           string                 `json:"step"`
	Address        *models.Address        `json:"address,omitempty"`
	PaymentMethod  models.PaymentMethod   `json:"payment_method"`
	PaymentMethods []models.PaymentMethod `json:"payment_methods"`
	Summary        *CheckoutSummary       `json:"summary,omitempty"`
	Confirmation   *Confirmation          `json:"confirmation,omitempty"`
	Submitting     bool                   `json:"submitting"`
}

type Confirmation struct {
	Reference         string               `json:"reference"`
	OrderID           string               `json:"order_id"`
	Total             int64                `json:"total"`
	PaymentMethod     models.PaymentMethod `json:"payment_method"`
	EstimatedDelivery time.Time            `json:"estimated_delivery"`
	Exits             []string             `json:"exits"`
}

type Tracking struct {
	OrderID string             `json:"order_id"`
	Status  models.OrderStatus `json:"status"`
	Badge   struct {
		Label     string `json:"label"`
		Cancelled bool   `json:"cancelled"`
		Terminal  bool   `json:"terminal"`
	} `json:"badge"`
	Steps []struct {
		Key       models.OrderStatus `json:"key"`
		Label     string             `json:"label"`
		Completed bool               `json:"completed"`
		Current   bool               `json:"current"`
	} `json:"steps"`
	Events              []models.DeliveryTracking `json:"events"`
	ShowDeliveryContact bool                      `json:"show_delivery_contact"`
}

type OrderLine struct {
	ProductID string `json:"product_id"`
	Quantity  int    `json:"quantity"`
	UnitPrice int64  `json:"unit_price"`
}

type NewOrder struct {
	TotalAmount     int64                `json:"total_amount"`
	DeliveryAddress string               `json:"delivery_address"`
	PaymentMethod   models.PaymentMethod `json:"payment_method,omitempty"`
	Items           []OrderLine          `json:"items"`
}

type StatusUpdate struct {
	Status         models.OrderStatus `json:"status"`
	TrackingNumber *string            `json:"tracking_number,omitempty"`
	Location       *string            `json:"location,omitempty"`
	Notes          *string            `json:"notes,omitempty"`
}

type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	breaker    *circuitbreaker.CircuitBreaker
	logger     *logrus.Logger
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithBreaker guards every call with cb. Only transport errors and 5xx
// responses count as failures.
func WithBreaker(cb *circuitbreaker.CircuitBreaker) Option {
	return func(c *Client) { c.breaker = cb }
}

// NewBreaker builds the cart-sync breaker configured for this client.
func NewBreaker(logger *logrus.Logger) *circuitbreaker.CircuitBreaker {
	return circuitbreaker.New(circuitbreaker.Config{
		Name:        circuitbreaker.CartSync,
		MaxFailures: 5,
		Timeout:     30 * time.Second,
		IsFailure:   retryable,
	}, logger)
}

func NewClient(baseURL, token string, logger *logrus.Logger, opts ...Option) *Client {
	c := &Client{
		baseURL: baseURL,
		token:   token,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
		logger: logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// WithToken returns a copy of the client that authenticates as another session.
func (c *Client) WithToken(token string) *Client {
	clone := *c
	clone.token = token
	return &clone
}

type envelope struct {
	Success  bool            `json:"success"`
	Message  string          `json:"message"`
	Data     json.RawMessage `json:"data"`
	Redirect string          `json:"redirect"`
}

func (c *Client) do(ctx context.Context, method, path string, body interface{}, out interface{}, headers map[string]string) error {
	call := func(ctx context.Context) error {
		return c.send(ctx, method, path, body, out, headers)
	}
	if c.breaker == nil {
		return call(ctx)
	}
	return c.breaker.Execute(ctx, call)
}

func (c *Client) send(ctx context.Context, method, path string, body interface{}, out interface{}, headers map[string]string) error {
	var reader io.Reader
	if body != nil {
		jsonData, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(jsonData)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request to storefront: %w", err)
	}
	defer resp.Body.Close()

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return fmt.Errorf("failed to decode storefront response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.logger.WithFields(logrus.Fields{
			"method": method,
			"path":   path,
			"status": resp.StatusCode,
		}).Warn("Storefront request failed")
		return &APIError{StatusCode: resp.StatusCode, Message: env.Message, Redirect: env.Redirect}
	}

	if out != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return fmt.Errorf("failed to decode storefront data: %w", err)
		}
	}
	return nil
}

func (c *Client) Products(ctx context.Context, category string) ([]models.Product, error) {
	path := "/products"
	if category != "" {
		path += "?category=" + url.QueryEscape(category)
	}
	var products []models.Product
	if err := c.do(ctx, "GET", path, nil, &products, nil); err != nil {
		return nil, err
	}
	return products, nil
}

func (c *Client) Cart(ctx context.Context) (*Cart, error) {
	var cart Cart
	if err := c.do(ctx, "GET", "/cart", nil, &cart, nil); err != nil {
		return nil, err
	}
	return &cart, nil
}

func (c *Client) AddToCart(ctx context.Context, productID string, quantity int) (*Cart, error) {
	body := map[string]interface{}{"product_id": productID, "quantity": quantity}
	var cart Cart
	if err := c.do(ctx, "POST", "/cart/items", body, &cart, nil); err != nil {
		return nil, err
	}
	return &cart, nil
}

func (c *Client) UpdateQuantity(ctx context.Context, productID string, quantity int) (*Cart, error) {
	body := map[string]int{"quantity": quantity}
	var cart Cart
	if err := c.do(ctx, "PUT", "/cart/items/"+url.PathEscape(productID), body, &cart, nil); err != nil {
		return nil, err
	}
	return &cart, nil
}

func (c *Client) DecrementItem(ctx context.Context, productID string) (*Cart, error) {
	var cart Cart
	if err := c.do(ctx, "POST", "/cart/items/"+url.PathEscape(productID)+"/decrement", nil, &cart, nil); err != nil {
		return nil, err
	}
	return &cart, nil
}

func (c *Client) RemoveItem(ctx context.Context, productID string) (*Cart, error) {
	var cart Cart
	if err := c.do(ctx, "DELETE", "/cart/items/"+url.PathEscape(productID), nil, &cart, nil); err != nil {
		return nil, err
	}
	return &cart, nil
}

func (c *Client) ClearCart(ctx context.Context) error {
	return c.do(ctx, "DELETE", "/cart", nil, nil, nil)
}

func (c *Client) StartCheckout(ctx context.Context) (*Checkout, error) {
	return c.checkout(ctx, "POST", "/checkout", nil)
}

func (c *Client) Checkout(ctx context.Context) (*Checkout, error) {
	return c.checkout(ctx, "GET", "/checkout", nil)
}

func (c *Client) SubmitAddress(ctx context.Context, addr models.Address) (*Checkout, error) {
	return c.checkout(ctx, "PUT", "/checkout/address", addr)
}

func (c *Client) ChangeAddress(ctx context.Context) (*Checkout, error) {
	return c.checkout(ctx, "POST", "/checkout/address/change", nil)
}

func (c *Client) SelectPaymentMethod(ctx context.Context, method models.PaymentMethod) (*Checkout, error) {
	return c.checkout(ctx, "PUT", "/checkout/payment-method", map[string]models.PaymentMethod{"payment_method": method})
}

func (c *Client) checkout(ctx context.Context, method, path string, body interface{}) (*Checkout, error) {
	var state Checkout
	if err := c.do(ctx, method, path, body, &state, nil); err != nil {
		return nil, err
	}
	return &state, nil
}

// PlaceOrder submits the checkout. An empty key gets a fresh one; pass the
// same key when retrying a submission whose outcome is unknown.
func (c *Client) PlaceOrder(ctx context.Context, key string) (*Confirmation, error) {
	if key == "" {
		key = uuid.New().String()
	}
	var confirmation Confirmation
	if err := c.do(ctx, "POST", "/checkout/place", nil, &confirmation, map[string]string{idempotencyHeader: key}); err != nil {
		return nil, err
	}

	c.logger.WithFields(logrus.Fields{
		"order_id":  confirmation.OrderID,
		"reference": confirmation.Reference,
	}).Info("Order placed through storefront")
	return &confirmation, nil
}

func (c *Client) CreateOrder(ctx context.Context, order NewOrder, key string) (*models.Order, error) {
	if key == "" {
		key = uuid.New().String()
	}
	var created models.Order
	if err := c.do(ctx, "POST", "/orders", order, &created, map[string]string{idempotencyHeader: key}); err != nil {
		return nil, err
	}
	return &created, nil
}

func (c *Client) Orders(ctx context.Context) ([]models.Order, error) {
	var list models.OrderList
	if err := c.do(ctx, "GET", "/orders", nil, &list, nil); err != nil {
		return nil, err
	}
	return list.Orders, nil
}

func (c *Client) Order(ctx context.Context, id string) (*models.Order, error) {
	var order models.Order
	if err := c.do(ctx, "GET", "/orders/"+url.PathEscape(id), nil, &order, nil); err != nil {
		return nil, err
	}
	return &order, nil
}

func (c *Client) Tracking(ctx context.Context, id string) (*Tracking, error) {
	var view Tracking
	if err := c.do(ctx, "GET", "/orders/"+url.PathEscape(id)+"/tracking", nil, &view, nil); err != nil {
		return nil, err
	}
	return &view, nil
}

// UpdateStatus is a seller call.
func (c *Client) UpdateStatus(ctx context.Context, id string, update StatusUpdate) (*models.Order, error) {
	var order models.Order
	if err := c.do(ctx, "PUT", "/orders/"+url.PathEscape(id)+"/status", update, &order, nil); err != nil {
		return nil, err
	}
	return &order, nil
}

func (c *Client) Logout(ctx context.Context) error {
	return c.do(ctx, "POST", "/auth/logout", nil, nil, nil)
}
