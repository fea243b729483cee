package client

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jogardn/golocal-storefront/internal/api"
	"github.com/jogardn/golocal-storefront/internal/apperr"
	"github.com/jogardn/golocal-storefront/internal/auth"
	"github.com/jogardn/golocal-storefront/internal/cart"
	"github.com/jogardn/golocal-storefront/internal/catalog"
	"github.com/jogardn/golocal-storefront/internal/circuitbreaker"
	"github.com/jogardn/golocal-storefront/internal/events"
	"github.com/jogardn/golocal-storefront/internal/orders"
	"github.com/jogardn/golocal-storefront/internal/store"
	"github.com/jogardn/golocal-storefront/pkg/models"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func startStorefront(t *testing.T) (*httptest.Server, *auth.Authenticator) {
	t.Helper()
	logger := testLogger()

	products := catalog.Demo()
	memory := store.NewMemory(products)
	authenticator := auth.NewAuthenticator("client-secret", logger)
	server := api.NewServer(api.Deps{
		Catalog: products,
		Carts:   cart.NewRegistry(memory.CartRemote, logger),
		Orders:  orders.NewService(memory, events.NewLogPublisher(logger), nil, logger),
		Auth:    authenticator,
		Logger:  logger,
	})

	ts := httptest.NewServer(server.Handler())
	t.Cleanup(ts.Close)
	return ts, authenticator
}

func sessionClient(t *testing.T, baseURL string, a *auth.Authenticator, userID, role string) *Client {
	t.Helper()
	token, _, err := a.IssueToken(userID, role)
	require.NoError(t, err)
	return NewClient(baseURL, token, testLogger())
}

func TestShopAndCheckout(t *testing.T) {
	ts, a := startStorefront(t)
	ctx := context.Background()
	c := sessionClient(t, ts.URL, a, "alice", auth.RoleCustomer)

	products, err := c.Products(ctx, "staples")
	require.NoError(t, err)
	require.NotEmpty(t, products)

	basket, err := c.AddToCart(ctx, "atta-5kg", 1)
	require.NoError(t, err)
	assert.Equal(t, int64(245), basket.TotalPrice)
	assert.Equal(t, "FREE", basket.Display.DeliveryFee)

	state, err := c.StartCheckout(ctx)
	require.NoError(t, err)
	assert.Equal(t, "address", state.Step)

	state, err = c.SubmitAddress(ctx, models.Address{
		Name:         "Asha Rao",
		Phone:        "9876543210",
		AddressLine1: "12 MG Road",
		Pincode:      "560001",
	})
	require.NoError(t, err)
	assert.Equal(t, "payment", state.Step)
	require.NotNil(t, state.Summary)
	assert.Equal(t, int64(245), state.Summary.Total)

	_, err = c.SelectPaymentMethod(ctx, models.PaymentMethodCard)
	require.NoError(t, err)

	confirmation, err := c.PlaceOrder(ctx, "submit-1")
	require.NoError(t, err)
	assert.Equal(t, models.PaymentMethodCard, confirmation.PaymentMethod)
	assert.Equal(t, int64(245), confirmation.Total)

	again, err := c.PlaceOrder(ctx, "submit-1")
	require.NoError(t, err)
	assert.Equal(t, confirmation.OrderID, again.OrderID)

	list, err := c.Orders(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)

	view, err := c.Tracking(ctx, confirmation.OrderID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusPending, view.Status)
	assert.False(t, view.ShowDeliveryContact)

	basket, err = c.Cart(ctx)
	require.NoError(t, err)
	assert.Empty(t, basket.Items)
}

func TestSellerMovesOrder(t *testing.T) {
	ts, a := startStorefront(t)
	ctx := context.Background()
	customer := sessionClient(t, ts.URL, a, "alice", "")
	seller := sessionClient(t, ts.URL, a, "store-1", auth.RoleSeller)

	order, err := customer.CreateOrder(ctx, NewOrder{
		TotalAmount:     87,
		DeliveryAddress: "12 MG Road",
		Items:           []OrderLine{{ProductID: "fresh-milk-1l", Quantity: 1, UnitPrice: 62}},
	}, "")
	require.NoError(t, err)

	_, err = customer.UpdateStatus(ctx, order.ID, StatusUpdate{Status: models.OrderStatusConfirmed})
	assert.ErrorIs(t, err, apperr.ErrForbidden)

	updated, err := seller.UpdateStatus(ctx, order.ID, StatusUpdate{Status: models.OrderStatusDelivered})
	require.NoError(t, err)
	assert.NotNil(t, updated.ActualDelivery)

	_, err = seller.UpdateStatus(ctx, order.ID, StatusUpdate{Status: models.OrderStatusCancelled})
	assert.ErrorIs(t, err, apperr.ErrConflict)
}

func TestAPIErrorsMatchSentinels(t *testing.T) {
	ts, a := startStorefront(t)
	ctx := context.Background()

	anonymous := NewClient(ts.URL, "", testLogger())
	_, err := anonymous.Cart(ctx)
	require.ErrorIs(t, err, apperr.ErrUnauthenticated)

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "/auth", apiErr.Redirect)

	c := sessionClient(t, ts.URL, a, "bob", "")
	_, err = c.Order(ctx, "missing")
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	_, err = c.StartCheckout(ctx)
	assert.ErrorIs(t, err, apperr.ErrConflict)
}

func TestBreakerOpensOnServerErrors(t *testing.T) {
	var hits atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", "application/json")
		if r.URL.Path == "/cart" {
			w.WriteHeader(http.StatusBadGateway)
			w.Write([]byte(`{"success":false,"message":"Could not save your cart"}`))
			return
		}
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"success":false,"message":"Not found"}`))
	}))
	defer ts.Close()

	breaker := circuitbreaker.New(circuitbreaker.Config{
		Name:        circuitbreaker.CartSync,
		MaxFailures: 2,
		Timeout:     time.Minute,
		IsFailure:   retryable,
	}, testLogger())
	c := NewClient(ts.URL, "token", testLogger(), WithBreaker(breaker))
	ctx := context.Background()

	// Client errors do not count against the breaker.
	for i := 0; i < 3; i++ {
		_, err := c.Order(ctx, "x")
		require.ErrorIs(t, err, apperr.ErrNotFound)
	}
	assert.Equal(t, circuitbreaker.StateClosed, breaker.State())

	for i := 0; i < 2; i++ {
		_, err := c.Cart(ctx)
		require.Error(t, err)
	}
	assert.Equal(t, circuitbreaker.StateOpen, breaker.State())

	before := hits.Load()
	_, err := c.Cart(ctx)
	assert.ErrorIs(t, err, circuitbreaker.ErrCircuitBreakerOpen)
	assert.Equal(t, before, hits.Load())
}
