package store

import (
	"context"
	"testing"
	"time"

	"github.com/jogardn/golocal-storefront/internal/apperr"
	"github.com/jogardn/golocal-storefront/internal/cart"
	"github.com/jogardn/golocal-storefront/internal/catalog"
	"github.com/jogardn/golocal-storefront/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryOrderPlacementClearsSavedCart(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(nil)

	remote := m.CartRemote("user-1")
	_, err := remote.CreateItem(ctx, cart.Item{ID: "milk", Quantity: 1})
	require.NoError(t, err)

	require.NoError(t, m.CreateOrder(ctx, sampleOrder()))

	items, err := remote.ListItems(ctx)
	require.NoError(t, err)
	assert.Empty(t, items)

	// duplicate ids are rejected
	assert.ErrorIs(t, m.CreateOrder(ctx, sampleOrder()), apperr.ErrConflict)
}

func TestMemoryListsNewestFirst(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(nil)

	base := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	for i, id := range []string{"a", "b", "c"} {
		o := sampleOrder()
		o.ID = id
		o.CreatedAt = base.Add(time.Duration(i) * time.Hour)
		require.NoError(t, m.CreateOrder(ctx, o))
	}
	other := sampleOrder()
	other.ID = "x"
	other.UserID = "user-2"
	require.NoError(t, m.CreateOrder(ctx, other))

	orders, err := m.ListOrdersByUser(ctx, "user-1")
	require.NoError(t, err)
	require.Len(t, orders, 3)
	assert.Equal(t, []string{"c", "b", "a"}, []string{orders[0].ID, orders[1].ID, orders[2].ID})
}

func TestMemoryRejectsUnknownProducts(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(catalog.NewStaticSource([]models.Product{{ID: "milk", IsActive: true}}))

	err := m.CreateOrder(ctx, sampleOrder())
	assert.True(t, apperr.IsValidation(err))

	_, err = m.GetOrder(ctx, "order-1")
	assert.ErrorIs(t, err, apperr.ErrNotFound, "no partial order may be visible")
}

func TestMemoryStatusUpdateIsConditional(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(nil)
	order := sampleOrder()
	require.NoError(t, m.CreateOrder(ctx, order))

	order.Status = models.OrderStatusConfirmed
	event := models.DeliveryTracking{ID: "t1", OrderID: order.ID, Status: order.Status, Timestamp: time.Now()}
	require.NoError(t, m.UpdateOrderStatus(ctx, order, models.OrderStatusPending, event))

	err := m.UpdateOrderStatus(ctx, order, models.OrderStatusPending, event)
	assert.ErrorIs(t, err, apperr.ErrConflict)

	events, err := m.ListTracking(ctx, order.ID)
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestMemoryCartRemote(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(nil)
	remote := m.CartRemote("user-1")

	created, err := remote.CreateItem(ctx, cart.Item{ID: "milk", Quantity: 1, RemoteID: "temp-1"})
	require.NoError(t, err)
	assert.False(t, cart.IsTempID(created.RemoteID))

	created.Quantity = 4
	_, err = remote.UpdateItem(ctx, created)
	require.NoError(t, err)

	items, _ := remote.ListItems(ctx)
	require.Len(t, items, 1)
	assert.Equal(t, 4, items[0].Quantity)

	require.NoError(t, remote.DeleteItem(ctx, created))
	assert.ErrorIs(t, remote.DeleteItem(ctx, created), apperr.ErrNotFound)
	_, err = remote.UpdateItem(ctx, created)
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}
