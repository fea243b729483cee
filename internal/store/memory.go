package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/jogardn/golocal-storefront/internal/apperr"
	"github.com/jogardn/golocal-storefront/internal/cart"
	"github.com/jogardn/golocal-storefront/internal/catalog"
	"github.com/jogardn/golocal-storefront/pkg/models"
)

// Memory keeps the same data as Postgres in process memory, with the same
// transactional guarantees. It backs local development and tests.
type Memory struct {
	mutex    sync.RWMutex
	orders   map[string]models.Order
	tracking map[string][]models.DeliveryTracking
	carts    map[string][]cart.Item
	products catalog.Source
}

// NewMemory builds an empty store. When products is not nil, order and cart
// lines must reference a product it knows.
func NewMemory(products catalog.Source) *Memory {
	return &Memory{
		orders:   make(map[string]models.Order),
		tracking: make(map[string][]models.DeliveryTracking),
		carts:    make(map[string][]cart.Item),
		products: products,
	}
}

func (m *Memory) Ping(ctx context.Context) error {
	return nil
}

func (m *Memory) checkProduct(ctx context.Context, id string) error {
	if m.products == nil {
		return nil
	}
	if _, err := m.products.Get(ctx, id); err != nil {
		return apperr.Validation("Unknown Product", "product_id")
	}
	return nil
}

func copyOrder(o models.Order) models.Order {
	o.Items = append([]models.OrderItem{}, o.Items...)
	return o
}

func (m *Memory) CreateOrder(ctx context.Context, order *models.Order) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	for _, item := range order.Items {
		if err := m.checkProduct(ctx, item.ProductID); err != nil {
			return err
		}
	}

	m.mutex.Lock()
	defer m.mutex.Unlock()

	if _, exists := m.orders[order.ID]; exists {
		return fmt.Errorf("order %s: %w", order.ID, apperr.ErrConflict)
	}
	m.orders[order.ID] = copyOrder(*order)
	delete(m.carts, order.UserID)
	return nil
}

func (m *Memory) ListOrdersByUser(ctx context.Context, userID string) ([]models.Order, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	orders := []models.Order{}
	for _, o := range m.orders {
		if o.UserID == userID {
			orders = append(orders, copyOrder(o))
		}
	}
	sort.SliceStable(orders, func(i, j int) bool {
		return orders[i].CreatedAt.After(orders[j].CreatedAt)
	})
	return orders, nil
}

func (m *Memory) GetOrder(ctx context.Context, id string) (*models.Order, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	o, ok := m.orders[id]
	if !ok {
		return nil, apperr.ErrNotFound
	}
	order := copyOrder(o)
	return &order, nil
}

func (m *Memory) UpdateOrderStatus(ctx context.Context, order *models.Order, from models.OrderStatus, event models.DeliveryTracking) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	stored, ok := m.orders[order.ID]
	if !ok {
		return apperr.ErrNotFound
	}
	if stored.Status != from {
		return fmt.Errorf("order %s is no longer %s: %w", order.ID, from, apperr.ErrConflict)
	}

	stored.Status = order.Status
	stored.TrackingNumber = order.TrackingNumber
	stored.ActualDelivery = order.ActualDelivery
	stored.UpdatedAt = order.UpdatedAt
	m.orders[order.ID] = stored
	m.tracking[order.ID] = append(m.tracking[order.ID], event)
	return nil
}

func (m *Memory) ListTracking(ctx context.Context, orderID string) ([]models.DeliveryTracking, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	events := append([]models.DeliveryTracking{}, m.tracking[orderID]...)
	sort.SliceStable(events, func(i, j int) bool {
		return events[i].Timestamp.After(events[j].Timestamp)
	})
	return events, nil
}

func (m *Memory) CartRemote(userID string) cart.Remote {
	return &memoryCart{store: m, userID: userID}
}

type memoryCart struct {
	store  *Memory
	userID string
}

func (c *memoryCart) ListItems(ctx context.Context) ([]cart.Item, error) {
	c.store.mutex.RLock()
	defer c.store.mutex.RUnlock()
	return append([]cart.Item{}, c.store.carts[c.userID]...), nil
}

func (c *memoryCart) CreateItem(ctx context.Context, item cart.Item) (cart.Item, error) {
	if err := c.store.checkProduct(ctx, item.ID); err != nil {
		return cart.Item{}, err
	}

	c.store.mutex.Lock()
	defer c.store.mutex.Unlock()

	items := c.store.carts[c.userID]
	for i := range items {
		if items[i].ID == item.ID {
			item.RemoteID = items[i].RemoteID
			items[i] = item
			return item, nil
		}
	}
	item.RemoteID = uuid.New().String()
	c.store.carts[c.userID] = append(items, item)
	return item, nil
}

func (c *memoryCart) UpdateItem(ctx context.Context, item cart.Item) (cart.Item, error) {
	c.store.mutex.Lock()
	defer c.store.mutex.Unlock()

	items := c.store.carts[c.userID]
	for i := range items {
		if items[i].RemoteID == item.RemoteID {
			items[i] = item
			return item, nil
		}
	}
	return cart.Item{}, apperr.ErrNotFound
}

func (c *memoryCart) DeleteItem(ctx context.Context, item cart.Item) error {
	c.store.mutex.Lock()
	defer c.store.mutex.Unlock()

	items := c.store.carts[c.userID]
	for i := range items {
		if items[i].RemoteID == item.RemoteID {
			c.store.carts[c.userID] = append(items[:i], items[i+1:]...)
			return nil
		}
	}
	return apperr.ErrNotFound
}
