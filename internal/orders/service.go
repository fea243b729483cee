package orders

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jogardn/golocal-storefront/internal/apperr"
	"github.com/jogardn/golocal-storefront/internal/circuitbreaker"
	"github.com/jogardn/golocal-storefront/internal/events"
	"github.com/jogardn/golocal-storefront/internal/pricing"
	"github.com/jogardn/golocal-storefront/internal/tracking"
	"github.com/jogardn/golocal-storefront/internal/validate"
	"github.com/jogardn/golocal-storefront/pkg/models"
	"github.com/sirupsen/logrus"
)

const DefaultDeliveryETA = 20 * time.Minute

// Repository persists orders. CreateOrder writes the header and its items
// atomically; UpdateOrderStatus applies the change only if the stored status
// still equals from, and appends event in the same transaction.
type Repository interface {
	CreateOrder(ctx context.Context, order *models.Order) error
	ListOrdersByUser(ctx context.Context, userID string) ([]models.Order, error)
	GetOrder(ctx context.Context, id string) (*models.Order, error)
	UpdateOrderStatus(ctx context.Context, order *models.Order, from models.OrderStatus, event models.DeliveryTracking) error
	ListTracking(ctx context.Context, orderID string) ([]models.DeliveryTracking, error)
}

type Publisher interface {
	PublishOrderPlaced(ctx context.Context, event events.OrderPlacedEvent) error
	PublishOrderStatusChanged(ctx context.Context, event events.OrderStatusChangedEvent) error
}

type ItemRequest struct {
	ProductID string `json:"product_id" validate:"required"`
	Quantity  int    `json:"quantity" validate:"min=1,max=99"`
	UnitPrice int64  `json:"unit_price" validate:"gte=0"`
}

type CreateOrderRequest struct {
	TotalAmount     int64                `json:"total_amount" validate:"gte=0"`
	DeliveryAddress string               `json:"delivery_address" validate:"required"`
	PaymentMethod   models.PaymentMethod `json:"payment_method,omitempty"`
	Items           []ItemRequest        `json:"items" validate:"required,min=1,dive"`
}

// StatusUpdate is a seller-side change to an order's lifecycle.
type StatusUpdate struct {
	Status         models.OrderStatus `json:"status" validate:"required"`
	TrackingNumber *string            `json:"tracking_number,omitempty"`
	Location       *string            `json:"location,omitempty"`
	Notes          *string            `json:"notes,omitempty"`
}

type Service struct {
	repo      Repository
	publisher Publisher
	breaker   *circuitbreaker.CircuitBreaker
	logger    *logrus.Logger
	now       func() time.Time
	eta       time.Duration
}

type Option func(*Service)

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func WithDeliveryETA(eta time.Duration) Option {
	return func(s *Service) {
		if eta > 0 {
			s.eta = eta
		}
	}
}

func NewService(repo Repository, publisher Publisher, breaker *circuitbreaker.CircuitBreaker, logger *logrus.Logger, opts ...Option) *Service {
	s := &Service{
		repo:      repo,
		publisher: publisher,
		breaker:   breaker,
		logger:    logger,
		now:       time.Now,
		eta:       DefaultDeliveryETA,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) DeliveryETA() time.Duration {
	return s.eta
}

// paymentStatusFor simulates the payment step: online methods settle at
// placement, cash on delivery stays pending.
func paymentStatusFor(method models.PaymentMethod) models.PaymentStatus {
	if method == models.PaymentMethodCOD {
		return models.PaymentStatusPending
	}
	return models.PaymentStatusCompleted
}

func (s *Service) CreateOrder(ctx context.Context, userID string, req CreateOrderRequest) (*models.Order, error) {
	if userID == "" {
		return nil, apperr.ErrUnauthenticated
	}
	if err := validate.Struct("Invalid Order", req); err != nil {
		return nil, err
	}

	method := req.PaymentMethod
	if method == "" {
		method = models.PaymentMethodCOD
	}
	if !method.Valid() {
		return nil, apperr.Validation("Invalid Payment Method", "payment_method")
	}

	now := s.now()
	eta := now.Add(s.eta)
	order := &models.Order{
		ID:                uuid.New().String(),
		UserID:            userID,
		TotalAmount:       req.TotalAmount,
		Status:            models.OrderStatusPending,
		DeliveryAddress:   req.DeliveryAddress,
		PaymentMethod:     method,
		PaymentStatus:     paymentStatusFor(method),
		EstimatedDelivery: &eta,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	for _, line := range req.Items {
		order.Items = append(order.Items, models.OrderItem{
			ID:        uuid.New().String(),
			OrderID:   order.ID,
			ProductID: line.ProductID,
			Quantity:  line.Quantity,
			UnitPrice: line.UnitPrice,
		})
	}

	if expected := pricing.Total(order.ItemsTotal()); order.TotalAmount != expected {
		s.logger.WithFields(logrus.Fields{
			"user_id":      userID,
			"total_amount": order.TotalAmount,
			"expected":     expected,
		}).Warn("Order total does not match its lines")
		return nil, apperr.Validation("Order Total Mismatch", "total_amount")
	}

	err := s.execute(ctx, func(ctx context.Context) error {
		return s.repo.CreateOrder(ctx, order)
	})
	if err != nil {
		s.logger.WithError(err).WithField("user_id", userID).Error("Failed to save order")
		if apperr.IsValidation(err) {
			return nil, err
		}
		return nil, apperr.Persistence("create order", err)
	}

	s.logger.WithFields(logrus.Fields{
		"order_id":       order.ID,
		"user_id":        userID,
		"total_amount":   order.TotalAmount,
		"items_count":    len(order.Items),
		"payment_method": order.PaymentMethod,
	}).Info("Order created")

	if err := s.publisher.PublishOrderPlaced(ctx, events.PlacedEventFor(order)); err != nil {
		// Order is already persisted
		s.logger.WithError(err).WithField("order_id", order.ID).Error("Failed to publish order placed event")
	}

	return order, nil
}

// FetchOrders returns the user's orders newest first. No user yields no orders.
func (s *Service) FetchOrders(ctx context.Context, userID string) ([]models.Order, error) {
	if userID == "" {
		return []models.Order{}, nil
	}

	orders, err := s.repo.ListOrdersByUser(ctx, userID)
	if err != nil {
		s.logger.WithError(err).WithField("user_id", userID).Error("Failed to fetch orders")
		return nil, apperr.Persistence("fetch orders", err)
	}
	if orders == nil {
		orders = []models.Order{}
	}
	return orders, nil
}

// GetOrder returns the order if it exists and belongs to userID.
func (s *Service) GetOrder(ctx context.Context, userID, id string) (*models.Order, error) {
	if userID == "" {
		return nil, apperr.ErrUnauthenticated
	}

	order, err := s.repo.GetOrder(ctx, id)
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			return nil, fmt.Errorf("order %s: %w", id, apperr.ErrNotFound)
		}
		return nil, apperr.Persistence("get order", err)
	}
	if order.UserID != userID {
		return nil, fmt.Errorf("order %s: %w", id, apperr.ErrNotFound)
	}
	return order, nil
}

func (s *Service) Tracking(ctx context.Context, userID, id string) (*tracking.View, error) {
	order, err := s.GetOrder(ctx, userID, id)
	if err != nil {
		return nil, err
	}

	log, err := s.repo.ListTracking(ctx, order.ID)
	if err != nil {
		return nil, apperr.Persistence("list tracking", err)
	}

	view := tracking.Build(*order, log)
	return &view, nil
}

// stageRank orders the forward lifecycle; cancelled sits outside it.
var stageRank = map[models.OrderStatus]int{
	models.OrderStatusPending:        0,
	models.OrderStatusConfirmed:      1,
	models.OrderStatusPreparing:      2,
	models.OrderStatusOutForDelivery: 3,
	models.OrderStatusDelivered:      4,
}

func allowedTransition(from, to models.OrderStatus) bool {
	if from.Terminal() {
		return false
	}
	if to == models.OrderStatusCancelled {
		return true
	}
	return stageRank[to] >= stageRank[from]
}

// UpdateStatus moves an order along its lifecycle and appends a tracking event.
// Terminal orders and backward moves are rejected with apperr.ErrConflict.
func (s *Service) UpdateStatus(ctx context.Context, id string, update StatusUpdate) (*models.Order, error) {
	if err := validate.Struct("Invalid Status Update", update); err != nil {
		return nil, err
	}
	if !update.Status.Valid() {
		return nil, apperr.Validation("Invalid Status Update", "status")
	}

	order, err := s.repo.GetOrder(ctx, id)
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			return nil, fmt.Errorf("order %s: %w", id, apperr.ErrNotFound)
		}
		return nil, apperr.Persistence("get order", err)
	}

	from := order.Status
	if !allowedTransition(from, update.Status) {
		return nil, fmt.Errorf("order %s cannot move from %s to %s: %w", id, from, update.Status, apperr.ErrConflict)
	}

	now := s.now()
	order.Status = update.Status
	order.UpdatedAt = now
	if update.TrackingNumber != nil {
		order.TrackingNumber = update.TrackingNumber
	}
	if update.Status == models.OrderStatusDelivered {
		order.ActualDelivery = &now
	}

	event := models.DeliveryTracking{
		ID:        uuid.New().String(),
		OrderID:   order.ID,
		Status:    update.Status,
		Location:  update.Location,
		Notes:     update.Notes,
		Timestamp: now,
	}

	err = s.execute(ctx, func(ctx context.Context) error {
		return s.repo.UpdateOrderStatus(ctx, order, from, event)
	})
	if err != nil {
		if errors.Is(err, apperr.ErrConflict) {
			return nil, fmt.Errorf("order %s changed concurrently: %w", id, err)
		}
		s.logger.WithError(err).WithField("order_id", id).Error("Failed to update order status")
		return nil, apperr.Persistence("update order status", err)
	}

	s.logger.WithFields(logrus.Fields{
		"order_id": order.ID,
		"from":     from,
		"status":   order.Status,
	}).Info("Order status updated")

	changed := events.OrderStatusChangedEvent{
		OrderID: order.ID,
		UserID:  order.UserID,
		From:    from,
		To:      order.Status,
	}
	if update.Location != nil {
		changed.Location = *update.Location
	}
	if update.Notes != nil {
		changed.Notes = *update.Notes
	}
	if err := s.publisher.PublishOrderStatusChanged(ctx, changed); err != nil {
		s.logger.WithError(err).WithField("order_id", order.ID).Error("Failed to publish status change event")
	}

	return order, nil
}

func (s *Service) execute(ctx context.Context, fn func(ctx context.Context) error) error {
	if s.breaker == nil {
		return fn(ctx)
	}
	return s.breaker.Execute(ctx, fn)
}

// BreakerFailure counts only backend failures against the order-writes breaker.
func BreakerFailure(err error) bool {
	return apperr.IsPersistence(err)
}
