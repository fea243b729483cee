package websocket

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jogardn/golocal-storefront/internal/events"
	"github.com/jogardn/golocal-storefront/internal/pricing"
	"github.com/jogardn/golocal-storefront/internal/tracking"
	"github.com/jogardn/golocal-storefront/pkg/models"
	"github.com/sirupsen/logrus"
)

// Notifier turns order events into user notifications. It is the handler
// behind the notifier's Kafka consumer.
type Notifier struct {
	hub    *Hub
	logger *logrus.Logger
	now    func() time.Time
}

func NewNotifier(hub *Hub, logger *logrus.Logger) *Notifier {
	return &Notifier{hub: hub, logger: logger, now: time.Now}
}

func (n *Notifier) HandleOrderPlaced(ctx context.Context, event events.OrderPlacedEvent) error {
	if event.UserID == "" || event.OrderID == "" {
		return fmt.Errorf("order placed event without user or order: %w", events.ErrMalformedEvent)
	}
	return n.push(ctx, models.Notification{
		UserID:  event.UserID,
		OrderID: event.OrderID,
		Title:   "Order Placed Successfully!",
		Message: fmt.Sprintf("Your order of %s has been confirmed and will be delivered soon.", pricing.Format(event.TotalAmount)),
		Type:    models.NotificationSuccess,
	})
}

func (n *Notifier) HandleOrderStatusChanged(ctx context.Context, event events.OrderStatusChangedEvent) error {
	if event.UserID == "" || event.OrderID == "" || !event.To.Valid() {
		return fmt.Errorf("status change event without user, order or valid status: %w", events.ErrMalformedEvent)
	}
	return n.push(ctx, StatusNotification(event))
}

// StatusNotification describes a lifecycle change the way the order page labels it.
func StatusNotification(event events.OrderStatusChangedEvent) models.Notification {
	label := tracking.BadgeFor(event.To).Label
	message := fmt.Sprintf("Order %s is now %s", shortID(event.OrderID), strings.ToLower(label))
	if event.Location != "" {
		message += " (" + event.Location + ")"
	}

	kind := models.NotificationInfo
	switch event.To {
	case models.OrderStatusDelivered:
		kind = models.NotificationSuccess
	case models.OrderStatusCancelled:
		kind = models.NotificationWarning
	}

	return models.Notification{
		UserID:  event.UserID,
		OrderID: event.OrderID,
		Title:   "Order Updated",
		Message: message,
		Type:    kind,
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return "#" + strings.ToUpper(id[:8])
	}
	return "#" + strings.ToUpper(id)
}

func (n *Notifier) push(ctx context.Context, notification models.Notification) error {
	notification.ID = uuid.New().String()
	notification.CreatedAt = n.now()

	if err := n.hub.Notify(ctx, notification); err != nil {
		return err
	}
	n.logger.WithFields(logrus.Fields{
		"user_id":  notification.UserID,
		"order_id": notification.OrderID,
		"title":    notification.Title,
	}).Info("Notification sent")
	return nil
}

// IsRetryable treats a stopped hub and malformed payloads as permanent.
func (n *Notifier) IsRetryable(err error) bool {
	if errors.Is(err, events.ErrMalformedEvent) || errors.Is(err, ErrHubStopped) {
		return false
	}
	return true
}
