package tracking

import (
	"sort"
	"strings"
	"time"

	"github.com/jogardn/golocal-storefront/pkg/models"
)

// Step is one stage of the delivery stepper.
type Step struct {
	Key       models.OrderStatus `json:"key"`
	Label     string             `json:"label"`
	Completed bool               `json:"completed"`
	Current   bool               `json:"current"`
}

type stage struct {
	key   models.OrderStatus
	label string
}

var stages = []stage{
	{models.OrderStatusPending, "Order Placed"},
	{models.OrderStatusConfirmed, "Confirmed"},
	{models.OrderStatusPreparing, "Preparing"},
	{models.OrderStatusOutForDelivery, "Out for Delivery"},
	{models.OrderStatusDelivered, "Delivered"},
}

// progress returns the number of completed stepper steps for status.
// Cancelled orders have no progress.
func progress(status models.OrderStatus) int {
	switch status {
	case models.OrderStatusPending:
		return 1
	case models.OrderStatusConfirmed:
		return 2
	case models.OrderStatusPreparing:
		return 3
	case models.OrderStatusOutForDelivery:
		return 4
	case models.OrderStatusDelivered:
		return 5
	default:
		return 0
	}
}

// Steps returns the five stepper steps for status.
func Steps(status models.OrderStatus) []Step {
	done := progress(status)
	steps := make([]Step, len(stages))
	for i, s := range stages {
		steps[i] = Step{
			Key:       s.key,
			Label:     s.label,
			Completed: i < done,
			Current:   done > 0 && i == done-1,
		}
	}
	return steps
}

func CompletedCount(status models.OrderStatus) int {
	return progress(status)
}

type Badge struct {
	Label     string `json:"label"`
	Cancelled bool   `json:"cancelled"`
	Terminal  bool   `json:"terminal"`
}

func BadgeFor(status models.OrderStatus) Badge {
	return Badge{
		Label:     strings.ToUpper(strings.ReplaceAll(string(status), "_", " ")),
		Cancelled: status == models.OrderStatusCancelled,
		Terminal:  status.Terminal(),
	}
}

// View is the read-only tracking page of one order.
type View struct {
	OrderID             string                    `json:"order_id"`
	Status              models.OrderStatus        `json:"status"`
	Badge               Badge                     `json:"badge"`
	Steps               []Step                    `json:"steps"`
	Events              []models.DeliveryTracking `json:"events"`
	ShowDeliveryContact bool                      `json:"show_delivery_contact"`
	TrackingNumber      *string                   `json:"tracking_number,omitempty"`
	EstimatedDelivery   *time.Time                `json:"estimated_delivery,omitempty"`
	ActualDelivery      *time.Time                `json:"actual_delivery,omitempty"`
	TotalAmount         int64                     `json:"total_amount"`
	DeliveryAddress     string                    `json:"delivery_address"`
}

// Build assembles the view. events is not modified.
func Build(order models.Order, events []models.DeliveryTracking) View {
	log := append([]models.DeliveryTracking(nil), events...)
	sort.SliceStable(log, func(i, j int) bool {
		return log[i].Timestamp.After(log[j].Timestamp)
	})
	if log == nil {
		log = []models.DeliveryTracking{}
	}

	return View{
		OrderID:             order.ID,
		Status:              order.Status,
		Badge:               BadgeFor(order.Status),
		Steps:               Steps(order.Status),
		Events:              log,
		ShowDeliveryContact: order.Status == models.OrderStatusOutForDelivery,
		TrackingNumber:      order.TrackingNumber,
		EstimatedDelivery:   order.EstimatedDelivery,
		ActualDelivery:      order.ActualDelivery,
		TotalAmount:         order.TotalAmount,
		DeliveryAddress:     order.DeliveryAddress,
	}
}
