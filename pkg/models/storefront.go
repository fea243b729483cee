package models

import (
	"strings"
	"time"
)

type Product struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	Price         int64     `json:"price"`
	Image         string    `json:"image"`
	Unit          string    `json:"unit"`
	Brand         string    `json:"brand,omitempty"`
	Category      string    `json:"category"`
	StockQuantity int       `json:"stock_quantity"`
	IsActive      bool      `json:"is_active"`
	CreatedAt     time.Time `json:"created_at"`
}

// Address is the delivery address collected during checkout.
type Address struct {
	Name         string `json:"name" validate:"required"`
	Phone        string `json:"phone" validate:"required"`
	AddressLine1 string `json:"address_line1" validate:"required"`
	AddressLine2 string `json:"address_line2,omitempty"`
	Landmark     string `json:"landmark,omitempty"`
	Pincode      string `json:"pincode" validate:"required"`
	City         string `json:"city,omitempty"`
	State        string `json:"state,omitempty"`
}

// Trimmed returns a copy with surrounding whitespace removed from every field.
func (a Address) Trimmed() Address {
	return Address{
		Name:         strings.TrimSpace(a.Name),
		Phone:        strings.TrimSpace(a.Phone),
		AddressLine1: strings.TrimSpace(a.AddressLine1),
		AddressLine2: strings.TrimSpace(a.AddressLine2),
		Landmark:     strings.TrimSpace(a.Landmark),
		Pincode:      strings.TrimSpace(a.Pincode),
		City:         strings.TrimSpace(a.City),
		State:        strings.TrimSpace(a.State),
	}
}

// Flatten renders the address the way it is stored on the order header:
// "name, line1, [line2, ]city, state pincode".
func (a Address) Flatten() string {
	var b strings.Builder
	b.WriteString(a.Name)
	b.WriteString(", ")
	b.WriteString(a.AddressLine1)
	b.WriteString(", ")
	if a.AddressLine2 != "" {
		b.WriteString(a.AddressLine2)
		b.WriteString(", ")
	}
	b.WriteString(a.City)
	b.WriteString(", ")
	b.WriteString(a.State)
	b.WriteString(" ")
	b.WriteString(a.Pincode)
	return b.String()
}

type NotificationType string

const (
	NotificationSuccess NotificationType = "success"
	NotificationInfo    NotificationType = "info"
	NotificationWarning NotificationType = "warning"
	NotificationError   NotificationType = "error"
)

type Notification struct {
	ID        string           `json:"id"`
	UserID    string           `json:"user_id"`
	Title     string           `json:"title"`
	Message   string           `json:"message"`
	Type      NotificationType `json:"type"`
	OrderID   string           `json:"order_id,omitempty"`
	CreatedAt time.Time        `json:"created_at"`
}

// Response is the generic envelope used by every storefront endpoint.
type Response struct {
	Success  bool        `json:"success"`
	Message  string      `json:"message,omitempty"`
	Data     interface{} `json:"data,omitempty"`
	Redirect string      `json:"redirect,omitempty"`
}
