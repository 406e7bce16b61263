package order

import (
	"time"

	"github.com/shopspring/decimal"
)

type Status string

const (
	StatusPending        Status = "pending"
	StatusConfirmed      Status = "confirmed"
	StatusPreparing      Status = "preparing"
	StatusReady          Status = "ready"
	StatusOutForDelivery Status = "out_for_delivery"
	StatusDelivered      Status = "delivered"
	StatusCancelled      Status = "cancelled"
)

type PaymentMethod string

const (
	PaymentCard PaymentMethod = "CARD"
	PaymentCash PaymentMethod = "CASH"
)

func (m PaymentMethod) Valid() bool {
	return m == PaymentCard || m == PaymentCash
}

// Reasons recorded alongside a status change.
const (
	ReasonCashOnDelivery     = "cash_on_delivery"
	ReasonPaymentCompleted   = "payment_completed"
	ReasonPaymentFailed      = "payment_failed"
	ReasonPaymentUnavailable = "payment_unavailable"
	ReasonPaymentTimeout     = "payment_timeout"
	ReasonCancelledByRequest = "cancelled_by_request"
)

type Item struct {
	MenuItemID string          `json:"menuItemId"`
	Name       string          `json:"name"`
	Quantity   int             `json:"quantity"`
	UnitPrice  decimal.Decimal `json:"unitPrice"`
}

type Order struct {
	ID              string          `json:"id"`
	CustomerID      string          `json:"customerId"`
	RestaurantID    string          `json:"restaurantId"`
	DeliveryAddress string          `json:"deliveryAddress"`
	Items           []Item          `json:"items"`
	DeliveryFee     decimal.Decimal `json:"deliveryFee"`
	TotalAmount     decimal.Decimal `json:"totalAmount"`
	Currency        string          `json:"currency"`
	PaymentMethod   PaymentMethod   `json:"paymentMethod"`
	Status          Status          `json:"status"`
	StatusReason    string          `json:"statusReason,omitempty"`
	Notes           string          `json:"notes,omitempty"`
	CreatedAt       time.Time       `json:"createdAt"`
	UpdatedAt       time.Time       `json:"updatedAt"`
}

// CalculateTotal is the only source of an order's total amount.
func CalculateTotal(items []Item, deliveryFee decimal.Decimal) decimal.Decimal {
	total := deliveryFee
	for _, it := range items {
		total = total.Add(it.UnitPrice.Mul(decimal.NewFromInt(int64(it.Quantity))))
	}
	return total
}

// Forward progression after payment; cancellation is handled by CanCancel.
var transitions = map[Status]Status{
	StatusConfirmed:      StatusPreparing,
	StatusPreparing:      StatusReady,
	StatusReady:          StatusOutForDelivery,
	StatusOutForDelivery: StatusDelivered,
}

func CanTransition(from, to Status) bool {
	if to == StatusCancelled {
		return CanCancel(from)
	}
	next, ok := transitions[from]
	return ok && next == to
}

func CanCancel(s Status) bool {
	switch s {
	case StatusPending, StatusConfirmed, StatusPreparing, StatusReady:
		return true
	default:
		return false
	}
}

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusConfirmed, StatusPreparing, StatusReady,
		StatusOutForDelivery, StatusDelivered, StatusCancelled:
		return true
	default:
		return false
	}
}
