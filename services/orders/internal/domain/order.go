// Package domain содержит агрегат заказа, его события и доменные ошибки.
package domain

import (
	"strconv"
	"strings"
	"time"
)

// OrderStatus — статус заказа.
type OrderStatus string

const (
	OrderStatusNew       OrderStatus = "NEW"
	OrderStatusApproved  OrderStatus = "APPROVED"
	OrderStatusDelivered OrderStatus = "DELIVERED"
	OrderStatusCancelled OrderStatus = "CANCELLED"
)

// Money — сумма в минимальных единицах валюты.
type Money struct {
	Currency string // ISO 4217
	Amount   int64
}

// Multiply умножает сумму на количество.
func (m Money) Multiply(quantity int32) Money {
	return Money{
		Currency: m.Currency,
		Amount:   m.Amount * int64(quantity),
	}
}

// Order — агрегат заказа. Изменения копятся в виде доменных событий,
// которые забирает обработчик через PullEvents.
type Order struct {
	ID           string
	CustomerID   string
	Items        []OrderItem
	Total        Money
	Status       OrderStatus
	CancelReason *string
	DeliveryID   *string
	CreatedAt    time.Time
	UpdatedAt    time.Time

	events []Event
}

// NewOrder создаёт заказ в статусе NEW.
func NewOrder(id, customerID string, items []OrderItem, now time.Time) (*Order, error) {
	o := &Order{
		ID:         id,
		CustomerID: customerID,
		Items:      make([]OrderItem, len(items)),
		Status:     OrderStatusNew,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	for i := range items {
		o.Items[i] = items[i]
		o.Items[i].OrderID = id
		if o.Items[i].ID == "" {
			o.Items[i].ID = id + "-" + strconv.Itoa(i+1)
		}
	}

	if err := o.Validate(); err != nil {
		return nil, err
	}
	o.CalculateTotal()

	o.record(OrderCreated{Order: o.snapshot()})
	o.touch(now)
	return o, nil
}

// Validate проверяет корректность полей заказа.
func (o *Order) Validate() error {
	if strings.TrimSpace(o.ID) == "" {
		return ErrInvalidOrderID
	}
	if strings.TrimSpace(o.CustomerID) == "" {
		return ErrInvalidCustomerID
	}
	if len(o.Items) == 0 {
		return ErrEmptyOrderItems
	}

	currency := o.Items[0].UnitPrice.Currency
	for i := range o.Items {
		if err := o.Items[i].Validate(); err != nil {
			return err
		}
		if o.Items[i].UnitPrice.Currency != currency {
			return ErrCurrencyMismatch
		}
	}
	return nil
}

// CalculateTotal пересчитывает общую сумму заказа из позиций.
func (o *Order) CalculateTotal() {
	if len(o.Items) == 0 {
		o.Total = Money{}
		return
	}

	total := Money{Currency: o.Items[0].UnitPrice.Currency}
	for i := range o.Items {
		total.Amount += o.Items[i].Total().Amount
	}
	o.Total = total
}

// Approve переводит NEW → APPROVED. Повторное подтверждение ничего не меняет.
func (o *Order) Approve(now time.Time) error {
	switch o.Status {
	case OrderStatusApproved:
		return nil
	case OrderStatusNew:
	default:
		return ErrOrderCannotApprove
	}

	o.Status = OrderStatusApproved
	o.record(OrderApproved{OrderID: o.ID, ApprovedAt: now})
	o.touch(now)
	return nil
}

// Deliver переводит APPROVED → DELIVERED.
func (o *Order) Deliver(deliveryID string, now time.Time) error {
	switch o.Status {
	case OrderStatusDelivered:
		return nil
	case OrderStatusApproved:
	default:
		return ErrOrderCannotDeliver
	}

	o.Status = OrderStatusDelivered
	o.DeliveryID = &deliveryID
	o.record(OrderDelivered{OrderID: o.ID, DeliveryID: deliveryID, DeliveredAt: now})
	o.touch(now)
	return nil
}

// Cancel отменяет заказ в статусе NEW или APPROVED.
func (o *Order) Cancel(reason string, now time.Time) error {
	switch o.Status {
	case OrderStatusCancelled:
		return nil
	case OrderStatusNew, OrderStatusApproved:
	default:
		return ErrOrderCannotCancel
	}

	o.Status = OrderStatusCancelled
	o.CancelReason = &reason
	o.record(OrderCancelled{OrderID: o.ID, Reason: reason, CancelledAt: now})
	o.touch(now)
	return nil
}

// PullEvents возвращает накопленные события и очищает их.
func (o *Order) PullEvents() []Event {
	events := o.events
	o.events = nil
	return events
}

func (o *Order) record(ev Event) {
	o.events = append(o.events, ev)
}

func (o *Order) touch(now time.Time) {
	o.UpdatedAt = now
	o.record(OrderTouched{OrderID: o.ID, UpdatedAt: now})
}

// snapshot — копия заказа без накопленных событий.
func (o *Order) snapshot() Order {
	cp := *o
	cp.events = nil
	cp.Items = append([]OrderItem(nil), o.Items...)
	return cp
}

// OrderItem — позиция заказа.
type OrderItem struct {
	ID          string
	OrderID     string
	ProductID   string
	ProductName string
	Quantity    int32
	UnitPrice   Money
}

// Validate проверяет корректность полей позиции заказа.
func (oi *OrderItem) Validate() error {
	if strings.TrimSpace(oi.ProductID) == "" {
		return ErrInvalidProductID
	}
	if strings.TrimSpace(oi.ProductName) == "" {
		return ErrInvalidProductName
	}
	if oi.Quantity <= 0 {
		return ErrInvalidQuantity
	}
	if oi.UnitPrice.Amount <= 0 {
		return ErrInvalidPrice
	}
	return nil
}

// Total возвращает стоимость позиции.
func (oi *OrderItem) Total() Money {
	return oi.UnitPrice.Multiply(oi.Quantity)
}
