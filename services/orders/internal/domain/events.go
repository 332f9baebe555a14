package domain

import "time"

// Event — доменное событие заказа.
type Event interface {
	EventName() string
}

// OrderCreated — заказ создан.
type OrderCreated struct {
	Order Order
}

// OrderApproved — заказ подтверждён.
type OrderApproved struct {
	OrderID    string
	ApprovedAt time.Time
}

// OrderDelivered — заказ доставлен.
type OrderDelivered struct {
	OrderID     string
	DeliveryID  string
	DeliveredAt time.Time
}

// OrderCancelled — заказ отменён.
type OrderCancelled struct {
	OrderID     string
	Reason      string
	CancelledAt time.Time
}

// OrderTouched — внутреннее событие: агрегат изменён. Наружу не публикуется.
type OrderTouched struct {
	OrderID   string
	UpdatedAt time.Time
}

func (OrderCreated) EventName() string   { return "OrderCreated" }
func (OrderApproved) EventName() string  { return "OrderApproved" }
func (OrderDelivered) EventName() string { return "OrderDelivered" }
func (OrderCancelled) EventName() string { return "OrderCancelled" }
func (OrderTouched) EventName() string   { return "OrderTouched" }

// EventNames возвращает имена всех доменных событий заказа.
func EventNames() []string {
	return []string{
		OrderCreated{}.EventName(),
		OrderApproved{}.EventName(),
		OrderDelivered{}.EventName(),
		OrderCancelled{}.EventName(),
		OrderTouched{}.EventName(),
	}
}
