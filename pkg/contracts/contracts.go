// Package contracts содержит интеграционные контракты сервиса заказов:
// команды, события и отказы, которыми сервисы обмениваются через брокер.
// Имя контракта совпадает с message_type и определяет destination.
package contracts

import (
	"encoding/json"
	"fmt"
	"time"
)

// =============================================================================
// Типы сообщений
// =============================================================================

// Команды, которые принимает сервис заказов.
const (
	TypeCreateOrder  = "CreateOrder"
	TypeApproveOrder = "ApproveOrder"
	TypeCancelOrder  = "CancelOrder"
)

// Внешние события, на которые подписан сервис заказов.
const (
	TypeDeliveryCompleted = "DeliveryCompleted"
)

// События, которые публикует сервис заказов.
const (
	TypeOrderCreated   = "OrderCreated"
	TypeOrderApproved  = "OrderApproved"
	TypeOrderDelivered = "OrderDelivered"
	TypeOrderCancelled = "OrderCancelled"
)

// Отказы на команды.
const (
	TypeCreateOrderRejected  = "CreateOrderRejected"
	TypeApproveOrderRejected = "ApproveOrderRejected"
	TypeCancelOrderRejected  = "CancelOrderRejected"
)

// =============================================================================
// Команды (любой сервис → Orders)
// =============================================================================

// Item — позиция заказа. Суммы в минимальных единицах валюты.
type Item struct {
	ProductID   string `json:"product_id"`
	ProductName string `json:"product_name"`
	Quantity    int32  `json:"quantity"`
	UnitPrice   int64  `json:"unit_price"`
	Currency    string `json:"currency"`
}

// CreateOrder — команда создания заказа. OrderID задаёт отправитель,
// поэтому повторная доставка не создаёт второй заказ.
type CreateOrder struct {
	OrderID    string `json:"order_id"`
	CustomerID string `json:"customer_id"`
	Items      []Item `json:"items"`
}

// ApproveOrder — команда подтверждения заказа.
type ApproveOrder struct {
	OrderID string `json:"order_id"`
}

// CancelOrder — команда отмены заказа.
type CancelOrder struct {
	OrderID string `json:"order_id"`
	Reason  string `json:"reason,omitempty"`
}

// DeliveryCompleted — событие сервиса доставки: посылка вручена.
type DeliveryCompleted struct {
	OrderID     string    `json:"order_id"`
	DeliveryID  string    `json:"delivery_id"`
	DeliveredAt time.Time `json:"delivered_at"`
}

// =============================================================================
// События (Orders → подписчики)
// =============================================================================

// OrderCreated публикуется после создания заказа.
type OrderCreated struct {
	OrderID    string    `json:"order_id"`
	CustomerID string    `json:"customer_id"`
	Items      []Item    `json:"items"`
	Total      int64     `json:"total"`
	Currency   string    `json:"currency"`
	CreatedAt  time.Time `json:"created_at"`
}

// OrderApproved публикуется после подтверждения заказа.
type OrderApproved struct {
	OrderID    string    `json:"order_id"`
	ApprovedAt time.Time `json:"approved_at"`
}

// OrderDelivered публикуется, когда заказ доставлен.
type OrderDelivered struct {
	OrderID     string    `json:"order_id"`
	DeliveryID  string    `json:"delivery_id"`
	DeliveredAt time.Time `json:"delivered_at"`
}

// OrderCancelled публикуется после отмены заказа.
type OrderCancelled struct {
	OrderID     string    `json:"order_id"`
	Reason      string    `json:"reason,omitempty"`
	CancelledAt time.Time `json:"cancelled_at"`
}

// Rejected — общий payload отказов на команды.
type Rejected struct {
	OrderID string `json:"order_id"`
	Reason  string `json:"reason"`
}

// Decode десериализует payload сообщения в контракт T.
func Decode[T any](data []byte) (*T, error) {
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("ошибка разбора %T: %w", v, err)
	}
	return &v, nil
}
