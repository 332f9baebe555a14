package service

import (
	"example.com/swiftparcel/pkg/contracts"
	"example.com/swiftparcel/pkg/outbox"
	"example.com/swiftparcel/services/orders/internal/domain"
)

// NewMapper сопоставляет доменные события заказа интеграционным контрактам.
// Ключ агрегата — order_id, поэтому события одного заказа публикуются по порядку.
func NewMapper() (*outbox.Mapper, error) {
	m := outbox.NewMapper()

	outbox.Register(m, func(ev domain.OrderCreated) (*outbox.IntegrationEvent, error) {
		o := ev.Order
		items := make([]contracts.Item, len(o.Items))
		for i, item := range o.Items {
			items[i] = contracts.Item{
				ProductID:   item.ProductID,
				ProductName: item.ProductName,
				Quantity:    item.Quantity,
				UnitPrice:   item.UnitPrice.Amount,
				Currency:    item.UnitPrice.Currency,
			}
		}
		return &outbox.IntegrationEvent{
			Type:         contracts.TypeOrderCreated,
			AggregateKey: o.ID,
			Payload: contracts.OrderCreated{
				OrderID:    o.ID,
				CustomerID: o.CustomerID,
				Items:      items,
				Total:      o.Total.Amount,
				Currency:   o.Total.Currency,
				CreatedAt:  o.CreatedAt,
			},
		}, nil
	})

	outbox.Register(m, func(ev domain.OrderApproved) (*outbox.IntegrationEvent, error) {
		return &outbox.IntegrationEvent{
			Type:         contracts.TypeOrderApproved,
			AggregateKey: ev.OrderID,
			Payload:      contracts.OrderApproved{OrderID: ev.OrderID, ApprovedAt: ev.ApprovedAt},
		}, nil
	})

	outbox.Register(m, func(ev domain.OrderDelivered) (*outbox.IntegrationEvent, error) {
		return &outbox.IntegrationEvent{
			Type:         contracts.TypeOrderDelivered,
			AggregateKey: ev.OrderID,
			Payload: contracts.OrderDelivered{
				OrderID:     ev.OrderID,
				DeliveryID:  ev.DeliveryID,
				DeliveredAt: ev.DeliveredAt,
			},
		}, nil
	})

	outbox.Register(m, func(ev domain.OrderCancelled) (*outbox.IntegrationEvent, error) {
		return &outbox.IntegrationEvent{
			Type:         contracts.TypeOrderCancelled,
			AggregateKey: ev.OrderID,
			Payload: contracts.OrderCancelled{
				OrderID:     ev.OrderID,
				Reason:      ev.Reason,
				CancelledAt: ev.CancelledAt,
			},
		}, nil
	})

	m.Ignore(domain.OrderTouched{}.EventName())

	if err := m.Validate(domain.EventNames()...); err != nil {
		return nil, err
	}
	return m, nil
}

// Destinations — все типы, которые сервис публикует.
func Destinations() []string {
	return []string{
		contracts.TypeOrderCreated,
		contracts.TypeOrderApproved,
		contracts.TypeOrderDelivered,
		contracts.TypeOrderCancelled,
		contracts.TypeCreateOrderRejected,
		contracts.TypeApproveOrderRejected,
		contracts.TypeCancelOrderRejected,
	}
}
