// Package service содержит обработчики команд сервиса заказов.
// Каждый обработчик меняет агрегат через репозиторий из ctx и возвращает
// доменные события; запись в outbox делает outbox.Decorator.
package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"example.com/swiftparcel/pkg/contracts"
	"example.com/swiftparcel/pkg/logger"
	"example.com/swiftparcel/pkg/outbox"
	"example.com/swiftparcel/services/orders/internal/domain"
	"example.com/swiftparcel/services/orders/internal/repository"
)

// ErrMalformedCommand — payload команды не разбирается. Повтор не поможет.
var ErrMalformedCommand = errors.New("некорректный payload команды")

// Orders — обработчики команд и запросов заказов.
type Orders struct {
	repo repository.OrderRepository
	now  func() time.Time
}

// NewOrders создаёт обработчики заказов.
func NewOrders(repo repository.OrderRepository) *Orders {
	return &Orders{
		repo: repo,
		now:  func() time.Time { return time.Now().UTC() },
	}
}

// Handlers возвращает обработчики по типу входящего сообщения.
func (s *Orders) Handlers() map[string]outbox.Handler {
	return map[string]outbox.Handler{
		contracts.TypeCreateOrder:       outbox.HandlerFunc(s.CreateOrder),
		contracts.TypeApproveOrder:      outbox.HandlerFunc(s.ApproveOrder),
		contracts.TypeCancelOrder:       outbox.HandlerFunc(s.CancelOrder),
		contracts.TypeDeliveryCompleted: outbox.HandlerFunc(s.DeliveryCompleted),
	}
}

// CreateOrder создаёт заказ. Повтор с тем же order_id ничего не делает.
func (s *Orders) CreateOrder(ctx context.Context, in outbox.Inbound) ([]outbox.DomainEvent, error) {
	cmd, err := decode[contracts.CreateOrder](in)
	if err != nil {
		return nil, err
	}
	log := logger.FromContext(ctx)

	if _, err := s.repo.GetByID(ctx, cmd.OrderID); err == nil {
		log.Info().Str("order_id", cmd.OrderID).Msg("Заказ уже создан, команда пропущена")
		return nil, nil
	} else if !errors.Is(err, domain.ErrOrderNotFound) {
		return nil, fmt.Errorf("ошибка проверки заказа %s: %w", cmd.OrderID, err)
	}

	items := make([]domain.OrderItem, len(cmd.Items))
	for i, item := range cmd.Items {
		items[i] = domain.OrderItem{
			ProductID:   item.ProductID,
			ProductName: item.ProductName,
			Quantity:    item.Quantity,
			UnitPrice:   domain.Money{Amount: item.UnitPrice, Currency: item.Currency},
		}
	}

	order, err := domain.NewOrder(cmd.OrderID, cmd.CustomerID, items, s.now())
	if err != nil {
		log.Warn().Err(err).Str("order_id", cmd.OrderID).Msg("Ошибка валидации заказа")
		return nil, err
	}

	if err := s.repo.Create(ctx, order); err != nil {
		if errors.Is(err, domain.ErrOrderExists) {
			return nil, nil
		}
		return nil, fmt.Errorf("ошибка сохранения заказа %s: %w", order.ID, err)
	}

	log.Info().
		Str("order_id", order.ID).
		Int64("total", order.Total.Amount).
		Msg("Заказ создан")

	return events(order), nil
}

// ApproveOrder подтверждает заказ.
func (s *Orders) ApproveOrder(ctx context.Context, in outbox.Inbound) ([]outbox.DomainEvent, error) {
	cmd, err := decode[contracts.ApproveOrder](in)
	if err != nil {
		return nil, err
	}
	return s.change(ctx, cmd.OrderID, func(o *domain.Order) error {
		return o.Approve(s.now())
	})
}

// CancelOrder отменяет заказ.
func (s *Orders) CancelOrder(ctx context.Context, in outbox.Inbound) ([]outbox.DomainEvent, error) {
	cmd, err := decode[contracts.CancelOrder](in)
	if err != nil {
		return nil, err
	}
	return s.change(ctx, cmd.OrderID, func(o *domain.Order) error {
		return o.Cancel(cmd.Reason, s.now())
	})
}

// DeliveryCompleted отмечает заказ доставленным. На событие нельзя
// ответить отказом, поэтому недопустимый переход только логируется.
func (s *Orders) DeliveryCompleted(ctx context.Context, in outbox.Inbound) ([]outbox.DomainEvent, error) {
	ev, err := decode[contracts.DeliveryCompleted](in)
	if err != nil {
		return nil, err
	}

	deliveredAt := ev.DeliveredAt.UTC()
	if deliveredAt.IsZero() {
		deliveredAt = s.now()
	}

	out, err := s.change(ctx, ev.OrderID, func(o *domain.Order) error {
		return o.Deliver(ev.DeliveryID, deliveredAt)
	})
	if errors.Is(err, domain.ErrOrderCannotDeliver) {
		logger.FromContext(ctx).Warn().
			Err(err).
			Str("order_id", ev.OrderID).
			Str("delivery_id", ev.DeliveryID).
			Msg("Доставка для заказа в неподходящем статусе пропущена")
		return nil, nil
	}
	return out, err
}

// GetOrder возвращает заказ по ID.
func (s *Orders) GetOrder(ctx context.Context, orderID string) (*domain.Order, error) {
	return s.repo.GetByID(ctx, orderID)
}

func (s *Orders) change(ctx context.Context, orderID string, fn func(o *domain.Order) error) ([]outbox.DomainEvent, error) {
	order, err := s.repo.GetByID(ctx, orderID)
	if err != nil {
		return nil, err
	}

	from := order.Status
	if err := fn(order); err != nil {
		return nil, err
	}
	if order.Status == from {
		return nil, nil
	}

	if err := s.repo.Update(ctx, order); err != nil {
		return nil, fmt.Errorf("ошибка обновления заказа %s: %w", orderID, err)
	}

	logger.FromContext(ctx).Info().
		Str("order_id", orderID).
		Str("from", string(from)).
		Str("to", string(order.Status)).
		Msg("Статус заказа изменён")

	return events(order), nil
}

func events(o *domain.Order) []outbox.DomainEvent {
	pulled := o.PullEvents()
	out := make([]outbox.DomainEvent, len(pulled))
	for i, ev := range pulled {
		out[i] = ev
	}
	return out
}

func decode[T any](in outbox.Inbound) (*T, error) {
	v, err := contracts.Decode[T](in.Payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformedCommand, in.Type, err)
	}
	return v, nil
}
