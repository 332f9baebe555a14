// Package repository содержит хранилища заказов. Репозитории присоединяются
// к транзакции outbox через context, поэтому изменение заказа и записи
// outbox фиксируются атомарно.
package repository

import (
	"context"
	"errors"
	"strings"
	"time"

	"gorm.io/gorm"

	"example.com/swiftparcel/pkg/outbox/gormstore"
	"example.com/swiftparcel/services/orders/internal/domain"
)

// OrderRepository — хранилище заказов.
type OrderRepository interface {
	// Create сохраняет новый заказ с позициями.
	// Занятый ID — domain.ErrOrderExists.
	Create(ctx context.Context, order *domain.Order) error

	// GetByID возвращает заказ с позициями.
	GetByID(ctx context.Context, orderID string) (*domain.Order, error)

	// Update сохраняет статус и поля переходов заказа.
	Update(ctx context.Context, order *domain.Order) error
}

// OrderModel — GORM модель таблицы orders.
type OrderModel struct {
	ID           string           `gorm:"column:id;type:varchar(36);primaryKey"`
	CustomerID   string           `gorm:"column:customer_id;type:varchar(64);not null;index"`
	Status       string           `gorm:"column:status;type:varchar(20);not null;index"`
	TotalAmount  int64            `gorm:"column:total_amount;not null"`
	Currency     string           `gorm:"column:currency;type:varchar(3);not null"`
	CancelReason *string          `gorm:"column:cancel_reason;type:text"`
	DeliveryID   *string          `gorm:"column:delivery_id;type:varchar(64)"`
	CreatedAt    time.Time        `gorm:"column:created_at"`
	UpdatedAt    time.Time        `gorm:"column:updated_at"`
	Items        []OrderItemModel `gorm:"foreignKey:OrderID;references:ID"`
}

// TableName возвращает имя таблицы в БД.
func (OrderModel) TableName() string {
	return "orders"
}

// OrderItemModel — GORM модель таблицы order_items.
type OrderItemModel struct {
	ID          string `gorm:"column:id;type:varchar(64);primaryKey"`
	OrderID     string `gorm:"column:order_id;type:varchar(36);not null;index"`
	ProductID   string `gorm:"column:product_id;type:varchar(64);not null"`
	ProductName string `gorm:"column:product_name;type:varchar(255);not null"`
	Quantity    int32  `gorm:"column:quantity;not null"`
	UnitPrice   int64  `gorm:"column:unit_price;not null"`
	Currency    string `gorm:"column:currency;type:varchar(3);not null"`
}

// TableName возвращает имя таблицы в БД.
func (OrderItemModel) TableName() string {
	return "order_items"
}

func (m *OrderModel) toDomain() *domain.Order {
	order := &domain.Order{
		ID:           m.ID,
		CustomerID:   m.CustomerID,
		Status:       domain.OrderStatus(m.Status),
		Total:        domain.Money{Amount: m.TotalAmount, Currency: m.Currency},
		CancelReason: m.CancelReason,
		DeliveryID:   m.DeliveryID,
		CreatedAt:    m.CreatedAt,
		UpdatedAt:    m.UpdatedAt,
		Items:        make([]domain.OrderItem, len(m.Items)),
	}

	for i, item := range m.Items {
		order.Items[i] = domain.OrderItem{
			ID:          item.ID,
			OrderID:     item.OrderID,
			ProductID:   item.ProductID,
			ProductName: item.ProductName,
			Quantity:    item.Quantity,
			UnitPrice:   domain.Money{Amount: item.UnitPrice, Currency: item.Currency},
		}
	}

	return order
}

func orderModelFromDomain(o *domain.Order) *OrderModel {
	model := &OrderModel{
		ID:           o.ID,
		CustomerID:   o.CustomerID,
		Status:       string(o.Status),
		TotalAmount:  o.Total.Amount,
		Currency:     o.Total.Currency,
		CancelReason: o.CancelReason,
		DeliveryID:   o.DeliveryID,
		CreatedAt:    o.CreatedAt,
		UpdatedAt:    o.UpdatedAt,
		Items:        make([]OrderItemModel, len(o.Items)),
	}

	for i, item := range o.Items {
		model.Items[i] = OrderItemModel{
			ID:          item.ID,
			OrderID:     o.ID,
			ProductID:   item.ProductID,
			ProductName: item.ProductName,
			Quantity:    item.Quantity,
			UnitPrice:   item.UnitPrice.Amount,
			Currency:    item.UnitPrice.Currency,
		}
	}

	return model
}

// orderRepository — GORM реализация OrderRepository (MySQL и PostgreSQL).
type orderRepository struct {
	db *gorm.DB
}

// NewOrderRepository создаёт репозиторий заказов.
func NewOrderRepository(db *gorm.DB) OrderRepository {
	return &orderRepository{db: db}
}

// AutoMigrate создаёт таблицы orders и order_items.
func AutoMigrate(ctx context.Context, db *gorm.DB) error {
	return db.WithContext(ctx).AutoMigrate(&OrderModel{}, &OrderItemModel{})
}

// Create сохраняет заказ. Позиции создаются GORM через ассоциацию.
func (r *orderRepository) Create(ctx context.Context, order *domain.Order) error {
	if err := gormstore.Conn(ctx, r.db).Create(orderModelFromDomain(order)).Error; err != nil {
		if isDuplicateKeyError(err) {
			return domain.ErrOrderExists
		}
		return err
	}
	return nil
}

// GetByID возвращает заказ по ID с загруженными позициями.
func (r *orderRepository) GetByID(ctx context.Context, id string) (*domain.Order, error) {
	var model OrderModel

	if err := gormstore.Conn(ctx, r.db).
		Preload("Items").
		Where("id = ?", id).
		First(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.ErrOrderNotFound
		}
		return nil, err
	}

	return model.toDomain(), nil
}

// Update сохраняет поля, которые меняют переходы статуса.
func (r *orderRepository) Update(ctx context.Context, order *domain.Order) error {
	result := gormstore.Conn(ctx, r.db).
		Model(&OrderModel{}).
		Where("id = ?", order.ID).
		Updates(map[string]any{
			"status":        string(order.Status),
			"cancel_reason": order.CancelReason,
			"delivery_id":   order.DeliveryID,
			"updated_at":    order.UpdatedAt,
		})

	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return domain.ErrOrderNotFound
	}
	return nil
}

// isDuplicateKeyError распознаёт нарушение уникальности в MySQL (1062)
// и PostgreSQL (23505).
func isDuplicateKeyError(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "Duplicate entry") ||
		strings.Contains(msg, "1062") ||
		strings.Contains(msg, "23505")
}
