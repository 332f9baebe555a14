package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"

	"example.com/swiftparcel/services/orders/internal/domain"
)

const ordersCollection = "orders"

type itemDocument struct {
	ID          string `bson:"id"`
	ProductID   string `bson:"product_id"`
	ProductName string `bson:"product_name"`
	Quantity    int32  `bson:"quantity"`
	UnitPrice   int64  `bson:"unit_price"`
	Currency    string `bson:"currency"`
}

type orderDocument struct {
	ID           string         `bson:"_id"`
	CustomerID   string         `bson:"customer_id"`
	Status       string         `bson:"status"`
	TotalAmount  int64          `bson:"total_amount"`
	Currency     string         `bson:"currency"`
	CancelReason *string        `bson:"cancel_reason,omitempty"`
	DeliveryID   *string        `bson:"delivery_id,omitempty"`
	Items        []itemDocument `bson:"items"`
	CreatedAt    time.Time      `bson:"created_at"`
	UpdatedAt    time.Time      `bson:"updated_at"`
}

func orderDocumentFromDomain(o *domain.Order) *orderDocument {
	doc := &orderDocument{
		ID:           o.ID,
		CustomerID:   o.CustomerID,
		Status:       string(o.Status),
		TotalAmount:  o.Total.Amount,
		Currency:     o.Total.Currency,
		CancelReason: o.CancelReason,
		DeliveryID:   o.DeliveryID,
		Items:        make([]itemDocument, len(o.Items)),
		CreatedAt:    o.CreatedAt,
		UpdatedAt:    o.UpdatedAt,
	}
	for i, item := range o.Items {
		doc.Items[i] = itemDocument{
			ID:          item.ID,
			ProductID:   item.ProductID,
			ProductName: item.ProductName,
			Quantity:    item.Quantity,
			UnitPrice:   item.UnitPrice.Amount,
			Currency:    item.UnitPrice.Currency,
		}
	}
	return doc
}

func (d *orderDocument) toDomain() *domain.Order {
	o := &domain.Order{
		ID:           d.ID,
		CustomerID:   d.CustomerID,
		Status:       domain.OrderStatus(d.Status),
		Total:        domain.Money{Amount: d.TotalAmount, Currency: d.Currency},
		CancelReason: d.CancelReason,
		DeliveryID:   d.DeliveryID,
		Items:        make([]domain.OrderItem, len(d.Items)),
		CreatedAt:    d.CreatedAt.UTC(),
		UpdatedAt:    d.UpdatedAt.UTC(),
	}
	for i, item := range d.Items {
		o.Items[i] = domain.OrderItem{
			ID:          item.ID,
			OrderID:     d.ID,
			ProductID:   item.ProductID,
			ProductName: item.ProductName,
			Quantity:    item.Quantity,
			UnitPrice:   domain.Money{Amount: item.UnitPrice, Currency: item.Currency},
		}
	}
	return o
}

// mongoOrderRepository — MongoDB реализация OrderRepository.
// Сессия транзакции outbox приходит через ctx.
type mongoOrderRepository struct {
	coll *mongo.Collection
}

// NewMongoOrderRepository создаёт репозиторий заказов в MongoDB.
func NewMongoOrderRepository(client *mongo.Client, dbName string) OrderRepository {
	return &mongoOrderRepository{coll: client.Database(dbName).Collection(ordersCollection)}
}

func (r *mongoOrderRepository) Create(ctx context.Context, order *domain.Order) error {
	if _, err := r.coll.InsertOne(ctx, orderDocumentFromDomain(order)); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return domain.ErrOrderExists
		}
		return fmt.Errorf("ошибка сохранения заказа: %w", err)
	}
	return nil
}

func (r *mongoOrderRepository) GetByID(ctx context.Context, id string) (*domain.Order, error) {
	var doc orderDocument
	if err := r.coll.FindOne(ctx, bson.M{"_id": id}).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, domain.ErrOrderNotFound
		}
		return nil, fmt.Errorf("ошибка чтения заказа: %w", err)
	}
	return doc.toDomain(), nil
}

func (r *mongoOrderRepository) Update(ctx context.Context, order *domain.Order) error {
	res, err := r.coll.UpdateOne(ctx, bson.M{"_id": order.ID}, bson.M{"$set": bson.M{
		"status":        string(order.Status),
		"cancel_reason": order.CancelReason,
		"delivery_id":   order.DeliveryID,
		"updated_at":    order.UpdatedAt,
	}})
	if err != nil {
		return fmt.Errorf("ошибка обновления заказа: %w", err)
	}
	if res.MatchedCount == 0 {
		return domain.ErrOrderNotFound
	}
	return nil
}
