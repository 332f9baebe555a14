// Package testutil содержит моки и заготовки для тестов сервиса заказов.
package testutil

import (
	"context"
	"sync"

	"github.com/stretchr/testify/mock"

	"example.com/swiftparcel/pkg/outbox/memstore"
	"example.com/swiftparcel/services/orders/internal/domain"
)

// =============================================================================
// MockOrderRepository — мок для repository.OrderRepository
// =============================================================================

// MockOrderRepository — мок OrderRepository для unit-тестов.
type MockOrderRepository struct {
	mock.Mock
}

func (m *MockOrderRepository) Create(ctx context.Context, order *domain.Order) error {
	return m.Called(ctx, order).Error(0)
}

func (m *MockOrderRepository) GetByID(ctx context.Context, orderID string) (*domain.Order, error) {
	args := m.Called(ctx, orderID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Order), args.Error(1)
}

func (m *MockOrderRepository) Update(ctx context.Context, order *domain.Order) error {
	return m.Called(ctx, order).Error(0)
}

// =============================================================================
// MemoryOrders — репозиторий в памяти поверх транзакций memstore
// =============================================================================

// MemoryOrders хранит заказы в памяти. Изменения применяются только при
// фиксации транзакции memstore, как в настоящей БД.
type MemoryOrders struct {
	mu     sync.Mutex
	orders map[string]domain.Order
}

// NewMemoryOrders создаёт пустой репозиторий.
func NewMemoryOrders() *MemoryOrders {
	return &MemoryOrders{orders: make(map[string]domain.Order)}
}

func (r *MemoryOrders) Create(ctx context.Context, order *domain.Order) error {
	r.mu.Lock()
	_, exists := r.orders[order.ID]
	r.mu.Unlock()
	if exists {
		return domain.ErrOrderExists
	}
	return r.stage(ctx, order)
}

func (r *MemoryOrders) GetByID(_ context.Context, orderID string) (*domain.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	o, ok := r.orders[orderID]
	if !ok {
		return nil, domain.ErrOrderNotFound
	}
	return &o, nil
}

func (r *MemoryOrders) Update(ctx context.Context, order *domain.Order) error {
	r.mu.Lock()
	_, exists := r.orders[order.ID]
	r.mu.Unlock()
	if !exists {
		return domain.ErrOrderNotFound
	}
	return r.stage(ctx, order)
}

// Put кладёт заказ напрямую, минуя транзакцию.
func (r *MemoryOrders) Put(order *domain.Order) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *order
	cp.PullEvents()
	r.orders[order.ID] = cp
}

func (r *MemoryOrders) stage(ctx context.Context, order *domain.Order) error {
	cp := *order
	cp.PullEvents()
	cp.Items = append([]domain.OrderItem(nil), order.Items...)
	return memstore.Stage(ctx, func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.orders[cp.ID] = cp
	})
}
