package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func validItems() []OrderItem {
	return []OrderItem{
		{ProductID: "p-1", ProductName: "Коробка S", Quantity: 2, UnitPrice: Money{Amount: 500, Currency: "RUB"}},
		{ProductID: "p-2", ProductName: "Скотч", Quantity: 1, UnitPrice: Money{Amount: 150, Currency: "RUB"}},
	}
}

func names(events []Event) []string {
	out := make([]string, len(events))
	for i, ev := range events {
		out[i] = ev.EventName()
	}
	return out
}

// =====================================
// Тесты NewOrder
// =====================================

func TestNewOrder(t *testing.T) {
	o, err := NewOrder("o-1", "c-1", validItems(), now)
	require.NoError(t, err)

	assert.Equal(t, OrderStatusNew, o.Status)
	assert.Equal(t, Money{Amount: 1150, Currency: "RUB"}, o.Total)
	assert.Equal(t, "o-1-1", o.Items[0].ID)
	assert.Equal(t, "o-1", o.Items[1].OrderID)

	events := o.PullEvents()
	assert.Equal(t, []string{"OrderCreated", "OrderTouched"}, names(events))

	created := events[0].(OrderCreated)
	assert.Equal(t, "o-1", created.Order.ID)
	assert.Nil(t, created.Order.events)

	assert.Empty(t, o.PullEvents(), "события забираются один раз")
}

func TestNewOrder_Validation(t *testing.T) {
	tests := []struct {
		name        string
		id          string
		customerID  string
		items       []OrderItem
		expectedErr error
	}{
		{"пустой ID", "", "c-1", validItems(), ErrInvalidOrderID},
		{"пустой клиент", "o-1", "  ", validItems(), ErrInvalidCustomerID},
		{"нет позиций", "o-1", "c-1", nil, ErrEmptyOrderItems},
		{
			name:       "нулевое количество",
			id:         "o-1",
			customerID: "c-1",
			items: []OrderItem{
				{ProductID: "p-1", ProductName: "Коробка", Quantity: 0, UnitPrice: Money{Amount: 1, Currency: "RUB"}},
			},
			expectedErr: ErrInvalidQuantity,
		},
		{
			name:       "нулевая цена",
			id:         "o-1",
			customerID: "c-1",
			items: []OrderItem{
				{ProductID: "p-1", ProductName: "Коробка", Quantity: 1},
			},
			expectedErr: ErrInvalidPrice,
		},
		{
			name:       "пустой товар",
			id:         "o-1",
			customerID: "c-1",
			items: []OrderItem{
				{ProductName: "Коробка", Quantity: 1, UnitPrice: Money{Amount: 1, Currency: "RUB"}},
			},
			expectedErr: ErrInvalidProductID,
		},
		{
			name:       "разные валюты",
			id:         "o-1",
			customerID: "c-1",
			items: []OrderItem{
				{ProductID: "p-1", ProductName: "A", Quantity: 1, UnitPrice: Money{Amount: 1, Currency: "RUB"}},
				{ProductID: "p-2", ProductName: "B", Quantity: 1, UnitPrice: Money{Amount: 1, Currency: "USD"}},
			},
			expectedErr: ErrCurrencyMismatch,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o, err := NewOrder(tt.id, tt.customerID, tt.items, now)
			assert.ErrorIs(t, err, tt.expectedErr)
			assert.Nil(t, o)
			assert.True(t, IsBusinessError(err))
		})
	}
}

// =====================================
// Тесты переходов статуса
// =====================================

func newApproved(t *testing.T) *Order {
	t.Helper()
	o, err := NewOrder("o-1", "c-1", validItems(), now)
	require.NoError(t, err)
	require.NoError(t, o.Approve(now))
	o.PullEvents()
	return o
}

func TestOrder_Approve(t *testing.T) {
	o, err := NewOrder("o-1", "c-1", validItems(), now)
	require.NoError(t, err)
	o.PullEvents()

	later := now.Add(time.Minute)
	require.NoError(t, o.Approve(later))
	assert.Equal(t, OrderStatusApproved, o.Status)
	assert.Equal(t, later, o.UpdatedAt)
	assert.Equal(t, []string{"OrderApproved", "OrderTouched"}, names(o.PullEvents()))

	require.NoError(t, o.Approve(later), "повторное подтверждение")
	assert.Empty(t, o.PullEvents())
}

func TestOrder_Deliver(t *testing.T) {
	o := newApproved(t)

	require.NoError(t, o.Deliver("d-1", now))
	assert.Equal(t, OrderStatusDelivered, o.Status)
	require.NotNil(t, o.DeliveryID)
	assert.Equal(t, "d-1", *o.DeliveryID)
	assert.Equal(t, []string{"OrderDelivered", "OrderTouched"}, names(o.PullEvents()))

	require.NoError(t, o.Deliver("d-1", now))
	assert.Empty(t, o.PullEvents())
}

func TestOrder_Cancel(t *testing.T) {
	o := newApproved(t)

	require.NoError(t, o.Cancel("клиент передумал", now))
	assert.Equal(t, OrderStatusCancelled, o.Status)
	assert.Equal(t, []string{"OrderCancelled", "OrderTouched"}, names(o.PullEvents()))

	require.NoError(t, o.Cancel("ещё раз", now))
	assert.Empty(t, o.PullEvents())
	assert.Equal(t, "клиент передумал", *o.CancelReason)
}

func TestOrder_InvalidTransitions(t *testing.T) {
	t.Run("подтверждение отменённого", func(t *testing.T) {
		o := newApproved(t)
		require.NoError(t, o.Cancel("", now))
		assert.ErrorIs(t, o.Approve(now), ErrOrderCannotApprove)
	})

	t.Run("доставка нового", func(t *testing.T) {
		o, err := NewOrder("o-1", "c-1", validItems(), now)
		require.NoError(t, err)
		assert.ErrorIs(t, o.Deliver("d-1", now), ErrOrderCannotDeliver)
	})

	t.Run("отмена доставленного", func(t *testing.T) {
		o := newApproved(t)
		require.NoError(t, o.Deliver("d-1", now))
		assert.ErrorIs(t, o.Cancel("", now), ErrOrderCannotCancel)
	})
}

func TestIsBusinessError(t *testing.T) {
	assert.True(t, IsBusinessError(ErrOrderNotFound))
	assert.False(t, IsBusinessError(assert.AnError))
	assert.False(t, IsBusinessError(nil))
}

func TestEventNames(t *testing.T) {
	assert.ElementsMatch(t,
		[]string{"OrderCreated", "OrderApproved", "OrderDelivered", "OrderCancelled", "OrderTouched"},
		EventNames())
}
