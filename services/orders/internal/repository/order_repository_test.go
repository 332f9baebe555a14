package repository

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"example.com/swiftparcel/pkg/outbox/gormstore"
	"example.com/swiftparcel/services/orders/internal/domain"
)

// =====================================
// Вспомогательные функции
// =====================================

func setupMockDB(t *testing.T) (*gorm.DB, sqlmock.Sqlmock) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err, "Ошибка создания sqlmock")
	t.Cleanup(func() { _ = db.Close() })

	dialector := mysql.New(mysql.Config{
		Conn:                      db,
		SkipInitializeWithVersion: true,
	})

	gormDB, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err, "Ошибка инициализации GORM")

	return gormDB, mock
}

var createdAt = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newOrder(t *testing.T) *domain.Order {
	t.Helper()
	o, err := domain.NewOrder("o-1", "c-1", []domain.OrderItem{
		{ProductID: "p-1", ProductName: "Коробка", Quantity: 2, UnitPrice: domain.Money{Amount: 500, Currency: "RUB"}},
	}, createdAt)
	require.NoError(t, err)
	return o
}

// =====================================
// Тесты Create
// =====================================

func TestCreate(t *testing.T) {
	tests := []struct {
		name        string
		mockSetup   func(mock sqlmock.Sqlmock)
		expectedErr error
	}{
		{
			name: "успешное создание",
			mockSetup: func(mock sqlmock.Sqlmock) {
				mock.ExpectBegin()
				mock.ExpectExec(regexp.QuoteMeta("INSERT INTO `orders`")).
					WillReturnResult(sqlmock.NewResult(1, 1))
				mock.ExpectExec(regexp.QuoteMeta("INSERT INTO `order_items`")).
					WillReturnResult(sqlmock.NewResult(1, 1))
				mock.ExpectCommit()
			},
		},
		{
			name: "заказ уже существует",
			mockSetup: func(mock sqlmock.Sqlmock) {
				mock.ExpectBegin()
				mock.ExpectExec(regexp.QuoteMeta("INSERT INTO `orders`")).
					WillReturnError(errors.New("Error 1062: Duplicate entry 'o-1' for key 'PRIMARY'"))
				mock.ExpectRollback()
			},
			expectedErr: domain.ErrOrderExists,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db, mock := setupMockDB(t)
			tt.mockSetup(mock)

			err := NewOrderRepository(db).Create(context.Background(), newOrder(t))

			if tt.expectedErr != nil {
				assert.ErrorIs(t, err, tt.expectedErr)
			} else {
				assert.NoError(t, err)
			}
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

// =====================================
// Тесты GetByID
// =====================================

func TestGetByID(t *testing.T) {
	t.Run("заказ с позициями", func(t *testing.T) {
		db, mock := setupMockDB(t)

		mock.ExpectQuery(regexp.QuoteMeta("SELECT * FROM `orders` WHERE id = ?")).
			WillReturnRows(sqlmock.NewRows([]string{
				"id", "customer_id", "status", "total_amount", "currency", "cancel_reason", "delivery_id", "created_at", "updated_at",
			}).AddRow("o-1", "c-1", "APPROVED", 1000, "RUB", nil, nil, createdAt, createdAt))
		mock.ExpectQuery(regexp.QuoteMeta("SELECT * FROM `order_items` WHERE `order_items`.`order_id` = ?")).
			WillReturnRows(sqlmock.NewRows([]string{
				"id", "order_id", "product_id", "product_name", "quantity", "unit_price", "currency",
			}).AddRow("o-1-1", "o-1", "p-1", "Коробка", 2, 500, "RUB"))

		o, err := NewOrderRepository(db).GetByID(context.Background(), "o-1")
		require.NoError(t, err)

		assert.Equal(t, domain.OrderStatusApproved, o.Status)
		assert.Equal(t, domain.Money{Amount: 1000, Currency: "RUB"}, o.Total)
		require.Len(t, o.Items, 1)
		assert.Equal(t, int32(2), o.Items[0].Quantity)
		assert.Nil(t, o.CancelReason)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("не найден", func(t *testing.T) {
		db, mock := setupMockDB(t)

		mock.ExpectQuery(regexp.QuoteMeta("SELECT * FROM `orders`")).
			WillReturnRows(sqlmock.NewRows([]string{"id"}))

		_, err := NewOrderRepository(db).GetByID(context.Background(), "missing")
		assert.ErrorIs(t, err, domain.ErrOrderNotFound)
	})
}

// =====================================
// Тесты Update
// =====================================

func TestUpdate(t *testing.T) {
	t.Run("успешное обновление", func(t *testing.T) {
		db, mock := setupMockDB(t)

		mock.ExpectBegin()
		mock.ExpectExec(regexp.QuoteMeta("UPDATE `orders` SET")).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		o := newOrder(t)
		require.NoError(t, o.Approve(createdAt))

		assert.NoError(t, NewOrderRepository(db).Update(context.Background(), o))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("не найден", func(t *testing.T) {
		db, mock := setupMockDB(t)

		mock.ExpectBegin()
		mock.ExpectExec(regexp.QuoteMeta("UPDATE `orders` SET")).
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectCommit()

		err := NewOrderRepository(db).Update(context.Background(), newOrder(t))
		assert.ErrorIs(t, err, domain.ErrOrderNotFound)
	})
}

// Репозиторий пишет в транзакцию outbox, если она есть в ctx.
func TestUpdate_JoinsOutboxTransaction(t *testing.T) {
	db, mock := setupMockDB(t)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("UPDATE `orders` SET")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectRollback()

	repo := NewOrderRepository(db)
	store := gormstore.New(db)

	failure := errors.New("ошибка записи outbox")
	err := store.InTx(context.Background(), func(ctx context.Context) error {
		if err := repo.Update(ctx, newOrder(t)); err != nil {
			return err
		}
		return failure
	})

	assert.ErrorIs(t, err, failure)
	assert.NoError(t, mock.ExpectationsWereMet(), "обновление заказа откатывается вместе с outbox")
}
