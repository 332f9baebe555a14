package healthcheck

import (
	"context"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
)

func TestComposite(t *testing.T) {
	var calls []string
	ok := func(name string) Check {
		return func(context.Context) error {
			calls = append(calls, name)
			return nil
		}
	}
	fail := func(context.Context) error { return errors.New("redis ping: down") }

	err := Composite(ok("sql"), nil, fail, ok("kafka"))(context.Background())

	assert.EqualError(t, err, "redis ping: down")
	assert.Equal(t, []string{"sql"}, calls, "проверки после первой ошибки не выполняются")
}

func TestCheckRedis(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	assert.NoError(t, CheckRedis(context.Background(), rdb))

	mr.Close()
	assert.Error(t, CheckRedis(context.Background(), rdb))
}

func TestCheckSQL(t *testing.T) {
	sqlDB, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)
	defer sqlDB.Close()

	db, err := gorm.Open(mysql.New(mysql.Config{
		Conn:                      sqlDB,
		SkipInitializeWithVersion: true,
	}), &gorm.Config{DisableAutomaticPing: true})
	require.NoError(t, err)

	mock.ExpectPing()
	assert.NoError(t, CheckSQL(context.Background(), db))

	mock.ExpectPing().WillReturnError(errors.New("connection refused"))
	assert.Error(t, CheckSQL(context.Background(), db))
}
