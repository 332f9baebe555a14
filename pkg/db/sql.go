// Package db предоставляет функции подключения к хранилищам:
// MySQL и PostgreSQL через GORM, MongoDB и Redis.
package db

import (
	"context"
	"fmt"
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"example.com/swiftparcel/pkg/config"
)

// pool — параметры пула соединений.
type pool struct {
	maxOpen     int
	maxIdle     int
	maxLifetime time.Duration
}

// Connect открывает SQL хранилище по DB_DRIVER.
func Connect(cfg *config.Config, debug bool) (*gorm.DB, error) {
	switch cfg.Database.Driver {
	case config.DriverMySQL:
		return ConnectMySQL(cfg.MySQL, debug)
	case config.DriverPostgres:
		return ConnectPostgres(cfg.Postgres, debug)
	default:
		return nil, fmt.Errorf("драйвер %q не является SQL хранилищем", cfg.Database.Driver)
	}
}

// ConnectMySQL создаёт подключение к MySQL через GORM.
func ConnectMySQL(cfg config.MySQLConfig, debug bool) (*gorm.DB, error) {
	return open("MySQL", mysql.Open(cfg.DSN()), debug, pool{cfg.MaxOpenConns, cfg.MaxIdleConns, cfg.ConnMaxLifetime})
}

// ConnectPostgres создаёт подключение к PostgreSQL через GORM.
func ConnectPostgres(cfg config.PostgresConfig, debug bool) (*gorm.DB, error) {
	return open("PostgreSQL", postgres.Open(cfg.DSN()), debug, pool{cfg.MaxOpenConns, cfg.MaxIdleConns, cfg.ConnMaxLifetime})
}

// open включает PingContext для проверки соединения и настройку пула.
func open(name string, dialector gorm.Dialector, debug bool, p pool) (*gorm.DB, error) {
	// Настраиваем логгер GORM
	logLevel := gormlogger.Silent
	if debug {
		logLevel = gormlogger.Info
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger:  gormlogger.Default.LogMode(logLevel),
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		return nil, fmt.Errorf("ошибка подключения к %s: %w", name, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("ошибка получения sql.DB: %w", err)
	}

	if err := sqlDB.PingContext(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ошибка ping %s: %w", name, err)
	}

	sqlDB.SetMaxOpenConns(p.maxOpen)
	sqlDB.SetMaxIdleConns(p.maxIdle)
	sqlDB.SetConnMaxLifetime(p.maxLifetime)

	return db, nil
}

// Close закрывает пул соединений GORM.
func Close(db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
