// Package dedup — хранилище обработанных message_id в Redis для
// идемпотентного приёма сообщений.
//
// Ключ dedup:{consumer}:{message_id} проходит два состояния:
// "processing" (короткий TTL, пока идёт обработка) и "done" (длинный TTL).
// Если процесс упал посреди обработки, ключ "processing" истечёт и
// сообщение снова можно будет обработать.
package dedup

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"example.com/swiftparcel/pkg/messaging"
)

const (
	keyPrefix = "dedup:"

	valueProcessing = "processing"
	valueDone       = "done"
)

// Config задаёт время жизни ключей.
type Config struct {
	InFlightTTL  time.Duration // Сколько держится резервирование обработки
	ProcessedTTL time.Duration // Сколько помним обработанные сообщения
}

// DefaultConfig — 5 минут на обработку, сутки на память.
func DefaultConfig() Config {
	return Config{
		InFlightTTL:  5 * time.Minute,
		ProcessedTTL: 24 * time.Hour,
	}
}

// Store реализует messaging.DedupStore поверх Redis.
type Store struct {
	redis *redis.Client
	cfg   Config
}

var _ messaging.DedupStore = (*Store)(nil)

// New создаёт хранилище. Нулевые TTL заменяются значениями по умолчанию.
func New(client *redis.Client, cfg Config) *Store {
	def := DefaultConfig()
	if cfg.InFlightTTL <= 0 {
		cfg.InFlightTTL = def.InFlightTTL
	}
	if cfg.ProcessedTTL <= 0 {
		cfg.ProcessedTTL = def.ProcessedTTL
	}
	return &Store{redis: client, cfg: cfg}
}

func key(consumer, messageID string) string {
	return keyPrefix + consumer + ":" + messageID
}

// Acquire атомарно резервирует обработку через SETNX.
func (s *Store) Acquire(ctx context.Context, consumer, messageID string) error {
	k := key(consumer, messageID)

	ok, err := s.redis.SetNX(ctx, k, valueProcessing, s.cfg.InFlightTTL).Result()
	if err != nil {
		return fmt.Errorf("ошибка резервирования сообщения: %w", err)
	}
	if ok {
		return nil
	}

	val, err := s.redis.Get(ctx, k).Result()
	if errors.Is(err, redis.Nil) {
		// Ключ истёк между SETNX и GET, считаем что сообщение ещё в работе
		return messaging.ErrInFlight
	}
	if err != nil {
		return fmt.Errorf("ошибка чтения состояния сообщения: %w", err)
	}

	if val == valueDone {
		return messaging.ErrAlreadyProcessed
	}
	return messaging.ErrInFlight
}

// Complete отмечает сообщение обработанным.
func (s *Store) Complete(ctx context.Context, consumer, messageID string) error {
	if err := s.redis.Set(ctx, key(consumer, messageID), valueDone, s.cfg.ProcessedTTL).Err(); err != nil {
		return fmt.Errorf("ошибка отметки сообщения обработанным: %w", err)
	}
	return nil
}

// Release удаляет резервирование, чтобы повторная доставка была обработана.
func (s *Store) Release(ctx context.Context, consumer, messageID string) error {
	if err := s.redis.Del(ctx, key(consumer, messageID)).Err(); err != nil {
		return fmt.Errorf("ошибка снятия резервирования: %w", err)
	}
	return nil
}
