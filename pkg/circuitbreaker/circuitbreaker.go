// Package circuitbreaker предоставляет Circuit Breaker для защиты от каскадных сбоев.
// Используется вокруг публикации в брокер: при недоступности брокера релей
// outbox пропускает циклы и не тратит попытки доставки записей.
//
// Состояния Circuit Breaker:
//   - Closed: нормальная работа, публикации проходят
//   - Open: брокер недоступен, публикации отклоняются мгновенно (без ожидания timeout)
//   - Half-Open: пробный период, пропускаем часть публикаций для проверки восстановления
//
// Использование:
//
//	cb := circuitbreaker.New("broker")
//	pub := circuitbreaker.WrapPublisher(cb, client)
//	relay := outbox.NewRelay(store, pub, cfg, "orders", outbox.WithGate(cb.Allow))
package circuitbreaker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sony/gobreaker/v2"

	"example.com/swiftparcel/pkg/envelope"
	"example.com/swiftparcel/pkg/logger"
	"example.com/swiftparcel/pkg/outbox"
)

// ErrOpen — breaker открыт или исчерпан лимит пробных запросов.
var ErrOpen = errors.New("брокер временно недоступен (circuit breaker open)")

// Settings — настройки Circuit Breaker.
type Settings struct {
	MaxRequests  uint32        // Макс. запросов в Half-Open состоянии (по умолчанию 1)
	Interval     time.Duration // Интервал сброса счётчика в Closed (по умолчанию 60s)
	Timeout      time.Duration // Время в Open до перехода в Half-Open (по умолчанию 30s)
	FailureRatio float64       // Доля ошибок для перехода в Open (по умолчанию 0.5)
	MinRequests  uint32        // Мин. запросов для расчёта ratio (по умолчанию 5)

	// ConsecutiveFailures — открыть после N ошибок подряд, независимо от ratio.
	// 0 — не используется.
	ConsecutiveFailures uint32
}

// DefaultSettings возвращает настройки по умолчанию.
// Оптимизированы для микросервисов с быстрым восстановлением.
func DefaultSettings() Settings {
	return Settings{
		MaxRequests:  1,                // В Half-Open пропускаем 1 запрос
		Interval:     60 * time.Second, // Сбрасываем счётчик каждые 60 секунд
		Timeout:      30 * time.Second, // Через 30 секунд пробуем восстановить связь
		FailureRatio: 0.5,              // Открываем при 50% ошибок
		MinRequests:  5,                // Минимум 5 запросов для принятия решения
	}
}

// Breaker — обёртка над gobreaker с логированием.
type Breaker struct {
	cb   *gobreaker.CircuitBreaker[any]
	name string
}

// New создаёт новый Circuit Breaker с настройками по умолчанию.
func New(name string) *Breaker {
	return NewWithSettings(name, DefaultSettings())
}

// NewWithSettings создаёт Circuit Breaker с пользовательскими настройками.
func NewWithSettings(name string, s Settings) *Breaker {
	cb := gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:        name,
		MaxRequests: s.MaxRequests,
		Interval:    s.Interval,
		Timeout:     s.Timeout,

		// ReadyToTrip определяет когда открыть breaker.
		// Открываем если доля ошибок >= FailureRatio и было >= MinRequests запросов.
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if s.ConsecutiveFailures > 0 && counts.ConsecutiveFailures >= s.ConsecutiveFailures {
				return true
			}
			if counts.Requests < s.MinRequests {
				return false
			}
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return failureRatio >= s.FailureRatio
		},

		// OnStateChange логирует смену состояния.
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			log := logger.With().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Logger()

			switch to {
			case gobreaker.StateOpen:
				log.Warn().Msg("Circuit Breaker ОТКРЫТ — брокер недоступен")
			case gobreaker.StateHalfOpen:
				log.Info().Msg("Circuit Breaker ПОЛУОТКРЫТ — пробуем восстановить")
			case gobreaker.StateClosed:
				log.Info().Msg("Circuit Breaker ЗАКРЫТ — брокер восстановлен")
			}
		},
	})

	return &Breaker{cb: cb, name: name}
}

// State возвращает текущее состояние breaker.
func (b *Breaker) State() gobreaker.State {
	return b.cb.State()
}

// Name возвращает имя breaker.
func (b *Breaker) Name() string {
	return b.name
}

// Allow сообщает, стоит ли начинать цикл публикаций. Подходит для outbox.WithGate.
func (b *Breaker) Allow() bool {
	return b.cb.State() != gobreaker.StateOpen
}

// Execute выполняет fn через breaker. Отказ breaker возвращается как ErrOpen.
func (b *Breaker) Execute(fn func() error) error {
	_, err := b.cb.Execute(func() (any, error) {
		return nil, fn()
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%s: %w", b.name, ErrOpen)
	}
	return err
}

// publisher — outbox.Publisher за circuit breaker.
type publisher struct {
	breaker *Breaker
	next    outbox.Publisher
}

// WrapPublisher оборачивает публикацию в breaker. Любая ошибка брокера
// считается сбоем.
func WrapPublisher(b *Breaker, next outbox.Publisher) outbox.Publisher {
	return &publisher{breaker: b, next: next}
}

func (p *publisher) Publish(ctx context.Context, env *envelope.Envelope) error {
	return p.breaker.Execute(func() error {
		return p.next.Publish(ctx, env)
	})
}
