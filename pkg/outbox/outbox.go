// Package outbox реализует транзакционный outbox: запись интеграционных
// событий в одной транзакции с изменением состояния и релей, который
// доставляет записи в брокер с гарантией at-least-once и сохранением
// порядка внутри агрегата.
//
// Поток:
//  1. Decorator оборачивает обработчик, маппит доменные события через Mapper
//     и пишет Message в той же транзакции (UnitOfWork).
//  2. Relay захватывает записи через Store.Claim, публикует их по порядку
//     внутри агрегата и переводит в DISPATCHED или FAILED.
//  3. Janitor (опционально) удаляет старые DISPATCHED записи.
package outbox

import (
	"errors"
	"fmt"
	"time"

	"example.com/swiftparcel/pkg/envelope"
)

// State — состояние записи outbox.
type State string

const (
	StatePending     State = "PENDING"
	StateDispatching State = "DISPATCHING"
	StateDispatched  State = "DISPATCHED"
	StateFailed      State = "FAILED"
)

var (
	// ErrNotFound — запись outbox не найдена.
	ErrNotFound = errors.New("запись outbox не найдена")

	// ErrLeaseLost — запись больше не принадлежит этому захвату
	// (аренда истекла и её забрал другой экземпляр).
	ErrLeaseLost = errors.New("аренда записи outbox потеряна")

	// ErrNoTransaction — Append вызван вне транзакции.
	ErrNoTransaction = errors.New("запись в outbox возможна только внутри транзакции")

	// ErrUnmappedEvent — для доменного события не найден интеграционный контракт.
	ErrUnmappedEvent = errors.New("доменное событие не сопоставлено интеграционному контракту")

	// ErrInvalidIntegrationEvent — маппер вернул некорректное событие.
	ErrInvalidIntegrationEvent = errors.New("некорректное интеграционное событие")
)

// MappingError — постоянная ошибка маппинга. Прерывает единицу работы,
// повторять её бессмысленно.
type MappingError struct {
	Event string
	Err   error
}

func (e *MappingError) Error() string {
	return fmt.Sprintf("ошибка маппинга события %s: %v", e.Event, e.Err)
}

func (e *MappingError) Unwrap() error {
	return e.Err
}

// Message — запись outbox.
type Message struct {
	ID           string           // UUIDv7, упорядочен по времени создания
	Type         string           // Имя интеграционного контракта
	AggregateKey string           // Ключ агрегата (порядок и партиционирование)
	Payload      []byte           // JSON payload
	Headers      envelope.Headers // Корреляция, span, сервис-источник, пересылаемые заголовки
	CreatedAt    time.Time

	State     State
	Attempts  int
	LastError *string

	ClaimedBy     string     // Токен текущего захвата
	LeaseUntil    *time.Time // Аренда захвата
	NextAttemptAt *time.Time // Не раньше этого момента после ошибки
	DispatchedAt  *time.Time
}

// Envelope собирает конверт для публикации.
func (m *Message) Envelope() *envelope.Envelope {
	h := m.Headers.Clone()
	if h == nil {
		h = make(envelope.Headers)
	}
	h.SetText(envelope.HeaderMessageID, m.ID)
	h.SetText(envelope.HeaderMessageType, m.Type)
	h.SetText(envelope.HeaderAggregateKey, m.AggregateKey)
	return &envelope.Envelope{Body: m.Payload, Headers: h}
}

// CorrelationID возвращает correlation_id из заголовков записи.
func (m *Message) CorrelationID() string {
	return m.Headers.Text(envelope.HeaderCorrelationID)
}

// IsPoison сообщает, исчерпала ли запись попытки доставки.
func (m *Message) IsPoison(maxAttempts int) bool {
	return m.State == StateFailed && m.Attempts >= maxAttempts
}

// Clone возвращает независимую копию.
func (m *Message) Clone() *Message {
	cp := *m
	cp.Payload = append([]byte(nil), m.Payload...)
	cp.Headers = m.Headers.Clone()
	cp.LastError = clonePtr(m.LastError)
	cp.LeaseUntil = clonePtr(m.LeaseUntil)
	cp.NextAttemptAt = clonePtr(m.NextAttemptAt)
	cp.DispatchedAt = clonePtr(m.DispatchedAt)
	return &cp
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
