// Package messaging — клиент брокера: публикация конвертов по назначениям,
// приём сообщений с восстановлением контекста корреляции, дедупликацией
// и маппингом бизнес-ошибок в rejected-события.
//
// Конкретный брокер скрыт за Transport (pkg/kafka, pkg/rabbitmq).
//
//	client := messaging.NewClient(transport, "orders",
//		messaging.WithDedup(dedupStore),
//		messaging.WithErrorMapper(rejections),
//	)
//	client.Subscribe("CreateOrder", messaging.WithLogging("CreateOrder", h))
//	go client.Run(ctx)
package messaging

import (
	"context"
	"errors"

	"example.com/swiftparcel/pkg/envelope"
)

var (
	// ErrAlreadyProcessed — сообщение с таким message_id уже обработано.
	ErrAlreadyProcessed = errors.New("сообщение уже обработано")

	// ErrInFlight — сообщение прямо сейчас обрабатывает другой экземпляр.
	ErrInFlight = errors.New("сообщение уже обрабатывается")

	// ErrDuplicateHandler — для типа уже зарегистрирован обработчик.
	ErrDuplicateHandler = errors.New("обработчик для типа сообщения уже зарегистрирован")

	// ErrNoMessageType — у конверта нет заголовка message_type.
	ErrNoMessageType = errors.New("у сообщения нет типа")
)

// DeliveryHandler вызывается транспортом на каждое полученное сообщение.
// nil — сообщение подтверждается, ошибка — остаётся для повторной доставки.
type DeliveryHandler func(ctx context.Context, env *envelope.Envelope) error

// Transport — конкретный брокер.
type Transport interface {
	// Publish отправляет конверт в назначение (топик или routing key).
	Publish(ctx context.Context, destination string, env *envelope.Envelope) error

	// Consume читает назначение от имени группы потребителей и блокируется
	// до отмены ctx или фатальной ошибки.
	Consume(ctx context.Context, destination, group string, h DeliveryHandler) error

	Close() error
}

// Handler обрабатывает входящее сообщение.
type Handler interface {
	Handle(ctx context.Context, env *envelope.Envelope) error
}

// HandlerFunc — адаптер функции к Handler.
type HandlerFunc func(ctx context.Context, env *envelope.Envelope) error

// Handle вызывает f.
func (f HandlerFunc) Handle(ctx context.Context, env *envelope.Envelope) error {
	return f(ctx, env)
}

// DedupStore хранит обработанные message_id в разрезе потребителя.
type DedupStore interface {
	// Acquire резервирует обработку. ErrAlreadyProcessed и ErrInFlight
	// означают, что обработчик вызывать нельзя.
	Acquire(ctx context.Context, consumer, messageID string) error

	// Complete отмечает сообщение обработанным.
	Complete(ctx context.Context, consumer, messageID string) error

	// Release снимает резервирование после неудачной обработки.
	Release(ctx context.Context, consumer, messageID string) error
}
