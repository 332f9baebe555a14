// Package rabbitmq — транспорт брокера поверх amqp091-go.
//
// Публикация идёт в topic exchange с routing key = назначение. Каждая группа
// потребителей получает свою durable очередь <group>.<destination>.
// Заголовки конверта переносятся в AMQP table: текст — строкой,
// байты — массивом байт.
package rabbitmq

import (
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"example.com/swiftparcel/pkg/envelope"
)

// Config содержит настройки подключения и топологии.
type Config struct {
	URL string

	// Exchange — topic exchange для всех сообщений.
	Exchange string

	// DeadLetterExchange и DeadLetterQueue принимают сообщения,
	// отклонённые после повторной доставки. Пустой DLX — без dead-lettering.
	DeadLetterExchange string
	DeadLetterQueue    string

	// Prefetch — сколько неподтверждённых сообщений держит потребитель.
	Prefetch int

	// ConfirmTimeout — ожидание подтверждения публикации брокером.
	ConfirmTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.Exchange == "" {
		c.Exchange = "swiftparcel"
	}
	if c.DeadLetterExchange != "" && c.DeadLetterQueue == "" {
		c.DeadLetterQueue = c.DeadLetterExchange
	}
	if c.Prefetch <= 0 {
		c.Prefetch = 10
	}
	if c.ConfirmTimeout <= 0 {
		c.ConfirmTimeout = 5 * time.Second
	}
	return c
}

// queueName — очередь группы для назначения.
func queueName(group, destination string) string {
	return group + "." + destination
}

// toPublishing переносит конверт в AMQP сообщение.
func toPublishing(env *envelope.Envelope) amqp.Publishing {
	msg := amqp.Publishing{
		Headers:       toTable(env.Headers),
		ContentType:   env.Headers.Text(envelope.HeaderContentType),
		DeliveryMode:  amqp.Persistent,
		MessageId:     env.MessageID(),
		Type:          env.Type(),
		CorrelationId: env.CorrelationID(),
		Body:          env.Body,
	}
	if ts, err := time.Parse(time.RFC3339Nano, env.Headers.Text(envelope.HeaderTimestamp)); err == nil {
		msg.Timestamp = ts
	}
	return msg
}

func toTable(h envelope.Headers) amqp.Table {
	t := make(amqp.Table, len(h))
	for k, v := range h {
		if s, ok := v.Text(); ok {
			t[k] = s
			continue
		}
		if b, ok := v.Bytes(); ok {
			t[k] = b
		}
	}
	return t
}

// fromDelivery восстанавливает конверт. Свойства AMQP используются,
// только если соответствующих заголовков нет в таблице.
func fromDelivery(d amqp.Delivery) (*envelope.Envelope, error) {
	headers, err := fromTable(d.Headers)
	if err != nil {
		return nil, err
	}

	fallback := map[string]string{
		envelope.HeaderMessageID:     d.MessageId,
		envelope.HeaderMessageType:   d.Type,
		envelope.HeaderCorrelationID: d.CorrelationId,
		envelope.HeaderContentType:   d.ContentType,
	}
	for k, v := range fallback {
		if _, ok := headers.Get(k); !ok && v != "" {
			headers.SetText(k, v)
		}
	}

	return &envelope.Envelope{Body: d.Body, Headers: headers}, nil
}

func fromTable(t amqp.Table) (envelope.Headers, error) {
	h := make(envelope.Headers, len(t))
	for k, v := range t {
		if k == "" {
			return nil, fmt.Errorf("%w: пустой ключ", envelope.ErrInvalidHeader)
		}
		switch val := v.(type) {
		case string:
			h.SetText(k, val)
		case []byte:
			h.SetBytes(k, val)
		case bool, int8, int16, int32, int64, float32, float64, time.Time:
			// Заголовки сторонних издателей и самого RabbitMQ (x-death и т.п.)
			h.SetText(k, fmt.Sprint(val))
		default:
			// Вложенные таблицы и массивы не переносятся
		}
	}
	return h, nil
}
