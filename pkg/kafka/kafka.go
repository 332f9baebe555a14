// Package kafka — транспорт брокера поверх kafka-go.
//
// Значение сообщения Kafka — байты конверта (envelope.Encode), ключ —
// aggregate_key, поэтому все сообщения одного агрегата попадают в одну
// партицию и читаются по порядку. message_id, message_type и correlation_id
// дублируются в нативные заголовки Kafka для инструментов и отладки.
package kafka

import (
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"example.com/swiftparcel/pkg/envelope"
)

// DefaultDLQTopic — топик для сообщений, которые не удалось обработать.
const DefaultDLQTopic = "swiftparcel.dlq"

// Заголовки, которые добавляются при отправке в DLQ.
const (
	HeaderDLQError         = "dlq_error"
	HeaderDLQOriginalTopic = "dlq_original_topic"
	HeaderDLQTimestamp     = "dlq_timestamp"
)

// mirrored — заголовки конверта, которые дублируются в нативные заголовки Kafka.
var mirrored = []string{
	envelope.HeaderMessageID,
	envelope.HeaderMessageType,
	envelope.HeaderCorrelationID,
}

// Config содержит настройки транспорта Kafka.
type Config struct {
	// Brokers — список адресов брокеров Kafka.
	Brokers []string

	// DLQTopic — топик недоставляемых сообщений.
	DLQTopic string

	// MaxDeliveries — сколько раз обработчик вызывается для одного сообщения
	// перед отправкой в DLQ.
	MaxDeliveries int

	// RetryInitial и RetryMax — задержка между попытками обработки.
	RetryInitial time.Duration
	RetryMax     time.Duration
}

func (c Config) withDefaults() Config {
	if c.DLQTopic == "" {
		c.DLQTopic = DefaultDLQTopic
	}
	if c.MaxDeliveries <= 0 {
		c.MaxDeliveries = 5
	}
	if c.RetryInitial <= 0 {
		c.RetryInitial = 100 * time.Millisecond
	}
	if c.RetryMax <= 0 {
		c.RetryMax = 5 * time.Second
	}
	return c
}

// toKafkaMessage кодирует конверт в сообщение Kafka.
func toKafkaMessage(topic string, env *envelope.Envelope) (kafka.Message, error) {
	value, err := env.Marshal()
	if err != nil {
		return kafka.Message{}, fmt.Errorf("ошибка кодирования конверта: %w", err)
	}

	key := env.AggregateKey()
	if key == "" {
		key = env.MessageID()
	}

	headers := make([]kafka.Header, 0, len(mirrored))
	for _, k := range mirrored {
		if v := env.Headers.Text(k); v != "" {
			headers = append(headers, kafka.Header{Key: k, Value: []byte(v)})
		}
	}

	return kafka.Message{
		Topic:   topic,
		Key:     []byte(key),
		Value:   value,
		Headers: headers,
		Time:    time.Now(),
	}, nil
}

// envelopeFromKafka декодирует конверт из значения сообщения.
// Нативные заголовки Kafka не используются: конверт самодостаточен.
func envelopeFromKafka(m kafka.Message) (*envelope.Envelope, error) {
	env, err := envelope.Unmarshal(m.Value)
	if err != nil {
		return nil, fmt.Errorf("ошибка декодирования сообщения %s/%d/%d: %w", m.Topic, m.Partition, m.Offset, err)
	}
	return env, nil
}

// headerValue возвращает значение нативного заголовка Kafka.
func headerValue(m kafka.Message, key string) string {
	for _, h := range m.Headers {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}
