package kafka

import (
	"context"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"example.com/swiftparcel/pkg/envelope"
	"example.com/swiftparcel/pkg/logger"
)

// messageWriter — часть kafka.Writer, нужная продюсеру.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Producer отправляет конверты в Kafka.
type Producer struct {
	writer messageWriter
	cfg    Config
}

// NewProducer создаёт Producer. Hash-балансировщик по ключу держит
// сообщения одного агрегата в одной партиции.
func NewProducer(cfg Config) (*Producer, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("не указаны брокеры Kafka")
	}

	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Balancer:     &kafka.Hash{},
		BatchTimeout: 10 * time.Millisecond,
		RequiredAcks: kafka.RequireAll, // Запись outbox помечается DISPATCHED только после подтверждения всех реплик
		Async:        false,
	}

	logger.Info().
		Strs("brokers", cfg.Brokers).
		Msg("Создан Kafka Producer")

	return &Producer{writer: writer, cfg: cfg.withDefaults()}, nil
}

// Publish отправляет конверт в топик.
func (p *Producer) Publish(ctx context.Context, topic string, env *envelope.Envelope) error {
	msg, err := toKafkaMessage(topic, env)
	if err != nil {
		return err
	}

	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		logger.FromContext(ctx).Error().
			Err(err).
			Str("topic", topic).
			Str("key", string(msg.Key)).
			Str("message_id", env.MessageID()).
			Msg("Ошибка отправки сообщения в Kafka")
		return fmt.Errorf("ошибка отправки в Kafka: %w", err)
	}

	logger.FromContext(ctx).Debug().
		Str("topic", topic).
		Str("key", string(msg.Key)).
		Str("message_id", env.MessageID()).
		Msg("Сообщение отправлено в Kafka")

	return nil
}

// SendToDLQ пересылает исходное сообщение в DLQ как есть, добавляя
// причину ошибки и исходный топик.
func (p *Producer) SendToDLQ(ctx context.Context, original kafka.Message, processingErr error) error {
	headers := make([]kafka.Header, 0, len(original.Headers)+3)
	headers = append(headers, original.Headers...)
	headers = append(headers,
		kafka.Header{Key: HeaderDLQError, Value: []byte(processingErr.Error())},
		kafka.Header{Key: HeaderDLQOriginalTopic, Value: []byte(original.Topic)},
		kafka.Header{Key: HeaderDLQTimestamp, Value: []byte(time.Now().UTC().Format(time.RFC3339Nano))},
	)

	msg := kafka.Message{
		Topic:   p.cfg.DLQTopic,
		Key:     original.Key,
		Value:   original.Value,
		Headers: headers,
		Time:    time.Now(),
	}

	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("ошибка отправки в DLQ: %w", err)
	}

	logger.Warn().
		Err(processingErr).
		Str("topic", original.Topic).
		Str("dlq_topic", p.cfg.DLQTopic).
		Str("message_id", headerValue(original, envelope.HeaderMessageID)).
		Msg("Сообщение отправлено в DLQ")

	return nil
}

// Close закрывает соединение с Kafka.
func (p *Producer) Close() error {
	logger.Info().Msg("Закрытие Kafka Producer")

	if err := p.writer.Close(); err != nil {
		logger.Error().Err(err).Msg("Ошибка при закрытии Kafka Producer")
		return fmt.Errorf("ошибка закрытия producer: %w", err)
	}

	logger.Info().Msg("Kafka Producer закрыт")
	return nil
}
