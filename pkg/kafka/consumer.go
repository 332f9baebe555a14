package kafka

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/segmentio/kafka-go"

	"example.com/swiftparcel/pkg/envelope"
	"example.com/swiftparcel/pkg/logger"
	"example.com/swiftparcel/pkg/messaging"
)

// messageReader — часть kafka.Reader, нужная потребителю.
type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
	Stats() kafka.ReaderStats
}

// dlqSender пересылает необработанные сообщения в DLQ.
type dlqSender interface {
	SendToDLQ(ctx context.Context, original kafka.Message, processingErr error) error
}

// Consumer читает топик от имени группы и передаёт конверты обработчику.
// Offset коммитится только после успешной обработки или отправки в DLQ.
type Consumer struct {
	reader messageReader
	dlq    dlqSender
	cfg    Config
	topic  string
	group  string
}

// NewConsumer создаёт Consumer. Экземпляры с одним groupID делят партиции
// топика между собой.
func NewConsumer(cfg Config, topic, groupID string, dlq *Producer) (*Consumer, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("не указаны брокеры Kafka")
	}
	if topic == "" {
		return nil, fmt.Errorf("не указан топик")
	}
	if groupID == "" {
		return nil, fmt.Errorf("не указан group ID")
	}

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.Brokers,
		Topic:    topic,
		GroupID:  groupID,
		MinBytes: 1,
		MaxBytes: 10e6, // 10MB
		MaxWait:  100 * time.Millisecond,
		// CommitInterval = 0: синхронный коммит после обработки
		StartOffset: kafka.FirstOffset,
	})

	logger.Info().
		Strs("brokers", cfg.Brokers).
		Str("topic", topic).
		Str("group_id", groupID).
		Msg("Создан Kafka Consumer")

	c := &Consumer{
		reader: reader,
		cfg:    cfg.withDefaults(),
		topic:  topic,
		group:  groupID,
	}
	if dlq != nil {
		c.dlq = dlq
	}
	return c, nil
}

// Consume читает сообщения до отмены ctx.
//
// Ошибка обработчика не коммитит offset: сообщение обрабатывается повторно
// на месте с экспоненциальной задержкой, после MaxDeliveries попыток уходит
// в DLQ. Нераспознанные сообщения уходят в DLQ сразу. Если DLQ недоступна,
// Consume возвращает ошибку без коммита и сообщение будет прочитано снова
// после перезапуска потребителя.
func (c *Consumer) Consume(ctx context.Context, handler messaging.DeliveryHandler) error {
	logger.Info().
		Str("topic", c.topic).
		Str("group_id", c.group).
		Msg("Запуск чтения сообщений из Kafka")

	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				logger.Info().
					Str("topic", c.topic).
					Msg("Получен сигнал завершения, остановка Consumer")
				return ctx.Err()
			}
			logger.Error().
				Err(err).
				Str("topic", c.topic).
				Msg("Ошибка чтения сообщения из Kafka")
			continue
		}

		if err := c.processMessage(ctx, msg, handler); err != nil {
			return err
		}

		if err := c.reader.CommitMessages(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			logger.Error().
				Err(err).
				Str("topic", c.topic).
				Int("partition", msg.Partition).
				Int64("offset", msg.Offset).
				Msg("Ошибка коммита offset")
		}
	}
}

// processMessage возвращает nil, когда сообщение можно коммитить.
func (c *Consumer) processMessage(ctx context.Context, msg kafka.Message, handler messaging.DeliveryHandler) error {
	env, err := envelopeFromKafka(msg)
	if err != nil {
		logger.Error().
			Err(err).
			Str("topic", msg.Topic).
			Int("partition", msg.Partition).
			Int64("offset", msg.Offset).
			Msg("Нераспознанное сообщение")
		return c.deadLetter(ctx, msg, err)
	}

	logger.Debug().
		Str("topic", msg.Topic).
		Str("key", string(msg.Key)).
		Int("partition", msg.Partition).
		Int64("offset", msg.Offset).
		Str("message_id", env.MessageID()).
		Msg("Получено сообщение из Kafka")

	lastErr := c.handleWithRetry(ctx, env, handler)
	if lastErr == nil {
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}

	return c.deadLetter(ctx, msg, lastErr)
}

// handleWithRetry вызывает обработчик до MaxDeliveries раз.
func (c *Consumer) handleWithRetry(ctx context.Context, env *envelope.Envelope, handler messaging.DeliveryHandler) error {
	b := &backoff.ExponentialBackOff{
		InitialInterval:     c.cfg.RetryInitial,
		RandomizationFactor: 0,
		Multiplier:          2,
		MaxInterval:         c.cfg.RetryMax,
	}
	b.Reset()

	var lastErr error
	for attempt := 1; attempt <= c.cfg.MaxDeliveries; attempt++ {
		lastErr = handler(ctx, env)
		if lastErr == nil {
			return nil
		}
		if ctx.Err() != nil || attempt == c.cfg.MaxDeliveries {
			break
		}

		delay := b.NextBackOff()
		logger.Warn().
			Err(lastErr).
			Int("attempt", attempt).
			Str("message_id", env.MessageID()).
			Dur("delay", delay).
			Msg("Повторная попытка обработки сообщения")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}

	return fmt.Errorf("исчерпаны попытки обработки: %w", lastErr)
}

func (c *Consumer) deadLetter(ctx context.Context, msg kafka.Message, cause error) error {
	if c.dlq == nil {
		logger.Error().
			Err(cause).
			Str("topic", msg.Topic).
			Int64("offset", msg.Offset).
			Msg("DLQ не настроена, сообщение пропущено")
		return nil
	}

	if err := c.dlq.SendToDLQ(ctx, msg, cause); err != nil {
		if errors.Is(err, context.Canceled) && ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("сообщение %s/%d/%d не отправлено в DLQ: %w", msg.Topic, msg.Partition, msg.Offset, err)
	}
	return nil
}

// Close закрывает Consumer.
func (c *Consumer) Close() error {
	logger.Info().
		Str("topic", c.topic).
		Msg("Закрытие Kafka Consumer")

	if err := c.reader.Close(); err != nil {
		logger.Error().
			Err(err).
			Str("topic", c.topic).
			Msg("Ошибка при закрытии Kafka Consumer")
		return fmt.Errorf("ошибка закрытия consumer: %w", err)
	}
	return nil
}

// Stats возвращает статистику Consumer.
func (c *Consumer) Stats() kafka.ReaderStats {
	return c.reader.Stats()
}

// Lag возвращает текущее отставание Consumer от конца топика.
func (c *Consumer) Lag() int64 {
	return c.reader.Stats().Lag
}
