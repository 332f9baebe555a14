package kafka

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"

	"github.com/segmentio/kafka-go"

	"example.com/swiftparcel/pkg/logger"
)

// TopicSpec описывает топик, который должен существовать.
type TopicSpec struct {
	Name              string
	Partitions        int
	ReplicationFactor int
}

// Topics строит спецификации с одинаковыми параметрами.
func Topics(partitions, replication int, names ...string) []TopicSpec {
	specs := make([]TopicSpec, 0, len(names))
	for _, n := range names {
		specs = append(specs, TopicSpec{Name: n, Partitions: partitions, ReplicationFactor: replication})
	}
	return specs
}

// EnsureTopics создаёт недостающие топики через контроллер кластера.
// Существующие топики не изменяются.
func EnsureTopics(ctx context.Context, brokers []string, specs ...TopicSpec) error {
	if len(brokers) == 0 {
		return fmt.Errorf("не указаны брокеры Kafka")
	}

	conn, err := kafka.DialContext(ctx, "tcp", brokers[0])
	if err != nil {
		return fmt.Errorf("ошибка подключения к Kafka: %w", err)
	}
	defer conn.Close()

	controller, err := conn.Controller()
	if err != nil {
		return fmt.Errorf("ошибка получения контроллера Kafka: %w", err)
	}

	ctrlConn, err := kafka.DialContext(ctx, "tcp", net.JoinHostPort(controller.Host, strconv.Itoa(controller.Port)))
	if err != nil {
		return fmt.Errorf("ошибка подключения к контроллеру Kafka: %w", err)
	}
	defer ctrlConn.Close()

	for _, spec := range specs {
		cfg := kafka.TopicConfig{
			Topic:             spec.Name,
			NumPartitions:     max(spec.Partitions, 1),
			ReplicationFactor: max(spec.ReplicationFactor, 1),
		}

		err := ctrlConn.CreateTopics(cfg)
		if err != nil && !errors.Is(err, kafka.TopicAlreadyExists) {
			return fmt.Errorf("ошибка создания топика %s: %w", spec.Name, err)
		}

		logger.Debug().
			Str("topic", spec.Name).
			Int("partitions", cfg.NumPartitions).
			Msg("Топик Kafka готов")
	}

	logger.Info().Int("count", len(specs)).Msg("Топики Kafka проверены")
	return nil
}

// Ping проверяет доступность кластера (для readiness).
func Ping(ctx context.Context, brokers []string) error {
	if len(brokers) == 0 {
		return fmt.Errorf("не указаны брокеры Kafka")
	}

	conn, err := kafka.DialContext(ctx, "tcp", brokers[0])
	if err != nil {
		return fmt.Errorf("kafka недоступна: %w", err)
	}
	defer conn.Close()

	if _, err := conn.Brokers(); err != nil {
		return fmt.Errorf("ошибка получения списка брокеров: %w", err)
	}
	return nil
}
