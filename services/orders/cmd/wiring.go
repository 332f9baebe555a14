package main

import (
	"context"
	"fmt"

	"example.com/swiftparcel/pkg/config"
	"example.com/swiftparcel/pkg/db"
	"example.com/swiftparcel/pkg/healthcheck"
	"example.com/swiftparcel/pkg/kafka"
	"example.com/swiftparcel/pkg/messaging"
	"example.com/swiftparcel/pkg/outbox"
	"example.com/swiftparcel/pkg/outbox/gormstore"
	"example.com/swiftparcel/pkg/outbox/mongostore"
	"example.com/swiftparcel/pkg/rabbitmq"
	"example.com/swiftparcel/services/orders/internal/repository"
)

// outboxStore — хранилище outbox со стороны и обработчиков, и релея.
type outboxStore interface {
	outbox.Store
	outbox.UnitOfWork
}

// storage — заказы и outbox в одной базе.
type storage struct {
	orders repository.OrderRepository
	outbox outboxStore
	check  healthcheck.Check
	close  func(ctx context.Context) error
}

// openStorage подключает базу по DB_DRIVER и готовит схему.
func openStorage(ctx context.Context, cfg *config.Config) (*storage, error) {
	if cfg.Database.Driver == config.DriverMongo {
		client, err := db.ConnectMongo(ctx, cfg.Mongo)
		if err != nil {
			return nil, err
		}

		store := mongostore.New(client, cfg.Mongo.Database)
		if err := store.EnsureIndexes(ctx); err != nil {
			_ = client.Disconnect(ctx)
			return nil, err
		}

		return &storage{
			orders: repository.NewMongoOrderRepository(client, cfg.Mongo.Database),
			outbox: store,
			check:  func(ctx context.Context) error { return healthcheck.CheckMongo(ctx, client) },
			close:  client.Disconnect,
		}, nil
	}

	gdb, err := db.Connect(cfg, cfg.IsDevelopment())
	if err != nil {
		return nil, err
	}

	store := gormstore.New(gdb)
	if err := store.AutoMigrate(ctx); err != nil {
		_ = db.Close(gdb)
		return nil, fmt.Errorf("ошибка миграции outbox: %w", err)
	}
	if err := repository.AutoMigrate(ctx, gdb); err != nil {
		_ = db.Close(gdb)
		return nil, fmt.Errorf("ошибка миграции заказов: %w", err)
	}

	return &storage{
		orders: repository.NewOrderRepository(gdb),
		outbox: store,
		check:  func(ctx context.Context) error { return healthcheck.CheckSQL(ctx, gdb) },
		close:  func(context.Context) error { return db.Close(gdb) },
	}, nil
}

// broker — выбранный транспорт и проверка его доступности.
type broker struct {
	transport messaging.Transport
	check     healthcheck.Check
	// ensure создаёт destinations заранее; nil, если транспорт делает это сам.
	ensure func(ctx context.Context, destinations []string) error
}

// openBroker подключает транспорт по BROKER.
func openBroker(cfg *config.Config) (*broker, error) {
	if cfg.Broker.Kind == config.BrokerRabbitMQ {
		t, err := rabbitmq.Dial(rabbitmq.Config{
			URL:                cfg.RabbitMQ.URL,
			Exchange:           cfg.RabbitMQ.Exchange,
			DeadLetterExchange: cfg.RabbitMQ.DeadLetterExchange,
			DeadLetterQueue:    cfg.RabbitMQ.DeadLetterQueue,
			Prefetch:           cfg.RabbitMQ.Prefetch,
			ConfirmTimeout:     cfg.RabbitMQ.ConfirmTimeout,
		})
		if err != nil {
			return nil, err
		}
		return &broker{transport: t, check: t.Ping}, nil
	}

	kcfg := kafka.Config{
		Brokers:       cfg.Kafka.Brokers,
		DLQTopic:      cfg.Kafka.DLQTopic,
		MaxDeliveries: cfg.Kafka.MaxDeliveries,
		RetryInitial:  cfg.Kafka.RetryInitial,
		RetryMax:      cfg.Kafka.RetryMax,
	}
	t, err := kafka.NewTransport(kcfg)
	if err != nil {
		return nil, err
	}

	b := &broker{
		transport: t,
		check:     func(ctx context.Context) error { return healthcheck.CheckKafka(ctx, cfg.Kafka.Brokers) },
	}
	if cfg.Kafka.EnsureTopics {
		b.ensure = func(ctx context.Context, destinations []string) error {
			names := append(append([]string(nil), destinations...), t.Config().DLQTopic)
			return kafka.EnsureTopics(ctx, cfg.Kafka.Brokers,
				kafka.Topics(cfg.Kafka.Partitions, cfg.Kafka.ReplicationFactor, names...)...)
		}
	}
	return b, nil
}
