package kafka

import (
	"context"
	"errors"
	"sync"

	"example.com/swiftparcel/pkg/envelope"
	"example.com/swiftparcel/pkg/messaging"
)

// Transport реализует messaging.Transport: назначение — имя топика.
type Transport struct {
	cfg      Config
	producer *Producer

	mu        sync.Mutex
	consumers map[*Consumer]struct{}
}

var _ messaging.Transport = (*Transport)(nil)

// NewTransport создаёт транспорт с общим продюсером для публикации и DLQ.
func NewTransport(cfg Config) (*Transport, error) {
	cfg = cfg.withDefaults()

	producer, err := NewProducer(cfg)
	if err != nil {
		return nil, err
	}

	return &Transport{
		cfg:       cfg,
		producer:  producer,
		consumers: make(map[*Consumer]struct{}),
	}, nil
}

// Config возвращает настройки транспорта.
func (t *Transport) Config() Config {
	return t.cfg
}

// Publish отправляет конверт в топик destination.
func (t *Transport) Publish(ctx context.Context, destination string, env *envelope.Envelope) error {
	return t.producer.Publish(ctx, destination, env)
}

// Consume читает топик destination группой group до отмены ctx.
func (t *Transport) Consume(ctx context.Context, destination, group string, h messaging.DeliveryHandler) error {
	c, err := NewConsumer(t.cfg, destination, group, t.producer)
	if err != nil {
		return err
	}

	t.mu.Lock()
	t.consumers[c] = struct{}{}
	t.mu.Unlock()

	defer func() {
		t.mu.Lock()
		delete(t.consumers, c)
		t.mu.Unlock()
		_ = c.Close()
	}()

	return c.Consume(ctx, h)
}

// Lag возвращает суммарное отставание активных потребителей.
func (t *Transport) Lag() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	var lag int64
	for c := range t.consumers {
		lag += c.Lag()
	}
	return lag
}

// Close закрывает активных потребителей и продюсер.
func (t *Transport) Close() error {
	t.mu.Lock()
	var errs []error
	for c := range t.consumers {
		errs = append(errs, c.Close())
	}
	t.consumers = make(map[*Consumer]struct{})
	t.mu.Unlock()

	errs = append(errs, t.producer.Close())
	return errors.Join(errs...)
}
