package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"

	"example.com/swiftparcel/pkg/envelope"
	"example.com/swiftparcel/pkg/logger"
	"example.com/swiftparcel/pkg/messaging"
)

// ErrNotConfirmed — брокер не подтвердил публикацию.
var ErrNotConfirmed = errors.New("публикация не подтверждена брокером")

// Transport реализует messaging.Transport: назначение — routing key.
type Transport struct {
	cfg  Config
	conn *amqp.Connection

	mu sync.Mutex // Канал публикации в режиме confirm не потокобезопасен
	ch *amqp.Channel
}

var _ messaging.Transport = (*Transport)(nil)

// Dial подключается к RabbitMQ и объявляет exchange.
func Dial(cfg Config) (*Transport, error) {
	cfg = cfg.withDefaults()

	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("ошибка подключения к RabbitMQ: %w", err)
	}

	t := &Transport{cfg: cfg, conn: conn}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("ошибка открытия канала: %w", err)
	}
	defer ch.Close()

	if err := t.declareExchanges(ch); err != nil {
		_ = conn.Close()
		return nil, err
	}

	logger.Info().
		Str("exchange", cfg.Exchange).
		Msg("Подключение к RabbitMQ установлено")

	return t, nil
}

func (t *Transport) declareExchanges(ch *amqp.Channel) error {
	if err := ch.ExchangeDeclare(t.cfg.Exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		return fmt.Errorf("ошибка объявления exchange %s: %w", t.cfg.Exchange, err)
	}

	if t.cfg.DeadLetterExchange == "" {
		return nil
	}

	if err := ch.ExchangeDeclare(t.cfg.DeadLetterExchange, amqp.ExchangeFanout, true, false, false, false, nil); err != nil {
		return fmt.Errorf("ошибка объявления DLX: %w", err)
	}
	if _, err := ch.QueueDeclare(t.cfg.DeadLetterQueue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("ошибка объявления DLQ: %w", err)
	}
	if err := ch.QueueBind(t.cfg.DeadLetterQueue, "", t.cfg.DeadLetterExchange, false, nil); err != nil {
		return fmt.Errorf("ошибка привязки DLQ: %w", err)
	}
	return nil
}

// publishChannel возвращает канал публикации, переоткрывая его после обрыва.
// Вызывается под t.mu.
func (t *Transport) publishChannel() (*amqp.Channel, error) {
	if t.ch != nil && !t.ch.IsClosed() {
		return t.ch, nil
	}

	ch, err := t.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("ошибка открытия канала публикации: %w", err)
	}
	if err := ch.Confirm(false); err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("ошибка включения confirm режима: %w", err)
	}

	t.ch = ch
	return ch, nil
}

// Publish публикует конверт и ждёт подтверждения брокера.
func (t *Transport) Publish(ctx context.Context, destination string, env *envelope.Envelope) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	ch, err := t.publishChannel()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, t.cfg.ConfirmTimeout)
	defer cancel()

	dc, err := ch.PublishWithDeferredConfirmWithContext(ctx, t.cfg.Exchange, destination, false, false, toPublishing(env))
	if err != nil {
		return fmt.Errorf("ошибка публикации в RabbitMQ: %w", err)
	}

	acked, err := dc.WaitContext(ctx)
	if err != nil {
		return fmt.Errorf("ошибка ожидания подтверждения: %w", err)
	}
	if !acked {
		return ErrNotConfirmed
	}

	logger.FromContext(ctx).Debug().
		Str("routing_key", destination).
		Str("message_id", env.MessageID()).
		Msg("Сообщение опубликовано в RabbitMQ")
	return nil
}

// Consume объявляет очередь группы, привязывает её к назначению и читает
// до отмены ctx.
func (t *Transport) Consume(ctx context.Context, destination, group string, h messaging.DeliveryHandler) error {
	ch, err := t.conn.Channel()
	if err != nil {
		return fmt.Errorf("ошибка открытия канала: %w", err)
	}
	defer ch.Close()

	if err := ch.Qos(t.cfg.Prefetch, 0, false); err != nil {
		return fmt.Errorf("ошибка установки QoS: %w", err)
	}

	queue := queueName(group, destination)
	var args amqp.Table
	if t.cfg.DeadLetterExchange != "" {
		args = amqp.Table{"x-dead-letter-exchange": t.cfg.DeadLetterExchange}
	}

	if _, err := ch.QueueDeclare(queue, true, false, false, false, args); err != nil {
		return fmt.Errorf("ошибка объявления очереди %s: %w", queue, err)
	}
	if err := ch.QueueBind(queue, destination, t.cfg.Exchange, false, nil); err != nil {
		return fmt.Errorf("ошибка привязки очереди %s: %w", queue, err)
	}

	deliveries, err := ch.Consume(queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("ошибка запуска потребителя %s: %w", queue, err)
	}

	logger.Info().
		Str("queue", queue).
		Str("routing_key", destination).
		Int("prefetch", t.cfg.Prefetch).
		Msg("Запуск чтения сообщений из RabbitMQ")

	for {
		select {
		case <-ctx.Done():
			logger.Info().Str("queue", queue).Msg("Остановка потребителя RabbitMQ")
			return ctx.Err()
		case d, ok := <-deliveries:
			if !ok {
				return fmt.Errorf("канал доставки очереди %s закрыт", queue)
			}
			handleDelivery(ctx, d, h)
		}
	}
}

// handleDelivery подтверждает сообщение по результату обработки.
// Первая неудача возвращает сообщение в очередь, неудача повторной
// доставки отправляет его в DLX.
func handleDelivery(ctx context.Context, d amqp.Delivery, h messaging.DeliveryHandler) {
	log := logger.FromContext(ctx).With().
		Str("message_id", d.MessageId).
		Str("routing_key", d.RoutingKey).
		Logger()

	env, err := fromDelivery(d)
	if err != nil {
		log.Error().Err(err).Msg("Нераспознанное сообщение, отклонено без повтора")
		if nackErr := d.Nack(false, false); nackErr != nil {
			log.Error().Err(nackErr).Msg("Ошибка nack")
		}
		return
	}

	if err := h(ctx, env); err != nil {
		requeue := !d.Redelivered
		log.Warn().
			Err(err).
			Bool("requeue", requeue).
			Msg("Ошибка обработки сообщения")
		if nackErr := d.Nack(false, requeue); nackErr != nil {
			log.Error().Err(nackErr).Msg("Ошибка nack")
		}
		return
	}

	if err := d.Ack(false); err != nil {
		log.Error().Err(err).Msg("Ошибка ack")
	}
}

// Ping проверяет соединение (для readiness).
func (t *Transport) Ping(context.Context) error {
	if t.conn.IsClosed() {
		return errors.New("соединение с RabbitMQ закрыто")
	}
	return nil
}

// Close закрывает канал публикации и соединение.
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.ch != nil {
		_ = t.ch.Close()
		t.ch = nil
	}

	logger.Info().Msg("Закрытие соединения с RabbitMQ")
	return t.conn.Close()
}
