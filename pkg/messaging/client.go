package messaging

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"example.com/swiftparcel/pkg/correlation"
	"example.com/swiftparcel/pkg/envelope"
	"example.com/swiftparcel/pkg/logger"
	"example.com/swiftparcel/pkg/metrics"
	"example.com/swiftparcel/pkg/tracing"
)

// Статусы обработки для метрики messages_consumed_total.
const (
	statusSuccess   = "success"
	statusError     = "error"
	statusDuplicate = "duplicate"
	statusInFlight  = "in_flight"
	statusRejected  = "rejected"
	statusUnhandled = "unhandled"
)

// Option настраивает Client.
type Option func(*Client)

// WithRegistry задаёт реестр обработчиков (по умолчанию пустой).
func WithRegistry(r *Registry) Option {
	return func(c *Client) { c.registry = r }
}

// WithDedup включает дедупликацию входящих сообщений.
func WithDedup(store DedupStore) Option {
	return func(c *Client) { c.dedup = store }
}

// WithErrorMapper включает маппинг бизнес-ошибок в rejected-события.
func WithErrorMapper(m ErrorMapper) Option {
	return func(c *Client) { c.errorMapper = m }
}

// WithDestinations задаёт маршрутизацию по типу сообщения.
func WithDestinations(fn DestinationFunc) Option {
	return func(c *Client) { c.destinations = fn }
}

// WithGroup задаёт группу потребителей (по умолчанию имя сервиса).
func WithGroup(group string) Option {
	return func(c *Client) { c.group = group }
}

// Client — клиент брокера одного сервиса.
type Client struct {
	transport    Transport
	service      string
	group        string
	destinations DestinationFunc
	registry     *Registry
	dedup        DedupStore
	errorMapper  ErrorMapper
	now          func() time.Time
}

// NewClient создаёт клиент поверх транспорта.
func NewClient(transport Transport, service string, opts ...Option) *Client {
	c := &Client{
		transport:    transport,
		service:      service,
		group:        service,
		destinations: PrefixedDestinations(""),
		registry:     NewRegistry(),
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Destination возвращает назначение для типа сообщения.
func (c *Client) Destination(messageType string) string {
	return c.destinations(messageType)
}

// Publish отправляет конверт в назначение его типа.
// Реализует outbox.Publisher.
func (c *Client) Publish(ctx context.Context, env *envelope.Envelope) error {
	msgType := env.Type()
	if msgType == "" {
		return ErrNoMessageType
	}

	dest := c.destinations(msgType)
	if err := c.transport.Publish(ctx, dest, env); err != nil {
		return fmt.Errorf("ошибка публикации %s в %s: %w", msgType, dest, err)
	}
	return nil
}

// Subscribe регистрирует обработчик типа сообщения.
func (c *Client) Subscribe(messageType string, h Handler) error {
	return c.registry.Register(messageType, h)
}

// Destinations возвращает назначения всех подписок без повторов.
func (c *Client) Destinations() []string {
	seen := make(map[string]struct{})
	var out []string
	for _, t := range c.registry.Types() {
		dest := c.destinations(t)
		if _, ok := seen[dest]; ok {
			continue
		}
		seen[dest] = struct{}{}
		out = append(out, dest)
	}
	return out
}

// Run запускает по одному потребителю на каждое назначение подписок
// и блокируется до отмены ctx. Ошибка любого потребителя останавливает остальные.
func (c *Client) Run(ctx context.Context) error {
	dests := c.Destinations()
	if len(dests) == 0 {
		logger.Warn().Str("service", c.service).Msg("Нет подписок, потребители не запущены")
		<-ctx.Done()
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, dest := range dests {
		g.Go(func() error {
			logger.Info().
				Str("destination", dest).
				Str("group", c.group).
				Msg("Запуск потребителя")
			return c.transport.Consume(gctx, dest, c.group, c.Deliver)
		})
	}

	err := g.Wait()
	if err != nil && ctx.Err() != nil && errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Deliver — конвейер приёма, общий для всех транспортов:
// корреляция → span → дедупликация → обработчик → подтверждение.
// nil означает "подтвердить", ошибка — "доставить повторно".
func (c *Client) Deliver(ctx context.Context, env *envelope.Envelope) error {
	msgType := env.Type()
	msgID := env.MessageID()

	cc := correlation.Extract(env.Headers)
	ctx = correlation.WithContext(ctx, cc)
	ctx = tracing.ContextWithRemoteSpan(ctx, cc.SpanContext)
	ctx, span := tracing.StartConsumerSpan(ctx, c.destinations(msgType), msgType, msgID)
	defer span.End()

	log := logger.FromContext(ctx).With().
		Str("message_type", msgType).
		Str("message_id", msgID).
		Logger()

	h, ok := c.registry.Lookup(msgType)
	if !ok {
		log.Warn().Msg("Нет обработчика для типа сообщения, сообщение подтверждено")
		c.count(msgType, statusUnhandled)
		return nil
	}

	deduped := false
	if c.dedup != nil && msgID != "" {
		err := c.dedup.Acquire(ctx, c.group, msgID)
		switch {
		case err == nil:
			deduped = true
		case errors.Is(err, ErrAlreadyProcessed):
			log.Info().Msg("Повторная доставка, сообщение уже обработано")
			c.count(msgType, statusDuplicate)
			return nil
		case errors.Is(err, ErrInFlight):
			c.count(msgType, statusInFlight)
			return fmt.Errorf("сообщение %s: %w", msgID, err)
		default:
			log.Warn().Err(err).Msg("Хранилище дедупликации недоступно, обработка без дедупликации")
		}
	}

	handleErr := h.Handle(ctx, env)
	if handleErr == nil {
		if deduped {
			c.complete(ctx, msgID)
		}
		c.count(msgType, statusSuccess)
		return nil
	}

	if c.errorMapper != nil {
		if rej, ok := c.errorMapper(env, handleErr); ok {
			if err := c.publishRejection(ctx, cc, env, rej); err != nil {
				log.Error().Err(err).Msg("Не удалось опубликовать отказ")
				if deduped {
					c.release(ctx, msgID)
				}
				c.count(msgType, statusError)
				return err
			}
			log.Info().
				Err(handleErr).
				Str("rejection_type", rej.Type).
				Msg("Бизнес-ошибка преобразована в отказ")
			if deduped {
				c.complete(ctx, msgID)
			}
			c.count(msgType, statusRejected)
			return nil
		}
	}

	if deduped {
		c.release(ctx, msgID)
	}
	c.count(msgType, statusError)
	return handleErr
}

func (c *Client) complete(ctx context.Context, msgID string) {
	if err := c.dedup.Complete(context.WithoutCancel(ctx), c.group, msgID); err != nil {
		logger.FromContext(ctx).Warn().Err(err).Str("message_id", msgID).
			Msg("Не удалось отметить сообщение обработанным")
	}
}

func (c *Client) release(ctx context.Context, msgID string) {
	if err := c.dedup.Release(context.WithoutCancel(ctx), c.group, msgID); err != nil {
		logger.FromContext(ctx).Warn().Err(err).Str("message_id", msgID).
			Msg("Не удалось снять резервирование сообщения")
	}
}

func (c *Client) count(msgType, status string) {
	metrics.MessagesConsumed.WithLabelValues(c.service, msgType, status).Inc()
}
