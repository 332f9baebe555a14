package messaging

import (
	"context"
	"time"

	"example.com/swiftparcel/pkg/envelope"
	"example.com/swiftparcel/pkg/logger"
	"example.com/swiftparcel/pkg/metrics"
	"example.com/swiftparcel/pkg/outbox"
)

// Adapt превращает outbox.Handler (обычно outbox.Decorator) в Handler
// брокера. Доменные события уже записаны в outbox декоратором.
func Adapt(h outbox.Handler) Handler {
	return HandlerFunc(func(ctx context.Context, env *envelope.Envelope) error {
		_, err := h.Handle(ctx, outbox.Inbound{
			ID:      env.MessageID(),
			Type:    env.Type(),
			Payload: env.Body,
		})
		return err
	})
}

// WithLogging логирует обработку и пишет метрики запросов под именем name.
func WithLogging(name string, h Handler) Handler {
	return HandlerFunc(func(ctx context.Context, env *envelope.Envelope) error {
		start := time.Now()
		log := logger.FromContext(ctx)

		log.Debug().
			Str("handler", name).
			Str("message_id", env.MessageID()).
			Msg("Начало обработки сообщения")

		err := h.Handle(ctx, env)
		duration := time.Since(start)

		status := "success"
		if err != nil {
			status = "error"
			log.Error().
				Err(err).
				Str("handler", name).
				Str("message_id", env.MessageID()).
				Dur("duration", duration).
				Msg("Ошибка обработки сообщения")
		} else {
			log.Info().
				Str("handler", name).
				Str("message_id", env.MessageID()).
				Dur("duration", duration).
				Msg("Сообщение обработано")
		}

		metrics.RecordRequest("consumer", name, status, duration)
		return err
	})
}
