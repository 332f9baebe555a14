package logger

import (
	"context"

	"github.com/rs/zerolog"
)

// ctxKey — приватный тип ключей контекста, исключает коллизии с другими пакетами.
type ctxKey string

const (
	traceIDKey       ctxKey = "trace_id"
	correlationIDKey ctxKey = "correlation_id"
	causationIDKey   ctxKey = "causation_id"
	sagaIDKey        ctxKey = "saga_id"
	loggerKey        ctxKey = "logger"
)

// WithTraceID кладёт trace_id в контекст.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceIDKey, traceID)
}

// TraceIDFromContext возвращает trace_id или пустую строку.
func TraceIDFromContext(ctx context.Context) string {
	return stringValue(ctx, traceIDKey)
}

// WithCorrelationID кладёт correlation_id в контекст.
// Correlation ID общий для всех сообщений одной бизнес-операции.
func WithCorrelationID(ctx context.Context, correlationID string) context.Context {
	return context.WithValue(ctx, correlationIDKey, correlationID)
}

// CorrelationIDFromContext возвращает correlation_id или пустую строку.
func CorrelationIDFromContext(ctx context.Context) string {
	return stringValue(ctx, correlationIDKey)
}

// WithCausationID кладёт causation_id в контекст.
func WithCausationID(ctx context.Context, causationID string) context.Context {
	return context.WithValue(ctx, causationIDKey, causationID)
}

// CausationIDFromContext возвращает causation_id или пустую строку.
func CausationIDFromContext(ctx context.Context) string {
	return stringValue(ctx, causationIDKey)
}

// WithSagaID кладёт saga_id в контекст.
func WithSagaID(ctx context.Context, sagaID string) context.Context {
	return context.WithValue(ctx, sagaIDKey, sagaID)
}

// SagaIDFromContext возвращает saga_id или пустую строку.
func SagaIDFromContext(ctx context.Context) string {
	return stringValue(ctx, sagaIDKey)
}

func stringValue(ctx context.Context, key ctxKey) string {
	if v, ok := ctx.Value(key).(string); ok {
		return v
	}
	return ""
}

// WithLogger кладёт настроенный логгер в контекст.
//
//	ctx = logger.WithLogger(ctx, logger.With().Str("component", "relay").Logger())
func WithLogger(ctx context.Context, l zerolog.Logger) context.Context {
	return context.WithValue(ctx, loggerKey, l)
}

// FromContext возвращает логгер из контекста (или глобальный) и добавляет
// trace_id, correlation_id, causation_id и saga_id, если они есть в контексте.
// Основной способ получить логгер в обработчиках.
//
//	log := logger.FromContext(ctx)
//	log.Info().Str("order_id", id).Msg("Заказ создан")
func FromContext(ctx context.Context) zerolog.Logger {
	l, ok := ctx.Value(loggerKey).(zerolog.Logger)
	if !ok {
		l = log
	}

	fields := [...]struct {
		name string
		key  ctxKey
	}{
		{"trace_id", traceIDKey},
		{"correlation_id", correlationIDKey},
		{"causation_id", causationIDKey},
		{"saga_id", sagaIDKey},
	}

	lc := l.With()
	for _, f := range fields {
		if v := stringValue(ctx, f.key); v != "" {
			lc = lc.Str(f.name, v)
		}
	}
	return lc.Logger()
}

// Ctx возвращает указатель на логгер из контекста (аналог zerolog.Ctx).
func Ctx(ctx context.Context) *zerolog.Logger {
	l := FromContext(ctx)
	return &l
}

// NewContextWithIDs добавляет непустые trace_id и correlation_id в контекст.
func NewContextWithIDs(ctx context.Context, traceID, correlationID string) context.Context {
	if traceID != "" {
		ctx = WithTraceID(ctx, traceID)
	}
	if correlationID != "" {
		ctx = WithCorrelationID(ctx, correlationID)
	}
	return ctx
}
