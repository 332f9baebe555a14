// Package correlation переносит контекст корреляции (correlation, causation,
// saga, span) между входящим сообщением, обработчиком и исходящими
// сообщениями. Контекст передаётся явно через context.Context.
package correlation

import (
	"context"

	"github.com/google/uuid"

	"example.com/swiftparcel/pkg/envelope"
	"example.com/swiftparcel/pkg/logger"
)

// Context — корреляционные данные одной единицы работы.
type Context struct {
	CorrelationID string
	// CausationID — message_id сообщения, вызвавшего текущую обработку.
	CausationID string
	SagaID      string
	// SpanContext — непрозрачные байты трейсинга, расшифровывает только pkg/tracing.
	SpanContext []byte
	// Forward — неизвестные входящие заголовки, пересылаются как есть.
	Forward envelope.Headers
}

// reserved — заголовки, которые описывают конкретное сообщение и не пересылаются.
var reserved = map[string]struct{}{
	envelope.HeaderMessageID:     {},
	envelope.HeaderMessageType:   {},
	envelope.HeaderCorrelationID: {},
	envelope.HeaderCausationID:   {},
	envelope.HeaderSaga:          {},
	envelope.HeaderSpanContext:   {},
	envelope.HeaderContentType:   {},
	envelope.HeaderService:       {},
	envelope.HeaderTimestamp:     {},
	envelope.HeaderAggregateKey:  {},
}

// IsReserved сообщает, является ли ключ служебным.
func IsReserved(key string) bool {
	_, ok := reserved[key]
	return ok
}

// New создаёт контекст с новым correlation_id.
func New() Context {
	return Context{CorrelationID: uuid.NewString()}
}

// Extract строит контекст из заголовков входящего сообщения.
// Если correlation_id нет, генерируется новый.
func Extract(h envelope.Headers) Context {
	c := Context{
		CorrelationID: h.Text(envelope.HeaderCorrelationID),
		CausationID:   h.Text(envelope.HeaderMessageID),
		SagaID:        h.Text(envelope.HeaderSaga),
	}
	if c.CorrelationID == "" {
		c.CorrelationID = uuid.NewString()
	}

	if v, ok := h.Get(envelope.HeaderSpanContext); ok {
		if b, isBytes := v.Bytes(); isBytes {
			c.SpanContext = b
		} else if s, _ := v.Text(); s != "" {
			c.SpanContext = []byte(s)
		}
	}

	for k, v := range h {
		if IsReserved(k) {
			continue
		}
		if c.Forward == nil {
			c.Forward = make(envelope.Headers)
		}
		c.Forward[k] = v
	}

	return c
}

// Inject возвращает заголовки для исходящего сообщения.
// saga пишется только если SagaID непустой: отсутствие saga означает
// отсутствие ключа, а не пустое значение.
func Inject(c Context) envelope.Headers {
	h := make(envelope.Headers, len(c.Forward)+4)
	for k, v := range c.Forward {
		if IsReserved(k) {
			continue
		}
		h[k] = v
	}

	h.SetText(envelope.HeaderCorrelationID, c.CorrelationID)
	if c.CausationID != "" {
		h.SetText(envelope.HeaderCausationID, c.CausationID)
	}
	if c.SagaID != "" {
		h.SetText(envelope.HeaderSaga, c.SagaID)
	}
	if len(c.SpanContext) > 0 {
		h.SetBytes(envelope.HeaderSpanContext, c.SpanContext)
	}
	return h
}

// Clone возвращает копию без общих срезов и карт.
func (c Context) Clone() Context {
	out := c
	if c.SpanContext != nil {
		out.SpanContext = append([]byte(nil), c.SpanContext...)
	}
	out.Forward = c.Forward.Clone()
	return out
}

type ctxKey struct{}

// WithContext кладёт контекст корреляции в ctx и дублирует идентификаторы
// в поля логгера.
func WithContext(ctx context.Context, c Context) context.Context {
	ctx = context.WithValue(ctx, ctxKey{}, c)
	ctx = logger.WithCorrelationID(ctx, c.CorrelationID)
	if c.CausationID != "" {
		ctx = logger.WithCausationID(ctx, c.CausationID)
	}
	if c.SagaID != "" {
		ctx = logger.WithSagaID(ctx, c.SagaID)
	}
	return ctx
}

// FromContext возвращает контекст корреляции из ctx.
func FromContext(ctx context.Context) (Context, bool) {
	c, ok := ctx.Value(ctxKey{}).(Context)
	return c, ok
}

// Ensure возвращает контекст корреляции из ctx, создавая новый при отсутствии.
func Ensure(ctx context.Context) (context.Context, Context) {
	if c, ok := FromContext(ctx); ok && c.CorrelationID != "" {
		return ctx, c
	}
	c := New()
	return WithContext(ctx, c), c
}
