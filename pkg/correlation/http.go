package correlation

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/google/uuid"

	"example.com/swiftparcel/pkg/envelope"
)

// HTTP заголовки и ключ gRPC metadata.
const (
	HeaderContext       = "Correlation-Context"
	HeaderCorrelationID = "X-Correlation-ID"
	MetadataKey         = "correlation-context"
)

// wire — JSON представление контекста для HTTP и gRPC.
type wire struct {
	CorrelationID string            `json:"correlation_id"`
	CausationID   string            `json:"causation_id,omitempty"`
	SagaID        string            `json:"saga_id,omitempty"`
	SpanContext   []byte            `json:"span_context,omitempty"`
	Forward       map[string]string `json:"forward,omitempty"`
}

// Marshal сериализует контекст в JSON строку.
// Из Forward переносятся только текстовые заголовки.
func Marshal(c Context) (string, error) {
	w := wire{
		CorrelationID: c.CorrelationID,
		CausationID:   c.CausationID,
		SagaID:        c.SagaID,
		SpanContext:   c.SpanContext,
	}
	for k, v := range c.Forward {
		s, ok := v.Text()
		if !ok {
			continue
		}
		if w.Forward == nil {
			w.Forward = make(map[string]string)
		}
		w.Forward[k] = s
	}

	data, err := json.Marshal(w)
	if err != nil {
		return "", fmt.Errorf("ошибка сериализации контекста корреляции: %w", err)
	}
	return string(data), nil
}

// Parse разбирает JSON строку из Marshal.
func Parse(s string) (Context, error) {
	var w wire
	if err := json.Unmarshal([]byte(s), &w); err != nil {
		return Context{}, fmt.Errorf("ошибка разбора контекста корреляции: %w", err)
	}

	c := Context{
		CorrelationID: w.CorrelationID,
		CausationID:   w.CausationID,
		SagaID:        w.SagaID,
		SpanContext:   w.SpanContext,
	}
	for k, v := range w.Forward {
		if IsReserved(k) {
			continue
		}
		if c.Forward == nil {
			c.Forward = make(envelope.Headers)
		}
		c.Forward.SetText(k, v)
	}
	return c, nil
}

// FromHTTP извлекает контекст из заголовков запроса.
// Порядок: Correlation-Context (JSON), затем X-Correlation-ID, иначе новый.
// Некорректный JSON не ошибка: второе значение сообщает, был ли он разобран.
func FromHTTP(h http.Header) (Context, bool) {
	if raw := h.Get(HeaderContext); raw != "" {
		if c, err := Parse(raw); err == nil && c.CorrelationID != "" {
			return c, true
		}
	}
	if id := h.Get(HeaderCorrelationID); id != "" {
		return Context{CorrelationID: id}, true
	}
	return Context{CorrelationID: uuid.NewString()}, false
}

// ToHTTP записывает контекст в заголовки исходящего запроса или ответа.
func ToHTTP(h http.Header, c Context) error {
	raw, err := Marshal(c)
	if err != nil {
		return err
	}
	h.Set(HeaderContext, raw)
	h.Set(HeaderCorrelationID, c.CorrelationID)
	return nil
}
