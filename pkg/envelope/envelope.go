// Package envelope описывает конверт сообщения (тело + заголовки) и его
// бинарный кодек. Конверт одинаково передаётся через Kafka, RabbitMQ и
// хранится в колонке headers outbox-таблицы.
package envelope

import (
	"bytes"
	"sort"
	"strconv"
)

// Стандартные ключи заголовков.
const (
	HeaderMessageID     = "message_id"
	HeaderMessageType   = "message_type"
	HeaderCorrelationID = "correlation_id"
	HeaderCausationID   = "causation_id"
	HeaderSaga          = "saga"
	HeaderSpanContext   = "span_context"
	HeaderContentType   = "content_type"
	HeaderService       = "service"
	HeaderTimestamp     = "timestamp"
	HeaderAggregateKey  = "aggregate_key"
)

// ContentTypeJSON — content_type для JSON payload.
const ContentTypeJSON = "application/json"

// Kind — вариант значения заголовка.
type Kind uint8

const (
	KindText Kind = iota + 1
	KindBytes
)

// String возвращает имя варианта.
func (k Kind) String() string {
	switch k {
	case KindText:
		return "text"
	case KindBytes:
		return "bytes"
	default:
		return "unknown"
	}
}

// Value — значение заголовка: либо текст, либо набор байт.
// Нулевое значение Value невалидно, используйте Text или Bytes.
type Value struct {
	kind Kind
	text string
	raw  []byte
}

// Text создаёт текстовое значение.
func Text(s string) Value {
	return Value{kind: KindText, text: s}
}

// Bytes создаёт байтовое значение. Срез копируется.
func Bytes(b []byte) Value {
	cp := make([]byte, len(b))
	copy(cp, b)
	return Value{kind: KindBytes, raw: cp}
}

// Kind возвращает вариант значения.
func (v Value) Kind() Kind {
	return v.kind
}

// IsValid сообщает, создано ли значение через Text или Bytes.
func (v Value) IsValid() bool {
	return v.kind == KindText || v.kind == KindBytes
}

// Text возвращает текст и true, если значение текстовое.
func (v Value) Text() (string, bool) {
	return v.text, v.kind == KindText
}

// Bytes возвращает копию байт и true, если значение байтовое.
func (v Value) Bytes() ([]byte, bool) {
	if v.kind != KindBytes {
		return nil, false
	}
	cp := make([]byte, len(v.raw))
	copy(cp, v.raw)
	return cp, true
}

// Equal сравнивает вариант и содержимое.
func (v Value) Equal(o Value) bool {
	if v.kind != o.kind {
		return false
	}
	if v.kind == KindBytes {
		return bytes.Equal(v.raw, o.raw)
	}
	return v.text == o.text
}

// String нужен для логов. Байты выводятся как длина.
func (v Value) String() string {
	switch v.kind {
	case KindText:
		return v.text
	case KindBytes:
		return "bytes(" + strconv.Itoa(len(v.raw)) + ")"
	default:
		return "<invalid>"
	}
}

// Headers — заголовки сообщения.
type Headers map[string]Value

// SetText записывает текстовый заголовок.
func (h Headers) SetText(key, value string) {
	h[key] = Text(value)
}

// SetBytes записывает байтовый заголовок.
func (h Headers) SetBytes(key string, value []byte) {
	h[key] = Bytes(value)
}

// Get возвращает значение по ключу.
func (h Headers) Get(key string) (Value, bool) {
	v, ok := h[key]
	return v, ok
}

// Text возвращает текстовый заголовок или пустую строку, если ключа нет
// или значение байтовое.
func (h Headers) Text(key string) string {
	if s, ok := h[key].Text(); ok {
		return s
	}
	return ""
}

// Clone возвращает глубокую копию.
func (h Headers) Clone() Headers {
	if h == nil {
		return nil
	}
	out := make(Headers, len(h))
	for k, v := range h {
		if v.kind == KindBytes {
			v = Bytes(v.raw)
		}
		out[k] = v
	}
	return out
}

// Keys возвращает ключи в лексикографическом порядке.
func (h Headers) Keys() []string {
	keys := make([]string, 0, len(h))
	for k := range h {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Equal сравнивает два набора заголовков поэлементно.
func (h Headers) Equal(o Headers) bool {
	if len(h) != len(o) {
		return false
	}
	for k, v := range h {
		ov, ok := o[k]
		if !ok || !v.Equal(ov) {
			return false
		}
	}
	return true
}

// Envelope — тело сообщения и его заголовки.
type Envelope struct {
	Body    []byte
	Headers Headers
}

// New создаёт конверт с пустыми заголовками.
func New(body []byte) *Envelope {
	return &Envelope{Body: body, Headers: make(Headers)}
}

// MessageID возвращает message_id.
func (e *Envelope) MessageID() string { return e.Headers.Text(HeaderMessageID) }

// Type возвращает message_type.
func (e *Envelope) Type() string { return e.Headers.Text(HeaderMessageType) }

// CorrelationID возвращает correlation_id.
func (e *Envelope) CorrelationID() string { return e.Headers.Text(HeaderCorrelationID) }

// AggregateKey возвращает aggregate_key (ключ партиционирования).
func (e *Envelope) AggregateKey() string { return e.Headers.Text(HeaderAggregateKey) }

// Marshal кодирует конверт.
func (e *Envelope) Marshal() ([]byte, error) {
	return Encode(e.Body, e.Headers)
}

// Unmarshal декодирует конверт.
func Unmarshal(data []byte) (*Envelope, error) {
	body, headers, err := Decode(data)
	if err != nil {
		return nil, err
	}
	return &Envelope{Body: body, Headers: headers}, nil
}
