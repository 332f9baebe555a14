package envelope

import (
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// Формат (protobuf wire, без .proto схемы):
//
//	1: bytes   body
//	2: message entry (repeated, по возрастанию key)
//	     1: string key
//	     2: string text   | 3: bytes raw
const (
	fieldBody   protowire.Number = 1
	fieldHeader protowire.Number = 2

	fieldKey   protowire.Number = 1
	fieldText  protowire.Number = 2
	fieldBytes protowire.Number = 3
)

var (
	// ErrMalformed — данные не являются корректным конвертом.
	ErrMalformed = errors.New("некорректный конверт")

	// ErrInvalidHeader — заголовок нельзя закодировать или декодировать.
	ErrInvalidHeader = errors.New("некорректный заголовок")
)

// Encode детерминированно кодирует тело и заголовки.
// Заголовки пишутся в порядке возрастания ключа.
func Encode(body []byte, headers Headers) ([]byte, error) {
	size := protowire.SizeTag(fieldBody) + protowire.SizeBytes(len(body))
	buf := make([]byte, 0, size+64*len(headers))

	buf = protowire.AppendTag(buf, fieldBody, protowire.BytesType)
	buf = protowire.AppendBytes(buf, body)

	for _, key := range headers.Keys() {
		entry, err := encodeEntry(key, headers[key])
		if err != nil {
			return nil, err
		}
		buf = protowire.AppendTag(buf, fieldHeader, protowire.BytesType)
		buf = protowire.AppendBytes(buf, entry)
	}

	return buf, nil
}

func encodeEntry(key string, v Value) ([]byte, error) {
	if key == "" {
		return nil, fmt.Errorf("%w: пустой ключ", ErrInvalidHeader)
	}

	var entry []byte
	entry = protowire.AppendTag(entry, fieldKey, protowire.BytesType)
	entry = protowire.AppendString(entry, key)

	switch v.kind {
	case KindText:
		entry = protowire.AppendTag(entry, fieldText, protowire.BytesType)
		entry = protowire.AppendString(entry, v.text)
	case KindBytes:
		entry = protowire.AppendTag(entry, fieldBytes, protowire.BytesType)
		entry = protowire.AppendBytes(entry, v.raw)
	default:
		return nil, fmt.Errorf("%w: %q без значения", ErrInvalidHeader, key)
	}

	return entry, nil
}

// Decode разбирает результат Encode. Неизвестные поля пропускаются,
// возвращаемые срезы не ссылаются на data.
func Decode(data []byte) ([]byte, Headers, error) {
	body := []byte{}
	headers := make(Headers)

	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, nil, fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(n))
		}
		data = data[n:]

		switch {
		case num == fieldBody && typ == protowire.BytesType:
			v, m := protowire.ConsumeBytes(data)
			if m < 0 {
				return nil, nil, fmt.Errorf("%w: body: %v", ErrMalformed, protowire.ParseError(m))
			}
			body = append([]byte{}, v...)
			data = data[m:]

		case num == fieldHeader && typ == protowire.BytesType:
			v, m := protowire.ConsumeBytes(data)
			if m < 0 {
				return nil, nil, fmt.Errorf("%w: header: %v", ErrMalformed, protowire.ParseError(m))
			}
			key, val, err := decodeEntry(v)
			if err != nil {
				return nil, nil, err
			}
			if _, dup := headers[key]; dup {
				return nil, nil, fmt.Errorf("%w: повторяющийся ключ %q", ErrInvalidHeader, key)
			}
			headers[key] = val
			data = data[m:]

		default:
			m := protowire.ConsumeFieldValue(num, typ, data)
			if m < 0 {
				return nil, nil, fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(m))
			}
			data = data[m:]
		}
	}

	return body, headers, nil
}

func decodeEntry(data []byte) (string, Value, error) {
	var (
		key    string
		hasKey bool
		val    Value
	)

	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return "", Value{}, fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(n))
		}
		data = data[n:]

		if typ != protowire.BytesType || num < fieldKey || num > fieldBytes {
			m := protowire.ConsumeFieldValue(num, typ, data)
			if m < 0 {
				return "", Value{}, fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(m))
			}
			data = data[m:]
			continue
		}

		v, m := protowire.ConsumeBytes(data)
		if m < 0 {
			return "", Value{}, fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(m))
		}
		data = data[m:]

		switch num {
		case fieldKey:
			key, hasKey = string(v), true
		case fieldText:
			val = Text(string(v))
		case fieldBytes:
			val = Bytes(v)
		}
	}

	if !hasKey || key == "" {
		return "", Value{}, fmt.Errorf("%w: пустой ключ", ErrInvalidHeader)
	}
	if !val.IsValid() {
		return "", Value{}, fmt.Errorf("%w: %q без значения", ErrInvalidHeader, key)
	}
	return key, val, nil
}
