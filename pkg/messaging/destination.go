package messaging

import (
	"strings"
	"unicode"
)

// DestinationFunc выбирает назначение (топик, routing key) по типу сообщения.
type DestinationFunc func(messageType string) string

// PrefixedDestinations — маршрутизация по умолчанию: <prefix>.<snake_case(type)>.
//
//	PrefixedDestinations("swiftparcel")("OrderCreated") == "swiftparcel.order_created"
func PrefixedDestinations(prefix string) DestinationFunc {
	return func(messageType string) string {
		name := SnakeCase(messageType)
		if prefix == "" {
			return name
		}
		return prefix + "." + name
	}
}

// SnakeCase переводит CamelCase в snake_case. Аббревиатуры остаются
// одним словом: "HTTPRequest" → "http_request".
func SnakeCase(s string) string {
	runes := []rune(s)
	var b strings.Builder
	b.Grow(len(s) + 4)

	for i, r := range runes {
		if unicode.IsUpper(r) {
			if i > 0 {
				prev := runes[i-1]
				nextLower := i+1 < len(runes) && unicode.IsLower(runes[i+1])
				if unicode.IsLower(prev) || unicode.IsDigit(prev) || (unicode.IsUpper(prev) && nextLower) {
					b.WriteByte('_')
				}
			}
			b.WriteRune(unicode.ToLower(r))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
