package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"example.com/swiftparcel/pkg/correlation"
	"example.com/swiftparcel/pkg/envelope"
	"example.com/swiftparcel/pkg/tracing"
)

// Rejection — событие отказа, в которое превращается бизнес-ошибка обработчика.
type Rejection struct {
	Type         string
	AggregateKey string
	Payload      any
}

// ErrorMapper решает, является ли ошибка обработчика бизнес-отказом.
// false — ошибка техническая, сообщение будет доставлено повторно.
type ErrorMapper func(env *envelope.Envelope, err error) (*Rejection, bool)

// publishRejection публикует отказ напрямую, минуя outbox: транзакция
// обработчика уже откатилась, писать в outbox нечего.
func (c *Client) publishRejection(ctx context.Context, cc correlation.Context, in *envelope.Envelope, rej *Rejection) error {
	if rej.Type == "" {
		return ErrNoMessageType
	}

	body, err := json.Marshal(rej.Payload)
	if err != nil {
		return fmt.Errorf("ошибка сериализации отказа %s: %w", rej.Type, err)
	}

	id, err := uuid.NewV7()
	if err != nil {
		return fmt.Errorf("ошибка генерации id сообщения: %w", err)
	}

	cc.CausationID = in.MessageID()
	if span := tracing.SpanContextBytes(ctx); span != nil {
		cc.SpanContext = span
	}

	headers := correlation.Inject(cc)
	headers.SetText(envelope.HeaderMessageID, id.String())
	headers.SetText(envelope.HeaderMessageType, rej.Type)
	headers.SetText(envelope.HeaderContentType, envelope.ContentTypeJSON)
	headers.SetText(envelope.HeaderService, c.service)
	headers.SetText(envelope.HeaderTimestamp, c.now().UTC().Format(time.RFC3339Nano))

	key := rej.AggregateKey
	if key == "" {
		key = in.AggregateKey()
	}
	if key != "" {
		headers.SetText(envelope.HeaderAggregateKey, key)
	}

	return c.Publish(ctx, &envelope.Envelope{Body: body, Headers: headers})
}
