package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"example.com/swiftparcel/pkg/correlation"
	"example.com/swiftparcel/pkg/envelope"
	"example.com/swiftparcel/pkg/logger"
	"example.com/swiftparcel/pkg/metrics"
	"example.com/swiftparcel/pkg/tracing"
)

// Inbound — входящая команда или событие.
type Inbound struct {
	ID      string // message_id входящего сообщения, становится causation_id; пустой генерируется
	Type    string
	Payload []byte
}

// Handler — обработчик входящего сообщения. Сохраняет изменение состояния
// через репозитории, использующие ctx, и возвращает доменные события в
// порядке их возникновения. Должен быть безопасен для повторного запуска.
type Handler interface {
	Handle(ctx context.Context, in Inbound) ([]DomainEvent, error)
}

// HandlerFunc — адаптер функции к Handler.
type HandlerFunc func(ctx context.Context, in Inbound) ([]DomainEvent, error)

// Handle вызывает f.
func (f HandlerFunc) Handle(ctx context.Context, in Inbound) ([]DomainEvent, error) {
	return f(ctx, in)
}

// Decorator оборачивает Handler: обработчик и запись outbox выполняются
// в одной транзакции.
type Decorator struct {
	next    Handler
	uow     UnitOfWork
	mapper  *Mapper
	service string
	now     func() time.Time
}

// Decorate создаёт декоратор. service попадает в заголовок service.
func Decorate(next Handler, uow UnitOfWork, mapper *Mapper, service string) *Decorator {
	return &Decorator{
		next:    next,
		uow:     uow,
		mapper:  mapper,
		service: service,
		now:     time.Now,
	}
}

// Handle выполняет обработчик и пишет по одной записи outbox на каждое
// сопоставленное событие. Ошибка обработчика или маппинга откатывает
// транзакцию целиком.
func (d *Decorator) Handle(ctx context.Context, in Inbound) ([]DomainEvent, error) {
	ctx, cc := correlation.Ensure(ctx)
	if in.ID == "" {
		// HTTP и gRPC команды приходят без message_id.
		id, err := uuid.NewV7()
		if err != nil {
			return nil, fmt.Errorf("ошибка генерации id входящего сообщения: %w", err)
		}
		in.ID = id.String()
	}
	cc.CausationID = in.ID
	ctx = correlation.WithContext(ctx, cc)

	var (
		events  []DomainEvent
		written int
	)

	err := d.uow.InTx(ctx, func(txCtx context.Context) error {
		var err error
		events, err = d.next.Handle(txCtx, in)
		if err != nil {
			return err
		}

		msgs, err := d.build(txCtx, cc, events)
		if err != nil {
			return err
		}
		if len(msgs) == 0 {
			return nil
		}
		written = len(msgs)
		return d.uow.Append(txCtx, msgs...)
	})
	if err != nil {
		return nil, err
	}

	if written > 0 {
		metrics.OutboxWritten.WithLabelValues(d.service).Add(float64(written))
		log := logger.FromContext(ctx)
		log.Debug().
			Str("message_type", in.Type).
			Int("written", written).
			Msg("Записи outbox сохранены")
	}

	return events, nil
}

func (d *Decorator) build(ctx context.Context, cc correlation.Context, events []DomainEvent) ([]*Message, error) {
	span := tracing.SpanContextBytes(ctx)
	if span == nil {
		span = cc.SpanContext
	}
	cc.SpanContext = span

	now := d.now().UTC()
	msgs := make([]*Message, 0, len(events))

	for _, ev := range events {
		ie, err := d.mapper.Map(ev)
		if err != nil {
			return nil, err
		}
		if ie == nil {
			continue
		}

		payload, err := encodePayload(ie.Payload)
		if err != nil {
			return nil, &MappingError{Event: ev.EventName(), Err: err}
		}

		id, err := uuid.NewV7()
		if err != nil {
			return nil, fmt.Errorf("ошибка генерации id сообщения: %w", err)
		}

		headers := correlation.Inject(cc)
		headers.SetText(envelope.HeaderContentType, envelope.ContentTypeJSON)
		headers.SetText(envelope.HeaderService, d.service)
		headers.SetText(envelope.HeaderTimestamp, now.Format(time.RFC3339Nano))

		msgs = append(msgs, &Message{
			ID:           id.String(),
			Type:         ie.Type,
			AggregateKey: ie.AggregateKey,
			Payload:      payload,
			Headers:      headers,
			CreatedAt:    now,
			State:        StatePending,
		})
	}

	return msgs, nil
}

func encodePayload(p any) ([]byte, error) {
	switch v := p.(type) {
	case nil:
		return []byte("null"), nil
	case []byte:
		return append([]byte(nil), v...), nil
	case json.RawMessage:
		return append([]byte(nil), v...), nil
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("ошибка сериализации payload: %w", err)
		}
		return data, nil
	}
}
