package gormstore

import (
	"fmt"
	"time"

	"example.com/swiftparcel/pkg/envelope"
	"example.com/swiftparcel/pkg/outbox"
)

// Model — GORM модель таблицы outbox_messages.
// Индекс idx_outbox_claim (state, aggregate_key, id) обслуживает запрос захвата.
type Model struct {
	ID            string     `gorm:"column:id;type:varchar(36);primaryKey;index:idx_outbox_claim,priority:3"`
	Type          string     `gorm:"column:type;type:varchar(150);not null"`
	AggregateKey  string     `gorm:"column:aggregate_key;type:varchar(100);not null;index:idx_outbox_claim,priority:2"`
	Payload       []byte     `gorm:"column:payload;not null"`
	Headers       []byte     `gorm:"column:headers"`
	CreatedAt     time.Time  `gorm:"column:created_at;not null"`
	State         string     `gorm:"column:state;type:varchar(20);not null;index:idx_outbox_claim,priority:1"`
	Attempts      int        `gorm:"column:attempts;not null;default:0"`
	LastError     *string    `gorm:"column:last_error;type:text"`
	ClaimedBy     string     `gorm:"column:claimed_by;type:varchar(120);not null;default:'';index:idx_outbox_claimed_by"`
	LeaseUntil    *time.Time `gorm:"column:lease_until"`
	NextAttemptAt *time.Time `gorm:"column:next_attempt_at"`
	DispatchedAt  *time.Time `gorm:"column:dispatched_at;index:idx_outbox_dispatched"`
}

// TableName возвращает имя таблицы в БД.
func (Model) TableName() string {
	return "outbox_messages"
}

// toDomain конвертирует GORM модель в запись outbox.
// Заголовки хранятся в формате кодека конверта (тело пустое).
func (m *Model) toDomain() (*outbox.Message, error) {
	msg := &outbox.Message{
		ID:            m.ID,
		Type:          m.Type,
		AggregateKey:  m.AggregateKey,
		Payload:       m.Payload,
		CreatedAt:     m.CreatedAt,
		State:         outbox.State(m.State),
		Attempts:      m.Attempts,
		LastError:     m.LastError,
		ClaimedBy:     m.ClaimedBy,
		LeaseUntil:    m.LeaseUntil,
		NextAttemptAt: m.NextAttemptAt,
		DispatchedAt:  m.DispatchedAt,
	}

	if len(m.Headers) > 0 {
		_, headers, err := envelope.Decode(m.Headers)
		if err != nil {
			return nil, fmt.Errorf("заголовки записи outbox %s: %w", m.ID, err)
		}
		msg.Headers = headers
	}

	return msg, nil
}

// modelFromDomain конвертирует запись outbox в GORM модель.
func modelFromDomain(msg *outbox.Message) (*Model, error) {
	headers, err := envelope.Encode(nil, msg.Headers)
	if err != nil {
		return nil, fmt.Errorf("заголовки записи outbox %s: %w", msg.ID, err)
	}

	state := msg.State
	if state == "" {
		state = outbox.StatePending
	}

	return &Model{
		ID:            msg.ID,
		Type:          msg.Type,
		AggregateKey:  msg.AggregateKey,
		Payload:       msg.Payload,
		Headers:       headers,
		CreatedAt:     msg.CreatedAt,
		State:         string(state),
		Attempts:      msg.Attempts,
		LastError:     msg.LastError,
		ClaimedBy:     msg.ClaimedBy,
		LeaseUntil:    msg.LeaseUntil,
		NextAttemptAt: msg.NextAttemptAt,
		DispatchedAt:  msg.DispatchedAt,
	}, nil
}

func toDomainList(models []Model) ([]*outbox.Message, error) {
	out := make([]*outbox.Message, len(models))
	for i := range models {
		m, err := models[i].toDomain()
		if err != nil {
			return nil, err
		}
		out[i] = m
	}
	return out, nil
}
