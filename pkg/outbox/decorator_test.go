package outbox_test

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"example.com/swiftparcel/pkg/correlation"
	"example.com/swiftparcel/pkg/envelope"
	"example.com/swiftparcel/pkg/outbox"
	"example.com/swiftparcel/pkg/outbox/memstore"
)

type parcelAdded struct {
	ParcelID string `json:"parcel_id"`
}

func (parcelAdded) EventName() string { return "ParcelAdded" }

type parcelTouched struct{}

func (parcelTouched) EventName() string { return "ParcelTouched" }

type parcelLost struct{}

func (parcelLost) EventName() string { return "ParcelLost" }

func testMapper() *outbox.Mapper {
	m := outbox.NewMapper()
	outbox.Register(m, func(e parcelAdded) (*outbox.IntegrationEvent, error) {
		return &outbox.IntegrationEvent{Type: "ParcelAdded", AggregateKey: e.ParcelID, Payload: e}, nil
	})
	m.Ignore("ParcelTouched")
	return m
}

// parcels — состояние домена, меняется только при фиксации транзакции.
type parcels struct {
	ids []string
}

func (p *parcels) handler(events ...outbox.DomainEvent) outbox.HandlerFunc {
	return func(ctx context.Context, in outbox.Inbound) ([]outbox.DomainEvent, error) {
		if err := memstore.Stage(ctx, func() { p.ids = append(p.ids, in.ID) }); err != nil {
			return nil, err
		}
		return events, nil
	}
}

func inboundCtx(headers envelope.Headers) context.Context {
	return correlation.WithContext(context.Background(), correlation.Extract(headers))
}

func TestDecorator_WritesOneRowPerMappedEvent(t *testing.T) {
	store := memstore.New()
	state := &parcels{}
	h := outbox.Decorate(
		state.handler(parcelAdded{ParcelID: "p-1"}, parcelTouched{}, parcelAdded{ParcelID: "p-2"}),
		store, testMapper(), "parcels",
	)

	ctx := inboundCtx(envelope.Headers{
		envelope.HeaderMessageID:     envelope.Text("in-1"),
		envelope.HeaderCorrelationID: envelope.Text("c-1"),
		"x-tenant":                   envelope.Text("acme"),
	})

	events, err := h.Handle(ctx, outbox.Inbound{ID: "in-1", Type: "AddParcels"})

	require.NoError(t, err)
	assert.Len(t, events, 3)
	assert.Equal(t, []string{"in-1"}, state.ids)

	rows := store.Snapshot()
	require.Len(t, rows, 2)

	seen := map[string]bool{}
	for _, m := range rows {
		_, err := uuid.Parse(m.ID)
		require.NoError(t, err)
		assert.False(t, seen[m.ID], "id должен быть уникальным")
		seen[m.ID] = true

		assert.Equal(t, outbox.StatePending, m.State)
		assert.Equal(t, "ParcelAdded", m.Type)
		assert.Equal(t, "c-1", m.CorrelationID())
		assert.Equal(t, "in-1", m.Headers.Text(envelope.HeaderCausationID))
		assert.Equal(t, "parcels", m.Headers.Text(envelope.HeaderService))
		assert.Equal(t, envelope.ContentTypeJSON, m.Headers.Text(envelope.HeaderContentType))
		assert.Equal(t, "acme", m.Headers.Text("x-tenant"))
	}
	assert.Equal(t, "p-1", rows[0].AggregateKey)
	assert.JSONEq(t, `{"parcel_id":"p-1"}`, string(rows[0].Payload))
}

func TestDecorator_HandlerFailureWritesNothing(t *testing.T) {
	store := memstore.New()
	state := &parcels{}
	domainErr := errors.New("посылка уже добавлена")

	h := outbox.Decorate(outbox.HandlerFunc(func(ctx context.Context, in outbox.Inbound) ([]outbox.DomainEvent, error) {
		_ = memstore.Stage(ctx, func() { state.ids = append(state.ids, in.ID) })
		return []outbox.DomainEvent{parcelAdded{ParcelID: "p-1"}}, domainErr
	}), store, testMapper(), "parcels")

	_, err := h.Handle(context.Background(), outbox.Inbound{ID: "in-1"})

	assert.ErrorIs(t, err, domainErr)
	assert.Zero(t, store.Len())
	assert.Empty(t, state.ids)
}

func TestDecorator_MappingErrorAbortsUnitOfWork(t *testing.T) {
	store := memstore.New()
	state := &parcels{}
	h := outbox.Decorate(state.handler(parcelAdded{ParcelID: "p-1"}, parcelLost{}), store, testMapper(), "parcels")

	_, err := h.Handle(context.Background(), outbox.Inbound{ID: "in-1"})

	require.Error(t, err)
	assert.ErrorIs(t, err, outbox.ErrUnmappedEvent)
	var me *outbox.MappingError
	require.True(t, errors.As(err, &me))
	assert.Equal(t, "ParcelLost", me.Event)
	assert.Zero(t, store.Len())
	assert.Empty(t, state.ids)
}

func TestDecorator_OnlyIgnoredEvents(t *testing.T) {
	store := memstore.New()
	state := &parcels{}
	h := outbox.Decorate(state.handler(parcelTouched{}), store, testMapper(), "parcels")

	_, err := h.Handle(context.Background(), outbox.Inbound{ID: "in-1"})

	require.NoError(t, err)
	assert.Zero(t, store.Len())
	assert.Equal(t, []string{"in-1"}, state.ids)
}

func TestAppend_OutsideTransaction(t *testing.T) {
	store := memstore.New()

	err := store.Append(context.Background(), row("01", "A"))

	assert.ErrorIs(t, err, outbox.ErrNoTransaction)
	assert.Zero(t, store.Len())
}

// Входящая команда без correlation и saga: новый correlation id C1 доходит
// до брокера вместе с causation id, ключа saga нет.
func TestDecorator_ToBroker_CorrelationScenario(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	state := &parcels{}
	h := outbox.Decorate(state.handler(parcelAdded{ParcelID: "p-1"}), store, testMapper(), "parcels")

	inbound := envelope.Headers{envelope.HeaderMessageID: envelope.Text("in-42")}
	cc := correlation.Extract(inbound)
	c1 := cc.CorrelationID
	require.NotEmpty(t, c1)

	_, err := h.Handle(correlation.WithContext(ctx, cc), outbox.Inbound{ID: "in-42", Type: "AddParcel"})
	require.NoError(t, err)

	rows := store.Snapshot()
	require.Len(t, rows, 1)
	assert.Equal(t, c1, rows[0].CorrelationID())
	assert.Equal(t, "in-42", rows[0].Headers.Text(envelope.HeaderCausationID))

	pub := &recordingPublisher{}
	_, err = outbox.NewRelay(store, pub, testConfig(), "test").DispatchBatch(ctx)
	require.NoError(t, err)

	require.Len(t, pub.published, 1)
	env := pub.published[0]
	assert.Equal(t, c1, env.CorrelationID())
	assert.Equal(t, "in-42", env.Headers.Text(envelope.HeaderCausationID))
	assert.Equal(t, rows[0].ID, env.MessageID())
	_, hasSaga := env.Headers[envelope.HeaderSaga]
	assert.False(t, hasSaga, "ключа saga быть не должно")

	// Конверт переживает кодек брокера без потерь.
	data, err := env.Marshal()
	require.NoError(t, err)
	decoded, err := envelope.Unmarshal(data)
	require.NoError(t, err)
	assert.True(t, env.Headers.Equal(decoded.Headers))
	_, hasSaga = decoded.Headers[envelope.HeaderSaga]
	assert.False(t, hasSaga)
}

func TestDecorator_WithoutInboundContext(t *testing.T) {
	store := memstore.New()
	state := &parcels{}
	h := outbox.Decorate(state.handler(parcelAdded{ParcelID: "p-1"}), store, testMapper(), "parcels")

	_, err := h.Handle(context.Background(), outbox.Inbound{ID: "http-1"})

	require.NoError(t, err)
	rows := store.Snapshot()
	require.Len(t, rows, 1)
	assert.NotEmpty(t, rows[0].CorrelationID())
	assert.Equal(t, "http-1", rows[0].Headers.Text(envelope.HeaderCausationID))
}

func TestDecorator_GeneratesInboundID(t *testing.T) {
	store := memstore.New()
	state := &parcels{}
	h := outbox.Decorate(state.handler(parcelAdded{ParcelID: "p-1"}, parcelAdded{ParcelID: "p-2"}), store, testMapper(), "parcels")

	_, err := h.Handle(context.Background(), outbox.Inbound{Type: "AddParcel"})

	require.NoError(t, err)
	rows := store.Snapshot()
	require.Len(t, rows, 2)
	causation := rows[0].Headers.Text(envelope.HeaderCausationID)
	require.NotEmpty(t, causation)
	assert.Equal(t, causation, rows[1].Headers.Text(envelope.HeaderCausationID), "одна команда — один causation_id")
	assert.NotEqual(t, rows[0].ID, causation)
	assert.NotEqual(t, rows[1].ID, causation)
	assert.Equal(t, []string{causation}, state.ids, "обработчик видит тот же id")
}

func TestDecorator_SagaForwardedWhenPresent(t *testing.T) {
	store := memstore.New()
	state := &parcels{}
	h := outbox.Decorate(state.handler(parcelAdded{ParcelID: "p-1"}), store, testMapper(), "parcels")

	ctx := inboundCtx(envelope.Headers{
		envelope.HeaderMessageID:     envelope.Text("in-1"),
		envelope.HeaderCorrelationID: envelope.Text("c-1"),
		envelope.HeaderSaga:          envelope.Text("saga-7"),
	})

	_, err := h.Handle(ctx, outbox.Inbound{ID: "in-1"})

	require.NoError(t, err)
	rows := store.Snapshot()
	require.Len(t, rows, 1)
	assert.Equal(t, "saga-7", rows[0].Headers.Text(envelope.HeaderSaga))
}
