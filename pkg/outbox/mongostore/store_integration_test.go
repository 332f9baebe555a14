//go:build integration

package mongostore

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"example.com/swiftparcel/pkg/envelope"
	"example.com/swiftparcel/pkg/outbox"
)

// Запуск: MONGO_URI="mongodb://localhost:27017/?replicaSet=rs0" go test -tags integration ./pkg/outbox/mongostore/
func setupStore(t *testing.T) *Store {
	t.Helper()

	uri := os.Getenv("MONGO_URI")
	if uri == "" {
		t.Skip("MONGO_URI не задан")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	require.NoError(t, err)

	dbName := "outbox_test_" + uuid.NewString()[:8]
	t.Cleanup(func() {
		_ = client.Database(dbName).Drop(context.Background())
		_ = client.Disconnect(context.Background())
	})

	store := New(client, dbName)
	require.NoError(t, store.EnsureIndexes(ctx))
	return store
}

func newMessage(id, agg string) *outbox.Message {
	return &outbox.Message{
		ID:           id,
		Type:         "OrderCreated",
		AggregateKey: agg,
		Payload:      []byte(`{}`),
		Headers: envelope.Headers{
			envelope.HeaderCorrelationID: envelope.Text("c-1"),
			envelope.HeaderSpanContext:   envelope.Bytes([]byte("span")),
		},
		CreatedAt: time.Now(),
	}
}

func TestStore_Lifecycle(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	err := store.InTx(ctx, func(ctx context.Context) error {
		return store.Append(ctx, newMessage("01", "A"), newMessage("02", "A"), newMessage("03", "B"))
	})
	require.NoError(t, err)

	req := outbox.ClaimRequest{Owner: "relay-1/tok", Limit: 10, Lease: time.Minute, MaxAttempts: 2, Now: time.Now()}
	msgs, err := store.Claim(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, []string{"01", "02", "03"}, outbox.IDs(msgs))
	assert.Equal(t, "c-1", msgs[0].CorrelationID())

	// Второй захват ничего не получает, пока аренда действует.
	again, err := store.Claim(ctx, outbox.ClaimRequest{Owner: "relay-2/tok", Limit: 10, Lease: time.Minute, MaxAttempts: 2, Now: time.Now()})
	require.NoError(t, err)
	assert.Empty(t, again)

	require.NoError(t, store.MarkDispatched(ctx, "01", req.Owner, time.Now()))
	require.NoError(t, store.MarkFailed(ctx, "02", req.Owner, outbox.Failure{Err: "boom", NextAttemptAt: time.Now().Add(-time.Second)}))
	require.NoError(t, store.Release(ctx, req.Owner, "03"))

	assert.ErrorIs(t, store.MarkDispatched(ctx, "01", req.Owner, time.Now()), outbox.ErrLeaseLost)
	_, err = store.Get(ctx, "missing")
	assert.ErrorIs(t, err, outbox.ErrNotFound)

	m2, err := store.Get(ctx, "02")
	require.NoError(t, err)
	assert.Equal(t, outbox.StateFailed, m2.State)
	assert.Equal(t, 1, m2.Attempts)

	m3, err := store.Get(ctx, "03")
	require.NoError(t, err)
	assert.Equal(t, outbox.StatePending, m3.State)
}

func TestStore_AppendRollback(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	err := store.InTx(ctx, func(ctx context.Context) error {
		if err := store.Append(ctx, newMessage("01", "A")); err != nil {
			return err
		}
		return assert.AnError
	})
	require.ErrorIs(t, err, assert.AnError)

	_, err = store.Get(ctx, "01")
	assert.ErrorIs(t, err, outbox.ErrNotFound)

	assert.ErrorIs(t, store.Append(ctx, newMessage("02", "A")), outbox.ErrNoTransaction)
}

func TestStore_Claim_BlockedHeadDoesNotFillWindow(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	err := store.InTx(ctx, func(ctx context.Context) error {
		return store.Append(ctx, newMessage("01", "A"), newMessage("02", "A"), newMessage("03", "B"))
	})
	require.NoError(t, err)

	now := time.Now()
	first, err := store.Claim(ctx, outbox.ClaimRequest{Owner: "relay-1/tok", Limit: 1, Lease: time.Minute, MaxAttempts: 5, Now: now})
	require.NoError(t, err)
	require.Equal(t, []string{"01"}, outbox.IDs(first))
	require.NoError(t, store.MarkFailed(ctx, "01", "relay-1/tok", outbox.Failure{Err: "timeout", NextAttemptAt: now.Add(time.Hour)}))

	msgs, err := store.Claim(ctx, outbox.ClaimRequest{Owner: "relay-2/tok", Limit: 1, Lease: time.Minute, MaxAttempts: 5, Now: now})
	require.NoError(t, err)
	assert.Equal(t, []string{"03"}, outbox.IDs(msgs))
}
