// Package mongostore — outbox в MongoDB. Транзакции требуют replica set.
// Репозитории домена присоединяются к транзакции, используя ctx из InTx:
// драйвер находит сессию в контексте.
package mongostore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"example.com/swiftparcel/pkg/envelope"
	"example.com/swiftparcel/pkg/outbox"
)

// Collection — имя коллекции outbox.
const Collection = "outbox_messages"

type txKey struct{}

// document — BSON представление записи outbox.
type document struct {
	ID            string     `bson:"_id"`
	Type          string     `bson:"type"`
	AggregateKey  string     `bson:"aggregate_key"`
	Payload       []byte     `bson:"payload"`
	Headers       []byte     `bson:"headers"`
	CreatedAt     time.Time  `bson:"created_at"`
	State         string     `bson:"state"`
	Attempts      int        `bson:"attempts"`
	LastError     *string    `bson:"last_error"`
	ClaimedBy     string     `bson:"claimed_by"`
	LeaseUntil    *time.Time `bson:"lease_until"`
	NextAttemptAt *time.Time `bson:"next_attempt_at"`
	DispatchedAt  *time.Time `bson:"dispatched_at"`
}

func (d *document) toDomain() (*outbox.Message, error) {
	msg := &outbox.Message{
		ID:            d.ID,
		Type:          d.Type,
		AggregateKey:  d.AggregateKey,
		Payload:       d.Payload,
		CreatedAt:     d.CreatedAt,
		State:         outbox.State(d.State),
		Attempts:      d.Attempts,
		LastError:     d.LastError,
		ClaimedBy:     d.ClaimedBy,
		LeaseUntil:    d.LeaseUntil,
		NextAttemptAt: d.NextAttemptAt,
		DispatchedAt:  d.DispatchedAt,
	}
	if len(d.Headers) > 0 {
		_, headers, err := envelope.Decode(d.Headers)
		if err != nil {
			return nil, fmt.Errorf("заголовки записи outbox %s: %w", d.ID, err)
		}
		msg.Headers = headers
	}
	return msg, nil
}

func fromDomain(msg *outbox.Message) (*document, error) {
	headers, err := envelope.Encode(nil, msg.Headers)
	if err != nil {
		return nil, fmt.Errorf("заголовки записи outbox %s: %w", msg.ID, err)
	}
	state := msg.State
	if state == "" {
		state = outbox.StatePending
	}
	return &document{
		ID:            msg.ID,
		Type:          msg.Type,
		AggregateKey:  msg.AggregateKey,
		Payload:       msg.Payload,
		Headers:       headers,
		CreatedAt:     msg.CreatedAt.UTC(),
		State:         string(state),
		Attempts:      msg.Attempts,
		LastError:     msg.LastError,
		ClaimedBy:     msg.ClaimedBy,
		LeaseUntil:    msg.LeaseUntil,
		NextAttemptAt: msg.NextAttemptAt,
		DispatchedAt:  msg.DispatchedAt,
	}, nil
}

// Store — MongoDB реализация outbox.Store и outbox.UnitOfWork.
type Store struct {
	client *mongo.Client
	coll   *mongo.Collection
}

var (
	_ outbox.Store      = (*Store)(nil)
	_ outbox.UnitOfWork = (*Store)(nil)
)

// New создаёт хранилище в базе dbName.
func New(client *mongo.Client, dbName string) *Store {
	return &Store{
		client: client,
		coll:   client.Database(dbName).Collection(Collection),
	}
}

// EnsureIndexes создаёт индексы для захвата и очистки.
func (s *Store) EnsureIndexes(ctx context.Context) error {
	_, err := s.coll.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "state", Value: 1}, {Key: "aggregate_key", Value: 1}, {Key: "_id", Value: 1}}},
		{Keys: bson.D{{Key: "claimed_by", Value: 1}}},
		{Keys: bson.D{{Key: "dispatched_at", Value: 1}}},
	})
	if err != nil {
		return fmt.Errorf("ошибка создания индексов outbox: %w", err)
	}
	return nil
}

// InTx выполняет fn в транзакции сессии. Драйвер может повторить fn при
// временной ошибке транзакции.
func (s *Store) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if inTx(ctx) {
		return fn(ctx)
	}

	sess, err := s.client.StartSession()
	if err != nil {
		return fmt.Errorf("ошибка открытия сессии MongoDB: %w", err)
	}
	defer sess.EndSession(ctx)

	_, err = sess.WithTransaction(ctx, func(sc mongo.SessionContext) (any, error) {
		return nil, fn(context.WithValue(sc, txKey{}, true))
	})
	return err
}

func inTx(ctx context.Context) bool {
	v, _ := ctx.Value(txKey{}).(bool)
	return v
}

// Append вставляет записи в текущей транзакции.
func (s *Store) Append(ctx context.Context, msgs ...*outbox.Message) error {
	if !inTx(ctx) {
		return outbox.ErrNoTransaction
	}
	if len(msgs) == 0 {
		return nil
	}

	docs := make([]any, len(msgs))
	for i, msg := range msgs {
		d, err := fromDomain(msg)
		if err != nil {
			return err
		}
		docs[i] = d
	}

	if _, err := s.coll.InsertMany(ctx, docs); err != nil {
		return fmt.Errorf("ошибка записи outbox: %w", err)
	}
	return nil
}

func eligibleFilter(req outbox.ClaimRequest) bson.M {
	return bson.M{"$or": bson.A{
		bson.M{"state": string(outbox.StatePending)},
		bson.M{
			"state":    string(outbox.StateFailed),
			"attempts": bson.M{"$lt": req.MaxAttempts},
			"$or": bson.A{
				bson.M{"next_attempt_at": nil},
				bson.M{"next_attempt_at": bson.M{"$lte": req.Now}},
			},
		},
		bson.M{
			"state": string(outbox.StateDispatching),
			"$or": bson.A{
				bson.M{"lease_until": nil},
				bson.M{"lease_until": bson.M{"$lt": req.Now}},
			},
		},
	}}
}

func (s *Store) find(ctx context.Context, filter any, opts ...*options.FindOptions) ([]*outbox.Message, error) {
	cursor, err := s.coll.Find(ctx, filter, opts...)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var out []*outbox.Message
	for cursor.Next(ctx) {
		var d document
		if err := cursor.Decode(&d); err != nil {
			return nil, err
		}
		m, err := d.toDomain()
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, cursor.Err()
}

var byAggregate = bson.D{{Key: "aggregate_key", Value: 1}, {Key: "_id", Value: 1}}

// blockedHeads возвращает для каждого заблокированного агрегата id первой
// неготовой записи: FAILED в backoff или DISPATCHING под чужой арендой.
func (s *Store) blockedHeads(ctx context.Context, req outbox.ClaimRequest) (map[string]string, error) {
	pipeline := mongo.Pipeline{
		{{Key: "$match", Value: bson.M{
			"state": bson.M{"$ne": string(outbox.StateDispatched)},
			"$nor": bson.A{
				bson.M{"state": string(outbox.StateFailed), "attempts": bson.M{"$gte": req.MaxAttempts}},
				eligibleFilter(req),
			},
		}}},
		{{Key: "$group", Value: bson.M{"_id": "$aggregate_key", "head": bson.M{"$min": "$_id"}}}},
	}

	cursor, err := s.coll.Aggregate(ctx, pipeline)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	heads := make(map[string]string)
	for cursor.Next(ctx) {
		var row struct {
			Aggregate string `bson:"_id"`
			Head      string `bson:"head"`
		}
		if err := cursor.Decode(&row); err != nil {
			return nil, err
		}
		heads[row.Aggregate] = row.Head
	}
	return heads, cursor.Err()
}

// Claim читает окно, отбирает кандидатов и захватывает их одним UpdateMany.
// Записи за заблокированной головой агрегата в окно не попадают, поэтому
// один агрегат не занимает весь лимит.
func (s *Store) Claim(ctx context.Context, req outbox.ClaimRequest) ([]*outbox.Message, error) {
	heads, err := s.blockedHeads(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("ошибка чтения заблокированных агрегатов: %w", err)
	}

	windowFilter := eligibleFilter(req)
	if len(heads) > 0 {
		behind := make(bson.A, 0, len(heads))
		for agg, head := range heads {
			behind = append(behind, bson.M{"aggregate_key": agg, "_id": bson.M{"$gt": head}})
		}
		windowFilter["$nor"] = behind
	}

	window, err := s.find(ctx, windowFilter,
		options.Find().SetSort(byAggregate).SetLimit(int64(req.Limit)),
	)
	if err != nil {
		return nil, fmt.Errorf("ошибка чтения outbox: %w", err)
	}

	candidates := outbox.Candidates(window, req)
	if len(candidates) == 0 {
		return nil, nil
	}
	ids := outbox.IDs(candidates)

	filter := eligibleFilter(req)
	filter["_id"] = bson.M{"$in": ids}
	res, err := s.coll.UpdateMany(ctx, filter, bson.M{"$set": bson.M{
		"state":       string(outbox.StateDispatching),
		"claimed_by":  req.Owner,
		"lease_until": req.LeaseUntil(),
	}})
	if err != nil {
		return nil, fmt.Errorf("ошибка захвата outbox: %w", err)
	}

	var claimed []*outbox.Message
	if res.MatchedCount > 0 {
		claimed, err = s.find(ctx,
			bson.M{"_id": bson.M{"$in": ids}, "claimed_by": req.Owner},
			options.Find().SetSort(byAggregate),
		)
		if err != nil {
			return nil, fmt.Errorf("ошибка чтения захваченных записей: %w", err)
		}
	}

	keep, release := outbox.Contiguous(candidates, claimed)
	if len(release) > 0 {
		if err := s.Release(ctx, req.Owner, release...); err != nil {
			return nil, err
		}
	}
	return keep, nil
}

func (s *Store) owned(ctx context.Context, id, owner string, update bson.M) error {
	res, err := s.coll.UpdateOne(ctx, bson.M{
		"_id":        id,
		"claimed_by": owner,
		"state":      string(outbox.StateDispatching),
	}, update)
	if err != nil {
		return err
	}
	if res.MatchedCount > 0 {
		return nil
	}

	n, err := s.coll.CountDocuments(ctx, bson.M{"_id": id})
	if err != nil {
		return err
	}
	if n == 0 {
		return outbox.ErrNotFound
	}
	return outbox.ErrLeaseLost
}

// MarkDispatched переводит запись в DISPATCHED.
func (s *Store) MarkDispatched(ctx context.Context, id, owner string, at time.Time) error {
	return s.owned(ctx, id, owner, bson.M{"$set": bson.M{
		"state":         string(outbox.StateDispatched),
		"dispatched_at": at,
		"claimed_by":    "",
		"lease_until":   nil,
	}})
}

// MarkFailed увеличивает счётчик попыток и сохраняет текст ошибки.
func (s *Store) MarkFailed(ctx context.Context, id, owner string, f outbox.Failure) error {
	return s.owned(ctx, id, owner, bson.M{
		"$inc": bson.M{"attempts": 1},
		"$set": bson.M{
			"state":           string(outbox.StateFailed),
			"last_error":      f.Err,
			"next_attempt_at": f.NextAttemptAt,
			"claimed_by":      "",
			"lease_until":     nil,
		},
	})
}

// Release возвращает записи в PENDING или FAILED без расхода попытки.
func (s *Store) Release(ctx context.Context, owner string, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	base := func(attempts bson.M) bson.M {
		return bson.M{
			"_id":        bson.M{"$in": ids},
			"claimed_by": owner,
			"state":      string(outbox.StateDispatching),
			"attempts":   attempts,
		}
	}
	reset := func(state outbox.State) bson.M {
		return bson.M{"$set": bson.M{"state": string(state), "claimed_by": "", "lease_until": nil}}
	}

	if _, err := s.coll.UpdateMany(ctx, base(bson.M{"$gt": 0}), reset(outbox.StateFailed)); err != nil {
		return fmt.Errorf("ошибка освобождения записей outbox: %w", err)
	}
	if _, err := s.coll.UpdateMany(ctx, base(bson.M{"$lte": 0}), reset(outbox.StatePending)); err != nil {
		return fmt.Errorf("ошибка освобождения записей outbox: %w", err)
	}
	return nil
}

// Get возвращает запись по id.
func (s *Store) Get(ctx context.Context, id string) (*outbox.Message, error) {
	var d document
	if err := s.coll.FindOne(ctx, bson.M{"_id": id}).Decode(&d); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, outbox.ErrNotFound
		}
		return nil, err
	}
	return d.toDomain()
}

// ListDeadLetters возвращает записи, исчерпавшие попытки.
func (s *Store) ListDeadLetters(ctx context.Context, maxAttempts, limit int) ([]*outbox.Message, error) {
	return s.find(ctx,
		bson.M{"state": string(outbox.StateFailed), "attempts": bson.M{"$gte": maxAttempts}},
		options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}).SetLimit(int64(limit)),
	)
}

// DeleteDispatchedBefore удаляет пачку отправленных записей старше before.
func (s *Store) DeleteDispatchedBefore(ctx context.Context, before time.Time, limit int) (int64, error) {
	old, err := s.find(ctx,
		bson.M{"state": string(outbox.StateDispatched), "dispatched_at": bson.M{"$lt": before}},
		options.Find().SetSort(bson.D{{Key: "dispatched_at", Value: 1}}).SetLimit(int64(limit)).SetProjection(bson.M{"_id": 1}),
	)
	if err != nil {
		return 0, err
	}
	if len(old) == 0 {
		return 0, nil
	}

	res, err := s.coll.DeleteMany(ctx, bson.M{"_id": bson.M{"$in": outbox.IDs(old)}})
	if err != nil {
		return 0, err
	}
	return res.DeletedCount, nil
}
