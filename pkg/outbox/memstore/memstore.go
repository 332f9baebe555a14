// Package memstore — outbox в памяти процесса. Используется в тестах и для
// локального запуска без базы данных. Транзакция копит изменения в ctx и
// применяет их атомично при успешном завершении.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"example.com/swiftparcel/pkg/outbox"
)

type txKey struct{}

type tx struct {
	staged []*outbox.Message
	ops    []func()
}

// Store — потокобезопасный outbox в памяти.
type Store struct {
	mu   sync.Mutex
	rows map[string]*outbox.Message
}

var (
	_ outbox.Store      = (*Store)(nil)
	_ outbox.UnitOfWork = (*Store)(nil)
)

// New создаёт пустое хранилище.
func New() *Store {
	return &Store{rows: make(map[string]*outbox.Message)}
}

// InTx выполняет fn в транзакции. Вложенный вызов присоединяется к внешней.
func (s *Store) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := ctx.Value(txKey{}).(*tx); ok {
		return fn(ctx)
	}

	t := &tx{}
	if err := fn(context.WithValue(ctx, txKey{}, t)); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, m := range t.staged {
		if _, dup := s.rows[m.ID]; dup {
			return fmt.Errorf("запись outbox %s уже существует", m.ID)
		}
	}
	for _, op := range t.ops {
		op()
	}
	for _, m := range t.staged {
		s.rows[m.ID] = m
	}
	return nil
}

// Stage откладывает изменение состояния домена до фиксации транзакции.
func Stage(ctx context.Context, op func()) error {
	t, ok := ctx.Value(txKey{}).(*tx)
	if !ok {
		return outbox.ErrNoTransaction
	}
	t.ops = append(t.ops, op)
	return nil
}

// Append добавляет записи в текущую транзакцию.
func (s *Store) Append(ctx context.Context, msgs ...*outbox.Message) error {
	t, ok := ctx.Value(txKey{}).(*tx)
	if !ok {
		return outbox.ErrNoTransaction
	}
	for _, m := range msgs {
		cp := m.Clone()
		if cp.State == "" {
			cp.State = outbox.StatePending
		}
		t.staged = append(t.staged, cp)
	}
	return nil
}

// Claim захватывает записи под мьютексом, поэтому гонок захвата нет.
// Окно — все незавершённые записи, лимит применяет Candidates.
func (s *Store) Claim(_ context.Context, req outbox.ClaimRequest) ([]*outbox.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	window := make([]*outbox.Message, 0, len(s.rows))
	for _, m := range s.rows {
		if m.State == outbox.StateDispatched || m.IsPoison(req.MaxAttempts) {
			continue
		}
		window = append(window, m)
	}
	sortByAggregate(window)

	lease := req.LeaseUntil()
	var claimed []*outbox.Message
	for _, m := range outbox.Candidates(window, req) {
		m.State = outbox.StateDispatching
		m.ClaimedBy = req.Owner
		m.LeaseUntil = &lease
		claimed = append(claimed, m.Clone())
	}
	return claimed, nil
}

func (s *Store) owned(id, owner string) (*outbox.Message, error) {
	m, ok := s.rows[id]
	if !ok {
		return nil, outbox.ErrNotFound
	}
	if m.ClaimedBy != owner || m.State != outbox.StateDispatching {
		return nil, outbox.ErrLeaseLost
	}
	return m, nil
}

// MarkDispatched переводит запись в DISPATCHED.
func (s *Store) MarkDispatched(_ context.Context, id, owner string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, err := s.owned(id, owner)
	if err != nil {
		return err
	}
	m.State = outbox.StateDispatched
	m.DispatchedAt = &at
	m.ClaimedBy = ""
	m.LeaseUntil = nil
	return nil
}

// MarkFailed фиксирует неудачную попытку.
func (s *Store) MarkFailed(_ context.Context, id, owner string, f outbox.Failure) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, err := s.owned(id, owner)
	if err != nil {
		return err
	}
	errText := f.Err
	next := f.NextAttemptAt
	m.State = outbox.StateFailed
	m.Attempts++
	m.LastError = &errText
	m.NextAttemptAt = &next
	m.ClaimedBy = ""
	m.LeaseUntil = nil
	return nil
}

// Release отпускает захваченные записи без расхода попытки.
func (s *Store) Release(_ context.Context, owner string, ids ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range ids {
		m, err := s.owned(id, owner)
		if err != nil {
			continue
		}
		if m.Attempts > 0 {
			m.State = outbox.StateFailed
		} else {
			m.State = outbox.StatePending
		}
		m.ClaimedBy = ""
		m.LeaseUntil = nil
	}
	return nil
}

// Get возвращает копию записи.
func (s *Store) Get(_ context.Context, id string) (*outbox.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.rows[id]
	if !ok {
		return nil, outbox.ErrNotFound
	}
	return m.Clone(), nil
}

// ListDeadLetters возвращает poison записи по возрастанию id.
func (s *Store) ListDeadLetters(_ context.Context, maxAttempts, limit int) ([]*outbox.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*outbox.Message
	for _, m := range s.rows {
		if m.IsPoison(maxAttempts) {
			out = append(out, m.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// DeleteDispatchedBefore удаляет отправленные записи старше before.
func (s *Store) DeleteDispatchedBefore(_ context.Context, before time.Time, limit int) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var deleted int64
	for id, m := range s.rows {
		if limit > 0 && deleted >= int64(limit) {
			break
		}
		if m.State == outbox.StateDispatched && m.DispatchedAt != nil && m.DispatchedAt.Before(before) {
			delete(s.rows, id)
			deleted++
		}
	}
	return deleted, nil
}

// Snapshot возвращает копии всех записей в порядке (aggregate_key, id).
func (s *Store) Snapshot() []*outbox.Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*outbox.Message, 0, len(s.rows))
	for _, m := range s.rows {
		out = append(out, m.Clone())
	}
	sortByAggregate(out)
	return out
}

// Len возвращает количество записей.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.rows)
}

func sortByAggregate(msgs []*outbox.Message) {
	sort.Slice(msgs, func(i, j int) bool {
		if msgs[i].AggregateKey != msgs[j].AggregateKey {
			return msgs[i].AggregateKey < msgs[j].AggregateKey
		}
		return msgs[i].ID < msgs[j].ID
	})
}
