package engine

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/oriys/quasar/internal/store"
)

// memStore mirrors the Postgres store's semantics in memory: due-time
// claim ordering, lease-based in-flight tracking, and the per-key
// predecessor predicate for ordered messages. Engine behavior tests run
// against it so the full lifecycle is exercised without a database.
type memStore struct {
	mu   sync.Mutex
	rows map[string]*store.QueuedMessage
}

func newMemStore() *memStore {
	return &memStore{rows: make(map[string]*store.QueuedMessage)}
}

func (f *memStore) Insert(_ context.Context, msg *store.QueuedMessage, delay time.Duration) (string, error) {
	if msg.QueueName == "" {
		return "", fmt.Errorf("queue name is required")
	}
	if delay < 0 {
		return "", fmt.Errorf("delivery delay must not be negative")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	msg.NextDeliveryAt = time.Now().UTC().Add(delay)
	cp := *msg
	f.rows[msg.ID] = &cp
	return msg.ID, nil
}

func (f *memStore) InsertAsDeadLetter(_ context.Context, msg *store.QueuedMessage, cause string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	msg.IsDeadLetter = true
	msg.LastError = cause
	msg.DeliveryAttempts = 1
	msg.RedeliveryAttempts = 0
	cp := *msg
	f.rows[msg.ID] = &cp
	return msg.ID, nil
}

func (f *memStore) ClaimNextDue(_ context.Context, queueName, claimant string, lease time.Duration) (*store.QueuedMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	now := time.Now().UTC()

	var due []*store.QueuedMessage
	for _, m := range f.rows {
		if m.QueueName != queueName || m.IsDeadLetter || m.NextDeliveryAt.After(now) {
			continue
		}
		if m.ClaimExpiresAt != nil && m.ClaimExpiresAt.After(now) {
			continue
		}
		if m.Ordered() && f.hasSurvivingPredecessorLocked(m) {
			continue
		}
		due = append(due, m)
	}
	if len(due) == 0 {
		return nil, nil
	}
	sort.Slice(due, func(i, j int) bool {
		if !due[i].NextDeliveryAt.Equal(due[j].NextDeliveryAt) {
			return due[i].NextDeliveryAt.Before(due[j].NextDeliveryAt)
		}
		if !due[i].AddedAt.Equal(due[j].AddedAt) {
			return due[i].AddedAt.Before(due[j].AddedAt)
		}
		return due[i].ID < due[j].ID
	})

	m := due[0]
	expires := now.Add(lease)
	m.ClaimedBy = claimant
	m.ClaimExpiresAt = &expires
	cp := *m
	return &cp, nil
}

// hasSurvivingPredecessorLocked reports whether any message with the same
// (queue, key) and a lower key_order still exists in any state.
func (f *memStore) hasSurvivingPredecessorLocked(m *store.QueuedMessage) bool {
	for _, p := range f.rows {
		if p.QueueName == m.QueueName && p.Ordered() && p.Key == m.Key && p.KeyOrder < m.KeyOrder {
			return true
		}
	}
	return false
}

func (f *memStore) Ack(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.rows, id)
	return nil
}

func (f *memStore) Reschedule(_ context.Context, id string, nextAt time.Time, lastError string, incrementAttempts bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.rows[id]
	if !ok {
		return fmt.Errorf("%w: %s", store.ErrMessageNotFound, id)
	}
	m.NextDeliveryAt = nextAt
	m.LastError = lastError
	if incrementAttempts {
		m.RedeliveryAttempts = m.DeliveryAttempts
		m.DeliveryAttempts++
	}
	m.ClaimedBy = ""
	m.ClaimExpiresAt = nil
	return nil
}

func (f *memStore) MarkDeadLetter(_ context.Context, id, lastError string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.rows[id]
	if !ok {
		return fmt.Errorf("%w: %s", store.ErrMessageNotFound, id)
	}
	m.IsDeadLetter = true
	m.LastError = lastError
	m.RedeliveryAttempts = m.DeliveryAttempts
	m.DeliveryAttempts++
	m.ClaimedBy = ""
	m.ClaimExpiresAt = nil
	return nil
}

func (f *memStore) Resurrect(_ context.Context, id string, delay time.Duration) (*store.QueuedMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.rows[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", store.ErrMessageNotFound, id)
	}
	if !m.IsDeadLetter {
		return nil, fmt.Errorf("%w: %s", store.ErrNotDeadLetter, id)
	}
	m.IsDeadLetter = false
	m.NextDeliveryAt = time.Now().UTC().Add(delay)
	m.RedeliveryAttempts = 0
	m.ClaimedBy = ""
	m.ClaimExpiresAt = nil
	cp := *m
	return &cp, nil
}

func (f *memStore) Get(_ context.Context, id string) (*store.QueuedMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.rows[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", store.ErrMessageNotFound, id)
	}
	cp := *m
	return &cp, nil
}

func (f *memStore) GetDeadLetter(_ context.Context, id string) (*store.QueuedMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.rows[id]
	if !ok || !m.IsDeadLetter {
		return nil, fmt.Errorf("%w: %s", store.ErrMessageNotFound, id)
	}
	cp := *m
	return &cp, nil
}

func (f *memStore) ListQueued(ctx context.Context, queueName string, ascending bool, skip, limit int) ([]*store.QueuedMessage, error) {
	return f.list(queueName, false, ascending, skip, limit), nil
}

func (f *memStore) ListDeadLetters(ctx context.Context, queueName string, ascending bool, skip, limit int) ([]*store.QueuedMessage, error) {
	return f.list(queueName, true, ascending, skip, limit), nil
}

func (f *memStore) list(queueName string, deadLetters, ascending bool, skip, limit int) []*store.QueuedMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	if limit <= 0 {
		limit = store.DefaultListLimit
	}
	var out []*store.QueuedMessage
	for _, m := range f.rows {
		if m.QueueName == queueName && m.IsDeadLetter == deadLetters {
			cp := *m
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		less := deliveryOrderLess(out[i], out[j])
		if ascending {
			return less
		}
		return !less
	})
	if skip >= len(out) {
		return nil
	}
	out = out[skip:]
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

func deliveryOrderLess(a, b *store.QueuedMessage) bool {
	if !a.NextDeliveryAt.Equal(b.NextDeliveryAt) {
		return a.NextDeliveryAt.Before(b.NextDeliveryAt)
	}
	if !a.AddedAt.Equal(b.AddedAt) {
		return a.AddedAt.Before(b.AddedAt)
	}
	return a.ID < b.ID
}

func (f *memStore) CountQueued(_ context.Context, queueName string) (int64, error) {
	return f.count(queueName, false), nil
}

func (f *memStore) CountDeadLetters(_ context.Context, queueName string) (int64, error) {
	return f.count(queueName, true), nil
}

func (f *memStore) count(queueName string, deadLetters bool) int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for _, m := range f.rows {
		if m.QueueName == queueName && m.IsDeadLetter == deadLetters {
			n++
		}
	}
	return n
}

func (f *memStore) QueryDueSoon(_ context.Context, queueName string, upTo time.Time, limit int) ([]*store.QueuedMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if limit <= 0 {
		limit = store.DefaultListLimit
	}
	var out []*store.QueuedMessage
	for _, m := range f.rows {
		if m.QueueName == queueName && !m.IsDeadLetter && !m.NextDeliveryAt.After(upTo) {
			cp := *m
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return deliveryOrderLess(out[i], out[j]) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *memStore) Purge(_ context.Context, queueName string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	now := time.Now().UTC()
	var n int64
	for id, m := range f.rows {
		if m.QueueName != queueName {
			continue
		}
		if m.ClaimExpiresAt != nil && m.ClaimExpiresAt.After(now) {
			continue
		}
		delete(f.rows, id)
		n++
	}
	return n, nil
}
