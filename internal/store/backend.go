package store

import (
	"context"
	"iter"
	"slices"
	"sync"
	"time"

	"hookrelay/pkg/errors"
)

// Record is one encoded event as a backend holds it.
type Record struct {
	ID         string
	EntityType string
	Action     string
	Source     string
	StoredAt   time.Time
	ExpiresAt  *time.Time
	Data       []byte
}

func recordOf(se *StoredEvent, data []byte) Record {
	return Record{
		ID:         se.ID,
		EntityType: se.Event.EntityType,
		Action:     string(se.Event.Action),
		Source:     se.Event.Source.Key(),
		StoredAt:   se.StoredAt,
		ExpiresAt:  se.ExpiresAt,
		Data:       data,
	}
}

// Backend persists encoded events. Get returns a NOT_FOUND error for
// unknown ids. Scan yields records stored at or after from, ordered by
// storage time then id.
type Backend interface {
	Name() string
	Put(ctx context.Context, rec Record) error
	Get(ctx context.Context, id string) ([]byte, error)
	Delete(ctx context.Context, id string) error
	Scan(ctx context.Context, from time.Time) iter.Seq2[Record, error]
	Count(ctx context.Context) (int, error)
}

func compareRecords(a, b Record) int {
	if c := a.StoredAt.Compare(b.StoredAt); c != 0 {
		return c
	}
	switch {
	case a.ID < b.ID:
		return -1
	case a.ID > b.ID:
		return 1
	}
	return 0
}

func notFound(id string) error {
	return errors.ErrNotFound.WithDetail("id", id)
}

// MemoryBackend keeps records in a map.
type MemoryBackend struct {
	mu      sync.RWMutex
	records map[string]Record
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{records: make(map[string]Record)}
}

func (m *MemoryBackend) Name() string { return "memory" }

func (m *MemoryBackend) Put(_ context.Context, rec Record) error {
	m.mu.Lock()
	m.records[rec.ID] = rec
	m.mu.Unlock()
	return nil
}

func (m *MemoryBackend) Get(_ context.Context, id string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[id]
	if !ok {
		return nil, notFound(id)
	}
	return rec.Data, nil
}

func (m *MemoryBackend) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.records[id]; !ok {
		return notFound(id)
	}
	delete(m.records, id)
	return nil
}

// Scan iterates a snapshot taken when iteration starts.
func (m *MemoryBackend) Scan(ctx context.Context, from time.Time) iter.Seq2[Record, error] {
	return func(yield func(Record, error) bool) {
		m.mu.RLock()
		snapshot := make([]Record, 0, len(m.records))
		for _, rec := range m.records {
			if !rec.StoredAt.Before(from) {
				snapshot = append(snapshot, rec)
			}
		}
		m.mu.RUnlock()

		slices.SortFunc(snapshot, compareRecords)
		for _, rec := range snapshot {
			if err := ctx.Err(); err != nil {
				yield(Record{}, err)
				return
			}
			if !yield(rec, nil) {
				return
			}
		}
	}
}

func (m *MemoryBackend) Count(_ context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.records), nil
}

var _ Backend = (*MemoryBackend)(nil)
