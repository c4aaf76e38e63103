package store

import (
	"context"
	"sync"
)

type recordKey struct {
	kind Kind
	key  string
}

// MemoryBackend keeps encoded records in process memory. Update holds the
// lock for the whole callback, so writers are fully serialized.
type MemoryBackend struct {
	mu      sync.Mutex
	records map[recordKey][]byte
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{records: map[recordKey][]byte{}}
}

func (m *MemoryBackend) Get(ctx context.Context, kind Kind, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.getLocked(kind, key)
}

func (m *MemoryBackend) getLocked(kind Kind, key string) ([]byte, error) {
	raw, ok := m.records[recordKey{kind: kind, key: key}]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), raw...), nil
}

func (m *MemoryBackend) Update(ctx context.Context, fn func(Txn) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	txn := &memoryTxn{parent: m, writes: map[recordKey][]byte{}}
	if err := fn(txn); err != nil {
		return err
	}
	for k, v := range txn.writes {
		m.records[k] = v
	}
	return nil
}

// Len reports how many records are stored.
func (m *MemoryBackend) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records)
}

type memoryTxn struct {
	parent *MemoryBackend
	writes map[recordKey][]byte
}

func (t *memoryTxn) Get(ctx context.Context, kind Kind, key string) ([]byte, error) {
	if raw, ok := t.writes[recordKey{kind: kind, key: key}]; ok {
		return append([]byte(nil), raw...), nil
	}
	return t.parent.getLocked(kind, key)
}

func (t *memoryTxn) Put(ctx context.Context, kind Kind, key string, body []byte) error {
	t.writes[recordKey{kind: kind, key: key}] = append([]byte(nil), body...)
	return nil
}
