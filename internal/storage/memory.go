package storage

import (
	"maps"
	"slices"
	"strings"
	"sync"
)

// MemoryDB is a map-backed DB for tests, the memory backend and ephemeral
// nodes. Stored slices are never shared with callers.
type MemoryDB struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// NewMemory returns an empty MemoryDB.
func NewMemory() *MemoryDB {
	return &MemoryDB{data: make(map[string][]byte)}
}

func (m *MemoryDB) Get(key []byte) ([]byte, error) {
	m.mu.RLock()
	v, ok := m.data[string(key)]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	return copyBytes(v), nil
}

func (m *MemoryDB) Has(key []byte) (bool, error) {
	m.mu.RLock()
	_, ok := m.data[string(key)]
	m.mu.RUnlock()
	return ok, nil
}

func (m *MemoryDB) Put(key, value []byte) error {
	v := copyBytes(value)
	m.mu.Lock()
	m.data[string(key)] = v
	m.mu.Unlock()
	return nil
}

func (m *MemoryDB) Delete(key []byte) error {
	m.mu.Lock()
	delete(m.data, string(key))
	m.mu.Unlock()
	return nil
}

// ForEach visits a sorted snapshot of the prefix range, so fn may write
// to the database.
func (m *MemoryDB) ForEach(prefix []byte, fn func(key, value []byte) error) error {
	snap := m.snapshot(string(prefix))
	for _, k := range slices.Sorted(maps.Keys(snap)) {
		if err := fn([]byte(k), snap[k]); err != nil {
			return err
		}
	}
	return nil
}

func (m *MemoryDB) snapshot(prefix string) map[string][]byte {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string][]byte)
	for k, v := range m.data {
		if strings.HasPrefix(k, prefix) {
			out[k] = copyBytes(v)
		}
	}
	return out
}

// Close is a no-op; the data lives as long as the MemoryDB.
func (m *MemoryDB) Close() error { return nil }

// NewBatch returns a batch that commits under one write lock.
func (m *MemoryDB) NewBatch() Batch {
	return &opBatch{apply: func(ops []batchOp) error {
		m.mu.Lock()
		defer m.mu.Unlock()
		return each(ops,
			func(k, v []byte) error { m.data[string(k)] = v; return nil },
			func(k []byte) error { delete(m.data, string(k)); return nil })
	}}
}
