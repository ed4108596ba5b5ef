package syncstore

import (
	"context"
	"sync"
)

// Store is the durable key-value binding behind the service. Values are
// raw JSON text and are never interpreted. Implementations must be safe for
// concurrent use; concurrent Puts to one code are last-write-wins.
type Store interface {
	// Get returns the document stored under code; ok is false if none.
	Get(ctx context.Context, code string) (doc []byte, ok bool, err error)
	// Put overwrites the document stored under code.
	Put(ctx context.Context, code string, doc []byte) error
	Close() error
}

// MemoryStore keeps documents in a map. Data is lost on exit.
type MemoryStore struct {
	mu   sync.RWMutex
	docs map[string][]byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{docs: map[string][]byte{}}
}

func (m *MemoryStore) Get(_ context.Context, code string) ([]byte, bool, error) {
	m.mu.RLock()
	doc, ok := m.docs[code]
	m.mu.RUnlock()
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), doc...), true, nil
}

func (m *MemoryStore) Put(_ context.Context, code string, doc []byte) error {
	buf := append([]byte(nil), doc...)
	m.mu.Lock()
	m.docs[code] = buf
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.docs)
}

func (m *MemoryStore) Close() error { return nil }
