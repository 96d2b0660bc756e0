package remote

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// MemoryStore is an in-memory Client. It backs tests and the server's
// -mem development mode. Collections keep insertion order.
type MemoryStore struct {
	mu          sync.Mutex
	collections map[string][]Record
	hub         *hub
	nextErr     error
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		collections: make(map[string][]Record),
		hub:         newHub(),
	}
}

// FailNext makes the next mutating call return err without applying.
// Test hook for backend rejection paths.
func (m *MemoryStore) FailNext(err error) {
	m.mu.Lock()
	m.nextErr = err
	m.mu.Unlock()
}

// BreakFeed delivers a transport error to every subscriber of the
// collection without touching stored data. Test hook for the
// stale-but-available cache behavior.
func (m *MemoryStore) BreakFeed(collection string, err error) {
	m.mu.Lock()
	m.hub.publish(collection, Snapshot{}, err)
	m.mu.Unlock()
}

// publishLocked fans the current collection state out to subscribers.
// Callers hold mu, which keeps publishes in mutation order and ordered
// against initial subscription deliveries.
func (m *MemoryStore) publishLocked(collection string) {
	m.hub.publish(collection, cloneSnapshot(m.collections[collection]), nil)
}

// Subscribe registers fn and immediately delivers the current snapshot.
// Registration, the initial snapshot, and every publish serialize on the
// store mutex, so the initial delivery can never land behind a newer one.
func (m *MemoryStore) Subscribe(collection string, fn SnapshotFunc) (Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sub := m.hub.subscribe(collection, fn)
	sub.enqueue(delivery{snap: cloneSnapshot(m.collections[collection])})
	return sub, nil
}

// ReadOnce returns the current snapshot without subscribing.
func (m *MemoryStore) ReadOnce(_ context.Context, collection string) (Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return cloneSnapshot(m.collections[collection]), nil
}

// Create stores a new record under a fresh opaque key.
func (m *MemoryStore) Create(_ context.Context, collection string, attrs map[string]any) (string, error) {
	m.mu.Lock()
	if err := m.takeErr(); err != nil {
		m.mu.Unlock()
		return "", err
	}
	key := uuid.NewString()
	m.collections[collection] = append(m.collections[collection], Record{
		Key:   key,
		Attrs: cloneAttrs(attrs),
	})
	m.publishLocked(collection)
	m.mu.Unlock()
	return key, nil
}

// Put replaces a record's attributes, keeping its position.
func (m *MemoryStore) Put(_ context.Context, collection, key string, attrs map[string]any) error {
	m.mu.Lock()
	if err := m.takeErr(); err != nil {
		m.mu.Unlock()
		return err
	}
	idx := m.find(collection, key)
	if idx < 0 {
		m.mu.Unlock()
		return ErrNotFound
	}
	m.collections[collection][idx].Attrs = cloneAttrs(attrs)
	m.publishLocked(collection)
	m.mu.Unlock()
	return nil
}

// Patch merges fields into an existing record.
func (m *MemoryStore) Patch(_ context.Context, collection, key string, fields map[string]any) error {
	m.mu.Lock()
	if err := m.takeErr(); err != nil {
		m.mu.Unlock()
		return err
	}
	idx := m.find(collection, key)
	if idx < 0 {
		m.mu.Unlock()
		return ErrNotFound
	}
	for k, v := range fields {
		m.collections[collection][idx].Attrs[k] = v
	}
	m.publishLocked(collection)
	m.mu.Unlock()
	return nil
}

// Delete removes a record.
func (m *MemoryStore) Delete(_ context.Context, collection, key string) error {
	m.mu.Lock()
	if err := m.takeErr(); err != nil {
		m.mu.Unlock()
		return err
	}
	idx := m.find(collection, key)
	if idx < 0 {
		m.mu.Unlock()
		return ErrNotFound
	}
	records := m.collections[collection]
	m.collections[collection] = append(records[:idx], records[idx+1:]...)
	m.publishLocked(collection)
	m.mu.Unlock()
	return nil
}

// find returns the index of key in collection, or -1. Caller holds mu.
func (m *MemoryStore) find(collection, key string) int {
	for i, r := range m.collections[collection] {
		if r.Key == key {
			return i
		}
	}
	return -1
}

// takeErr consumes a pending FailNext error. Caller holds mu.
func (m *MemoryStore) takeErr() error {
	err := m.nextErr
	m.nextErr = nil
	return err
}
