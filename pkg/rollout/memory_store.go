package rollout

import (
	"context"
	"maps"
	"sync"
)

// MemoryStore is an in-memory implementation of the Store interface.
// It's useful for testing and single-process applications.
type MemoryStore struct {
	values map[string]string
	mu     sync.RWMutex
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{values: make(map[string]string)}
}

// Conn returns a connection sharing the store's map. Closing it is a no-op.
func (m *MemoryStore) Conn(ctx context.Context) (Conn, error) {
	return memoryConn{m}, nil
}

// Snapshot returns a copy of every stored key and value.
func (m *MemoryStore) Snapshot() map[string]string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return maps.Clone(m.values)
}

type memoryConn struct {
	m *MemoryStore
}

func (c memoryConn) Get(ctx context.Context, key string) (string, error) {
	c.m.mu.RLock()
	defer c.m.mu.RUnlock()
	return c.m.values[key], nil
}

func (c memoryConn) Set(ctx context.Context, key, value string) error {
	c.m.mu.Lock()
	defer c.m.mu.Unlock()
	c.m.values[key] = value
	return nil
}

func (c memoryConn) MultiGet(ctx context.Context, keys ...string) ([]string, error) {
	c.m.mu.RLock()
	defer c.m.mu.RUnlock()
	out := make([]string, len(keys))
	for i, key := range keys {
		out[i] = c.m.values[key]
	}
	return out, nil
}

func (c memoryConn) Delete(ctx context.Context, key string) error {
	c.m.mu.Lock()
	defer c.m.mu.Unlock()
	delete(c.m.values, key)
	return nil
}

func (c memoryConn) Exists(ctx context.Context, key string) (bool, error) {
	c.m.mu.RLock()
	defer c.m.mu.RUnlock()
	_, ok := c.m.values[key]
	return ok, nil
}

func (c memoryConn) Close() error { return nil }
