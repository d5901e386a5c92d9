package storage

import (
	"context"
	"sync"

	"github.com/alxark/scmt/scmterr"
)

// Memory is an in-process KV backend. It is used by tests and by
// single-node deployments that don't need a separately-operated KV store.
type Memory struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// NewMemory creates an empty in-memory backend.
func NewMemory() *Memory {
	return &Memory{data: make(map[string][]byte)}
}

var _ KV = (*Memory)(nil)

func (m *Memory) Exists(_ context.Context, path string) bool {
	path = Join(path)
	m.mu.RLock()
	defer m.mu.RUnlock()

	if _, ok := m.data[path]; ok {
		return true
	}
	prefix := path + "/"
	for k := range m.data {
		if len(k) > len(prefix) && k[:len(prefix)] == prefix {
			return true
		}
	}
	return false
}

func (m *Memory) Read(_ context.Context, path string) ([]byte, error) {
	path = Join(path)
	m.mu.RLock()
	defer m.mu.RUnlock()

	v, ok := m.data[path]
	if !ok {
		return nil, scmterr.NotFoundf("no such key: " + path)
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, nil
}

func (m *Memory) Write(_ context.Context, path string, value []byte) error {
	path = Join(path)
	m.mu.Lock()
	defer m.mu.Unlock()

	v := make([]byte, len(value))
	copy(v, value)
	m.data[path] = v
	return nil
}

func (m *Memory) List(_ context.Context, path string) ([]string, error) {
	path = Join(path)
	m.mu.RLock()
	defer m.mu.RUnlock()

	keys := make([]string, 0, len(m.data))
	for k := range m.data {
		keys = append(keys, k)
	}
	children := dedupChildren(path, keys)
	if len(children) == 0 {
		return nil, scmterr.NotFoundf("no such prefix: " + path)
	}
	return children, nil
}

func (m *Memory) Delete(_ context.Context, path string) error {
	path = Join(path)
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.data, path)
	prefix := path + "/"
	for k := range m.data {
		if len(k) > len(prefix) && k[:len(prefix)] == prefix {
			delete(m.data, k)
		}
	}
	return nil
}
