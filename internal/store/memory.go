package store

import (
	"context"
	"sort"
	"strings"
	"sync"
)

// Memory is an in-memory KV store for tests and ephemeral runs.
type Memory struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{data: make(map[string][]byte)}
}

// Read implements KV.
func (m *Memory) Read(_ context.Context, key []string) ([]byte, error) {
	k, err := EncodeKey(key)
	if err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.data[k]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), v...), nil
}

// Write implements KV.
func (m *Memory) Write(_ context.Context, key []string, value []byte) error {
	k, err := EncodeKey(key)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[k] = append([]byte(nil), value...)
	return nil
}

// Remove implements KV.
func (m *Memory) Remove(_ context.Context, key []string) error {
	k, err := EncodeKey(key)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, k)
	return nil
}

// List implements KV.
func (m *Memory) List(_ context.Context, prefix []string) ([][]string, error) {
	p, err := EncodeKey(prefix)
	if err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	var flat []string
	for k := range m.data {
		if k == p || strings.HasPrefix(k, p+keySeparator) {
			flat = append(flat, k)
		}
	}
	sort.Strings(flat)

	keys := make([][]string, 0, len(flat))
	for _, k := range flat {
		keys = append(keys, DecodeKey(k))
	}
	return keys, nil
}
