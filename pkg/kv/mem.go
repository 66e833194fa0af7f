package kv

import (
	"sort"
	"sync"
)

// NewMemory returns a Store backed only by an in-process sorted map. It is
// used for tests, single-process deployments without an L2 tier, and as the
// default when configuration names no kv.backend.
func NewMemory() Store {
	return &memStore{data: make(map[string]string)}
}

type memStore struct {
	mu   sync.RWMutex
	data map[string]string
}

func (m *memStore) Get(key string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.data[key]
	if !ok {
		return "", ErrNotFound
	}
	return v, nil
}

func (m *memStore) Set(key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = value
	return nil
}

func (m *memStore) Delete(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

func (m *memStore) Find(start, end string) Iterator {
	m.mu.RLock()
	defer m.mu.RUnlock()

	keys := make([]string, 0, len(m.data))
	for k := range m.data {
		if k < start {
			continue
		}
		if end != "" && k >= end {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	pairs := make([][2]string, len(keys))
	for i, k := range keys {
		pairs[i] = [2]string{k, m.data[k]}
	}
	return &memIter{pairs: pairs, idx: -1}
}

func (m *memStore) Close() error { return nil }

type memIter struct {
	pairs [][2]string
	idx   int
}

func (it *memIter) Next() bool {
	it.idx++
	return it.idx < len(it.pairs)
}

func (it *memIter) Key() string   { return it.pairs[it.idx][0] }
func (it *memIter) Value() string { return it.pairs[it.idx][1] }
func (it *memIter) Close() error  { return nil }

func init() {
	Register("memory", func(path string) (Store, error) {
		return NewMemory(), nil
	})
}
