package storestate

import (
	"context"
	"sync"

	"github.com/knirvcorp/meshgraph/internal/model"
)

// MemoryStore is an in-memory Store, used by tests and the local demo.
// "Durable before returning" is satisfied trivially: the write is visible
// to every subsequent Get/Scan before Put returns.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]entry
}

type entry struct {
	path  model.Path
	value model.VersionedValue
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]entry)}
}

func (s *MemoryStore) Get(_ context.Context, path model.Path) (model.VersionedValue, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[path.String()]
	if !ok {
		return model.VersionedValue{}, false, nil
	}
	return e.value.Clone(), true, nil
}

func (s *MemoryStore) Put(_ context.Context, path model.Path, value model.VersionedValue) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[path.String()] = entry{path: path, value: value.Clone()}
	return nil
}

func (s *MemoryStore) Del(_ context.Context, path model.Path) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, path.String())
	return nil
}

func (s *MemoryStore) Scan(_ context.Context, prefix model.Path) ([]Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Entry
	for _, e := range s.entries {
		if len(prefix) == 0 || prefix.Equal(e.path) || prefix.IsAncestorOf(e.path) {
			out = append(out, Entry{Path: e.path, Value: e.value.Clone()})
		}
	}
	return out, nil
}

func (s *MemoryStore) Close() error { return nil }
