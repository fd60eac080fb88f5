// Package memory provides the in-memory attribute store, suitable for
// tests and single-process deployments without persistence needs.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/marmos91/oncrpc/pkg/attr"
)

// MemoryStore implements attr.Store with a mutex-guarded map. Values
// are copied on the way in and out, so callers can't alias the store's
// internal state.
type MemoryStore struct {
	mu     sync.RWMutex
	values map[string][]byte
}

// New creates an empty in-memory attribute store.
func New() *MemoryStore {
	return &MemoryStore{
		values: make(map[string][]byte),
	}
}

func (s *MemoryStore) GetValue(ctx context.Context, path string) ([]byte, error) {
	p, err := attr.ParsePath(path)
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	value, ok := s.values[p.String()]
	if !ok {
		return nil, attr.ErrNotFound
	}
	out := make([]byte, len(value))
	copy(out, value)
	return out, nil
}

func (s *MemoryStore) SetValue(ctx context.Context, path string, value []byte) error {
	p, err := attr.ParsePath(path)
	if err != nil {
		return err
	}

	stored := make([]byte, len(value))
	copy(stored, value)

	s.mu.Lock()
	s.values[p.String()] = stored
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) RemoveValue(ctx context.Context, path string) error {
	p, err := attr.ParsePath(path)
	if err != nil {
		return err
	}

	s.mu.Lock()
	delete(s.values, p.String())
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Query(ctx context.Context, path string, predicate attr.Predicate) ([]attr.Match, error) {
	prefix, err := attr.ParsePath(path)
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	keys := make([]string, 0, len(s.values))
	for k := range s.values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var matches []attr.Match
	for _, k := range keys {
		p, err := attr.ParsePath(k)
		if err != nil {
			continue
		}
		if !p.HasPrefix(prefix) {
			continue
		}
		value := s.values[k]
		if predicate != nil && !predicate(p, value) {
			continue
		}
		out := make([]byte, len(value))
		copy(out, value)
		matches = append(matches, attr.Match{Path: p, Value: out})
	}
	s.mu.RUnlock()

	return matches, nil
}

func (s *MemoryStore) Close() error {
	return nil
}
