package store

import (
	"fmt"
	"sync"
)

// MemStore is an in-memory Store used in tests where the logic under test
// does not care about durability. A single mutex serializes all access,
// which trivially satisfies the Update locking contract.
type MemStore struct {
	mu   sync.Mutex
	docs map[string]map[string][]byte // collection -> key -> value
}

// NewMemStore returns an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{docs: make(map[string]map[string][]byte)}
}

func (s *MemStore) Get(collection, key string) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	value, ok := s.docs[collection][key]
	if !ok {
		return nil, false, nil
	}
	cp := make([]byte, len(value))
	copy(cp, value)
	return cp, true, nil
}

func (s *MemStore) Put(collection, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.putLocked(collection, key, value)
	return nil
}

func (s *MemStore) Create(collection, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.docs[collection][key]; ok {
		return fmt.Errorf("create %s/%s: %w", collection, key, ErrExists)
	}
	s.putLocked(collection, key, value)
	return nil
}

func (s *MemStore) Update(collection, key string, fn UpdateFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var cur []byte
	if value, ok := s.docs[collection][key]; ok {
		cur = make([]byte, len(value))
		copy(cur, value)
	}
	next, err := fn(cur)
	if err != nil {
		return err
	}
	s.putLocked(collection, key, next)
	return nil
}

func (s *MemStore) Delete(collection, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.docs[collection][key]; !ok {
		return fmt.Errorf("delete %s/%s: %w", collection, key, ErrNotFound)
	}
	delete(s.docs[collection], key)
	return nil
}

func (s *MemStore) List(collection string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]string, 0, len(s.docs[collection]))
	for key := range s.docs[collection] {
		keys = append(keys, key)
	}
	return keys, nil
}

// putLocked stores a copy of value. Must be called with s.mu held.
func (s *MemStore) putLocked(collection, key string, value []byte) {
	if s.docs[collection] == nil {
		s.docs[collection] = make(map[string][]byte)
	}
	cp := make([]byte, len(value))
	copy(cp, value)
	s.docs[collection][key] = cp
}
