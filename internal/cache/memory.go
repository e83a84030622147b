package cache

import (
	"container/list"
	"context"
	"sync"
)

const defaultMemoryEntries = 32

type memoryEntry struct {
	key   string
	value []byte
}

// MemoryStore is a bounded in-process cache that evicts the oldest inserted entry
type MemoryStore struct {
	mu         sync.Mutex
	maxEntries int
	order      *list.List
	items      map[string]*list.Element
}

// NewMemoryStore creates a cache holding at most maxEntries values
func NewMemoryStore(maxEntries int) *MemoryStore {
	if maxEntries <= 0 {
		maxEntries = defaultMemoryEntries
	}
	return &MemoryStore{
		maxEntries: maxEntries,
		order:      list.New(),
		items:      make(map[string]*list.Element, maxEntries),
	}
}

func (s *MemoryStore) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	elem, ok := s.items[key]
	if !ok {
		return nil, ErrCacheMiss
	}
	return elem.Value.(*memoryEntry).value, nil
}

// Set stores value under key. Overwriting keeps the original insertion position.
func (s *MemoryStore) Set(_ context.Context, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if elem, ok := s.items[key]; ok {
		elem.Value.(*memoryEntry).value = value
		return nil
	}

	s.items[key] = s.order.PushBack(&memoryEntry{key: key, value: value})
	for s.order.Len() > s.maxEntries {
		oldest := s.order.Front()
		s.order.Remove(oldest)
		delete(s.items, oldest.Value.(*memoryEntry).key)
	}
	return nil
}

// Len returns the number of cached entries
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.order.Len()
}
