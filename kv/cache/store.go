package cache

import (
	"sync"

	"github.com/google/btree"
)

const btreeDegree = 32

type keyItem string

func (k keyItem) Less(than btree.Item) bool {
	return k < than.(keyItem)
}

// Store is the in-process key/value container holding cache entries. Values
// are live objects; the store only guarantees that PutIfAbsent is atomic.
type Store struct {
	mu    sync.RWMutex
	items map[string]interface{}
	// index keeps keys ordered for listing.
	index *btree.BTree
}

func NewStore() *Store {
	return &Store{
		items: make(map[string]interface{}),
		index: btree.New(btreeDegree),
	}
}

// PutIfAbsent stores value under key unless the key is already present. It
// returns the value held under key afterwards and whether it was already there.
func (s *Store) PutIfAbsent(key string, value interface{}) (actual interface{}, loaded bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.items[key]; ok {
		return old, true
	}
	s.items[key] = value
	s.index.ReplaceOrInsert(keyItem(key))
	return value, false
}

// Put stores value under key and returns the previous value.
func (s *Store) Put(key string, value interface{}) (old interface{}, existed bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	old, existed = s.items[key]
	s.items[key] = value
	if !existed {
		s.index.ReplaceOrInsert(keyItem(key))
	}
	return old, existed
}

func (s *Store) Get(key string) (interface{}, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.items[key]
	return v, ok
}

func (s *Store) Remove(key string) (interface{}, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	old, ok := s.items[key]
	if ok {
		delete(s.items, key)
		s.index.Delete(keyItem(key))
	}
	return old, ok
}

// Keys returns all keys in ascending order.
func (s *Store) Keys() []string {
	return s.Scan("", 0)
}

// Scan returns up to limit keys greater than or equal to startKey, in
// ascending order. A limit of 0 means no limit.
func (s *Store) Scan(startKey string, limit int) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, s.index.Len())
	s.index.AscendGreaterOrEqual(keyItem(startKey), func(i btree.Item) bool {
		keys = append(keys, string(i.(keyItem)))
		return limit == 0 || len(keys) < limit
	})
	return keys
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.items)
}
