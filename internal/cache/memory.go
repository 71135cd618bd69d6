package cache

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

// MemoryStore is an in-process Store for tests and Redis-less deployments.
type MemoryStore struct {
	mu    sync.Mutex
	items map[string]memoryItem
	lists map[string][][]byte
}

type memoryItem struct {
	data      []byte
	expiresAt time.Time
}

// NewMemoryStore creates an empty in-memory cache.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		items: map[string]memoryItem{},
		lists: map[string][][]byte{},
	}
}

func (s *MemoryStore) GetJSON(ctx context.Context, key string, dest any) (bool, error) {
	s.mu.Lock()
	item, ok := s.items[key]
	if ok && !item.expiresAt.IsZero() && time.Now().After(item.expiresAt) {
		delete(s.items, key)
		ok = false
	}
	s.mu.Unlock()
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(item.data, dest); err != nil {
		return false, err
	}
	return true, nil
}

func (s *MemoryStore) SetJSON(ctx context.Context, key string, val any, ttl time.Duration) error {
	data, err := json.Marshal(val)
	if err != nil {
		return err
	}
	var exp time.Time
	if ttl > 0 {
		exp = time.Now().Add(ttl)
	}
	s.mu.Lock()
	s.items[key] = memoryItem{data: data, expiresAt: exp}
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, keys ...string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, k := range keys {
		if _, ok := s.items[k]; ok {
			delete(s.items, k)
			n++
		}
		if _, ok := s.lists[k]; ok {
			delete(s.lists, k)
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) PushList(ctx context.Context, key string, val []byte, ttl time.Duration) error {
	cp := make([]byte, len(val))
	copy(cp, val)
	s.mu.Lock()
	s.lists[key] = append(s.lists[key], cp)
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) DrainList(ctx context.Context, key string) ([][]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	items := s.lists[key]
	delete(s.lists, key)
	return items, nil
}
