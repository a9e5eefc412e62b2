package cache

import (
	"context"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	expirable "github.com/hashicorp/golang-lru/v2/expirable"
)

type memoryEntry struct {
	value     []byte
	expiresAt time.Time // zero means no expiry
}

func (e *memoryEntry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && !now.Before(e.expiresAt)
}

// MemoryStore is an in-process Store backed by a bounded LRU with per-key
// expiry. It serves single-node deployments and tests.
type MemoryStore struct {
	lru       *expirable.LRU[string, *memoryEntry]
	evictions atomic.Int64
	maxSize   int
	now       func() time.Time
}

// NewMemoryStore creates a new in-memory store holding at most maxSize keys.
func NewMemoryStore(maxSize int) *MemoryStore {
	if maxSize <= 0 {
		maxSize = 10000
	}
	s := &MemoryStore{
		maxSize: maxSize,
		now:     time.Now,
	}
	s.lru = expirable.NewLRU[string, *memoryEntry](maxSize, func(string, *memoryEntry) {
		s.evictions.Add(1)
	}, 0)
	return s
}

func (s *MemoryStore) load(key string) (*memoryEntry, bool) {
	e, ok := s.lru.Peek(key)
	if !ok {
		return nil, false
	}
	if e.expired(s.now()) {
		s.lru.Remove(key)
		return nil, false
	}
	return e, true
}

func (s *MemoryStore) Get(_ context.Context, key string) ([]byte, error) {
	e, ok := s.lru.Get(key)
	if !ok {
		return nil, ErrNotFound
	}
	if e.expired(s.now()) {
		s.lru.Remove(key)
		return nil, ErrNotFound
	}
	return append([]byte(nil), e.value...), nil
}

func (s *MemoryStore) Exists(_ context.Context, key string) (bool, error) {
	_, ok := s.load(key)
	return ok, nil
}

func (s *MemoryStore) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	e := &memoryEntry{value: append([]byte(nil), value...)}
	if ttl > 0 {
		e.expiresAt = s.now().Add(ttl)
	}
	s.lru.Add(key, e)
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.lru.Remove(key)
	return nil
}

func (s *MemoryStore) Scan(_ context.Context, prefix string) ([]string, error) {
	var out []string
	for _, k := range s.lru.Keys() {
		if !strings.HasPrefix(k, prefix) {
			continue
		}
		if _, ok := s.load(k); ok {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (s *MemoryStore) GetMany(_ context.Context, keys []string) (map[string][]byte, error) {
	out := make(map[string][]byte, len(keys))
	for _, k := range keys {
		if e, ok := s.load(k); ok {
			out[k] = append([]byte(nil), e.value...)
		}
	}
	return out, nil
}

func (s *MemoryStore) TTL(_ context.Context, key string) (time.Duration, error) {
	e, ok := s.load(key)
	if !ok {
		return 0, ErrNotFound
	}
	if e.expiresAt.IsZero() {
		return 0, nil
	}
	return e.expiresAt.Sub(s.now()), nil
}

func (s *MemoryStore) Ping(context.Context) error { return nil }

func (s *MemoryStore) Close() error {
	s.lru.Purge()
	return nil
}

// Stats returns size and eviction counts.
func (s *MemoryStore) Stats() StoreStats {
	return StoreStats{
		Size:      s.lru.Len(),
		MaxSize:   s.maxSize,
		Evictions: s.evictions.Load(),
	}
}
