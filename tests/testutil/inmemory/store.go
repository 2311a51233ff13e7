// Package inmemory provides in-memory implementations for testing.
package inmemory

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/epam/modular-api/pkg/errors"
	"github.com/epam/modular-api/pkg/store"
)

// Store is a map-backed document store.
type Store struct {
	mu          sync.RWMutex
	collections map[string]map[string][]byte
	counters    map[string]int64
}

var _ store.Store = (*Store)(nil)

// NewStore creates a new in-memory store.
func NewStore() *Store {
	return &Store{
		collections: make(map[string]map[string][]byte),
		counters:    make(map[string]int64),
	}
}

// coll returns the named collection, creating it on first use. Callers
// must hold the write lock.
func (s *Store) coll(name string) map[string][]byte {
	c, ok := s.collections[name]
	if !ok {
		c = make(map[string][]byte)
		s.collections[name] = c
	}
	return c
}

// lookup returns the named collection without creating it, so read paths
// stay safe under the read lock. A nil map reads as empty.
func (s *Store) lookup(name string) map[string][]byte {
	return s.collections[name]
}

func (s *Store) Get(ctx context.Context, collection, key string, out any) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	raw, ok := s.lookup(collection)[key]
	if !ok {
		return fmt.Errorf("%s/%s: %w", collection, key, errors.ErrNotFound)
	}
	return json.Unmarshal(raw, out)
}

func (s *Store) Put(ctx context.Context, collection, key string, doc any) error {
	raw, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.coll(collection)[key] = raw
	return nil
}

func (s *Store) Insert(ctx context.Context, collection, key string, doc any) error {
	raw, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.coll(collection)
	if _, ok := c[key]; ok {
		return fmt.Errorf("%s/%s: %w", collection, key, errors.ErrAlreadyExists)
	}
	c[key] = raw
	return nil
}

func (s *Store) Delete(ctx context.Context, collection, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.coll(collection)
	if _, ok := c[key]; !ok {
		return fmt.Errorf("%s/%s: %w", collection, key, errors.ErrNotFound)
	}
	delete(c, key)
	return nil
}

func (s *Store) Increment(ctx context.Context, collection, key string, ttl time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ck := collection + "/" + key
	s.counters[ck]++
	return s.counters[ck], nil
}

func (s *Store) Scan(ctx context.Context, collection string, fn func(key string, raw []byte) error) error {
	s.mu.RLock()
	c := s.lookup(collection)
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	rows := make(map[string][]byte, len(c))
	for k, v := range c {
		rows[k] = v
	}
	s.mu.RUnlock()

	for _, k := range keys {
		if err := fn(k, rows[k]); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error { return nil }

func (s *Store) Close(ctx context.Context) error { return nil }

// ResetCounters clears all counter windows, used by rate-limiter tests.
func (s *Store) ResetCounters() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counters = make(map[string]int64)
}
