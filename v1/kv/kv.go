// Package kv defines the remote key-value primitives the lease lock is built
// on, together with Redis, NATS JetStream, etcd and in-memory implementations.
//
// Every method maps to a single atomic operation on the backing store. The
// lock never combines two calls and assumes the pair to be atomic.
package kv

import (
	"context"
	"sync"
)

// Store is the remote key-value collaborator shared by all serving processes.
type Store interface {
	// SetNX writes value under key only if the key is absent. It reports
	// whether the key was created.
	SetNX(ctx context.Context, key, value string) (bool, error)
	// Get returns the current value. The boolean is false when the key is absent.
	Get(ctx context.Context, key string) (string, bool, error)
	// GetSet overwrites key with value and returns the previous value, if any.
	GetSet(ctx context.Context, key, value string) (string, bool, error)
	// CompareAndSwap replaces the value of key with value only if it
	// currently equals old. Absent keys never match.
	CompareAndSwap(ctx context.Context, key, old, value string) (bool, error)
	// CompareAndDelete removes key only if its value equals expected.
	CompareAndDelete(ctx context.Context, key, expected string) (bool, error)
	// Delete removes key unconditionally. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error
}

// MemoryStore is a Store backed by a map. It is process-local and meant for
// tests and single-node runs.
type MemoryStore struct {
	mu    sync.Mutex
	items map[string]string
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{items: make(map[string]string)}
}

// SetNX implements Store.SetNX.
func (s *MemoryStore) SetNX(ctx context.Context, key, value string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.items[key]; ok {
		return false, nil
	}
	s.items[key] = value
	return true, nil
}

// Get implements Store.Get.
func (s *MemoryStore) Get(ctx context.Context, key string) (string, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", false, err
	}
	s.mu.Lock()
	v, ok := s.items[key]
	s.mu.Unlock()
	return v, ok, nil
}

// GetSet implements Store.GetSet.
func (s *MemoryStore) GetSet(ctx context.Context, key, value string) (string, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, ok := s.items[key]
	s.items[key] = value
	return prev, ok, nil
}

// CompareAndSwap implements Store.CompareAndSwap.
func (s *MemoryStore) CompareAndSwap(ctx context.Context, key, old, value string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.items[key]
	if !ok || cur != old {
		return false, nil
	}
	s.items[key] = value
	return true, nil
}

// CompareAndDelete implements Store.CompareAndDelete.
func (s *MemoryStore) CompareAndDelete(ctx context.Context, key, expected string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.items[key]
	if !ok || cur != expected {
		return false, nil
	}
	delete(s.items, key)
	return true, nil
}

// Delete implements Store.Delete.
func (s *MemoryStore) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.items, key)
	s.mu.Unlock()
	return nil
}

// Keys returns the keys currently held. Used by tests and diagnostics.
func (s *MemoryStore) Keys() []string {
	s.mu.Lock()
	keys := make([]string, 0, len(s.items))
	for k := range s.items {
		keys = append(keys, k)
	}
	s.mu.Unlock()
	return keys
}
