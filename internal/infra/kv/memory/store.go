// Package memory implements an in-memory key-value Backend for tests.
package memory

import (
	"context"
	"fmt"
	"sync"

	"handbookcore/internal/kv/core"
)

// Store implements core.Backend backed by process memory. Intended for tests
// and throwaway sessions.
type Store struct {
	mu     sync.RWMutex
	objs   map[string][]byte
	closed bool
	// failures lets tests force backend errors per operation ("get", "set", "delete").
	failures map[string]error
}

// New returns an in-memory store.
func New() *Store { return &Store{objs: make(map[string][]byte)} }

// Driver returns the backend driver identifier.
func (s *Store) Driver() core.Driver { return core.DriverMemory }

// Get returns a copy of the stored bytes.
func (s *Store) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.check("get"); err != nil {
		return nil, err
	}
	b, ok := s.objs[key]
	if !ok {
		return nil, core.ErrNotFound
	}
	return append([]byte(nil), b...), nil
}

// Set stores a copy of value under key.
func (s *Store) Set(_ context.Context, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("set"); err != nil {
		return err
	}
	s.objs[key] = append([]byte(nil), value...)
	return nil
}

// Delete removes the key returning true if it existed.
func (s *Store) Delete(_ context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("delete"); err != nil {
		return false, err
	}
	_, ok := s.objs[key]
	if ok {
		delete(s.objs, key)
	}
	return ok, nil
}

// Close marks the store closed; later calls fail.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// FailWith makes the named operation return err until cleared with a nil err.
func (s *Store) FailWith(op string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failures == nil {
		s.failures = make(map[string]error)
	}
	if err == nil {
		delete(s.failures, op)
		return
	}
	s.failures[op] = err
}

// Keys returns the number of stored keys.
func (s *Store) Keys() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.objs)
}

func (s *Store) check(op string) error {
	if s.closed {
		return fmt.Errorf("memory kv: %s on closed store", op)
	}
	return s.failures[op]
}
