// Package persistence maps the overlay collection onto a single key of a
// durable key-value backend.
package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"handbookcore/internal/kv"
	"handbookcore/internal/logging"
	"handbookcore/pkg/domain"
)

// DefaultKey is the storage key holding the local profile collection.
const DefaultKey = "reptile-handbook-species-v1"

// PersistenceError describes a swallowed load, save or clear failure.
type PersistenceError struct {
	Op  string
	Key string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence %s %s: %v", e.Op, e.Key, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// Adapter reads and writes the full overlay collection under one key.
// Failures never reach the caller: they are logged, counted and retained as
// LastError so the application keeps running on in-memory state.
type Adapter struct {
	backend kv.Backend
	key     string
	logger  logging.Logger

	mu       sync.Mutex
	failures int
	lastErr  error
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithKey overrides the storage key.
func WithKey(key string) Option {
	return func(a *Adapter) {
		if key != "" {
			a.key = key
		}
	}
}

// WithLogger sets the logger used for swallowed failures.
func WithLogger(l logging.Logger) Option {
	return func(a *Adapter) {
		if l != nil {
			a.logger = l
		}
	}
}

// NewAdapter binds an adapter to backend.
func NewAdapter(backend kv.Backend, opts ...Option) *Adapter {
	a := &Adapter{backend: backend, key: DefaultKey, logger: logging.Nop()}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Key returns the storage key owned by the adapter.
func (a *Adapter) Key() string { return a.key }

// Load returns the persisted collection. The boolean is false when nothing
// usable is stored; a missing key is not a failure.
func (a *Adapter) Load(ctx context.Context) ([]domain.Profile, bool) {
	raw, err := a.backend.Get(ctx, a.key)
	if errors.Is(err, kv.ErrNotFound) {
		return nil, false
	}
	if err != nil {
		a.fail("load", err)
		return nil, false
	}
	var profiles []domain.Profile
	if err := json.Unmarshal(raw, &profiles); err != nil {
		a.fail("load", fmt.Errorf("decode: %w", err))
		return nil, false
	}
	if profiles == nil {
		// "null" decodes without error but is not a collection.
		a.fail("load", errors.New("decode: stored value is not an array"))
		return nil, false
	}
	return profiles, true
}

// Save replaces the persisted collection with profiles.
func (a *Adapter) Save(ctx context.Context, profiles []domain.Profile) {
	if profiles == nil {
		profiles = []domain.Profile{}
	}
	raw, err := domain.Encode(profiles, "")
	if err != nil {
		a.fail("save", fmt.Errorf("encode: %w", err))
		return
	}
	if err := a.backend.Set(ctx, a.key, raw); err != nil {
		a.fail("save", err)
	}
}

// Clear removes the key so a later Load reports absence.
func (a *Adapter) Clear(ctx context.Context) {
	if _, err := a.backend.Delete(ctx, a.key); err != nil {
		a.fail("clear", err)
	}
}

// Failures returns the number of swallowed failures.
func (a *Adapter) Failures() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.failures
}

// LastError returns the most recent swallowed failure, or nil.
func (a *Adapter) LastError() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastErr
}

func (a *Adapter) fail(op string, err error) {
	pe := &PersistenceError{Op: op, Key: a.key, Err: err}
	a.mu.Lock()
	a.failures++
	a.lastErr = pe
	a.mu.Unlock()
	a.logger.Error("local profile persistence failed", "op", op, "key", a.key, "error", err)
}
