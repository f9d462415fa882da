// Package overlay holds the user's local profiles: records they added or edited
// on top of the built-in catalog. The collection is loaded once at
// construction and written back in full after every mutation.
package overlay

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"handbookcore/internal/logging"
	"handbookcore/pkg/domain"
)

// TimestampLayout is the ISO-8601 form stamped into updatedAt by Update.
const TimestampLayout = "2006-01-02T15:04:05.000Z07:00"

// Persister stores the whole overlay collection. Implementations swallow
// their own failures.
type Persister interface {
	Load(ctx context.Context) ([]domain.Profile, bool)
	Save(ctx context.Context, profiles []domain.Profile)
	Clear(ctx context.Context)
}

// Clock supplies the time used for updatedAt stamps.
type Clock interface {
	Now() time.Time
}

// ClockFunc adapts a function to Clock.
type ClockFunc func() time.Time

// Now implements Clock.
func (f ClockFunc) Now() time.Time { return f() }

// Store is the local override collection. Order is insertion order; an id
// appears at most once.
type Store struct {
	mu       sync.Mutex
	profiles []domain.Profile
	index    map[string]int

	persist Persister
	clock   Clock
	logger  logging.Logger

	buffer int
	writer *writer
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the clock used by Update.
func WithClock(c Clock) Option {
	return func(s *Store) {
		if c != nil {
			s.clock = c
		}
	}
}

// WithLogger sets the store logger.
func WithLogger(l logging.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithAsyncWrites moves persistence onto a single background writer fed by a
// queue of the given size. Writes stay ordered; callers do not wait for them.
// Call Flush to wait and Close to stop the writer.
func WithAsyncWrites(buffer int) Option {
	return func(s *Store) {
		if buffer < 1 {
			buffer = 1
		}
		s.buffer = buffer
	}
}

// New loads the persisted collection once and returns the store. Records
// sharing an id are collapsed, the later one taking the earlier position.
func New(ctx context.Context, p Persister, opts ...Option) (*Store, error) {
	if p == nil {
		return nil, errors.New("overlay: nil persister")
	}
	s := &Store{
		index:   make(map[string]int),
		persist: p,
		clock:   ClockFunc(time.Now),
		logger:  logging.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	loaded, ok := p.Load(ctx)
	if ok {
		s.adopt(loaded)
	}
	if s.buffer > 0 {
		s.writer = startWriter(p, s.buffer)
	}
	return s, nil
}

func (s *Store) adopt(loaded []domain.Profile) {
	var dupes, blanks int
	for _, p := range loaded {
		if strings.TrimSpace(p.ID) == "" {
			blanks++
			continue
		}
		if i, ok := s.index[p.ID]; ok {
			s.profiles[i] = p
			dupes++
			continue
		}
		s.index[p.ID] = len(s.profiles)
		s.profiles = append(s.profiles, p)
	}
	if dupes > 0 {
		s.logger.Warn("collapsed duplicate local profiles", "duplicates", dupes, "kept", len(s.profiles))
	}
	if blanks > 0 {
		s.logger.Warn("dropped local profiles without id", "count", blanks)
	}
}

// Upsert stores profile, replacing any record with the same id in place or
// appending it. The record is replaced whole; timestamps are kept as given.
func (s *Store) Upsert(ctx context.Context, profile domain.Profile) (domain.Profile, error) {
	if strings.TrimSpace(profile.ID) == "" {
		return domain.Profile{}, &ValidationError{Field: domain.KeyID, Reason: "required"}
	}
	stored := profile.Clone()
	s.mu.Lock()
	defer s.mu.Unlock()
	if i, ok := s.index[stored.ID]; ok {
		s.profiles[i] = stored
	} else {
		s.index[stored.ID] = len(s.profiles)
		s.profiles = append(s.profiles, stored)
	}
	s.saveLocked(ctx)
	return stored.Clone(), nil
}

// Update applies patch to the record with id and stamps updatedAt from the
// store clock. A missing id returns *NotFoundError without writing.
func (s *Store) Update(ctx context.Context, id string, patch domain.Patch) (domain.Profile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i, ok := s.index[id]
	if !ok {
		return domain.Profile{}, &NotFoundError{ID: id}
	}
	updated, err := s.profiles[i].Apply(patch)
	if err != nil {
		var pe *domain.PatchError
		if errors.As(err, &pe) {
			return domain.Profile{}, &ValidationError{Field: pe.Field, Reason: pe.Reason}
		}
		return domain.Profile{}, err
	}
	updated.UpdatedAt = s.clock.Now().UTC().Format(TimestampLayout)
	s.profiles[i] = updated
	s.saveLocked(ctx)
	return updated.Clone(), nil
}

// Delete removes the record with id and reports whether one existed.
// Deleting an absent id changes nothing and writes nothing.
func (s *Store) Delete(ctx context.Context, id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	i, ok := s.index[id]
	if !ok {
		return false
	}
	s.profiles = append(s.profiles[:i], s.profiles[i+1:]...)
	delete(s.index, id)
	for j := i; j < len(s.profiles); j++ {
		s.index[s.profiles[j].ID] = j
	}
	s.saveLocked(ctx)
	return true
}

// Clear drops every local record and removes the persisted key.
func (s *Store) Clear(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.profiles = nil
	s.index = make(map[string]int)
	if s.writer.enqueue(ctx, writeOp{clear: true}) {
		return
	}
	s.persist.Clear(ctx)
}

// List returns copies of the local records in insertion order.
func (s *Store) List() []domain.Profile {
	s.mu.Lock()
	defer s.mu.Unlock()
	return domain.CloneAll(s.profiles)
}

// Get returns a copy of the record with id.
func (s *Store) Get(id string) (domain.Profile, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i, ok := s.index[id]
	if !ok {
		return domain.Profile{}, false
	}
	return s.profiles[i].Clone(), true
}

// Len returns the number of local records.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.profiles)
}

// Flush waits until every queued write has reached the persister. It returns
// immediately for synchronous stores.
func (s *Store) Flush(ctx context.Context) error {
	s.mu.Lock()
	done := make(chan struct{})
	queued := s.writer.enqueue(ctx, writeOp{flushed: done})
	s.mu.Unlock()
	if !queued {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close drains pending writes and stops the background writer. Later
// mutations persist synchronously.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writer.stop()
	s.writer = nil
	return nil
}

// saveLocked hands the current collection to the persister. Caller holds mu.
func (s *Store) saveLocked(ctx context.Context) {
	snapshot := domain.CloneAll(s.profiles)
	if snapshot == nil {
		snapshot = []domain.Profile{}
	}
	if s.writer.enqueue(ctx, writeOp{snapshot: snapshot}) {
		return
	}
	s.persist.Save(ctx, snapshot)
}
