// Package core exposes the handbook operations callers use: creating, editing
// and removing local profiles and listing the combined catalog.
package core

import (
	"context"
	"errors"
	"fmt"
	"time"

	"handbookcore/internal/catalog"
	"handbookcore/internal/overlay"
	"handbookcore/internal/view"
	"handbookcore/pkg/domain"
)

const (
	opCreate       = "create_profile"
	opEdit         = "edit_profile"
	opRemove       = "remove_profile"
	opReset        = "reset_profiles"
	opListCombined = "list_combined"
	opListLocal    = "list_local"
	opGet          = "get_profile"
)

// operationActions lists the audited operations.
var operationActions = map[string]Action{
	opCreate: ActionCreate,
	opEdit:   ActionUpdate,
	opRemove: ActionDelete,
	opReset:  ActionReset,
}

// Service combines the built-in catalog with the local overlay store.
type Service struct {
	catalog *catalog.Catalog
	store   *overlay.Store

	logger  Logger
	clock   Clock
	audit   AuditRecorder
	metrics MetricsRecorder
	tracer  Tracer
}

// NewService constructs a service over an explicitly created catalog and store.
func NewService(cat *catalog.Catalog, store *overlay.Store, opts ...Option) (*Service, error) {
	if cat == nil {
		return nil, errors.New("core: nil catalog")
	}
	if store == nil {
		return nil, errors.New("core: nil overlay store")
	}
	s := &Service{
		catalog: cat,
		store:   store,
		logger:  noopLogger{},
		clock:   ClockFunc(time.Now),
		audit:   noopAuditRecorder{},
		metrics: noopMetricsRecorder{},
		tracer:  noopTracer{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Catalog returns the built-in catalog.
func (s *Service) Catalog() *catalog.Catalog { return s.catalog }

// Store returns the local overlay store.
func (s *Service) Store() *overlay.Store { return s.store }

// Create stores a complete local profile. A profile whose id matches a catalog
// entry overrides that entry in listings.
func (s *Service) Create(ctx context.Context, profile domain.Profile) (domain.Profile, error) {
	var created domain.Profile
	err := s.run(ctx, opCreate, profile.ID, func(ctx context.Context) error {
		var err error
		created, err = s.store.Upsert(ctx, profile)
		return err
	})
	return created, err
}

// EditAndSave applies patch to the profile with id. Editing a catalog entry
// that has no local copy yet saves the patched entry as a local override.
func (s *Service) EditAndSave(ctx context.Context, id string, patch domain.Patch) (domain.Profile, error) {
	var saved domain.Profile
	err := s.run(ctx, opEdit, id, func(ctx context.Context) error {
		var err error
		saved, err = s.store.Update(ctx, id, patch)
		if !errors.Is(err, overlay.ErrNotFound) || !s.catalog.Has(id) {
			return err
		}
		base, ok := s.builtin(id)
		if !ok {
			return err
		}
		patched, perr := base.Apply(patch)
		if perr != nil {
			var pe *domain.PatchError
			if errors.As(perr, &pe) {
				return &overlay.ValidationError{Field: pe.Field, Reason: pe.Reason}
			}
			return perr
		}
		patched.UpdatedAt = s.clock.Now().UTC().Format(overlay.TimestampLayout)
		saved, err = s.store.Upsert(ctx, patched)
		return err
	})
	return saved, err
}

// Remove deletes the local profile with id and reports whether one existed.
// A catalog entry with the same id becomes visible again.
func (s *Service) Remove(ctx context.Context, id string) (bool, error) {
	var removed bool
	err := s.run(ctx, opRemove, id, func(ctx context.Context) error {
		removed = s.store.Delete(ctx, id)
		return nil
	})
	return removed, err
}

// ResetAll discards every local profile.
func (s *Service) ResetAll(ctx context.Context) error {
	return s.run(ctx, opReset, "", func(ctx context.Context) error {
		s.store.Clear(ctx)
		return nil
	})
}

// ListCombined returns the catalog merged with the local overlay.
func (s *Service) ListCombined(ctx context.Context) ([]domain.Profile, error) {
	var out []domain.Profile
	err := s.run(ctx, opListCombined, "", func(context.Context) error {
		out = view.Combine(s.catalog.Profiles(), s.store.List())
		return nil
	})
	return out, err
}

// ListAnnotated returns the combined list tagged with each entry's origin.
func (s *Service) ListAnnotated(ctx context.Context) ([]view.Entry, error) {
	var out []view.Entry
	err := s.run(ctx, opListCombined, "", func(context.Context) error {
		out = view.Annotate(s.catalog.Profiles(), s.store.List())
		return nil
	})
	return out, err
}

// ListLocal returns only the local overlay.
func (s *Service) ListLocal(ctx context.Context) ([]domain.Profile, error) {
	var out []domain.Profile
	err := s.run(ctx, opListLocal, "", func(context.Context) error {
		out = s.store.List()
		return nil
	})
	return out, err
}

// Get returns the combined profile with id and its origin.
func (s *Service) Get(ctx context.Context, id string) (view.Entry, error) {
	var entry view.Entry
	err := s.run(ctx, opGet, id, func(context.Context) error {
		local, inStore := s.store.Get(id)
		switch {
		case inStore && s.catalog.Has(id):
			entry = view.Entry{Profile: local, Origin: view.OriginOverride}
		case inStore:
			entry = view.Entry{Profile: local, Origin: view.OriginLocal}
		default:
			base, ok := s.builtin(id)
			if !ok {
				return &overlay.NotFoundError{ID: id}
			}
			entry = view.Entry{Profile: base, Origin: view.OriginBuiltin}
		}
		return nil
	})
	return entry, err
}

func (s *Service) builtin(id string) (domain.Profile, bool) {
	for _, p := range s.catalog.Profiles() {
		if p.ID == id {
			return p, true
		}
	}
	return domain.Profile{}, false
}

// run wraps an operation with tracing, metrics, audit and logging.
func (s *Service) run(ctx context.Context, op, entityID string, fn func(context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	ctx, span := s.tracer.Start(ctx, op, entityID)
	start := time.Now()
	err := fn(ctx)
	duration := time.Since(start)
	span.End(err)
	s.metrics.Observe(ctx, op, OutcomeOf(err), duration)
	if err != nil {
		s.recordAuditError(ctx, op, entityID, duration, err)
		s.logger.Error("handbook operation failed", "operation", op, "id", entityID, "error", err)
		return fmt.Errorf("%s: %w", op, err)
	}
	s.recordAuditSuccess(ctx, op, entityID, duration)
	s.logger.Debug("handbook operation completed", "operation", op, "id", entityID, "duration", duration)
	return nil
}

func (s *Service) recordAuditSuccess(ctx context.Context, op, entityID string, duration time.Duration) {
	s.recordAudit(ctx, op, entityID, duration, AuditStatusSuccess, nil)
}

func (s *Service) recordAuditError(ctx context.Context, op, entityID string, duration time.Duration, err error) {
	s.recordAudit(ctx, op, entityID, duration, AuditStatusError, err)
}

func (s *Service) recordAudit(ctx context.Context, op, entityID string, duration time.Duration, status AuditStatus, err error) {
	action, ok := operationActions[op]
	if !ok {
		return
	}
	entry := AuditEntry{
		Operation: op,
		Action:    action,
		EntityID:  entityID,
		Status:    status,
		Duration:  duration,
		Timestamp: s.clock.Now().UTC(),
	}
	if err != nil {
		entry.Error = err.Error()
	}
	s.audit.Record(ctx, entry)
}
