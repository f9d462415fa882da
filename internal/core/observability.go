package core

import (
	"context"
	"errors"
	"time"

	"handbookcore/internal/logging"
	"handbookcore/internal/overlay"
)

// Logger is the logging surface used by the service.
type Logger = logging.Logger

// Clock supplies audit timestamps and edit stamps.
type Clock interface {
	Now() time.Time
}

// ClockFunc adapts a function to Clock.
type ClockFunc func() time.Time

// Now implements Clock.
func (f ClockFunc) Now() time.Time { return f() }

// AuditStatus is the outcome recorded for an audited operation.
type AuditStatus string

const (
	AuditStatusSuccess AuditStatus = "success"
	AuditStatusError   AuditStatus = "error"
)

// Action classifies an audited mutation.
type Action string

const (
	ActionCreate Action = "create"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
	ActionReset  Action = "reset"
)

// AuditEntry records one mutating service call.
type AuditEntry struct {
	Operation string
	Action    Action
	EntityID  string
	Status    AuditStatus
	Error     string
	Duration  time.Duration
	Timestamp time.Time
}

// AuditRecorder receives audit entries.
type AuditRecorder interface {
	Record(ctx context.Context, entry AuditEntry)
}

// Outcome classifies how an operation ended. Lookups of unknown ids and
// rejected input are told apart from real failures.
type Outcome string

const (
	OutcomeOK       Outcome = "ok"
	OutcomeNotFound Outcome = "not_found"
	OutcomeInvalid  Outcome = "invalid"
	OutcomeFailed   Outcome = "failed"
)

// OutcomeOf maps an operation error onto its Outcome.
func OutcomeOf(err error) Outcome {
	switch {
	case err == nil:
		return OutcomeOK
	case errors.Is(err, overlay.ErrNotFound):
		return OutcomeNotFound
	case errors.Is(err, overlay.ErrValidation):
		return OutcomeInvalid
	default:
		return OutcomeFailed
	}
}

// MetricsRecorder observes service operation outcomes.
type MetricsRecorder interface {
	Observe(ctx context.Context, operation string, outcome Outcome, duration time.Duration)
}

// Tracer starts a span per service operation. entityID is empty for
// operations that span the whole collection.
type Tracer interface {
	Start(ctx context.Context, operation, entityID string) (context.Context, TraceSpan)
}

// TraceSpan is ended once with the operation result.
type TraceSpan interface {
	End(err error)
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the service logger.
func WithLogger(l Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithClock overrides the service clock.
func WithClock(c Clock) Option {
	return func(s *Service) {
		if c != nil {
			s.clock = c
		}
	}
}

// WithAuditRecorder sets the audit recorder.
func WithAuditRecorder(r AuditRecorder) Option {
	return func(s *Service) {
		if r != nil {
			s.audit = r
		}
	}
}

// WithMetricsRecorder sets the metrics recorder.
func WithMetricsRecorder(m MetricsRecorder) Option {
	return func(s *Service) {
		if m != nil {
			s.metrics = m
		}
	}
}

// WithTracer sets the tracer.
func WithTracer(t Tracer) Option {
	return func(s *Service) {
		if t != nil {
			s.tracer = t
		}
	}
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

type noopAuditRecorder struct{}

func (noopAuditRecorder) Record(context.Context, AuditEntry) {}

type noopMetricsRecorder struct{}

func (noopMetricsRecorder) Observe(context.Context, string, Outcome, time.Duration) {}

type noopTracer struct{}

func (noopTracer) Start(ctx context.Context, _, _ string) (context.Context, TraceSpan) {
	return ctx, noopSpan{}
}

type noopSpan struct{}

func (noopSpan) End(error) {}
