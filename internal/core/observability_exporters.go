package core

import (
	"context"
	"encoding/json"
	"expvar"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"
)

var expvarSeq uint64

// OperationStats aggregates the observed calls of one operation.
type OperationStats struct {
	Calls    int64             `json:"calls"`
	Outcomes map[Outcome]int64 `json:"outcomes"`
	TotalMS  float64           `json:"total_ms"`
	MaxMS    float64           `json:"max_ms"`
}

// HandbookMetrics is the document published under the recorder's expvar name.
// Changes counts the overlay mutations that succeeded, keyed by action.
type HandbookMetrics struct {
	Operations map[string]OperationStats `json:"operations"`
	Changes    map[Action]int64          `json:"changes"`
	RecordedAt time.Time                 `json:"recorded_at"`
}

// ExpvarMetricsRecorder keeps handbook operation counters in memory and
// publishes them through expvar.
type ExpvarMetricsRecorder struct {
	name string

	mu      sync.Mutex
	ops     map[string]*OperationStats
	changes map[Action]int64
}

// NewExpvarMetricsRecorder publishes a recorder under name. An empty name gets
// a generated one since expvar names are process-global.
func NewExpvarMetricsRecorder(name string) *ExpvarMetricsRecorder {
	if name == "" {
		name = fmt.Sprintf("handbook_metrics_%d", atomic.AddUint64(&expvarSeq, 1))
	}
	rec := &ExpvarMetricsRecorder{
		name:    name,
		ops:     make(map[string]*OperationStats),
		changes: make(map[Action]int64),
	}
	expvar.Publish(name, expvar.Func(func() any { return rec.Snapshot() }))
	return rec
}

// Name returns the expvar export name.
func (r *ExpvarMetricsRecorder) Name() string { return r.name }

// Observe implements MetricsRecorder.
func (r *ExpvarMetricsRecorder) Observe(_ context.Context, operation string, outcome Outcome, duration time.Duration) {
	if operation == "" {
		return
	}
	ms := float64(duration) / float64(time.Millisecond)

	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.ops[operation]
	if !ok {
		st = &OperationStats{Outcomes: make(map[Outcome]int64, 2)}
		r.ops[operation] = st
	}
	st.Calls++
	st.Outcomes[outcome]++
	st.TotalMS += ms
	if ms > st.MaxMS {
		st.MaxMS = ms
	}
	if action, audited := operationActions[operation]; audited && outcome == OutcomeOK {
		r.changes[action]++
	}
}

// Snapshot returns a copy of the counters.
func (r *ExpvarMetricsRecorder) Snapshot() HandbookMetrics {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := HandbookMetrics{
		Operations: make(map[string]OperationStats, len(r.ops)),
		Changes:    make(map[Action]int64, len(r.changes)),
		RecordedAt: time.Now().UTC(),
	}
	for op, st := range r.ops {
		cp := *st
		cp.Outcomes = make(map[Outcome]int64, len(st.Outcomes))
		for k, v := range st.Outcomes {
			cp.Outcomes[k] = v
		}
		out.Operations[op] = cp
	}
	for action, n := range r.changes {
		out.Changes[action] = n
	}
	return out
}

// TraceRecord is one finished span. Action is set for mutations only.
type TraceRecord struct {
	Operation  string    `json:"operation"`
	Action     Action    `json:"action,omitempty"`
	ProfileID  string    `json:"profile_id,omitempty"`
	Outcome    Outcome   `json:"outcome"`
	Error      string    `json:"error,omitempty"`
	DurationMS float64   `json:"duration_ms"`
	StartedAt  time.Time `json:"started_at"`
}

// JSONTracer writes one JSON line per finished span and retains the records.
type JSONTracer struct {
	mu      sync.Mutex
	records []TraceRecord
	enc     *json.Encoder
}

// NewJSONTracer returns a tracer writing to w. A nil w only retains records.
func NewJSONTracer(w io.Writer) *JSONTracer {
	t := &JSONTracer{}
	if w != nil {
		t.enc = json.NewEncoder(w)
	}
	return t
}

// Records returns the finished spans in completion order.
func (t *JSONTracer) Records() []TraceRecord {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]TraceRecord(nil), t.records...)
}

// Start implements Tracer.
func (t *JSONTracer) Start(ctx context.Context, operation, entityID string) (context.Context, TraceSpan) {
	return ctx, &jsonSpan{
		tracer: t,
		record: TraceRecord{
			Operation: operation,
			Action:    operationActions[operation],
			ProfileID: entityID,
			StartedAt: time.Now().UTC(),
		},
	}
}

type jsonSpan struct {
	tracer *JSONTracer
	record TraceRecord
}

func (s *jsonSpan) End(err error) {
	rec := s.record
	rec.Outcome = OutcomeOf(err)
	if err != nil {
		rec.Error = err.Error()
	}
	rec.DurationMS = float64(time.Since(rec.StartedAt)) / float64(time.Millisecond)

	s.tracer.mu.Lock()
	defer s.tracer.mu.Unlock()
	s.tracer.records = append(s.tracer.records, rec)
	if s.tracer.enc != nil {
		_ = s.tracer.enc.Encode(rec)
	}
}
