package overlay

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"go.uber.org/goleak"

	"handbookcore/internal/kv"
	"handbookcore/internal/persistence"
	"handbookcore/pkg/domain"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// recordingPersister keeps every saved snapshot in memory.
type recordingPersister struct {
	mu      sync.Mutex
	stored  []domain.Profile
	present bool
	saves   int
	clears  int
}

func (r *recordingPersister) Load(context.Context) ([]domain.Profile, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return domain.CloneAll(r.stored), r.present
}

func (r *recordingPersister) Save(_ context.Context, profiles []domain.Profile) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stored = domain.CloneAll(profiles)
	r.present = true
	r.saves++
}

func (r *recordingPersister) Clear(context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stored = nil
	r.present = false
	r.clears++
}

func (r *recordingPersister) ids() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return ids(r.stored)
}

type captureLogger struct{ calls []string }

func (c *captureLogger) Debug(msg string, _ ...any) { c.calls = append(c.calls, "d:"+msg) }
func (c *captureLogger) Info(msg string, _ ...any)  { c.calls = append(c.calls, "i:"+msg) }
func (c *captureLogger) Warn(msg string, _ ...any)  { c.calls = append(c.calls, "w:"+msg) }
func (c *captureLogger) Error(msg string, _ ...any) { c.calls = append(c.calls, "e:"+msg) }

func ids(ps []domain.Profile) []string {
	out := make([]string, 0, len(ps))
	for _, p := range ps {
		out = append(out, p.ID)
	}
	return out
}

func rec(t *testing.T, id string, fields map[string]any) domain.Profile {
	t.Helper()
	p := domain.Profile{ID: id, CreatedAt: "2024-01-01T00:00:00.000Z", UpdatedAt: "2024-01-01T00:00:00.000Z"}
	for k, v := range fields {
		if err := p.SetField(k, v); err != nil {
			t.Fatalf("set %s: %v", k, err)
		}
	}
	return p
}

func newStore(t *testing.T, p Persister, opts ...Option) *Store {
	t.Helper()
	s, err := New(context.Background(), p, opts...)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	return s
}

func TestNewRequiresPersister(t *testing.T) {
	if _, err := New(context.Background(), nil); err == nil {
		t.Fatalf("expected error for nil persister")
	}
}

func TestUpsertAppendsAndReplacesInPlace(t *testing.T) {
	ctx := context.Background()
	p := &recordingPersister{}
	s := newStore(t, p)

	for _, id := range []string{"a", "b", "c"} {
		if _, err := s.Upsert(ctx, rec(t, id, map[string]any{"commonName": id})); err != nil {
			t.Fatalf("upsert %s: %v", id, err)
		}
	}
	replacement := rec(t, "b", map[string]any{"scientificName": "Beta beta"})
	replacement.UpdatedAt = "2025-05-05T00:00:00.000Z"
	if _, err := s.Upsert(ctx, replacement); err != nil {
		t.Fatalf("replace: %v", err)
	}
	if diff := cmp.Diff([]string{"a", "b", "c"}, ids(s.List())); diff != "" {
		t.Fatalf("order changed (-want +got):\n%s", diff)
	}
	got, _ := s.Get("b")
	if _, ok := got.Field("commonName"); ok {
		t.Fatalf("upsert must replace the whole record, not merge")
	}
	if got.UpdatedAt != "2025-05-05T00:00:00.000Z" {
		t.Fatalf("supplied updatedAt must be kept, got %s", got.UpdatedAt)
	}
	if p.saves != 4 {
		t.Fatalf("expected a write per mutation, got %d", p.saves)
	}
}

func TestUpsertIdempotent(t *testing.T) {
	ctx := context.Background()
	p := &recordingPersister{}
	s := newStore(t, p)
	r := rec(t, "a", map[string]any{"tags": []string{"x"}})
	_, _ = s.Upsert(ctx, r)
	once := s.List()
	_, _ = s.Upsert(ctx, r)
	twice := s.List()
	if len(once) != 1 || len(twice) != 1 || !once[0].Equal(twice[0]) {
		t.Fatalf("upsert not idempotent: %v vs %v", once, twice)
	}
}

func TestUpsertRejectsBlankID(t *testing.T) {
	p := &recordingPersister{}
	s := newStore(t, p)
	for _, id := range []string{"", "   "} {
		_, err := s.Upsert(context.Background(), domain.Profile{ID: id})
		if !errors.Is(err, ErrValidation) {
			t.Fatalf("expected validation error for %q, got %v", id, err)
		}
		var ve *ValidationError
		if !errors.As(err, &ve) || ve.Field != domain.KeyID {
			t.Fatalf("expected id field error, got %v", err)
		}
	}
	if s.Len() != 0 || p.saves != 0 {
		t.Fatalf("rejected upsert must not change state or write")
	}
}

func TestStoreReturnsCopies(t *testing.T) {
	ctx := context.Background()
	s := newStore(t, &recordingPersister{})
	in := rec(t, "a", map[string]any{"commonName": "Alpha"})
	out, _ := s.Upsert(ctx, in)
	in.Fields["commonName"][1] = 'X'
	out.Fields["commonName"][1] = 'Y'
	listed := s.List()
	listed[0].Fields["commonName"][1] = 'Z'
	got, _ := s.Get("a")
	if string(got.Fields["commonName"]) != `"Alpha"` {
		t.Fatalf("store state aliased by caller: %s", got.Fields["commonName"])
	}
}

func TestUpdateAppliesPatchAndStampsClock(t *testing.T) {
	ctx := context.Background()
	fixed := time.Date(2025, 3, 4, 5, 6, 7, 891_000_000, time.FixedZone("CET", 3600))
	p := &recordingPersister{}
	s := newStore(t, p, WithClock(ClockFunc(func() time.Time { return fixed })))
	_, _ = s.Upsert(ctx, rec(t, "a", map[string]any{"commonName": "Alpha", "venomous": false}))

	got, err := s.Update(ctx, "a", domain.Patch{
		"commonName": json.RawMessage(`"Alfa"`),
		"venomous":   json.RawMessage(`null`),
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if got.UpdatedAt != "2025-03-04T04:06:07.891Z" {
		t.Fatalf("unexpected updatedAt %s", got.UpdatedAt)
	}
	if got.CreatedAt != "2024-01-01T00:00:00.000Z" {
		t.Fatalf("createdAt must be untouched, got %s", got.CreatedAt)
	}
	var name string
	if _, err := got.DecodeField("commonName", &name); err != nil || name != "Alfa" {
		t.Fatalf("patch not applied: %q %v", name, err)
	}
	if _, ok := got.Field("venomous"); ok {
		t.Fatalf("null patch value must remove the field")
	}
	if p.saves != 2 {
		t.Fatalf("expected update write, got %d saves", p.saves)
	}
	stored := p.stored[0]
	if !stored.Equal(got) {
		t.Fatalf("persisted record differs from returned one")
	}
}

func TestUpdateMissingIDIsNotFound(t *testing.T) {
	ctx := context.Background()
	p := &recordingPersister{}
	s := newStore(t, p)
	_, _ = s.Upsert(ctx, rec(t, "a", nil))
	before := s.List()
	_, err := s.Update(ctx, "missing", domain.Patch{"commonName": json.RawMessage(`"x"`)})
	var nf *NotFoundError
	if !errors.As(err, &nf) || nf.ID != "missing" || !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected NotFoundError, got %v", err)
	}
	if p.saves != 1 {
		t.Fatalf("failed update must not write, got %d saves", p.saves)
	}
	if diff := cmp.Diff(ids(before), ids(s.List())); diff != "" {
		t.Fatalf("state changed:\n%s", diff)
	}
}

func TestUpdateRejectsIDChange(t *testing.T) {
	ctx := context.Background()
	p := &recordingPersister{}
	s := newStore(t, p)
	_, _ = s.Upsert(ctx, rec(t, "a", nil))
	_, err := s.Update(ctx, "a", domain.Patch{domain.KeyID: json.RawMessage(`"b"`)})
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if _, ok := s.Get("a"); !ok || s.Len() != 1 || p.saves != 1 {
		t.Fatalf("rejected update changed state")
	}
}

func TestDeleteIsIdempotentAndComplete(t *testing.T) {
	ctx := context.Background()
	p := &recordingPersister{}
	s := newStore(t, p)
	for _, id := range []string{"a", "b", "c"} {
		_, _ = s.Upsert(ctx, rec(t, id, nil))
	}
	if !s.Delete(ctx, "b") {
		t.Fatalf("expected delete to report removal")
	}
	if s.Delete(ctx, "b") {
		t.Fatalf("second delete must report false")
	}
	if _, ok := s.Get("b"); ok {
		t.Fatalf("deleted record still readable")
	}
	if diff := cmp.Diff([]string{"a", "c"}, p.ids()); diff != "" {
		t.Fatalf("persisted ids (-want +got):\n%s", diff)
	}
	// the index must follow the shifted positions
	_, _ = s.Upsert(ctx, rec(t, "c", map[string]any{"commonName": "Gamma"}))
	if diff := cmp.Diff([]string{"a", "c"}, ids(s.List())); diff != "" {
		t.Fatalf("upsert after delete (-want +got):\n%s", diff)
	}
	if p.saves != 5 {
		t.Fatalf("expected 5 saves, got %d", p.saves)
	}
}

func TestClearRemovesPersistedKey(t *testing.T) {
	ctx := context.Background()
	backend := kv.NewMemory()
	adapter := persistence.NewAdapter(backend)
	s := newStore(t, adapter)
	_, _ = s.Upsert(ctx, rec(t, "a", nil))
	s.Clear(ctx)
	if s.Len() != 0 {
		t.Fatalf("expected empty store")
	}
	if _, err := backend.Get(ctx, persistence.DefaultKey); !errors.Is(err, kv.ErrNotFound) {
		t.Fatalf("expected key absent after clear, got %v", err)
	}
	reloaded := newStore(t, adapter)
	if reloaded.Len() != 0 {
		t.Fatalf("reload after clear must be empty")
	}
}

// TestFailingBackendKeepsMemoryState covers running with storage unavailable:
// every mutation lands in memory while each failed write is only counted.
func TestFailingBackendKeepsMemoryState(t *testing.T) {
	ctx := context.Background()
	backend := kv.NewMemory()
	faulty, ok := backend.(interface{ FailWith(op string, err error) })
	if !ok {
		t.Fatalf("memory backend does not support failure injection")
	}
	boom := errors.New("quota exceeded")
	faulty.FailWith("set", boom)
	faulty.FailWith("delete", boom)
	log := &captureLogger{}
	adapter := persistence.NewAdapter(backend, persistence.WithLogger(log))
	s := newStore(t, adapter)

	if _, err := s.Upsert(ctx, rec(t, "a", map[string]any{"commonName": "Alpha"})); err != nil {
		t.Fatalf("upsert a: %v", err)
	}
	if _, err := s.Upsert(ctx, rec(t, "b", nil)); err != nil {
		t.Fatalf("upsert b: %v", err)
	}
	updated, err := s.Update(ctx, "a", domain.Patch{"commonName": json.RawMessage(`"Alfa"`)})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if !s.Delete(ctx, "b") {
		t.Fatalf("expected b deleted")
	}

	if diff := cmp.Diff([]string{"a"}, ids(s.List())); diff != "" {
		t.Fatalf("memory state mismatch (-want +got):\n%s", diff)
	}
	got, _ := s.Get("a")
	if !got.Equal(updated) {
		t.Fatalf("expected updated record in memory, got %+v", got)
	}
	var name string
	if _, err := got.DecodeField("commonName", &name); err != nil || name != "Alfa" {
		t.Fatalf("expected patched name, got %q (%v)", name, err)
	}
	if adapter.Failures() != 4 {
		t.Fatalf("expected 4 failed writes, got %d", adapter.Failures())
	}
	if !errors.Is(adapter.LastError(), boom) {
		t.Fatalf("expected backend error recorded, got %v", adapter.LastError())
	}

	s.Clear(ctx)
	if s.Len() != 0 || adapter.Failures() != 5 {
		t.Fatalf("expected cleared memory and 5 failures, got len=%d failures=%d", s.Len(), adapter.Failures())
	}
	errorLogs := 0
	for _, c := range log.calls {
		if c[:2] == "e:" {
			errorLogs++
		}
	}
	if errorLogs != 5 {
		t.Fatalf("expected one error log per failed write, got %v", log.calls)
	}

	faulty.FailWith("set", nil)
	if _, err := s.Upsert(ctx, rec(t, "c", nil)); err != nil {
		t.Fatalf("upsert after recovery: %v", err)
	}
	if diff := cmp.Diff([]string{"c"}, ids(newStore(t, adapter).List())); diff != "" {
		t.Fatalf("write after recovery not persisted (-want +got):\n%s", diff)
	}
}

func TestPersistenceRoundTrip(t *testing.T) {
	ctx := context.Background()
	adapter := persistence.NewAdapter(kv.NewMemory())
	s := newStore(t, adapter)
	_, _ = s.Upsert(ctx, rec(t, "z", map[string]any{"sizeCm": map[string]int{"min": 1, "max": 2}}))
	_, _ = s.Upsert(ctx, rec(t, "a", map[string]any{"tags": []string{"t"}}))
	_, _ = s.Update(ctx, "z", domain.Patch{"diet": json.RawMessage(`{"preyType":"crickets"}`)})

	reloaded := newStore(t, adapter)
	want, got := s.List(), reloaded.List()
	if len(want) != len(got) {
		t.Fatalf("length mismatch %d vs %d", len(want), len(got))
	}
	for i := range want {
		if !want[i].Equal(got[i]) {
			t.Fatalf("record %d differs after reload: %+v vs %+v", i, want[i], got[i])
		}
	}
}

func TestLoadCollapsesDuplicates(t *testing.T) {
	first := rec(t, "a", map[string]any{"commonName": "old"})
	second := rec(t, "a", map[string]any{"commonName": "new"})
	p := &recordingPersister{present: true, stored: []domain.Profile{first, rec(t, "b", nil), second, {ID: " "}}}
	log := &captureLogger{}
	s := newStore(t, p, WithLogger(log))
	if diff := cmp.Diff([]string{"a", "b"}, ids(s.List())); diff != "" {
		t.Fatalf("collapsed ids (-want +got):\n%s", diff)
	}
	got, _ := s.Get("a")
	var name string
	_, _ = got.DecodeField("commonName", &name)
	if name != "new" {
		t.Fatalf("later duplicate must win, got %q", name)
	}
	if len(log.calls) != 2 {
		t.Fatalf("expected duplicate and blank warnings, got %v", log.calls)
	}
	if p.saves != 0 {
		t.Fatalf("loading must not write")
	}
}

func TestScenarioOverrideBuiltinID(t *testing.T) {
	ctx := context.Background()
	adapter := persistence.NewAdapter(kv.NewMemory())
	s := newStore(t, adapter)
	edited := rec(t, "python_regius", map[string]any{"commonName": "Kungspyton (min)", "scientificName": "Python regius"})
	if _, err := s.Upsert(ctx, edited); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	reloaded := newStore(t, adapter)
	if reloaded.Len() != 1 {
		t.Fatalf("expected exactly one local record, got %d", reloaded.Len())
	}
	got, _ := reloaded.Get("python_regius")
	if !got.Equal(edited) {
		t.Fatalf("override not persisted: %+v", got)
	}
}

func TestScenarioAddAddDelete(t *testing.T) {
	ctx := context.Background()
	adapter := persistence.NewAdapter(kv.NewMemory())
	s := newStore(t, adapter)
	_, _ = s.Upsert(ctx, rec(t, "a", nil))
	_, _ = s.Upsert(ctx, rec(t, "b", nil))
	s.Delete(ctx, "a")
	reloaded := newStore(t, adapter)
	if diff := cmp.Diff([]string{"b"}, ids(reloaded.List())); diff != "" {
		t.Fatalf("reloaded ids (-want +got):\n%s", diff)
	}
}

func TestAsyncWritesStayOrdered(t *testing.T) {
	ctx := context.Background()
	p := &recordingPersister{}
	s := newStore(t, p, WithAsyncWrites(2))
	t.Cleanup(func() { _ = s.Close() })
	for _, id := range []string{"a", "b", "c", "d"} {
		_, _ = s.Upsert(ctx, rec(t, id, nil))
	}
	s.Delete(ctx, "b")
	if err := s.Flush(ctx); err != nil {
		t.Fatalf("flush: %v", err)
	}
	if diff := cmp.Diff([]string{"a", "c", "d"}, p.ids()); diff != "" {
		t.Fatalf("persisted ids (-want +got):\n%s", diff)
	}
	s.Clear(ctx)
	if err := s.Flush(ctx); err != nil {
		t.Fatalf("flush: %v", err)
	}
	if p.present || p.clears != 1 {
		t.Fatalf("expected queued clear applied")
	}
}

func TestAsyncCloseDrainsThenWritesSynchronously(t *testing.T) {
	ctx := context.Background()
	p := &recordingPersister{}
	s := newStore(t, p, WithAsyncWrites(8))
	_, _ = s.Upsert(ctx, rec(t, "a", nil))
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if diff := cmp.Diff([]string{"a"}, p.ids()); diff != "" {
		t.Fatalf("close must drain (-want +got):\n%s", diff)
	}
	_, _ = s.Upsert(ctx, rec(t, "b", nil))
	if diff := cmp.Diff([]string{"a", "b"}, p.ids()); diff != "" {
		t.Fatalf("write after close (-want +got):\n%s", diff)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	if err := s.Flush(ctx); err != nil {
		t.Fatalf("flush on sync store: %v", err)
	}
}

func TestAsyncWritesIgnoreCallerCancellation(t *testing.T) {
	adapter := persistence.NewAdapter(kv.NewMemory())
	s := newStore(t, adapter, WithAsyncWrites(1))
	t.Cleanup(func() { _ = s.Close() })
	ctx, cancel := context.WithCancel(context.Background())
	_, _ = s.Upsert(ctx, rec(t, "a", nil))
	cancel()
	if err := s.Flush(context.Background()); err != nil {
		t.Fatalf("flush: %v", err)
	}
	if adapter.Failures() != 0 {
		t.Fatalf("queued write failed: %v", adapter.LastError())
	}
}

func TestConcurrentUpserts(t *testing.T) {
	ctx := context.Background()
	p := &recordingPersister{}
	s := newStore(t, p)
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _ = s.Upsert(ctx, rec(t, string(rune('a'+i%4)), map[string]any{"n": i}))
		}(i)
	}
	wg.Wait()
	if s.Len() != 4 || len(p.ids()) != 4 {
		t.Fatalf("expected 4 unique records, got %d/%d", s.Len(), len(p.ids()))
	}
}
