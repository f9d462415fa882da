package core

import (
	"context"
	"testing"
	"time"

	"handbookcore/internal/catalog"
	"handbookcore/internal/kv"
	"handbookcore/internal/overlay"
	"handbookcore/internal/persistence"
	"handbookcore/pkg/domain"
)

type captureLogger struct{ calls []string }

func (c *captureLogger) Debug(msg string, _ ...any) { c.calls = append(c.calls, "d:"+msg) }
func (c *captureLogger) Info(msg string, _ ...any)  { c.calls = append(c.calls, "i:"+msg) }
func (c *captureLogger) Warn(msg string, _ ...any)  { c.calls = append(c.calls, "w:"+msg) }
func (c *captureLogger) Error(msg string, _ ...any) { c.calls = append(c.calls, "e:"+msg) }

type stubClock struct{ t time.Time }

func (s stubClock) Now() time.Time { return s.t }

func profile(t *testing.T, id string, fields map[string]any) domain.Profile {
	t.Helper()
	p := domain.Profile{ID: id, CreatedAt: "2024-06-01T10:00:00.000Z", UpdatedAt: "2024-06-01T10:00:00.000Z"}
	for k, v := range fields {
		if err := p.SetField(k, v); err != nil {
			t.Fatalf("set %s: %v", k, err)
		}
	}
	return p
}

func testCatalog(t *testing.T) *catalog.Catalog {
	t.Helper()
	cat, err := catalog.New([]domain.Profile{
		profile(t, "python_regius", map[string]any{"commonName": "Kungspyton", "group": "snake"}),
		profile(t, "pogona_vitticeps", map[string]any{"commonName": "Skäggagam", "group": "lizard"}),
	})
	if err != nil {
		t.Fatalf("catalog: %v", err)
	}
	return cat
}

// newTestService wires a service over an in-memory backend and returns the
// adapter so tests can reload from the same key.
func newTestService(t *testing.T, opts ...Option) (*Service, *persistence.Adapter) {
	t.Helper()
	adapter := persistence.NewAdapter(kv.NewMemory())
	store, err := overlay.New(context.Background(), adapter)
	if err != nil {
		t.Fatalf("overlay: %v", err)
	}
	svc, err := NewService(testCatalog(t), store, opts...)
	if err != nil {
		t.Fatalf("service: %v", err)
	}
	return svc, adapter
}

func idsOf(ps []domain.Profile) []string {
	out := make([]string, len(ps))
	for i, p := range ps {
		out[i] = p.ID
	}
	return out
}
