package registry

import (
	"context"
	"errors"
	"testing"

	"github.com/nulpointcorp/llm-gateway/internal/providers"
	"github.com/nulpointcorp/llm-gateway/pkg/dispatcherr"
)

type stubBackend struct {
	id      string
	kind    providers.BackendKind
	healthy bool
}

func (s *stubBackend) ID() string                 { return s.id }
func (s *stubBackend) Kind() providers.BackendKind { return s.kind }
func (s *stubBackend) Generate(ctx context.Context, req *providers.GenerateRequest) (*providers.GenerateResult, error) {
	return &providers.GenerateResult{Text: "ok", Model: s.id}, nil
}
func (s *stubBackend) Embed(ctx context.Context, req *providers.EmbedRequest) (*providers.EmbedResult, error) {
	return &providers.EmbedResult{Model: s.id}, nil
}
func (s *stubBackend) HealthCheck(ctx context.Context) error {
	if s.healthy {
		return nil
	}
	return errors.New("unhealthy")
}

func TestRegistry_FirstRegisteredBecomesDefault(t *testing.T) {
	r := New()
	r.Register("b1", &stubBackend{id: "b1"}, false)
	r.Register("b2", &stubBackend{id: "b2"}, false)

	if r.DefaultID() != "b1" {
		t.Fatalf("expected b1 as default, got %s", r.DefaultID())
	}
}

func TestRegistry_ExplicitDefaultOverridesFirst(t *testing.T) {
	r := New()
	r.Register("b1", &stubBackend{id: "b1"}, false)
	r.Register("b2", &stubBackend{id: "b2"}, true)

	if r.DefaultID() != "b2" {
		t.Fatalf("expected b2 as default, got %s", r.DefaultID())
	}
}

func TestRegistry_GetFallsBackToDefaultOnEmptyID(t *testing.T) {
	r := New()
	r.Register("b1", &stubBackend{id: "b1"}, true)

	b, err := r.Get("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if b.ID() != "b1" {
		t.Fatalf("expected b1, got %s", b.ID())
	}
}

func TestRegistry_GetUnknownIDReturnsNoSuchBackend(t *testing.T) {
	r := New()
	r.Register("b1", &stubBackend{id: "b1"}, true)

	_, err := r.Get("nonexistent")
	var nsb *dispatcherr.NoSuchBackendError
	if !errors.As(err, &nsb) {
		t.Fatalf("expected NoSuchBackendError, got %v", err)
	}
}

func TestRegistry_OrderedIDsPreservesInsertionOrder(t *testing.T) {
	r := New()
	r.Register("c", &stubBackend{id: "c"}, false)
	r.Register("a", &stubBackend{id: "a"}, false)
	r.Register("b", &stubBackend{id: "b"}, false)

	got := r.OrderedIDs()
	want := []string{"c", "a", "b"}
	for i, id := range want {
		if got[i] != id {
			t.Fatalf("expected order %v, got %v", want, got)
		}
	}
}

func TestRegistry_HealthCheckAllReportsPerBackend(t *testing.T) {
	r := New()
	r.Register("healthy", &stubBackend{id: "healthy", healthy: true}, true)
	r.Register("sick", &stubBackend{id: "sick", healthy: false}, false)

	results := r.HealthCheckAll(context.Background())
	if results["healthy"] != nil {
		t.Fatalf("expected healthy backend to report nil error, got %v", results["healthy"])
	}
	if results["sick"] == nil {
		t.Fatal("expected sick backend to report an error")
	}
}
