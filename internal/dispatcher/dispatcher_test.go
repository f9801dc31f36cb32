package dispatcher

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	npCache "github.com/nulpointcorp/llm-gateway/internal/cache"
	"github.com/nulpointcorp/llm-gateway/internal/providers"
	"github.com/nulpointcorp/llm-gateway/internal/queue"
	"github.com/nulpointcorp/llm-gateway/internal/registry"
	"github.com/nulpointcorp/llm-gateway/internal/selector"
	"github.com/nulpointcorp/llm-gateway/pkg/dispatcherr"
)

// countingBackend answers successfully (Generate fails with
// BackendUnavailableError when fail is set) and counts how many times
// Generate/Embed were actually invoked, so tests can assert a cache hit
// short-circuited the call entirely.
type countingBackend struct {
	id        string
	fail      bool
	generateN int32
	embedN    int32
}

func (b *countingBackend) ID() string                 { return b.id }
func (b *countingBackend) Kind() providers.BackendKind { return providers.KindRemoteHTTPChat }
func (b *countingBackend) Generate(ctx context.Context, req *providers.GenerateRequest) (*providers.GenerateResult, error) {
	atomic.AddInt32(&b.generateN, 1)
	if b.fail {
		return nil, &dispatcherr.BackendUnavailableError{Backend: b.id, Cause: context.DeadlineExceeded}
	}
	return &providers.GenerateResult{Text: "response from " + b.id, Model: b.id}, nil
}
func (b *countingBackend) Embed(ctx context.Context, req *providers.EmbedRequest) (*providers.EmbedResult, error) {
	atomic.AddInt32(&b.embedN, 1)
	return &providers.EmbedResult{Embeddings: [][]float32{{0.1, 0.2, 0.3}}, Model: b.id}, nil
}
func (b *countingBackend) HealthCheck(ctx context.Context) error { return nil }

func newTestDispatcher(t *testing.T, backends ...*countingBackend) (*Dispatcher, *registry.Registry) {
	t.Helper()

	reg := registry.New()
	for i, b := range backends {
		reg.Register(b.id, b, i == 0)
	}

	sel := selector.New(reg, nil, nil, nil, selector.DefaultOptions(), nil)
	for _, b := range backends {
		sel.SeedDefaultProfile(b.id)
	}

	cache := npCache.NewMemoryCache(context.Background())

	q := queue.New(queue.Config{MaxConcurrent: 2, DefaultExecTimeo: 5 * time.Second, StatsInterval: time.Minute}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	q.Start(ctx)

	return New(reg, sel, q, cache, nil, nil, nil, Config{}, nil), reg
}

func TestSmartGenerate_CacheHitShortCircuitsBackendCall(t *testing.T) {
	b1 := &countingBackend{id: "b1"}
	d, _ := newTestDispatcher(t, b1)

	req := GenerateRequest{Prompt: "what is the capital of France", UseCache: true, PreferredBackend: "b1", Timeout: 5 * time.Second}

	first, err := d.SmartGenerate(context.Background(), req)
	if err != nil {
		t.Fatalf("first call: %v", err)
	}
	if first.Cached {
		t.Fatal("expected first call to be a cache miss")
	}
	if atomic.LoadInt32(&b1.generateN) != 1 {
		t.Fatalf("expected exactly 1 backend call, got %d", b1.generateN)
	}

	second, err := d.SmartGenerate(context.Background(), req)
	if err != nil {
		t.Fatalf("second call: %v", err)
	}
	if !second.Cached {
		t.Fatal("expected second call to be a cache hit")
	}
	if atomic.LoadInt32(&b1.generateN) != 1 {
		t.Fatalf("expected backend call count to stay at 1 after cache hit, got %d", b1.generateN)
	}
	if second.Text != first.Text {
		t.Fatalf("expected cached response to match original: %q vs %q", second.Text, first.Text)
	}
}

func TestSmartGenerate_FallsBackToSecondBackendOnFailure(t *testing.T) {
	b1 := &countingBackend{id: "b1", fail: true}
	b2 := &countingBackend{id: "b2"}
	d, _ := newTestDispatcher(t, b1, b2)

	req := GenerateRequest{Prompt: "hello there, please help me", PreferredBackend: "b1", Timeout: 5 * time.Second}

	resp, err := d.SmartGenerate(context.Background(), req)
	if err != nil {
		t.Fatalf("expected fallback to succeed, got error: %v", err)
	}
	if resp.ModelUsed != "b2" {
		t.Fatalf("expected fallback backend b2 to serve the request, got %s", resp.ModelUsed)
	}
	if atomic.LoadInt32(&b1.generateN) != 1 {
		t.Fatalf("expected b1 to be tried exactly once, got %d", b1.generateN)
	}
	if atomic.LoadInt32(&b2.generateN) != 1 {
		t.Fatalf("expected b2 to be tried exactly once, got %d", b2.generateN)
	}
}

func TestSmartEmbed_CacheHitShortCircuitsBackendCall(t *testing.T) {
	b1 := &countingBackend{id: "b1"}
	d, _ := newTestDispatcher(t, b1)

	req := EmbedRequest{Text: "embed this text", UseCache: true, PreferredBackend: "b1", Timeout: 5 * time.Second}

	first, err := d.SmartEmbed(context.Background(), req)
	if err != nil {
		t.Fatalf("first call: %v", err)
	}
	if first.Cached {
		t.Fatal("expected first call to be a cache miss")
	}

	second, err := d.SmartEmbed(context.Background(), req)
	if err != nil {
		t.Fatalf("second call: %v", err)
	}
	if !second.Cached {
		t.Fatal("expected second call to be a cache hit")
	}
	if atomic.LoadInt32(&b1.embedN) != 1 {
		t.Fatalf("expected exactly 1 backend embed call, got %d", b1.embedN)
	}
}
