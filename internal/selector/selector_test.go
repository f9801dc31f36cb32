package selector

import (
	"context"
	"testing"

	"github.com/nulpointcorp/llm-gateway/internal/providers"
	"github.com/nulpointcorp/llm-gateway/internal/registry"
)

type stubBackend struct{ id string }

func (s *stubBackend) ID() string                 { return s.id }
func (s *stubBackend) Kind() providers.BackendKind { return providers.KindRemoteHTTPChat }
func (s *stubBackend) Generate(ctx context.Context, req *providers.GenerateRequest) (*providers.GenerateResult, error) {
	return &providers.GenerateResult{Text: "ok"}, nil
}
func (s *stubBackend) Embed(ctx context.Context, req *providers.EmbedRequest) (*providers.EmbedResult, error) {
	return &providers.EmbedResult{}, nil
}
func (s *stubBackend) HealthCheck(ctx context.Context) error { return nil }

func newTestSelector(t *testing.T, ids ...string) (*Selector, *registry.Registry) {
	t.Helper()
	reg := registry.New()
	for i, id := range ids {
		reg.Register(id, &stubBackend{id: id}, i == 0)
	}
	sel := New(reg, nil, nil, nil, DefaultOptions(), nil)
	for _, id := range ids {
		sel.SeedDefaultProfile(id)
	}
	return sel, reg
}

func TestAnalyzeComplexity_ShortPromptIsLow(t *testing.T) {
	sel, _ := newTestSelector(t, "b1")
	if got := sel.AnalyzeComplexity("hi there"); got != ComplexityLow {
		t.Fatalf("expected low, got %s", got)
	}
}

func TestAnalyzeComplexity_LongPromptIsHigh(t *testing.T) {
	sel, _ := newTestSelector(t, "b1")
	words := make([]byte, 0, 600)
	for i := 0; i < 101; i++ {
		words = append(words, []byte("word ")...)
	}
	if got := sel.AnalyzeComplexity(string(words)); got != ComplexityHigh {
		t.Fatalf("expected high for >100 words, got %s", got)
	}
}

func TestAnalyzeComplexity_KeywordDrivenHigh(t *testing.T) {
	sel, _ := newTestSelector(t, "b1")
	if got := sel.AnalyzeComplexity("please explain in detail how this works"); got != ComplexityHigh {
		t.Fatalf("expected high, got %s", got)
	}
}

func TestQueryWeights_CodeIntentBoostsCodeQuality(t *testing.T) {
	sel, _ := newTestSelector(t, "b1")
	weights := sel.QueryWeights("please fix this bug in my function", ComplexityMedium)
	if weights[AxisCodeQuality] <= 1.0 {
		t.Fatalf("expected code quality boost, got %f", weights[AxisCodeQuality])
	}
}

func TestSelectBackend_ExplicitPreferenceWins(t *testing.T) {
	sel, _ := newTestSelector(t, "b1", "b2")
	got, err := sel.SelectBackend(context.Background(), "hello", "generate", "b2")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "b2" {
		t.Fatalf("expected b2, got %s", got)
	}
}

func TestSelectBackend_EmbedReturnsFirstAvailable(t *testing.T) {
	sel, _ := newTestSelector(t, "b1", "b2")
	got, err := sel.SelectBackend(context.Background(), "embed this text", "embed", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "b1" {
		t.Fatalf("expected first available backend b1, got %s", got)
	}
}

func TestSelectBackend_NoBackendsReturnsError(t *testing.T) {
	sel, _ := newTestSelector(t)
	_, err := sel.SelectBackend(context.Background(), "hello", "generate", "")
	if err == nil {
		t.Fatal("expected error when no backends are registered")
	}
}

func TestSelectBackend_ScoresCandidatesForGenerate(t *testing.T) {
	sel, _ := newTestSelector(t, "mistral-1", "llama-local")
	got, err := sel.SelectBackend(context.Background(), "write me a creative short story", "generate", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "mistral-1" && got != "llama-local" {
		t.Fatalf("expected one of the registered backends, got %s", got)
	}
}
