package providers

import (
	"context"
	"errors"
	"strings"
)

// BackendKind tags the transport shape of a registered backend, per the
// registry's "kind selects the constructor" contract.
type BackendKind string

const (
	KindRemoteHTTPChat       BackendKind = "remote-http-chat"
	KindRemoteHTTPCompletion BackendKind = "remote-http-completion"
	KindRemoteHTTPProxy      BackendKind = "remote-http-proxy"
	KindLocalFileLoaded      BackendKind = "local-file-loaded"
)

type (
	// GenerateRequest is the uniform C1 Generate() input.
	GenerateRequest struct {
		Prompt      string
		Messages    []Message
		MaxTokens   int
		Temperature float64
		Stream      bool
		Model       string
		CallerID    string
		RequestID   string
	}

	// GenerateResult is the uniform C1 Generate() output. Stream is non-nil
	// only when the request asked for streaming.
	GenerateResult struct {
		Text  string
		Model string
		Usage Usage
		Stream <-chan StreamChunk
	}

	// EmbedRequest is the uniform C1 Embed() input.
	EmbedRequest struct {
		Input     []string
		Model     string
		CallerID  string
		RequestID string
	}

	// EmbedResult is the uniform C1 Embed() output.
	EmbedResult struct {
		Embeddings [][]float32
		Model      string
		Usage      Usage
	}
)

// Backend is the uniform contract the registry (C2) and selector (C6)
// operate on: Generate/Embed over whatever concrete provider or transport
// sits behind it.
type Backend interface {
	ID() string
	Kind() BackendKind
	Generate(ctx context.Context, req *GenerateRequest) (*GenerateResult, error)
	Embed(ctx context.Context, req *EmbedRequest) (*EmbedResult, error)
	HealthCheck(ctx context.Context) error
}

// ErrEmbeddingUnsupported is returned when Embed is called against a
// backend whose underlying provider does not implement EmbeddingProvider.
var ErrEmbeddingUnsupported = errors.New("providers: backend does not support embeddings")

// genericBackend adapts an existing Provider (optionally also an
// EmbeddingProvider) to the Backend interface. This lets every concrete
// wire-protocol implementation (openai, anthropic, gemini, ...) keep its
// existing Request/Embed methods untouched while the rest of the dispatch
// core talks to the uniform Backend contract.
type genericBackend struct {
	id           string
	kind         BackendKind
	provider     Provider
	embedder     EmbeddingProvider
	defaultModel string
	embedModel   string
}

// NewBackend wraps a Provider (and, if it implements EmbeddingProvider, its
// embedding capability) into a Backend. defaultModel/embedModel are used
// when the caller's GenerateRequest/EmbedRequest does not specify a model.
func NewBackend(id string, kind BackendKind, p Provider, defaultModel, embedModel string) Backend {
	embedder, _ := p.(EmbeddingProvider)
	return &genericBackend{
		id:           id,
		kind:         kind,
		provider:     p,
		embedder:     embedder,
		defaultModel: defaultModel,
		embedModel:   embedModel,
	}
}

func (b *genericBackend) ID() string         { return b.id }
func (b *genericBackend) Kind() BackendKind  { return b.kind }

func (b *genericBackend) HealthCheck(ctx context.Context) error {
	return b.provider.HealthCheck(ctx)
}

func (b *genericBackend) Generate(ctx context.Context, req *GenerateRequest) (*GenerateResult, error) {
	model := req.Model
	if model == "" {
		model = b.defaultModel
	}
	messages := req.Messages
	if len(messages) == 0 && strings.TrimSpace(req.Prompt) != "" {
		messages = []Message{{Role: "user", Content: req.Prompt}}
	}

	resp, err := b.provider.Request(ctx, &ProxyRequest{
		Model:       model,
		Messages:    messages,
		Stream:      req.Stream,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
		APIKeyID:    req.CallerID,
		RequestID:   req.RequestID,
	})
	if err != nil {
		return nil, err
	}

	return &GenerateResult{
		Text:   resp.Content,
		Model:  resp.Model,
		Usage:  resp.Usage,
		Stream: resp.Stream,
	}, nil
}

func (b *genericBackend) Embed(ctx context.Context, req *EmbedRequest) (*EmbedResult, error) {
	if b.embedder == nil {
		return nil, ErrEmbeddingUnsupported
	}
	model := req.Model
	if model == "" {
		model = b.embedModel
	}

	resp, err := b.embedder.Embed(ctx, &EmbeddingRequest{
		Input:     req.Input,
		Model:     model,
		APIKeyID:  req.CallerID,
		RequestID: req.RequestID,
	})
	if err != nil {
		return nil, err
	}

	vecs := make([][]float32, len(resp.Data))
	for _, d := range resp.Data {
		if d.Index >= 0 && d.Index < len(vecs) {
			vecs[d.Index] = d.Embedding
		}
	}
	return &EmbedResult{Embeddings: vecs, Model: resp.Model, Usage: resp.Usage}, nil
}
