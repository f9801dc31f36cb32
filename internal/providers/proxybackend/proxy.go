// Package proxybackend implements the C1 "remote-http-proxy" backend kind:
// an adapter that forwards Generate/Embed calls to another internal
// gateway instance rather than speaking a provider's wire protocol
// directly — a proxy adapter carrying a target_backend hint.
package proxybackend

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nulpointcorp/llm-gateway/internal/providers"
	"github.com/valyala/fasthttp"
)

// Backend forwards to <baseURL>/generate and <baseURL>/embed, the internal
// proxy protocol used between cooperating gateway instances.
type Backend struct {
	id         string
	baseURL    string
	targetHint string
	client     *fasthttp.Client
	timeout    time.Duration
}

// New builds a proxy backend. targetHint is carried as target_backend in
// the outbound request body so the upstream gateway knows which concrete
// provider to use.
func New(id, baseURL, targetHint string, timeout time.Duration) *Backend {
	if timeout <= 0 {
		timeout = providers.ProviderTimeout
	}
	return &Backend{
		id:         id,
		baseURL:    baseURL,
		targetHint: targetHint,
		client:     &fasthttp.Client{},
		timeout:    timeout,
	}
}

func (b *Backend) ID() string                  { return b.id }
func (b *Backend) Kind() providers.BackendKind { return providers.KindRemoteHTTPProxy }

type proxyGenerateReq struct {
	Prompt        string  `json:"prompt"`
	ModelID       string  `json:"model_id,omitempty"`
	MaxTokens     int     `json:"max_tokens,omitempty"`
	Temperature   float64 `json:"temperature,omitempty"`
	Stream        bool    `json:"stream,omitempty"`
	TargetBackend string  `json:"target_backend,omitempty"`
}

type proxyGenerateResp struct {
	Text string `json:"text"`
}

type proxyEmbedReq struct {
	Text          string `json:"text"`
	ModelID       string `json:"model_id,omitempty"`
	TargetBackend string `json:"target_backend,omitempty"`
}

type proxyEmbedResp struct {
	Embedding []float32 `json:"embedding"`
}

func (b *Backend) Generate(ctx context.Context, req *providers.GenerateRequest) (*providers.GenerateResult, error) {
	if req.Stream {
		// The proxy adapter speaks request/response JSON only; streaming
		// through a nested proxy hop is not part of this contract.
		return nil, fmt.Errorf("proxybackend: streaming not supported")
	}

	body, err := json.Marshal(proxyGenerateReq{
		Prompt:        req.Prompt,
		ModelID:       req.Model,
		MaxTokens:     req.MaxTokens,
		Temperature:   req.Temperature,
		TargetBackend: b.targetHint,
	})
	if err != nil {
		return nil, err
	}

	var out proxyGenerateResp
	if err := b.do(ctx, "/generate", body, &out); err != nil {
		return nil, err
	}
	return &providers.GenerateResult{Text: out.Text, Model: req.Model}, nil
}

func (b *Backend) Embed(ctx context.Context, req *providers.EmbedRequest) (*providers.EmbedResult, error) {
	if len(req.Input) == 0 {
		return &providers.EmbedResult{Model: req.Model}, nil
	}

	body, err := json.Marshal(proxyEmbedReq{
		Text:          req.Input[0],
		ModelID:       req.Model,
		TargetBackend: b.targetHint,
	})
	if err != nil {
		return nil, err
	}

	var out proxyEmbedResp
	if err := b.do(ctx, "/embed", body, &out); err != nil {
		return nil, err
	}
	return &providers.EmbedResult{Embeddings: [][]float32{out.Embedding}, Model: req.Model}, nil
}

func (b *Backend) HealthCheck(ctx context.Context) error {
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(b.baseURL + "/health")
	req.Header.SetMethod(fasthttp.MethodGet)

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(5 * time.Second)
	}
	if err := b.client.DoDeadline(req, resp, deadline); err != nil {
		return fmt.Errorf("proxybackend: health check: %w", err)
	}
	if resp.StatusCode() >= 500 {
		return fmt.Errorf("proxybackend: upstream unhealthy: status %d", resp.StatusCode())
	}
	return nil
}

func (b *Backend) do(ctx context.Context, path string, body []byte, out any) error {
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(b.baseURL + path)
	req.Header.SetMethod(fasthttp.MethodPost)
	req.Header.SetContentType("application/json")
	req.SetBody(body)

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(b.timeout)
	}

	if err := b.client.DoDeadline(req, resp, deadline); err != nil {
		return fmt.Errorf("proxybackend: %w", err)
	}
	if resp.StatusCode() >= 400 {
		return fmt.Errorf("proxybackend: upstream status %d: %s", resp.StatusCode(), resp.Body())
	}
	return json.Unmarshal(resp.Body(), out)
}
