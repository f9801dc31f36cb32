// Package dispatcher implements C8: the smart dispatcher glues the
// registry, selector, queue, cache, rate limiter, and metrics recorder
// into the two public entry points SmartGenerate and SmartEmbed.
//
// Grounded on original_source/app/llm/smart_router.py's SmartLLMRouter
// (generate_response/embed orchestration: cache probe, rate-limit check,
// selector call, queue submission, cache write-back) and on
// gateway.go/failover.go's bounded-retry-across-providers mechanics, which
// this package generalizes from a fixed fallback order to the selector's
// scored ranking.
package dispatcher

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	npCache "github.com/nulpointcorp/llm-gateway/internal/cache"
	"github.com/nulpointcorp/llm-gateway/internal/metrics"
	"github.com/nulpointcorp/llm-gateway/internal/providers"
	"github.com/nulpointcorp/llm-gateway/internal/queue"
	"github.com/nulpointcorp/llm-gateway/internal/ratelimit"
	"github.com/nulpointcorp/llm-gateway/internal/registry"
	"github.com/nulpointcorp/llm-gateway/internal/selector"
	"github.com/nulpointcorp/llm-gateway/pkg/dispatcherr"
)

const (
	defaultCacheTTLGenerate = time.Hour
	defaultCacheTTLEmbed    = 24 * time.Hour

	rateLimitCategoryGenerate = "generate"
	rateLimitCategoryEmbed    = "embed"
	rateLimitLimitGenerate    = 60
	rateLimitLimitEmbed       = 120
	rateLimitWindow           = 60 * time.Second

	// defaultMaxBackendAttempts bounds C8's fallback retries to a small
	// bounded number of attempts: the primary pick plus a small number of
	// alternates.
	defaultMaxBackendAttempts = 3

	// defaultProviderTimeout bounds a single backend call, separate from
	// req.Timeout which bounds the whole queued task.
	defaultProviderTimeout = 30 * time.Second

	defaultPriority = 5
)

// Config tunes C8's retry, timeout, and cache-TTL behavior. Zero values
// fall back to the package defaults, mirroring the former Failover/Cache
// config fields that used to feed the OpenAI-compatible gateway directly.
type Config struct {
	MaxBackendAttempts int
	ProviderTimeout    time.Duration
	CacheTTLGenerate   time.Duration
	CacheTTLEmbed      time.Duration
}

func (c Config) maxBackendAttempts() int {
	if c.MaxBackendAttempts > 0 {
		return c.MaxBackendAttempts
	}
	return defaultMaxBackendAttempts
}

func (c Config) providerTimeout() time.Duration {
	if c.ProviderTimeout > 0 {
		return c.ProviderTimeout
	}
	return defaultProviderTimeout
}

func (c Config) cacheTTLGenerate() time.Duration {
	if c.CacheTTLGenerate > 0 {
		return c.CacheTTLGenerate
	}
	return defaultCacheTTLGenerate
}

func (c Config) cacheTTLEmbed() time.Duration {
	if c.CacheTTLEmbed > 0 {
		return c.CacheTTLEmbed
	}
	return defaultCacheTTLEmbed
}

// Dispatcher is the C8 smart dispatcher.
type Dispatcher struct {
	registry   *registry.Registry
	selector   *selector.Selector
	queue      *queue.Manager
	cache      npCache.Cache
	limiter    *ratelimit.Limiter
	recorder   *metrics.Recorder
	log        *slog.Logger
	cfg        Config
	exclusions *npCache.ExclusionList
}

// New builds a Dispatcher from already-constructed dependencies. Per the
// intended linear construction order, callers build metrics → rate
// limiter → cache → registry → selector → queue before reaching here.
// exclusions may be nil, in which case nothing is excluded from caching.
func New(reg *registry.Registry, sel *selector.Selector, q *queue.Manager, c npCache.Cache, limiter *ratelimit.Limiter, recorder *metrics.Recorder, log *slog.Logger, cfg Config, exclusions *npCache.ExclusionList) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}
	return &Dispatcher{registry: reg, selector: sel, queue: q, cache: c, limiter: limiter, recorder: recorder, log: log, cfg: cfg, exclusions: exclusions}
}

// cacheable reports whether model is eligible for cache reads/writes.
func (d *Dispatcher) cacheable(model string) bool {
	return d.exclusions == nil || !d.exclusions.Matches(model)
}

// GenerateRequest is SmartGenerate's input.
type GenerateRequest struct {
	Prompt           string
	PreferredBackend string
	MaxTokens        int
	Temperature      float64
	Stream           bool
	UseCache         bool
	CallerID         string
	Priority         int
	Timeout          time.Duration
}

// GenerateResponse is SmartGenerate's non-streaming output.
type GenerateResponse struct {
	Text           string
	ModelUsed      string
	ProcessingTime time.Duration
	TokenEstimate  int
	Cached         bool
	Stream         <-chan providers.StreamChunk
}

// EmbedRequest is SmartEmbed's input.
type EmbedRequest struct {
	Text             string
	PreferredBackend string
	UseCache         bool
	CallerID         string
	Priority         int
	Timeout          time.Duration
}

// EmbedResponse is SmartEmbed's output.
type EmbedResponse struct {
	Embedding      []float32
	ModelUsed      string
	ProcessingTime time.Duration
	Dimensions     int
	Cached         bool
}

type cachedGenerate struct {
	Text          string `json:"text"`
	ModelUsed     string `json:"model_used"`
	TokenEstimate int    `json:"token_estimate"`
}

type cachedEmbed struct {
	Embedding []float32 `json:"embedding"`
	ModelUsed string    `json:"model_used"`
}

// fingerprint returns a deterministic cache key for a normalized
// parameter tuple, mirroring buildCacheKey in gateway.go.
func fingerprint(prefix string, parts ...any) string {
	data, _ := json.Marshal(parts)
	sum := sha256.Sum256(data)
	return prefix + ":" + hex.EncodeToString(sum[:])
}

func estimateTokens(text string) int {
	words := len(strings.Fields(text))
	if words == 0 {
		return 1
	}
	n := int(math.Ceil(float64(words) * 1.3))
	if n < 1 {
		return 1
	}
	return n
}

// SmartGenerate implements the cache-first, rate-limited, queued
// generation path with bounded backend fallback.
func (d *Dispatcher) SmartGenerate(ctx context.Context, req GenerateRequest) (*GenerateResponse, error) {
	start := time.Now()
	if req.Priority == 0 {
		req.Priority = defaultPriority
	}

	if req.Stream {
		return d.streamGenerate(ctx, req, start)
	}

	cacheKey := fingerprint("llm:generate", req.Prompt, req.MaxTokens, req.Temperature)

	if req.UseCache && d.cache != nil && d.cacheable(req.PreferredBackend) {
		if raw, ok := d.cache.Get(ctx, cacheKey); ok {
			var c cachedGenerate
			if err := json.Unmarshal(raw, &c); err == nil {
				return &GenerateResponse{
					Text:           c.Text,
					ModelUsed:      c.ModelUsed,
					ProcessingTime: time.Since(start),
					TokenEstimate:  c.TokenEstimate,
					Cached:         true,
				}, nil
			}
		}
	}

	if req.CallerID != "" && d.limiter != nil {
		res := d.limiter.CheckAndConsume(ctx, req.CallerID, rateLimitCategoryGenerate, rateLimitLimitGenerate, rateLimitWindow)
		if !res.Allowed {
			return nil, &dispatcherr.RateLimitedError{
				Key:        req.CallerID,
				Category:   rateLimitCategoryGenerate,
				ResetAt:    res.ResetAt,
				RetryAfter: time.Until(res.ResetAt),
			}
		}
	}

	tried := map[string]bool{}
	var lastErr error

	for attempt := 0; attempt < d.cfg.maxBackendAttempts(); attempt++ {
		preferred := ""
		if attempt == 0 {
			preferred = req.PreferredBackend
		}
		backendID, err := d.nextBackend(ctx, req.Prompt, "generate", preferred, tried)
		if err != nil {
			if lastErr != nil {
				return nil, lastErr
			}
			return nil, err
		}
		tried[backendID] = true

		result, err := d.runGenerateTask(ctx, backendID, req)
		d.selector.RecordOutcome(backendID, err == nil)
		if err == nil {
			result.ProcessingTime = time.Since(start)
			return result, nil
		}
		lastErr = err
		if !isRetryable(err) {
			return nil, err
		}
	}

	return nil, lastErr
}

// streamGenerate bypasses the queue and cache entirely: it goes straight
// to selection and the adapter. A failure mid-stream is not retried.
func (d *Dispatcher) streamGenerate(ctx context.Context, req GenerateRequest, start time.Time) (*GenerateResponse, error) {
	backendID, err := d.selector.SelectBackend(ctx, req.Prompt, "generate", req.PreferredBackend)
	if err != nil {
		return nil, err
	}
	backend, err := d.registry.Get(backendID)
	if err != nil {
		return nil, err
	}

	genResult, err := backend.Generate(ctx, &providers.GenerateRequest{
		Prompt:      req.Prompt,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		Stream:      true,
		CallerID:    req.CallerID,
	})
	if err != nil {
		return nil, err
	}

	return &GenerateResponse{
		ModelUsed:      backendID,
		ProcessingTime: time.Since(start),
		Stream:         genResult.Stream,
	}, nil
}

// runGenerateTask builds the C7 work closure for one backend attempt and
// awaits its result: record start in C3, call the adapter, estimate
// tokens, write cache on success, record end always.
func (d *Dispatcher) runGenerateTask(ctx context.Context, backendID string, req GenerateRequest) (*GenerateResponse, error) {
	work := func(workCtx context.Context) (any, error) {
		var requestID string
		if d.recorder != nil {
			requestID = d.recorder.RecordStart(backendID, "generate", req.CallerID)
		}

		backend, err := d.registry.Get(backendID)
		if err != nil {
			d.finishRecord(workCtx, requestID, false, 0, 0, err)
			return nil, err
		}

		callCtx, cancel := context.WithTimeout(workCtx, d.cfg.providerTimeout())
		defer cancel()

		callStart := time.Now()
		genResult, err := backend.Generate(callCtx, &providers.GenerateRequest{
			Prompt:      req.Prompt,
			MaxTokens:   req.MaxTokens,
			Temperature: req.Temperature,
			CallerID:    req.CallerID,
		})
		latency := time.Since(callStart)
		if err != nil {
			d.finishRecord(workCtx, requestID, false, latency, 0, err)
			return nil, err
		}

		tokens := estimateTokens(genResult.Text)

		if req.UseCache && d.cache != nil && d.cacheable(backendID) {
			cacheKey := fingerprint("llm:generate", req.Prompt, req.MaxTokens, req.Temperature)
			payload, _ := json.Marshal(cachedGenerate{Text: genResult.Text, ModelUsed: backendID, TokenEstimate: tokens})
			_ = d.cache.Set(workCtx, cacheKey, payload, d.cfg.cacheTTLGenerate())
		}

		d.finishRecord(workCtx, requestID, true, latency, tokens, nil)

		return &GenerateResponse{Text: genResult.Text, ModelUsed: backendID, TokenEstimate: tokens}, nil
	}

	taskID, resultCh := d.queue.Enqueue(backendID, "generate", req.Priority, req.Timeout, nil, work)
	_ = taskID

	select {
	case res := <-resultCh:
		if res.Err != nil {
			return nil, res.Err
		}
		out, _ := res.Value.(*GenerateResponse)
		return out, nil
	case <-ctx.Done():
		return nil, &dispatcherr.CancelledError{TaskID: taskID}
	}
}

// SmartEmbed implements the embedding path: same shape as generate, but
// with embed-specific rate limits, a longer cache TTL, and a simpler
// "first available" selector preference.
func (d *Dispatcher) SmartEmbed(ctx context.Context, req EmbedRequest) (*EmbedResponse, error) {
	start := time.Now()
	if req.Priority == 0 {
		req.Priority = defaultPriority
	}

	cacheKey := fingerprint("llm:embed", req.Text)

	if req.UseCache && d.cache != nil && d.cacheable(req.PreferredBackend) {
		if raw, ok := d.cache.Get(ctx, cacheKey); ok {
			var c cachedEmbed
			if err := json.Unmarshal(raw, &c); err == nil {
				return &EmbedResponse{
					Embedding:      c.Embedding,
					ModelUsed:      c.ModelUsed,
					ProcessingTime: time.Since(start),
					Dimensions:     len(c.Embedding),
					Cached:         true,
				}, nil
			}
		}
	}

	if req.CallerID != "" && d.limiter != nil {
		res := d.limiter.CheckAndConsume(ctx, req.CallerID, rateLimitCategoryEmbed, rateLimitLimitEmbed, rateLimitWindow)
		if !res.Allowed {
			return nil, &dispatcherr.RateLimitedError{
				Key:        req.CallerID,
				Category:   rateLimitCategoryEmbed,
				ResetAt:    res.ResetAt,
				RetryAfter: time.Until(res.ResetAt),
			}
		}
	}

	tried := map[string]bool{}
	var lastErr error

	for attempt := 0; attempt < d.cfg.maxBackendAttempts(); attempt++ {
		preferred := ""
		if attempt == 0 {
			preferred = req.PreferredBackend
		}
		backendID, err := d.nextBackend(ctx, req.Text, "embed", preferred, tried)
		if err != nil {
			if lastErr != nil {
				return nil, lastErr
			}
			return nil, err
		}
		tried[backendID] = true

		result, err := d.runEmbedTask(ctx, backendID, req)
		d.selector.RecordOutcome(backendID, err == nil)
		if err == nil {
			result.ProcessingTime = time.Since(start)
			return result, nil
		}
		lastErr = err
		if !isRetryable(err) {
			return nil, err
		}
	}

	return nil, lastErr
}

func (d *Dispatcher) runEmbedTask(ctx context.Context, backendID string, req EmbedRequest) (*EmbedResponse, error) {
	work := func(workCtx context.Context) (any, error) {
		var requestID string
		if d.recorder != nil {
			requestID = d.recorder.RecordStart(backendID, "embed", req.CallerID)
		}

		backend, err := d.registry.Get(backendID)
		if err != nil {
			d.finishRecord(workCtx, requestID, false, 0, 0, err)
			return nil, err
		}

		callCtx, cancel := context.WithTimeout(workCtx, d.cfg.providerTimeout())
		defer cancel()

		callStart := time.Now()
		embResult, err := backend.Embed(callCtx, &providers.EmbedRequest{
			Input:    []string{req.Text},
			CallerID: req.CallerID,
		})
		latency := time.Since(callStart)
		if err != nil {
			d.finishRecord(workCtx, requestID, false, latency, 0, err)
			return nil, err
		}
		if len(embResult.Embeddings) == 0 {
			err := fmt.Errorf("dispatcher: backend %s returned no embeddings", backendID)
			d.finishRecord(workCtx, requestID, false, latency, 0, err)
			return nil, err
		}

		vec := embResult.Embeddings[0]

		if req.UseCache && d.cache != nil && d.cacheable(backendID) {
			cacheKey := fingerprint("llm:embed", req.Text)
			payload, _ := json.Marshal(cachedEmbed{Embedding: vec, ModelUsed: backendID})
			_ = d.cache.Set(workCtx, cacheKey, payload, d.cfg.cacheTTLEmbed())
		}

		d.finishRecord(workCtx, requestID, true, latency, len(vec), nil)

		return &EmbedResponse{Embedding: vec, ModelUsed: backendID, Dimensions: len(vec)}, nil
	}

	taskID, resultCh := d.queue.Enqueue(backendID, "embed", req.Priority, req.Timeout, nil, work)
	_ = taskID

	select {
	case res := <-resultCh:
		if res.Err != nil {
			return nil, res.Err
		}
		out, _ := res.Value.(*EmbedResponse)
		return out, nil
	case <-ctx.Done():
		return nil, &dispatcherr.CancelledError{TaskID: taskID}
	}
}

// finishRecord records task completion in C3. Always called — on both
// success and failure.
func (d *Dispatcher) finishRecord(ctx context.Context, requestID string, success bool, latency time.Duration, tokens int, err error) {
	if d.recorder == nil || requestID == "" {
		return
	}
	errMsg := ""
	if err != nil {
		errMsg = err.Error()
	}
	d.recorder.RecordEnd(ctx, requestID, success, latency, tokens, errMsg)
}

// nextBackend asks the selector for a backend, skipping any id already in
// tried. When every registered backend has been tried, it returns a
// NoSuchBackendError; the retry loops in SmartGenerate/SmartEmbed then
// report their last backend error instead, if they have one.
func (d *Dispatcher) nextBackend(ctx context.Context, text, operation, preferred string, tried map[string]bool) (string, error) {
	if preferred != "" && !tried[preferred] {
		id, err := d.selector.SelectBackend(ctx, text, operation, preferred)
		if err == nil && !tried[id] {
			return id, nil
		}
	}

	id, err := d.selector.SelectBackend(ctx, text, operation, "")
	if err != nil {
		return "", err
	}
	if !tried[id] {
		return id, nil
	}

	for _, candidate := range d.registry.OrderedIDs() {
		if !tried[candidate] {
			return candidate, nil
		}
	}

	return "", &dispatcherr.NoSuchBackendError{ID: "*"}
}

// isRetryable reports whether err represents a transport/provider
// failure eligible for C8's bounded fallback retry:
// BackendUnavailable and non-4xx ProviderError are retryable; decode
// errors, rate limits, and queue/execution timeouts are not.
func isRetryable(err error) bool {
	var bu *dispatcherr.BackendUnavailableError
	if errors.As(err, &bu) {
		return true
	}
	var pe *dispatcherr.ProviderError
	if errors.As(err, &pe) {
		return pe.Retryable()
	}
	return false
}
