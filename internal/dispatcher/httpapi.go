package dispatcher

import (
	"bufio"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/fasthttp/router"
	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/llm-gateway/internal/metrics"
	"github.com/nulpointcorp/llm-gateway/pkg/dispatcherr"
)

// RegisterRoutes mounts the HTTP surface consumed by the orchestrator
// layer: POST /generate, POST /embed, GET /metrics,
// GET /models, POST /reset-rate-limit. Kept separate from the
// /v1/... OpenAI-compatible routes in internal/proxy/router.go, which
// this surface replaces for the dispatch core.
func (d *Dispatcher) RegisterRoutes(r *router.Router) {
	r.POST("/generate", d.handleGenerate)
	r.POST("/embed", d.handleEmbed)
	r.GET("/metrics", d.handleAggregateMetrics)
	r.GET("/models", d.handleModels)
	r.POST("/reset-rate-limit", d.handleResetRateLimit)
}

func callerIDFrom(ctx *fasthttp.RequestCtx) string {
	return strings.TrimSpace(string(ctx.Request.Header.Peek("X-Caller-ID")))
}

func writeJSON(ctx *fasthttp.RequestCtx, status int, v any) {
	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")
	body, _ := json.Marshal(v)
	ctx.SetBody(body)
}

// ── POST /generate ────────────────────────────────────────────────────

type generateHTTPRequest struct {
	Prompt      string  `json:"prompt"`
	ModelID     string  `json:"model_id"`
	MaxTokens   int     `json:"max_tokens"`
	Temperature float64 `json:"temperature"`
	UseCache    bool    `json:"use_cache"`
	Stream      bool    `json:"stream"`
}

type generateHTTPResponse struct {
	Text           string  `json:"text"`
	ModelUsed      string  `json:"model_used"`
	ProcessingTime float64 `json:"processing_time"`
	TokenEstimate  int     `json:"token_estimate"`
	Cached         bool    `json:"cached"`
}

func (d *Dispatcher) handleGenerate(ctx *fasthttp.RequestCtx) {
	var body generateHTTPRequest
	if err := json.Unmarshal(ctx.PostBody(), &body); err != nil {
		dispatcherr.Write(ctx, fmt.Errorf("invalid JSON: %w", err))
		return
	}
	if strings.TrimSpace(body.Prompt) == "" {
		ctx.SetStatusCode(fasthttp.StatusBadRequest)
		ctx.SetContentType("application/json")
		ctx.SetBodyString(`{"error_code":"invalid_request","message":"'prompt' is required","user_message":"a prompt is required"}`)
		return
	}

	req := GenerateRequest{
		Prompt:           body.Prompt,
		PreferredBackend: body.ModelID,
		MaxTokens:        body.MaxTokens,
		Temperature:      body.Temperature,
		Stream:           body.Stream,
		UseCache:         body.UseCache,
		CallerID:         callerIDFrom(ctx),
	}

	res, err := d.SmartGenerate(ctx, req)
	if err != nil {
		dispatcherr.Write(ctx, err)
		return
	}

	if res.Stream != nil {
		writeGenerateSSE(ctx, res)
		return
	}

	writeJSON(ctx, fasthttp.StatusOK, generateHTTPResponse{
		Text:           res.Text,
		ModelUsed:      res.ModelUsed,
		ProcessingTime: res.ProcessingTime.Seconds(),
		TokenEstimate:  res.TokenEstimate,
		Cached:         res.Cached,
	})
}

func writeGenerateSSE(ctx *fasthttp.RequestCtx, res *GenerateResponse) {
	ctx.SetContentType("text/event-stream")
	ctx.Response.Header.Set("Cache-Control", "no-cache")
	ctx.Response.Header.Set("Connection", "keep-alive")
	ctx.SetStatusCode(fasthttp.StatusOK)

	ctx.SetBodyStreamWriter(func(w *bufio.Writer) {
		defer func() { recover() }()
		for chunk := range res.Stream {
			data, _ := json.Marshal(map[string]any{"text": chunk.Content, "done": chunk.FinishReason != ""})
			fmt.Fprintf(w, "data: %s\n\n", data)
			w.Flush()
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
		w.Flush()
	})
}

// ── POST /embed ───────────────────────────────────────────────────────

type embedHTTPRequest struct {
	Text     string `json:"text"`
	ModelID  string `json:"model_id"`
	UseCache bool   `json:"use_cache"`
}

type embedHTTPResponse struct {
	Embedding      []float32 `json:"embedding"`
	ModelUsed      string    `json:"model_used"`
	ProcessingTime float64   `json:"processing_time"`
	Dimensions     int       `json:"dimensions"`
	Cached         bool      `json:"cached"`
}

func (d *Dispatcher) handleEmbed(ctx *fasthttp.RequestCtx) {
	var body embedHTTPRequest
	if err := json.Unmarshal(ctx.PostBody(), &body); err != nil {
		dispatcherr.Write(ctx, fmt.Errorf("invalid JSON: %w", err))
		return
	}
	if strings.TrimSpace(body.Text) == "" {
		ctx.SetStatusCode(fasthttp.StatusBadRequest)
		ctx.SetContentType("application/json")
		ctx.SetBodyString(`{"error_code":"invalid_request","message":"'text' is required","user_message":"text is required"}`)
		return
	}

	res, err := d.SmartEmbed(ctx, EmbedRequest{
		Text:             body.Text,
		PreferredBackend: body.ModelID,
		UseCache:         body.UseCache,
		CallerID:         callerIDFrom(ctx),
	})
	if err != nil {
		dispatcherr.Write(ctx, err)
		return
	}

	writeJSON(ctx, fasthttp.StatusOK, embedHTTPResponse{
		Embedding:      res.Embedding,
		ModelUsed:      res.ModelUsed,
		ProcessingTime: res.ProcessingTime.Seconds(),
		Dimensions:     res.Dimensions,
		Cached:         res.Cached,
	})
}

// ── GET /metrics ──────────────────────────────────────────────────────

type modelMetricEntry struct {
	Backend     string  `json:"backend"`
	Operation   string  `json:"operation"`
	Requests    int64   `json:"requests"`
	SuccessRate float64 `json:"success_rate"`
	AvgLatency  float64 `json:"avg_latency"`
	P95Latency  float64 `json:"p95_latency"`
	P99Latency  float64 `json:"p99_latency"`
}

type aggregateMetricsResponse struct {
	Models         []modelMetricEntry `json:"models"`
	TotalRequests  int64              `json:"total_requests"`
	SuccessRate    float64            `json:"success_rate"`
	AverageLatency float64            `json:"avg_latency"`
}

func (d *Dispatcher) handleAggregateMetrics(ctx *fasthttp.RequestCtx) {
	modelID := string(ctx.QueryArgs().Peek("model_id"))
	periodRaw := string(ctx.QueryArgs().Peek("period"))
	period := metrics.PeriodToday
	switch periodRaw {
	case "yesterday":
		period = metrics.PeriodYesterday
	case "week":
		period = metrics.PeriodWeek
	case "month":
		period = metrics.PeriodMonth
	}

	if d.recorder == nil {
		writeJSON(ctx, fasthttp.StatusOK, aggregateMetricsResponse{SuccessRate: 100, AverageLatency: 1.0})
		return
	}

	aggs := d.recorder.GetAggregates(modelID, "", period)

	resp := aggregateMetricsResponse{Models: make([]modelMetricEntry, 0, len(aggs))}
	var weightedLatency, weightedSuccess float64
	for _, a := range aggs {
		resp.Models = append(resp.Models, modelMetricEntry{
			Backend:     a.Backend,
			Operation:   a.Operation,
			Requests:    a.RequestCount,
			SuccessRate: a.SuccessRate,
			AvgLatency:  a.AvgLatency,
			P95Latency:  a.P95Latency,
			P99Latency:  a.P99Latency,
		})
		resp.TotalRequests += a.RequestCount
		weightedLatency += a.AvgLatency * float64(a.RequestCount)
		weightedSuccess += a.SuccessRate * float64(a.RequestCount)
	}
	if resp.TotalRequests > 0 {
		resp.AverageLatency = weightedLatency / float64(resp.TotalRequests)
		resp.SuccessRate = weightedSuccess / float64(resp.TotalRequests)
	} else {
		resp.SuccessRate = 100
		resp.AverageLatency = 1.0
	}

	writeJSON(ctx, fasthttp.StatusOK, resp)
}

// ── GET /models ───────────────────────────────────────────────────────

type modelsResponse struct {
	Models       []modelEntry `json:"models"`
	DefaultModel string       `json:"default_model"`
}

type modelEntry struct {
	ID        string `json:"id"`
	Kind      string `json:"kind"`
	IsDefault bool   `json:"is_default"`
}

func (d *Dispatcher) handleModels(ctx *fasthttp.RequestCtx) {
	descriptors := d.registry.List()
	models := make([]modelEntry, 0, len(descriptors))
	for _, desc := range descriptors {
		models = append(models, modelEntry{ID: desc.ID, Kind: string(desc.Kind), IsDefault: desc.IsDefault})
	}
	writeJSON(ctx, fasthttp.StatusOK, modelsResponse{
		Models:       models,
		DefaultModel: d.registry.DefaultID(),
	})
}

// ── POST /reset-rate-limit ────────────────────────────────────────────

type resetRateLimitRequest struct {
	UserID string `json:"user_id"`
}

type resetRateLimitResponse struct {
	Message string `json:"message"`
	UserID  string `json:"user_id"`
}

func (d *Dispatcher) handleResetRateLimit(ctx *fasthttp.RequestCtx) {
	var body resetRateLimitRequest
	if err := json.Unmarshal(ctx.PostBody(), &body); err != nil {
		dispatcherr.Write(ctx, fmt.Errorf("invalid JSON: %w", err))
		return
	}
	if strings.TrimSpace(body.UserID) == "" {
		ctx.SetStatusCode(fasthttp.StatusBadRequest)
		ctx.SetContentType("application/json")
		ctx.SetBodyString(`{"error_code":"invalid_request","message":"'user_id' is required","user_message":"user_id is required"}`)
		return
	}

	if d.limiter != nil {
		for _, category := range []string{rateLimitCategoryGenerate, rateLimitCategoryEmbed, "check"} {
			_ = d.limiter.Reset(ctx, body.UserID, category)
		}
	}

	writeJSON(ctx, fasthttp.StatusOK, resetRateLimitResponse{
		Message: "rate limit reset",
		UserID:  body.UserID,
	})
}
