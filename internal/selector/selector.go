// Package selector implements C6: SelectBackend scores candidate backends
// for a request using query features and live operational metrics, then
// enforces availability.
//
// Grounded line-for-line on original_source/app/llm/smart_router.py's
// ModelSelector (analyze_query_complexity, determine_query_type,
// select_best_model): the complexity cutoffs, the five intent-boost
// tables, and the score = (Σ char·weight)/Σweight, ×success_factor,
// ×latency_factor, clamp ≥0.1 formula are a direct port. The source's
// Portuguese-only keyword tables are replaced with configurable,
// English-default regex tables.
package selector

import (
	"context"
	"log/slog"
	"regexp"
	"strings"
	"sync"

	"github.com/nulpointcorp/llm-gateway/internal/breaker"
	"github.com/nulpointcorp/llm-gateway/internal/metrics"
	"github.com/nulpointcorp/llm-gateway/internal/ratelimit"
	"github.com/nulpointcorp/llm-gateway/internal/registry"
	"github.com/nulpointcorp/llm-gateway/pkg/dispatcherr"
)

// Axis is one of the ten backend characteristic dimensions
type Axis string

const (
	AxisCreativity      Axis = "creativity"
	AxisFactualAccuracy Axis = "factual_accuracy"
	AxisCodeQuality     Axis = "code_quality"
	AxisReasoning       Axis = "reasoning"
	AxisComputation     Axis = "computation"
	AxisConciseness     Axis = "conciseness"
	AxisLanguageQuality Axis = "language_quality"
	AxisCostEfficiency  Axis = "cost_efficiency"
	AxisSpeed           Axis = "speed"
	AxisContextLength   Axis = "context_length"
)

var allAxes = []Axis{
	AxisCreativity, AxisFactualAccuracy, AxisCodeQuality, AxisReasoning,
	AxisComputation, AxisConciseness, AxisLanguageQuality, AxisCostEfficiency,
	AxisSpeed, AxisContextLength,
}

// Characteristics is a backend's characteristics vector: ten scores in
// [0,10]
type Characteristics map[Axis]float64

// Complexity is the query fingerprint's complexity class
type Complexity string

const (
	ComplexityLow    Complexity = "low"
	ComplexityMedium Complexity = "medium"
	ComplexityHigh   Complexity = "high"
)

// defaultCharacteristics gives every axis a neutral score of 5, used as
// the fallback vector for any backend without a seeded profile — mirrors
// the Python source's "default" entry in model_characteristics.
func defaultCharacteristics() Characteristics {
	c := make(Characteristics, len(allAxes))
	for _, a := range allAxes {
		c[a] = 5
	}
	return c
}

// namedProfile returns one of _initialize_model_characteristics's four
// hand-tuned profiles (local, mistral, deepseek, generic HTTP), matched
// by substring against a backend id the way the Python source matches
// against a model's class name / id. Returns false if nothing matches,
// leaving the caller to fall back to defaultCharacteristics.
func namedProfile(backendID string) (Characteristics, bool) {
	id := strings.ToLower(backendID)
	switch {
	case strings.Contains(id, "llama") || strings.Contains(id, "local"):
		return Characteristics{
			AxisCreativity: 6, AxisFactualAccuracy: 6, AxisCodeQuality: 7,
			AxisReasoning: 6, AxisComputation: 5, AxisConciseness: 5,
			AxisLanguageQuality: 6, AxisCostEfficiency: 10, AxisSpeed: 4,
			AxisContextLength: 7,
		}, true
	case strings.Contains(id, "mistral"):
		return Characteristics{
			AxisCreativity: 7, AxisFactualAccuracy: 7, AxisCodeQuality: 8,
			AxisReasoning: 7, AxisComputation: 6, AxisConciseness: 6,
			AxisLanguageQuality: 7, AxisCostEfficiency: 5, AxisSpeed: 8,
			AxisContextLength: 6,
		}, true
	case strings.Contains(id, "deepseek"):
		return Characteristics{
			AxisCreativity: 6, AxisFactualAccuracy: 7, AxisCodeQuality: 9,
			AxisReasoning: 7, AxisComputation: 7, AxisConciseness: 7,
			AxisLanguageQuality: 6, AxisCostEfficiency: 6, AxisSpeed: 7,
			AxisContextLength: 6,
		}, true
	case strings.Contains(id, "proxy") || strings.Contains(id, "http"):
		return Characteristics{
			AxisCreativity: 7, AxisFactualAccuracy: 7, AxisCodeQuality: 8,
			AxisReasoning: 7, AxisComputation: 6, AxisConciseness: 6,
			AxisLanguageQuality: 7, AxisCostEfficiency: 8, AxisSpeed: 8,
			AxisContextLength: 7,
		}, true
	default:
		return nil, false
	}
}

// SeedDefaultProfile seeds backendID with namedProfile's best guess (or
// the neutral default if no keyword matches), so a freshly registered
// backend scores sensibly before any real operational metrics exist.
func (s *Selector) SeedDefaultProfile(backendID string) {
	if c, ok := namedProfile(backendID); ok {
		s.SeedCharacteristics(backendID, c)
		return
	}
	s.SeedCharacteristics(backendID, defaultCharacteristics())
}

// intentBoost applies one named intent's weight multipliers to the query
// weight vector.
type intentBoost struct {
	pattern *regexp.Regexp
	boosts  map[Axis]float64
}

// Options configures the regex tables used to classify prompts. The
// complexity tables are plain regex slices a caller can replace; intent
// entries use an unexported type, so code outside this package can keep
// or drop DefaultOptions' intents but cannot build new ones.
// DefaultOptions supplies an English default.
type Options struct {
	ComplexityHigh   []*regexp.Regexp
	ComplexityMedium []*regexp.Regexp
	ComplexityLow    []*regexp.Regexp
	Intents          []intentBoost
}

func mustCompileAll(patterns ...string) []*regexp.Regexp {
	out := make([]*regexp.Regexp, len(patterns))
	for i, p := range patterns {
		out[i] = regexp.MustCompile("(?i)" + p)
	}
	return out
}

// DefaultOptions is the English-language default keyword configuration.
func DefaultOptions() Options {
	return Options{
		ComplexityHigh: mustCompileAll(
			`\b(explain in detail|comprehensive|step[- ]by[- ]step|analyze thoroughly|in-depth)\b`,
			`\b(compare and contrast|multi-part|architecture|design a system)\b`,
		),
		ComplexityMedium: mustCompileAll(
			`\b(explain|describe|how does|what is the difference)\b`,
			`\b(summarize|outline|compare)\b`,
		),
		ComplexityLow: mustCompileAll(
			`\b(hi|hello|thanks|ok|yes|no)\b`,
		),
		Intents: []intentBoost{
			{
				pattern: regexp.MustCompile(`(?i)\b(code|function|bug|implement|refactor|algorithm|compile|syntax)\b`),
				boosts:  map[Axis]float64{AxisCodeQuality: 2.5, AxisReasoning: 1.5, AxisFactualAccuracy: 1.5, AxisCreativity: 0.5},
			},
			{
				pattern: regexp.MustCompile(`(?i)\b(story|poem|creative|imagine|write a|compose)\b`),
				boosts:  map[Axis]float64{AxisCreativity: 2.5, AxisLanguageQuality: 1.5, AxisFactualAccuracy: 0.5},
			},
			{
				pattern: regexp.MustCompile(`(?i)\b(what is|who is|when did|fact|define|history of)\b`),
				boosts:  map[Axis]float64{AxisFactualAccuracy: 2.5, AxisReasoning: 1.5, AxisCreativity: 0.5},
			},
			{
				pattern: regexp.MustCompile(`(?i)\b(why|reason|logic|infer|conclude|prove)\b`),
				boosts:  map[Axis]float64{AxisReasoning: 2.5, AxisFactualAccuracy: 1.5, AxisComputation: 1.2},
			},
			{
				pattern: regexp.MustCompile(`(?i)\b(calculate|compute|sum|solve|equation|math)\b`),
				boosts:  map[Axis]float64{AxisComputation: 2.5, AxisReasoning: 1.5, AxisFactualAccuracy: 1.2},
			},
		},
	}
}

// Selector implements C6.
type Selector struct {
	registry *registry.Registry
	limiter  *ratelimit.Limiter
	recorder *metrics.Recorder
	cb       *breaker.Breaker
	opts     Options
	log      *slog.Logger

	mu    sync.RWMutex
	chars map[string]Characteristics
}

// New builds a Selector from an already-constructed registry, rate
// limiter, recorder, and circuit breaker — never a singleton. cb may be
// nil, in which case every backend is always considered available as far
// as breaker state goes.
func New(reg *registry.Registry, limiter *ratelimit.Limiter, recorder *metrics.Recorder, cb *breaker.Breaker, opts Options, log *slog.Logger) *Selector {
	if log == nil {
		log = slog.Default()
	}
	return &Selector{
		registry: reg,
		limiter:  limiter,
		recorder: recorder,
		cb:       cb,
		opts:     opts,
		log:      log,
		chars:    map[string]Characteristics{},
	}
}

// RecordOutcome reports whether a request dispatched to backendID
// succeeded, updating the circuit breaker state used by availability.
// A no-op when no breaker was configured.
func (s *Selector) RecordOutcome(backendID string, success bool) {
	if s.cb == nil {
		return
	}
	if success {
		s.cb.RecordSuccess(backendID)
	} else {
		s.cb.RecordFailure(backendID)
	}
}

// SeedCharacteristics assigns backend's characteristics vector, seeded
// per backend kind; intended to be updated from observed metrics
// (currently static).
func (s *Selector) SeedCharacteristics(backendID string, c Characteristics) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chars[backendID] = c
}

func (s *Selector) characteristicsFor(backendID string) Characteristics {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if c, ok := s.chars[backendID]; ok {
		return c
	}
	return defaultCharacteristics()
}

// AnalyzeComplexity classifies prompt: >100 words -> high, <=4 -> low,
// else the first regex match in order high->medium->low, default
// medium.
func (s *Selector) AnalyzeComplexity(prompt string) Complexity {
	wordCount := len(strings.Fields(prompt))
	if wordCount > 100 {
		return ComplexityHigh
	}
	if wordCount <= 4 {
		return ComplexityLow
	}
	for _, re := range s.opts.ComplexityHigh {
		if re.MatchString(prompt) {
			return ComplexityHigh
		}
	}
	for _, re := range s.opts.ComplexityMedium {
		if re.MatchString(prompt) {
			return ComplexityMedium
		}
	}
	for _, re := range s.opts.ComplexityLow {
		if re.MatchString(prompt) {
			return ComplexityLow
		}
	}
	return ComplexityMedium
}

// QueryWeights computes the per-axis weight vector for prompt: all axes
// start at 1.0, intents apply boosts, and complexity applies a final
// floor adjustment.
func (s *Selector) QueryWeights(prompt string, complexity Complexity) map[Axis]float64 {
	weights := make(map[Axis]float64, len(allAxes))
	for _, a := range allAxes {
		weights[a] = 1.0
	}

	for _, intent := range s.opts.Intents {
		if intent.pattern.MatchString(prompt) {
			for axis, mult := range intent.boosts {
				weights[axis] *= mult
			}
		}
	}

	switch complexity {
	case ComplexityHigh:
		if weights[AxisContextLength] < 2.0 {
			weights[AxisContextLength] = 2.0
		}
		if weights[AxisReasoning] < 1.5 {
			weights[AxisReasoning] = 1.5
		}
	case ComplexityLow:
		if weights[AxisSpeed] < 1.5 {
			weights[AxisSpeed] = 1.5
		}
		if weights[AxisCostEfficiency] < 1.5 {
			weights[AxisCostEfficiency] = 1.5
		}
	}

	return weights
}

// availability probes the rate limiter and circuit breaker for every
// registered backend: probe_limit=100, category="check", 60s window. A
// backend is excluded if rate-limit-denied or its breaker is open.
func (s *Selector) availability(ctx context.Context, ids []string) map[string]bool {
	available := make(map[string]bool, len(ids))
	for _, id := range ids {
		if s.cb != nil && !s.cb.Allow(id) {
			available[id] = false
			continue
		}
		if s.limiter == nil {
			available[id] = true
			continue
		}
		res := s.limiter.CheckAndConsume(ctx, id, "check", 100, probeWindow)
		available[id] = res.Allowed
	}
	return available
}

const probeWindow = 60_000_000_000 // 60s in nanoseconds, avoids importing time just for one constant

// SelectBackend implements seven ordered rules.
func (s *Selector) SelectBackend(ctx context.Context, prompt, operation, preferred string) (string, error) {
	ids := s.registry.OrderedIDs()
	if len(ids) == 0 {
		return "", &dispatcherr.NoSuchBackendError{ID: preferred}
	}

	// Rule 1: explicit preference wins if registered.
	if preferred != "" && s.registry.Has(preferred) {
		return preferred, nil
	}

	// Rule 2: availability probe.
	available := s.availability(ctx, ids)
	var candidates []string
	for _, id := range ids {
		if available[id] {
			candidates = append(candidates, id)
		}
	}

	// Rule 3: fail open to default if nothing is available.
	if len(candidates) == 0 {
		return s.registry.DefaultID(), nil
	}

	// Rule 4: embed operation returns the first available backend.
	if operation == "embed" {
		return candidates[0], nil
	}

	// Rule 5: compute the query fingerprint.
	complexity := s.AnalyzeComplexity(prompt)
	weights := s.QueryWeights(prompt, complexity)

	// Rule 6: score every candidate.
	bestID := ""
	bestScore := -1.0
	for _, id := range candidates {
		score := s.score(ctx, id, operation, weights)
		if score > bestScore {
			bestScore, bestID = score, id
		}
	}

	// Rule 7: return best, or default if scoring yielded nothing.
	if bestID == "" {
		return s.registry.DefaultID(), nil
	}
	return bestID, nil
}

func (s *Selector) score(ctx context.Context, backendID, operation string, weights map[Axis]float64) float64 {
	chars := s.characteristicsFor(backendID)

	var weighted, totalWeight float64
	for axis, w := range weights {
		weighted += chars[axis] * w
		totalWeight += w
	}

	var base float64 = 5.0
	if totalWeight > 0 {
		base = weighted / totalWeight
	}

	successRate, latencyAvg := 100.0, 1.0
	if s.recorder != nil {
		successRate, latencyAvg = s.recorder.OperationalMetrics(backendID, operation)
	}

	successFactor := clamp(successRate/100, 0.1, 1.0)
	latencyFactor := clamp(1.0/nonZero(latencyAvg), 0.1, 2.0)

	score := base * successFactor * latencyFactor
	if score < 0.1 {
		score = 0.1
	}
	return score
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func nonZero(v float64) float64 {
	if v <= 0 {
		return 1.0
	}
	return v
}
