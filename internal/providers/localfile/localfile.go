// Package localfile implements the C1 "local-file-loaded" backend kind: a
// backend whose model artifact lives on local disk rather than behind a
// remote HTTP endpoint. The original Python source intermixes coroutine
// async with run_in_executor thread hops for this backend; here the same
// external async contract is honored with a dedicated worker pool
// (bounded channel semaphore) instead of a thread-pool hop, since Go
// has no GIL to work around.
package localfile

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/nulpointcorp/llm-gateway/internal/providers"
)

// Backend serves canned completions from a local response file: each
// non-empty line is "prefix=>completion"; the longest matching prefix of
// the prompt wins, falling back to a generic echo. It exists to give the
// registry a Backend that never leaves the host — useful for air-gapped
// deployments and tests.
type Backend struct {
	id    string
	path  string
	sem   chan struct{}
	mu    sync.RWMutex
	table map[string]string
}

// New loads responses from path (best-effort; a missing file yields an
// empty table rather than an error, since the backend should still start
// and simply echo prompts back). maxConcurrent bounds the worker pool.
func New(id, path string, maxConcurrent int) (*Backend, error) {
	if maxConcurrent <= 0 {
		maxConcurrent = 5
	}
	b := &Backend{
		id:    id,
		path:  path,
		sem:   make(chan struct{}, maxConcurrent),
		table: map[string]string{},
	}
	if err := b.reload(); err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	return b, nil
}

func (b *Backend) reload() error {
	f, err := os.Open(b.path)
	if err != nil {
		return err
	}
	defer f.Close()

	table := map[string]string{}
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.SplitN(line, "=>", 2)
		if len(parts) != 2 {
			continue
		}
		table[strings.TrimSpace(parts[0])] = strings.TrimSpace(parts[1])
	}
	if err := scanner.Err(); err != nil {
		return err
	}

	b.mu.Lock()
	b.table = table
	b.mu.Unlock()
	return nil
}

func (b *Backend) ID() string                  { return b.id }
func (b *Backend) Kind() providers.BackendKind { return providers.KindLocalFileLoaded }

func (b *Backend) HealthCheck(ctx context.Context) error {
	if _, err := os.Stat(b.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("localfile: %w", err)
	}
	return nil
}

// acquire blocks for a worker slot, honoring ctx cancellation — the
// equivalent of run_in_executor's thread-pool hop, expressed as a
// semaphore-gated goroutine instead.
func (b *Backend) acquire(ctx context.Context) error {
	select {
	case b.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *Backend) release() { <-b.sem }

func (b *Backend) lookup(prompt string) string {
	b.mu.RLock()
	defer b.mu.RUnlock()

	best := ""
	bestLen := -1
	for prefix, completion := range b.table {
		if strings.HasPrefix(prompt, prefix) && len(prefix) > bestLen {
			best, bestLen = completion, len(prefix)
		}
	}
	if bestLen < 0 {
		return prompt
	}
	return best
}

func (b *Backend) Generate(ctx context.Context, req *providers.GenerateRequest) (*providers.GenerateResult, error) {
	if err := b.acquire(ctx); err != nil {
		return nil, err
	}
	defer b.release()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	text := b.lookup(req.Prompt)
	if !req.Stream {
		return &providers.GenerateResult{Text: text, Model: b.id}, nil
	}

	ch := make(chan providers.StreamChunk, 1)
	go func() {
		defer close(ch)
		select {
		case ch <- providers.StreamChunk{Content: text, FinishReason: "stop"}:
		case <-ctx.Done():
		}
	}()
	return &providers.GenerateResult{Model: b.id, Stream: ch}, nil
}

func (b *Backend) Embed(ctx context.Context, req *providers.EmbedRequest) (*providers.EmbedResult, error) {
	if err := b.acquire(ctx); err != nil {
		return nil, err
	}
	defer b.release()

	vecs := make([][]float32, len(req.Input))
	for i, text := range req.Input {
		vecs[i] = hashEmbed(text)
	}
	return &providers.EmbedResult{Embeddings: vecs, Model: b.id}, nil
}

// hashEmbed produces a small deterministic pseudo-embedding from text so
// the local backend is useful in tests without bundling a real model.
func hashEmbed(text string) []float32 {
	const dims = 8
	vec := make([]float32, dims)
	var h uint32 = 2166136261
	for i, c := range text {
		h = (h ^ uint32(c)) * 16777619
		vec[i%dims] += float32(h%997) / 997.0
	}
	return vec
}
