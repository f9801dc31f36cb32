// Package httpserver is the ambient HTTP surface shared by every
// dispatch-core deployment: health/readiness probes, CORS, panic recovery,
// and — when a Prometheus registry is configured — a metrics export route.
// It mounts no domain routes itself; the dispatch core's own /generate,
// /embed, /metrics, /models, and /reset-rate-limit routes are mounted onto
// the same router via the extra-routes hook in StartWithExtraRoutes.
//
// Adapted from internal/proxy's Gateway/HealthChecker/router/middleware,
// stripped of the OpenAI-compatible chat/completions/embeddings surface
// that package used to carry: this is infrastructure, not a product
// surface, so it has no knowledge of prompts, providers, or models beyond
// what it takes to probe a registered backend's health.
package httpserver

import (
	"context"
	"sync"
	"time"

	"github.com/nulpointcorp/llm-gateway/internal/metrics"
	"github.com/nulpointcorp/llm-gateway/internal/registry"
)

const healthProbeInterval = 30 * time.Second
const healthProbeTimeout = 5 * time.Second

// componentStatus holds the last known health result for one component.
type componentStatus struct {
	mu     sync.RWMutex
	status string // "ok" | "degraded" | "down"
}

func (s *componentStatus) set(v string) {
	s.mu.Lock()
	s.status = v
	s.mu.Unlock()
}

func (s *componentStatus) get() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.status == "" {
		return "unknown"
	}
	return s.status
}

// HealthChecker runs background probes against every registered backend
// and exposes the latest results. Unlike the prior per-provider prober,
// it reads its target set from the registry on each tick, so backends
// registered after startup are picked up on the next tick. A backend's
// status entry, once recorded, is never removed.
type HealthChecker struct {
	reg        *registry.Registry
	cacheReady func() bool
	dbReady    func() bool
	baseCtx    context.Context
	metrics    *metrics.Registry

	mu              sync.RWMutex
	backendStatuses map[string]*componentStatus
	cacheStatus     componentStatus
	dbStatus        componentStatus

	startTime time.Time
	done      chan struct{}
	wg        sync.WaitGroup
}

// NewHealthChecker creates a HealthChecker and immediately starts background probes.
func NewHealthChecker(
	ctx context.Context,
	reg *registry.Registry,
	cacheReady func() bool,
	met *metrics.Registry,
) *HealthChecker {
	if ctx == nil {
		panic("httpserver: context must not be nil")
	}
	hc := &HealthChecker{
		reg:             reg,
		cacheReady:      cacheReady,
		backendStatuses: make(map[string]*componentStatus),
		startTime:       time.Now(),
		done:            make(chan struct{}),
		baseCtx:         ctx,
		metrics:         met,
	}

	// Run first probe synchronously so health is not "unknown" immediately.
	hc.probe()

	hc.wg.Add(1)
	go hc.run()

	return hc
}

// HealthSnapshot returns the current health state for all components.
type HealthSnapshot struct {
	Status        string            `json:"status"`
	UptimeSeconds int64             `json:"uptime_seconds"`
	Backends      map[string]string `json:"backends"`
	Cache         string            `json:"cache"`
	Database      string            `json:"database"`
}

// Snapshot builds a snapshot from the latest probe results.
func (hc *HealthChecker) Snapshot() HealthSnapshot {
	overall := "ok"

	hc.mu.RLock()
	backends := make(map[string]string, len(hc.backendStatuses))
	for name, s := range hc.backendStatuses {
		st := s.get()
		backends[name] = st
		if st != "ok" {
			overall = "degraded"
		}
	}
	hc.mu.RUnlock()

	cache := hc.cacheStatus.get()
	db := hc.dbStatus.get()

	if db == "down" {
		overall = "degraded"
	}

	return HealthSnapshot{
		Status:        overall,
		UptimeSeconds: int64(time.Since(hc.startTime).Seconds()),
		Backends:      backends,
		Cache:         cache,
		Database:      db,
	}
}

// ReadinessOK returns true when the latest database probe reported ok (a
// checker with no database probe configured always reports ok); cache
// status does not affect readiness (used by GET /readiness for Kubernetes
// probes).
func (hc *HealthChecker) ReadinessOK() bool {
	return hc.dbStatus.get() == "ok"
}

// Close stops the background probe goroutine.
func (hc *HealthChecker) Close() {
	close(hc.done)
	hc.wg.Wait()
}

func (hc *HealthChecker) run() {
	defer hc.wg.Done()
	ticker := time.NewTicker(healthProbeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			hc.probe()
		case <-hc.done:
			return
		}
	}
}

func (hc *HealthChecker) statusFor(id string) *componentStatus {
	hc.mu.Lock()
	defer hc.mu.Unlock()
	s, ok := hc.backendStatuses[id]
	if !ok {
		s = &componentStatus{status: "unknown"}
		hc.backendStatuses[id] = s
	}
	return s
}

func (hc *HealthChecker) probe() {
	ctx, cancel := context.WithTimeout(hc.baseCtx, healthProbeTimeout)
	defer cancel()

	var wg sync.WaitGroup

	if hc.reg != nil {
		results := hc.reg.HealthCheckAll(ctx)
		for id, err := range results {
			id, err := id, err
			s := hc.statusFor(id)
			wg.Add(1)
			go func() {
				defer wg.Done()
				if err != nil {
					s.set("degraded")
					if hc.metrics != nil {
						hc.metrics.SetProviderHealth(id, false)
					}
				} else {
					s.set("ok")
					if hc.metrics != nil {
						hc.metrics.SetProviderHealth(id, true)
					}
				}
			}()
		}
	}

	// Cache probe — nil probe means "not configured" → ok.
	wg.Add(1)
	go func() {
		defer wg.Done()
		if hc.cacheReady == nil || hc.cacheReady() {
			hc.cacheStatus.set("ok")
		} else {
			hc.cacheStatus.set("degraded")
		}
	}()

	// DB probe — nil probe means "not configured" → ok.
	wg.Add(1)
	go func() {
		defer wg.Done()
		if hc.dbReady == nil || hc.dbReady() {
			hc.dbStatus.set("ok")
		} else {
			hc.dbStatus.set("down")
		}
	}()

	wg.Wait()
}
