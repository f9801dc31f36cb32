package httpserver

import (
	"context"
	"log/slog"

	"github.com/nulpointcorp/llm-gateway/internal/metrics"
	"github.com/nulpointcorp/llm-gateway/internal/registry"
)

// Options configures a Server.
type Options struct {
	Logger      *slog.Logger
	Metrics     *metrics.Registry
	CORSOrigins []string
}

// Server is the ambient HTTP surface: health/readiness, CORS, recovery,
// and (when Metrics is set) Prometheus export. The dispatch core's own
// routes are mounted onto the same listener via StartWithExtraRoutes.
type Server struct {
	log         *slog.Logger
	metrics     *metrics.Registry
	corsOrigins []string
	health      *HealthChecker
}

// New builds a Server. cacheReady reports whether the configured cache
// backend is reachable; it may be nil when caching is disabled.
func New(ctx context.Context, reg *registry.Registry, cacheReady func() bool, opts Options) *Server {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		log:         log,
		metrics:     opts.Metrics,
		corsOrigins: opts.CORSOrigins,
		health:      NewHealthChecker(ctx, reg, cacheReady, opts.Metrics),
	}
}

// Close stops the background health-probe loop.
func (s *Server) Close() {
	if s.health != nil {
		s.health.Close()
	}
}
