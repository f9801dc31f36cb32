package httpserver

import (
	"encoding/json"
	"time"

	"github.com/fasthttp/router"
	"github.com/valyala/fasthttp"
)

// Start starts the HTTP server on addr (e.g. ":8080") with no dispatch-core
// routes mounted — health/readiness/metrics only.
func (s *Server) Start(addr string) error {
	return s.StartWithExtraRoutes(addr, nil)
}

// StartWithExtraRoutes starts the HTTP server, mounting /health, /readiness,
// and (when a Prometheus registry is configured) GET /metrics/prom, plus
// whatever routes extra registers on the same router — the dispatch core's
// own GET /metrics (JSON aggregate), /generate, /embed, /models, and
// /reset-rate-limit. Prometheus export lives at /metrics/prom rather than
// /metrics specifically so the two never collide on the same path.
func (s *Server) StartWithExtraRoutes(addr string, extra func(*router.Router)) error {
	r := router.New()

	r.GET("/health", s.handleHealth)
	r.GET("/readiness", s.handleReadiness)

	if s.metrics != nil {
		r.GET("/metrics/prom", s.metrics.Handler())
	}

	if extra != nil {
		extra(r)
	}

	handler := applyMiddleware(r.Handler,
		recovery,
		requestID,
		timing,
		corsHandler(s.corsOrigins),
		securityHeaders,
	)

	srv := &fasthttp.Server{
		Handler:      handler,
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 60 * time.Second,
	}

	return srv.ListenAndServe(addr)
}

func (s *Server) handleHealth(ctx *fasthttp.RequestCtx) {
	if s.health == nil {
		writeJSON(ctx, map[string]any{"status": "ok"})
		return
	}
	writeJSON(ctx, s.health.Snapshot())
}

func (s *Server) handleReadiness(ctx *fasthttp.RequestCtx) {
	if s.health == nil || s.health.ReadinessOK() {
		writeJSON(ctx, map[string]string{"status": "ok"})
		return
	}
	ctx.SetStatusCode(fasthttp.StatusServiceUnavailable)
	writeJSON(ctx, map[string]string{"status": "unavailable"})
}

func writeJSON(ctx *fasthttp.RequestCtx, v any) {
	ctx.SetContentType("application/json")
	data, _ := json.Marshal(v)
	ctx.SetBody(data)
}
