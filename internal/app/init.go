package app

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/redis/go-redis/v9"

	"github.com/nulpointcorp/llm-gateway/internal/breaker"
	npCache "github.com/nulpointcorp/llm-gateway/internal/cache"
	"github.com/nulpointcorp/llm-gateway/internal/dispatcher"
	"github.com/nulpointcorp/llm-gateway/internal/httpserver"
	"github.com/nulpointcorp/llm-gateway/internal/metrics"
	"github.com/nulpointcorp/llm-gateway/internal/providers"
	"github.com/nulpointcorp/llm-gateway/internal/providers/localfile"
	"github.com/nulpointcorp/llm-gateway/internal/providers/proxybackend"
	"github.com/nulpointcorp/llm-gateway/internal/queue"
	"github.com/nulpointcorp/llm-gateway/internal/ratelimit"
	"github.com/nulpointcorp/llm-gateway/internal/registry"
	"github.com/nulpointcorp/llm-gateway/internal/selector"
)

// initInfra establishes optional external connections.
// Redis is only required when CACHE_MODE=redis.
func (a *App) initInfra(ctx context.Context) error {
	if a.cfg.Cache.Mode == "redis" {
		a.log.Info("connecting to redis", slog.String("url", redactURL(a.cfg.Redis.URL)))

		rdb, err := connectRedis(ctx, a.cfg.Redis.URL)
		if err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		a.rdb = rdb
		a.log.Info("redis connected")
	}

	return nil
}

// initProviders builds the LLM provider map. The map may be empty when the
// only configured backends are a local-file or proxy backend; initCore
// fails if no backend of any kind ends up registered.
func (a *App) initProviders(_ context.Context) error {
	a.provs = buildProviders(a.baseCtx, a.cfg)

	names := make([]string, 0, len(a.provs))
	for n := range a.provs {
		names = append(names, n)
	}
	a.log.Info("providers loaded", slog.Any("providers", names))

	return nil
}

// initServices creates the cache backend and Prometheus metrics registry.
func (a *App) initServices(ctx context.Context) error {
	switch a.cfg.Cache.Mode {
	case "redis":
		// ExactCache wraps the already-connected Redis client.
		a.log.Info("cache backend: redis")

	case "memory":
		// MemoryCache — zero external dependencies, not shared across replicas.
		a.memCache = npCache.NewMemoryCache(ctx)
		a.log.Info("cache backend: memory (in-process)")

	case "none":
		a.log.Info("cache backend: disabled")

	default:
		return fmt.Errorf("unknown cache mode: %s", a.cfg.Cache.Mode)
	}

	a.prom = metrics.New()
	a.prom.SetBuildInfo(a.version)

	conn, err := metrics.DialClickHouse(ctx,
		a.cfg.ClickHouse.Addr, a.cfg.ClickHouse.Database,
		a.cfg.ClickHouse.Username, a.cfg.ClickHouse.Password,
	)
	if err != nil {
		a.log.Warn("clickhouse unavailable, metrics mirror disabled", slog.String("error", err.Error()))
	} else if conn != nil {
		a.log.Info("clickhouse metrics mirror connected")
	}
	a.recorder = metrics.NewRecorder(a.log, conn)

	if len(a.cfg.Shards.RedisURLs) > 0 {
		clients := make([]*redis.Client, 0, len(a.cfg.Shards.RedisURLs))
		for _, url := range a.cfg.Shards.RedisURLs {
			opts, err := redis.ParseURL(url)
			if err != nil {
				return fmt.Errorf("shard redis url: %w", err)
			}
			clients = append(clients, redis.NewClient(opts))
		}
		strategy := npCache.ShardStrategy(a.cfg.Shards.Strategy)
		if strategy == "" {
			strategy = npCache.ShardByTenant
		}
		shards, err := npCache.NewShardedCache(clients, strategy, a.log)
		if err != nil {
			return fmt.Errorf("sharded cache: %w", err)
		}
		a.shards = shards
		a.log.Info("sharded cache enabled", slog.Int("shards", len(clients)))
	}

	return nil
}

// initCore builds the dispatch-core stack (C2-C8) in the order the
// dispatcher depends on: rate limiter → cache → registry → selector →
// queue, deferring construction of the Dispatcher itself until all six
// are ready.
func (a *App) initCore(ctx context.Context) error {
	a.limiter = ratelimit.New(a.rdb, a.log)

	var coreCache npCache.Cache
	switch {
	case a.shards != nil:
		coreCache = a.shards
	case a.cfg.Cache.Mode == "redis" && a.rdb != nil:
		coreCache = npCache.NewExactCacheFromClient(a.rdb)
	case a.cfg.Cache.Mode == "memory":
		coreCache = a.memCache
	}

	a.cb = breaker.New(breaker.Config{
		ErrorThreshold:  a.cfg.CircuitBreaker.ErrorThreshold,
		TimeWindow:      a.cfg.CircuitBreaker.TimeWindow,
		HalfOpenTimeout: a.cfg.CircuitBreaker.HalfOpenTimeout,
	})

	a.reg = registry.New()
	a.sel = selector.New(a.reg, a.limiter, a.recorder, a.cb, selector.DefaultOptions(), a.log)

	names := make([]string, 0, len(a.provs))
	for name := range a.provs {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		genModel, embedModel := defaultModelsFor(name)
		backend := providers.NewBackend(name, providers.KindRemoteHTTPChat, a.provs[name], genModel, embedModel)
		a.reg.Register(name, backend, name == "openai")
		a.sel.SeedDefaultProfile(name)
	}

	if a.cfg.LocalFile.Path != "" {
		id := a.cfg.LocalFile.ID
		if id == "" {
			id = "localfile"
		}
		lf, err := localfile.New(id, a.cfg.LocalFile.Path, a.cfg.LocalFile.MaxConcurrent)
		if err != nil {
			return fmt.Errorf("localfile backend: %w", err)
		}
		a.reg.Register(id, lf, len(names) == 0)
		a.sel.SeedDefaultProfile(id)
	}

	if a.cfg.Proxy.BaseURL != "" {
		id := a.cfg.Proxy.ID
		if id == "" {
			id = "proxy"
		}
		pb := proxybackend.New(id, a.cfg.Proxy.BaseURL, a.cfg.Proxy.TargetHint, a.cfg.Proxy.Timeout)
		a.reg.Register(id, pb, false)
		a.sel.SeedDefaultProfile(id)
	}

	if a.reg.DefaultID() == "" {
		return fmt.Errorf("dispatch core: no backend registered")
	}

	a.q = queue.New(queue.Config{
		MaxConcurrent:    a.cfg.Queue.MaxConcurrent,
		DefaultExecTimeo: a.cfg.Queue.DefaultExecTimeout,
		StatsInterval:    a.cfg.Queue.StatsLogInterval,
	}, a.log)

	var exclusions *npCache.ExclusionList
	if len(a.cfg.Cache.ExcludeExact) > 0 || len(a.cfg.Cache.ExcludePatterns) > 0 {
		el, err := npCache.NewExclusionList(a.cfg.Cache.ExcludeExact, a.cfg.Cache.ExcludePatterns)
		if err != nil {
			return fmt.Errorf("cache exclusions: %w", err)
		}
		exclusions = el
		a.log.Info("cache exclusions loaded", slog.Int("rules", el.Len()))
	}

	dispCfg := dispatcher.Config{
		MaxBackendAttempts: a.cfg.Failover.MaxRetries,
		ProviderTimeout:    a.cfg.Failover.ProviderTimeout,
		CacheTTLGenerate:   a.cfg.Cache.TTL,
		CacheTTLEmbed:      a.cfg.Cache.TTL,
	}
	a.disp = dispatcher.New(a.reg, a.sel, a.q, coreCache, a.limiter, a.recorder, a.log, dispCfg, exclusions)

	return nil
}

// initHTTPServer builds the ambient HTTP server (health/readiness, CORS,
// Prometheus export) that the dispatch core's own routes mount onto.
func (a *App) initHTTPServer(_ context.Context) error {
	var cacheReady func() bool
	switch a.cfg.Cache.Mode {
	case "redis":
		cacheReady = redisPinger(a.baseCtx, a.rdb)
	case "memory":
		cacheReady = func() bool { return true }
	case "none":
		// nil probe — health checker reports cache as "ok" (not configured)
	}

	if a.rdb != nil && a.cfg.RateLimit.RPMLimit > 0 {
		a.log.Info("rate limiting enabled", slog.Int("rpm_limit", a.cfg.RateLimit.RPMLimit))
	}

	a.srv = httpserver.New(a.baseCtx, a.reg, cacheReady, httpserver.Options{
		Logger:      a.log,
		Metrics:     a.prom,
		CORSOrigins: a.cfg.CORSOrigins,
	})

	return nil
}

// redactURL replaces the userinfo portion of a URL with "***" for safe logging.
// e.g. "redis://:secret@localhost:6379" → "redis://***@localhost:6379"
func redactURL(raw string) string {
	for i, c := range raw {
		if c == '@' {
			// Find the scheme end ("://") and keep only scheme + "***" + @host.
			for j := i - 1; j >= 0; j-- {
				if j+2 < len(raw) && raw[j:j+3] == "://" {
					return raw[:j+3] + "***" + raw[i:]
				}
			}
			return "***" + raw[i:]
		}
	}
	return raw
}
