package app

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/fasthttp/router"
	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/modelgate/internal/activestore"
	"github.com/nulpointcorp/modelgate/internal/admin"
	"github.com/nulpointcorp/modelgate/internal/affinity"
	"github.com/nulpointcorp/modelgate/internal/auth"
	"github.com/nulpointcorp/modelgate/internal/dispatcher"
	"github.com/nulpointcorp/modelgate/internal/health"
	"github.com/nulpointcorp/modelgate/internal/limiter"
	"github.com/nulpointcorp/modelgate/internal/loadbalancer"
	"github.com/nulpointcorp/modelgate/internal/logger"
	"github.com/nulpointcorp/modelgate/internal/metrics"
	"github.com/nulpointcorp/modelgate/internal/metricsstore"
	"github.com/nulpointcorp/modelgate/internal/proxy"
	"github.com/nulpointcorp/modelgate/internal/registry"
)

// initInfra establishes the optional Redis connection and the Config
// Registry source. REDIS_URL unset falls back to an in-process
// single-instance Source — valid only when running one replica.
func (a *App) initInfra(ctx context.Context) error {
	if a.cfg.RedisURL != "" {
		a.log.Info("connecting to redis", slog.String("url", redactURL(a.cfg.RedisURL)))
		rdb, err := connectRedis(ctx, a.cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		a.rdb = rdb
		a.log.Info("redis connected")
		a.source = registry.NewRedisSource(rdb)
	} else {
		a.log.Warn("REDIS_URL not set — using in-process Config Registry source, single instance only")
		a.source = registry.NewMemorySource()
	}

	a.reg = registry.New()
	a.watcher = registry.NewWatcher(a.source, a.reg, a.log)
	if err := a.watcher.Reload(ctx); err != nil {
		return fmt.Errorf("initial registry load: %w", err)
	}

	watchCtx, cancel := context.WithCancel(a.baseCtx)
	a.watchCancel = cancel
	go func() {
		if err := a.watcher.Run(watchCtx); err != nil && watchCtx.Err() == nil {
			a.log.Error("registry watcher stopped", slog.String("error", err.Error()))
		}
	}()

	return nil
}

// initServices builds the affinity store, active-request store, metrics
// store, request logger, and Prometheus registry.
func (a *App) initServices(ctx context.Context) error {
	if a.rdb != nil {
		a.affinityStore = affinity.NewRedisStore(a.rdb)
		a.activeStore = activestore.NewRedisStore(a.rdb)
		a.log.Info("affinity manager and active-request store backed by redis")
	} else {
		a.affinityStore = affinity.NewMemoryStore()
		a.activeStore = activestore.NewMemoryStore()
		a.log.Info("affinity manager and active-request store are in-process")
	}

	var metricsStore metricsstore.Collector
	if a.cfg.EnableMetrics {
		ms, err := metricsstore.New(ctx, a.cfg.ClickhouseDSN, a.cfg.MetricsRetentionMinutes, a.log)
		if err != nil {
			return fmt.Errorf("metrics store: %w", err)
		}
		metricsStore = ms
		if a.cfg.ClickhouseDSN != "" {
			a.log.Info("metrics store: in-memory ring + clickhouse history")
		} else {
			a.log.Info("metrics store: in-memory ring only")
		}
	} else {
		metricsStore = metricsstore.NoopCollector{}
		a.log.Info("metrics store disabled — lowest-ttft and min-error-rate strategies will error")
	}
	a.metricsStore = metricsStore

	reqLogger, err := logger.New(ctx, a.log)
	if err != nil {
		return fmt.Errorf("request logger: %w", err)
	}
	a.reqLogger = reqLogger

	a.prom = metrics.New()
	a.prom.SetBuildInfo(a.version)

	return nil
}

// initGateway wires the limiter, load balancer, auth, dispatcher, admin API,
// health checker, and the
// HTTP server that serves all of them behind the standard middleware chain.
func (a *App) initGateway(ctx context.Context) error {
	aff := affinity.New(a.affinityStore)
	lim := limiter.New(a.activeStore, a.cfg.InstanceID, a.log)
	bal := loadbalancer.New(a.metricsStore)
	callerAuth := auth.NewCallerAuth(a.reg)
	adminAuth := auth.NewAdminAuth(a.cfg.AdminAPIKeys)
	if a.cfg.AdminAPIKeys == "" {
		a.log.Warn("ADMIN_APIKEYS not set — admin API authentication is disabled")
	}

	disp := dispatcher.New(a.reg, aff, bal, lim, a.metricsStore, callerAuth, a.cfg.InstanceID, a.log)
	disp.SetRequestLogger(a.reqLogger)
	a.dispatcher = disp

	a.adminSrv = admin.New(a.reg, a.source, aff, lim, a.metricsStore, adminAuth)

	var redisReady func() bool
	if a.rdb != nil {
		redisReady = redisPinger(a.baseCtx, a.rdb)
	}
	a.healthChk = health.New(a.baseCtx, a.reg, providerForBackend, redisReady, nil)

	r := router.New()
	disp.RegisterRoutes(r)
	a.adminSrv.RegisterRoutes(r)
	r.GET("/metrics", a.prom.Handler())
	r.GET("/health", func(rc *fasthttp.RequestCtx) {
		writeJSON(rc, a.healthChk.Snapshot())
	})
	r.GET("/readiness", func(rc *fasthttp.RequestCtx) {
		if !a.healthChk.ReadinessOK() {
			rc.SetStatusCode(fasthttp.StatusServiceUnavailable)
			writeJSON(rc, map[string]string{"status": "unavailable"})
			return
		}
		writeJSON(rc, map[string]string{"status": "ok"})
	})

	handler := proxy.WrapHandler(r.Handler, a.cfg.CORSOrigins)

	a.srv = &fasthttp.Server{
		Handler:      handler,
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 60 * time.Second,
	}

	return nil
}

func writeJSON(ctx *fasthttp.RequestCtx, v any) {
	ctx.SetContentType("application/json")
	body, _ := json.Marshal(v)
	ctx.SetBody(body)
}
