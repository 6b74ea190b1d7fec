// Package app wires up all subsystems and owns the application lifecycle.
//
// Startup order:
//  1. initInfra     — optional Redis connection, Config Registry source
//  2. initServices  — affinity store, active-request store, metrics store,
//     request logger, Prometheus registry
//  3. initGateway   — limiter, load balancer, auth, dispatcher, admin API,
//     health checker, HTTP server
package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/valyala/fasthttp"
	"golang.org/x/sync/errgroup"

	"github.com/nulpointcorp/modelgate/internal/activestore"
	"github.com/nulpointcorp/modelgate/internal/admin"
	"github.com/nulpointcorp/modelgate/internal/affinity"
	"github.com/nulpointcorp/modelgate/internal/config"
	"github.com/nulpointcorp/modelgate/internal/dispatcher"
	"github.com/nulpointcorp/modelgate/internal/health"
	"github.com/nulpointcorp/modelgate/internal/logger"
	"github.com/nulpointcorp/modelgate/internal/metrics"
	"github.com/nulpointcorp/modelgate/internal/metricsstore"
	"github.com/nulpointcorp/modelgate/internal/providers"
	"github.com/nulpointcorp/modelgate/internal/providers/factory"
	"github.com/nulpointcorp/modelgate/internal/registry"
)

// App owns all long-lived resources and exposes Run / Close.
type App struct {
	version string
	cfg     *config.Config
	baseCtx context.Context
	log     *slog.Logger

	// Optional external connections — nil when not configured.
	rdb *redis.Client

	source      registry.Source
	reg         *registry.Registry
	watcher     *registry.Watcher
	watchCancel context.CancelFunc

	affinityStore affinity.Store
	activeStore   activestore.Store

	metricsStore metricsstore.Collector
	reqLogger    *logger.Logger
	prom         *metrics.Registry
	healthChk    *health.Checker

	dispatcher *dispatcher.Dispatcher
	adminSrv   *admin.Server

	srv *fasthttp.Server
}

// New initialises all subsystems and returns a ready-to-run App.
func New(ctx context.Context, cfg *config.Config, log *slog.Logger, version string) (*App, error) {
	if ctx == nil {
		return nil, fmt.Errorf("app: context must not be nil")
	}

	a := &App{cfg: cfg, version: version, baseCtx: ctx, log: log}

	steps := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"infra", a.initInfra},
		{"services", a.initServices},
		{"gateway", a.initGateway},
	}

	for _, s := range steps {
		if err := s.fn(ctx); err != nil {
			a.Close()
			return nil, fmt.Errorf("app: init %s: %w", s.name, err)
		}
	}

	return a, nil
}

// Run starts the HTTP server and blocks until ctx is cancelled or an error
// occurs. It closes the app gracefully when returning.
func (a *App) Run(ctx context.Context) error {
	a.log.Info("starting gateway",
		slog.String("version", a.version),
		slog.String("addr", a.cfg.Addr()),
		slog.String("instance_id", a.cfg.InstanceID),
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return a.srv.ListenAndServe(a.cfg.Addr())
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = a.srv.ShutdownWithContext(shutdownCtx)
		a.Close()
		return nil
	})

	return g.Wait()
}

// Close releases all resources in reverse-init order. Safe to call multiple
// times.
func (a *App) Close() {
	if a.watchCancel != nil {
		a.watchCancel()
		a.watchCancel = nil
	}
	if a.healthChk != nil {
		a.healthChk.Close()
		a.healthChk = nil
	}
	if a.metricsStore != nil {
		if err := a.metricsStore.Close(); err != nil {
			a.log.Error("metrics store close error", slog.String("error", err.Error()))
		}
		a.metricsStore = nil
	}
	if a.reqLogger != nil {
		if err := a.reqLogger.Close(); err != nil {
			a.log.Error("logger close error", slog.String("error", err.Error()))
		}
		a.reqLogger = nil
	}
	if a.activeStore != nil {
		// Release every slot this instance still owns before closing.
		if n, err := a.activeStore.Cleanup(context.Background(), a.cfg.InstanceID); err != nil {
			a.log.Error("active store cleanup error", slog.String("error", err.Error()))
		} else {
			a.log.Info("active store cleanup", slog.Int("removed", n))
		}
		if err := a.activeStore.Close(); err != nil {
			a.log.Error("active store close error", slog.String("error", err.Error()))
		}
		a.activeStore = nil
	}
	if a.rdb != nil {
		if err := a.rdb.Close(); err != nil {
			a.log.Error("redis close error", slog.String("error", err.Error()))
		}
		a.rdb = nil
	}
}

// connectRedis parses the URL and verifies connectivity with a PING.
func connectRedis(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}

	rdb := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}

	return rdb, nil
}

// redisPinger returns a zero-argument probe function suitable for the
// health Checker. Reuses the existing client — no new connections.
func redisPinger(ctx context.Context, rdb *redis.Client) func() bool {
	return func() bool {
		pingCtx, cancel := context.WithTimeout(ctx, time.Second)
		defer cancel()
		return rdb.Ping(pingCtx).Err() == nil
	}
}

// redactURL replaces the userinfo portion of a URL with "***" for safe logging.
func redactURL(raw string) string {
	for i, c := range raw {
		if c == '@' {
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

// providerForBackend is the health.ProviderFor adapter: it reuses the same
// factory the dispatcher uses so a health probe exercises the exact client
// construction path a real request would.
func providerForBackend(ctx context.Context, backend registry.Backend) (providers.Provider, error) {
	return factory.Build(ctx, backend.ProviderConfig)
}
