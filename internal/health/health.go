// Package health runs background readiness probes against the backends
// currently in the Config Registry and the optional Redis/ClickHouse
// dependencies, and serves a snapshot for /health and /readiness.
package health

import (
	"context"
	"sync"
	"time"

	"github.com/nulpointcorp/modelgate/internal/providers"
	"github.com/nulpointcorp/modelgate/internal/registry"
)

const probeInterval = 30 * time.Second
const probeTimeout = 5 * time.Second

type componentStatus struct {
	mu     sync.RWMutex
	status string // "ok" | "degraded" | "down" | "unknown"
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

// ProviderFor resolves the Provider for a backend, using the same
// factory the dispatcher uses, so health probes exercise the exact client
// construction path a real request would.
type ProviderFor func(ctx context.Context, backend registry.Backend) (providers.Provider, error)

// Checker runs periodic probes and exposes the latest results.
type Checker struct {
	reg         *registry.Registry
	providerFor ProviderFor
	redisReady  func() bool
	chReady     func() bool
	baseCtx     context.Context

	backendStatus sync.Map // backendID -> *componentStatus
	redisStatus   componentStatus
	chStatus      componentStatus

	startTime time.Time
	done      chan struct{}
	wg        sync.WaitGroup
}

// New creates a Checker and immediately runs one synchronous probe, then
// starts the background loop. redisReady/chReady may be nil when that
// dependency is not configured — a nil probe always reports "ok".
func New(ctx context.Context, reg *registry.Registry, providerFor ProviderFor, redisReady, chReady func() bool) *Checker {
	c := &Checker{
		reg:         reg,
		providerFor: providerFor,
		redisReady:  redisReady,
		chReady:     chReady,
		baseCtx:     ctx,
		startTime:   time.Now(),
		done:        make(chan struct{}),
	}
	c.probe()
	c.wg.Add(1)
	go c.run()
	return c
}

// Snapshot is the JSON body served at /health.
type Snapshot struct {
	Status        string            `json:"status"`
	UptimeSeconds int64             `json:"uptimeSeconds"`
	Backends      map[string]string `json:"backends"`
	Redis         string            `json:"redis"`
	Clickhouse    string            `json:"clickhouse"`
}

// Snapshot builds a snapshot from the latest probe results.
func (c *Checker) Snapshot() Snapshot {
	overall := "ok"
	backends := make(map[string]string)
	c.backendStatus.Range(func(k, v any) bool {
		st := v.(*componentStatus).get()
		backends[k.(string)] = st
		if st != "ok" {
			overall = "degraded"
		}
		return true
	})

	redisSt := c.redisStatus.get()
	chSt := c.chStatus.get()
	if redisSt == "down" {
		overall = "degraded"
	}

	return Snapshot{
		Status:        overall,
		UptimeSeconds: int64(time.Since(c.startTime).Seconds()),
		Backends:      backends,
		Redis:         redisSt,
		Clickhouse:    chSt,
	}
}

// ReadinessOK reports whether the process is ready to serve traffic:
// Redis (when configured) must be reachable, since the Active-Request Store
// and Affinity Manager depend on it for correctness across instances.
func (c *Checker) ReadinessOK() bool {
	return c.redisStatus.get() != "down"
}

// Close stops the background probe loop.
func (c *Checker) Close() {
	close(c.done)
	c.wg.Wait()
}

func (c *Checker) run() {
	defer c.wg.Done()
	ticker := time.NewTicker(probeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.probe()
		case <-c.done:
			return
		}
	}
}

func (c *Checker) probe() {
	ctx, cancel := context.WithTimeout(c.baseCtx, probeTimeout)
	defer cancel()

	var wg sync.WaitGroup

	snap := c.reg.Load()
	for _, model := range snap.Models {
		for _, backend := range model.Backends {
			backend := backend
			wg.Add(1)
			go func() {
				defer wg.Done()
				st, _ := c.backendStatus.LoadOrStore(backend.ID, &componentStatus{status: "unknown"})
				status := st.(*componentStatus)

				p, err := c.providerFor(ctx, backend)
				if err != nil {
					status.set("degraded")
					return
				}
				if err := p.HealthCheck(ctx); err != nil {
					status.set("degraded")
					return
				}
				status.set("ok")
			}()
		}
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		if c.redisReady == nil || c.redisReady() {
			c.redisStatus.set("ok")
		} else {
			c.redisStatus.set("down")
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if c.chReady == nil || c.chReady() {
			c.chStatus.set("ok")
		} else {
			c.chStatus.set("down")
		}
	}()

	wg.Wait()
}
