// Package loadbalancer selects a backend among a model's eligible set,
// implementing the three strategies a Model can be configured with:
// weighted random, lowest-TTFT, and minimum-error-rate with rate-based
// circuit breaking.
package loadbalancer

import (
	"context"
	"crypto/rand"
	"fmt"
	"math/big"
	"time"

	"github.com/nulpointcorp/modelgate/internal/metricsstore"
	"github.com/nulpointcorp/modelgate/internal/registry"
)

// ErrMetricsRequired is returned when lowest-ttft or min-error-rate is
// selected for a model but the Metrics Store is disabled.
var ErrMetricsRequired = fmt.Errorf("loadbalancer: this strategy requires metrics to be enabled")

// ErrNoEligibleBackends is returned when a model has no enabled,
// positive-weight backend to choose from.
var ErrNoEligibleBackends = fmt.Errorf("loadbalancer: no eligible backends")

// Decision records which backend was picked and why, for logging and the
// admin stats surface.
type Decision struct {
	Backend     registry.Backend
	Strategy    registry.LoadBalancingStrategy
	Degraded    bool   // true when min-error-rate fell back to plain weighted selection
	Explanation string
}

// Balancer chooses a backend from a model's eligible set.
type Balancer struct {
	metrics metricsstore.Collector
}

// New wraps metrics, which may be a metricsstore.NoopCollector.
func New(metrics metricsstore.Collector) *Balancer {
	return &Balancer{metrics: metrics}
}

// Select picks a backend for model, excluding any backend whose ID is in
// exclude (already-attempted candidates within the same request). isStream
// selects which TTFT figure the lowest-ttft strategy compares on.
func (b *Balancer) Select(ctx context.Context, model registry.Model, exclude map[string]bool, isStream bool) (Decision, error) {
	eligible := filterExcluded(model.EligibleBackends(), exclude)
	if len(eligible) == 0 {
		return Decision{}, ErrNoEligibleBackends
	}

	switch model.LoadBalancingStrategy {
	case registry.StrategyWeighted:
		backend, err := weightedPick(eligible)
		if err != nil {
			return Decision{}, err
		}
		return Decision{Backend: backend, Strategy: registry.StrategyWeighted, Explanation: "weighted random"}, nil

	case registry.StrategyLowestTTFT:
		return b.selectLowestTTFT(ctx, eligible, isStream)

	case registry.StrategyMinErrorRate:
		return b.selectMinErrorRate(ctx, model, eligible)

	default:
		return Decision{}, fmt.Errorf("loadbalancer: unknown strategy %q", model.LoadBalancingStrategy)
	}
}

func filterExcluded(backends []registry.Backend, exclude map[string]bool) []registry.Backend {
	if len(exclude) == 0 {
		return backends
	}
	out := make([]registry.Backend, 0, len(backends))
	for _, be := range backends {
		if !exclude[be.ID] {
			out = append(out, be)
		}
	}
	return out
}

// weightedPick draws a backend with probability proportional to its
// configured Weight, using a CSPRNG so selection can't be predicted by a
// caller racing the balancer.
func weightedPick(backends []registry.Backend) (registry.Backend, error) {
	return weightedDraw(backends, func(b registry.Backend) float64 { return float64(b.Weight) })
}

// weightedDraw performs a weighted random draw over backends using weightOf
// as the (non-negative) weight function. Backends with a non-positive weight
// are excluded from the draw.
func weightedDraw(backends []registry.Backend, weightOf func(registry.Backend) float64) (registry.Backend, error) {
	total := 0.0
	for _, be := range backends {
		if w := weightOf(be); w > 0 {
			total += w
		}
	}
	if total <= 0 {
		return registry.Backend{}, ErrNoEligibleBackends
	}

	const precision = 1_000_000
	n, err := rand.Int(rand.Reader, big.NewInt(int64(total*precision)))
	if err != nil {
		return registry.Backend{}, fmt.Errorf("loadbalancer: rng: %w", err)
	}
	target := float64(n.Int64()) / precision

	cursor := 0.0
	for _, be := range backends {
		w := weightOf(be)
		if w <= 0 {
			continue
		}
		cursor += w
		if target < cursor {
			return be, nil
		}
	}
	return backends[len(backends)-1], nil
}

const ttftWindow = 15 * time.Minute

// coldStartTTFTMs is assigned to a backend with zero samples when no
// eligible backend has data at all.
const coldStartTTFTMs = 1000.0

func (b *Balancer) selectLowestTTFT(ctx context.Context, backends []registry.Backend, isStream bool) (Decision, error) {
	if !b.metrics.Enabled() {
		return Decision{}, ErrMetricsRequired
	}

	window := metricsstore.Last(ttftWindow)
	allStats, err := b.metrics.GetAllStats(ctx, window)
	if err != nil {
		return Decision{}, fmt.Errorf("loadbalancer: lowest-ttft: %w", err)
	}

	ttftOf := func(s metricsstore.Stats) float64 {
		if isStream {
			return s.AverageStreamingTTFMs
		}
		return s.AverageNonStreamTTFMs
	}

	ttft := make(map[string]float64, len(backends))
	sum, count := 0.0, 0
	for _, be := range backends {
		stats, ok := allStats[be.ID]
		// A zero mean means no TTFT samples for this stream mode (only
		// positive TTFTs are recorded), so the backend takes the cold-start value.
		if !ok || stats.TotalRequests == 0 || ttftOf(stats) == 0 {
			continue
		}
		ttft[be.ID] = ttftOf(stats)
		sum += ttftOf(stats)
		count++
	}

	coldStartValue := coldStartTTFTMs
	if count > 0 {
		coldStartValue = sum / float64(count)
	}

	var best registry.Backend
	bestTTFT := -1.0
	for _, be := range backends {
		v, ok := ttft[be.ID]
		if !ok {
			v = coldStartValue
		}
		if bestTTFT < 0 || v < bestTTFT {
			bestTTFT = v
			best = be
		}
	}

	return Decision{
		Backend:     best,
		Strategy:    registry.StrategyLowestTTFT,
		Explanation: fmt.Sprintf("lowest-ttft: %.1fms", bestTTFT),
	}, nil
}

func (b *Balancer) selectMinErrorRate(ctx context.Context, model registry.Model, backends []registry.Backend) (Decision, error) {
	if !b.metrics.Enabled() {
		return Decision{}, ErrMetricsRequired
	}
	opts := model.MinErrorRateOpts()
	window := metricsstore.Last(time.Duration(opts.TimeWindowMinutes) * time.Minute)

	allStats, err := b.metrics.GetAllStats(ctx, window)
	if err != nil {
		return Decision{}, fmt.Errorf("loadbalancer: min-error-rate: %w", err)
	}

	survivors := make([]registry.Backend, 0, len(backends))
	for _, be := range backends {
		stats, ok := allStats[be.ID]
		if ok && stats.TotalRequests >= opts.MinRequests && stats.ErrorRate() > opts.CircuitBreakerThreshold {
			continue // circuit-broken: excluded from this selection
		}
		survivors = append(survivors, be)
	}

	if len(survivors) == 0 {
		// Every eligible backend is circuit-broken: degrade to plain weighted
		// selection over the original eligible set.
		backend, err := weightedPick(backends)
		if err != nil {
			return Decision{}, err
		}
		return Decision{
			Backend:     backend,
			Strategy:    registry.StrategyMinErrorRate,
			Degraded:    true,
			Explanation: "min-error-rate: all backends circuit-broken, degraded to weighted",
		}, nil
	}

	sumRate, sampled := 0.0, 0
	for _, be := range survivors {
		if stats, ok := allStats[be.ID]; ok && stats.TotalRequests >= opts.MinRequests {
			sumRate += stats.ErrorRate()
			sampled++
		}
	}
	fallbackRate := 0.1
	if sampled > 0 {
		fallbackRate = sumRate / float64(sampled)
	}

	backend, err := weightedDraw(survivors, func(be registry.Backend) float64 {
		effectiveErrorRate := fallbackRate
		if stats, ok := allStats[be.ID]; ok && stats.TotalRequests >= opts.MinRequests {
			effectiveErrorRate = stats.ErrorRate()
		}
		return float64(be.Weight) / (effectiveErrorRate + opts.Epsilon)
	})
	if err != nil {
		return Decision{}, err
	}
	return Decision{
		Backend:     backend,
		Strategy:    registry.StrategyMinErrorRate,
		Explanation: "min-error-rate: weighted by inverse error rate",
	}, nil
}
