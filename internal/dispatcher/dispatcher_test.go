package dispatcher_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/nulpointcorp/modelgate/internal/affinity"
	"github.com/nulpointcorp/modelgate/internal/auth"
	"github.com/nulpointcorp/modelgate/internal/dispatcher"
	"github.com/nulpointcorp/modelgate/internal/limiter"
	"github.com/nulpointcorp/modelgate/internal/loadbalancer"
	"github.com/nulpointcorp/modelgate/internal/metricsstore"
	"github.com/nulpointcorp/modelgate/internal/providers"
	"github.com/nulpointcorp/modelgate/internal/registry"
)

func openAIBackend(id string, weight int, enabled bool) registry.Backend {
	return registry.Backend{
		ID:       id,
		Provider: registry.ProviderOpenAI,
		ProviderConfig: registry.ProviderConfig{
			Kind: registry.ProviderOpenAI,
			OpenAI: &registry.OpenAIConfig{
				URL:    "https://api.openai.test/v1",
				APIKey: "sk-test",
			},
		},
		Weight:                weight,
		Enabled:               enabled,
		MaxConcurrentRequests: 10,
	}
}

func testRegistry(t *testing.T, model registry.Model, key registry.ApiKey) *registry.Registry {
	t.Helper()
	reg := registry.New()
	if err := reg.PutModel(model); err != nil {
		t.Fatalf("PutModel: %v", err)
	}
	reg.PutApiKey(key)
	return reg
}

func noopLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// stubProvider is a fully scripted fake upstream, keyed by backend id through
// the fake factory below.
type stubProvider struct {
	name  string
	err   error
	resp  *providers.ProxyResponse
	delay time.Duration
}

func (p *stubProvider) Name() string { return p.name }

func (p *stubProvider) Request(ctx context.Context, req *providers.ProxyRequest) (*providers.ProxyResponse, error) {
	if p.delay > 0 {
		select {
		case <-time.After(p.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if p.err != nil {
		return nil, p.err
	}
	return p.resp, nil
}

func (p *stubProvider) HealthCheck(ctx context.Context) error { return nil }

func newDispatcher(t *testing.T, reg *registry.Registry, byBackend map[string]*stubProvider) *dispatcher.Dispatcher {
	t.Helper()

	bal := loadbalancer.New(metricsstore.NoopCollector{})
	lim := limiter.New(nil, "test-instance", noopLogger())
	aff := affinity.New(affinity.NewMemoryStore())
	callerAuth := auth.NewCallerAuth(reg)

	d := dispatcher.New(reg, aff, bal, lim, metricsstore.NoopCollector{}, callerAuth, "test-instance", noopLogger())
	d.SetProviderFactory(func(ctx context.Context, cfg registry.ProviderConfig) (providers.Provider, error) {
		for id, p := range byBackend {
			if cfg.OpenAI != nil && cfg.OpenAI.APIKey == "sk-test" && p.name == id {
				return p, nil
			}
		}
		return nil, errors.New("no stub registered for this backend config")
	})
	return d
}

func TestDispatch_SuccessReturnsUpstreamContent(t *testing.T) {
	model := registry.Model{
		Name:                  "gpt-4o",
		Provider:              registry.ProviderOpenAI,
		Backends:              []registry.Backend{openAIBackend("primary", 100, true)},
		LoadBalancingStrategy: registry.StrategyWeighted,
	}
	key := registry.ApiKey{Key: "tok", Models: []string{"gpt-4o"}}
	reg := testRegistry(t, model, key)

	primary := &stubProvider{name: "primary", resp: &providers.ProxyResponse{
		ID: "resp-1", Model: "gpt-4o", Content: "hello",
	}}
	d := newDispatcher(t, reg, map[string]*stubProvider{"primary": primary})

	outcome := d.Dispatch(context.Background(), dispatcher.Request{
		RawBody:      []byte(`{"model":"gpt-4o"}`),
		BearerToken:  "tok",
		RequestStart: time.Now(),
	})

	if outcome.StatusCode != 200 {
		t.Fatalf("expected 200, got %d (%s/%s)", outcome.StatusCode, outcome.ErrType, outcome.ErrMessage)
	}
	if outcome.BackendID != "primary" {
		t.Fatalf("expected backend 'primary', got %q", outcome.BackendID)
	}
}

func TestDispatch_UnknownModelIsNoBackend(t *testing.T) {
	model := registry.Model{
		Name:                  "gpt-4o",
		Provider:              registry.ProviderOpenAI,
		Backends:              []registry.Backend{openAIBackend("primary", 100, true)},
		LoadBalancingStrategy: registry.StrategyWeighted,
	}
	key := registry.ApiKey{Key: "tok", Models: []string{"gpt-4o"}}
	reg := testRegistry(t, model, key)
	d := newDispatcher(t, reg, map[string]*stubProvider{})

	outcome := d.Dispatch(context.Background(), dispatcher.Request{
		RawBody:      []byte(`{"model":"does-not-exist"}`),
		BearerToken:  "tok",
		RequestStart: time.Now(),
	})

	if outcome.StatusCode != 503 || outcome.ErrCode != "no_backend" {
		t.Fatalf("expected 503/no_backend, got %d/%s", outcome.StatusCode, outcome.ErrCode)
	}
}

func TestDispatch_MissingModelFieldIsBadRequest(t *testing.T) {
	reg := registry.New()
	d := newDispatcher(t, reg, map[string]*stubProvider{})

	outcome := d.Dispatch(context.Background(), dispatcher.Request{
		RawBody:      []byte(`{}`),
		RequestStart: time.Now(),
	})

	if outcome.StatusCode != 400 || outcome.ErrCode != "model_required" {
		t.Fatalf("expected 400/model_required, got %d/%s", outcome.StatusCode, outcome.ErrCode)
	}
}

func TestDispatch_UnknownApiKeyIsUnauthorized(t *testing.T) {
	model := registry.Model{
		Name:                  "gpt-4o",
		Provider:              registry.ProviderOpenAI,
		Backends:              []registry.Backend{openAIBackend("primary", 100, true)},
		LoadBalancingStrategy: registry.StrategyWeighted,
	}
	reg := testRegistry(t, model, registry.ApiKey{Key: "other", Models: []string{"gpt-4o"}})
	d := newDispatcher(t, reg, map[string]*stubProvider{})

	outcome := d.Dispatch(context.Background(), dispatcher.Request{
		RawBody:      []byte(`{"model":"gpt-4o"}`),
		BearerToken:  "nonexistent",
		RequestStart: time.Now(),
	})

	if outcome.StatusCode != 401 {
		t.Fatalf("expected 401, got %d", outcome.StatusCode)
	}
}

func TestDispatch_ModelNotAllowedForKeyIsForbidden(t *testing.T) {
	model := registry.Model{
		Name:                  "gpt-4o",
		Provider:              registry.ProviderOpenAI,
		Backends:              []registry.Backend{openAIBackend("primary", 100, true)},
		LoadBalancingStrategy: registry.StrategyWeighted,
	}
	reg := testRegistry(t, model, registry.ApiKey{Key: "tok", Models: []string{"other-model"}})
	d := newDispatcher(t, reg, map[string]*stubProvider{})

	outcome := d.Dispatch(context.Background(), dispatcher.Request{
		RawBody:      []byte(`{"model":"gpt-4o"}`),
		BearerToken:  "tok",
		RequestStart: time.Now(),
	})

	if outcome.StatusCode != 403 || outcome.ErrCode != "model_not_allowed" {
		t.Fatalf("expected 403/model_not_allowed, got %d/%s", outcome.StatusCode, outcome.ErrCode)
	}
}

func TestDispatch_FailsOverToNextBackendOnUpstreamError(t *testing.T) {
	model := registry.Model{
		Name:     "gpt-4o",
		Provider: registry.ProviderOpenAI,
		Backends: []registry.Backend{
			openAIBackend("flaky", 100, true),
			openAIBackend("healthy", 100, true),
		},
		LoadBalancingStrategy: registry.StrategyWeighted,
	}
	reg := testRegistry(t, model, registry.ApiKey{Key: "tok", Models: []string{"gpt-4o"}})

	flaky := &stubProvider{name: "flaky", err: errors.New("boom")}
	healthy := &stubProvider{name: "healthy", resp: &providers.ProxyResponse{ID: "r2", Model: "gpt-4o", Content: "ok"}}
	d := newDispatcher(t, reg, map[string]*stubProvider{"flaky": flaky, "healthy": healthy})

	// Force the first candidate so the fallback path is deterministic.
	outcome := d.Dispatch(context.Background(), dispatcher.Request{
		RawBody:      []byte(`{"model":"gpt-4o"}`),
		BearerToken:  "tok",
		ForceBackend: "flaky",
		RequestStart: time.Now(),
	})

	if outcome.StatusCode != 200 {
		t.Fatalf("expected fallback to succeed with 200, got %d (%s)", outcome.StatusCode, outcome.ErrMessage)
	}
	if outcome.BackendID != "healthy" {
		t.Fatalf("expected fallback to land on 'healthy', got %q", outcome.BackendID)
	}
}

func TestDispatch_ForcedDisabledBackendIsRejected(t *testing.T) {
	model := registry.Model{
		Name:                  "gpt-4o",
		Provider:              registry.ProviderOpenAI,
		Backends:              []registry.Backend{openAIBackend("disabled", 100, false)},
		LoadBalancingStrategy: registry.StrategyWeighted,
	}
	reg := testRegistry(t, model, registry.ApiKey{Key: "tok", Models: []string{"gpt-4o"}})
	d := newDispatcher(t, reg, map[string]*stubProvider{})

	outcome := d.Dispatch(context.Background(), dispatcher.Request{
		RawBody:      []byte(`{"model":"gpt-4o"}`),
		BearerToken:  "tok",
		ForceBackend: "disabled",
		RequestStart: time.Now(),
	})

	if outcome.StatusCode != 400 || outcome.ErrCode != "backend_disabled" {
		t.Fatalf("expected 400/backend_disabled, got %d/%s", outcome.StatusCode, outcome.ErrCode)
	}
}

func TestDispatch_AllBackendsAtCapacityIsRateLimited(t *testing.T) {
	model := registry.Model{
		Name:                  "gpt-4o",
		Provider:              registry.ProviderOpenAI,
		Backends:              []registry.Backend{openAIBackend("primary", 100, true)},
		LoadBalancingStrategy: registry.StrategyWeighted,
	}
	model.Backends[0].MaxConcurrentRequests = 0
	reg := testRegistry(t, model, registry.ApiKey{Key: "tok", Models: []string{"gpt-4o"}})

	primary := &stubProvider{name: "primary", resp: &providers.ProxyResponse{ID: "r", Model: "gpt-4o", Content: "x"}}
	d := newDispatcher(t, reg, map[string]*stubProvider{"primary": primary})
	d.SetLimiterForTest(alwaysDenyLimiter(t))

	outcome := d.Dispatch(context.Background(), dispatcher.Request{
		RawBody:      []byte(`{"model":"gpt-4o"}`),
		BearerToken:  "tok",
		RequestStart: time.Now(),
	})

	if outcome.StatusCode != 429 || outcome.ErrCode != "all_backends_at_capacity" {
		t.Fatalf("expected 429/all_backends_at_capacity, got %d/%s", outcome.StatusCode, outcome.ErrCode)
	}
}

func alwaysDenyLimiter(t *testing.T) *limiter.Limiter {
	t.Helper()
	return limiter.New(denyStore{}, "test-instance", noopLogger())
}

// denyStore implements activestore.Store, always refusing to acquire.
type denyStore struct{}

func (denyStore) TryRecordStart(ctx context.Context, backendID, requestID, instanceID string, maxLimit int) (bool, error) {
	return false, nil
}
func (denyStore) RecordStart(ctx context.Context, backendID, requestID, instanceID string) error {
	return nil
}
func (denyStore) RecordComplete(ctx context.Context, backendID, requestID string) error { return nil }
func (denyStore) GetCount(ctx context.Context, backendID string) (int, error)           { return 0, nil }
func (denyStore) GetAllCounts(ctx context.Context) (map[string]int, error)              { return nil, nil }
func (denyStore) Cleanup(ctx context.Context, instanceID string) (int, error)           { return 0, nil }
func (denyStore) Close() error                                                          { return nil }
