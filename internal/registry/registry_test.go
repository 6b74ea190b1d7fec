package registry_test

import (
	"testing"

	"github.com/nulpointcorp/modelgate/internal/registry"
)

func testModel(name string) registry.Model {
	return registry.Model{
		Name:     name,
		Provider: registry.ProviderOpenAI,
		Backends: []registry.Backend{
			{
				ID:       "b1",
				Provider: registry.ProviderOpenAI,
				ProviderConfig: registry.ProviderConfig{
					Kind:   registry.ProviderOpenAI,
					OpenAI: &registry.OpenAIConfig{URL: "https://api.openai.com", APIKey: "sk-test", HeaderStyle: registry.HeaderStyleBearer},
				},
				Weight:  1,
				Enabled: true,
			},
		},
		LoadBalancingStrategy: registry.StrategyWeighted,
	}
}

func TestRegistry_PutAndLoadModel(t *testing.T) {
	r := registry.New()

	if err := r.PutModel(testModel("gpt-4o")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	m, ok := r.Model("gpt-4o")
	if !ok {
		t.Fatal("expected model to be present after PutModel")
	}
	if len(m.Backends) != 1 {
		t.Fatalf("expected 1 backend, got %d", len(m.Backends))
	}
}

func TestRegistry_PutModelRejectsProviderMismatch(t *testing.T) {
	r := registry.New()
	bad := testModel("gpt-4o")
	bad.Provider = registry.ProviderAnthropic

	if err := r.PutModel(bad); err == nil {
		t.Fatal("expected an error when backend provider does not match model provider")
	}
}

func TestRegistry_PutModelRejectsDuplicateBackendIDs(t *testing.T) {
	r := registry.New()
	bad := testModel("gpt-4o")
	bad.Backends = append(bad.Backends, bad.Backends[0])

	if err := r.PutModel(bad); err == nil {
		t.Fatal("expected an error for duplicate backend ids")
	}
}

func TestRegistry_DeleteModel(t *testing.T) {
	r := registry.New()
	_ = r.PutModel(testModel("gpt-4o"))
	r.DeleteModel("gpt-4o")

	if _, ok := r.Model("gpt-4o"); ok {
		t.Fatal("expected model to be gone after DeleteModel")
	}
}

func TestRegistry_ConcurrentReadsSeeConsistentSnapshots(t *testing.T) {
	r := registry.New()
	_ = r.PutModel(testModel("gpt-4o"))

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 100; i++ {
			m, ok := r.Model("gpt-4o")
			if ok && len(m.Backends) != 1 {
				t.Errorf("reader observed a torn snapshot: %d backends", len(m.Backends))
			}
		}
	}()

	for i := 0; i < 100; i++ {
		_ = r.PutModel(testModel("gpt-4o"))
	}
	<-done
}

func TestApiKey_AllowsModel(t *testing.T) {
	k := registry.ApiKey{Key: "k1", Models: []string{"gpt-4o", "claude-3-5-sonnet"}}
	if !k.AllowsModel("gpt-4o") {
		t.Error("expected gpt-4o to be allowed")
	}
	if k.AllowsModel("gpt-4-turbo") {
		t.Error("expected gpt-4-turbo to be disallowed")
	}
}
