// Package registry holds the model → backend routing configuration as an
// in-memory snapshot behind an atomic pointer, reconciled from a persistent
// Redis-backed document source via pub/sub change notifications.
package registry

import (
	"fmt"
	"net/url"
	"time"
)

// ProviderKind is the discriminant of ProviderConfig.
type ProviderKind string

const (
	ProviderOpenAI    ProviderKind = "openai"
	ProviderBedrock   ProviderKind = "bedrock"
	ProviderAnthropic ProviderKind = "anthropic"
	ProviderGemini    ProviderKind = "gemini"
)

// HeaderStyle controls how the OpenAI-wire-compatible provider variant
// authenticates: standard OpenAI bearer tokens, or the "api-key" header
// used by Azure OpenAI and a handful of other vendors.
type HeaderStyle string

const (
	HeaderStyleBearer HeaderStyle = "bearer"
	HeaderStyleAPIKey HeaderStyle = "api-key"
)

// OpenAIConfig covers OpenAI itself and every OpenAI-wire-compatible vendor.
type OpenAIConfig struct {
	URL         string      `json:"url"`
	APIKey      string      `json:"apiKey"`
	HeaderStyle HeaderStyle `json:"headerStyle,omitempty"`
}

// BedrockConfig configures an AWS Bedrock Converse backend.
type BedrockConfig struct {
	Region          string `json:"region"`
	AccessKeyID     string `json:"accessKeyId"`
	SecretAccessKey string `json:"secretAccessKey"`
}

// AnthropicConfig configures a native Anthropic Messages API backend.
type AnthropicConfig struct {
	APIKey  string `json:"apiKey"`
	BaseURL string `json:"baseUrl,omitempty"`
}

// VertexConfig switches a GeminiConfig into Vertex AI mode.
type VertexConfig struct {
	Project  string `json:"project"`
	Location string `json:"location"`
}

// GeminiConfig configures a native Gemini API backend, or Vertex AI mode
// when Vertex is non-nil.
type GeminiConfig struct {
	APIKey  string        `json:"apiKey,omitempty"`
	BaseURL string        `json:"baseUrl,omitempty"`
	Vertex  *VertexConfig `json:"vertex,omitempty"`
}

// ProviderConfig is a discriminated value: exactly the field matching Kind
// is populated. Validate enforces this at config-load time.
type ProviderConfig struct {
	Kind      ProviderKind     `json:"kind"`
	OpenAI    *OpenAIConfig    `json:"openai,omitempty"`
	Bedrock   *BedrockConfig   `json:"bedrock,omitempty"`
	Anthropic *AnthropicConfig `json:"anthropic,omitempty"`
	Gemini    *GeminiConfig    `json:"gemini,omitempty"`
}

// Validate rejects a ProviderConfig whose populated variant does not match
// its Kind, or whose populated variant fails its own field checks.
func (pc ProviderConfig) Validate() error {
	populated := 0
	if pc.OpenAI != nil {
		populated++
	}
	if pc.Bedrock != nil {
		populated++
	}
	if pc.Anthropic != nil {
		populated++
	}
	if pc.Gemini != nil {
		populated++
	}
	if populated != 1 {
		return fmt.Errorf("registry: providerConfig must populate exactly one variant, got %d", populated)
	}

	switch pc.Kind {
	case ProviderOpenAI:
		if pc.OpenAI == nil {
			return fmt.Errorf("registry: provider %q requires an openai providerConfig", pc.Kind)
		}
		if _, err := url.ParseRequestURI(pc.OpenAI.URL); err != nil {
			return fmt.Errorf("registry: openai.url is not well-formed: %w", err)
		}
		if pc.OpenAI.APIKey == "" {
			return fmt.Errorf("registry: openai.apiKey must not be empty")
		}
	case ProviderBedrock:
		if pc.Bedrock == nil {
			return fmt.Errorf("registry: provider %q requires a bedrock providerConfig", pc.Kind)
		}
		if pc.Bedrock.Region == "" || pc.Bedrock.AccessKeyID == "" || pc.Bedrock.SecretAccessKey == "" {
			return fmt.Errorf("registry: bedrock config requires region, accessKeyId, secretAccessKey")
		}
	case ProviderAnthropic:
		if pc.Anthropic == nil {
			return fmt.Errorf("registry: provider %q requires an anthropic providerConfig", pc.Kind)
		}
		if pc.Anthropic.APIKey == "" {
			return fmt.Errorf("registry: anthropic.apiKey must not be empty")
		}
	case ProviderGemini:
		if pc.Gemini == nil {
			return fmt.Errorf("registry: provider %q requires a gemini providerConfig", pc.Kind)
		}
		if pc.Gemini.APIKey == "" && pc.Gemini.Vertex == nil {
			return fmt.Errorf("registry: gemini config requires apiKey or vertex")
		}
	default:
		return fmt.Errorf("registry: unknown provider kind %q", pc.Kind)
	}
	return nil
}

// LoadBalancingStrategy selects how the Load Balancer picks among eligible
// backends.
type LoadBalancingStrategy string

const (
	StrategyWeighted     LoadBalancingStrategy = "weighted"
	StrategyLowestTTFT   LoadBalancingStrategy = "lowest-ttft"
	StrategyMinErrorRate LoadBalancingStrategy = "min-error-rate"
)

// MinErrorRateOptions tunes the min-error-rate strategy.
type MinErrorRateOptions struct {
	MinRequests             int     `json:"minRequests"`
	CircuitBreakerThreshold float64 `json:"circuitBreakerThreshold"`
	Epsilon                 float64 `json:"epsilon"`
	TimeWindowMinutes       int     `json:"timeWindowMinutes"`
}

// DefaultMinErrorRateOptions returns the standard defaults used when a
// model does not override them.
func DefaultMinErrorRateOptions() MinErrorRateOptions {
	return MinErrorRateOptions{
		MinRequests:             20,
		CircuitBreakerThreshold: 0.9,
		Epsilon:                 0.001,
		TimeWindowMinutes:       15,
	}
}

// Backend is one upstream within a Model.
type Backend struct {
	ID                        string         `json:"id"`
	Provider                  ProviderKind   `json:"provider"`
	ProviderConfig            ProviderConfig `json:"providerConfig"`
	Weight                    int            `json:"weight"`
	Enabled                   bool           `json:"enabled"`
	ModelOverride             string         `json:"modelOverride,omitempty"`
	StreamingTTFTTimeoutMs    int            `json:"streamingTtftTimeoutMs,omitempty"`
	NonStreamingTTFTTimeoutMs int            `json:"nonStreamingTtftTimeoutMs,omitempty"`
	RecordRequests            bool           `json:"recordRequests"`
	MaxConcurrentRequests     int            `json:"maxConcurrentRequests,omitempty"`
}

// Eligible reports whether this backend participates in load-balancer
// selection.
func (b Backend) Eligible() bool {
	return b.Enabled && b.Weight > 0
}

// Model is the routing unit: a logical model name mapped to an ordered set
// of backends plus a selection strategy.
type Model struct {
	Name                  string                `json:"name"`
	Provider              ProviderKind          `json:"provider"`
	Backends              []Backend             `json:"backends"`
	LoadBalancingStrategy LoadBalancingStrategy `json:"loadBalancingStrategy"`
	EnableAffinity        bool                  `json:"enableAffinity"`
	MinErrorRateOptions   *MinErrorRateOptions  `json:"minErrorRateOptions,omitempty"` // nil => DefaultMinErrorRateOptions()

	// WriteAffinityOnSuccess is a per-model policy hook: when true, the
	// dispatcher writes a fresh affinity mapping after every successful
	// terminal response, not only on explicit admin action. Default false.
	WriteAffinityOnSuccess bool `json:"writeAffinityOnSuccess"`
}

// Backend looks up a backend by id within this model.
func (m Model) Backend(id string) (Backend, bool) {
	for _, b := range m.Backends {
		if b.ID == id {
			return b, true
		}
	}
	return Backend{}, false
}

// EligibleBackends returns backends with Enabled && Weight > 0, preserving
// configured order.
func (m Model) EligibleBackends() []Backend {
	out := make([]Backend, 0, len(m.Backends))
	for _, b := range m.Backends {
		if b.Eligible() {
			out = append(out, b)
		}
	}
	return out
}

// MinErrorRateOpts resolves the effective options, applying defaults when
// unset.
func (m Model) MinErrorRateOpts() MinErrorRateOptions {
	if m.MinErrorRateOptions != nil {
		return *m.MinErrorRateOptions
	}
	return DefaultMinErrorRateOptions()
}

// Validate enforces the invariants in the data model: every backend's
// provider matches the model's, every providerConfig variant matches its
// own Kind, and backend ids are unique within the model.
func (m Model) Validate() error {
	if m.Name == "" {
		return fmt.Errorf("registry: model name must not be empty")
	}
	seen := make(map[string]bool, len(m.Backends))
	for _, b := range m.Backends {
		if b.ID == "" {
			return fmt.Errorf("registry: model %q has a backend with an empty id", m.Name)
		}
		if seen[b.ID] {
			return fmt.Errorf("registry: model %q has duplicate backend id %q", m.Name, b.ID)
		}
		seen[b.ID] = true

		if b.Provider != m.Provider {
			return fmt.Errorf("registry: model %q: backend %q provider %q does not match model provider %q",
				m.Name, b.ID, b.Provider, m.Provider)
		}
		if b.ProviderConfig.Kind != b.Provider {
			return fmt.Errorf("registry: model %q: backend %q providerConfig kind %q does not match provider %q",
				m.Name, b.ID, b.ProviderConfig.Kind, b.Provider)
		}
		if err := b.ProviderConfig.Validate(); err != nil {
			return fmt.Errorf("registry: model %q: backend %q: %w", m.Name, b.ID, err)
		}
	}
	switch m.LoadBalancingStrategy {
	case StrategyWeighted, StrategyLowestTTFT, StrategyMinErrorRate:
	default:
		return fmt.Errorf("registry: model %q has unknown loadBalancingStrategy %q", m.Name, m.LoadBalancingStrategy)
	}
	return nil
}

// ApiKey is a caller credential.
type ApiKey struct {
	Key         string     `json:"key"`
	Description string     `json:"description,omitempty"`
	Models      []string   `json:"models"` // non-empty set of allowed model names
	CreatedAt   time.Time  `json:"createdAt"`
	LastUsedAt  *time.Time `json:"lastUsedAt,omitempty"`
}

// AllowsModel reports whether this key is authorized for model.
func (k ApiKey) AllowsModel(model string) bool {
	for _, m := range k.Models {
		if m == model {
			return true
		}
	}
	return false
}
