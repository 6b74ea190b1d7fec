// Package factory builds a providers.Provider instance from a registry
// Backend's discriminated ProviderConfig. It is the single place that knows
// how each config variant maps onto the concrete per-vendor constructors.
package factory

import (
	"context"
	"fmt"

	"github.com/nulpointcorp/modelgate/internal/providers"
	"github.com/nulpointcorp/modelgate/internal/providers/anthropic"
	"github.com/nulpointcorp/modelgate/internal/providers/bedrock"
	"github.com/nulpointcorp/modelgate/internal/providers/gemini"
	"github.com/nulpointcorp/modelgate/internal/providers/openai"
	"github.com/nulpointcorp/modelgate/internal/providers/vertexai"
	"github.com/nulpointcorp/modelgate/internal/registry"
)

// Build constructs a Provider for cfg. ctx is used only for SDK clients that
// dial out during construction (Gemini).
func Build(ctx context.Context, cfg registry.ProviderConfig) (providers.Provider, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("factory: %w", err)
	}

	switch cfg.Kind {
	case registry.ProviderOpenAI:
		opts := []openai.Option{openai.WithBaseURL(cfg.OpenAI.URL)}
		if cfg.OpenAI.HeaderStyle == registry.HeaderStyleAPIKey {
			opts = append(opts, openai.WithHeaderStyle(openai.HeaderStyleAPIKey))
		}
		return openai.New(cfg.OpenAI.APIKey, opts...), nil

	case registry.ProviderAnthropic:
		opts := []anthropic.Option{}
		if cfg.Anthropic.BaseURL != "" {
			opts = append(opts, anthropic.WithBaseURL(cfg.Anthropic.BaseURL))
		}
		return anthropic.New(cfg.Anthropic.APIKey, opts...), nil

	case registry.ProviderBedrock:
		return bedrock.New(cfg.Bedrock.AccessKeyID, cfg.Bedrock.SecretAccessKey, cfg.Bedrock.Region), nil

	case registry.ProviderGemini:
		if cfg.Gemini.Vertex != nil {
			return vertexai.New(ctx, cfg.Gemini.Vertex.Project, vertexai.WithLocation(cfg.Gemini.Vertex.Location))
		}
		opts := []gemini.Option{}
		if cfg.Gemini.BaseURL != "" {
			opts = append(opts, gemini.WithBaseURL(cfg.Gemini.BaseURL))
		}
		p := gemini.New(ctx, cfg.Gemini.APIKey, opts...)
		if p == nil {
			return nil, fmt.Errorf("factory: gemini client construction failed")
		}
		return p, nil

	default:
		return nil, fmt.Errorf("factory: unsupported provider kind %q", cfg.Kind)
	}
}
