package llm

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/spherical-ai/docpipe/internal/config"
	"github.com/spherical-ai/docpipe/internal/domain"
	"github.com/spherical-ai/docpipe/internal/observability"
)

// Provider types accepted in configuration.
const (
	TypeOpenAI    = "openai"
	TypeAnthropic = "anthropic"
	TypeGemini    = "gemini"
	TypeOllama    = "ollama"
	TypeBedrock   = "bedrock"
)

// New builds the adapter for a provider type.
func New(ctx context.Context, id string, cfg config.ProviderConfig, logger *observability.Logger) (Client, error) {
	switch normalizeType(cfg.Type) {
	case TypeOpenAI:
		return NewOpenAIClient(id, cfg, logger), nil
	case TypeAnthropic:
		return NewAnthropicClient(id, cfg, logger)
	case TypeGemini:
		return NewGeminiClient(ctx, id, cfg, logger)
	case TypeOllama:
		return NewOllamaClient(id, cfg, logger)
	case TypeBedrock:
		return NewBedrockClient(ctx, id, cfg, logger)
	default:
		return nil, domain.ConfigError(fmt.Sprintf("unsupported provider type %q for %s", cfg.Type, id), nil)
	}
}

// Factory builds a client for a configured provider.
type Factory func(ctx context.Context, id string, cfg config.ProviderConfig, logger *observability.Logger) (Client, error)

// Registry builds one client per configured provider and caches it.
type Registry struct {
	mu        sync.Mutex
	providers map[string]config.ProviderConfig
	defaultID string
	clients   map[string]Client
	factory   Factory
	logger    *observability.Logger
}

// NewRegistry creates a registry over the configured providers.
func NewRegistry(providers map[string]config.ProviderConfig, defaultID string, logger *observability.Logger) *Registry {
	if logger == nil {
		logger = observability.Nop()
	}
	return &Registry{
		providers: providers,
		defaultID: defaultID,
		clients:   make(map[string]Client),
		factory:   New,
		logger:    logger,
	}
}

// WithFactory replaces the adapter constructor.
func (r *Registry) WithFactory(f Factory) *Registry {
	r.factory = f
	return r
}

// Resolve returns the provider id and model to use, applying defaults for empty values.
func (r *Registry) Resolve(providerID, model string) (string, string, error) {
	if providerID == "" {
		providerID = r.defaultID
	}
	cfg, ok := r.providers[providerID]
	if !ok {
		return "", "", domain.ValidationError(fmt.Sprintf("unknown provider %q", providerID), nil)
	}
	if model == "" {
		model = cfg.DefaultModel
	}
	if model == "" {
		return "", "", domain.ValidationError(fmt.Sprintf("no model given and provider %q has no default model", providerID), nil)
	}
	return providerID, model, nil
}

// Client returns the cached client for a provider id, creating it on first use.
func (r *Registry) Client(ctx context.Context, providerID string) (Client, error) {
	if providerID == "" {
		providerID = r.defaultID
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if c, ok := r.clients[providerID]; ok {
		return c, nil
	}
	cfg, ok := r.providers[providerID]
	if !ok {
		return nil, domain.ValidationError(fmt.Sprintf("unknown provider %q", providerID), nil)
	}

	c, err := r.factory(ctx, providerID, cfg, r.logger)
	if err != nil {
		return nil, err
	}
	r.clients[providerID] = c
	r.logger.Info().Str("provider", providerID).Str("type", cfg.Type).Msg("LLM client created")
	return c, nil
}

// IDs lists configured provider ids in order.
func (r *Registry) IDs() []string {
	ids := make([]string, 0, len(r.providers))
	for id := range r.providers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
