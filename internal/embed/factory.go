package embed

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
)

// ProviderType names an embedding provider.
type ProviderType string

const (
	// ProviderStatic uses hash-based embeddings, fully offline.
	ProviderStatic ProviderType = "static"
	// ProviderOllama uses a local Ollama server.
	ProviderOllama ProviderType = "ollama"
	// ProviderOpenAI uses the OpenAI embeddings API.
	ProviderOpenAI ProviderType = "openai"
)

// ParseProvider maps a config string to a ProviderType. Unknown names
// return ok=false.
func ParseProvider(s string) (ProviderType, bool) {
	switch p := ProviderType(strings.ToLower(strings.TrimSpace(s))); p {
	case ProviderStatic, ProviderOllama, ProviderOpenAI:
		return p, true
	default:
		return "", false
	}
}

type factoryOptions struct {
	ollamaHost      string
	openAIKey       string
	openAIBaseURL   string
	dimensions      int
	cacheSize       int
	skipHealthCheck bool
}

// Option configures NewEmbedder.
type Option func(*factoryOptions)

// WithOllamaHost sets the Ollama endpoint.
func WithOllamaHost(host string) Option {
	return func(o *factoryOptions) { o.ollamaHost = host }
}

// WithOpenAI sets the API key and an optional OpenAI-compatible base URL.
func WithOpenAI(apiKey, baseURL string) Option {
	return func(o *factoryOptions) {
		o.openAIKey = apiKey
		o.openAIBaseURL = baseURL
	}
}

// WithDimensions forces the vector size.
func WithDimensions(n int) Option {
	return func(o *factoryOptions) { o.dimensions = n }
}

// WithCacheSize sets the LRU size. Zero or negative disables the cache.
func WithCacheSize(n int) Option {
	return func(o *factoryOptions) { o.cacheSize = n }
}

// WithoutHealthCheck skips network checks at construction.
func WithoutHealthCheck() Option {
	return func(o *factoryOptions) { o.skipHealthCheck = true }
}

// NewEmbedder builds the embedder for provider. model is ignored by the
// static provider. The result is wrapped in a CachedEmbedder unless the
// cache size is zero.
func NewEmbedder(ctx context.Context, provider ProviderType, model string, opts ...Option) (Embedder, error) {
	o := factoryOptions{cacheSize: DefaultEmbeddingCacheSize}
	for _, opt := range opts {
		opt(&o)
	}

	var (
		e   Embedder
		err error
	)
	switch provider {
	case ProviderStatic, "":
		e = NewStaticEmbedderWithDims(o.dimensions)
	case ProviderOllama:
		cfg := DefaultOllamaConfig()
		cfg.Host = o.ollamaHost
		cfg.Model = model
		cfg.Dimensions = o.dimensions
		cfg.SkipHealthCheck = o.skipHealthCheck
		e, err = NewOllamaEmbedder(ctx, cfg)
	case ProviderOpenAI:
		e, err = NewOpenAIEmbedder(OpenAIConfig{
			APIKey:     o.openAIKey,
			BaseURL:    o.openAIBaseURL,
			Model:      model,
			Dimensions: o.dimensions,
		})
	default:
		return nil, fmt.Errorf("unknown embeddings provider %q", provider)
	}
	if err != nil {
		return nil, fmt.Errorf("create %s embedder: %w", provider, err)
	}

	slog.Info("embedder_created",
		slog.String("provider", string(provider)),
		slog.String("model", e.ModelName()),
		slog.Int("dimensions", e.Dimensions()))

	if o.cacheSize > 0 {
		e = NewCachedEmbedder(e, o.cacheSize)
	}
	return e, nil
}
