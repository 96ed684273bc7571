package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/Aman-CERP/ragindex/internal/chunk"
	"github.com/Aman-CERP/ragindex/internal/config"
	"github.com/Aman-CERP/ragindex/internal/embed"
	"github.com/Aman-CERP/ragindex/internal/index"
	"github.com/Aman-CERP/ragindex/internal/store"
	"github.com/Aman-CERP/ragindex/internal/telemetry"
)

// loadConfig resolves configuration for --dir and applies the global
// flag overrides on top.
func loadConfig() (*config.Config, error) {
	dir, err := filepath.Abs(flagDir)
	if err != nil {
		return nil, fmt.Errorf("resolve directory: %w", err)
	}
	cfg, err := config.Load(dir)
	if err != nil {
		return nil, err
	}
	if flagCollection != "" {
		cfg.Index.Collection = flagCollection
	}
	if flagBackend != "" {
		cfg.Index.Backend = flagBackend
	}
	if flagProject != "" {
		cfg.Index.ProjectID = flagProject
	}
	return cfg, nil
}

// storeOptions maps configuration onto backend options.
func storeOptions(cfg *config.Config) store.Options {
	opts := store.DefaultOptions(cfg.Index.DataRoot)
	opts.DefaultBackend = store.BackendType(cfg.Index.DefaultBackend)
	opts.OperationTimeout = cfg.OperationTimeoutDuration()
	opts.HNSW = store.HNSWOptions{M: cfg.HNSW.M, EfSearch: cfg.HNSW.EfSearch, Metric: cfg.HNSW.Metric}
	opts.SQLite = store.SQLiteOptions{CacheMB: cfg.SQLite.CacheMB}
	opts.Chroma = store.ChromaOptions{URL: cfg.Chroma.URL, Tenant: cfg.Chroma.Tenant, Database: cfg.Chroma.Database}
	opts.Mongo = store.MongoOptions{
		URI:           cfg.Mongo.URI,
		Database:      cfg.Mongo.Database,
		IndexName:     cfg.Mongo.IndexName,
		NumCandidates: cfg.Mongo.NumCandidates,
		FilterFields:  cfg.Mongo.FilterFields,
	}
	return opts
}

func newEmbedder(ctx context.Context, cfg *config.Config) (embed.Embedder, error) {
	provider, ok := embed.ParseProvider(cfg.Embeddings.Provider)
	if !ok {
		return nil, fmt.Errorf("unknown embeddings provider %q", cfg.Embeddings.Provider)
	}
	model := cfg.Embeddings.Model
	if provider == embed.ProviderOpenAI {
		model = cfg.Embeddings.OpenAIModel
	}
	return embed.NewEmbedder(ctx, provider, model,
		embed.WithOllamaHost(cfg.Embeddings.OllamaHost),
		embed.WithOpenAI(cfg.Embeddings.OpenAIAPIKey, cfg.Embeddings.OpenAIBaseURL),
		embed.WithDimensions(cfg.Embeddings.Dimensions),
		embed.WithCacheSize(cfg.Embeddings.CacheSize))
}

// session is an indexer plus the resources it owns.
type session struct {
	cfg      *config.Config
	embedder embed.Embedder
	indexer  *index.Indexer
}

type sessionOptions struct {
	replace bool
	replay  index.SourceProvider
	metrics *telemetry.QueryMetrics
}

// openSession builds the embedder, backend and indexer described by cfg
// and opens the configured collection. When so.replay is set, a new or
// empty collection is repopulated from it before openSession returns.
func openSession(ctx context.Context, cfg *config.Config, so sessionOptions) (*session, error) {
	embedder, err := newEmbedder(ctx, cfg)
	if err != nil {
		return nil, err
	}

	backend, err := store.New(store.BackendType(cfg.Index.Backend), embedder, embed.HeuristicTokenCounter{}, storeOptions(cfg))
	if err != nil {
		_ = embedder.Close()
		return nil, err
	}

	ix, err := index.New(backend, index.Config{
		Splitter: chunk.NewSplitter(
			chunk.WithMaxChunkSize(cfg.Chunking.MaxChunkSize),
			chunk.WithOverlap(cfg.Chunking.Overlap)),
		ProjectID:        cfg.Index.ProjectID,
		ReplaceDocuments: so.replace,
		Metrics:          so.metrics,
	})
	if err != nil {
		_ = backend.Close()
		_ = embedder.Close()
		return nil, err
	}

	s := &session{cfg: cfg, embedder: embedder, indexer: ix}
	ix.EnableReplay(so.replay)
	if err := ix.Open(ctx, cfg.Index.Collection); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the backend, then the embedder.
func (s *session) Close() {
	_ = s.indexer.Close()
	_ = s.embedder.Close()
}

// newDirectorySources builds one DirectorySource per root.
func newDirectorySources(roots, exclude []string, docType string) []*index.DirectorySource {
	var meta map[string]any
	if docType != "" {
		meta = map[string]any{store.MetaType: docType}
	}
	srcs := make([]*index.DirectorySource, 0, len(roots))
	for _, root := range roots {
		srcs = append(srcs, &index.DirectorySource{Root: root, Exclude: exclude, Metadata: meta})
	}
	return srcs
}

// directorySources is newDirectorySources as a single provider.
func directorySources(roots, exclude []string, docType string) index.SourceProvider {
	dirs := newDirectorySources(roots, exclude, docType)
	srcs := make(multiSource, 0, len(dirs))
	for _, d := range dirs {
		srcs = append(srcs, d)
	}
	return srcs
}

// multiSource concatenates providers in order.
type multiSource []index.SourceProvider

func (m multiSource) Sources(ctx context.Context) ([]index.SourceDocument, error) {
	var out []index.SourceDocument
	for _, src := range m {
		docs, err := src.Sources(ctx)
		if err != nil {
			return nil, err
		}
		out = append(out, docs...)
	}
	return out, nil
}

// parseFilter decodes a JSON --where value. Empty means no filter.
func parseFilter(s string) (store.Filter, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	var f store.Filter
	if err := json.Unmarshal([]byte(s), &f); err != nil {
		return nil, fmt.Errorf("invalid --where JSON: %w", err)
	}
	return f, nil
}
