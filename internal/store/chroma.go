package store

import (
	"context"
	"log/slog"

	"github.com/Aman-CERP/ragindex/internal/embed"
	"github.com/Aman-CERP/ragindex/internal/errors"
)

// chromaServer is the slice of the Chroma client the backend uses.
type chromaServer interface {
	Heartbeat(ctx context.Context) error
	// OpenCollection gets or creates name, reporting whether it was created.
	OpenCollection(ctx context.Context, name string) (chromaCollection, bool, error)
	HasCollection(ctx context.Context, name string) (bool, error)
	DeleteCollection(ctx context.Context, name string) error
	Close() error
}

// chromaCollection is one open Chroma collection.
type chromaCollection interface {
	Upsert(ctx context.Context, ids []string, vectors [][]float32, documents []string, metadatas []Metadata) error
	Query(ctx context.Context, vector []float32, preds []predicate, n int) ([]chromaHit, error)
	Delete(ctx context.Context, preds []predicate) error
	Count(ctx context.Context) (int, error)
}

// ChromaBackend keeps one Chroma collection per name on a Chroma server.
// Embeddings are computed locally and upserted alongside the text.
type ChromaBackend struct {
	core
	server chromaServer
	coll   chromaCollection
}

// NewChromaBackend connects lazily to the server at opts.Chroma.URL.
func NewChromaBackend(embedder embed.Embedder, tokens embed.TokenCounter, opts Options) (*ChromaBackend, error) {
	if embedder == nil {
		return nil, errors.ConfigError("chroma backend requires an embedder", nil)
	}
	server, err := newChromaHTTPServer(opts.Chroma, embedder)
	if err != nil {
		return nil, errors.BackendUnavailable("connect", "", err).WithDetail("url", opts.Chroma.URL)
	}
	return newChromaBackend(server, embedder, tokens, opts), nil
}

func newChromaBackend(server chromaServer, embedder embed.Embedder, tokens embed.TokenCounter, opts Options) *ChromaBackend {
	return &ChromaBackend{
		core:   newCore(BackendChroma, embedder, tokens, opts),
		server: server,
	}
}

// InitializeCollection implements Backend.
func (b *ChromaBackend) InitializeCollection(ctx context.Context, name string) error {
	return initialize(ctx, b, &b.core, name)
}

// HasCollection implements Backend.
func (b *ChromaBackend) HasCollection(ctx context.Context, name string) (bool, error) {
	return hasCollection(ctx, &b.core, name, func(ctx context.Context) (bool, error) {
		ok, err := b.server.HasCollection(ctx, name)
		if err != nil {
			return false, errors.BackendUnavailable("has_collection", name, err)
		}
		return ok, nil
	})
}

// ReindexCollection implements Backend.
func (b *ChromaBackend) ReindexCollection(ctx context.Context, name string) error {
	return reindex(ctx, b, name)
}

func (b *ChromaBackend) open(ctx context.Context, name string) (ReindexReason, error) {
	const op = "initialize_collection"
	return runIn(ctx, &b.core, op, func(ctx context.Context) (ReindexReason, error) {
		if b.collection == name {
			return "", nil
		}
		b.coll = nil
		b.setCollection("")

		if err := b.server.Heartbeat(ctx); err != nil {
			return "", errors.BackendUnavailable(op, name, err)
		}
		if err := b.commit(ctx, op); err != nil {
			return "", err
		}
		coll, created, err := b.server.OpenCollection(ctx, name)
		if err != nil {
			return "", errors.BackendUnavailable(op, name, err)
		}
		count, err := coll.Count(ctx)
		if err != nil {
			return "", errors.BackendUnavailable(op, name, err)
		}

		b.coll = coll
		b.setCollection(name)

		var reason ReindexReason
		switch {
		case created:
			reason = ReasonCreated
		case count == 0:
			reason = ReasonEmpty
		}
		b.logger.Info("collection_initialized",
			slog.String("collection", name),
			slog.Int("chunks", count),
			slog.String("reindex_reason", string(reason)))
		return reason, nil
	})
}

// AddDocuments implements Backend.
func (b *ChromaBackend) AddDocuments(ctx context.Context, ids []string, metadatas []Metadata, documents []string) error {
	const op = "add_documents"
	return b.run(ctx, op, func(ctx context.Context) error {
		if err := b.requireOpen(op); err != nil {
			return err
		}
		bt, err := b.prepareBatch(ctx, op, ids, metadatas, documents)
		if err != nil {
			return err
		}
		if bt.Len() == 0 {
			return nil
		}
		if err := b.commit(ctx, op); err != nil {
			return err
		}
		if err := b.coll.Upsert(ctx, bt.ids, bt.vectors, bt.documents, bt.metadatas); err != nil {
			return errors.BackendUnavailable(op, b.collection, err)
		}
		b.logger.Debug("documents_added",
			slog.String("collection", b.collection),
			slog.Int("count", bt.Len()))
		return nil
	})
}

// Query implements Backend.
func (b *ChromaBackend) Query(ctx context.Context, queryTexts []string, where Filter, nResults int) ([]QueryResult, error) {
	const op = "query"
	return runIn(ctx, &b.core, op, func(ctx context.Context) ([]QueryResult, error) {
		if err := b.requireOpen(op); err != nil {
			return nil, err
		}
		preds, err := flattenFilter(where)
		if err != nil {
			return nil, err
		}
		vec, err := b.embedQuery(ctx, op, queryTexts, nResults)
		if err != nil {
			return nil, err
		}
		hits, err := b.coll.Query(ctx, vec, preds, nResults)
		if err != nil {
			return nil, errors.BackendUnavailable(op, b.collection, err)
		}
		results := projectChroma(hits)
		if len(results) > nResults {
			results = results[:nResults]
		}
		return results, nil
	})
}

// DeleteDocuments implements Backend.
func (b *ChromaBackend) DeleteDocuments(ctx context.Context, where Filter) error {
	const op = "delete_documents"
	return b.run(ctx, op, func(ctx context.Context) error {
		if err := b.requireOpen(op); err != nil {
			return err
		}
		preds, err := deletePredicates(op, where)
		if err != nil {
			return err
		}
		if err := b.commit(ctx, op); err != nil {
			return err
		}
		if err := b.coll.Delete(ctx, preds); err != nil {
			return errors.BackendUnavailable(op, b.collection, err)
		}
		b.logger.Info("documents_deleted", slog.String("collection", b.collection))
		return nil
	})
}

// Count implements Backend.
func (b *ChromaBackend) Count(ctx context.Context) (int, error) {
	const op = "count"
	return runIn(ctx, &b.core, op, func(ctx context.Context) (int, error) {
		if err := b.requireOpen(op); err != nil {
			return 0, err
		}
		n, err := b.coll.Count(ctx)
		if err != nil {
			return 0, errors.BackendUnavailable(op, b.collection, err)
		}
		return n, nil
	})
}

// ClearCollection implements Backend. The collection is dropped on the
// server.
func (b *ChromaBackend) ClearCollection(ctx context.Context) error {
	const op = "clear_collection"
	return b.run(ctx, op, func(ctx context.Context) error {
		if err := b.requireOpen(op); err != nil {
			return err
		}
		if err := b.commit(ctx, op); err != nil {
			return err
		}
		name := b.collection
		if err := b.server.DeleteCollection(ctx, name); err != nil {
			return errors.BackendUnavailable(op, name, err)
		}
		b.coll = nil
		b.setCollection("")
		b.logger.Info("collection_cleared", slog.String("collection", name))
		return nil
	})
}

// Close implements Backend.
func (b *ChromaBackend) Close() error {
	return b.run(context.Background(), "close", func(ctx context.Context) error {
		b.coll = nil
		b.setCollection("")
		return b.server.Close()
	})
}

var _ Backend = (*ChromaBackend)(nil)
