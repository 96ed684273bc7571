package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
	bolt "go.etcd.io/bbolt"

	"github.com/Aman-CERP/ragindex/internal/embed"
	"github.com/Aman-CERP/ragindex/internal/errors"
)

// Files inside an embedded collection directory.
const (
	hnswGraphFile  = "vectors.hnsw"
	hnswChunksFile = "chunks.db"
	hnswLockFile   = ".lock"
)

var chunksBucket = []byte("chunks")

// chunkRecord is the bbolt value for one chunk.
type chunkRecord struct {
	Text     string   `json:"text"`
	Metadata Metadata `json:"metadata"`
}

// HNSWBackend stores each collection in <DataRoot>/<name>/: a coder/hnsw
// graph with its id map, a bbolt file of chunk records, and a lock file
// held for as long as the collection is open.
type HNSWBackend struct {
	core
	opts Options

	dir   string
	lock  *flock.Flock
	db    *bolt.DB
	graph *vectorGraph
}

// NewHNSWBackend creates an embedded backend rooted at opts.DataRoot.
func NewHNSWBackend(embedder embed.Embedder, tokens embed.TokenCounter, opts Options) (*HNSWBackend, error) {
	if embedder == nil {
		return nil, errors.ConfigError("hnsw backend requires an embedder", nil)
	}
	if opts.DataRoot == "" {
		return nil, errors.ConfigError("hnsw backend requires a data root", nil)
	}
	return &HNSWBackend{
		core: newCore(BackendHNSW, embedder, tokens, opts),
		opts: opts,
	}, nil
}

// InitializeCollection implements Backend.
func (b *HNSWBackend) InitializeCollection(ctx context.Context, name string) error {
	return initialize(ctx, b, &b.core, name)
}

// HasCollection implements Backend.
func (b *HNSWBackend) HasCollection(ctx context.Context, name string) (bool, error) {
	return hasCollection(ctx, &b.core, name, func(ctx context.Context) (bool, error) {
		return statExists("has_collection", name, filepath.Join(b.opts.DataRoot, name))
	})
}

// ReindexCollection implements Backend.
func (b *HNSWBackend) ReindexCollection(ctx context.Context, name string) error {
	return reindex(ctx, b, name)
}

func (b *HNSWBackend) open(ctx context.Context, name string) (ReindexReason, error) {
	const op = "initialize_collection"
	return runIn(ctx, &b.core, op, func(ctx context.Context) (ReindexReason, error) {
		if b.collection == name {
			return "", nil
		}
		if err := b.commit(ctx, op); err != nil {
			return "", err
		}
		if b.collection != "" {
			if err := b.closeHandle(); err != nil {
				return "", err
			}
		}
		return b.openHandle(name)
	})
}

func (b *HNSWBackend) openHandle(name string) (ReindexReason, error) {
	const op = "initialize_collection"
	dir := filepath.Join(b.opts.DataRoot, name)

	_, statErr := os.Stat(dir)
	existed := statErr == nil
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", errors.BackendUnavailable(op, name, err)
	}

	cleanup := func() {
		if !existed {
			_ = os.RemoveAll(dir)
		}
	}

	lock := flock.New(filepath.Join(dir, hnswLockFile))
	locked, err := lock.TryLock()
	if err != nil {
		cleanup()
		return "", errors.BackendUnavailable(op, name, err)
	}
	if !locked {
		return "", errors.New(errors.ErrCodeCollectionLock, "collection is open in another process", nil).
			WithOp(op, name)
	}

	graphPath := filepath.Join(dir, hnswGraphFile)
	graph, err := loadVectorGraph(graphPath)
	if err != nil {
		// The graph cannot be rebuilt without the source vectors, so a
		// corrupt collection is reset and reported as empty.
		b.logger.Warn("hnsw_graph_corrupted",
			slog.String("collection", name),
			slog.String("error", err.Error()))
		for _, f := range []string{graphPath, graphPath + ".meta", filepath.Join(dir, hnswChunksFile)} {
			_ = os.Remove(f)
		}
		graph = nil
	}
	if graph == nil {
		graph = newVectorGraph(b.embedder.Dimensions(), b.opts.HNSW)
	} else if graph.config.Dimensions != b.embedder.Dimensions() {
		b.logger.Warn("hnsw_dimension_mismatch",
			slog.String("collection", name),
			slog.Int("stored", graph.config.Dimensions),
			slog.Int("embedder", b.embedder.Dimensions()))
	}

	db, err := bolt.Open(filepath.Join(dir, hnswChunksFile), 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		_ = lock.Unlock()
		cleanup()
		return "", errors.BackendUnavailable(op, name, err)
	}

	var count int
	err = db.Update(func(tx *bolt.Tx) error {
		bkt, err := tx.CreateBucketIfNotExists(chunksBucket)
		if err != nil {
			return err
		}
		count = bkt.Stats().KeyN
		return nil
	})
	if err != nil {
		_ = db.Close()
		_ = lock.Unlock()
		cleanup()
		return "", errors.BackendUnavailable(op, name, err)
	}

	b.dir, b.lock, b.db, b.graph = dir, lock, db, graph
	b.setCollection(name)

	var reason ReindexReason
	switch {
	case !existed:
		reason = ReasonCreated
	case count == 0:
		reason = ReasonEmpty
	}
	b.logger.Info("collection_initialized",
		slog.String("collection", name),
		slog.String("path", dir),
		slog.Int("chunks", count),
		slog.String("reindex_reason", string(reason)))
	return reason, nil
}

// closeHandle releases the open collection. Called inside the slot.
func (b *HNSWBackend) closeHandle() error {
	var firstErr error
	if b.db != nil {
		if err := b.db.Close(); err != nil {
			firstErr = err
		}
	}
	if b.lock != nil {
		if err := b.lock.Unlock(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	b.db, b.lock, b.graph, b.dir = nil, nil, nil, ""
	b.setCollection("")
	return firstErr
}

// AddDocuments implements Backend.
func (b *HNSWBackend) AddDocuments(ctx context.Context, ids []string, metadatas []Metadata, documents []string) error {
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
		for _, v := range bt.vectors {
			if err := b.graph.checkDims(v); err != nil {
				return err.WithOp(op, b.collection)
			}
		}

		// Records and graph are written together from here on.
		if err := b.commit(ctx, op); err != nil {
			return err
		}
		err = b.db.Update(func(tx *bolt.Tx) error {
			bkt := tx.Bucket(chunksBucket)
			for i, id := range bt.ids {
				val, err := json.Marshal(chunkRecord{Text: bt.documents[i], Metadata: bt.metadatas[i]})
				if err != nil {
					return fmt.Errorf("encode chunk %s: %w", id, err)
				}
				if err := bkt.Put([]byte(id), val); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return errors.BackendUnavailable(op, b.collection, err)
		}

		if err := b.graph.Add(bt.ids, bt.vectors); err != nil {
			return errors.New(errors.ErrCodeIndexFailed, "add vectors", err).WithOp(op, b.collection)
		}
		if err := b.graph.Save(filepath.Join(b.dir, hnswGraphFile)); err != nil {
			return errors.BackendUnavailable(op, b.collection, err)
		}

		b.logger.Debug("documents_added",
			slog.String("collection", b.collection),
			slog.Int("count", bt.Len()))
		return nil
	})
}

// Query implements Backend. Filtered searches widen k until enough hits
// pass the filter or the whole graph has been scanned.
func (b *HNSWBackend) Query(ctx context.Context, queryTexts []string, where Filter, nResults int) ([]QueryResult, error) {
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

		k := nResults
		if len(preds) > 0 {
			k = nResults * 4
		}
		for {
			hits, err := b.graph.Search(vec, k)
			if err != nil {
				if ie, ok := err.(*errors.IndexError); ok {
					return nil, ie.WithOp(op, b.collection)
				}
				return nil, errors.New(errors.ErrCodeSearchFailed, "graph search", err).WithOp(op, b.collection)
			}

			results, err := b.resolve(hits, preds)
			if err != nil {
				return nil, errors.BackendUnavailable(op, b.collection, err)
			}
			if len(results) >= nResults || k >= b.graph.Len() {
				if len(results) > nResults {
					results = results[:nResults]
				}
				return results, nil
			}
			k *= 2
		}
	})
}

// resolve loads the chunk records behind hits and applies the filter.
func (b *HNSWBackend) resolve(hits []vectorHit, preds []predicate) ([]QueryResult, error) {
	results := make([]QueryResult, 0, len(hits))
	err := b.db.View(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(chunksBucket)
		for _, h := range hits {
			raw := bkt.Get([]byte(h.ID))
			if raw == nil {
				continue
			}
			res, err := projectRecord(h.ID, raw, float64(h.Distance))
			if err != nil {
				return err
			}
			if !matchAll(res.Metadata, preds) {
				continue
			}
			results = append(results, res)
		}
		return nil
	})
	return results, err
}

// DeleteDocuments implements Backend.
func (b *HNSWBackend) DeleteDocuments(ctx context.Context, where Filter) error {
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
		var removed []string
		err = b.db.Update(func(tx *bolt.Tx) error {
			bkt := tx.Bucket(chunksBucket)
			err := bkt.ForEach(func(k, v []byte) error {
				var rec chunkRecord
				if err := json.Unmarshal(v, &rec); err != nil {
					return fmt.Errorf("decode chunk %s: %w", k, err)
				}
				if matchAll(normalizeMetadata(rec.Metadata), preds) {
					removed = append(removed, string(k))
				}
				return nil
			})
			if err != nil {
				return err
			}
			for _, id := range removed {
				if err := bkt.Delete([]byte(id)); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return errors.BackendUnavailable(op, b.collection, err)
		}
		if len(removed) == 0 {
			return nil
		}

		b.graph.Delete(removed)
		if err := b.graph.Save(filepath.Join(b.dir, hnswGraphFile)); err != nil {
			return errors.BackendUnavailable(op, b.collection, err)
		}
		b.logger.Info("documents_deleted",
			slog.String("collection", b.collection),
			slog.Int("count", len(removed)))
		return nil
	})
}

// Count implements Backend.
func (b *HNSWBackend) Count(ctx context.Context) (int, error) {
	const op = "count"
	return runIn(ctx, &b.core, op, func(ctx context.Context) (int, error) {
		if err := b.requireOpen(op); err != nil {
			return 0, err
		}
		var n int
		err := b.db.View(func(tx *bolt.Tx) error {
			n = tx.Bucket(chunksBucket).Stats().KeyN
			return nil
		})
		if err != nil {
			return 0, errors.BackendUnavailable(op, b.collection, err)
		}
		return n, nil
	})
}

// ClearCollection implements Backend. The directory is removed and the
// next initialize starts from a fresh graph object.
func (b *HNSWBackend) ClearCollection(ctx context.Context) error {
	const op = "clear_collection"
	return b.run(ctx, op, func(ctx context.Context) error {
		if err := b.requireOpen(op); err != nil {
			return err
		}
		if err := b.commit(ctx, op); err != nil {
			return err
		}
		name, dir := b.collection, b.dir
		if err := b.closeHandle(); err != nil {
			b.logger.Warn("close_before_clear_failed",
				slog.String("collection", name),
				slog.String("error", err.Error()))
		}
		if err := os.RemoveAll(dir); err != nil {
			return errors.BackendUnavailable(op, name, err)
		}
		b.logger.Info("collection_cleared", slog.String("collection", name))
		return nil
	})
}

// Close implements Backend.
func (b *HNSWBackend) Close() error {
	return b.run(context.Background(), "close", func(ctx context.Context) error {
		if b.collection == "" {
			return nil
		}
		return b.closeHandle()
	})
}

var _ Backend = (*HNSWBackend)(nil)
