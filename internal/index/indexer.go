// Package index turns source documents into stored chunks: split, address,
// drop repeats, stamp position metadata, and hand the batch to a backend.
package index

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/Aman-CERP/ragindex/internal/chunk"
	"github.com/Aman-CERP/ragindex/internal/errors"
	"github.com/Aman-CERP/ragindex/internal/store"
	"github.com/Aman-CERP/ragindex/internal/telemetry"
)

// DefaultContentType is stamped on chunks whose document sets no type.
const DefaultContentType = "content"

// SourceDocument is one document offered for ingestion.
type SourceDocument struct {
	// ID becomes the docId of every chunk. Generated when empty.
	ID string

	Text string

	// Metadata is copied onto every chunk. Must carry projectId unless
	// the Indexer has a default project.
	Metadata store.Metadata
}

// IngestResult summarizes one ingested document.
type IngestResult struct {
	DocID string `json:"docId"`

	// Chunks is the number of chunks written.
	Chunks int `json:"chunks"`

	// Repeats is the number of chunks dropped because the same text
	// already appeared earlier in the document.
	Repeats int `json:"repeats"`
}

// Config configures an Indexer.
type Config struct {
	// Splitter cuts documents. Defaults to chunk.NewSplitter().
	Splitter *chunk.Splitter

	// ProjectID fills projectId on documents that do not set one.
	ProjectID string

	// ReplaceDocuments deletes a document's previous chunks before
	// writing the new ones, so edited documents do not leave stale chunks.
	ReplaceDocuments bool

	// Workers bounds parallel chunk preparation in IngestAll.
	// Defaults to runtime.NumCPU().
	Workers int

	// Metrics records every Query. Optional.
	Metrics *telemetry.QueryMetrics
}

// Indexer runs the ingestion pipeline against one backend.
type Indexer struct {
	backend store.Backend
	config  Config
}

// New creates an Indexer over backend.
func New(backend store.Backend, config Config) (*Indexer, error) {
	if backend == nil {
		return nil, errors.ConfigError("indexer requires a backend", nil)
	}
	if config.Splitter == nil {
		config.Splitter = chunk.NewSplitter()
	}
	if config.Workers <= 0 {
		config.Workers = runtime.NumCPU()
	}
	return &Indexer{backend: backend, config: config}, nil
}

// Backend returns the wrapped backend.
func (ix *Indexer) Backend() store.Backend { return ix.backend }

// Open initializes collection on the backend.
func (ix *Indexer) Open(ctx context.Context, collection string) error {
	return ix.backend.InitializeCollection(ctx, collection)
}

// OpenExisting is Open for readers: a collection that does not exist yet
// is reported instead of created.
func (ix *Indexer) OpenExisting(ctx context.Context, collection string) error {
	ok, err := ix.backend.HasCollection(ctx, collection)
	if err != nil {
		return err
	}
	if !ok {
		return errors.NoSuchCollection("open", collection)
	}
	return ix.Open(ctx, collection)
}

// prepared is a document turned into a write-ready batch.
type prepared struct {
	docID     string
	ids       []string
	texts     []string
	metadatas []store.Metadata
	repeats   int
}

// prepare chunks doc and builds its batch. It does not touch the backend.
func (ix *Indexer) prepare(doc SourceDocument) (*prepared, error) {
	meta := doc.Metadata.Clone()
	if meta == nil {
		meta = store.Metadata{}
	}
	if p, _ := meta[store.MetaProjectID].(string); strings.TrimSpace(p) == "" {
		if ix.config.ProjectID == "" {
			return nil, errors.ValidationError("document metadata must include "+store.MetaProjectID, nil).
				WithDetail("docId", doc.ID)
		}
		meta[store.MetaProjectID] = ix.config.ProjectID
	}
	if _, ok := meta[store.MetaType]; !ok {
		meta[store.MetaType] = DefaultContentType
	}

	docID := doc.ID
	if docID == "" {
		docID = uuid.NewString()
	}
	meta[store.MetaDocID] = docID

	p := &prepared{docID: docID}
	seen := make(map[string]struct{})
	for _, text := range ix.config.Splitter.Split(doc.Text) {
		id := chunk.Address(text)
		if _, dup := seen[id]; dup {
			p.repeats++
			continue
		}
		seen[id] = struct{}{}
		p.ids = append(p.ids, id)
		p.texts = append(p.texts, text)
	}

	total := len(p.ids)
	p.metadatas = make([]store.Metadata, total)
	for i := range p.ids {
		m := meta.Clone()
		m[store.MetaChunkID] = i + 1
		m[store.MetaChunkTotal] = total
		p.metadatas[i] = m
	}
	return p, nil
}

// write hands a prepared batch to the backend.
func (ix *Indexer) write(ctx context.Context, p *prepared) (IngestResult, error) {
	res := IngestResult{DocID: p.docID, Repeats: p.repeats}
	if ix.config.ReplaceDocuments {
		if err := ix.DeleteDocument(ctx, p.docID); err != nil {
			return res, err
		}
	}
	if len(p.ids) == 0 {
		slog.Debug("document_has_no_chunks", slog.String("doc_id", p.docID))
		return res, nil
	}
	if err := ix.backend.AddDocuments(ctx, p.ids, p.metadatas, p.texts); err != nil {
		return res, err
	}
	res.Chunks = len(p.ids)
	slog.Debug("document_ingested",
		slog.String("doc_id", p.docID),
		slog.Int("chunks", res.Chunks),
		slog.Int("repeats", res.Repeats))
	return res, nil
}

// Ingest chunks doc and writes it to the open collection.
//
// Chunk ids are content addresses, so re-ingesting unchanged text
// overwrites the same records instead of adding new ones.
func (ix *Indexer) Ingest(ctx context.Context, doc SourceDocument) (IngestResult, error) {
	p, err := ix.prepare(doc)
	if err != nil {
		return IngestResult{DocID: doc.ID}, err
	}
	return ix.write(ctx, p)
}

// IngestAll ingests docs in order and stops at the first error, returning
// the results of the documents written before it. Chunking runs in
// parallel; writes do not.
func (ix *Indexer) IngestAll(ctx context.Context, docs []SourceDocument) ([]IngestResult, error) {
	batches := make([]*prepared, len(docs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(ix.config.Workers)
	for i, doc := range docs {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			p, err := ix.prepare(doc)
			if err != nil {
				return fmt.Errorf("document %d: %w", i, err)
			}
			batches[i] = p
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	start := time.Now()
	results := make([]IngestResult, 0, len(docs))
	var chunks int
	for _, p := range batches {
		res, err := ix.write(ctx, p)
		if err != nil {
			return results, err
		}
		results = append(results, res)
		chunks += res.Chunks
	}
	slog.Info("ingest_completed",
		slog.String("collection", ix.backend.Collection()),
		slog.Int("documents", len(results)),
		slog.Int("chunks", chunks),
		slog.Duration("duration", time.Since(start)))
	return results, nil
}

// Query returns up to n chunks nearest to text.
func (ix *Indexer) Query(ctx context.Context, text string, where store.Filter, n int) ([]store.QueryResult, error) {
	var texts []string
	if strings.TrimSpace(text) != "" {
		texts = []string{text}
	}
	start := time.Now()
	results, err := ix.backend.Query(ctx, texts, where, n)
	ix.config.Metrics.Record(telemetry.QueryEvent{
		Collection:  ix.backend.Collection(),
		Query:       text,
		ResultCount: len(results),
		Latency:     time.Since(start),
		Failed:      err != nil,
	})
	return results, err
}

// Metrics returns the query metrics, or nil when none were configured.
func (ix *Indexer) Metrics() *telemetry.QueryMetrics { return ix.config.Metrics }

// Delete removes every chunk matching where.
func (ix *Indexer) Delete(ctx context.Context, where store.Filter) error {
	return ix.backend.DeleteDocuments(ctx, where)
}

// DeleteDocument removes every chunk of docID.
func (ix *Indexer) DeleteDocument(ctx context.Context, docID string) error {
	if docID == "" {
		return errors.ValidationError("document id is required", nil)
	}
	return ix.backend.DeleteDocuments(ctx, store.Filter{store.MetaDocID: docID})
}

// Count returns the number of chunks in the open collection.
func (ix *Indexer) Count(ctx context.Context) (int, error) {
	return ix.backend.Count(ctx)
}

// Close closes the backend.
func (ix *Indexer) Close() error {
	return ix.backend.Close()
}
