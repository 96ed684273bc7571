// Package store provides the storage contract for the retrieval index and
// its backends: an embedded HNSW file index, SQLite with a registered vector
// distance function, a Chroma server, and MongoDB Atlas vector search.
package store

import (
	"context"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/Aman-CERP/ragindex/internal/errors"
)

// BackendType names one of the closed set of storage backends.
type BackendType string

const (
	BackendHNSW   BackendType = "hnsw"
	BackendSQLite BackendType = "sqlite"
	BackendChroma BackendType = "chroma"
	BackendMongo  BackendType = "mongo"
)

// BackendTypes lists every supported backend in factory order.
var BackendTypes = []BackendType{BackendHNSW, BackendSQLite, BackendChroma, BackendMongo}

// Valid reports whether t is a known backend.
func (t BackendType) Valid() bool {
	for _, bt := range BackendTypes {
		if t == bt {
			return true
		}
	}
	return false
}

// Well-known metadata keys stamped on every chunk by the ingestion pipeline.
const (
	MetaProjectID  = "projectId"
	MetaURL        = "url"
	MetaTitle      = "title"
	MetaDocID      = "docId"
	MetaChunkID    = "chunkId"
	MetaChunkTotal = "chunkTotal"
	MetaType       = "type"
	MetaSubtype    = "subtype"
	MetaArtifactID = "artifactId"
)

// Metadata is the flat attribute map attached to a chunk.
// Values are scalars: string, bool, or a number.
type Metadata map[string]any

// Clone returns a shallow copy.
func (m Metadata) Clone() Metadata {
	if m == nil {
		return nil
	}
	out := make(Metadata, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// QueryResult is one nearest-neighbor hit.
//
// Score is backend native: cosine distance for hnsw, sqlite and chroma
// (lower is closer), vectorSearchScore for mongo (higher is closer).
// Results are always returned best-first.
type QueryResult struct {
	ID       string   `json:"id"`
	Text     string   `json:"text"`
	Metadata Metadata `json:"metadata"`
	Score    float64  `json:"score"`
}

// Filter is an equality predicate over metadata.
// Supported shapes: {field: scalar}, {field: {"$eq": scalar}} and
// {"$and": [Filter, ...]}, nested freely.
type Filter map[string]any

// ReindexReason explains why a collection needs repopulating.
type ReindexReason string

const (
	ReasonCreated ReindexReason = "created"
	ReasonEmpty   ReindexReason = "empty"
)

// ReindexEvent is raised after InitializeCollection finds a new or empty
// collection.
type ReindexEvent struct {
	Collection string
	Backend    BackendType
	Reason     ReindexReason
}

// ReindexHandler receives ReindexEvents. It runs on the goroutine that
// called InitializeCollection, after the write slot has been released, so
// it may call back into the backend.
type ReindexHandler func(ctx context.Context, ev ReindexEvent)

// Backend is the storage contract every backend implements.
//
// All operations other than GetTokenCount, OnNeedsReindex and Type pass
// through the backend's serializer. Operations on a backend with no open
// collection fail with errors.ErrNotInitialized.
type Backend interface {
	// InitializeCollection opens or creates the named collection.
	// Re-initializing the open collection is a no-op. A different name
	// closes the current handle first. Emits needsReindex once when the
	// collection is new or empty.
	InitializeCollection(ctx context.Context, name string) error

	// HasCollection reports whether name exists. It never creates it.
	HasCollection(ctx context.Context, name string) (bool, error)

	// AddDocuments embeds and upserts chunks. The three slices must have
	// equal length. Ids repeated within the call are skipped.
	AddDocuments(ctx context.Context, ids []string, metadatas []Metadata, documents []string) error

	// Query embeds queryTexts[0] and returns up to nResults hits matching
	// where, best-first.
	Query(ctx context.Context, queryTexts []string, where Filter, nResults int) ([]QueryResult, error)

	// ClearCollection destroys the open collection and closes the handle.
	ClearCollection(ctx context.Context) error

	// ReindexCollection clears the collection and initializes it again.
	ReindexCollection(ctx context.Context, name string) error

	// DeleteDocuments removes every chunk matching where.
	// An empty filter is rejected; use ClearCollection instead.
	DeleteDocuments(ctx context.Context, where Filter) error

	// GetTokenCount delegates to the injected token counter.
	GetTokenCount(ctx context.Context, text string) (int, error)

	// OnNeedsReindex registers a handler for ReindexEvents.
	OnNeedsReindex(fn ReindexHandler)

	// Count returns the number of stored chunks.
	Count(ctx context.Context) (int, error)

	// Collection returns the open collection name, or "".
	Collection() string

	Type() BackendType
	Close() error
}

// HNSWOptions tunes the embedded graph.
type HNSWOptions struct {
	M        int
	EfSearch int
	Metric   string // "cos" or "l2"
}

// SQLiteOptions tunes the SQLite backend.
type SQLiteOptions struct {
	CacheMB int
}

// ChromaOptions addresses a Chroma server.
type ChromaOptions struct {
	URL      string
	Tenant   string
	Database string
}

// MongoOptions addresses a MongoDB deployment with Atlas Search.
type MongoOptions struct {
	URI           string
	Database      string
	IndexName     string
	NumCandidates int
	FilterFields  []string
}

// Options configures backend construction.
type Options struct {
	// DataRoot holds embedded collections (one directory or .db file each).
	DataRoot string

	// DefaultBackend is used when the requested type is unknown.
	DefaultBackend BackendType

	// OperationTimeout bounds each serialized operation.
	OperationTimeout time.Duration

	HNSW   HNSWOptions
	SQLite SQLiteOptions
	Chroma ChromaOptions
	Mongo  MongoOptions

	Logger *slog.Logger
}

// DefaultOptions returns options matching the configuration defaults.
func DefaultOptions(dataRoot string) Options {
	return Options{
		DataRoot:         dataRoot,
		DefaultBackend:   BackendHNSW,
		OperationTimeout: 2 * time.Minute,
		HNSW:             HNSWOptions{M: 16, EfSearch: 64, Metric: "cos"},
		SQLite:           SQLiteOptions{CacheMB: 64},
		Chroma:           ChromaOptions{URL: "http://localhost:8000"},
		Mongo: MongoOptions{
			URI:           "mongodb://localhost:27017",
			Database:      "ragindex",
			IndexName:     "vector_index",
			NumCandidates: 100,
			FilterFields:  []string{MetaProjectID, MetaDocID, MetaType, MetaSubtype, MetaArtifactID},
		},
	}
}

func (o Options) logger() *slog.Logger {
	if o.Logger != nil {
		return o.Logger
	}
	return slog.Default()
}

// validateCollectionName rejects names that are empty or would escape the
// data root when used as a path component.
func validateCollectionName(name string) error {
	if strings.TrimSpace(name) == "" {
		return errors.ValidationError("collection name is required", nil)
	}
	if name != filepath.Base(name) || name == "." || name == ".." || strings.ContainsAny(name, `/\`) {
		return errors.ValidationError("invalid collection name: "+name, nil).
			WithDetail("collection", name)
	}
	return nil
}
