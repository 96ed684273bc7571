package store

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"github.com/Aman-CERP/ragindex/internal/embed"
	"github.com/Aman-CERP/ragindex/internal/errors"
)

const (
	mongoEmbeddingPath = "embedding"
	mongoMetadataPath  = "metadata"
	mongoConnectWait   = 10 * time.Second
)

// MongoBackend keeps one MongoDB collection per name, searched through an
// Atlas vectorSearch index created together with the collection.
type MongoBackend struct {
	core
	opts MongoOptions

	client *mongo.Client
	db     *mongo.Database
	coll   *mongo.Collection
	filter map[string]struct{}
}

// NewMongoBackend creates a client for opts.Mongo.URI. The server is first
// contacted by InitializeCollection.
func NewMongoBackend(embedder embed.Embedder, tokens embed.TokenCounter, opts Options) (*MongoBackend, error) {
	if embedder == nil {
		return nil, errors.ConfigError("mongo backend requires an embedder", nil)
	}
	mo := opts.Mongo
	if mo.Database == "" {
		mo.Database = "ragindex"
	}
	if mo.IndexName == "" {
		mo.IndexName = "vector_index"
	}
	if mo.NumCandidates <= 0 {
		mo.NumCandidates = 100
	}

	// ApplyURI last so a serverSelectionTimeoutMS in the URI wins.
	client, err := mongo.Connect(context.Background(),
		options.Client().SetServerSelectionTimeout(mongoConnectWait).ApplyURI(mo.URI))
	if err != nil {
		return nil, errors.BackendUnavailable("connect", "", err)
	}

	filter := make(map[string]struct{}, len(mo.FilterFields))
	for _, f := range mo.FilterFields {
		filter[f] = struct{}{}
	}
	return &MongoBackend{
		core:   newCore(BackendMongo, embedder, tokens, opts),
		opts:   mo,
		client: client,
		db:     client.Database(mo.Database),
		filter: filter,
	}, nil
}

// InitializeCollection implements Backend.
func (b *MongoBackend) InitializeCollection(ctx context.Context, name string) error {
	return initialize(ctx, b, &b.core, name)
}

// HasCollection implements Backend.
func (b *MongoBackend) HasCollection(ctx context.Context, name string) (bool, error) {
	return hasCollection(ctx, &b.core, name, func(ctx context.Context) (bool, error) {
		names, err := b.db.ListCollectionNames(ctx, bson.D{{Key: "name", Value: name}})
		if err != nil {
			return false, errors.BackendUnavailable("has_collection", name, err)
		}
		return len(names) > 0, nil
	})
}

// ReindexCollection implements Backend.
func (b *MongoBackend) ReindexCollection(ctx context.Context, name string) error {
	return reindex(ctx, b, name)
}

func (b *MongoBackend) open(ctx context.Context, name string) (ReindexReason, error) {
	const op = "initialize_collection"
	return runIn(ctx, &b.core, op, func(ctx context.Context) (ReindexReason, error) {
		if b.collection == name {
			return "", nil
		}
		b.coll = nil
		b.setCollection("")

		if err := b.client.Ping(ctx, readpref.Primary()); err != nil {
			return "", errors.BackendUnavailable(op, name, err)
		}

		if err := b.commit(ctx, op); err != nil {
			return "", err
		}
		names, err := b.db.ListCollectionNames(ctx, bson.D{{Key: "name", Value: name}})
		if err != nil {
			return "", errors.BackendUnavailable(op, name, err)
		}
		created := len(names) == 0
		if created {
			if err := b.db.CreateCollection(ctx, name); err != nil {
				return "", errors.BackendUnavailable(op, name, err)
			}
		}
		coll := b.db.Collection(name)

		if created {
			model := mongo.SearchIndexModel{
				Definition: mongoSearchIndexDefinition(b.embedder.Dimensions(), b.opts.FilterFields),
				Options:    options.SearchIndexes().SetName(b.opts.IndexName).SetType("vectorSearch"),
			}
			if _, err := coll.SearchIndexes().CreateOne(ctx, model); err != nil {
				// Leave the collection absent so the next initialize retries.
				_ = coll.Drop(ctx)
				return "", errors.BackendUnavailable(op, name, fmt.Errorf("create search index: %w", err))
			}
		}

		count, err := coll.CountDocuments(ctx, bson.D{})
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
			slog.String("database", b.opts.Database),
			slog.Int64("chunks", count),
			slog.String("reindex_reason", string(reason)))
		return reason, nil
	})
}

// mongoSearchIndexDefinition describes the vectorSearch index: the
// embedding plus each metadata field usable in filters.
func mongoSearchIndexDefinition(dimensions int, filterFields []string) bson.D {
	fields := bson.A{
		bson.D{
			{Key: "type", Value: "vector"},
			{Key: "path", Value: mongoEmbeddingPath},
			{Key: "numDimensions", Value: dimensions},
			{Key: "similarity", Value: "cosine"},
		},
	}
	for _, f := range filterFields {
		fields = append(fields, bson.D{
			{Key: "type", Value: "filter"},
			{Key: "path", Value: mongoMetadataPath + "." + f},
		})
	}
	return bson.D{{Key: "fields", Value: fields}}
}

// mongoFilter translates predicates to a metadata.<field> $eq document.
func mongoFilter(preds []predicate) bson.D {
	if len(preds) == 0 {
		return bson.D{}
	}
	clauses := make(bson.A, 0, len(preds))
	for _, p := range preds {
		clauses = append(clauses, bson.D{{
			Key:   mongoMetadataPath + "." + p.Field,
			Value: bson.D{{Key: "$eq", Value: p.Value}},
		}})
	}
	if len(clauses) == 1 {
		return clauses[0].(bson.D)
	}
	return bson.D{{Key: "$and", Value: clauses}}
}

// mongoSearchPipeline builds the $vectorSearch aggregation.
func mongoSearchPipeline(index string, vector []float32, preds []predicate, numCandidates, limit int) mongo.Pipeline {
	if numCandidates < limit {
		numCandidates = limit
	}
	search := bson.D{
		{Key: "index", Value: index},
		{Key: "path", Value: mongoEmbeddingPath},
		{Key: "queryVector", Value: vector},
		{Key: "numCandidates", Value: numCandidates},
		{Key: "limit", Value: limit},
	}
	if len(preds) > 0 {
		search = append(search, bson.E{Key: "filter", Value: mongoFilter(preds)})
	}
	return mongo.Pipeline{
		{{Key: "$vectorSearch", Value: search}},
		{{Key: "$project", Value: bson.D{
			{Key: "text", Value: 1},
			{Key: mongoMetadataPath, Value: 1},
			{Key: "score", Value: bson.D{{Key: "$meta", Value: "vectorSearchScore"}}},
		}}},
	}
}

// checkFilterFields rejects predicates on fields the search index does not
// declare; Atlas would refuse them at query time.
func (b *MongoBackend) checkFilterFields(preds []predicate) error {
	for _, p := range preds {
		if _, ok := b.filter[p.Field]; !ok {
			return errors.FilterUnsupported(fmt.Sprintf("field %q is not a vector search filter field", p.Field)).
				WithSuggestion("Add the field to mongo.filter_fields and reindex")
		}
	}
	return nil
}

// AddDocuments implements Backend.
func (b *MongoBackend) AddDocuments(ctx context.Context, ids []string, metadatas []Metadata, documents []string) error {
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

		models := make([]mongo.WriteModel, 0, bt.Len())
		for i, id := range bt.ids {
			doc := mongoChunk{
				ID:        id,
				Text:      bt.documents[i],
				Embedding: bt.vectors[i],
				Metadata:  bt.metadatas[i],
			}
			models = append(models, mongo.NewReplaceOneModel().
				SetFilter(bson.D{{Key: "_id", Value: id}}).
				SetReplacement(doc).
				SetUpsert(true))
		}
		if err := b.commit(ctx, op); err != nil {
			return err
		}
		if _, err := b.coll.BulkWrite(ctx, models, options.BulkWrite().SetOrdered(false)); err != nil {
			return errors.BackendUnavailable(op, b.collection, err)
		}
		b.logger.Debug("documents_added",
			slog.String("collection", b.collection),
			slog.Int("count", bt.Len()))
		return nil
	})
}

// Query implements Backend.
func (b *MongoBackend) Query(ctx context.Context, queryTexts []string, where Filter, nResults int) ([]QueryResult, error) {
	const op = "query"
	return runIn(ctx, &b.core, op, func(ctx context.Context) ([]QueryResult, error) {
		if err := b.requireOpen(op); err != nil {
			return nil, err
		}
		preds, err := flattenFilter(where)
		if err != nil {
			return nil, err
		}
		if err := b.checkFilterFields(preds); err != nil {
			return nil, err
		}
		vec, err := b.embedQuery(ctx, op, queryTexts, nResults)
		if err != nil {
			return nil, err
		}

		cur, err := b.coll.Aggregate(ctx, mongoSearchPipeline(b.opts.IndexName, vec, preds, b.opts.NumCandidates, nResults))
		if err != nil {
			return nil, errors.New(errors.ErrCodeSearchFailed, "vector search failed", err).WithOp(op, b.collection)
		}
		var docs []mongoChunk
		if err := cur.All(ctx, &docs); err != nil {
			return nil, errors.New(errors.ErrCodeSearchFailed, "read search results", err).WithOp(op, b.collection)
		}
		return projectMongo(docs), nil
	})
}

// DeleteDocuments implements Backend.
func (b *MongoBackend) DeleteDocuments(ctx context.Context, where Filter) error {
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
		res, err := b.coll.DeleteMany(ctx, mongoFilter(preds))
		if err != nil {
			return errors.BackendUnavailable(op, b.collection, err)
		}
		b.logger.Info("documents_deleted",
			slog.String("collection", b.collection),
			slog.Int64("count", res.DeletedCount))
		return nil
	})
}

// Count implements Backend.
func (b *MongoBackend) Count(ctx context.Context) (int, error) {
	const op = "count"
	return runIn(ctx, &b.core, op, func(ctx context.Context) (int, error) {
		if err := b.requireOpen(op); err != nil {
			return 0, err
		}
		n, err := b.coll.CountDocuments(ctx, bson.D{})
		if err != nil {
			return 0, errors.BackendUnavailable(op, b.collection, err)
		}
		return int(n), nil
	})
}

// ClearCollection implements Backend. Dropping the collection also drops
// its search index.
func (b *MongoBackend) ClearCollection(ctx context.Context) error {
	const op = "clear_collection"
	return b.run(ctx, op, func(ctx context.Context) error {
		if err := b.requireOpen(op); err != nil {
			return err
		}
		if err := b.commit(ctx, op); err != nil {
			return err
		}
		name := b.collection
		if err := b.coll.Drop(ctx); err != nil {
			return errors.BackendUnavailable(op, name, err)
		}
		b.coll = nil
		b.setCollection("")
		b.logger.Info("collection_cleared", slog.String("collection", name))
		return nil
	})
}

// Close implements Backend.
func (b *MongoBackend) Close() error {
	return b.run(context.Background(), "close", func(ctx context.Context) error {
		b.coll = nil
		b.setCollection("")
		return b.client.Disconnect(ctx)
	})
}

var _ Backend = (*MongoBackend)(nil)
