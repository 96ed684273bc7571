package store

import (
	"context"
	"encoding/json"
	"fmt"
	"math"

	chroma "github.com/amikos-tech/chroma-go/pkg/api/v2"
	"github.com/amikos-tech/chroma-go/pkg/embeddings"

	"github.com/Aman-CERP/ragindex/internal/embed"
)

// chromaEmbeddingFunction lets Chroma reuse the injected embedder instead
// of its bundled default model.
type chromaEmbeddingFunction struct {
	embedder embed.Embedder
}

func (f chromaEmbeddingFunction) EmbedDocuments(ctx context.Context, texts []string) ([]embeddings.Embedding, error) {
	vecs, err := f.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return nil, err
	}
	out := make([]embeddings.Embedding, len(vecs))
	for i, v := range vecs {
		out[i] = embeddings.NewEmbeddingFromFloat32(v)
	}
	return out, nil
}

func (f chromaEmbeddingFunction) EmbedQuery(ctx context.Context, text string) (embeddings.Embedding, error) {
	v, err := f.embedder.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	return embeddings.NewEmbeddingFromFloat32(v), nil
}

// chromaHTTPServer adapts the chroma-go v2 HTTP client to chromaServer.
type chromaHTTPServer struct {
	client chroma.Client
	ef     chromaEmbeddingFunction
}

func newChromaHTTPServer(opts ChromaOptions, embedder embed.Embedder) (*chromaHTTPServer, error) {
	clientOpts := []chroma.ClientOption{chroma.WithBaseURL(opts.URL)}
	if opts.Tenant != "" || opts.Database != "" {
		tenant, database := opts.Tenant, opts.Database
		if tenant == "" {
			tenant = "default_tenant"
		}
		if database == "" {
			database = "default_database"
		}
		clientOpts = append(clientOpts, chroma.WithDatabaseAndTenant(database, tenant))
	}
	client, err := chroma.NewHTTPClient(clientOpts...)
	if err != nil {
		return nil, err
	}
	return &chromaHTTPServer{client: client, ef: chromaEmbeddingFunction{embedder: embedder}}, nil
}

func (s *chromaHTTPServer) Heartbeat(ctx context.Context) error {
	return s.client.Heartbeat(ctx)
}

func (s *chromaHTTPServer) OpenCollection(ctx context.Context, name string) (chromaCollection, bool, error) {
	col, err := s.client.GetCollection(ctx, name, chroma.WithEmbeddingFunctionGet(s.ef))
	if err == nil {
		return &chromaHTTPCollection{col: col}, false, nil
	}
	col, err = s.client.CreateCollection(ctx, name, chroma.WithEmbeddingFunctionCreate(s.ef))
	if err != nil {
		return nil, false, err
	}
	return &chromaHTTPCollection{col: col}, true, nil
}

// chromaListPage is the page size used when scanning collection names.
const chromaListPage = 100

func (s *chromaHTTPServer) HasCollection(ctx context.Context, name string) (bool, error) {
	for offset := 0; ; offset += chromaListPage {
		cols, err := s.client.ListCollections(ctx, chroma.ListWithLimit(chromaListPage), chroma.ListWithOffset(offset))
		if err != nil {
			return false, err
		}
		for _, c := range cols {
			if c.Name() == name {
				return true, nil
			}
		}
		if len(cols) < chromaListPage {
			return false, nil
		}
	}
}

func (s *chromaHTTPServer) DeleteCollection(ctx context.Context, name string) error {
	return s.client.DeleteCollection(ctx, name)
}

func (s *chromaHTTPServer) Close() error {
	return s.client.Close()
}

type chromaHTTPCollection struct {
	col chroma.Collection
}

func (c *chromaHTTPCollection) Upsert(ctx context.Context, ids []string, vectors [][]float32, documents []string, metadatas []Metadata) error {
	docIDs := make([]chroma.DocumentID, len(ids))
	embs := make([]embeddings.Embedding, len(ids))
	metas := make([]chroma.DocumentMetadata, len(ids))
	for i := range ids {
		docIDs[i] = chroma.DocumentID(ids[i])
		embs[i] = embeddings.NewEmbeddingFromFloat32(vectors[i])
		m, err := chromaMetadata(metadatas[i])
		if err != nil {
			return fmt.Errorf("metadata for %s: %w", ids[i], err)
		}
		metas[i] = m
	}
	return c.col.Upsert(ctx,
		chroma.WithIDs(docIDs...),
		chroma.WithTexts(documents...),
		chroma.WithEmbeddings(embs...),
		chroma.WithMetadatas(metas...),
	)
}

// includeDistances is not among the Include constants the client exports,
// but the server accepts it like any other include key.
const includeDistances chroma.Include = "distances"

// chromaQueryOptions builds the options for a nearest-neighbor query on a
// precomputed embedding.
func chromaQueryOptions(vector []float32, preds []predicate, n int) []chroma.CollectionQueryOption {
	opts := []chroma.CollectionQueryOption{
		chroma.WithQueryEmbeddings(embeddings.NewEmbeddingFromFloat32(vector)),
		chroma.WithNResults(n),
		chroma.WithIncludeQuery(chroma.IncludeDocuments, chroma.IncludeMetadatas, includeDistances),
	}
	if where := chromaWhere(preds); where != nil {
		opts = append(opts, chroma.WithWhereQuery(where))
	}
	return opts
}

func (c *chromaHTTPCollection) Query(ctx context.Context, vector []float32, preds []predicate, n int) ([]chromaHit, error) {
	opts := chromaQueryOptions(vector, preds, n)
	res, err := c.col.Query(ctx, opts...)
	if err != nil {
		return nil, err
	}

	idGroups := res.GetIDGroups()
	if len(idGroups) == 0 {
		return nil, nil
	}
	ids := idGroups[0]
	var docs chroma.Documents
	if g := res.GetDocumentsGroups(); len(g) > 0 {
		docs = g[0]
	}
	var metas chroma.DocumentMetadatas
	if g := res.GetMetadatasGroups(); len(g) > 0 {
		metas = g[0]
	}
	var dists embeddings.Distances
	if g := res.GetDistancesGroups(); len(g) > 0 {
		dists = g[0]
	}

	hits := make([]chromaHit, 0, len(ids))
	for i, id := range ids {
		h := chromaHit{ID: string(id), Metadata: map[string]any{}}
		if i < len(docs) && docs[i] != nil {
			h.Document = docs[i].ContentString()
		}
		if i < len(metas) && metas[i] != nil {
			m, err := metadataFromChroma(metas[i])
			if err != nil {
				return nil, fmt.Errorf("metadata for %s: %w", id, err)
			}
			h.Metadata = m
		}
		if i < len(dists) {
			h.Distance = float64(dists[i])
		}
		hits = append(hits, h)
	}
	return hits, nil
}

func (c *chromaHTTPCollection) Delete(ctx context.Context, preds []predicate) error {
	return c.col.Delete(ctx, chroma.WithWhereDelete(chromaWhere(preds)))
}

func (c *chromaHTTPCollection) Count(ctx context.Context) (int, error) {
	return c.col.Count(ctx)
}

// chromaNumber classifies a numeric value the way Chroma stores it:
// integral values go to the int column, the rest to the float column.
// Write and filter paths both use it so an $eq compares like with like.
func chromaNumber(v any) (i int64, f float64, integral, ok bool) {
	f, ok = toFloat(v)
	if !ok {
		return 0, 0, false, false
	}
	if f == math.Trunc(f) && math.Abs(f) < 1<<53 {
		return int64(f), f, true, true
	}
	return 0, f, false, true
}

// chromaMetadata converts scalar metadata to Chroma attributes.
func chromaMetadata(m Metadata) (chroma.DocumentMetadata, error) {
	attrs := make([]*chroma.MetaAttribute, 0, len(m))
	for k, v := range m {
		switch val := v.(type) {
		case string:
			attrs = append(attrs, chroma.NewStringAttribute(k, val))
		case bool:
			attrs = append(attrs, chroma.NewBoolAttribute(k, val))
		default:
			i, f, integral, ok := chromaNumber(v)
			switch {
			case !ok:
				return nil, fmt.Errorf("unsupported metadata type %T for %q", v, k)
			case integral:
				attrs = append(attrs, chroma.NewIntAttribute(k, i))
			default:
				attrs = append(attrs, chroma.NewFloatAttribute(k, f))
			}
		}
	}
	return chroma.NewDocumentMetadata(attrs...), nil
}

// metadataFromChroma reads Chroma metadata back through its JSON form.
func metadataFromChroma(m chroma.DocumentMetadata) (map[string]any, error) {
	raw, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	out := map[string]any{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// chromaWhere translates predicates to $eq clauses joined by $and.
func chromaWhere(preds []predicate) chroma.WhereClause {
	clauses := make([]chroma.WhereClause, 0, len(preds))
	for _, p := range preds {
		clauses = append(clauses, chromaEq(p))
	}
	switch len(clauses) {
	case 0:
		return nil
	case 1:
		return clauses[0]
	default:
		return chroma.And(clauses...)
	}
}

func chromaEq(p predicate) chroma.WhereClause {
	switch v := p.Value.(type) {
	case string:
		return chroma.EqString(p.Field, v)
	case bool:
		return chroma.EqBool(p.Field, v)
	}
	i, f, integral, _ := chromaNumber(p.Value)
	if integral {
		return chroma.EqInt(p.Field, int(i))
	}
	return chroma.EqFloat(p.Field, float32(f))
}
