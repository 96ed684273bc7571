package store

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Aman-CERP/ragindex/internal/embed"
	"github.com/Aman-CERP/ragindex/internal/errors"
)

// mongoTestURI points at an Atlas (or Atlas local) deployment with
// vector search enabled. Tests are skipped without it.
func mongoTestURI(t *testing.T) string {
	t.Helper()
	uri := os.Getenv("RAGINDEX_TEST_MONGO_URI")
	if uri == "" {
		t.Skip("RAGINDEX_TEST_MONGO_URI not set")
	}
	return uri
}

func TestMongoBackend_PreInitGuard(t *testing.T) {
	// Given: a client for a server that is not running; connecting is lazy
	ctx := context.Background()
	opts := testOptions(t.TempDir())
	opts.Mongo = DefaultOptions("").Mongo
	opts.Mongo.URI = "mongodb://127.0.0.1:1/?serverSelectionTimeoutMS=200"
	b, err := NewMongoBackend(embed.NewStaticEmbedder(), nil, opts)
	require.NoError(t, err)
	defer b.Close()

	// When/Then: every collection operation is refused before initialize
	err = b.AddDocuments(ctx, []string{"a"}, []Metadata{{"projectId": "p"}}, []string{"text"})
	assert.ErrorIs(t, err, errors.ErrNotInitialized)

	_, err = b.Query(ctx, []string{"text"}, nil, 5)
	assert.ErrorIs(t, err, errors.ErrNotInitialized)

	assert.ErrorIs(t, b.DeleteDocuments(ctx, Filter{"projectId": "p"}), errors.ErrNotInitialized)
	assert.ErrorIs(t, b.ClearCollection(ctx), errors.ErrNotInitialized)

	_, err = b.Count(ctx)
	assert.ErrorIs(t, err, errors.ErrNotInitialized)
	assert.Empty(t, b.Collection())
}

func TestMongoBackend_InitializeWithoutServer(t *testing.T) {
	// Given: no server behind the URI
	opts := testOptions(t.TempDir())
	opts.Mongo = DefaultOptions("").Mongo
	opts.Mongo.URI = "mongodb://127.0.0.1:1/?serverSelectionTimeoutMS=200"
	b, err := NewMongoBackend(embed.NewStaticEmbedder(), nil, opts)
	require.NoError(t, err)
	defer b.Close()

	// When: initializing
	err = b.InitializeCollection(context.Background(), "docs")

	// Then: BackendUnavailable, and no handle is left open
	assert.ErrorIs(t, err, errors.ErrBackendUnavailable)
	assert.Empty(t, b.Collection())
}

func TestMongoBackend_CheckFilterFields(t *testing.T) {
	b := &MongoBackend{filter: map[string]struct{}{MetaProjectID: {}}}

	assert.NoError(t, b.checkFilterFields([]predicate{{Field: MetaProjectID, Value: "p"}}))

	err := b.checkFilterFields([]predicate{{Field: "author", Value: "x"}})
	assert.ErrorIs(t, err, errors.ErrFilterUnsupported)
}

func TestProjectMongo_SortsByScore(t *testing.T) {
	got := projectMongo([]mongoChunk{
		{ID: "low", Text: "a", Score: 0.2, Metadata: map[string]any{"chunkId": int32(4)}},
		{ID: "high", Text: "b", Score: 0.9},
	})

	require.Len(t, got, 2)
	assert.Equal(t, "high", got[0].ID)
	assert.Equal(t, int64(4), got[1].Metadata["chunkId"])
}

func TestMongoBackend_Integration(t *testing.T) {
	uri := mongoTestURI(t)
	ctx := context.Background()

	opts := testOptions(t.TempDir())
	opts.OperationTimeout = time.Minute
	opts.Mongo = DefaultOptions("").Mongo
	opts.Mongo.URI = uri
	opts.Mongo.Database = fmt.Sprintf("ragindex_test_%d", time.Now().UnixNano())

	b, err := NewMongoBackend(embed.NewStaticEmbedder(), nil, opts)
	require.NoError(t, err)
	defer b.Close()

	rec := &eventRecorder{}
	b.OnNeedsReindex(rec.handle)
	require.NoError(t, b.InitializeCollection(ctx, "docs"))
	defer func() { _ = b.ClearCollection(ctx) }()
	require.Len(t, rec.all(), 1)

	require.NoError(t, b.AddDocuments(ctx,
		[]string{"p1-0", "p2-0"},
		[]Metadata{{MetaProjectID: "p1", MetaChunkID: 1}, {MetaProjectID: "p2", MetaChunkID: 1}},
		[]string{"alpha text", "beta text"}))

	n, err := b.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	// Atlas search indexes are eventually consistent.
	require.Eventually(t, func() bool {
		res, err := b.Query(ctx, []string{"alpha text"}, Filter{MetaProjectID: "p1"}, 5)
		return err == nil && len(res) == 1 && res[0].ID == "p1-0"
	}, 30*time.Second, time.Second)

	require.NoError(t, b.DeleteDocuments(ctx, Filter{MetaProjectID: "p1"}))
	n, err = b.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
