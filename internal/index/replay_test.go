package index

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Aman-CERP/ragindex/internal/store"
)

type failingSource struct{}

func (failingSource) Sources(context.Context) ([]SourceDocument, error) {
	return nil, errors.New("source offline")
}

func TestEnableReplay_RepopulatesNewCollection(t *testing.T) {
	for _, kind := range embeddedBackends {
		t.Run(string(kind), func(t *testing.T) {
			// Given: an indexer that replays a fixed set of documents
			ctx := context.Background()
			ix := newTestIndexer(t, kind, Config{ProjectID: "p1"})
			ix.EnableReplay(StaticSource{
				{ID: "a.md", Text: "Replayed alpha document."},
				{ID: "b.md", Text: "Replayed beta document."},
			})

			// When: a new collection is opened
			require.NoError(t, ix.Open(ctx, "fresh"))

			// Then: it is already populated when Open returns
			n, err := ix.Count(ctx)
			require.NoError(t, err)
			assert.Equal(t, 2, n)
		})
	}
}

func TestEnableReplay_ReindexReplaysAgain(t *testing.T) {
	// Given: a replayed collection that later gains an extra chunk
	ctx := context.Background()
	ix := newTestIndexer(t, store.BackendSQLite, Config{ProjectID: "p1"})
	ix.EnableReplay(StaticSource{{ID: "a.md", Text: "Only source document."}})
	require.NoError(t, ix.Open(ctx, "docs"))
	_, err := ix.Ingest(ctx, SourceDocument{ID: "stray", Text: "Not from the source."})
	require.NoError(t, err)

	// When: reindexing
	require.NoError(t, ix.Backend().ReindexCollection(ctx, "docs"))

	// Then: only the source documents remain
	n, err := ix.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestEnableReplay_SourceFailureLeavesCollectionOpen(t *testing.T) {
	ctx := context.Background()
	ix := newTestIndexer(t, store.BackendHNSW, Config{ProjectID: "p1"})
	ix.EnableReplay(failingSource{})

	require.NoError(t, ix.Open(ctx, "docs"))

	n, err := ix.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestEnableReplay_DirectorySource(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	writeFile(t, root, "a.md", "# A\n\nFirst file.")
	writeFile(t, root, "b.txt", "Second file.")

	ix := newTestIndexer(t, store.BackendHNSW, Config{})
	ix.EnableReplay(&DirectorySource{Root: root, Metadata: store.Metadata{store.MetaProjectID: "p"}})
	require.NoError(t, ix.Open(ctx, "docs"))

	hits, err := ix.Query(ctx, "First file", store.Filter{store.MetaDocID: "a.md"}, 5)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "A", hits[0].Metadata[store.MetaTitle])
}
