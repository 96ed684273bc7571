package store

import (
	"context"
	stderrors "errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Aman-CERP/ragindex/internal/embed"
	"github.com/Aman-CERP/ragindex/internal/errors"
)

// The contract below runs against every backend that can be exercised
// without an external service.

func testOptions(root string) Options {
	opts := DefaultOptions(root)
	opts.OperationTimeout = 10 * time.Second
	return opts
}

type backendFactory func(t *testing.T, e embed.Embedder, opts Options) Backend

var (
	chromaFakesMu sync.Mutex
	chromaFakes   = map[string]*fakeChromaServer{}
)

func contractBackends() map[string]backendFactory {
	return map[string]backendFactory{
		"hnsw": func(t *testing.T, e embed.Embedder, opts Options) Backend {
			b, err := NewHNSWBackend(e, nil, opts)
			require.NoError(t, err)
			return b
		},
		"sqlite": func(t *testing.T, e embed.Embedder, opts Options) Backend {
			b, err := NewSQLiteBackend(e, nil, opts)
			require.NoError(t, err)
			return b
		},
		"chroma": func(t *testing.T, e embed.Embedder, opts Options) Backend {
			chromaFakesMu.Lock()
			server, ok := chromaFakes[opts.DataRoot]
			if !ok {
				server = newFakeChromaServer()
				chromaFakes[opts.DataRoot] = server
			}
			chromaFakesMu.Unlock()
			return newChromaBackend(server, e, nil, opts)
		},
	}
}

// forEachBackend runs fn once per backend with a fresh data root.
func forEachBackend(t *testing.T, fn func(t *testing.T, newBackend func() Backend)) {
	for name, factory := range contractBackends() {
		t.Run(name, func(t *testing.T) {
			root := t.TempDir()
			e := embed.NewStaticEmbedder()
			var opened []Backend
			newBackend := func() Backend {
				b := factory(t, e, testOptions(root))
				opened = append(opened, b)
				return b
			}
			t.Cleanup(func() {
				for _, b := range opened {
					_ = b.Close()
				}
			})
			fn(t, newBackend)
		})
	}
}

type eventRecorder struct {
	mu     sync.Mutex
	events []ReindexEvent
}

func (r *eventRecorder) handle(_ context.Context, ev ReindexEvent) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *eventRecorder) all() []ReindexEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]ReindexEvent(nil), r.events...)
}

func addChunks(t *testing.T, b Backend, project string, texts ...string) []string {
	t.Helper()
	ids := make([]string, len(texts))
	metas := make([]Metadata, len(texts))
	for i := range texts {
		ids[i] = fmt.Sprintf("%s-%d", project, i)
		metas[i] = Metadata{MetaProjectID: project, MetaChunkID: i + 1, MetaChunkTotal: len(texts)}
	}
	require.NoError(t, b.AddDocuments(context.Background(), ids, metas, texts))
	return ids
}

func TestContract_PreInitGuard(t *testing.T) {
	forEachBackend(t, func(t *testing.T, newBackend func() Backend) {
		ctx := context.Background()
		b := newBackend()

		err := b.AddDocuments(ctx, []string{"a"}, []Metadata{{"projectId": "p"}}, []string{"text"})
		assert.ErrorIs(t, err, errors.ErrNotInitialized)

		_, err = b.Query(ctx, []string{"text"}, nil, 5)
		assert.ErrorIs(t, err, errors.ErrNotInitialized)

		assert.ErrorIs(t, b.DeleteDocuments(ctx, Filter{"projectId": "p"}), errors.ErrNotInitialized)
		assert.ErrorIs(t, b.ClearCollection(ctx), errors.ErrNotInitialized)

		_, err = b.Count(ctx)
		assert.ErrorIs(t, err, errors.ErrNotInitialized)
	})
}

func TestContract_ReindexSignal_NewCollectionOnce(t *testing.T) {
	forEachBackend(t, func(t *testing.T, newBackend func() Backend) {
		// Given: a backend with a recorder
		ctx := context.Background()
		b := newBackend()
		rec := &eventRecorder{}
		b.OnNeedsReindex(rec.handle)

		// When: initializing a new collection twice
		require.NoError(t, b.InitializeCollection(ctx, "empty1"))
		require.NoError(t, b.InitializeCollection(ctx, "empty1"))

		// Then: exactly one created event
		events := rec.all()
		require.Len(t, events, 1)
		assert.Equal(t, "empty1", events[0].Collection)
		assert.Equal(t, ReasonCreated, events[0].Reason)
		assert.Equal(t, b.Type(), events[0].Backend)
		assert.Equal(t, "empty1", b.Collection())
	})
}

func TestContract_ReindexSignal_ReopenPopulatedAndEmpty(t *testing.T) {
	forEachBackend(t, func(t *testing.T, newBackend func() Backend) {
		ctx := context.Background()

		// Given: one populated and one empty collection, then the handle is closed
		first := newBackend()
		require.NoError(t, first.InitializeCollection(ctx, "full"))
		addChunks(t, first, "p1", "alpha text")
		require.NoError(t, first.InitializeCollection(ctx, "hollow"))
		require.NoError(t, first.Close())

		// When: a new backend reopens both
		second := newBackend()
		rec := &eventRecorder{}
		second.OnNeedsReindex(rec.handle)
		require.NoError(t, second.InitializeCollection(ctx, "full"))
		n, err := second.Count(ctx)
		require.NoError(t, err)
		require.NoError(t, second.InitializeCollection(ctx, "hollow"))

		// Then: the populated one kept its data and raised nothing; the empty one raised "empty"
		assert.Equal(t, 1, n)
		events := rec.all()
		require.Len(t, events, 1)
		assert.Equal(t, "hollow", events[0].Collection)
		assert.Equal(t, ReasonEmpty, events[0].Reason)
	})
}

func TestContract_HandlerMayIngest(t *testing.T) {
	forEachBackend(t, func(t *testing.T, newBackend func() Backend) {
		// Given: a handler that repopulates the collection
		ctx := context.Background()
		b := newBackend()
		b.OnNeedsReindex(func(ctx context.Context, ev ReindexEvent) {
			err := b.AddDocuments(ctx, []string{"seed"}, []Metadata{{"projectId": "p1"}}, []string{"seed text"})
			assert.NoError(t, err)
		})

		// When: initializing a new collection
		done := make(chan error, 1)
		go func() { done <- b.InitializeCollection(ctx, "docs") }()

		// Then: it completes without deadlock and the seed is stored
		select {
		case err := <-done:
			require.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Fatal("InitializeCollection deadlocked with an ingesting handler")
		}
		n, err := b.Count(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, n)
	})
}

func TestContract_IdempotentUpsert(t *testing.T) {
	forEachBackend(t, func(t *testing.T, newBackend func() Backend) {
		// Given: an initialized collection
		ctx := context.Background()
		b := newBackend()
		require.NoError(t, b.InitializeCollection(ctx, "dedup"))

		// When: the same ids are added twice, the second time with new text
		ids := []string{"a", "b"}
		metas := []Metadata{{"projectId": "p1"}, {"projectId": "p1"}}
		require.NoError(t, b.AddDocuments(ctx, ids, metas, []string{"apples", "bananas"}))
		require.NoError(t, b.AddDocuments(ctx, ids, metas, []string{"apples", "bananas ripe"}))

		// Then: one copy each, holding the latest text
		n, err := b.Count(ctx)
		require.NoError(t, err)
		assert.Equal(t, 2, n)

		res, err := b.Query(ctx, []string{"bananas ripe"}, Filter{"projectId": "p1"}, 2)
		require.NoError(t, err)
		require.NotEmpty(t, res)
		assert.Equal(t, "b", res[0].ID)
		assert.Equal(t, "bananas ripe", res[0].Text)
	})
}

func TestContract_DuplicateIDInBatchSkipped(t *testing.T) {
	forEachBackend(t, func(t *testing.T, newBackend func() Backend) {
		ctx := context.Background()
		b := newBackend()
		require.NoError(t, b.InitializeCollection(ctx, "docs"))

		// When: a batch repeats an id
		err := b.AddDocuments(ctx,
			[]string{"a", "a"},
			[]Metadata{{"projectId": "p1", "n": 1}, {"projectId": "p1", "n": 2}},
			[]string{"first", "second"})

		// Then: no error, the first occurrence wins
		require.NoError(t, err)
		res, err := b.Query(ctx, []string{"first"}, nil, 5)
		require.NoError(t, err)
		require.Len(t, res, 1)
		assert.Equal(t, "first", res[0].Text)
		assert.EqualValues(t, 1, res[0].Metadata["n"])
	})
}

func TestContract_InvalidArguments(t *testing.T) {
	forEachBackend(t, func(t *testing.T, newBackend func() Backend) {
		ctx := context.Background()
		b := newBackend()
		require.NoError(t, b.InitializeCollection(ctx, "docs"))

		err := b.AddDocuments(ctx, []string{"a", "b"}, []Metadata{{}}, []string{"x", "y"})
		assert.ErrorIs(t, err, errors.ErrInvalidInput)

		err = b.AddDocuments(ctx, []string{"a"}, []Metadata{{"tags": []string{"x"}}}, []string{"x"})
		assert.ErrorIs(t, err, errors.ErrInvalidInput)

		_, err = b.Query(ctx, nil, nil, 5)
		assert.Equal(t, errors.ErrCodeQueryEmpty, errors.GetCode(err))

		_, err = b.Query(ctx, []string{"x"}, nil, 0)
		assert.ErrorIs(t, err, errors.ErrInvalidInput)

		assert.ErrorIs(t, b.InitializeCollection(ctx, "../escape"), errors.ErrInvalidInput)
		assert.Equal(t, "docs", b.Collection())
	})
}

func TestContract_FilterCorrectness(t *testing.T) {
	forEachBackend(t, func(t *testing.T, newBackend func() Backend) {
		// Given: chunks from two projects with overlapping content
		ctx := context.Background()
		b := newBackend()
		require.NoError(t, b.InitializeCollection(ctx, "docs"))
		addChunks(t, b, "p1", "shared topic one", "shared topic two", "shared topic three")
		addChunks(t, b, "p2", "shared topic one", "shared topic two", "shared topic four")

		// When: querying with a project filter
		res, err := b.Query(ctx, []string{"shared topic"}, Filter{"projectId": "p1"}, 10)

		// Then: every hit belongs to p1
		require.NoError(t, err)
		require.Len(t, res, 3)
		for _, r := range res {
			assert.Equal(t, "p1", r.Metadata[MetaProjectID])
		}

		// And: $and with $eq narrows further
		res, err = b.Query(ctx, []string{"shared topic"}, Filter{"$and": []any{
			map[string]any{"projectId": "p2"},
			map[string]any{"chunkId": map[string]any{"$eq": 3}},
		}}, 10)
		require.NoError(t, err)
		require.Len(t, res, 1)
		assert.Equal(t, "shared topic four", res[0].Text)
	})
}

func TestContract_UnsupportedFilterFailsLoudly(t *testing.T) {
	forEachBackend(t, func(t *testing.T, newBackend func() Backend) {
		ctx := context.Background()
		b := newBackend()
		require.NoError(t, b.InitializeCollection(ctx, "docs"))
		addChunks(t, b, "p1", "text")

		_, err := b.Query(ctx, []string{"text"}, Filter{"$or": []any{map[string]any{"projectId": "p1"}}}, 5)
		assert.ErrorIs(t, err, errors.ErrFilterUnsupported)

		err = b.DeleteDocuments(ctx, Filter{"chunkId": map[string]any{"$gt": 0}})
		assert.ErrorIs(t, err, errors.ErrFilterUnsupported)
	})
}

func TestContract_QueryOrderAndLimit(t *testing.T) {
	forEachBackend(t, func(t *testing.T, newBackend func() Backend) {
		ctx := context.Background()
		b := newBackend()
		require.NoError(t, b.InitializeCollection(ctx, "docs"))
		addChunks(t, b, "p1",
			"the quick brown fox jumps",
			"a database stores rows",
			"vector search finds neighbors",
			"paragraph about gardening tomatoes")

		res, err := b.Query(ctx, []string{"vector search finds neighbors"}, nil, 2)
		require.NoError(t, err)
		require.Len(t, res, 2)
		assert.Equal(t, "vector search finds neighbors", res[0].Text)
		assert.LessOrEqual(t, res[0].Score, res[1].Score)
		assert.NotContains(t, res[0].Metadata, "embedding")
	})
}

func TestContract_DeleteDocuments(t *testing.T) {
	forEachBackend(t, func(t *testing.T, newBackend func() Backend) {
		// Given: two projects
		ctx := context.Background()
		b := newBackend()
		require.NoError(t, b.InitializeCollection(ctx, "docs"))
		addChunks(t, b, "p1", "one", "two")
		addChunks(t, b, "p2", "three")

		// When: deleting without a filter
		err := b.DeleteDocuments(ctx, nil)

		// Then: refused
		assert.ErrorIs(t, err, errors.ErrInvalidInput)

		// When: deleting p1
		require.NoError(t, b.DeleteDocuments(ctx, Filter{"projectId": "p1"}))

		// Then: only p2 remains and queries never return p1
		n, err := b.Count(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, n)
		res, err := b.Query(ctx, []string{"one"}, nil, 5)
		require.NoError(t, err)
		require.Len(t, res, 1)
		assert.Equal(t, "three", res[0].Text)
	})
}

func TestContract_ClearLeavesAbsent(t *testing.T) {
	forEachBackend(t, func(t *testing.T, newBackend func() Backend) {
		// Given: a populated collection
		ctx := context.Background()
		b := newBackend()
		rec := &eventRecorder{}
		b.OnNeedsReindex(rec.handle)
		require.NoError(t, b.InitializeCollection(ctx, "docs"))
		addChunks(t, b, "p1", "one")

		// When: clearing
		require.NoError(t, b.ClearCollection(ctx))

		// Then: no handle is open
		assert.Empty(t, b.Collection())
		_, err := b.Count(ctx)
		assert.ErrorIs(t, err, errors.ErrNotInitialized)

		// And: initializing again sees a brand-new empty collection
		require.NoError(t, b.InitializeCollection(ctx, "docs"))
		n, err := b.Count(ctx)
		require.NoError(t, err)
		assert.Equal(t, 0, n)
		events := rec.all()
		require.Len(t, events, 2)
		assert.Equal(t, ReasonCreated, events[1].Reason)
	})
}

func TestContract_HasCollection(t *testing.T) {
	forEachBackend(t, func(t *testing.T, newBackend func() Backend) {
		// Given: one backend that created "docs" and a second one that
		// never opened anything
		ctx := context.Background()
		b := newBackend()
		rec := &eventRecorder{}
		b.OnNeedsReindex(rec.handle)
		require.NoError(t, b.InitializeCollection(ctx, "docs"))
		other := newBackend()

		// Then: both see "docs" and neither sees "typo"
		for _, x := range []Backend{b, other} {
			ok, err := x.HasCollection(ctx, "docs")
			require.NoError(t, err)
			assert.True(t, ok)
			ok, err = x.HasCollection(ctx, "typo")
			require.NoError(t, err)
			assert.False(t, ok)
		}

		// And: asking created nothing and signalled nothing new
		assert.Empty(t, other.Collection())
		assert.Len(t, rec.all(), 1)

		// When: clearing
		require.NoError(t, b.ClearCollection(ctx))

		// Then: the collection is gone
		ok, err := other.HasCollection(ctx, "docs")
		require.NoError(t, err)
		assert.False(t, ok)

		_, err = other.HasCollection(ctx, "../etc")
		assert.Equal(t, errors.CategoryValidation, errors.GetCategory(err))
	})
}

func TestContract_ReindexCollection(t *testing.T) {
	forEachBackend(t, func(t *testing.T, newBackend func() Backend) {
		// Given: a populated collection and another one open
		ctx := context.Background()
		b := newBackend()
		require.NoError(t, b.InitializeCollection(ctx, "docs"))
		addChunks(t, b, "p1", "one", "two")
		require.NoError(t, b.InitializeCollection(ctx, "other"))
		addChunks(t, b, "p9", "keep me")

		rec := &eventRecorder{}
		b.OnNeedsReindex(rec.handle)

		// When: reindexing "docs"
		require.NoError(t, b.ReindexCollection(ctx, "docs"))

		// Then: docs is open, empty, and one created event fired
		assert.Equal(t, "docs", b.Collection())
		n, err := b.Count(ctx)
		require.NoError(t, err)
		assert.Equal(t, 0, n)
		events := rec.all()
		require.Len(t, events, 1)
		assert.Equal(t, ReasonCreated, events[0].Reason)

		// And: the other collection was not touched
		require.NoError(t, b.InitializeCollection(ctx, "other"))
		n, err = b.Count(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, n)
	})
}

func TestContract_SwitchCollections(t *testing.T) {
	forEachBackend(t, func(t *testing.T, newBackend func() Backend) {
		ctx := context.Background()
		b := newBackend()
		require.NoError(t, b.InitializeCollection(ctx, "a"))
		addChunks(t, b, "p1", "in a")

		require.NoError(t, b.InitializeCollection(ctx, "b"))
		n, err := b.Count(ctx)
		require.NoError(t, err)
		assert.Equal(t, 0, n)

		require.NoError(t, b.InitializeCollection(ctx, "a"))
		n, err = b.Count(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, n)
	})
}

func TestContract_ConcurrentWritesSerialize(t *testing.T) {
	forEachBackend(t, func(t *testing.T, newBackend func() Backend) {
		// Given: an open collection
		ctx := context.Background()
		b := newBackend()
		require.NoError(t, b.InitializeCollection(ctx, "docs"))

		// When: many goroutines add batches and query at once
		const writers = 8
		var wg sync.WaitGroup
		for w := 0; w < writers; w++ {
			wg.Add(1)
			go func(w int) {
				defer wg.Done()
				ids := []string{fmt.Sprintf("w%d-a", w), fmt.Sprintf("w%d-b", w)}
				metas := []Metadata{{"projectId": "p1", "writer": w}, {"projectId": "p1", "writer": w}}
				texts := []string{fmt.Sprintf("writer %d first", w), fmt.Sprintf("writer %d second", w)}
				assert.NoError(t, b.AddDocuments(ctx, ids, metas, texts))

				res, err := b.Query(ctx, []string{"writer"}, Filter{"writer": w}, 10)
				assert.NoError(t, err)
				// a batch is visible completely or not at all
				assert.Len(t, res, 2)
			}(w)
		}
		wg.Wait()

		// Then: every chunk landed exactly once
		n, err := b.Count(ctx)
		require.NoError(t, err)
		assert.Equal(t, writers*2, n)
	})
}

// failingEmbedder fails EmbedBatch while fail is set.
type failingEmbedder struct {
	*embed.StaticEmbedder
	fail atomic.Bool
}

func (f *failingEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if f.fail.Load() {
		return nil, stderrors.New("model offline")
	}
	return f.StaticEmbedder.EmbedBatch(ctx, texts)
}

func TestContract_EmbeddingFailureReleasesSlot(t *testing.T) {
	for name, factory := range contractBackends() {
		t.Run(name, func(t *testing.T) {
			// Given: an embedder that is offline
			ctx := context.Background()
			e := &failingEmbedder{StaticEmbedder: embed.NewStaticEmbedder()}
			b := factory(t, e, testOptions(t.TempDir()))
			defer b.Close()
			require.NoError(t, b.InitializeCollection(ctx, "docs"))
			e.fail.Store(true)

			// When: adding
			err := b.AddDocuments(ctx, []string{"a"}, []Metadata{{"projectId": "p"}}, []string{"x"})

			// Then: EmbeddingFailed with context, nothing stored, and the next call proceeds
			require.Error(t, err)
			assert.ErrorIs(t, err, errors.ErrEmbeddingFailed)
			var ie *errors.IndexError
			require.True(t, stderrors.As(err, &ie))
			assert.Equal(t, "add_documents", ie.Details["operation"])
			assert.Equal(t, "docs", ie.Details["collection"])

			e.fail.Store(false)
			require.NoError(t, b.AddDocuments(ctx, []string{"a"}, []Metadata{{"projectId": "p"}}, []string{"x"}))
			n, err := b.Count(ctx)
			require.NoError(t, err)
			assert.Equal(t, 1, n)
		})
	}
}

// stallingEmbedder sleeps in EmbedBatch for the armed duration without
// looking at ctx, like a model call stuck in a blocking client.
type stallingEmbedder struct {
	*embed.StaticEmbedder
	stall atomic.Int64
}

func (s *stallingEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if d := time.Duration(s.stall.Load()); d > 0 {
		time.Sleep(d)
	}
	return s.StaticEmbedder.EmbedBatch(context.Background(), texts)
}

func TestContract_TimedOutWriteIsNotCommitted(t *testing.T) {
	for name, factory := range contractBackends() {
		t.Run(name, func(t *testing.T) {
			// Given: an open collection and a short operation limit
			ctx := context.Background()
			e := &stallingEmbedder{StaticEmbedder: embed.NewStaticEmbedder()}
			opts := testOptions(t.TempDir())
			opts.OperationTimeout = 100 * time.Millisecond
			b := factory(t, e, opts)
			defer b.Close()
			require.NoError(t, b.InitializeCollection(ctx, "docs"))

			// When: embedding stalls past the limit
			e.stall.Store(int64(300 * time.Millisecond))
			err := b.AddDocuments(ctx, []string{"a"}, []Metadata{{"projectId": "p"}}, []string{"alpha"})
			e.stall.Store(0)

			// Then: the caller gets a timeout
			require.Error(t, err)
			assert.ErrorIs(t, err, errors.ErrOperationTimeout)

			// And: the next operation runs after the abandoned one and sees no write
			n, err := b.Count(ctx)
			require.NoError(t, err)
			assert.Equal(t, 0, n)

			time.Sleep(200 * time.Millisecond)
			n, err = b.Count(ctx)
			require.NoError(t, err)
			assert.Equal(t, 0, n, "timed-out write committed later")

			// And: the backend keeps serving
			require.NoError(t, b.AddDocuments(ctx, []string{"b"}, []Metadata{{"projectId": "p"}}, []string{"beta"}))
			n, err = b.Count(ctx)
			require.NoError(t, err)
			assert.Equal(t, 1, n)
		})
	}
}

func TestContract_GetTokenCount(t *testing.T) {
	forEachBackend(t, func(t *testing.T, newBackend func() Backend) {
		b := newBackend()

		n, err := b.GetTokenCount(context.Background(), "abcdefgh")

		require.NoError(t, err)
		assert.Equal(t, 2, n)
	})
}
