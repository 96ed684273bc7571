package store

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/Aman-CERP/ragindex/internal/embed"
	"github.com/Aman-CERP/ragindex/internal/errors"
	"github.com/Aman-CERP/ragindex/internal/queue"
)

// core holds what every backend shares: the serializer, the reindex
// signal and the injected capabilities. Fields below nameMu are only
// touched while holding the serializer slot.
type core struct {
	kind     BackendType
	serial   *queue.Serializer
	signal   ReindexSignal
	embedder embed.Embedder
	tokens   embed.TokenCounter
	logger   *slog.Logger

	nameMu     sync.RWMutex
	collection string
}

func newCore(kind BackendType, embedder embed.Embedder, tokens embed.TokenCounter, opts Options) core {
	if tokens == nil {
		tokens = embed.HeuristicTokenCounter{}
	}
	logger := opts.logger().With(slog.String("backend", string(kind)))
	return core{
		kind:     kind,
		serial:   queue.New(opts.OperationTimeout, queue.WithLogger(logger)),
		embedder: embedder,
		tokens:   tokens,
		logger:   logger,
	}
}

// Type implements Backend.
func (c *core) Type() BackendType { return c.kind }

// OnNeedsReindex implements Backend.
func (c *core) OnNeedsReindex(fn ReindexHandler) { c.signal.On(fn) }

// Collection implements Backend.
func (c *core) Collection() string {
	c.nameMu.RLock()
	defer c.nameMu.RUnlock()
	return c.collection
}

func (c *core) setCollection(name string) {
	c.nameMu.Lock()
	c.collection = name
	c.nameMu.Unlock()
}

// GetTokenCount implements Backend. It does not take the write slot.
func (c *core) GetTokenCount(ctx context.Context, text string) (int, error) {
	return c.tokens.CountTokens(ctx, text)
}

// run executes fn inside the serializer and tags timeouts with the
// collection name.
func (c *core) run(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	err := c.serial.Do(ctx, op, fn)
	c.tagTimeout(op, err)
	return err
}

// runIn is the value-returning form of core.run.
func runIn[T any](ctx context.Context, c *core, op string, fn func(ctx context.Context) (T, error)) (T, error) {
	v, err := queue.Run(ctx, c.serial, op, fn)
	c.tagTimeout(op, err)
	return v, err
}

func (c *core) tagTimeout(op string, err error) {
	if err == nil || !stderrors.Is(err, errors.ErrOperationTimeout) {
		return
	}
	var ie *errors.IndexError
	if stderrors.As(err, &ie) {
		ie.WithOp(op, c.Collection())
	}
}

// commit is the point of no return of a mutating step. It fails when the
// serializer has already timed the operation out; nothing may be written
// then. After it succeeds the step runs to completion.
func (c *core) commit(ctx context.Context, op string) error {
	if err := queue.Commit(ctx); err != nil {
		return errors.New(errors.ErrCodeOperationTimeout, "operation stopped before writing", err).
			WithOp(op, c.collection)
	}
	return nil
}

// hasCollection is the shared HasCollection. The open collection always
// exists; other names go to lookup, which runs outside the slot.
func hasCollection(ctx context.Context, c *core, name string, lookup func(ctx context.Context) (bool, error)) (bool, error) {
	if err := validateCollectionName(name); err != nil {
		return false, err
	}
	if c.Collection() == name {
		return true, nil
	}
	return lookup(ctx)
}

// statExists reports whether path exists on disk.
func statExists(op, name, path string) (bool, error) {
	_, err := os.Stat(path)
	switch {
	case err == nil:
		return true, nil
	case os.IsNotExist(err):
		return false, nil
	default:
		return false, errors.BackendUnavailable(op, name, err)
	}
}

// requireOpen is called inside the slot by every operation that needs a
// handle.
func (c *core) requireOpen(op string) error {
	if c.collection == "" {
		return errors.NotInitialized(op)
	}
	return nil
}

// emit raises needsReindex. Callers invoke it after the slot is released.
func (c *core) emit(ctx context.Context, name string, reason ReindexReason) {
	if reason == "" {
		return
	}
	c.signal.Emit(ctx, ReindexEvent{Collection: name, Backend: c.kind, Reason: reason})
}

// batch is a validated, deduplicated and embedded AddDocuments payload.
type batch struct {
	ids       []string
	metadatas []Metadata
	documents []string
	vectors   [][]float32
}

func (b *batch) Len() int { return len(b.ids) }

// prepareBatch validates the AddDocuments arguments, drops ids repeated
// within the call and embeds what remains. It runs inside the slot so
// embedding is ordered with the write it feeds.
func (c *core) prepareBatch(ctx context.Context, op string, ids []string, metadatas []Metadata, documents []string) (*batch, error) {
	if len(ids) != len(documents) || len(ids) != len(metadatas) {
		return nil, errors.ValidationError(
			fmt.Sprintf("ids, metadatas and documents differ in length: %d, %d, %d", len(ids), len(metadatas), len(documents)), nil).
			WithOp(op, c.collection)
	}

	b := &batch{
		ids:       make([]string, 0, len(ids)),
		metadatas: make([]Metadata, 0, len(ids)),
		documents: make([]string, 0, len(ids)),
	}
	seen := make(map[string]struct{}, len(ids))
	for i, id := range ids {
		if strings.TrimSpace(id) == "" {
			return nil, errors.ValidationError(fmt.Sprintf("empty id at position %d", i), nil).WithOp(op, c.collection)
		}
		if _, dup := seen[id]; dup {
			c.logger.Info("duplicate_id_skipped",
				slog.String("collection", c.collection),
				slog.String("id", id),
				slog.String("error_code", errors.ErrCodeDuplicateID))
			continue
		}
		seen[id] = struct{}{}

		meta := metadatas[i].Clone()
		if meta == nil {
			meta = Metadata{}
		}
		if err := validateMetadata(meta); err != nil {
			return nil, err.WithOp(op, c.collection)
		}
		b.ids = append(b.ids, id)
		b.metadatas = append(b.metadatas, meta)
		b.documents = append(b.documents, documents[i])
	}
	if b.Len() == 0 {
		return b, nil
	}

	vectors, err := c.embedder.EmbedBatch(ctx, b.documents)
	if err != nil {
		return nil, errors.EmbeddingFailed(op, c.collection, err)
	}
	if len(vectors) != b.Len() {
		return nil, errors.EmbeddingFailed(op, c.collection,
			fmt.Errorf("embedder returned %d vectors for %d texts", len(vectors), b.Len()))
	}
	b.vectors = vectors
	return b, nil
}

// embedQuery embeds the first query text; the rest are ignored.
func (c *core) embedQuery(ctx context.Context, op string, queryTexts []string, nResults int) ([]float32, error) {
	if len(queryTexts) == 0 || strings.TrimSpace(queryTexts[0]) == "" {
		return nil, errors.New(errors.ErrCodeQueryEmpty, "query text is required", nil).WithOp(op, c.collection)
	}
	if nResults <= 0 {
		return nil, errors.ValidationError(fmt.Sprintf("nResults must be positive, got %d", nResults), nil).
			WithOp(op, c.collection)
	}
	vec, err := c.embedder.Embed(ctx, queryTexts[0])
	if err != nil {
		return nil, errors.EmbeddingFailed(op, c.collection, err)
	}
	return vec, nil
}

// deletePredicates validates a delete filter, which must not be empty.
func deletePredicates(op string, where Filter) ([]predicate, error) {
	preds, err := flattenFilter(where)
	if err != nil {
		return nil, err
	}
	if len(preds) == 0 {
		return nil, errors.ValidationError("delete requires a non-empty filter", nil).
			WithDetail("operation", op).
			WithSuggestion("Use ClearCollection to remove everything")
	}
	return preds, nil
}

// opener is implemented by every backend: open is InitializeCollection
// without the reindex emission.
type opener interface {
	Backend
	open(ctx context.Context, name string) (ReindexReason, error)
}

// reindex is the shared ReindexCollection. The named collection is opened
// first so that clearing never touches a different one, then cleared and
// initialized again, which emits needsReindex with reason created.
func reindex(ctx context.Context, b opener, name string) error {
	if err := validateCollectionName(name); err != nil {
		return err
	}
	if b.Collection() != name {
		if _, err := b.open(ctx, name); err != nil {
			return err
		}
	}
	if err := b.ClearCollection(ctx); err != nil {
		return err
	}
	return b.InitializeCollection(ctx, name)
}

// initialize is the shared InitializeCollection.
func initialize(ctx context.Context, b opener, c *core, name string) error {
	if err := validateCollectionName(name); err != nil {
		return err
	}
	reason, err := b.open(ctx, name)
	if err != nil {
		return err
	}
	c.emit(ctx, name, reason)
	return nil
}
