package index

import (
	"context"
	stderrors "errors"
	"log/slog"
	"sort"

	"github.com/Aman-CERP/ragindex/internal/watcher"
)

// ChangeStats counts what ApplyChanges did with one batch.
type ChangeStats struct {
	Ingested int `json:"ingested"`
	Chunks   int `json:"chunks"`
	Deleted  int `json:"deleted"`
	Failed   int `json:"failed"`
}

// ApplyChanges brings the open collection in line with a batch of file
// changes under src. Created and modified files replace their previous
// chunks; deleted files lose theirs. A file that fails is counted and
// logged and the rest of the batch still applies; the failures are
// returned joined.
func (ix *Indexer) ApplyChanges(ctx context.Context, src *DirectorySource, events []watcher.FileEvent) (ChangeStats, error) {
	sorted := append([]watcher.FileEvent(nil), events...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Path < sorted[j].Path })

	var (
		stats ChangeStats
		errs  []error
	)
	for _, ev := range sorted {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		chunks, deleted, err := ix.applyChange(ctx, src, ev)
		if err != nil {
			stats.Failed++
			errs = append(errs, err)
			slog.Warn("watch_change_failed",
				slog.String("doc_id", ev.Path),
				slog.String("operation", ev.Operation.String()),
				slog.String("error", err.Error()))
			continue
		}
		if deleted {
			stats.Deleted++
			continue
		}
		stats.Ingested++
		stats.Chunks += chunks
	}
	return stats, stderrors.Join(errs...)
}

func (ix *Indexer) applyChange(ctx context.Context, src *DirectorySource, ev watcher.FileEvent) (chunks int, deleted bool, err error) {
	if ev.Operation != watcher.OpDelete {
		doc, ok, err := src.Document(ev.Path)
		if err != nil {
			return 0, false, err
		}
		if ok {
			if !ix.config.ReplaceDocuments {
				if err := ix.DeleteDocument(ctx, doc.ID); err != nil {
					return 0, false, err
				}
			}
			res, err := ix.Ingest(ctx, doc)
			return res.Chunks, false, err
		}
		// Gone or no longer wanted by the time the batch arrived.
	}
	return 0, true, ix.DeleteDocument(ctx, ev.Path)
}

// DirectoryWatch keeps the open collection in line with a directory until
// stopped.
type DirectoryWatch struct {
	w      *watcher.Watcher
	cancel context.CancelFunc
	done   chan struct{}
}

// WatchReport receives the outcome of every applied batch.
type WatchReport func(src *DirectorySource, stats ChangeStats, err error)

// Watch starts watching src.Root and applies each debounced batch with
// ApplyChanges. Changes made after Watch returns are picked up. report may
// be nil.
func (ix *Indexer) Watch(ctx context.Context, src *DirectorySource, opts watcher.Options, report WatchReport) (*DirectoryWatch, error) {
	opts.Skip = src.Skip
	w, err := watcher.New(opts)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(ctx)
	if err := w.Start(ctx, src.Root); err != nil {
		cancel()
		_ = w.Stop()
		return nil, err
	}

	dw := &DirectoryWatch{w: w, cancel: cancel, done: make(chan struct{})}
	go func() {
		defer close(dw.done)
		for {
			select {
			case <-ctx.Done():
				return
			case batch, ok := <-w.Events():
				if !ok {
					return
				}
				stats, err := ix.ApplyChanges(ctx, src, batch)
				if report != nil {
					report(src, stats, err)
				}
			case err, ok := <-w.Errors():
				if !ok {
					return
				}
				slog.Warn("watch_error",
					slog.String("root", src.Root),
					slog.String("error", err.Error()))
			}
		}
	}()
	return dw, nil
}

// Stop ends the watch and waits for the batch in flight.
func (dw *DirectoryWatch) Stop() error {
	dw.cancel()
	<-dw.done
	return dw.w.Stop()
}
