package index

import (
	"context"
	"log/slog"
	"time"

	"github.com/Aman-CERP/ragindex/internal/store"
)

// EnableReplay repopulates new or empty collections from src.
//
// The handler runs on the goroutine that called Open, after the backend
// has released its write slot, so Open returns only once the replay is
// done. Replay failures are logged, not returned.
func (ix *Indexer) EnableReplay(src SourceProvider) {
	if src == nil {
		return
	}
	ix.backend.OnNeedsReindex(func(ctx context.Context, ev store.ReindexEvent) {
		start := time.Now()
		docs, err := src.Sources(ctx)
		if err != nil {
			slog.Error("reindex_replay_failed",
				slog.String("collection", ev.Collection),
				slog.String("stage", "sources"),
				slog.String("error", err.Error()))
			return
		}
		if len(docs) == 0 {
			slog.Info("reindex_replay_skipped",
				slog.String("collection", ev.Collection),
				slog.String("reason", "no sources"))
			return
		}

		results, err := ix.IngestAll(ctx, docs)
		if err != nil {
			slog.Error("reindex_replay_failed",
				slog.String("collection", ev.Collection),
				slog.String("stage", "ingest"),
				slog.Int("ingested", len(results)),
				slog.String("error", err.Error()))
			return
		}
		slog.Info("reindex_replay_completed",
			slog.String("collection", ev.Collection),
			slog.String("reason", string(ev.Reason)),
			slog.Int("documents", len(results)),
			slog.Duration("duration", time.Since(start)))
	})
}
