package store

import (
	"context"
	"log/slog"
	"sync"
)

// ReindexSignal is the registry behind OnNeedsReindex.
// The index only reports that a collection is empty; handlers decide how to
// repopulate it.
type ReindexSignal struct {
	mu       sync.RWMutex
	handlers []ReindexHandler
}

// On registers fn. Nil handlers are ignored.
func (s *ReindexSignal) On(fn ReindexHandler) {
	if fn == nil {
		return
	}
	s.mu.Lock()
	s.handlers = append(s.handlers, fn)
	s.mu.Unlock()
}

// Len returns the number of registered handlers.
func (s *ReindexSignal) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.handlers)
}

// Emit calls every handler in registration order.
func (s *ReindexSignal) Emit(ctx context.Context, ev ReindexEvent) {
	s.mu.RLock()
	handlers := make([]ReindexHandler, len(s.handlers))
	copy(handlers, s.handlers)
	s.mu.RUnlock()

	slog.Info("needs_reindex_emitted",
		slog.String("collection", ev.Collection),
		slog.String("backend", string(ev.Backend)),
		slog.String("reason", string(ev.Reason)),
		slog.Int("handlers", len(handlers)))

	for _, h := range handlers {
		h(ctx, ev)
	}
}
