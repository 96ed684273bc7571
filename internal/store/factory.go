package store

import (
	"log/slog"
	"strings"

	"github.com/Aman-CERP/ragindex/internal/embed"
	"github.com/Aman-CERP/ragindex/internal/errors"
)

// ParseBackendType normalizes s. Unknown names are returned as-is and
// reported invalid.
func ParseBackendType(s string) (BackendType, bool) {
	t := BackendType(strings.ToLower(strings.TrimSpace(s)))
	return t, t.Valid()
}

// New builds the backend named by backendType.
//
// An unknown type does not fail: a warning is logged and
// opts.DefaultBackend (hnsw when unset) is used instead, so a typo in
// configuration degrades to the embedded index rather than stopping
// startup. Connection failures of the selected backend are still returned.
func New(backendType BackendType, embedder embed.Embedder, tokens embed.TokenCounter, opts Options) (Backend, error) {
	t, ok := ParseBackendType(string(backendType))
	if !ok {
		fallback, fbOK := ParseBackendType(string(opts.DefaultBackend))
		if !fbOK {
			fallback = BackendHNSW
		}
		opts.logger().Warn("unknown_backend_fallback",
			slog.String("requested", string(backendType)),
			slog.String("using", string(fallback)))
		t = fallback
	}

	var (
		b   Backend
		err error
	)
	switch t {
	case BackendSQLite:
		b, err = asBackend(NewSQLiteBackend(embedder, tokens, opts))
	case BackendChroma:
		b, err = asBackend(NewChromaBackend(embedder, tokens, opts))
	case BackendMongo:
		b, err = asBackend(NewMongoBackend(embedder, tokens, opts))
	case BackendHNSW:
		b, err = asBackend(NewHNSWBackend(embedder, tokens, opts))
	default:
		err = errors.InternalError("unreachable backend type "+string(t), nil)
	}
	if err != nil {
		return nil, err
	}
	return b, nil
}

// asBackend keeps a nil concrete pointer from becoming a non-nil Backend.
func asBackend[T Backend](b T, err error) (Backend, error) {
	if err != nil {
		return nil, err
	}
	return b, nil
}
