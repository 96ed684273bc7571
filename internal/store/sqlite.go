package store

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	sqlite "modernc.org/sqlite" // Pure Go SQLite driver (no CGO)

	"github.com/Aman-CERP/ragindex/internal/embed"
	"github.com/Aman-CERP/ragindex/internal/errors"
)

const vecDistanceFunc = "vec_distance_cosine"

var (
	registerVecOnce sync.Once
	registerVecErr  error
)

// registerVectorFunctions installs vec_distance_cosine for every
// connection opened afterwards.
func registerVectorFunctions() error {
	registerVecOnce.Do(func() {
		registerVecErr = sqlite.RegisterDeterministicScalarFunction(vecDistanceFunc, 2, vecDistanceCosine)
	})
	return registerVecErr
}

func vecDistanceCosine(_ *sqlite.FunctionContext, args []driver.Value) (driver.Value, error) {
	a, ok := args[0].([]byte)
	if !ok {
		return nil, fmt.Errorf("%s: first argument must be a blob, got %T", vecDistanceFunc, args[0])
	}
	b, ok := args[1].([]byte)
	if !ok {
		return nil, fmt.Errorf("%s: second argument must be a blob, got %T", vecDistanceFunc, args[1])
	}
	if len(a) != len(b) || len(a)%4 != 0 {
		return nil, fmt.Errorf("%s: vector sizes differ: %d vs %d bytes", vecDistanceFunc, len(a), len(b))
	}

	var dot, na, nb float64
	for i := 0; i < len(a); i += 4 {
		x := float64(math.Float32frombits(binary.LittleEndian.Uint32(a[i:])))
		y := float64(math.Float32frombits(binary.LittleEndian.Uint32(b[i:])))
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 1.0, nil
	}
	return 1 - dot/(math.Sqrt(na)*math.Sqrt(nb)), nil
}

// encodeVector packs v as little-endian float32.
func encodeVector(v []float32) []byte {
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

// SQLiteBackend stores each collection in <DataRoot>/<name>.db with two
// tables: chunks (the canonical row per id) and chunk_vectors (the
// embedding searched through vec_distance_cosine). Both are written in the
// same transaction.
type SQLiteBackend struct {
	core
	opts Options

	db         *sql.DB
	path       string
	dimensions int
}

// NewSQLiteBackend creates a SQLite backend rooted at opts.DataRoot.
func NewSQLiteBackend(embedder embed.Embedder, tokens embed.TokenCounter, opts Options) (*SQLiteBackend, error) {
	if embedder == nil {
		return nil, errors.ConfigError("sqlite backend requires an embedder", nil)
	}
	if opts.DataRoot == "" {
		return nil, errors.ConfigError("sqlite backend requires a data root", nil)
	}
	if err := registerVectorFunctions(); err != nil {
		return nil, errors.InternalError("register "+vecDistanceFunc, err)
	}
	return &SQLiteBackend{
		core: newCore(BackendSQLite, embedder, tokens, opts),
		opts: opts,
	}, nil
}

// InitializeCollection implements Backend.
func (b *SQLiteBackend) InitializeCollection(ctx context.Context, name string) error {
	return initialize(ctx, b, &b.core, name)
}

// HasCollection implements Backend.
func (b *SQLiteBackend) HasCollection(ctx context.Context, name string) (bool, error) {
	return hasCollection(ctx, &b.core, name, func(ctx context.Context) (bool, error) {
		return statExists("has_collection", name, filepath.Join(b.opts.DataRoot, name+".db"))
	})
}

// ReindexCollection implements Backend.
func (b *SQLiteBackend) ReindexCollection(ctx context.Context, name string) error {
	return reindex(ctx, b, name)
}

func (b *SQLiteBackend) open(ctx context.Context, name string) (ReindexReason, error) {
	const op = "initialize_collection"
	return runIn(ctx, &b.core, op, func(ctx context.Context) (ReindexReason, error) {
		if b.collection == name {
			return "", nil
		}
		if err := b.commit(ctx, op); err != nil {
			return "", err
		}
		if b.collection != "" {
			if err := b.closeHandle(); err != nil {
				return "", err
			}
		}
		return b.openHandle(ctx, name)
	})
}

// validateSQLiteIntegrity checks an existing database file before use.
// A missing file is valid.
func validateSQLiteIntegrity(path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}

	db, err := sql.Open("sqlite", path+"?mode=ro")
	if err != nil {
		return fmt.Errorf("cannot open for validation: %w", err)
	}
	defer db.Close()

	var result string
	if err := db.QueryRow("PRAGMA integrity_check").Scan(&result); err != nil {
		return fmt.Errorf("integrity check failed: %w", err)
	}
	if result != "ok" {
		return fmt.Errorf("database corrupted: %s", result)
	}
	return nil
}

func removeSQLiteFiles(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	_ = os.Remove(path + "-wal")
	_ = os.Remove(path + "-shm")
	return nil
}

func (b *SQLiteBackend) openHandle(ctx context.Context, name string) (ReindexReason, error) {
	const op = "initialize_collection"
	if err := os.MkdirAll(b.opts.DataRoot, 0o755); err != nil {
		return "", errors.BackendUnavailable(op, name, err)
	}
	path := filepath.Join(b.opts.DataRoot, name+".db")

	if validErr := validateSQLiteIntegrity(path); validErr != nil {
		b.logger.Warn("sqlite_collection_corrupted",
			slog.String("path", path),
			slog.String("error", validErr.Error()))
		if err := removeSQLiteFiles(path); err != nil {
			return "", errors.New(errors.ErrCodeCorruptIndex, "collection corrupted and cannot be removed", err).
				WithOp(op, name)
		}
	}

	_, statErr := os.Stat(path)
	existed := statErr == nil

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return "", errors.BackendUnavailable(op, name, err)
	}
	fail := func(err error) (ReindexReason, error) {
		_ = db.Close()
		if !existed {
			_ = removeSQLiteFiles(path)
		}
		return "", errors.BackendUnavailable(op, name, err)
	}

	// Single writer; the serializer already orders every statement.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	cacheMB := b.opts.SQLite.CacheMB
	if cacheMB <= 0 {
		cacheMB = 64
	}
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA cache_size = -" + strconv.Itoa(cacheMB*1024),
		"PRAGMA temp_store = MEMORY",
	}
	for _, pragma := range pragmas {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			return fail(fmt.Errorf("set pragma: %w", err))
		}
	}

	schema := `
	CREATE TABLE IF NOT EXISTS index_meta (
		key   TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS chunks (
		id       TEXT PRIMARY KEY,
		document TEXT NOT NULL,
		metadata TEXT NOT NULL DEFAULT '{}'
	);

	CREATE TABLE IF NOT EXISTS chunk_vectors (
		id        TEXT PRIMARY KEY,
		embedding BLOB NOT NULL
	);
	`
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fail(fmt.Errorf("initialize schema: %w", err))
	}

	dims := b.embedder.Dimensions()
	var stored string
	err = db.QueryRowContext(ctx, `SELECT value FROM index_meta WHERE key = 'dimensions'`).Scan(&stored)
	switch {
	case err == sql.ErrNoRows:
		if _, err := db.ExecContext(ctx,
			`INSERT INTO index_meta(key, value) VALUES ('dimensions', ?)`, strconv.Itoa(dims)); err != nil {
			return fail(fmt.Errorf("record dimensions: %w", err))
		}
	case err != nil:
		return fail(fmt.Errorf("read dimensions: %w", err))
	default:
		if n, convErr := strconv.Atoi(stored); convErr == nil && n != dims {
			b.logger.Warn("sqlite_dimension_mismatch",
				slog.String("collection", name),
				slog.Int("stored", n),
				slog.Int("embedder", dims))
			dims = n
		}
	}

	var count int
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM chunks`).Scan(&count); err != nil {
		return fail(fmt.Errorf("count chunks: %w", err))
	}

	b.db, b.path, b.dimensions = db, path, dims
	b.setCollection(name)

	var reason ReindexReason
	switch {
	case !existed:
		reason = ReasonCreated
	case count == 0:
		reason = ReasonEmpty
	}
	b.logger.Info("collection_initialized",
		slog.String("collection", name),
		slog.String("path", path),
		slog.Int("chunks", count),
		slog.String("reindex_reason", string(reason)))
	return reason, nil
}

func (b *SQLiteBackend) closeHandle() error {
	var err error
	if b.db != nil {
		// Checkpoint so the .db file is self-contained after close.
		_, _ = b.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
		err = b.db.Close()
	}
	b.db, b.path, b.dimensions = nil, "", 0
	b.setCollection("")
	return err
}

func (b *SQLiteBackend) checkDims(op string, v []float32) error {
	if len(v) != b.dimensions {
		return errors.New(errors.ErrCodeDimensionMismatch,
			fmt.Sprintf("dimension mismatch: expected %d, got %d", b.dimensions, len(v)), nil).
			WithOp(op, b.collection).
			WithSuggestion("Reindex the collection after changing the embedding model")
	}
	return nil
}

// AddDocuments implements Backend.
func (b *SQLiteBackend) AddDocuments(ctx context.Context, ids []string, metadatas []Metadata, documents []string) error {
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
		for _, v := range bt.vectors {
			if err := b.checkDims(op, v); err != nil {
				return err
			}
		}

		if err := b.commit(ctx, op); err != nil {
			return err
		}
		if err := b.upsert(ctx, bt); err != nil {
			return errors.BackendUnavailable(op, b.collection, err)
		}
		b.logger.Debug("documents_added",
			slog.String("collection", b.collection),
			slog.Int("count", bt.Len()))
		return nil
	})
}

func (b *SQLiteBackend) upsert(ctx context.Context, bt *batch) error {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	chunkStmt, err := tx.PrepareContext(ctx, `
		INSERT INTO chunks(id, document, metadata) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET document = excluded.document, metadata = excluded.metadata`)
	if err != nil {
		return fmt.Errorf("prepare chunk statement: %w", err)
	}
	defer chunkStmt.Close()

	vecStmt, err := tx.PrepareContext(ctx, `
		INSERT INTO chunk_vectors(id, embedding) VALUES (?, ?)
		ON CONFLICT(id) DO UPDATE SET embedding = excluded.embedding`)
	if err != nil {
		return fmt.Errorf("prepare vector statement: %w", err)
	}
	defer vecStmt.Close()

	for i, id := range bt.ids {
		meta, err := json.Marshal(bt.metadatas[i])
		if err != nil {
			return fmt.Errorf("encode metadata for %s: %w", id, err)
		}
		if _, err := chunkStmt.ExecContext(ctx, id, bt.documents[i], string(meta)); err != nil {
			return fmt.Errorf("upsert chunk %s: %w", id, err)
		}
		if _, err := vecStmt.ExecContext(ctx, id, encodeVector(bt.vectors[i])); err != nil {
			return fmt.Errorf("upsert vector %s: %w", id, err)
		}
	}
	return tx.Commit()
}

// sqliteWhere translates predicates into json_extract equality clauses on
// the given metadata column.
func sqliteWhere(column string, preds []predicate) (string, []any, error) {
	if len(preds) == 0 {
		return "", nil, nil
	}
	clauses := make([]string, 0, len(preds))
	args := make([]any, 0, len(preds)*2)
	for _, p := range preds {
		if strings.ContainsAny(p.Field, "\"\x00") {
			return "", nil, errors.FilterUnsupported(fmt.Sprintf("field name %q cannot be expressed as a JSON path", p.Field))
		}
		value := p.Value
		if bv, ok := value.(bool); ok {
			// json_extract yields 1/0 for JSON booleans.
			if bv {
				value = 1
			} else {
				value = 0
			}
		}
		clauses = append(clauses, "json_extract("+column+", ?) = ?")
		args = append(args, `$."`+p.Field+`"`, value)
	}
	return strings.Join(clauses, " AND "), args, nil
}

// Query implements Backend.
func (b *SQLiteBackend) Query(ctx context.Context, queryTexts []string, where Filter, nResults int) ([]QueryResult, error) {
	const op = "query"
	return runIn(ctx, &b.core, op, func(ctx context.Context) ([]QueryResult, error) {
		if err := b.requireOpen(op); err != nil {
			return nil, err
		}
		preds, err := flattenFilter(where)
		if err != nil {
			return nil, err
		}
		cond, condArgs, err := sqliteWhere("c.metadata", preds)
		if err != nil {
			return nil, err
		}
		vec, err := b.embedQuery(ctx, op, queryTexts, nResults)
		if err != nil {
			return nil, err
		}
		if err := b.checkDims(op, vec); err != nil {
			return nil, err
		}

		query := `SELECT c.id, c.document, c.metadata, ` + vecDistanceFunc + `(v.embedding, ?) AS distance
			FROM chunk_vectors v JOIN chunks c ON c.id = v.id`
		args := []any{encodeVector(vec)}
		if cond != "" {
			query += " WHERE " + cond
			args = append(args, condArgs...)
		}
		query += " ORDER BY distance ASC LIMIT ?"
		args = append(args, nResults)

		rows, err := b.db.QueryContext(ctx, query, args...)
		if err != nil {
			return nil, errors.New(errors.ErrCodeSearchFailed, "vector search failed", err).WithOp(op, b.collection)
		}
		defer rows.Close()

		results := make([]QueryResult, 0, nResults)
		for rows.Next() {
			var id, doc, meta string
			var distance float64
			if err := rows.Scan(&id, &doc, &meta, &distance); err != nil {
				return nil, errors.New(errors.ErrCodeSearchFailed, "scan result", err).WithOp(op, b.collection)
			}
			res, err := projectRow(id, doc, meta, distance)
			if err != nil {
				return nil, errors.New(errors.ErrCodeSearchFailed, "project result", err).WithOp(op, b.collection)
			}
			results = append(results, res)
		}
		if err := rows.Err(); err != nil {
			return nil, errors.New(errors.ErrCodeSearchFailed, "iterate results", err).WithOp(op, b.collection)
		}
		return results, nil
	})
}

// DeleteDocuments implements Backend.
func (b *SQLiteBackend) DeleteDocuments(ctx context.Context, where Filter) error {
	const op = "delete_documents"
	return b.run(ctx, op, func(ctx context.Context) error {
		if err := b.requireOpen(op); err != nil {
			return err
		}
		preds, err := deletePredicates(op, where)
		if err != nil {
			return err
		}
		cond, args, err := sqliteWhere("metadata", preds)
		if err != nil {
			return err
		}

		if err := b.commit(ctx, op); err != nil {
			return err
		}
		tx, err := b.db.BeginTx(ctx, nil)
		if err != nil {
			return errors.BackendUnavailable(op, b.collection, err)
		}
		defer func() { _ = tx.Rollback() }()

		if _, err := tx.ExecContext(ctx,
			`DELETE FROM chunk_vectors WHERE id IN (SELECT id FROM chunks WHERE `+cond+`)`, args...); err != nil {
			return errors.BackendUnavailable(op, b.collection, err)
		}
		res, err := tx.ExecContext(ctx, `DELETE FROM chunks WHERE `+cond, args...)
		if err != nil {
			return errors.BackendUnavailable(op, b.collection, err)
		}
		if err := tx.Commit(); err != nil {
			return errors.BackendUnavailable(op, b.collection, err)
		}

		n, _ := res.RowsAffected()
		b.logger.Info("documents_deleted",
			slog.String("collection", b.collection),
			slog.Int64("count", n))
		return nil
	})
}

// Count implements Backend.
func (b *SQLiteBackend) Count(ctx context.Context) (int, error) {
	const op = "count"
	return runIn(ctx, &b.core, op, func(ctx context.Context) (int, error) {
		if err := b.requireOpen(op); err != nil {
			return 0, err
		}
		var n int
		if err := b.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM chunks`).Scan(&n); err != nil {
			return 0, errors.BackendUnavailable(op, b.collection, err)
		}
		return n, nil
	})
}

// ClearCollection implements Backend. The database file is removed.
func (b *SQLiteBackend) ClearCollection(ctx context.Context) error {
	const op = "clear_collection"
	return b.run(ctx, op, func(ctx context.Context) error {
		if err := b.requireOpen(op); err != nil {
			return err
		}
		if err := b.commit(ctx, op); err != nil {
			return err
		}
		name, path := b.collection, b.path
		if err := b.closeHandle(); err != nil {
			b.logger.Warn("close_before_clear_failed",
				slog.String("collection", name),
				slog.String("error", err.Error()))
		}
		if err := removeSQLiteFiles(path); err != nil {
			return errors.BackendUnavailable(op, name, err)
		}
		b.logger.Info("collection_cleared", slog.String("collection", name))
		return nil
	})
}

// Close implements Backend.
func (b *SQLiteBackend) Close() error {
	return b.run(context.Background(), "close", func(ctx context.Context) error {
		if b.collection == "" {
			return nil
		}
		return b.closeHandle()
	})
}

var _ Backend = (*SQLiteBackend)(nil)
