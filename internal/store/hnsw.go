package store

import (
	"bufio"
	"encoding/gob"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"

	"github.com/coder/hnsw"

	"github.com/Aman-CERP/ragindex/internal/errors"
)

// vectorGraph wraps a coder/hnsw graph with string ids.
//
// Deletion is lazy: a removed or replaced id drops out of the id maps while
// its node stays in the graph. coder/hnsw misbehaves when the last node is
// deleted, and clearing rebuilds the graph from scratch anyway.
// Callers hold the backend's serializer slot, so there is no locking here.
type vectorGraph struct {
	graph  *hnsw.Graph[uint64]
	config graphConfig

	idMap   map[string]uint64
	keyMap  map[uint64]string
	nextKey uint64
}

// graphConfig is persisted next to the graph.
type graphConfig struct {
	Dimensions int
	Metric     string
	M          int
	EfSearch   int
}

// graphMeta is the gob payload of vectors.hnsw.meta.
type graphMeta struct {
	IDMap   map[string]uint64
	NextKey uint64
	Config  graphConfig
}

// vectorHit is a raw graph result.
type vectorHit struct {
	ID       string
	Distance float32
}

func newVectorGraph(dimensions int, opts HNSWOptions) *vectorGraph {
	cfg := graphConfig{
		Dimensions: dimensions,
		Metric:     opts.Metric,
		M:          opts.M,
		EfSearch:   opts.EfSearch,
	}
	if cfg.Metric == "" {
		cfg.Metric = "cos"
	}
	if cfg.M == 0 {
		cfg.M = 16
	}
	if cfg.EfSearch == 0 {
		cfg.EfSearch = 20
	}

	return &vectorGraph{
		graph:  buildGraph(cfg),
		config: cfg,
		idMap:  make(map[string]uint64),
		keyMap: make(map[uint64]string),
	}
}

func buildGraph(cfg graphConfig) *hnsw.Graph[uint64] {
	g := hnsw.NewGraph[uint64]()
	switch cfg.Metric {
	case "l2":
		g.Distance = hnsw.EuclideanDistance
	default:
		g.Distance = hnsw.CosineDistance
	}
	g.M = cfg.M
	g.EfSearch = cfg.EfSearch
	g.Ml = 0.25
	return g
}

func (g *vectorGraph) checkDims(v []float32) *errors.IndexError {
	if len(v) != g.config.Dimensions {
		return errors.New(errors.ErrCodeDimensionMismatch,
			fmt.Sprintf("dimension mismatch: expected %d, got %d", g.config.Dimensions, len(v)), nil).
			WithSuggestion("Reindex the collection after changing the embedding model")
	}
	return nil
}

// Add inserts or replaces vectors.
func (g *vectorGraph) Add(ids []string, vectors [][]float32) error {
	if len(ids) != len(vectors) {
		return fmt.Errorf("ids and vectors length mismatch: %d vs %d", len(ids), len(vectors))
	}
	for _, v := range vectors {
		if err := g.checkDims(v); err != nil {
			return err
		}
	}

	for i, id := range ids {
		if old, ok := g.idMap[id]; ok {
			delete(g.keyMap, old)
			delete(g.idMap, id)
		}

		key := g.nextKey
		g.nextKey++

		vec := make([]float32, len(vectors[i]))
		copy(vec, vectors[i])
		if g.config.Metric == "cos" {
			normalizeVectorInPlace(vec)
		}
		g.graph.Add(hnsw.MakeNode(key, vec))

		g.idMap[id] = key
		g.keyMap[key] = id
	}
	return nil
}

// Search returns up to k live hits, nearest first.
func (g *vectorGraph) Search(query []float32, k int) ([]vectorHit, error) {
	if err := g.checkDims(query); err != nil {
		return nil, err
	}
	if g.graph.Len() == 0 || len(g.idMap) == 0 || k <= 0 {
		return nil, nil
	}

	q := make([]float32, len(query))
	copy(q, query)
	if g.config.Metric == "cos" {
		normalizeVectorInPlace(q)
	}

	// Orphaned nodes take result slots, so ask for enough to cover them.
	want := k + g.Orphans()
	if want > g.graph.Len() {
		want = g.graph.Len()
	}

	nodes := g.graph.Search(q, want)
	hits := make([]vectorHit, 0, k)
	for _, n := range nodes {
		id, ok := g.keyMap[n.Key]
		if !ok {
			continue
		}
		hits = append(hits, vectorHit{ID: id, Distance: g.graph.Distance(q, n.Value)})
		if len(hits) == k {
			break
		}
	}
	return hits, nil
}

// Delete drops ids from the maps.
func (g *vectorGraph) Delete(ids []string) {
	for _, id := range ids {
		if key, ok := g.idMap[id]; ok {
			delete(g.keyMap, key)
			delete(g.idMap, id)
		}
	}
}

// Len returns the number of live ids.
func (g *vectorGraph) Len() int { return len(g.idMap) }

// GraphLen returns the node count including orphans.
func (g *vectorGraph) GraphLen() int { return g.graph.Len() }

// Orphans returns the number of lazily deleted nodes.
func (g *vectorGraph) Orphans() int { return g.graph.Len() - len(g.idMap) }

// Save writes the graph to path and the id maps to path.meta, each via a
// temp file and rename.
func (g *vectorGraph) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create directory: %w", err)
	}

	if g.graph.Len() == 0 {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("remove graph file: %w", err)
		}
		return g.saveMeta(path + ".meta")
	}

	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("create graph file: %w", err)
	}
	if err := g.graph.Export(f); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("export graph: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("close graph file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename graph file: %w", err)
	}

	return g.saveMeta(path + ".meta")
}

func (g *vectorGraph) saveMeta(path string) error {
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("create meta file: %w", err)
	}

	meta := graphMeta{IDMap: g.idMap, NextKey: g.nextKey, Config: g.config}
	if err := gob.NewEncoder(f).Encode(meta); err != nil {
		if closeErr := f.Close(); closeErr != nil {
			slog.Warn("failed to close temp file during cleanup", slog.String("error", closeErr.Error()))
		}
		os.Remove(tmp)
		return fmt.Errorf("encode meta: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("close meta file: %w", err)
	}
	return os.Rename(tmp, path)
}

// loadVectorGraph reads a graph written by Save. A missing meta file
// returns (nil, nil).
func loadVectorGraph(path string) (*vectorGraph, error) {
	mf, err := os.Open(path + ".meta")
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open meta file: %w", err)
	}
	defer func() {
		if err := mf.Close(); err != nil {
			slog.Warn("failed to close meta file", slog.String("error", err.Error()))
		}
	}()

	var meta graphMeta
	if err := gob.NewDecoder(mf).Decode(&meta); err != nil {
		return nil, fmt.Errorf("decode graph meta: %w", err)
	}

	g := &vectorGraph{
		graph:   buildGraph(meta.Config),
		config:  meta.Config,
		idMap:   meta.IDMap,
		keyMap:  make(map[uint64]string, len(meta.IDMap)),
		nextKey: meta.NextKey,
	}
	if g.idMap == nil {
		g.idMap = make(map[string]uint64)
	}
	for id, key := range g.idMap {
		g.keyMap[key] = id
	}

	gf, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) && len(g.idMap) == 0 {
			return g, nil
		}
		return nil, fmt.Errorf("open graph file: %w", err)
	}
	defer gf.Close()

	// Import needs an io.ByteReader.
	if err := g.graph.Import(bufio.NewReader(gf)); err != nil {
		return nil, fmt.Errorf("import graph: %w", err)
	}
	return g, nil
}

// normalizeVectorInPlace scales v to unit length.
func normalizeVectorInPlace(v []float32) {
	var sumSquares float64
	for _, val := range v {
		sumSquares += float64(val) * float64(val)
	}
	if sumSquares == 0 {
		return
	}
	inv := float32(1.0 / math.Sqrt(sumSquares))
	for i := range v {
		v[i] *= inv
	}
}
