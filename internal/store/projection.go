package store

import (
	"encoding/json"
	"fmt"
	"sort"
)

// Each backend stores chunks in its own shape. The helpers below map those
// shapes onto QueryResult so callers see identical results whichever
// backend answered. The raw vector is never projected.

// projectRecord maps a bbolt chunk record.
func projectRecord(id string, raw []byte, distance float64) (QueryResult, error) {
	var rec chunkRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return QueryResult{}, fmt.Errorf("decode chunk %s: %w", id, err)
	}
	return QueryResult{
		ID:       id,
		Text:     rec.Text,
		Metadata: normalizeMetadata(rec.Metadata),
		Score:    distance,
	}, nil
}

// projectRow maps a SQLite result row. Metadata is stored as JSON text.
func projectRow(id, document, metadataJSON string, distance float64) (QueryResult, error) {
	meta := Metadata{}
	if metadataJSON != "" {
		if err := json.Unmarshal([]byte(metadataJSON), &meta); err != nil {
			return QueryResult{}, fmt.Errorf("decode metadata for %s: %w", id, err)
		}
	}
	return QueryResult{
		ID:       id,
		Text:     document,
		Metadata: normalizeMetadata(meta),
		Score:    distance,
	}, nil
}

// chromaHit is one row of a Chroma query group.
type chromaHit struct {
	ID       string
	Document string
	Metadata map[string]any
	Distance float64
}

// projectChroma maps Chroma hits, ordered by ascending distance.
func projectChroma(hits []chromaHit) []QueryResult {
	out := make([]QueryResult, 0, len(hits))
	for _, h := range hits {
		meta := Metadata(h.Metadata)
		out = append(out, QueryResult{
			ID:       h.ID,
			Text:     h.Document,
			Metadata: normalizeMetadata(meta.Clone()),
			Score:    h.Distance,
		})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score < out[j].Score })
	return out
}

// mongoChunk is the document shape of the mongo backend.
type mongoChunk struct {
	ID        string         `bson:"_id"`
	Text      string         `bson:"text"`
	Embedding []float32      `bson:"embedding,omitempty"`
	Metadata  map[string]any `bson:"metadata"`
	Score     float64        `bson:"score,omitempty"`
}

// projectMongo maps $vectorSearch output. Scores are similarities, so the
// order is descending.
func projectMongo(docs []mongoChunk) []QueryResult {
	out := make([]QueryResult, 0, len(docs))
	for _, d := range docs {
		meta := Metadata{}
		for k, v := range d.Metadata {
			switch n := v.(type) {
			case int32:
				meta[k] = int64(n)
			default:
				meta[k] = normalizeNumber(v)
			}
		}
		out = append(out, QueryResult{
			ID:       d.ID,
			Text:     d.Text,
			Metadata: meta,
			Score:    d.Score,
		})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	return out
}
