package store

import (
	"fmt"
	"math"
	"sort"

	"github.com/Aman-CERP/ragindex/internal/errors"
)

const (
	opAnd = "$and"
	opEq  = "$eq"
)

// predicate is a single field equality after flattening.
type predicate struct {
	Field string
	Value any
}

// flattenFilter validates f and reduces it to a conjunction of field
// equalities. A nil or empty filter yields no predicates.
// Predicates are sorted by field so translations are deterministic.
func flattenFilter(f Filter) ([]predicate, error) {
	var preds []predicate
	if err := flattenInto(f, &preds); err != nil {
		return nil, err
	}
	sort.SliceStable(preds, func(i, j int) bool { return preds[i].Field < preds[j].Field })
	return preds, nil
}

func flattenInto(f map[string]any, out *[]predicate) error {
	for key, raw := range f {
		if key == opAnd {
			clauses, err := andClauses(raw)
			if err != nil {
				return err
			}
			for _, c := range clauses {
				if err := flattenInto(c, out); err != nil {
					return err
				}
			}
			continue
		}
		if len(key) > 0 && key[0] == '$' {
			return errors.FilterUnsupported("operator " + key)
		}

		value, err := equalityValue(key, raw)
		if err != nil {
			return err
		}
		*out = append(*out, predicate{Field: key, Value: value})
	}
	return nil
}

func andClauses(raw any) ([]map[string]any, error) {
	switch v := raw.(type) {
	case []Filter:
		out := make([]map[string]any, len(v))
		for i := range v {
			out[i] = v[i]
		}
		return out, nil
	case []map[string]any:
		return v, nil
	case []any:
		out := make([]map[string]any, 0, len(v))
		for _, item := range v {
			switch m := item.(type) {
			case Filter:
				out = append(out, m)
			case map[string]any:
				out = append(out, m)
			default:
				return nil, errors.FilterUnsupported(fmt.Sprintf("$and element of type %T", item))
			}
		}
		return out, nil
	default:
		return nil, errors.FilterUnsupported(fmt.Sprintf("$and value of type %T", raw))
	}
}

func equalityValue(field string, raw any) (any, error) {
	var m map[string]any
	switch v := raw.(type) {
	case Filter:
		m = v
	case map[string]any:
		m = v
	default:
		if !isScalar(raw) {
			return nil, errors.FilterUnsupported(fmt.Sprintf("non-scalar value for %q", field))
		}
		return raw, nil
	}

	if len(m) != 1 {
		return nil, errors.FilterUnsupported(fmt.Sprintf("operator object for %q must hold exactly $eq", field))
	}
	v, ok := m[opEq]
	if !ok {
		for op := range m {
			return nil, errors.FilterUnsupported(fmt.Sprintf("operator %s on %q", op, field))
		}
	}
	if !isScalar(v) {
		return nil, errors.FilterUnsupported(fmt.Sprintf("non-scalar value for %q", field))
	}
	return v, nil
}

func isScalar(v any) bool {
	switch v.(type) {
	case string, bool,
		int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64,
		float32, float64:
		return true
	}
	return false
}

// toFloat converts numeric scalars so 3, int64(3) and 3.0 compare equal.
func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}

// scalarEqual compares two metadata scalars, treating numbers by value.
func scalarEqual(a, b any) bool {
	if fa, ok := toFloat(a); ok {
		fb, ok := toFloat(b)
		return ok && fa == fb
	}
	return a == b
}

// matchAll reports whether meta satisfies every predicate.
func matchAll(meta Metadata, preds []predicate) bool {
	for _, p := range preds {
		v, ok := meta[p.Field]
		if !ok || !scalarEqual(v, p.Value) {
			return false
		}
	}
	return true
}

// normalizeNumber returns an int64 for integral floats so stored metadata
// keeps the shape callers wrote. JSON decoding turns every number into
// float64; projections call this on the way out.
func normalizeNumber(v any) any {
	f, ok := v.(float64)
	if !ok {
		return v
	}
	if f == math.Trunc(f) && math.Abs(f) < 1<<53 {
		return int64(f)
	}
	return f
}

// normalizeMetadata applies normalizeNumber to every value.
func normalizeMetadata(m Metadata) Metadata {
	if m == nil {
		return Metadata{}
	}
	for k, v := range m {
		m[k] = normalizeNumber(v)
	}
	return m
}

// validateMetadata rejects non-scalar metadata values.
func validateMetadata(m Metadata) *errors.IndexError {
	for k, v := range m {
		if v == nil || !isScalar(v) {
			return errors.ValidationError(fmt.Sprintf("metadata %q must be a string, bool or number, got %T", k, v), nil).
				WithDetail("field", k)
		}
	}
	return nil
}
