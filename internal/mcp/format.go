package mcp

import (
	"fmt"
	"sort"
	"strings"

	"github.com/Aman-CERP/ragindex/internal/store"
)

// FormatQueryResults renders results as markdown for the text content of
// query_index.
func FormatQueryResults(query string, results []store.QueryResult) string {
	if len(results) == 0 {
		return fmt.Sprintf("No results found for \"%s\"", query)
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("## Results for \"%s\"\n\n", query))
	sb.WriteString(fmt.Sprintf("Found %d result", len(results)))
	if len(results) != 1 {
		sb.WriteString("s")
	}
	sb.WriteString("\n\n")

	for i, r := range results {
		formatResult(&sb, i+1, r)
	}
	return sb.String()
}

func formatResult(sb *strings.Builder, n int, r store.QueryResult) {
	title := r.ID
	if t, ok := r.Metadata[store.MetaTitle].(string); ok && t != "" {
		title = t
	}
	sb.WriteString(fmt.Sprintf("### %d. %s\n", n, title))

	var attrs []string
	if doc, ok := r.Metadata[store.MetaDocID].(string); ok && doc != "" {
		attrs = append(attrs, "doc `"+doc+"`")
	}
	if pos := chunkPosition(r.Metadata); pos != "" {
		attrs = append(attrs, "chunk "+pos)
	}
	attrs = append(attrs, fmt.Sprintf("score %.4f", r.Score))
	sb.WriteString(strings.Join(attrs, " | "))
	sb.WriteString("\n")
	if u, ok := r.Metadata[store.MetaURL].(string); ok && u != "" {
		sb.WriteString(u + "\n")
	}

	sb.WriteString("\n```\n")
	sb.WriteString(strings.TrimRight(r.Text, "\n"))
	sb.WriteString("\n```\n\n")

	if extra := extraMetadata(r.Metadata); extra != "" {
		sb.WriteString(extra + "\n\n")
	}
}

func chunkPosition(m store.Metadata) string {
	id, ok := m[store.MetaChunkID]
	if !ok {
		return ""
	}
	if total, ok := m[store.MetaChunkTotal]; ok {
		return fmt.Sprintf("%v/%v", id, total)
	}
	return fmt.Sprintf("%v", id)
}

var shownKeys = map[string]bool{
	store.MetaTitle:      true,
	store.MetaDocID:      true,
	store.MetaURL:        true,
	store.MetaChunkID:    true,
	store.MetaChunkTotal: true,
}

// extraMetadata lists remaining keys in sorted order.
func extraMetadata(m store.Metadata) string {
	keys := make([]string, 0, len(m))
	for k := range m {
		if !shownKeys[k] {
			keys = append(keys, k)
		}
	}
	if len(keys) == 0 {
		return ""
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprintf("%s=%v", k, m[k])
	}
	return "_" + strings.Join(parts, ", ") + "_"
}
