package mcp

import "github.com/Aman-CERP/ragindex/internal/store"

// QueryInput is the input schema for query_index.
type QueryInput struct {
	Query  string         `json:"query" jsonschema:"text to search for"`
	Limit  int            `json:"limit,omitempty" jsonschema:"maximum number of chunks, default 10"`
	Filter map[string]any `json:"filter,omitempty" jsonschema:"metadata equality filter, e.g. {\"projectId\": \"p1\"} or {\"$and\": [...]}"`
}

// QueryOutput is the output schema for query_index.
type QueryOutput struct {
	Collection string              `json:"collection"`
	Results    []store.QueryResult `json:"results"`
}

// IngestInput is the input schema for ingest_document.
type IngestInput struct {
	ID        string         `json:"id,omitempty" jsonschema:"document id, stored as docId; generated when empty"`
	Text      string         `json:"text" jsonschema:"document text"`
	ProjectID string         `json:"project_id,omitempty" jsonschema:"project the document belongs to; defaults to the server project"`
	Title     string         `json:"title,omitempty"`
	URL       string         `json:"url,omitempty"`
	Type      string         `json:"type,omitempty" jsonschema:"content classification, default content"`
	Metadata  map[string]any `json:"metadata,omitempty" jsonschema:"extra scalar metadata copied onto every chunk"`
}

// IngestOutput is the output schema for ingest_document.
type IngestOutput struct {
	DocID   string `json:"doc_id"`
	Chunks  int    `json:"chunks"`
	Repeats int    `json:"repeats"`
	Total   int    `json:"total" jsonschema:"chunks in the collection after ingestion"`
}

// DeleteInput is the input schema for delete_documents.
type DeleteInput struct {
	DocID  string         `json:"doc_id,omitempty" jsonschema:"delete every chunk of this document"`
	Filter map[string]any `json:"filter,omitempty" jsonschema:"delete every chunk matching this metadata filter"`
}

// DeleteOutput is the output schema for delete_documents.
type DeleteOutput struct {
	Deleted   int `json:"deleted"`
	Remaining int `json:"remaining"`
}
