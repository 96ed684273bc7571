package mcp

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/Aman-CERP/ragindex/internal/index"
	"github.com/Aman-CERP/ragindex/internal/store"
	"github.com/Aman-CERP/ragindex/pkg/version"
)

const (
	defaultLimit = 10
	maxLimit     = 50
)

// Server bridges MCP clients with an Indexer.
type Server struct {
	mcp     *mcp.Server
	indexer *index.Indexer
	logger  *slog.Logger
}

// ToolInfo describes a registered tool.
type ToolInfo struct {
	Name        string
	Description string
}

var tools = []ToolInfo{
	{
		Name:        "query_index",
		Description: "Find the stored chunks nearest to a text, optionally restricted by metadata equality (projectId, docId, type...). Results are best-first.",
	},
	{
		Name:        "ingest_document",
		Description: "Chunk a document and store it in the open collection. Re-ingesting identical text is a no-op.",
	},
	{
		Name:        "delete_documents",
		Description: "Delete the chunks of a document (doc_id) or every chunk matching a metadata filter.",
	},
}

// NewServer creates an MCP server over ix. The collection must already be
// open.
func NewServer(ix *index.Indexer) (*Server, error) {
	if ix == nil {
		return nil, fmt.Errorf("indexer is required")
	}
	s := &Server{
		indexer: ix,
		logger:  slog.Default(),
	}
	s.mcp = mcp.NewServer(
		&mcp.Implementation{Name: "ragindex", Version: version.Version},
		nil,
	)
	s.registerTools()
	return s, nil
}

// MCPServer returns the underlying SDK server.
func (s *Server) MCPServer() *mcp.Server { return s.mcp }

// ListTools returns the registered tools.
func (s *Server) ListTools() []ToolInfo {
	return append([]ToolInfo(nil), tools...)
}

func (s *Server) registerTools() {
	mcp.AddTool(s.mcp, &mcp.Tool{Name: tools[0].Name, Description: tools[0].Description}, s.mcpQueryHandler)
	mcp.AddTool(s.mcp, &mcp.Tool{Name: tools[1].Name, Description: tools[1].Description}, s.mcpIngestHandler)
	mcp.AddTool(s.mcp, &mcp.Tool{Name: tools[2].Name, Description: tools[2].Description}, s.mcpDeleteHandler)
	s.logger.Debug("mcp_tools_registered", slog.Int("count", len(tools)))
}

// CallTool runs a tool by name with JSON-shaped args, bypassing the
// transport.
func (s *Server) CallTool(ctx context.Context, name string, args map[string]any) (any, error) {
	switch name {
	case "query_index":
		var in QueryInput
		if err := decodeArgs(args, &in); err != nil {
			return nil, err
		}
		return s.query(ctx, in)
	case "ingest_document":
		var in IngestInput
		if err := decodeArgs(args, &in); err != nil {
			return nil, err
		}
		return s.ingest(ctx, in)
	case "delete_documents":
		var in DeleteInput
		if err := decodeArgs(args, &in); err != nil {
			return nil, err
		}
		return s.delete(ctx, in)
	default:
		return nil, NewMethodNotFoundError(name)
	}
}

func decodeArgs(args map[string]any, v any) error {
	raw, err := json.Marshal(args)
	if err != nil {
		return NewInvalidParamsError(err.Error())
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return NewInvalidParamsError(err.Error())
	}
	return nil
}

func clampLimit(n int) int {
	switch {
	case n <= 0:
		return defaultLimit
	case n > maxLimit:
		return maxLimit
	default:
		return n
	}
}

func (s *Server) query(ctx context.Context, in QueryInput) (*QueryOutput, error) {
	if strings.TrimSpace(in.Query) == "" {
		return nil, NewInvalidParamsError("query parameter is required")
	}
	limit := clampLimit(in.Limit)
	start := time.Now()
	requestID := generateRequestID()

	results, err := s.indexer.Query(ctx, in.Query, store.Filter(in.Filter), limit)
	if err != nil {
		s.logger.Error("query_failed",
			slog.String("request_id", requestID),
			slog.Duration("duration", time.Since(start)),
			slog.String("error", err.Error()))
		return nil, MapError(err)
	}
	s.logger.Info("query_completed",
		slog.String("request_id", requestID),
		slog.Int("limit", limit),
		slog.Int("result_count", len(results)),
		slog.Duration("duration", time.Since(start)))

	if results == nil {
		results = []store.QueryResult{}
	}
	return &QueryOutput{Collection: s.indexer.Backend().Collection(), Results: results}, nil
}

func (s *Server) ingest(ctx context.Context, in IngestInput) (*IngestOutput, error) {
	if strings.TrimSpace(in.Text) == "" {
		return nil, NewInvalidParamsError("text parameter is required")
	}
	meta := store.Metadata{}
	for k, v := range in.Metadata {
		meta[k] = v
	}
	for k, v := range map[string]string{
		store.MetaProjectID: in.ProjectID,
		store.MetaTitle:     in.Title,
		store.MetaURL:       in.URL,
		store.MetaType:      in.Type,
	} {
		if v != "" {
			meta[k] = v
		}
	}

	res, err := s.indexer.Ingest(ctx, index.SourceDocument{ID: in.ID, Text: in.Text, Metadata: meta})
	if err != nil {
		return nil, MapError(err)
	}
	total, err := s.indexer.Count(ctx)
	if err != nil {
		return nil, MapError(err)
	}
	s.logger.Info("document_ingested",
		slog.String("doc_id", res.DocID),
		slog.Int("chunks", res.Chunks))
	return &IngestOutput{DocID: res.DocID, Chunks: res.Chunks, Repeats: res.Repeats, Total: total}, nil
}

func (s *Server) delete(ctx context.Context, in DeleteInput) (*DeleteOutput, error) {
	if in.DocID == "" && len(in.Filter) == 0 {
		return nil, NewInvalidParamsError("doc_id or filter is required")
	}
	before, err := s.indexer.Count(ctx)
	if err != nil {
		return nil, MapError(err)
	}

	if in.DocID != "" {
		err = s.indexer.DeleteDocument(ctx, in.DocID)
	} else {
		err = s.indexer.Delete(ctx, store.Filter(in.Filter))
	}
	if err != nil {
		return nil, MapError(err)
	}

	after, err := s.indexer.Count(ctx)
	if err != nil {
		return nil, MapError(err)
	}
	return &DeleteOutput{Deleted: before - after, Remaining: after}, nil
}

func (s *Server) mcpQueryHandler(ctx context.Context, _ *mcp.CallToolRequest, in QueryInput) (
	*mcp.CallToolResult,
	*QueryOutput,
	error,
) {
	out, err := s.query(ctx, in)
	if err != nil {
		return nil, nil, err
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: FormatQueryResults(in.Query, out.Results)}},
	}, out, nil
}

func (s *Server) mcpIngestHandler(ctx context.Context, _ *mcp.CallToolRequest, in IngestInput) (
	*mcp.CallToolResult,
	*IngestOutput,
	error,
) {
	out, err := s.ingest(ctx, in)
	if err != nil {
		return nil, nil, err
	}
	return nil, out, nil
}

func (s *Server) mcpDeleteHandler(ctx context.Context, _ *mcp.CallToolRequest, in DeleteInput) (
	*mcp.CallToolResult,
	*DeleteOutput,
	error,
) {
	out, err := s.delete(ctx, in)
	if err != nil {
		return nil, nil, err
	}
	return nil, out, nil
}

// Serve runs the server until ctx is canceled. Only stdio is supported;
// HTTP clients use internal/server.
func (s *Server) Serve(ctx context.Context, transport string) error {
	s.logger.Info("mcp_server_starting", slog.String("transport", transport))

	switch transport {
	case "stdio":
		err := s.mcp.Run(ctx, &mcp.StdioTransport{})
		if err != nil && err != context.Canceled {
			s.logger.Error("mcp_server_stopped", slog.String("error", err.Error()))
		} else {
			s.logger.Info("mcp_server_stopped")
		}
		return err
	default:
		return fmt.Errorf("unknown transport: %s (supported: stdio)", transport)
	}
}

// generateRequestID creates a short id for log correlation.
func generateRequestID() string {
	b := make([]byte, 4)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
