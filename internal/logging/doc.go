// Package logging configures structured slog output for ragindex.
//
// Logs are JSON lines written to a size-rotated file under ~/.ragindex/logs/
// and, outside of MCP mode, mirrored to stderr. MCP mode never touches the
// standard streams since stdout carries the JSON-RPC protocol.
package logging
