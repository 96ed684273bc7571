// Package mcp exposes the retrieval index as Model Context Protocol tools.
package mcp

import (
	"context"
	"errors"
	"fmt"

	ixerrors "github.com/Aman-CERP/ragindex/internal/errors"
)

// MCP error codes. Negative values follow JSON-RPC; the -320xx range is
// server defined.
const (
	ErrCodeCollectionNotOpen  = -32001
	ErrCodeEmbeddingFailed    = -32002
	ErrCodeTimeout            = -32003
	ErrCodeBackendUnavailable = -32004

	ErrCodeMethodNotFound = -32601
	ErrCodeInvalidParams  = -32602
	ErrCodeInternalError  = -32603
)

// ErrToolNotFound is returned by CallTool for unknown tool names.
var ErrToolNotFound = errors.New("tool not found")

// MCPError is a protocol error with code and message.
type MCPError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Error implements the error interface.
func (e *MCPError) Error() string {
	return fmt.Sprintf("MCP error %d: %s", e.Code, e.Message)
}

// MapError converts index errors to MCP errors.
func MapError(err error) *MCPError {
	if err == nil {
		return nil
	}

	var me *MCPError
	if errors.As(err, &me) {
		return me
	}

	var ie *ixerrors.IndexError
	if errors.As(err, &ie) {
		return mapIndexError(ie)
	}

	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return &MCPError{Code: ErrCodeTimeout, Message: "Request timed out."}
	case errors.Is(err, context.Canceled):
		return &MCPError{Code: ErrCodeTimeout, Message: "Request was canceled."}
	case errors.Is(err, ErrToolNotFound):
		return &MCPError{Code: ErrCodeMethodNotFound, Message: "Tool not found."}
	default:
		return &MCPError{Code: ErrCodeInternalError, Message: "Internal server error."}
	}
}

// NewInvalidParamsError creates an error for invalid parameters.
func NewInvalidParamsError(msg string) *MCPError {
	return &MCPError{Code: ErrCodeInvalidParams, Message: msg}
}

// NewMethodNotFoundError creates an error for unknown tools.
func NewMethodNotFoundError(name string) *MCPError {
	return &MCPError{
		Code:    ErrCodeMethodNotFound,
		Message: fmt.Sprintf("Tool '%s' not found.", name),
	}
}

func mapIndexError(ie *ixerrors.IndexError) *MCPError {
	message := ie.Message
	if ie.Suggestion != "" {
		message = fmt.Sprintf("%s %s", ie.Message, ie.Suggestion)
	}

	switch ie.Code {
	case ixerrors.ErrCodeNotInitialized, ixerrors.ErrCodeCorruptIndex:
		return &MCPError{Code: ErrCodeCollectionNotOpen, Message: message}
	case ixerrors.ErrCodeEmbeddingFailed:
		return &MCPError{Code: ErrCodeEmbeddingFailed, Message: message}
	case ixerrors.ErrCodeOperationTimeout, ixerrors.ErrCodeNetworkTimeout:
		return &MCPError{Code: ErrCodeTimeout, Message: message}
	case ixerrors.ErrCodeBackendUnavailable, ixerrors.ErrCodeCollectionLock:
		return &MCPError{Code: ErrCodeBackendUnavailable, Message: message}
	}

	if ie.Category == ixerrors.CategoryValidation {
		return &MCPError{Code: ErrCodeInvalidParams, Message: message}
	}
	return &MCPError{Code: ErrCodeInternalError, Message: message}
}
