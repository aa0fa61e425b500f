// Package router implements the Protocol Router (spec.md §4.5): JSON-RPC
// 2.0 method dispatch for the task-augmented tools/call decision tree,
// the tasks/* method surface, and GetPrompt delegation to the workflow
// executor.
//
// The request/response/error envelope shapes and the standard-plus-
// reserved-range error code layout are grounded on the teacher's
// pkg/mcp/protocol.go and pkg/mcp/types.go (JSONRPCRequest,
// JSONRPCResponse, JSONRPCError, ErrorDetail, JSONRPCSuccess,
// JSONRPCErrorWithContext), adapted from an Echo-HTTP-bound transport
// to a transport-agnostic Dispatch(ctx, request) call so the router can
// sit behind stdio, HTTP, or any other transport the deployment picks
// (spec §6: "transport chosen by the deployment").
package router

import (
	"encoding/json"
)

// JSONRPCRequest is one JSON-RPC 2.0 request, per spec.md §6.
type JSONRPCRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      interface{}     `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// JSONRPCResponse is a successful JSON-RPC 2.0 response.
type JSONRPCResponse struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      interface{} `json:"id"`
	Result  interface{} `json:"result"`
}

// JSONRPCErrorResponse is a failed JSON-RPC 2.0 response.
type JSONRPCErrorResponse struct {
	JSONRPC string       `json:"jsonrpc"`
	ID      interface{}  `json:"id"`
	Error   *ErrorDetail `json:"error"`
}

// ErrorDetail carries the JSON-RPC error triple plus an optional data
// payload for enhanced debugging context, following the teacher's
// ErrorDetail shape.
type ErrorDetail struct {
	Code    int                    `json:"code"`
	Message string                 `json:"message"`
	Data    map[string]interface{} `json:"data,omitempty"`
}

// Standard JSON-RPC 2.0 error codes, named identically to the
// teacher's pkg/mcp/types.go constants.
const (
	ParseError     = -32700
	InvalidRequest = -32600
	MethodNotFound = -32601
	InvalidParams  = -32602
	InternalError  = -32603
)

// Application-specific error codes in the reserved -32000..-32099
// range, following the teacher's layout.
const (
	AuthError           = -32005
	ResourceExhaustedErr = -32010
	ExpiredErr           = -32011
	ConflictErr          = -32012
	NotReadyErr          = -32013
	InvalidTransitionErr = -32014
)

// Success builds a successful JSON-RPC response envelope.
func Success(id interface{}, result interface{}) *JSONRPCResponse {
	return &JSONRPCResponse{JSONRPC: "2.0", ID: id, Result: result}
}

// ErrorResponse builds a failed JSON-RPC response envelope.
func ErrorResponse(id interface{}, code int, message string, data map[string]interface{}) *JSONRPCErrorResponse {
	return &JSONRPCErrorResponse{
		JSONRPC: "2.0",
		ID:      id,
		Error:   &ErrorDetail{Code: code, Message: message, Data: data},
	}
}

// relatedTaskMetaKey is the `_meta` key linking a tasks/result response
// back to its task, per spec.md §6's "Meta keys" paragraph. The exact
// string matches the real go-sdk's internal constant of the same name
// (confirmed via its own server.go), so clients that already understand
// the upstream SDK's task augmentation recognize it unchanged.
const relatedTaskMetaKey = "io.modelcontextprotocol/related-task"
