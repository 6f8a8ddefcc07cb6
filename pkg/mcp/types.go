// Package mcp implements the client side of the Model Context Protocol:
// JSON-RPC spoken to tool-server subprocesses over stdio, or to remote
// servers over HTTP + SSE.
package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

const jsonRPCVersion = "2.0"

// ErrTransportClosed is delivered to every pending call when the underlying
// transport dies.
var ErrTransportClosed = errors.New("mcp: transport closed")

// Request is a JSON-RPC request or notification (empty ID).
type Request struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      string      `json:"id,omitempty"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params,omitempty"`
}

// Response is a JSON-RPC response envelope.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      string          `json:"id,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// Error is the JSON-RPC error object.
type Error struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("mcp error %d: %s", e.Code, e.Message)
}

// methodNotFound is the JSON-RPC code for an unsupported method.
const methodNotFound = -32601

// Transport moves single JSON-RPC exchanges to an MCP server.
type Transport interface {
	Call(ctx context.Context, req *Request) (*Response, error)
	Close() error
}

// Notifier is implemented by transports that can deliver fire-and-forget
// notifications (requests without an ID).
type Notifier interface {
	Notify(req *Request) error
}
