package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
)

const (
	protocolVersion = "2025-06-18"
	clientName      = "mux"
)

// ToolDescriptor is a tool advertised by a server via tools/list.
type ToolDescriptor struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"inputSchema"`
}

// ToolOutput is the flattened result of a tools/call invocation.
type ToolOutput struct {
	Text    string
	IsError bool
	Raw     json.RawMessage
}

// Client drives the MCP handshake and tool operations over a Transport.
type Client struct {
	transport Transport
	version   string
	nextID    atomic.Uint64
}

// NewClient wraps transport. ClientVersion defaults to "dev".
func NewClient(transport Transport, clientVersion string) *Client {
	if strings.TrimSpace(clientVersion) == "" {
		clientVersion = "dev"
	}
	return &Client{transport: transport, version: clientVersion}
}

// Call performs one JSON-RPC exchange, decoding the result into out when
// out is non-nil.
func (c *Client) Call(ctx context.Context, method string, params, out interface{}) error {
	req := &Request{
		ID:     strconv.FormatUint(c.nextID.Add(1), 10),
		Method: method,
		Params: params,
	}
	resp, err := c.transport.Call(ctx, req)
	if err != nil {
		return err
	}
	if resp.Error != nil {
		return resp.Error
	}
	if out == nil {
		return nil
	}
	if len(resp.Result) == 0 {
		return nil
	}
	if err := json.Unmarshal(resp.Result, out); err != nil {
		return fmt.Errorf("decode %s result: %w", method, err)
	}
	return nil
}

// Start performs the initialize handshake. Servers speaking older protocol
// drafts that lack the method are tolerated.
func (c *Client) Start(ctx context.Context) error {
	params := map[string]interface{}{
		"protocolVersion": protocolVersion,
		"capabilities":    map[string]interface{}{},
		"clientInfo": map[string]interface{}{
			"name":    clientName,
			"version": c.version,
		},
	}
	if err := c.Call(ctx, "initialize", params, nil); err != nil {
		var mcpErr *Error
		if errors.As(err, &mcpErr) && mcpErr.Code == methodNotFound {
			return nil
		}
		return fmt.Errorf("initialize: %w", err)
	}
	if n, ok := c.transport.(Notifier); ok {
		if err := n.Notify(&Request{Method: "notifications/initialized"}); err != nil {
			return fmt.Errorf("initialized notification: %w", err)
		}
	}
	return nil
}

// ListTools fetches the server's declared tools.
func (c *Client) ListTools(ctx context.Context) ([]ToolDescriptor, error) {
	var result struct {
		Tools []ToolDescriptor `json:"tools"`
	}
	if err := c.Call(ctx, "tools/list", map[string]interface{}{}, &result); err != nil {
		return nil, fmt.Errorf("list tools: %w", err)
	}
	return result.Tools, nil
}

// CallTool invokes a named tool and flattens its content blocks to text.
func (c *Client) CallTool(ctx context.Context, name string, args map[string]interface{}) (*ToolOutput, error) {
	if args == nil {
		args = map[string]interface{}{}
	}
	params := map[string]interface{}{
		"name":      name,
		"arguments": args,
	}
	var result struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
		IsError bool `json:"isError"`
	}
	req := &Request{
		ID:     strconv.FormatUint(c.nextID.Add(1), 10),
		Method: "tools/call",
		Params: params,
	}
	resp, err := c.transport.Call(ctx, req)
	if err != nil {
		return nil, err
	}
	if resp.Error != nil {
		return nil, resp.Error
	}
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return nil, fmt.Errorf("decode tool result: %w", err)
	}
	var parts []string
	for _, block := range result.Content {
		if block.Type == "text" && block.Text != "" {
			parts = append(parts, block.Text)
		}
	}
	return &ToolOutput{
		Text:    strings.Join(parts, "\n"),
		IsError: result.IsError,
		Raw:     resp.Result,
	}, nil
}

// Close releases the underlying transport.
func (c *Client) Close() error {
	return c.transport.Close()
}
