// Package tool defines the agent-facing tool contract: named operations
// with JSON-schema inputs that always return a structured result.
package tool

import (
	"context"
	"encoding/json"
	"fmt"
)

// JSONSchema is the subset of JSON Schema the tool layer cares about.
type JSONSchema struct {
	Type       string                 `json:"type"`
	Properties map[string]interface{} `json:"properties,omitempty"`
	Required   []string               `json:"required,omitempty"`
}

// Result is the discriminated union every tool returns. Expected failures
// travel through Error/Note rather than Go errors so the calling model can
// read and react to them; Go errors are reserved for transport-level
// problems the model cannot act on.
type Result struct {
	Success bool        `json:"success"`
	Output  string      `json:"output,omitempty"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
	Note    string      `json:"note,omitempty"`
}

// Ok builds a success result.
func Ok(output string, data interface{}) *Result {
	return &Result{Success: true, Output: output, Data: data}
}

// Fail builds a failure result with a formatted message.
func Fail(format string, args ...interface{}) *Result {
	return &Result{Success: false, Error: fmt.Sprintf(format, args...)}
}

// WithNote attaches a remediation hint to the result.
func (r *Result) WithNote(format string, args ...interface{}) *Result {
	r.Note = fmt.Sprintf(format, args...)
	return r
}

// Tool is a callable operation exposed to the agent.
type Tool interface {
	Name() string
	Description() string
	Schema() *JSONSchema
	Execute(ctx context.Context, params map[string]interface{}) (*Result, error)
}

// DecodeParams unmarshals a params map into a typed argument struct by
// round-tripping through JSON, so tools declare plain structs.
func DecodeParams(params map[string]interface{}, out interface{}) error {
	data, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("encode params: %w", err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode params: %w", err)
	}
	return nil
}
