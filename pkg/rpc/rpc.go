// Package rpc is the JSON-over-HTTP procedure host: a path-keyed handler
// registry behind a middleware chain, with WebSocket streaming.
package rpc

import (
	"context"
	"fmt"
	"sync"
)

// Invoker executes one procedure call. The result may be a Stream, in which
// case the caller owns draining and closing it.
type Invoker func(ctx context.Context, path string, input any) (any, error)

// Middleware wraps an invoker.
type Middleware func(next Invoker) Invoker

// Handler serves one unary procedure.
type Handler func(ctx context.Context, input any) (any, error)

// StreamHandler serves one streaming procedure.
type StreamHandler func(ctx context.Context, input any) (Stream, error)

// Stream yields values until io.EOF. Close releases the producer and is
// safe to call at any point during iteration.
type Stream interface {
	Next() (any, error)
	Close() error
}

// ErrUnknownProcedure is wrapped into errors for unregistered paths.
var ErrUnknownProcedure = fmt.Errorf("unknown procedure")

// Registry maps procedure paths to handlers and applies the middleware
// chain around dispatch.
type Registry struct {
	mu      sync.RWMutex
	unary   map[string]Handler
	streams map[string]StreamHandler
	chain   []Middleware
}

// NewRegistry builds an empty registry. Middlewares run in the given order,
// outermost first.
func NewRegistry(chain ...Middleware) *Registry {
	return &Registry{
		unary:   make(map[string]Handler),
		streams: make(map[string]StreamHandler),
		chain:   chain,
	}
}

// Register installs a unary handler at path.
func (r *Registry) Register(path string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.unary[path] = h
}

// RegisterStream installs a streaming handler at path.
func (r *Registry) RegisterStream(path string, h StreamHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.streams[path] = h
}

// IsStream reports whether path names a streaming procedure.
func (r *Registry) IsStream(path string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.streams[path]
	return ok
}

// Invoke dispatches a call through the middleware chain. Streaming
// procedures return a Stream as the result value.
func (r *Registry) Invoke(ctx context.Context, path string, input any) (any, error) {
	invoker := r.dispatch
	for i := len(r.chain) - 1; i >= 0; i-- {
		invoker = r.chain[i](invoker)
	}
	return invoker(ctx, path, input)
}

func (r *Registry) dispatch(ctx context.Context, path string, input any) (any, error) {
	r.mu.RLock()
	h, ok := r.unary[path]
	sh, sok := r.streams[path]
	r.mu.RUnlock()

	switch {
	case ok:
		return h(ctx, input)
	case sok:
		return sh(ctx, input)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownProcedure, path)
	}
}
