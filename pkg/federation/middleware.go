package federation

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/muxrun/mux/pkg/rpc"
)

// ServerConfig describes one known remote mux server.
type ServerConfig struct {
	ID       string `json:"id" yaml:"id"`
	BaseURL  string `json:"baseUrl" yaml:"baseUrl"`
	Token    string `json:"token,omitempty" yaml:"token,omitempty"`
	Disabled bool   `json:"disabled,omitempty" yaml:"disabled,omitempty"`
	// ProjectPaths maps the remote server's project paths to local ones
	// for workspace-metadata rewriting.
	ProjectPaths map[string]string `json:"projectPaths,omitempty" yaml:"projectPaths,omitempty"`
}

// Middleware intercepts calls whose input references remote workspaces and
// proxies them to the owning server, rewriting IDs both ways.
type Middleware struct {
	logger        *zap.Logger
	servers       map[string]ServerConfig
	isStream      func(path string) bool
	pathRewriters map[string]PathRewriter

	// newCaller is swappable in tests.
	newCaller func(ServerConfig) Caller
}

// NewMiddleware builds the federation layer. isStream tells it which
// procedure paths are subscriptions; nil means everything is unary.
func NewMiddleware(logger *zap.Logger, servers []ServerConfig, isStream func(string) bool) *Middleware {
	if logger == nil {
		logger = zap.NewNop()
	}
	byID := make(map[string]ServerConfig, len(servers))
	for _, cfg := range servers {
		byID[cfg.ID] = cfg
	}
	return &Middleware{
		logger:        logger,
		servers:       byID,
		isStream:      isStream,
		pathRewriters: make(map[string]PathRewriter),
		newCaller:     func(cfg ServerConfig) Caller { return NewClient(cfg) },
	}
}

// RegisterRewriter installs a path-specific response rewriter, applied
// after the generic ID re-encoding.
func (m *Middleware) RegisterRewriter(path string, r PathRewriter) {
	m.pathRewriters[path] = r
}

// Wrap returns the rpc middleware. Local-only calls pass straight through.
func (m *Middleware) Wrap() rpc.Middleware {
	return func(next rpc.Invoker) rpc.Invoker {
		return func(ctx context.Context, path string, input any) (any, error) {
			rewritten, serverID, decoded := DecodeInput(input)
			if serverID == "" {
				return next(ctx, path, input)
			}

			cfg, ok := m.servers[serverID]
			if !ok {
				return nil, fmt.Errorf("unknown remote server %q", serverID)
			}
			if cfg.Disabled {
				return nil, fmt.Errorf("remote server %q is disabled", serverID)
			}

			rc := RewriteContext{
				ServerID:     serverID,
				Decoded:      decoded,
				ProjectPaths: cfg.ProjectPaths,
			}
			caller := m.newCaller(cfg)
			m.logger.Debug("forwarding to remote server",
				zap.String("server", serverID), zap.String("path", path))

			if m.isStream != nil && m.isStream(path) {
				ctx, cancel := context.WithCancel(ctx)
				stream, err := caller.Stream(ctx, path, rewritten)
				if err != nil {
					cancel()
					return nil, err
				}
				return &rewriteStream{
					inner:   stream,
					cancel:  cancel,
					rewrite: func(v any) any { return m.rewriteValue(path, v, rc) },
				}, nil
			}

			out, err := caller.Call(ctx, path, rewritten)
			if err != nil {
				return nil, err
			}
			return m.rewriteValue(path, out, rc), nil
		}
	}
}

func (m *Middleware) rewriteValue(path string, value any, rc RewriteContext) any {
	value = RewriteResponse(value, rc.ServerID, rc.Decoded)
	if pr, ok := m.pathRewriters[path]; ok {
		value = pr(value, rc)
	}
	return value
}

// rewriteStream passes every yielded value through the rewrite function.
// Closing it cancels the upstream request as well, so an abandoned local
// consumer cannot leak a remote subscription.
type rewriteStream struct {
	inner   rpc.Stream
	cancel  context.CancelFunc
	rewrite func(any) any
}

func (s *rewriteStream) Next() (any, error) {
	value, err := s.inner.Next()
	if err != nil {
		return nil, err
	}
	return s.rewrite(value), nil
}

func (s *rewriteStream) Close() error {
	s.cancel()
	return s.inner.Close()
}
