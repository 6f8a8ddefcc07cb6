// Package manager owns the per-workspace lifecycle of MCP tool servers:
// spawning them through the workspace runtime, caching them by config
// signature, and aggregating their tools into one flat map for the agent.
package manager

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/muxrun/mux/pkg/mcp"
	"github.com/muxrun/mux/pkg/runtime"
	"github.com/muxrun/mux/pkg/tool"
)

const testServerTimeout = 10 * time.Second

// ServerConfig describes one configured MCP server. A URL selects the
// remote (HTTP+SSE) transport; otherwise Command is spawned over stdio.
type ServerConfig struct {
	Command   string   `json:"command,omitempty" yaml:"command,omitempty"`
	URL       string   `json:"url,omitempty" yaml:"url,omitempty"`
	AuthToken string   `json:"auth_token,omitempty" yaml:"auth_token,omitempty"`
	Env       []string `json:"env,omitempty" yaml:"env,omitempty"`
}

// TransportKind reports which transport this config uses.
func (c ServerConfig) TransportKind() string {
	if c.URL != "" {
		return "remote"
	}
	return "stdio"
}

// TransportPolicy gates which MCP transports user-defined servers may use.
type TransportPolicy interface {
	IsMcpTransportAllowed(transport string) bool
}

// WorkspaceRequest identifies the workspace whose tools are wanted.
type WorkspaceRequest struct {
	WorkspaceID   string
	ProjectPath   string
	WorkspacePath string
	Runtime       runtime.Runtime
	Servers       map[string]ServerConfig
}

// ServerInstance is one live MCP server owned by the manager.
type ServerInstance struct {
	Name      string
	Transport string
	Tools     map[string]tool.Tool
	close     func() error
}

// Close tears down client then transport; each leg swallows its own error.
func (s *ServerInstance) Close() error {
	if s.close == nil {
		return nil
	}
	return s.close()
}

type workspaceServers struct {
	configSignature string
	instances       map[string]*ServerInstance
}

// Manager caches MCP server instances per workspace.
type Manager struct {
	logger        *zap.Logger
	policy        TransportPolicy
	clientVersion string

	mu         sync.Mutex
	workspaces map[string]*workspaceServers

	// newTransport is swappable in tests to count spawns.
	newTransport func(ctx context.Context, rt runtime.Runtime, name string, cfg ServerConfig) (mcp.Transport, error)
}

// New builds a manager. policy may be nil (all transports allowed).
func New(logger *zap.Logger, policy TransportPolicy, clientVersion string) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		logger:        logger,
		policy:        policy,
		clientVersion: clientVersion,
		workspaces:    make(map[string]*workspaceServers),
		newTransport:  buildTransport,
	}
}

func buildTransport(ctx context.Context, rt runtime.Runtime, name string, cfg ServerConfig) (mcp.Transport, error) {
	if cfg.URL != "" {
		inner, err := mcp.NewRemoteTransport(ctx, mcp.RemoteOptions{BaseURL: cfg.URL, AuthToken: cfg.AuthToken})
		if err != nil {
			return nil, err
		}
		return mcp.NewRetryTransport(inner), nil
	}
	if cfg.Command == "" {
		return nil, fmt.Errorf("server %s has neither command nor url", name)
	}
	return mcp.NewStdioTransport(ctx, rt, cfg.Command, mcp.StdioOptions{Env: cfg.Env})
}

// configSignature is the deterministic identity of a server config map.
// encoding/json sorts map keys, so equal maps always produce equal bytes.
func configSignature(servers map[string]ServerConfig) string {
	data, err := json.Marshal(servers)
	if err != nil {
		return fmt.Sprintf("unmarshalable:%v", err)
	}
	return string(data)
}

// GetToolsForWorkspace returns the aggregated tool map for a workspace.
// An unchanged config is a cache hit and spawns nothing; a changed config
// stops every instance for the workspace and starts fresh ones. Restarting
// all servers on any change trades churn for simplicity on purpose.
func (m *Manager) GetToolsForWorkspace(ctx context.Context, req WorkspaceRequest) (map[string]tool.Tool, error) {
	signature := configSignature(req.Servers)

	m.mu.Lock()
	defer m.mu.Unlock()

	if entry, ok := m.workspaces[req.WorkspaceID]; ok {
		if entry.configSignature == signature {
			return aggregateTools(entry), nil
		}
		m.logger.Info("mcp config changed, restarting servers",
			zap.String("workspace", req.WorkspaceID))
		m.stopLocked(req.WorkspaceID)
	}

	entry := &workspaceServers{
		configSignature: signature,
		instances:       make(map[string]*ServerInstance),
	}
	for name, cfg := range req.Servers {
		instance, err := m.startServer(ctx, req, name, cfg)
		if err != nil {
			// One broken server must not block the rest.
			m.logger.Warn("mcp server failed to start",
				zap.String("workspace", req.WorkspaceID),
				zap.String("server", name),
				zap.Error(err))
			continue
		}
		entry.instances[name] = instance
	}
	m.workspaces[req.WorkspaceID] = entry
	return aggregateTools(entry), nil
}

// StopServers closes every instance for the workspace and drops the cache
// entry. Safe to call when no entry exists.
func (m *Manager) StopServers(workspaceID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopLocked(workspaceID)
}

func (m *Manager) stopLocked(workspaceID string) {
	entry, ok := m.workspaces[workspaceID]
	if !ok {
		return
	}
	for name, instance := range entry.instances {
		if err := instance.Close(); err != nil {
			m.logger.Warn("mcp server close failed",
				zap.String("workspace", workspaceID),
				zap.String("server", name),
				zap.Error(err))
		}
	}
	delete(m.workspaces, workspaceID)
}

// StopAll tears down every workspace's servers.
func (m *Manager) StopAll() {
	m.mu.Lock()
	ids := make([]string, 0, len(m.workspaces))
	for id := range m.workspaces {
		ids = append(ids, id)
	}
	m.mu.Unlock()
	for _, id := range ids {
		m.StopServers(id)
	}
}

func (m *Manager) startServer(ctx context.Context, req WorkspaceRequest, name string, cfg ServerConfig) (*ServerInstance, error) {
	transportKind := cfg.TransportKind()
	if m.policy != nil && !m.policy.IsMcpTransportAllowed(transportKind) {
		return nil, fmt.Errorf("transport %s denied by policy", transportKind)
	}

	transport, err := m.newTransport(ctx, req.Runtime, name, cfg)
	if err != nil {
		return nil, fmt.Errorf("create transport: %w", err)
	}

	client := mcp.NewClient(transport, m.clientVersion)
	ok := false
	defer func() {
		if !ok {
			_ = client.Close()
		}
	}()

	if err := client.Start(ctx); err != nil {
		return nil, fmt.Errorf("handshake: %w", err)
	}
	descriptors, err := client.ListTools(ctx)
	if err != nil {
		return nil, fmt.Errorf("list tools: %w", err)
	}

	tools := make(map[string]tool.Tool, len(descriptors))
	for _, desc := range descriptors {
		if desc.Name == "" {
			continue
		}
		qualified := fmt.Sprintf("mcp__%s__%s", name, desc.Name)
		tools[qualified] = &serverTool{
			name:        qualified,
			remoteName:  desc.Name,
			description: desc.Description,
			schema:      parseSchema(desc.InputSchema),
			client:      client,
		}
	}

	ok = true
	return &ServerInstance{
		Name:      name,
		Transport: transportKind,
		Tools:     tools,
		close: func() error {
			// Client close tears down the transport too; a second transport
			// close is harmless and keeps the legs independent.
			if err := client.Close(); err != nil {
				m.logger.Debug("mcp client close", zap.String("server", name), zap.Error(err))
			}
			if err := transport.Close(); err != nil {
				m.logger.Debug("mcp transport close", zap.String("server", name), zap.Error(err))
			}
			return nil
		},
	}, nil
}

// TestServer spawns a server definition standalone, bounded by a 10s
// deadline, to verify it starts and lists tools. The transport is always
// cleaned up, on every exit path.
func (m *Manager) TestServer(ctx context.Context, rt runtime.Runtime, name string, cfg ServerConfig) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, testServerTimeout)
	defer cancel()

	transport, err := m.newTransport(ctx, rt, name, cfg)
	if err != nil {
		return nil, fmt.Errorf("create transport: %w", err)
	}
	defer func() {
		_ = transport.Close()
	}()

	client := mcp.NewClient(transport, m.clientVersion)
	if err := client.Start(ctx); err != nil {
		return nil, fmt.Errorf("handshake: %w", err)
	}
	descriptors, err := client.ListTools(ctx)
	if err != nil {
		return nil, fmt.Errorf("list tools: %w", err)
	}
	names := make([]string, 0, len(descriptors))
	for _, desc := range descriptors {
		names = append(names, desc.Name)
	}
	return names, nil
}

func aggregateTools(entry *workspaceServers) map[string]tool.Tool {
	merged := make(map[string]tool.Tool)
	for _, instance := range entry.instances {
		for name, t := range instance.Tools {
			merged[name] = t
		}
	}
	return merged
}

func parseSchema(raw json.RawMessage) *tool.JSONSchema {
	if len(raw) == 0 {
		return nil
	}
	var schema tool.JSONSchema
	if err := json.Unmarshal(raw, &schema); err != nil {
		return nil
	}
	return &schema
}

// serverTool adapts one remote MCP tool to the local tool contract.
type serverTool struct {
	name        string
	remoteName  string
	description string
	schema      *tool.JSONSchema
	client      *mcp.Client
}

func (s *serverTool) Name() string             { return s.name }
func (s *serverTool) Description() string      { return s.description }
func (s *serverTool) Schema() *tool.JSONSchema { return s.schema }

func (s *serverTool) Execute(ctx context.Context, params map[string]interface{}) (*tool.Result, error) {
	out, err := s.client.CallTool(ctx, s.remoteName, params)
	if err != nil {
		return nil, err
	}
	if out.IsError {
		return tool.Fail("%s", out.Text), nil
	}
	return tool.Ok(out.Text, json.RawMessage(out.Raw)), nil
}
