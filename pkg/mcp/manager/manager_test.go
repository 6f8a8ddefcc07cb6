package manager

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/muxrun/mux/pkg/mcp"
	"github.com/muxrun/mux/pkg/runtime"
)

type fakeServerTransport struct {
	mu     sync.Mutex
	tools  []string
	closed bool
}

func (f *fakeServerTransport) Call(_ context.Context, req *mcp.Request) (*mcp.Response, error) {
	switch req.Method {
	case "initialize":
		return &mcp.Response{ID: req.ID, Result: json.RawMessage(`{}`)}, nil
	case "tools/list":
		type decl struct {
			Name        string `json:"name"`
			Description string `json:"description"`
		}
		decls := make([]decl, 0, len(f.tools))
		for _, name := range f.tools {
			decls = append(decls, decl{Name: name, Description: "fake " + name})
		}
		payload, _ := json.Marshal(map[string]interface{}{"tools": decls})
		return &mcp.Response{ID: req.ID, Result: payload}, nil
	case "tools/call":
		return &mcp.Response{ID: req.ID, Result: json.RawMessage(
			`{"content":[{"type":"text","text":"ran"}],"isError":false}`)}, nil
	default:
		return &mcp.Response{ID: req.ID, Result: json.RawMessage(`{}`)}, nil
	}
}

func (f *fakeServerTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

type spawnCounter struct {
	mu         sync.Mutex
	spawned    int
	transports []*fakeServerTransport
	failFor    map[string]bool
}

func (c *spawnCounter) build(_ context.Context, _ runtime.Runtime, name string, _ ServerConfig) (mcp.Transport, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failFor[name] {
		return nil, errors.New("spawn refused")
	}
	c.spawned++
	t := &fakeServerTransport{tools: []string{"echo", "lookup"}}
	c.transports = append(c.transports, t)
	return t, nil
}

func (c *spawnCounter) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.spawned
}

func newTestManager(counter *spawnCounter) *Manager {
	m := New(zap.NewNop(), nil, "test")
	m.newTransport = counter.build
	return m
}

func request(servers map[string]ServerConfig) WorkspaceRequest {
	return WorkspaceRequest{
		WorkspaceID: "ws-1",
		Runtime:     runtime.NewLocalRuntime(""),
		Servers:     servers,
	}
}

func TestGetToolsCachesBySignature(t *testing.T) {
	counter := &spawnCounter{}
	m := newTestManager(counter)
	servers := map[string]ServerConfig{
		"files": {Command: "file-server"},
		"db":    {Command: "db-server"},
	}

	tools, err := m.GetToolsForWorkspace(context.Background(), request(servers))
	require.NoError(t, err)
	require.Len(t, tools, 4)
	require.Contains(t, tools, "mcp__files__echo")
	require.Contains(t, tools, "mcp__db__lookup")
	require.Equal(t, 2, counter.count())

	// Unchanged config: zero additional spawns.
	_, err = m.GetToolsForWorkspace(context.Background(), request(servers))
	require.NoError(t, err)
	require.Equal(t, 2, counter.count())
}

func TestGetToolsRestartsAllOnConfigChange(t *testing.T) {
	counter := &spawnCounter{}
	m := newTestManager(counter)

	_, err := m.GetToolsForWorkspace(context.Background(), request(map[string]ServerConfig{
		"files": {Command: "file-server"},
		"db":    {Command: "db-server"},
	}))
	require.NoError(t, err)
	require.Equal(t, 2, counter.count())

	// Changing one server's command restarts every server for the workspace.
	_, err = m.GetToolsForWorkspace(context.Background(), request(map[string]ServerConfig{
		"files": {Command: "file-server --verbose"},
		"db":    {Command: "db-server"},
	}))
	require.NoError(t, err)
	require.Equal(t, 4, counter.count())

	for _, transport := range counter.transports[:2] {
		require.True(t, transport.closed, "old instance should be closed")
	}
}

func TestStartFailureIsolatedPerServer(t *testing.T) {
	counter := &spawnCounter{failFor: map[string]bool{"broken": true}}
	m := newTestManager(counter)

	tools, err := m.GetToolsForWorkspace(context.Background(), request(map[string]ServerConfig{
		"broken": {Command: "nope"},
		"good":   {Command: "yep"},
	}))
	require.NoError(t, err)
	require.Contains(t, tools, "mcp__good__echo")
	require.NotContains(t, tools, "mcp__broken__echo")
}

func TestStopServersIsIdempotent(t *testing.T) {
	counter := &spawnCounter{}
	m := newTestManager(counter)

	_, err := m.GetToolsForWorkspace(context.Background(), request(map[string]ServerConfig{
		"files": {Command: "file-server"},
	}))
	require.NoError(t, err)

	m.StopServers("ws-1")
	require.True(t, counter.transports[0].closed)
	m.StopServers("ws-1") // no entry: must not panic
	m.StopServers("never-seen")
}

type denyAllPolicy struct{}

func (denyAllPolicy) IsMcpTransportAllowed(string) bool { return false }

func TestPolicyDeniesTransport(t *testing.T) {
	counter := &spawnCounter{}
	m := New(zap.NewNop(), denyAllPolicy{}, "test")
	m.newTransport = counter.build

	tools, err := m.GetToolsForWorkspace(context.Background(), request(map[string]ServerConfig{
		"files": {Command: "file-server"},
	}))
	require.NoError(t, err)
	require.Empty(t, tools)
	require.Equal(t, 0, counter.count())
}

func TestTestServerClosesTransport(t *testing.T) {
	counter := &spawnCounter{}
	m := newTestManager(counter)

	names, err := m.TestServer(context.Background(), runtime.NewLocalRuntime(""), "files", ServerConfig{Command: "file-server"})
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"echo", "lookup"}, names)
	require.True(t, counter.transports[0].closed)
}

func TestServerToolExecute(t *testing.T) {
	counter := &spawnCounter{}
	m := newTestManager(counter)

	tools, err := m.GetToolsForWorkspace(context.Background(), request(map[string]ServerConfig{
		"files": {Command: "file-server"},
	}))
	require.NoError(t, err)

	res, err := tools["mcp__files__echo"].Execute(context.Background(), map[string]interface{}{"v": 1})
	require.NoError(t, err)
	require.True(t, res.Success)
	require.Equal(t, "ran", res.Output)
}

func TestConfigSignatureStable(t *testing.T) {
	a := map[string]ServerConfig{"x": {Command: "c1"}, "y": {Command: "c2"}}
	b := map[string]ServerConfig{"y": {Command: "c2"}, "x": {Command: "c1"}}
	require.Equal(t, configSignature(a), configSignature(b))
	c := map[string]ServerConfig{"x": {Command: "c1 --flag"}, "y": {Command: "c2"}}
	require.NotEqual(t, configSignature(a), configSignature(c))
}
