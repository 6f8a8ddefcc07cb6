package main

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/muxrun/mux/pkg/compaction"
	"github.com/muxrun/mux/pkg/history"
	"github.com/muxrun/mux/pkg/hostkey"
	mcpmanager "github.com/muxrun/mux/pkg/mcp/manager"
	"github.com/muxrun/mux/pkg/policy"
	"github.com/muxrun/mux/pkg/provider"
	"github.com/muxrun/mux/pkg/rpc"
	"github.com/muxrun/mux/pkg/status"
	"github.com/muxrun/mux/pkg/tool/gitpatch"
	"github.com/muxrun/mux/pkg/workspace"
)

func disabledPolicy(t *testing.T) *policy.Service {
	t.Helper()
	s := policy.New("0.12.0", policy.WithSource(""))
	require.NoError(t, s.Initialize(context.Background()))
	t.Cleanup(s.Dispose)
	return s
}

func enforcedPolicy(t *testing.T, content string) *policy.Service {
	t.Helper()
	path := filepath.Join(t.TempDir(), "policy.json")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	s := policy.New("0.12.0", policy.WithSource(path))
	require.NoError(t, s.Initialize(context.Background()))
	t.Cleanup(s.Dispose)
	return s
}

// newTestAPI wires a full api over temp-dir services, the way runServe does.
func newTestAPI(t *testing.T, policySvc *policy.Service) *api {
	t.Helper()
	logger := zap.NewNop()
	store := workspace.NewStore(t.TempDir())
	hist := history.NewService(store)

	hub := newStatusHub()
	statusSvc := status.NewSetService(logger, store, hub.broadcast)
	t.Cleanup(statusSvc.Dispose)

	compactionSvc := compaction.New(logger, store, hist, func(string, *compaction.State) {})
	t.Cleanup(compactionSvc.Dispose)

	hostkeySvc := hostkey.New(func(hostkey.Request) {})
	t.Cleanup(hostkeySvc.Dispose)

	mcpMgr := mcpmanager.New(logger, policySvc, "0.12.0")
	t.Cleanup(mcpMgr.StopAll)

	return &api{
		logger:     logger,
		policy:     policySvc,
		store:      store,
		history:    hist,
		status:     statusSvc,
		statusHub:  hub,
		compaction: compactionSvc,
		hostkeys:   hostkeySvc,
		mcp:        mcpMgr,
		providers:  provider.NewRouter(policySvc, nil),
		patchTool:  gitpatch.New(logger, gitpatch.NewArtifactStore(store)),
	}
}

func saveWorkspace(t *testing.T, a *api, id string, rt policy.RuntimeConfig) {
	t.Helper()
	require.NoError(t, a.store.SaveMetadata(&workspace.Metadata{
		ID:            id,
		ProjectPath:   "/proj",
		WorkspacePath: t.TempDir(),
		Runtime:       rt,
	}))
}

func TestStatusHubFansOutToSubscribers(t *testing.T) {
	hub := newStatusHub()
	all := hub.subscribe("")
	only := hub.subscribe("ws-1")
	defer all.Close()
	defer only.Close()

	hub.broadcast("ws-1", status.Status{Message: "building"})
	hub.broadcast("ws-2", status.Status{Message: "idle"})

	ev, err := all.Next()
	require.NoError(t, err)
	require.Equal(t, "ws-1", ev.(statusEvent).WorkspaceID)
	ev, err = all.Next()
	require.NoError(t, err)
	require.Equal(t, "ws-2", ev.(statusEvent).WorkspaceID)

	// The filtered subscriber only sees its workspace.
	ev, err = only.Next()
	require.NoError(t, err)
	require.Equal(t, "building", ev.(statusEvent).Status.Message)
	select {
	case <-only.ch:
		t.Fatal("filtered subscriber received a foreign event")
	default:
	}
}

func TestStatusSubCloseEndsStream(t *testing.T) {
	hub := newStatusHub()
	sub := hub.subscribe("")

	errCh := make(chan error, 1)
	go func() {
		_, err := sub.Next()
		errCh <- err
	}()
	require.NoError(t, sub.Close())

	select {
	case err := <-errCh:
		require.ErrorIs(t, err, io.EOF)
	case <-time.After(2 * time.Second):
		t.Fatal("Next did not return after Close")
	}

	// Closed subscribers no longer receive broadcasts.
	hub.broadcast("ws-1", status.Status{Message: "late"})
	require.NoError(t, sub.Close())
}

func TestRuntimeForLocalOnly(t *testing.T) {
	a := newTestAPI(t, disabledPolicy(t))
	meta := &workspace.Metadata{Runtime: policy.RuntimeConfig{Type: "local"}}

	rt, err := a.runtimeFor(meta, t.TempDir())
	require.NoError(t, err)
	require.NotNil(t, rt)

	meta.Runtime.SrcBaseDir = "/src"
	rt, err = a.runtimeFor(meta, t.TempDir())
	require.NoError(t, err)
	require.NotNil(t, rt)

	meta.Runtime = policy.RuntimeConfig{Type: "ssh"}
	_, err = a.runtimeFor(meta, "")
	require.ErrorContains(t, err, "not served by this host")
}

func TestRuntimeForEnforcesAllowlist(t *testing.T) {
	a := newTestAPI(t, enforcedPolicy(t, `{
		"policy_format_version": 1,
		"runtimes": [{"id": "ssh"}]
	}`))

	meta := &workspace.Metadata{Runtime: policy.RuntimeConfig{Type: "local"}}
	_, err := a.runtimeFor(meta, t.TempDir())
	require.ErrorContains(t, err, "not allowed by policy")

	// Re-allowing local makes the same call succeed.
	allowed := newTestAPI(t, enforcedPolicy(t, `{
		"policy_format_version": 1,
		"runtimes": [{"id": "local"}, {"id": "ssh"}]
	}`))
	rt, err := allowed.runtimeFor(meta, t.TempDir())
	require.NoError(t, err)
	require.NotNil(t, rt)
}

func TestMcpToolsIncludesBuiltinTool(t *testing.T) {
	a := newTestAPI(t, disabledPolicy(t))
	saveWorkspace(t, a, "ws-tools", policy.RuntimeConfig{Type: "local"})

	reg := rpc.NewRegistry()
	a.register(reg)

	out, err := reg.Invoke(context.Background(), "mcp.tools", map[string]any{
		"workspaceId": "ws-tools",
	})
	require.NoError(t, err)

	tools := out.(map[string]any)["tools"]
	var names []string
	var infos []struct {
		Name        string `json:"name"`
		Description string `json:"description"`
	}
	require.NoError(t, decodeInput(tools, &infos))
	for _, info := range infos {
		require.NotEmpty(t, info.Description)
		names = append(names, info.Name)
	}
	require.Contains(t, names, "task_apply_git_patch")
}

func TestMcpToolsDeniedByRuntimePolicy(t *testing.T) {
	a := newTestAPI(t, enforcedPolicy(t, `{
		"policy_format_version": 1,
		"runtimes": [{"id": "ssh"}]
	}`))
	saveWorkspace(t, a, "ws-denied", policy.RuntimeConfig{Type: "local"})

	reg := rpc.NewRegistry()
	a.register(reg)

	_, err := reg.Invoke(context.Background(), "mcp.tools", map[string]any{
		"workspaceId": "ws-denied",
	})
	require.ErrorContains(t, err, "not allowed by policy")
}

func TestCompactionDeletePlansRuns(t *testing.T) {
	a := newTestAPI(t, disabledPolicy(t))
	saveWorkspace(t, a, "ws-plans", policy.RuntimeConfig{Type: "local"})

	reg := rpc.NewRegistry()
	a.register(reg)

	// No plan files exist; rm -f still exits zero.
	out, err := reg.Invoke(context.Background(), "compaction.deletePlans", map[string]any{
		"workspaceId": "ws-plans",
	})
	require.NoError(t, err)
	require.Equal(t, true, out.(map[string]any)["ok"])
}

func TestHostkeyRequestRoundTrip(t *testing.T) {
	a := newTestAPI(t, disabledPolicy(t))

	// Auto-accept, standing in for the user answering the prompt.
	var svc *hostkey.Service
	svc = hostkey.New(func(req hostkey.Request) {
		go svc.Respond(req.RequestID, true)
	})
	t.Cleanup(svc.Dispose)
	a.hostkeys = svc

	reg := rpc.NewRegistry()
	a.register(reg)

	out, err := reg.Invoke(context.Background(), "hostkey.request", map[string]any{
		"host":        "build-host:22",
		"fingerprint": "SHA256:abcdef",
		"keyType":     "ed25519",
	})
	require.NoError(t, err)
	require.Equal(t, true, out.(map[string]any)["accepted"])
}

func TestDecodeInput(t *testing.T) {
	var p struct {
		WorkspaceID string `json:"workspaceId"`
	}
	err := decodeInput(map[string]any{"workspaceId": "ws-9"}, &p)
	require.NoError(t, err)
	require.Equal(t, "ws-9", p.WorkspaceID)
}
