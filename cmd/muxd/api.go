package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/muxrun/mux/pkg/compaction"
	"github.com/muxrun/mux/pkg/history"
	"github.com/muxrun/mux/pkg/hostkey"
	mcpmanager "github.com/muxrun/mux/pkg/mcp/manager"
	"github.com/muxrun/mux/pkg/policy"
	"github.com/muxrun/mux/pkg/provider"
	"github.com/muxrun/mux/pkg/rpc"
	"github.com/muxrun/mux/pkg/runtime"
	"github.com/muxrun/mux/pkg/status"
	"github.com/muxrun/mux/pkg/tool"
	"github.com/muxrun/mux/pkg/tool/gitpatch"
	"github.com/muxrun/mux/pkg/workspace"
)

// api binds the daemon's services to RPC procedures.
type api struct {
	logger     *zap.Logger
	policy     *policy.Service
	store      *workspace.Store
	history    *history.Service
	status     *status.SetService
	statusHub  *statusHub
	compaction *compaction.Service
	hostkeys   *hostkey.Service
	mcp        *mcpmanager.Manager
	providers  *provider.Router
	patchTool  *gitpatch.Tool
}

func (a *api) register(r *rpc.Registry) {
	r.Register("policy.status", a.policyStatus)
	r.Register("workspace.get", a.workspaceGet)
	r.Register("history.read", a.historyRead)
	r.Register("status.set", a.statusSet)
	r.Register("status.get", a.statusGet)
	r.RegisterStream("status.subscribe", a.statusSubscribe)
	r.Register("compaction.state", a.compactionState)
	r.Register("compaction.toggleExclusion", a.compactionToggle)
	r.Register("compaction.scheduleRefresh", a.compactionSchedule)
	r.Register("compaction.deletePlans", a.compactionDeletePlans)
	r.Register("hostkey.request", a.hostkeyRequest)
	r.Register("hostkey.pending", a.hostkeyPending)
	r.Register("hostkey.respond", a.hostkeyRespond)
	r.Register("mcp.tools", a.mcpTools)
	r.Register("mcp.test", a.mcpTest)
	r.Register("mcp.stop", a.mcpStop)
	r.Register("provider.complete", a.providerComplete)
	r.Register("task.applyGitPatch", a.applyGitPatch)
}

// decodeInput re-marshals the generically decoded JSON input into a typed
// parameter struct.
func decodeInput(input any, out any) error {
	raw, err := json.Marshal(input)
	if err != nil {
		return fmt.Errorf("encode params: %w", err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode params: %w", err)
	}
	return nil
}

// runtimeFor builds the execution runtime for a workspace after checking
// it against the policy runtime allowlist. Only local and worktree
// runtimes can be driven by this daemon process; SSH and Docker workspaces
// are reached through federation.
func (a *api) runtimeFor(meta *workspace.Metadata, dir string) (runtime.Runtime, error) {
	id := policy.PolicyRuntimeID(meta.Runtime)
	if !a.policy.IsRuntimeAllowed(id) {
		return nil, fmt.Errorf("runtime %q is not allowed by policy", id)
	}
	switch id {
	case "local", "worktree":
		return runtime.NewLocalRuntime(dir), nil
	default:
		return nil, fmt.Errorf("runtime %q is not served by this host", meta.Runtime.Type)
	}
}

func (a *api) policyStatus(ctx context.Context, input any) (any, error) {
	return map[string]any{
		"status":        a.policy.GetStatus(),
		"blockedReason": a.policy.BlockedReason(),
	}, nil
}

func (a *api) workspaceGet(ctx context.Context, input any) (any, error) {
	var p struct {
		WorkspaceID string `json:"workspaceId"`
	}
	if err := decodeInput(input, &p); err != nil {
		return nil, err
	}
	meta, err := a.store.LoadMetadata(p.WorkspaceID)
	if err != nil {
		return nil, err
	}
	// Rewriters and federation operate on generic maps.
	var out map[string]any
	if err := decodeInput(meta, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (a *api) historyRead(ctx context.Context, input any) (any, error) {
	var p struct {
		WorkspaceID string `json:"workspaceId"`
	}
	if err := decodeInput(input, &p); err != nil {
		return nil, err
	}
	msgs, err := a.history.ReadAll(p.WorkspaceID)
	if err != nil {
		return nil, err
	}
	return map[string]any{"messages": msgs}, nil
}

func (a *api) statusSet(ctx context.Context, input any) (any, error) {
	var p struct {
		WorkspaceID   string `json:"workspaceId"`
		Script        string `json:"script"`
		Dir           string `json:"dir"`
		PollIntervalS int    `json:"pollIntervalS"`
	}
	if err := decodeInput(input, &p); err != nil {
		return nil, err
	}
	meta, err := a.store.LoadMetadata(p.WorkspaceID)
	if err != nil {
		return nil, err
	}
	rt, err := a.runtimeFor(meta, p.Dir)
	if err != nil {
		return nil, err
	}
	interval := time.Duration(p.PollIntervalS) * time.Second
	if err := a.status.Set(p.WorkspaceID, rt, p.Script, p.Dir, interval); err != nil {
		return nil, err
	}
	return map[string]any{"ok": true}, nil
}

func (a *api) statusGet(ctx context.Context, input any) (any, error) {
	var p struct {
		WorkspaceID string `json:"workspaceId"`
	}
	if err := decodeInput(input, &p); err != nil {
		return nil, err
	}
	st, err := a.status.LastStatus(p.WorkspaceID)
	if err != nil {
		return nil, err
	}
	return st, nil
}

func (a *api) statusSubscribe(ctx context.Context, input any) (rpc.Stream, error) {
	var p struct {
		WorkspaceID string `json:"workspaceId"`
	}
	if err := decodeInput(input, &p); err != nil {
		return nil, err
	}
	return a.statusHub.subscribe(p.WorkspaceID), nil
}

func (a *api) compactionState(ctx context.Context, input any) (any, error) {
	var p struct {
		WorkspaceID string `json:"workspaceId"`
	}
	if err := decodeInput(input, &p); err != nil {
		return nil, err
	}
	return a.compaction.GetState(p.WorkspaceID)
}

func (a *api) compactionToggle(ctx context.Context, input any) (any, error) {
	var p struct {
		WorkspaceID string `json:"workspaceId"`
		ItemID      string `json:"itemId"`
	}
	if err := decodeInput(input, &p); err != nil {
		return nil, err
	}
	if err := a.compaction.ToggleExclusion(p.WorkspaceID, p.ItemID); err != nil {
		return nil, err
	}
	excluded, err := a.compaction.IsExcluded(p.WorkspaceID, p.ItemID)
	if err != nil {
		return nil, err
	}
	return map[string]any{"excluded": excluded}, nil
}

func (a *api) compactionSchedule(ctx context.Context, input any) (any, error) {
	var p struct {
		WorkspaceID string `json:"workspaceId"`
	}
	if err := decodeInput(input, &p); err != nil {
		return nil, err
	}
	a.compaction.ScheduleRefresh(p.WorkspaceID)
	return map[string]any{"ok": true}, nil
}

func (a *api) compactionDeletePlans(ctx context.Context, input any) (any, error) {
	var p struct {
		WorkspaceID string `json:"workspaceId"`
	}
	if err := decodeInput(input, &p); err != nil {
		return nil, err
	}
	meta, err := a.store.LoadMetadata(p.WorkspaceID)
	if err != nil {
		return nil, err
	}
	rt, err := a.runtimeFor(meta, meta.WorkspacePath)
	if err != nil {
		return nil, err
	}
	if err := a.compaction.DeletePlanFilesForWorkspace(ctx, p.WorkspaceID, rt); err != nil {
		return nil, err
	}
	return map[string]any{"ok": true}, nil
}

// hostkeyRequest is the producer side of host key verification: connection
// brokers call it before the first contact with an unknown host and block
// until a user responds or the request times out (deny).
func (a *api) hostkeyRequest(ctx context.Context, input any) (any, error) {
	var p struct {
		Host        string `json:"host"`
		Fingerprint string `json:"fingerprint"`
		KeyType     string `json:"keyType"`
	}
	if err := decodeInput(input, &p); err != nil {
		return nil, err
	}
	accepted, err := a.hostkeys.RequestVerification(ctx, p.Host, p.Fingerprint, p.KeyType)
	if err != nil {
		return nil, err
	}
	return map[string]any{"accepted": accepted}, nil
}

func (a *api) hostkeyPending(ctx context.Context, input any) (any, error) {
	return a.hostkeys.Pending(), nil
}

func (a *api) hostkeyRespond(ctx context.Context, input any) (any, error) {
	var p struct {
		RequestID string `json:"requestId"`
		Accept    bool   `json:"accept"`
	}
	if err := decodeInput(input, &p); err != nil {
		return nil, err
	}
	if err := a.hostkeys.Respond(p.RequestID, p.Accept); err != nil {
		return nil, err
	}
	return map[string]any{"ok": true}, nil
}

// mcpTools assembles the full tool surface for a workspace: the built-in
// git patch tool plus every tool exported by the workspace's configured MCP
// servers, spawning servers that are not yet running.
func (a *api) mcpTools(ctx context.Context, input any) (any, error) {
	var p struct {
		WorkspaceID string                             `json:"workspaceId"`
		Servers     map[string]mcpmanager.ServerConfig `json:"servers"`
	}
	if err := decodeInput(input, &p); err != nil {
		return nil, err
	}
	meta, err := a.store.LoadMetadata(p.WorkspaceID)
	if err != nil {
		return nil, err
	}
	rt, err := a.runtimeFor(meta, meta.WorkspacePath)
	if err != nil {
		return nil, err
	}
	// Touching a workspace restarts its persisted status poller after a
	// daemon crash.
	if err := a.status.EnsureRunning(p.WorkspaceID, rt); err != nil {
		a.logger.Warn("status poller restore failed",
			zap.String("workspace_id", p.WorkspaceID), zap.Error(err))
	}
	mcpTools, err := a.mcp.GetToolsForWorkspace(ctx, mcpmanager.WorkspaceRequest{
		WorkspaceID:   p.WorkspaceID,
		ProjectPath:   meta.ProjectPath,
		WorkspacePath: meta.WorkspacePath,
		Runtime:       rt,
		Servers:       p.Servers,
	})
	if err != nil {
		return nil, err
	}

	reg := tool.NewRegistry()
	inv := gitpatch.Invocation{
		WorkspaceID:   p.WorkspaceID,
		WorkspacePath: meta.WorkspacePath,
		Runtime:       rt,
	}
	if err := reg.Register(a.patchTool.Bind(inv)); err != nil {
		return nil, err
	}
	for _, t := range mcpTools {
		if err := reg.Register(t); err != nil {
			a.logger.Warn("mcp tool shadowed", zap.String("tool", t.Name()), zap.Error(err))
		}
	}

	type toolInfo struct {
		Name        string `json:"name"`
		Description string `json:"description"`
	}
	infos := make([]toolInfo, 0, len(reg.Names()))
	for _, name := range reg.Names() {
		t, err := reg.Get(name)
		if err != nil {
			return nil, err
		}
		infos = append(infos, toolInfo{Name: t.Name(), Description: t.Description()})
	}
	return map[string]any{"tools": infos}, nil
}

func (a *api) mcpTest(ctx context.Context, input any) (any, error) {
	var p struct {
		Name   string                  `json:"name"`
		Server mcpmanager.ServerConfig `json:"server"`
		Dir    string                  `json:"dir"`
	}
	if err := decodeInput(input, &p); err != nil {
		return nil, err
	}
	tools, err := a.mcp.TestServer(ctx, runtime.NewLocalRuntime(p.Dir), p.Name, p.Server)
	if err != nil {
		return nil, err
	}
	return map[string]any{"tools": tools}, nil
}

func (a *api) mcpStop(ctx context.Context, input any) (any, error) {
	var p struct {
		WorkspaceID string `json:"workspaceId"`
	}
	if err := decodeInput(input, &p); err != nil {
		return nil, err
	}
	a.mcp.StopServers(p.WorkspaceID)
	return map[string]any{"ok": true}, nil
}

func (a *api) providerComplete(ctx context.Context, input any) (any, error) {
	var p struct {
		Provider string           `json:"provider"`
		Request  provider.Request `json:"request"`
	}
	if err := decodeInput(input, &p); err != nil {
		return nil, err
	}
	return a.providers.Complete(ctx, p.Provider, p.Request)
}

func (a *api) applyGitPatch(ctx context.Context, input any) (any, error) {
	var p struct {
		WorkspaceID string          `json:"workspaceId"`
		Params      gitpatch.Params `json:"params"`
	}
	if err := decodeInput(input, &p); err != nil {
		return nil, err
	}
	meta, err := a.store.LoadMetadata(p.WorkspaceID)
	if err != nil {
		return nil, err
	}
	rt, err := a.runtimeFor(meta, meta.WorkspacePath)
	if err != nil {
		return nil, err
	}
	inv := gitpatch.Invocation{
		WorkspaceID:   p.WorkspaceID,
		WorkspacePath: meta.WorkspacePath,
		Runtime:       rt,
	}
	return a.patchTool.Apply(ctx, inv, p.Params), nil
}

// statusEvent is one status update on the subscription stream.
type statusEvent struct {
	WorkspaceID string        `json:"workspaceId"`
	Status      status.Status `json:"status"`
}

// statusHub fans status updates out to RPC subscribers. Slow consumers
// drop updates rather than stalling the poller.
type statusHub struct {
	mu   sync.Mutex
	subs map[*statusSub]struct{}
}

func newStatusHub() *statusHub {
	return &statusHub{subs: make(map[*statusSub]struct{})}
}

func (h *statusHub) broadcast(workspaceID string, st status.Status) {
	ev := statusEvent{WorkspaceID: workspaceID, Status: st}
	h.mu.Lock()
	defer h.mu.Unlock()
	for sub := range h.subs {
		if sub.workspaceID != "" && sub.workspaceID != workspaceID {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
		}
	}
}

// subscribe registers a stream of updates; workspaceID empty means all
// workspaces.
func (h *statusHub) subscribe(workspaceID string) *statusSub {
	sub := &statusSub{
		hub:         h,
		workspaceID: workspaceID,
		ch:          make(chan statusEvent, 16),
		done:        make(chan struct{}),
	}
	h.mu.Lock()
	h.subs[sub] = struct{}{}
	h.mu.Unlock()
	return sub
}

type statusSub struct {
	hub         *statusHub
	workspaceID string
	ch          chan statusEvent

	once sync.Once
	done chan struct{}
}

func (s *statusSub) Next() (any, error) {
	select {
	case ev := <-s.ch:
		return ev, nil
	case <-s.done:
		return nil, io.EOF
	}
}

func (s *statusSub) Close() error {
	s.hub.mu.Lock()
	delete(s.hub.subs, s)
	s.hub.mu.Unlock()
	s.once.Do(func() { close(s.done) })
	return nil
}
