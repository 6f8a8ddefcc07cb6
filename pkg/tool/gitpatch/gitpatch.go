package gitpatch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/muxrun/mux/pkg/runtime"
	"github.com/muxrun/mux/pkg/tool"
)

const (
	toolName  = "task_apply_git_patch"
	copyChunk = 64 * 1024
)

// Params are the agent-supplied arguments.
type Params struct {
	TaskID   string `json:"task_id"`
	DryRun   bool   `json:"dry_run,omitempty"`
	Force    bool   `json:"force,omitempty"`
	ThreeWay bool   `json:"three_way,omitempty"`
}

// Invocation is the workspace context a call executes in.
type Invocation struct {
	WorkspaceID   string
	WorkspacePath string
	Runtime       runtime.Runtime
}

// Tool validates and applies git patch artifacts. Every expected failure is
// a structured result; the tool never panics on bad input.
type Tool struct {
	logger    *zap.Logger
	artifacts *ArtifactStore
	now       func() time.Time
}

// New builds the tool over an artifact store.
func New(logger *zap.Logger, artifacts *ArtifactStore) *Tool {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tool{logger: logger, artifacts: artifacts, now: time.Now}
}

// Bind fixes the workspace context, yielding a registrable tool.
func (t *Tool) Bind(inv Invocation) tool.Tool {
	return &boundTool{tool: t, inv: inv}
}

type boundTool struct {
	tool *Tool
	inv  Invocation
}

func (b *boundTool) Name() string { return toolName }

func (b *boundTool) Description() string {
	return "Apply a previously generated git patch series (mbox) to the workspace. " +
		"Supports dry_run verification in a disposable worktree and force re-apply."
}

func (b *boundTool) Schema() *tool.JSONSchema {
	return &tool.JSONSchema{
		Type: "object",
		Properties: map[string]interface{}{
			"task_id":   map[string]interface{}{"type": "string", "description": "task whose patch to apply"},
			"dry_run":   map[string]interface{}{"type": "boolean", "description": "verify the patch applies without touching the working tree"},
			"force":     map[string]interface{}{"type": "boolean", "description": "skip the clean-tree and already-applied guards"},
			"three_way": map[string]interface{}{"type": "boolean", "description": "pass --3way to git am"},
		},
		Required: []string{"task_id"},
	}
}

func (b *boundTool) Execute(ctx context.Context, params map[string]interface{}) (*tool.Result, error) {
	var p Params
	if err := tool.DecodeParams(params, &p); err != nil {
		return tool.Fail("invalid parameters: %v", err), nil
	}
	return b.tool.Apply(ctx, b.inv, p), nil
}

// Apply runs the validation chain and then the dry-run or real apply path.
func (t *Tool) Apply(ctx context.Context, inv Invocation, p Params) *tool.Result {
	art, err := t.artifacts.Load(inv.WorkspaceID, p.TaskID)
	if err != nil {
		if errors.Is(err, ErrArtifactNotFound) {
			return tool.Fail("no patch artifact found for task %q", p.TaskID)
		}
		return tool.Fail("load patch artifact: %v", err)
	}

	if art.ParentWorkspaceID != inv.WorkspaceID {
		return tool.Fail("patch for task %q belongs to workspace %q; cross-workspace apply is not allowed",
			p.TaskID, art.ParentWorkspaceID)
	}

	switch art.Status {
	case StatusPending:
		return tool.Fail("patch for task %q is still being generated", p.TaskID)
	case StatusFailed:
		res := tool.Fail("patch generation for task %q failed", p.TaskID)
		if art.Error != "" {
			res.Note = art.Error
		}
		return res
	case StatusSkipped:
		return tool.Fail("patch generation for task %q was skipped (no commits to export)", p.TaskID)
	}

	if art.AppliedAtMs > 0 && !p.Force && !p.DryRun {
		return tool.Fail("patch for task %q was already applied at %s",
			p.TaskID, time.UnixMilli(art.AppliedAtMs).UTC().Format(time.RFC3339)).
			WithNote("Pass force=true to re-apply, or dry_run=true to verify.")
	}

	mboxPath, err := t.artifacts.ResolveMboxPath(inv.WorkspaceID, art)
	if err != nil {
		return tool.Fail("%v", err)
	}

	if !p.Force {
		status, err := t.git(ctx, inv, inv.WorkspacePath, "status --porcelain")
		if err != nil {
			return tool.Fail("check working tree: %v", err)
		}
		if strings.TrimSpace(status) != "" {
			return tool.Fail("working tree is not clean").
				WithNote("Commit or stash local changes first, or pass force=true.")
		}
	}

	remoteMbox, err := t.stageMbox(ctx, inv, mboxPath)
	if err != nil {
		return tool.Fail("stage patch file: %v", err)
	}

	if p.DryRun {
		return t.dryRun(ctx, inv, art, remoteMbox, p.ThreeWay)
	}
	return t.realApply(ctx, inv, art, p.TaskID, remoteMbox, p.ThreeWay)
}

// stageMbox streams the local mbox into the execution runtime's temp
// directory in 64KB chunks; the runtime may be a remote host or container.
func (t *Tool) stageMbox(ctx context.Context, inv Invocation, mboxPath string) (string, error) {
	src, err := os.Open(mboxPath)
	if err != nil {
		return "", err
	}
	defer src.Close()

	tmpDir, err := inv.Runtime.TempDir(ctx)
	if err != nil {
		return "", fmt.Errorf("create temp dir: %w", err)
	}
	dest := path.Join(tmpDir, filepath.Base(mboxPath))
	w, err := inv.Runtime.OpenWriter(ctx, dest)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", dest, err)
	}
	if _, err := io.CopyBuffer(w, src, make([]byte, copyChunk)); err != nil {
		_ = w.Close()
		return "", fmt.Errorf("copy patch: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("flush patch: %w", err)
	}
	return dest, nil
}

func (t *Tool) dryRun(ctx context.Context, inv Invocation, art *Artifact, mboxPath string, threeWay bool) *tool.Result {
	worktree := path.Join(path.Dir(mboxPath), "dryrun-"+uuid.NewString()[:8])

	if _, err := t.git(ctx, inv, inv.WorkspacePath,
		"worktree add --detach "+runtime.ShellQuote(worktree)+" HEAD"); err != nil {
		return tool.Fail("create dry-run worktree: %v", err)
	}

	applyOut, applyErr := t.git(ctx, inv, worktree, amCommand(mboxPath, threeWay))

	// Cleanup never masks the primary result: each step is independently
	// best-effort and only logged.
	if _, err := t.git(ctx, inv, worktree, "am --abort"); err != nil {
		t.logger.Debug("dry-run am --abort", zap.Error(err))
	}
	if _, err := t.git(ctx, inv, inv.WorkspacePath,
		"worktree remove --force "+runtime.ShellQuote(worktree)); err != nil {
		t.logger.Debug("dry-run worktree remove", zap.Error(err))
	}
	if _, err := t.git(ctx, inv, inv.WorkspacePath, "worktree prune"); err != nil {
		t.logger.Debug("dry-run worktree prune", zap.Error(err))
	}

	if applyErr != nil {
		return tool.Fail("dry run: patch does not apply: %v", applyErr)
	}
	return tool.Ok(
		fmt.Sprintf("dry run: patch with %d commit(s) applies cleanly", art.CommitCount),
		map[string]interface{}{"dryRun": true, "commitCount": art.CommitCount, "output": applyOut},
	)
}

func (t *Tool) realApply(ctx context.Context, inv Invocation, art *Artifact, taskID, mboxPath string, threeWay bool) *tool.Result {
	out, err := t.git(ctx, inv, inv.WorkspacePath, amCommand(mboxPath, threeWay))
	if err != nil {
		return tool.Fail("apply patch: %v", err).
			WithNote("Resolve conflicts and run `git am --continue`, or run `git am --abort` to undo.")
	}

	// Best-effort HEAD capture; its absence does not fail the apply.
	head := ""
	if sha, err := t.git(ctx, inv, inv.WorkspacePath, "rev-parse HEAD"); err == nil {
		head = strings.TrimSpace(sha)
	} else {
		t.logger.Debug("rev-parse after apply", zap.Error(err))
	}

	appliedAt := t.now().UnixMilli()
	art.AppliedAtMs = appliedAt
	if err := t.artifacts.Save(inv.WorkspaceID, taskID, art); err != nil {
		t.logger.Warn("stamp patch artifact", zap.String("task", taskID), zap.Error(err))
	}

	data := map[string]interface{}{
		"commitCount": art.CommitCount,
		"appliedAtMs": appliedAt,
	}
	if head != "" {
		data["headSha"] = head
	}
	if trimmed := strings.TrimSpace(out); trimmed != "" {
		data["output"] = trimmed
	}
	return tool.Ok(fmt.Sprintf("applied %d commit(s)%s", art.CommitCount, headSuffix(head)), data)
}

// git runs a git subcommand in dir on the invocation's runtime and returns
// stdout; a non-zero exit becomes an error carrying stderr.
func (t *Tool) git(ctx context.Context, inv Invocation, dir, args string) (string, error) {
	res, err := inv.Runtime.Exec(ctx, "git "+args, runtime.ExecOptions{
		Dir:     dir,
		Timeout: 2 * time.Minute,
	})
	if err != nil {
		return "", err
	}
	if !res.Ok() {
		msg := strings.TrimSpace(res.Stderr)
		if msg == "" {
			msg = strings.TrimSpace(res.Stdout)
		}
		return "", fmt.Errorf("git %s: %s", strings.Fields(args)[0], msg)
	}
	return res.Stdout, nil
}

func amCommand(mboxPath string, threeWay bool) string {
	if threeWay {
		return "am --3way " + runtime.ShellQuote(mboxPath)
	}
	return "am " + runtime.ShellQuote(mboxPath)
}

func headSuffix(head string) string {
	if head == "" {
		return ""
	}
	return ", HEAD is now " + head
}
