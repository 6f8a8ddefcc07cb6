// Package compaction recomputes which files and plan documents should be
// re-injected into an agent's context after its history is compacted.
package compaction

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/muxrun/mux/pkg/history"
	"github.com/muxrun/mux/pkg/runtime"
	"github.com/muxrun/mux/pkg/workspace"
)

const debounceDelay = 100 * time.Millisecond

// ItemPlan is the exclusion-set ID for the plan document; files use
// "file:<path>".
const ItemPlan = "plan"

// State is the post-compaction metadata for one workspace.
type State struct {
	TrackedFiles  []string `json:"trackedFiles"`
	ExcludedItems []string `json:"excludedItems,omitempty"`
}

// Service owns per-workspace debounce timers, the in-memory pending
// compaction cache, and the persisted snapshot.
type Service struct {
	logger    *zap.Logger
	store     *workspace.Store
	history   *history.Service
	onRefresh func(workspaceID string, state *State)

	// planBaseDir is the runtime-side mux directory for local and SSH
	// runtimes; docker containers use the absolute dockerPlanBaseDir.
	planBaseDir       string
	dockerPlanBaseDir string

	mu       sync.Mutex
	timers   map[string]*time.Timer
	pending  map[string][]string
	disposed bool
}

// Option configures the service.
type Option func(*Service)

// WithPlanBaseDir overrides the "~/.mux" default for local/SSH runtimes.
func WithPlanBaseDir(dir string) Option {
	return func(s *Service) { s.planBaseDir = dir }
}

// WithDockerPlanBaseDir overrides the absolute in-container mux directory.
func WithDockerPlanBaseDir(dir string) Option {
	return func(s *Service) { s.dockerPlanBaseDir = dir }
}

// New builds the service. onRefresh receives the recomputed state after each
// debounced refresh; it may be nil.
func New(logger *zap.Logger, store *workspace.Store, hist *history.Service, onRefresh func(string, *State), opts ...Option) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Service{
		logger:            logger,
		store:             store,
		history:           hist,
		onRefresh:         onRefresh,
		planBaseDir:       "~/.mux",
		dockerPlanBaseDir: "/root/.mux",
		timers:            make(map[string]*time.Timer),
		pending:           make(map[string][]string),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SetPendingCompaction caches the tracked-file paths captured at compaction
// time, before the history itself is cleared.
func (s *Service) SetPendingCompaction(workspaceID string, paths []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending[workspaceID] = append([]string(nil), paths...)
}

// ClearPendingCompaction drops the in-memory cache for a workspace.
func (s *Service) ClearPendingCompaction(workspaceID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pending, workspaceID)
}

// ScheduleRefresh debounces metadata recomputation for a workspace. A new
// call cancels the pending timer and restarts the window, coalescing rapid
// triggers into one recompute.
func (s *Service) ScheduleRefresh(workspaceID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.disposed {
		return
	}
	if t, ok := s.timers[workspaceID]; ok {
		t.Stop()
	}
	s.timers[workspaceID] = time.AfterFunc(debounceDelay, func() {
		s.mu.Lock()
		if s.disposed {
			s.mu.Unlock()
			return
		}
		delete(s.timers, workspaceID)
		s.mu.Unlock()
		s.refresh(workspaceID)
	})
}

// Dispose cancels every outstanding timer; late fires become no-ops.
func (s *Service) Dispose() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.disposed = true
	for id, t := range s.timers {
		t.Stop()
		delete(s.timers, id)
	}
}

func (s *Service) refresh(workspaceID string) {
	state, err := s.GetState(workspaceID)
	if err != nil {
		s.logger.Warn("post-compaction refresh failed",
			zap.String("workspace", workspaceID), zap.Error(err))
		return
	}
	if err := s.persist(workspaceID, state); err != nil {
		s.logger.Warn("persist post-compaction state failed",
			zap.String("workspace", workspaceID), zap.Error(err))
	}
	if s.onRefresh != nil {
		s.onRefresh(workspaceID, state)
	}
}

// GetState resolves the tracked-file set, cheapest source first: the
// in-memory pending-compaction cache, then the persisted snapshot, then a
// full history scan. Plan-file paths are always filtered out because the
// plan is surfaced as its own item.
func (s *Service) GetState(workspaceID string) (*State, error) {
	excluded, err := s.loadExclusions(workspaceID)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	cached, ok := s.pending[workspaceID]
	s.mu.Unlock()
	if ok {
		return &State{
			TrackedFiles:  s.withoutPlanFiles(workspaceID, cached),
			ExcludedItems: excluded,
		}, nil
	}

	if persisted, err := s.loadSnapshot(workspaceID); err != nil {
		return nil, err
	} else if persisted != nil {
		return &State{
			TrackedFiles:  s.withoutPlanFiles(workspaceID, persisted.TrackedFiles),
			ExcludedItems: excluded,
		}, nil
	}

	msgs, err := s.history.ReadAll(workspaceID)
	if err != nil {
		return nil, err
	}
	return &State{
		TrackedFiles:  s.withoutPlanFiles(workspaceID, history.FileEditPaths(msgs)),
		ExcludedItems: excluded,
	}, nil
}

// ToggleExclusion flips an item's membership in the workspace's exclusion
// set and rewrites the whole persisted file.
func (s *Service) ToggleExclusion(workspaceID, itemID string) error {
	snapshot, err := s.loadSnapshot(workspaceID)
	if err != nil {
		return err
	}
	if snapshot == nil {
		snapshot = &State{}
	}
	found := false
	kept := snapshot.ExcludedItems[:0]
	for _, id := range snapshot.ExcludedItems {
		if id == itemID {
			found = true
			continue
		}
		kept = append(kept, id)
	}
	snapshot.ExcludedItems = kept
	if !found {
		snapshot.ExcludedItems = append(snapshot.ExcludedItems, itemID)
	}
	return s.persist(workspaceID, snapshot)
}

// IsExcluded reports whether an item ID is in the workspace's exclusion set.
func (s *Service) IsExcluded(workspaceID, itemID string) (bool, error) {
	excluded, err := s.loadExclusions(workspaceID)
	if err != nil {
		return false, err
	}
	for _, id := range excluded {
		if id == itemID {
			return true, nil
		}
	}
	return false, nil
}

func (s *Service) planPathsFor(kind runtime.Kind, workspaceID string) []string {
	base := s.planBaseDir
	if kind == runtime.KindDocker {
		base = s.dockerPlanBaseDir
	}
	return workspace.PlanFilePaths(base, workspaceID)
}

func (s *Service) withoutPlanFiles(workspaceID string, paths []string) []string {
	plans := make(map[string]bool)
	for _, kind := range []runtime.Kind{runtime.KindLocal, runtime.KindSSH, runtime.KindDocker} {
		for _, p := range s.planPathsFor(kind, workspaceID) {
			plans[p] = true
		}
	}
	out := make([]string, 0, len(paths))
	for _, p := range paths {
		if plans[p] {
			continue
		}
		out = append(out, p)
	}
	return out
}

// DeletePlanFilesForWorkspace removes both plan-file formats on the
// workspace's runtime. Quoting and home expansion differ per kind: docker
// paths are absolute and only quoted; SSH leaves $HOME expansion to the
// remote shell; local expands the tilde here before quoting.
func (s *Service) DeletePlanFilesForWorkspace(ctx context.Context, workspaceID string, rt runtime.Runtime) error {
	paths := s.planPathsFor(rt.Kind(), workspaceID)
	args := make([]string, 0, len(paths))
	for _, p := range paths {
		quoted, err := quoteForKind(rt.Kind(), p)
		if err != nil {
			return err
		}
		args = append(args, quoted)
	}
	cmd := "rm -f " + strings.Join(args, " ")
	res, err := rt.Exec(ctx, cmd, runtime.ExecOptions{Timeout: 30 * time.Second})
	if err != nil {
		return fmt.Errorf("delete plan files: %w", err)
	}
	if !res.Ok() {
		return fmt.Errorf("delete plan files: %s", strings.TrimSpace(res.Stderr))
	}
	return nil
}

func quoteForKind(kind runtime.Kind, path string) (string, error) {
	switch kind {
	case runtime.KindDocker:
		return runtime.ShellQuote(path), nil
	case runtime.KindSSH:
		if rest, ok := strings.CutPrefix(path, "~/"); ok {
			// Double quotes so the remote shell expands $HOME.
			return `"$HOME/` + rest + `"`, nil
		}
		return runtime.ShellQuote(path), nil
	default:
		if rest, ok := strings.CutPrefix(path, "~/"); ok {
			home, err := os.UserHomeDir()
			if err != nil {
				return "", fmt.Errorf("expand home: %w", err)
			}
			return runtime.ShellQuote(filepath.Join(home, rest)), nil
		}
		return runtime.ShellQuote(path), nil
	}
}

func (s *Service) snapshotPath(workspaceID string) (string, error) {
	dir, err := s.store.SessionDir(workspaceID)
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "post-compaction.json"), nil
}

func (s *Service) persist(workspaceID string, state *State) error {
	path, err := s.snapshotPath(workspaceID)
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("encode post-compaction state: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}

func (s *Service) loadSnapshot(workspaceID string) (*State, error) {
	path, err := s.snapshotPath(workspaceID)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read post-compaction state: %w", err)
	}
	var state State
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("parse post-compaction state: %w", err)
	}
	return &state, nil
}

func (s *Service) loadExclusions(workspaceID string) ([]string, error) {
	snapshot, err := s.loadSnapshot(workspaceID)
	if err != nil || snapshot == nil {
		return nil, err
	}
	return snapshot.ExcludedItems, nil
}
