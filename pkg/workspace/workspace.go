// Package workspace manages per-workspace metadata records and the session
// directory layout under the mux data root.
package workspace

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"

	"github.com/muxrun/mux/pkg/policy"
	"github.com/muxrun/mux/pkg/security"
)

// Metadata is the persisted record describing one workspace.
type Metadata struct {
	ID            string               `json:"id"`
	Name          string               `json:"name,omitempty"`
	ProjectPath   string               `json:"projectPath"`
	WorkspacePath string               `json:"workspacePath"`
	Runtime       policy.RuntimeConfig `json:"runtime"`
}

// ErrNotFound is returned when a workspace has no metadata record.
var ErrNotFound = errors.New("workspace not found")

// Store lays out session state under a single data root:
//
//	<root>/sessions/<workspaceID>/workspace.json
//	<root>/sessions/<workspaceID>/history.jsonl
//	<root>/sessions/<workspaceID>/post-compaction.json
//	<root>/sessions/<workspaceID>/status.json
//	<root>/sessions/<workspaceID>/git-patches/<taskID>.json
type Store struct {
	root string
}

// NewStore roots a store at dir.
func NewStore(dir string) *Store {
	return &Store{root: dir}
}

// Root returns the data root directory.
func (s *Store) Root() string { return s.root }

// SessionDir returns (creating if needed) the session directory for a
// workspace. The ID is validated so it cannot escape the sessions tree.
func (s *Store) SessionDir(workspaceID string) (string, error) {
	if err := security.ValidateComponent(workspaceID); err != nil {
		return "", fmt.Errorf("workspace id: %w", err)
	}
	dir := filepath.Join(s.root, "sessions", workspaceID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create session dir: %w", err)
	}
	return dir, nil
}

// LoadMetadata reads a workspace's metadata record.
func (s *Store) LoadMetadata(workspaceID string) (*Metadata, error) {
	dir, err := s.SessionDir(workspaceID)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filepath.Join(dir, "workspace.json"))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("read workspace metadata: %w", err)
	}
	var meta Metadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("parse workspace metadata: %w", err)
	}
	return &meta, nil
}

// SaveMetadata persists a workspace's metadata record.
func (s *Store) SaveMetadata(meta *Metadata) error {
	dir, err := s.SessionDir(meta.ID)
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("encode workspace metadata: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "workspace.json"), data, 0o644); err != nil {
		return fmt.Errorf("write workspace metadata: %w", err)
	}
	return nil
}

// PlanFilePaths returns the possible plan-file locations for a workspace on
// its runtime, newest format first. baseDir is the runtime-side mux
// directory (commonly "~/.mux"); the paths are POSIX because they address
// the execution runtime, not necessarily this host.
func PlanFilePaths(baseDir, workspaceID string) []string {
	return []string{
		path.Join(baseDir, "plans", workspaceID+".md"),
		path.Join(baseDir, "plan-"+workspaceID+".md"),
	}
}
