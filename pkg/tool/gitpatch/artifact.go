// Package gitpatch applies previously generated git patch artifacts into a
// workspace, with dry-run isolation via disposable worktrees.
package gitpatch

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/muxrun/mux/pkg/security"
	"github.com/muxrun/mux/pkg/workspace"
)

// Artifact lifecycle states written by the patch-generation step.
const (
	StatusPending = "pending"
	StatusReady   = "ready"
	StatusFailed  = "failed"
	StatusSkipped = "skipped"
)

// Artifact is the persisted record describing one generated patch series.
type Artifact struct {
	Status            string `json:"status"`
	MboxPath          string `json:"mboxPath"`
	CommitCount       int    `json:"commitCount"`
	AppliedAtMs       int64  `json:"appliedAtMs,omitempty"`
	ParentWorkspaceID string `json:"parentWorkspaceId"`
	Error             string `json:"error,omitempty"`
}

// ErrArtifactNotFound is returned when no record exists for a task.
var ErrArtifactNotFound = errors.New("git patch artifact not found")

// ArtifactStore keeps artifact records as JSON sidecars under
// <sessionDir>/git-patches/<taskID>.json.
type ArtifactStore struct {
	store *workspace.Store
}

// NewArtifactStore builds an artifact store over the session store.
func NewArtifactStore(ws *workspace.Store) *ArtifactStore {
	return &ArtifactStore{store: ws}
}

// recordPath validates both identifiers before any filesystem access.
func (a *ArtifactStore) recordPath(parentWorkspaceID, taskID string) (string, error) {
	if err := security.ValidateComponent(taskID); err != nil {
		return "", fmt.Errorf("task id: %w", err)
	}
	dir, err := a.store.SessionDir(parentWorkspaceID)
	if err != nil {
		return "", err
	}
	return security.SafeJoin(dir, "git-patches", taskID+".json")
}

// Load reads the artifact for (parentWorkspaceID, taskID).
func (a *ArtifactStore) Load(parentWorkspaceID, taskID string) (*Artifact, error) {
	path, err := a.recordPath(parentWorkspaceID, taskID)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrArtifactNotFound
		}
		return nil, fmt.Errorf("read patch artifact: %w", err)
	}
	var art Artifact
	if err := json.Unmarshal(data, &art); err != nil {
		return nil, fmt.Errorf("parse patch artifact: %w", err)
	}
	return &art, nil
}

// Save writes the artifact record, creating the git-patches directory.
func (a *ArtifactStore) Save(parentWorkspaceID, taskID string, art *Artifact) error {
	path, err := a.recordPath(parentWorkspaceID, taskID)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create artifact dir: %w", err)
	}
	data, err := json.MarshalIndent(art, "", "  ")
	if err != nil {
		return fmt.Errorf("encode patch artifact: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write patch artifact: %w", err)
	}
	return nil
}

// ResolveMboxPath turns the artifact's recorded mbox location into a
// verified path inside the parent workspace's session directory. Candidate
// paths are checked for traversal before being trusted, then for existence.
func (a *ArtifactStore) ResolveMboxPath(parentWorkspaceID string, art *Artifact) (string, error) {
	if art.MboxPath == "" {
		return "", errors.New("artifact has no mbox path")
	}
	dir, err := a.store.SessionDir(parentWorkspaceID)
	if err != nil {
		return "", err
	}

	var resolved string
	if filepath.IsAbs(art.MboxPath) {
		sb := security.NewSandbox(dir)
		if err := sb.ValidatePath(art.MboxPath); err != nil {
			return "", err
		}
		resolved = filepath.Clean(art.MboxPath)
	} else {
		resolved, err = security.SafeJoin(dir, art.MboxPath)
		if err != nil {
			return "", err
		}
	}
	if _, err := os.Stat(resolved); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("patch file missing: %s", resolved)
		}
		return "", fmt.Errorf("stat patch file: %w", err)
	}
	return resolved, nil
}
