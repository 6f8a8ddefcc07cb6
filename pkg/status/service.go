package status

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/muxrun/mux/pkg/runtime"
	"github.com/muxrun/mux/pkg/workspace"
)

// persistedState is the crash-recovery snapshot written to the session
// directory on every status update.
type persistedState struct {
	Script        string  `json:"script"`
	PollIntervalS int     `json:"poll_interval_s"`
	Dir           string  `json:"dir,omitempty"`
	LastStatus    *Status `json:"lastStatus,omitempty"`
	UpdatedAt     string  `json:"updatedAt"`
}

// SetService owns one poller per workspace and persists each update before
// broadcasting it, so polling state survives backend restarts.
type SetService struct {
	logger   *zap.Logger
	store    *workspace.Store
	onUpdate func(workspaceID string, st Status)

	mu      sync.Mutex
	pollers map[string]*workspacePoller
}

type workspacePoller struct {
	poller   *Poller
	script   string
	dir      string
	interval time.Duration
}

// NewSetService builds the service. onUpdate fires after the state file is
// written, never before.
func NewSetService(logger *zap.Logger, store *workspace.Store, onUpdate func(string, Status)) *SetService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SetService{
		logger:   logger,
		store:    store,
		onUpdate: onUpdate,
		pollers:  make(map[string]*workspacePoller),
	}
}

// Set installs (or replaces) the workspace's status script.
func (s *SetService) Set(workspaceID string, rt runtime.Runtime, script, dir string, pollInterval time.Duration) error {
	if _, err := s.store.SessionDir(workspaceID); err != nil {
		return err
	}
	p := s.pollerFor(workspaceID, script, dir, pollInterval)
	p.Set(RunConfig{
		Script:       script,
		PollInterval: pollInterval,
		Dir:          dir,
		Runtime:      rt,
	})
	return nil
}

// EnsureRunning reconstructs the workspace's poller from persisted state
// when no in-memory poller exists, e.g. after a backend restart. A
// workspace with no persisted script is a no-op.
func (s *SetService) EnsureRunning(workspaceID string, rt runtime.Runtime) error {
	s.mu.Lock()
	_, exists := s.pollers[workspaceID]
	s.mu.Unlock()
	if exists {
		return nil
	}

	state, err := s.loadState(workspaceID)
	if err != nil {
		return err
	}
	if state == nil || state.Script == "" {
		return nil
	}
	return s.Set(workspaceID, rt, state.Script, state.Dir,
		time.Duration(state.PollIntervalS)*time.Second)
}

// LastStatus returns the persisted status for a workspace, if any.
func (s *SetService) LastStatus(workspaceID string) (*Status, error) {
	state, err := s.loadState(workspaceID)
	if err != nil || state == nil {
		return nil, err
	}
	return state.LastStatus, nil
}

// Dispose stops every poller.
func (s *SetService) Dispose() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, entry := range s.pollers {
		entry.poller.Stop()
		delete(s.pollers, id)
	}
}

func (s *SetService) pollerFor(workspaceID, script, dir string, pollInterval time.Duration) *Poller {
	s.mu.Lock()
	defer s.mu.Unlock()
	if entry, ok := s.pollers[workspaceID]; ok {
		entry.script = script
		entry.dir = dir
		entry.interval = pollInterval
		return entry.poller
	}
	p := NewPoller(s.logger, func(st Status) {
		s.mu.Lock()
		entry := s.pollers[workspaceID]
		var curScript, curDir string
		var curInterval time.Duration
		if entry != nil {
			curScript, curDir, curInterval = entry.script, entry.dir, entry.interval
		}
		s.mu.Unlock()
		// Persist first so a crash between the two steps loses no state.
		if err := s.persist(workspaceID, curScript, curDir, curInterval, &st); err != nil {
			s.logger.Warn("persist status failed",
				zap.String("workspace", workspaceID), zap.Error(err))
		}
		if s.onUpdate != nil {
			s.onUpdate(workspaceID, st)
		}
	})
	s.pollers[workspaceID] = &workspacePoller{
		poller:   p,
		script:   script,
		dir:      dir,
		interval: pollInterval,
	}
	return p
}

func (s *SetService) statePath(workspaceID string) (string, error) {
	dir, err := s.store.SessionDir(workspaceID)
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "status.json"), nil
}

func (s *SetService) persist(workspaceID, script, dir string, pollInterval time.Duration, st *Status) error {
	path, err := s.statePath(workspaceID)
	if err != nil {
		return err
	}
	state := persistedState{
		Script:        script,
		PollIntervalS: int(pollInterval / time.Second),
		Dir:           dir,
		LastStatus:    st,
		UpdatedAt:     time.Now().UTC().Format(time.RFC3339),
	}
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("encode status state: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}

func (s *SetService) loadState(workspaceID string) (*persistedState, error) {
	path, err := s.statePath(workspaceID)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read status state: %w", err)
	}
	var state persistedState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("parse status state: %w", err)
	}
	return &state, nil
}
