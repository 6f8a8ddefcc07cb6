// Package history is the append-only conversation log, one JSONL file per
// workspace session.
package history

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/muxrun/mux/pkg/workspace"
)

// Message is one conversation entry. Tool calls carry ToolUse.
type Message struct {
	ID      string   `json:"id,omitempty"`
	Role    string   `json:"role"`
	Content string   `json:"content,omitempty"`
	ToolUse *ToolUse `json:"toolUse,omitempty"`
}

// ToolUse records a tool invocation embedded in the conversation.
type ToolUse struct {
	Name  string         `json:"name"`
	Input map[string]any `json:"input,omitempty"`
}

// Service reads and appends per-workspace history files.
type Service struct {
	store *workspace.Store
}

// NewService builds a history service over the session store.
func NewService(store *workspace.Store) *Service {
	return &Service{store: store}
}

func (s *Service) logPath(workspaceID string) (string, error) {
	dir, err := s.store.SessionDir(workspaceID)
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "history.jsonl"), nil
}

// Append writes one message to the workspace's log.
func (s *Service) Append(workspaceID string, msg *Message) error {
	path, err := s.logPath(workspaceID)
	if err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open history: %w", err)
	}
	defer f.Close()
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("append message: %w", err)
	}
	return nil
}

// ReadAll returns every message in the workspace's log, oldest first. A
// missing log is an empty history, not an error.
func (s *Service) ReadAll(workspaceID string) ([]Message, error) {
	path, err := s.logPath(workspaceID)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("open history: %w", err)
	}
	defer f.Close()

	var out []Message
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var msg Message
		if err := json.Unmarshal(line, &msg); err != nil {
			return nil, fmt.Errorf("parse history line: %w", err)
		}
		out = append(out, msg)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan history: %w", err)
	}
	return out, nil
}

// Clear truncates the workspace's log, as happens after compaction.
func (s *Service) Clear(workspaceID string) error {
	path, err := s.logPath(workspaceID)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, nil, 0o644); err != nil {
		return fmt.Errorf("truncate history: %w", err)
	}
	return nil
}

// fileEditTools are the tool names whose invocations touch workspace files.
var fileEditTools = map[string]bool{
	"edit_file":   true,
	"write_file":  true,
	"create_file": true,
	"multi_edit":  true,
}

// FileEditPaths scans messages for file-edit tool calls and returns the
// distinct touched paths in first-seen order.
func FileEditPaths(messages []Message) []string {
	seen := make(map[string]bool)
	var out []string
	for _, msg := range messages {
		if msg.ToolUse == nil || !fileEditTools[msg.ToolUse.Name] {
			continue
		}
		p := editPath(msg.ToolUse.Input)
		if p == "" || seen[p] {
			continue
		}
		seen[p] = true
		out = append(out, p)
	}
	return out
}

func editPath(input map[string]any) string {
	for _, key := range []string{"file_path", "path", "abs_path"} {
		if v, ok := input[key].(string); ok && v != "" {
			return v
		}
	}
	return ""
}
