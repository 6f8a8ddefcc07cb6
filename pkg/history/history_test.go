package history

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/muxrun/mux/pkg/workspace"
)

func newService(t *testing.T) *Service {
	t.Helper()
	return NewService(workspace.NewStore(t.TempDir()))
}

func TestAppendAndReadBack(t *testing.T) {
	s := newService(t)

	require.NoError(t, s.Append("ws-1", &Message{Role: "user", Content: "hi"}))
	require.NoError(t, s.Append("ws-1", &Message{
		Role:    "assistant",
		ToolUse: &ToolUse{Name: "edit_file", Input: map[string]any{"file_path": "main.go"}},
	}))

	msgs, err := s.ReadAll("ws-1")
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	require.Equal(t, "hi", msgs[0].Content)
	require.Equal(t, "edit_file", msgs[1].ToolUse.Name)
}

func TestReadAllMissingLogIsEmpty(t *testing.T) {
	s := newService(t)
	msgs, err := s.ReadAll("never-written")
	require.NoError(t, err)
	require.Empty(t, msgs)
}

func TestClear(t *testing.T) {
	s := newService(t)
	require.NoError(t, s.Append("ws-1", &Message{Role: "user", Content: "hi"}))
	require.NoError(t, s.Clear("ws-1"))
	msgs, err := s.ReadAll("ws-1")
	require.NoError(t, err)
	require.Empty(t, msgs)
}

func TestBadWorkspaceIDRejected(t *testing.T) {
	s := newService(t)
	require.Error(t, s.Append("../escape", &Message{Role: "user"}))
}

func TestFileEditPaths(t *testing.T) {
	msgs := []Message{
		{Role: "user", Content: "please edit"},
		{Role: "assistant", ToolUse: &ToolUse{Name: "edit_file", Input: map[string]any{"file_path": "a.go"}}},
		{Role: "assistant", ToolUse: &ToolUse{Name: "write_file", Input: map[string]any{"path": "b.go"}}},
		{Role: "assistant", ToolUse: &ToolUse{Name: "edit_file", Input: map[string]any{"file_path": "a.go"}}},
		{Role: "assistant", ToolUse: &ToolUse{Name: "run_command", Input: map[string]any{"command": "ls"}}},
		{Role: "assistant", ToolUse: &ToolUse{Name: "create_file", Input: map[string]any{}}},
	}
	require.Equal(t, []string{"a.go", "b.go"}, FileEditPaths(msgs))
}
