package workspace

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/muxrun/mux/pkg/policy"
)

func TestMetadataRoundTrip(t *testing.T) {
	store := NewStore(t.TempDir())

	meta := &Metadata{
		ID:            "ws-1",
		Name:          "api server",
		ProjectPath:   "/home/dev/api",
		WorkspacePath: "/home/dev/api-worktree",
		Runtime:       policy.RuntimeConfig{Type: "local", SrcBaseDir: "/home/dev"},
	}
	require.NoError(t, store.SaveMetadata(meta))

	got, err := store.LoadMetadata("ws-1")
	require.NoError(t, err)
	require.Equal(t, meta, got)
}

func TestLoadMetadataMissing(t *testing.T) {
	store := NewStore(t.TempDir())
	_, err := store.LoadMetadata("ws-absent")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestSessionDirRejectsTraversal(t *testing.T) {
	store := NewStore(t.TempDir())
	for _, id := range []string{"../escape", "a/b", "", "."} {
		_, err := store.SessionDir(id)
		require.Error(t, err, "id %q", id)
	}
}

func TestPlanFilePaths(t *testing.T) {
	paths := PlanFilePaths("~/.mux", "ws-1")
	require.Equal(t, []string{"~/.mux/plans/ws-1.md", "~/.mux/plan-ws-1.md"}, paths)
}
