package runtime

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLocalExecCapturesOutput(t *testing.T) {
	rt := NewLocalRuntime(t.TempDir())
	res, err := rt.Exec(context.Background(), "echo out; echo err >&2", ExecOptions{})
	require.NoError(t, err)
	require.Equal(t, 0, res.ExitCode)
	require.Equal(t, "out\n", res.Stdout)
	require.Equal(t, "err\n", res.Stderr)
}

func TestLocalExecNonZeroExit(t *testing.T) {
	rt := NewLocalRuntime(t.TempDir())
	res, err := rt.Exec(context.Background(), "echo oops >&2; exit 3", ExecOptions{})
	require.NoError(t, err)
	require.Equal(t, 3, res.ExitCode)
	require.False(t, res.Ok())
	require.Contains(t, res.Stderr, "oops")
}

func TestLocalExecTimeout(t *testing.T) {
	rt := NewLocalRuntime(t.TempDir())
	_, err := rt.Exec(context.Background(), "sleep 5", ExecOptions{Timeout: 50 * time.Millisecond})
	require.Error(t, err)
	require.Contains(t, err.Error(), "timed out")
}

func TestLocalExecRunsInDir(t *testing.T) {
	dir := t.TempDir()
	rt := NewLocalRuntime(dir)
	res, err := rt.Exec(context.Background(), "pwd", ExecOptions{})
	require.NoError(t, err)
	resolved, err := filepath.EvalSymlinks(dir)
	require.NoError(t, err)
	require.Equal(t, resolved, strings.TrimSpace(res.Stdout))
}

func TestLocalStartProcessPipes(t *testing.T) {
	rt := NewLocalRuntime(t.TempDir())
	proc, err := rt.Start(context.Background(), "cat", ExecOptions{})
	require.NoError(t, err)

	_, err = io.WriteString(proc.Stdin(), "ping\n")
	require.NoError(t, err)
	require.NoError(t, proc.Stdin().Close())

	out, err := io.ReadAll(proc.Stdout())
	require.NoError(t, err)
	require.Equal(t, "ping\n", string(out))
	require.NoError(t, proc.Wait())
}

func TestLocalOpenWriterCreatesParents(t *testing.T) {
	rt := NewLocalRuntime(t.TempDir())
	path := filepath.Join(t.TempDir(), "a", "b", "file.txt")

	w, err := rt.OpenWriter(context.Background(), path)
	require.NoError(t, err)
	_, err = io.WriteString(w, "payload")
	require.NoError(t, err)
	require.NoError(t, w.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, "payload", string(data))
}

func TestShellQuote(t *testing.T) {
	cases := map[string]string{
		"plain":        "'plain'",
		"with space":   "'with space'",
		"it's":         `'it'\''s'`,
		"$HOME/plan":   "'$HOME/plan'",
		`double"quote`: `'double"quote'`,
	}
	for in, want := range cases {
		require.Equal(t, want, ShellQuote(in), "input %q", in)
	}
}

func TestSSHWrapBuildsCommand(t *testing.T) {
	rt := NewSSHRuntime("dev@build-host")
	rt.Port = 2222
	wrapped := rt.wrap("git status", ExecOptions{Dir: "/srv/repo"})
	require.Contains(t, wrapped, "ssh -o BatchMode=yes")
	require.Contains(t, wrapped, "-p 2222")
	require.Contains(t, wrapped, "'dev@build-host'")
	// The remote command is quoted once for the remote shell and once more
	// for the local shell that runs ssh itself.
	require.Contains(t, wrapped, `'cd '\''/srv/repo'\'' && git status'`)
	require.Equal(t,
		`ssh -o BatchMode=yes -p 2222 'dev@build-host' 'cd '\''/srv/repo'\'' && git status'`,
		wrapped)
}

func TestDockerWrapBuildsCommand(t *testing.T) {
	rt := NewDockerRuntime("ws-abc")
	wrapped := rt.wrap("ls /workspace", ExecOptions{})
	require.Contains(t, wrapped, "docker exec -i")
	require.Contains(t, wrapped, "'ws-abc'")
	require.Contains(t, wrapped, "sh -c 'ls /workspace'")
}
