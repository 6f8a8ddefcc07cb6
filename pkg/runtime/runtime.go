// Package runtime abstracts where agent commands execute and files are
// written: the local machine, an SSH remote, or a Docker container.
package runtime

import (
	"context"
	"io"
	"strings"
	"time"
)

// Kind identifies an execution environment.
type Kind string

const (
	KindLocal  Kind = "local"
	KindSSH    Kind = "ssh"
	KindDocker Kind = "docker"
)

// ExecOptions customizes a single command run.
type ExecOptions struct {
	Dir     string
	Env     []string
	Stdin   io.Reader
	Timeout time.Duration
}

// ExecResult carries the captured output of a completed command.
type ExecResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Ok reports whether the command exited zero.
func (r *ExecResult) Ok() bool { return r != nil && r.ExitCode == 0 }

// Process is a long-running child whose stdio the caller owns. MCP servers
// speak JSON-RPC over these pipes.
type Process interface {
	Stdin() io.WriteCloser
	Stdout() io.Reader
	// StderrText returns stderr collected so far; useful in failure messages.
	StderrText() string
	Wait() error
	Kill() error
}

// Runtime executes commands and moves bytes in a particular environment.
// Implementations must be safe for concurrent use.
type Runtime interface {
	Kind() Kind

	// Exec runs command through the environment's shell and waits for it.
	Exec(ctx context.Context, command string, opts ExecOptions) (*ExecResult, error)

	// Start launches command and returns the live process with wired pipes.
	Start(ctx context.Context, command string, opts ExecOptions) (Process, error)

	// OpenWriter creates (or truncates) path in the environment and returns
	// a writer streaming into it. The caller must Close it.
	OpenWriter(ctx context.Context, path string) (io.WriteCloser, error)

	// TempDir creates a fresh temporary directory in the environment.
	TempDir(ctx context.Context) (string, error)
}

// ShellQuote wraps s in single quotes, escaping embedded quotes, so it can
// be spliced into a sh -c command line.
func ShellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
