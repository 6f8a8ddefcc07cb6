package runtime

import (
	"context"
	"fmt"
	"io"
	"strings"
)

// SSHRuntime executes commands on a remote host by wrapping them in an ssh
// invocation run locally. Host key prompts are handled out of band by the
// hostkey verification service; BatchMode keeps ssh itself non-interactive.
type SSHRuntime struct {
	Target  string // user@host
	Port    int
	KeyFile string

	local *LocalRuntime
}

// NewSSHRuntime builds a runtime targeting user@host.
func NewSSHRuntime(target string) *SSHRuntime {
	return &SSHRuntime{Target: target, local: NewLocalRuntime("")}
}

func (r *SSHRuntime) Kind() Kind { return KindSSH }

func (r *SSHRuntime) wrap(command string, opts ExecOptions) string {
	remote := command
	if opts.Dir != "" {
		remote = fmt.Sprintf("cd %s && %s", ShellQuote(opts.Dir), command)
	}
	parts := []string{"ssh", "-o", "BatchMode=yes"}
	if r.Port > 0 {
		parts = append(parts, "-p", fmt.Sprintf("%d", r.Port))
	}
	if r.KeyFile != "" {
		parts = append(parts, "-i", ShellQuote(r.KeyFile))
	}
	parts = append(parts, ShellQuote(r.Target), ShellQuote(remote))
	return strings.Join(parts, " ")
}

func (r *SSHRuntime) Exec(ctx context.Context, command string, opts ExecOptions) (*ExecResult, error) {
	wrapped := r.wrap(command, opts)
	return r.local.Exec(ctx, wrapped, ExecOptions{Env: opts.Env, Stdin: opts.Stdin, Timeout: opts.Timeout})
}

func (r *SSHRuntime) Start(ctx context.Context, command string, opts ExecOptions) (Process, error) {
	wrapped := r.wrap(command, opts)
	return r.local.Start(ctx, wrapped, ExecOptions{Env: opts.Env})
}

func (r *SSHRuntime) OpenWriter(ctx context.Context, path string) (io.WriteCloser, error) {
	return remoteWriter(ctx, r, path)
}

func (r *SSHRuntime) TempDir(ctx context.Context) (string, error) {
	return remoteTempDir(ctx, r)
}

// DockerRuntime executes commands inside a running container via docker exec.
type DockerRuntime struct {
	Container string

	local *LocalRuntime
}

// NewDockerRuntime builds a runtime targeting the named container.
func NewDockerRuntime(container string) *DockerRuntime {
	return &DockerRuntime{Container: container, local: NewLocalRuntime("")}
}

func (r *DockerRuntime) Kind() Kind { return KindDocker }

func (r *DockerRuntime) wrap(command string, opts ExecOptions) string {
	parts := []string{"docker", "exec", "-i"}
	if opts.Dir != "" {
		parts = append(parts, "-w", ShellQuote(opts.Dir))
	}
	parts = append(parts, ShellQuote(r.Container), "sh", "-c", ShellQuote(command))
	return strings.Join(parts, " ")
}

func (r *DockerRuntime) Exec(ctx context.Context, command string, opts ExecOptions) (*ExecResult, error) {
	wrapped := r.wrap(command, opts)
	return r.local.Exec(ctx, wrapped, ExecOptions{Env: opts.Env, Stdin: opts.Stdin, Timeout: opts.Timeout})
}

func (r *DockerRuntime) Start(ctx context.Context, command string, opts ExecOptions) (Process, error) {
	wrapped := r.wrap(command, opts)
	return r.local.Start(ctx, wrapped, ExecOptions{Env: opts.Env})
}

func (r *DockerRuntime) OpenWriter(ctx context.Context, path string) (io.WriteCloser, error) {
	return remoteWriter(ctx, r, path)
}

func (r *DockerRuntime) TempDir(ctx context.Context) (string, error) {
	return remoteTempDir(ctx, r)
}

// remoteWriter streams bytes into path by piping them to `cat` in the
// target environment. Closing the writer closes stdin and reaps the child.
func remoteWriter(ctx context.Context, rt Runtime, path string) (io.WriteCloser, error) {
	cmd := fmt.Sprintf("mkdir -p %s && cat > %s",
		ShellQuote(parentDir(path)), ShellQuote(path))
	proc, err := rt.Start(ctx, cmd, ExecOptions{})
	if err != nil {
		return nil, fmt.Errorf("open remote writer: %w", err)
	}
	return &processWriter{proc: proc}, nil
}

func remoteTempDir(ctx context.Context, rt Runtime) (string, error) {
	res, err := rt.Exec(ctx, "mktemp -d", ExecOptions{})
	if err != nil {
		return "", err
	}
	if !res.Ok() {
		return "", fmt.Errorf("mktemp failed: %s", res.Stderr)
	}
	dir := strings.TrimSpace(res.Stdout)
	if dir == "" {
		return "", fmt.Errorf("mktemp produced no path")
	}
	return dir, nil
}

func parentDir(path string) string {
	idx := strings.LastIndex(path, "/")
	if idx <= 0 {
		return "."
	}
	return path[:idx]
}

type processWriter struct {
	proc Process
}

func (w *processWriter) Write(p []byte) (int, error) {
	return w.proc.Stdin().Write(p)
}

func (w *processWriter) Close() error {
	if err := w.proc.Stdin().Close(); err != nil {
		_ = w.proc.Kill()
		return err
	}
	if err := w.proc.Wait(); err != nil {
		return fmt.Errorf("remote write: %w - %s", err, w.proc.StderrText())
	}
	return nil
}
