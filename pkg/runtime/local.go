package runtime

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// LocalRuntime executes commands on the host through /bin/sh.
type LocalRuntime struct {
	// Root is the default working directory when ExecOptions.Dir is empty.
	Root string
}

// NewLocalRuntime builds a local runtime rooted at dir (cwd when empty).
func NewLocalRuntime(dir string) *LocalRuntime {
	trimmed := strings.TrimSpace(dir)
	if trimmed == "" {
		if cwd, err := os.Getwd(); err == nil {
			trimmed = cwd
		} else {
			trimmed = "."
		}
	}
	if abs, err := filepath.Abs(trimmed); err == nil {
		trimmed = abs
	}
	return &LocalRuntime{Root: trimmed}
}

func (r *LocalRuntime) Kind() Kind { return KindLocal }

func (r *LocalRuntime) Exec(ctx context.Context, command string, opts ExecOptions) (*ExecResult, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	execCtx := ctx
	var cancel context.CancelFunc
	if opts.Timeout > 0 {
		execCtx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(execCtx, "/bin/sh", "-c", command)
	cmd.Dir = r.dirFor(opts)
	cmd.Env = mergeEnv(opts.Env)
	if opts.Stdin != nil {
		cmd.Stdin = opts.Stdin
	}

	var stdout, stderr strings.Builder
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()
	if errors.Is(execCtx.Err(), context.DeadlineExceeded) {
		return nil, fmt.Errorf("command timed out after %s: %s", opts.Timeout, stderr.String())
	}

	res := &ExecResult{Stdout: stdout.String(), Stderr: stderr.String()}
	if runErr != nil {
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
			return res, nil
		}
		return nil, fmt.Errorf("run command: %w", runErr)
	}
	return res, nil
}

func (r *LocalRuntime) Start(ctx context.Context, command string, opts ExecOptions) (Process, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	cmdCtx, cancel := context.WithCancel(ctx)
	cmd := exec.CommandContext(cmdCtx, "/bin/sh", "-c", command)
	cmd.Dir = r.dirFor(opts)
	cmd.Env = mergeEnv(opts.Env)

	proc := &localProcess{cmd: cmd, cancel: cancel}
	cmd.Stderr = &proc.stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("create stdout pipe: %w", err)
	}
	stdin, err := cmd.StdinPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("create stdin pipe: %w", err)
	}
	proc.stdout = stdout
	proc.stdin = stdin

	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("start process: %w", err)
	}
	return proc, nil
}

func (r *LocalRuntime) OpenWriter(_ context.Context, path string) (io.WriteCloser, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create parent dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	return f, nil
}

func (r *LocalRuntime) TempDir(_ context.Context) (string, error) {
	dir, err := os.MkdirTemp("", "mux-")
	if err != nil {
		return "", fmt.Errorf("create temp dir: %w", err)
	}
	return dir, nil
}

func (r *LocalRuntime) dirFor(opts ExecOptions) string {
	if opts.Dir != "" {
		return opts.Dir
	}
	return r.Root
}

func mergeEnv(extra []string) []string {
	if len(extra) == 0 {
		return os.Environ()
	}
	return append(os.Environ(), extra...)
}

type localProcess struct {
	cmd    *exec.Cmd
	cancel context.CancelFunc
	stdin  io.WriteCloser
	stdout io.Reader
	stderr strings.Builder
}

func (p *localProcess) Stdin() io.WriteCloser { return p.stdin }
func (p *localProcess) Stdout() io.Reader     { return p.stdout }
func (p *localProcess) StderrText() string    { return p.stderr.String() }
func (p *localProcess) Wait() error           { return p.cmd.Wait() }

func (p *localProcess) Kill() error {
	p.cancel()
	if p.cmd.Process != nil {
		return p.cmd.Process.Kill()
	}
	return nil
}
