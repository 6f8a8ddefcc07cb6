package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/muxrun/mux/pkg/runtime"
)

// StdioOptions customizes how the MCP server process starts.
type StdioOptions struct {
	Dir            string
	Env            []string
	StartupTimeout time.Duration
}

// StdioTransport speaks JSON-RPC over the stdin/stdout pipes of a server
// process launched through a Runtime, so the server may run locally, over
// SSH, or inside a container.
type StdioTransport struct {
	proc    runtime.Process
	enc     *json.Encoder
	pending *pendingTracker

	writeMu  sync.Mutex
	closed   bool
	failOnce sync.Once
	failErr  error
	exited   chan error
}

// NewStdioTransport launches command through rt and wires the pipes.
func NewStdioTransport(ctx context.Context, rt runtime.Runtime, command string, opts StdioOptions) (*StdioTransport, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	proc, err := rt.Start(ctx, command, runtime.ExecOptions{Dir: opts.Dir, Env: opts.Env})
	if err != nil {
		return nil, fmt.Errorf("start mcp server: %w", err)
	}

	t := &StdioTransport{
		proc:    proc,
		pending: newPendingTracker(),
		exited:  make(chan error, 1),
	}
	t.enc = json.NewEncoder(proc.Stdin())
	t.enc.SetEscapeHTML(false)

	go t.readLoop(proc.Stdout())
	go t.waitLoop()

	if opts.StartupTimeout > 0 {
		select {
		case err := <-t.exited:
			_ = t.Close()
			if err == nil {
				err = errors.New("mcp server exited before startup deadline")
			}
			return nil, fmt.Errorf("mcp server failed during startup: %w", err)
		case <-time.After(opts.StartupTimeout):
		}
	}

	return t, nil
}

func (t *StdioTransport) readLoop(stdout io.Reader) {
	dec := json.NewDecoder(bufio.NewReader(stdout))
	dec.UseNumber()
	for {
		var resp Response
		if err := dec.Decode(&resp); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				t.fail(ErrTransportClosed)
			} else {
				t.fail(fmt.Errorf("stdio decode: %w", err))
			}
			return
		}
		if resp.ID == "" {
			// Server-initiated notification; nothing waits on it.
			continue
		}
		t.pending.deliver(resp.ID, callResult{resp: &resp})
	}
}

func (t *StdioTransport) waitLoop() {
	err := t.proc.Wait()
	select {
	case t.exited <- err:
	default:
	}
	if err != nil && t.failErr == nil {
		t.fail(fmt.Errorf("mcp server exited: %w - %s", err, t.proc.StderrText()))
	} else if err == nil {
		t.fail(ErrTransportClosed)
	}
}

func (t *StdioTransport) fail(err error) {
	t.failOnce.Do(func() {
		if err == nil {
			err = ErrTransportClosed
		}
		t.failErr = err
		t.pending.failAll(err)
	})
}

// Call sends the request and blocks until the matching response arrives or
// ctx ends.
func (t *StdioTransport) Call(ctx context.Context, req *Request) (*Response, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	req.JSONRPC = jsonRPCVersion

	ch, err := t.pending.add(req.ID)
	if err != nil {
		return nil, err
	}
	if err := t.send(req); err != nil {
		t.pending.cancel(req.ID)
		return nil, err
	}

	select {
	case res := <-ch:
		return res.resp, res.err
	case <-ctx.Done():
		t.pending.cancel(req.ID)
		return nil, ctx.Err()
	}
}

// Notify sends a request without waiting for a response.
func (t *StdioTransport) Notify(req *Request) error {
	req.JSONRPC = jsonRPCVersion
	req.ID = ""
	return t.send(req)
}

func (t *StdioTransport) send(req *Request) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if t.closed {
		return ErrTransportClosed
	}
	if err := t.enc.Encode(req); err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	return nil
}

// Close tears down the server process and wakes pending calls.
func (t *StdioTransport) Close() error {
	t.fail(ErrTransportClosed)
	t.writeMu.Lock()
	if !t.closed {
		t.closed = true
		_ = t.proc.Stdin().Close()
	}
	t.writeMu.Unlock()
	if err := t.proc.Kill(); err != nil {
		_ = err // best-effort kill; transport already marked closed
	}
	return nil
}
