package mcp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"
)

// RemoteOptions configures the HTTP transport for a remote MCP server.
type RemoteOptions struct {
	BaseURL   string
	AuthToken string
	Client    *http.Client
	// ReconnectInterval is the initial SSE reconnect backoff.
	ReconnectInterval    time.Duration
	MaxReconnectInterval time.Duration
}

// RemoteTransport bridges JSON-RPC to a remote MCP server: requests go out
// as HTTP POSTs against <base>/rpc, responses arrive on an SSE stream at
// <base>/events. The stream reconnects with capped backoff until Close.
type RemoteTransport struct {
	client  *http.Client
	rpcURL  string
	events  string
	token   string
	pending *pendingTracker

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	reconInitial time.Duration
	reconMax     time.Duration

	connMu sync.Mutex
	conn   io.Closer

	failOnce sync.Once
	failErr  error
}

// NewRemoteTransport wires the SSE stream and RPC endpoint for base URL.
func NewRemoteTransport(ctx context.Context, opts RemoteOptions) (*RemoteTransport, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	base := strings.TrimSuffix(strings.TrimSpace(opts.BaseURL), "/")
	if base == "" {
		return nil, errors.New("base url required")
	}
	client := opts.Client
	if client == nil {
		client = &http.Client{Timeout: 0}
	}
	reconInitial := opts.ReconnectInterval
	if reconInitial <= 0 {
		reconInitial = 500 * time.Millisecond
	}
	reconMax := opts.MaxReconnectInterval
	if reconMax <= reconInitial {
		reconMax = 8 * reconInitial
	}

	t := &RemoteTransport{
		client:       client,
		rpcURL:       base + "/rpc",
		events:       base + "/events",
		token:        opts.AuthToken,
		pending:      newPendingTracker(),
		reconInitial: reconInitial,
		reconMax:     reconMax,
	}
	t.ctx, t.cancel = context.WithCancel(ctx)
	t.wg.Add(1)
	go t.runStream()
	return t, nil
}

// Call posts the JSON-RPC payload and awaits the SSE-delivered response.
func (t *RemoteTransport) Call(ctx context.Context, req *Request) (*Response, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	req.JSONRPC = jsonRPCVersion

	ch, err := t.pending.add(req.ID)
	if err != nil {
		return nil, err
	}
	if err := t.post(ctx, req); err != nil {
		t.pending.cancel(req.ID)
		return nil, err
	}

	select {
	case res := <-ch:
		return res.resp, res.err
	case <-ctx.Done():
		t.pending.cancel(req.ID)
		return nil, ctx.Err()
	case <-t.ctx.Done():
		t.pending.cancel(req.ID)
		return nil, ErrTransportClosed
	}
}

func (t *RemoteTransport) post(ctx context.Context, req *Request) error {
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.rpcURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build rpc request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if t.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+t.token)
	}
	resp, err := t.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("post rpc: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("rpc endpoint returned %s", resp.Status)
	}
	return nil
}

func (t *RemoteTransport) runStream() {
	defer t.wg.Done()
	backoff := t.reconInitial
	for {
		if t.ctx.Err() != nil {
			return
		}
		err := t.consumeStream()
		if t.ctx.Err() != nil {
			return
		}
		if err == nil {
			backoff = t.reconInitial
			continue
		}
		select {
		case <-t.ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > t.reconMax {
			backoff = t.reconMax
		}
	}
}

func (t *RemoteTransport) consumeStream() error {
	req, err := http.NewRequestWithContext(t.ctx, http.MethodGet, t.events, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")
	if t.token != "" {
		req.Header.Set("Authorization", "Bearer "+t.token)
	}
	resp, err := t.client.Do(req)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return fmt.Errorf("events endpoint returned %s", resp.Status)
	}

	t.connMu.Lock()
	t.conn = resp.Body
	t.connMu.Unlock()
	defer func() {
		t.connMu.Lock()
		t.conn = nil
		t.connMu.Unlock()
		resp.Body.Close()
	}()

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		data, ok := strings.CutPrefix(line, "data:")
		if !ok {
			continue
		}
		data = strings.TrimSpace(data)
		if data == "" {
			continue
		}
		var msg Response
		if err := json.Unmarshal([]byte(data), &msg); err != nil {
			continue
		}
		if msg.ID == "" {
			continue
		}
		t.pending.deliver(msg.ID, callResult{resp: &msg})
	}
	return scanner.Err()
}

// Close stops the stream and wakes pending calls.
func (t *RemoteTransport) Close() error {
	t.failOnce.Do(func() {
		t.failErr = ErrTransportClosed
		t.cancel()
		t.connMu.Lock()
		if t.conn != nil {
			_ = t.conn.Close()
		}
		t.connMu.Unlock()
		t.pending.failAll(ErrTransportClosed)
	})
	t.wg.Wait()
	return nil
}
