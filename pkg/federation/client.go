package federation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"golang.org/x/net/websocket"

	"github.com/muxrun/mux/pkg/rpc"
)

// Caller opens procedure calls against one remote server.
type Caller interface {
	Call(ctx context.Context, path string, input any) (any, error)
	Stream(ctx context.Context, path string, input any) (rpc.Stream, error)
}

// Client is the HTTP/WebSocket implementation of Caller.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// NewClient builds a caller for one configured remote server.
func NewClient(cfg ServerConfig) *Client {
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		token:   cfg.Token,
		http:    &http.Client{},
	}
}

// Call forwards a unary procedure. Cancelling ctx aborts the upstream
// request.
func (c *Client) Call(ctx context.Context, path string, input any) (any, error) {
	body, err := json.Marshal(input)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/rpc/"+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("call remote %s: %w", path, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read remote response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		var eb struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(data, &eb) == nil && eb.Error != "" {
			return nil, fmt.Errorf("remote %s: %s", path, eb.Error)
		}
		return nil, fmt.Errorf("remote %s: status %d", path, resp.StatusCode)
	}
	var out any
	if len(data) > 0 {
		if err := json.Unmarshal(data, &out); err != nil {
			return nil, fmt.Errorf("decode remote response: %w", err)
		}
	}
	return out, nil
}

// Stream opens a streaming procedure over WebSocket. Cancelling ctx or
// closing the returned stream tears the connection down, aborting the
// remote subscription.
func (c *Client) Stream(ctx context.Context, path string, input any) (rpc.Stream, error) {
	wsURL := "ws" + strings.TrimPrefix(c.baseURL, "http") + "/rpc/" + path
	cfg, err := websocket.NewConfig(wsURL, c.baseURL+"/")
	if err != nil {
		return nil, fmt.Errorf("stream config: %w", err)
	}
	if c.token != "" {
		cfg.Header = http.Header{"Authorization": {"Bearer " + c.token}}
	}
	conn, err := websocket.DialConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("dial remote %s: %w", path, err)
	}
	if err := websocket.JSON.Send(conn, input); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("send stream request: %w", err)
	}

	s := &wsStream{conn: conn, done: make(chan struct{})}
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-s.done:
		}
	}()
	return s, nil
}

type wsStream struct {
	conn *websocket.Conn
	done chan struct{}
	once sync.Once
}

func (s *wsStream) Next() (any, error) {
	var value any
	if err := websocket.JSON.Receive(s.conn, &value); err != nil {
		return nil, err
	}
	if m, ok := value.(map[string]any); ok && len(m) == 1 {
		if msg, ok := m["error"].(string); ok {
			return nil, fmt.Errorf("remote stream: %s", msg)
		}
	}
	return value, nil
}

func (s *wsStream) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		err = s.conn.Close()
	})
	return err
}
