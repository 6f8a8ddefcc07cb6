package mcp

import (
	"context"
	"errors"
	"net"
	"syscall"
	"time"
)

// RetryTransport reissues calls that failed transiently. Only remote MCP
// servers sit behind it; a dead stdio subprocess never comes back on its
// own, so stdio transports are not wrapped.
type RetryTransport struct {
	inner       Transport
	maxAttempts int
	baseDelay   time.Duration

	// wait is swapped in tests to skip real delays.
	wait func(ctx context.Context, d time.Duration) error
}

// RetryOption configures a RetryTransport.
type RetryOption func(*RetryTransport)

// WithMaxAttempts caps the total number of call attempts.
func WithMaxAttempts(n int) RetryOption {
	return func(t *RetryTransport) { t.maxAttempts = n }
}

// WithRetryBaseDelay sets the delay before the first retry; it doubles on
// every subsequent one.
func WithRetryBaseDelay(d time.Duration) RetryOption {
	return func(t *RetryTransport) { t.baseDelay = d }
}

// NewRetryTransport wraps inner with transient-failure retries.
func NewRetryTransport(inner Transport, opts ...RetryOption) *RetryTransport {
	t := &RetryTransport{
		inner:       inner,
		maxAttempts: 3,
		baseDelay:   50 * time.Millisecond,
		wait:        waitOrCancel,
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.maxAttempts < 1 {
		t.maxAttempts = 1
	}
	return t
}

// Call forwards to the inner transport, backing off between transient
// failures. The context bounds the whole sequence, delays included.
func (t *RetryTransport) Call(ctx context.Context, req *Request) (*Response, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	delay := t.baseDelay
	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		resp, err := t.inner.Call(ctx, req)
		if err == nil {
			return resp, nil
		}
		if attempt >= t.maxAttempts || !retryableCallError(err) {
			return nil, err
		}
		if err := t.wait(ctx, delay); err != nil {
			return nil, err
		}
		delay *= 2
	}
}

// Close delegates to the inner transport.
func (t *RetryTransport) Close() error {
	return t.inner.Close()
}

func waitOrCancel(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// retryableCallError classifies faults a remote MCP server can recover
// from: per-call timeouts and connection-level failures while the server
// restarts. Cancellation and a closed transport are final.
func retryableCallError(err error) bool {
	switch {
	case err == nil,
		errors.Is(err, context.Canceled),
		errors.Is(err, ErrTransportClosed):
		return false
	case errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, syscall.ECONNREFUSED),
		errors.Is(err, syscall.ECONNRESET):
		return true
	}
	var nerr net.Error
	return errors.As(err, &nerr) && nerr.Timeout()
}
