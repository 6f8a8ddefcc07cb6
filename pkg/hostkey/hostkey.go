// Package hostkey brokers interactive approve/deny decisions for SSH
// host-key prompts. Connection attempts block on a pending-request table
// until a human answers through a separate UI channel, or a timeout denies.
package hostkey

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const defaultTimeout = 2 * time.Minute

// Request is what the UI channel receives when a decision is needed.
type Request struct {
	RequestID   string `json:"requestId"`
	Host        string `json:"host"`
	Fingerprint string `json:"fingerprint"`
	KeyType     string `json:"keyType,omitempty"`
}

type pendingEntry struct {
	request Request
	timer   *time.Timer
	waiters []chan bool
}

// Service dedupes concurrent verification requests per host and fans the
// single answer out to every waiter.
type Service struct {
	logger    *zap.Logger
	timeout   time.Duration
	onRequest func(Request)

	mu     sync.Mutex
	byHost map[string]*pendingEntry
	byID   map[string]*pendingEntry
}

// Option configures the service.
type Option func(*Service)

// WithTimeout overrides how long an unanswered request waits before it is
// treated as a denial.
func WithTimeout(d time.Duration) Option {
	return func(s *Service) { s.timeout = d }
}

// WithLogger sets the service logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// New builds the broker. onRequest is invoked once per distinct in-flight
// host; it must not block.
func New(onRequest func(Request), opts ...Option) *Service {
	s := &Service{
		logger:    zap.NewNop(),
		timeout:   defaultTimeout,
		onRequest: onRequest,
		byHost:    make(map[string]*pendingEntry),
		byID:      make(map[string]*pendingEntry),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.timeout <= 0 {
		s.timeout = defaultTimeout
	}
	return s
}

// RequestVerification blocks until the host's key is approved or denied.
// Concurrent calls for the same host coalesce onto one pending entry, so N
// stalled SSH connections produce a single prompt.
func (s *Service) RequestVerification(ctx context.Context, host, fingerprint, keyType string) (bool, error) {
	ch := make(chan bool, 1)

	s.mu.Lock()
	if entry, ok := s.byHost[host]; ok {
		entry.waiters = append(entry.waiters, ch)
		s.mu.Unlock()
		return s.wait(ctx, ch)
	}

	entry := &pendingEntry{
		request: Request{
			RequestID:   uuid.NewString(),
			Host:        host,
			Fingerprint: fingerprint,
			KeyType:     keyType,
		},
		waiters: []chan bool{ch},
	}
	id := entry.request.RequestID
	entry.timer = time.AfterFunc(s.timeout, func() {
		if s.finalize(id, false) {
			s.logger.Info("host key verification timed out", zap.String("host", host))
		}
	})
	s.byHost[host] = entry
	s.byID[id] = entry
	s.mu.Unlock()

	if s.onRequest != nil {
		s.onRequest(entry.request)
	}
	return s.wait(ctx, ch)
}

// Respond finalizes a pending request with the human's decision.
func (s *Service) Respond(requestID string, accept bool) error {
	if !s.finalize(requestID, accept) {
		return fmt.Errorf("no pending host key verification: %s", requestID)
	}
	return nil
}

// Pending lists the in-flight requests, for UI reconciliation.
func (s *Service) Pending() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Request, 0, len(s.byID))
	for _, entry := range s.byID {
		out = append(out, entry.request)
	}
	return out
}

// Dispose denies every outstanding request and stops their timers.
func (s *Service) Dispose() {
	s.mu.Lock()
	ids := make([]string, 0, len(s.byID))
	for id := range s.byID {
		ids = append(ids, id)
	}
	s.mu.Unlock()
	for _, id := range ids {
		s.finalize(id, false)
	}
}

// finalize resolves the entry exactly once: stops the timer, removes the
// bookkeeping, and fans accept out to all waiters. Returns false when the
// request is unknown or already resolved.
func (s *Service) finalize(requestID string, accept bool) bool {
	s.mu.Lock()
	entry, ok := s.byID[requestID]
	if !ok {
		s.mu.Unlock()
		return false
	}
	delete(s.byID, requestID)
	delete(s.byHost, entry.request.Host)
	entry.timer.Stop()
	waiters := entry.waiters
	s.mu.Unlock()

	for _, ch := range waiters {
		// Buffered size 1; each waiter receives at most one answer.
		select {
		case ch <- accept:
		default:
		}
	}
	return true
}

func (s *Service) wait(ctx context.Context, ch chan bool) (bool, error) {
	select {
	case accept := <-ch:
		return accept, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}
