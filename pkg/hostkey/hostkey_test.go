package hostkey

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestConcurrentRequestsCoalescePerHost(t *testing.T) {
	var mu sync.Mutex
	var prompts []Request
	s := New(func(r Request) {
		mu.Lock()
		prompts = append(prompts, r)
		mu.Unlock()
	}, WithTimeout(5*time.Second))
	defer s.Dispose()

	results := make(chan bool, 2)
	for i := 0; i < 2; i++ {
		go func() {
			ok, err := s.RequestVerification(context.Background(), "db.internal:22", "SHA256:abc", "ed25519")
			require.NoError(t, err)
			results <- ok
		}()
	}

	// Wait for the single prompt and for both callers to be attached to the
	// pending entry before answering.
	var req Request
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		if len(prompts) == 0 {
			return false
		}
		req = prompts[0]
		return true
	}, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		entry, ok := s.byHost["db.internal:22"]
		return ok && len(entry.waiters) == 2
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, s.Respond(req.RequestID, true))
	require.True(t, <-results)
	require.True(t, <-results)

	mu.Lock()
	require.Len(t, prompts, 1, "same-host requests must share one prompt")
	mu.Unlock()
	require.Empty(t, s.Pending())
}

func TestTimeoutDeniesAndClearsHost(t *testing.T) {
	s := New(nil, WithTimeout(30*time.Millisecond))
	defer s.Dispose()

	ok, err := s.RequestVerification(context.Background(), "slow.host:22", "SHA256:def", "rsa")
	require.NoError(t, err)
	require.False(t, ok)
	require.Empty(t, s.Pending())

	// Host is out of in-flight tracking: a new request gets a fresh prompt.
	done := make(chan bool, 1)
	var second Request
	s2 := New(func(r Request) { second = r }, WithTimeout(5*time.Second))
	defer s2.Dispose()
	go func() {
		ok, _ := s2.RequestVerification(context.Background(), "slow.host:22", "SHA256:def", "rsa")
		done <- ok
	}()
	require.Eventually(t, func() bool { return second.RequestID != "" }, 2*time.Second, 10*time.Millisecond)
	require.NoError(t, s2.Respond(second.RequestID, false))
	require.False(t, <-done)
}

func TestRespondUnknownRequest(t *testing.T) {
	s := New(nil)
	defer s.Dispose()
	require.Error(t, s.Respond("nope", true))
}

func TestRespondTwiceSecondFails(t *testing.T) {
	var req Request
	s := New(func(r Request) { req = r }, WithTimeout(5*time.Second))
	defer s.Dispose()

	done := make(chan bool, 1)
	go func() {
		ok, _ := s.RequestVerification(context.Background(), "h:22", "SHA256:x", "")
		done <- ok
	}()
	require.Eventually(t, func() bool { return req.RequestID != "" }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, s.Respond(req.RequestID, true))
	require.True(t, <-done)
	require.Error(t, s.Respond(req.RequestID, false))
}

func TestCallerContextCancellation(t *testing.T) {
	s := New(nil, WithTimeout(5*time.Second))
	defer s.Dispose()

	ctx, cancel := context.WithCancel(context.Background())
	errs := make(chan error, 1)
	go func() {
		_, err := s.RequestVerification(ctx, "h:22", "SHA256:x", "")
		errs <- err
	}()
	require.Eventually(t, func() bool { return len(s.Pending()) == 1 }, 2*time.Second, 10*time.Millisecond)
	cancel()
	require.ErrorIs(t, <-errs, context.Canceled)
}
