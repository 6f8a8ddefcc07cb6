package status

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/muxrun/mux/pkg/runtime"
	"github.com/muxrun/mux/pkg/workspace"
)

func TestParseOutputFirstNonEmptyLine(t *testing.T) {
	st := ParseOutput("\n\n  building  \nsecond line\n", "", "")
	require.Equal(t, "building", st.Message)
	require.Empty(t, st.URL)
}

func TestParseOutputPrefersStdout(t *testing.T) {
	st := ParseOutput("from stdout", "from stderr", "")
	require.Equal(t, "from stdout", st.Message)

	st = ParseOutput("", "from stderr", "")
	require.Equal(t, "from stderr", st.Message)
}

func TestParseOutputExtractsURL(t *testing.T) {
	st := ParseOutput("deployed at https://preview.example.com/x", "", "")
	require.Equal(t, "https://preview.example.com/x", st.URL)
}

func TestParseOutputURLIsSticky(t *testing.T) {
	st := ParseOutput("deploy ok", "", "https://old.example.com")
	require.Equal(t, "https://old.example.com", st.URL)

	st = ParseOutput("new link http://fresh.example.com", "", "https://old.example.com")
	require.Equal(t, "http://fresh.example.com", st.URL)
}

func TestParseOutputTruncates(t *testing.T) {
	st := ParseOutput(strings.Repeat("x", maxMessageLen+50), "", "")
	require.Len(t, st.Message, maxMessageLen)
}

func collectStatuses() (func(Status), func() []Status) {
	var mu sync.Mutex
	var got []Status
	record := func(st Status) {
		mu.Lock()
		got = append(got, st)
		mu.Unlock()
	}
	snapshot := func() []Status {
		mu.Lock()
		defer mu.Unlock()
		out := make([]Status, len(got))
		copy(out, got)
		return out
	}
	return record, snapshot
}

func TestPollerRunsOnceWhenIntervalZero(t *testing.T) {
	record, snapshot := collectStatuses()
	p := NewPoller(nil, record)
	defer p.Stop()

	p.Set(RunConfig{
		Script:  "echo ready",
		Runtime: runtime.NewLocalRuntime(""),
	})

	require.Eventually(t, func() bool { return len(snapshot()) == 1 }, 3*time.Second, 20*time.Millisecond)
	require.Equal(t, "ready", snapshot()[0].Message)

	// No interval, no further runs.
	time.Sleep(100 * time.Millisecond)
	require.Len(t, snapshot(), 1)
}

func TestPollerRepeatsOnInterval(t *testing.T) {
	record, snapshot := collectStatuses()
	p := NewPoller(nil, record)
	defer p.Stop()

	p.Set(RunConfig{
		Script:       "echo tick",
		PollInterval: 30 * time.Millisecond,
		Runtime:      runtime.NewLocalRuntime(""),
	})

	require.Eventually(t, func() bool { return len(snapshot()) >= 3 }, 3*time.Second, 20*time.Millisecond)
}

func TestPollerDiscardsStaleGeneration(t *testing.T) {
	record, snapshot := collectStatuses()
	p := NewPoller(nil, record)
	defer p.Stop()

	// Slow old script; its result must be discarded once replaced.
	p.Set(RunConfig{
		Script:  "sleep 0.3; echo old",
		Runtime: runtime.NewLocalRuntime(""),
	})
	time.Sleep(50 * time.Millisecond)
	// The immediate run of the replacement is skipped while the old script
	// is still executing; the interval picks it up afterwards.
	p.Set(RunConfig{
		Script:       "echo new",
		PollInterval: 50 * time.Millisecond,
		Runtime:      runtime.NewLocalRuntime(""),
	})

	require.Eventually(t, func() bool {
		for _, st := range snapshot() {
			if st.Message == "new" {
				return true
			}
		}
		return false
	}, 3*time.Second, 20*time.Millisecond)
	for _, st := range snapshot() {
		require.NotEqual(t, "old", st.Message)
	}
}

func TestSetServicePersistsBeforeNotify(t *testing.T) {
	root := t.TempDir()
	store := workspace.NewStore(root)
	statePath := filepath.Join(root, "sessions", "ws-1", "status.json")

	persistedFirst := make(chan bool, 8)
	svc := NewSetService(nil, store, func(workspaceID string, st Status) {
		_, err := os.Stat(statePath)
		persistedFirst <- err == nil
	})
	defer svc.Dispose()

	require.NoError(t, svc.Set("ws-1", runtime.NewLocalRuntime(""), "echo up", "", 0))

	select {
	case ok := <-persistedFirst:
		require.True(t, ok, "state file must exist before the update event")
	case <-time.After(3 * time.Second):
		t.Fatal("no status update")
	}

	data, err := os.ReadFile(statePath)
	require.NoError(t, err)
	var state persistedState
	require.NoError(t, json.Unmarshal(data, &state))
	require.Equal(t, "echo up", state.Script)
	require.Equal(t, "up", state.LastStatus.Message)
}

func TestEnsureRunningReconstructsFromDisk(t *testing.T) {
	root := t.TempDir()
	store := workspace.NewStore(root)
	dir := filepath.Join(root, "sessions", "ws-1")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "status.json"), []byte(`{
		"script": "echo recovered",
		"poll_interval_s": 0,
		"updatedAt": "2026-08-29T00:00:00Z"
	}`), 0o644))

	record, snapshot := collectStatuses()
	svc := NewSetService(nil, store, func(_ string, st Status) { record(st) })
	defer svc.Dispose()

	require.NoError(t, svc.EnsureRunning("ws-1", runtime.NewLocalRuntime("")))
	require.Eventually(t, func() bool {
		for _, st := range snapshot() {
			if st.Message == "recovered" {
				return true
			}
		}
		return false
	}, 3*time.Second, 20*time.Millisecond)

	// Second call with a live poller is a no-op.
	before := len(snapshot())
	require.NoError(t, svc.EnsureRunning("ws-1", runtime.NewLocalRuntime("")))
	time.Sleep(100 * time.Millisecond)
	require.Equal(t, before, len(snapshot()))
}

func TestEnsureRunningNoStateIsNoop(t *testing.T) {
	svc := NewSetService(nil, workspace.NewStore(t.TempDir()), nil)
	defer svc.Dispose()
	require.NoError(t, svc.EnsureRunning("ws-1", runtime.NewLocalRuntime("")))
}
