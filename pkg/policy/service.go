package policy

import (
	"context"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// EnvPolicySource names the environment variable carrying the policy source
// (a file path or an http(s) URL). Unset means policy enforcement is off.
const EnvPolicySource = "MUX_POLICY_FILE"

const (
	defaultRefreshInterval = 15 * time.Minute
	watchDebounce          = 150 * time.Millisecond
)

// Service owns the policy lifecycle: initial load, periodic refresh, change
// notification, and the allow/deny predicates.
type Service struct {
	source        string
	clientVersion string
	interval      time.Duration
	httpClient    *http.Client
	logger        *zap.Logger

	mu        sync.RWMutex
	status    Status
	reason    string
	policy    *EffectivePolicy
	lastSig   string
	onChange  []func(Status, *EffectivePolicy)
	disposed  bool
	stop      chan struct{}
	done      chan struct{}
	fsw       *fsnotify.Watcher
	watchDone chan struct{}
}

// Option configures the service.
type Option func(*Service)

// WithSource overrides the MUX_POLICY_FILE environment lookup.
func WithSource(source string) Option {
	return func(s *Service) { s.source = source }
}

// WithRefreshInterval overrides the default 15-minute refresh cadence.
func WithRefreshInterval(d time.Duration) Option {
	return func(s *Service) { s.interval = d }
}

// WithHTTPClient overrides the client used for remote policy fetches.
func WithHTTPClient(c *http.Client) Option {
	return func(s *Service) { s.httpClient = c }
}

// WithLogger sets the service logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// New builds a policy service for the given running client version. The
// source defaults to $MUX_POLICY_FILE.
func New(clientVersion string, opts ...Option) *Service {
	s := &Service{
		source:        os.Getenv(EnvPolicySource),
		clientVersion: clientVersion,
		interval:      defaultRefreshInterval,
		httpClient:    &http.Client{},
		logger:        zap.NewNop(),
		status:        StatusDisabled,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.interval <= 0 {
		s.interval = defaultRefreshInterval
	}
	s.lastSig = signature(s.status, s.reason, s.policy)
	return s
}

// OnChange registers a callback fired after the {status, policy} signature
// changes. Registration must happen before Initialize.
func (s *Service) OnChange(fn func(Status, *EffectivePolicy)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onChange = append(s.onChange, fn)
}

// Initialize performs the first synchronous load, then starts the refresh
// loop. A load failure at startup blocks (fail-closed), never disables.
func (s *Service) Initialize(ctx context.Context) error {
	if s.source == "" {
		s.logger.Info("policy enforcement disabled: no source configured")
		return nil
	}

	if err := s.refresh(ctx, true); err != nil {
		// refresh already moved us to blocked; the deny posture is the
		// contract, so startup itself still succeeds.
		s.logger.Warn("initial policy load failed, blocking", zap.Error(err))
	}

	s.stop = make(chan struct{})
	s.done = make(chan struct{})
	go s.refreshLoop()

	if !isRemoteSource(s.source) {
		if err := s.startWatcher(); err != nil {
			s.logger.Warn("policy file watch unavailable", zap.Error(err))
		}
	}
	return nil
}

// Dispose stops the refresh loop and file watcher. Safe to call twice.
func (s *Service) Dispose() {
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return
	}
	s.disposed = true
	s.mu.Unlock()

	if s.stop != nil {
		close(s.stop)
		<-s.done
	}
	if s.fsw != nil {
		_ = s.fsw.Close()
		<-s.watchDone
	}
}

// GetStatus returns the current lifecycle state.
func (s *Service) GetStatus() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

// BlockedReason returns the human-readable reason while blocked, else "".
func (s *Service) BlockedReason() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.reason
}

// EffectivePolicy returns the current snapshot, nil when none is loaded.
func (s *Service) EffectivePolicy() *EffectivePolicy {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.policy
}

func (s *Service) refreshLoop() {
	defer close(s.done)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			if err := s.refresh(context.Background(), false); err != nil {
				s.logger.Warn("policy refresh failed, keeping last known good", zap.Error(err))
			}
		}
	}
}

// refresh loads, parses, and installs the policy. At startup any failure
// transitions to blocked; afterwards, last-known-good is retained for
// transient load and parse failures. A minimum-client-version rejection is
// a server decision, not a transient fault, so it blocks at any time.
func (s *Service) refresh(ctx context.Context, startup bool) error {
	raw, err := loadSource(ctx, s.httpClient, s.source)
	if err == nil {
		var eff *EffectivePolicy
		eff, err = parseDocument(raw, s.clientVersion)
		if err == nil {
			s.transition(StatusEnforced, "", eff)
			return nil
		}
	}
	if startup || errors.Is(err, ErrClientBelowMinimum) {
		s.transition(StatusBlocked, err.Error(), nil)
	}
	return err
}

// transition installs the new state and fans out change callbacks when the
// canonical signature actually differs.
func (s *Service) transition(status Status, reason string, policy *EffectivePolicy) {
	s.mu.Lock()
	sig := signature(status, reason, policy)
	if sig == s.lastSig {
		s.mu.Unlock()
		return
	}
	s.status = status
	s.reason = reason
	s.policy = policy
	s.lastSig = sig
	callbacks := make([]func(Status, *EffectivePolicy), len(s.onChange))
	copy(callbacks, s.onChange)
	s.mu.Unlock()

	s.logger.Info("policy changed", zap.String("status", string(status)))
	for _, fn := range callbacks {
		fn(status, policy)
	}
}

// startWatcher hot-reloads local policy files. The parent directory is
// watched because editors replace files by rename.
func (s *Service) startWatcher() error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	dir := filepath.Dir(s.source)
	if err := fsw.Add(dir); err != nil {
		_ = fsw.Close()
		return err
	}
	s.fsw = fsw
	s.watchDone = make(chan struct{})
	target := filepath.Clean(s.source)

	go func() {
		defer close(s.watchDone)
		var timer *time.Timer
		schedule := func() {
			if timer == nil {
				timer = time.AfterFunc(watchDebounce, func() {
					if err := s.refresh(context.Background(), false); err != nil {
						s.logger.Warn("policy reload failed, keeping last known good", zap.Error(err))
					}
				})
				return
			}
			timer.Reset(watchDebounce)
		}
		for {
			select {
			case evt, ok := <-fsw.Events:
				if !ok {
					if timer != nil {
						timer.Stop()
					}
					return
				}
				if filepath.Clean(evt.Name) != target {
					continue
				}
				if evt.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) != 0 {
					schedule()
				}
			case err, ok := <-fsw.Errors:
				if !ok {
					if timer != nil {
						timer.Stop()
					}
					return
				}
				if err != nil {
					s.logger.Warn("policy watch error", zap.Error(err))
				}
			}
		}
	}()
	return nil
}

// IsProviderAllowed reports whether provider may be used at all.
func (s *Service) IsProviderAllowed(provider string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	switch s.status {
	case StatusBlocked:
		return false
	case StatusDisabled:
		return true
	}
	if s.policy == nil || s.policy.ProviderAccess == nil {
		return true
	}
	return s.policy.provider(provider) != nil
}

// IsModelAllowed reports whether model may be used under provider. An empty
// model_access list on a matched provider allows every model.
func (s *Service) IsModelAllowed(provider, model string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	switch s.status {
	case StatusBlocked:
		return false
	case StatusDisabled:
		return true
	}
	if s.policy == nil || s.policy.ProviderAccess == nil {
		return true
	}
	entry := s.policy.provider(provider)
	if entry == nil {
		return false
	}
	if len(entry.AllowedModels) == 0 {
		return true
	}
	for _, m := range entry.AllowedModels {
		if m == model {
			return true
		}
	}
	return false
}

// IsMcpTransportAllowed reports whether user-defined MCP servers of the
// given transport ("stdio" or "remote") may be spawned.
func (s *Service) IsMcpTransportAllowed(transport string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	switch s.status {
	case StatusBlocked:
		return false
	case StatusDisabled:
		return true
	}
	if s.policy == nil || s.policy.MCP == nil {
		return true
	}
	switch transport {
	case "stdio":
		return s.policy.MCP.AllowStdio
	case "remote":
		return s.policy.MCP.AllowRemote
	default:
		return false
	}
}

// IsRuntimeAllowed reports whether the canonical runtime id may be used.
func (s *Service) IsRuntimeAllowed(runtimeID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	switch s.status {
	case StatusBlocked:
		return false
	case StatusDisabled:
		return true
	}
	if s.policy == nil || s.policy.Runtimes == nil {
		return true
	}
	for _, id := range s.policy.Runtimes {
		if id == runtimeID {
			return true
		}
	}
	return false
}
