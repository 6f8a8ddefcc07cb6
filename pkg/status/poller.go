package status

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/muxrun/mux/pkg/runtime"
)

// scriptTimeout bounds a single status-script run.
const scriptTimeout = 5 * time.Second

// RunConfig describes what the poller should execute.
type RunConfig struct {
	Script       string
	PollInterval time.Duration // 0 means run once
	Dir          string
	Env          []string
	Runtime      runtime.Runtime
}

// Poller executes a status script immediately on Set and then on the
// configured cadence. Overlapping ticks are skipped, and a Set that lands
// while a run is in flight discards that run's result.
type Poller struct {
	logger   *zap.Logger
	onStatus func(Status)

	mu      sync.Mutex
	gen     uint64
	running bool
	lastURL string
	stop    chan struct{}
}

// NewPoller builds a poller. onStatus receives every fresh result.
func NewPoller(logger *zap.Logger, onStatus func(Status)) *Poller {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Poller{logger: logger, onStatus: onStatus}
}

// Set replaces the current configuration. The script runs immediately even
// when PollInterval is zero; a positive interval repeats it.
func (p *Poller) Set(cfg RunConfig) {
	p.mu.Lock()
	p.gen++
	gen := p.gen
	if p.stop != nil {
		close(p.stop)
		p.stop = nil
	}
	var stop chan struct{}
	if cfg.PollInterval > 0 {
		stop = make(chan struct{})
		p.stop = stop
	}
	p.mu.Unlock()

	go p.runOnce(gen, cfg)
	if stop != nil {
		go p.loop(gen, cfg, stop)
	}
}

// Stop cancels polling and invalidates any in-flight run.
func (p *Poller) Stop() {
	p.mu.Lock()
	p.gen++
	if p.stop != nil {
		close(p.stop)
		p.stop = nil
	}
	p.mu.Unlock()
}

func (p *Poller) loop(gen uint64, cfg RunConfig, stop chan struct{}) {
	ticker := time.NewTicker(cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			p.runOnce(gen, cfg)
		}
	}
}

func (p *Poller) runOnce(gen uint64, cfg RunConfig) {
	p.mu.Lock()
	if p.running {
		// A slow script is still going; skip this tick instead of piling up.
		p.mu.Unlock()
		return
	}
	p.running = true
	p.mu.Unlock()

	res, err := cfg.Runtime.Exec(context.Background(), cfg.Script, runtime.ExecOptions{
		Dir:     cfg.Dir,
		Env:     cfg.Env,
		Timeout: scriptTimeout,
	})

	p.mu.Lock()
	p.running = false
	if gen != p.gen {
		// Config was replaced mid-run; this result belongs to an old script.
		p.mu.Unlock()
		return
	}
	if err != nil {
		p.mu.Unlock()
		p.logger.Warn("status script failed", zap.Error(err))
		return
	}
	st := ParseOutput(res.Stdout, res.Stderr, p.lastURL)
	p.lastURL = st.URL
	cb := p.onStatus
	p.mu.Unlock()

	if cb != nil {
		cb(st)
	}
}
