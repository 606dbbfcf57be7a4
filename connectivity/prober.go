package connectivity

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/medlink/medsync/telemetry"
)

// ProberConfig configures a Prober.
type ProberConfig struct {
	// URL is probed with HEAD. Any response below 500 counts as reachable.
	URL string

	// Interval between background probes. Default is 10s.
	Interval time.Duration

	// Timeout bounds each probe. Default is 5s.
	Timeout time.Duration

	// Client performs probes. Defaults to an instrumented client.
	Client *http.Client

	// Logger for probe events.
	Logger *slog.Logger
}

// Prober is a monitor that polls a reachability URL.
type Prober struct {
	hub    *hub
	config ProberConfig
	client *http.Client
	logger *slog.Logger

	mu      sync.Mutex
	running bool
	stopped bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewProber creates a prober. Call Start to begin background polling.
func NewProber(cfg ProberConfig, opts ...Option) *Prober {
	if cfg.Interval == 0 {
		cfg.Interval = 10 * time.Second
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 5 * time.Second
	}
	o := buildOptions(opts)
	if cfg.Logger != nil {
		o.logger = cfg.Logger
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{Transport: telemetry.NewInstrumentedTransport(nil, "probe")}
	}

	h := newHub("probe", o)
	return &Prober{
		hub:    h,
		config: cfg,
		client: client,
		logger: h.logger,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// Start begins background probing.
func (p *Prober) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.stopped || p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = true
	p.mu.Unlock()

	go p.run(ctx)
	return nil
}

// Stop stops background probing and waits for the loop to exit.
func (p *Prober) Stop() {
	p.mu.Lock()
	if !p.running || p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	p.mu.Unlock()

	close(p.stopCh)
	<-p.doneCh
}

func (p *Prober) run(ctx context.Context) {
	defer close(p.doneCh)

	ticker := time.NewTicker(p.config.Interval)
	defer ticker.Stop()

	p.ProbeOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.ProbeOnce(ctx)
		}
	}
}

// ProbeOnce performs a single probe and publishes the result.
func (p *Prober) ProbeOnce(ctx context.Context) bool {
	online := p.probe(ctx)
	if ctx.Err() != nil {
		// A probe cut short by the caller says nothing about the network.
		return online
	}
	p.hub.publish(online)
	return online
}

func (p *Prober) probe(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, p.config.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, p.config.URL, nil)
	if err != nil {
		p.logger.Warn("invalid probe request", "url", p.config.URL, "error", err)
		return false
	}

	resp, err := p.client.Do(req)
	if err != nil {
		p.logger.Debug("probe failed", "url", p.config.URL, "error", err)
		return false
	}
	_ = resp.Body.Close()

	return resp.StatusCode < http.StatusInternalServerError
}

// Current implements Monitor by probing now.
func (p *Prober) Current(ctx context.Context) (State, error) {
	online := p.ProbeOnce(ctx)
	if err := ctx.Err(); err != nil {
		return State{}, err
	}
	st, known := p.hub.snapshot()
	if !known {
		st = State{Online: online}
	}
	return st, nil
}

// Subscribe implements Monitor.
func (p *Prober) Subscribe(fn func(online bool)) func() {
	return p.hub.subscribe(fn)
}

var _ Monitor = (*Prober)(nil)
