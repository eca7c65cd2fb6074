// Package registry supplements pkg/registry with a background health
// prober: pkg/registry.Registry tracks a HealthStatus per backend, but
// nothing in pkg/registry itself ever refreshes that status, mirroring
// the teacher's split between vmcp/health's Monitor (the ticker loop)
// and the checker it drives. This package fills the Monitor role for
// our backend registry.
package registry

import (
	"context"
	"sync"
	"time"

	"github.com/sigee-min/bbmcp-sub010/internal/clock"
	backendregistry "github.com/sigee-min/bbmcp-sub010/pkg/registry"
)

// HealthChecker is an optional capability a backendregistry.Adapter may
// additionally implement to answer a lightweight liveness probe. An
// Adapter that does not implement it is probed via a synthetic
// HandleTool call instead (see Prober.probe).
type HealthChecker interface {
	CheckHealth(ctx context.Context) error
}

// ProberOptions configures a Prober.
type ProberOptions struct {
	// Interval between probe rounds. Defaults to 30s.
	Interval time.Duration
	// Timeout bounds a single backend's probe call. Defaults to 5s.
	Timeout time.Duration
	// FailureThreshold is the number of consecutive failed probes
	// before a backend flips to Unhealthy. Defaults to 3.
	FailureThreshold int
	// DegradedThreshold is the number of consecutive failed probes
	// before a backend flips to Degraded (must be < FailureThreshold).
	// Defaults to 1.
	DegradedThreshold int
}

func (o ProberOptions) withDefaults() ProberOptions {
	if o.Interval <= 0 {
		o.Interval = 30 * time.Second
	}
	if o.Timeout <= 0 {
		o.Timeout = 5 * time.Second
	}
	if o.FailureThreshold <= 0 {
		o.FailureThreshold = 3
	}
	if o.DegradedThreshold <= 0 {
		o.DegradedThreshold = 1
	}
	if o.DegradedThreshold >= o.FailureThreshold {
		o.DegradedThreshold = o.FailureThreshold - 1
	}
	return o
}

// Prober periodically probes every backend registered in a
// pkg/registry.Registry and flips its HealthStatus based on consecutive
// probe outcomes, grounded on the teacher's vmcp/health.Monitor
// ticker-driven check loop and on this module's own mcpsession.Sweeper
// idiom for ticker/Stop lifecycle.
type Prober struct {
	reg  *backendregistry.Registry
	clk  clock.Clock
	opts ProberOptions

	mu         sync.Mutex
	failures   map[string]int
	lastProbed map[string]time.Time

	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewProber creates a Prober for reg.
func NewProber(reg *backendregistry.Registry, clk clock.Clock, opts ProberOptions) *Prober {
	return &Prober{
		reg:        reg,
		clk:        clk,
		opts:       opts.withDefaults(),
		failures:   make(map[string]int),
		lastProbed: make(map[string]time.Time),
		stopCh:     make(chan struct{}),
	}
}

// Start runs the probe loop until Stop is called or ctx is done.
// Intended to be run in its own goroutine.
func (p *Prober) Start(ctx context.Context) {
	ticker := time.NewTicker(p.opts.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.probeAll(ctx)
		}
	}
}

// Stop disables future probe rounds. Safe to call more than once.
func (p *Prober) Stop() {
	p.stopOnce.Do(func() { close(p.stopCh) })
}

// ProbeOnce runs a single probe round synchronously. Exposed so a CLI
// "validate"-style command or tests can trigger a round without waiting
// on the ticker.
func (p *Prober) ProbeOnce(ctx context.Context) {
	p.probeAll(ctx)
}

func (p *Prober) probeAll(ctx context.Context) {
	for _, kind := range p.reg.ListKinds() {
		backend, ok := p.reg.Resolve(kind)
		if !ok {
			continue
		}
		p.probeOne(ctx, kind, backend)
	}
}

func (p *Prober) probeOne(ctx context.Context, kind string, backend backendregistry.Backend) {
	probeCtx, cancel := context.WithTimeout(ctx, p.opts.Timeout)
	defer cancel()

	err := p.probe(probeCtx, backend)

	p.mu.Lock()
	defer p.mu.Unlock()

	p.lastProbed[kind] = p.clk.Now()

	if err == nil {
		p.failures[kind] = 0
		p.reg.SetHealth(kind, backendregistry.Healthy)
		return
	}

	p.failures[kind]++
	switch {
	case p.failures[kind] >= p.opts.FailureThreshold:
		p.reg.SetHealth(kind, backendregistry.Unhealthy)
	case p.failures[kind] >= p.opts.DegradedThreshold:
		p.reg.SetHealth(kind, backendregistry.Degraded)
	}
}

// probe invokes a backend's own CheckHealth if it implements
// HealthChecker, else falls back to a synthetic "__health__" tool call
// and treats a transport-level error (not a tool-level ToolResponse
// failure) as unhealthy, since many adapters do not recognize the
// synthetic tool name but still answer it without erroring.
func (p *Prober) probe(ctx context.Context, backend backendregistry.Backend) error {
	if hc, ok := backend.Adapter.(HealthChecker); ok {
		return hc.CheckHealth(ctx)
	}
	_, err := backend.Adapter.HandleTool(ctx, "__health__", nil, backendregistry.ToolContext{})
	return err
}

// Snapshot returns the current per-kind consecutive-failure counts, for
// diagnostics and tests.
func (p *Prober) Snapshot() map[string]int {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]int, len(p.failures))
	for k, v := range p.failures {
		out[k] = v
	}
	return out
}

// LastProbed returns the timestamp of the most recent probe round for
// kind, or the zero time if kind has never been probed.
func (p *Prober) LastProbed(kind string) time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastProbed[kind]
}
